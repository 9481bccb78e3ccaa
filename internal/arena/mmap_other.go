//go:build !unix

package arena

import "github.com/pkg/errors"

// NewMapped is only available on unix systems.
func NewMapped(capacity int) (*Arena, error) {
	return nil, errors.New("arena: anonymous mappings are not supported on this platform")
}
