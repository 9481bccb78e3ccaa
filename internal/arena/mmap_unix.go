//go:build unix

package arena

import (
	"github.com/pkg/errors"
	"golang.org/x/sys/unix"
)

// NewMapped returns an arena backed by an anonymous private mapping. Pages are
// committed lazily by the kernel, so a large capacity costs little until used.
func NewMapped(capacity int) (*Arena, error) {
	if capacity <= 0 {
		return nil, errors.Wrapf(ErrInvalidSize, "mmap arena of %d bytes", capacity)
	}
	buf, err := unix.Mmap(-1, 0, capacity, unix.PROT_READ|unix.PROT_WRITE, unix.MAP_ANON|unix.MAP_PRIVATE)
	if err != nil {
		return nil, errors.Wrapf(err, "mmap arena of %d bytes", capacity)
	}
	return &Arena{
		buf: buf,
		release: func(b []byte) error {
			return errors.Wrap(unix.Munmap(b), "munmap arena")
		},
	}, nil
}
