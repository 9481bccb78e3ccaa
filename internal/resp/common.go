// Package resp implements the wire framing of the server: decoding request
// frames out of a byte buffer and appending reply frames to an output buffer.
//
// Requests are either RESP multi-bulk arrays (what redis clients send) or inline
// commands, one per line, tokens separated by blanks (what a human types into
// nc or telnet).
package resp

import (
	"fmt"

	"github.com/pkg/errors"
)

const (
	RESPString     = '+'
	RESPError      = '-'
	RESPInteger    = ':'
	RESPBulkString = '$'
	RESPArray      = '*'
)

const (
	// MaxArgs bounds the element count of a multi-bulk request.
	MaxArgs = 1024
	// MaxBulkLen bounds a single bulk argument.
	MaxBulkLen = 512 << 20
	// MaxInlineLen bounds an inline request line.
	MaxInlineLen = 64 << 10
)

var ErrProtocol = errors.New("protocol error")

// ProtocolError describes a malformed frame. It matches ErrProtocol with errors.Is.
type ProtocolError struct {
	Reason string
}

func (e *ProtocolError) Error() string { return "Protocol error: " + e.Reason }

func (e *ProtocolError) Is(target error) bool { return target == ErrProtocol }

func protocolErrorf(format string, args ...any) error {
	return &ProtocolError{Reason: fmt.Sprintf(format, args...)}
}

var (
	errNoDigits   = errors.New("no digits")
	errNumberSize = errors.New("number too large")
)

// maxIntDigits keeps every accepted value inside int64.
const maxIntDigits = 18

// ParseInt parses a signed decimal integer with no surrounding whitespace.
func ParseInt(data []byte) (int, error) {
	digits := data
	if len(digits) > 0 && digits[0] == '-' {
		digits = digits[1:]
	}
	switch {
	case len(digits) == 0:
		return 0, errNoDigits
	case len(digits) > maxIntDigits:
		return 0, errNumberSize
	}

	var n int
	for _, b := range digits {
		d := b - '0'
		if d > 9 {
			return 0, errors.Errorf("invalid digit %q", b)
		}
		n = n*10 + int(d)
	}
	if len(digits) < len(data) {
		n = -n
	}
	return n, nil
}

// parseLenLine parses the number in a "<n>\r" header, the '\n' already stripped.
func parseLenLine(line []byte) (int, error) {
	n := len(line) - 1
	if n < 0 || line[n] != '\r' {
		return 0, errors.New("missing CR")
	}
	return ParseInt(line[:n])
}
