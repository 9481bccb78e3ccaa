// Package buffer provides the fixed-capacity byte accumulator that holds a
// connection's unparsed input between reads.
package buffer

import (
	"fmt"

	"github.com/pkg/errors"
)

// DefaultCapacity is the per-connection buffer size.
const DefaultCapacity = 8 << 10

var ErrOverflow = errors.New("buffer: overflow")

// Buffer accumulates bytes at the end of its valid region and drops parsed bytes
// from the front with Compact. It never grows.
type Buffer struct {
	data []byte
	n    int
}

func New(capacity int) *Buffer {
	if capacity <= 0 {
		capacity = DefaultCapacity
	}
	return &Buffer{data: make([]byte, capacity)}
}

// Append copies p after the valid region. Nothing is copied if p does not fit.
func (b *Buffer) Append(p []byte) error {
	if len(p) > b.Free() {
		return errors.Wrapf(ErrOverflow, "append %d bytes with %d free", len(p), b.Free())
	}
	b.n += copy(b.data[b.n:], p)
	return nil
}

// Spare returns the unused tail so a reader can fill it in place. Commit must be
// called with the number of bytes written.
func (b *Buffer) Spare() []byte {
	return b.data[b.n:]
}

func (b *Buffer) Commit(n int) {
	if n < 0 || n > b.Free() {
		panic(fmt.Sprintf("buffer: commit %d with %d free", n, b.Free()))
	}
	b.n += n
}

// Compact drops the first consumed bytes and shifts the remainder to the start.
func (b *Buffer) Compact(consumed int) {
	if consumed < 0 || consumed > b.n {
		panic(fmt.Sprintf("buffer: compact %d of %d valid bytes", consumed, b.n))
	}
	if consumed == 0 {
		return
	}
	b.n = copy(b.data, b.data[consumed:b.n])
}

// Bytes returns the valid region. It is only good until the next mutation.
func (b *Buffer) Bytes() []byte { return b.data[:b.n] }

func (b *Buffer) Len() int { return b.n }

func (b *Buffer) Cap() int { return len(b.data) }

func (b *Buffer) Free() int { return len(b.data) - b.n }

func (b *Buffer) Full() bool { return b.n == len(b.data) }

// Reset discards all valid bytes.
func (b *Buffer) Reset() { b.n = 0 }
