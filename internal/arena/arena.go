// Package arena implements the bump-pointer allocator that backs stored values.
//
// An Arena hands out sequential ranges of one preallocated region by advancing an
// offset. Individual ranges are never freed; Reset reclaims everything at once and
// bumps the generation so that every Ref handed out before it stops resolving.
//
// An Arena is not safe for concurrent use. The server touches it from a single
// event loop only.
package arena

import (
	"github.com/pkg/errors"
)

// DefaultCapacity is the capacity used by the server when none is configured.
const DefaultCapacity = 64 << 20

var (
	ErrOutOfMemory = errors.New("arena: out of memory")
	ErrInvalidSize = errors.New("arena: invalid allocation size")
)

// Ref is a borrowed view of bytes inside an Arena. It carries no ownership and is
// valid only while the arena generation equals Gen.
type Ref struct {
	Off int
	Len int
	Gen uint64
}

type Arena struct {
	buf    []byte
	offset int
	gen    uint64

	release func([]byte) error
}

// New returns a heap-backed arena of the given capacity.
func New(capacity int) *Arena {
	if capacity < 0 {
		capacity = 0
	}
	return &Arena{buf: make([]byte, capacity)}
}

// Allocate reserves n bytes and returns a ref to them together with the writable
// range. It never returns a short allocation: when fewer than n bytes remain it
// returns ErrOutOfMemory and leaves the offset untouched.
func (a *Arena) Allocate(n int) (Ref, []byte, error) {
	if n < 0 {
		return Ref{}, nil, errors.Wrapf(ErrInvalidSize, "allocate %d bytes", n)
	}
	if n > len(a.buf)-a.offset {
		return Ref{}, nil, errors.Wrapf(ErrOutOfMemory, "allocate %d bytes with %d available", n, a.Available())
	}
	start := a.offset
	a.offset += n
	ref := Ref{Off: start, Len: n, Gen: a.gen}
	return ref, a.buf[start:a.offset:a.offset], nil
}

// Bytes resolves ref. It reports false for refs from an earlier generation or
// refs that do not lie within the allocated region.
func (a *Arena) Bytes(ref Ref) ([]byte, bool) {
	if ref.Gen != a.gen || ref.Off < 0 || ref.Len < 0 || ref.Off+ref.Len > a.offset {
		return nil, false
	}
	return a.buf[ref.Off : ref.Off+ref.Len : ref.Off+ref.Len], true
}

// Reset collapses the offset to zero and invalidates every outstanding Ref.
func (a *Arena) Reset() {
	a.offset = 0
	a.gen++
}

func (a *Arena) Offset() int { return a.offset }

func (a *Arena) Cap() int { return len(a.buf) }

func (a *Arena) Available() int { return len(a.buf) - a.offset }

func (a *Arena) Generation() uint64 { return a.gen }

// Release returns the backing region to the operating system for mapped arenas.
// The arena must not be used afterwards.
func (a *Arena) Release() error {
	buf := a.buf
	a.buf, a.offset = nil, 0
	a.gen++
	if a.release == nil {
		return nil
	}
	rel := a.release
	a.release = nil
	return rel(buf)
}
