// Package unsafewx provides management routines for memory that is either
// writeable or executable.
//
// W^X memory as implemented in package unsafewx is writeable exactly until it
// becomes executable. Once execute permission is added, write permission is
// removed, and there is no way to transition back.
//
// A Region has a fixed address for its whole lifetime, so code can be encoded
// for that address before it is written. The "unsafe" part of unsafewx is
// there because executing what is written is entirely the caller's business.
package unsafewx

import (
	"io"
	"log"
	"unsafe"

	"golang.org/x/xerrors"
)

// A Region is a page-aligned range of writeable or executable memory.
type Region struct {
	v    unsafe.Pointer // first byte
	n, c uintptr        // len and cap
	x    bool           // executable flag
}

// MustAlloc is like Alloc but panics if the region could not be allocated.
func MustAlloc(n int) *Region {
	r, err := Alloc(n)
	if err != nil {
		panic(err)
	}
	return r
}

// IsValid returns true if the region refers to committed memory.
func (r *Region) IsValid() bool {
	return r != nil && r.v != nil
}

func (r *Region) mustBeValid() {
	if !r.IsValid() {
		panic("unsafewx: use of invalid region")
	}
}

// Addr returns the address of the first byte of the region. Panics if the
// region is not valid.
func (r *Region) Addr() uint64 {
	r.mustBeValid()
	return uint64(uintptr(r.v))
}

// Cap returns the number of bytes the region can hold. Panics if the region
// is not valid.
func (r *Region) Cap() int {
	r.mustBeValid()
	return int(r.c)
}

// Available returns the number of unwritten bytes in the region. Panics if
// the region is not valid.
func (r *Region) Available() int {
	r.mustBeValid()
	return int(r.c - r.n)
}

// Len returns the number of bytes written in the region. Panics if the region
// is not valid.
func (r *Region) Len() int {
	r.mustBeValid()
	return int(r.n)
}

// Cursor returns the address at which the next write lands. Panics if the
// region is not valid.
func (r *Region) Cursor() uint64 {
	r.mustBeValid()
	return uint64(uintptr(r.v) + r.n)
}

// Executable reports whether Exec has succeeded on the region.
func (r *Region) Executable() bool {
	return r.x
}

// mem returns the region's memory from off to its capacity.
func (r *Region) mem(off uintptr) []byte {
	return unsafe.Slice((*byte)(unsafe.Add(r.v, off)), r.c-off)
}

// Write writes bytes into the region. If the number of bytes to write exceeds
// the capacity of the region, Write ignores the excess and returns
// ErrCapacityExceeded. Panics if the region is not valid or if r.Exec has
// succeeded.
func (r *Region) Write(p []byte) (n int, err error) {
	if r.x {
		panic("unsafewx: attempted to write to executable memory")
	}
	r.mustBeValid()
	if len(p) == 0 {
		return 0, nil
	}
	n = copy(r.mem(r.n), p)
	if n < len(p) {
		err = ErrCapacityExceeded
	}
	r.n += uintptr(n)
	return n, err
}

// Bytes returns a copy of the written contents of the region. Panics if the
// region is not valid.
func (r *Region) Bytes() []byte {
	r.mustBeValid()
	p := make([]byte, r.n)
	copy(p, r.mem(0))
	return p
}

// WriteTo copies out the written contents of the region. This may call
// w.Write multiple times. Panics if the region is not valid.
func (r *Region) WriteTo(w io.Writer) (n int64, err error) {
	const ps = 4096
	m := r.mem(0)[:r.Len()]
	for len(m) > 0 {
		k := min(len(m), ps)
		// Copy out so that w cannot retain executable memory.
		p := append([]byte(nil), m[:k]...)
		wn, err := w.Write(p)
		n += int64(wn)
		if err != nil {
			return n, err
		}
		m = m[k:]
	}
	return n, nil
}

// ErrCapacityExceeded is the error returned when attempting to write more data
// than a region can hold.
var ErrCapacityExceeded = xerrors.New("unsafewx: write exceeded region capacity")

// ErrInvalidClose is the error returned when attempting to close a region that
// is nil or already closed.
var ErrInvalidClose = xerrors.New("unsafewx: close on invalid region")

// Verbose, if non-nil, is used to log every memory operation.
var Verbose *log.Logger

func logv(args ...interface{}) {
	if Verbose != nil {
		Verbose.Println(args...)
	}
}
