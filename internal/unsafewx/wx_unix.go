//go:build aix || darwin || dragonfly || freebsd || linux || netbsd || openbsd || solaris

package unsafewx

import (
	"fmt"
	"unsafe"

	"golang.org/x/sys/unix"
	"golang.org/x/xerrors"
)

// Alloc allocates a region of W^X memory holding at least n bytes, rounded up
// to whole pages. Panics if n < 0.
func Alloc(n int) (*Region, error) {
	if n < 0 {
		panic(fmt.Errorf("unsafewx: cannot allocate %d bytes: negative values are illegal", n))
	}
	ps := unix.Getpagesize()
	c := (n + ps - 1) / ps * ps
	if c == 0 {
		// Never map zero bytes. Mmap uses a special region for zero-byte
		// allocations, and we don't want to change its protections.
		c = ps
	}
	logv("allocating", n, "bytes rounded up to", c)
	v, err := unix.Mmap(-1, 0, c, unix.PROT_READ|unix.PROT_WRITE, unix.MAP_PRIVATE|unix.MAP_ANONYMOUS)
	if err != nil {
		logv("error during alloc:", err)
		return nil, xerrors.Errorf("unsafewx: allocating %d bytes: %w", c, err)
	}
	// Mmap keeps the mapping alive in a private map, so holding only the
	// address is safe.
	p := unsafe.Pointer(unsafe.SliceData(v))
	logv("obtained", c, "bytes at", fmt.Sprintf("%p", p))
	return &Region{v: p, c: uintptr(c)}, nil
}

// Exec marks the region as executable. Following this, any write operations
// panic.
func (r *Region) Exec() error {
	r.mustBeValid()
	logv("marking data at", fmt.Sprintf("%p", r.v), "with len", r.n, "cap", r.c, "executable")
	if err := unix.Mprotect(r.mem(0), unix.PROT_READ|unix.PROT_EXEC); err != nil {
		logv("error during protect:", err)
		return xerrors.Errorf("unsafewx: protecting %p: %w", r.v, err)
	}
	r.x = true
	return nil
}

// Close releases the region's memory. Following this, r.IsValid returns false.
func (r *Region) Close() error {
	if !r.IsValid() {
		return ErrInvalidClose
	}
	logv("freeing data at", fmt.Sprintf("%p", r.v), "with len", r.n, "cap", r.c)
	if err := unix.Munmap(r.mem(0)); err != nil {
		logv("error during free:", err)
		return xerrors.Errorf("unsafewx: freeing %p: %w", r.v, err)
	}
	r.v = nil
	return nil
}
