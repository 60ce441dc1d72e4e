package unsafewx

import (
	"fmt"
	"unsafe"

	"golang.org/x/sys/windows"
	"golang.org/x/xerrors"
)

// Alloc allocates a region of W^X memory holding at least n bytes, rounded up
// to whole pages. Panics if n < 0.
func Alloc(n int) (*Region, error) {
	if n < 0 {
		panic(fmt.Errorf("unsafewx: cannot allocate %d bytes: negative values are illegal", n))
	}
	ps := windows.Getpagesize()
	c := (n + ps - 1) / ps * ps
	if c == 0 {
		c = ps
	}
	logv("allocating", n, "bytes rounded up to", c)
	p, err := windows.VirtualAlloc(0, uintptr(c), windows.MEM_RESERVE|windows.MEM_COMMIT, windows.PAGE_READWRITE)
	if err != nil {
		logv("error during alloc:", err)
		return nil, xerrors.Errorf("unsafewx: allocating %d bytes: %w", c, err)
	}
	logv("obtained", c, "bytes at", fmt.Sprintf("%#x", p))
	// VirtualAlloc memory is outside the Go heap.
	return &Region{v: *(*unsafe.Pointer)(unsafe.Pointer(&p)), c: uintptr(c)}, nil
}

// Exec marks the region as executable. Following this, any write operations
// panic.
func (r *Region) Exec() error {
	r.mustBeValid()
	logv("marking data at", fmt.Sprintf("%p", r.v), "with len", r.n, "cap", r.c, "executable")
	var old uint32
	if err := windows.VirtualProtect(uintptr(r.v), r.c, windows.PAGE_EXECUTE_READ, &old); err != nil {
		logv("error during protect:", err)
		return xerrors.Errorf("unsafewx: protecting %p: %w", r.v, err)
	}
	r.x = true
	// sys/windows has no FlushInstructionCache. x86 keeps instruction fetch
	// coherent with writes anyway.
	return nil
}

// Close releases the region's memory. Following this, r.IsValid returns false.
func (r *Region) Close() error {
	if !r.IsValid() {
		return ErrInvalidClose
	}
	logv("freeing data at", fmt.Sprintf("%p", r.v), "with len", r.n, "cap", r.c)
	if err := windows.VirtualFree(uintptr(r.v), 0, windows.MEM_RELEASE); err != nil {
		logv("error during free:", err)
		return xerrors.Errorf("unsafewx: freeing %p: %w", r.v, err)
	}
	r.v = nil
	return nil
}
