// Package loader places re-encoded instructions into executable memory.
package loader

import (
	"bytes"
	"fmt"
	"log"

	"golang.org/x/xerrors"

	"github.com/zephyrtronium/reloc86/blockenc"
	"github.com/zephyrtronium/reloc86/internal/unsafewx"
)

// Code is a block of instructions loaded into an executable region.
type Code struct {
	// Region holds the code. The caller must Close it.
	Region *unsafewx.Region
	// Result describes the encoded block. Its Base is the region's address.
	Result blockenc.Result
}

// maxTries bounds allocations. Each retry allocates at least as much as the
// previous attempt needed, so a second try usually suffices.
const maxTries = 4

// Verbose, if not nil, logs allocation retries.
var Verbose *log.Logger

func logv(args ...interface{}) {
	if Verbose != nil {
		Verbose.Println(args...)
	}
}

// Load re-encodes insns at the address of a new W^X region, writes them, and
// makes the region executable.
func Load(bitness int, insns []blockenc.Instruction, opts blockenc.Options) (*Code, error) {
	n := 64
	for _, insn := range insns {
		n += insn.Len()
	}
	for try := 0; try < maxTries; try++ {
		r, err := unsafewx.Alloc(n)
		if err != nil {
			return nil, err
		}
		var buf bytes.Buffer
		addr := r.Addr()
		res, err := blockenc.EncodeBlock(bitness, blockenc.Block{Instructions: insns, Sink: &buf, Base: addr}, opts)
		if err != nil {
			r.Close()
			return nil, xerrors.Errorf("loader: encoding for %#x: %w", addr, err)
		}
		if buf.Len() > r.Cap() {
			logv("loader: need", buf.Len(), "bytes, have", r.Cap())
			n = buf.Len() + buf.Len()/4
			r.Close()
			continue
		}
		if _, err := buf.WriteTo(r); err != nil {
			r.Close()
			return nil, xerrors.Errorf("loader: writing code: %w", err)
		}
		if err := r.Exec(); err != nil {
			r.Close()
			return nil, err
		}
		logv("loader: loaded", r.Len(), "bytes at", fmt.Sprintf("%#x", r.Addr()))
		return &Code{Region: r, Result: res}, nil
	}
	return nil, xerrors.Errorf("loader: code did not fit after %d allocations", maxTries)
}

// Close releases the code's memory.
func (c *Code) Close() error {
	return c.Region.Close()
}
