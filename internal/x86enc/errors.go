package x86enc

import (
	"fmt"

	"golang.org/x/arch/x86/x86asm"
)

// InvalidInsnError is the type of error returned for an instruction that
// cannot be encoded in the requested form or mode.
type InvalidInsnError struct {
	Insn   x86asm.Inst
	Reason string
}

func (err InvalidInsnError) Error() string {
	if err.Reason == "" {
		return fmt.Sprintf("invalid instruction: %v", err.Insn)
	}
	return fmt.Sprintf("invalid instruction %v: %s", err.Insn, err.Reason)
}

// LayoutError is the type of error returned when the fields of a decoded
// instruction cannot be located in its bytes.
type LayoutError struct {
	Bytes  []byte
	Reason string
}

func (err *LayoutError) Error() string {
	return fmt.Sprintf("cannot lay out instruction % x: %s", err.Bytes, err.Reason)
}

// RangeError is the type of error returned when a displacement does not fit
// the field it must be written to.
type RangeError struct {
	Form Form
	// Next is the address the displacement is relative to.
	Next uint64
	// Target is the address the displacement must reach.
	Target uint64
	// Width is the size of the field in bytes.
	Width int
}

func (err *RangeError) Error() string {
	return fmt.Sprintf("%v form: %#x is out of range of a %d-byte displacement from %#x", err.Form, err.Target, err.Width, err.Next)
}
