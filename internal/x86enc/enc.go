// Package x86enc re-encodes decoded x86 instructions at new addresses.
//
// Instructions come from golang.org/x/arch/x86/x86asm along with their
// original bytes. Encoding an instruction copies everything that does not
// depend on its address and rebuilds what does: relative branch
// displacements, operands addressed relative to the instruction pointer, and,
// for branches, the choice between short, near, indirect, and trampoline
// forms.
package x86enc

import (
	"encoding/binary"
	"fmt"
	"io"

	"golang.org/x/exp/constraints"
	"golang.org/x/xerrors"
)

// A Form selects how an instruction is encoded.
type Form uint8

const (
	// Original keeps the original encoding, with displacements re-biased.
	Original Form = iota
	// Short is a branch with an 8-bit displacement.
	Short
	// Near is a branch with a 16- or 32-bit displacement.
	Near
	// Indirect is a 64-bit mode jmp or call through an 8-byte pointer slot
	// addressed relative to the next instruction.
	Indirect
	// TrampolineNear is a conditional branch to a near jmp:
	//	brcc tramp
	//	jmp short skip
	//	tramp: jmp near target
	//	skip:
	TrampolineNear
	// TrampolineIndirect is like TrampolineNear, but the final jump is
	// jmp [rip+slot].
	TrampolineIndirect
)

var formNames = [...]string{
	Original:           "original",
	Short:              "short",
	Near:               "near",
	Indirect:           "indirect",
	TrampolineNear:     "trampoline-near",
	TrampolineIndirect: "trampoline-indirect",
}

func (f Form) String() string {
	if int(f) < len(formNames) {
		return formNames[f]
	}
	return fmt.Sprintf("Form(%d)", uint8(f))
}

// Expanded reports whether f emits more than one instruction.
func (f Form) Expanded() bool { return f == TrampolineNear || f == TrampolineIndirect }

// UsesSlot reports whether f reads its target from a pointer slot.
func (f Form) UsesSlot() bool { return f == Indirect || f == TrampolineIndirect }

// Candidate form lists, in the order relaxation tries them. Shared; do not
// modify.
var (
	formsFixed    = []Form{Original}
	formsJmp      = []Form{Short, Near}
	formsJmp64    = []Form{Short, Near, Indirect}
	formsCall     = []Form{Near}
	formsCall64   = []Form{Near, Indirect}
	formsJcc      = []Form{Short, Near}
	formsJcc64    = []Form{Short, Near, TrampolineIndirect}
	formsLoop     = []Form{Short, TrampolineNear}
	formsLoop64   = []Form{Short, TrampolineNear, TrampolineIndirect}
	formsXbegin   = []Form{Near}
	formsXbegin64 = []Form{Near, TrampolineIndirect}
)

// Forms returns the forms insn may be encoded in, smallest first. Near
// displacements wrap around in 16- and 32-bit modes, so only 64-bit mode has
// forms that go through pointer slots. The returned slice must not be
// modified.
func Forms(insn *Instruction) []Form {
	m64 := insn.Mode() == 64
	switch insn.kind {
	case Jmp:
		if m64 {
			return formsJmp64
		}
		return formsJmp
	case Call:
		if m64 {
			return formsCall64
		}
		return formsCall
	case Jcc:
		if m64 {
			return formsJcc64
		}
		return formsJcc
	case Loop:
		if m64 {
			return formsLoop64
		}
		return formsLoop
	case Xbegin:
		if m64 {
			return formsXbegin64
		}
		return formsXbegin
	}
	return formsFixed
}

// A Request asks for one instruction to be encoded.
type Request struct {
	Insn *Instruction
	Form Form
	// IP is the address of the first encoded byte.
	IP uint64
	// Target is the new address of the branch target or of the memory
	// operand addressed relative to the instruction pointer.
	Target uint64
	// Slot is the address of the pointer slot for forms that use one.
	Slot uint64
}

// A Result describes the bytes written for a request.
type Result struct {
	Len     int
	Offsets ConstantOffsets
	// Original is set when the bytes are a single instruction corresponding
	// to the requested one.
	Original bool
}

// checks select which displacements enc verifies.
type checks uint8

const (
	checkTarget checks = 1 << iota
	checkSlot
)

// maxLen bounds the length of any form. Prefixes of a branch are limited by
// the 15-byte instruction length, and the largest expansion adds ten bytes.
const maxLen = 32

// An Encoder encodes instructions for one processor mode. An Encoder is not
// safe for concurrent use.
type Encoder struct {
	mode int
	buf  [maxLen]byte
}

// NewEncoder returns an encoder for the processor mode in bits: 16, 32, or 64.
func NewEncoder(mode int) (*Encoder, error) {
	switch mode {
	case 16, 32, 64:
		return &Encoder{mode: mode}, nil
	}
	return nil, xerrors.Errorf("x86enc: invalid mode %d", mode)
}

// Len returns the number of bytes Encode would write for r. Displacements are
// not checked, and r.Slot is ignored.
func (e *Encoder) Len(r Request) (int, error) {
	n, _, err := e.enc(e.buf[:], &r, 0)
	return n, err
}

// Reaches reports whether r.Target is reachable from r.IP in r.Form. Pointer
// slots reach any address.
func (e *Encoder) Reaches(r Request) (bool, error) {
	_, _, err := e.enc(e.buf[:], &r, checkTarget)
	if _, ok := err.(*RangeError); ok {
		return false, nil
	}
	return err == nil, err
}

// Encode writes the encoding of r to w.
func (e *Encoder) Encode(w io.Writer, r Request) (Result, error) {
	n, res, err := e.enc(e.buf[:], &r, checkTarget|checkSlot)
	if err != nil {
		return Result{}, err
	}
	var p []byte
	if r.Insn.data {
		p = r.Insn.Bytes
	} else {
		p = e.buf[:n]
	}
	if _, err := w.Write(p); err != nil {
		return Result{}, err
	}
	return res, nil
}

// enc encodes a single request into b, returning its length.
func (e *Encoder) enc(b []byte, r *Request, chk checks) (n int, res Result, err error) {
	insn := r.Insn
	if insn.data {
		// Data may be longer than any instruction, so it is never staged.
		n = len(insn.Bytes)
		return n, Result{Len: n, Original: true}, nil
	}
	if insn.Mode() != e.mode {
		return 0, res, InvalidInsnError{Insn: insn.Inst, Reason: fmt.Sprintf("decoded for %d-bit mode, encoding for %d-bit mode", insn.Mode(), e.mode)}
	}
	switch r.Form {
	case Original:
		return e.encOriginal(b, r, chk)
	case Short, Near:
		return e.encDirect(b, r, chk)
	case Indirect:
		return e.encIndirect(b, r, chk)
	case TrampolineNear, TrampolineIndirect:
		return e.encTrampoline(b, r, chk)
	}
	return 0, res, InvalidInsnError{Insn: insn.Inst, Reason: fmt.Sprintf("unknown form %v", r.Form)}
}

func (e *Encoder) encOriginal(b []byte, r *Request, chk checks) (n int, res Result, err error) {
	insn := r.Insn
	l := &insn.layout
	n = copy(b, insn.Bytes)
	next := r.IP + uint64(n)
	switch {
	case insn.kind.Relative():
		d, ok := rel(next, r.Target, l.ImmLen, insn.BranchSize())
		if !ok && chk&checkTarget != 0 {
			return 0, res, &RangeError{Form: Original, Next: next, Target: r.Target, Width: l.ImmLen}
		}
		putDisp(b[l.ImmOff:], d, l.ImmLen)
	case l.IPRel:
		if l.AddrSize == 32 {
			// EIP-relative addressing wraps at 4 GiB.
			putDisp(b[l.DispOff:], int64(uint32(r.Target)-uint32(next)), 4)
			break
		}
		d := int64(r.Target - next)
		if !fitsIn[int32](d) && chk&checkTarget != 0 {
			return 0, res, &RangeError{Form: Original, Next: next, Target: r.Target, Width: 4}
		}
		putDisp(b[l.DispOff:], d, 4)
	}
	return n, Result{Len: n, Offsets: l.ConstantOffsets(), Original: true}, nil
}

// encDirect encodes a short or near branch.
func (e *Encoder) encDirect(b []byte, r *Request, chk checks) (n int, res Result, err error) {
	insn := r.Insn
	size := insn.BranchSize()
	drop66 := e.mode == 64
	if insn.kind == Xbegin && e.mode != 16 {
		drop66, size = true, e.mode
	}
	n = putPrefixes(b, insn, drop66)
	width := 1
	if r.Form == Near {
		width = nearWidth(size)
	}
	switch {
	case insn.kind == Jmp && r.Form == Short:
		b[n] = 0xEB
		n++
	case insn.kind == Jmp:
		b[n] = 0xE9
		n++
	case insn.kind == Call && r.Form == Near:
		b[n] = 0xE8
		n++
	case insn.kind == Jcc && r.Form == Short:
		b[n] = 0x70 | insn.cc()
		n++
	case insn.kind == Jcc:
		b[n], b[n+1] = 0x0F, 0x80|insn.cc()
		n += 2
	case insn.kind == Loop && r.Form == Short:
		b[n] = insn.layout.Opcode
		n++
	case insn.kind == Xbegin && r.Form == Near:
		b[n], b[n+1] = 0xC7, 0xF8
		n += 2
	default:
		return 0, res, InvalidInsnError{Insn: insn.Inst, Reason: fmt.Sprintf("no %v form", r.Form)}
	}
	off := n
	n += width
	next := r.IP + uint64(n)
	d, ok := rel(next, r.Target, width, size)
	if !ok && chk&checkTarget != 0 {
		return 0, res, &RangeError{Form: r.Form, Next: next, Target: r.Target, Width: width}
	}
	putDisp(b[off:], d, width)
	res = Result{
		Len:      n,
		Offsets:  ConstantOffsets{ImmediateOffset: uint8(off), ImmediateSize: uint8(width)},
		Original: true,
	}
	return n, res, nil
}

// encIndirect encodes jmp [rip+disp32] or call [rip+disp32] reading the
// target from r.Slot.
func (e *Encoder) encIndirect(b []byte, r *Request, chk checks) (n int, res Result, err error) {
	insn := r.Insn
	if e.mode != 64 {
		return 0, res, InvalidInsnError{Insn: insn.Inst, Reason: "indirect form requires 64-bit mode"}
	}
	var modrm byte
	switch insn.kind {
	case Jmp:
		modrm = 0x25
	case Call:
		modrm = 0x15
	default:
		return 0, res, InvalidInsnError{Insn: insn.Inst, Reason: "no indirect form"}
	}
	n = putSlotPrefixes(b, insn)
	b[n], b[n+1] = 0xFF, modrm
	n += 2
	off := n
	n += 4
	if err := e.putSlot(b[off:], r, r.IP+uint64(n), chk); err != nil {
		return 0, res, err
	}
	res = Result{
		Len:      n,
		Offsets:  ConstantOffsets{DisplacementOffset: uint8(off), DisplacementSize: 4},
		Original: true,
	}
	return n, res, nil
}

// encTrampoline encodes a conditional branch to a jump to the target,
// preceded by a short jump over it for the fall-through path.
func (e *Encoder) encTrampoline(b []byte, r *Request, chk checks) (n int, res Result, err error) {
	insn := r.Insn
	if !insn.kind.Conditional() {
		return 0, res, InvalidInsnError{Insn: insn.Inst, Reason: "trampolines are for conditional branches"}
	}
	if r.Form == TrampolineIndirect && e.mode != 64 {
		return 0, res, InvalidInsnError{Insn: insn.Inst, Reason: "indirect form requires 64-bit mode"}
	}
	if insn.kind == Xbegin && r.Form == TrampolineNear {
		return 0, res, InvalidInsnError{Insn: insn.Inst, Reason: "no trampoline-near form"}
	}

	// The fallback jump, built first so the skip distance is known.
	var fb [16]byte
	fn := 0
	size := insn.BranchSize()
	if e.mode != 16 {
		size = e.mode
	}
	width := nearWidth(size)
	if r.Form == TrampolineNear {
		if e.mode == 16 && size == 32 {
			fb[fn] = 0x66
			fn++
		}
		fb[fn] = 0xE9
		fn++
		fn += width
	} else {
		fb[fn], fb[fn+1] = 0xFF, 0x25
		fn += 6
	}

	// The conditional branch to the fallback jump.
	n = putPrefixes(b, insn, true)
	bw := 1
	switch insn.kind {
	case Jcc:
		b[n] = 0x70 | insn.cc()
		n++
	case Loop:
		b[n] = insn.layout.Opcode
		n++
	case Xbegin:
		b[n], b[n+1] = 0xC7, 0xF8
		n += 2
		bw = nearWidth(e.mode)
	}
	putDisp(b[n:], 2, bw)
	n += bw
	b[n], b[n+1] = 0xEB, byte(fn)
	n += 2
	start := n
	n += copy(b[n:], fb[:fn])
	next := r.IP + uint64(n)
	if r.Form == TrampolineNear {
		d, ok := rel(next, r.Target, width, size)
		if !ok && chk&checkTarget != 0 {
			return 0, res, &RangeError{Form: r.Form, Next: next, Target: r.Target, Width: width}
		}
		putDisp(b[n-width:], d, width)
	} else if err := e.putSlot(b[start+2:], r, next, chk); err != nil {
		return 0, res, err
	}
	return n, Result{Len: n}, nil
}

// putSlot writes the 32-bit displacement from next to r.Slot into b.
func (e *Encoder) putSlot(b []byte, r *Request, next uint64, chk checks) error {
	if chk&checkSlot == 0 {
		putDisp(b, 0, 4)
		return nil
	}
	d := int64(r.Slot - next)
	if !fitsIn[int32](d) {
		return &RangeError{Form: r.Form, Next: next, Target: r.Slot, Width: 4}
	}
	putDisp(b, d, 4)
	return nil
}

// putPrefixes copies the legacy prefixes of insn to b and returns the number
// copied. REX prefixes are dropped, as are operand-size overrides if drop66
// is set.
func putPrefixes(b []byte, insn *Instruction, drop66 bool) int {
	n := 0
	for _, c := range insn.Bytes[:insn.layout.Prefixes] {
		if insn.Mode() == 64 && c&0xF0 == 0x40 || drop66 && c == 0x66 {
			continue
		}
		b[n] = c
		n++
	}
	return n
}

// putSlotPrefixes copies the prefixes of insn that keep their meaning on an
// indirect branch: bnd and notrack.
func putSlotPrefixes(b []byte, insn *Instruction) int {
	n := 0
	for _, c := range insn.Bytes[:insn.layout.Prefixes] {
		if c == 0xF2 || c == 0x3E {
			b[n] = c
			n++
		}
	}
	return n
}

// nearWidth returns the width in bytes of a near displacement for a branch of
// the given size.
func nearWidth(size int) int {
	if size == 16 {
		return 2
	}
	return 4
}

// rel computes the displacement from next to target for a branch whose
// instruction pointer arithmetic is size bits wide and reports whether it
// fits in width bytes. Boundary values fit.
func rel(next, target uint64, width, size int) (int64, bool) {
	d := target - next
	var v int64
	switch size {
	case 16:
		v = int64(int16(d))
	case 32:
		v = int64(int32(d))
	default:
		v = int64(d)
	}
	switch width {
	case 1:
		return v, fitsIn[int8](v)
	case 2:
		return v, size == 16 || fitsIn[int16](v)
	}
	return v, size <= 32 || fitsIn[int32](v)
}

// fitsIn reports whether v is representable in T.
func fitsIn[T constraints.Signed](v int64) bool {
	return int64(T(v)) == v
}

func putDisp(b []byte, v int64, width int) {
	switch width {
	case 1:
		b[0] = byte(v)
	case 2:
		binary.LittleEndian.PutUint16(b, uint16(v))
	case 4:
		binary.LittleEndian.PutUint32(b, uint32(v))
	case 8:
		binary.LittleEndian.PutUint64(b, uint64(v))
	}
}
