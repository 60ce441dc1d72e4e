package x86enc

import (
	"fmt"
	"strings"

	"golang.org/x/arch/x86/x86asm"
	"golang.org/x/xerrors"
)

// A Kind classifies instructions by how their encoding depends on addresses.
type Kind uint8

const (
	// NotBranch is any instruction that is not a direct control transfer.
	// It may still address memory relative to the instruction pointer.
	NotBranch Kind = iota
	// Jmp is jmp rel8, rel16, or rel32.
	Jmp
	// Call is call rel16 or rel32.
	Call
	// Jcc is a conditional jump.
	Jcc
	// Loop is loop, loope, loopne, or one of the jcxz family. These have
	// only an 8-bit form.
	Loop
	// Xbegin is xbegin rel16 or rel32.
	Xbegin
	// FarBranch is a direct far jmp or call, which is absolute.
	FarBranch
)

var kindNames = [...]string{
	NotBranch: "other",
	Jmp:       "jmp",
	Call:      "call",
	Jcc:       "jcc",
	Loop:      "loop",
	Xbegin:    "xbegin",
	FarBranch: "far",
}

func (k Kind) String() string {
	if int(k) < len(kindNames) {
		return kindNames[k]
	}
	return fmt.Sprintf("Kind(%d)", uint8(k))
}

// Relative reports whether instructions of kind k branch to a target given
// relative to the next instruction.
func (k Kind) Relative() bool {
	return k >= Jmp && k <= Xbegin
}

// Conditional reports whether instructions of kind k may fall through.
func (k Kind) Conditional() bool {
	return k == Jcc || k == Loop || k == Xbegin
}

// An Instruction is one decoded instruction along with the address it was
// decoded at and the location of its fields.
type Instruction struct {
	// Inst is the decoded instruction. Inst.Len is the original length.
	Inst x86asm.Inst
	// IP is the address the instruction was decoded at. Branches to IP from
	// other instructions in the same request follow the instruction to its
	// new location.
	IP uint64
	// Bytes is the original encoding.
	Bytes []byte

	layout Layout
	kind   Kind
	data   bool
}

// Decode decodes the first instruction in src for the given processor mode,
// assuming it is located at ip.
func Decode(src []byte, mode int, ip uint64) (Instruction, error) {
	inst, err := x86asm.Decode(src, mode)
	if err != nil {
		return Instruction{}, xerrors.Errorf("decoding at %#x: %w", ip, err)
	}
	b := append([]byte(nil), src[:inst.Len]...)
	l, err := parseLayout(b, mode)
	if err != nil {
		return Instruction{}, xerrors.Errorf("decoding at %#x: %w", ip, err)
	}
	insn := Instruction{Inst: inst, IP: ip, Bytes: b, layout: l, kind: classify(inst)}
	if insn.kind.Relative() && (inst.PCRel == 0 || inst.PCRelOff != l.ImmOff || inst.PCRel != l.ImmLen) {
		return Instruction{}, xerrors.Errorf("decoding at %#x: %w", ip, &LayoutError{Bytes: b, Reason: "branch displacement does not match immediate"})
	}
	if _, ok := insn.MemTarget(); ok && (!l.IPRel || l.DispLen != 4) {
		return Instruction{}, xerrors.Errorf("decoding at %#x: %w", ip, &LayoutError{Bytes: b, Reason: "IP-relative operand without 32-bit displacement"})
	}
	return insn, nil
}

// DecodeAll decodes every instruction in src. The first instruction is
// located at ip.
func DecodeAll(src []byte, mode int, ip uint64) ([]Instruction, error) {
	var insns []Instruction
	for len(src) > 0 {
		insn, err := Decode(src, mode, ip)
		if err != nil {
			return insns, err
		}
		insns = append(insns, insn)
		src = src[insn.Len():]
		ip += uint64(insn.Len())
	}
	return insns, nil
}

// Data returns a pseudo-instruction that emits b verbatim. Data is never
// relaxed, but it may be the target of branches.
func Data(ip uint64, b []byte) Instruction {
	b = append([]byte(nil), b...)
	return Instruction{
		Inst:   x86asm.Inst{Len: len(b)},
		IP:     ip,
		Bytes:  b,
		layout: Layout{ModRMOff: -1, SIBOff: -1, Len: len(b)},
		data:   true,
	}
}

func classify(inst x86asm.Inst) Kind {
	_, rel := inst.Args[0].(x86asm.Rel)
	switch inst.Op {
	case x86asm.JMP:
		if rel {
			return Jmp
		}
	case x86asm.CALL:
		if rel {
			return Call
		}
	case x86asm.JA, x86asm.JAE, x86asm.JB, x86asm.JBE, x86asm.JE, x86asm.JG, x86asm.JGE, x86asm.JL,
		x86asm.JLE, x86asm.JNE, x86asm.JNO, x86asm.JNP, x86asm.JNS, x86asm.JO, x86asm.JP, x86asm.JS:
		if rel {
			return Jcc
		}
	case x86asm.JCXZ, x86asm.JECXZ, x86asm.JRCXZ, x86asm.LOOP, x86asm.LOOPE, x86asm.LOOPNE:
		if rel {
			return Loop
		}
	case x86asm.XBEGIN:
		if rel {
			return Xbegin
		}
	case x86asm.LJMP, x86asm.LCALL:
		if _, ok := inst.Args[0].(x86asm.Imm); ok {
			return FarBranch
		}
	}
	return NotBranch
}

// Kind returns the branch classification of the instruction.
func (i *Instruction) Kind() Kind { return i.kind }

// Layout returns the positions of the instruction's fields.
func (i *Instruction) Layout() Layout { return i.layout }

// Len returns the original length of the instruction.
func (i *Instruction) Len() int { return i.Inst.Len }

// IsData reports whether the instruction is raw data.
func (i *Instruction) IsData() bool { return i.data }

// Mode returns the processor mode the instruction was decoded for, or 0 for
// data.
func (i *Instruction) Mode() int { return i.Inst.Mode }

// BranchSize returns the width in bits of the instruction pointer arithmetic
// of a relative branch: 16, 32, or 64. Operand-size overrides on branches are
// ignored in 64-bit mode.
func (i *Instruction) BranchSize() int {
	switch i.Inst.Mode {
	case 64:
		return 64
	case 32:
		if i.layout.OpSize16 {
			return 16
		}
		return 32
	default:
		if i.layout.OpSize16 {
			return 32
		}
		return 16
	}
}

// Target returns the original target address of a relative branch.
func (i *Instruction) Target() (uint64, bool) {
	if !i.kind.Relative() {
		return 0, false
	}
	rel := i.Inst.Args[0].(x86asm.Rel)
	t := i.IP + uint64(i.Inst.Len) + uint64(int64(rel))
	return truncIP(t, i.BranchSize()), true
}

// MemTarget returns the address referenced by an operand addressed relative
// to the instruction pointer.
func (i *Instruction) MemTarget() (uint64, bool) {
	for _, a := range i.Inst.Args {
		m, ok := a.(x86asm.Mem)
		if !ok {
			continue
		}
		next := i.IP + uint64(i.Inst.Len)
		switch m.Base {
		case x86asm.RIP:
			return next + uint64(m.Disp), true
		case x86asm.EIP:
			return uint64(uint32(next) + uint32(m.Disp)), true
		}
	}
	return 0, false
}

// AddressDependent reports whether re-encoding the instruction at a
// different address can change its bytes.
func (i *Instruction) AddressDependent() bool {
	if i.kind.Relative() {
		return true
	}
	_, ok := i.MemTarget()
	return ok
}

// cc returns the condition code of a conditional jump.
func (i *Instruction) cc() byte {
	return i.layout.Opcode & 0x0F
}

func (i *Instruction) String() string {
	if i.data {
		var sb strings.Builder
		sb.WriteString("db ")
		for k, c := range i.Bytes {
			if k > 0 {
				sb.WriteString(", ")
			}
			fmt.Fprintf(&sb, "0x%02x", c)
		}
		return sb.String()
	}
	return x86asm.IntelSyntax(i.Inst, i.IP, nil)
}

func truncIP(ip uint64, size int) uint64 {
	switch size {
	case 16:
		return ip & 0xFFFF
	case 32:
		return ip & 0xFFFFFFFF
	}
	return ip
}
