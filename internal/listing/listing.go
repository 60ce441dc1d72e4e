// Package listing formats instructions and encoding results for people.
package listing

import (
	"fmt"
	"io"
	"strings"

	"github.com/xlab/treeprint"
	"golang.org/x/arch/x86/x86asm"
	"golang.org/x/xerrors"

	"github.com/zephyrtronium/reloc86/blockenc"
)

// Syntax selects an assembler syntax.
type Syntax int

const (
	Intel Syntax = iota
	GNU
	Go
)

var syntaxNames = [...]string{Intel: "intel", GNU: "gnu", Go: "go"}

func (s Syntax) String() string {
	if int(s) < len(syntaxNames) {
		return syntaxNames[s]
	}
	return fmt.Sprintf("Syntax(%d)", int(s))
}

// ParseSyntax returns the syntax with the given name.
func ParseSyntax(name string) (Syntax, error) {
	for s, n := range syntaxNames {
		if strings.EqualFold(name, n) {
			return Syntax(s), nil
		}
	}
	return 0, xerrors.Errorf("listing: unknown syntax %q (want intel, gnu, or go)", name)
}

// Format returns the assembly text of insn.
func (s Syntax) Format(insn *blockenc.Instruction) string {
	if insn.IsData() {
		return insn.String()
	}
	switch s {
	case GNU:
		return x86asm.GNUSyntax(insn.Inst, insn.IP, nil)
	case Go:
		return x86asm.GoSyntax(insn.Inst, insn.IP, nil)
	}
	return x86asm.IntelSyntax(insn.Inst, insn.IP, nil)
}

// CodePart decodes the instructions of encoded output, leaving out the pointer
// slots that follow them. Padding before the slots decodes as int3. res must
// hold relocations if out has slots.
func CodePart(out []byte, bitness int, res blockenc.Result) ([]blockenc.Instruction, error) {
	end := uint64(len(out))
	if len(res.Relocs) > 0 {
		end = res.Relocs[0].Address - res.Base
	}
	return blockenc.Decode(out[:end], bitness, res.Base)
}

// Write writes one line per instruction with its address, bytes, and text.
func Write(w io.Writer, insns []blockenc.Instruction, s Syntax) error {
	for i := range insns {
		insn := &insns[i]
		if _, err := fmt.Fprintf(w, "0x%08x  %-30s %s\n", insn.IP, fmt.Sprintf("% x", insn.Bytes), s.Format(insn)); err != nil {
			return err
		}
	}
	return nil
}

// Tree summarizes an encoding result. Sections appear only for the metadata
// the result holds.
func Tree(name string, res blockenc.Result) treeprint.Tree {
	t := treeprint.NewWithRoot(fmt.Sprintf("%s @ %#x", name, res.Base))
	if res.Relocs != nil {
		b := t.AddBranch(fmt.Sprintf("relocs (%d)", len(res.Relocs)))
		for _, r := range res.Relocs {
			b.AddNode(fmt.Sprintf("%#x %v", r.Address, r.Kind))
		}
	}
	if res.NewOffsets != nil {
		b := t.AddBranch("offsets")
		for i, off := range res.NewOffsets {
			if off == blockenc.NoOffset {
				b.AddMetaNode(i, "expanded")
				continue
			}
			b.AddMetaNode(i, fmt.Sprintf("+%#x", off))
		}
	}
	if res.ConstantOffsets != nil {
		b := t.AddBranch("constants")
		for i, c := range res.ConstantOffsets {
			b.AddMetaNode(i, constants(c))
		}
	}
	return t
}

func constants(c blockenc.ConstantOffsets) string {
	var f []string
	if c.HasDisplacement() {
		f = append(f, fmt.Sprintf("disp %d:%d", c.DisplacementOffset, c.DisplacementSize))
	}
	if c.HasImmediate() {
		f = append(f, fmt.Sprintf("imm %d:%d", c.ImmediateOffset, c.ImmediateSize))
	}
	if c.HasImmediate2() {
		f = append(f, fmt.Sprintf("imm2 %d:%d", c.Immediate2Offset, c.Immediate2Size))
	}
	if len(f) == 0 {
		return "-"
	}
	return strings.Join(f, ", ")
}
