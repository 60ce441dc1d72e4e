// Package flow builds control-flow graphs of instruction blocks.
package flow

import (
	"fmt"

	"github.com/zboralski/lattice"
	"github.com/zboralski/lattice/render"
	"golang.org/x/arch/x86/x86asm"
	"golang.org/x/exp/slices"

	"github.com/zephyrtronium/reloc86/internal/x86enc"
)

// Build constructs the control-flow graph of a block of contiguous
// instructions. Blocks begin at the first instruction, at targets of branches
// within the block, and after every branch. Direct calls do not end blocks;
// they are recorded as call sites.
func Build(name string, insns []x86enc.Instruction) *lattice.FuncCFG {
	cfg := &lattice.FuncCFG{Name: name}
	if len(insns) == 0 {
		return cfg
	}

	idx := make(map[uint64]int, len(insns))
	for i := range insns {
		idx[insns[i].IP] = i
	}

	// Leaders.
	lead := map[int]bool{0: true}
	for i := range insns {
		insn := &insns[i]
		if !endsBlock(insn) {
			continue
		}
		if i+1 < len(insns) {
			lead[i+1] = true
		}
		if t, ok := insn.Target(); ok {
			if k, ok := idx[t]; ok {
				lead[k] = true
			}
		}
	}
	starts := make([]int, 0, len(lead))
	for k := range lead {
		starts = append(starts, k)
	}
	slices.Sort(starts)

	// Partition.
	block := make(map[int]int, len(starts))
	for id, s := range starts {
		end := len(insns)
		if id+1 < len(starts) {
			end = starts[id+1]
		}
		cfg.Blocks = append(cfg.Blocks, &lattice.BasicBlock{ID: id, Start: s, End: end})
		block[s] = id
	}

	// Successors and calls.
	for _, b := range cfg.Blocks {
		for i := b.Start; i < b.End; i++ {
			insn := &insns[i]
			if insn.Kind() != x86enc.Call {
				continue
			}
			t, _ := insn.Target()
			b.Calls = append(b.Calls, lattice.CallSite{Offset: i, Callee: fmt.Sprintf("%#x", t)})
		}
		last := &insns[b.End-1]
		next, hasNext := block[b.End]
		dest := -1
		if t, ok := last.Target(); ok {
			if k, ok := idx[t]; ok {
				dest = block[k]
			}
		}
		switch {
		case last.Kind().Conditional():
			if dest >= 0 {
				b.Succs = append(b.Succs, lattice.Successor{BlockID: dest, Cond: "T"})
			}
			if hasNext {
				b.Succs = append(b.Succs, lattice.Successor{BlockID: next, Cond: "F"})
			}
		case last.Kind() == x86enc.Jmp:
			if dest >= 0 {
				b.Succs = append(b.Succs, lattice.Successor{BlockID: dest})
			} else {
				b.Term = true
			}
		case endsBlock(last):
			b.Term = true
		case hasNext:
			b.Succs = append(b.Succs, lattice.Successor{BlockID: next})
		default:
			b.Term = true
		}
	}
	return cfg
}

// endsBlock reports whether control may leave insn other than by falling
// through to the next instruction.
func endsBlock(insn *x86enc.Instruction) bool {
	switch k := insn.Kind(); {
	case k == x86enc.Call:
		return false
	case k != x86enc.NotBranch:
		return true
	}
	switch insn.Inst.Op {
	case x86asm.RET, x86asm.LRET, x86asm.IRET, x86asm.IRETD, x86asm.IRETQ,
		x86asm.JMP, x86asm.LJMP, x86asm.HLT, x86asm.UD1, x86asm.UD2,
		x86asm.SYSRET, x86asm.SYSEXIT:
		return true
	}
	return false
}

// DOT renders graphs in Graphviz format.
func DOT(title string, graphs ...*lattice.FuncCFG) string {
	return render.DOTCFG(&lattice.CFGGraph{Funcs: graphs}, title)
}
