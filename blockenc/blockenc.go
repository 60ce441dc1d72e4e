// Package blockenc re-encodes blocks of x86 instructions at new addresses.
//
// Each block is a sequence of instructions decoded at some original address,
// a sink for the new code, and the address the first instruction moves to.
// Branches between instructions of all blocks in a request follow their
// targets to the new locations; branches elsewhere keep their absolute
// targets. Branch forms grow as needed to reach: short to near, and in 64-bit
// mode to jumps through 8-byte pointer slots stored after each block's code.
// Conditional branches that cannot reach directly become a branch around a
// jump.
//
// Nothing is written to any sink unless every block of the request encodes.
package blockenc

import (
	"io"
	"log"
	"math"

	"github.com/zephyrtronium/reloc86/internal/x86enc"
)

// Types shared with the instruction encoder.
type (
	Instruction      = x86enc.Instruction
	ConstantOffsets  = x86enc.ConstantOffsets
	Form             = x86enc.Form
	RangeError       = x86enc.RangeError
	InvalidInsnError = x86enc.InvalidInsnError
	LayoutError      = x86enc.LayoutError
)

// Branch forms.
const (
	Original           = x86enc.Original
	Short              = x86enc.Short
	Near               = x86enc.Near
	Indirect           = x86enc.Indirect
	TrampolineNear     = x86enc.TrampolineNear
	TrampolineIndirect = x86enc.TrampolineIndirect
)

// Decode decodes all instructions in src for the given bitness. The first
// instruction is located at ip.
func Decode(src []byte, bitness int, ip uint64) ([]Instruction, error) {
	return x86enc.DecodeAll(src, bitness, ip)
}

// Data returns a pseudo-instruction located at ip that emits b verbatim.
func Data(ip uint64, b []byte) Instruction {
	return x86enc.Data(ip, b)
}

// Options control encoding and what a Result includes.
type Options uint32

const (
	// DontFixBranches keeps every instruction in its original form. Encoding
	// fails if a branch cannot reach its target from the new address.
	DontFixBranches Options = 1 << iota
	// ReturnRelocInfos fills Result.Relocs.
	ReturnRelocInfos
	// ReturnNewInstructionOffsets fills Result.NewOffsets.
	ReturnNewInstructionOffsets
	// ReturnConstantOffsets fills Result.ConstantOffsets.
	ReturnConstantOffsets
	// ReturnAllNewInstructionOffsets fills Result.NewOffsets, using the
	// offset of the first byte even for instructions that were expanded into
	// several.
	ReturnAllNewInstructionOffsets
)

// NoOffset is the new offset of an instruction that was expanded into more
// than one instruction.
const NoOffset = math.MaxUint32

// A RelocKind describes the value at a relocation address.
type RelocKind uint8

const (
	// RelocOffset64 is a 64-bit absolute address.
	RelocOffset64 RelocKind = 1 + iota
)

func (k RelocKind) String() string {
	if k == RelocOffset64 {
		return "offset64"
	}
	return "unknown"
}

// RelocInfo locates an absolute address written into the output.
type RelocInfo struct {
	Address uint64
	Kind    RelocKind
}

// A Block is a sequence of instructions to encode starting at Base.
type Block struct {
	Instructions []Instruction
	// Sink receives the code and pointer slots of the block in a single
	// Write once the whole request has been encoded.
	Sink io.Writer
	Base uint64
}

// A Result describes one encoded block.
type Result struct {
	Base uint64
	// Relocs are the pointer slots after the code. Filled only with
	// ReturnRelocInfos.
	Relocs []RelocInfo
	// NewOffsets holds the offset from Base of each instruction, or NoOffset.
	// Filled only with ReturnNewInstructionOffsets or
	// ReturnAllNewInstructionOffsets.
	NewOffsets []uint32
	// ConstantOffsets holds the displacement and immediate positions of each
	// instruction. Filled only with ReturnConstantOffsets.
	ConstantOffsets []ConstantOffsets
}

// Verbose, if not nil, logs the progress of each request.
var Verbose *log.Logger

func logv(args ...interface{}) {
	if Verbose != nil {
		Verbose.Println(args...)
	}
}

// Encode encodes blocks for the processor mode with the given bitness: 16,
// 32, or 64. Results are in the same order as blocks. If Encode returns an
// error other than a *SinkError, nothing has been written to any block's sink.
func Encode(bitness int, blocks []Block, opts Options) ([]Result, error) {
	if err := check(bitness, blocks); err != nil {
		return nil, err
	}
	if len(blocks) == 0 {
		return []Result{}, nil
	}
	r, err := newRequest(bitness, blocks, opts)
	if err != nil {
		return nil, err
	}
	if err := r.relax(); err != nil {
		return nil, err
	}
	code, results, err := r.commit()
	if err != nil {
		return nil, err
	}
	for k, b := range blocks {
		if _, err := b.Sink.Write(code[k]); err != nil {
			return nil, &SinkError{Block: k, Err: err}
		}
	}
	return results, nil
}

// EncodeBlock encodes a single block.
func EncodeBlock(bitness int, block Block, opts Options) (Result, error) {
	results, err := Encode(bitness, []Block{block}, opts)
	if err != nil {
		return Result{}, err
	}
	return results[0], nil
}

func check(bitness int, blocks []Block) error {
	switch bitness {
	case 16, 32, 64:
	default:
		return &ConfigError{Block: -1, Index: -1, Reason: "bitness must be 16, 32, or 64"}
	}
	for k, b := range blocks {
		if b.Sink == nil {
			return &ConfigError{Block: k, Index: -1, Reason: "nil sink"}
		}
	}
	return nil
}
