package main

import (
	"os"

	"github.com/spf13/cobra"
	"golang.org/x/xerrors"

	"github.com/zephyrtronium/reloc86/blockenc"
	"github.com/zephyrtronium/reloc86/internal/job"
	"github.com/zephyrtronium/reloc86/internal/listing"
)

// source is the code a command works on and how to encode it.
type source struct {
	hex    string
	from   uint64
	to     uint64
	syntax string

	noFix, relocs, offsets, allOffsets, constants bool
}

func (s *source) flags(cmd *cobra.Command, to bool) {
	f := cmd.Flags()
	f.StringVar(&s.hex, "hex", "", "machine code as hexadecimal text instead of a file")
	f.Uint64Var(&s.from, "from", 0, "address the code was decoded at")
	if to {
		f.Uint64Var(&s.to, "to", 0, "address to encode the code for")
	}
	f.StringVar(&s.syntax, "syntax", "intel", "listing syntax: intel, gnu, or go")
	f.BoolVar(&s.noFix, "no-fix", false, "keep branch forms; fail if a branch cannot reach")
	f.BoolVar(&s.relocs, "relocs", false, "report pointer slot relocations")
	f.BoolVar(&s.offsets, "offsets", false, "report new instruction offsets")
	f.BoolVar(&s.allOffsets, "all-offsets", false, "report new offsets of expanded instructions too")
	f.BoolVar(&s.constants, "constants", false, "report displacement and immediate offsets")
}

func (s *source) opts() blockenc.Options {
	var o blockenc.Options
	for _, f := range []struct {
		set bool
		opt blockenc.Options
	}{
		{s.noFix, blockenc.DontFixBranches},
		{s.relocs, blockenc.ReturnRelocInfos},
		{s.offsets, blockenc.ReturnNewInstructionOffsets},
		{s.allOffsets, blockenc.ReturnAllNewInstructionOffsets},
		{s.constants, blockenc.ReturnConstantOffsets},
	} {
		if f.set {
			o |= f.opt
		}
	}
	return o
}

// read returns the code from --hex or the file named by args.
func (s *source) read(args []string) ([]byte, error) {
	switch {
	case s.hex != "" && len(args) > 0:
		return nil, xerrors.New("give either --hex or a file, not both")
	case s.hex != "":
		return job.Unhex(s.hex)
	case len(args) == 1:
		return os.ReadFile(args[0])
	}
	return nil, xerrors.New("no code: give --hex or a file")
}

// decode reads and decodes the code.
func (s *source) decode(bitness int, args []string) ([]blockenc.Instruction, error) {
	src, err := s.read(args)
	if err != nil {
		return nil, err
	}
	return blockenc.Decode(src, bitness, s.from)
}

func (s *source) listingSyntax() (listing.Syntax, error) {
	return listing.ParseSyntax(s.syntax)
}
