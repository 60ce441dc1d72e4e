package main

import (
	"bytes"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/zephyrtronium/reloc86/blockenc"
	"github.com/zephyrtronium/reloc86/internal/listing"
)

func newEncodeCmd(g *global) *cobra.Command {
	var (
		src source
		out string
	)
	cmd := &cobra.Command{
		Use:   "encode [FILE]",
		Short: "Re-encode one block of code at a new address",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			syn, err := src.listingSyntax()
			if err != nil {
				return err
			}
			insns, err := src.decode(g.bitness, args)
			if err != nil {
				return err
			}
			code, res, insns2, err := encodeOne(g.bitness, insns, src.to, src.opts())
			if err != nil {
				return err
			}
			w := cmd.OutOrStdout()
			fmt.Fprintln(w, "original:")
			if err := listing.Write(w, insns, syn); err != nil {
				return err
			}
			fmt.Fprintln(w, "encoded:")
			if err := listing.Write(w, insns2, syn); err != nil {
				return err
			}
			fmt.Fprint(w, listing.Tree("result", res).String())
			if out != "" {
				return os.WriteFile(out, code, 0o644)
			}
			return nil
		},
	}
	src.flags(cmd, true)
	cmd.Flags().StringVarP(&out, "out", "o", "", "write the encoded bytes to this file")
	return cmd
}

// encodeOne encodes a block and decodes its code again for listing. The
// returned result holds only what opts asks for.
func encodeOne(bitness int, insns []blockenc.Instruction, base uint64, opts blockenc.Options) ([]byte, blockenc.Result, []blockenc.Instruction, error) {
	var buf bytes.Buffer
	res, err := blockenc.EncodeBlock(bitness, blockenc.Block{Instructions: insns, Sink: &buf, Base: base}, opts|blockenc.ReturnRelocInfos)
	if err != nil {
		return nil, blockenc.Result{}, nil, err
	}
	back, err := listing.CodePart(buf.Bytes(), bitness, res)
	if err != nil {
		return nil, blockenc.Result{}, nil, err
	}
	if opts&blockenc.ReturnRelocInfos == 0 {
		res.Relocs = nil
	}
	return buf.Bytes(), res, back, nil
}
