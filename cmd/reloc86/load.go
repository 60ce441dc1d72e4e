package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/zephyrtronium/reloc86/blockenc"
	"github.com/zephyrtronium/reloc86/internal/listing"
	"github.com/zephyrtronium/reloc86/internal/loader"
)

func newLoadCmd(g *global) *cobra.Command {
	var src source
	cmd := &cobra.Command{
		Use:   "load [FILE]",
		Short: "Re-encode a block into executable memory",
		Long: `load allocates a region of executable memory, re-encodes the block for the
region's address, and seals it. The code is listed but never run.`,
		Args: cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			syn, err := src.listingSyntax()
			if err != nil {
				return err
			}
			insns, err := src.decode(g.bitness, args)
			if err != nil {
				return err
			}
			opts := src.opts()
			c, err := loader.Load(g.bitness, insns, opts|blockenc.ReturnRelocInfos)
			if err != nil {
				return err
			}
			defer c.Close()
			w := cmd.OutOrStdout()
			fmt.Fprintf(w, "loaded %d bytes at %#x\n", c.Region.Len(), c.Region.Addr())
			back, err := listing.CodePart(c.Region.Bytes(), g.bitness, c.Result)
			if err != nil {
				return err
			}
			if err := listing.Write(w, back, syn); err != nil {
				return err
			}
			res := c.Result
			if opts&blockenc.ReturnRelocInfos == 0 {
				res.Relocs = nil
			}
			fmt.Fprint(w, listing.Tree("region", res).String())
			return nil
		},
	}
	src.flags(cmd, false)
	return cmd
}
