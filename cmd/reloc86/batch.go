package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"golang.org/x/xerrors"

	"github.com/zephyrtronium/reloc86/internal/job"
	"github.com/zephyrtronium/reloc86/internal/listing"
)

func newBatchCmd(g *global) *cobra.Command {
	var syntax string
	cmd := &cobra.Command{
		Use:   "batch FILE",
		Short: "Re-encode the blocks of a YAML job together",
		Long: `batch reads a YAML job listing several blocks and encodes them in one
request, so branches between blocks follow their targets. --bitness applies
only when the job does not name one.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			syn, err := listing.ParseSyntax(syntax)
			if err != nil {
				return err
			}
			f, err := os.Open(args[0])
			if err != nil {
				return err
			}
			defer f.Close()
			j, err := job.Parse(f)
			if err != nil {
				return xerrors.Errorf("%s: %w", args[0], err)
			}
			if j.Bitness == 0 {
				j.Bitness = g.bitness
			}
			outs, err := j.Run()
			if err != nil {
				return err
			}
			w := cmd.OutOrStdout()
			for _, o := range outs {
				if err := listing.Write(w, o.Encoded, syn); err != nil {
					return err
				}
				fmt.Fprint(w, listing.Tree(o.Name, o.Result).String())
				fmt.Fprintf(w, "% x\n", o.Code)
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&syntax, "syntax", "intel", "listing syntax: intel, gnu, or go")
	return cmd
}
