package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/zephyrtronium/reloc86/internal/flow"
)

func newGraphCmd(g *global) *cobra.Command {
	var (
		src   source
		out   string
		title string
	)
	cmd := &cobra.Command{
		Use:   "graph [FILE]",
		Short: "Write control-flow graphs of a block before and after re-encoding",
		Long: `graph re-encodes a block and writes the control-flow graphs of the original
and encoded code in Graphviz DOT format. Trampolines show up as extra blocks in
the encoded graph.`,
		Args: cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			insns, err := src.decode(g.bitness, args)
			if err != nil {
				return err
			}
			_, _, encoded, err := encodeOne(g.bitness, insns, src.to, src.opts())
			if err != nil {
				return err
			}
			dot := flow.DOT(title,
				flow.Build(fmt.Sprintf("original@%#x", src.from), insns),
				flow.Build(fmt.Sprintf("encoded@%#x", src.to), encoded),
			)
			if out != "" {
				return os.WriteFile(out, []byte(dot), 0o644)
			}
			_, err = fmt.Fprint(cmd.OutOrStdout(), dot)
			return err
		},
	}
	src.flags(cmd, true)
	cmd.Flags().StringVarP(&out, "out", "o", "", "write DOT to this file instead of stdout")
	cmd.Flags().StringVar(&title, "title", "reloc86", "graph title")
	return cmd
}
