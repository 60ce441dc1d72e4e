// Command reloc86 moves x86 machine code to new addresses.
package main

import (
	"fmt"
	"io"
	"log"
	"os"

	"github.com/spf13/cobra"

	"github.com/zephyrtronium/reloc86/blockenc"
	"github.com/zephyrtronium/reloc86/internal/loader"
	"github.com/zephyrtronium/reloc86/internal/unsafewx"
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

// global holds the persistent flags.
type global struct {
	bitness int
	verbose bool
}

func newRootCmd() *cobra.Command {
	var g global
	root := &cobra.Command{
		Use:   "reloc86",
		Short: "Re-encode x86 instruction blocks at new addresses",
		Long: `reloc86 decodes blocks of x86 machine code and encodes them again for new
addresses, fixing branches and instruction-pointer-relative operands and
growing branches that no longer reach their targets.`,
		SilenceUsage: true,
		PersistentPreRun: func(cmd *cobra.Command, args []string) {
			setVerbose(g.verbose, cmd.ErrOrStderr())
		},
	}
	root.CompletionOptions.DisableDefaultCmd = true
	root.PersistentFlags().IntVarP(&g.bitness, "bitness", "b", 64, "processor mode: 16, 32, or 64")
	root.PersistentFlags().BoolVarP(&g.verbose, "verbose", "v", false, "log encoding passes and memory operations to stderr")

	root.AddCommand(newEncodeCmd(&g))
	root.AddCommand(newBatchCmd(&g))
	root.AddCommand(newGraphCmd(&g))
	root.AddCommand(newLoadCmd(&g))
	return root
}

func setVerbose(on bool, w io.Writer) {
	var l *log.Logger
	if on {
		l = log.New(w, "", log.Lmicroseconds)
	}
	blockenc.Verbose = l
	unsafewx.Verbose = l
	loader.Verbose = l
}
