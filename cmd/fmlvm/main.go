// Command fmlvm loads a compiled FML bytecode file and executes,
// disassembles, or interactively inspects it.
package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/gregofi/fmlvm/internal/fmlerr"
)

func newRootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:           "fmlvm",
		Short:         "fmlvm runs and inspects compiled FML bytecode files",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.AddCommand(newExecuteCmd(), newDisasmCmd(), newInspectCmd())
	return root
}

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "fmlvm: %v\n", err)
		os.Exit(fmlerr.ExitCode(err))
	}
}
