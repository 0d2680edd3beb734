package main

import (
	"os"

	"github.com/spf13/cobra"

	"github.com/gregofi/fmlvm/internal/arena"
	"github.com/gregofi/fmlvm/internal/disasm"
	"github.com/gregofi/fmlvm/internal/fmlerr"
	"github.com/gregofi/fmlvm/internal/loader"
	"github.com/gregofi/fmlvm/internal/value"
)

func newDisasmCmd() *cobra.Command {
	var heapSizeMB int

	cmd := &cobra.Command{
		Use:   "disasm <file>",
		Short: "print the linked instruction stream of a compiled file",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			data, err := os.ReadFile(args[0])
			if err != nil {
				return fmlerr.Wrap(fmlerr.IO, err)
			}
			a, err := arena.New(heapSizeMB * 1024 * 1024)
			if err != nil {
				return fmlerr.Wrap(fmlerr.IO, err)
			}
			defer a.Close()

			heap := value.NewHeap(a)
			res, err := loader.Load(data, heap)
			if err != nil {
				return err
			}
			return fmlerr.Wrap(fmlerr.IO, disasm.Write(cmd.OutOrStdout(), res.Chunk, heap))
		},
	}
	cmd.Flags().IntVar(&heapSizeMB, "heap-size", defaultHeapSizeMB, "arena size in megabytes")
	return cmd
}
