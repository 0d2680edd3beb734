package main

import (
	"io"
	"os"

	"github.com/spf13/cobra"

	"github.com/gregofi/fmlvm/internal/arena"
	"github.com/gregofi/fmlvm/internal/fmlerr"
	"github.com/gregofi/fmlvm/internal/interp"
	"github.com/gregofi/fmlvm/internal/loader"
	"github.com/gregofi/fmlvm/internal/value"
)

const defaultHeapSizeMB = 64

func newExecuteCmd() *cobra.Command {
	var heapLog string
	var heapSizeMB int

	cmd := &cobra.Command{
		Use:   "execute <file>",
		Short: "load and run a compiled FML bytecode file",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runExecute(args[0], heapLog, heapSizeMB, cmd.OutOrStdout())
		},
	}
	cmd.Flags().StringVar(&heapLog, "heap-log", "", "append one line per GC collection to this file")
	cmd.Flags().IntVar(&heapSizeMB, "heap-size", defaultHeapSizeMB, "arena size in megabytes")
	return cmd
}

func runExecute(path, heapLogPath string, heapSizeMB int, stdout io.Writer) error {
	data, err := os.ReadFile(path)
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

	vm := interp.New(heap, res.Chunk, res.Globals, stdout)

	if heapLogPath != "" {
		f, err := os.Create(heapLogPath)
		if err != nil {
			return fmlerr.Wrap(fmlerr.IO, err)
		}
		defer f.Close()
		vm.GC.Log = f
	}

	status, err := vm.Run()
	if err != nil {
		return err
	}
	if status != interp.OK {
		return fmlerr.New(fmlerr.RuntimeType, "interpreter terminated abnormally")
	}
	return nil
}
