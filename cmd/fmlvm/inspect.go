package main

import (
	"errors"
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"

	"github.com/chzyer/readline"
	"github.com/spf13/cobra"

	"github.com/gregofi/fmlvm/internal/arena"
	"github.com/gregofi/fmlvm/internal/fmlerr"
	"github.com/gregofi/fmlvm/internal/interp"
	"github.com/gregofi/fmlvm/internal/loader"
	"github.com/gregofi/fmlvm/internal/value"
)

func newInspectCmd() *cobra.Command {
	var heapSizeMB int

	cmd := &cobra.Command{
		Use:   "inspect <file>",
		Short: "load a compiled file and browse its constant pool and globals interactively",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runInspect(args[0], heapSizeMB)
		},
	}
	cmd.Flags().IntVar(&heapSizeMB, "heap-size", defaultHeapSizeMB, "arena size in megabytes")
	return cmd
}

func runInspect(path string, heapSizeMB int) error {
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
	vm := interp.New(heap, res.Chunk, res.Globals, os.Stdout)

	rl, err := readline.New("fml> ")
	if err != nil {
		return fmlerr.Wrap(fmlerr.IO, err)
	}
	defer rl.Close()

	fmt.Println("commands: pool <idx>, globals, entry, quit")
	for {
		line, err := rl.Readline()
		if err != nil {
			if errors.Is(err, io.EOF) || errors.Is(err, readline.ErrInterrupt) {
				return nil
			}
			return fmlerr.Wrap(fmlerr.IO, err)
		}

		fields := strings.Fields(line)
		if len(fields) == 0 {
			continue
		}
		switch fields[0] {
		case "quit", "exit":
			return nil

		case "entry":
			fmt.Printf("entry point at chunk offset %d\n", res.Chunk.EntryPoint)

		case "globals":
			res.Globals.ForEach(func(key arena.Address, v interface{}) {
				fmt.Printf("  %s = %s\n", heap.StringText(key), vm.RenderValue(v.(value.Value)))
			})

		case "pool":
			if len(fields) != 2 {
				fmt.Println("usage: pool <idx>")
				continue
			}
			idx, err := strconv.Atoi(fields[1])
			if err != nil || idx < 0 || idx >= len(res.Chunk.Pool) {
				fmt.Println("index out of range")
				continue
			}
			fmt.Println(vm.RenderValue(res.Chunk.Pool[idx]))

		default:
			fmt.Printf("unknown command %q\n", fields[0])
		}
	}
}
