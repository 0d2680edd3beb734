// Package disasm renders a linked chunk's instruction stream as readable
// text for the `disasm` CLI command. It is a debug-only consumer of
// bytecode.Chunk: internal/interp never imports it.
package disasm

import (
	"fmt"
	"io"
	"text/tabwriter"

	"github.com/gregofi/fmlvm/internal/bytecode"
	"github.com/gregofi/fmlvm/internal/value"
)

// Write prints every instruction in chunk.Code to w, one per line, in a
// tab-aligned "offset\tmnemonic\toperands" table.
func Write(w io.Writer, chunk *bytecode.Chunk, heap *value.Heap) error {
	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "OFFSET\tOP\tOPERANDS")

	off := 0
	for off < len(chunk.Code) {
		op := bytecode.Op(chunk.Code[off])
		width, ok := op.Width()
		if !ok {
			fmt.Fprintf(tw, "%06d\t%s\t(unknown opcode 0x%02x)\n", off, op, chunk.Code[off])
			off++
			continue
		}
		fmt.Fprintf(tw, "%06d\t%s\t%s\n", off, op, operandText(op, chunk, heap, off))
		off += width
	}
	return tw.Flush()
}

func u16(code []byte, off int) uint16 { return uint16(code[off]) | uint16(code[off+1])<<8 }
func u24be(code []byte, off int) int {
	return int(code[off])<<16 | int(code[off+1])<<8 | int(code[off+2])
}

func operandText(op bytecode.Op, chunk *bytecode.Chunk, heap *value.Heap, off int) string {
	code := chunk.Code
	switch op {
	case bytecode.OpLiteral, bytecode.OpGetLocal, bytecode.OpSetLocal:
		return fmt.Sprintf("%d", u16(code, off+1))
	case bytecode.OpGetGlobal, bytecode.OpSetGlobal, bytecode.OpGetField, bytecode.OpSetField, bytecode.OpObject, bytecode.OpLabel:
		idx := u16(code, off+1)
		return fmt.Sprintf("%d %s", idx, poolText(chunk, heap, idx))
	case bytecode.OpPrint, bytecode.OpCallMethod, bytecode.OpCallFunction:
		idx := u16(code, off+1)
		argc := code[off+3]
		return fmt.Sprintf("%d %s, argc=%d", idx, poolText(chunk, heap, idx), argc)
	case bytecode.OpJump, bytecode.OpBranch:
		return fmt.Sprintf("-> %06d", u24be(code, off+1))
	default:
		return ""
	}
}

func poolText(chunk *bytecode.Chunk, heap *value.Heap, idx uint16) string {
	if int(idx) >= len(chunk.Pool) {
		return "?"
	}
	v := chunk.Pool[idx]
	if v.IsObject() && heap.Type(v.Ref) == value.ObjString {
		return fmt.Sprintf("%q", heap.StringText(v.Ref))
	}
	return ""
}
