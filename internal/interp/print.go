package interp

import (
	"strconv"
	"strings"

	"github.com/gregofi/fmlvm/internal/arena"
	"github.com/gregofi/fmlvm/internal/fmlerr"
	"github.com/gregofi/fmlvm/internal/value"
)

// formatPrint expands a PRINT format string against argc values already
// popped off the operand stack in argument (left-to-right) order: the
// value at original stack depth argc-1 — pushed first — binds to the
// first `~`, not the last one popped. Escapes \n \r \t \\ \" \~ are
// literal; any other use of `~` or `\` is a formatting error.
func (vm *VM) formatPrint(format string, args []value.Value) (string, error) {
	var out strings.Builder
	argIdx := 0
	runes := []rune(format)
	for i := 0; i < len(runes); i++ {
		c := runes[i]
		switch c {
		case '\\':
			if i+1 >= len(runes) {
				return "", fmlerr.New(fmlerr.RuntimeType, "print format ends with a dangling escape")
			}
			i++
			switch runes[i] {
			case 'n':
				out.WriteByte('\n')
			case 'r':
				out.WriteByte('\r')
			case 't':
				out.WriteByte('\t')
			case '\\':
				out.WriteByte('\\')
			case '"':
				out.WriteByte('"')
			case '~':
				out.WriteByte('~')
			default:
				return "", fmlerr.New(fmlerr.RuntimeType, "print format has unknown escape \\%c", runes[i])
			}
		case '~':
			if argIdx >= len(args) {
				return "", fmlerr.New(fmlerr.RuntimeType, "print format references more arguments than were given")
			}
			out.WriteString(vm.RenderValue(args[argIdx]))
			argIdx++
		default:
			out.WriteRune(c)
		}
	}
	return out.String(), nil
}

// RenderValue is the textual form PRINT and the `inspect` CLI command use
// to display a value.
func (vm *VM) RenderValue(v value.Value) string {
	switch v.Kind {
	case value.KindNull:
		return "null"
	case value.KindInteger:
		return strconv.FormatInt(int64(v.Num), 10)
	case value.KindBoolean:
		if v.Bool {
			return "true"
		}
		return "false"
	case value.KindObject:
		return vm.renderObject(v.Ref)
	default:
		return "?"
	}
}

// renderObject renders heap objects for PRINT placeholders and the
// `inspect` command: strings as their text, arrays as "[v1, v2, ...]" and
// instances via Heap.RenderInstance, following the original's print_value.
func (vm *VM) renderObject(addr arena.Address) string {
	switch vm.Heap.Type(addr) {
	case value.ObjString:
		return vm.Heap.StringText(addr)
	case value.ObjArray:
		n := vm.Heap.ArraySize(addr)
		var b strings.Builder
		b.WriteByte('[')
		for i := int32(0); i < n; i++ {
			if i > 0 {
				b.WriteString(", ")
			}
			b.WriteString(vm.RenderValue(vm.Heap.ArrayGet(addr, i)))
		}
		b.WriteByte(']')
		return b.String()
	case value.ObjInstance:
		return vm.Heap.RenderInstance(addr, vm.RenderValue)
	case value.ObjFunction:
		return "<function>"
	default:
		return "<object>"
	}
}
