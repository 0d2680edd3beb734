package interp

import (
	"github.com/gregofi/fmlvm/internal/fmlerr"
	"github.com/gregofi/fmlvm/internal/value"
)

// primitiveDispatch implements CALL_METHOD's builtin operator table: the
// path taken once instance dispatch walks the `extends` chain down to a
// value that is not itself an instance.
func (vm *VM) primitiveDispatch(recv value.Value, name string, args []value.Value) (value.Value, error) {
	switch recv.Kind {
	case value.KindInteger:
		return vm.integerOp(recv, name, args)
	case value.KindBoolean:
		return vm.booleanOp(recv, name, args)
	case value.KindNull:
		return vm.nullOp(recv, name, args)
	case value.KindObject:
		if vm.Heap.Type(recv.Ref) == value.ObjArray {
			return vm.arrayOp(recv, name, args)
		}
	}
	return value.Value{}, fmlerr.New(fmlerr.RuntimeType, "no primitive operator %q for this receiver", name)
}

func (vm *VM) integerOp(recv value.Value, name string, args []value.Value) (value.Value, error) {
	switch name {
	case "+", "-", "*", "/", "%":
		if len(args) != 1 || !args[0].IsInt() {
			return value.Value{}, fmlerr.New(fmlerr.RuntimeType, "integer %q requires an integer operand", name)
		}
		a, b := recv.Num, args[0].Num
		switch name {
		case "+":
			return value.Int(a + b), nil
		case "-":
			return value.Int(a - b), nil
		case "*":
			return value.Int(a * b), nil
		case "/":
			if b == 0 {
				return value.Value{}, fmlerr.New(fmlerr.RuntimeType, "integer division by zero")
			}
			return value.Int(a / b), nil
		case "%":
			if b == 0 {
				return value.Value{}, fmlerr.New(fmlerr.RuntimeType, "integer modulo by zero")
			}
			return value.Int(a % b), nil
		}
	case "<", ">", "<=", ">=", "==", "!=":
		if len(args) != 1 {
			return value.Value{}, fmlerr.New(fmlerr.RuntimeType, "integer %q takes one operand", name)
		}
		if !args[0].IsInt() {
			return value.Bool(name == "!="), nil
		}
		a, b := recv.Num, args[0].Num
		switch name {
		case "<":
			return value.Bool(a < b), nil
		case ">":
			return value.Bool(a > b), nil
		case "<=":
			return value.Bool(a <= b), nil
		case ">=":
			return value.Bool(a >= b), nil
		case "==":
			return value.Bool(a == b), nil
		case "!=":
			return value.Bool(a != b), nil
		}
	}
	return value.Value{}, fmlerr.New(fmlerr.RuntimeType, "no integer operator %q", name)
}

func (vm *VM) booleanOp(recv value.Value, name string, args []value.Value) (value.Value, error) {
	switch name {
	case "|", "&", "==", "!=":
		if len(args) != 1 || !args[0].IsBool() {
			return value.Value{}, fmlerr.New(fmlerr.RuntimeType, "boolean %q requires a boolean operand", name)
		}
		a, b := recv.Bool, args[0].Bool
		switch name {
		case "|":
			return value.Bool(a || b), nil
		case "&":
			return value.Bool(a && b), nil
		case "==":
			return value.Bool(a == b), nil
		case "!=":
			return value.Bool(a != b), nil
		}
	}
	return value.Value{}, fmlerr.New(fmlerr.RuntimeType, "no boolean operator %q", name)
}

func (vm *VM) nullOp(recv value.Value, name string, args []value.Value) (value.Value, error) {
	if (name != "==" && name != "!=") || len(args) != 1 {
		return value.Value{}, fmlerr.New(fmlerr.RuntimeType, "no null operator %q", name)
	}
	isNull := args[0].IsNull()
	if name == "==" {
		return value.Bool(isNull), nil
	}
	return value.Bool(!isNull), nil
}

func (vm *VM) arrayOp(recv value.Value, name string, args []value.Value) (value.Value, error) {
	switch name {
	case "get":
		if len(args) != 1 || !args[0].IsInt() {
			return value.Value{}, fmlerr.New(fmlerr.RuntimeType, "array get requires an integer index")
		}
		idx := args[0].Num
		if idx < 0 || idx >= vm.Heap.ArraySize(recv.Ref) {
			return value.Value{}, fmlerr.New(fmlerr.RuntimeType, "array index %d out of range", idx)
		}
		return vm.Heap.ArrayGet(recv.Ref, idx), nil

	case "set":
		if len(args) != 2 || !args[0].IsInt() {
			return value.Value{}, fmlerr.New(fmlerr.RuntimeType, "array set requires an integer index")
		}
		idx := args[0].Num
		if idx < 0 || idx >= vm.Heap.ArraySize(recv.Ref) {
			return value.Value{}, fmlerr.New(fmlerr.RuntimeType, "array index %d out of range", idx)
		}
		vm.Heap.ArraySet(recv.Ref, idx, args[1])
		return args[1], nil
	}
	return value.Value{}, fmlerr.New(fmlerr.RuntimeType, "no array operator %q", name)
}
