// Package interp implements the stack-machine dispatch loop: the operand
// stack, the call-frame stack, and the single instruction pointer that
// together execute a linked bytecode.Chunk.
package interp

import (
	"encoding/binary"
	"fmt"
	"io"

	"github.com/gregofi/fmlvm/internal/arena"
	"github.com/gregofi/fmlvm/internal/bytecode"
	"github.com/gregofi/fmlvm/internal/fmlerr"
	"github.com/gregofi/fmlvm/internal/gc"
	"github.com/gregofi/fmlvm/internal/hashmap"
	"github.com/gregofi/fmlvm/internal/value"
)

// MaxLocals bounds a single frame's local-slot vector.
const MaxLocals = 256

// FramesLimit bounds call-stack depth; exceeding it is an Exhaustion error.
const FramesLimit = 10_000

// Status is the interpreter's terminal result.
type Status int

const (
	OK Status = iota
	RuntimeError
	running // internal "keep looping" sentinel, never returned by Run
)

// Frame is one call's activation record: a fixed-size local vector (every
// slot initialized to null at push, so GC tracing is always well defined)
// plus the instruction offset to resume at on return.
type Frame struct {
	Locals   [MaxLocals]value.Value
	ReturnIP int
}

// VM ties a heap, a linked chunk, and the globals table together and runs
// the dispatch loop over them.
type VM struct {
	Heap    *value.Heap
	GC      *gc.GC
	Chunk   *bytecode.Chunk
	Globals *hashmap.Map
	Stdout  io.Writer

	Stack  []value.Value
	Frames []*Frame
	IP     int
}

// New builds a VM and wires its own Roots method into a fresh collector.
func New(heap *value.Heap, chunk *bytecode.Chunk, globals *hashmap.Map, stdout io.Writer) *VM {
	vm := &VM{Heap: heap, Chunk: chunk, Globals: globals, Stdout: stdout, IP: chunk.EntryPoint}
	vm.GC = gc.New(heap, vm.Roots)
	return vm
}

// Roots enumerates every Value currently reachable as a GC root: the
// operand stack, every frame's full local vector, every globals entry (key
// and value — keys are strings too), and the entire constant pool.
func (vm *VM) Roots() []value.Value {
	roots := make([]value.Value, 0, len(vm.Stack)+len(vm.Chunk.Pool)+len(vm.Frames)*MaxLocals)
	roots = append(roots, vm.Stack...)
	roots = append(roots, vm.Chunk.Pool...)
	if vm.Globals != nil {
		vm.Globals.ForEach(func(key arena.Address, v interface{}) {
			roots = append(roots, value.Obj(key))
			roots = append(roots, v.(value.Value))
		})
	}
	for _, f := range vm.Frames {
		roots = append(roots, f.Locals[:]...)
	}
	return roots
}

func (vm *VM) push(v value.Value) { vm.Stack = append(vm.Stack, v) }

func (vm *VM) pop() (value.Value, error) {
	n := len(vm.Stack)
	if n == 0 {
		return value.Value{}, fmlerr.New(fmlerr.Exhaustion, "operand stack underflow")
	}
	v := vm.Stack[n-1]
	vm.Stack = vm.Stack[:n-1]
	return v, nil
}

func (vm *VM) frame() *Frame {
	if len(vm.Frames) == 0 {
		return nil
	}
	return vm.Frames[len(vm.Frames)-1]
}

func (vm *VM) pushFrame(returnIP int) (*Frame, error) {
	if len(vm.Frames) >= FramesLimit {
		return nil, fmlerr.New(fmlerr.Exhaustion, "call stack overflow")
	}
	f := &Frame{ReturnIP: returnIP}
	vm.Frames = append(vm.Frames, f)
	return f, nil
}

func (vm *VM) u16At(off int) uint16 {
	return binary.LittleEndian.Uint16(vm.Chunk.Code[off:])
}

func (vm *VM) u24BEAt(off int) int {
	b := vm.Chunk.Code[off : off+3]
	return int(b[0])<<16 | int(b[1])<<8 | int(b[2])
}

func (vm *VM) constString(idx uint16) arena.Address {
	return vm.Chunk.Pool[idx].Ref
}

// Run executes instructions from the entry point until RETURN unwinds the
// initial frame (OK) or a runtime error terminates execution
// (RuntimeError). Every failure site is fatal: there is no recovery path,
// matching the "no propagation" error design.
func (vm *VM) Run() (Status, error) {
	if _, err := vm.pushFrame(-1); err != nil {
		return RuntimeError, err
	}
	vm.IP = vm.Chunk.EntryPoint

	for {
		if vm.IP < 0 || vm.IP >= len(vm.Chunk.Code) {
			return OK, nil
		}
		op := bytecode.Op(vm.Chunk.Code[vm.IP])
		status, err := vm.step(op)
		if err != nil {
			return RuntimeError, err
		}
		if status == OK {
			return OK, nil
		}
	}
}

// step executes one instruction, returning OK only when it was the RETURN
// that unwound the initial frame, running to keep Run's loop going, or a
// non-nil error for any fatal condition.
func (vm *VM) step(op bytecode.Op) (Status, error) {
	frame := vm.frame()

	switch op {
	case bytecode.OpLabel:
		vm.IP += 3
		return running, nil

	case bytecode.OpLiteral:
		idx := vm.u16At(vm.IP + 1)
		vm.push(vm.Chunk.Pool[idx])
		vm.IP += 3
		return running, nil

	case bytecode.OpDrop:
		if _, err := vm.pop(); err != nil {
			return RuntimeError, err
		}
		vm.IP++
		return running, nil

	case bytecode.OpPrint:
		fmtIdx := vm.u16At(vm.IP + 1)
		argc := int(vm.Chunk.Code[vm.IP+3])
		if err := vm.execPrint(fmtIdx, argc); err != nil {
			return RuntimeError, err
		}
		vm.IP += 4
		return running, nil

	case bytecode.OpArray:
		init, err := vm.pop()
		if err != nil {
			return RuntimeError, err
		}
		sizeVal, err := vm.pop()
		if err != nil {
			return RuntimeError, err
		}
		if !sizeVal.IsInt() {
			return RuntimeError, fmlerr.New(fmlerr.RuntimeType, "array size must be an integer")
		}
		addr, err := vm.Heap.NewArray(sizeVal.Num, init)
		if err != nil {
			return RuntimeError, err
		}
		vm.push(value.Obj(addr))
		vm.IP++
		return running, nil

	case bytecode.OpObject:
		classIdx := vm.u16At(vm.IP + 1)
		if err := vm.execObject(classIdx); err != nil {
			return RuntimeError, err
		}
		vm.IP += 3
		return running, nil

	case bytecode.OpGetField:
		nameIdx := vm.u16At(vm.IP + 1)
		if err := vm.execGetField(nameIdx); err != nil {
			return RuntimeError, err
		}
		vm.IP += 3
		return running, nil

	case bytecode.OpSetField:
		nameIdx := vm.u16At(vm.IP + 1)
		if err := vm.execSetField(nameIdx); err != nil {
			return RuntimeError, err
		}
		vm.IP += 3
		return running, nil

	case bytecode.OpCallMethod:
		nameIdx := vm.u16At(vm.IP + 1)
		argc := int(vm.Chunk.Code[vm.IP+3])
		if err := vm.execCallMethod(nameIdx, argc); err != nil {
			return RuntimeError, err
		}
		return running, nil

	case bytecode.OpCallFunction:
		nameIdx := vm.u16At(vm.IP + 1)
		argc := int(vm.Chunk.Code[vm.IP+3])
		if err := vm.execCallFunction(nameIdx, argc); err != nil {
			return RuntimeError, err
		}
		return running, nil

	case bytecode.OpSetLocal:
		slot := vm.u16At(vm.IP + 1)
		if frame == nil || int(slot) >= MaxLocals {
			return RuntimeError, fmlerr.New(fmlerr.RuntimeType, "invalid local slot %d", slot)
		}
		if len(vm.Stack) == 0 {
			return RuntimeError, fmlerr.New(fmlerr.Exhaustion, "operand stack underflow")
		}
		frame.Locals[slot] = vm.Stack[len(vm.Stack)-1]
		vm.IP += 3
		return running, nil

	case bytecode.OpGetLocal:
		slot := vm.u16At(vm.IP + 1)
		if frame == nil || int(slot) >= MaxLocals {
			return RuntimeError, fmlerr.New(fmlerr.RuntimeType, "invalid local slot %d", slot)
		}
		vm.push(frame.Locals[slot])
		vm.IP += 3
		return running, nil

	case bytecode.OpSetGlobal:
		nameIdx := vm.u16At(vm.IP + 1)
		if len(vm.Stack) == 0 {
			return RuntimeError, fmlerr.New(fmlerr.Exhaustion, "operand stack underflow")
		}
		vm.Globals.Set(vm.constString(nameIdx), vm.Stack[len(vm.Stack)-1])
		vm.IP += 3
		return running, nil

	case bytecode.OpGetGlobal:
		nameIdx := vm.u16At(vm.IP + 1)
		v, ok := vm.Globals.Get(vm.constString(nameIdx))
		if !ok {
			return RuntimeError, fmlerr.New(fmlerr.RuntimeType, "unresolved global %q", vm.Heap.StringText(vm.constString(nameIdx)))
		}
		vm.push(v.(value.Value))
		vm.IP += 3
		return running, nil

	case bytecode.OpBranch:
		cond, err := vm.pop()
		if err != nil {
			return RuntimeError, err
		}
		if !cond.Falsy() {
			vm.IP = vm.u24BEAt(vm.IP + 1)
		} else {
			vm.IP += 4
		}
		return running, nil

	case bytecode.OpJump:
		vm.IP = vm.u24BEAt(vm.IP + 1)
		return running, nil

	case bytecode.OpReturn:
		result, err := vm.pop()
		if err != nil {
			return RuntimeError, err
		}
		returnIP := frame.ReturnIP
		vm.Frames = vm.Frames[:len(vm.Frames)-1]
		if len(vm.Frames) == 0 {
			return OK, nil
		}
		vm.push(result)
		vm.IP = returnIP
		return running, nil

	default:
		return RuntimeError, fmlerr.New(fmlerr.Decode, "unknown opcode 0x%02x at offset %d", byte(op), vm.IP)
	}
}

func (vm *VM) execPrint(fmtIdx uint16, argc int) error {
	args := make([]value.Value, argc)
	for i := argc - 1; i >= 0; i-- {
		v, err := vm.pop()
		if err != nil {
			return err
		}
		args[i] = v
	}
	formatAddr := vm.constString(fmtIdx)
	if vm.Heap.Type(formatAddr) != value.ObjString {
		return fmlerr.New(fmlerr.RuntimeType, "PRINT format constant is not a string")
	}
	text, err := vm.formatPrint(vm.Heap.StringText(formatAddr), args)
	if err != nil {
		return err
	}
	fmt.Fprint(vm.Stdout, text)
	vm.push(value.Null())
	return nil
}

func (vm *VM) execObject(classIdx uint16) error {
	classVal := vm.Chunk.Pool[classIdx]
	if !classVal.IsObject() || vm.Heap.Type(classVal.Ref) != value.ObjClass {
		return fmlerr.New(fmlerr.RuntimeType, "OBJECT constant is not a class")
	}
	fields := vm.Heap.ClassFields(classVal.Ref)
	n := len(fields)
	values := make([]value.Value, n)
	for i := n - 1; i >= 0; i-- {
		v, err := vm.pop()
		if err != nil {
			return err
		}
		values[i] = v
	}
	parent, err := vm.pop()
	if err != nil {
		return err
	}
	addr, err := vm.Heap.NewInstance(classVal.Ref, parent)
	if err != nil {
		return err
	}
	instFields := vm.Heap.InstanceFields(addr)
	for i, fname := range fields {
		instFields.Set(fname, values[i])
	}
	vm.push(value.Obj(addr))
	return nil
}

func (vm *VM) execGetField(nameIdx uint16) error {
	recv, err := vm.pop()
	if err != nil {
		return err
	}
	nameAddr := vm.constString(nameIdx)
	v, err := vm.findField(recv, nameAddr)
	if err != nil {
		return err
	}
	vm.push(v)
	return nil
}

// findField mirrors the original's find_field: it looks the field up on
// recv's own table and, if that misses, recurses into recv's extends
// parent. It only reports RuntimeType once the walk reaches a value that
// isn't an instance at all.
func (vm *VM) findField(recv value.Value, nameAddr arena.Address) (value.Value, error) {
	if !recv.IsObject() || vm.Heap.Type(recv.Ref) != value.ObjInstance {
		return value.Value{}, fmlerr.New(fmlerr.RuntimeType, "GET_FIELD on a non-instance")
	}
	if v, ok := vm.Heap.InstanceFields(recv.Ref).Get(nameAddr); ok {
		return v.(value.Value), nil
	}
	return vm.findField(vm.Heap.InstanceExtends(recv.Ref), nameAddr)
}

func (vm *VM) execSetField(nameIdx uint16) error {
	val, err := vm.pop()
	if err != nil {
		return err
	}
	recv, err := vm.pop()
	if err != nil {
		return err
	}
	nameAddr := vm.constString(nameIdx)
	if err := vm.setField(recv, nameAddr, val); err != nil {
		return err
	}
	vm.push(val)
	return nil
}

// setField mirrors the original's set_field: it updates the field in
// place on recv's own table if present there, and otherwise recurses into
// recv's extends parent, erroring only when the walk reaches a
// non-instance (a field can never be created by SET_FIELD, only updated).
func (vm *VM) setField(recv value.Value, nameAddr arena.Address, val value.Value) error {
	if !recv.IsObject() || vm.Heap.Type(recv.Ref) != value.ObjInstance {
		return fmlerr.New(fmlerr.RuntimeType, "SET_FIELD on a non-instance")
	}
	fields := vm.Heap.InstanceFields(recv.Ref)
	if _, ok := fields.Get(nameAddr); ok {
		fields.Set(nameAddr, val)
		return nil
	}
	return vm.setField(vm.Heap.InstanceExtends(recv.Ref), nameAddr, val)
}

func (vm *VM) execCallFunction(nameIdx uint16, argc int) error {
	nameAddr := vm.constString(nameIdx)
	v, ok := vm.Globals.Get(nameAddr)
	if !ok {
		return fmlerr.New(fmlerr.RuntimeType, "unresolved global %q", vm.Heap.StringText(nameAddr))
	}
	fv := v.(value.Value)
	if !fv.IsObject() || vm.Heap.Type(fv.Ref) != value.ObjFunction {
		return fmlerr.New(fmlerr.RuntimeType, "CALL_FUNCTION on a non-function global %q", vm.Heap.StringText(nameAddr))
	}
	return vm.invoke(fv.Ref, argc, 0, nil)
}

func (vm *VM) execCallMethod(nameIdx uint16, argc int) error {
	nameAddr := vm.constString(nameIdx)
	name := vm.Heap.StringText(nameAddr)

	args := make([]value.Value, argc)
	for i := argc - 1; i >= 0; i-- {
		v, err := vm.pop()
		if err != nil {
			return err
		}
		args[i] = v
	}
	recv, err := vm.pop()
	if err != nil {
		return err
	}

	cur := recv
	for cur.IsObject() && vm.Heap.Type(cur.Ref) == value.ObjInstance {
		class := vm.Heap.InstanceClass(cur.Ref)
		if mv, ok := vm.Heap.ClassMethods(class).Get(nameAddr); ok {
			fn := mv.(value.Value)
			return vm.invoke(fn.Ref, argc, 1, append([]value.Value{cur}, args...))
		}
		cur = vm.Heap.InstanceExtends(cur.Ref)
	}

	result, err := vm.primitiveDispatch(cur, name, args)
	if err != nil {
		return err
	}
	vm.push(result)
	vm.IP += 4
	return nil
}

// invoke pushes a new frame for fn, populates its locals from explicit
// (either "this, arg1, ... argN" or just "arg1, ... argN") values, and
// jumps to the method's entry point. returnIP resumes right after the
// calling instruction.
func (vm *VM) invoke(fn arena.Address, argc int, extra int, locals []value.Value) error {
	declared := int(vm.Heap.FunctionLocals(fn))
	if extra+argc > declared || extra+argc > MaxLocals {
		return fmlerr.New(fmlerr.RuntimeType, "argument count mismatch calling function")
	}
	returnIP := vm.IP + 4
	frame, err := vm.pushFrame(returnIP)
	if err != nil {
		return err
	}
	if locals != nil {
		copy(frame.Locals[:], locals)
	} else {
		for i := argc - 1; i >= 0; i-- {
			v, err := vm.pop()
			if err != nil {
				return err
			}
			frame.Locals[i] = v
		}
	}
	vm.IP = int(vm.Heap.FunctionEntry(fn))
	return nil
}
