// Package loader decodes the binary constant pool / bytecode file format and
// links it into a runnable bytecode.Chunk: translating each method body into
// the chunk's flat instruction stream, resolving jump labels to absolute
// offsets, and promoting free methods/slots into the initial globals table.
package loader

import (
	"encoding/binary"

	"github.com/gregofi/fmlvm/internal/arena"
	"github.com/gregofi/fmlvm/internal/bytecode"
	"github.com/gregofi/fmlvm/internal/fmlerr"
	"github.com/gregofi/fmlvm/internal/hashmap"
	"github.com/gregofi/fmlvm/internal/value"
)

const (
	tagInteger byte = 0x00
	tagNull    byte = 0x01
	tagString  byte = 0x02
	tagMethod  byte = 0x03
	tagSlot    byte = 0x04
	tagClass   byte = 0x05
	tagBoolean byte = 0x06
)

type reader struct {
	data []byte
	pos  int
}

func (r *reader) u8() (byte, error) {
	if r.pos+1 > len(r.data) {
		return 0, fmlerr.New(fmlerr.Decode, "unexpected end of file at offset %d", r.pos)
	}
	b := r.data[r.pos]
	r.pos++
	return b, nil
}

func (r *reader) u16() (uint16, error) {
	if r.pos+2 > len(r.data) {
		return 0, fmlerr.New(fmlerr.Decode, "unexpected end of file at offset %d", r.pos)
	}
	v := binary.LittleEndian.Uint16(r.data[r.pos:])
	r.pos += 2
	return v, nil
}

func (r *reader) u32() (uint32, error) {
	if r.pos+4 > len(r.data) {
		return 0, fmlerr.New(fmlerr.Decode, "unexpected end of file at offset %d", r.pos)
	}
	v := binary.LittleEndian.Uint32(r.data[r.pos:])
	r.pos += 4
	return v, nil
}

func (r *reader) i32() (int32, error) {
	v, err := r.u32()
	return int32(v), err
}

func (r *reader) bytes(n int) ([]byte, error) {
	if r.pos+n > len(r.data) {
		return nil, fmlerr.New(fmlerr.Decode, "unexpected end of file at offset %d", r.pos)
	}
	b := r.data[r.pos : r.pos+n]
	r.pos += n
	return b, nil
}

// pendingJump records a JUMP/BRANCH operand that still needs its label
// resolved to an absolute chunk offset, once every method body (and every
// label it contains, wherever it lives in the file) has been translated.
type pendingJump struct {
	operandOffset int // chunk offset of the 3-byte target operand
	label         arena.Address
}

// loadState threads the bookkeeping a single Load call needs across
// constant-pool decoding: the interning table, the global label table, the
// list of not-yet-patched jump operands, and the globals-pending set used
// to build the initial globals table (see buildGlobals).
type loadState struct {
	heap     *value.Heap
	chunk    *bytecode.Chunk
	interned map[string]arena.Address
	labels   map[arena.Address]int
	pending  []pendingJump

	// globalsPending is every method/slot constant-pool index seen during
	// decode, in decode order; globalsClaimed marks the indices a class's
	// member list has claimed. Whatever remains in globalsPending minus
	// globalsClaimed once the whole pool is decoded becomes a global.
	globalsPending []int
	globalsClaimed map[int]bool
}

// Result is everything Load produces: the linked chunk ready for
// internal/interp plus the globals table built from the file's free
// method/slot list.
type Result struct {
	Chunk   *bytecode.Chunk
	Globals *hashmap.Map
}

// Load decodes data into a linked chunk, allocating every constant-pool
// object (strings, functions, slots, classes) from heap.
func Load(data []byte, heap *value.Heap) (*Result, error) {
	r := &reader{data: data}
	st := &loadState{
		heap:           heap,
		chunk:          &bytecode.Chunk{},
		interned:       make(map[string]arena.Address),
		labels:         make(map[arena.Address]int),
		globalsClaimed: make(map[int]bool),
	}

	poolCount, err := r.u16()
	if err != nil {
		return nil, err
	}
	for i := uint16(0); i < poolCount; i++ {
		v, err := st.decodeConstant(r)
		if err != nil {
			return nil, err
		}
		st.chunk.Pool = append(st.chunk.Pool, v)
	}

	globalsCount, err := r.u16()
	if err != nil {
		return nil, err
	}
	globalNames := make([]uint16, globalsCount)
	for i := range globalNames {
		idx, err := r.u16()
		if err != nil {
			return nil, err
		}
		globalNames[i] = idx
	}
	st.chunk.GlobalNames = globalNames

	entryIdx, err := r.u16()
	if err != nil {
		return nil, err
	}
	if int(entryIdx) >= len(st.chunk.Pool) {
		return nil, fmlerr.New(fmlerr.Link, "entry_point_index %d out of range", entryIdx)
	}
	entryVal := st.chunk.Pool[entryIdx]
	if !entryVal.IsObject() || heap.Type(entryVal.Ref) != value.ObjFunction {
		return nil, fmlerr.New(fmlerr.Link, "entry_point_index %d does not name a method", entryIdx)
	}
	st.chunk.EntryPoint = int(heap.FunctionEntry(entryVal.Ref))

	for _, pj := range st.pending {
		off, ok := st.labels[pj.label]
		if !ok {
			return nil, fmlerr.New(fmlerr.Decode, "unresolved jump label at chunk offset %d", pj.operandOffset)
		}
		writeU24BE(st.chunk.Code, pj.operandOffset, off)
	}

	globals, err := st.buildGlobals()
	if err != nil {
		return nil, err
	}

	return &Result{Chunk: st.chunk, Globals: globals}, nil
}

// buildGlobals inserts every method/slot that no class claimed as a member
// into the globals table. It does not consult the file's own
// globals_count/index list (Chunk.GlobalNames): that list is parsed to stay
// aligned with the file format but, matching the reference serializer, is
// never consulted to build the real global-variable table — the table is
// instead derived from globalsPending (populated by decodeConstant) minus
// the indices decodeClass marks in globalsClaimed.
func (st *loadState) buildGlobals() (*hashmap.Map, error) {
	hash, equal := st.heap.StringKeyOps()
	globals := hashmap.New(hash, equal)
	for _, idx := range st.globalsPending {
		if st.globalsClaimed[idx] {
			continue
		}
		member := st.chunk.Pool[idx]
		switch st.heap.Type(member.Ref) {
		case value.ObjFunction:
			nameAddr := st.chunk.Pool[st.heap.FunctionName(member.Ref)].Ref
			globals.Set(nameAddr, member)
		case value.ObjSlot:
			nameAddr := st.chunk.Pool[st.heap.SlotIndex(member.Ref)].Ref
			globals.Set(nameAddr, value.Null())
		}
	}
	return globals, nil
}

func writeU24BE(code []byte, offset int, target int) {
	code[offset] = byte(target >> 16)
	code[offset+1] = byte(target >> 8)
	code[offset+2] = byte(target)
}

// internString returns the string object for s, allocating and registering
// it the first time this exact content is seen so every later occurrence —
// even from a different constant-pool index — resolves to the same object.
func (st *loadState) internString(s string) (arena.Address, error) {
	if addr, ok := st.interned[s]; ok {
		return addr, nil
	}
	addr, err := st.heap.NewString(s)
	if err != nil {
		return arena.Null, err
	}
	st.interned[s] = addr
	return addr, nil
}

func (st *loadState) decodeConstant(r *reader) (value.Value, error) {
	tag, err := r.u8()
	if err != nil {
		return value.Value{}, err
	}
	switch tag {
	case tagInteger:
		n, err := r.i32()
		if err != nil {
			return value.Value{}, err
		}
		return value.Int(n), nil

	case tagNull:
		return value.Null(), nil

	case tagBoolean:
		b, err := r.u8()
		if err != nil {
			return value.Value{}, err
		}
		return value.Bool(b != 0), nil

	case tagString:
		length, err := r.u32()
		if err != nil {
			return value.Value{}, err
		}
		raw, err := r.bytes(int(length))
		if err != nil {
			return value.Value{}, err
		}
		addr, err := st.internString(string(raw))
		if err != nil {
			return value.Value{}, err
		}
		return value.Obj(addr), nil

	case tagMethod:
		idx := len(st.chunk.Pool)
		v, err := st.decodeMethod(r)
		if err != nil {
			return value.Value{}, err
		}
		st.globalsPending = append(st.globalsPending, idx)
		return v, nil

	case tagSlot:
		nameIdx, err := r.u16()
		if err != nil {
			return value.Value{}, err
		}
		idx := len(st.chunk.Pool)
		addr, err := st.heap.NewSlot(nameIdx)
		if err != nil {
			return value.Value{}, err
		}
		st.globalsPending = append(st.globalsPending, idx)
		return value.Obj(addr), nil

	case tagClass:
		return st.decodeClass(r)

	default:
		return value.Value{}, fmlerr.New(fmlerr.Decode, "unknown constant tag 0x%02x", tag)
	}
}

func (st *loadState) decodeMethod(r *reader) (value.Value, error) {
	name, err := r.u16()
	if err != nil {
		return value.Value{}, err
	}
	arity, err := r.u8()
	if err != nil {
		return value.Value{}, err
	}
	locals, err := r.u16()
	if err != nil {
		return value.Value{}, err
	}
	instrCount, err := r.u32()
	if err != nil {
		return value.Value{}, err
	}

	entryOffset := len(st.chunk.Code)
	for i := uint32(0); i < instrCount; i++ {
		if err := st.translateInstruction(r); err != nil {
			return value.Value{}, err
		}
	}
	length := len(st.chunk.Code) - entryOffset

	addr, err := st.heap.NewFunction(name, arity, locals, uint32(entryOffset), uint32(length))
	if err != nil {
		return value.Value{}, err
	}
	return value.Obj(addr), nil
}

// translateInstruction reads one file-encoded instruction and writes its
// linked form into the chunk, registering labels and queuing jump targets
// for the second pass.
func (st *loadState) translateInstruction(r *reader) error {
	opcodeByte, err := r.u8()
	if err != nil {
		return err
	}
	op := bytecode.Op(opcodeByte)

	switch op {
	case bytecode.OpLabel:
		nameIdx, err := r.u16()
		if err != nil {
			return err
		}
		off := st.chunk.Grow(byte(op), 0, 0)
		binary.LittleEndian.PutUint16(st.chunk.Code[off+1:], nameIdx)
		if int(nameIdx) >= len(st.chunk.Pool) {
			return fmlerr.New(fmlerr.Decode, "label name index %d out of range", nameIdx)
		}
		st.labels[st.chunk.Pool[nameIdx].Ref] = off

	case bytecode.OpJump, bytecode.OpBranch:
		nameIdx, err := r.u16()
		if err != nil {
			return err
		}
		if _, err := r.u8(); err != nil { // sentinel byte, discarded
			return err
		}
		if int(nameIdx) >= len(st.chunk.Pool) {
			return fmlerr.New(fmlerr.Decode, "jump label index %d out of range", nameIdx)
		}
		off := st.chunk.Grow(byte(op), 0, 0, 0)
		st.pending = append(st.pending, pendingJump{
			operandOffset: off + 1,
			label:         st.chunk.Pool[nameIdx].Ref,
		})

	case bytecode.OpReturn, bytecode.OpArray, bytecode.OpDrop:
		st.chunk.Grow(byte(op))

	case bytecode.OpLiteral, bytecode.OpGetLocal, bytecode.OpSetLocal,
		bytecode.OpGetGlobal, bytecode.OpSetGlobal, bytecode.OpObject,
		bytecode.OpGetField, bytecode.OpSetField:
		operand, err := r.u16()
		if err != nil {
			return err
		}
		off := st.chunk.Grow(byte(op), 0, 0)
		binary.LittleEndian.PutUint16(st.chunk.Code[off+1:], operand)

	case bytecode.OpPrint, bytecode.OpCallMethod, bytecode.OpCallFunction:
		idx, err := r.u16()
		if err != nil {
			return err
		}
		argc, err := r.u8()
		if err != nil {
			return err
		}
		off := st.chunk.Grow(byte(op), 0, 0, 0)
		binary.LittleEndian.PutUint16(st.chunk.Code[off+1:], idx)
		st.chunk.Code[off+3] = argc

	default:
		return fmlerr.New(fmlerr.Decode, "unknown opcode 0x%02x", opcodeByte)
	}
	return nil
}

func (st *loadState) decodeClass(r *reader) (value.Value, error) {
	memberCount, err := r.u16()
	if err != nil {
		return value.Value{}, err
	}
	addr, err := st.heap.NewClass()
	if err != nil {
		return value.Value{}, err
	}
	for i := uint16(0); i < memberCount; i++ {
		idx, err := r.u16()
		if err != nil {
			return value.Value{}, err
		}
		if int(idx) >= len(st.chunk.Pool) {
			return value.Value{}, fmlerr.New(fmlerr.Decode, "class member index %d out of range", idx)
		}
		member := st.chunk.Pool[idx]
		if !member.IsObject() {
			return value.Value{}, fmlerr.New(fmlerr.Decode, "class member index %d is not a method or slot", idx)
		}
		switch st.heap.Type(member.Ref) {
		case value.ObjFunction:
			nameAddr := st.chunk.Pool[st.heap.FunctionName(member.Ref)].Ref
			st.heap.ClassMethods(addr).Set(nameAddr, member)
			st.globalsClaimed[int(idx)] = true
		case value.ObjSlot:
			nameAddr := st.chunk.Pool[st.heap.SlotIndex(member.Ref)].Ref
			if err := st.heap.AppendField(addr, nameAddr); err != nil {
				return value.Value{}, err
			}
			st.globalsClaimed[int(idx)] = true
		default:
			return value.Value{}, fmlerr.New(fmlerr.Decode, "class member index %d is not a method or slot", idx)
		}
	}
	return value.Obj(addr), nil
}
