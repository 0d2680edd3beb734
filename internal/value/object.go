package value

import (
	"github.com/gregofi/fmlvm/internal/arena"
	"github.com/gregofi/fmlvm/internal/fmlerr"
	"github.com/gregofi/fmlvm/internal/hashmap"
)

// ObjType tags the heap object variants.
type ObjType byte

const (
	ObjString ObjType = iota
	ObjFunction
	ObjArray
	ObjClass
	ObjInstance
	ObjSlot
	ObjNative
)

func (t ObjType) String() string {
	switch t {
	case ObjString:
		return "string"
	case ObjFunction:
		return "function"
	case ObjArray:
		return "array"
	case ObjClass:
		return "class"
	case ObjInstance:
		return "instance"
	case ObjSlot:
		return "slot"
	case ObjNative:
		return "native"
	default:
		return "unknown"
	}
}

// MaxFields is the fixed capacity of a class's ordered field-name array.
const MaxFields = 256

// Object header layout, common to every variant:
//
//	offset 0: tag      (1 byte)
//	offset 1: marked   (1 byte, bool)
//	offset 8: next     (8 bytes, arena.Address — intrusive all-objects link)
const headerSize = 16

const (
	hdrTag    = 0
	hdrMarked = 1
	hdrNext   = 8
)

// NativeFunc is the opaque function exposed for embedding (spec §3, Native
// variant). The runtime ships no embedder, so the registry is empty unless
// a caller of Heap.RegisterNative populates it.
type NativeFunc func(args []Value) Value

// Heap owns the arena, the intrusive all-objects list head, and the
// out-of-arena side tables for class method tables and instance field
// tables (see DESIGN.md: hash map entries are plain Go-native storage,
// not carved from the managed arena, the same way the VM's operand stack
// and frame-local slots are VM-internal bookkeeping rather than heap
// objects — only the seven object variants below are "every heap-
// allocated object" under the intrusive-list invariant).
type Heap struct {
	Arena *arena.Arena
	Head  arena.Address // head of the intrusive "all allocated objects" list

	classMethods   map[arena.Address]*hashmap.Map
	instanceFields map[arena.Address]*hashmap.Map
	natives        map[uint32]NativeFunc
	nextNativeID   uint32

	// GCAlloc is called by every constructor; it runs GC-aware allocation
	// (internal/gc wires this to alloc_with_gc-equivalent behavior). If
	// nil, constructors fall back to the arena directly.
	GCAlloc func(size int) (arena.Address, bool)
}

// stringKeyOps binds hashmap key hashing/equality to this heap's string
// objects: keys compare by content, with the cached per-string hash
// (HashString, computed once in NewString) as a cheap pre-filter.
func (h *Heap) stringKeyOps() (hashmap.KeyHash, hashmap.KeyEqual) {
	hash := func(k arena.Address) uint32 { return h.StringHash(k) }
	equal := func(a, b arena.Address) bool {
		if a == b {
			return true
		}
		return h.StringText(a) == h.StringText(b)
	}
	return hash, equal
}

// NewHeap creates a heap over an existing arena.
func NewHeap(a *arena.Arena) *Heap {
	return &Heap{
		Arena:          a,
		Head:           arena.Null,
		classMethods:   make(map[arena.Address]*hashmap.Map),
		instanceFields: make(map[arena.Address]*hashmap.Map),
		natives:        make(map[uint32]NativeFunc),
	}
}

func (h *Heap) alloc(size int) (arena.Address, bool) {
	if h.GCAlloc != nil {
		return h.GCAlloc(size)
	}
	return h.Arena.Alloc(size)
}

func (h *Heap) link(obj arena.Address, tag ObjType) {
	h.Arena.WriteU8(obj+hdrTag, byte(tag))
	h.Arena.WriteBool(obj+hdrMarked, false)
	h.Arena.WriteAddress(obj+hdrNext, h.Head)
	h.Head = obj
}

// Type returns the tag of the object at addr.
func (h *Heap) Type(addr arena.Address) ObjType {
	return ObjType(h.Arena.ReadU8(addr + hdrTag))
}

func (h *Heap) Marked(addr arena.Address) bool {
	return h.Arena.ReadBool(addr + hdrMarked)
}

func (h *Heap) SetMarked(addr arena.Address, m bool) {
	h.Arena.WriteBool(addr+hdrMarked, m)
}

func (h *Heap) Next(addr arena.Address) arena.Address {
	return h.Arena.ReadAddress(addr + hdrNext)
}

func (h *Heap) SetNext(addr arena.Address, next arena.Address) {
	h.Arena.WriteAddress(addr+hdrNext, next)
}

// --- String ---

const (
	strLen  = headerSize + 0
	strHash = headerSize + 4
	strData = headerSize + 8
)

// NewString allocates a string object holding a copy of s.
func (h *Heap) NewString(s string) (arena.Address, error) {
	size := headerSize + 4 + 4 + len(s) + 1
	addr, ok := h.alloc(size)
	if !ok {
		return arena.Null, fmlerr.New(fmlerr.Exhaustion, "out of memory allocating string of %d bytes", len(s))
	}
	h.link(addr, ObjString)
	h.Arena.WriteU32(addr+strLen, uint32(len(s)))
	h.Arena.WriteU32(addr+strHash, HashString(s))
	copy(h.Arena.Bytes(addr+strData, len(s)), s)
	h.Arena.WriteU8(addr+strData+arena.Address(len(s)), 0)
	return addr, nil
}

func (h *Heap) StringLen(addr arena.Address) int {
	return int(h.Arena.ReadU32(addr + strLen))
}

func (h *Heap) StringHash(addr arena.Address) uint32 {
	return h.Arena.ReadU32(addr + strHash)
}

func (h *Heap) StringText(addr arena.Address) string {
	n := h.StringLen(addr)
	return string(h.Arena.Bytes(addr+strData, n))
}

// HashString is the djb2 hash used throughout the runtime (constant-pool
// string interning, hash map probing).
func HashString(s string) uint32 {
	var hash uint32 = 5381
	for i := 0; i < len(s); i++ {
		hash = hash*33 + uint32(s[i])
	}
	return hash
}

// --- Function descriptor ---

const (
	funName  = headerSize + 0
	funArity = headerSize + 2
	funLocal = headerSize + 3
	funEntry = headerSize + 5
	funLen   = headerSize + 9
	funSize  = headerSize + 13
)

// NewFunction allocates a function descriptor. name is the constant-pool
// index of the function's name string.
func (h *Heap) NewFunction(name uint16, arity uint8, locals uint16, entry uint32, length uint32) (arena.Address, error) {
	addr, ok := h.alloc(funSize)
	if !ok {
		return arena.Null, fmlerr.New(fmlerr.Exhaustion, "out of memory allocating function descriptor")
	}
	h.link(addr, ObjFunction)
	h.Arena.WriteU16(addr+funName, name)
	h.Arena.WriteU8(addr+funArity, arity)
	h.Arena.WriteU16(addr+funLocal, locals)
	h.Arena.WriteU32(addr+funEntry, entry)
	h.Arena.WriteU32(addr+funLen, length)
	return addr, nil
}

func (h *Heap) FunctionName(addr arena.Address) uint16  { return h.Arena.ReadU16(addr + funName) }
func (h *Heap) FunctionArity(addr arena.Address) uint8   { return h.Arena.ReadU8(addr + funArity) }
func (h *Heap) FunctionLocals(addr arena.Address) uint16 { return h.Arena.ReadU16(addr + funLocal) }
func (h *Heap) FunctionEntry(addr arena.Address) uint32  { return h.Arena.ReadU32(addr + funEntry) }
func (h *Heap) FunctionLength(addr arena.Address) uint32 { return h.Arena.ReadU32(addr + funLen) }

// --- Array ---

const (
	arrSize = headerSize + 0
	arrData = headerSize + 4
)

// NewArray allocates an array of size elements, each initialized to init.
func (h *Heap) NewArray(size int32, init Value) (arena.Address, error) {
	if size < 0 {
		size = 0
	}
	total := headerSize + 4 + int(size)*encodedSize
	addr, ok := h.alloc(total)
	if !ok {
		return arena.Null, fmlerr.New(fmlerr.Exhaustion, "out of memory allocating array of %d elements", size)
	}
	h.link(addr, ObjArray)
	h.Arena.WriteU32(addr+arrSize, uint32(size))
	for i := int32(0); i < size; i++ {
		encodeValue(h.Arena, h.arrayElemAddr(addr, i), init)
	}
	return addr, nil
}

func (h *Heap) ArraySize(addr arena.Address) int32 {
	return int32(h.Arena.ReadU32(addr + arrSize))
}

func (h *Heap) arrayElemAddr(addr arena.Address, i int32) arena.Address {
	return addr + arrData + arena.Address(i)*encodedSize
}

func (h *Heap) ArrayGet(addr arena.Address, i int32) Value {
	return decodeValue(h.Arena, h.arrayElemAddr(addr, i))
}

func (h *Heap) ArraySet(addr arena.Address, i int32, v Value) {
	encodeValue(h.Arena, h.arrayElemAddr(addr, i), v)
}

// --- Class ---

const (
	clsSize   = headerSize + 0
	clsFields = headerSize + 2
	clsTotal  = headerSize + 2 + MaxFields*8
)

// NewClass allocates an empty class object. Fields are added with
// AppendField, methods with ClassMethods(addr).Set.
func (h *Heap) NewClass() (arena.Address, error) {
	addr, ok := h.alloc(clsTotal)
	if !ok {
		return arena.Null, fmlerr.New(fmlerr.Exhaustion, "out of memory allocating class")
	}
	h.link(addr, ObjClass)
	h.Arena.WriteU16(addr+clsSize, 0)
	hash, equal := h.stringKeyOps()
	h.classMethods[addr] = hashmap.New(hash, equal)
	return addr, nil
}

func (h *Heap) ClassSize(addr arena.Address) int {
	return int(h.Arena.ReadU16(addr + clsSize))
}

// AppendField appends a field name (a string object address) to the
// class's ordered field array, preserving declaration order.
func (h *Heap) AppendField(addr arena.Address, name arena.Address) error {
	n := h.ClassSize(addr)
	if n >= MaxFields {
		return fmlerr.New(fmlerr.Link, "class exceeds MaxFields (%d)", MaxFields)
	}
	slot := addr + clsFields + arena.Address(n)*8
	h.Arena.WriteAddress(slot, name)
	h.Arena.WriteU16(addr+clsSize, uint16(n+1))
	return nil
}

func (h *Heap) ClassField(addr arena.Address, i int) arena.Address {
	return h.Arena.ReadAddress(addr + clsFields + arena.Address(i)*8)
}

// ClassFields returns the ordered field-name addresses.
func (h *Heap) ClassFields(addr arena.Address) []arena.Address {
	n := h.ClassSize(addr)
	out := make([]arena.Address, n)
	for i := 0; i < n; i++ {
		out[i] = h.ClassField(addr, i)
	}
	return out
}

// ClassMethods returns the class's method table (name string addr -> function Value).
func (h *Heap) ClassMethods(addr arena.Address) *hashmap.Map {
	m := h.classMethods[addr]
	if m == nil {
		hash, equal := h.stringKeyOps()
		m = hashmap.New(hash, equal)
		h.classMethods[addr] = m
	}
	return m
}

// --- Instance ---

const (
	insClass   = headerSize + 0
	insExtends = headerSize + 8
	insTotal   = headerSize + 8 + encodedSize
)

// NewInstance allocates an instance of class with the given parent
// (extends) value. Fields are populated separately via InstanceFields.
func (h *Heap) NewInstance(class arena.Address, extends Value) (arena.Address, error) {
	addr, ok := h.alloc(insTotal)
	if !ok {
		return arena.Null, fmlerr.New(fmlerr.Exhaustion, "out of memory allocating instance")
	}
	h.link(addr, ObjInstance)
	h.Arena.WriteAddress(addr+insClass, class)
	encodeValue(h.Arena, addr+insExtends, extends)
	hash, equal := h.stringKeyOps()
	h.instanceFields[addr] = hashmap.New(hash, equal)
	return addr, nil
}

func (h *Heap) InstanceClass(addr arena.Address) arena.Address {
	return h.Arena.ReadAddress(addr + insClass)
}

func (h *Heap) InstanceExtends(addr arena.Address) Value {
	return decodeValue(h.Arena, addr+insExtends)
}

// InstanceFields returns the instance's field table (field-name string
// addr -> current value).
func (h *Heap) InstanceFields(addr arena.Address) *hashmap.Map {
	m := h.instanceFields[addr]
	if m == nil {
		hash, equal := h.stringKeyOps()
		m = hashmap.New(hash, equal)
		h.instanceFields[addr] = m
	}
	return m
}

// StringKeyOps exposes the content-based key hash/equality used by every
// string-keyed map on this heap, for callers (internal/loader's globals
// table) that build their own hashmap.Map against the same keys.
func (h *Heap) StringKeyOps() (hashmap.KeyHash, hashmap.KeyEqual) {
	return h.stringKeyOps()
}

// --- Slot ---

const slotIndex = headerSize + 0

// NewSlot allocates a slot wrapping a constant-pool string index.
func (h *Heap) NewSlot(index uint16) (arena.Address, error) {
	addr, ok := h.alloc(headerSize + 2)
	if !ok {
		return arena.Null, fmlerr.New(fmlerr.Exhaustion, "out of memory allocating slot")
	}
	h.link(addr, ObjSlot)
	h.Arena.WriteU16(addr+slotIndex, index)
	return addr, nil
}

func (h *Heap) SlotIndex(addr arena.Address) uint16 {
	return h.Arena.ReadU16(addr + slotIndex)
}

// --- Native ---

const nativeID = headerSize + 0

// RegisterNative allocates a native function object wrapping fn.
func (h *Heap) RegisterNative(fn NativeFunc) (arena.Address, error) {
	addr, ok := h.alloc(headerSize + 4)
	if !ok {
		return arena.Null, fmlerr.New(fmlerr.Exhaustion, "out of memory allocating native function")
	}
	h.link(addr, ObjNative)
	id := h.nextNativeID
	h.nextNativeID++
	h.natives[id] = fn
	h.Arena.WriteU32(addr+nativeID, id)
	return addr, nil
}

func (h *Heap) Native(addr arena.Address) NativeFunc {
	return h.natives[h.Arena.ReadU32(addr+nativeID)]
}

// Forget drops an object's out-of-arena side tables. Called by
// internal/gc when an object is swept, so freed classes/instances don't
// keep their method/field tables alive on the Go heap forever.
func (h *Heap) Forget(addr arena.Address) {
	delete(h.classMethods, addr)
	delete(h.instanceFields, addr)
}
