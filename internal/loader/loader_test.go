package loader

import (
	"encoding/binary"
	"testing"

	"github.com/gregofi/fmlvm/internal/arena"
	"github.com/gregofi/fmlvm/internal/bytecode"
	"github.com/gregofi/fmlvm/internal/fmlerr"
	"github.com/gregofi/fmlvm/internal/value"
)

func newTestHeap(t *testing.T) *value.Heap {
	t.Helper()
	a, err := arena.New(1 << 20)
	if err != nil {
		t.Fatalf("arena.New: %v", err)
	}
	t.Cleanup(func() { a.Close() })
	return value.NewHeap(a)
}

func u16le(v uint16) []byte {
	b := make([]byte, 2)
	binary.LittleEndian.PutUint16(b, v)
	return b
}

func u32le(v uint32) []byte {
	b := make([]byte, 4)
	binary.LittleEndian.PutUint32(b, v)
	return b
}

// --- file-encoded instructions, as translateInstruction expects to read them ---

func insSimple(op bytecode.Op) []byte { return []byte{byte(op)} }

func insOperand16(op bytecode.Op, operand uint16) []byte {
	return append([]byte{byte(op)}, u16le(operand)...)
}

func insIdxArgc(op bytecode.Op, idx uint16, argc uint8) []byte {
	return append(append([]byte{byte(op)}, u16le(idx)...), argc)
}

func insLabel(nameIdx uint16) []byte {
	return append([]byte{byte(bytecode.OpLabel)}, u16le(nameIdx)...)
}

func insJump(op bytecode.Op, nameIdx uint16) []byte {
	return append(append([]byte{byte(op)}, u16le(nameIdx)...), 0)
}

// --- constant-pool encoders, matching decodeConstant's expected layout ---

func cInt(n int32) []byte {
	b := []byte{tagInteger}
	v := make([]byte, 4)
	binary.LittleEndian.PutUint32(v, uint32(n))
	return append(b, v...)
}

func cNull() []byte { return []byte{tagNull} }

func cBool(v bool) []byte {
	b := byte(0)
	if v {
		b = 1
	}
	return []byte{tagBoolean, b}
}

func cString(s string) []byte {
	b := []byte{tagString}
	b = append(b, u32le(uint32(len(s)))...)
	return append(b, []byte(s)...)
}

func cSlot(nameIdx uint16) []byte {
	return append([]byte{tagSlot}, u16le(nameIdx)...)
}

func cClass(members []uint16) []byte {
	b := []byte{tagClass}
	b = append(b, u16le(uint16(len(members)))...)
	for _, m := range members {
		b = append(b, u16le(m)...)
	}
	return b
}

func cMethod(name uint16, arity uint8, locals uint16, instrs ...[]byte) []byte {
	b := []byte{tagMethod}
	b = append(b, u16le(name)...)
	b = append(b, arity)
	b = append(b, u16le(locals)...)
	b = append(b, u32le(uint32(len(instrs)))...)
	for _, ins := range instrs {
		b = append(b, ins...)
	}
	return b
}

// buildFile assembles a full loader input: constant pool, globals list, and
// entry point index, in the on-disk layout Load expects.
func buildFile(pool [][]byte, globals []uint16, entryIdx uint16) []byte {
	var out []byte
	out = append(out, u16le(uint16(len(pool)))...)
	for _, c := range pool {
		out = append(out, c...)
	}
	out = append(out, u16le(uint16(len(globals)))...)
	for _, g := range globals {
		out = append(out, u16le(g)...)
	}
	out = append(out, u16le(entryIdx)...)
	return out
}

func TestLoadHelloProgram(t *testing.T) {
	h := newTestHeap(t)
	pool := [][]byte{
		cString("main"),            // 0: method name
		cString("Hello, World!\n"), // 1: PRINT format
		cMethod(0, 0, 0,
			insOperand16(bytecode.OpLiteral, 1),
			insIdxArgc(bytecode.OpPrint, 1, 0),
			insSimple(bytecode.OpReturn),
		), // 2: entry method
	}
	data := buildFile(pool, nil, 2)

	res, err := Load(data, h)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if len(res.Chunk.Pool) != 3 {
		t.Fatalf("Pool length = %d, want 3", len(res.Chunk.Pool))
	}
	if res.Chunk.EntryPoint != 0 {
		t.Fatalf("EntryPoint = %d, want 0", res.Chunk.EntryPoint)
	}
	wantCodeLen := 3 + 4 + 1 // LITERAL(3) + PRINT(4) + RETURN(1)
	if len(res.Chunk.Code) != wantCodeLen {
		t.Fatalf("Code length = %d, want %d", len(res.Chunk.Code), wantCodeLen)
	}
	// "main" is a free method (no class claims it), so it is promoted to
	// the globals table same as any other top-level function.
	if res.Globals.Len() != 1 {
		t.Fatalf("Globals.Len() = %d, want 1", res.Globals.Len())
	}
	mainName := res.Chunk.Pool[0].Ref
	if v, ok := res.Globals.Get(mainName); !ok || !v.(value.Value).IsObject() {
		t.Fatalf("Globals[main] = (%v, %v), want the function object", v, ok)
	}

	fnVal := res.Chunk.Pool[2]
	if !fnVal.IsObject() || h.Type(fnVal.Ref) != value.ObjFunction {
		t.Fatal("pool[2] is not the decoded function")
	}
	if h.FunctionArity(fnVal.Ref) != 0 || h.FunctionLocals(fnVal.Ref) != 0 {
		t.Fatal("function arity/locals decoded incorrectly")
	}
}

// TestLoadGlobalsPromotesFunctionsAndSlots exercises the real globals-pending
// algorithm: every method/slot constant that no class's member list claims
// is promoted into the globals table, regardless of what the file's own
// (and otherwise unconsulted) globals_count/index section says.
func TestLoadGlobalsPromotesFunctionsAndSlots(t *testing.T) {
	h := newTestHeap(t)
	pool := [][]byte{
		cString("counter"),                             // 0
		cSlot(0),                                        // 1: free slot named "counter"
		cString("main"),                                 // 2
		cMethod(2, 0, 0, insSimple(bytecode.OpReturn)), // 3
	}
	// The wire-format globals list is deliberately empty here: promotion
	// must not depend on it at all.
	data := buildFile(pool, nil, 3)

	res, err := Load(data, h)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if res.Globals.Len() != 2 {
		t.Fatalf("Globals.Len() = %d, want 2", res.Globals.Len())
	}

	counterName := res.Chunk.Pool[0].Ref
	if v, ok := res.Globals.Get(counterName); !ok || v.(value.Value) != value.Null() {
		t.Fatalf("Globals[counter] = (%v, %v), want (Null, true)", v, ok)
	}

	mainName := res.Chunk.Pool[2].Ref
	if v, ok := res.Globals.Get(mainName); !ok || !v.(value.Value).IsObject() {
		t.Fatalf("Globals[main] = (%v, %v), want the function object", v, ok)
	}
}

// TestLoadGlobalsExcludesClassOwnedMembers reproduces the bug the wire-list
// approach had: a class-owned slot whose pool index also happens to appear
// in the file's globals_count/index list (which real encoders/decoders
// never actually keep in sync with class membership, since the serializer
// never reads it back) must not leak into the globals map.
func TestLoadGlobalsExcludesClassOwnedMembers(t *testing.T) {
	h := newTestHeap(t)
	pool := [][]byte{
		cString("counter"),                             // 0
		cSlot(0),                                        // 1: free slot, promoted
		cString("x"),                                    // 2: field name
		cSlot(2),                                        // 3: field slot, claimed below
		cClass([]uint16{3}),                             // 4: class owning field 3
		cString("main"),                                 // 5
		cMethod(5, 0, 0, insSimple(bytecode.OpReturn)), // 6
	}
	// Index 3 (the class-owned slot) is listed in the wire globals section
	// too; buildGlobals must ignore that and exclude it anyway.
	data := buildFile(pool, []uint16{1, 3}, 6)

	res, err := Load(data, h)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if res.Globals.Len() != 2 {
		t.Fatalf("Globals.Len() = %d, want 2 (counter, main)", res.Globals.Len())
	}

	counterName := res.Chunk.Pool[0].Ref
	if _, ok := res.Globals.Get(counterName); !ok {
		t.Fatal("Globals missing free slot \"counter\"")
	}
	mainName := res.Chunk.Pool[5].Ref
	if _, ok := res.Globals.Get(mainName); !ok {
		t.Fatal("Globals missing free function \"main\"")
	}
	fieldName := res.Chunk.Pool[2].Ref
	if _, ok := res.Globals.Get(fieldName); ok {
		t.Fatal("Globals leaked class-owned field \"x\"")
	}
}

func TestLoadJumpPatchingForwardLabel(t *testing.T) {
	h := newTestHeap(t)
	pool := [][]byte{
		cString("main"),  // 0
		cString("skip"),  // 1: label name
		cMethod(0, 0, 0,
			insJump(bytecode.OpJump, 1),
			insSimple(bytecode.OpDrop), // skipped over, padding
			insLabel(1),
			insSimple(bytecode.OpReturn),
		), // 2
	}
	data := buildFile(pool, nil, 2)

	res, err := Load(data, h)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	// JUMP(4) DROP(1) LABEL(3) RETURN(1): label lands at offset 5.
	wantLabelOffset := 4 + 1
	jumpTarget := int(res.Chunk.Code[1])<<16 | int(res.Chunk.Code[2])<<8 | int(res.Chunk.Code[3])
	if jumpTarget != wantLabelOffset {
		t.Fatalf("patched jump target = %d, want %d", jumpTarget, wantLabelOffset)
	}
}

func TestLoadJumpPatchingBackwardLabel(t *testing.T) {
	h := newTestHeap(t)
	pool := [][]byte{
		cString("main"), // 0
		cString("top"),  // 1
		cMethod(0, 0, 0,
			insLabel(1),
			insSimple(bytecode.OpDrop),
			insJump(bytecode.OpJump, 1),
			insSimple(bytecode.OpReturn),
		), // 2
	}
	data := buildFile(pool, nil, 2)

	res, err := Load(data, h)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	// LABEL at offset 0; JUMP's operand starts at offset (3+1)+1 = 5.
	jumpOperandOffset := 3 + 1 + 1
	jumpTarget := int(res.Chunk.Code[jumpOperandOffset])<<16 |
		int(res.Chunk.Code[jumpOperandOffset+1])<<8 | int(res.Chunk.Code[jumpOperandOffset+2])
	if jumpTarget != 0 {
		t.Fatalf("patched backward jump target = %d, want 0", jumpTarget)
	}
}

func TestLoadEntryPointOutOfRangeIsLinkError(t *testing.T) {
	h := newTestHeap(t)
	pool := [][]byte{cInt(1)}
	data := buildFile(pool, nil, 5)

	_, err := Load(data, h)
	assertFmlerrKind(t, err, fmlerr.Link)
}

func TestLoadEntryPointNotAFunctionIsLinkError(t *testing.T) {
	h := newTestHeap(t)
	pool := [][]byte{cInt(42)}
	data := buildFile(pool, nil, 0)

	_, err := Load(data, h)
	assertFmlerrKind(t, err, fmlerr.Link)
}

func TestLoadUnresolvedJumpLabelIsDecodeError(t *testing.T) {
	h := newTestHeap(t)
	pool := [][]byte{
		cString("main"),
		cString("nowhere"),
		cMethod(0, 0, 0,
			insJump(bytecode.OpJump, 1),
			insSimple(bytecode.OpReturn),
		),
	}
	data := buildFile(pool, nil, 2)

	_, err := Load(data, h)
	assertFmlerrKind(t, err, fmlerr.Decode)
}

func TestLoadClassMembers(t *testing.T) {
	h := newTestHeap(t)
	pool := [][]byte{
		cString("x"),                                     // 0: field name
		cSlot(0),                                          // 1: field slot
		cString("greet"),                                  // 2: method name
		cMethod(2, 0, 0, insSimple(bytecode.OpReturn)),    // 3: method
		cClass([]uint16{1, 3}),                             // 4: class with one field, one method
		cString("main"),                                   // 5
		cMethod(5, 0, 0, insSimple(bytecode.OpReturn)),    // 6: entry
	}
	data := buildFile(pool, nil, 6)

	res, err := Load(data, h)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	clsAddr := res.Chunk.Pool[4].Ref
	fields := h.ClassFields(clsAddr)
	if len(fields) != 1 || fields[0] != res.Chunk.Pool[0].Ref {
		t.Fatalf("ClassFields = %v, want [%v]", fields, res.Chunk.Pool[0].Ref)
	}
	methodName := res.Chunk.Pool[2].Ref
	if v, ok := h.ClassMethods(clsAddr).Get(methodName); !ok || v.(value.Value) != res.Chunk.Pool[3] {
		t.Fatalf("ClassMethods.Get(greet) = (%v, %v), want method constant", v, ok)
	}

	// Neither the field nor the method the class claims should leak into
	// the globals table; only the unclaimed entry point should.
	fieldName := res.Chunk.Pool[0].Ref
	if _, ok := res.Globals.Get(fieldName); ok {
		t.Fatal("Globals leaked class-owned field \"x\"")
	}
	if _, ok := res.Globals.Get(methodName); ok {
		t.Fatal("Globals leaked class-owned method \"greet\"")
	}
	entryName := res.Chunk.Pool[5].Ref
	if _, ok := res.Globals.Get(entryName); !ok {
		t.Fatal("Globals missing free entry function \"main\"")
	}
}

func assertFmlerrKind(t *testing.T, err error, want fmlerr.Kind) {
	t.Helper()
	if err == nil {
		t.Fatalf("Load returned nil error, want a %s error", want)
	}
	fe, ok := err.(*fmlerr.Error)
	if !ok {
		t.Fatalf("Load returned %v (%T), want a *fmlerr.Error", err, err)
	}
	if fe.Kind != want {
		t.Fatalf("error kind = %s, want %s", fe.Kind, want)
	}
}
