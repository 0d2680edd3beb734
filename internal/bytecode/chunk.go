package bytecode

import "github.com/gregofi/fmlvm/internal/value"

// Chunk is the linked, immutable-after-loading unit the interpreter runs:
// a flat instruction byte array and the constant pool it indexes into.
//
// internal/loader builds a Chunk; internal/interp only ever reads one.
type Chunk struct {
	Code []byte
	Pool []value.Value
	// GlobalNames is the file's own globals_count/index section, parsed to
	// stay aligned with the format but never consulted: the real globals
	// table (internal/loader's buildGlobals) is derived from which pool
	// entries no class claimed as a member, matching the reference
	// serializer, which never reads this list back either.
	GlobalNames []uint16
	// EntryPoint is the absolute byte offset of the entry function's body,
	// as named by the file's entry_point_index constant.
	EntryPoint int
}

// Grow appends data to the instruction stream and returns the offset it was
// written at, mirroring the original write_chunk/chunk.size bookkeeping.
func (c *Chunk) Grow(b ...byte) int {
	off := len(c.Code)
	c.Code = append(c.Code, b...)
	return off
}

// AddConstant appends a value to the pool and returns its index.
func (c *Chunk) AddConstant(v value.Value) uint16 {
	c.Pool = append(c.Pool, v)
	return uint16(len(c.Pool) - 1)
}
