// Package value implements the tagged Value type and the heap object
// model: strings, arrays, classes, instances, slots, function descriptors
// and native functions, all allocated from an internal/arena.Arena.
//
// Every object starts with a common header (type tag, GC mark bit, and an
// intrusive "next allocated" link) so internal/gc can sweep the heap
// without knowing each object's variant in advance.
package value

import "github.com/gregofi/fmlvm/internal/arena"

// Kind discriminates the tagged Value sum.
type Kind byte

const (
	KindNull Kind = iota
	KindInteger
	KindBoolean
	KindObject
)

// Value is the tagged sum Integer(i32) | Boolean(bool) | Null | Object(ref).
// Zero Value is Null, matching a freshly-zeroed locals slot.
type Value struct {
	Kind Kind
	Num  int32
	Bool bool
	Ref  arena.Address
}

func Int(n int32) Value  { return Value{Kind: KindInteger, Num: n} }
func Bool(b bool) Value  { return Value{Kind: KindBoolean, Bool: b} }
func Null() Value        { return Value{Kind: KindNull} }
func Obj(r arena.Address) Value { return Value{Kind: KindObject, Ref: r} }

func (v Value) IsInt() bool    { return v.Kind == KindInteger }
func (v Value) IsBool() bool   { return v.Kind == KindBoolean }
func (v Value) IsNull() bool   { return v.Kind == KindNull }
func (v Value) IsObject() bool { return v.Kind == KindObject }

// Falsy reports whether v counts as false in a BRANCH test: only the
// boolean false and null are falsy, integer zero included everything else
// is truthy.
func (v Value) Falsy() bool {
	return (v.Kind == KindBoolean && !v.Bool) || v.Kind == KindNull
}

// encodedSize is the fixed width of a Value written into arena memory
// (array elements, an instance's extends slot): 1 tag byte + 8 payload bytes,
// wide enough for either an int32, a bool, or an arena.Address.
const encodedSize = 9

func encodeValue(a *arena.Arena, p arena.Address, v Value) {
	a.WriteU8(p, byte(v.Kind))
	switch v.Kind {
	case KindInteger:
		a.WriteI32(p+1, v.Num)
	case KindBoolean:
		a.WriteBool(p+1, v.Bool)
	case KindObject:
		a.WriteAddress(p+1, v.Ref)
	}
}

func decodeValue(a *arena.Arena, p arena.Address) Value {
	kind := Kind(a.ReadU8(p))
	switch kind {
	case KindInteger:
		return Int(a.ReadI32(p + 1))
	case KindBoolean:
		return Bool(a.ReadBool(p + 1))
	case KindObject:
		return Obj(a.ReadAddress(p + 1))
	default:
		return Null()
	}
}
