package value

import "github.com/gregofi/fmlvm/internal/arena"

// Children returns every Value directly reachable from the object at addr:
// what internal/gc's blacken step pushes onto its gray worklist. Object
// headers themselves are never returned; callers mark the Values, which in
// turn yields further object addresses for the ones that are KindObject.
func (h *Heap) Children(addr arena.Address) []Value {
	switch h.Type(addr) {
	case ObjArray:
		n := h.ArraySize(addr)
		out := make([]Value, 0, n)
		for i := int32(0); i < n; i++ {
			out = append(out, h.ArrayGet(addr, i))
		}
		return out

	case ObjClass:
		fields := h.ClassFields(addr)
		out := make([]Value, 0, len(fields)+h.ClassMethods(addr).Len()*2)
		for _, f := range fields {
			out = append(out, Obj(f))
		}
		h.ClassMethods(addr).ForEach(func(key arena.Address, v interface{}) {
			out = append(out, Obj(key))
			out = append(out, v.(Value))
		})
		return out

	case ObjInstance:
		out := []Value{Obj(h.InstanceClass(addr)), h.InstanceExtends(addr)}
		h.InstanceFields(addr).ForEach(func(key arena.Address, v interface{}) {
			out = append(out, Obj(key))
			out = append(out, v.(Value))
		})
		return out

	case ObjString, ObjFunction, ObjSlot, ObjNative:
		return nil

	default:
		return nil
	}
}
