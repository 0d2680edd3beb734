package value

import (
	"sort"
	"strings"

	"github.com/gregofi/fmlvm/internal/arena"
)

// RenderInstance formats an instance the way the original's print_value
// does: "object(..=parent, field=val, ...)", fields in lexicographic
// order, the "..=parent" clause omitted when extends is null. render
// supplies the textual form of a nested Value (including, recursively,
// nested instances) so this package doesn't need to know about PRINT's
// format-string grammar or the VM that drives it.
func (h *Heap) RenderInstance(addr arena.Address, render func(Value) string) string {
	class := h.InstanceClass(addr)
	fieldAddrs := h.ClassFields(class)
	type fieldEntry struct {
		name string
		addr arena.Address
	}
	entries := make([]fieldEntry, len(fieldAddrs))
	for i, fa := range fieldAddrs {
		entries[i] = fieldEntry{name: h.StringText(fa), addr: fa}
	}
	sort.Slice(entries, func(i, j int) bool { return entries[i].name < entries[j].name })

	var b strings.Builder
	b.WriteString("object(")
	extends := h.InstanceExtends(addr)
	if !extends.IsNull() {
		b.WriteString("..=")
		b.WriteString(render(extends))
		if len(entries) != 0 {
			b.WriteString(", ")
		}
	}
	fields := h.InstanceFields(addr)
	for i, e := range entries {
		if i > 0 {
			b.WriteString(", ")
		}
		b.WriteString(e.name)
		b.WriteByte('=')
		v, _ := fields.Get(e.addr)
		b.WriteString(render(v.(Value)))
	}
	b.WriteByte(')')
	return b.String()
}
