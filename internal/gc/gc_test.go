package gc

import (
	"testing"

	"github.com/gregofi/fmlvm/internal/arena"
	"github.com/gregofi/fmlvm/internal/fmlerr"
	"github.com/gregofi/fmlvm/internal/value"
)

func newTestHeap(t *testing.T, size int) (*arena.Arena, *value.Heap) {
	t.Helper()
	a, err := arena.New(size)
	if err != nil {
		t.Fatalf("arena.New: %v", err)
	}
	t.Cleanup(func() { a.Close() })
	return a, value.NewHeap(a)
}

func mustNewString(t *testing.T, h *value.Heap, s string) arena.Address {
	t.Helper()
	addr, err := h.NewString(s)
	if err != nil {
		t.Fatalf("NewString(%q): %v", s, err)
	}
	return addr
}

func mustNewArray(t *testing.T, h *value.Heap, size int32, init value.Value) arena.Address {
	t.Helper()
	addr, err := h.NewArray(size, init)
	if err != nil {
		t.Fatalf("NewArray: %v", err)
	}
	return addr
}

func mustNewClass(t *testing.T, h *value.Heap) arena.Address {
	t.Helper()
	addr, err := h.NewClass()
	if err != nil {
		t.Fatalf("NewClass: %v", err)
	}
	return addr
}

func mustNewInstance(t *testing.T, h *value.Heap, class arena.Address, extends value.Value) arena.Address {
	t.Helper()
	addr, err := h.NewInstance(class, extends)
	if err != nil {
		t.Fatalf("NewInstance: %v", err)
	}
	return addr
}

func mustAppendField(t *testing.T, h *value.Heap, class arena.Address, name arena.Address) {
	t.Helper()
	if err := h.AppendField(class, name); err != nil {
		t.Fatalf("AppendField: %v", err)
	}
}

func TestCollectFreesUnreachable(t *testing.T) {
	_, h := newTestHeap(t, 1<<20)
	var stack []value.Value
	g := New(h, func() []value.Value { return stack })

	reachable := mustNewString(t, h, "kept")
	stack = append(stack, value.Obj(reachable))

	_ = mustNewString(t, h, "garbage") // never rooted

	if got := h.Arena.LiveBlocks(); got != 2 {
		t.Fatalf("LiveBlocks before collect = %d, want 2", got)
	}

	g.Collect()

	if got := h.Arena.LiveBlocks(); got != 1 {
		t.Fatalf("LiveBlocks after collect = %d, want 1 (only the rooted string)", got)
	}
	if h.Head != reachable {
		t.Fatalf("Head = %v, want the surviving string %v", h.Head, reachable)
	}
	if next := h.Next(reachable); next != arena.Null {
		t.Fatalf("surviving object's next = %v, want Null (the only live object)", next)
	}
	if h.StringText(reachable) != "kept" {
		t.Fatal("surviving string content corrupted by collection")
	}
}

func TestCollectTracesThroughObjectGraph(t *testing.T) {
	_, h := newTestHeap(t, 1<<20)
	var stack []value.Value
	g := New(h, func() []value.Value { return stack })

	inner := mustNewString(t, h, "inner")
	arr := mustNewArray(t, h, 1, value.Null())
	h.ArraySet(arr, 0, value.Obj(inner))
	stack = append(stack, value.Obj(arr))

	orphan := mustNewString(t, h, "orphan")

	g.Collect()

	if got := h.Arena.LiveBlocks(); got != 2 {
		t.Fatalf("LiveBlocks after collect = %d, want 2 (array + its traced string)", got)
	}
	if h.ArrayGet(arr, 0) != value.Obj(inner) {
		t.Fatal("array element corrupted by collection")
	}
	if h.StringText(inner) != "inner" {
		t.Fatal("traced string content corrupted by collection")
	}
	_ = orphan
}

func TestCollectKeepsRootsAcrossClassAndInstance(t *testing.T) {
	_, h := newTestHeap(t, 1<<20)
	var stack []value.Value
	g := New(h, func() []value.Value { return stack })

	cls := mustNewClass(t, h)
	fieldName := mustNewString(t, h, "x")
	mustAppendField(t, h, cls, fieldName)
	inst := mustNewInstance(t, h, cls, value.Null())
	h.InstanceFields(inst).Set(fieldName, value.Int(5))

	stack = append(stack, value.Obj(inst))

	g.Collect()

	if h.InstanceClass(inst) != cls {
		t.Fatal("instance's class pointer was collected despite being reachable")
	}
	if v, ok := h.InstanceFields(inst).Get(fieldName); !ok || v.(value.Value) != value.Int(5) {
		t.Fatal("instance field table was lost across collection")
	}
}

func TestCollectRunsRepeatedlyWithoutCorruption(t *testing.T) {
	_, h := newTestHeap(t, 1<<16)
	var stack []value.Value
	g := New(h, func() []value.Value { return stack })

	kept := mustNewString(t, h, "survivor")
	stack = append(stack, value.Obj(kept))

	for i := 0; i < 20; i++ {
		_ = mustNewString(t, h, "scratch")
		g.Collect()
	}

	if g.Collections() != 20 {
		t.Fatalf("Collections() = %d, want 20", g.Collections())
	}
	if got := h.Arena.LiveBlocks(); got != 1 {
		t.Fatalf("LiveBlocks after repeated collection = %d, want 1", got)
	}
	if h.StringText(kept) != "survivor" {
		t.Fatal("long-lived root corrupted across repeated collections")
	}
}

func TestStressModeCollectsOnEveryAllocation(t *testing.T) {
	_, h := newTestHeap(t, 1<<16)
	var stack []value.Value
	g := New(h, func() []value.Value { return stack })
	g.Stress = true

	kept := mustNewString(t, h, "root")
	stack = append(stack, value.Obj(kept))

	for i := 0; i < 10; i++ {
		_ = mustNewString(t, h, "temp")
	}

	if g.Collections() == 0 {
		t.Fatal("Stress mode never triggered a collection")
	}
	if got := h.Arena.LiveBlocks(); got != 2 {
		t.Fatalf("LiveBlocks = %d, want 2 (root + the last temp string)", got)
	}
}

func TestAllocRecoversAfterExhaustionViaCollect(t *testing.T) {
	_, h := newTestHeap(t, 1<<13)
	var stack []value.Value
	g := New(h, func() []value.Value { return stack })

	// Fill the tiny arena with unrooted strings; each subsequent allocation
	// should trigger a collection that reclaims all of them.
	for i := 0; i < 200; i++ {
		if _, err := h.NewString("garbage"); err != nil {
			t.Fatalf("allocation %d failed even after GC-driven reclamation: %v", i, err)
		}
	}
	if g.Collections() == 0 {
		t.Fatal("filling the tiny arena never triggered a collection")
	}
}

// TestAllocFailsWithExhaustionWhenNothingCanBeReclaimed exercises genuine,
// non-recoverable exhaustion: every allocation is rooted, so a GC-triggered
// collection frees nothing and the retry must still fail, surfacing as a
// properly classified fmlerr.Exhaustion error rather than a raw Go panic.
func TestAllocFailsWithExhaustionWhenNothingCanBeReclaimed(t *testing.T) {
	_, h := newTestHeap(t, 1<<10)
	var stack []value.Value
	New(h, func() []value.Value { return stack })

	var err error
	for i := 0; i < 1000; i++ {
		var addr arena.Address
		addr, err = h.NewString("root")
		if err != nil {
			break
		}
		stack = append(stack, value.Obj(addr))
	}
	if err == nil {
		t.Fatal("expected NewString to eventually fail once the rooted arena is full")
	}
	fe, ok := err.(*fmlerr.Error)
	if !ok {
		t.Fatalf("error type = %T, want *fmlerr.Error", err)
	}
	if fe.Kind != fmlerr.Exhaustion {
		t.Fatalf("error kind = %s, want %s", fe.Kind, fmlerr.Exhaustion)
	}
}
