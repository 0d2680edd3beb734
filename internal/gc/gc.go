// Package gc implements the mark-and-sweep collector that reclaims
// internal/value objects once internal/arena can no longer satisfy an
// allocation.
//
// The mark phase keeps its gray worklist as a plain Go slice on the
// collector, not inside the managed arena — mirroring the original's use
// of the system allocator for the gray stack, so collection itself never
// needs to allocate from the heap it is trying to free space in. Sweep
// walks the heap's intrusive "all objects" list exactly once per
// collection.
package gc

import (
	"fmt"
	"io"

	"github.com/gregofi/fmlvm/internal/arena"
	"github.com/gregofi/fmlvm/internal/value"
)

// RootFunc returns every Value currently reachable as a root: the operand
// stack, every call frame's locals, the globals table, and the constant
// pool. internal/interp supplies this closure once, at VM construction.
type RootFunc func() []value.Value

// GC ties a Heap to its root provider and installs itself as the heap's
// allocation strategy, so every value.Heap constructor call runs GC-aware
// allocation without the value package needing to know about collection.
type GC struct {
	Heap  *value.Heap
	Roots RootFunc

	// Stress, when true, forces a collection before every allocation
	// (spec's exhaustive-GC testing mode).
	Stress bool

	// Log receives one line per collection when non-nil (wired to the
	// --heap-log CLI flag).
	Log io.Writer

	gray       []arena.Address
	collected  int
	freedTotal int
}

// New creates a collector over h and wires h.GCAlloc to it.
func New(h *value.Heap, roots RootFunc) *GC {
	g := &GC{Heap: h, Roots: roots}
	h.GCAlloc = g.allocWithGC
	return g
}

// Collections returns how many collections have run so far.
func (g *GC) Collections() int { return g.collected }

func (g *GC) allocWithGC(n int) (arena.Address, bool) {
	if g.Stress {
		g.Collect()
	}
	if p, ok := g.Heap.Arena.Alloc(n); ok {
		return p, true
	}
	g.Collect()
	return g.Heap.Arena.Alloc(n)
}

func (g *GC) mark(v value.Value) {
	if v.Kind != value.KindObject || v.Ref == arena.Null {
		return
	}
	if g.Heap.Marked(v.Ref) {
		return
	}
	g.Heap.SetMarked(v.Ref, true)
	g.gray = append(g.gray, v.Ref)
}

// Collect runs one full mark-and-sweep pass.
func (g *GC) Collect() {
	g.collected++

	for p := g.Heap.Head; p != arena.Null; p = g.Heap.Next(p) {
		g.Heap.SetMarked(p, false)
	}

	g.gray = g.gray[:0]
	for _, root := range g.Roots() {
		g.mark(root)
	}
	for len(g.gray) > 0 {
		addr := g.gray[len(g.gray)-1]
		g.gray = g.gray[:len(g.gray)-1]
		for _, child := range g.Heap.Children(addr) {
			g.mark(child)
		}
	}

	var prev arena.Address = arena.Null
	cur := g.Heap.Head
	freed, live := 0, 0
	for cur != arena.Null {
		next := g.Heap.Next(cur)
		if !g.Heap.Marked(cur) {
			if prev == arena.Null {
				g.Heap.Head = next
			} else {
				g.Heap.SetNext(prev, next)
			}
			g.Heap.Forget(cur)
			g.Heap.Arena.Free(cur)
			freed++
		} else {
			prev = cur
			live++
		}
		cur = next
	}
	g.freedTotal += freed

	if g.Log != nil {
		fmt.Fprintf(g.Log, "gc #%d: freed %d, live %d, arena blocks %d\n",
			g.collected, freed, live, g.Heap.Arena.LiveBlocks())
	}
}
