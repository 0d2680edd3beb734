// Package hashmap implements the open-addressed, linear-probed string-keyed
// map used for class method tables, instance field tables, and VM globals.
//
// Unlike the arena-resident objects in internal/value, a Map is plain
// Go-native bookkeeping (see DESIGN.md): keys are arena.Address handles to
// string objects, but the table itself, its entries slice, and its
// tombstones live on the Go heap, the same way the VM's operand stack and
// frame locals do. internal/gc still has to trace through a Map's entries
// when it blackens the class/instance that owns one.
package hashmap

import "github.com/gregofi/fmlvm/internal/arena"

// KeyHash computes a key's hash (djb2 over string content, see
// value.HashString — precomputed and cached on the string object itself).
type KeyHash func(k arena.Address) uint32

// KeyEqual reports whether two key addresses denote equal keys. Keys are
// compared by string content, not by address: two distinct string objects
// holding the same text are the same map key.
type KeyEqual func(a, b arena.Address) bool

type slotState byte

const (
	slotEmpty slotState = iota
	slotFull
	slotGrave // tombstone left by Delete
)

type entry struct {
	state slotState
	key   arena.Address
	hash  uint32
	value interface{}
}

const (
	initialCapacity = 20
	maxLoadFactor   = 0.75
)

// Map is an open-addressed hash table with linear probing and tombstone
// deletion.
type Map struct {
	entries []entry
	count   int // full slots
	used    int // full + grave slots, drives the resize trigger
	hash    KeyHash
	equal   KeyEqual
}

// New creates an empty map using the given key hash/equality functions.
func New(hash KeyHash, equal KeyEqual) *Map {
	return &Map{
		entries: make([]entry, initialCapacity),
		hash:    hash,
		equal:   equal,
	}
}

// Len returns the number of live key/value pairs.
func (m *Map) Len() int { return m.count }

func (m *Map) find(key arena.Address, hash uint32) (idx int, found bool) {
	n := len(m.entries)
	start := int(hash % uint32(n))
	firstGrave := -1
	for i := 0; i < n; i++ {
		slot := (start + i) % n
		e := &m.entries[slot]
		switch e.state {
		case slotEmpty:
			if firstGrave >= 0 {
				return firstGrave, false
			}
			return slot, false
		case slotGrave:
			if firstGrave < 0 {
				firstGrave = slot
			}
		case slotFull:
			if e.hash == hash && m.equal(e.key, key) {
				return slot, true
			}
		}
	}
	if firstGrave >= 0 {
		return firstGrave, false
	}
	return -1, false
}

// Get looks up key, returning (value, true) if present.
func (m *Map) Get(key arena.Address) (interface{}, bool) {
	if len(m.entries) == 0 {
		return nil, false
	}
	idx, found := m.find(key, m.hash(key))
	if !found {
		return nil, false
	}
	return m.entries[idx].value, true
}

// Has reports whether key is present.
func (m *Map) Has(key arena.Address) bool {
	_, ok := m.Get(key)
	return ok
}

// Set inserts or overwrites key's value.
func (m *Map) Set(key arena.Address, value interface{}) {
	if float64(m.used+1) > maxLoadFactor*float64(len(m.entries)) {
		m.grow()
	}
	hash := m.hash(key)
	idx, found := m.find(key, hash)
	e := &m.entries[idx]
	if !found {
		if e.state == slotEmpty {
			m.used++
		}
		m.count++
	}
	e.state = slotFull
	e.key = key
	e.hash = hash
	e.value = value
}

// Delete removes key if present, leaving a tombstone so later probes over
// this slot still find entries that were inserted after a collision.
func (m *Map) Delete(key arena.Address) bool {
	if len(m.entries) == 0 {
		return false
	}
	idx, found := m.find(key, m.hash(key))
	if !found {
		return false
	}
	m.entries[idx] = entry{state: slotGrave}
	m.count--
	return true
}

func (m *Map) grow() {
	old := m.entries
	m.entries = make([]entry, len(old)*2)
	m.count = 0
	m.used = 0
	for _, e := range old {
		if e.state == slotFull {
			m.Set(e.key, e.value)
		}
	}
}

// ForEach calls fn for every live key/value pair. fn must not mutate the
// map.
func (m *Map) ForEach(fn func(key arena.Address, value interface{})) {
	for _, e := range m.entries {
		if e.state == slotFull {
			fn(e.key, e.value)
		}
	}
}
