// Package arena implements the buddy allocator that backs every managed
// allocation in the runtime: a single contiguous region, handed out in
// power-of-two blocks, released by address-XOR buddy coalescing.
//
// Unlike the C original this allocator replaces (which keeps its free
// lists and arena pointer in process-wide static state), the state lives
// in an *Arena value that the caller constructs once and threads through
// the VM — see the design note in spec.md §9 on global mutable heap state.
package arena

import (
	"encoding/binary"
	"fmt"

	"golang.org/x/sys/unix"
)

// Address is an offset into the arena. Null is never a valid block
// address: it is negative, and every block (and every payload address
// Alloc returns, which sits headerSize past its block) lies at a
// non-negative offset.
type Address int64

const Null Address = -1

const (
	headerSize = 16 // next(8) + size(4) + magic(4)
	minLevel   = 6  // smallest block is 1<<6 = 64 bytes, matching MIN_BLOCK_SIZE >= 64
	maxLevels  = 48 // enough levels for any arena size we'll realistically mmap
	magicBase  = 0x1510C0DE
	takenBit   = 1
)

// Arena is a buddy allocator over a single mmap'd region.
type Arena struct {
	mem   []byte
	free  [maxLevels]Address
	taken int // live block count, for leak-checking tests
}

// New mmaps an anonymous region of size bytes and carves it into the
// largest power-of-two free blocks that fit, the same "allocate as much as
// possible" strategy as the original heap_init.
func New(size int) (*Arena, error) {
	if size <= 0 {
		return nil, fmt.Errorf("arena: size must be positive, got %d", size)
	}
	mem, err := unix.Mmap(-1, 0, size, unix.PROT_READ|unix.PROT_WRITE, unix.MAP_PRIVATE|unix.MAP_ANONYMOUS)
	if err != nil {
		return nil, fmt.Errorf("arena: mmap %d bytes: %w", size, err)
	}
	a := &Arena{mem: mem}
	for i := range a.free {
		a.free[i] = Null
	}
	a.carve()
	return a, nil
}

// carve fills the arena with the largest power-of-two blocks that fit,
// largest first, same loop shape as heap_init in buddy_alloc.c.
func (a *Arena) carve() {
	off := 0
	for {
		remaining := len(a.mem) - off
		lvl := log2Floor(remaining)
		if lvl < minLevel {
			break
		}
		blockSize := 1 << lvl
		if blockSize > remaining {
			lvl--
			blockSize = 1 << lvl
			if lvl < minLevel {
				break
			}
		}
		a.initBlock(Address(off), lvl)
		a.pushFree(lvl, Address(off))
		off += blockSize
	}
}

func log2Floor(n int) int {
	if n <= 0 {
		return -1
	}
	lvl := 0
	for (1 << (lvl + 1)) <= n {
		lvl++
	}
	return lvl
}

func log2Ceil(n int) int {
	lvl := log2Floor(n)
	if 1<<lvl < n {
		lvl++
	}
	return lvl
}

// Close unmaps the arena. Not nestable, not safe to use after Close.
func (a *Arena) Close() error {
	if a.mem == nil {
		return nil
	}
	err := unix.Munmap(a.mem)
	a.mem = nil
	return err
}

// --- block header access ---

func (a *Arena) readNext(p Address) Address {
	return Address(int64(binary.LittleEndian.Uint64(a.mem[p:])))
}

func (a *Arena) writeNext(p Address, next Address) {
	binary.LittleEndian.PutUint64(a.mem[p:], uint64(int64(next)))
}

func (a *Arena) readSize(p Address) uint32 {
	return binary.LittleEndian.Uint32(a.mem[p+8:])
}

func (a *Arena) writeSize(p Address, size uint32) {
	binary.LittleEndian.PutUint32(a.mem[p+8:], size)
}

func (a *Arena) readMagic(p Address) uint32 {
	return binary.LittleEndian.Uint32(a.mem[p+12:])
}

func (a *Arena) writeMagic(p Address, m uint32) {
	binary.LittleEndian.PutUint32(a.mem[p+12:], m)
}

func (a *Arena) isBlock(p Address) bool {
	if p < 0 || int(p)+headerSize > len(a.mem) {
		return false
	}
	return a.readMagic(p)&^takenBit == magicBase
}

func (a *Arena) isTaken(p Address) bool {
	return a.readMagic(p)&takenBit != 0
}

func (a *Arena) setTaken(p Address, taken bool) {
	m := magicBase
	if taken {
		m |= takenBit
	}
	a.writeMagic(p, uint32(m))
}

// initBlock writes a fresh free-block header of the given level at p.
func (a *Arena) initBlock(p Address, level int) {
	a.writeNext(p, Null)
	a.writeSize(p, uint32((1<<level)-headerSize))
	a.setTaken(p, false)
}

func (a *Arena) pushFree(level int, p Address) {
	a.writeNext(p, a.free[level])
	a.free[level] = p
}

func (a *Arena) popFree(level int) Address {
	p := a.free[level]
	if p == Null {
		return Null
	}
	a.free[level] = a.readNext(p)
	return p
}

func (a *Arena) removeFree(level int, p Address) {
	if a.free[level] == p {
		a.free[level] = a.readNext(p)
		return
	}
	walk := a.free[level]
	for walk != Null {
		next := a.readNext(walk)
		if next == p {
			a.writeNext(walk, a.readNext(p))
			return
		}
		walk = next
	}
}

func (a *Arena) buddyOf(p Address, level int) Address {
	return Address(int64(p) ^ int64(1<<level))
}

// blockLevel returns the level a taken block of this payload size was
// allocated at.
func blockLevel(payload uint32) int {
	return log2Ceil(int(payload) + headerSize)
}

// Alloc returns a block of at least n usable bytes, or (Null, false) if no
// combination of free blocks (after splitting) can satisfy the request —
// the deterministic "cannot satisfy" signal the GC treats as its trigger.
func (a *Arena) Alloc(n int) (Address, bool) {
	if n < 0 {
		n = 0
	}
	want := log2Ceil(n + headerSize)
	if want < minLevel {
		want = minLevel
	}
	if want >= maxLevels {
		return Null, false
	}
	lvl := want
	for lvl < maxLevels && a.free[lvl] == Null {
		lvl++
	}
	if lvl >= maxLevels {
		return Null, false
	}
	block := a.popFree(lvl)
	for lvl > want {
		lvl--
		buddySize := 1 << lvl
		buddy := Address(int64(block) + int64(buddySize))
		a.initBlock(buddy, lvl)
		a.pushFree(lvl, buddy)
	}
	a.setTaken(block, true)
	a.writeSize(block, uint32((1<<want)-headerSize))
	a.taken++
	return block + headerSize, true
}

// Calloc allocates and zeroes n bytes.
func (a *Arena) Calloc(n int) (Address, bool) {
	p, ok := a.Alloc(n)
	if !ok {
		return Null, false
	}
	base := int(p)
	for i := 0; i < n; i++ {
		a.mem[base+i] = 0
	}
	return p, true
}

// Free releases a block previously returned by Alloc. Freeing Null is a
// no-op. Freeing a pointer that isn't a valid, taken block returns false
// without touching the heap.
func (a *Arena) Free(p Address) bool {
	if p == Null {
		return true
	}
	header := p - headerSize
	if !a.isBlock(header) || !a.isTaken(header) {
		return false
	}
	a.setTaken(header, false)
	a.taken--
	a.coalesce(header)
	return true
}

func (a *Arena) coalesce(block Address) {
	level := blockLevel(a.readSize(block))
	for level < maxLevels-1 {
		buddy := a.buddyOf(block, level)
		if !a.isBlock(buddy) || a.isTaken(buddy) {
			break
		}
		if blockLevel(a.readSize(buddy)) != level {
			break
		}
		a.removeFree(level, buddy)
		if buddy < block {
			block = buddy
		}
		level++
		a.initBlock(block, level)
	}
	a.pushFree(level, block)
}

// Realloc resizes a block, copying min(old, new) bytes and freeing the old
// block. A nil-equivalent old address behaves like Alloc.
func (a *Arena) Realloc(p Address, newSize int) (Address, bool) {
	if p == Null {
		return a.Alloc(newSize)
	}
	header := p - headerSize
	oldSize := int(a.readSize(header))
	np, ok := a.Alloc(newSize)
	if !ok {
		return Null, false
	}
	n := oldSize
	if newSize < n {
		n = newSize
	}
	copy(a.mem[np:int(np)+n], a.mem[p:int(p)+n])
	a.Free(p)
	return np, true
}

// LiveBlocks returns the number of currently allocated (taken) blocks.
func (a *Arena) LiveBlocks() int {
	return a.taken
}

// Size returns the usable payload size of the block at p.
func (a *Arena) Size(p Address) int {
	return int(a.readSize(p - headerSize))
}

// --- raw memory access for value headers/payloads ---

func (a *Arena) ReadU8(p Address) byte      { return a.mem[p] }
func (a *Arena) WriteU8(p Address, v byte)  { a.mem[p] = v }
func (a *Arena) ReadBool(p Address) bool    { return a.mem[p] != 0 }
func (a *Arena) WriteBool(p Address, v bool) {
	if v {
		a.mem[p] = 1
	} else {
		a.mem[p] = 0
	}
}

func (a *Arena) ReadU16(p Address) uint16 {
	return binary.LittleEndian.Uint16(a.mem[p:])
}
func (a *Arena) WriteU16(p Address, v uint16) {
	binary.LittleEndian.PutUint16(a.mem[p:], v)
}

func (a *Arena) ReadU32(p Address) uint32 {
	return binary.LittleEndian.Uint32(a.mem[p:])
}
func (a *Arena) WriteU32(p Address, v uint32) {
	binary.LittleEndian.PutUint32(a.mem[p:], v)
}

func (a *Arena) ReadI32(p Address) int32 { return int32(a.ReadU32(p)) }
func (a *Arena) WriteI32(p Address, v int32) {
	a.WriteU32(p, uint32(v))
}

func (a *Arena) ReadAddress(p Address) Address {
	return Address(int64(binary.LittleEndian.Uint64(a.mem[p:])))
}
func (a *Arena) WriteAddress(p Address, v Address) {
	binary.LittleEndian.PutUint64(a.mem[p:], uint64(int64(v)))
}

// Bytes returns a live view of n bytes starting at p, for string payload
// access. Callers must not retain it past the next GC sweep.
func (a *Arena) Bytes(p Address, n int) []byte {
	return a.mem[p : int(p)+n]
}
