// Package ptarena implements the per-hart pool of fixed-size
// page-table nodes that backs a hart's shadow page table: a bump
// allocator with a free list, sized to make "allocate, then return
// unused nodes" allocation-failure-free in the steady state, and a
// wholesale flush as the fallback when the pool is exhausted.
//
// Grounded on the flat byte-slice memory region pattern used for the
// emulated RAM backing store, with the same little-endian layout
// convention for the intrusive free-list links.
package ptarena

import (
	"encoding/binary"
	"fmt"
)

const (
	// NodeSize is the size in bytes of one page-table node.
	NodeSize = 4096

	// pteSize is the width of one page-table entry, which is also the
	// width of the free-list link stored in a freed node's first
	// machine word.
	pteSize = 8
)

// Arena is a contiguous region of N page-sized nodes plus the bump
// and free-list bookkeeping that manages them. It is never shared
// across harts.
type Arena struct {
	mem []byte // backing storage, len == (alloc_limit - pt_start in nodes) * NodeSize

	ptStart    uint64 // physical address of node 0 (the root)
	allocTop   uint64 // one-past the highest ever-allocated node
	allocLimit uint64 // one-past the last legal node

	// freeList is the address of the head free node, or 0 (sentinel)
	// when empty. A freed node stores the next pointer (or the
	// sentinel) in its first machine word.
	freeList uint64

	// flushes counts wholesale flushes, exposed for tests and metrics.
	flushes uint64
}

// New creates an Arena backed by mem, which must be exactly nodeCount
// * NodeSize bytes and aligned so that base is a legal physical
// address for the real MMU to walk. base is the physical address
// corresponding to mem[0]; node 0 (the root) is reserved immediately.
func New(base uint64, mem []byte, nodeCount int) (*Arena, error) {
	if len(mem) != nodeCount*NodeSize {
		return nil, fmt.Errorf("ptarena: backing memory is %d bytes, want %d", len(mem), nodeCount*NodeSize)
	}
	if nodeCount < 1 {
		return nil, fmt.Errorf("ptarena: nodeCount must be at least 1 (for the root)")
	}
	a := &Arena{
		mem:        mem,
		ptStart:    base,
		allocTop:   base + NodeSize,
		allocLimit: base + uint64(nodeCount)*NodeSize,
	}
	a.zeroNode(base)
	return a, nil
}

// Root returns the physical address of the (never-freed) root node.
func (a *Arena) Root() uint64 { return a.ptStart }

// Flushes reports how many wholesale flushes have occurred, for tests
// asserting invariant 11 (arena exhaustion flushes exactly once).
func (a *Arena) Flushes() uint64 { return a.flushes }

func (a *Arena) nodeOffset(addr uint64) int {
	return int(addr - a.ptStart)
}

func (a *Arena) zeroNode(addr uint64) {
	off := a.nodeOffset(addr)
	clear(a.mem[off : off+NodeSize])
}

// Node returns the backing bytes for the node at the given physical
// address, for PTE reads/writes by the walker and shadow mapper.
func (a *Arena) Node(addr uint64) []byte {
	off := a.nodeOffset(addr)
	return a.mem[off : off+NodeSize]
}

// Contains reports whether addr falls within this arena's node range
// and is page-aligned.
func (a *Arena) Contains(addr uint64) bool {
	return addr >= a.ptStart && addr < a.allocLimit && addr%NodeSize == 0
}

// Alloc returns n distinct, zeroed, page-aligned node addresses. It
// never fails: if both the free list and the bump cursor are
// exhausted, it performs exactly one wholesale flush (invalidating
// every address previously returned by Alloc) and retries, which is
// guaranteed to succeed because callers never request more than a
// handful of nodes and the arena is sized for the worst case depth.
func (a *Arena) Alloc(n int) []uint64 {
	out, ok := a.tryAlloc(n)
	if ok {
		return out
	}
	a.Flush()
	out, ok = a.tryAlloc(n)
	if !ok {
		panic(fmt.Sprintf("ptarena: alloc(%d) failed even after flush; arena too small", n))
	}
	return out
}

func (a *Arena) tryAlloc(n int) ([]uint64, bool) {
	out := make([]uint64, 0, n)
	// Snapshot state so a partial allocation (free-list exhausted
	// mid-request) can be rolled back cleanly before falling through
	// to the bump cursor.
	savedFreeList := a.freeList
	savedTop := a.allocTop

	for len(out) < n && a.freeList != 0 {
		node := a.freeList
		a.freeList = binary.LittleEndian.Uint64(a.Node(node)[:8])
		out = append(out, node)
	}
	for len(out) < n {
		if a.allocTop >= a.allocLimit {
			a.freeList = savedFreeList
			a.allocTop = savedTop
			return nil, false
		}
		out = append(out, a.allocTop)
		a.allocTop += NodeSize
	}
	for _, addr := range out {
		a.zeroNode(addr)
	}
	return out, true
}

// Dealloc returns nodes to the free list. It never fails.
func (a *Arena) Dealloc(addrs []uint64) {
	for _, addr := range addrs {
		binary.LittleEndian.PutUint64(a.Node(addr)[:8], a.freeList)
		a.freeList = addr
	}
}

// Flush resets alloc_top to root+1, clears the free list, zeroes the
// root node, and bumps the flush counter. Callers are responsible for
// issuing the accompanying local TLB fence; the arena itself has no
// notion of hardware.
func (a *Arena) Flush() {
	a.allocTop = a.ptStart + NodeSize
	a.freeList = 0
	a.zeroNode(a.ptStart)
	a.flushes++
}
