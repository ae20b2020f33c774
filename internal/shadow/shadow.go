// Package shadow implements the Shadow-Mapper: it composes a
// VS-stage and a G-stage walk result into one real page-table-entry
// protection value and installs the leaf into a hart's shadow page
// table, allocating interior nodes from that hart's ptarena.Arena.
//
// The shadow table is an Sv39 table, the format the live satp uses
// while V=1, and reuses the PTW package's Sv39 index geometry,
// with PTE layout shared via the riscv package; the arena's
// alloc-before-insert contract (package ptarena) is what makes the
// walk-and-create below allocation-failure-free mid-walk.
package shadow

import (
	"encoding/binary"

	"github.com/dramforever/opensbi-h/internal/ptarena"
	"github.com/dramforever/opensbi-h/internal/ptw"
	"github.com/dramforever/opensbi-h/internal/riscv"
)

// ProtTranslate composes a VS-stage leaf's protection with a
// G-stage leaf's protection into the single real PTE flag value the
// shadow table will carry.
//
// U follows the VS-stage leaf (user vs. supervisor is purely a
// first-stage concept); every other bit is the intersection of the
// two. If the G-stage leaf was not reachable from VS (U=0) or the
// composed result lacks A, the mapping is invalid (returns 0). If D
// is not set, W is cleared so a missing software-managed dirty bit
// degrades the page to read-only rather than granting write access.
func ProtTranslate(vsprot, gprot uint64) uint64 {
	mask := riscv.PTER | riscv.PTEW | riscv.PTEX | riscv.PTEA | riscv.PTED | riscv.PTEU
	composed := (vsprot & gprot & mask &^ riscv.PTEU) | (vsprot & riscv.PTEU)

	if gprot&riscv.PTEU == 0 || composed&riscv.PTEA == 0 {
		return 0
	}
	if composed&riscv.PTED == 0 {
		composed &^= riscv.PTEW
	}
	return composed | riscv.PTEV
}

// levels is the number of levels the shadow table (Sv39) has.
const levels = 3

// PTMap walks the shadow page table rooted at arena.Root(), creating
// missing interior nodes from nodes pre-allocated from arena, and
// writes prot|pa at the leaf for va. Pre-allocating levels-1 nodes
// before any write makes the walk allocation-failure-free partway
// through; any pre-allocated nodes not consumed are returned to the
// arena before PTMap returns.
func PTMap(va uint64, pa uint64, prot uint64, arena *ptarena.Arena) {
	pre := arena.Alloc(levels - 1)
	used := 0

	mode := ptw.Sv39(nil) // only used for its index()/leafShift() geometry
	node := arena.Root()

	for level := levels - 1; level >= 0; level-- {
		index := mode.Index(va, level)
		entry := node
		pteOff := index * riscv.PTESize
		pteBytes := arena.Node(entry)[pteOff : pteOff+riscv.PTESize]
		pte := binary.LittleEndian.Uint64(pteBytes)

		if level == 0 {
			leafPTE := prot | ((pa >> riscv.PageShift) << riscv.PTEPPNShift)
			binary.LittleEndian.PutUint64(pteBytes, leafPTE)
			break
		}

		if pte&riscv.PTEV == 0 {
			child := pre[used]
			used++
			newPTE := (child >> riscv.PageShift) << riscv.PTEPPNShift
			binary.LittleEndian.PutUint64(pteBytes, newPTE|riscv.PTEV)
			node = child
		} else {
			node = (pte >> riscv.PTEPPNShift) << riscv.PageShift
		}
	}

	if used < len(pre) {
		arena.Dealloc(pre[used:])
	}
}
