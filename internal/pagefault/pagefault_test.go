package pagefault

import (
	"encoding/binary"
	"testing"

	"github.com/dramforever/opensbi-h/internal/hext"
	"github.com/dramforever/opensbi-h/internal/ptarena"
	"github.com/dramforever/opensbi-h/internal/ptw"
	"github.com/dramforever/opensbi-h/internal/riscv"
)

// flatMemory is a byte-addressed physical memory backing the
// G-stage page table in these tests, mirroring the flat-slice RAM
// model used throughout the emulator.
type flatMemory struct {
	base uint64
	data []byte
}

func newFlatMemory(base uint64, size int) *flatMemory {
	return &flatMemory{base: base, data: make([]byte, size)}
}

func (m *flatMemory) ReadPTE(pa uint64) (uint64, bool) {
	if pa < m.base || pa+8 > m.base+uint64(len(m.data)) {
		return 0, false
	}
	off := pa - m.base
	return binary.LittleEndian.Uint64(m.data[off : off+8]), true
}

func (m *flatMemory) writePTE(pa uint64, pte uint64) {
	off := pa - m.base
	binary.LittleEndian.PutUint64(m.data[off:off+8], pte)
}

func nonLeafPTE(childPPN uint64) uint64 {
	return (childPPN << riscv.PTEPPNShift) | riscv.PTEV
}

func leafPTE(ppn uint64, flags uint64) uint64 {
	return (ppn << riscv.PTEPPNShift) | flags | riscv.PTEV
}

const (
	gRoot = uint64(0x1000_0000)
	gL1   = uint64(0x1000_1000)
	gL0   = uint64(0x1000_2000)
)

// setupRouter builds a hart whose vsatp stays Bare (so VS-stage is
// the identity synthesis) and whose hgatp points at a fresh 3-level
// G-stage table backed by mem, with no leaf populated yet.
func setupRouter(t *testing.T) (*Router, *flatMemory, *hext.State) {
	t.Helper()
	mem := newFlatMemory(gRoot, 3*0x1000)
	ptMem := make([]byte, 4*ptarena.NodeSize)
	arena, err := ptarena.New(0x9000_0000, ptMem, 4)
	if err != nil {
		t.Fatalf("ptarena.New: %v", err)
	}
	st := hext.New(arena)
	st.Hyp.Hgatp = (riscv.HgatpModeSv39x4 << riscv.SatpModeShift) | (gRoot >> riscv.PageShift)

	r := New(mem, st)
	return r, mem, st
}

// mapGStageLeaf populates the 3-level G-stage table for gva with a
// 4KiB leaf at the given flags, translating 1:1 (gpa == gva).
func mapGStageLeaf(r *Router, mem *flatMemory, gva uint64, flags uint64) {
	idx2 := r.G.Index(gva, 2)
	idx1 := r.G.Index(gva, 1)
	idx0 := r.G.Index(gva, 0)
	mem.writePTE(gRoot+idx2*riscv.PTESize, nonLeafPTE(gL1>>riscv.PageShift))
	mem.writePTE(gL1+idx1*riscv.PTESize, nonLeafPTE(gL0>>riscv.PageShift))
	mem.writePTE(gL0+idx0*riscv.PTESize, leafPTE(gva>>riscv.PageShift, flags))
}

func TestHandleFaultInstallsShadowLeafOnSuccess(t *testing.T) {
	r, mem, _ := setupRouter(t)

	gva := uint64(0x40_0000_1000)
	mapGStageLeaf(r, mem, gva, riscv.PTER|riscv.PTEW|riscv.PTEX|riscv.PTEA|riscv.PTED|riscv.PTEU)

	pa, trap := r.HandleFault(gva, ptw.AccessRead, false, false, false, 0)
	if trap != nil {
		t.Fatalf("unexpected trap: cause=%d", trap.Cause)
	}
	if pa != gva {
		t.Fatalf("pa = 0x%x, want identity-mapped 0x%x", pa, gva)
	}

	// Shadow leaf must now exist at the composed protection. The
	// shadow table is the live Sv39 satp table, so index geometry
	// comes from the Sv39 descriptor r.VS.
	node := r.Arena.Root()
	for level := 2; level >= 0; level-- {
		idx := r.VS.Index(gva, level)
		off := idx * riscv.PTESize
		pte := binary.LittleEndian.Uint64(r.Arena.Node(node)[off : off+riscv.PTESize])
		if pte&riscv.PTEV == 0 {
			t.Fatalf("level %d: shadow PTE not installed", level)
		}
		if level == 0 {
			if pte&riscv.PTER == 0 {
				t.Fatalf("leaf missing R: 0x%x", pte)
			}
			break
		}
		node = (pte >> riscv.PTEPPNShift) << riscv.PageShift
	}
}

func TestHandleFaultGStageNotPresentRedirectsAsGuestPageFault(t *testing.T) {
	r, _, _ := setupRouter(t)

	gva := uint64(0x40_0000_2000) // no PTE written: G-stage V=0 all the way
	_, trap := r.HandleFault(gva, ptw.AccessWrite, false, false, false, 0)
	if trap == nil {
		t.Fatal("expected a trap when the G-stage table has no mapping")
	}
	if trap.Cause != riscv.CauseStoreGuestPageFault {
		t.Fatalf("cause = %d, want CauseStoreGuestPageFault", trap.Cause)
	}
}

func TestHandleFaultGStageUnreachableFromVSRejected(t *testing.T) {
	r, mem, _ := setupRouter(t)

	gva := uint64(0x40_0000_3000)
	// G-stage leaf present but without U: not reachable from VS-stage
	// at all, so check_access must fail as a guest-page-fault.
	mapGStageLeaf(r, mem, gva, riscv.PTER|riscv.PTEW|riscv.PTEX|riscv.PTEA|riscv.PTED)

	_, trap := r.HandleFault(gva, ptw.AccessExecute, false, false, false, 0)
	if trap == nil {
		t.Fatal("expected a trap when G-stage leaf lacks U")
	}
	if trap.Cause != riscv.CauseInsnGuestPageFault {
		t.Fatalf("cause = %d, want CauseInsnGuestPageFault (access-specific)", trap.Cause)
	}
}

func TestErrataCIP453SubstitutesEpcOnFetchFault(t *testing.T) {
	got := errataCIP453(0xdead_beef, 0x8000_1000, true, true)
	if got != 0x8000_1000 {
		t.Fatalf("got 0x%x, want epc substituted", got)
	}
	if got := errataCIP453(0xdead_beef, 0x8000_1000, true, false); got != 0xdead_beef {
		t.Fatalf("errata disabled should leave tval untouched, got 0x%x", got)
	}
	if got := errataCIP453(0xdead_beef, 0x8000_1000, false, true); got != 0xdead_beef {
		t.Fatalf("non-fetch fault should leave tval untouched, got 0x%x", got)
	}
}
