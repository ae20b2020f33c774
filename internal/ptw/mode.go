// Package ptw implements the generic multi-level page-table walker
// parameterised by a mode descriptor, the two-stage translate
// entry point that composes a VS-stage and a G-stage walk, and the
// access check that turns a pair of walk outputs into a pass/fail
// permission decision.
//
// Grounded on the Sv39/Sv48 page-table walk in the reference RV64
// MMU (VPN extraction per level, PTE validity and reserved-bit
// checks, leaf detection via R|W|X, misaligned-superpage rejection),
// generalised here into a mode descriptor so the same walker code
// serves both the ordinary VS-stage Sv39 table and the wider,
// unsigned Sv39x4 G-stage table.
package ptw

import "github.com/dramforever/opensbi-h/internal/riscv"

// Memory is the physical-address space the walker loads page-table
// entries from. It models the machine-mode load the real firmware
// performs with MSTATUS.MPP temporarily raised so the PMP unit
// applies the S-mode read-permission check; this emulation has no
// PMP of its own; a Memory implementation that wants that policy
// enforces it and returns ok=false on denial.
type Memory interface {
	ReadPTE(pa uint64) (pte uint64, ok bool)
}

// LoadPTEFunc loads the page-table entry at node+index*PTESize,
// reporting a trap on failure.
type LoadPTEFunc func(node uint64, index uint64, csr CSRs) (pte uint64, trap *Trap)

// CSRs is the immutable {vsatp, hgatp} input to a walk.
type CSRs struct {
	Vsatp uint64
	Hgatp uint64
}

// Trap carries the trap-redirection fields a failed walk step
// populates; translate() and check_access() may further rewrite
// Cause before it reaches the caller.
type Trap struct {
	Cause uint64
	Tval  uint64
	Tval2 uint64
	Tinst uint64
}

func (t *Trap) Error() string { return "ptw: page fault" }

// Mode is an immutable descriptor for one page-table format: Sv39
// (signed 39-bit VA, 3 levels of 9 bits) or Sv39x4 (unsigned 41-bit
// GPA, top level widened to 11 bits for the x4 G-stage root).
type Mode struct {
	LoadPTE    LoadPTEFunc
	AddrSigned bool

	// Parts is little-endian: Parts[0] is the page-offset width,
	// Parts[1:] are the level-0..N-1 index widths, in walk order
	// from least to most significant.
	Parts []int
}

// Sv39 describes the ordinary VS-stage first-stage format.
func Sv39(loader LoadPTEFunc) Mode {
	return Mode{LoadPTE: loader, AddrSigned: true, Parts: []int{12, 9, 9, 9}}
}

// Sv39x4 describes the G-stage second-stage format: like Sv39 but
// unsigned and with an 11-bit (rather than 9-bit) top-level index,
// giving a 2-bit-wider (x4) root that needs no ASID/VMID-style
// canonicality check.
func Sv39x4(loader LoadPTEFunc) Mode {
	return Mode{LoadPTE: loader, AddrSigned: false, Parts: []int{12, 9, 9, 11}}
}

// levels returns the number of page-table levels (Parts minus the
// page-offset entry).
func (m Mode) levels() int { return len(m.Parts) - 1 }

// vaBits returns the total address width W this mode validates an
// input address against.
func (m Mode) vaBits() int {
	w := 0
	for _, p := range m.Parts {
		w += p
	}
	return w
}

// Index extracts the index bits for the given level (0 = lowest,
// closest to the page offset) out of addr.
func (m Mode) Index(addr uint64, level int) uint64 {
	shift := m.Parts[0]
	for i := 1; i <= level; i++ {
		shift += m.Parts[i]
	}
	width := m.Parts[level+1]
	mask := uint64(1)<<width - 1
	return (addr >> shift) & mask
}

// LeafShift returns the bit shift of the PPN field a leaf at the
// given level occupies, i.e. the size of the page that level's leaf
// covers.
func (m Mode) LeafShift(level int) int {
	shift := m.Parts[0]
	for i := 1; i <= level; i++ {
		shift += m.Parts[i]
	}
	return shift
}

// validAddr checks addr against the mode's canonicality rule: signed
// modes require the bits above vaBits()-1 to be a sign-extension of
// bit vaBits()-1; unsigned modes require them to be zero.
func (m Mode) validAddr(addr uint64) bool {
	w := m.vaBits()
	if w >= 64 {
		return true
	}
	if m.AddrSigned {
		high := addr >> (w - 1)
		return high == 0 || high == ^uint64(0)>>(w-1)
	}
	// Unsigned (G-stage) addresses occupy the full w-bit range, so bit
	// w-1 itself is a legal value bit; only bits at or above w must be
	// zero.
	return addr>>w == 0
}

// pageFaultFor maps an access kind to its access-specific ordinary
// page-fault cause (Insn/Store/LoadPageFault), so callers name the
// access explicitly rather than hardcoding CauseLoadPageFault the way
// a naive generic walker would.
func pageFaultFor(access Access) uint64 {
	switch access {
	case AccessExecute:
		return riscv.CauseInsnPageFault
	case AccessWrite:
		return riscv.CauseStorePageFault
	default:
		return riscv.CauseLoadPageFault
	}
}

// Access identifies the kind of memory access a translation serves.
type Access int

const (
	AccessRead Access = iota
	AccessWrite
	AccessExecute
)
