package ptw

import "github.com/dramforever/opensbi-h/internal/riscv"

// Output is the result of a successful walk: a contiguous physical
// range the translated page falls within, plus the raw leaf PTE flag
// bits for the caller to interpret (check_access) or compose
// (prot_translate).
type Output struct {
	Base uint64
	Len  uint64
	Prot uint64 // raw leaf PTE bits, including V/R/W/X/U/G/A/D
}

// Walk runs the generic multi-level walk described by mode starting
// at root for the virtual/guest-physical address addr, using csr as
// the immutable CSR snapshot passed through to the PTE loader.
//
// Algorithm: validate addr against the mode's total VA width, then
// walk from the highest-index level down, loading one PTE per level
// via mode.LoadPTE. A PTE with V=0 is not-present. A PTE with any of
// R|W|X set is a leaf: its PPN alignment against the remaining shift
// must be exact (no misaligned superpages) and it is returned. A PTE
// with none of R|W|X is a non-leaf pointer to the next level down; it
// must not carry A, D, or U (reserved on non-leaves). Reaching level
// 0 without finding a leaf is a fault.
func Walk(addr uint64, root uint64, csr CSRs, mode Mode) (Output, *Trap) {
	if !mode.validAddr(addr) {
		return Output{}, &Trap{Cause: riscv.CauseLoadPageFault, Tval: addr}
	}

	node := root
	for level := mode.levels() - 1; level >= 0; level-- {
		index := mode.Index(addr, level)
		pte, trap := mode.LoadPTE(node, index, csr)
		if trap != nil {
			return Output{}, trap
		}

		if pte&riscv.PTEV == 0 {
			return Output{}, &Trap{Cause: riscv.CauseLoadPageFault, Tval: addr}
		}
		if pte&riscv.PTEReservedHigh != 0 {
			return Output{}, &Trap{Cause: riscv.CauseLoadPageFault, Tval: addr}
		}

		if pte&riscv.PTERWX != 0 {
			// Leaf.
			shift := mode.LeafShift(level)
			ppn := pte >> riscv.PTEPPNShift
			if ppn&((uint64(1)<<(shift-riscv.PageShift))-1) != 0 {
				return Output{}, &Trap{Cause: riscv.CauseLoadPageFault, Tval: addr}
			}
			base := ppn << riscv.PageShift
			return Output{Base: base, Len: uint64(1) << shift, Prot: pte}, nil
		}

		// Non-leaf: A, D, U are reserved.
		if pte&(riscv.PTEA|riscv.PTED|riscv.PTEU) != 0 {
			return Output{}, &Trap{Cause: riscv.CauseLoadPageFault, Tval: addr}
		}
		node = (pte >> riscv.PTEPPNShift) << riscv.PageShift
	}

	return Output{}, &Trap{Cause: riscv.CauseLoadPageFault, Tval: addr}
}
