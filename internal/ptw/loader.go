package ptw

import "github.com/dramforever/opensbi-h/internal/riscv"

// PALoader builds a LoadPTEFunc for the G-stage walk: the node
// address is already a host physical address, so it performs the
// machine-mode load directly (the real firmware raises MSTATUS.MPP
// for the duration so the PMP honours the S-mode read-permission
// check; mem is expected to apply whatever access policy it needs
// and report failure via ok=false).
func PALoader(mem Memory) LoadPTEFunc {
	return func(node uint64, index uint64, _ CSRs) (uint64, *Trap) {
		addr := node + index*riscv.PTESize
		pte, ok := mem.ReadPTE(addr)
		if !ok {
			return 0, &Trap{Cause: riscv.CauseLoadAccessFault, Tval: addr}
		}
		return pte, nil
	}
}

// GStageWalker is the subset of gstage translation GPALoader needs:
// translating a guest-physical address through the G-stage table.
type GStageWalker func(gpa uint64, csr CSRs) (Output, *Trap)

// GPALoader builds a LoadPTEFunc for the VS-stage walk: the node
// address is a guest-physical address, so it first recursively walks
// the G-stage table (via walkG) to translate the PTE's own address,
// then performs the physical load. On failure it sets Tval2 to the
// untranslated GPA and Tinst to the VS_LOAD_PSEUDO marker, matching
// the reference loader's "this fault is on behalf of a VS-stage PTE
// fetch, not the original access" bookkeeping.
func GPALoader(mem Memory, walkG GStageWalker) LoadPTEFunc {
	return func(node uint64, index uint64, csr CSRs) (uint64, *Trap) {
		gpa := node + index*riscv.PTESize
		out, trap := walkG(gpa, csr)
		if trap != nil {
			trap.Tval2 = gpa
			trap.Tinst = VSLoadPseudo
			return 0, trap
		}
		offset := gpa - (out.Base &^ (out.Len - 1))
		pa := out.Base + offset%out.Len
		pte, ok := mem.ReadPTE(pa)
		if !ok {
			return 0, &Trap{Cause: riscv.CauseLoadAccessFault, Tval: gpa, Tval2: gpa, Tinst: VSLoadPseudo}
		}
		return pte, nil
	}
}

// VSLoadPseudo is the synthetic tinst value marking a trap raised
// while the walker was loading a VS-stage PTE through the G-stage,
// rather than servicing the original guest access directly.
const VSLoadPseudo uint64 = 0x2000
