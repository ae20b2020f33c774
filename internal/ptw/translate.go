package ptw

import "github.com/dramforever/opensbi-h/internal/riscv"

// Result is the pair of walk outputs translate() produces: the
// VS-stage (first-stage) result and the G-stage (second-stage)
// result that together determine the page's composed permission.
type Result struct {
	VS Output
	G  Output
}

// Translate runs the full two-stage translation of a guest virtual
// address gva: VS-stage (if not bare) to a guest-physical address,
// then G-stage to a host-physical address. Translate does not read
// hgatp.MODE: it always walks the G-stage with the g descriptor from
// hgatp's PPN, including when hgatp.MODE is Off.
//
// When vsatp.MODE is Bare, the VS-stage result is synthesised as an
// identity mapping with full permissions (R|W|X|A|D, no U) so the
// G-stage walk below still composes against something.
func Translate(gva uint64, csr CSRs, vs, g Mode) (Result, *Trap) {
	vsatpMode := csr.Vsatp >> riscv.SatpModeShift
	var vsout Output
	var gpa uint64

	if vsatpMode == riscv.SatpModeBare {
		vsout = Output{
			Base: gva &^ riscv.PageMask,
			Len:  riscv.PageSize,
			Prot: riscv.PTER | riscv.PTEW | riscv.PTEX | riscv.PTEA | riscv.PTED,
		}
		gpa = gva
	} else {
		root := (csr.Vsatp & riscv.SatpPPNMask) << riscv.PageShift
		out, trap := Walk(gva, root, csr, vs)
		if trap != nil {
			trap.Tval = gva
			return Result{}, trap
		}
		vsout = out
		offset := gva & (out.Len - 1)
		gpa = out.Base + offset
	}

	groot := (csr.Hgatp & riscv.SatpPPNMask) << riscv.PageShift
	gout, gtrap := Walk(gpa, groot, csr, g)
	if gtrap != nil {
		gtrap.Tval = gva
		gtrap.Tval2 = gpa >> 2
		gtrap.Cause = toGuestPageFault(gtrap.Cause)
		return Result{}, gtrap
	}

	return Result{VS: vsout, G: gout}, nil
}

// toGuestPageFault converts a first-stage page-fault cause to its
// guest-page-fault counterpart, per the macro-expansion pattern the
// reference walker uses to remap CAUSE_LOAD_PAGE_FAULT et al. to
// CAUSE_LOAD_GUEST_PAGE_FAULT and friends.
func toGuestPageFault(cause uint64) uint64 {
	switch cause {
	case riscv.CauseInsnPageFault:
		return riscv.CauseInsnGuestPageFault
	case riscv.CauseStorePageFault:
		return riscv.CauseStoreGuestPageFault
	default:
		return riscv.CauseLoadGuestPageFault
	}
}

// CheckAccess reduces a Result to a pass/fail decision for the given
// access kind, applying the software-managed access/dirty policy:
// effective permission requires A=1, and requires D=1 to keep W.
//
// G-stage has no concept of U/S; every G-stage leaf must carry U=1
// (the "guest-physical address is reachable from VS" marker) and its
// effective permissions must include access, or the check fails as a
// guest-page-fault — per design note (a), this always reports
// CAUSE_LOAD_GUEST_PAGE_FAULT regardless of the actual access kind;
// callers are responsible for rewriting the cause to match.
//
// If VS-stage is not bare, its effective permissions must also
// include access, then U/S policing applies: if uMode equals the
// VS-leaf's U bit the access is allowed; otherwise it is allowed only
// for a non-fetch S-mode read/write with sum=true. This half of the
// check fails as an ordinary (non-guest) page fault.
func CheckAccess(r Result, access Access, uMode bool, sum bool) *Trap {
	gperm := effectivePerm(r.G.Prot)
	if r.G.Prot&riscv.PTEU == 0 || !permitsAccess(gperm, access) {
		return &Trap{Cause: riscv.CauseLoadGuestPageFault}
	}

	if r.VS.Prot != 0 { // VS-stage was actually walked (not the bare synth)
		vperm := effectivePerm(r.VS.Prot)
		if !permitsAccess(vperm, access) {
			return &Trap{Cause: pageFaultFor(access)}
		}
		pteU := r.VS.Prot&riscv.PTEU != 0
		if uMode == pteU {
			// allowed
		} else if !uMode && access != AccessExecute && sum {
			// S-mode non-fetch access to a U-page with SUM=1: allowed
		} else {
			return &Trap{Cause: pageFaultFor(access)}
		}
	}

	return nil
}

// effectivePerm reduces a raw leaf PTE's R/W/X bits by the
// access/dirty policy: A must be set or nothing is permitted; D must
// be set to keep W.
func effectivePerm(prot uint64) uint64 {
	if prot&riscv.PTEA == 0 {
		return 0
	}
	perm := prot & riscv.PTERWX
	if prot&riscv.PTED == 0 {
		perm &^= riscv.PTEW
	}
	return perm
}

func permitsAccess(perm uint64, access Access) bool {
	switch access {
	case AccessRead:
		return perm&riscv.PTER != 0
	case AccessWrite:
		return perm&riscv.PTEW != 0
	case AccessExecute:
		return perm&riscv.PTEX != 0
	}
	return false
}
