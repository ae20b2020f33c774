// Package pagefault implements the PageFault-Router: the M-mode
// page-fault entry point that demand-fills a hart's shadow page
// table one leaf at a time, translating through both the VS-stage
// and G-stage tables and redirecting to the guest as a (guest-)page-
// fault when either stage denies the access.
//
// Grounded on the reference MMU's single-stage page-fault path
// (translate, classify the failure by access kind, raise the
// matching *PageFault cause), extended here to the two-stage
// composition that Shadow-Mapper needs to install a real leaf.
package pagefault

import (
	"time"

	"github.com/dramforever/opensbi-h/internal/hext"
	"github.com/dramforever/opensbi-h/internal/ptarena"
	"github.com/dramforever/opensbi-h/internal/ptw"
	"github.com/dramforever/opensbi-h/internal/riscv"
	"github.com/dramforever/opensbi-h/internal/shadow"
	"github.com/dramforever/opensbi-h/internal/timeslice"
)

var timesliceHandleFault = timeslice.RegisterKind("pagefault-handle", 0)

// Router ties together the two PTW modes and the owning hart's
// state and shadow arena.
type Router struct {
	VS    ptw.Mode
	G     ptw.Mode
	State *hext.State
	Arena *ptarena.Arena
}

// New builds a Router for one hart. mem is the physical memory the
// walker loads VS-stage and G-stage PTEs from; st is the hart's
// HextState, read for its live vsatp/hgatp on every call.
func New(mem ptw.Memory, st *hext.State) *Router {
	r := &Router{State: st, Arena: st.Arena}
	r.G = ptw.Sv39x4(ptw.PALoader(mem))
	r.VS = ptw.Sv39(ptw.GPALoader(mem, func(gpa uint64, csr ptw.CSRs) (ptw.Output, *ptw.Trap) {
		groot := (csr.Hgatp & riscv.SatpPPNMask) << riscv.PageShift
		return ptw.Walk(gpa, groot, csr, r.G)
	}))
	return r
}

func (r *Router) csr() ptw.CSRs {
	snap := r.State.Snapshot()
	return ptw.CSRs{Vsatp: snap.Vsatp, Hgatp: snap.Hgatp}
}

// TranslateAndCheck implements insnemu.Translator: a read-only
// translate-then-check with no shadow-table side effect, for HLVX.HU.
func (r *Router) TranslateAndCheck(gva uint64, access ptw.Access, uMode, sum bool) (ptw.Result, *ptw.Trap) {
	result, trap := ptw.Translate(gva, r.csr(), r.VS, r.G)
	if trap != nil {
		trap.Cause = rewriteForAccess(trap.Cause, access)
		return ptw.Result{}, trap
	}
	if trap := ptw.CheckAccess(result, access, uMode, sum); trap != nil {
		trap.Cause = rewriteForAccess(trap.Cause, access)
		return ptw.Result{}, trap
	}
	return result, nil
}

// errataCIP453 corrects a known erratum where tval is corrupted on a
// fetch-type page fault trapped in M-mode: when the trap is an
// instruction-fetch fault, the original faulting epc is used as the
// fault address instead of the (garbage) tval hardware reported. Real
// firmware gates this on a specific hardware erratum ID; here it is
// exposed as an explicit bool so callers that don't run on affected
// silicon can skip it.
func errataCIP453(tval, epc uint64, isFetch, affected bool) uint64 {
	if affected && isFetch {
		return epc
	}
	return tval
}

// HandleFault runs the full PageFault-Router algorithm for an M-mode
// page fault at guest virtual address gva. On success it installs a
// shadow leaf covering gva and returns the host physical address the
// caller just made resident; the caller still owns issuing a local
// SFENCE.VMA and the MRET that retries the faulting instruction. On
// failure it returns a Trap whose Cause has already been rewritten to
// the guest-visible access-specific (guest-)page-fault kind — per
// design note (a), translate and the G-stage checks of check_access
// report the Load variant of a cause, so HandleFault is the single
// place that corrects it to match the real access.
func (r *Router) HandleFault(gva uint64, access ptw.Access, uMode, sum, errataAffected bool, epc uint64) (installedPA uint64, trap *ptw.Trap) {
	start := time.Now()
	defer func() { timeslice.Record(timesliceHandleFault, time.Since(start)) }()

	gva = errataCIP453(gva, epc, access == ptw.AccessExecute, errataAffected)

	result, ptrap := ptw.Translate(gva, r.csr(), r.VS, r.G)
	if ptrap != nil {
		ptrap.Cause = rewriteForAccess(ptrap.Cause, access)
		return 0, ptrap
	}

	if ctrap := ptw.CheckAccess(result, access, uMode, sum); ctrap != nil {
		ctrap.Tval = gva
		ctrap.Cause = rewriteForAccess(ctrap.Cause, access)
		return 0, ctrap
	}

	prot := shadow.ProtTranslate(result.VS.Prot, result.G.Prot)
	if prot == 0 {
		return 0, &ptw.Trap{Cause: rewriteForAccess(riscv.CauseLoadGuestPageFault, access), Tval: gva}
	}

	pa := result.G.Base + (gva & (result.G.Len - 1))
	shadow.PTMap(gva, pa, prot, r.Arena)
	return pa, nil
}

// rewriteForAccess re-derives the access-specific cause for a trap
// produced by translate/check_access. Translate and the G-stage checks
// report the Load variant of whichever kind (ordinary or guest) the
// failure actually was; the VS-stage checks of check_access already
// report the access-specific cause. The guest/ordinary distinction is
// read back off the cause
// itself; applying this to an already access-correct cause is a
// no-op, so callers may use it unconditionally.
func rewriteForAccess(cause uint64, access ptw.Access) uint64 {
	guest := cause == riscv.CauseLoadGuestPageFault ||
		cause == riscv.CauseStoreGuestPageFault ||
		cause == riscv.CauseInsnGuestPageFault
	if guest {
		switch access {
		case ptw.AccessExecute:
			return riscv.CauseInsnGuestPageFault
		case ptw.AccessWrite:
			return riscv.CauseStoreGuestPageFault
		default:
			return riscv.CauseLoadGuestPageFault
		}
	}
	switch access {
	case ptw.AccessExecute:
		return riscv.CauseInsnPageFault
	case ptw.AccessWrite:
		return riscv.CauseStorePageFault
	default:
		return riscv.CauseLoadPageFault
	}
}
