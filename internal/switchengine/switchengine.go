// Package switchengine implements the Switch-Engine: the V=0<->V=1
// world transition that swaps which set of supervisor CSRs is live
// in hardware versus mirrored in HextState, and applies the MSTATUS
// trap-bit and delegation-mask side effects that make the real
// hardware trap the operations the emulation needs to intercept.
//
// Grounded on the reference CPU's trap-delegation logic (MIDELEG /
// MEDELEG gating, SPIE/SPP save-and-restore around a privilege
// transition) generalized here into a symmetric enter/exit pair.
package switchengine

import (
	"time"

	"github.com/dramforever/opensbi-h/internal/hext"
	"github.com/dramforever/opensbi-h/internal/riscv"
	"github.com/dramforever/opensbi-h/internal/timeslice"
)

// timesliceEnterV/timesliceExitV let a firmware build opt into
// per-transition timing by calling timeslice.StartRecording; with no
// recording in progress, Record is a no-op.
var (
	timesliceEnterV = timeslice.RegisterKind("switch-enter-v", timeslice.SliceFlagGuestTime)
	timesliceExitV  = timeslice.RegisterKind("switch-exit-v", timeslice.SliceFlagGuestTime)
)

// sstatusSubset is the set of mstatus bits that are also visible
// through sstatus; world-switch treats sstatus as a view onto this
// subset of mstatus rather than swapping a dedicated register.
const sstatusSubset = riscv.MstatusSIE | riscv.MstatusSPIE | riscv.MstatusSPP |
	riscv.MstatusFS | riscv.MstatusVS | riscv.MstatusSUM | riscv.MstatusMXR

// Hardware is the live register file Switch-Engine reads and writes.
// FSImplemented/VSImplemented/PrivVersion110 describe fixed hart
// capabilities probed once at Init time.
type Hardware interface {
	Read(csr uint16) uint64
	Write(csr uint16, val uint64)
	SFenceVMA()

	FSImplemented() bool
	VSImplemented() bool
	PrivVersion110OrLater() bool

	// HardwareDelegatableCauses returns the mask of exception causes
	// the real MEDELEG CSR is willing to hold; the firmware's
	// delegation to the guest is further restricted to this mask so
	// it never asks hardware to delegate something it cannot.
	HardwareDelegatableCauses() uint64
}

var swappedCSRs = []struct {
	real  uint16
	field func(*hext.SupervisorCSRs) *uint64
}{
	{riscv.CSRStvec, func(s *hext.SupervisorCSRs) *uint64 { return &s.Stvec }},
	{riscv.CSRSscratch, func(s *hext.SupervisorCSRs) *uint64 { return &s.Sscratch }},
	{riscv.CSRSepc, func(s *hext.SupervisorCSRs) *uint64 { return &s.Sepc }},
	{riscv.CSRScause, func(s *hext.SupervisorCSRs) *uint64 { return &s.Scause }},
	{riscv.CSRStval, func(s *hext.SupervisorCSRs) *uint64 { return &s.Stval }},
	{riscv.CSRSie, func(s *hext.SupervisorCSRs) *uint64 { return &s.Sie }},
	// Sip is included for the common swap loop but is marked
	// known-incorrect by the design notes: real interrupt routing
	// needs the hvip/mip shuffle described in exitV, not a bare
	// register swap. Ported as-is because no caller relies on it.
	{riscv.CSRSip, func(s *hext.SupervisorCSRs) *uint64 { return &s.Sip }},
}

// SwitchVirt transitions hart hardware between the host (V=0) and
// guest (V=1) supervisor worlds. It is a no-op if st.Virt already
// equals newVirt. shadowRoot is the physical address of the calling
// hart's shadow page-table root, used only when entering V=1 with
// G-stage translation active.
func SwitchVirt(hw Hardware, st *hext.State, newVirt bool, shadowRoot uint64, hgatpMode uint64) {
	if st.Virt == newVirt {
		return
	}
	start := time.Now()

	for _, c := range swappedCSRs {
		old := hw.Read(c.real)
		hw.Write(c.real, *c.field(&st.Inactive))
		*c.field(&st.Inactive) = old
	}

	mstatus := hw.Read(riscv.CSRMstatus)
	savedSubset := mstatus & sstatusSubset
	mstatus = (mstatus &^ sstatusSubset) | (st.Inactive.Sstatus & sstatusSubset)
	hw.Write(riscv.CSRMstatus, mstatus)
	st.Inactive.Sstatus = savedSubset

	if newVirt {
		enterV(hw, st, shadowRoot, hgatpMode)
		timeslice.Record(timesliceEnterV, time.Since(start))
	} else {
		exitV(hw, st)
		timeslice.Record(timesliceExitV, time.Since(start))
	}

	st.Virt = newVirt
}

func enterV(hw Hardware, st *hext.State, shadowRoot uint64, hgatpMode uint64) {
	mstatus := hw.Read(riscv.CSRMstatus)

	if hw.FSImplemented() && fieldOf(mstatus, riscv.MstatusFS, riscv.MstatusFSShift) == riscv.ExtStatusOff {
		panic("switchengine: cannot enter V with FS=Off; hardware cannot enforce VS.FS=Off from M-mode")
	}
	if hw.VSImplemented() && fieldOf(mstatus, riscv.MstatusVS, riscv.MstatusVSShift) == riscv.ExtStatusOff {
		panic("switchengine: cannot enter V with VS=Off; hardware cannot enforce guest vector status from M-mode")
	}

	// Transform mirrored sstatus: propagate SPIE->SIE, set SPIE, clear
	// SPP, applying standard SRET semantics into the guest world.
	sstatus := st.Inactive.Sstatus
	if sstatus&riscv.MstatusSPIE != 0 {
		sstatus |= riscv.MstatusSIE
	} else {
		sstatus &^= riscv.MstatusSIE
	}
	sstatus |= riscv.MstatusSPIE
	sstatus &^= riscv.MstatusSPP
	st.Inactive.Sstatus = sstatus

	st.Hyp.Hstatus &^= riscv.HstatusSPV

	spp := fieldOf(mstatus, riscv.MstatusSPP, riscv.MstatusSPPShift)
	mstatus = setField(mstatus, riscv.MstatusMPP, riscv.MstatusMPPShift, spp)

	mideleg := hw.Read(riscv.CSRMideleg)
	mideleg &^= riscv.MipVSSIP | riscv.MipVSTIP | riscv.MipVSEIP
	hw.Write(riscv.CSRMideleg, mideleg)

	st.HostMedeleg = hw.Read(riscv.CSRMedeleg)
	hw.Write(riscv.CSRMedeleg, st.Hyp.Hedeleg&hw.HardwareDelegatableCauses())

	if hw.PrivVersion110OrLater() {
		mcounteren := hw.Read(riscv.CSRMcounteren)
		hw.Write(riscv.CSRMcounteren, mcounteren&^riscv.McounterenTIME)
	}

	mstatus |= riscv.MstatusTVM
	mstatus = setBit(mstatus, riscv.MstatusTW, st.Hyp.Hstatus&riscv.HstatusVTW != 0)
	mstatus = setBit(mstatus, riscv.MstatusTSR, st.Hyp.Hstatus&riscv.HstatusVTSR != 0)
	hw.Write(riscv.CSRMstatus, mstatus)

	var satp uint64
	switch hgatpMode {
	case riscv.HgatpModeSv39x4:
		satp = (riscv.SatpModeSv39 << riscv.SatpModeShift) | (shadowRoot >> riscv.PageShift)
	default:
		satp = st.Vsatp
	}
	st.Satp = hw.Read(riscv.CSRSatp) // save host root for exit-V
	hw.Write(riscv.CSRSatp, satp)
	hw.SFenceVMA()
}

func exitV(hw Hardware, st *hext.State) {
	mstatus := hw.Read(riscv.CSRMstatus)

	// Guest had full control of its FS/VS; assume worst case dirty.
	mstatus = setField(mstatus, riscv.MstatusFS, riscv.MstatusFSShift, riscv.ExtStatusDirty)
	mstatus = setField(mstatus, riscv.MstatusVS, riscv.MstatusVSShift, riscv.ExtStatusDirty)

	// Shuffle pending SIP bits into hvip.VSSIP for pending virtual
	// software interrupts. This is the known-incorrect half flagged
	// by the design notes; see the Sip entry of swappedCSRs.
	sip := st.Inactive.Sip
	if sip&riscv.MipSSIP != 0 {
		st.Hyp.Hvip |= riscv.MipVSSIP
	}

	hw.Write(riscv.CSRMedeleg, st.HostMedeleg)
	if hw.PrivVersion110OrLater() {
		mcounteren := hw.Read(riscv.CSRMcounteren)
		hw.Write(riscv.CSRMcounteren, mcounteren|riscv.McounterenTIME)
	}
	mstatus &^= riscv.MstatusTVM | riscv.MstatusTW
	mstatus = setBit(mstatus, riscv.MstatusTSR, st.Hyp.Hstatus&riscv.HstatusSPV != 0)
	hw.Write(riscv.CSRMstatus, mstatus)

	hw.Write(riscv.CSRSatp, st.Satp)
	hw.SFenceVMA()
}

func fieldOf(reg, mask uint64, shift int) uint64 {
	return (reg & mask) >> shift
}

func setField(reg, mask uint64, shift int, val uint64) uint64 {
	return (reg &^ mask) | ((val << shift) & mask)
}

func setBit(reg, mask uint64, set bool) uint64 {
	if set {
		return reg | mask
	}
	return reg &^ mask
}
