// Package csremu implements CSR-Emu: the trap handler invoked when a
// guest traps on an illegal-instruction whose decoded CSR number
// falls in the H-CSR or VS-CSR ranges, or on a SATP access while
// virt=1. It enforces WARL field masks, the handful of cross-CSR
// side effects the spec calls out, and uses the real hardware CSR as
// a sanitizing oracle for VS-CSR writes rather than re-deriving each
// CSR's legal-value rules by hand.
//
// Grounded on the mirrored-subset pattern used for sstatus-as-a-view-
// of-mstatus in the reference CSR dispatcher, generalized here into
// "write candidate to the real register, read back what stuck".
package csremu

import (
	"github.com/dramforever/opensbi-h/internal/hext"
	"github.com/dramforever/opensbi-h/internal/riscv"
)

// Hardware is the real CSR file CSR-Emu drives the WARL oracle
// through. csr is the address of the real supervisor CSR standing in
// for the VS-CSR being written (e.g. CSRSstatus for CSRVsstatus).
type Hardware interface {
	// OracleWrite writes val to the live hardware CSR csr and
	// immediately reads it back, reporting the value the hardware
	// actually retained (its WARL-sanitized form). The caller is
	// responsible for saving/restoring the CSR's real content around
	// this call when virt=0 and the CSR is genuinely live.
	OracleWrite(csr uint16, val uint64) uint64
	Read(csr uint16) uint64
	Write(csr uint16, val uint64)
}

// Emu holds no state of its own; all state lives in the hext.State it
// is handed on each call.
type Emu struct{}

// vsToS maps a VS-CSR address to the real supervisor CSR the WARL
// oracle uses to sanitize writes to it.
var vsToS = map[uint16]uint16{
	riscv.CSRVsstatus:  riscv.CSRSstatus,
	riscv.CSRVsie:      riscv.CSRSie,
	riscv.CSRVstvec:    riscv.CSRStvec,
	riscv.CSRVsscratch: riscv.CSRSscratch,
	riscv.CSRVsepc:     riscv.CSRSepc,
	riscv.CSRVscause:   riscv.CSRScause,
	riscv.CSRVstval:    riscv.CSRStval,
	riscv.CSRVsip:      riscv.CSRSip,
}

// gating mirrors the dispatch preconditions: not-enabled, MPP below
// S, or (when virt=1) anything but SATP is NOT_SUPPORTED and bubbles
// to an illegal-instruction redirect.
func gating(st *hext.State, mpp uint8, csr uint16) error {
	if !st.Available {
		return hext.ErrNotSupported{Reason: "hext not enabled on this hart"}
	}
	if mpp < riscv.PrivSupervisor {
		return hext.ErrNotSupported{Reason: "trapped CSR access from below S-mode"}
	}
	if st.Virt && csr != riscv.CSRSatp {
		return hext.ErrNotSupported{Reason: "only SATP traps while virt=1"}
	}
	return nil
}

// Read dispatches a CSR read.
func (Emu) Read(st *hext.State, hw Hardware, mpp uint8, csr uint16) (uint64, error) {
	if err := gating(st, mpp, csr); err != nil {
		return 0, err
	}
	if riscv.IsHCSR(csr) {
		return readH(st, csr)
	}
	if riscv.IsVSCSR(csr) {
		return readVS(st, csr)
	}
	if csr == riscv.CSRSatp {
		return st.Vsatp, nil
	}
	return 0, hext.ErrNotSupported{Reason: "csr out of emulated range"}
}

// Write dispatches a CSR write.
func (Emu) Write(st *hext.State, hw Hardware, mpp uint8, csr uint16, val uint64) error {
	if err := gating(st, mpp, csr); err != nil {
		return err
	}
	if riscv.IsHCSR(csr) {
		return writeH(st, hw, csr, val)
	}
	if riscv.IsVSCSR(csr) {
		return writeVS(st, hw, csr, val)
	}
	if csr == riscv.CSRSatp {
		return writeTrappedSatp(st, hw, val)
	}
	return hext.ErrNotSupported{Reason: "csr out of emulated range"}
}

func readH(st *hext.State, csr uint16) (uint64, error) {
	switch csr {
	case riscv.CSRHstatus:
		return st.Hyp.Hstatus, nil
	case riscv.CSRHedeleg:
		return st.Hyp.Hedeleg, nil
	case riscv.CSRHideleg:
		return st.Hyp.Hideleg, nil
	case riscv.CSRHie:
		return st.Hyp.Hie, nil
	case riscv.CSRHip:
		return st.Hyp.Hip, nil
	case riscv.CSRHvip:
		return st.Hyp.Hvip, nil
	case riscv.CSRHgatp:
		return st.Hyp.Hgatp, nil
	case riscv.CSRHtval:
		return st.Hyp.Htval, nil
	case riscv.CSRHtinst:
		return st.Hyp.Htinst, nil
	case riscv.CSRHcounteren:
		return 0, nil
	case riscv.CSRHenvcfg:
		return 0, nil
	default:
		return 0, hext.ErrNotSupported{Reason: "unimplemented H-CSR"}
	}
}

func writeH(st *hext.State, hw Hardware, csr uint16, val uint64) error {
	switch csr {
	case riscv.CSRHstatus:
		writeHstatus(st, hw, val)
	case riscv.CSRHedeleg:
		st.Hyp.Hedeleg = val & riscv.HedelegWritable
	case riscv.CSRHideleg:
		st.Hyp.Hideleg = val & riscv.HidelegWritable
	case riscv.CSRHie:
		st.Hyp.Hie = val & riscv.HidelegWritable
	case riscv.CSRHip:
		st.Hyp.Hip = val & riscv.HidelegWritable
	case riscv.CSRHvip:
		st.Hyp.Hvip = val & riscv.HidelegWritable
	case riscv.CSRHgatp:
		st.Hyp.Hgatp = sanitizeHgatp(val)
	case riscv.CSRHcounteren, riscv.CSRHenvcfg:
		// hard-wired / read-only zero: writes are silently discarded.
	default:
		return hext.ErrNotSupported{Reason: "unimplemented H-CSR"}
	}
	return nil
}

// writeHstatus applies the writable-bit mask and the SPV -> MSTATUS.TSR
// side effect: SPV=1 arms a trap on the guest's next SRET so
// Switch-Engine gets a chance to perform the virt-entry transition;
// SPV=0 disarms it. The real mstatus.TSR bit is written directly
// through hw rather than merely reported, since nothing else in the
// trap-return path would otherwise ever arm it.
func writeHstatus(st *hext.State, hw Hardware, val uint64) {
	st.Hyp.Hstatus = val & riscv.HstatusWritable

	mstatus := hw.Read(riscv.CSRMstatus)
	if st.Hyp.Hstatus&riscv.HstatusSPV != 0 {
		mstatus |= riscv.MstatusTSR
	} else {
		mstatus &^= riscv.MstatusTSR
	}
	hw.Write(riscv.CSRMstatus, mstatus)
}

func sanitizeHgatp(val uint64) uint64 {
	mode := val >> riscv.SatpModeShift
	ppn := val & riscv.SatpPPNMask
	switch mode {
	case riscv.SatpModeBare:
		return 0
	case riscv.HgatpModeSv39x4:
		return (riscv.HgatpModeSv39x4 << riscv.SatpModeShift) | ppn
	default:
		return 0 // WARL: unsupported mode silently discarded, stays Bare
	}
}

func readVS(st *hext.State, csr uint16) (uint64, error) {
	switch csr {
	case riscv.CSRVsstatus:
		return st.Inactive.Sstatus, nil
	case riscv.CSRVsie:
		return st.Inactive.Sie, nil
	case riscv.CSRVstvec:
		return st.Inactive.Stvec, nil
	case riscv.CSRVsscratch:
		return st.Inactive.Sscratch, nil
	case riscv.CSRVsepc:
		return st.Inactive.Sepc, nil
	case riscv.CSRVscause:
		return st.Inactive.Scause, nil
	case riscv.CSRVstval:
		return st.Inactive.Stval, nil
	case riscv.CSRVsip:
		return st.Inactive.Sip, nil
	case riscv.CSRVsatp:
		return st.Vsatp, nil
	default:
		return 0, hext.ErrNotSupported{Reason: "unimplemented VS-CSR"}
	}
}

// writeVS implements the WARL-oracle technique: temporarily swap the
// current HS-value out of the real hardware CSR, write the candidate,
// read back the hardware's sanitized result, then restore the HS
// value. This is only valid while virt=0 (hardware is holding HS
// values); while virt=1 the real CSR already holds VS semantics and
// no mirror exists to swap against, but per the trap-entry contract
// VS-CSR traps only occur when virt=0 (the hardware accepts them
// directly while virt=1), so that is the only case reached here.
func writeVS(st *hext.State, hw Hardware, csr uint16, val uint64) error {
	if csr == riscv.CSRVsatp {
		return writeVsatp(st, hw, val)
	}
	real, ok := vsToS[csr]
	if !ok {
		return hext.ErrNotSupported{Reason: "unimplemented VS-CSR"}
	}
	saved := hw.Read(real)
	sanitized := hw.OracleWrite(real, val)
	hw.Write(real, saved)

	switch csr {
	case riscv.CSRVsstatus:
		st.Inactive.Sstatus = sanitized
	case riscv.CSRVsie:
		st.Inactive.Sie = sanitized
	case riscv.CSRVstvec:
		st.Inactive.Stvec = sanitized
	case riscv.CSRVsscratch:
		st.Inactive.Sscratch = sanitized
	case riscv.CSRVsepc:
		st.Inactive.Sepc = sanitized
	case riscv.CSRVscause:
		st.Inactive.Scause = sanitized
	case riscv.CSRVstval:
		st.Inactive.Stval = sanitized
	case riscv.CSRVsip:
		st.Inactive.Sip = sanitized
	}
	return nil
}

func writeVsatp(st *hext.State, hw Hardware, val uint64) error {
	saved := hw.Read(riscv.CSRSatp)
	sanitized := hw.OracleWrite(riscv.CSRSatp, val&^riscv.SatpASIDMask)
	hw.Write(riscv.CSRSatp, saved)

	mode := sanitized >> riscv.SatpModeShift
	switch mode {
	case riscv.SatpModeBare:
		st.Vsatp = 0
	case riscv.SatpModeSv39:
		st.Vsatp = sanitized
	default:
		// discard: leave vsatp unchanged (WARL)
	}
	return nil
}

// writeTrappedSatp handles a trap on the real SATP CSR, legal only
// while virt=1. MODE=Off writes through to the live hardware SATP
// directly (hgatp alone then governs translation, a transparent
// pass-through). MODE=Sv39 stores the sanitized value in vsatp and
// flushes the entire shadow arena, since every previously installed
// shadow leaf was built against the old root.
func writeTrappedSatp(st *hext.State, hw Hardware, val uint64) error {
	mode := val >> riscv.SatpModeShift
	switch mode {
	case riscv.SatpModeBare:
		hw.Write(riscv.CSRSatp, 0)
		st.Vsatp = 0
	case riscv.SatpModeSv39:
		sanitized := hw.OracleWrite(riscv.CSRSatp, val&^riscv.SatpASIDMask)
		st.Vsatp = sanitized
		st.Arena.Flush()
	default:
		// unsupported mode: silently ignored (WARL)
	}
	return nil
}
