// Package hext holds the per-hart state record for the hypervisor
// extension emulation core: which world (HS or VS) is currently live
// in hardware, the mirrored CSRs for the world that isn't, and the
// trap-redirection value type every component reports through.
package hext

import (
	"fmt"

	"github.com/dramforever/opensbi-h/internal/ptarena"
)

// Regs is the subset of trap-frame state the core reads and mutates.
// The surrounding firmware owns the full register file; this is the
// slice the core is handed by reference on every trap.
type Regs struct {
	X      [32]uint64
	Mepc   uint64
	Mstatus uint64
}

// SupervisorCSRs is the block of supervisor CSRs that exist once per
// world and get swapped wholesale between hardware and memory on a
// world switch.
type SupervisorCSRs struct {
	Sstatus  uint64 // only the SSTATUS-visible subset of mstatus
	Stvec    uint64
	Sscratch uint64
	Sepc     uint64
	Scause   uint64
	Stval    uint64
	Sie      uint64
	Sip      uint64
}

// HypervisorCSRs are always mirrored in memory; CSR-Emu is the sole
// authority over their contents.
type HypervisorCSRs struct {
	Hstatus uint64
	Htval   uint64
	Htinst  uint64
	Hedeleg uint64
	Hideleg uint64
	Hie     uint64
	Hip     uint64
	Hvip    uint64
	Hgatp   uint64
	Medeleg uint64 // not written by Switch-Engine; the saved host MEDELEG is State.HostMedeleg
}

// State is the HextState record: one per hart, living for the
// lifetime of the firmware.
type State struct {
	// Virt is the emulated V bit: false selects HS-mode semantics,
	// true selects VS-mode semantics.
	Virt bool

	// Available is set at init time if this hart has an MMU and H
	// emulation is enabled on it.
	Available bool

	// Inactive holds the supervisor CSRs of whichever world is not
	// currently live in hardware. When Virt is false these are the
	// VS-mode values; when Virt is true these are the HS-mode values.
	Inactive SupervisorCSRs

	Hyp HypervisorCSRs

	// Satp/Vsatp are the saved inactive-world SATP pair. Together
	// with the live hardware SATP they always cover both roots.
	Satp  uint64
	Vsatp uint64

	// Arena is this hart's shadow page-table node pool.
	Arena *ptarena.Arena

	// HostMedeleg is the value of MEDELEG before the firmware's V=1
	// delegation override, restored verbatim on exit-V.
	HostMedeleg uint64
}

// New constructs a HextState for a hart owning the given arena.
// Available defaults to false; Init sets it once the hart has been
// probed.
func New(arena *ptarena.Arena) *State {
	return &State{Arena: arena}
}

// TrapInfo carries the five standard RISC-V trap-redirection fields
// a handler populates on failure; the outermost dispatcher is the
// only consumer and turns it into CSR writes plus an MRET.
type TrapInfo struct {
	Cause uint64
	Epc   uint64
	Tval  uint64
	Tval2 uint64
	Tinst uint64
}

// Error implements error so trap-producing calls can return TrapInfo
// through an ordinary Go error return, mirroring the exception-as-
// error pattern used throughout the reference emulator.
func (t TrapInfo) Error() string {
	return fmt.Sprintf("trap: cause=%d epc=0x%x tval=0x%x tval2=0x%x tinst=0x%x",
		t.Cause, t.Epc, t.Tval, t.Tval2, t.Tinst)
}

// PTWCSRs is the immutable {vsatp, hgatp} input to a two-stage walk.
type PTWCSRs struct {
	Vsatp uint64
	Hgatp uint64
}

// Snapshot returns the CSR pair the page-table walker needs to run a
// translation under the hart's current state.
func (s *State) Snapshot() PTWCSRs {
	vsatp := s.Vsatp
	hgatp := s.Hyp.Hgatp
	if s.Virt {
		// VS-mode is live in hardware; Inactive holds HS's CSRs, but
		// vsatp/hgatp are always mirrored regardless of which world
		// is live, so the fields above already reflect reality.
	}
	return PTWCSRs{Vsatp: vsatp, Hgatp: hgatp}
}

// ErrNotSupported wraps the NOT_SUPPORTED error kind: not implemented,
// not enabled, or called in the wrong mode. Callers bubble this to an
// illegal-instruction redirect.
type ErrNotSupported struct {
	Reason string
}

func (e ErrNotSupported) Error() string { return "hext: not supported: " + e.Reason }

// ErrDenied wraps the DENIED error kind: a hypervisor instruction
// executed from U-mode without HU permission.
type ErrDenied struct {
	Reason string
}

func (e ErrDenied) Error() string { return "hext: denied: " + e.Reason }
