// Package coreloop implements the trap entry contract: the single
// routing function the surrounding M-mode trap handler calls on
// every trap taken while hext is available on a hart. It decides,
// from the raw mcause/mtval/instruction bits, which of CSR-Emu,
// Insn-Emu, PageFault-Router or Switch-Engine owns the trap, and
// turns whatever they report back into either a resumed MEPC or a
// trap redirected into the guest.
//
// Grounded on the reference firmware's central trap table, which
// maps a narrow set of M-mode trap causes to handler functions
// before falling through to a default illegal-instruction redirect.
package coreloop

import (
	"github.com/dramforever/opensbi-h/internal/csremu"
	"github.com/dramforever/opensbi-h/internal/hext"
	"github.com/dramforever/opensbi-h/internal/insnemu"
	"github.com/dramforever/opensbi-h/internal/pagefault"
	"github.com/dramforever/opensbi-h/internal/ptw"
	"github.com/dramforever/opensbi-h/internal/riscv"
	"github.com/dramforever/opensbi-h/internal/switchengine"
)

// Regs is the general-purpose register file plus the trap-frame
// fields the spec's trap entry contract says are passed by
// reference.
type Regs interface {
	ReadReg(reg uint32) uint64
	WriteReg(reg uint32, val uint64)
	Mepc() uint64
	SetMepc(uint64)
}

// Hardware is the union of every backend surface the core's
// components need: the real CSR file, the WARL oracle, local TLB
// fences and byte loads for HLVX.HU.
type Hardware interface {
	csremu.Hardware
	switchengine.Hardware
	LoadByteM(pa uint64) (uint8, bool)
}

// Core owns one hart's emulation state and wires the five components
// together.
type Core struct {
	State        *hext.State
	Router       *pagefault.Router
	ErrataCIP453 bool
}

// New builds a Core for one hart.
func New(st *hext.State, mem ptw.Memory, errataCIP453 bool) *Core {
	return &Core{
		State:        st,
		Router:       pagefault.New(mem, st),
		ErrataCIP453: errataCIP453,
	}
}

func (c *Core) FlushArena() { c.State.Arena.Flush() }

// fencingFlusher satisfies insnemu.ArenaFlusher: it flushes the hart's
// shadow arena and then issues the local TLB fence that
// ptarena.Arena.Flush leaves to its caller.
type fencingFlusher struct {
	c  *Core
	hw Hardware
}

func (f fencingFlusher) FlushArena() {
	f.c.FlushArena()
	f.hw.SFenceVMA()
}

// Dispatch routes one M-mode trap. insn is the raw 32-bit instruction
// word already fetched by the caller for an illegal-instruction trap
// (ignored for other causes); trappedCSR is the CSR number decoded
// from insn when cause is illegal-instruction and the encoding is a
// CSR access (ignored otherwise). mpp is the privilege the trap came
// from, uMode/sum feed translation access checks.
//
// Dispatch never itself performs the S-mode trap-CSR writes or the
// MRET; it reports the outcome and the caller (which owns the real
// trap-delegation CSRs) applies it.
func Dispatch(c *Core, hw Hardware, regs Regs, cause, tval uint64, trappedCSR uint16, isCSRWrite bool, writeVal uint64, insn uint32, mpp uint8, uMode, sum bool) Outcome {
	switch cause {
	case riscv.CauseIllegalInsn:
		if riscv.IsHCSR(trappedCSR) || riscv.IsVSCSR(trappedCSR) || (c.State.Virt && trappedCSR == riscv.CSRSatp) {
			return c.dispatchCSR(hw, trappedCSR, isCSRWrite, writeVal)
		}
		return c.dispatchInsn(hw, regs, insn, mpp, uMode, sum)

	case riscv.CauseInsnPageFault, riscv.CauseLoadPageFault, riscv.CauseStorePageFault:
		return c.dispatchPageFault(hw, cause, tval, regs, mpp, uMode, sum)

	default:
		return Outcome{Trap: &hext.TrapInfo{Cause: riscv.CauseIllegalInsn, Epc: regs.Mepc()}}
	}
}

// Outcome is what Dispatch decided. Exactly one of Trap, EnterV or
// Resumed is meaningful.
type Outcome struct {
	// Trap means: write these S-mode trap CSRs and MRET.
	Trap *hext.TrapInfo

	// EnterV means: the trap was an SRET requesting the enter-V
	// transition. The caller owns calling switchengine.SwitchVirt(hw,
	// state, true, shadowRoot, hgatpMode) with the shadow root for
	// this hart, since Dispatch has no way to name it.
	EnterV bool

	// Resumed means: the trap was fully handled in place (CSR access,
	// HFENCE, advanced MEPC); MRET resumes normally with no further
	// action.
	Resumed bool
}

func (c *Core) dispatchCSR(hw Hardware, csr uint16, isWrite bool, val uint64) Outcome {
	var emu csremu.Emu
	mpp := uint8(riscv.PrivSupervisor) // trap entry contract: CSR traps only reach here from S or above
	var err error
	if isWrite {
		err = emu.Write(c.State, hw, mpp, csr, val)
	} else {
		_, err = emu.Read(c.State, hw, mpp, csr)
	}
	return c.outcomeFromErr(err)
}

// machineAdapter satisfies insnemu.Machine by pairing the trap-frame
// register surface with the hardware's physical byte-load surface;
// the two live on separate interfaces in this package because only
// HLVX.HU needs the latter.
type machineAdapter struct {
	Regs
	hw Hardware
}

func (m machineAdapter) LoadByteM(pa uint64) (uint8, bool) { return m.hw.LoadByteM(pa) }

func (c *Core) dispatchInsn(hw Hardware, regs Regs, insn uint32, mpp uint8, uMode, sum bool) Outcome {
	err := insnemu.Execute(insn, c.State, machineAdapter{Regs: regs, hw: hw}, fencingFlusher{c: c, hw: hw}, c.Router, mpp, uMode, sum)
	if _, ok := err.(insnemu.SRETEnterV); ok {
		return Outcome{EnterV: true}
	}
	return c.outcomeFromErr(err)
}

func (c *Core) dispatchPageFault(hw Hardware, cause, tval uint64, regs Regs, mpp uint8, uMode, sum bool) Outcome {
	access := accessFor(cause)
	_, trap := c.Router.HandleFault(tval, access, uMode, sum, c.ErrataCIP453, regs.Mepc())
	if trap != nil {
		return Outcome{Trap: &hext.TrapInfo{Cause: trap.Cause, Epc: regs.Mepc(), Tval: trap.Tval, Tval2: trap.Tval2}}
	}
	hw.SFenceVMA() // HandleFault leaves the fence for the new shadow leaf to its caller
	return Outcome{Resumed: true}
}

func accessFor(cause uint64) ptw.Access {
	switch cause {
	case riscv.CauseInsnPageFault:
		return ptw.AccessExecute
	case riscv.CauseStorePageFault:
		return ptw.AccessWrite
	default:
		return ptw.AccessRead
	}
}

func (c *Core) outcomeFromErr(err error) Outcome {
	switch e := err.(type) {
	case nil:
		return Outcome{Resumed: true}
	case hext.TrapInfo:
		return Outcome{Trap: &e}
	case hext.ErrNotSupported:
		return Outcome{Trap: &hext.TrapInfo{Cause: riscv.CauseIllegalInsn}}
	case hext.ErrDenied:
		return Outcome{Trap: &hext.TrapInfo{Cause: riscv.CauseIllegalInsn}}
	default:
		panic(err)
	}
}
