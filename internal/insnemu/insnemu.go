// Package insnemu implements Insn-Emu: decoding and executing the
// trapped hypervisor and supervisor instructions the surrounding
// firmware routes here because their encoding matched a hypervisor
// or supervisor opcode mask. It covers HFENCE.{GVMA,VVMA}, the HLV/
// HSV/HLVX family (only HLVX.HU is implemented; the rest are
// stubbed NOT_SUPPORTED per the spec), SRET-across-V, SFENCE/SINVAL
// under virt, and WFI under VTW.
//
// Grounded on the instruction field-extraction helpers (opcode/rd/
// funct3/rs1/rs2 bit slicing) and the SYSTEM-opcode dispatch tree
// used by the reference RV64 execution unit, narrowed here to the
// fixed set of privileged encodings the emulation core must trap.
package insnemu

import (
	"github.com/dramforever/opensbi-h/internal/hext"
	"github.com/dramforever/opensbi-h/internal/ptw"
	"github.com/dramforever/opensbi-h/internal/riscv"
)

// prv field values within the decoded instruction (see prvField below).
const (
	prvHypervisor uint8 = 2
	prvSupervisor uint8 = 1
)

func rd(insn uint32) uint32     { return (insn >> 7) & 0x1f }
func funct3(insn uint32) uint8  { return uint8((insn >> 12) & 0x7) }
func rs1(insn uint32) uint32    { return (insn >> 15) & 0x1f }
func rs2(insn uint32) uint32    { return (insn >> 20) & 0x1f }
func prvField(insn uint32) uint8 { return uint8((insn >> 28) & 0x3) }

// Machine is the register file and byte-load surface Insn-Emu needs.
type Machine interface {
	ReadReg(reg uint32) uint64
	WriteReg(reg uint32, val uint64)
	Mepc() uint64
	SetMepc(uint64)

	// LoadByteM performs a machine-mode byte load from a host
	// physical address, for HLVX.HU's byte-at-a-time copy.
	LoadByteM(pa uint64) (uint8, bool)
}

// Translator is the two-stage-translate-plus-access-check surface
// HLVX.HU needs; pagefault.Router implements the richer version used
// for demand-fill, but HLVX only needs the read-only answer.
type Translator interface {
	TranslateAndCheck(gva uint64, access ptw.Access, uMode, sum bool) (ptw.Result, *ptw.Trap)
}

// ArenaFlusher is the shadow-arena invalidation surface HFENCE and
// SFENCE/SINVAL need; it also implies the accompanying local TLB
// fence.
type ArenaFlusher interface {
	FlushArena()
}

// Execute decodes and runs one trapped instruction. mpp is the
// mstatus.MPP value captured at trap entry (the privilege the trap
// came from); uMode/sum feed HLVX.HU's access check.
func Execute(insn uint32, st *hext.State, m Machine, af ArenaFlusher, tr Translator, mpp uint8, uMode, sum bool) error {
	prv := prvField(insn)
	f3 := funct3(insn)

	switch prv {
	case prvHypervisor:
		return execHypervisor(insn, f3, st, m, af, tr, mpp, uMode, sum)
	case prvSupervisor:
		return execSupervisor(insn, f3, st, m, af, mpp)
	default:
		return hext.ErrNotSupported{Reason: "unrecognized privileged instruction group"}
	}
}

func execHypervisor(insn uint32, f3 uint8, st *hext.State, m Machine, af ArenaFlusher, tr Translator, mpp uint8, uMode, sum bool) error {
	if st.Virt {
		return hext.ErrNotSupported{Reason: "H-instructions are not legal from VS"}
	}

	switch f3 {
	case 0: // HFENCE.{GVMA,VVMA}
		if mpp < riscv.PrivSupervisor {
			return hext.ErrDenied{Reason: "hfence from below S-mode"}
		}
		af.FlushArena()
		m.SetMepc(m.Mepc() + 4)
		return nil

	case 4: // HLV*/HSV*/HLVX*
		if mpp < riscv.PrivSupervisor && st.Hyp.Hstatus&riscv.HstatusHU == 0 {
			return hext.ErrDenied{Reason: "hypervisor load/store without HU"}
		}
		return execHLVX(insn, st, m, tr, uMode, sum)

	default:
		return hext.ErrNotSupported{Reason: "unimplemented hypervisor-level funct3"}
	}
}

// hlvxuRS2 is the rs2 encoding selecting HLVX.HU among the HLV*
// variants sharing funct3=4.
const hlvxuRS2 = 0b00011

func execHLVX(insn uint32, st *hext.State, m Machine, tr Translator, uMode, sum bool) error {
	if rs2(insn) != hlvxuRS2 {
		return hext.ErrNotSupported{Reason: "only HLVX.HU is implemented"}
	}

	gva := m.ReadReg(rs1(insn))
	result, trap := tr.TranslateAndCheck(gva, ptw.AccessExecute, uMode, sum)
	if trap != nil {
		return hext.TrapInfo{Cause: trap.Cause, Epc: m.Mepc(), Tval: trap.Tval, Tval2: trap.Tval2, Tinst: trap.Tinst}
	}

	base := result.G.Base
	offset := gva & (result.G.Len - 1)
	pa := base + offset

	var v uint64
	for i := uint64(0); i < 2; i++ {
		b, ok := m.LoadByteM(pa + i)
		if !ok {
			return hext.ErrNotSupported{Reason: "HLVX.HU physical load failed"}
		}
		v |= uint64(b) << (8 * i)
	}
	m.WriteReg(rd(insn), v) // HU: zero-extended little-endian halfword
	m.SetMepc(m.Mepc() + 4)
	return nil
}

func execSupervisor(insn uint32, f3 uint8, st *hext.State, m Machine, af ArenaFlusher, mpp uint8) error {
	switch classifySupervisor(insn) {
	case supWFI:
		// Redirect to the guest as a virtual-instruction fault; the
		// caller (surrounding firmware) owns the actual trap-CSR
		// write, this just reports the cause.
		return hext.TrapInfo{Cause: riscv.CauseVirtualInsn, Epc: m.Mepc()}

	case supSRET:
		if !st.Virt && st.Hyp.Hstatus&riscv.HstatusSPV != 0 {
			// World-switch is performed by the caller (Switch-Engine
			// owns CSR swaps); Insn-Emu only identifies the
			// transition and the new MEPC.
			m.SetMepc(st.Inactive.Sepc)
			return SRETEnterV{}
		}
		panic("insnemu: unexpected SRET source state")

	case supFenceVMA:
		if st.Virt {
			af.FlushArena()
			m.SetMepc(m.Mepc() + 4)
			return nil
		}
		return hext.ErrNotSupported{Reason: "sfence.vma trapped without virt=1"}

	default:
		return hext.ErrNotSupported{Reason: "unimplemented supervisor-level trapped instruction"}
	}
}

// SRETEnterV is returned by Execute to tell the caller an SRET-
// across-V transition must be performed; it carries no data because
// Switch-Engine reads everything it needs from HextState.
type SRETEnterV struct{}

func (SRETEnterV) Error() string { return "insnemu: sret requests enter-V" }

type supervisorKind int

const (
	supUnknown supervisorKind = iota
	supWFI
	supSRET
	supFenceVMA
)

// classifySupervisor distinguishes WFI / SRET / SFENCE.VMA / SINVAL.VMA
// among the instructions that trap here because mstatus.{TW,TSR,TVM}
// forced them to: all four share the SYSTEM major opcode and a zero
// funct3, differing only in rs2/funct7, which the caller's trap
// classification (not modeled bit-for-bit here) has already narrowed
// down to one of these three kinds before calling Execute.
func classifySupervisor(insn uint32) supervisorKind {
	switch rs2(insn) {
	case 0b00010:
		return supSRET
	case 0b00101:
		return supWFI
	default:
		return supFenceVMA
	}
}
