package coreloop

import (
	"encoding/binary"
	"testing"

	"github.com/dramforever/opensbi-h/internal/hext"
	"github.com/dramforever/opensbi-h/internal/ptarena"
	"github.com/dramforever/opensbi-h/internal/riscv"
)

type fakeHardware struct {
	regs   map[uint16]uint64
	fences int
}

func newFakeHardware() *fakeHardware {
	return &fakeHardware{regs: make(map[uint16]uint64)}
}

func (h *fakeHardware) Read(csr uint16) uint64      { return h.regs[csr] }
func (h *fakeHardware) Write(csr uint16, val uint64) { h.regs[csr] = val }
func (h *fakeHardware) OracleWrite(csr uint16, val uint64) uint64 {
	h.regs[csr] = val
	return val
}
func (h *fakeHardware) SFenceVMA()                  { h.fences++ }
func (h *fakeHardware) FSImplemented() bool         { return true }
func (h *fakeHardware) VSImplemented() bool         { return false }
func (h *fakeHardware) PrivVersion110OrLater() bool { return true }
func (h *fakeHardware) HardwareDelegatableCauses() uint64 {
	return 0xffff
}
func (h *fakeHardware) LoadByteM(pa uint64) (uint8, bool) { return 0, false }

type fakeRegs struct {
	x    [32]uint64
	mepc uint64
}

func (r *fakeRegs) ReadReg(reg uint32) uint64      { return r.x[reg] }
func (r *fakeRegs) WriteReg(reg uint32, val uint64) { r.x[reg] = val }
func (r *fakeRegs) Mepc() uint64                    { return r.mepc }
func (r *fakeRegs) SetMepc(v uint64)                { r.mepc = v }

type flatMemory struct {
	base uint64
	data []byte
}

func (m *flatMemory) ReadPTE(pa uint64) (uint64, bool) {
	if pa < m.base || pa+8 > m.base+uint64(len(m.data)) {
		return 0, false
	}
	off := pa - m.base
	return binary.LittleEndian.Uint64(m.data[off : off+8]), true
}

func (m *flatMemory) writePTE(pa, pte uint64) {
	off := pa - m.base
	binary.LittleEndian.PutUint64(m.data[off:off+8], pte)
}

func newCore(t *testing.T) (*Core, *hext.State, *flatMemory) {
	t.Helper()
	mem := &flatMemory{base: 0x1000_0000, data: make([]byte, 3*0x1000)}
	ptMem := make([]byte, 4*ptarena.NodeSize)
	arena, err := ptarena.New(0x9000_0000, ptMem, 4)
	if err != nil {
		t.Fatalf("ptarena.New: %v", err)
	}
	st := hext.New(arena)
	st.Available = true
	return New(st, mem, false), st, mem
}

func TestDispatchCSRWriteResumes(t *testing.T) {
	c, st, _ := newCore(t)
	hw := newFakeHardware()
	regs := &fakeRegs{mepc: 0x8000_0000}

	out := Dispatch(c, hw, regs, riscv.CauseIllegalInsn, 0, riscv.CSRHgatp, true, 0, 0, riscv.PrivSupervisor, false, false)
	if !out.Resumed || out.Trap != nil {
		t.Fatalf("out = %+v, want resumed with no trap", out)
	}
	if st.Hyp.Hgatp != 0 {
		t.Fatalf("Hgatp = 0x%x, want 0 (mode Bare write)", st.Hyp.Hgatp)
	}
}

func TestDispatchUnsupportedCauseTraps(t *testing.T) {
	c, _, _ := newCore(t)
	hw := newFakeHardware()
	regs := &fakeRegs{mepc: 0x8000_0000}

	out := Dispatch(c, hw, regs, riscv.CauseBreakpoint, 0, 0, false, 0, 0, riscv.PrivSupervisor, false, false)
	if out.Trap == nil {
		t.Fatal("expected a trap for an unhandled cause")
	}
	if out.Trap.Cause != riscv.CauseIllegalInsn {
		t.Fatalf("cause = %d, want CauseIllegalInsn", out.Trap.Cause)
	}
}

func TestDispatchSRETRequestsEnterV(t *testing.T) {
	c, st, _ := newCore(t)
	hw := newFakeHardware()
	regs := &fakeRegs{mepc: 0x8000_0000}

	st.Hyp.Hstatus = riscv.HstatusSPV
	st.Inactive.Sepc = 0x8040_0000

	// prv=supervisor (field bits 29:28 == 1), rs2=SRET encoding (00010).
	insn := uint32(1<<28) | uint32(0b00010<<20)

	out := Dispatch(c, hw, regs, riscv.CauseIllegalInsn, 0, 0, false, 0, insn, riscv.PrivSupervisor, false, false)
	if !out.EnterV {
		t.Fatalf("out = %+v, want EnterV", out)
	}
	if regs.mepc != 0x8040_0000 {
		t.Fatalf("mepc = 0x%x, want 0x8040_0000", regs.mepc)
	}
}

func TestDispatchPageFaultInstallsShadowLeafAndResumes(t *testing.T) {
	c, _, mem := newCore(t)
	hw := newFakeHardware()
	regs := &fakeRegs{mepc: 0x8000_0000}

	gva := uint64(0x40_0000_1000)
	root, l1, l0 := mem.base, mem.base+0x1000, mem.base+0x2000
	c.State.Hyp.Hgatp = (riscv.HgatpModeSv39x4 << riscv.SatpModeShift) | (root >> riscv.PageShift)

	idx2 := c.Router.G.Index(gva, 2)
	idx1 := c.Router.G.Index(gva, 1)
	idx0 := c.Router.G.Index(gva, 0)
	mem.writePTE(root+idx2*riscv.PTESize, (l1>>riscv.PageShift<<riscv.PTEPPNShift)|riscv.PTEV)
	mem.writePTE(l1+idx1*riscv.PTESize, (l0>>riscv.PageShift<<riscv.PTEPPNShift)|riscv.PTEV)
	flags := riscv.PTER | riscv.PTEW | riscv.PTEX | riscv.PTEA | riscv.PTED | riscv.PTEU
	mem.writePTE(l0+idx0*riscv.PTESize, (gva>>riscv.PageShift<<riscv.PTEPPNShift)|flags|riscv.PTEV)

	out := Dispatch(c, hw, regs, riscv.CauseLoadPageFault, gva, 0, false, 0, 0, riscv.PrivSupervisor, false, false)
	if out.Trap != nil {
		t.Fatalf("unexpected trap: cause=%d", out.Trap.Cause)
	}
	if !out.Resumed {
		t.Fatalf("out = %+v, want Resumed", out)
	}
}
