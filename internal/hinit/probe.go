package hinit

import "github.com/dramforever/opensbi-h/internal/riscv"

// Hardware is the narrow MSTATUS read/write surface Probe needs.
type Hardware interface {
	Read(csr uint16) uint64
	Write(csr uint16, val uint64)
}

// Capabilities records what cold-boot probing found about this hart's
// trap-and-emulate surface.
type Capabilities struct {
	// TWSticky is true if MSTATUS.TW held after being set; when false,
	// VTW degrades to a no-op rather than trapping WFI.
	TWSticky bool
}

// Probe sets MSTATUS.{TVM,TW,TSR}, reads back what stuck, and restores
// the original value. TVM and TSR must both be implemented (read back
// set) or the emulation core cannot intercept guest SATP writes and
// SRET, and must decline to enable itself on this hart. TW failing to
// stick is not fatal: HstatusVTW then degrades to a no-op per the
// design notes.
func Probe(hw Hardware) (Capabilities, error) {
	saved := hw.Read(riscv.CSRMstatus)
	hw.Write(riscv.CSRMstatus, saved|riscv.MstatusTVM|riscv.MstatusTW|riscv.MstatusTSR)
	got := hw.Read(riscv.CSRMstatus)
	hw.Write(riscv.CSRMstatus, saved)

	if got&riscv.MstatusTVM == 0 {
		return Capabilities{}, ErrNoDev{Reason: "hardware does not implement MSTATUS.TVM"}
	}
	if got&riscv.MstatusTSR == 0 {
		return Capabilities{}, ErrNoDev{Reason: "hardware does not implement MSTATUS.TSR"}
	}

	return Capabilities{TWSticky: got&riscv.MstatusTW != 0}, nil
}
