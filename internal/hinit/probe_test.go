package hinit

import (
	"errors"
	"testing"

	"github.com/dramforever/opensbi-h/internal/riscv"
)

type fakeHardware struct {
	mstatus  uint64
	stickTVM bool
	stickTSR bool
	stickTW  bool
}

func (h *fakeHardware) Read(csr uint16) uint64 {
	if csr != riscv.CSRMstatus {
		panic("unexpected csr")
	}
	return h.mstatus
}

func (h *fakeHardware) Write(csr uint16, val uint64) {
	if csr != riscv.CSRMstatus {
		panic("unexpected csr")
	}
	masked := val
	if !h.stickTVM {
		masked &^= riscv.MstatusTVM
	}
	if !h.stickTSR {
		masked &^= riscv.MstatusTSR
	}
	if !h.stickTW {
		masked &^= riscv.MstatusTW
	}
	h.mstatus = masked
}

func TestProbeDeclinesWhenTVMDoesNotStick(t *testing.T) {
	hw := &fakeHardware{mstatus: 0, stickTVM: false, stickTSR: true, stickTW: true}
	_, err := Probe(hw)
	var want ErrNoDev
	if !errors.As(err, &want) {
		t.Fatalf("Probe error = %v, want ErrNoDev", err)
	}
}

func TestProbeDeclinesWhenTSRDoesNotStick(t *testing.T) {
	hw := &fakeHardware{mstatus: 0, stickTVM: true, stickTSR: false, stickTW: true}
	_, err := Probe(hw)
	var want ErrNoDev
	if !errors.As(err, &want) {
		t.Fatalf("Probe error = %v, want ErrNoDev", err)
	}
}

func TestProbeDegradesVTWWhenTWDoesNotStick(t *testing.T) {
	hw := &fakeHardware{mstatus: 0, stickTVM: true, stickTSR: true, stickTW: false}
	caps, err := Probe(hw)
	if err != nil {
		t.Fatalf("Probe: %v", err)
	}
	if caps.TWSticky {
		t.Fatalf("TWSticky = true, want false")
	}
}

func TestProbeAllStick(t *testing.T) {
	hw := &fakeHardware{mstatus: 0, stickTVM: true, stickTSR: true, stickTW: true}
	caps, err := Probe(hw)
	if err != nil {
		t.Fatalf("Probe: %v", err)
	}
	if !caps.TWSticky {
		t.Fatalf("TWSticky = false, want true")
	}
}

func TestProbeRestoresOriginalMstatus(t *testing.T) {
	hw := &fakeHardware{mstatus: 0x1234, stickTVM: true, stickTSR: true, stickTW: true}
	if _, err := Probe(hw); err != nil {
		t.Fatalf("Probe: %v", err)
	}
	if hw.mstatus != 0x1234 {
		t.Fatalf("mstatus = 0x%x after Probe, want original 0x1234 restored", hw.mstatus)
	}
}
