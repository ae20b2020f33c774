// Package riscv collects the RISC-V ISA constants shared by the
// hypervisor-extension emulation packages: CSR addresses, privilege
// and PTE bit layouts, and trap cause numbers. It holds no behaviour,
// only the numbers the privileged architecture fixes.
package riscv

// Privilege levels.
const (
	PrivUser       uint8 = 0
	PrivSupervisor uint8 = 1
	PrivMachine    uint8 = 3
)

// mstatus bits relevant to H-extension emulation.
const (
	MstatusSIE  uint64 = 1 << 1
	MstatusMIE  uint64 = 1 << 3
	MstatusSPIE uint64 = 1 << 5
	MstatusMPIE uint64 = 1 << 7
	MstatusSPP  uint64 = 1 << 8
	MstatusVS   uint64 = 3 << 9
	MstatusMPP  uint64 = 3 << 11
	MstatusFS   uint64 = 3 << 13
	MstatusMPRV uint64 = 1 << 17
	MstatusSUM  uint64 = 1 << 18
	MstatusMXR  uint64 = 1 << 19
	MstatusTVM  uint64 = 1 << 20
	MstatusTW   uint64 = 1 << 21
	MstatusTSR  uint64 = 1 << 22

	MstatusMPPShift = 11
	MstatusSPPShift = 8
	MstatusFSShift  = 13
	MstatusVSShift  = 9
)

// FS/VS extension-status encodings (mstatus.FS / mstatus.VS / vsstatus.FS).
const (
	ExtStatusOff     uint64 = 0
	ExtStatusInitial uint64 = 1
	ExtStatusClean   uint64 = 2
	ExtStatusDirty   uint64 = 3
)

// hstatus bits (RISC-V H-extension v1.0).
const (
	HstatusVSBE  uint64 = 1 << 5
	HstatusGVA   uint64 = 1 << 6
	HstatusSPV   uint64 = 1 << 7
	HstatusSPVP  uint64 = 1 << 8
	HstatusHU    uint64 = 1 << 9
	HstatusVGEIN uint64 = 0x3f << 12
	HstatusVTVM  uint64 = 1 << 20
	HstatusVTW   uint64 = 1 << 21
	HstatusVTSR  uint64 = 1 << 22
	HstatusVSXL  uint64 = 3 << 32

	// HstatusWritable is the set of hstatus bits this emulation accepts
	// from the guest; everything else is WARL-masked to zero.
	HstatusWritable = HstatusGVA | HstatusSPV | HstatusSPVP | HstatusHU |
		HstatusVTVM | HstatusVTW | HstatusVTSR
)

// hedeleg: the subset of exception causes that are S-delegatable and
// therefore legal to set in hedeleg.
const HedelegWritable uint64 = (1 << CauseInsnAddrMisaligned) |
	(1 << CauseInsnAccessFault) |
	(1 << CauseIllegalInsn) |
	(1 << CauseBreakpoint) |
	(1 << CauseLoadAddrMisaligned) |
	(1 << CauseLoadAccessFault) |
	(1 << CauseStoreAddrMisaligned) |
	(1 << CauseStoreAccessFault) |
	(1 << CauseEcallFromU) |
	(1 << CauseInsnPageFault) |
	(1 << CauseLoadPageFault) |
	(1 << CauseStorePageFault)

// hideleg/hie/hip/hvip are all masked to the three VS-level interrupt bits.
const (
	MipSSIP  uint64 = 1 << 1
	MipVSSIP uint64 = 1 << 2
	MipVSTIP uint64 = 1 << 6
	MipVSEIP uint64 = 1 << 10
	MipSGEIP uint64 = 1 << 12

	HidelegWritable = MipVSSIP | MipVSTIP | MipVSEIP
)

// SATP/HGATP/VSATP mode field encodings.
const (
	SatpModeBare  uint64 = 0
	SatpModeSv39  uint64 = 8
	SatpModeSv48  uint64 = 9
	SatpModeShift        = 60
	SatpPPNMask   uint64 = (1 << 44) - 1
	SatpASIDShift        = 44
	SatpASIDMask  uint64 = 0xffff << SatpASIDShift

	HgatpModeSv39x4 uint64 = 8
	HgatpVMIDShift         = 44
	HgatpVMIDMask   uint64 = 0x3fff << HgatpVMIDShift
)

// PTE flag bits, shared by VS-stage, G-stage and the real shadow table.
const (
	PTEV uint64 = 1 << 0
	PTER uint64 = 1 << 1
	PTEW uint64 = 1 << 2
	PTEX uint64 = 1 << 3
	PTEU uint64 = 1 << 4
	PTEG uint64 = 1 << 5
	PTEA uint64 = 1 << 6
	PTED uint64 = 1 << 7

	PTERWX = PTER | PTEW | PTEX

	PTEPPNShift = 10
	PTESize     = 8
	PageShift   = 12
	PageSize    = 1 << PageShift
	PageMask    = PageSize - 1

	// PTEReservedHigh covers the reserved PTE bits (54-60) that must be
	// zero per the privileged spec; bit 63 is PBMT[1] on
	// Svpbmt-capable harts but this emulation does not advertise Svpbmt.
	PTEReservedHigh uint64 = 0x7f << 54
)

// Exception causes (scause / mcause, non-interrupt).
const (
	CauseInsnAddrMisaligned  uint64 = 0
	CauseInsnAccessFault     uint64 = 1
	CauseIllegalInsn         uint64 = 2
	CauseBreakpoint          uint64 = 3
	CauseLoadAddrMisaligned  uint64 = 4
	CauseLoadAccessFault     uint64 = 5
	CauseStoreAddrMisaligned uint64 = 6
	CauseStoreAccessFault    uint64 = 7
	CauseEcallFromU          uint64 = 8
	CauseEcallFromS          uint64 = 9
	CauseEcallFromVS         uint64 = 10
	CauseEcallFromM          uint64 = 11
	CauseInsnPageFault       uint64 = 12
	CauseLoadPageFault       uint64 = 13
	CauseStorePageFault      uint64 = 15
	CauseInsnGuestPageFault  uint64 = 20
	CauseLoadGuestPageFault  uint64 = 21
	CauseVirtualInsn         uint64 = 22
	CauseStoreGuestPageFault uint64 = 23
)

// CSR addresses used by the H-extension emulation core.
const (
	CSRSstatus  uint16 = 0x100
	CSRSie      uint16 = 0x104
	CSRStvec    uint16 = 0x105
	CSRSscratch uint16 = 0x140
	CSRSepc     uint16 = 0x141
	CSRScause   uint16 = 0x142
	CSRStval    uint16 = 0x143
	CSRSip      uint16 = 0x144
	CSRSatp     uint16 = 0x180

	CSRHstatus uint16 = 0x600
	CSRHedeleg uint16 = 0x602
	CSRHideleg uint16 = 0x603
	CSRHie     uint16 = 0x604
	CSRHcounteren uint16 = 0x606
	CSRHgeie   uint16 = 0x607
	CSRHtval   uint16 = 0x643
	CSRHip     uint16 = 0x644
	CSRHvip    uint16 = 0x645
	CSRHtinst  uint16 = 0x64a
	CSRHgatp   uint16 = 0x680
	CSRHenvcfg uint16 = 0x60a
	CSRHgeip   uint16 = 0xe12

	CSRVsstatus  uint16 = 0x200
	CSRVsie      uint16 = 0x204
	CSRVstvec    uint16 = 0x205
	CSRVsscratch uint16 = 0x240
	CSRVsepc     uint16 = 0x241
	CSRVscause   uint16 = 0x242
	CSRVstval    uint16 = 0x243
	CSRVsip      uint16 = 0x244
	CSRVsatp     uint16 = 0x280

	CSRMstatus   uint16 = 0x300
	CSRMedeleg   uint16 = 0x302
	CSRMideleg   uint16 = 0x303
	CSRMcounteren uint16 = 0x306
	CSRMepc      uint16 = 0x341
	CSRMcause    uint16 = 0x342
	CSRMtval     uint16 = 0x343
	CSRMip       uint16 = 0x344
	CSRMtval2    uint16 = 0x34a
	CSRMtinst    uint16 = 0x34b
)

// McounterenTIME is the bit of m/scounteren that gates CSR TIME reads.
const McounterenTIME uint64 = 1 << 1

// IsHCSR reports whether csr falls in the hypervisor CSR address range.
func IsHCSR(csr uint16) bool {
	return csr&0xff00 == 0x600 || csr == CSRHgeip
}

// IsVSCSR reports whether csr falls in the VS-CSR address range.
func IsVSCSR(csr uint16) bool {
	return csr&0xff00 == 0x200
}
