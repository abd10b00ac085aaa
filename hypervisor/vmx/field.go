package vmx

import (
	"fmt"

	"github.com/set-io/vtx/hypervisor/ia32"
)

// Field is a VMCS component encoding as used by VMREAD and VMWRITE.
//
// Bit 0 selects the high half of a 64-bit field, bits 9:1 are the index,
// bits 11:10 the type and bits 14:13 the width.
type Field uint32

// Width is the size class of a VMCS field.
type Width uint8

const (
	Width16      Width = 0
	Width64      Width = 1
	Width32      Width = 2
	WidthNatural Width = 3
)

// FieldType is the category of a VMCS field.
type FieldType uint8

const (
	TypeControl  FieldType = 0
	TypeExitInfo FieldType = 1
	TypeGuest    FieldType = 2
	TypeHost     FieldType = 3
)

func (f Field) Width() Width { return Width(f>>13) & 3 }
func (f Field) Type() FieldType { return FieldType(f>>10) & 3 }
func (f Field) Index() uint16 { return uint16(f>>1) & 0x1FF }
func (f Field) High() bool { return f&1 != 0 }
func (f Field) ReadOnly() bool { return f.Type() == TypeExitInfo }

// Valid reports whether the encoding has no reserved bits set and the high
// access form is only used with 64-bit fields.
func (f Field) Valid() bool {
	if f&^0x6FFF != 0 {
		return false
	}
	return !f.High() || f.Width() == Width64
}

// Mask returns the mask of the bits a field of this width holds.
func (f Field) Mask() uint64 {
	switch {
	case f.High():
		return 0xFFFFFFFF
	case f.Width() == Width16:
		return 0xFFFF
	case f.Width() == Width32:
		return 0xFFFFFFFF
	}
	return ^uint64(0)
}

// 16-bit fields.
const (
	VirtualProcessorID    Field = 0x0000
	PostedInterruptVector Field = 0x0002
	EPTPIndex             Field = 0x0004
	GuestESSelector       Field = 0x0800
	GuestCSSelector       Field = 0x0802
	GuestSSSelector       Field = 0x0804
	GuestDSSelector       Field = 0x0806
	GuestFSSelector       Field = 0x0808
	GuestGSSelector       Field = 0x080A
	GuestLDTRSelector     Field = 0x080C
	GuestTRSelector       Field = 0x080E
	GuestInterruptStatus  Field = 0x0810
	GuestPMLIndex         Field = 0x0812
	HostESSelector        Field = 0x0C00
	HostCSSelector        Field = 0x0C02
	HostSSSelector        Field = 0x0C04
	HostDSSelector        Field = 0x0C06
	HostFSSelector        Field = 0x0C08
	HostGSSelector        Field = 0x0C0A
	HostTRSelector        Field = 0x0C0C
)

// 64-bit fields.
const (
	IOBitmapA                 Field = 0x2000
	IOBitmapB                 Field = 0x2002
	MSRBitmapAddress          Field = 0x2004
	ExitMSRStoreAddress       Field = 0x2006
	ExitMSRLoadAddress        Field = 0x2008
	EntryMSRLoadAddress       Field = 0x200A
	ExecutiveVMCSPointer      Field = 0x200C
	PMLAddress                Field = 0x200E
	TSCOffset                 Field = 0x2010
	VirtualAPICAddress        Field = 0x2012
	APICAccessAddress         Field = 0x2014
	PostedInterruptDescriptor Field = 0x2016
	VMFunctionControls        Field = 0x2018
	EPTPointer                Field = 0x201A
	EOIExitBitmap0            Field = 0x201C
	EOIExitBitmap1            Field = 0x201E
	EOIExitBitmap2            Field = 0x2020
	EOIExitBitmap3            Field = 0x2022
	EPTPListAddress           Field = 0x2024
	VMReadBitmap              Field = 0x2026
	VMWriteBitmap             Field = 0x2028
	VEInformationAddress      Field = 0x202A
	XSSExitingBitmap          Field = 0x202C
	TSCMultiplier             Field = 0x2032
	GuestPhysicalAddress      Field = 0x2400
	VMCSLinkPointer           Field = 0x2800
	GuestDebugCtl             Field = 0x2802
	GuestPAT                  Field = 0x2804
	GuestEFER                 Field = 0x2806
	GuestPerfGlobalCtrl       Field = 0x2808
	GuestPDPTE0               Field = 0x280A
	GuestPDPTE1               Field = 0x280C
	GuestPDPTE2               Field = 0x280E
	GuestPDPTE3               Field = 0x2810
	HostPAT                   Field = 0x2C00
	HostEFER                  Field = 0x2C02
	HostPerfGlobalCtrl        Field = 0x2C04
)

// 32-bit fields.
const (
	PinBasedControls          Field = 0x4000
	ProcBasedControls         Field = 0x4002
	ExceptionBitmap           Field = 0x4004
	PageFaultErrorCodeMask    Field = 0x4006
	PageFaultErrorCodeMatch   Field = 0x4008
	CR3TargetCount            Field = 0x400A
	ExitControls              Field = 0x400C
	ExitMSRStoreCount         Field = 0x400E
	ExitMSRLoadCount          Field = 0x4010
	EntryControls             Field = 0x4012
	EntryMSRLoadCount         Field = 0x4014
	EntryInterruptionInfo     Field = 0x4016
	EntryExceptionErrorCode   Field = 0x4018
	EntryInstructionLength    Field = 0x401A
	TPRThreshold              Field = 0x401C
	ProcBasedControls2        Field = 0x401E
	PLEGap                    Field = 0x4020
	PLEWindow                 Field = 0x4022
	VMInstructionError        Field = 0x4400
	ExitReasonField           Field = 0x4402
	ExitInterruptionInfo      Field = 0x4404
	ExitInterruptionErrorCode Field = 0x4406
	IDTVectoringInfo          Field = 0x4408
	IDTVectoringErrorCode     Field = 0x440A
	ExitInstructionLength     Field = 0x440C
	ExitInstructionInfo       Field = 0x440E
	GuestESLimit              Field = 0x4800
	GuestCSLimit              Field = 0x4802
	GuestSSLimit              Field = 0x4804
	GuestDSLimit              Field = 0x4806
	GuestFSLimit              Field = 0x4808
	GuestGSLimit              Field = 0x480A
	GuestLDTRLimit            Field = 0x480C
	GuestTRLimit              Field = 0x480E
	GuestGDTRLimit            Field = 0x4810
	GuestIDTRLimit            Field = 0x4812
	GuestESAccessRights       Field = 0x4814
	GuestCSAccessRights       Field = 0x4816
	GuestSSAccessRights       Field = 0x4818
	GuestDSAccessRights       Field = 0x481A
	GuestFSAccessRights       Field = 0x481C
	GuestGSAccessRights       Field = 0x481E
	GuestLDTRAccessRights     Field = 0x4820
	GuestTRAccessRights       Field = 0x4822
	GuestInterruptibility     Field = 0x4824
	GuestActivityState        Field = 0x4826
	GuestSMBase               Field = 0x4828
	GuestSysenterCS           Field = 0x482A
	GuestPreemptionTimer      Field = 0x482E
	HostSysenterCS            Field = 0x4C00
)

// Natural-width fields.
const (
	CR0GuestHostMask   Field = 0x6000
	CR4GuestHostMask   Field = 0x6002
	CR0ReadShadow      Field = 0x6004
	CR4ReadShadow      Field = 0x6006
	CR3Target0         Field = 0x6008
	CR3Target1         Field = 0x600A
	CR3Target2         Field = 0x600C
	CR3Target3         Field = 0x600E
	ExitQualification  Field = 0x6400
	IORCX              Field = 0x6402
	IORSI              Field = 0x6404
	IORDI              Field = 0x6406
	IORIP              Field = 0x6408
	GuestLinearAddress Field = 0x640A
	GuestCR0           Field = 0x6800
	GuestCR3           Field = 0x6802
	GuestCR4           Field = 0x6804
	GuestESBase        Field = 0x6806
	GuestCSBase        Field = 0x6808
	GuestSSBase        Field = 0x680A
	GuestDSBase        Field = 0x680C
	GuestFSBase        Field = 0x680E
	GuestGSBase        Field = 0x6810
	GuestLDTRBase      Field = 0x6812
	GuestTRBase        Field = 0x6814
	GuestGDTRBase      Field = 0x6816
	GuestIDTRBase      Field = 0x6818
	GuestDR7           Field = 0x681A
	GuestRSP           Field = 0x681C
	GuestRIP           Field = 0x681E
	GuestRFLAGS        Field = 0x6820
	GuestPendingDebug  Field = 0x6822
	GuestSysenterESP   Field = 0x6824
	GuestSysenterEIP   Field = 0x6826
	HostCR0            Field = 0x6C00
	HostCR3            Field = 0x6C02
	HostCR4            Field = 0x6C04
	HostFSBase         Field = 0x6C06
	HostGSBase         Field = 0x6C08
	HostTRBase         Field = 0x6C0A
	HostGDTRBase       Field = 0x6C0C
	HostIDTRBase       Field = 0x6C0E
	HostSysenterESP    Field = 0x6C10
	HostSysenterEIP    Field = 0x6C12
	HostRSP            Field = 0x6C14
	HostRIP            Field = 0x6C16
)

// GuestSelectorField returns the guest selector field of r.
func GuestSelectorField(r ia32.SegmentRegister) Field {
	return GuestESSelector + Field(r)*2
}

// GuestBaseField returns the guest base field of r.
func GuestBaseField(r ia32.SegmentRegister) Field {
	return GuestESBase + Field(r)*2
}

// GuestLimitField returns the guest limit field of r.
func GuestLimitField(r ia32.SegmentRegister) Field {
	return GuestESLimit + Field(r)*2
}

// GuestAccessRightsField returns the guest access-rights field of r.
func GuestAccessRightsField(r ia32.SegmentRegister) Field {
	return GuestESAccessRights + Field(r)*2
}

// HostSelectorField returns the host selector field of r. The host state
// area has no LDTR; ok is false for it.
func HostSelectorField(r ia32.SegmentRegister) (f Field, ok bool) {
	switch {
	case r >= ia32.ES && r <= ia32.GS:
		return HostESSelector + Field(r)*2, true
	case r == ia32.TR:
		return HostTRSelector, true
	}
	return 0, false
}

// HostBaseField returns the host base field of r. Only FS, GS and TR carry
// a base in the host state area.
func HostBaseField(r ia32.SegmentRegister) (f Field, ok bool) {
	switch r {
	case ia32.FS:
		return HostFSBase, true
	case ia32.GS:
		return HostGSBase, true
	case ia32.TR:
		return HostTRBase, true
	}
	return 0, false
}

var fieldNames = map[Field]string{
	VirtualProcessorID:      "vpid",
	EPTPointer:              "ept_pointer",
	IOBitmapA:               "io_bitmap_a",
	IOBitmapB:               "io_bitmap_b",
	MSRBitmapAddress:        "msr_bitmap",
	VMCSLinkPointer:         "vmcs_link_pointer",
	PinBasedControls:        "pin_based_controls",
	ProcBasedControls:       "proc_based_controls",
	ProcBasedControls2:      "proc_based_controls2",
	ExceptionBitmap:         "exception_bitmap",
	ExitControls:            "exit_controls",
	EntryControls:           "entry_controls",
	EntryInterruptionInfo:   "entry_interruption_info",
	EntryExceptionErrorCode: "entry_exception_error_code",
	EntryInstructionLength:  "entry_instruction_length",
	VMInstructionError:      "vm_instruction_error",
	ExitReasonField:         "exit_reason",
	ExitQualification:       "exit_qualification",
	ExitInstructionLength:   "exit_instruction_length",
	ExitInstructionInfo:     "exit_instruction_info",
	GuestPhysicalAddress:    "guest_physical_address",
	GuestLinearAddress:      "guest_linear_address",
	GuestCR0:                "guest_cr0",
	GuestCR3:                "guest_cr3",
	GuestCR4:                "guest_cr4",
	GuestRSP:                "guest_rsp",
	GuestRIP:                "guest_rip",
	GuestRFLAGS:             "guest_rflags",
	HostCR0:                 "host_cr0",
	HostCR3:                 "host_cr3",
	HostCR4:                 "host_cr4",
	HostRSP:                 "host_rsp",
	HostRIP:                 "host_rip",
}

func (f Field) String() string {
	if s, ok := fieldNames[f]; ok {
		return s
	}
	return fmt.Sprintf("field(%#04x)", uint32(f))
}
