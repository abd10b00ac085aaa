package vmx

import "github.com/set-io/vtx/hypervisor/ia32"

// Basic is the value of IA32_VMX_BASIC.
type Basic uint64

const (
	basicIOExitInfo   Basic = 1 << 54
	basicTrueControls Basic = 1 << 55
)

// NewBasic encodes an IA32_VMX_BASIC value.
func NewBasic(revision uint32, regionSize int, memoryType uint8, trueControls bool) Basic {
	b := Basic(revision&0x7FFFFFFF) | Basic(regionSize&0x1FFF)<<32 | Basic(memoryType&0xF)<<50 | basicIOExitInfo
	if trueControls {
		b |= basicTrueControls
	}
	return b
}

// Revision returns the VMCS revision identifier that must head every VMXON
// region and VMCS.
func (b Basic) Revision() uint32 { return uint32(b) & 0x7FFFFFFF }
func (b Basic) RegionSize() int { return int(b>>32) & 0x1FFF }
func (b Basic) MemoryType() uint8 { return uint8(b>>50) & 0xF }
func (b Basic) IOExitInfo() bool { return b&basicIOExitInfo != 0 }
func (b Basic) TrueControls() bool { return b&basicTrueControls != 0 }

// EPTVPIDCap is the value of IA32_VMX_EPT_VPID_CAP.
type EPTVPIDCap uint64

const (
	EPTExecuteOnly     EPTVPIDCap = 1 << 0
	EPTPageWalk4       EPTVPIDCap = 1 << 6
	EPTUncachedType    EPTVPIDCap = 1 << 8
	EPTWriteBackType   EPTVPIDCap = 1 << 14
	EPTLarge2M         EPTVPIDCap = 1 << 16
	EPTLarge1G         EPTVPIDCap = 1 << 17
	EPTINVEPT          EPTVPIDCap = 1 << 20
	EPTAccessDirty     EPTVPIDCap = 1 << 21
	EPTINVEPTSingle    EPTVPIDCap = 1 << 25
	EPTINVEPTAll       EPTVPIDCap = 1 << 26
	VPIDINVVPID        EPTVPIDCap = 1 << 32
	VPIDINVVPIDAddress EPTVPIDCap = 1 << 40
	VPIDINVVPIDSingle  EPTVPIDCap = 1 << 41
	VPIDINVVPIDAll     EPTVPIDCap = 1 << 42
)

func (c EPTVPIDCap) Has(bits EPTVPIDCap) bool { return c&bits == bits }

// Misc is the value of IA32_VMX_MISC.
type Misc uint64

// PreemptionTimerRate returns the shift applied to the TSC to obtain the
// VMX-preemption timer rate.
func (m Misc) PreemptionTimerRate() uint8 { return uint8(m & 0x1F) }
func (m Misc) ActivityHLT() bool { return m&(1<<6) != 0 }

// Capabilities collects the VMX capability MSRs of one logical processor.
type Capabilities struct {
	Basic      Basic      `json:"basic"`
	PinBased   uint64     `json:"pin_based"`
	ProcBased  uint64     `json:"proc_based"`
	ProcBased2 uint64     `json:"proc_based2"`
	Exit       uint64     `json:"exit"`
	Entry      uint64     `json:"entry"`
	Misc       Misc       `json:"misc"`
	EPTVPID    EPTVPIDCap `json:"ept_vpid"`
	CR0Fixed0  uint64     `json:"cr0_fixed0"`
	CR0Fixed1  uint64     `json:"cr0_fixed1"`
	CR4Fixed0  uint64     `json:"cr4_fixed0"`
	CR4Fixed1  uint64     `json:"cr4_fixed1"`
}

// ReadCapabilities reads the capability MSRs through rdmsr, preferring the
// TRUE_ control MSRs when IA32_VMX_BASIC advertises them.
func ReadCapabilities(rdmsr func(ia32.MSR) uint64) Capabilities {
	c := Capabilities{Basic: Basic(rdmsr(ia32.MSRVMXBasic))}
	pin, proc, exit, entry := ia32.MSRVMXPinbasedCtls, ia32.MSRVMXProcbasedCtls, ia32.MSRVMXExitCtls, ia32.MSRVMXEntryCtls
	if c.Basic.TrueControls() {
		pin, proc, exit, entry = ia32.MSRVMXTruePinbased, ia32.MSRVMXTrueProcbased, ia32.MSRVMXTrueExitCtls, ia32.MSRVMXTrueEntryCtls
	}
	c.PinBased = rdmsr(pin)
	c.ProcBased = rdmsr(proc)
	c.Exit = rdmsr(exit)
	c.Entry = rdmsr(entry)
	c.Misc = Misc(rdmsr(ia32.MSRVMXMisc))
	c.CR0Fixed0 = rdmsr(ia32.MSRVMXCR0Fixed0)
	c.CR0Fixed1 = rdmsr(ia32.MSRVMXCR0Fixed1)
	c.CR4Fixed0 = rdmsr(ia32.MSRVMXCR4Fixed0)
	c.CR4Fixed1 = rdmsr(ia32.MSRVMXCR4Fixed1)
	if Supported(ProcSecondaryControls, c.ProcBased) {
		c.ProcBased2 = rdmsr(ia32.MSRVMXProcbasedCtls2)
		if Supported(Proc2EnableEPT, c.ProcBased2) || Supported(Proc2EnableVPID, c.ProcBased2) {
			c.EPTVPID = EPTVPIDCap(rdmsr(ia32.MSRVMXEPTVPIDCap))
		}
	}
	return c
}

// FixCR0 forces the bits IA32_VMX_CR0_FIXED0/1 require for VMX operation.
func (c Capabilities) FixCR0(cr0 ia32.CR0) ia32.CR0 {
	return ia32.CR0((uint64(cr0) | c.CR0Fixed0) & c.CR0Fixed1)
}

// FixCR4 forces the bits IA32_VMX_CR4_FIXED0/1 require for VMX operation.
func (c Capabilities) FixCR4(cr4 ia32.CR4) ia32.CR4 {
	return ia32.CR4((uint64(cr4) | c.CR4Fixed0) & c.CR4Fixed1)
}

// Report is a readable summary of a Capabilities value.
type Report struct {
	Revision          uint32   `json:"vmcs_revision"`
	RegionSize        int      `json:"region_size"`
	TrueControls      bool     `json:"true_controls"`
	EPT               bool     `json:"ept"`
	UnrestrictedGuest bool     `json:"unrestricted_guest"`
	VPID              bool     `json:"vpid"`
	PreemptionTimer   bool     `json:"preemption_timer"`
	AccessDirty       bool     `json:"ept_access_dirty"`
	WriteBack         bool     `json:"ept_write_back"`
	Controls          []string `json:"available_controls"`
}

// Report summarises the capabilities for display.
func (c Capabilities) Report() Report {
	r := Report{
		Revision:          c.Basic.Revision(),
		RegionSize:        c.Basic.RegionSize(),
		TrueControls:      c.Basic.TrueControls(),
		EPT:               Supported(Proc2EnableEPT, c.ProcBased2),
		UnrestrictedGuest: Supported(Proc2UnrestrictedGuest, c.ProcBased2),
		VPID:              Supported(Proc2EnableVPID, c.ProcBased2),
		PreemptionTimer:   Supported(PinPreemptionTimer, c.PinBased),
		AccessDirty:       c.EPTVPID.Has(EPTAccessDirty),
		WriteBack:         c.EPTVPID.Has(EPTWriteBackType),
	}
	for _, name := range ControlNames() {
		bit := controlNames[name]
		if c.supports(bit) {
			r.Controls = append(r.Controls, name)
		}
	}
	return r
}

func (c Capabilities) supports(b ControlBit) bool {
	var capability uint64
	switch b.Set {
	case SetPinBased:
		capability = c.PinBased
	case SetProcBased:
		capability = c.ProcBased
	case SetProcBased2:
		capability = c.ProcBased2
	case SetExit:
		capability = c.Exit
	case SetEntry:
		capability = c.Entry
	}
	return uint32(b.Bit)&^uint32(capability>>32) == 0
}
