package vmx

import (
	"fmt"
	"math/bits"
	"sort"
)

// PinBased holds the pin-based VM-execution controls.
type PinBased uint32

const (
	PinExternalInterruptExiting PinBased = 1 << 0
	PinNMIExiting               PinBased = 1 << 3
	PinVirtualNMIs              PinBased = 1 << 5
	PinPreemptionTimer          PinBased = 1 << 6
	PinPostedInterrupts         PinBased = 1 << 7
)

// ProcBased holds the primary processor-based VM-execution controls.
type ProcBased uint32

const (
	ProcInterruptWindowExiting ProcBased = 1 << 2
	ProcTSCOffsetting          ProcBased = 1 << 3
	ProcHLTExiting             ProcBased = 1 << 7
	ProcINVLPGExiting          ProcBased = 1 << 9
	ProcMWAITExiting           ProcBased = 1 << 10
	ProcRDPMCExiting           ProcBased = 1 << 11
	ProcRDTSCExiting           ProcBased = 1 << 12
	ProcCR3LoadExiting         ProcBased = 1 << 15
	ProcCR3StoreExiting        ProcBased = 1 << 16
	ProcCR8LoadExiting         ProcBased = 1 << 19
	ProcCR8StoreExiting        ProcBased = 1 << 20
	ProcTPRShadow              ProcBased = 1 << 21
	ProcNMIWindowExiting       ProcBased = 1 << 22
	ProcMovDRExiting           ProcBased = 1 << 23
	ProcUnconditionalIOExiting ProcBased = 1 << 24
	ProcUseIOBitmaps           ProcBased = 1 << 25
	ProcMonitorTrapFlag        ProcBased = 1 << 27
	ProcUseMSRBitmaps          ProcBased = 1 << 28
	ProcMONITORExiting         ProcBased = 1 << 29
	ProcPAUSEExiting           ProcBased = 1 << 30
	ProcSecondaryControls      ProcBased = 1 << 31
)

// ProcBased2 holds the secondary processor-based VM-execution controls.
type ProcBased2 uint32

const (
	Proc2VirtualizeAPICAccesses ProcBased2 = 1 << 0
	Proc2EnableEPT              ProcBased2 = 1 << 1
	Proc2DescriptorTableExiting ProcBased2 = 1 << 2
	Proc2EnableRDTSCP           ProcBased2 = 1 << 3
	Proc2VirtualizeX2APIC       ProcBased2 = 1 << 4
	Proc2EnableVPID             ProcBased2 = 1 << 5
	Proc2WBINVDExiting          ProcBased2 = 1 << 6
	Proc2UnrestrictedGuest      ProcBased2 = 1 << 7
	Proc2APICRegisterVirt       ProcBased2 = 1 << 8
	Proc2VirtualInterrupts      ProcBased2 = 1 << 9
	Proc2PAUSELoopExiting       ProcBased2 = 1 << 10
	Proc2RDRANDExiting          ProcBased2 = 1 << 11
	Proc2EnableINVPCID          ProcBased2 = 1 << 12
	Proc2EnableVMFunctions      ProcBased2 = 1 << 13
	Proc2VMCSShadowing          ProcBased2 = 1 << 14
	Proc2RDSEEDExiting          ProcBased2 = 1 << 16
	Proc2EnablePML              ProcBased2 = 1 << 17
	Proc2EPTViolationVE         ProcBased2 = 1 << 18
	Proc2ConcealVMX             ProcBased2 = 1 << 19
	Proc2EnableXSAVES           ProcBased2 = 1 << 20
	Proc2ModeBasedEPT           ProcBased2 = 1 << 22
	Proc2TSCScaling             ProcBased2 = 1 << 25
)

// ExitCtls holds the VM-exit controls.
type ExitCtls uint32

const (
	ExitSaveDebugControls    ExitCtls = 1 << 2
	ExitHostAddressSpaceSize ExitCtls = 1 << 9
	ExitLoadPerfGlobalCtrl   ExitCtls = 1 << 12
	ExitAcknowledgeInterrupt ExitCtls = 1 << 15
	ExitSavePAT              ExitCtls = 1 << 18
	ExitLoadPAT              ExitCtls = 1 << 19
	ExitSaveEFER             ExitCtls = 1 << 20
	ExitLoadEFER             ExitCtls = 1 << 21
	ExitSavePreemptionTimer  ExitCtls = 1 << 22
	ExitConcealVMXFromPT     ExitCtls = 1 << 24
)

// EntryCtls holds the VM-entry controls.
type EntryCtls uint32

const (
	EntryLoadDebugControls     EntryCtls = 1 << 2
	EntryIA32eModeGuest        EntryCtls = 1 << 9
	EntryToSMM                 EntryCtls = 1 << 10
	EntryDeactivateDualMonitor EntryCtls = 1 << 11
	EntryLoadPerfGlobalCtrl    EntryCtls = 1 << 13
	EntryLoadPAT               EntryCtls = 1 << 14
	EntryLoadEFER              EntryCtls = 1 << 15
)

// Control is any of the VM-execution, VM-exit or VM-entry control words.
type Control interface {
	~uint32
}

// Adjust applies the allowed settings reported by a VMX capability MSR to a
// desired control word. The low half of the capability lists bits that must
// be one, the high half bits that may be one. Requested bits the processor
// cannot set are reported as ErrUnsupportedControl.
func Adjust[T Control](desired T, capability uint64) (T, error) {
	allowed0 := uint32(capability)
	allowed1 := uint32(capability >> 32)
	if missing := uint32(desired) &^ allowed1; missing != 0 {
		return 0, fmt.Errorf("%w: bits %#08x", ErrUnsupportedControl, missing)
	}
	return T((uint32(desired) | allowed0) & allowed1), nil
}

// Supported reports whether every bit of want may be set under capability.
func Supported[T Control](want T, capability uint64) bool {
	return uint32(want)&^uint32(capability>>32) == 0
}

// ControlSet names the control word a ControlBit belongs to.
type ControlSet int

const (
	SetPinBased ControlSet = iota
	SetProcBased
	SetProcBased2
	SetExit
	SetEntry
)

// ControlBit is a single named control, as used in configuration files.
type ControlBit struct {
	Set ControlSet
	Bit uint32
}

var controlNames = map[string]ControlBit{
	"external_interrupt_exiting": {SetPinBased, uint32(PinExternalInterruptExiting)},
	"nmi_exiting":                {SetPinBased, uint32(PinNMIExiting)},
	"virtual_nmis":               {SetPinBased, uint32(PinVirtualNMIs)},
	"hlt_exiting":                {SetProcBased, uint32(ProcHLTExiting)},
	"invlpg_exiting":             {SetProcBased, uint32(ProcINVLPGExiting)},
	"rdtsc_exiting":              {SetProcBased, uint32(ProcRDTSCExiting)},
	"cr3_load_exiting":           {SetProcBased, uint32(ProcCR3LoadExiting)},
	"cr3_store_exiting":          {SetProcBased, uint32(ProcCR3StoreExiting)},
	"mov_dr_exiting":             {SetProcBased, uint32(ProcMovDRExiting)},
	"unconditional_io_exiting":   {SetProcBased, uint32(ProcUnconditionalIOExiting)},
	"use_io_bitmaps":             {SetProcBased, uint32(ProcUseIOBitmaps)},
	"monitor_trap_flag":          {SetProcBased, uint32(ProcMonitorTrapFlag)},
	"pause_exiting":              {SetProcBased, uint32(ProcPAUSEExiting)},
	"descriptor_table_exiting":   {SetProcBased2, uint32(Proc2DescriptorTableExiting)},
	"enable_rdtscp":              {SetProcBased2, uint32(Proc2EnableRDTSCP)},
	"enable_vpid":                {SetProcBased2, uint32(Proc2EnableVPID)},
	"wbinvd_exiting":             {SetProcBased2, uint32(Proc2WBINVDExiting)},
	"unrestricted_guest":         {SetProcBased2, uint32(Proc2UnrestrictedGuest)},
	"enable_invpcid":             {SetProcBased2, uint32(Proc2EnableINVPCID)},
	"enable_xsaves":              {SetProcBased2, uint32(Proc2EnableXSAVES)},
	"conceal_vmx":                {SetProcBased2, uint32(Proc2ConcealVMX)},
	"save_debug_controls":        {SetExit, uint32(ExitSaveDebugControls)},
	"load_debug_controls":        {SetEntry, uint32(EntryLoadDebugControls)},
}

// ParseControl looks up a control by its configuration name.
func ParseControl(name string) (ControlBit, error) {
	c, ok := controlNames[name]
	if !ok {
		return ControlBit{}, fmt.Errorf("%w: %q", ErrUnknownControl, name)
	}
	return c, nil
}

// ControlNames returns every configuration name accepted by ParseControl.
func ControlNames() []string {
	names := make([]string, 0, len(controlNames))
	for n := range controlNames {
		names = append(names, n)
	}
	sort.Strings(names)
	return names
}

// Bits returns the positions of the set bits of a control word, lowest first.
func Bits[T Control](c T) []int {
	var out []int
	for v := uint32(c); v != 0; v &= v - 1 {
		out = append(out, bits.TrailingZeros32(v))
	}
	return out
}
