package vmx

import "fmt"

// ExitReason is the basic exit reason, bits 15:0 of the exit-reason field.
type ExitReason uint16

const (
	ExitExceptionOrNMI      ExitReason = 0
	ExitExternalInterrupt   ExitReason = 1
	ExitTripleFault         ExitReason = 2
	ExitINIT                ExitReason = 3
	ExitSIPI                ExitReason = 4
	ExitIOSMI               ExitReason = 5
	ExitOtherSMI            ExitReason = 6
	ExitInterruptWindow     ExitReason = 7
	ExitNMIWindow           ExitReason = 8
	ExitTaskSwitch          ExitReason = 9
	ExitCPUID               ExitReason = 10
	ExitGETSEC              ExitReason = 11
	ExitHLT                 ExitReason = 12
	ExitINVD                ExitReason = 13
	ExitINVLPG              ExitReason = 14
	ExitRDPMC               ExitReason = 15
	ExitRDTSC               ExitReason = 16
	ExitRSM                 ExitReason = 17
	ExitVMCALL              ExitReason = 18
	ExitVMCLEAR             ExitReason = 19
	ExitVMLAUNCH            ExitReason = 20
	ExitVMPTRLD             ExitReason = 21
	ExitVMPTRST             ExitReason = 22
	ExitVMREAD              ExitReason = 23
	ExitVMRESUME            ExitReason = 24
	ExitVMWRITE             ExitReason = 25
	ExitVMXOFF              ExitReason = 26
	ExitVMXON               ExitReason = 27
	ExitMovCR               ExitReason = 28
	ExitMovDR               ExitReason = 29
	ExitIOInstruction       ExitReason = 30
	ExitRDMSR               ExitReason = 31
	ExitWRMSR               ExitReason = 32
	ExitInvalidGuestState   ExitReason = 33
	ExitMSRLoading          ExitReason = 34
	ExitMWAIT               ExitReason = 36
	ExitMonitorTrapFlag     ExitReason = 37
	ExitMONITOR             ExitReason = 39
	ExitPAUSE               ExitReason = 40
	ExitMachineCheck        ExitReason = 41
	ExitTPRBelowThreshold   ExitReason = 43
	ExitAPICAccess          ExitReason = 44
	ExitVirtualizedEOI      ExitReason = 45
	ExitGDTRIDTRAccess      ExitReason = 46
	ExitLDTRTRAccess        ExitReason = 47
	ExitEPTViolation        ExitReason = 48
	ExitEPTMisconfiguration ExitReason = 49
	ExitINVEPT              ExitReason = 50
	ExitRDTSCP              ExitReason = 51
	ExitPreemptionTimer     ExitReason = 52
	ExitINVVPID             ExitReason = 53
	ExitWBINVD              ExitReason = 54
	ExitXSETBV              ExitReason = 55
	ExitAPICWrite           ExitReason = 56
	ExitRDRAND              ExitReason = 57
	ExitINVPCID             ExitReason = 58
	ExitVMFUNC              ExitReason = 59
	ExitENCLS               ExitReason = 60
	ExitRDSEED              ExitReason = 61
	ExitPMLFull             ExitReason = 62
	ExitXSAVES              ExitReason = 63
	ExitXRSTORS             ExitReason = 64
)

// NumExitReasons bounds the basic exit reasons defined above.
const NumExitReasons = 65

var exitNames = map[ExitReason]string{
	ExitExceptionOrNMI:      "exception_or_nmi",
	ExitExternalInterrupt:   "external_interrupt",
	ExitTripleFault:         "triple_fault",
	ExitINIT:                "init",
	ExitSIPI:                "sipi",
	ExitIOSMI:               "io_smi",
	ExitOtherSMI:            "other_smi",
	ExitInterruptWindow:     "interrupt_window",
	ExitNMIWindow:           "nmi_window",
	ExitTaskSwitch:          "task_switch",
	ExitCPUID:               "cpuid",
	ExitGETSEC:              "getsec",
	ExitHLT:                 "hlt",
	ExitINVD:                "invd",
	ExitINVLPG:              "invlpg",
	ExitRDPMC:               "rdpmc",
	ExitRDTSC:               "rdtsc",
	ExitRSM:                 "rsm",
	ExitVMCALL:              "vmcall",
	ExitVMCLEAR:             "vmclear",
	ExitVMLAUNCH:            "vmlaunch",
	ExitVMPTRLD:             "vmptrld",
	ExitVMPTRST:             "vmptrst",
	ExitVMREAD:              "vmread",
	ExitVMRESUME:            "vmresume",
	ExitVMWRITE:             "vmwrite",
	ExitVMXOFF:              "vmxoff",
	ExitVMXON:               "vmxon",
	ExitMovCR:               "mov_cr",
	ExitMovDR:               "mov_dr",
	ExitIOInstruction:       "io_instruction",
	ExitRDMSR:               "rdmsr",
	ExitWRMSR:               "wrmsr",
	ExitInvalidGuestState:   "invalid_guest_state",
	ExitMSRLoading:          "msr_loading",
	ExitMWAIT:               "mwait",
	ExitMonitorTrapFlag:     "monitor_trap_flag",
	ExitMONITOR:             "monitor",
	ExitPAUSE:               "pause",
	ExitMachineCheck:        "machine_check",
	ExitTPRBelowThreshold:   "tpr_below_threshold",
	ExitAPICAccess:          "apic_access",
	ExitVirtualizedEOI:      "virtualized_eoi",
	ExitGDTRIDTRAccess:      "gdtr_idtr_access",
	ExitLDTRTRAccess:        "ldtr_tr_access",
	ExitEPTViolation:        "ept_violation",
	ExitEPTMisconfiguration: "ept_misconfiguration",
	ExitINVEPT:              "invept",
	ExitRDTSCP:              "rdtscp",
	ExitPreemptionTimer:     "preemption_timer",
	ExitINVVPID:             "invvpid",
	ExitWBINVD:              "wbinvd",
	ExitXSETBV:              "xsetbv",
	ExitAPICWrite:           "apic_write",
	ExitRDRAND:              "rdrand",
	ExitINVPCID:             "invpcid",
	ExitVMFUNC:              "vmfunc",
	ExitENCLS:               "encls",
	ExitRDSEED:              "rdseed",
	ExitPMLFull:             "pml_full",
	ExitXSAVES:              "xsaves",
	ExitXRSTORS:             "xrstors",
}

func (r ExitReason) String() string {
	if s, ok := exitNames[r]; ok {
		return s
	}
	return fmt.Sprintf("exit(%d)", uint16(r))
}

// VMXInstruction reports whether the exit was caused by the guest executing
// a VMX instruction.
func (r ExitReason) VMXInstruction() bool {
	switch r {
	case ExitVMCLEAR, ExitVMLAUNCH, ExitVMPTRLD, ExitVMPTRST, ExitVMREAD,
		ExitVMRESUME, ExitVMWRITE, ExitVMXOFF, ExitVMXON, ExitINVEPT,
		ExitINVVPID, ExitVMFUNC:
		return true
	}
	return false
}

// Instruction reports whether the processor reports a valid instruction
// length for this exit.
func (r ExitReason) Instruction() bool {
	switch r {
	case ExitExceptionOrNMI, ExitExternalInterrupt, ExitTripleFault, ExitINIT,
		ExitSIPI, ExitIOSMI, ExitOtherSMI, ExitInterruptWindow, ExitNMIWindow,
		ExitInvalidGuestState, ExitMSRLoading, ExitMachineCheck,
		ExitTPRBelowThreshold, ExitAPICAccess, ExitVirtualizedEOI,
		ExitEPTViolation, ExitEPTMisconfiguration, ExitPreemptionTimer,
		ExitAPICWrite, ExitPMLFull, ExitMonitorTrapFlag:
		return false
	}
	return true
}

// ExitStatus is the full exit-reason field.
type ExitStatus uint32

const exitEntryFailure ExitStatus = 1 << 31

func NewExitStatus(r ExitReason, entryFailure bool) ExitStatus {
	s := ExitStatus(r)
	if entryFailure {
		s |= exitEntryFailure
	}
	return s
}

func (s ExitStatus) Reason() ExitReason { return ExitReason(s) }

// EntryFailure reports whether the exit happened during VM entry.
func (s ExitStatus) EntryFailure() bool { return s&exitEntryFailure != 0 }
