package vmx

import (
	"errors"
	"fmt"
)

var (
	ErrUnsupportedControl = errors.New("vmx control not supported by processor")
	ErrUnknownControl     = errors.New("unknown vmx control")
	ErrFailInvalid        = errors.New("VMfailInvalid")
	ErrFailValid          = errors.New("VMfailValid")
)

// InstructionError is the value of the VM-instruction error field.
type InstructionError uint32

const (
	ErrVMCALLInRoot              InstructionError = 1
	ErrVMCLEARInvalidAddress     InstructionError = 2
	ErrVMCLEARWithVMXONPointer   InstructionError = 3
	ErrVMLAUNCHNonClear          InstructionError = 4
	ErrVMRESUMENonLaunched       InstructionError = 5
	ErrVMRESUMEAfterVMXOFF       InstructionError = 6
	ErrEntryInvalidControls      InstructionError = 7
	ErrEntryInvalidHostState     InstructionError = 8
	ErrVMPTRLDInvalidAddress     InstructionError = 9
	ErrVMPTRLDWithVMXONPointer   InstructionError = 10
	ErrVMPTRLDBadRevision        InstructionError = 11
	ErrUnsupportedField          InstructionError = 12
	ErrVMWRITEReadOnly           InstructionError = 13
	ErrVMXONInRoot               InstructionError = 15
	ErrEntryInvalidExecutiveVMCS InstructionError = 16
	ErrEntryNonLaunchedExecutive InstructionError = 17
	ErrEntryExecutiveNotVMXON    InstructionError = 18
	ErrVMCALLNonClear            InstructionError = 19
	ErrVMCALLInvalidExitControls InstructionError = 20
	ErrVMCALLBadMSEGRevision     InstructionError = 22
	ErrVMXOFFDualMonitor         InstructionError = 23
	ErrVMCALLInvalidSMMFeatures  InstructionError = 24
	ErrEntryInvalidExecControls  InstructionError = 25
	ErrEntryBlockedByMovSS       InstructionError = 26
	ErrInvalidINVEPTOperand      InstructionError = 28
)

var instructionErrorText = map[InstructionError]string{
	ErrVMCALLInRoot:              "VMCALL executed in VMX root operation",
	ErrVMCLEARInvalidAddress:     "VMCLEAR with invalid physical address",
	ErrVMCLEARWithVMXONPointer:   "VMCLEAR with VMXON pointer",
	ErrVMLAUNCHNonClear:          "VMLAUNCH with non-clear VMCS",
	ErrVMRESUMENonLaunched:       "VMRESUME with non-launched VMCS",
	ErrVMRESUMEAfterVMXOFF:       "VMRESUME after VMXOFF",
	ErrEntryInvalidControls:      "VM entry with invalid control field(s)",
	ErrEntryInvalidHostState:     "VM entry with invalid host-state field(s)",
	ErrVMPTRLDInvalidAddress:     "VMPTRLD with invalid physical address",
	ErrVMPTRLDWithVMXONPointer:   "VMPTRLD with VMXON pointer",
	ErrVMPTRLDBadRevision:        "VMPTRLD with incorrect VMCS revision identifier",
	ErrUnsupportedField:          "VMREAD/VMWRITE from/to unsupported VMCS component",
	ErrVMWRITEReadOnly:           "VMWRITE to read-only VMCS component",
	ErrVMXONInRoot:               "VMXON executed in VMX root operation",
	ErrEntryInvalidExecutiveVMCS: "VM entry with invalid executive-VMCS pointer",
	ErrEntryNonLaunchedExecutive: "VM entry with non-launched executive VMCS",
	ErrEntryExecutiveNotVMXON:    "VM entry with executive-VMCS pointer not VMXON pointer",
	ErrVMCALLNonClear:            "VMCALL with non-clear VMCS",
	ErrVMCALLInvalidExitControls: "VMCALL with invalid VM-exit control fields",
	ErrVMCALLBadMSEGRevision:     "VMCALL with incorrect MSEG revision identifier",
	ErrVMXOFFDualMonitor:         "VMXOFF under dual-monitor treatment of SMIs and SMM",
	ErrVMCALLInvalidSMMFeatures:  "VMCALL with invalid SMM-monitor features",
	ErrEntryInvalidExecControls:  "VM entry with invalid VM-execution control fields in executive VMCS",
	ErrEntryBlockedByMovSS:       "VM entry with events blocked by MOV SS",
	ErrInvalidINVEPTOperand:      "invalid operand to INVEPT/INVVPID",
}

func (e InstructionError) Error() string {
	if s, ok := instructionErrorText[e]; ok {
		return fmt.Sprintf("vm-instruction error %d: %s", uint32(e), s)
	}
	return fmt.Sprintf("vm-instruction error %d", uint32(e))
}

// FailError reports a failed VMX instruction. Valid failures carry the
// VM-instruction error read from the current VMCS.
type FailError struct {
	Instruction string
	Valid       bool
	Code        InstructionError
}

func (e *FailError) Error() string {
	if !e.Valid {
		return fmt.Sprintf("%s: VMfailInvalid", e.Instruction)
	}
	return fmt.Sprintf("%s: VMfailValid: %v", e.Instruction, e.Code)
}

func (e *FailError) Is(target error) bool {
	switch target {
	case ErrFailInvalid:
		return !e.Valid
	case ErrFailValid:
		return e.Valid
	}
	if code, ok := target.(InstructionError); ok {
		return e.Valid && e.Code == code
	}
	return false
}

// FailInvalid returns the error of an instruction that failed without a
// current VMCS.
func FailInvalid(instruction string) error {
	return &FailError{Instruction: instruction}
}

// FailValid returns the error of an instruction that failed and stored code
// in the current VMCS.
func FailValid(instruction string, code InstructionError) error {
	return &FailError{Instruction: instruction, Valid: true, Code: code}
}
