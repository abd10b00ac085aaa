package vcpu

import "github.com/set-io/vtx/hypervisor/vmx"

// Handler processes the VM exits of every VCPU of a hypervisor. Its methods
// run on the processor that exited, with the guest state of that VCPU
// available through the accessors. A handler either completes the exit,
// optionally injecting an event or moving the guest instruction pointer, or
// calls Terminate.
type Handler interface {
	// Initialize runs once before any VCPU is initialized.
	Initialize() error
	// Destroy runs once after every VCPU has terminated.
	Destroy()
	// Setup adjusts the VMCS of a VCPU just before its first entry.
	Setup(vp *VCPU) error

	HandleExceptionOrNMI(vp *VCPU)
	HandleExternalInterrupt(vp *VCPU)
	HandleCPUID(vp *VCPU)
	HandleMovCR(vp *VCPU)
	HandleMovDR(vp *VCPU)
	HandleIO(vp *VCPU)
	HandleRDMSR(vp *VCPU)
	HandleWRMSR(vp *VCPU)
	HandleEPTViolation(vp *VCPU)
	HandleEPTMisconfiguration(vp *VCPU)
	HandleVMCALL(vp *VCPU)
	// HandleVMXInstruction receives the VMX instructions other than VMCALL.
	HandleVMXInstruction(vp *VCPU)
	// HandleDefault receives every other exit reason.
	HandleDefault(vp *VCPU)
}

func dispatch(h Handler, vp *VCPU, r vmx.ExitReason) {
	switch r {
	case vmx.ExitExceptionOrNMI:
		h.HandleExceptionOrNMI(vp)
	case vmx.ExitExternalInterrupt:
		h.HandleExternalInterrupt(vp)
	case vmx.ExitCPUID:
		h.HandleCPUID(vp)
	case vmx.ExitMovCR:
		h.HandleMovCR(vp)
	case vmx.ExitMovDR:
		h.HandleMovDR(vp)
	case vmx.ExitIOInstruction:
		h.HandleIO(vp)
	case vmx.ExitRDMSR:
		h.HandleRDMSR(vp)
	case vmx.ExitWRMSR:
		h.HandleWRMSR(vp)
	case vmx.ExitEPTViolation:
		h.HandleEPTViolation(vp)
	case vmx.ExitEPTMisconfiguration:
		h.HandleEPTMisconfiguration(vp)
	case vmx.ExitVMCALL:
		h.HandleVMCALL(vp)
	default:
		if r.VMXInstruction() {
			h.HandleVMXInstruction(vp)
			return
		}
		h.HandleDefault(vp)
	}
}
