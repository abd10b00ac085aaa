package vmexit

import "github.com/set-io/vtx/hypervisor/vcpu"

// interposer runs hook on every exit before passing it to the wrapped
// handler.
type interposer struct {
	vcpu.Handler
	hook func(vp *vcpu.VCPU)
}

func (i *interposer) HandleExceptionOrNMI(vp *vcpu.VCPU) {
	i.hook(vp)
	i.Handler.HandleExceptionOrNMI(vp)
}

func (i *interposer) HandleExternalInterrupt(vp *vcpu.VCPU) {
	i.hook(vp)
	i.Handler.HandleExternalInterrupt(vp)
}

func (i *interposer) HandleCPUID(vp *vcpu.VCPU) {
	i.hook(vp)
	i.Handler.HandleCPUID(vp)
}

func (i *interposer) HandleMovCR(vp *vcpu.VCPU) {
	i.hook(vp)
	i.Handler.HandleMovCR(vp)
}

func (i *interposer) HandleMovDR(vp *vcpu.VCPU) {
	i.hook(vp)
	i.Handler.HandleMovDR(vp)
}

func (i *interposer) HandleIO(vp *vcpu.VCPU) {
	i.hook(vp)
	i.Handler.HandleIO(vp)
}

func (i *interposer) HandleRDMSR(vp *vcpu.VCPU) {
	i.hook(vp)
	i.Handler.HandleRDMSR(vp)
}

func (i *interposer) HandleWRMSR(vp *vcpu.VCPU) {
	i.hook(vp)
	i.Handler.HandleWRMSR(vp)
}

func (i *interposer) HandleEPTViolation(vp *vcpu.VCPU) {
	i.hook(vp)
	i.Handler.HandleEPTViolation(vp)
}

func (i *interposer) HandleEPTMisconfiguration(vp *vcpu.VCPU) {
	i.hook(vp)
	i.Handler.HandleEPTMisconfiguration(vp)
}

func (i *interposer) HandleVMCALL(vp *vcpu.VCPU) {
	i.hook(vp)
	i.Handler.HandleVMCALL(vp)
}

func (i *interposer) HandleVMXInstruction(vp *vcpu.VCPU) {
	i.hook(vp)
	i.Handler.HandleVMXInstruction(vp)
}

func (i *interposer) HandleDefault(vp *vcpu.VCPU) {
	i.hook(vp)
	i.Handler.HandleDefault(vp)
}
