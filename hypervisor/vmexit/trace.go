package vmexit

import (
	"fmt"

	"github.com/sirupsen/logrus"
	"golang.org/x/arch/x86/x86asm"

	"github.com/set-io/vtx/hypervisor/vcpu"
	"github.com/set-io/vtx/hypervisor/vmx"
)

// NewTrace logs every exit at debug level, with the disassembled exiting
// instruction where the processor reports one, before passing it to next.
func NewTrace(next vcpu.Handler, log *logrus.Entry) vcpu.Handler {
	return &interposer{Handler: next, hook: func(vp *vcpu.VCPU) { trace(log, vp) }}
}

func trace(log *logrus.Entry, vp *vcpu.VCPU) {
	if !log.Logger.IsLevelEnabled(logrus.DebugLevel) {
		return
	}
	r := vp.ExitReason()
	rip := vp.GuestRIP()
	fields := logrus.Fields{
		"cpu":           vp.Processor().Index(),
		"reason":        r.String(),
		"rip":           fmt.Sprintf("%#x", rip),
		"qualification": fmt.Sprintf("%#x", vp.ExitQualification()),
	}
	if r.Instruction() {
		if s, ok := disassemble(vp, r, rip, vp.ExitInstructionLength()); ok {
			fields["inst"] = s
		}
	}
	log.WithFields(fields).Debug("vm exit")
}

// disassemble decodes the n-byte instruction at rip in Intel syntax.
// x86asm has no VMX opcodes, so those are named after the exit reason.
func disassemble(vp *vcpu.VCPU, r vmx.ExitReason, rip uint64, n int) (string, bool) {
	if n <= 0 || n > vcpu.MaxInstructionLength {
		return "", false
	}
	code := make([]byte, n)
	if err := readGuest(vp, rip, code); err != nil {
		return "", false
	}
	inst, err := x86asm.Decode(code, 64)
	if err != nil {
		if r == vmx.ExitVMCALL || r.VMXInstruction() {
			return r.String(), true
		}
		return "", false
	}
	return x86asm.IntelSyntax(inst, rip, nil), true
}
