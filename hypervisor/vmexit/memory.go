package vmexit

import (
	"github.com/set-io/vtx/hypervisor/ia32"
	"github.com/set-io/vtx/hypervisor/vcpu"
	"github.com/set-io/vtx/hypervisor/vmx"
)

// operandAddress computes the linear address of the memory operand of the
// exiting instruction from the instruction information and the
// displacement held in the exit qualification.
func operandAddress(vp *vcpu.VCPU, info vmx.InstructionInfo) uint64 {
	ctx := vp.Context()
	addr := vp.ExitQualification()
	if info.BaseValid() {
		addr += ctx.Get(info.Base())
	}
	if info.IndexValid() {
		addr += ctx.Get(info.Index()) << info.Scaling()
	}
	switch info.AddressSize() {
	case 0:
		addr &= 0xFFFF
	case 1:
		addr &= 0xFFFFFFFF
	}
	seg := info.Segment()
	if seg == ia32.FS || seg == ia32.GS || !vp.GuestAccessRights(ia32.CS).Long() {
		addr += vp.GuestSegmentBase(seg)
	}
	return addr
}

// withGuestCR3 runs fn with the processor translating linear addresses
// the way the guest does.
func withGuestCR3(vp *vcpu.VCPU, fn func(cpu vcpu.Processor) error) error {
	cpu := vp.Processor()
	saved := cpu.CR3()
	guest := vp.GuestCR3() &^ ia32.CR3NoFlush
	if guest == saved {
		return fn(cpu)
	}
	if err := cpu.SetCR3(guest); err != nil {
		return err
	}
	defer cpu.SetCR3(saved)
	return fn(cpu)
}

func readGuest(vp *vcpu.VCPU, addr uint64, p []byte) error {
	return withGuestCR3(vp, func(cpu vcpu.Processor) error { return cpu.ReadLinear(addr, p) })
}

func writeGuest(vp *vcpu.VCPU, addr uint64, p []byte) error {
	return withGuestCR3(vp, func(cpu vcpu.Processor) error { return cpu.WriteLinear(addr, p) })
}
