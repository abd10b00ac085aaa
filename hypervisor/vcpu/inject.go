package vcpu

import "github.com/set-io/vtx/hypervisor/vmx"

// Inject arranges for i to be delivered to the guest on the next VM entry.
// The error-code flag is corrected to what the vector and type require and
// software events get an entry instruction length, taken from i or from the
// current exit. Only one event can be pending per entry.
func (c *VCPU) Inject(i Interrupt) error {
	if !i.Valid() {
		return ErrInvalidInterrupt
	}
	if vmx.InterruptionInfo(c.read(vmx.EntryInterruptionInfo)).Valid() {
		return ErrInjectionPending
	}
	withCode := i.Type() == vmx.HardwareException && i.Vector().HasErrorCode()
	if withCode {
		c.write(vmx.EntryExceptionErrorCode, uint64(i.ErrorCode()))
	}
	if i.Type().Software() {
		n := i.RIPAdjust()
		if n < 0 {
			n = c.ExitInstructionLength()
		}
		c.write(vmx.EntryInstructionLength, uint64(max(1, min(n, MaxInstructionLength))))
	}
	c.write(vmx.EntryInterruptionInfo, uint64(vmx.NewInterruptionInfo(i.Vector(), i.Type(), withCode, false)))
	return c.err
}

// PendingInjection returns the event that will be delivered on the next
// entry.
func (c *VCPU) PendingInjection() Interrupt {
	info := vmx.InterruptionInfo(c.read(vmx.EntryInterruptionInfo))
	var code uint32
	if info.ErrorCodeValid() {
		code = uint32(c.read(vmx.EntryExceptionErrorCode))
	}
	return interruptFromInfo(info, code)
}

// SuppressRIPAdjust keeps the guest instruction pointer where the handler
// left it instead of advancing it past the exiting instruction. It applies
// to the current exit only.
func (c *VCPU) SuppressRIPAdjust() { c.suppress = true }

// RIPAdjust returns the number of bytes the guest instruction pointer will
// advance by after the current exit, or zero if suppressed.
func (c *VCPU) RIPAdjust() int {
	if c.suppress {
		return 0
	}
	return c.ripAdjust
}
