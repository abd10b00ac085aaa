package vcpu

import (
	"github.com/set-io/vtx/hypervisor/ia32"
	"github.com/set-io/vtx/hypervisor/vmx"
)

// The accessors below read and write the current VMCS. They are valid from
// the handler's Setup until the VCPU terminates, on the owning goroutine
// only. A failing VMREAD or VMWRITE is recorded and reported by Err; the
// VCPU terminates after the exit during which it happened.

func (c *VCPU) read(f vmx.Field) uint64 {
	v, err := c.cpu.VMRead(f)
	if err != nil {
		c.record(&FieldError{Field: f, Err: err})
		return 0
	}
	return v
}

func (c *VCPU) write(f vmx.Field, v uint64) {
	if err := c.cpu.VMWrite(f, v); err != nil {
		c.record(&FieldError{Field: f, Write: true, Err: err})
	}
}

func (c *VCPU) record(err error) {
	if c.err == nil {
		c.err = err
		c.log.WithError(err).Error("vmcs access failed")
	}
}

// Read returns the raw value of any VMCS field.
func (c *VCPU) Read(f vmx.Field) uint64 { return c.read(f) }

// Write stores v in any writable VMCS field.
func (c *VCPU) Write(f vmx.Field, v uint64) { c.write(f, v) }

// ID returns the virtual-processor identifier of the VCPU. It is unique
// among the VCPUs of one hypervisor and never zero.
func (c *VCPU) ID() uint16 { return uint16(c.read(vmx.VirtualProcessorID)) }

// Control fields.

func (c *VCPU) PinControls() vmx.PinBased { return vmx.PinBased(c.read(vmx.PinBasedControls)) }
func (c *VCPU) ProcControls() vmx.ProcBased { return vmx.ProcBased(c.read(vmx.ProcBasedControls)) }
func (c *VCPU) ProcControls2() vmx.ProcBased2 { return vmx.ProcBased2(c.read(vmx.ProcBasedControls2)) }
func (c *VCPU) ExitControls() vmx.ExitCtls { return vmx.ExitCtls(c.read(vmx.ExitControls)) }
func (c *VCPU) EntryControls() vmx.EntryCtls { return vmx.EntryCtls(c.read(vmx.EntryControls)) }

// SetPinControls writes the pin-based controls, adjusted to what the
// processor allows. The same applies to the other control setters.
func (c *VCPU) SetPinControls(v vmx.PinBased) error {
	v, err := vmx.Adjust(v, c.caps.PinBased)
	if err != nil {
		return err
	}
	c.pin = v
	c.write(vmx.PinBasedControls, uint64(v))
	return nil
}

func (c *VCPU) SetProcControls(v vmx.ProcBased) error {
	v, err := vmx.Adjust(v, c.caps.ProcBased)
	if err != nil {
		return err
	}
	c.proc = v
	c.write(vmx.ProcBasedControls, uint64(v))
	return nil
}

func (c *VCPU) SetProcControls2(v vmx.ProcBased2) error {
	v, err := vmx.Adjust(v, c.caps.ProcBased2)
	if err != nil {
		return err
	}
	c.proc2 = v
	c.write(vmx.ProcBasedControls2, uint64(v))
	return nil
}

func (c *VCPU) SetExitControls(v vmx.ExitCtls) error {
	v, err := vmx.Adjust(v, c.caps.Exit)
	if err != nil {
		return err
	}
	c.exit = v
	c.write(vmx.ExitControls, uint64(v))
	return nil
}

func (c *VCPU) SetEntryControls(v vmx.EntryCtls) error {
	v, err := vmx.Adjust(v, c.caps.Entry)
	if err != nil {
		return err
	}
	c.entry = v
	c.write(vmx.EntryControls, uint64(v))
	return nil
}

// ExceptionBitmap returns the vectors that cause an exit when raised in
// the guest, one bit per vector.
func (c *VCPU) ExceptionBitmap() uint32 { return uint32(c.read(vmx.ExceptionBitmap)) }
func (c *VCPU) SetExceptionBitmap(v uint32) { c.write(vmx.ExceptionBitmap, uint64(v)) }

// InterceptException sets or clears the exception-bitmap bit of v.
func (c *VCPU) InterceptException(v ia32.Vector, on bool) {
	bm := c.ExceptionBitmap()
	if on {
		bm |= 1 << v
	} else {
		bm &^= 1 << v
	}
	c.SetExceptionBitmap(bm)
}

func (c *VCPU) PageFaultErrorCodeMask() uint32 { return uint32(c.read(vmx.PageFaultErrorCodeMask)) }
func (c *VCPU) SetPageFaultErrorCodeMask(v uint32) { c.write(vmx.PageFaultErrorCodeMask, uint64(v)) }
func (c *VCPU) PageFaultErrorCodeMatch() uint32 { return uint32(c.read(vmx.PageFaultErrorCodeMatch)) }
func (c *VCPU) SetPageFaultErrorCodeMatch(v uint32) { c.write(vmx.PageFaultErrorCodeMatch, uint64(v)) }

func (c *VCPU) CR0GuestHostMask() ia32.CR0 { return ia32.CR0(c.read(vmx.CR0GuestHostMask)) }
func (c *VCPU) SetCR0GuestHostMask(v ia32.CR0) { c.write(vmx.CR0GuestHostMask, uint64(v)) }
func (c *VCPU) CR0ReadShadow() ia32.CR0 { return ia32.CR0(c.read(vmx.CR0ReadShadow)) }
func (c *VCPU) SetCR0ReadShadow(v ia32.CR0) { c.write(vmx.CR0ReadShadow, uint64(v)) }
func (c *VCPU) CR4GuestHostMask() ia32.CR4 { return ia32.CR4(c.read(vmx.CR4GuestHostMask)) }
func (c *VCPU) SetCR4GuestHostMask(v ia32.CR4) { c.write(vmx.CR4GuestHostMask, uint64(v)) }
func (c *VCPU) CR4ReadShadow() ia32.CR4 { return ia32.CR4(c.read(vmx.CR4ReadShadow)) }
func (c *VCPU) SetCR4ReadShadow(v ia32.CR4) { c.write(vmx.CR4ReadShadow, uint64(v)) }

func (c *VCPU) TSCOffset() uint64 { return c.read(vmx.TSCOffset) }
func (c *VCPU) SetTSCOffset(v uint64) { c.write(vmx.TSCOffset, v) }

// PreemptionTimer returns the current VMX-preemption timer value.
func (c *VCPU) PreemptionTimer() uint32 { return uint32(c.read(vmx.GuestPreemptionTimer)) }
func (c *VCPU) SetPreemptionTimer(v uint32) { c.write(vmx.GuestPreemptionTimer, uint64(v)) }

// EPTPointer returns the EPTP currently installed in the VMCS.
func (c *VCPU) EPTPointer() vmx.EPTP { return vmx.EPTP(c.read(vmx.EPTPointer)) }

// SetEPTPointer installs a different translation root and flushes the
// translations cached for it.
func (c *VCPU) SetEPTPointer(p vmx.EPTP) error {
	c.write(vmx.EPTPointer, uint64(p))
	return c.cpu.INVEPT(true, p)
}

// FlushEPT invalidates cached translations derived from the VCPU's own
// translation root, after its entries changed.
func (c *VCPU) FlushEPT() error { return c.cpu.INVEPT(true, c.EPTPointer()) }

// FlushVPID invalidates the linear translations cached for this VCPU.
func (c *VCPU) FlushVPID() error { return c.cpu.INVVPID(true, c.ID()) }

// Guest-state fields.

func (c *VCPU) GuestCR0() ia32.CR0 { return ia32.CR0(c.read(vmx.GuestCR0)) }
func (c *VCPU) SetGuestCR0(v ia32.CR0) { c.write(vmx.GuestCR0, uint64(v)) }
func (c *VCPU) GuestCR3() ia32.CR3 { return ia32.CR3(c.read(vmx.GuestCR3)) }
func (c *VCPU) SetGuestCR3(v ia32.CR3) { c.write(vmx.GuestCR3, uint64(v)) }
func (c *VCPU) GuestCR4() ia32.CR4 { return ia32.CR4(c.read(vmx.GuestCR4)) }
func (c *VCPU) SetGuestCR4(v ia32.CR4) { c.write(vmx.GuestCR4, uint64(v)) }
func (c *VCPU) GuestDR7() ia32.DR7 { return ia32.DR7(c.read(vmx.GuestDR7)) }
func (c *VCPU) SetGuestDR7(v ia32.DR7) { c.write(vmx.GuestDR7, uint64(v)) }
func (c *VCPU) GuestDebugCtl() uint64 { return c.read(vmx.GuestDebugCtl) }
func (c *VCPU) SetGuestDebugCtl(v uint64) { c.write(vmx.GuestDebugCtl, v) }
func (c *VCPU) GuestEFER() ia32.EFER { return ia32.EFER(c.read(vmx.GuestEFER)) }
func (c *VCPU) SetGuestEFER(v ia32.EFER) { c.write(vmx.GuestEFER, uint64(v)) }

// GuestRIP returns the guest instruction pointer. While an exit is being
// handled it is the value in Context, which is written back on resume.
func (c *VCPU) GuestRIP() uint64 {
	if c.exiting {
		return c.guest.RIP
	}
	return c.read(vmx.GuestRIP)
}

// SetGuestRIP moves the guest instruction pointer. During an exit the
// default RIP adjustment still applies unless it is suppressed.
func (c *VCPU) SetGuestRIP(v uint64) {
	if c.exiting {
		c.guest.RIP = v
		return
	}
	c.write(vmx.GuestRIP, v)
}

func (c *VCPU) GuestRSP() uint64 {
	if c.exiting {
		return c.guest.GPR[ia32.RSP]
	}
	return c.read(vmx.GuestRSP)
}

func (c *VCPU) SetGuestRSP(v uint64) {
	if c.exiting {
		c.guest.GPR[ia32.RSP] = v
		return
	}
	c.write(vmx.GuestRSP, v)
}

func (c *VCPU) GuestRFLAGS() ia32.RFLAGS {
	if c.exiting {
		return c.guest.RFLAGS
	}
	return ia32.RFLAGS(c.read(vmx.GuestRFLAGS))
}

func (c *VCPU) SetGuestRFLAGS(v ia32.RFLAGS) {
	if c.exiting {
		c.guest.RFLAGS = v
		return
	}
	c.write(vmx.GuestRFLAGS, uint64(v))
}

func (c *VCPU) GuestGDTR() ia32.DescriptorTable {
	return ia32.DescriptorTable{Base: c.read(vmx.GuestGDTRBase), Limit: uint16(c.read(vmx.GuestGDTRLimit))}
}

func (c *VCPU) SetGuestGDTR(d ia32.DescriptorTable) {
	c.write(vmx.GuestGDTRBase, d.Base)
	c.write(vmx.GuestGDTRLimit, uint64(d.Limit))
}

func (c *VCPU) GuestIDTR() ia32.DescriptorTable {
	return ia32.DescriptorTable{Base: c.read(vmx.GuestIDTRBase), Limit: uint16(c.read(vmx.GuestIDTRLimit))}
}

func (c *VCPU) SetGuestIDTR(d ia32.DescriptorTable) {
	c.write(vmx.GuestIDTRBase, d.Base)
	c.write(vmx.GuestIDTRLimit, uint64(d.Limit))
}

func (c *VCPU) GuestSelector(r ia32.SegmentRegister) ia32.Selector {
	return ia32.Selector(c.read(vmx.GuestSelectorField(r)))
}

func (c *VCPU) SetGuestSelector(r ia32.SegmentRegister, s ia32.Selector) {
	c.write(vmx.GuestSelectorField(r), uint64(s))
}

func (c *VCPU) GuestSegmentBase(r ia32.SegmentRegister) uint64 {
	return c.read(vmx.GuestBaseField(r))
}

func (c *VCPU) SetGuestSegmentBase(r ia32.SegmentRegister, v uint64) {
	c.write(vmx.GuestBaseField(r), v)
}

func (c *VCPU) GuestSegmentLimit(r ia32.SegmentRegister) uint32 {
	return uint32(c.read(vmx.GuestLimitField(r)))
}

func (c *VCPU) SetGuestSegmentLimit(r ia32.SegmentRegister, v uint32) {
	c.write(vmx.GuestLimitField(r), uint64(v))
}

func (c *VCPU) GuestAccessRights(r ia32.SegmentRegister) ia32.AccessRights {
	return ia32.AccessRights(c.read(vmx.GuestAccessRightsField(r)))
}

func (c *VCPU) SetGuestAccessRights(r ia32.SegmentRegister, a ia32.AccessRights) {
	c.write(vmx.GuestAccessRightsField(r), uint64(a&ia32.AccessValid))
}

// GuestSegment returns all four fields of a guest segment register.
func (c *VCPU) GuestSegment(r ia32.SegmentRegister) ia32.Segment {
	return ia32.Segment{
		Selector: c.GuestSelector(r),
		Base:     c.GuestSegmentBase(r),
		Limit:    c.GuestSegmentLimit(r),
		Access:   c.GuestAccessRights(r),
	}
}

// SetGuestSegment writes all four fields of a guest segment register.
func (c *VCPU) SetGuestSegment(r ia32.SegmentRegister, s ia32.Segment) {
	c.SetGuestSelector(r, s.Selector)
	c.SetGuestSegmentBase(r, s.Base)
	c.SetGuestSegmentLimit(r, s.Limit)
	c.SetGuestAccessRights(r, s.Access)
}

func (c *VCPU) GuestInterruptibility() vmx.Interruptibility {
	return vmx.Interruptibility(c.read(vmx.GuestInterruptibility))
}

func (c *VCPU) SetGuestInterruptibility(v vmx.Interruptibility) {
	c.write(vmx.GuestInterruptibility, uint64(v))
}

func (c *VCPU) GuestActivityState() vmx.ActivityState {
	return vmx.ActivityState(c.read(vmx.GuestActivityState))
}

func (c *VCPU) SetGuestActivityState(v vmx.ActivityState) {
	c.write(vmx.GuestActivityState, uint64(v))
}

func (c *VCPU) GuestSysenterCS() uint64 { return c.read(vmx.GuestSysenterCS) }
func (c *VCPU) GuestSysenterESP() uint64 { return c.read(vmx.GuestSysenterESP) }
func (c *VCPU) GuestSysenterEIP() uint64 { return c.read(vmx.GuestSysenterEIP) }

// GuestCPL returns the current privilege level of the guest.
func (c *VCPU) GuestCPL() uint8 { return c.GuestAccessRights(ia32.SS).DPL() }

// Host-state fields.

func (c *VCPU) HostCR0() ia32.CR0 { return ia32.CR0(c.read(vmx.HostCR0)) }
func (c *VCPU) HostCR3() ia32.CR3 { return ia32.CR3(c.read(vmx.HostCR3)) }
func (c *VCPU) HostCR4() ia32.CR4 { return ia32.CR4(c.read(vmx.HostCR4)) }
func (c *VCPU) HostRSP() uint64 { return c.read(vmx.HostRSP) }
func (c *VCPU) HostRIP() uint64 { return c.read(vmx.HostRIP) }
func (c *VCPU) HostGDTRBase() uint64 { return c.read(vmx.HostGDTRBase) }
func (c *VCPU) HostIDTRBase() uint64 { return c.read(vmx.HostIDTRBase) }

func (c *VCPU) setHostCR0(v ia32.CR0) { c.write(vmx.HostCR0, uint64(v)) }
func (c *VCPU) setHostCR3(v ia32.CR3) { c.write(vmx.HostCR3, uint64(v)) }
func (c *VCPU) setHostCR4(v ia32.CR4) { c.write(vmx.HostCR4, uint64(v)) }
func (c *VCPU) setHostRSP(v uint64) { c.write(vmx.HostRSP, v) }
func (c *VCPU) setHostRIP(v uint64) { c.write(vmx.HostRIP, v) }
func (c *VCPU) setHostGDTRBase(v uint64) { c.write(vmx.HostGDTRBase, v) }
func (c *VCPU) setHostIDTRBase(v uint64) { c.write(vmx.HostIDTRBase, v) }

// HostSelector returns the host selector of r. LDTR has none and reads as
// zero.
func (c *VCPU) HostSelector(r ia32.SegmentRegister) ia32.Selector {
	f, ok := vmx.HostSelectorField(r)
	if !ok {
		return 0
	}
	return ia32.Selector(c.read(f))
}

// HostSegmentBase returns the host base of FS, GS or TR, and zero for the
// other registers.
func (c *VCPU) HostSegmentBase(r ia32.SegmentRegister) uint64 {
	f, ok := vmx.HostBaseField(r)
	if !ok {
		return 0
	}
	return c.read(f)
}

// setHostSelector writes the host selector of r with RPL and TI cleared, as
// VM entry requires. LDTR has no host selector.
func (c *VCPU) setHostSelector(r ia32.SegmentRegister, s ia32.Selector) {
	if f, ok := vmx.HostSelectorField(r); ok {
		c.write(f, uint64(s&^7))
	}
}

func (c *VCPU) setHostSegmentBase(r ia32.SegmentRegister, v uint64) {
	if f, ok := vmx.HostBaseField(r); ok {
		c.write(f, v)
	}
}

// Exit-information fields.

func (c *VCPU) ExitReason() vmx.ExitReason {
	return vmx.ExitStatus(c.read(vmx.ExitReasonField)).Reason()
}

func (c *VCPU) ExitQualification() uint64 { return c.read(vmx.ExitQualification) }

func (c *VCPU) ExitQualificationMovCR() vmx.MovCR { return vmx.MovCR(c.ExitQualification()) }
func (c *VCPU) ExitQualificationMovDR() vmx.MovDR { return vmx.MovDR(c.ExitQualification()) }
func (c *VCPU) ExitQualificationIO() vmx.IO { return vmx.IO(c.ExitQualification()) }
func (c *VCPU) ExitQualificationEPTViolation() vmx.EPTViolation {
	return vmx.EPTViolation(c.ExitQualification())
}

func (c *VCPU) ExitInstructionLength() int { return int(c.read(vmx.ExitInstructionLength)) }

func (c *VCPU) ExitInstructionInfo() vmx.InstructionInfo {
	return vmx.InstructionInfo(c.read(vmx.ExitInstructionInfo))
}

func (c *VCPU) ExitGuestPhysicalAddress() uint64 { return c.read(vmx.GuestPhysicalAddress) }
func (c *VCPU) ExitGuestLinearAddress() uint64 { return c.read(vmx.GuestLinearAddress) }

// ExitInterruption describes the event that caused an exception or
// external-interrupt exit.
func (c *VCPU) ExitInterruption() Interrupt {
	info := vmx.InterruptionInfo(c.read(vmx.ExitInterruptionInfo))
	var code uint32
	if info.ErrorCodeValid() {
		code = uint32(c.read(vmx.ExitInterruptionErrorCode))
	}
	return interruptFromInfo(info, code)
}

// IDTVectoring describes the event that was being delivered when the exit
// happened, if any.
func (c *VCPU) IDTVectoring() Interrupt {
	info := vmx.InterruptionInfo(c.read(vmx.IDTVectoringInfo))
	var code uint32
	if info.ErrorCodeValid() {
		code = uint32(c.read(vmx.IDTVectoringErrorCode))
	}
	return interruptFromInfo(info, code)
}

// InstructionError returns the VM-instruction error of the last failed
// VMX instruction.
func (c *VCPU) InstructionError() vmx.InstructionError {
	return vmx.InstructionError(c.read(vmx.VMInstructionError))
}
