package sim

import (
	"encoding/binary"
	"fmt"

	"github.com/set-io/vtx/hypervisor/ia32"
	"github.com/set-io/vtx/hypervisor/vmx"
)

// vmcs is the processor-internal copy of one VMCS region.
type vmcs struct {
	fields   map[vmx.Field]uint64
	launched bool
}

// vmexit describes the exit the processor is about to take.
type vmexit struct {
	reason     vmx.ExitReason
	failed     bool
	qual       uint64
	length     int
	info       vmx.InstructionInfo
	intr       vmx.InterruptionInfo
	intrCode   uint32
	vectoring  vmx.InterruptionInfo
	vectorCode uint32
	gpa        uint64
	gla        uint64
}

func (c *CPU) cur() *vmcs {
	if c.current == noVMCS {
		return nil
	}
	return c.vmcs[c.current]
}

func (c *CPU) field(f vmx.Field) uint64 {
	if v := c.cur(); v != nil {
		return v.fields[f]
	}
	return 0
}

func (c *CPU) setField(f vmx.Field, val uint64) {
	if v := c.cur(); v != nil {
		v.fields[f] = val & f.Mask()
	}
}

func (c *CPU) pinCtls() vmx.PinBased { return vmx.PinBased(c.field(vmx.PinBasedControls)) }

func (c *CPU) procCtls() vmx.ProcBased { return vmx.ProcBased(c.field(vmx.ProcBasedControls)) }

func (c *CPU) proc2Ctls() vmx.ProcBased2 {
	if c.procCtls()&vmx.ProcSecondaryControls == 0 {
		return 0
	}
	return vmx.ProcBased2(c.field(vmx.ProcBasedControls2))
}

// region checks that pa is a page-aligned address backed by memory.
func (c *CPU) region(pa uint64) bool {
	if pa&0xFFF != 0 {
		return false
	}
	_, err := c.mem.Bytes(pa, vmx.PageSize)
	return err == nil
}

func (c *CPU) revision(pa uint64) uint32 {
	b, err := c.mem.Bytes(pa, 4)
	if err != nil {
		return 0
	}
	return binary.LittleEndian.Uint32(b) & 0x7FFFFFFF
}

// failValid records code in the current VMCS. Without one the instruction
// fails invalid.
func (c *CPU) failValid(instr string, code vmx.InstructionError) error {
	if c.cur() == nil {
		return vmx.FailInvalid(instr)
	}
	c.setField(vmx.VMInstructionError, uint64(code))
	return vmx.FailValid(instr, code)
}

func (c *CPU) vmxInstruction(instr string) error {
	if !c.vmxOn || c.guest {
		return fmt.Errorf("%w: %s outside vmx root operation", ErrInvalidOpcode, instr)
	}
	return nil
}

func (c *CPU) VMXON(pa uint64) error {
	switch {
	case c.cr4&ia32.CR4VMXE == 0:
		return fmt.Errorf("%w: vmxon with cr4.vmxe clear", ErrInvalidOpcode)
	case c.vmxOn:
		return c.failValid("vmxon", vmx.ErrVMXONInRoot)
	case c.caps.FixCR0(c.cr0) != c.cr0, c.caps.FixCR4(c.cr4) != c.cr4:
		return fmt.Errorf("%w: control registers violate vmx fixed bits", ErrGeneralFault)
	}
	fc := ia32.FeatureControl(c.msr[ia32.MSRFeatureControl])
	if fc&ia32.FeatureControlLock == 0 || fc&ia32.FeatureControlVMXOutsideSMX == 0 {
		return fmt.Errorf("%w: vmxon disabled by IA32_FEATURE_CONTROL", ErrGeneralFault)
	}
	if !c.region(pa) || c.revision(pa) != c.caps.Basic.Revision() {
		return vmx.FailInvalid("vmxon")
	}
	c.vmxOn = true
	c.vmxonPA = pa
	c.current = noVMCS
	c.log.WithField("pa", fmt.Sprintf("%#x", pa)).Debug("vmxon")
	return nil
}

func (c *CPU) VMXOFF() error {
	if err := c.vmxInstruction("vmxoff"); err != nil {
		return err
	}
	c.vmxOn = false
	c.current = noVMCS
	c.log.Debug("vmxoff")
	return nil
}

func (c *CPU) VMCLEAR(pa uint64) error {
	if err := c.vmxInstruction("vmclear"); err != nil {
		return err
	}
	switch {
	case !c.region(pa):
		return c.failValid("vmclear", vmx.ErrVMCLEARInvalidAddress)
	case pa == c.vmxonPA:
		return c.failValid("vmclear", vmx.ErrVMCLEARWithVMXONPointer)
	}
	if v, ok := c.vmcs[pa]; ok {
		v.launched = false
	}
	if c.current == pa {
		c.current = noVMCS
	}
	return nil
}

func (c *CPU) VMPTRLD(pa uint64) error {
	if err := c.vmxInstruction("vmptrld"); err != nil {
		return err
	}
	switch {
	case !c.region(pa):
		return c.failValid("vmptrld", vmx.ErrVMPTRLDInvalidAddress)
	case pa == c.vmxonPA:
		return c.failValid("vmptrld", vmx.ErrVMPTRLDWithVMXONPointer)
	case c.revision(pa) != c.caps.Basic.Revision():
		return c.failValid("vmptrld", vmx.ErrVMPTRLDBadRevision)
	}
	if _, ok := c.vmcs[pa]; !ok {
		c.vmcs[pa] = &vmcs{fields: make(map[vmx.Field]uint64)}
	}
	c.current = pa
	return nil
}

func (c *CPU) VMRead(f vmx.Field) (uint64, error) {
	if err := c.vmxInstruction("vmread"); err != nil {
		return 0, err
	}
	v := c.cur()
	switch {
	case v == nil:
		return 0, vmx.FailInvalid("vmread")
	case !f.Valid():
		return 0, c.failValid("vmread", vmx.ErrUnsupportedField)
	case f.High():
		return v.fields[f&^1] >> 32, nil
	}
	return v.fields[f] & f.Mask(), nil
}

func (c *CPU) VMWrite(f vmx.Field, val uint64) error {
	if err := c.vmxInstruction("vmwrite"); err != nil {
		return err
	}
	v := c.cur()
	switch {
	case v == nil:
		return vmx.FailInvalid("vmwrite")
	case !f.Valid():
		return c.failValid("vmwrite", vmx.ErrUnsupportedField)
	case f.ReadOnly():
		return c.failValid("vmwrite", vmx.ErrVMWRITEReadOnly)
	case f.High():
		full := f &^ 1
		v.fields[full] = v.fields[full]&0xFFFFFFFF | (val&0xFFFFFFFF)<<32
		return nil
	}
	v.fields[f] = val & f.Mask()
	return nil
}

func (c *CPU) INVEPT(single bool, eptp vmx.EPTP) error {
	if err := c.vmxInstruction("invept"); err != nil {
		return err
	}
	if single && !c.region(eptp.Root()) {
		return c.failValid("invept", vmx.ErrInvalidINVEPTOperand)
	}
	return nil
}

func (c *CPU) INVVPID(single bool, vpid uint16) error {
	if err := c.vmxInstruction("invvpid"); err != nil {
		return err
	}
	if single && vpid == 0 {
		return c.failValid("invvpid", vmx.ErrInvalidINVEPTOperand)
	}
	return nil
}

func (c *CPU) VMLaunch(ctx *ia32.Context) error { return c.enter("vmlaunch", false, ctx) }

func (c *CPU) VMResume(ctx *ia32.Context) error { return c.enter("vmresume", true, ctx) }

// enter performs a VM entry and runs the guest until the next VM exit.
func (c *CPU) enter(instr string, resume bool, ctx *ia32.Context) error {
	if err := c.vmxInstruction(instr); err != nil {
		return err
	}
	v := c.cur()
	switch {
	case v == nil:
		return vmx.FailInvalid(instr)
	case !resume && v.launched:
		return c.failValid(instr, vmx.ErrVMLAUNCHNonClear)
	case resume && !v.launched:
		return c.failValid(instr, vmx.ErrVMRESUMENonLaunched)
	}
	if err := c.checkControls(); err != nil {
		c.log.WithError(err).Debug("vm entry: invalid controls")
		return c.failValid(instr, vmx.ErrEntryInvalidControls)
	}
	if err := c.checkHost(); err != nil {
		c.log.WithError(err).Debug("vm entry: invalid host state")
		return c.failValid(instr, vmx.ErrEntryInvalidHostState)
	}
	if err := c.checkGuest(); err != nil {
		c.log.WithError(err).Debug("vm entry: invalid guest state")
		c.exit(vmexit{reason: vmx.ExitInvalidGuestState, failed: true}, ctx)
		return nil
	}

	c.loadGuest(ctx)
	v.launched = true
	e, err := c.runGuest()
	if err != nil {
		c.loadHost(vmx.ExitCtls(c.field(vmx.ExitControls)))
		return fmt.Errorf("%s: %w", instr, err)
	}
	c.exit(e, ctx)
	return nil
}

func allowed[T vmx.Control](ctl T, capability uint64) error {
	if missing := uint32(capability) &^ uint32(ctl); missing != 0 {
		return fmt.Errorf("required bits %#x clear", missing)
	}
	if extra := uint32(ctl) &^ uint32(capability>>32); extra != 0 {
		return fmt.Errorf("unsupported bits %#x set", extra)
	}
	return nil
}

func (c *CPU) checkControls() error {
	pin, proc := c.pinCtls(), c.procCtls()
	proc2 := c.proc2Ctls()
	exit, entry := vmx.ExitCtls(c.field(vmx.ExitControls)), vmx.EntryCtls(c.field(vmx.EntryControls))
	for _, chk := range []struct {
		name string
		err  error
	}{
		{"pin-based", allowed(pin, c.caps.PinBased)},
		{"processor-based", allowed(proc, c.caps.ProcBased)},
		{"secondary processor-based", allowed(proc2, c.caps.ProcBased2)},
		{"exit", allowed(exit, c.caps.Exit)},
		{"entry", allowed(entry, c.caps.Entry)},
	} {
		if chk.err != nil {
			return fmt.Errorf("%s controls: %w", chk.name, chk.err)
		}
	}
	if proc&vmx.ProcUseIOBitmaps != 0 && (!c.region(c.field(vmx.IOBitmapA)) || !c.region(c.field(vmx.IOBitmapB))) {
		return fmt.Errorf("bad io bitmap address")
	}
	if proc&vmx.ProcUseMSRBitmaps != 0 && !c.region(c.field(vmx.MSRBitmapAddress)) {
		return fmt.Errorf("bad msr bitmap address")
	}
	if proc2&vmx.Proc2EnableEPT != 0 {
		eptp := vmx.EPTP(c.field(vmx.EPTPointer))
		switch {
		case eptp.MemoryType() != vmx.MemoryTypeUncached && eptp.MemoryType() != vmx.MemoryTypeWriteBack:
			return fmt.Errorf("eptp memory type %d", eptp.MemoryType())
		case eptp.WalkLength() != 4:
			return fmt.Errorf("eptp walk length %d", eptp.WalkLength())
		case eptp.AccessDirty() && !c.caps.EPTVPID.Has(vmx.EPTAccessDirty):
			return fmt.Errorf("eptp accessed/dirty flags unsupported")
		case !c.region(eptp.Root()):
			return fmt.Errorf("bad eptp %v", eptp)
		}
	}
	if proc2&vmx.Proc2UnrestrictedGuest != 0 && proc2&vmx.Proc2EnableEPT == 0 {
		return fmt.Errorf("unrestricted guest without ept")
	}
	if proc2&vmx.Proc2EnableVPID != 0 && c.field(vmx.VirtualProcessorID) == 0 {
		return fmt.Errorf("vpid is zero")
	}
	if pin&vmx.PinVirtualNMIs != 0 && pin&vmx.PinNMIExiting == 0 {
		return fmt.Errorf("virtual nmis without nmi exiting")
	}
	if n := c.field(vmx.CR3TargetCount); n > 4 {
		return fmt.Errorf("cr3 target count %d", n)
	}
	return c.checkEntryEvent()
}

func (c *CPU) checkEntryEvent() error {
	raw := c.field(vmx.EntryInterruptionInfo)
	info := vmx.InterruptionInfo(raw)
	if !info.Valid() {
		return nil
	}
	if raw&0x7FFFF000 != 0 {
		return fmt.Errorf("entry interruption info %#x has reserved bits", raw)
	}
	t, vec := info.Type(), info.Vector()
	switch {
	case t == 1, t == vmx.OtherEvent:
		return fmt.Errorf("entry interruption type %d", t)
	case t == vmx.NMI && vec != ia32.NMI:
		return fmt.Errorf("nmi injected with vector %d", vec)
	case t == vmx.HardwareException && vec >= ia32.FirstExternalVector:
		return fmt.Errorf("hardware exception vector %d", vec)
	case info.ErrorCodeValid() != (t == vmx.HardwareException && vec.HasErrorCode()):
		return fmt.Errorf("error code flag does not match %s %v", t, vec)
	}
	if t.Software() {
		if n := c.field(vmx.EntryInstructionLength); n < 1 || n > 15 {
			return fmt.Errorf("entry instruction length %d", n)
		}
	}
	return nil
}

func (c *CPU) checkHost() error {
	cr0, cr4 := ia32.CR0(c.field(vmx.HostCR0)), ia32.CR4(c.field(vmx.HostCR4))
	switch {
	case c.caps.FixCR0(cr0) != cr0:
		return fmt.Errorf("host cr0 %#x", uint64(cr0))
	case c.caps.FixCR4(cr4) != cr4:
		return fmt.Errorf("host cr4 %#x", uint64(cr4))
	case vmx.ExitCtls(c.field(vmx.ExitControls))&vmx.ExitHostAddressSpaceSize == 0:
		return fmt.Errorf("host address-space size clear")
	case !canonical(c.field(vmx.HostRIP)):
		return fmt.Errorf("host rip %#x not canonical", c.field(vmx.HostRIP))
	}
	for _, r := range ia32.SegmentRegisters() {
		f, ok := vmx.HostSelectorField(r)
		if !ok {
			continue
		}
		sel := ia32.Selector(c.field(f))
		if sel&7 != 0 {
			return fmt.Errorf("host %v selector %#x has rpl or ti", r, uint16(sel))
		}
		if sel.Null() && (r == ia32.CS || r == ia32.TR) {
			return fmt.Errorf("host %v selector is null", r)
		}
	}
	for _, f := range []vmx.Field{vmx.HostFSBase, vmx.HostGSBase, vmx.HostTRBase, vmx.HostGDTRBase, vmx.HostIDTRBase} {
		if !canonical(c.field(f)) {
			return fmt.Errorf("%v %#x not canonical", f, c.field(f))
		}
	}
	return nil
}

func (c *CPU) guestSegment(r ia32.SegmentRegister) ia32.Segment {
	return ia32.Segment{
		Selector: ia32.Selector(c.field(vmx.GuestSelectorField(r))),
		Base:     c.field(vmx.GuestBaseField(r)),
		Limit:    uint32(c.field(vmx.GuestLimitField(r))),
		Access:   ia32.AccessRights(c.field(vmx.GuestAccessRightsField(r))),
	}
}

func (c *CPU) checkGuest() error {
	entry := vmx.EntryCtls(c.field(vmx.EntryControls))
	ia32e := entry&vmx.EntryIA32eModeGuest != 0
	cr0, cr4 := ia32.CR0(c.field(vmx.GuestCR0)), ia32.CR4(c.field(vmx.GuestCR4))
	fixed0 := c.caps.CR0Fixed0
	if c.proc2Ctls()&vmx.Proc2UnrestrictedGuest != 0 {
		fixed0 &^= uint64(ia32.CR0PE | ia32.CR0PG)
	}
	if uint64(cr0)&fixed0 != fixed0 || uint64(cr0)&^c.caps.CR0Fixed1 != 0 {
		return fmt.Errorf("guest cr0 %#x", uint64(cr0))
	}
	if c.caps.FixCR4(cr4) != cr4 {
		return fmt.Errorf("guest cr4 %#x", uint64(cr4))
	}
	if ia32e && (cr0&ia32.CR0PG == 0 || cr4&ia32.CR4PAE == 0) {
		return fmt.Errorf("ia-32e guest without paging")
	}
	if entry&vmx.EntryLoadEFER != 0 {
		efer := ia32.EFER(c.field(vmx.GuestEFER))
		if (efer&ia32.EFERLMA != 0) != ia32e {
			return fmt.Errorf("guest efer.lma does not match ia-32e mode")
		}
	}

	cs, tr, ldtr := c.guestSegment(ia32.CS), c.guestSegment(ia32.TR), c.guestSegment(ia32.LDTR)
	switch {
	case cs.Access.Unusable() || cs.Access.Type()&0x8 == 0:
		return fmt.Errorf("guest cs access rights %#x", uint32(cs.Access))
	case ia32e && cs.Access.Long() && cs.Access.Default():
		return fmt.Errorf("guest cs has both l and d")
	case tr.Access.Unusable() || !tr.Access.Present() || !tr.Access.System():
		return fmt.Errorf("guest tr access rights %#x", uint32(tr.Access))
	case ia32e && tr.Access.Type() != ia32.TypeTSSBusy:
		return fmt.Errorf("guest tr type %d", tr.Access.Type())
	case tr.Selector.LDT():
		return fmt.Errorf("guest tr selector %#x references the ldt", uint16(tr.Selector))
	case !ldtr.Access.Unusable() && (ldtr.Access.Type() != ia32.TypeLDT || !ldtr.Access.System()):
		return fmt.Errorf("guest ldtr access rights %#x", uint32(ldtr.Access))
	}
	if ss := c.guestSegment(ia32.SS); !ss.Access.Unusable() && ss.Access.Type() != 3 && ss.Access.Type() != 7 {
		return fmt.Errorf("guest ss type %d", ss.Access.Type())
	}

	for _, f := range []vmx.Field{vmx.GuestGDTRLimit, vmx.GuestIDTRLimit} {
		if c.field(f) > 0xFFFF {
			return fmt.Errorf("%v %#x", f, c.field(f))
		}
	}
	for _, f := range []vmx.Field{vmx.GuestGDTRBase, vmx.GuestIDTRBase, vmx.GuestFSBase, vmx.GuestGSBase, vmx.GuestTRBase} {
		if !canonical(c.field(f)) {
			return fmt.Errorf("%v %#x not canonical", f, c.field(f))
		}
	}

	rflags := ia32.RFLAGS(c.field(vmx.GuestRFLAGS))
	switch {
	case rflags&ia32.RFLAGSReserved == 0, uint64(rflags)>>22 != 0, rflags&(1<<3|1<<5|1<<15) != 0:
		return fmt.Errorf("guest rflags %#x", uint64(rflags))
	case ia32e && rflags&ia32.RFLAGSVM != 0:
		return fmt.Errorf("guest rflags.vm in ia-32e mode")
	case ia32e && cs.Access.Long() && !canonical(c.field(vmx.GuestRIP)):
		return fmt.Errorf("guest rip %#x not canonical", c.field(vmx.GuestRIP))
	}

	if a := vmx.ActivityState(c.field(vmx.GuestActivityState)); a != vmx.ActivityActive && a != vmx.ActivityHLT {
		return fmt.Errorf("guest activity state %d", a)
	}
	intr := vmx.Interruptibility(c.field(vmx.GuestInterruptibility))
	if intr>>5 != 0 || (intr&vmx.BlockingBySTI != 0 && rflags&ia32.RFLAGSIF == 0) {
		return fmt.Errorf("guest interruptibility %#x", uint32(intr))
	}
	if link := c.field(vmx.VMCSLinkPointer); link != ^uint64(0) {
		return fmt.Errorf("vmcs link pointer %#x", link)
	}
	return nil
}

// loadGuest switches the processor to the guest state of the current VMCS.
func (c *CPU) loadGuest(ctx *ia32.Context) {
	entry := vmx.EntryCtls(c.field(vmx.EntryControls))
	c.guest = true
	c.cr0 = ia32.CR0(c.field(vmx.GuestCR0))
	c.cr3 = ia32.CR3(c.field(vmx.GuestCR3))
	c.cr4 = ia32.CR4(c.field(vmx.GuestCR4))
	if entry&vmx.EntryLoadDebugControls != 0 {
		c.dr[7] = c.field(vmx.GuestDR7) | uint64(ia32.DR7Fixed)
		c.msr[ia32.MSRDebugCtl] = c.field(vmx.GuestDebugCtl)
	}
	c.msr[ia32.MSRSysenterCS] = c.field(vmx.GuestSysenterCS)
	c.msr[ia32.MSRSysenterESP] = c.field(vmx.GuestSysenterESP)
	c.msr[ia32.MSRSysenterEIP] = c.field(vmx.GuestSysenterEIP)
	if entry&vmx.EntryLoadPAT != 0 {
		c.msr[ia32.MSRPAT] = c.field(vmx.GuestPAT)
	}
	if entry&vmx.EntryLoadEFER != 0 {
		c.efer = ia32.EFER(c.field(vmx.GuestEFER))
	} else if entry&vmx.EntryIA32eModeGuest != 0 {
		c.efer |= ia32.EFERLMA | ia32.EFERLME
	} else {
		c.efer &^= ia32.EFERLMA | ia32.EFERLME
	}
	for _, r := range ia32.SegmentRegisters() {
		c.seg[r] = c.guestSegment(r)
	}
	c.gdtr = ia32.DescriptorTable{Base: c.field(vmx.GuestGDTRBase), Limit: uint16(c.field(vmx.GuestGDTRLimit))}
	c.idtr = ia32.DescriptorTable{Base: c.field(vmx.GuestIDTRBase), Limit: uint16(c.field(vmx.GuestIDTRLimit))}

	c.regs.GPR = ctx.GPR
	c.regs.GPR[ia32.RSP] = c.field(vmx.GuestRSP)
	c.regs.RIP = c.field(vmx.GuestRIP)
	c.regs.RFLAGS = ia32.RFLAGS(c.field(vmx.GuestRFLAGS))
	c.activity = vmx.ActivityState(c.field(vmx.GuestActivityState))
	c.timer = uint32(c.field(vmx.GuestPreemptionTimer))
}

// exit saves the guest state, records e in the exit-information fields
// and loads the host state.
func (c *CPU) exit(e vmexit, ctx *ia32.Context) {
	exitCtls := vmx.ExitCtls(c.field(vmx.ExitControls))
	if !e.failed {
		c.saveGuest(exitCtls)
		ctx.GPR = c.regs.GPR
		ctx.RIP = c.regs.RIP
		ctx.RFLAGS = c.regs.RFLAGS
	}

	c.setField(vmx.ExitReasonField, uint64(vmx.NewExitStatus(e.reason, e.failed)))
	c.setField(vmx.ExitQualification, e.qual)
	c.setField(vmx.ExitInstructionLength, uint64(e.length))
	c.setField(vmx.ExitInstructionInfo, uint64(e.info))
	c.setField(vmx.ExitInterruptionInfo, uint64(e.intr))
	c.setField(vmx.ExitInterruptionErrorCode, uint64(e.intrCode))
	c.setField(vmx.IDTVectoringInfo, uint64(e.vectoring))
	c.setField(vmx.IDTVectoringErrorCode, uint64(e.vectorCode))
	c.setField(vmx.GuestPhysicalAddress, e.gpa)
	c.setField(vmx.GuestLinearAddress, e.gla)
	info := c.field(vmx.EntryInterruptionInfo)
	c.setField(vmx.EntryInterruptionInfo, info&^(1<<31))

	c.loadHost(exitCtls)
	c.log.WithField("reason", e.reason).Trace("vm exit")
}

func (c *CPU) saveGuest(exitCtls vmx.ExitCtls) {
	c.setField(vmx.GuestCR0, uint64(c.cr0))
	c.setField(vmx.GuestCR3, uint64(c.cr3))
	c.setField(vmx.GuestCR4, uint64(c.cr4))
	if exitCtls&vmx.ExitSaveDebugControls != 0 {
		c.setField(vmx.GuestDR7, c.dr[7])
		c.setField(vmx.GuestDebugCtl, c.msr[ia32.MSRDebugCtl])
	}
	if exitCtls&vmx.ExitSaveEFER != 0 {
		c.setField(vmx.GuestEFER, uint64(c.efer))
	}
	if exitCtls&vmx.ExitSavePAT != 0 {
		c.setField(vmx.GuestPAT, c.msr[ia32.MSRPAT])
	}
	if exitCtls&vmx.ExitSavePreemptionTimer != 0 {
		c.setField(vmx.GuestPreemptionTimer, uint64(c.timer))
	}
	c.setField(vmx.GuestSysenterCS, c.msr[ia32.MSRSysenterCS])
	c.setField(vmx.GuestSysenterESP, c.msr[ia32.MSRSysenterESP])
	c.setField(vmx.GuestSysenterEIP, c.msr[ia32.MSRSysenterEIP])
	for _, r := range ia32.SegmentRegisters() {
		s := c.seg[r]
		c.setField(vmx.GuestSelectorField(r), uint64(s.Selector))
		c.setField(vmx.GuestBaseField(r), s.Base)
		c.setField(vmx.GuestLimitField(r), uint64(s.Limit))
		c.setField(vmx.GuestAccessRightsField(r), uint64(s.Access))
	}
	c.setField(vmx.GuestGDTRBase, c.gdtr.Base)
	c.setField(vmx.GuestGDTRLimit, uint64(c.gdtr.Limit))
	c.setField(vmx.GuestIDTRBase, c.idtr.Base)
	c.setField(vmx.GuestIDTRLimit, uint64(c.idtr.Limit))
	c.setField(vmx.GuestRSP, c.regs.GPR[ia32.RSP])
	c.setField(vmx.GuestRIP, c.regs.RIP)
	c.setField(vmx.GuestRFLAGS, uint64(c.regs.RFLAGS))
	c.setField(vmx.GuestActivityState, uint64(c.activity))
}

// loadHost switches the processor to the host state of the current VMCS.
func (c *CPU) loadHost(exitCtls vmx.ExitCtls) {
	c.guest = false
	c.activity = vmx.ActivityActive
	c.cr0 = ia32.CR0(c.field(vmx.HostCR0))
	c.cr3 = ia32.CR3(c.field(vmx.HostCR3))
	c.cr4 = ia32.CR4(c.field(vmx.HostCR4))
	c.dr[7] = uint64(ia32.DR7Fixed)
	c.msr[ia32.MSRDebugCtl] = 0
	c.msr[ia32.MSRSysenterCS] = c.field(vmx.HostSysenterCS)
	c.msr[ia32.MSRSysenterESP] = c.field(vmx.HostSysenterESP)
	c.msr[ia32.MSRSysenterEIP] = c.field(vmx.HostSysenterEIP)
	if exitCtls&vmx.ExitLoadPAT != 0 {
		c.msr[ia32.MSRPAT] = c.field(vmx.HostPAT)
	}
	if exitCtls&vmx.ExitLoadEFER != 0 {
		c.efer = ia32.EFER(c.field(vmx.HostEFER))
	} else if exitCtls&vmx.ExitHostAddressSpaceSize != 0 {
		c.efer |= ia32.EFERLMA | ia32.EFERLME
	}

	for _, r := range ia32.SegmentRegisters() {
		f, ok := vmx.HostSelectorField(r)
		if !ok {
			c.seg[r] = ia32.Segment{Access: ia32.AccessUnusable}
			continue
		}
		sel := ia32.Selector(c.field(f))
		s := ia32.Segment{Selector: sel, Limit: 0xFFFFFFFF, Access: ia32.AccessRights(0xC093)}
		switch r {
		case ia32.CS:
			s.Access = ia32.AccessRights(0xA09B)
		case ia32.TR:
			s.Limit = tssLimit
			s.Access = ia32.AccessRights(0x008B)
		}
		if sel.Null() && r != ia32.CS && r != ia32.TR {
			s.Access |= ia32.AccessUnusable
		}
		if bf, ok := vmx.HostBaseField(r); ok {
			s.Base = c.field(bf)
		}
		c.seg[r] = s
	}
	c.gdtr = ia32.DescriptorTable{Base: c.field(vmx.HostGDTRBase), Limit: 0xFFFF}
	c.idtr = ia32.DescriptorTable{Base: c.field(vmx.HostIDTRBase), Limit: 0xFFFF}

	c.regs.GPR[ia32.RSP] = c.field(vmx.HostRSP)
	c.regs.RIP = c.field(vmx.HostRIP)
	c.regs.RFLAGS = ia32.RFLAGSReserved
}
