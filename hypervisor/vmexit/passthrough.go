// Package vmexit contains exit handlers for VCPUs that run the code which
// launched them as their guest.
package vmexit

import (
	"encoding/binary"
	"fmt"

	"github.com/sirupsen/logrus"

	"github.com/set-io/vtx/hypervisor/ia32"
	"github.com/set-io/vtx/hypervisor/vcpu"
	"github.com/set-io/vtx/hypervisor/vmx"
)

// TerminateID is the value a CPL 0 guest puts in RCX before VMCALL to ask
// the hypervisor to leave its processor.
const TerminateID = 0xDEAD

// Option configures a Passthrough handler.
type Option func(*Passthrough)

func WithLogger(l *logrus.Entry) Option {
	return func(p *Passthrough) { p.log = l }
}

// WithIdentityMap makes Setup map guest-physical [0, size) onto itself.
func WithIdentityMap(size uint64) Option {
	return func(p *Passthrough) { p.identity = size }
}

// WithMSRExits makes RDMSR and WRMSR of the given registers exit.
func WithMSRExits(msrs ...ia32.MSR) Option {
	return func(p *Passthrough) { p.msrs = append(p.msrs, msrs...) }
}

// WithIOExits makes accesses to the given ports exit.
func WithIOExits(ports ...uint16) Option {
	return func(p *Passthrough) { p.ports = append(p.ports, ports...) }
}

// WithDescriptorTableExits makes LGDT, LIDT, LLDT, LTR and their store
// counterparts exit.
func WithDescriptorTableExits() Option {
	return func(p *Passthrough) { p.descriptors = true }
}

// Passthrough lets the guest see the real processor. Every exit is
// completed by performing the operation on the host, or by reflecting the
// event back into the guest.
type Passthrough struct {
	log         *logrus.Entry
	identity    uint64
	msrs        []ia32.MSR
	ports       []uint16
	descriptors bool
}

func NewPassthrough(opts ...Option) *Passthrough {
	p := &Passthrough{}
	for _, o := range opts {
		o(p)
	}
	if p.log == nil {
		p.log = logrus.NewEntry(logrus.StandardLogger())
	}
	return p
}

func (p *Passthrough) Initialize() error { return nil }

func (p *Passthrough) Destroy() {}

func (p *Passthrough) Setup(vp *vcpu.VCPU) error {
	if p.identity > 0 {
		if err := vp.EPT().MapIdentity(0, p.identity); err != nil {
			return fmt.Errorf("identity map error: %w", err)
		}
		if err := vp.FlushEPT(); err != nil {
			return fmt.Errorf("flush ept error: %w", err)
		}
	}
	bitmap := vp.MSRBitmap()
	for _, m := range p.msrs {
		bitmap.Intercept(m, true, true)
	}
	io := vp.IOBitmap()
	for _, port := range p.ports {
		io.Intercept(port, true)
	}
	if p.descriptors {
		if err := vp.SetProcControls2(vp.ProcControls2() | vmx.Proc2DescriptorTableExiting); err != nil {
			return err
		}
	}
	return nil
}

// reflect delivers ev to the guest at the current instruction.
func (p *Passthrough) reflect(vp *vcpu.VCPU, ev vcpu.Interrupt) {
	vp.SuppressRIPAdjust()
	if err := vp.Inject(ev); err != nil {
		p.abort(vp, fmt.Errorf("inject %s: %w", ev, err))
	}
}

func (p *Passthrough) abort(vp *vcpu.VCPU, err error) {
	if err := vp.Abort(err); err != nil {
		p.log.WithError(err).Warn("abort vcpu")
	}
}

func (p *Passthrough) HandleExceptionOrNMI(vp *vcpu.VCPU) {
	ev := vp.ExitInterruption()
	if ev.Type() == vmx.HardwareException && ev.Vector() == ia32.PageFault {
		vp.Processor().SetCR2(vp.ExitQualification())
	}
	p.reflect(vp, ev)
}

func (p *Passthrough) HandleExternalInterrupt(vp *vcpu.VCPU) {
	p.reflect(vp, vp.ExitInterruption())
}

func (p *Passthrough) HandleCPUID(vp *vcpu.VCPU) {
	ctx := vp.Context()
	a, b, c, d := vp.Processor().CPUID(uint32(ctx.GPR[ia32.RAX]), uint32(ctx.GPR[ia32.RCX]))
	ctx.SetLow32(ia32.RAX, a)
	ctx.SetLow32(ia32.RBX, b)
	ctx.SetLow32(ia32.RCX, c)
	ctx.SetLow32(ia32.RDX, d)
}

func (p *Passthrough) HandleRDMSR(vp *vcpu.VCPU) {
	ctx := vp.Context()
	var v uint64
	switch m := ia32.MSR(ctx.GPR[ia32.RCX]); m {
	case ia32.MSRDebugCtl:
		v = vp.GuestDebugCtl()
	case ia32.MSRFSBase:
		v = vp.GuestSegmentBase(ia32.FS)
	case ia32.MSRGSBase:
		v = vp.GuestSegmentBase(ia32.GS)
	default:
		var err error
		if v, err = vp.Processor().ReadMSR(m); err != nil {
			p.reflect(vp, vcpu.GeneralProtection(0))
			return
		}
	}
	ctx.SetEDXEAX(v)
}

func (p *Passthrough) HandleWRMSR(vp *vcpu.VCPU) {
	ctx := vp.Context()
	v := ctx.EDXEAX()
	switch m := ia32.MSR(ctx.GPR[ia32.RCX]); m {
	case ia32.MSRDebugCtl:
		vp.SetGuestDebugCtl(v)
	case ia32.MSRFSBase:
		vp.SetGuestSegmentBase(ia32.FS, v)
	case ia32.MSRGSBase:
		vp.SetGuestSegmentBase(ia32.GS, v)
	default:
		if err := vp.Processor().WriteMSR(m, v); err != nil {
			p.reflect(vp, vcpu.GeneralProtection(0))
		}
	}
}

func (p *Passthrough) HandleMovCR(vp *vcpu.VCPU) {
	q := vp.ExitQualificationMovCR()
	ctx := vp.Context()
	switch q.Access() {
	case vmx.MovToCR:
		v := ctx.Get(q.GPR())
		switch q.CR() {
		case 0:
			vp.SetGuestCR0(ia32.CR0(v))
			vp.SetCR0ReadShadow(ia32.CR0(v))
		case 3:
			cr3 := ia32.CR3(v)
			if vp.GuestCR4()&ia32.CR4PCIDE != 0 {
				cr3 &^= ia32.CR3NoFlush
			}
			vp.SetGuestCR3(cr3)
			if err := vp.FlushVPID(); err != nil {
				p.log.WithError(err).Warn("flush vpid")
			}
		case 4:
			vp.SetGuestCR4(ia32.CR4(v) | ia32.CR4VMXE)
			vp.SetCR4ReadShadow(ia32.CR4(v))
		}
	case vmx.MovFromCR:
		if q.CR() == 3 {
			ctx.Set(q.GPR(), uint64(vp.GuestCR3()))
		}
	case vmx.CLTS:
		cr0 := vp.GuestCR0() &^ ia32.CR0TS
		vp.SetGuestCR0(cr0)
		vp.SetCR0ReadShadow(cr0)
	case vmx.LMSW:
		// LMSW can set PE but never clears it.
		cr0 := vp.GuestCR0()&^0xE | ia32.CR0(q.LMSWSource()&0xF)
		vp.SetGuestCR0(cr0)
		vp.SetCR0ReadShadow(cr0)
	}
}

func (p *Passthrough) HandleMovDR(vp *vcpu.VCPU) {
	if vp.GuestCPL() != 0 {
		p.reflect(vp, vcpu.GeneralProtection(0))
		return
	}
	q := vp.ExitQualificationMovDR()
	n := q.DR()
	if n == 4 || n == 5 {
		if vp.GuestCR4()&ia32.CR4DE != 0 {
			p.reflect(vp, vcpu.InvalidOpcode())
			return
		}
		n += 2
	}
	cpu := vp.Processor()
	if dr7 := vp.GuestDR7(); dr7&ia32.DR7GD != 0 {
		dr6 := ia32.DR6(cpu.DR(6))&^(ia32.DR6B0|ia32.DR6B1|ia32.DR6B2|ia32.DR6B3) | ia32.DR6BD
		cpu.SetDR(6, uint64(dr6))
		vp.SetGuestDR7(dr7 &^ ia32.DR7GD)
		p.reflect(vp, vcpu.DebugException())
		return
	}
	ctx := vp.Context()
	if q.FromDR() {
		v := cpu.DR(n)
		if n == 7 {
			v = uint64(vp.GuestDR7())
		}
		ctx.Set(q.GPR(), v)
		return
	}
	v := ctx.Get(q.GPR())
	if (n == 6 || n == 7) && ia32.Upper(v) {
		p.reflect(vp, vcpu.GeneralProtection(0))
		return
	}
	switch n {
	case 6:
		cpu.SetDR(6, uint64(ia32.DR6(v)|ia32.DR6Fixed))
	case 7:
		vp.SetGuestDR7(ia32.DR7(v) | ia32.DR7Fixed)
	default:
		cpu.SetDR(n, v)
	}
}

func (p *Passthrough) HandleIO(vp *vcpu.VCPU) {
	q := vp.ExitQualificationIO()
	cpu := vp.Processor()
	ctx := vp.Context()
	port, size := q.Port(), q.Size()
	mask := uint64(1)<<(8*size) - 1

	if !q.StringOp() {
		if q.In() {
			ctx.GPR[ia32.RAX] = ctx.GPR[ia32.RAX]&^mask | uint64(cpu.In(port, size))&mask
			if size == 4 {
				ctx.SetLow32(ia32.RAX, uint32(ctx.GPR[ia32.RAX]))
			}
			return
		}
		cpu.Out(port, size, uint32(ctx.GPR[ia32.RAX]&mask))
		return
	}

	reg := ia32.RSI
	if q.In() {
		reg = ia32.RDI
	}
	count := uint64(1)
	if q.Rep() {
		count = uint64(uint32(ctx.GPR[ia32.RCX]))
	}
	step := uint64(size)
	if ctx.RFLAGS&ia32.RFLAGSDF != 0 {
		step = -step
	}
	var buf [4]byte
	for ; count > 0; count-- {
		addr := ctx.GPR[reg]
		var err error
		if q.In() {
			binary.LittleEndian.PutUint32(buf[:], cpu.In(port, size))
			err = writeGuest(vp, addr, buf[:size])
		} else if err = readGuest(vp, addr, buf[:size]); err == nil {
			cpu.Out(port, size, binary.LittleEndian.Uint32(buf[:]))
		}
		if err != nil {
			code := ia32.PageFaultError(0)
			if q.In() {
				code = ia32.PFWrite
			}
			p.pageFault(vp, addr, code)
			break
		}
		ctx.GPR[reg] += step
	}
	if q.Rep() {
		ctx.SetLow32(ia32.RCX, uint32(count))
	}
}

func (p *Passthrough) HandleEPTViolation(vp *vcpu.VCPU) {
	p.abort(vp, &ViolationError{
		Err:           ErrEPTViolation,
		GPA:           vp.ExitGuestPhysicalAddress(),
		Qualification: vp.ExitQualificationEPTViolation(),
	})
}

func (p *Passthrough) HandleEPTMisconfiguration(vp *vcpu.VCPU) {
	p.abort(vp, &ViolationError{Err: ErrEPTMisconfig, GPA: vp.ExitGuestPhysicalAddress()})
}

func (p *Passthrough) HandleVMCALL(vp *vcpu.VCPU) {
	if vp.Context().GPR[ia32.RCX] == TerminateID && vp.GuestCPL() == 0 {
		p.log.WithField("cpu", vp.Processor().Index()).Debug("termination requested by guest")
		if err := vp.Terminate(); err != nil {
			p.log.WithError(err).Warn("terminate vcpu")
		}
		return
	}
	p.reflect(vp, vcpu.InvalidOpcode())
}

// HandleVMXInstruction hides VMX from the guest.
func (p *Passthrough) HandleVMXInstruction(vp *vcpu.VCPU) {
	p.reflect(vp, vcpu.InvalidOpcode())
}

func (p *Passthrough) HandleDefault(vp *vcpu.VCPU) {
	cpu := vp.Processor()
	ctx := vp.Context()
	switch r := vp.ExitReason(); r {
	case vmx.ExitRDTSC:
		ctx.SetEDXEAX(p.guestTSC(vp, cpu.ReadTSC()))
	case vmx.ExitRDTSCP:
		tsc, aux := cpu.ReadTSCP()
		ctx.SetEDXEAX(p.guestTSC(vp, tsc))
		ctx.SetLow32(ia32.RCX, aux)
	case vmx.ExitXSETBV:
		if err := cpu.XSetBV(uint32(ctx.GPR[ia32.RCX]), ctx.EDXEAX()); err != nil {
			p.reflect(vp, vcpu.GeneralProtection(0))
		}
	case vmx.ExitINVD, vmx.ExitWBINVD:
		cpu.InvalidateCaches(true)
	case vmx.ExitGDTRIDTRAccess:
		p.descriptorTable(vp)
	case vmx.ExitLDTRTRAccess:
		p.systemSegment(vp)
	default:
		p.abort(vp, fmt.Errorf("%w: %s", ErrUnhandledExit, r))
	}
}

func (p *Passthrough) guestTSC(vp *vcpu.VCPU, tsc uint64) uint64 {
	if vp.ProcControls()&vmx.ProcTSCOffsetting != 0 {
		return tsc + vp.TSCOffset()
	}
	return tsc
}

// descriptorTable emulates LGDT, LIDT, SGDT and SIDT.
func (p *Passthrough) descriptorTable(vp *vcpu.VCPU) {
	info := vp.ExitInstructionInfo()
	addr := operandAddress(vp, info)
	var buf [10]byte
	switch id := info.Identity(); id {
	case vmx.SGDT, vmx.SIDT:
		d := vp.GuestGDTR()
		if id == vmx.SIDT {
			d = vp.GuestIDTR()
		}
		binary.LittleEndian.PutUint16(buf[0:], d.Limit)
		binary.LittleEndian.PutUint64(buf[2:], d.Base)
		if err := writeGuest(vp, addr, buf[:]); err != nil {
			p.pageFault(vp, addr, ia32.PFWrite)
		}
	case vmx.LGDT, vmx.LIDT:
		if err := readGuest(vp, addr, buf[:]); err != nil {
			p.pageFault(vp, addr, 0)
			return
		}
		d := ia32.DescriptorTable{Limit: binary.LittleEndian.Uint16(buf[0:]), Base: binary.LittleEndian.Uint64(buf[2:])}
		if id == vmx.LGDT {
			vp.SetGuestGDTR(d)
		} else {
			vp.SetGuestIDTR(d)
		}
	}
}

// systemSegment emulates LLDT, LTR, SLDT and STR.
func (p *Passthrough) systemSegment(vp *vcpu.VCPU) {
	info := vp.ExitInstructionInfo()
	ctx := vp.Context()
	var addr uint64
	if !info.RegisterOperand() {
		addr = operandAddress(vp, info)
	}
	r := ia32.LDTR
	if id := info.Identity(); id == vmx.STR || id == vmx.LTR {
		r = ia32.TR
	}

	switch info.Identity() {
	case vmx.SLDT, vmx.STR:
		sel := uint64(vp.GuestSelector(r))
		if info.RegisterOperand() {
			ctx.Set(info.Register1(), ctx.Get(info.Register1())&^0xFFFF|sel)
			return
		}
		var buf [2]byte
		binary.LittleEndian.PutUint16(buf[:], uint16(sel))
		if err := writeGuest(vp, addr, buf[:]); err != nil {
			p.pageFault(vp, addr, ia32.PFWrite)
		}
		return
	}

	var sel ia32.Selector
	if info.RegisterOperand() {
		sel = ia32.Selector(ctx.Get(info.Register1()))
	} else {
		var buf [2]byte
		if err := readGuest(vp, addr, buf[:]); err != nil {
			p.pageFault(vp, addr, 0)
			return
		}
		sel = ia32.Selector(binary.LittleEndian.Uint16(buf[:]))
	}
	if sel.Null() && r == ia32.LDTR {
		vp.SetGuestSegment(r, ia32.Segment{Selector: sel, Access: ia32.AccessUnusable})
		return
	}
	gdtr := vp.GuestGDTR()
	table := make([]byte, int(gdtr.Limit)+1)
	if err := readGuest(vp, gdtr.Base, table); err != nil {
		p.pageFault(vp, gdtr.Base, 0)
		return
	}
	seg, err := ia32.SegmentFromGDT(table, sel)
	if err != nil || sel.Null() || sel.LDT() {
		p.reflect(vp, vcpu.GeneralProtection(uint32(sel&^3)))
		return
	}
	if r == ia32.TR {
		ia32.MarkBusy(table, sel)
		off := uint64(sel.Index())*8 + 5
		if err := writeGuest(vp, gdtr.Base+off, table[off:off+1]); err != nil {
			p.pageFault(vp, gdtr.Base+off, ia32.PFWrite)
			return
		}
		seg.Access = seg.Access&^ia32.AccessTypeMask | ia32.TypeTSSBusy
	}
	vp.SetGuestSegment(r, seg)
}

func (p *Passthrough) pageFault(vp *vcpu.VCPU, addr uint64, code ia32.PageFaultError) {
	vp.Processor().SetCR2(addr)
	p.reflect(vp, vcpu.PageFault(code))
}
