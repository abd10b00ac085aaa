package sim

import (
	"encoding/binary"

	"golang.org/x/arch/x86/x86asm"

	"github.com/set-io/vtx/hypervisor/ia32"
	"github.com/set-io/vtx/hypervisor/vmx"
)

// system executes the privileged and I/O instructions, taking the VM exits
// the controls ask for in VMX non-root operation.
func (c *CPU) system(inst *x86asm.Inst, next uint64) (uint64, error) {
	proc, proc2 := c.procCtls(), c.proc2Ctls()
	switch inst.Op {
	case x86asm.HLT:
		switch {
		case !c.guest:
			c.halted = true
		case proc&vmx.ProcHLTExiting != 0:
			return 0, instExit(vmx.ExitHLT, inst, 0)
		default:
			c.activity = vmx.ActivityHLT
		}
	case x86asm.PAUSE:
		if c.guest && proc&vmx.ProcPAUSEExiting != 0 {
			return 0, instExit(vmx.ExitPAUSE, inst, 0)
		}
	case x86asm.CPUID:
		if c.guest {
			return 0, instExit(vmx.ExitCPUID, inst, 0)
		}
		a, b, cx, d := c.CPUID(uint32(c.regs.GPR[ia32.RAX]), uint32(c.regs.GPR[ia32.RCX]))
		c.regs.SetLow32(ia32.RAX, a)
		c.regs.SetLow32(ia32.RBX, b)
		c.regs.SetLow32(ia32.RCX, cx)
		c.regs.SetLow32(ia32.RDX, d)
	case x86asm.RDMSR, x86asm.WRMSR:
		return next, c.msrAccess(inst)
	case x86asm.RDTSC:
		if c.guest && proc&vmx.ProcRDTSCExiting != 0 {
			return 0, instExit(vmx.ExitRDTSC, inst, 0)
		}
		c.regs.SetEDXEAX(c.guestTSC(c.ReadTSC()))
	case x86asm.RDTSCP:
		if c.guest && proc2&vmx.Proc2EnableRDTSCP == 0 {
			return 0, raise(ia32.InvalidOpcode)
		}
		if c.guest && proc&vmx.ProcRDTSCExiting != 0 {
			return 0, instExit(vmx.ExitRDTSCP, inst, 0)
		}
		tsc, aux := c.ReadTSCP()
		c.regs.SetEDXEAX(c.guestTSC(tsc))
		c.regs.SetLow32(ia32.RCX, aux)
	case x86asm.XSETBV:
		if c.guest {
			return 0, instExit(vmx.ExitXSETBV, inst, 0)
		}
		if c.cr4&ia32.CR4OSXSAVE == 0 {
			return 0, raise(ia32.InvalidOpcode)
		}
		if err := c.XSetBV(uint32(c.regs.GPR[ia32.RCX]), c.regs.EDXEAX()); err != nil {
			return 0, fromHost(err)
		}
	case x86asm.INVD:
		if c.guest {
			return 0, instExit(vmx.ExitINVD, inst, 0)
		}
		c.InvalidateCaches(false)
	case x86asm.WBINVD:
		if c.guest && proc2&vmx.Proc2WBINVDExiting != 0 {
			return 0, instExit(vmx.ExitWBINVD, inst, 0)
		}
		c.InvalidateCaches(true)
	case x86asm.INVLPG:
		m, ok := inst.Args[0].(x86asm.Mem)
		if !ok {
			return 0, raise(ia32.InvalidOpcode)
		}
		if c.guest && proc&vmx.ProcINVLPGExiting != 0 {
			return 0, instExit(vmx.ExitINVLPG, inst, c.addr(inst, m))
		}
	case x86asm.CLTS:
		return next, c.clts(inst)
	case x86asm.LMSW:
		return next, c.lmsw(inst)
	case x86asm.SWAPGS:
		gs := c.seg[ia32.GS].Base
		c.seg[ia32.GS].Base = c.msr[ia32.MSRKernelGSBase]
		c.msr[ia32.MSRKernelGSBase] = gs
	case x86asm.IN, x86asm.OUT:
		return next, c.portIO(inst)
	case x86asm.INSB, x86asm.INSW, x86asm.INSD, x86asm.OUTSB, x86asm.OUTSW, x86asm.OUTSD:
		return next, c.portString(inst)
	case x86asm.LGDT, x86asm.LIDT, x86asm.SGDT, x86asm.SIDT:
		return next, c.descriptorTable(inst)
	case x86asm.LLDT, x86asm.LTR, x86asm.SLDT, x86asm.STR:
		return next, c.systemSegment(inst)
	default:
		return 0, raise(ia32.InvalidOpcode)
	}
	return next, nil
}

func (c *CPU) guestTSC(tsc uint64) uint64 {
	if c.guest && c.procCtls()&vmx.ProcTSCOffsetting != 0 {
		return tsc + c.field(vmx.TSCOffset)
	}
	return tsc
}

func (c *CPU) msrExits(m ia32.MSR, write bool) bool {
	if c.procCtls()&vmx.ProcUseMSRBitmaps == 0 {
		return true
	}
	b, err := c.phys(c.field(vmx.MSRBitmapAddress), vmx.PageSize)
	if err != nil {
		return true
	}
	return vmx.MSRBitmap(b).Exits(m, write)
}

func (c *CPU) msrAccess(inst *x86asm.Inst) error {
	m := ia32.MSR(c.regs.GPR[ia32.RCX])
	write := inst.Op == x86asm.WRMSR
	if c.guest && c.msrExits(m, write) {
		r := vmx.ExitRDMSR
		if write {
			r = vmx.ExitWRMSR
		}
		return instExit(r, inst, 0)
	}
	if write {
		return fromHost(c.WriteMSR(m, c.regs.EDXEAX()))
	}
	v, err := c.ReadMSR(m)
	if err != nil {
		return fromHost(err)
	}
	c.regs.SetEDXEAX(v)
	return nil
}

// crMask returns the guest/host mask and read shadow of CR0 or CR4.
func (c *CPU) crMask(n int) (mask, shadow uint64) {
	if n == 4 {
		return c.field(vmx.CR4GuestHostMask), c.field(vmx.CR4ReadShadow)
	}
	return c.field(vmx.CR0GuestHostMask), c.field(vmx.CR0ReadShadow)
}

func (c *CPU) cr3Target(v uint64) bool {
	targets := []vmx.Field{vmx.CR3Target0, vmx.CR3Target1, vmx.CR3Target2, vmx.CR3Target3}
	for _, f := range targets[:min(int(c.field(vmx.CR3TargetCount)), len(targets))] {
		if c.field(f) == v {
			return true
		}
	}
	return false
}

func (c *CPU) movToCR(inst *x86asm.Inst, n int, src x86asm.Reg) error {
	g, _, _, _ := gpr(src)
	v := c.regs.GPR[g]
	if c.guest {
		proc := c.procCtls()
		exit := false
		switch n {
		case 0, 4:
			mask, shadow := c.crMask(n)
			exit = (v^shadow)&mask != 0
			cur := uint64(c.cr0)
			if n == 4 {
				cur = uint64(c.cr4)
			}
			v = v&^mask | cur&mask
		case 3:
			exit = proc&vmx.ProcCR3LoadExiting != 0 && !c.cr3Target(v)
		case 8:
			exit = proc&vmx.ProcCR8LoadExiting != 0
		}
		if exit {
			return instExit(vmx.ExitMovCR, inst, uint64(vmx.NewMovCR(n, vmx.MovToCR, g, 0)))
		}
	}
	var err error
	switch n {
	case 0:
		err = c.SetCR0(ia32.CR0(v))
	case 2:
		c.cr2 = v
	case 3:
		err = c.SetCR3(ia32.CR3(v))
	case 4:
		err = c.SetCR4(ia32.CR4(v))
	case 8:
		if v>>4 != 0 {
			return raiseCode(ia32.GeneralProtection, 0)
		}
		c.cr8 = v
	default:
		return raise(ia32.InvalidOpcode)
	}
	return fromHost(err)
}

func (c *CPU) movFromCR(inst *x86asm.Inst, n int, dst x86asm.Reg) error {
	g, _, _, _ := gpr(dst)
	var v uint64
	switch n {
	case 0:
		v = uint64(c.cr0)
	case 2:
		v = c.cr2
	case 3:
		v = uint64(c.cr3)
	case 4:
		v = uint64(c.cr4)
	case 8:
		v = c.cr8
	default:
		return raise(ia32.InvalidOpcode)
	}
	if c.guest {
		proc := c.procCtls()
		switch {
		case n == 3 && proc&vmx.ProcCR3StoreExiting != 0, n == 8 && proc&vmx.ProcCR8StoreExiting != 0:
			return instExit(vmx.ExitMovCR, inst, uint64(vmx.NewMovCR(n, vmx.MovFromCR, g, 0)))
		case n == 0 || n == 4:
			mask, shadow := c.crMask(n)
			v = v&^mask | shadow&mask
		}
	}
	c.regs.GPR[g] = v
	return nil
}

func (c *CPU) movDR(inst *x86asm.Inst, n int, r x86asm.Reg, fromDR bool) error {
	g, _, _, _ := gpr(r)
	switch {
	case n > 7:
		return raise(ia32.InvalidOpcode)
	case c.guest && c.procCtls()&vmx.ProcMovDRExiting != 0:
		return instExit(vmx.ExitMovDR, inst, uint64(vmx.NewMovDR(n, fromDR, g)))
	case (n == 4 || n == 5) && c.cr4&ia32.CR4DE != 0:
		return raise(ia32.InvalidOpcode)
	}
	if fromDR {
		c.regs.GPR[g] = c.DR(n)
		return nil
	}
	v := c.regs.GPR[g]
	if debugIndex(n) >= 6 && ia32.Upper(v) {
		return raiseCode(ia32.GeneralProtection, 0)
	}
	c.SetDR(n, v)
	return nil
}

func (c *CPU) clts(inst *x86asm.Inst) error {
	ts := uint64(ia32.CR0TS)
	if c.guest {
		mask, shadow := c.crMask(0)
		if mask&shadow&ts != 0 {
			return instExit(vmx.ExitMovCR, inst, uint64(vmx.NewMovCR(0, vmx.CLTS, 0, 0)))
		}
		if mask&ts != 0 {
			return nil
		}
	}
	c.cr0 &^= ia32.CR0TS
	return nil
}

func (c *CPU) lmsw(inst *x86asm.Inst) error {
	src, err := c.load(inst, inst.Args[0], 2)
	if err != nil {
		return err
	}
	cur := uint64(c.cr0)
	var mask uint64
	if c.guest {
		var shadow uint64
		mask, shadow = c.crMask(0)
		if (src^shadow)&mask&0xF != 0 {
			return instExit(vmx.ExitMovCR, inst, uint64(vmx.NewMovCR(0, vmx.LMSW, 0, uint16(src))))
		}
	}
	// LMSW never clears PE.
	v := cur&^0xE | src&0xE | (cur|src)&1
	v = v&^mask | cur&mask
	return fromHost(c.SetCR0(ia32.CR0(v)))
}

func (c *CPU) ioExits(port uint16, size int) bool {
	proc := c.procCtls()
	if proc&vmx.ProcUseIOBitmaps == 0 {
		return proc&vmx.ProcUnconditionalIOExiting != 0
	}
	a, err := c.phys(c.field(vmx.IOBitmapA), vmx.PageSize)
	if err != nil {
		return true
	}
	b, err := c.phys(c.field(vmx.IOBitmapB), vmx.PageSize)
	if err != nil {
		return true
	}
	return vmx.IOBitmap{A: a, B: b}.Exits(port, size)
}

func (c *CPU) portIO(inst *x86asm.Inst) error {
	in := inst.Op == x86asm.IN
	regArg, portArg := inst.Args[0], inst.Args[1]
	if !in {
		regArg, portArg = portArg, regArg
	}
	size := argSize(inst, regArg)
	var port uint16
	imm := false
	switch p := portArg.(type) {
	case x86asm.Imm:
		port, imm = uint16(p), true
	default:
		port = uint16(c.regs.GPR[ia32.RDX])
	}
	if c.guest && c.ioExits(port, size) {
		return instExit(vmx.ExitIOInstruction, inst, uint64(vmx.NewIO(port, size, in, false, false, imm)))
	}
	if in {
		c.setReg(regArg.(x86asm.Reg), uint64(c.In(port, size)))
		return nil
	}
	v, _ := c.getReg(regArg.(x86asm.Reg))
	c.Out(port, size, uint32(v))
	return nil
}

func (c *CPU) portString(inst *x86asm.Inst) error {
	size := map[x86asm.Op]int{
		x86asm.INSB:  1, x86asm.INSW: 2, x86asm.INSD: 4,
		x86asm.OUTSB: 1, x86asm.OUTSW: 2, x86asm.OUTSD: 4,
	}[inst.Op]
	in := inst.Op == x86asm.INSB || inst.Op == x86asm.INSW || inst.Op == x86asm.INSD
	rep := hasPrefix(inst, x86asm.PrefixREP)
	port := uint16(c.regs.GPR[ia32.RDX])
	if c.guest && c.ioExits(port, size) {
		return instExit(vmx.ExitIOInstruction, inst, uint64(vmx.NewIO(port, size, in, true, rep, false)))
	}
	delta := uint64(size)
	if c.regs.RFLAGS&ia32.RFLAGSDF != 0 {
		delta = -delta
	}
	for !rep || c.regs.GPR[ia32.RCX] != 0 {
		if in {
			if err := c.writeN(c.regs.GPR[ia32.RDI], size, uint64(c.In(port, size))); err != nil {
				return err
			}
			c.regs.GPR[ia32.RDI] += delta
		} else {
			v, err := c.readN(c.regs.GPR[ia32.RSI], size)
			if err != nil {
				return err
			}
			c.Out(port, size, uint32(v))
			c.regs.GPR[ia32.RSI] += delta
		}
		if !rep {
			break
		}
		c.regs.GPR[ia32.RCX]--
	}
	return nil
}

var descriptorIdentity = map[x86asm.Op]vmx.DescriptorInstruction{
	x86asm.SGDT: vmx.SGDT, x86asm.SIDT: vmx.SIDT, x86asm.LGDT: vmx.LGDT, x86asm.LIDT: vmx.LIDT,
	x86asm.SLDT: vmx.SLDT, x86asm.STR: vmx.STR, x86asm.LLDT: vmx.LLDT, x86asm.LTR: vmx.LTR,
}

func (c *CPU) descriptorExit(inst *x86asm.Inst, r vmx.ExitReason) error {
	var b vmx.InstructionInfoBuilder
	var qual uint64
	switch a := inst.Args[0].(type) {
	case x86asm.Mem:
		b    = memInfo(inst, a)
		qual = uint64(a.Disp)
	case x86asm.Reg:
		g, _, _, _ := gpr(a)
		b = vmx.InstructionInfoBuilder{Register: g, RegOperand: true, AddressSize: 2}
	}
	b.Identity = descriptorIdentity[inst.Op]
	return &exitRequest{vmexit{reason: r, length: inst.Len, qual: qual, info: b.Build()}}
}

func (c *CPU) descriptorTable(inst *x86asm.Inst) error {
	m, ok := inst.Args[0].(x86asm.Mem)
	if !ok {
		return raise(ia32.InvalidOpcode)
	}
	if c.guest && c.proc2Ctls()&vmx.Proc2DescriptorTableExiting != 0 {
		return c.descriptorExit(inst, vmx.ExitGDTRIDTRAccess)
	}
	a := c.addr(inst, m)
	var buf [10]byte
	switch inst.Op {
	case x86asm.LGDT, x86asm.LIDT:
		if err := c.readMem(a, buf[:], accessRead); err != nil {
			return err
		}
		d := ia32.DescriptorTable{Limit: binary.LittleEndian.Uint16(buf[0:]), Base: binary.LittleEndian.Uint64(buf[2:])}
		if !canonical(d.Base) {
			return raiseCode(ia32.GeneralProtection, 0)
		}
		if inst.Op == x86asm.LGDT {
			c.gdtr = d
		} else {
			c.idtr = d
		}
		return nil
	}
	d := c.gdtr
	if inst.Op == x86asm.SIDT {
		d = c.idtr
	}
	binary.LittleEndian.PutUint16(buf[0:], d.Limit)
	binary.LittleEndian.PutUint64(buf[2:], d.Base)
	return c.writeMem(a, buf[:])
}

func (c *CPU) systemSegment(inst *x86asm.Inst) error {
	if c.guest && c.proc2Ctls()&vmx.Proc2DescriptorTableExiting != 0 {
		return c.descriptorExit(inst, vmx.ExitLDTRTRAccess)
	}
	r := ia32.LDTR
	if inst.Op == x86asm.LTR || inst.Op == x86asm.STR {
		r = ia32.TR
	}
	switch inst.Op {
	case x86asm.SLDT, x86asm.STR:
		return c.store(inst, inst.Args[0], argSize(inst, inst.Args[0]), uint64(c.seg[r].Selector))
	}
	sel, err := c.load(inst, inst.Args[0], 2)
	if err != nil {
		return err
	}
	return c.loadSegment(r, ia32.Selector(sel))
}

// gdtBytes reads the descriptor table GDTR points at.
func (c *CPU) gdtBytes() ([]byte, error) {
	b := make([]byte, int(c.gdtr.Limit)+1)
	if err := c.readMem(c.gdtr.Base, b, accessRead); err != nil {
		return nil, err
	}
	return b, nil
}

// loadSegment loads a segment register from the GDT. LTR marks the TSS
// busy.
func (c *CPU) loadSegment(r ia32.SegmentRegister, sel ia32.Selector) error {
	selErr := raiseCode(ia32.GeneralProtection, uint32(sel&^3))
	if r == ia32.CS {
		return raise(ia32.InvalidOpcode)
	}
	if sel.Null() {
		if r == ia32.SS || r == ia32.TR {
			return selErr
		}
		c.seg[r] = ia32.Segment{Selector: sel, Base: c.seg[r].Base, Access: ia32.AccessUnusable}
		return nil
	}
	if sel.LDT() {
		return selErr
	}
	table, err := c.gdtBytes()
	if err != nil {
		return err
	}
	s, err := ia32.SegmentFromGDT(table, sel)
	if err != nil {
		return selErr
	}
	switch r {
	case ia32.TR:
		if !s.Access.System() || s.Access.Type() != ia32.TypeTSSAvailable {
			return selErr
		}
	case ia32.LDTR:
		if !s.Access.System() || s.Access.Type() != ia32.TypeLDT {
			return selErr
		}
	default:
		if s.Access.System() {
			return selErr
		}
	}
	if !s.Access.Present() {
		if r == ia32.SS {
			return raiseCode(ia32.StackFault, uint32(sel&^3))
		}
		return raiseCode(ia32.SegmentNotPresent, uint32(sel&^3))
	}
	if r == ia32.TR {
		ia32.MarkBusy(table, sel)
		off := uint64(sel.Index())*8 + 5
		if err := c.writeMem(c.gdtr.Base+off, table[off:off+1]); err != nil {
			return err
		}
		s.Access = s.Access&^ia32.AccessTypeMask | ia32.TypeTSSBusy
	}
	c.seg[r] = s
	return nil
}
