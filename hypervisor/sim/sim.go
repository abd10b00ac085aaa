// Package sim is a software model of an x86-64 logical processor with VMX.
// It implements vcpu.Processor on top of a memory pool: the VMX
// instructions keep the VMCS in Go maps, VM entries check and load the
// guest state, and guest code runs in a small interpreter that walks the
// guest page tables and the EPT and takes VM exits the way the controls
// ask for.
package sim

import (
	"encoding/binary"
	"fmt"
	"io"

	"github.com/sirupsen/logrus"
	"gvisor.dev/gvisor/pkg/atomicbitops"
	"gvisor.dev/gvisor/pkg/cleanup"

	"github.com/set-io/vtx/hypervisor/ia32"
	"github.com/set-io/vtx/hypervisor/memory"
	"github.com/set-io/vtx/hypervisor/vmx"
)

// Memory is the physical memory the processor runs on.
type Memory interface {
	memory.Allocator
	memory.Physical
}

// Flat-model selectors of the initial GDT.
const (
	CodeSelector ia32.Selector = 0x08
	DataSelector ia32.Selector = 0x10
	TSSSelector  ia32.Selector = 0x18
)

const (
	stackPages = 4
	gdtEntries = 5
	tssLimit   = 0x67
	noVMCS     = ^uint64(0)

	pte2MPresentRW = 0x83 // P | RW | PS
	pteTable       = 0x03 // P | RW
)

const (
	initialCR0  = ia32.CR0PE | ia32.CR0MP | ia32.CR0ET | ia32.CR0NE | ia32.CR0WP | ia32.CR0PG
	initialCR4  = ia32.CR4PAE | ia32.CR4PGE | ia32.CR4OSFXSR | ia32.CR4OSXMMEXCPT
	initialEFER = ia32.EFERSCE | ia32.EFERLME | ia32.EFERLMA | ia32.EFERNXE
	initialPAT  = 0x0007040600070406
)

// Option configures a CPU.
type Option func(*CPU)

func WithLogger(l *logrus.Entry) Option {
	return func(c *CPU) { c.log = l }
}

// WithConsole sets where the debug port and the serial port write.
func WithConsole(w io.Writer) Option {
	return func(c *CPU) { c.console = w }
}

// WithCPUID replaces the CPUID table.
func WithCPUID(entries []CPUIDEntry) Option {
	return func(c *CPU) { c.cpuid = entries }
}

// WithCapabilities lets fn adjust the VMX capabilities the processor
// reports and enforces.
func WithCapabilities(fn func(*vmx.Capabilities)) Option {
	return func(c *CPU) { fn(&c.caps) }
}

// WithoutPreemptionTimer removes the VMX-preemption timer.
func WithoutPreemptionTimer() Option {
	return WithCapabilities(func(caps *vmx.Capabilities) {
		caps.PinBased &^= uint64(vmx.PinPreemptionTimer) << 32
	})
}

// WithoutVMX makes the processor report no VMX support in CPUID.
func WithoutVMX() Option {
	return func(c *CPU) { c.noVMX = true }
}

// WithFeatureControl sets the initial IA32_FEATURE_CONTROL value.
func WithFeatureControl(v ia32.FeatureControl) Option {
	return func(c *CPU) { c.msr[ia32.MSRFeatureControl] = uint64(v) }
}

// WithStepLimit bounds the number of instructions executed per VM entry
// or per Run call. Zero means no limit.
func WithStepLimit(n int) Option {
	return func(c *CPU) { c.limit = n }
}

// WithDevice attaches a port device.
func WithDevice(d Device) Option {
	return func(c *CPU) { c.devices = append(c.devices, d) }
}

// DefaultCapabilities returns the VMX capabilities of a freshly created
// processor: true controls, EPT with 2-MByte and 1-GByte pages and
// accessed/dirty flags, VPID and the preemption timer.
func DefaultCapabilities() vmx.Capabilities {
	return vmx.Capabilities{
		Basic:      vmx.NewBasic(1, vmx.PageSize, vmx.MemoryTypeWriteBack, true),
		PinBased:   0x0000007F_00000016,
		ProcBased:  0xFFF9FFFE_04006172,
		ProcBased2: 0x001010EE_00000000,
		Exit:       0x007FFFFF_00036DFB,
		Entry:      0x0000FFFF_000011FB,
		Misc:       vmx.Misc(5 | 1<<6 | 4<<16),
		EPTVPID:    vmx.EPTExecuteOnly | vmx.EPTPageWalk4 | vmx.EPTUncachedType | vmx.EPTWriteBackType |
			vmx.EPTLarge2M | vmx.EPTLarge1G | vmx.EPTINVEPT | vmx.EPTAccessDirty | vmx.EPTINVEPTSingle |
			vmx.EPTINVEPTAll | vmx.VPIDINVVPID | vmx.VPIDINVVPIDAddress | vmx.VPIDINVVPIDSingle | vmx.VPIDINVVPIDAll,
		CR0Fixed0: uint64(ia32.CR0PE | ia32.CR0NE | ia32.CR0PG),
		CR0Fixed1: 0xFFFFFFFF,
		CR4Fixed0: uint64(ia32.CR4VMXE),
		CR4Fixed1: 0x003767FF,
	}
}

// Default-1 bits of the non-TRUE control MSRs.
const (
	pinDefault1   = 0x00000016
	procDefault1  = 0x0401E172
	exitDefault1  = 0x00036DFF
	entryDefault1 = 0x000011FF
)

// CPU is one simulated logical processor. Apart from Kick, its methods
// must be called from a single goroutine.
type CPU struct {
	index   int
	mem     Memory
	log     *logrus.Entry
	caps    vmx.Capabilities
	cpuid   []CPUIDEntry
	bus     *bus
	console io.Writer
	devices []Device
	limit   int
	noVMX   bool

	regs ia32.Context
	cr0  ia32.CR0
	cr2  uint64
	cr3  ia32.CR3
	cr4  ia32.CR4
	cr8  uint64
	dr   [8]uint64
	xcr0 uint64
	efer ia32.EFER
	gdtr ia32.DescriptorTable
	idtr ia32.DescriptorTable
	seg  [ia32.NumSegmentRegisters]ia32.Segment
	msr  map[ia32.MSR]uint64
	fx   ia32.FXSaveArea
	tsc  uint64

	halted   bool
	activity vmx.ActivityState

	vmxOn   bool
	vmxonPA uint64
	current uint64
	vmcs    map[uint64]*vmcs
	guest   bool
	timer   uint32

	nmi  atomicbitops.Bool
	wake chan struct{}

	regions []memory.Region
	pml4    memory.Region
	gdt     memory.Region
	idt     memory.Region
	tss     memory.Region
	stack   memory.Region
}

// New builds a processor in 64-bit mode with identity-mapped paging over
// the first GByte, a flat GDT with a TSS, an empty IDT and a stack, all
// allocated from mem.
func New(index int, mem Memory, opts ...Option) (*CPU, error) {
	c := &CPU{
		index:   index,
		mem:     mem,
		caps:    DefaultCapabilities(),
		cpuid:   DefaultCPUID(),
		console: io.Discard,
		current: noVMCS,
		vmcs:    make(map[uint64]*vmcs),
		wake:    make(chan struct{}, 1),
		msr:     map[ia32.MSR]uint64{
			ia32.MSRFeatureControl: uint64(ia32.FeatureControlLock | ia32.FeatureControlVMXOutsideSMX),
			ia32.MSRSysenterCS:     0,
			ia32.MSRSysenterESP:    0,
			ia32.MSRSysenterEIP:    0,
			ia32.MSRDebugCtl:       0,
			ia32.MSRPAT:            initialPAT,
			ia32.MSRMTRRDefType:    0xC06,
			ia32.MSRSTAR:           0,
			ia32.MSRLSTAR:          0,
			ia32.MSRKernelGSBase:   0,
			ia32.MSRTSCAux:         uint64(index),
		},
	}
	for _, o := range opts {
		o(c)
	}
	if c.log == nil {
		c.log = logrus.WithField("pkg", "sim")
	}
	c.log = c.log.WithField("cpu", index)
	if c.noVMX {
		for i := range c.cpuid {
			if c.cpuid[i].Function == 1 {
				c.cpuid[i].Ecx &^= cpuidVMX
			}
		}
	}

	c.bus = newBus()
	devices := append([]Device{NewFWDebug(c.console), NewSerial(c.console), NewCMOS(nil), portCF9{}, portPS2{}}, c.devices...)
	for _, d := range devices {
		if err := c.bus.attach(d); err != nil {
			return nil, fmt.Errorf("attach device at %#x: %w", d.IOPort(), err)
		}
	}

	cu := cleanup.Make(c.Close)
	defer cu.Clean()
	if err := c.layout(); err != nil {
		return nil, err
	}
	cu.Release()
	return c, nil
}

func (c *CPU) alloc(pages int) (memory.Region, error) {
	r, err := c.mem.Alloc(pages)
	if err != nil {
		return memory.Region{}, err
	}
	c.regions = append(c.regions, r)
	return r, nil
}

func (c *CPU) layout() error {
	var err error
	if c.pml4, err = c.alloc(3); err != nil {
		return fmt.Errorf("allocate page tables: %w", err)
	}
	pdpt := c.pml4.PA + memory.PageSize
	pd := pdpt + memory.PageSize
	binary.LittleEndian.PutUint64(c.pml4.Bytes[0:], pdpt|pteTable)
	binary.LittleEndian.PutUint64(c.pml4.Bytes[memory.PageSize:], pd|pteTable)
	for i := 0; i < 512; i++ {
		binary.LittleEndian.PutUint64(c.pml4.Bytes[2*memory.PageSize+i*8:], uint64(i)<<21|pte2MPresentRW)
	}

	if c.gdt, err = c.alloc(1); err != nil {
		return fmt.Errorf("allocate gdt: %w", err)
	}
	if c.tss, err = c.alloc(1); err != nil {
		return fmt.Errorf("allocate tss: %w", err)
	}
	if c.idt, err = c.alloc(1); err != nil {
		return fmt.Errorf("allocate idt: %w", err)
	}
	if c.stack, err = c.alloc(stackPages); err != nil {
		return fmt.Errorf("allocate stack: %w", err)
	}

	ia32.PutEntry(c.gdt.Bytes, int(CodeSelector.Index()), ia32.GDTEntry(0xA09B, 0, 0xFFFFF))
	ia32.PutEntry(c.gdt.Bytes, int(DataSelector.Index()), ia32.GDTEntry(0xC093, 0, 0xFFFFF))
	lo, hi := ia32.SystemEntry(0x008B, c.tss.PA, tssLimit)
	ia32.PutEntry(c.gdt.Bytes, int(TSSSelector.Index()), lo)
	ia32.PutEntry(c.gdt.Bytes, int(TSSSelector.Index())+1, hi)
	c.gdtr = ia32.DescriptorTable{Base: c.gdt.PA, Limit: gdtEntries*8 - 1}
	c.idtr = ia32.DescriptorTable{Base: c.idt.PA, Limit: 256*16 - 1}

	for r, sel := range map[ia32.SegmentRegister]ia32.Selector{
		ia32.ES: DataSelector, ia32.CS: CodeSelector, ia32.SS: DataSelector, ia32.DS: DataSelector,
		ia32.FS: DataSelector, ia32.GS: DataSelector, ia32.LDTR: 0, ia32.TR: TSSSelector,
	} {
		s, err := ia32.SegmentFromGDT(c.gdt.Bytes[:gdtEntries*8], sel)
		if err != nil {
			return fmt.Errorf("load %v: %w", r, err)
		}
		c.seg[r] = s
	}

	c.cr0 = initialCR0
	c.cr3 = ia32.CR3(c.pml4.PA)
	c.cr4 = initialCR4
	c.efer = initialEFER
	c.xcr0 = 1
	c.dr[6] = uint64(ia32.DR6Fixed)
	c.dr[7] = uint64(ia32.DR7Fixed)
	c.regs.RFLAGS = ia32.RFLAGSReserved
	c.regs.GPR[ia32.RSP] = c.stack.End()
	c.fx.Reset()
	return nil
}

// Close returns every page the processor allocated.
func (c *CPU) Close() {
	for _, r := range c.regions {
		c.mem.Free(r)
	}
	c.regions = nil
}

// Map copies code into freshly allocated pages and returns its address.
// Memory is identity mapped, so the address is both linear and physical.
func (c *CPU) Map(code []byte) (uint64, error) {
	pages := max(1, (len(code)+memory.PageSize-1)/memory.PageSize)
	r, err := c.alloc(pages)
	if err != nil {
		return 0, fmt.Errorf("%w: %v", ErrNoRoom, err)
	}
	copy(r.Bytes, code)
	return r.PA, nil
}

// Load maps code and points the instruction pointer at it with an empty
// stack.
func (c *CPU) Load(code []byte) (uint64, error) {
	addr, err := c.Map(code)
	if err != nil {
		return 0, err
	}
	c.regs.RIP = addr
	c.regs.GPR[ia32.RSP] = c.stack.End()
	c.halted = false
	return addr, nil
}

// SetInterruptGate installs a 64-bit interrupt gate for v in the IDT.
func (c *CPU) SetInterruptGate(v ia32.Vector, target uint64) {
	lo, hi := gate(target, CodeSelector, gateInterrupt)
	off := int(v) * 16
	binary.LittleEndian.PutUint64(c.idt.Bytes[off:], lo)
	binary.LittleEndian.PutUint64(c.idt.Bytes[off+8:], hi)
}

// StackTop returns the initial stack pointer.
func (c *CPU) StackTop() uint64 { return c.stack.End() }

// Halted reports whether the last Run stopped at HLT.
func (c *CPU) Halted() bool { return c.halted }

// VMXOn reports whether the processor is in VMX operation.
func (c *CPU) VMXOn() bool { return c.vmxOn }

// Run executes code natively, outside VMX non-root operation, until HLT.
func (c *CPU) Run() error {
	if c.guest {
		return fmt.Errorf("%w: run while in guest mode", ErrInvalidOpcode)
	}
	c.halted = false
	for steps := 0; !c.halted; steps++ {
		if c.limit > 0 && steps >= c.limit {
			return ErrStepLimit
		}
		if err := c.handle(c.step()); err != nil {
			return err
		}
	}
	return nil
}

func (c *CPU) Index() int { return c.index }

func (c *CPU) CR0() ia32.CR0 { return c.cr0 }

func (c *CPU) SetCR0(v ia32.CR0) error {
	if err := c.checkCR0(v); err != nil {
		return err
	}
	c.setCR0(v)
	return nil
}

func (c *CPU) setCR0(v ia32.CR0) {
	c.cr0 = v
	if v&ia32.CR0PG != 0 && c.efer&ia32.EFERLME != 0 {
		c.efer |= ia32.EFERLMA
	} else {
		c.efer &^= ia32.EFERLMA
	}
}

func (c *CPU) checkCR0(v ia32.CR0) error {
	switch {
	case ia32.Upper(uint64(v)):
		return fmt.Errorf("%w: cr0 %#x has reserved bits", ErrGeneralFault, uint64(v))
	case v&ia32.CR0PG != 0 && v&ia32.CR0PE == 0:
		return fmt.Errorf("%w: cr0.pg without cr0.pe", ErrGeneralFault)
	case v&ia32.CR0NW != 0 && v&ia32.CR0CD == 0:
		return fmt.Errorf("%w: cr0.nw without cr0.cd", ErrGeneralFault)
	case c.vmxOn && c.caps.FixCR0(v) != v && !c.unrestricted():
		return fmt.Errorf("%w: cr0 %#x violates vmx fixed bits", ErrGeneralFault, uint64(v))
	case c.efer&ia32.EFERLMA != 0 && v&ia32.CR0PG == 0 && c.seg[ia32.CS].Access.Long():
		return fmt.Errorf("%w: clearing cr0.pg in 64-bit mode", ErrGeneralFault)
	}
	return nil
}

func (c *CPU) unrestricted() bool {
	return c.guest && c.proc2Ctls()&vmx.Proc2UnrestrictedGuest != 0
}

func (c *CPU) CR2() uint64 { return c.cr2 }

func (c *CPU) SetCR2(v uint64) { c.cr2 = v }

func (c *CPU) CR3() ia32.CR3 { return c.cr3 }

func (c *CPU) SetCR3(v ia32.CR3) error {
	if c.cr4&ia32.CR4PCIDE == 0 {
		v &^= ia32.CR3NoFlush
	}
	if uint64(v.PageFrame())>>52 != 0 {
		return fmt.Errorf("%w: cr3 %#x beyond physical address width", ErrGeneralFault, uint64(v))
	}
	c.cr3 = v &^ ia32.CR3NoFlush
	return nil
}

func (c *CPU) CR4() ia32.CR4 { return c.cr4 }

func (c *CPU) SetCR4(v ia32.CR4) error {
	if err := c.checkCR4(v); err != nil {
		return err
	}
	c.cr4 = v
	return nil
}

func (c *CPU) checkCR4(v ia32.CR4) error {
	switch {
	case uint64(v)&^DefaultCapabilities().CR4Fixed1 != 0:
		return fmt.Errorf("%w: cr4 %#x has reserved bits", ErrGeneralFault, uint64(v))
	case c.vmxOn && v&ia32.CR4VMXE == 0:
		return fmt.Errorf("%w: clearing cr4.vmxe in vmx operation", ErrGeneralFault)
	case c.vmxOn && c.caps.FixCR4(v) != v:
		return fmt.Errorf("%w: cr4 %#x violates vmx fixed bits", ErrGeneralFault, uint64(v))
	case c.efer&ia32.EFERLMA != 0 && v&ia32.CR4PAE == 0:
		return fmt.Errorf("%w: clearing cr4.pae in 64-bit mode", ErrGeneralFault)
	}
	return nil
}

func (c *CPU) DR(i int) uint64 { return c.dr[debugIndex(i)] }

func (c *CPU) SetDR(i int, v uint64) {
	switch i = debugIndex(i); i {
	case 6:
		v = v | uint64(ia32.DR6Fixed)
	case 7:
		v = v | uint64(ia32.DR7Fixed)
	}
	c.dr[i] = v
}

// debugIndex folds DR4 and DR5 onto DR6 and DR7.
func debugIndex(i int) int {
	i &= 7
	if i == 4 || i == 5 {
		i += 2
	}
	return i
}

func (c *CPU) XSetBV(xcr uint32, v uint64) error {
	switch {
	case xcr != 0:
		return fmt.Errorf("%w: xcr%d", ErrGeneralFault, xcr)
	case v&1 == 0, v&^0x7 != 0, v&0x4 != 0 && v&0x2 == 0:
		return fmt.Errorf("%w: xcr0 %#x", ErrGeneralFault, v)
	}
	c.xcr0 = v
	return nil
}

func (c *CPU) GDTR() ia32.DescriptorTable { return c.gdtr }

func (c *CPU) SetGDTR(d ia32.DescriptorTable) { c.gdtr = d }

func (c *CPU) IDTR() ia32.DescriptorTable { return c.idtr }

func (c *CPU) SetIDTR(d ia32.DescriptorTable) { c.idtr = d }

func (c *CPU) Segment(r ia32.SegmentRegister) ia32.Segment { return c.seg[r&7] }

func (c *CPU) CPUID(leaf, subleaf uint32) (eax, ebx, ecx, edx uint32) {
	return c.lookupCPUID(leaf, subleaf)
}

func (c *CPU) ReadMSR(m ia32.MSR) (uint64, error) {
	switch m {
	case ia32.MSRTimeStampCounter:
		return c.tsc, nil
	case ia32.MSRFSBase:
		return c.seg[ia32.FS].Base, nil
	case ia32.MSRGSBase:
		return c.seg[ia32.GS].Base, nil
	case ia32.MSREFER:
		return uint64(c.efer), nil
	}
	if v, ok := c.vmxMSR(m); ok {
		return v, nil
	}
	if v, ok := c.msr[m]; ok {
		return v, nil
	}
	return 0, fmt.Errorf("%w: rdmsr %#x", ErrUnknownMSR, uint32(m))
}

func (c *CPU) vmxMSR(m ia32.MSR) (uint64, bool) {
	if c.noVMX {
		return 0, false
	}
	withDefault1 := func(capability uint64, default1 uint32) uint64 {
		return capability | uint64(default1)
	}
	switch m {
	case ia32.MSRVMXBasic:
		return uint64(c.caps.Basic), true
	case ia32.MSRVMXPinbasedCtls:
		return withDefault1(c.caps.PinBased, pinDefault1), true
	case ia32.MSRVMXProcbasedCtls:
		return withDefault1(c.caps.ProcBased, procDefault1), true
	case ia32.MSRVMXExitCtls:
		return withDefault1(c.caps.Exit, exitDefault1), true
	case ia32.MSRVMXEntryCtls:
		return withDefault1(c.caps.Entry, entryDefault1), true
	case ia32.MSRVMXTruePinbased:
		return c.caps.PinBased, true
	case ia32.MSRVMXTrueProcbased:
		return c.caps.ProcBased, true
	case ia32.MSRVMXTrueExitCtls:
		return c.caps.Exit, true
	case ia32.MSRVMXTrueEntryCtls:
		return c.caps.Entry, true
	case ia32.MSRVMXMisc:
		return uint64(c.caps.Misc), true
	case ia32.MSRVMXCR0Fixed0:
		return c.caps.CR0Fixed0, true
	case ia32.MSRVMXCR0Fixed1:
		return c.caps.CR0Fixed1, true
	case ia32.MSRVMXCR4Fixed0:
		return c.caps.CR4Fixed0, true
	case ia32.MSRVMXCR4Fixed1:
		return c.caps.CR4Fixed1, true
	case ia32.MSRVMXVMCSEnum:
		return 0x2E, true
	case ia32.MSRVMXProcbasedCtls2:
		return c.caps.ProcBased2, true
	case ia32.MSRVMXEPTVPIDCap:
		return uint64(c.caps.EPTVPID), true
	case ia32.MSRVMXVMFunc:
		return 0, true
	}
	return 0, false
}

func (c *CPU) WriteMSR(m ia32.MSR, v uint64) error {
	if _, ok := c.vmxMSR(m); ok {
		return fmt.Errorf("%w: wrmsr to read-only %#x", ErrGeneralFault, uint32(m))
	}
	switch m {
	case ia32.MSRTimeStampCounter:
		c.tsc = v
	case ia32.MSRFSBase, ia32.MSRGSBase:
		if !canonical(v) {
			return fmt.Errorf("%w: non-canonical base %#x", ErrGeneralFault, v)
		}
		r := ia32.FS
		if m == ia32.MSRGSBase {
			r = ia32.GS
		}
		c.seg[r].Base = v
	case ia32.MSREFER:
		e := ia32.EFER(v)
		if e&^(ia32.EFERSCE|ia32.EFERLME|ia32.EFERLMA|ia32.EFERNXE) != 0 {
			return fmt.Errorf("%w: efer %#x has reserved bits", ErrGeneralFault, v)
		}
		if c.cr0&ia32.CR0PG != 0 && (e^c.efer)&ia32.EFERLME != 0 {
			return fmt.Errorf("%w: changing efer.lme with paging enabled", ErrGeneralFault)
		}
		c.efer = e&^ia32.EFERLMA | c.efer&ia32.EFERLMA
	case ia32.MSRFeatureControl:
		if ia32.FeatureControl(c.msr[m])&ia32.FeatureControlLock != 0 {
			return fmt.Errorf("%w: IA32_FEATURE_CONTROL is locked", ErrGeneralFault)
		}
		c.msr[m] = v
	default:
		if _, ok := c.msr[m]; !ok {
			return fmt.Errorf("%w: wrmsr %#x", ErrUnknownMSR, uint32(m))
		}
		c.msr[m] = v
	}
	return nil
}

func (c *CPU) ReadTSC() uint64 { return c.tsc }

func (c *CPU) ReadTSCP() (uint64, uint32) { return c.tsc, uint32(c.msr[ia32.MSRTSCAux]) }

func (c *CPU) In(port uint16, size int) uint32 {
	var b [4]byte
	if err := c.bus.in(port, b[:size]); err != nil {
		c.log.WithError(err).WithField("port", port).Warn("port read failed")
	}
	return binary.LittleEndian.Uint32(b[:])
}

func (c *CPU) Out(port uint16, size int, v uint32) {
	var b [4]byte
	binary.LittleEndian.PutUint32(b[:], v)
	if err := c.bus.out(port, b[:size]); err != nil {
		c.log.WithError(err).WithField("port", port).Warn("port write failed")
	}
}

// InvalidateCaches has nothing to flush; memory is always coherent.
func (c *CPU) InvalidateCaches(writeback bool) {
	c.log.WithField("writeback", writeback).Trace("invalidate caches")
}

func (c *CPU) ReadLinear(addr uint64, p []byte) error {
	return c.readMem(addr, p, accessRead)
}

func (c *CPU) WriteLinear(addr uint64, p []byte) error {
	return c.writeMem(addr, p)
}

func (c *CPU) FXSave(a *ia32.FXSaveArea) { *a = c.fx }

func (c *CPU) FXRstor(a *ia32.FXSaveArea) { c.fx = *a }

// Caller returns the register context execution would continue with.
func (c *CPU) Caller() ia32.Context { return c.regs }

// Continue loads ctx as the register context.
func (c *CPU) Continue(ctx *ia32.Context) {
	c.regs = *ctx
	c.regs.RFLAGS |= ia32.RFLAGSReserved
	c.halted = false
}

// Kick raises an NMI on the processor.
func (c *CPU) Kick() {
	c.nmi.Store(true)
	select {
	case c.wake <- struct{}{}:
	default:
	}
}

// Serial returns the COM1 port so callers can feed it input.
func (c *CPU) Serial() *Serial {
	if s, ok := c.bus.lookup(COM1Addr).(*Serial); ok {
		return s
	}
	return nil
}

func canonical(a uint64) bool {
	return uint64(int64(a<<16)>>16) == a
}
