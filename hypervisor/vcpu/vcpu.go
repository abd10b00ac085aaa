package vcpu

import (
	"context"
	"encoding/binary"
	"fmt"
	"reflect"

	"github.com/sirupsen/logrus"
	"gvisor.dev/gvisor/pkg/atomicbitops"
	"gvisor.dev/gvisor/pkg/cleanup"

	"github.com/set-io/vtx/hypervisor/ept"
	"github.com/set-io/vtx/hypervisor/ia32"
	"github.com/set-io/vtx/hypervisor/memory"
	"github.com/set-io/vtx/hypervisor/vmx"
)

// StackSize is the size of the host stack the processor switches to on
// VM exit.
const StackSize = 8 * memory.PageSize

const vmxFeature = 1 << 5 // CPUID.01H:ECX

// Option configures a VCPU.
type Option func(*VCPU)

func WithLogger(l *logrus.Entry) Option {
	return func(c *VCPU) { c.log = l }
}

// WithControls requests additional execution, exit or entry controls on top
// of the defaults.
func WithControls(bits ...vmx.ControlBit) Option {
	return func(c *VCPU) { c.extra = append(c.extra, bits...) }
}

// WithEPT passes options to the translation root the VCPU creates.
func WithEPT(opts ...ept.Option) Option {
	return func(c *VCPU) { c.eptOpts = append(c.eptOpts, opts...) }
}

// WithEPTSetup runs fn on the translation root while the VCPU initializes,
// before any mapping is in use.
func WithEPTSetup(fn func(*ept.Root) error) Option {
	return func(c *VCPU) { c.eptSetup = fn }
}

// WithLaunchConfirmation controls whether Launch arms the VMX-preemption
// timer to confirm the first entry. It is on by default and silently off on
// processors without the timer.
func WithLaunchConfirmation(on bool) Option {
	return func(c *VCPU) { c.confirm = on }
}

// hostState is the pre-virtualization state captured by Initialize.
type hostState struct {
	cr0    ia32.CR0
	cr3    ia32.CR3
	cr4    ia32.CR4
	gdtr   ia32.DescriptorTable
	idtr   ia32.DescriptorTable
	fsBase uint64
	gsBase uint64
	efer   ia32.EFER
}

// VCPU virtualizes one logical processor. All methods except State, Done,
// Wait and RequestTermination must be called from the goroutine that owns
// the processor.
type VCPU struct {
	cpu   Processor
	alloc memory.Allocator
	phys  memory.Physical
	log   *logrus.Entry

	extra    []vmx.ControlBit
	eptOpts  []ept.Option
	eptSetup func(*ept.Root) error
	confirm  bool

	state   state
	handler Handler
	caps    vmx.Capabilities
	ept     *ept.Root
	release func()

	vmxon     memory.Region
	vmcs      memory.Region
	msrBitmap memory.Region
	ioBitmap  memory.Region
	stack     memory.Region

	pin   vmx.PinBased
	proc  vmx.ProcBased
	proc2 vmx.ProcBased2
	exit  vmx.ExitCtls
	entry vmx.EntryCtls

	host   hostState
	launch ia32.Context
	guest  ia32.Context
	fx     ia32.FXSaveArea

	vmxOn     bool
	confirmed bool
	pending   bool
	exiting   bool
	ripAdjust int
	suppress  bool
	err       error
	runErr    error

	terminate atomicbitops.Bool
	kicked    atomicbitops.Bool
	done      chan struct{}
}

// New returns a VCPU bound to cpu. Its control structures are allocated
// from alloc and reached through phys.
func New(cpu Processor, alloc memory.Allocator, phys memory.Physical, opts ...Option) *VCPU {
	c := &VCPU{
		cpu:     cpu,
		alloc:   alloc,
		phys:    phys,
		confirm: true,
		done:    make(chan struct{}),
	}
	for _, o := range opts {
		o(c)
	}
	if c.log == nil {
		c.log = logrus.NewEntry(logrus.StandardLogger())
	}
	c.log = c.log.WithField("cpu", cpu.Index())
	return c
}

// State returns the current lifecycle state.
func (c *VCPU) State() State { return c.state.load() }

// Processor returns the logical processor the VCPU is bound to.
func (c *VCPU) Processor() Processor { return c.cpu }

// Handler returns the current exit handler.
func (c *VCPU) Handler() Handler { return c.handler }

// SetHandler replaces the exit handler. The new handler takes effect at the
// next exit.
func (c *VCPU) SetHandler(h Handler) { c.handler = h }

// Capabilities returns the VMX capabilities read during Initialize.
func (c *VCPU) Capabilities() vmx.Capabilities { return c.caps }

// EPT returns the translation root owned by the VCPU.
func (c *VCPU) EPT() *ept.Root { return c.ept }

// MSRBitmap returns the MSR bitmap referenced by the VMCS. A set bit makes
// the matching RDMSR or WRMSR exit.
func (c *VCPU) MSRBitmap() vmx.MSRBitmap { return vmx.MSRBitmap(c.msrBitmap.Bytes) }

// IOBitmap returns the I/O bitmaps referenced by the VMCS.
func (c *VCPU) IOBitmap() vmx.IOBitmap {
	return vmx.IOBitmap{A: c.ioBitmap.Bytes[:vmx.PageSize], B: c.ioBitmap.Bytes[vmx.PageSize:]}
}

// Context returns the guest register context of the exit being handled.
// Changes to it are written back before the guest resumes.
func (c *VCPU) Context() *ia32.Context { return &c.guest }

// ExtendedState returns the guest FPU/SSE state saved on exit.
func (c *VCPU) ExtendedState() *ia32.FXSaveArea { return &c.fx }

// Err returns the first VMCS access failure recorded since launch.
func (c *VCPU) Err() error { return c.err }

// Done is closed once the VCPU has terminated.
func (c *VCPU) Done() <-chan struct{} { return c.done }

// Wait blocks until the VCPU terminates or ctx is done.
func (c *VCPU) Wait(ctx context.Context) error {
	select {
	case <-c.done:
		return c.runErr
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Initialize checks that the processor can enter VMX operation, derives the
// control settings, allocates the control structures and captures the
// calling context. h receives every exit once the VCPU runs. On failure the
// VCPU is back in Off with nothing allocated.
func (c *VCPU) Initialize(h Handler) error {
	if err := c.state.transition("initialize", Off, Initializing); err != nil {
		return err
	}
	cu := cleanup.Make(func() { c.state.store(Off) })
	defer cu.Clean()

	if err := c.checkVMX(); err != nil {
		return err
	}
	c.caps = vmx.ReadCapabilities(c.rdmsr)
	if err := c.computeControls(); err != nil {
		return err
	}

	for _, r := range []struct {
		region *memory.Region
		pages  int
	}{
		{&c.vmxon, 1},
		{&c.vmcs, 1},
		{&c.msrBitmap, 1},
		{&c.ioBitmap, 2},
		{&c.stack, StackSize / memory.PageSize},
	} {
		region, err := c.alloc.Alloc(r.pages)
		if err != nil {
			return fmt.Errorf("allocate control structure error: %w", err)
		}
		cu.Add(func() { c.alloc.Free(region) })
		*r.region = region
	}
	binary.LittleEndian.PutUint32(c.vmxon.Bytes, c.caps.Basic.Revision())
	binary.LittleEndian.PutUint32(c.vmcs.Bytes, c.caps.Basic.Revision())

	root, err := ept.New(c.alloc, c.phys, c.eptOpts...)
	if err != nil {
		return fmt.Errorf("create ept error: %w", err)
	}
	cu.Add(root.Destroy)
	if c.eptSetup != nil {
		if err := c.eptSetup(root); err != nil {
			return fmt.Errorf("ept setup error: %w", err)
		}
	}
	c.ept = root

	c.captureHost()
	c.launch = c.cpu.Caller()
	c.guest = c.launch
	c.handler = h
	c.release = cu.Release()
	c.log.WithField("revision", c.caps.Basic.Revision()).Debug("vcpu initialized")
	return nil
}

func (c *VCPU) rdmsr(m ia32.MSR) uint64 {
	v, err := c.cpu.ReadMSR(m)
	if err != nil {
		return 0
	}
	return v
}

func (c *VCPU) checkVMX() error {
	if _, _, ecx, _ := c.cpu.CPUID(1, 0); ecx&vmxFeature == 0 {
		return fmt.Errorf("%w: cpuid does not report vmx", ErrVMXUnavailable)
	}
	fc := ia32.FeatureControl(c.rdmsr(ia32.MSRFeatureControl))
	if !fc.VMXAllowed() {
		return fmt.Errorf("%w: disabled in IA32_FEATURE_CONTROL", ErrVMXUnavailable)
	}
	if fc&ia32.FeatureControlLock == 0 {
		fc |= ia32.FeatureControlLock | ia32.FeatureControlVMXOutsideSMX
		if err := c.cpu.WriteMSR(ia32.MSRFeatureControl, uint64(fc)); err != nil {
			return fmt.Errorf("%w: lock IA32_FEATURE_CONTROL: %v", ErrVMXUnavailable, err)
		}
	}
	return nil
}

// computeControls derives every control word from the defaults and the
// requested extras, failing if the processor cannot provide one of them.
func (c *VCPU) computeControls() error {
	pin := vmx.PinNMIExiting
	c.confirmed = false
	if c.confirm && vmx.Supported(vmx.PinPreemptionTimer, c.caps.PinBased) {
		pin |= vmx.PinPreemptionTimer
	}
	proc := vmx.ProcUseMSRBitmaps | vmx.ProcUseIOBitmaps | vmx.ProcSecondaryControls
	proc2 := vmx.Proc2EnableEPT | vmx.Proc2EnableVPID
	for _, opt := range []vmx.ProcBased2{vmx.Proc2EnableRDTSCP, vmx.Proc2EnableINVPCID, vmx.Proc2EnableXSAVES} {
		if vmx.Supported(opt, c.caps.ProcBased2) {
			proc2 |= opt
		}
	}
	exit := vmx.ExitHostAddressSpaceSize | vmx.ExitSaveDebugControls
	entry := vmx.EntryLoadDebugControls
	c.host.efer = ia32.EFER(c.rdmsr(ia32.MSREFER))
	if c.host.efer&ia32.EFERLMA != 0 {
		entry |= vmx.EntryIA32eModeGuest
	}
	for _, b := range c.extra {
		switch b.Set {
		case vmx.SetPinBased:
			pin |= vmx.PinBased(b.Bit)
		case vmx.SetProcBased:
			proc |= vmx.ProcBased(b.Bit)
		case vmx.SetProcBased2:
			proc2 |= vmx.ProcBased2(b.Bit)
		case vmx.SetExit:
			exit |= vmx.ExitCtls(b.Bit)
		case vmx.SetEntry:
			entry |= vmx.EntryCtls(b.Bit)
		}
	}
	// Exits for external interrupts only carry the vector when the
	// processor acknowledges the interrupt.
	if pin&vmx.PinExternalInterruptExiting != 0 {
		exit |= vmx.ExitAcknowledgeInterrupt
	}

	var err error
	if c.pin, err = vmx.Adjust(pin, c.caps.PinBased); err != nil {
		return fmt.Errorf("pin-based controls: %w", err)
	}
	if c.proc, err = vmx.Adjust(proc, c.caps.ProcBased); err != nil {
		return fmt.Errorf("processor-based controls: %w", err)
	}
	if c.proc2, err = vmx.Adjust(proc2, c.caps.ProcBased2); err != nil {
		return fmt.Errorf("secondary processor-based controls: %w", err)
	}
	if c.exit, err = vmx.Adjust(exit, c.caps.Exit); err != nil {
		return fmt.Errorf("exit controls: %w", err)
	}
	if c.entry, err = vmx.Adjust(entry, c.caps.Entry); err != nil {
		return fmt.Errorf("entry controls: %w", err)
	}
	return nil
}

func (c *VCPU) captureHost() {
	c.host.cr0 = c.cpu.CR0()
	c.host.cr3 = c.cpu.CR3()
	c.host.cr4 = c.cpu.CR4()
	c.host.gdtr = c.cpu.GDTR()
	c.host.idtr = c.cpu.IDTR()
	c.host.fsBase = c.rdmsr(ia32.MSRFSBase)
	c.host.gsBase = c.rdmsr(ia32.MSRGSBase)
}

// Launch enters VMX operation, loads the VMCS, writes the host, guest and
// control state, lets the handler adjust it and performs the first VM
// entry. The guest resumes at the calling context captured by Initialize.
// When the preemption timer is available the first exit must be the timer
// firing at that context, which confirms the launch. On failure VMX
// operation is left again and the VCPU returns to Off.
func (c *VCPU) Launch() error {
	if err := c.state.transition("launch", Initializing, Launching); err != nil {
		return err
	}
	if err := c.launchGuest(); err != nil {
		c.log.WithError(err).Error("vcpu launch failed")
		c.abort()
		return err
	}
	c.state.store(Running)
	c.log.WithField("vpid", c.ID()).Debug("vcpu running")
	if c.terminate.Load() {
		c.kicked.Store(true)
		c.cpu.Kick()
	}
	return nil
}

func (c *VCPU) launchGuest() error {
	if err := c.cpu.SetCR0(c.caps.FixCR0(c.host.cr0)); err != nil {
		return fmt.Errorf("fix cr0 error: %w", err)
	}
	if err := c.cpu.SetCR4(c.caps.FixCR4(c.host.cr4 | ia32.CR4VMXE)); err != nil {
		return fmt.Errorf("set cr4.vmxe error: %w", err)
	}
	if err := c.cpu.VMXON(c.vmxon.PA); err != nil {
		return fmt.Errorf("vmxon error: %w", err)
	}
	c.vmxOn = true
	if err := c.cpu.VMCLEAR(c.vmcs.PA); err != nil {
		return fmt.Errorf("vmclear error: %w", err)
	}
	if err := c.cpu.VMPTRLD(c.vmcs.PA); err != nil {
		return fmt.Errorf("vmptrld error: %w", err)
	}

	c.setupControls()
	c.setupHost()
	c.setupGuest()
	if c.err != nil {
		return c.err
	}
	if err := c.handler.Setup(c); err != nil {
		return fmt.Errorf("handler setup error: %w", err)
	}
	if c.err != nil {
		return c.err
	}
	if c.pin&vmx.PinPreemptionTimer != 0 {
		c.write(vmx.GuestPreemptionTimer, 0)
	}

	if err := c.cpu.VMLaunch(&c.guest); err != nil {
		return fmt.Errorf("vmlaunch error: %w", err)
	}
	status := vmx.ExitStatus(c.read(vmx.ExitReasonField))
	if status.EntryFailure() {
		return &EntryError{Reason: status.Reason(), Qualification: c.read(vmx.ExitQualification)}
	}
	if c.pin&vmx.PinPreemptionTimer == 0 {
		// No confirmation available; the first exit is an ordinary one.
		c.pending = true
		return c.err
	}
	if rip := c.read(vmx.GuestRIP); status.Reason() != vmx.ExitPreemptionTimer || rip != c.launch.RIP {
		return fmt.Errorf("%w: %s at %#x", ErrLaunchUnconfirmed, status.Reason(), rip)
	}
	c.pin &^= vmx.PinPreemptionTimer
	c.write(vmx.PinBasedControls, uint64(c.pin))
	c.confirmed = true
	return c.err
}

// abort undoes a failed launch.
func (c *VCPU) abort() {
	if c.vmxOn {
		c.cpu.VMCLEAR(c.vmcs.PA)
		c.cpu.VMXOFF()
		c.vmxOn = false
	}
	c.cpu.SetCR4(c.host.cr4)
	c.cpu.SetCR0(c.host.cr0)
	c.free()
	c.state.store(Off)
}

func (c *VCPU) free() {
	if c.release != nil {
		c.release()
		c.release = nil
	}
	c.ept = nil
}

// Confirmed reports whether the first entry was confirmed by the
// preemption timer.
func (c *VCPU) Confirmed() bool { return c.confirmed }

func (c *VCPU) setupControls() {
	c.write(vmx.VirtualProcessorID, uint64(c.cpu.Index()+1))
	c.write(vmx.PinBasedControls, uint64(c.pin))
	c.write(vmx.ProcBasedControls, uint64(c.proc))
	c.write(vmx.ProcBasedControls2, uint64(c.proc2))
	c.write(vmx.ExitControls, uint64(c.exit))
	c.write(vmx.EntryControls, uint64(c.entry))
	c.write(vmx.ExceptionBitmap, 0)
	c.write(vmx.PageFaultErrorCodeMask, 0)
	c.write(vmx.PageFaultErrorCodeMatch, 0)
	c.write(vmx.CR3TargetCount, 0)
	c.write(vmx.MSRBitmapAddress, c.msrBitmap.PA)
	c.write(vmx.IOBitmapA, c.ioBitmap.PA)
	c.write(vmx.IOBitmapB, c.ioBitmap.PA+vmx.PageSize)
	c.write(vmx.EPTPointer, uint64(c.ept.Pointer()))
	c.write(vmx.VMCSLinkPointer, ^uint64(0))

	// The guest sees CR4 as it was before VMX was turned on.
	c.write(vmx.CR0GuestHostMask, 0)
	c.write(vmx.CR0ReadShadow, uint64(c.host.cr0))
	c.write(vmx.CR4GuestHostMask, uint64(ia32.CR4VMXE))
	c.write(vmx.CR4ReadShadow, uint64(c.host.cr4&^ia32.CR4VMXE))
}

// hostEntry is the code address the processor returns to on VM exit.
var hostEntry = uint64(reflect.ValueOf((*VCPU).handleExit).Pointer())

func (c *VCPU) setupHost() {
	c.setHostCR0(c.cpu.CR0())
	c.setHostCR3(c.cpu.CR3())
	c.setHostCR4(c.cpu.CR4())
	for _, r := range ia32.SegmentRegisters() {
		c.setHostSelector(r, c.cpu.Segment(r).Selector)
	}
	c.setHostSegmentBase(ia32.FS, c.host.fsBase)
	c.setHostSegmentBase(ia32.GS, c.host.gsBase)
	c.setHostSegmentBase(ia32.TR, c.cpu.Segment(ia32.TR).Base)
	c.setHostGDTRBase(c.host.gdtr.Base)
	c.setHostIDTRBase(c.host.idtr.Base)
	c.write(vmx.HostSysenterCS, c.rdmsr(ia32.MSRSysenterCS))
	c.write(vmx.HostSysenterESP, c.rdmsr(ia32.MSRSysenterESP))
	c.write(vmx.HostSysenterEIP, c.rdmsr(ia32.MSRSysenterEIP))
	c.setHostRSP(c.stack.End() &^ 0xF)
	c.setHostRIP(hostEntry)
}

func (c *VCPU) setupGuest() {
	c.write(vmx.GuestCR0, uint64(c.cpu.CR0()))
	c.write(vmx.GuestCR3, uint64(c.cpu.CR3()))
	c.write(vmx.GuestCR4, uint64(c.cpu.CR4()))
	c.write(vmx.GuestDR7, c.cpu.DR(7))
	c.write(vmx.GuestDebugCtl, c.rdmsr(ia32.MSRDebugCtl))
	c.write(vmx.GuestSysenterCS, c.rdmsr(ia32.MSRSysenterCS))
	c.write(vmx.GuestSysenterESP, c.rdmsr(ia32.MSRSysenterESP))
	c.write(vmx.GuestSysenterEIP, c.rdmsr(ia32.MSRSysenterEIP))
	c.write(vmx.GuestEFER, uint64(c.host.efer))

	c.SetGuestGDTR(c.host.gdtr)
	c.SetGuestIDTR(c.host.idtr)
	for _, r := range ia32.SegmentRegisters() {
		seg := c.cpu.Segment(r)
		switch r {
		case ia32.FS:
			seg.Base = c.host.fsBase
		case ia32.GS:
			seg.Base = c.host.gsBase
		}
		// A null selector other than CS and TR is loaded as unusable.
		if seg.Selector.Null() && r != ia32.CS && r != ia32.TR {
			seg.Access |= ia32.AccessUnusable
		}
		c.SetGuestSegment(r, seg)
	}

	c.write(vmx.GuestRSP, c.launch.GPR[ia32.RSP])
	c.write(vmx.GuestRIP, c.launch.RIP)
	c.write(vmx.GuestRFLAGS, uint64(c.launch.RFLAGS))
	c.write(vmx.GuestActivityState, uint64(vmx.ActivityActive))
	c.write(vmx.GuestInterruptibility, 0)
	c.write(vmx.GuestPendingDebug, 0)
}

// Run resumes the guest and handles its exits until the VCPU terminates.
// It returns the error that forced termination, if any.
func (c *VCPU) Run() error {
	if s := c.state.load(); s != Running {
		return &TransitionError{Op: "run", From: s, To: Running}
	}
	if c.pending {
		c.pending = false
		if !c.handleExit() {
			return c.runErr
		}
	}
	for {
		if err := c.cpu.VMResume(&c.guest); err != nil {
			c.fail(fmt.Errorf("vmresume error: %w", err))
			return c.runErr
		}
		if !c.handleExit() {
			return c.runErr
		}
	}
}

// handleExit is the VM-exit entry point. It saves the guest state, lets
// the handler process the exit and either prepares the next entry or tears
// virtualization down. It reports whether the guest should be resumed.
func (c *VCPU) handleExit() bool {
	c.cpu.FXSave(&c.fx)
	c.guest.RIP = c.read(vmx.GuestRIP)
	c.guest.GPR[ia32.RSP] = c.read(vmx.GuestRSP)
	c.guest.RFLAGS = ia32.RFLAGS(c.read(vmx.GuestRFLAGS))

	status := vmx.ExitStatus(c.read(vmx.ExitReasonField))
	if status.EntryFailure() {
		c.fail(&EntryError{Reason: status.Reason(), Qualification: c.read(vmx.ExitQualification)})
		return false
	}
	reason := status.Reason()
	c.ripAdjust = 0
	if reason.Instruction() {
		c.ripAdjust = int(c.read(vmx.ExitInstructionLength))
	}
	c.suppress = false

	c.exiting = true
	if !c.consumeKick(reason) {
		dispatch(c.handler, c, reason)
	}
	c.exiting = false

	if c.err != nil {
		c.fail(c.err)
		return false
	}
	if c.terminate.Load() {
		c.state.transition("terminate", Running, Terminating)
	}

	if !c.suppress {
		c.guest.RIP += uint64(c.ripAdjust)
	}
	c.write(vmx.GuestRIP, c.guest.RIP)
	c.write(vmx.GuestRSP, c.guest.GPR[ia32.RSP])
	c.write(vmx.GuestRFLAGS, uint64(c.guest.RFLAGS))
	c.cpu.FXRstor(&c.fx)

	if c.state.load() == Terminating {
		c.teardown()
		return false
	}
	return true
}

// consumeKick swallows the NMI sent by RequestTermination.
func (c *VCPU) consumeKick(reason vmx.ExitReason) bool {
	if reason != vmx.ExitExceptionOrNMI {
		return false
	}
	info := vmx.InterruptionInfo(c.read(vmx.ExitInterruptionInfo))
	if info.Type() != vmx.NMI || !c.kicked.Swap(false) {
		return false
	}
	c.suppress = true
	return true
}

// fail records err and ends virtualization on this processor.
func (c *VCPU) fail(err error) {
	if c.runErr == nil {
		c.runErr = err
	}
	c.log.WithError(err).Error("vcpu failed")
	c.state.store(Terminating)
	c.teardown()
}

// Terminate ends virtualization once the current exit has been handled.
// The guest continues natively at the point it would have resumed.
func (c *VCPU) Terminate() error {
	if !c.exiting {
		return ErrNotInExit
	}
	return c.state.transition("terminate", Running, Terminating)
}

// Abort terminates the VCPU like Terminate and makes Run and Wait report
// err. The guest state is left as the handler found it.
func (c *VCPU) Abort(err error) error {
	if !c.exiting {
		return ErrNotInExit
	}
	if c.runErr == nil {
		c.runErr = err
	}
	c.suppress = true
	c.log.WithError(err).Error("vcpu aborted by handler")
	return c.state.transition("terminate", Running, Terminating)
}

// RequestTermination asks the VCPU to terminate from any goroutine. The
// processor is kicked out of the guest and terminates on its next exit.
func (c *VCPU) RequestTermination() {
	if c.terminate.Swap(true) {
		return
	}
	if c.state.load() == Running {
		c.kicked.Store(true)
		c.cpu.Kick()
	}
}

// teardown leaves VMX operation and restores the processor to the state
// the guest had, so that execution continues natively.
func (c *VCPU) teardown() {
	ctx := c.guest
	restore := hostState{
		cr0:    c.visibleCR0(),
		cr3:    c.GuestCR3(),
		cr4:    c.visibleCR4(),
		gdtr:   c.GuestGDTR(),
		idtr:   c.GuestIDTR(),
		fsBase: c.read(vmx.GuestFSBase),
		gsBase: c.read(vmx.GuestGSBase),
	}
	dr7 := c.read(vmx.GuestDR7)
	debugCtl := c.read(vmx.GuestDebugCtl)
	if c.err != nil {
		// The VMCS cannot be trusted; go back to where we started.
		restore, ctx = c.host, c.launch
		dr7, debugCtl = c.cpu.DR(7), c.rdmsr(ia32.MSRDebugCtl)
	}

	log := c.log
	if err := c.cpu.VMCLEAR(c.vmcs.PA); err != nil {
		log.WithError(err).Warn("vmclear during teardown")
	}
	if err := c.cpu.VMXOFF(); err != nil {
		log.WithError(err).Warn("vmxoff during teardown")
	}
	c.vmxOn = false

	for _, err := range []error{
		c.cpu.SetCR4(restore.cr4 &^ ia32.CR4VMXE),
		c.cpu.SetCR3(restore.cr3),
		c.cpu.SetCR0(restore.cr0),
		c.cpu.WriteMSR(ia32.MSRFSBase, restore.fsBase),
		c.cpu.WriteMSR(ia32.MSRGSBase, restore.gsBase),
		c.cpu.WriteMSR(ia32.MSRDebugCtl, debugCtl),
	} {
		if err != nil {
			log.WithError(err).Warn("restore processor state")
		}
	}
	c.cpu.SetGDTR(restore.gdtr)
	c.cpu.SetIDTR(restore.idtr)
	c.cpu.SetDR(7, dr7)

	c.state.store(Terminated)
	close(c.done)
	log.WithField("rip", fmt.Sprintf("%#x", ctx.RIP)).Debug("vcpu terminated")
	c.cpu.Continue(&ctx)
}

func (c *VCPU) visibleCR0() ia32.CR0 {
	mask := c.read(vmx.CR0GuestHostMask)
	return ia32.CR0(c.read(vmx.GuestCR0)&^mask | c.read(vmx.CR0ReadShadow)&mask)
}

func (c *VCPU) visibleCR4() ia32.CR4 {
	mask := c.read(vmx.CR4GuestHostMask)
	return ia32.CR4(c.read(vmx.GuestCR4)&^mask | c.read(vmx.CR4ReadShadow)&mask)
}

// Destroy releases the control structures of a VCPU that never launched or
// has terminated, returning it to Off.
func (c *VCPU) Destroy() error {
	switch s := c.state.load(); s {
	case Initializing, Terminated:
		c.free()
		c.state.store(Off)
		c.terminate.Store(false)
		c.kicked.Store(false)
		c.runErr, c.err = nil, nil
		c.done = make(chan struct{})
		return nil
	case Off:
		return nil
	default:
		return &TransitionError{Op: "destroy", From: s, To: Off}
	}
}
