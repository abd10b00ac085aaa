package vcpu

import (
	"context"
	"encoding/binary"
	"errors"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/sirupsen/logrus"
	"github.com/sirupsen/logrus/hooks/test"

	"github.com/set-io/vtx/hypervisor/ept"
	"github.com/set-io/vtx/hypervisor/ia32"
	"github.com/set-io/vtx/hypervisor/memory"
	"github.com/set-io/vtx/hypervisor/sim"
	"github.com/set-io/vtx/hypervisor/vmx"
)

// testHandler records every exit and runs the function registered for its
// reason. Exits without one terminate the VCPU.
type testHandler struct {
	setup func(vp *VCPU) error
	exits map[vmx.ExitReason]func(vp *VCPU)
	seen  []vmx.ExitReason
}

func (h *testHandler) on(vp *VCPU) {
	r := vp.ExitReason()
	h.seen = append(h.seen, r)
	if f := h.exits[r]; f != nil {
		f(vp)
		return
	}
	vp.Terminate()
}

func (h *testHandler) Initialize() error { return nil }
func (h *testHandler) Destroy()          {}

func (h *testHandler) Setup(vp *VCPU) error {
	if h.setup != nil {
		return h.setup(vp)
	}
	return nil
}

func (h *testHandler) HandleExceptionOrNMI(vp *VCPU) { h.on(vp) }
func (h *testHandler) HandleExternalInterrupt(vp *VCPU) { h.on(vp) }
func (h *testHandler) HandleCPUID(vp *VCPU) { h.on(vp) }
func (h *testHandler) HandleMovCR(vp *VCPU) { h.on(vp) }
func (h *testHandler) HandleMovDR(vp *VCPU) { h.on(vp) }
func (h *testHandler) HandleIO(vp *VCPU) { h.on(vp) }
func (h *testHandler) HandleRDMSR(vp *VCPU) { h.on(vp) }
func (h *testHandler) HandleWRMSR(vp *VCPU) { h.on(vp) }
func (h *testHandler) HandleEPTViolation(vp *VCPU) { h.on(vp) }
func (h *testHandler) HandleEPTMisconfiguration(vp *VCPU) { h.on(vp) }
func (h *testHandler) HandleVMCALL(vp *VCPU) { h.on(vp) }
func (h *testHandler) HandleVMXInstruction(vp *VCPU) { h.on(vp) }
func (h *testHandler) HandleDefault(vp *VCPU) { h.on(vp) }

type fixture struct {
	vp   *VCPU
	cpu  *sim.CPU
	pool *memory.Pool
	hook *test.Hook
	code uint64
}

func identity(r *ept.Root) error { return r.MapIdentity(0, 1<<30) }

// newFixture loads code on a simulated processor and binds a VCPU to it
// with an identity-mapped EPT. The guest starts at code.
func newFixture(t *testing.T, code []byte, simOpts []sim.Option, opts ...Option) *fixture {
	t.Helper()
	pool, err := memory.NewPool(memory.DefaultBase, 64*memory.PageSize)
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { pool.Close() })
	logger, hook := test.NewNullLogger()
	logger.SetLevel(logrus.DebugLevel)
	cpu, err := sim.New(0, pool, append([]sim.Option{sim.WithLogger(logrus.NewEntry(logger))}, simOpts...)...)
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(cpu.Close)
	addr, err := cpu.Load(code)
	if err != nil {
		t.Fatal(err)
	}
	opts = append([]Option{WithLogger(logrus.NewEntry(logger)), WithEPTSetup(identity)}, opts...)
	return &fixture{vp: New(cpu, pool, pool, opts...), cpu: cpu, pool: pool, hook: hook, code: addr}
}

func (f *fixture) start(t *testing.T, h Handler) {
	t.Helper()
	if err := f.vp.Initialize(h); err != nil {
		t.Fatalf("Initialize() error = %v", err)
	}
	if err := f.vp.Launch(); err != nil {
		t.Fatalf("Launch() error = %v", err)
	}
}

// controlState is the processor state a VCPU must hand back unchanged.
type controlState struct {
	CR0  ia32.CR0
	CR3  ia32.CR3
	CR4  ia32.CR4
	GDTR ia32.DescriptorTable
	IDTR ia32.DescriptorTable
}

func controlStateOf(cpu *sim.CPU) controlState {
	return controlState{CR0: cpu.CR0(), CR3: cpu.CR3(), CR4: cpu.CR4(), GDTR: cpu.GDTR(), IDTR: cpu.IDTR()}
}

func terminate(vp *VCPU) {
	if err := vp.Terminate(); err != nil {
		panic(err)
	}
}

func TestLifecycle(t *testing.T) {
	// vmcall; mov ebx, 1; hlt
	f := newFixture(t, []byte{0x0F, 0x01, 0xC1, 0xBB, 0x01, 0, 0, 0, 0xF4}, nil)
	var vpid uint16
	h := &testHandler{exits: map[vmx.ExitReason]func(*VCPU){
		vmx.ExitVMCALL: func(vp *VCPU) {
			vpid = vp.ID()
			terminate(vp)
		},
	}}

	if got := f.vp.State(); got != Off {
		t.Fatalf("State() = %v, want %v", got, Off)
	}
	before := controlStateOf(f.cpu)
	if err := f.vp.Initialize(h); err != nil {
		t.Fatal(err)
	}
	if got := f.vp.State(); got != Initializing {
		t.Fatalf("State() = %v, want %v", got, Initializing)
	}
	if err := f.vp.Launch(); err != nil {
		t.Fatal(err)
	}
	if got := f.vp.State(); got != Running {
		t.Fatalf("State() = %v, want %v", got, Running)
	}
	if !f.vp.Confirmed() {
		t.Error("Confirmed() = false with the preemption timer available")
	}
	if err := f.vp.Run(); err != nil {
		t.Fatalf("Run() error = %v", err)
	}
	if got := f.vp.State(); got != Terminated {
		t.Errorf("State() = %v, want %v", got, Terminated)
	}
	select {
	case <-f.vp.Done():
	default:
		t.Error("Done() not closed after termination")
	}
	if vpid != 1 {
		t.Errorf("ID() = %d, want 1", vpid)
	}
	if diff := cmp.Diff([]vmx.ExitReason{vmx.ExitVMCALL}, h.seen); diff != "" {
		t.Errorf("exits mismatch (-want +got):\n%s", diff)
	}

	// The processor left VMX operation and continues after the vmcall.
	if f.cpu.VMXOn() {
		t.Error("processor still in VMX operation")
	}
	if diff := cmp.Diff(before, controlStateOf(f.cpu)); diff != "" {
		t.Errorf("control state changed by virtualization (-before +after):\n%s", diff)
	}
	if got := f.cpu.Caller().RIP; got != f.code+3 {
		t.Errorf("continuation rip = %#x, want %#x", got, f.code+3)
	}
	if err := f.cpu.Run(); err != nil {
		t.Fatal(err)
	}
	if got := f.cpu.Caller().GPR[ia32.RBX]; got != 1 {
		t.Errorf("rbx = %d, want 1", got)
	}

	if err := f.vp.Destroy(); err != nil {
		t.Fatal(err)
	}
	if got := f.vp.State(); got != Off {
		t.Errorf("State() after Destroy = %v, want %v", got, Off)
	}
}

func TestLaunchConfirmation(t *testing.T) {
	tests := []struct {
		name          string
		simOpts       []sim.Option
		opts          []Option
		wantConfirmed bool
	}{
		{"preemption timer", nil, nil, true},
		{"no preemption timer", []sim.Option{sim.WithoutPreemptionTimer()}, nil, false},
		{"confirmation disabled", nil, []Option{WithLaunchConfirmation(false)}, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newFixture(t, []byte{0x0F, 0x01, 0xC1}, tt.simOpts, tt.opts...)
			h := &testHandler{}
			f.start(t, h)
			if got := f.vp.Confirmed(); got != tt.wantConfirmed {
				t.Errorf("Confirmed() = %v, want %v", got, tt.wantConfirmed)
			}
			if f.vp.PinControls()&vmx.PinPreemptionTimer != 0 {
				t.Error("preemption timer still enabled after launch")
			}
			if err := f.vp.Run(); err != nil {
				t.Fatal(err)
			}
			if diff := cmp.Diff([]vmx.ExitReason{vmx.ExitVMCALL}, h.seen); diff != "" {
				t.Errorf("exits mismatch (-want +got):\n%s", diff)
			}
		})
	}
}

func TestInitializeErrors(t *testing.T) {
	conceal, err := vmx.ParseControl("conceal_vmx")
	if err != nil {
		t.Fatal(err)
	}
	tests := []struct {
		name    string
		simOpts []sim.Option
		opts    []Option
		want    error
	}{
		{"no vmx in cpuid", []sim.Option{sim.WithoutVMX()}, nil, ErrVMXUnavailable},
		{"vmx locked off", []sim.Option{sim.WithFeatureControl(ia32.FeatureControlLock)}, nil, ErrVMXUnavailable},
		{"unsupported control", nil, []Option{WithControls(conceal)}, vmx.ErrUnsupportedControl},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newFixture(t, []byte{0xF4}, tt.simOpts, tt.opts...)
			avail := f.pool.Available()
			if err := f.vp.Initialize(&testHandler{}); !errors.Is(err, tt.want) {
				t.Errorf("Initialize() error = %v, want %v", err, tt.want)
			}
			if got := f.vp.State(); got != Off {
				t.Errorf("State() = %v, want %v", got, Off)
			}
			if got := f.pool.Available(); got != avail {
				t.Errorf("Available() = %d after failed Initialize, want %d", got, avail)
			}
		})
	}
}

func TestLaunchFailure(t *testing.T) {
	f := newFixture(t, []byte{0xF4}, nil)
	avail := f.pool.Available()
	setupErr := errors.New("setup refused")
	h := &testHandler{setup: func(*VCPU) error { return setupErr }}
	if err := f.vp.Initialize(h); err != nil {
		t.Fatal(err)
	}
	if err := f.vp.Launch(); !errors.Is(err, setupErr) {
		t.Fatalf("Launch() error = %v, want %v", err, setupErr)
	}
	if got := f.vp.State(); got != Off {
		t.Errorf("State() = %v, want %v", got, Off)
	}
	if f.cpu.VMXOn() {
		t.Error("processor still in VMX operation after failed launch")
	}
	if got := f.pool.Available(); got != avail {
		t.Errorf("Available() = %d after failed launch, want %d", got, avail)
	}
	logged := false
	for _, e := range f.hook.AllEntries() {
		err, _ := e.Data[logrus.ErrorKey].(error)
		if e.Level == logrus.ErrorLevel && e.Message == "vcpu launch failed" && errors.Is(err, setupErr) {
			logged = true
		}
	}
	if !logged {
		t.Error("launch failure was not logged")
	}
}

func TestStateErrors(t *testing.T) {
	f := newFixture(t, []byte{0x0F, 0x01, 0xC1}, nil)
	if err := f.vp.Launch(); !errors.Is(err, ErrState) {
		t.Errorf("Launch() before Initialize error = %v, want %v", err, ErrState)
	}
	if err := f.vp.Run(); !errors.Is(err, ErrState) {
		t.Errorf("Run() before Launch error = %v, want %v", err, ErrState)
	}
	f.start(t, &testHandler{})
	if err := f.vp.Initialize(&testHandler{}); !errors.Is(err, ErrState) {
		t.Errorf("Initialize() while running error = %v, want %v", err, ErrState)
	}
	if err := f.vp.Terminate(); !errors.Is(err, ErrNotInExit) {
		t.Errorf("Terminate() outside an exit error = %v, want %v", err, ErrNotInExit)
	}
	if err := f.vp.Destroy(); !errors.Is(err, ErrState) {
		t.Errorf("Destroy() while running error = %v, want %v", err, ErrState)
	}
	if err := f.vp.Run(); err != nil {
		t.Fatal(err)
	}
	var te *TransitionError
	if err := f.vp.Launch(); !errors.As(err, &te) || te.From != Terminated {
		t.Errorf("Launch() after termination error = %v, want a transition error from %v", err, Terminated)
	}
}

func TestCPUIDExit(t *testing.T) {
	// xor eax, eax; cpuid; vmcall; hlt
	f := newFixture(t, []byte{0x31, 0xC0, 0x0F, 0xA2, 0x0F, 0x01, 0xC1, 0xF4}, nil)
	var adjust int
	h := &testHandler{exits: map[vmx.ExitReason]func(*VCPU){
		vmx.ExitCPUID: func(vp *VCPU) {
			adjust = vp.RIPAdjust()
			ctx := vp.Context()
			a, b, c, d := vp.Processor().CPUID(uint32(ctx.GPR[ia32.RAX]), uint32(ctx.GPR[ia32.RCX]))
			ctx.SetLow32(ia32.RAX, a)
			ctx.SetLow32(ia32.RBX, b)
			ctx.SetLow32(ia32.RCX, c)
			ctx.SetLow32(ia32.RDX, d)
		},
	}}
	f.start(t, h)
	if err := f.vp.Run(); err != nil {
		t.Fatal(err)
	}
	if adjust != 2 {
		t.Errorf("RIPAdjust() = %d, want 2", adjust)
	}
	if diff := cmp.Diff([]vmx.ExitReason{vmx.ExitCPUID, vmx.ExitVMCALL}, h.seen); diff != "" {
		t.Errorf("exits mismatch (-want +got):\n%s", diff)
	}
	regs := f.cpu.Caller()
	if regs.GPR[ia32.RAX] != 0xD {
		t.Errorf("rax = %#x, want 0xd", regs.GPR[ia32.RAX])
	}
	if regs.RIP != f.code+7 {
		t.Errorf("rip = %#x, want %#x", regs.RIP, f.code+7)
	}
}

func TestInjectException(t *testing.T) {
	// vmcall; the #UD handler issues a second vmcall and halts.
	f := newFixture(t, []byte{0x0F, 0x01, 0xC1}, nil)
	handler, err := f.cpu.Map([]byte{0x0F, 0x01, 0xC1, 0xF4})
	if err != nil {
		t.Fatal(err)
	}
	f.cpu.SetInterruptGate(ia32.InvalidOpcode, handler)

	calls := 0
	var pendingErr error
	var pending Interrupt
	h := &testHandler{exits: map[vmx.ExitReason]func(*VCPU){
		vmx.ExitVMCALL: func(vp *VCPU) {
			calls++
			if calls > 1 {
				terminate(vp)
				return
			}
			if err := vp.Inject(InvalidOpcode()); err != nil {
				panic(err)
			}
			pendingErr = vp.Inject(GeneralProtection(0))
			pending    = vp.PendingInjection()
			vp.SuppressRIPAdjust()
		},
	}}
	f.start(t, h)
	if err := f.vp.Run(); err != nil {
		t.Fatal(err)
	}
	if !errors.Is(pendingErr, ErrInjectionPending) {
		t.Errorf("second Inject() error = %v, want %v", pendingErr, ErrInjectionPending)
	}
	if pending.Vector() != ia32.InvalidOpcode || pending.Type() != vmx.HardwareException {
		t.Errorf("PendingInjection() = %v, want #UD", pending)
	}
	regs := f.cpu.Caller()
	if regs.RIP != handler+3 {
		t.Errorf("rip = %#x, want %#x", regs.RIP, handler+3)
	}
	var frame [8]byte
	if err := f.cpu.ReadLinear(regs.GPR[ia32.RSP], frame[:]); err != nil {
		t.Fatal(err)
	}
	if got := binary.LittleEndian.Uint64(frame[:]); got != f.code {
		t.Errorf("faulting rip on the stack = %#x, want %#x", got, f.code)
	}
}

func TestRequestTermination(t *testing.T) {
	f := newFixture(t, []byte{0xEB, 0xFE}, nil) // jmp $
	h := &testHandler{}
	f.start(t, h)

	go f.vp.RequestTermination()
	if err := f.vp.Run(); err != nil {
		t.Fatal(err)
	}
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	if err := f.vp.Wait(ctx); err != nil {
		t.Errorf("Wait() error = %v", err)
	}
	if len(h.seen) != 0 {
		t.Errorf("handler saw %v, want the kick consumed", h.seen)
	}
	if got := f.cpu.Caller().RIP; got != f.code {
		t.Errorf("continuation rip = %#x, want %#x", got, f.code)
	}
}

func TestRequestTerminationBeforeLaunch(t *testing.T) {
	f := newFixture(t, []byte{0xEB, 0xFE}, nil)
	if err := f.vp.Initialize(&testHandler{}); err != nil {
		t.Fatal(err)
	}
	f.vp.RequestTermination()
	if err := f.vp.Launch(); err != nil {
		t.Fatal(err)
	}
	if err := f.vp.Run(); err != nil {
		t.Fatal(err)
	}
	if got := f.vp.State(); got != Terminated {
		t.Errorf("State() = %v, want %v", got, Terminated)
	}
}

func TestAccessorRoundTrip(t *testing.T) {
	f := newFixture(t, []byte{0x0F, 0x01, 0xC1, 0xF4}, nil) // vmcall; hlt
	tests := []struct {
		name string
		fn   func(vp *VCPU) (got, want any)
	}{
		{"null segment", func(vp *VCPU) (any, any) {
			old := vp.GuestSegment(ia32.DS)
			want := ia32.Segment{Base: 0x1000, Limit: 0xFFFF, Access: 0x93}
			vp.SetGuestSegment(ia32.DS, want)
			got := vp.GuestSegment(ia32.DS)
			vp.SetGuestSegment(ia32.DS, old)
			return got, want
		}},
		{"gdtr", func(vp *VCPU) (any, any) {
			old := vp.GuestGDTR()
			want := ia32.DescriptorTable{Base: 0xFFFF8000_00001000, Limit: 0x7F}
			vp.SetGuestGDTR(want)
			got := vp.GuestGDTR()
			vp.SetGuestGDTR(old)
			return got, want
		}},
		{"rip", func(vp *VCPU) (any, any) {
			old := vp.GuestRIP()
			vp.SetGuestRIP(0x1234)
			got := vp.GuestRIP()
			vp.SetGuestRIP(old)
			return got, uint64(0x1234)
		}},
		{"cr0 read shadow", func(vp *VCPU) (any, any) {
			old := vp.CR0ReadShadow()
			vp.SetCR0ReadShadow(ia32.CR0PE | ia32.CR0PG)
			got := vp.CR0ReadShadow()
			vp.SetCR0ReadShadow(old)
			return got, ia32.CR0PE | ia32.CR0PG
		}},
		{"exception bitmap", func(vp *VCPU) (any, any) {
			old := vp.ExceptionBitmap()
			vp.InterceptException(ia32.PageFault, true)
			got := vp.ExceptionBitmap()
			vp.SetExceptionBitmap(old)
			return got, old | 1<<ia32.PageFault
		}},
		{"tsc offset", func(vp *VCPU) (any, any) {
			old := vp.TSCOffset()
			vp.SetTSCOffset(^uint64(0))
			got := vp.TSCOffset()
			vp.SetTSCOffset(old)
			return got, ^uint64(0)
		}},
		{"dr7", func(vp *VCPU) (any, any) {
			old := vp.GuestDR7()
			vp.SetGuestDR7(0x401)
			got := vp.GuestDR7()
			vp.SetGuestDR7(old)
			return got, ia32.DR7(0x401)
		}},
	}
	h := &testHandler{exits: map[vmx.ExitReason]func(*VCPU){
		vmx.ExitVMCALL: func(vp *VCPU) {
			for _, tt := range tests {
				got, want := tt.fn(vp)
				if diff := cmp.Diff(want, got); diff != "" {
					t.Errorf("%s: read back mismatch (-want +got):\n%s", tt.name, diff)
				}
			}
			if !vp.GuestAccessRights(ia32.LDTR).Unusable() {
				t.Error("null LDTR not loaded as unusable")
			}
			if err := vp.Err(); err != nil {
				t.Errorf("Err() = %v", err)
			}
			terminate(vp)
		},
	}}
	f.start(t, h)
	if err := f.vp.Run(); err != nil {
		t.Fatalf("Run() error = %v", err)
	}
	if got := f.cpu.Caller().RIP; got != f.code+3 {
		t.Errorf("continuation rip = %#x, want %#x", got, f.code+3)
	}
}

func TestInjectSanitization(t *testing.T) {
	f := newFixture(t, []byte{0x0F, 0x01, 0xC1, 0xF4}, nil) // vmcall; hlt
	type entry struct {
		Info   uint64
		Code   uint64
		Length uint64
	}
	tests := []struct {
		name string
		i    Interrupt
		want entry
	}{
		{"error code dropped for #UD", NewException(vmx.HardwareException, ia32.InvalidOpcode, 5), entry{Info: 0x80000306}},
		{"error code added for #GP", NewInterrupt(vmx.HardwareException, ia32.GeneralProtection), entry{Info: 0x80000B0D}},
		{"page fault code kept", PageFault(ia32.PFWrite), entry{Info: 0x80000B0E, Code: 2}},
		{"error code never for software events", NewException(vmx.SoftwareInterrupt, 0x80, 7, 2), entry{Info: 0x80000480, Length: 2}},
		{"length clamped to 15", NewInterrupt(vmx.SoftwareInterrupt, 0x80, 40), entry{Info: 0x80000480, Length: 15}},
		{"length clamped to 1", NewInterrupt(vmx.SoftwareInterrupt, 0x80, 0), entry{Info: 0x80000480, Length: 1}},
		{"length from the exit", Breakpoint(), entry{Info: 0x80000603, Length: 3}},
	}
	got := map[string]entry{}
	var invalid error
	h := &testHandler{exits: map[vmx.ExitReason]func(*VCPU){
		vmx.ExitVMCALL: func(vp *VCPU) {
			for _, tt := range tests {
				if err := vp.Inject(tt.i); err != nil {
					t.Errorf("%s: Inject() error = %v", tt.name, err)
				}
				got[tt.name] = entry{
					Info:   vp.Read(vmx.EntryInterruptionInfo),
					Code:   vp.Read(vmx.EntryExceptionErrorCode),
					Length: vp.Read(vmx.EntryInstructionLength),
				}
				vp.Write(vmx.EntryInterruptionInfo, 0)
				vp.Write(vmx.EntryExceptionErrorCode, 0)
				vp.Write(vmx.EntryInstructionLength, 0)
			}
			invalid = vp.Inject(Interrupt{})
			terminate(vp)
		},
	}}
	f.start(t, h)
	if err := f.vp.Run(); err != nil {
		t.Fatalf("Run() error = %v", err)
	}
	want := map[string]entry{}
	for _, tt := range tests {
		want[tt.name] = tt.want
	}
	if diff := cmp.Diff(want, got); diff != "" {
		t.Errorf("entry fields mismatch (-want +got):\n%s", diff)
	}
	if !errors.Is(invalid, ErrInvalidInterrupt) {
		t.Errorf("Inject(Interrupt{}) error = %v, want %v", invalid, ErrInvalidInterrupt)
	}
}

func TestSuppressRIPAdjust(t *testing.T) {
	// vmcall; cpuid; nop; nop; vmcall; hlt
	f := newFixture(t, []byte{0x0F, 0x01, 0xC1, 0x0F, 0xA2, 0x90, 0x90, 0x0F, 0x01, 0xC1, 0xF4}, nil)
	var first, second int
	var rip uint64
	calls := 0
	h := &testHandler{exits: map[vmx.ExitReason]func(*VCPU){
		vmx.ExitVMCALL: func(vp *VCPU) {
			calls++
			if calls == 1 {
				vp.SetGuestRIP(f.code + 7)
				vp.SuppressRIPAdjust()
				first = vp.RIPAdjust()
				return
			}
			rip    = vp.GuestRIP()
			second = vp.RIPAdjust()
			terminate(vp)
		},
	}}
	f.start(t, h)
	if err := f.vp.Run(); err != nil {
		t.Fatalf("Run() error = %v", err)
	}
	if diff := cmp.Diff([]vmx.ExitReason{vmx.ExitVMCALL, vmx.ExitVMCALL}, h.seen); diff != "" {
		t.Errorf("exits mismatch (-want +got):\n%s", diff)
	}
	if first != 0 {
		t.Errorf("RIPAdjust() after SuppressRIPAdjust = %d, want 0", first)
	}
	if rip != f.code+7 || second != 3 {
		t.Errorf("second exit at %#x with adjust %d, want %#x with adjust 3", rip, second, f.code+7)
	}
	if got := f.cpu.Caller().RIP; got != f.code+10 {
		t.Errorf("continuation rip = %#x, want %#x", got, f.code+10)
	}
}

func TestExternalInterruptAcknowledge(t *testing.T) {
	ext, err := vmx.ParseControl("external_interrupt_exiting")
	if err != nil {
		t.Fatal(err)
	}
	f := newFixture(t, []byte{0x0F, 0x01, 0xC1, 0xF4}, nil, WithControls(ext))
	var pin vmx.PinBased
	var exit vmx.ExitCtls
	h := &testHandler{exits: map[vmx.ExitReason]func(*VCPU){
		vmx.ExitVMCALL: func(vp *VCPU) {
			pin, exit = vp.PinControls(), vp.ExitControls()
			terminate(vp)
		},
	}}
	f.start(t, h)
	if err := f.vp.Run(); err != nil {
		t.Fatalf("Run() error = %v", err)
	}
	if pin&vmx.PinExternalInterruptExiting == 0 {
		t.Error("external-interrupt exiting not enabled")
	}
	if exit&vmx.ExitAcknowledgeInterrupt == 0 {
		t.Error("external-interrupt exits do not acknowledge the interrupt")
	}
}
