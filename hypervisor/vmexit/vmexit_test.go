package vmexit

import (
	"bytes"
	"encoding/binary"
	"errors"
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/sirupsen/logrus"
	"github.com/sirupsen/logrus/hooks/test"

	"github.com/set-io/vtx/hypervisor/ept"
	"github.com/set-io/vtx/hypervisor/ia32"
	"github.com/set-io/vtx/hypervisor/memory"
	"github.com/set-io/vtx/hypervisor/sim"
	"github.com/set-io/vtx/hypervisor/vcpu"
	"github.com/set-io/vtx/hypervisor/vmx"
)

// terminateCode is "mov ecx, TerminateID; vmcall; hlt".
var terminateCode = []byte{0xB9, 0xAD, 0xDE, 0, 0, 0x0F, 0x01, 0xC1, 0xF4}

const terminateLen = 8

type fixture struct {
	vp      *vcpu.VCPU
	cpu     *sim.CPU
	pool    *memory.Pool
	log     *logrus.Entry
	hook    *test.Hook
	console *bytes.Buffer
	code    uint64
}

// newFixture loads code followed by a terminating VMCALL on a simulated
// processor and binds a VCPU to it.
func newFixture(t *testing.T, code []byte, opts ...vcpu.Option) *fixture {
	t.Helper()
	pool, err := memory.NewPool(memory.DefaultBase, 64*memory.PageSize)
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { pool.Close() })
	logger, hook := test.NewNullLogger()
	logger.SetLevel(logrus.DebugLevel)
	log := logrus.NewEntry(logger)
	console := &bytes.Buffer{}
	cpu, err := sim.New(0, pool, sim.WithLogger(log), sim.WithConsole(console))
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(cpu.Close)
	addr, err := cpu.Load(append(append([]byte{}, code...), terminateCode...))
	if err != nil {
		t.Fatal(err)
	}
	opts = append([]vcpu.Option{vcpu.WithLogger(log)}, opts...)
	return &fixture{
		vp:      vcpu.New(cpu, pool, pool, opts...),
		cpu:     cpu,
		pool:    pool,
		log:     log,
		hook:    hook,
		console: console,
		code:    addr,
	}
}

func (f *fixture) run(t *testing.T, h vcpu.Handler) error {
	t.Helper()
	if err := f.vp.Initialize(h); err != nil {
		t.Fatalf("Initialize() error = %v", err)
	}
	if err := f.vp.Launch(); err != nil {
		t.Fatalf("Launch() error = %v", err)
	}
	err := f.vp.Run()
	if got := f.vp.State(); got != vcpu.Terminated {
		t.Fatalf("State() = %v, want %v", got, vcpu.Terminated)
	}
	return err
}

// gate installs a guest handler for v that terminates the VCPU.
func (f *fixture) gate(t *testing.T, v ia32.Vector) {
	t.Helper()
	addr, err := f.cpu.Map(terminateCode)
	if err != nil {
		t.Fatal(err)
	}
	f.cpu.SetInterruptGate(v, addr)
}

func (f *fixture) data(t *testing.T, b []byte) uint64 {
	t.Helper()
	r, err := f.pool.Alloc(1)
	if err != nil {
		t.Fatal(err)
	}
	copy(r.Bytes, b)
	return r.PA
}

func (f *fixture) setReg(r ia32.GPR, v uint64) {
	regs := f.cpu.Caller()
	regs.GPR[r] = v
	f.cpu.Continue(&regs)
}

func (f *fixture) stack(t *testing.T, i int) uint64 {
	t.Helper()
	var b [8]byte
	if err := f.cpu.ReadLinear(f.cpu.Caller().GPR[ia32.RSP]+uint64(8*i), b[:]); err != nil {
		t.Fatal(err)
	}
	return binary.LittleEndian.Uint64(b[:])
}

// setupHook extends the Setup of a Passthrough.
type setupHook struct {
	*Passthrough
	fn func(vp *vcpu.VCPU) error
}

func (h *setupHook) Setup(vp *vcpu.VCPU) error {
	if err := h.Passthrough.Setup(vp); err != nil {
		return err
	}
	return h.fn(vp)
}

func control(t *testing.T, name string) vcpu.Option {
	t.Helper()
	b, err := vmx.ParseControl(name)
	if err != nil {
		t.Fatal(err)
	}
	return vcpu.WithControls(b)
}

func TestTerminate(t *testing.T) {
	// the guest stops at the hlt after the terminating vmcall
	f := newFixture(t, nil)
	stats := NewStats(NewPassthrough(WithIdentityMap(1<<30), WithLogger(f.log)))
	if err := f.run(t, stats); err != nil {
		t.Fatalf("Run() error = %v", err)
	}
	if diff := cmp.Diff(map[string]uint64{"vmcall": 1}, stats.Snapshot()); diff != "" {
		t.Errorf("Snapshot() mismatch (-want +got):\n%s", diff)
	}
	regs := f.cpu.Caller()
	if want := f.code + terminateLen; regs.RIP != want {
		t.Errorf("rip = %#x, want %#x", regs.RIP, want)
	}
	if f.cpu.VMXOn() {
		t.Error("processor still in VMX operation")
	}
	if err := f.cpu.Run(); err != nil {
		t.Fatal(err)
	}
	if !f.cpu.Halted() {
		t.Error("native execution did not reach hlt")
	}
}

func TestPassthrough(t *testing.T) {
	tests := []struct {
		name    string
		code    []byte
		vcpu    []func(t *testing.T) vcpu.Option
		opts    []Option
		setup   func(vp *vcpu.VCPU) error
		prepare func(t *testing.T, f *fixture)
		want    map[vmx.ExitReason]uint64
		check   func(t *testing.T, f *fixture, regs ia32.Context)
	}{
		{
			name: "cpuid",
			// xor eax, eax; cpuid
			code:  []byte{0x31, 0xC0, 0x0F, 0xA2},
			want:  map[vmx.ExitReason]uint64{vmx.ExitCPUID: 1},
			check: func(t *testing.T, f *fixture, regs ia32.Context) {
				if regs.GPR[ia32.RAX] != 0xD {
					t.Errorf("rax = %#x, want 0xd", regs.GPR[ia32.RAX])
				}
			},
		},
		{
			name: "port io",
			// mov al, 0x0a; out 0x70, al; in al, 0x71
			code:  []byte{0xB0, 0x0A, 0xE6, 0x70, 0xE4, 0x71},
			opts:  []Option{WithIOExits(0x70, 0x71)},
			want:  map[vmx.ExitReason]uint64{vmx.ExitIOInstruction: 2},
			check: func(t *testing.T, f *fixture, regs ia32.Context) {
				if got := regs.GPR[ia32.RAX] & 0xFF; got != 0x20 {
					t.Errorf("al = %#x, want 0x20", got)
				}
			},
		},
		{
			name: "string io",
			// mov dx, 0x402; mov al, 'h'; out dx, al; mov ecx, 2; rep outsb
			code:    []byte{0x66, 0xBA, 0x02, 0x04, 0xB0, 'h', 0xEE, 0xB9, 0x02, 0, 0, 0, 0xF3, 0x6E},
			opts:    []Option{WithIOExits(0x402)},
			prepare: func(t *testing.T, f *fixture) {
				f.setReg(ia32.RSI, f.data(t, []byte("i!")))
			},
			want:  map[vmx.ExitReason]uint64{vmx.ExitIOInstruction: 2},
			check: func(t *testing.T, f *fixture, regs ia32.Context) {
				if got := f.console.String(); got != "hi!" {
					t.Errorf("console = %q, want %q", got, "hi!")
				}
				if got := regs.GPR[ia32.RSI] & 0xFFF; got != 2 {
					t.Errorf("rsi advanced by %d, want 2", got)
				}
			},
		},
		{
			name: "guest msr",
			// mov ecx, FS_BASE; mov eax, 0x12345000; xor edx, edx; wrmsr;
			// xor eax, eax; rdmsr; mov ebx, eax
			code: []byte{
				0xB9, 0x00, 0x01, 0x00, 0xC0, 0xB8, 0x00, 0x50, 0x34, 0x12, 0x31, 0xD2, 0x0F, 0x30,
				0x31, 0xC0, 0x0F, 0x32, 0x89, 0xC3,
			},
			opts:  []Option{WithMSRExits(ia32.MSRFSBase)},
			want:  map[vmx.ExitReason]uint64{vmx.ExitWRMSR: 1, vmx.ExitRDMSR: 1},
			check: func(t *testing.T, f *fixture, regs ia32.Context) {
				if regs.GPR[ia32.RBX] != 0x12345000 {
					t.Errorf("rbx = %#x, want 0x12345000", regs.GPR[ia32.RBX])
				}
				if got := f.cpu.Segment(ia32.FS).Base; got != 0x12345000 {
					t.Errorf("fs base after termination = %#x, want 0x12345000", got)
				}
			},
		},
		{
			name: "unknown msr",
			// mov ecx, 0x1234; rdmsr
			code:    []byte{0xB9, 0x34, 0x12, 0, 0, 0x0F, 0x32},
			opts:    []Option{WithMSRExits(0x1234)},
			prepare: func(t *testing.T, f *fixture) {
				f.gate(t, ia32.GeneralProtection)
			},
			want:  map[vmx.ExitReason]uint64{vmx.ExitRDMSR: 1},
			check: func(t *testing.T, f *fixture, regs ia32.Context) {
				if got := f.stack(t, 0); got != 0 {
					t.Errorf("error code = %#x, want 0", got)
				}
				if got, want := f.stack(t, 1), f.code+5; got != want {
					t.Errorf("#GP return rip = %#x, want %#x", got, want)
				}
			},
		},
		{
			name: "cr3 load",
			// mov rax, cr3; mov cr3, rax
			code:  []byte{0x0F, 0x20, 0xD8, 0x0F, 0x22, 0xD8},
			vcpu:  []func(t *testing.T) vcpu.Option{func(t *testing.T) vcpu.Option { return control(t, "cr3_load_exiting") }},
			want:  map[vmx.ExitReason]uint64{vmx.ExitMovCR: 1},
			check: func(t *testing.T, f *fixture, regs ia32.Context) {
				if got := f.cpu.CR3(); uint64(got) != regs.GPR[ia32.RAX] {
					t.Errorf("cr3 = %#x, want %#x", uint64(got), regs.GPR[ia32.RAX])
				}
			},
		},
		{
			name: "cr4 shadow",
			// mov rax, cr4; or rax, CR4.VMXE; mov cr4, rax; mov rbx, cr4
			code:  []byte{0x0F, 0x20, 0xE0, 0x48, 0x0D, 0x00, 0x20, 0x00, 0x00, 0x0F, 0x22, 0xE0, 0x0F, 0x20, 0xE3},
			want:  map[vmx.ExitReason]uint64{vmx.ExitMovCR: 1},
			check: func(t *testing.T, f *fixture, regs ia32.Context) {
				if ia32.CR4(regs.GPR[ia32.RBX])&ia32.CR4VMXE == 0 {
					t.Errorf("guest cr4 = %#x, want the written VMXE bit visible", regs.GPR[ia32.RBX])
				}
				if f.cpu.CR4()&ia32.CR4VMXE != 0 {
					t.Error("CR4.VMXE still set after termination")
				}
			},
		},
		{
			name: "dr7",
			// mov eax, 0x401; mov dr7, rax; mov rbx, dr7
			code:  []byte{0xB8, 0x01, 0x04, 0, 0, 0x0F, 0x23, 0xF8, 0x0F, 0x21, 0xFB},
			vcpu:  []func(t *testing.T) vcpu.Option{func(t *testing.T) vcpu.Option { return control(t, "mov_dr_exiting") }},
			want:  map[vmx.ExitReason]uint64{vmx.ExitMovDR: 2},
			check: func(t *testing.T, f *fixture, regs ia32.Context) {
				if regs.GPR[ia32.RBX] != 0x401 {
					t.Errorf("rbx = %#x, want 0x401", regs.GPR[ia32.RBX])
				}
				if got := f.cpu.DR(7); got != 0x401 {
					t.Errorf("dr7 after termination = %#x, want 0x401", got)
				}
			},
		},
		{
			name: "dr6 upper bits",
			// mov rax, 1<<32; mov dr6, rax
			code:    []byte{0x48, 0xB8, 0, 0, 0, 0, 0x01, 0, 0, 0, 0x0F, 0x23, 0xF0},
			vcpu:    []func(t *testing.T) vcpu.Option{func(t *testing.T) vcpu.Option { return control(t, "mov_dr_exiting") }},
			prepare: func(t *testing.T, f *fixture) {
				f.gate(t, ia32.GeneralProtection)
			},
			want:  map[vmx.ExitReason]uint64{vmx.ExitMovDR: 1},
			check: func(t *testing.T, f *fixture, regs ia32.Context) {
				if got, want := f.stack(t, 1), f.code+10; got != want {
					t.Errorf("#GP return rip = %#x, want %#x", got, want)
				}
			},
		},
		{
			name: "descriptor tables",
			// sgdt [rbx]; str eax
			code:    []byte{0x0F, 0x01, 0x03, 0x0F, 0x00, 0xC8},
			opts:    []Option{WithDescriptorTableExits()},
			prepare: func(t *testing.T, f *fixture) {
				f.setReg(ia32.RBX, f.data(t, nil))
			},
			want:  map[vmx.ExitReason]uint64{vmx.ExitGDTRIDTRAccess: 1, vmx.ExitLDTRTRAccess: 1},
			check: func(t *testing.T, f *fixture, regs ia32.Context) {
				var b [10]byte
				if err := f.cpu.ReadLinear(regs.GPR[ia32.RBX], b[:]); err != nil {
					t.Fatal(err)
				}
				gdtr := f.cpu.GDTR()
				got := ia32.DescriptorTable{Limit: binary.LittleEndian.Uint16(b[0:]), Base: binary.LittleEndian.Uint64(b[2:])}
				if diff := cmp.Diff(gdtr, got); diff != "" {
					t.Errorf("stored gdtr mismatch (-want +got):\n%s", diff)
				}
				if got := ia32.Selector(regs.GPR[ia32.RAX]); got != sim.TSSSelector {
					t.Errorf("str = %#x, want %#x", uint16(got), uint16(sim.TSSSelector))
				}
			},
		},
		{
			name:  "reflected exception",
			code:  []byte{0x0F, 0x0B}, // ud2
			setup: func(vp *vcpu.VCPU) error {
				vp.InterceptException(ia32.InvalidOpcode, true)
				return nil
			},
			prepare: func(t *testing.T, f *fixture) {
				f.gate(t, ia32.InvalidOpcode)
			},
			want:  map[vmx.ExitReason]uint64{vmx.ExitExceptionOrNMI: 1},
			check: func(t *testing.T, f *fixture, regs ia32.Context) {
				if got := f.stack(t, 0); got != f.code {
					t.Errorf("#UD return rip = %#x, want %#x", got, f.code)
				}
			},
		},
		{
			name: "reflected page fault",
			// mov [0x40000000], rax
			code:  []byte{0x48, 0x89, 0x04, 0x25, 0x00, 0x00, 0x00, 0x40},
			setup: func(vp *vcpu.VCPU) error {
				vp.InterceptException(ia32.PageFault, true)
				return nil
			},
			prepare: func(t *testing.T, f *fixture) {
				f.gate(t, ia32.PageFault)
			},
			want:  map[vmx.ExitReason]uint64{vmx.ExitExceptionOrNMI: 1},
			check: func(t *testing.T, f *fixture, regs ia32.Context) {
				if got := f.cpu.CR2(); got != 0x40000000 {
					t.Errorf("cr2 = %#x, want 0x40000000", got)
				}
				if got := f.stack(t, 0); got != uint64(ia32.PFWrite) {
					t.Errorf("error code = %#x, want %#x", got, uint64(ia32.PFWrite))
				}
				if got := f.stack(t, 1); got != f.code {
					t.Errorf("#PF return rip = %#x, want %#x", got, f.code)
				}
			},
		},
		{
			name:    "guest vmx instruction",
			code:    []byte{0x0F, 0x01, 0xC4}, // vmxoff
			prepare: func(t *testing.T, f *fixture) {
				f.gate(t, ia32.InvalidOpcode)
			},
			want:  map[vmx.ExitReason]uint64{vmx.ExitVMXOFF: 1},
			check: func(t *testing.T, f *fixture, regs ia32.Context) {
				if got := f.stack(t, 0); got != f.code {
					t.Errorf("#UD return rip = %#x, want %#x", got, f.code)
				}
			},
		},
		{
			name: "unknown vmcall",
			// mov ecx, 1; vmcall
			code:    []byte{0xB9, 0x01, 0, 0, 0, 0x0F, 0x01, 0xC1},
			prepare: func(t *testing.T, f *fixture) {
				f.gate(t, ia32.InvalidOpcode)
			},
			want:  map[vmx.ExitReason]uint64{vmx.ExitVMCALL: 2},
			check: func(t *testing.T, f *fixture, regs ia32.Context) {
				if got, want := f.stack(t, 0), f.code+5; got != want {
					t.Errorf("#UD return rip = %#x, want %#x", got, want)
				}
			},
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var opts []vcpu.Option
			for _, o := range tt.vcpu {
				opts = append(opts, o(t))
			}
			f := newFixture(t, tt.code, opts...)
			if tt.prepare != nil {
				tt.prepare(t, f)
			}
			p := NewPassthrough(append([]Option{WithIdentityMap(1 << 30), WithLogger(f.log)}, tt.opts...)...)
			var h vcpu.Handler = p
			if tt.setup != nil {
				h = &setupHook{Passthrough: p, fn: tt.setup}
			}
			stats := NewStats(h)
			if err := f.run(t, stats); err != nil {
				t.Fatalf("Run() error = %v", err)
			}
			for r, want := range tt.want {
				if got := stats.Count(r); got != want {
					t.Errorf("%s exits = %d, want %d", r, got, want)
				}
			}
			if tt.check != nil {
				tt.check(t, f, f.cpu.Caller())
			}
		})
	}
}

func TestAbort(t *testing.T) {
	t.Run("unhandled exit", func(t *testing.T) {
		f := newFixture(t, []byte{0xF4}, control(t, "hlt_exiting"))
		err := f.run(t, NewPassthrough(WithIdentityMap(1<<30), WithLogger(f.log)))
		if !errors.Is(err, ErrUnhandledExit) {
			t.Errorf("Run() error = %v, want %v", err, ErrUnhandledExit)
		}
		if got := f.cpu.Caller().RIP; got != f.code {
			t.Errorf("rip = %#x, want the hlt at %#x", got, f.code)
		}
	})

	t.Run("ept violation", func(t *testing.T) {
		// mov [rbx], eax
		f := newFixture(t, []byte{0x89, 0x03})
		data := f.data(t, nil)
		f.setReg(ia32.RBX, data)
		h := &setupHook{
			Passthrough: NewPassthrough(WithIdentityMap(1<<30), WithLogger(f.log)),
			fn:          func(vp *vcpu.VCPU) error {
				if err := vp.EPT().SetAccess(data, ept.Read|ept.Execute); err != nil {
					return err
				}
				return vp.FlushEPT()
			},
		}
		err := f.run(t, h)
		var verr *ViolationError
		if !errors.As(err, &verr) {
			t.Fatalf("Run() error = %v, want a *ViolationError", err)
		}
		if !errors.Is(err, ErrEPTViolation) {
			t.Errorf("Run() error = %v, want %v", err, ErrEPTViolation)
		}
		if verr.GPA != data {
			t.Errorf("gpa = %#x, want %#x", verr.GPA, data)
		}
		if !verr.Qualification.Write() {
			t.Errorf("qualification %#x does not report a write", uint64(verr.Qualification))
		}
	})
}

func TestTrace(t *testing.T) {
	f := newFixture(t, []byte{0x31, 0xC0, 0x0F, 0xA2}) // xor eax, eax; cpuid
	h := NewTrace(NewPassthrough(WithIdentityMap(1<<30), WithLogger(f.log)), f.log)
	if err := f.run(t, h); err != nil {
		t.Fatalf("Run() error = %v", err)
	}
	var got []string
	for _, e := range f.hook.AllEntries() {
		if e.Message != "vm exit" {
			continue
		}
		inst, _ := e.Data["inst"].(string)
		got = append(got, e.Data["reason"].(string)+": "+inst)
	}
	want := []string{"cpuid: cpuid", "vmcall: vmcall"}
	if diff := cmp.Diff(want, got); diff != "" {
		t.Errorf("traced exits mismatch (-want +got):\n%s", diff)
	}
}

func TestTraceVMXInstruction(t *testing.T) {
	f := newFixture(t, []byte{0x0F, 0x01, 0xC4}) // vmxoff
	f.gate(t, ia32.InvalidOpcode)
	h := NewTrace(NewPassthrough(WithIdentityMap(1<<30), WithLogger(f.log)), f.log)
	if err := f.run(t, h); err != nil {
		t.Fatalf("Run() error = %v", err)
	}
	var got []string
	for _, e := range f.hook.AllEntries() {
		if e.Message == "vm exit" {
			inst, _ := e.Data["inst"].(string)
			got = append(got, inst)
		}
	}
	if diff := cmp.Diff([]string{"vmxoff", "vmcall"}, got); diff != "" {
		t.Errorf("traced instructions mismatch (-want +got):\n%s", diff)
	}
}

func TestStatsReset(t *testing.T) {
	f := newFixture(t, []byte{0x0F, 0xA2, 0x0F, 0xA2}) // cpuid; cpuid
	stats := NewStats(NewPassthrough(WithIdentityMap(1<<30), WithLogger(f.log)))
	if err := f.run(t, stats); err != nil {
		t.Fatal(err)
	}
	if got := stats.Total(); got != 3 {
		t.Errorf("Total() = %d, want 3", got)
	}
	if got := stats.Count(vmx.ExitCPUID); got != 2 {
		t.Errorf("Count(cpuid) = %d, want 2", got)
	}
	stats.Reset()
	if got := stats.Total(); got != 0 {
		t.Errorf("Total() after Reset = %d, want 0", got)
	}
	if got := stats.Snapshot(); len(got) != 0 {
		t.Errorf("Snapshot() after Reset = %v, want empty", got)
	}
}
