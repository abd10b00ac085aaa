package hypervisor

import (
	"context"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/opencontainers/runtime-spec/specs-go"
	"github.com/sirupsen/logrus"
	"github.com/sirupsen/logrus/hooks/test"

	"github.com/set-io/vtx/hypervisor/ia32"
	"github.com/set-io/vtx/hypervisor/memory"
	"github.com/set-io/vtx/hypervisor/sim"
	"github.com/set-io/vtx/hypervisor/vcpu"
	"github.com/set-io/vtx/hypervisor/vmexit"
	"github.com/set-io/vtx/hypervisor/vmx"
)

var (
	// hlt; jmp $-1
	idleCode = []byte{0xF4, 0xEB, 0xFD}
	// xor eax, eax; cpuid; mov ecx, TerminateID; vmcall; hlt
	exitCode = []byte{0x31, 0xC0, 0x0F, 0xA2, 0xB9, 0xAD, 0xDE, 0, 0, 0x0F, 0x01, 0xC1, 0xF4}
)

type fixture struct {
	pool  *memory.Pool
	cpus  []*sim.CPU
	procs []vcpu.Processor
	code  []uint64
	log   *logrus.Entry
	hook  *test.Hook
}

// newFixture builds n simulated processors sharing one pool, each about to
// execute code.
func newFixture(t *testing.T, n int, code []byte, opts ...func(i int) []sim.Option) *fixture {
	t.Helper()
	pool, err := memory.NewPool(memory.DefaultBase, n*128*memory.PageSize)
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { pool.Close() })
	logger, hook := test.NewNullLogger()
	logger.SetLevel(logrus.DebugLevel)
	f := &fixture{pool: pool, log: logrus.NewEntry(logger), hook: hook}
	for i := 0; i < n; i++ {
		so := []sim.Option{sim.WithLogger(f.log)}
		for _, o := range opts {
			so = append(so, o(i)...)
		}
		cpu, err := sim.New(i, pool, so...)
		if err != nil {
			t.Fatal(err)
		}
		t.Cleanup(cpu.Close)
		addr, err := cpu.Load(code)
		if err != nil {
			t.Fatal(err)
		}
		f.code = append(f.code, addr)
		f.cpus = append(f.cpus, cpu)
		f.procs = append(f.procs, cpu)
	}
	return f
}

func testConfig(cpus int) *Config {
	c := DefaultConfig()
	c.CPUs = cpus
	c.Memory = "4M"
	return c
}

func (f *fixture) hypervisor(t *testing.T, cfg *Config, opts ...Option) *Hypervisor {
	t.Helper()
	h, err := New(cfg, f.procs, f.pool, append([]Option{WithLogger(f.log)}, opts...)...)
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	return h
}

func timeout(t *testing.T) context.Context {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	t.Cleanup(cancel)
	return ctx
}

// phaseRecorder is a hook that remembers the phases it ran in.
type phaseRecorder struct {
	mu     sync.Mutex
	phases []specs.ContainerState
}

func (r *phaseRecorder) Run(ctx context.Context, st *specs.State) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.phases = append(r.phases, st.Status)
	return nil
}

func TestStartStop(t *testing.T) {
	f := newFixture(t, 2, idleCode)
	rec := &phaseRecorder{}
	h := f.hypervisor(t, testConfig(2), WithHook(PreStart, rec), WithHook(PostStart, rec), WithHook(PostStop, rec))
	ctx := timeout(t)

	if err := h.Start(ctx); err != nil {
		t.Fatalf("Start() error = %v", err)
	}
	want := []CPUStatus{
		{CPU: 0, State: "running", Confirmed: true},
		{CPU: 1, State: "running", Confirmed: true},
	}
	if diff := cmp.Diff(want, h.Status()); diff != "" {
		t.Errorf("Status() mismatch (-want +got):\n%s", diff)
	}
	if err := h.Start(ctx); !errors.Is(err, ErrRunning) {
		t.Errorf("second Start() error = %v, want %v", err, ErrRunning)
	}

	if err := h.Stop(ctx); err != nil {
		t.Fatalf("Stop() error = %v", err)
	}
	for i, cpu := range f.cpus {
		if cpu.VMXOn() {
			t.Errorf("cpu %d still in VMX operation", i)
		}
		if cpu.CR4()&ia32.CR4VMXE != 0 {
			t.Errorf("cpu %d: CR4.VMXE still set", i)
		}
	}
	for _, st := range h.Status() {
		if st.State != "terminated" || st.Error != "" {
			t.Errorf("cpu %d after Stop = %+v, want terminated without error", st.CPU, st)
		}
	}
	if err := h.Stop(ctx); !errors.Is(err, ErrNotRunning) {
		t.Errorf("second Stop() error = %v, want %v", err, ErrNotRunning)
	}
	wantPhases := []specs.ContainerState{specs.StateCreating, specs.StateRunning, specs.StateStopped}
	if diff := cmp.Diff(wantPhases, rec.phases); diff != "" {
		t.Errorf("hook phases mismatch (-want +got):\n%s", diff)
	}
}

func TestGuestTermination(t *testing.T) {
	f := newFixture(t, 2, exitCode)
	h := f.hypervisor(t, testConfig(2))
	ctx := timeout(t)
	if err := h.Start(ctx); err != nil {
		t.Fatalf("Start() error = %v", err)
	}
	if err := h.Wait(ctx); err != nil {
		t.Fatalf("Wait() error = %v", err)
	}
	got := map[vmx.ExitReason]uint64{
		vmx.ExitCPUID:  h.Stats().Count(vmx.ExitCPUID),
		vmx.ExitVMCALL: h.Stats().Count(vmx.ExitVMCALL),
	}
	want := map[vmx.ExitReason]uint64{vmx.ExitCPUID: 2, vmx.ExitVMCALL: 2}
	if diff := cmp.Diff(want, got); diff != "" {
		t.Errorf("exit counts mismatch (-want +got):\n%s", diff)
	}
	for i, cpu := range f.cpus {
		if got, want := cpu.Caller().RIP, f.code[i]+uint64(len(exitCode)-1); got != want {
			t.Errorf("cpu %d continues at %#x, want the final hlt at %#x", i, got, want)
		}
	}
	if err := h.Stop(ctx); err != nil {
		t.Errorf("Stop() after guest termination error = %v", err)
	}
}

func TestSingleVCPU(t *testing.T) {
	f := newFixture(t, 2, idleCode)
	cfg := testConfig(2)
	cfg.SingleVCPU = true
	h := f.hypervisor(t, cfg)
	ctx := timeout(t)
	if err := h.Start(ctx); err != nil {
		t.Fatalf("Start() error = %v", err)
	}
	defer h.Stop(ctx)
	if got := len(h.Status()); got != 1 {
		t.Errorf("len(Status()) = %d, want 1", got)
	}
	if f.cpus[1].VMXOn() {
		t.Error("cpu 1 virtualized with single_vcpu")
	}
}

func TestStartFailure(t *testing.T) {
	f := newFixture(t, 2, idleCode, func(i int) []sim.Option {
		if i == 1 {
			return []sim.Option{sim.WithoutVMX()}
		}
		return nil
	})
	h := f.hypervisor(t, testConfig(2))
	ctx := timeout(t)
	err := h.Start(ctx)
	if !errors.Is(err, vcpu.ErrVMXUnavailable) {
		t.Fatalf("Start() error = %v, want %v", err, vcpu.ErrVMXUnavailable)
	}
	if f.cpus[0].VMXOn() {
		t.Error("cpu 0 left in VMX operation after a failed start")
	}
	if err := h.Stop(ctx); !errors.Is(err, ErrNotRunning) {
		t.Errorf("Stop() error = %v, want %v", err, ErrNotRunning)
	}
}

func TestNotEnoughProcessors(t *testing.T) {
	f := newFixture(t, 1, idleCode)
	_, err := New(testConfig(2), f.procs, f.pool)
	if !errors.Is(err, ErrNotEnoughProcessor) {
		t.Errorf("New() error = %v, want %v", err, ErrNotEnoughProcessor)
	}
}

func TestCustomHandler(t *testing.T) {
	f := newFixture(t, 1, exitCode)
	cfg := testConfig(1)
	cfg.Trace = true
	h := f.hypervisor(t, cfg, WithHandler(vmexit.NewPassthrough(vmexit.WithIdentityMap(1<<30))))
	ctx := timeout(t)
	if err := h.Start(ctx); err != nil {
		t.Fatalf("Start() error = %v", err)
	}
	if err := h.Wait(ctx); err != nil {
		t.Fatalf("Wait() error = %v", err)
	}
	var reasons []string
	for _, e := range f.hook.AllEntries() {
		if e.Message == "vm exit" {
			reasons = append(reasons, e.Data["reason"].(string))
		}
	}
	if diff := cmp.Diff([]string{"cpuid", "vmcall"}, reasons); diff != "" {
		t.Errorf("traced exits mismatch (-want +got):\n%s", diff)
	}
}

func TestCommandHook(t *testing.T) {
	dir := t.TempDir()
	out := filepath.Join(dir, "state.json")
	script := filepath.Join(dir, "hook.sh")
	if err := os.WriteFile(script, []byte("#!/bin/sh\n/bin/cat > \"$1\"\n"), 0o755); err != nil {
		t.Fatal(err)
	}
	f := newFixture(t, 1, idleCode)
	cfg := testConfig(1)
	cfg.Hooks = map[HookName][]specs.Hook{
		PostStart: {{Path: script, Args: []string{"hook.sh", out}}},
	}
	h := f.hypervisor(t, cfg)
	ctx := timeout(t)
	if err := h.Start(ctx); err != nil {
		t.Fatalf("Start() error = %v", err)
	}
	if err := h.Stop(ctx); err != nil {
		t.Fatalf("Stop() error = %v", err)
	}
	data, err := os.ReadFile(out)
	if err != nil {
		t.Fatalf("hook did not run: %v", err)
	}
	var st specs.State
	if err := json.Unmarshal(data, &st); err != nil {
		t.Fatal(err)
	}
	if st.ID != ID || st.Status != specs.StateRunning || st.Annotations[AnnotationCPUs] != "1" {
		t.Errorf("hook state = %+v", st)
	}
}

func TestFailingPreStartHook(t *testing.T) {
	f := newFixture(t, 1, idleCode)
	boom := errors.New("boom")
	h := f.hypervisor(t, testConfig(1), WithHook(PreStart, HookFunc(func(context.Context, *specs.State) error { return boom })))
	if err := h.Start(timeout(t)); !errors.Is(err, boom) {
		t.Fatalf("Start() error = %v, want %v", err, boom)
	}
	if f.cpus[0].VMXOn() {
		t.Error("processor virtualized despite the failing hook")
	}
}

func TestUnknownHook(t *testing.T) {
	if err := make(Hooks).Register("createSandbox", HookFunc(nil)); !errors.Is(err, ErrUnknownHook) {
		t.Errorf("Register() error = %v, want %v", err, ErrUnknownHook)
	}
}
