// Package hypervisor virtualizes a set of logical processors with one VCPU
// each, sharing a single exit handler, and runs the configured lifecycle
// hooks around start and stop.
package hypervisor

import (
	"context"
	"errors"
	"fmt"
	"os"
	"runtime"
	"strconv"
	"sync"

	"github.com/opencontainers/runtime-spec/specs-go"
	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"
	"golang.org/x/sys/unix"
	"gvisor.dev/gvisor/pkg/cleanup"

	"github.com/set-io/vtx/hypervisor/ept"
	"github.com/set-io/vtx/hypervisor/memory"
	"github.com/set-io/vtx/hypervisor/vcpu"
	"github.com/set-io/vtx/hypervisor/vmexit"
)

// ID is reported as the id of the OCI state passed to hooks.
const ID = "vtx"

// AnnotationCPUs carries the number of virtualized processors in the hook
// state.
const AnnotationCPUs = "org.set-io.vtx.cpus"

// Memory is where the VCPUs allocate their control structures and
// translation tables.
type Memory interface {
	memory.Allocator
	memory.Physical
}

type Option func(*Hypervisor)

func WithLogger(l *logrus.Entry) Option {
	return func(h *Hypervisor) { h.log = l }
}

// WithHandler replaces the pass-through handler. Stats and Trace still wrap
// it when the configuration asks for them.
func WithHandler(handler vcpu.Handler) Option {
	return func(h *Hypervisor) { h.base = handler }
}

// WithHook registers an additional hook for a lifecycle phase.
func WithHook(name HookName, hook Hook) Option {
	return func(h *Hypervisor) { h.extra = append(h.extra, namedHook{name, hook}) }
}

type namedHook struct {
	name HookName
	hook Hook
}

type Hypervisor struct {
	cfg   *Config
	log   *logrus.Entry
	procs []vcpu.Processor
	mem   Memory
	base  vcpu.Handler
	extra []namedHook

	handler vcpu.Handler
	stats   *vmexit.Stats
	hooks   Hooks
	opts    []vcpu.Option

	mu      sync.Mutex
	running bool
	vcpus   []*vcpu.VCPU
	final   []CPUStatus
	done    chan struct{}
	err     error
}

// New prepares a hypervisor for the first cfg.ActiveCPUs() of procs.
func New(cfg *Config, procs []vcpu.Processor, mem Memory, opts ...Option) (*Hypervisor, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if n := cfg.ActiveCPUs(); n > len(procs) {
		return nil, fmt.Errorf("%w: need %d, have %d", ErrNotEnoughProcessor, n, len(procs))
	}
	h := &Hypervisor{cfg: cfg, procs: procs, mem: mem, hooks: make(Hooks)}
	for _, o := range opts {
		o(h)
	}
	if h.log == nil {
		h.log = logrus.WithField("pkg", "hypervisor")
	}

	identity, _ := cfg.IdentityMapSize()
	if h.base == nil {
		popts := []vmexit.Option{
			vmexit.WithLogger(h.log),
			vmexit.WithIdentityMap(identity),
			vmexit.WithMSRExits(cfg.Exits.msrs()...),
			vmexit.WithIOExits(cfg.Exits.Ports...),
		}
		if cfg.Exits.DescriptorTables {
			popts = append(popts, vmexit.WithDescriptorTableExits())
		}
		h.base = vmexit.NewPassthrough(popts...)
	}
	h.handler = h.base
	if cfg.Trace {
		h.handler = vmexit.NewTrace(h.handler, h.log)
	}
	if cfg.Stats {
		h.stats = vmexit.NewStats(h.handler)
		h.handler = h.stats
	}

	for name, list := range cfg.Hooks {
		for _, hk := range list {
			if err := h.hooks.Register(name, CommandHook(hk)); err != nil {
				return nil, err
			}
		}
	}
	for _, nh := range h.extra {
		if err := h.hooks.Register(nh.name, nh.hook); err != nil {
			return nil, err
		}
	}

	mt, _ := ept.ParseMemoryType(cfg.EPT.MemoryType)
	bits, _ := cfg.ControlBits()
	h.opts = []vcpu.Option{
		vcpu.WithLogger(h.log),
		vcpu.WithControls(bits...),
		vcpu.WithEPT(ept.WithMemoryType(mt), ept.WithAccessDirty(cfg.EPT.AccessDirty)),
	}
	return h, nil
}

// Stats returns the exit counters, or nil when they are disabled.
func (h *Hypervisor) Stats() *vmexit.Stats { return h.stats }

// Start virtualizes every active processor and returns once all of them
// run their guest. If any processor fails to launch, the ones that did are
// terminated again and the errors are returned.
func (h *Hypervisor) Start(ctx context.Context) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.running {
		return ErrRunning
	}
	n := h.cfg.ActiveCPUs()
	if err := h.hooks.Run(ctx, PreStart, h.state(specs.StateCreating, n)); err != nil {
		return err
	}
	if err := h.handler.Initialize(); err != nil {
		return fmt.Errorf("initialize handler: %w", err)
	}
	cu := cleanup.Make(h.handler.Destroy)
	defer cu.Clean()

	h.vcpus = make([]*vcpu.VCPU, n)
	h.final = nil
	h.done = make(chan struct{})
	h.err = nil
	launched := make(chan error, n)
	g := new(errgroup.Group)
	for i := range h.vcpus {
		vp := vcpu.New(h.procs[i], h.mem, h.mem, h.opts...)
		h.vcpus[i] = vp
		h.log.WithField("cpu", i).Debug("start vcpu")
		g.Go(func() error { return h.activate(vp, launched) })
	}
	go func() {
		h.err = g.Wait()
		close(h.done)
	}()
	cu.Add(func() { h.shutdown(context.Background()) })

	var errs []error
	for range n {
		if err := <-launched; err != nil {
			errs = append(errs, err)
		}
	}
	if err := errors.Join(errs...); err != nil {
		return err
	}
	cu.Release()
	h.running = true
	h.log.WithField("cpus", n).Info("hypervisor started")

	if err := h.hooks.Run(ctx, PostStart, h.state(specs.StateRunning, n)); err != nil {
		h.log.WithError(err).Warn("poststart hook failed")
	}
	return nil
}

// activate is the entry point of one processor. It runs on the goroutine
// that owns the VCPU, reports the outcome of the launch and then handles
// exits until the VCPU terminates.
func (h *Hypervisor) activate(vp *vcpu.VCPU, launched chan<- error) error {
	runtime.LockOSThread()
	defer runtime.UnlockOSThread()

	cpu := vp.Processor().Index()
	log := h.log.WithField("cpu", cpu)
	fail := func(err error) error {
		err = fmt.Errorf("cpu %d: %w", cpu, err)
		launched <- err
		return err
	}
	if h.cfg.PinThreads {
		if err := pin(cpu); err != nil {
			return fail(fmt.Errorf("pin thread: %w", err))
		}
		log.WithField("tid", unix.Gettid()).Debug("thread pinned")
	}
	if err := vp.Initialize(h.handler); err != nil {
		return fail(err)
	}
	if err := vp.Launch(); err != nil {
		return fail(err)
	}
	launched <- nil
	if err := vp.Run(); err != nil {
		return fmt.Errorf("cpu %d: %w", cpu, err)
	}
	log.Debug("vcpu finished")
	return nil
}

func pin(cpu int) error {
	var set unix.CPUSet
	set.Zero()
	set.Set(cpu % runtime.NumCPU())
	return unix.SchedSetaffinity(0, &set)
}

// Wait blocks until every VCPU has terminated, whether by Stop or because
// the guest asked for it, and returns their errors.
func (h *Hypervisor) Wait(ctx context.Context) error {
	h.mu.Lock()
	done := h.done
	h.mu.Unlock()
	if done == nil {
		return ErrNotRunning
	}
	select {
	case <-done:
		return h.err
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Stop asks every VCPU to terminate, waits for them and releases their
// control structures.
func (h *Hypervisor) Stop(ctx context.Context) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	if !h.running {
		return ErrNotRunning
	}
	err := h.shutdown(ctx)
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return err
	}
	h.running = false
	h.handler.Destroy()
	h.log.Info("hypervisor stopped")
	if herr := h.hooks.Run(ctx, PostStop, h.state(specs.StateStopped, len(h.vcpus))); herr != nil {
		h.log.WithError(herr).Warn("poststop hook failed")
	}
	return err
}

func (h *Hypervisor) shutdown(ctx context.Context) error {
	for _, vp := range h.vcpus {
		vp.RequestTermination()
	}
	select {
	case <-h.done:
	case <-ctx.Done():
		return ctx.Err()
	}
	h.final = h.status()
	for _, vp := range h.vcpus {
		if err := vp.Destroy(); err != nil {
			h.log.WithError(err).Warn("destroy vcpu")
		}
	}
	return h.err
}

// CPUStatus describes one virtualized processor.
type CPUStatus struct {
	CPU       int    `json:"cpu"`
	State     string `json:"state"`
	Confirmed bool   `json:"confirmed"`
	Error     string `json:"error,omitempty"`
}

// Status describes the processors of the current run. Once the hypervisor
// has stopped it reports the states they terminated in.
func (h *Hypervisor) Status() []CPUStatus {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.final != nil {
		return h.final
	}
	return h.status()
}

func (h *Hypervisor) status() []CPUStatus {
	st := make([]CPUStatus, len(h.vcpus))
	for i, vp := range h.vcpus {
		st[i] = CPUStatus{CPU: vp.Processor().Index(), State: vp.State().String(), Confirmed: vp.Confirmed()}
		select {
		case <-vp.Done():
			if err := vp.Wait(context.Background()); err != nil {
				st[i].Error = err.Error()
			}
		default:
		}
	}
	return st
}

func (h *Hypervisor) state(status specs.ContainerState, cpus int) *specs.State {
	return &specs.State{
		Version:     specs.Version,
		ID:          ID,
		Status:      status,
		Pid:         os.Getpid(),
		Annotations: map[string]string{AnnotationCPUs: strconv.Itoa(cpus)},
	}
}
