package hypervisor

import (
	"errors"
	"fmt"
	"os"
	"runtime"
	"slices"

	"github.com/opencontainers/runtime-spec/specs-go"
	"gopkg.in/yaml.v3"

	"github.com/set-io/vtx/hypervisor/ept"
	"github.com/set-io/vtx/hypervisor/ia32"
	"github.com/set-io/vtx/hypervisor/memory"
	"github.com/set-io/vtx/hypervisor/vmx"
	"github.com/set-io/vtx/utils"
)

type Config struct {
	CPUs       int                       `yaml:"cpus"`
	SingleVCPU bool                      `yaml:"single_vcpu"`
	Memory     string                    `yaml:"memory,omitempty"`
	EPT        EPT                       `yaml:"ept"`
	Controls   []string                  `yaml:"controls,omitempty"`
	Exits      Exits                     `yaml:"exits"`
	Stats      bool                      `yaml:"stats"`
	Trace      bool                      `yaml:"trace"`
	PinThreads bool                      `yaml:"pin_threads"`
	Hooks      map[HookName][]specs.Hook `yaml:"hooks,omitempty"`
}

type EPT struct {
	MemoryType  string `yaml:"memory_type"`
	AccessDirty bool   `yaml:"access_dirty"`
	IdentityMap string `yaml:"identity_map"`
}

// Exits lists the exits the pass-through handler asks for on top of the
// ones the VCPU always takes.
type Exits struct {
	MSRs             []uint32 `yaml:"msrs,omitempty"`
	Ports            []uint16 `yaml:"ports,omitempty"`
	DescriptorTables bool     `yaml:"descriptor_tables"`
}

func DefaultConfig() *Config {
	return &Config{
		CPUs:  runtime.NumCPU(),
		EPT:   EPT{MemoryType: "wb", IdentityMap: "1G"},
		Stats: true,
	}
}

// LoadConfig reads a YAML configuration. Fields missing from the file keep
// their default values.
func LoadConfig(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	c := DefaultConfig()
	if err := yaml.Unmarshal(data, c); err != nil {
		return nil, fmt.Errorf("parse %s: %w", path, err)
	}
	if err := c.Validate(); err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return c, nil
}

func (c *Config) Marshal() ([]byte, error) { return yaml.Marshal(c) }

func (c *Config) Validate() error {
	var errs []error
	if c.CPUs < 1 {
		errs = append(errs, fmt.Errorf("cpus must be at least 1, got %d", c.CPUs))
	}
	if c.Memory != "" {
		if n, err := utils.ParseSize(c.Memory, ""); err != nil || n < memory.PageSize {
			errs = append(errs, fmt.Errorf("memory %q is not a size of at least one page", c.Memory))
		}
	}
	if _, err := ept.ParseMemoryType(c.EPT.MemoryType); err != nil {
		errs = append(errs, fmt.Errorf("ept.memory_type: %w", err))
	}
	if _, err := c.IdentityMapSize(); err != nil {
		errs = append(errs, err)
	}
	if _, err := c.ControlBits(); err != nil {
		errs = append(errs, err)
	}
	for name := range c.Hooks {
		if !slices.Contains(KnownHookNames(), string(name)) {
			errs = append(errs, fmt.Errorf("%w: %q", ErrUnknownHook, name))
		}
	}
	if err := errors.Join(errs...); err != nil {
		return fmt.Errorf("%w: %w", ErrInvalidConfig, err)
	}
	return nil
}

// ActiveCPUs returns the number of processors to virtualize.
func (c *Config) ActiveCPUs() int {
	if c.SingleVCPU {
		return 1
	}
	return c.CPUs
}

// PoolSize returns the size of the page pool for all active processors.
// Without an explicit memory setting it is estimated from installed RAM.
func (c *Config) PoolSize() (int, error) {
	if c.Memory == "" {
		return memory.EstimatePoolSize(c.ActiveCPUs())
	}
	return utils.ParseSize(c.Memory, "")
}

// IdentityMapSize returns the guest-physical range the translation root
// maps one to one, rounded to whole pages.
func (c *Config) IdentityMapSize() (uint64, error) {
	if c.EPT.IdentityMap == "" {
		return 0, nil
	}
	n, err := utils.ParseSize(c.EPT.IdentityMap, "")
	if err != nil {
		return 0, fmt.Errorf("ept.identity_map: %w", err)
	}
	return (uint64(n) + memory.PageSize - 1) &^ (memory.PageSize - 1), nil
}

// ControlBits resolves the extra controls by name.
func (c *Config) ControlBits() ([]vmx.ControlBit, error) {
	bits := make([]vmx.ControlBit, 0, len(c.Controls))
	for _, name := range c.Controls {
		b, err := vmx.ParseControl(name)
		if err != nil {
			return nil, fmt.Errorf("controls: %w", err)
		}
		bits = append(bits, b)
	}
	return bits, nil
}

func (e Exits) msrs() []ia32.MSR {
	m := make([]ia32.MSR, len(e.MSRs))
	for i, v := range e.MSRs {
		m[i] = ia32.MSR(v)
	}
	return m
}
