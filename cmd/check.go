package cmd

import (
	"os"
	"runtime"

	"github.com/sirupsen/logrus"
	"github.com/urfave/cli"

	"github.com/set-io/vtx/hypervisor/ia32"
	"github.com/set-io/vtx/hypervisor/memory"
	"github.com/set-io/vtx/hypervisor/sim"
	"github.com/set-io/vtx/hypervisor/vmx"
	"github.com/set-io/vtx/utils"
)

// cpuidVMX is the VMX feature flag in CPUID leaf 1 ECX.
const cpuidVMX = 1 << 5

var checkCommand = cli.Command{
	Name:        "check",
	Usage:       "report the VMX capabilities of the simulated processor",
	Description: `The check command prints, as JSON, whether the processor reports VMX
support, whether IA32_FEATURE_CONTROL allows it outside SMX, the VMCS revision,
the EPT and VPID features and every control the capability MSRs allow. It also
shows the page pool vtx would size for this host without a memory setting.`,
	Action: func(context *cli.Context) error {
		if err := checkArgs(context, 0, exactArgs); err != nil {
			return err
		}
		report, err := check()
		if err != nil {
			return err
		}
		return utils.WriteJSON(os.Stdout, report)
	},
}

type checkReport struct {
	VMX          bool       `json:"vmx"`
	VMXAllowed   bool       `json:"vmx_allowed"`
	PoolEstimate string     `json:"pool_estimate,omitempty"`
	Capabilities vmx.Report `json:"capabilities"`
}

func check() (*checkReport, error) {
	pool, err := memory.NewPool(memory.DefaultBase, simPages*memory.PageSize)
	if err != nil {
		return nil, err
	}
	defer pool.Close()
	cpu, err := sim.New(0, pool, sim.WithLogger(logrus.WithField("pkg", "cmd")))
	if err != nil {
		return nil, err
	}
	defer cpu.Close()

	r := &checkReport{}
	_, _, ecx, _ := cpu.CPUID(1, 0)
	r.VMX = ecx&cpuidVMX != 0
	if fc, err := cpu.ReadMSR(ia32.MSRFeatureControl); err == nil {
		r.VMXAllowed = ia32.FeatureControl(fc).VMXAllowed()
	}
	r.Capabilities = vmx.ReadCapabilities(func(m ia32.MSR) uint64 {
		v, _ := cpu.ReadMSR(m)
		return v
	}).Report()
	if n, err := memory.EstimatePoolSize(runtime.NumCPU()); err == nil {
		r.PoolEstimate = utils.FormatSize(n)
	}
	return r, nil
}
