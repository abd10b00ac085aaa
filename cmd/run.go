package cmd

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/urfave/cli"
	"golang.org/x/sys/unix"

	"github.com/set-io/vtx/hypervisor"
	"github.com/set-io/vtx/hypervisor/memory"
	"github.com/set-io/vtx/hypervisor/sim"
	"github.com/set-io/vtx/hypervisor/vcpu"
	"github.com/set-io/vtx/utils"
)

// simPages is what a simulated processor needs for its own page tables,
// descriptor tables, stack and the guest program.
const simPages = 16

const stopTimeout = 10 * time.Second

var runCommand = cli.Command{
	Name:        "run",
	Usage:       "virtualize the simulated processors and run a guest on them",
	Description: `The run command builds one simulated processor per configured cpu, starts
a small guest program on each and virtualizes them. The guest prints a line to
the debug console and then idles until vtx is interrupted or --duration
expires, when every processor is taken out of VMX operation again. With
--oneshot the guest leaves virtualization by itself.

The exit statistics and the final state of every processor are printed as
JSON when the hypervisor stops.`,
	Flags: []cli.Flag{
		cli.StringFlag{
			Name:  "config, c",
			Usage: "path to the YAML configuration (see 'vtx config'), defaults are used without one",
		},
		cli.IntFlag{
			Name:  "cpus",
			Usage: "number of processors, overrides the configuration",
		},
		cli.StringFlag{
			Name:  "memory, m",
			Usage: "page pool size such as 64M, overrides the configuration",
		},
		cli.BoolFlag{
			Name:  "single-vcpu",
			Usage: "virtualize only the first processor",
		},
		cli.BoolFlag{
			Name:  "trace",
			Usage: "log every vm exit with the exiting instruction (needs --debug)",
		},
		cli.BoolFlag{
			Name:  "oneshot",
			Usage: "let the guest terminate virtualization itself",
		},
		cli.DurationFlag{
			Name:  "duration, d",
			Usage: "stop after this long instead of waiting for a signal",
		},
	},
	Action: func(context *cli.Context) error {
		if err := checkArgs(context, 0, exactArgs); err != nil {
			return err
		}
		cfg, err := loadConfig(context)
		if err != nil {
			return err
		}
		if err := run(cfg, context.Bool("oneshot"), context.Duration("duration")); err != nil {
			return fmt.Errorf("vtx run failed: %w", err)
		}
		return nil
	},
}

type runReport struct {
	CPUs  []hypervisor.CPUStatus `json:"cpus"`
	Exits map[string]uint64      `json:"exits,omitempty"`
}

func run(cfg *hypervisor.Config, oneshot bool, duration time.Duration) error {
	log := logrus.WithField("pkg", "cmd")
	size, err := cfg.PoolSize()
	if err != nil {
		return err
	}
	pool, err := memory.NewPool(memory.DefaultBase, size+cfg.CPUs*simPages*memory.PageSize)
	if err != nil {
		return err
	}
	defer pool.Close()
	log.WithFields(logrus.Fields{"cpus": cfg.CPUs, "pool": utils.FormatSize(pool.Size())}).Debug("memory pool ready")

	procs := make([]vcpu.Processor, cfg.CPUs)
	for i := range procs {
		cpu, err := sim.New(i, pool, sim.WithLogger(log), sim.WithConsole(os.Stdout))
		if err != nil {
			return err
		}
		defer cpu.Close()
		if err := loadGuest(cpu, oneshot); err != nil {
			return err
		}
		procs[i] = cpu
	}

	h, err := hypervisor.New(cfg, procs, pool, hypervisor.WithLogger(log))
	if err != nil {
		return err
	}
	ctx, stop := signal.NotifyContext(context.Background(), unix.SIGINT, unix.SIGTERM)
	defer stop()
	if duration > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, duration)
		defer cancel()
	}
	if err := h.Start(ctx); err != nil {
		return err
	}
	if err := h.Wait(ctx); err != nil && ctx.Err() == nil {
		log.WithError(err).Warn("guest terminated with an error")
	}

	sctx, cancel := context.WithTimeout(context.Background(), stopTimeout)
	defer cancel()
	serr := h.Stop(sctx)
	if errors.Is(serr, context.DeadlineExceeded) {
		return fmt.Errorf("processors did not terminate within %v", stopTimeout)
	}
	report := runReport{CPUs: h.Status()}
	if s := h.Stats(); s != nil {
		report.Exits = s.Snapshot()
	}
	if err := utils.WriteJSON(os.Stdout, report); err != nil {
		return err
	}
	return serr
}
