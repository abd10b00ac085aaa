package cmd

import (
	"fmt"
	"os"

	"github.com/urfave/cli"

	"github.com/set-io/vtx/hypervisor"
)

const (
	exactArgs = iota
	minArgs
	maxArgs
)

func checkArgs(context *cli.Context, expected, checkType int) error {
	var err error
	cmdName := context.Command.Name
	switch checkType {
	case exactArgs:
		if context.NArg() != expected {
			err = fmt.Errorf("%s: %q requires exactly %d argument(s)", os.Args[0], cmdName, expected)
		}
	case minArgs:
		if context.NArg() < expected {
			err = fmt.Errorf("%s: %q requires a minimum of %d argument(s)", os.Args[0], cmdName, expected)
		}
	case maxArgs:
		if context.NArg() > expected {
			err = fmt.Errorf("%s: %q requires a maximum of %d argument(s)", os.Args[0], cmdName, expected)
		}
	}
	if err != nil {
		fmt.Printf("Incorrect Usage.\n\n")
		cli.ShowCommandHelp(context, cmdName)
		return err
	}
	return nil
}

// loadConfig reads the file named by --config, or the defaults without
// one, and applies the command line overrides.
func loadConfig(context *cli.Context) (*hypervisor.Config, error) {
	cfg := hypervisor.DefaultConfig()
	if path := context.String("config"); path != "" {
		var err error
		if cfg, err = hypervisor.LoadConfig(path); err != nil {
			return nil, err
		}
	}
	if context.IsSet("cpus") {
		cfg.CPUs = context.Int("cpus")
	}
	if context.IsSet("memory") {
		cfg.Memory = context.String("memory")
	}
	if context.Bool("single-vcpu") {
		cfg.SingleVCPU = true
	}
	if context.Bool("trace") {
		cfg.Trace = true
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}
