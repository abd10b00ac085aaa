package cmd

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/urfave/cli"

	"github.com/set-io/vtx/hypervisor"
)

var configCommand = cli.Command{
	Name:        "config",
	Usage:       "create a new configuration file",
	Description: `The config command creates the configuration file named "` + ConfigFile + `"
holding the default settings for this host.

The file is just a starter. Edit it to change the number of processors, the
page pool size, the EPT memory type, the extra vm exits the pass-through
handler takes or the hooks that run around start and stop, then pass it to
"vtx run --config".`,
	Flags: []cli.Flag{
		cli.StringFlag{
			Name:  "dir, d",
			Value: "",
			Usage: "directory to write the configuration to, defaults to the current directory",
		},
		cli.BoolFlag{
			Name:  "stdout",
			Usage: "print the configuration instead of writing a file",
		},
	},
	Action: func(context *cli.Context) error {
		if err := checkArgs(context, 0, exactArgs); err != nil {
			return err
		}
		data, err := hypervisor.DefaultConfig().Marshal()
		if err != nil {
			return err
		}
		if context.Bool("stdout") {
			_, err := os.Stdout.Write(data)
			return err
		}
		name := filepath.Join(context.String("dir"), ConfigFile)
		_, err = os.Stat(name)
		if err == nil {
			return fmt.Errorf("file %s exists. remove it first", name)
		}
		if !os.IsNotExist(err) {
			return err
		}
		return os.WriteFile(name, data, 0o666)
	},
}
