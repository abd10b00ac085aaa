package cmd

import (
	"fmt"
	"os"
	"runtime"
	"strings"

	"github.com/sirupsen/logrus"
	"github.com/urfave/cli"
	"golang.org/x/term"
)

// ConfigFile is the name the config command writes.
const ConfigFile = "vtx.yaml"

func Execute(name, usage, version, commit string) error {
	app := cli.NewApp()
	app.Name = name
	app.Usage = usage

	v := []string{version}
	if commit != "" {
		v = append(v, "commit: "+commit)
	}
	v = append(v, "go: "+runtime.Version())
	app.Version = strings.Join(v, "\n")

	app.Flags = []cli.Flag{
		cli.BoolFlag{
			Name:  "debug",
			Usage: "enable debug logging",
		},
		cli.StringFlag{
			Name:  "log",
			Value: "",
			Usage: "set the log file to write vtx logs to (default is '/dev/stderr')",
		},
		cli.StringFlag{
			Name:  "log-format",
			Value: "text",
			Usage: "set the log format ('text' (default), or 'json')",
		},
	}
	app.Commands = []cli.Command{
		runCommand,
		checkCommand,
		configCommand,
	}
	app.Before = setupLogging
	return app.Run(os.Args)
}

func setupLogging(ctx *cli.Context) error {
	logrus.SetLevel(logrus.InfoLevel)
	if ctx.GlobalBool("debug") {
		logrus.SetLevel(logrus.DebugLevel)
	}
	tty := term.IsTerminal(int(os.Stderr.Fd()))
	if ctx.IsSet("log") {
		logFile, err := os.OpenFile(ctx.GlobalString("log"), os.O_WRONLY|os.O_CREATE|os.O_APPEND, 0o600)
		if err != nil {
			return err
		}
		logrus.SetOutput(logFile)
		tty = false
	}
	switch f := ctx.GlobalString("log-format"); f {
	case "text":
		logrus.SetFormatter(&logrus.TextFormatter{FullTimestamp: true, ForceColors: tty, DisableColors: !tty})
	case "json":
		logrus.SetFormatter(&logrus.JSONFormatter{})
	default:
		return fmt.Errorf("unknown log-format %q", f)
	}
	return nil
}
