// Package cmd implements the ghost command line.
package cmd

import (
	"context"
	"io"
	"os"

	"github.com/fatih/color"
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/grafana/ghost/env"
	"github.com/grafana/ghost/log"
)

// BannerColor colors the banner of the help output.
var BannerColor = color.New(color.FgCyan) //nolint:gochecknoglobals

const banner = `
      _               _
 __ _| |__   ___  ___| |_
/ _' | '_ \ / _ \/ __| __|
\__, | | | | (_) \__ \ |_
|___/|_| |_|\___/|___/\__|
`

// globalState is what the commands share: the process environment and
// outputs.
type globalState struct {
	ctx    context.Context //nolint:containedctx
	lookup env.LookupFunc
	stdout io.Writer
	stderr io.Writer

	logger  *log.Logger
	verbose bool
}

// rootCommand is the base command, called without subcommands.
type rootCommand struct {
	gs  *globalState
	cmd *cobra.Command
}

func newRootCommand(gs *globalState) *rootCommand {
	c := &rootCommand{gs: gs}
	c.cmd = &cobra.Command{
		Use:               "ghost",
		Short:             "synchronous browser automation",
		Long:              BannerColor.Sprint(banner),
		SilenceUsage:      true,
		SilenceErrors:     true,
		PersistentPreRunE: c.persistentPreRunE,
	}
	c.cmd.SetOut(gs.stdout)
	c.cmd.SetErr(gs.stderr)
	c.cmd.PersistentFlags().BoolVarP(&gs.verbose, "verbose", "v", false, "enable debug logging")
	c.cmd.AddCommand(getRunCmd(gs), getVersionCmd(gs))

	return c
}

func (c *rootCommand) persistentPreRunE(*cobra.Command, []string) error {
	logger, err := log.NewFromEnv(c.gs.stderr, c.gs.lookup)
	if err != nil {
		return err //nolint:wrapcheck
	}
	if c.gs.verbose {
		if err := logger.SetLevel("debug"); err != nil {
			return err //nolint:wrapcheck
		}
	}
	c.gs.logger = logger

	return nil
}

// Execute runs the command line with the process arguments and exits with
// a non-zero code on failure.
func Execute() {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	gs := &globalState{
		ctx:    ctx,
		lookup: env.Lookup,
		stdout: os.Stdout,
		stderr: os.Stderr,
	}
	c := newRootCommand(gs)
	if err := c.cmd.Execute(); err != nil {
		logrus.New().WithError(err).Error("ghost failed")
		cancel()
		os.Exit(1) //nolint:gocritic
	}
}
