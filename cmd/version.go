package cmd

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/grafana/ghost/browser"
)

func getVersionCmd(gs *globalState) *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Show application version",
		Args:  cobra.NoArgs,
		Run: func(*cobra.Command, []string) {
			fmt.Fprintf(gs.stdout, "ghost v%s\n", browser.Version) //nolint:errcheck
		},
	}
}
