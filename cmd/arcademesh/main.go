// Command arcademesh is the combined CLI: "arcademesh host" runs the
// lobby's state of record, "arcademesh guest" joins one. Each subcommand
// hands its raw arguments straight to internal/config's own flag parser
// (see Seednode-partybox/config.go for the pflag+viper idiom this
// mirrors), so cobra here only supplies command dispatch and help text.
package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/arcade-mesh/core/internal/guestcli"
	"github.com/arcade-mesh/core/internal/hostcli"
)

func main() {
	root := &cobra.Command{
		Use:           "arcademesh",
		Short:         "A browser-resident peer-to-peer lobby and turn consensus substrate.",
		SilenceErrors: true,
		SilenceUsage:  true,
	}

	hostCmd := &cobra.Command{
		Use:                "host",
		Short:              "Run the lobby host: accepts guests, drives admission, and runs the authoritative game engine.",
		DisableFlagParsing: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return hostcli.Run(args)
		},
	}

	guestCmd := &cobra.Command{
		Use:                "guest",
		Short:              "Join an existing lobby as a guest.",
		DisableFlagParsing: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return guestcli.Run(args)
		},
	}

	root.CompletionOptions.HiddenDefaultCmd = true
	root.AddCommand(hostCmd, guestCmd)

	if err := root.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
