// Command guest is the standalone entrypoint for joining a lobby as a
// guest; see cmd/arcademesh for the combined host/guest CLI.
package main

import (
	"os"

	"github.com/pterm/pterm"

	"github.com/arcade-mesh/core/internal/guestcli"
)

func main() {
	if err := guestcli.Run(os.Args[1:]); err != nil {
		pterm.Error.Printfln("%v", err)
		os.Exit(1)
	}
}
