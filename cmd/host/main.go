// Command host is the standalone entrypoint for running a lobby host;
// see cmd/arcademesh for the combined host/guest CLI.
package main

import (
	"os"

	"github.com/pterm/pterm"

	"github.com/arcade-mesh/core/internal/hostcli"
)

func main() {
	if err := hostcli.Run(os.Args[1:]); err != nil {
		pterm.Error.Printfln("%v", err)
		os.Exit(1)
	}
}
