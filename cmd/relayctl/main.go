// Command relayctl is the command-line client for the relay server.
package main

import (
	"os"

	"github.com/basket/agentrelay/cmd/relayctl/cmd"
)

func main() {
	if err := cmd.Execute(); err != nil {
		os.Exit(1)
	}
}
