// Command netpulse-ctl is the operator CLI for the NetPulse orchestrator.
package main

import (
	"fmt"
	"os"
)

// Build information (injected via ldflags)
var (
	version   = "dev"
	commit    = "unknown"
	buildTime = "unknown"
)

func main() {
	Version = version
	Commit = commit
	BuildTime = buildTime

	if err := Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}
