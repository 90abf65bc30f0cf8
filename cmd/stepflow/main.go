// Command stepflow runs workflow definitions: as a long-lived service with
// an HTTP API and cron scheduler, as a one-shot CLI run, or as an MCP tool
// server.
package main

import (
	"fmt"
	"os"
)

// version is set at build time with -ldflags "-X main.version=...".
var version = "dev"

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		os.Exit(1)
	}
}
