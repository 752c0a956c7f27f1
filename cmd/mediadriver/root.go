package main

import (
	"github.com/spf13/cobra"
)

// version is overridden at build time via -ldflags "-X main.version=...".
var version = "dev"

var rootCmd = &cobra.Command{
	Use:   "mediadriver",
	Short: "Aeron-style media driver: low-latency UDP pub/sub transport",
	Long: `mediadriver runs the three cooperating agents (Conductor, Sender,
Receiver) that make up the media driver, plus a Prometheus metrics and
health endpoint. Configuration is resolved entirely from aeron.* properties
passed as environment variables, matching the driver's wire-compatible
property names.`,
}

func init() {
	rootCmd.AddCommand(runCmd, versionCmd)
}
