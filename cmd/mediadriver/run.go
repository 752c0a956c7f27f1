package main

import (
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	driverpkg "mediadriver/internal/driver/driver"

	drivercontext "mediadriver/internal/driver/context"
)

// aeronDirEnv is the base shared-memory directory, analogous to real
// Aeron's `aeron.dir` system property. It is resolved separately from the
// aeron.* properties below because it is structural (driver/context.New
// takes it as a constructor argument, not a WithProperty override).
const aeronDirEnv = "aeron.dir"

// propertyNames are the verbatim aeron.* properties driver/context.Context
// resolves via WithProperty, per spec.md section 6's CLI surface.
var propertyNames = []string{
	"aeron.rcv.buffer.size",
	"aeron.command.buffer.size",
	"aeron.conductor.buffer.size",
	"aeron.clients.buffer.size",
	"aeron.dir.counters.size",
	"aeron.multicast.default.interface",
	"aeron.event.log",
}

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Start the media driver and block until shutdown",
	RunE:  runDriver,
}

func init() {
	runCmd.Flags().String("metrics-addr", ":9469", "bind address for /metrics and /healthz (empty disables)")
	runCmd.Flags().String("log-level", "info", "log level: debug, info, warn, error")
	runCmd.Flags().Bool("log-json", false, "emit structured JSON logs instead of console output")
}

func runDriver(cmd *cobra.Command, args []string) error {
	logLevel, _ := cmd.Flags().GetString("log-level")
	logJSON, _ := cmd.Flags().GetBool("log-json")
	metricsAddr, _ := cmd.Flags().GetString("metrics-addr")

	log := newLogger(logLevel, logJSON)

	aeronDir := os.Getenv(aeronDirEnv)
	if aeronDir == "" {
		aeronDir = os.TempDir() + "/aeron"
	}
	ctx := drivercontext.New(aeronDir)
	for _, name := range propertyNames {
		if v, ok := os.LookupEnv(name); ok {
			if err := ctx.WithProperty(name, v); err != nil {
				log.Fatal().Err(err).Str("property", name).Msg("invalid property value")
			}
		}
	}

	d, err := driverpkg.New(log, ctx, metricsAddr)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to initialize driver")
	}

	log.Info().Str("runDir", d.RunDir()).Str("metricsAddr", metricsAddr).Msg("starting media driver")
	d.Start()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	<-sigCh

	log.Info().Msg("shutdown signal received, draining agents")
	d.Stop()
	log.Info().Msg("media driver shut down cleanly")
	return nil
}

func newLogger(level string, jsonOutput bool) zerolog.Logger {
	lvl, err := zerolog.ParseLevel(level)
	if err != nil {
		lvl = zerolog.InfoLevel
	}
	zerolog.SetGlobalLevel(lvl)

	if jsonOutput {
		return zerolog.New(os.Stdout).With().Timestamp().Logger()
	}
	return zerolog.New(zerolog.ConsoleWriter{
		Out:        os.Stdout,
		TimeFormat: time.RFC3339,
	}).With().Timestamp().Logger()
}
