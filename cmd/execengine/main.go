package main

import (
	"os"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
)

const (
	appName = "execengine"
	version = "v0.1.0"
)

func main() {
	zerolog.TimeFieldFormat = time.RFC3339
	log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.Kitchen})

	rootCmd := &cobra.Command{
		Use:     appName,
		Short:   "Multi-venue crypto execution core",
		Version: version,
		Long: `execengine runs the multi-venue execution core: resilient
exchange adapters, an aggregated order book, smart order routing, TWAP/VWAP
execution algorithms, and background account reconciliation.`,
	}

	runCmd := &cobra.Command{
		Use:   "run",
		Short: "Start the execution engine",
		Long:  "Connects the configured venue adapters, starts the reconciliation loop, and serves /metrics",
		RunE:  runEngine,
	}
	runCmd.Flags().String("config", "config/engine.yaml", "Path to engine configuration")
	runCmd.Flags().String("metrics-addr", "", "Override the configured metrics listen address")

	reconcileCmd := &cobra.Command{
		Use:   "reconcile",
		Short: "Run a single on-demand reconciliation cycle and exit",
		RunE:  runReconcileOnce,
	}
	reconcileCmd.Flags().String("config", "config/engine.yaml", "Path to engine configuration")
	reconcileCmd.Flags().String("format", "text", "Report format: text|json")

	rootCmd.AddCommand(runCmd)
	rootCmd.AddCommand(reconcileCmd)

	if err := rootCmd.Execute(); err != nil {
		log.Error().Err(err).Msg("command failed")
		os.Exit(1)
	}
}
