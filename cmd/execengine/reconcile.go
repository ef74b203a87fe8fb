package main

import (
	"context"
	"fmt"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/sawpanic/exec-core/internal/config"
	"github.com/sawpanic/exec-core/internal/reconciler"
	"github.com/sawpanic/exec-core/internal/resilience"
	"github.com/sawpanic/exec-core/internal/venue"
)

func runReconcileOnce(cmd *cobra.Command, args []string) error {
	configPath, _ := cmd.Flags().GetString("config")
	format, _ := cmd.Flags().GetString("format")

	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	store := newLocalOrderStore()
	rc := reconciler.DefaultConfig()
	rc.ReconciliationInterval = cfg.Reconciliation.Interval()
	recon := reconciler.New(rc, store)

	symbols := make([]venue.SymbolId, 0, len(cfg.Symbols))
	for _, s := range cfg.Symbols {
		symbols = append(symbols, venue.SymbolId(s))
	}

	for _, vc := range cfg.EnabledVenues() {
		raw, err := buildAdapter(vc)
		if err != nil {
			return fmt.Errorf("build adapter %s: %w", vc.Name, err)
		}
		resilient := resilience.Wrap(raw, resilience.DefaultConfig())
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		err = resilient.Connect(ctx)
		cancel()
		if err != nil {
			log.Warn().Err(err).Str("venue", vc.Name).Msg("connect failed, skipping venue for this cycle")
			continue
		}
		recon.RegisterVenue(venueID(vc.Name), resilient, symbols)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	reports := recon.ReconcileNow(ctx)

	if format == "json" {
		raw, err := reconciler.ExportReportJSON(reports)
		if err != nil {
			return fmt.Errorf("export report: %w", err)
		}
		fmt.Println(string(raw))
		return nil
	}
	fmt.Print(reconciler.GenerateReportSummary(reports))
	return nil
}
