package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/sawpanic/exec-core/internal/adapter"
	"github.com/sawpanic/exec-core/internal/adapter/binance"
	"github.com/sawpanic/exec-core/internal/adapter/bybit"
	"github.com/sawpanic/exec-core/internal/adapter/coinbase"
	"github.com/sawpanic/exec-core/internal/adapter/okx"
	"github.com/sawpanic/exec-core/internal/config"
	"github.com/sawpanic/exec-core/internal/coordinator"
	"github.com/sawpanic/exec-core/internal/reconciler"
	"github.com/sawpanic/exec-core/internal/resilience"
	"github.com/sawpanic/exec-core/internal/telemetry"
	"github.com/sawpanic/exec-core/internal/venue"
)

// buildAdapter constructs the raw venue adapter for one VenueConfig entry.
func buildAdapter(vc config.VenueConfig) (adapter.Adapter, error) {
	switch vc.Name {
	case "binance":
		return binance.New(binance.Config{
			APIKey: vc.APIKey(), APISecret: vc.APISecret(), BaseURL: vc.BaseURL, Timeout: vc.Timeout(),
		}), nil
	case "okx":
		return okx.New(okx.Config{
			APIKey: vc.APIKey(), APISecret: vc.APISecret(), Passphrase: vc.Passphrase(),
			Demo: vc.Sandbox, BaseURL: vc.BaseURL, Timeout: vc.Timeout(),
		}), nil
	case "bybit":
		cat := venue.CategorySpot
		switch vc.Category {
		case "linear":
			cat = venue.CategoryLinear
		case "inverse":
			cat = venue.CategoryInverse
		}
		return bybit.New(bybit.Config{
			APIKey: vc.APIKey(), APISecret: vc.APISecret(), Category: cat, BaseURL: vc.BaseURL, Timeout: vc.Timeout(),
		}), nil
	case "coinbase":
		return coinbase.New(coinbase.Config{
			KeyName: vc.APIKey(), PrivateKey: vc.APISecret(), Sandbox: vc.Sandbox, Timeout: vc.Timeout(),
		})
	default:
		return nil, fmt.Errorf("unknown venue %q", vc.Name)
	}
}

func venueID(name string) venue.Venue {
	switch name {
	case "binance":
		return venue.Binance
	case "okx":
		return venue.OKX
	case "bybit":
		return venue.Bybit
	case "coinbase":
		return venue.Coinbase
	default:
		return venue.Unknown
	}
}

// localOrderStore is the in-process OrderStore the reconciler compares
// against exchange state; it is populated from the coordinator's execution
// callback rather than owning order placement itself.
type localOrderStore struct {
	mu     sync.Mutex
	orders map[string]reconciler.LocalOrder
}

func newLocalOrderStore() *localOrderStore {
	return &localOrderStore{orders: make(map[string]reconciler.LocalOrder)}
}

func (s *localOrderStore) OpenOrders(symbol venue.SymbolId) []reconciler.LocalOrder {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []reconciler.LocalOrder
	for _, o := range s.orders {
		if o.Symbol == symbol && !o.Status.IsTerminal() {
			out = append(out, o)
		}
	}
	return out
}

func (s *localOrderStore) ApplyUpdate(o reconciler.LocalOrder) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.orders[o.ClientOrderID] = o
}

func (s *localOrderStore) observe(report venue.ExecutionReport) {
	s.ApplyUpdate(reconciler.LocalOrder{
		ClientOrderID: report.ClientOrderID,
		Symbol:        report.Symbol,
		Status:        report.Status,
		FilledQty:     report.LastFillQty,
		AvgPrice:      report.LastFillPrice,
	})
}

func runEngine(cmd *cobra.Command, args []string) error {
	configPath, _ := cmd.Flags().GetString("config")
	metricsAddrFlag, _ := cmd.Flags().GetString("metrics-addr")

	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	reg := prometheus.NewRegistry()
	metrics := telemetry.NewRegistry(reg)

	coord := coordinator.New()
	store := newLocalOrderStore()
	coord.SubscribeExecutions(func(report venue.ExecutionReport) {
		store.observe(report)
	})

	rc := reconciler.DefaultConfig()
	rc.ReconciliationInterval = cfg.Reconciliation.Interval()
	if cfg.Reconciliation.AuditBufferSize > 0 {
		rc.AuditBufferSize = cfg.Reconciliation.AuditBufferSize
	}
	rc.AutoCancelOrphaned = cfg.Reconciliation.AutoCancelOrphaned
	rc.FreezeOnMismatch = cfg.Reconciliation.FreezeOnMismatch
	if cfg.Reconciliation.MaxMismatchesBeforeFreeze > 0 {
		rc.MaxMismatchesBeforeFreeze = cfg.Reconciliation.MaxMismatchesBeforeFreeze
	}
	if cfg.Reconciliation.AvgPriceTolerance > 0 {
		rc.AvgPriceTolerance = cfg.Reconciliation.AvgPriceTolerance
	}
	recon := reconciler.New(rc, store)
	recon.SetFreezeCallback(func(strategyID string) {
		metrics.StrategiesFrozen.Inc()
		log.Warn().Str("strategy_id", strategyID).Msg("strategy frozen after repeated reconciliation mismatches")
	})

	symbols := make([]venue.SymbolId, 0, len(cfg.Symbols))
	for _, s := range cfg.Symbols {
		symbols = append(symbols, venue.SymbolId(s))
	}

	for _, vc := range cfg.EnabledVenues() {
		raw, err := buildAdapter(vc)
		if err != nil {
			return fmt.Errorf("build adapter %s: %w", vc.Name, err)
		}
		rcfg := resilience.DefaultConfig()
		rcfg.RPS = vc.RPS
		rcfg.Burst = vc.Burst
		resilient := resilience.Wrap(raw, rcfg)
		if err := resilient.Connect(context.Background()); err != nil {
			log.Warn().Err(err).Str("venue", vc.Name).Msg("initial connect failed, continuing")
		}
		v := venueID(vc.Name)
		coord.RegisterAdapter(v, resilient, 1.0)
		recon.RegisterVenue(v, resilient, symbols)
		log.Info().Str("venue", vc.Name).Msg("venue adapter registered")
	}

	metricsAddr := cfg.MetricsAddr
	if metricsAddrFlag != "" {
		metricsAddr = metricsAddrFlag
	}
	if metricsAddr == "" {
		metricsAddr = ":9090"
	}
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("ok"))
	})
	srv := &http.Server{Addr: metricsAddr, Handler: mux}
	go func() {
		log.Info().Str("addr", metricsAddr).Msg("metrics server listening")
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Error().Err(err).Msg("metrics server stopped")
		}
	}()

	ctx, cancel := context.WithCancel(context.Background())
	go recon.Run(ctx)

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	<-sigCh
	log.Info().Msg("shutdown signal received")
	cancel()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer shutdownCancel()
	return srv.Shutdown(shutdownCtx)
}
