// Package telemetry exposes the execution core's Prometheus metrics
// surface: per-venue latency, order flow, circuit-breaker and
// reconciliation counters, served over /metrics.
package telemetry

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/rs/zerolog/log"
)

// Registry holds every Prometheus metric the execution core exports.
type Registry struct {
	OrderLatency    *prometheus.HistogramVec
	OrdersPlaced    *prometheus.CounterVec
	OrdersFilled    *prometheus.CounterVec
	OrdersRejected  *prometheus.CounterVec
	OrdersCancelled *prometheus.CounterVec

	AdapterRequests  *prometheus.CounterVec
	AdapterRetries   *prometheus.CounterVec
	AdapterFailures  *prometheus.CounterVec
	CircuitState     *prometheus.GaugeVec
	CircuitRejections *prometheus.CounterVec

	VenueLatencyP50 *prometheus.GaugeVec
	VenueLatencyP95 *prometheus.GaugeVec

	RouterSplitCount  prometheus.Counter
	RouterVenueShare  *prometheus.CounterVec

	AlgoSlicesEmitted *prometheus.CounterVec
	AlgoActive        prometheus.Gauge

	ReconciliationCycles    prometheus.Counter
	ReconciliationMismatches *prometheus.CounterVec
	ReconciliationOrphans   prometheus.Counter
	StrategiesFrozen        prometheus.Gauge

	PositionPnL *prometheus.GaugeVec
}

// NewRegistry builds and registers all metrics against reg. Use a fresh
// prometheus.NewRegistry() in tests to avoid collisions with the default
// global registry.
func NewRegistry(reg prometheus.Registerer) *Registry {
	m := &Registry{
		OrderLatency: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "execcore_order_latency_ms",
				Help:    "Order placement round-trip latency in milliseconds",
				Buckets: []float64{5, 10, 25, 50, 100, 250, 500, 1000, 2500, 5000},
			},
			[]string{"venue"},
		),
		OrdersPlaced: prometheus.NewCounterVec(
			prometheus.CounterOpts{Name: "execcore_orders_placed_total", Help: "Total orders placed by venue"},
			[]string{"venue", "symbol"},
		),
		OrdersFilled: prometheus.NewCounterVec(
			prometheus.CounterOpts{Name: "execcore_orders_filled_total", Help: "Total orders filled (partial or full) by venue"},
			[]string{"venue", "symbol"},
		),
		OrdersRejected: prometheus.NewCounterVec(
			prometheus.CounterOpts{Name: "execcore_orders_rejected_total", Help: "Total order rejections by venue"},
			[]string{"venue", "reason"},
		),
		OrdersCancelled: prometheus.NewCounterVec(
			prometheus.CounterOpts{Name: "execcore_orders_cancelled_total", Help: "Total order cancellations by venue"},
			[]string{"venue"},
		),
		AdapterRequests: prometheus.NewCounterVec(
			prometheus.CounterOpts{Name: "execcore_adapter_requests_total", Help: "Total adapter requests by venue and outcome"},
			[]string{"venue", "outcome"},
		),
		AdapterRetries: prometheus.NewCounterVec(
			prometheus.CounterOpts{Name: "execcore_adapter_retries_total", Help: "Total adapter retry attempts by venue"},
			[]string{"venue"},
		),
		AdapterFailures: prometheus.NewCounterVec(
			prometheus.CounterOpts{Name: "execcore_adapter_failures_total", Help: "Total terminal adapter failures by venue"},
			[]string{"venue"},
		),
		CircuitState: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{Name: "execcore_circuit_state", Help: "Circuit breaker state per venue (0=closed,1=open,2=half_open)"},
			[]string{"venue"},
		),
		CircuitRejections: prometheus.NewCounterVec(
			prometheus.CounterOpts{Name: "execcore_circuit_rejections_total", Help: "Requests rejected by an open circuit breaker"},
			[]string{"venue"},
		),
		VenueLatencyP50: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{Name: "execcore_venue_latency_p50_ms", Help: "Rolling p50 latency per venue"},
			[]string{"venue"},
		),
		VenueLatencyP95: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{Name: "execcore_venue_latency_p95_ms", Help: "Rolling p95 latency per venue"},
			[]string{"venue"},
		),
		RouterSplitCount: prometheus.NewCounter(
			prometheus.CounterOpts{Name: "execcore_router_splits_total", Help: "Total orders split across more than one venue"},
		),
		RouterVenueShare: prometheus.NewCounterVec(
			prometheus.CounterOpts{Name: "execcore_router_venue_qty_total", Help: "Quantity routed to each venue"},
			[]string{"venue"},
		),
		AlgoSlicesEmitted: prometheus.NewCounterVec(
			prometheus.CounterOpts{Name: "execcore_algo_slices_emitted_total", Help: "Execution algorithm child slices emitted by algo type"},
			[]string{"algo"},
		),
		AlgoActive: prometheus.NewGauge(
			prometheus.GaugeOpts{Name: "execcore_algo_active", Help: "Number of currently active execution algorithms"},
		),
		ReconciliationCycles: prometheus.NewCounter(
			prometheus.CounterOpts{Name: "execcore_reconciliation_cycles_total", Help: "Total reconciliation cycles run"},
		),
		ReconciliationMismatches: prometheus.NewCounterVec(
			prometheus.CounterOpts{Name: "execcore_reconciliation_mismatches_total", Help: "Reconciliation mismatches by severity"},
			[]string{"severity"},
		),
		ReconciliationOrphans: prometheus.NewCounter(
			prometheus.CounterOpts{Name: "execcore_reconciliation_orphans_total", Help: "Total orphaned exchange orders detected"},
		),
		StrategiesFrozen: prometheus.NewGauge(
			prometheus.GaugeOpts{Name: "execcore_strategies_frozen", Help: "Number of strategies currently frozen due to repeated mismatches"},
		),
		PositionPnL: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{Name: "execcore_position_pnl", Help: "Realized plus unrealized PnL per venue/symbol"},
			[]string{"venue", "symbol", "kind"},
		),
	}

	reg.MustRegister(
		m.OrderLatency, m.OrdersPlaced, m.OrdersFilled, m.OrdersRejected, m.OrdersCancelled,
		m.AdapterRequests, m.AdapterRetries, m.AdapterFailures, m.CircuitState, m.CircuitRejections,
		m.VenueLatencyP50, m.VenueLatencyP95,
		m.RouterSplitCount, m.RouterVenueShare,
		m.AlgoSlicesEmitted, m.AlgoActive,
		m.ReconciliationCycles, m.ReconciliationMismatches, m.ReconciliationOrphans, m.StrategiesFrozen,
		m.PositionPnL,
	)
	return m
}

// OrderTimer tracks an in-flight order's round-trip latency.
type OrderTimer struct {
	m     *Registry
	venue string
	start time.Time
}

func (m *Registry) StartOrderTimer(venue string) *OrderTimer {
	return &OrderTimer{m: m, venue: venue, start: time.Now()}
}

// Stop records the elapsed latency and logs at debug level.
func (t *OrderTimer) Stop() {
	d := time.Since(t.start)
	t.m.OrderLatency.WithLabelValues(t.venue).Observe(float64(d.Milliseconds()))
	log.Debug().Str("venue", t.venue).Dur("latency", d).Msg("order round-trip recorded")
}

// RecordAdapterOutcome increments the adapter-request counter and, on
// failure, the failures counter.
func (m *Registry) RecordAdapterOutcome(venue, outcome string) {
	m.AdapterRequests.WithLabelValues(venue, outcome).Inc()
	if outcome == "failure" {
		m.AdapterFailures.WithLabelValues(venue).Inc()
		log.Warn().Str("venue", venue).Msg("adapter request failed")
	}
}

// SetCircuitState records the breaker's numeric state (0/1/2) for venue.
func (m *Registry) SetCircuitState(venue string, state int) {
	m.CircuitState.WithLabelValues(venue).Set(float64(state))
}

// SetVenueLatency records the rolling p50/p95 for venue, in milliseconds.
func (m *Registry) SetVenueLatency(venue string, p50Ms, p95Ms float64) {
	m.VenueLatencyP50.WithLabelValues(venue).Set(p50Ms)
	m.VenueLatencyP95.WithLabelValues(venue).Set(p95Ms)
}
