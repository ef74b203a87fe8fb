package resilience

import (
	"context"
	"errors"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/sawpanic/exec-core/internal/adapter"
	"github.com/sawpanic/exec-core/internal/venue"
)

// Config bundles the policies the Resilient Adapter layers over an inner
// adapter.Adapter: retry, circuit breaking, and per-venue rate limiting.
type Config struct {
	Retry   RetryConfig
	Breaker BreakerConfig
	RPS     float64
	Burst   int
}

// DefaultConfig matches spec.md §3's suggested defaults: 5 consecutive
// failures trips the breaker, 2 consecutive half-open successes closes it,
// a 30s cool-down, and a conservative 10rps/20-burst limiter.
func DefaultConfig() Config {
	return Config{
		Retry: DefaultRetryConfig(),
		Breaker: BreakerConfig{
			FailureThreshold: 5,
			SuccessThreshold: 2,
			CircuitTimeout:   30 * time.Second,
		},
		RPS:   10,
		Burst: 20,
	}
}

// Stats are the monotonically increasing counters spec.md §4.B requires.
// Callers read them as a snapshot from Adapter.Stats; they never touch the
// underlying atomics.
type Stats struct {
	TotalRequests            uint64
	Successful                uint64
	Failed                    uint64
	Retried                   uint64
	CircuitBreakerRejections  uint64
}

// Adapter wraps an inner adapter.Adapter with retry, a circuit breaker, a
// rate limiter, and request counters, grounded on infra/breakers.go +
// internal/net/ratelimit/limiter.go. Composition order: an up-front circuit
// check, then the retry loop; every attempt inside the loop waits on the
// rate limiter and then runs the inner call through the circuit breaker.
type Adapter struct {
	inner adapter.Adapter
	name  string

	breaker *breaker
	limiter *hostLimiter
	cfg     Config
	log     zerolog.Logger

	totalRequests           atomic.Uint64
	successful              atomic.Uint64
	failed                  atomic.Uint64
	retried                 atomic.Uint64
	circuitBreakerRejections atomic.Uint64
}

// Wrap constructs a Resilient Adapter around inner using cfg's policies.
func Wrap(inner adapter.Adapter, cfg Config) *Adapter {
	return &Adapter{
		inner:   inner,
		name:    inner.Name(),
		breaker: newBreaker(inner.Name(), cfg.Breaker),
		limiter: newHostLimiter(cfg.RPS, cfg.Burst),
		cfg:     cfg,
		log:     log.With().Str("resilient_venue", inner.Name()).Logger(),
	}
}

func (a *Adapter) Name() string    { return "resilient_" + a.inner.Name() }
func (a *Adapter) Version() string { return a.inner.Version() }

func (a *Adapter) Connect(ctx context.Context) error    { return a.inner.Connect(ctx) }
func (a *Adapter) Disconnect(ctx context.Context) error { return a.inner.Disconnect(ctx) }
func (a *Adapter) IsConnected() bool                    { return a.inner.IsConnected() }

// Stats returns a point-in-time snapshot of the request counters.
func (a *Adapter) Stats() Stats {
	return Stats{
		TotalRequests:            a.totalRequests.Load(),
		Successful:               a.successful.Load(),
		Failed:                   a.failed.Load(),
		Retried:                  a.retried.Load(),
		CircuitBreakerRejections: a.circuitBreakerRejections.Load(),
	}
}

// CircuitState exposes the breaker's current state for health reporting.
func (a *Adapter) CircuitState() CircuitState { return a.breaker.state() }

// Healthy reports spec.md §4.B's health check: connected, circuit not
// Open, and (when a latency source is wired by the caller) fresh latency
// stats — freshness itself is judged by the caller via the LatencyTracker,
// since this type has no latency dependency of its own.
func (a *Adapter) Healthy() bool {
	return a.inner.IsConnected() && a.breaker.state() != StateOpen
}

// HealthReport rolls connectivity, circuit state, and request counters into
// one queryable struct, mirroring the teacher's guards.ProviderHealth
// snapshot. It carries no latency data, and the Coordinator's
// GetExchangeStatus does not read it.
type HealthReport struct {
	Venue       string
	Connected   bool
	Circuit     CircuitState
	Stats       Stats
}

// Health returns a point-in-time HealthReport for this adapter.
func (a *Adapter) Health() HealthReport {
	return HealthReport{
		Venue:     a.inner.Name(),
		Connected: a.inner.IsConnected(),
		Circuit:   a.breaker.state(),
		Stats:     a.Stats(),
	}
}

// isRetryable matches spec.md §4.A: Network and RateLimited failures retry
// at this layer; CircuitOpen, validation, auth and venue-reject do not.
func isRetryable(err error) bool {
	return errors.Is(err, venue.ErrNetwork) || errors.Is(err, venue.ErrRateLimited)
}

// call rejects fn outright when the circuit is Open; otherwise it runs fn
// in the retry loop, each attempt waiting on the rate limiter and then
// passing through the circuit breaker. The total/successful/failed counters
// move exactly once per logical request; retried counts each retry.
func (a *Adapter) call(ctx context.Context, fn func(ctx context.Context) error) error {
	a.totalRequests.Add(1)

	if a.breaker.state() == StateOpen {
		a.circuitBreakerRejections.Add(1)
		a.failed.Add(1)
		return venue.ErrCircuitOpen
	}

	attempted := false
	err := retryLoop(ctx, a.cfg.Retry, isRetryable, func(ctx context.Context) error {
		if attempted {
			a.retried.Add(1)
		}
		attempted = true

		if waitErr := a.limiter.wait(ctx); waitErr != nil {
			return waitErr
		}
		_, execErr := a.breaker.execute(func() (any, error) {
			return nil, fn(ctx)
		})
		if isOpenStateErr(execErr) {
			return venue.ErrCircuitOpen
		}
		return execErr
	})

	if err != nil {
		a.failed.Add(1)
		if errors.Is(err, venue.ErrCircuitOpen) {
			a.circuitBreakerRejections.Add(1)
		}
		return err
	}
	a.successful.Add(1)
	return nil
}

func (a *Adapter) PlaceOrder(ctx context.Context, req venue.PlaceOrderRequest) (venue.ExecutionReport, error) {
	var report venue.ExecutionReport
	err := a.call(ctx, func(ctx context.Context) error {
		var innerErr error
		report, innerErr = a.inner.PlaceOrder(ctx, req)
		return innerErr
	})
	return report, err
}

func (a *Adapter) CancelOrder(ctx context.Context, req venue.CancelOrderRequest) (venue.ExecutionReport, error) {
	var report venue.ExecutionReport
	err := a.call(ctx, func(ctx context.Context) error {
		var innerErr error
		report, innerErr = a.inner.CancelOrder(ctx, req)
		return innerErr
	})
	return report, err
}

func (a *Adapter) CancelOrderByID(ctx context.Context, symbol venue.SymbolId, clientOrderID string) error {
	return a.call(ctx, func(ctx context.Context) error {
		return a.inner.CancelOrderByID(ctx, symbol, clientOrderID)
	})
}

func (a *Adapter) GetOrder(ctx context.Context, symbol venue.SymbolId, clientOrderID string) (venue.ExecutionReport, error) {
	var report venue.ExecutionReport
	err := a.call(ctx, func(ctx context.Context) error {
		var innerErr error
		report, innerErr = a.inner.GetOrder(ctx, symbol, clientOrderID)
		return innerErr
	})
	return report, err
}

func (a *Adapter) QueryOpenOrders(ctx context.Context, symbol venue.SymbolId) ([]venue.ExecutionReport, error) {
	var reports []venue.ExecutionReport
	err := a.call(ctx, func(ctx context.Context) error {
		var innerErr error
		reports, innerErr = a.inner.QueryOpenOrders(ctx, symbol)
		return innerErr
	})
	return reports, err
}

func (a *Adapter) QueryOrdersInWindow(ctx context.Context, symbol venue.SymbolId, startMs, endMs int64) ([]venue.ExecutionReport, error) {
	var reports []venue.ExecutionReport
	err := a.call(ctx, func(ctx context.Context) error {
		var innerErr error
		reports, innerErr = a.inner.QueryOrdersInWindow(ctx, symbol, startMs, endMs)
		return innerErr
	})
	return reports, err
}

func (a *Adapter) GetCurrentPrice(ctx context.Context, symbol venue.SymbolId) (float64, error) {
	var price float64
	err := a.call(ctx, func(ctx context.Context) error {
		var innerErr error
		price, innerErr = a.inner.GetCurrentPrice(ctx, symbol)
		return innerErr
	})
	return price, err
}

func (a *Adapter) GetOrderBook(ctx context.Context, symbol venue.SymbolId, depth int) (venue.DepthSnapshot, error) {
	var snap venue.DepthSnapshot
	err := a.call(ctx, func(ctx context.Context) error {
		var innerErr error
		snap, innerErr = a.inner.GetOrderBook(ctx, symbol, depth)
		return innerErr
	})
	return snap, err
}

func (a *Adapter) GetRecentTrades(ctx context.Context, symbol venue.SymbolId, limit int) ([]venue.Trade, error) {
	var trades []venue.Trade
	err := a.call(ctx, func(ctx context.Context) error {
		var innerErr error
		trades, innerErr = a.inner.GetRecentTrades(ctx, symbol, limit)
		return innerErr
	})
	return trades, err
}

func (a *Adapter) GetAccountBalance(ctx context.Context) ([]venue.Balance, error) {
	var balances []venue.Balance
	err := a.call(ctx, func(ctx context.Context) error {
		var innerErr error
		balances, innerErr = a.inner.GetAccountBalance(ctx)
		return innerErr
	})
	return balances, err
}
