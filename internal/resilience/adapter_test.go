package resilience

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/sawpanic/exec-core/internal/venue"
)

// fakeAdapter is a minimal adapter.Adapter stub whose PlaceOrder behavior is
// controlled by a test-supplied function, letting us drive the retry and
// circuit-breaker paths deterministically.
type fakeAdapter struct {
	calls    atomic.Int32
	place    func(n int32) (venue.ExecutionReport, error)
	connected bool
}

func (f *fakeAdapter) Name() string    { return "fake" }
func (f *fakeAdapter) Version() string { return "1" }

func (f *fakeAdapter) Connect(ctx context.Context) error    { f.connected = true; return nil }
func (f *fakeAdapter) Disconnect(ctx context.Context) error { f.connected = false; return nil }
func (f *fakeAdapter) IsConnected() bool                    { return f.connected }

func (f *fakeAdapter) PlaceOrder(ctx context.Context, req venue.PlaceOrderRequest) (venue.ExecutionReport, error) {
	n := f.calls.Add(1)
	return f.place(n)
}
func (f *fakeAdapter) CancelOrder(ctx context.Context, req venue.CancelOrderRequest) (venue.ExecutionReport, error) {
	return venue.ExecutionReport{}, nil
}
func (f *fakeAdapter) CancelOrderByID(ctx context.Context, symbol venue.SymbolId, clientOrderID string) error {
	return nil
}
func (f *fakeAdapter) GetOrder(ctx context.Context, symbol venue.SymbolId, clientOrderID string) (venue.ExecutionReport, error) {
	return venue.ExecutionReport{}, nil
}
func (f *fakeAdapter) QueryOpenOrders(ctx context.Context, symbol venue.SymbolId) ([]venue.ExecutionReport, error) {
	return nil, nil
}
func (f *fakeAdapter) QueryOrdersInWindow(ctx context.Context, symbol venue.SymbolId, startMs, endMs int64) ([]venue.ExecutionReport, error) {
	return nil, nil
}
func (f *fakeAdapter) GetCurrentPrice(ctx context.Context, symbol venue.SymbolId) (float64, error) {
	return 0, nil
}
func (f *fakeAdapter) GetOrderBook(ctx context.Context, symbol venue.SymbolId, depth int) (venue.DepthSnapshot, error) {
	return venue.DepthSnapshot{}, nil
}
func (f *fakeAdapter) GetRecentTrades(ctx context.Context, symbol venue.SymbolId, limit int) ([]venue.Trade, error) {
	return nil, nil
}
func (f *fakeAdapter) GetAccountBalance(ctx context.Context) ([]venue.Balance, error) {
	return nil, nil
}

func fastConfig() Config {
	cfg := DefaultConfig()
	cfg.Retry.InitialDelay = time.Millisecond
	cfg.Retry.MaxDelay = 5 * time.Millisecond
	cfg.Retry.Jitter = 0
	cfg.RPS = 1000
	cfg.Burst = 1000
	return cfg
}

func TestResilientAdapterNamePrefixed(t *testing.T) {
	inner := &fakeAdapter{place: func(n int32) (venue.ExecutionReport, error) { return venue.ExecutionReport{}, nil }}
	r := Wrap(inner, fastConfig())
	if r.Name() != "resilient_fake" {
		t.Errorf("Name() = %q, want resilient_fake", r.Name())
	}
}

func TestResilientAdapterRetriesNetworkErrorThenSucceeds(t *testing.T) {
	inner := &fakeAdapter{place: func(n int32) (venue.ExecutionReport, error) {
		if n < 3 {
			return venue.ExecutionReport{}, venue.ErrNetwork
		}
		return venue.ExecutionReport{Status: venue.StatusAccepted}, nil
	}}
	r := Wrap(inner, fastConfig())

	report, err := r.PlaceOrder(context.Background(), venue.PlaceOrderRequest{})
	if err != nil {
		t.Fatalf("expected eventual success, got %v", err)
	}
	if report.Status != venue.StatusAccepted {
		t.Errorf("status = %v, want accepted", report.Status)
	}
	stats := r.Stats()
	if stats.Retried == 0 {
		t.Error("expected at least one retry to be counted")
	}
	if stats.Successful != 1 {
		t.Errorf("successful = %d, want 1", stats.Successful)
	}
}

func TestResilientAdapterDoesNotRetryValidationError(t *testing.T) {
	inner := &fakeAdapter{place: func(n int32) (venue.ExecutionReport, error) {
		return venue.ExecutionReport{}, venue.ErrValidation
	}}
	r := Wrap(inner, fastConfig())

	_, err := r.PlaceOrder(context.Background(), venue.PlaceOrderRequest{})
	if !errors.Is(err, venue.ErrValidation) {
		t.Fatalf("expected ErrValidation, got %v", err)
	}
	if inner.calls.Load() != 1 {
		t.Errorf("validation errors must not be retried, got %d calls", inner.calls.Load())
	}
}

func TestHealthReflectsConnectionAndCircuitState(t *testing.T) {
	inner := &fakeAdapter{connected: true, place: func(n int32) (venue.ExecutionReport, error) {
		return venue.ExecutionReport{}, nil
	}}
	r := Wrap(inner, fastConfig())

	h := r.Health()
	if !h.Connected || h.Circuit != StateClosed || h.Venue != "fake" {
		t.Errorf("unexpected health report: %+v", h)
	}
}

func TestResilientAdapterOpensCircuitAfterConsecutiveFailures(t *testing.T) {
	inner := &fakeAdapter{place: func(n int32) (venue.ExecutionReport, error) {
		return venue.ExecutionReport{}, venue.ErrNetwork
	}}
	cfg := fastConfig()
	cfg.Retry.MaxRetries = 0
	cfg.Breaker.FailureThreshold = 2
	r := Wrap(inner, cfg)

	for i := 0; i < 2; i++ {
		if _, err := r.PlaceOrder(context.Background(), venue.PlaceOrderRequest{}); err == nil {
			t.Fatal("expected failure")
		}
	}
	if r.CircuitState() != StateOpen {
		t.Fatalf("circuit state = %v, want open", r.CircuitState())
	}

	callsBefore := inner.calls.Load()
	_, err := r.PlaceOrder(context.Background(), venue.PlaceOrderRequest{})
	if !errors.Is(err, venue.ErrCircuitOpen) {
		t.Fatalf("expected ErrCircuitOpen while breaker is open, got %v", err)
	}
	if inner.calls.Load() != callsBefore {
		t.Error("inner adapter must not be called while circuit is open")
	}
	if r.Stats().CircuitBreakerRejections == 0 {
		t.Error("expected circuit_breaker_rejections to be counted")
	}
}
