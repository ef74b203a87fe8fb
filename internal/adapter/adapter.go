// Package adapter defines the capability set every venue-specific client
// implements (spec.md §4.A, DESIGN NOTES "polymorphism over adapters"), and
// the downward interface the Account Reconciler consumes through
// non-owning handles.
package adapter

import (
	"context"

	"github.com/sawpanic/exec-core/internal/venue"
)

// Adapter is the bidirectional channel to one venue: authenticated REST,
// market data, and order lifecycle. The Resilient Adapter implements the
// same interface so the Coordinator can treat both uniformly.
type Adapter interface {
	Name() string
	Version() string

	Connect(ctx context.Context) error
	Disconnect(ctx context.Context) error
	IsConnected() bool

	PlaceOrder(ctx context.Context, req venue.PlaceOrderRequest) (venue.ExecutionReport, error)
	CancelOrder(ctx context.Context, req venue.CancelOrderRequest) (venue.ExecutionReport, error)
	GetOrder(ctx context.Context, symbol venue.SymbolId, clientOrderID string) (venue.ExecutionReport, error)
	QueryOpenOrders(ctx context.Context, symbol venue.SymbolId) ([]venue.ExecutionReport, error)
	QueryOrdersInWindow(ctx context.Context, symbol venue.SymbolId, startMs, endMs int64) ([]venue.ExecutionReport, error)
	CancelOrderByID(ctx context.Context, symbol venue.SymbolId, clientOrderID string) error

	GetCurrentPrice(ctx context.Context, symbol venue.SymbolId) (float64, error)
	GetOrderBook(ctx context.Context, symbol venue.SymbolId, depth int) (venue.DepthSnapshot, error)
	GetRecentTrades(ctx context.Context, symbol venue.SymbolId, limit int) ([]venue.Trade, error)
	GetAccountBalance(ctx context.Context) ([]venue.Balance, error)
}

// ReconciliationQueryInterface is the non-owning, read/cancel-only surface
// the Account Reconciler holds. Any Adapter satisfies it; the Coordinator
// hands out the adapter itself (Go interfaces are reference-like), and the
// reconciler never calls PlaceOrder through it.
type ReconciliationQueryInterface interface {
	QueryOpenOrders(ctx context.Context, symbol venue.SymbolId) ([]venue.ExecutionReport, error)
	QueryOrdersInWindow(ctx context.Context, symbol venue.SymbolId, startMs, endMs int64) ([]venue.ExecutionReport, error)
	CancelOrderByID(ctx context.Context, symbol venue.SymbolId, clientOrderID string) error
}

// TryPlaceOrder is the thin, non-blocking wrapper spec.md §4.A calls for:
// "synchronous adapter entry points that require suspension are defined to
// return none rather than block indefinitely." It attempts PlaceOrder on a
// background goroutine and returns immediately with ok=false if the result
// is not yet available.
func TryPlaceOrder(a Adapter, req venue.PlaceOrderRequest) (report venue.ExecutionReport, ok bool) {
	ch := make(chan venue.ExecutionReport, 1)
	go func() {
		r, err := a.PlaceOrder(context.Background(), req)
		if err == nil {
			ch <- r
		} else {
			close(ch)
		}
	}()
	select {
	case r, opened := <-ch:
		if !opened {
			return venue.ExecutionReport{}, false
		}
		return r, true
	default:
		return venue.ExecutionReport{}, false
	}
}
