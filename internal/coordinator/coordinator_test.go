package coordinator

import (
	"context"
	"testing"

	"github.com/sawpanic/exec-core/internal/router"
	"github.com/sawpanic/exec-core/internal/venue"
)

type stubAdapter struct {
	name      string
	connected bool
	onPlace   func(req venue.PlaceOrderRequest) (venue.ExecutionReport, error)
}

func (s *stubAdapter) Name() string    { return s.name }
func (s *stubAdapter) Version() string { return "stub" }
func (s *stubAdapter) Connect(ctx context.Context) error    { s.connected = true; return nil }
func (s *stubAdapter) Disconnect(ctx context.Context) error { s.connected = false; return nil }
func (s *stubAdapter) IsConnected() bool                    { return s.connected }

func (s *stubAdapter) PlaceOrder(ctx context.Context, req venue.PlaceOrderRequest) (venue.ExecutionReport, error) {
	return s.onPlace(req)
}
func (s *stubAdapter) CancelOrder(ctx context.Context, req venue.CancelOrderRequest) (venue.ExecutionReport, error) {
	return venue.ExecutionReport{Symbol: req.Symbol, ClientOrderID: req.ClientOrderID, Status: venue.StatusCanceled}, nil
}
func (s *stubAdapter) CancelOrderByID(ctx context.Context, symbol venue.SymbolId, clientOrderID string) error {
	return nil
}
func (s *stubAdapter) GetOrder(ctx context.Context, symbol venue.SymbolId, clientOrderID string) (venue.ExecutionReport, error) {
	return venue.ExecutionReport{}, nil
}
func (s *stubAdapter) QueryOpenOrders(ctx context.Context, symbol venue.SymbolId) ([]venue.ExecutionReport, error) {
	return nil, nil
}
func (s *stubAdapter) QueryOrdersInWindow(ctx context.Context, symbol venue.SymbolId, startMs, endMs int64) ([]venue.ExecutionReport, error) {
	return nil, nil
}
func (s *stubAdapter) GetCurrentPrice(ctx context.Context, symbol venue.SymbolId) (float64, error) {
	return 0, nil
}
func (s *stubAdapter) GetOrderBook(ctx context.Context, symbol venue.SymbolId, depth int) (venue.DepthSnapshot, error) {
	return venue.DepthSnapshot{}, nil
}
func (s *stubAdapter) GetRecentTrades(ctx context.Context, symbol venue.SymbolId, limit int) ([]venue.Trade, error) {
	return nil, nil
}
func (s *stubAdapter) GetAccountBalance(ctx context.Context) ([]venue.Balance, error) {
	return nil, nil
}

func TestPlaceOrderBestPriceRoutesToBestAsk(t *testing.T) {
	c := New()
	binance := &stubAdapter{name: "binance", connected: true, onPlace: func(req venue.PlaceOrderRequest) (venue.ExecutionReport, error) {
		return venue.ExecutionReport{Symbol: req.Symbol, ClientOrderID: req.ClientOrderID, Venue: venue.Binance, Status: venue.StatusAccepted}, nil
	}}
	okx := &stubAdapter{name: "okx", connected: true, onPlace: func(req venue.PlaceOrderRequest) (venue.ExecutionReport, error) {
		return venue.ExecutionReport{Symbol: req.Symbol, ClientOrderID: req.ClientOrderID, Venue: venue.OKX, Status: venue.StatusAccepted}, nil
	}}
	c.RegisterAdapter(venue.Binance, binance, 1)
	c.RegisterAdapter(venue.OKX, okx, 1)

	c.OnMarketData("BTCUSDT", venue.VenueBBO{Venue: venue.Binance, BidPrice: 100, AskPrice: 101})
	c.OnMarketData("BTCUSDT", venue.VenueBBO{Venue: venue.OKX, BidPrice: 100, AskPrice: 100.5})

	report, err := c.PlaceOrder(context.Background(), venue.PlaceOrderRequest{
		Symbol: "BTCUSDT", Side: venue.Buy, Type: venue.Market, Qty: 1, ClientOrderID: "id-1",
	}, nil)
	if err != nil {
		t.Fatalf("PlaceOrder: %v", err)
	}
	if report.Venue != venue.OKX {
		t.Errorf("expected best-ask venue OKX, got %v", report.Venue)
	}
}

func TestPlaceOrderExplicitVenueBypassesRouting(t *testing.T) {
	c := New()
	binance := &stubAdapter{name: "binance", connected: true, onPlace: func(req venue.PlaceOrderRequest) (venue.ExecutionReport, error) {
		return venue.ExecutionReport{Symbol: req.Symbol, ClientOrderID: req.ClientOrderID, Venue: venue.Binance, Status: venue.StatusAccepted}, nil
	}}
	c.RegisterAdapter(venue.Binance, binance, 1)

	explicit := venue.Binance
	report, err := c.PlaceOrder(context.Background(), venue.PlaceOrderRequest{
		Symbol: "BTCUSDT", Side: venue.Buy, Type: venue.Market, Qty: 1, ClientOrderID: "id-2",
	}, &explicit)
	if err != nil {
		t.Fatalf("PlaceOrder: %v", err)
	}
	if report.Venue != venue.Binance {
		t.Errorf("expected explicit venue binance, got %v", report.Venue)
	}
}

func TestObserveReportIgnoresOutOfOrderRegression(t *testing.T) {
	c := New()
	var received []venue.ExecutionReport
	c.SubscribeExecutions(func(r venue.ExecutionReport) { received = append(received, r) })

	c.observeReport(venue.ExecutionReport{ClientOrderID: "id-3", Status: venue.StatusFilled})
	c.observeReport(venue.ExecutionReport{ClientOrderID: "id-3", Status: venue.StatusAccepted})

	if len(received) != 1 {
		t.Fatalf("expected the regressive update to be dropped, got %d callbacks", len(received))
	}
	if received[0].Status != venue.StatusFilled {
		t.Errorf("expected status to remain Filled, got %v", received[0].Status)
	}
}

func TestRoundRobinCyclesRegistrationOrder(t *testing.T) {
	c := New()
	c.SetRoutingStrategy(RoundRobin)
	a1 := &stubAdapter{name: "a1", connected: true, onPlace: func(req venue.PlaceOrderRequest) (venue.ExecutionReport, error) {
		return venue.ExecutionReport{Venue: venue.Binance, ClientOrderID: req.ClientOrderID, Status: venue.StatusAccepted}, nil
	}}
	a2 := &stubAdapter{name: "a2", connected: true, onPlace: func(req venue.PlaceOrderRequest) (venue.ExecutionReport, error) {
		return venue.ExecutionReport{Venue: venue.OKX, ClientOrderID: req.ClientOrderID, Status: venue.StatusAccepted}, nil
	}}
	c.RegisterAdapter(venue.Binance, a1, 1)
	c.RegisterAdapter(venue.OKX, a2, 1)

	var venues []venue.Venue
	for i := 0; i < 4; i++ {
		r, err := c.PlaceOrder(context.Background(), venue.PlaceOrderRequest{
			Symbol: "BTCUSDT", Side: venue.Buy, Type: venue.Market, Qty: 1, ClientOrderID: "rr-" + string(rune('a'+i)),
		}, nil)
		if err != nil {
			t.Fatalf("PlaceOrder: %v", err)
		}
		venues = append(venues, r.Venue)
	}
	want := []venue.Venue{venue.Binance, venue.OKX, venue.Binance, venue.OKX}
	for i, v := range venues {
		if v != want[i] {
			t.Errorf("round %d: got %v, want %v", i, v, want[i])
		}
	}
}

func TestSmartRouteSplitsAcrossVenuesAndAppliesFills(t *testing.T) {
	c := New()
	var placedQty []float64
	binance := &stubAdapter{name: "binance", connected: true, onPlace: func(req venue.PlaceOrderRequest) (venue.ExecutionReport, error) {
		placedQty = append(placedQty, req.Qty)
		return venue.ExecutionReport{Symbol: req.Symbol, ClientOrderID: req.ClientOrderID, Venue: venue.Binance, Status: venue.StatusFilled, LastFillQty: req.Qty, LastFillPrice: 100}, nil
	}}
	okx := &stubAdapter{name: "okx", connected: true, onPlace: func(req venue.PlaceOrderRequest) (venue.ExecutionReport, error) {
		placedQty = append(placedQty, req.Qty)
		return venue.ExecutionReport{Symbol: req.Symbol, ClientOrderID: req.ClientOrderID, Venue: venue.OKX, Status: venue.StatusFilled, LastFillQty: req.Qty, LastFillPrice: 100}, nil
	}}
	c.RegisterAdapter(venue.Binance, binance, 1)
	c.RegisterAdapter(venue.OKX, okx, 1)
	c.OnMarketData("BTCUSDT", venue.VenueBBO{Venue: venue.Binance, BidPrice: 100, AskPrice: 100, AskQty: 100})
	c.OnMarketData("BTCUSDT", venue.VenueBBO{Venue: venue.OKX, BidPrice: 100, AskPrice: 100, AskQty: 100})

	var filled []venue.ExecutionReport
	c.SubscribeExecutions(func(r venue.ExecutionReport) { filled = append(filled, r) })

	r := router.New(router.DefaultWeights())
	result, err := c.SmartRoute(context.Background(), r, venue.PlaceOrderRequest{
		Symbol: "BTCUSDT", Side: venue.Buy, Type: venue.Market, Qty: 10, ClientOrderID: "smart-1",
	}, 0.6, nil)
	if err != nil {
		t.Fatalf("SmartRoute: %v", err)
	}
	if len(result.Children) != 2 {
		t.Fatalf("expected 2 child orders across 2 venues, got %d", len(result.Children))
	}
	var total float64
	for _, qty := range placedQty {
		total += qty
	}
	if total != 10 {
		t.Errorf("total routed qty = %v, want 10", total)
	}
	if len(filled) != 2 {
		t.Errorf("expected both child fills to reach the execution callback, got %d", len(filled))
	}
}
