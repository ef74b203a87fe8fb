package okx

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/sawpanic/exec-core/internal/venue"
)

const (
	liveBaseURL    = "https://www.okx.com"
	defaultTimeout = 30 * time.Second
)

// Config holds OKX-specific adapter configuration.
type Config struct {
	APIKey     string
	APISecret  string
	Passphrase string
	Demo       bool // demo trading: adds x-simulated-trading: 1
	BaseURL    string
	Timeout    time.Duration
	Category   venue.Category // unused for OKX; present for interface symmetry with Bybit
}

// Adapter is the OKX venue adapter.
type Adapter struct {
	cfg        Config
	httpClient *http.Client
	connected  atomic.Bool
	log        zerolog.Logger

	mu     sync.Mutex
	orders map[string]venue.ExecutionReport
}

func New(cfg Config) *Adapter {
	if cfg.BaseURL == "" {
		cfg.BaseURL = liveBaseURL
	}
	if cfg.Timeout == 0 {
		cfg.Timeout = defaultTimeout
	}
	return &Adapter{
		cfg:        cfg,
		httpClient: &http.Client{Timeout: cfg.Timeout},
		log:        log.With().Str("venue", "okx").Bool("demo", cfg.Demo).Logger(),
		orders:     make(map[string]venue.ExecutionReport),
	}
}

func (a *Adapter) Name() string    { return "okx" }
func (a *Adapter) Version() string { return "v5" }

func (a *Adapter) Connect(ctx context.Context) error {
	a.connected.Store(true)
	a.log.Info().Msg("connected")
	return nil
}
func (a *Adapter) Disconnect(ctx context.Context) error {
	a.connected.Store(false)
	return nil
}
func (a *Adapter) IsConnected() bool { return a.connected.Load() }

func (a *Adapter) request(ctx context.Context, method, path string, body any) ([]byte, error) {
	var bodyBytes []byte
	if body != nil {
		var err error
		bodyBytes, err = json.Marshal(body)
		if err != nil {
			return nil, fmt.Errorf("%w: marshaling body: %v", venue.ErrValidation, err)
		}
	}
	ts := isoTimestamp(time.Now())
	ph := prehash(ts, method, path, string(bodyBytes))
	sig := sign(a.cfg.APISecret, ph)

	u := a.cfg.BaseURL + path
	var reader io.Reader
	if len(bodyBytes) > 0 {
		reader = strings.NewReader(string(bodyBytes))
	}
	req, err := http.NewRequestWithContext(ctx, method, u, reader)
	if err != nil {
		return nil, fmt.Errorf("%w: building request: %v", venue.ErrValidation, err)
	}
	req.Header.Set("OK-ACCESS-KEY", a.cfg.APIKey)
	req.Header.Set("OK-ACCESS-SIGN", sig)
	req.Header.Set("OK-ACCESS-TIMESTAMP", ts)
	req.Header.Set("OK-ACCESS-PASSPHRASE", a.cfg.Passphrase)
	req.Header.Set("Content-Type", "application/json")
	if a.cfg.Demo {
		req.Header.Set("x-simulated-trading", "1")
	}

	resp, err := a.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", venue.ErrNetwork, err)
	}
	defer resp.Body.Close()
	raw, _ := io.ReadAll(resp.Body)
	if resp.StatusCode/100 != 2 {
		switch venue.ClassifyHTTPStatus(resp.StatusCode) {
		case venue.FailureRateLimited:
			return nil, &venue.RateLimitedError{}
		case venue.FailureFatal:
			if resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden {
				return nil, fmt.Errorf("%w: okx rejected credentials", venue.ErrAuthError)
			}
			return nil, fmt.Errorf("%w: okx %s %s -> %d", venue.ErrValidation, method, path, resp.StatusCode)
		default:
			return nil, fmt.Errorf("%w: okx %s %s -> %d", venue.ErrNetwork, method, path, resp.StatusCode)
		}
	}
	return raw, nil
}

type okxEnvelope struct {
	Code string            `json:"code"`
	Msg  string            `json:"msg"`
	Data []json.RawMessage `json:"data"`
}

type okxOrderData struct {
	OrdID   string `json:"ordId"`
	ClOrdID string `json:"clOrdId"`
	State   string `json:"state"`
	FillSz  string `json:"fillSz"`
	FillPx  string `json:"fillPx"`
	UTime   string `json:"uTime"`
}

func mapState(s string) venue.OrderStatus {
	switch s {
	case "live":
		return venue.StatusAccepted
	case "partially_filled":
		return venue.StatusPartiallyFilled
	case "filled":
		return venue.StatusFilled
	case "canceled":
		return venue.StatusCanceled
	default:
		return venue.StatusNew
	}
}

func reportFromOrderData(symbol venue.SymbolId, o okxOrderData, recvNs int64) venue.ExecutionReport {
	filled, _ := strconv.ParseFloat(o.FillSz, 64)
	price, _ := strconv.ParseFloat(o.FillPx, 64)
	exTs, _ := strconv.ParseInt(o.UTime, 10, 64)
	return venue.ExecutionReport{
		Symbol:        symbol,
		ClientOrderID: o.ClOrdID,
		VenueOrderID:  o.OrdID,
		Venue:         venue.OKX,
		Status:        mapState(o.State),
		LastFillQty:   filled,
		LastFillPrice: price,
		TsExchangeNs:  exTs * int64(time.Millisecond),
		TsRecvNs:      recvNs,
	}
}

func (a *Adapter) PlaceOrder(ctx context.Context, req venue.PlaceOrderRequest) (venue.ExecutionReport, error) {
	if err := req.Validate(); err != nil {
		return venue.ExecutionReport{}, err
	}
	recvNs := time.Now().UnixNano()
	body := map[string]string{
		"instId":  toWireSymbol(string(req.Symbol)),
		"tdMode":  "cash",
		"side":    strings.ToLower(req.Side.String()),
		"ordType": mapOrderType(req.Type),
		"sz":      strconv.FormatFloat(req.Qty, 'f', -1, 64),
		"clOrdId": req.ClientOrderID,
	}
	if req.Price != nil {
		body["px"] = strconv.FormatFloat(*req.Price, 'f', -1, 64)
	}
	raw, err := a.request(ctx, http.MethodPost, "/api/v5/trade/order", body)
	if err != nil {
		return venue.ExecutionReport{}, err
	}
	var env okxEnvelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return venue.ExecutionReport{}, fmt.Errorf("%w: decoding response: %v", venue.ErrNetwork, err)
	}
	if env.Code != "0" || len(env.Data) == 0 {
		return venue.ExecutionReport{
			Symbol: req.Symbol, ClientOrderID: req.ClientOrderID, Venue: venue.OKX,
			Status: venue.StatusRejected, Reason: env.Msg, TsRecvNs: recvNs,
		}, nil
	}
	var o okxOrderData
	_ = json.Unmarshal(env.Data[0], &o)
	o.ClOrdID = req.ClientOrderID
	report := reportFromOrderData(req.Symbol, o, recvNs)
	if report.Status == venue.StatusNew {
		report.Status = venue.StatusAccepted
	}
	a.remember(report)
	return report, nil
}

func mapOrderType(t venue.OrderType) string {
	switch t {
	case venue.Market:
		return "market"
	case venue.Limit:
		return "limit"
	default:
		return "market"
	}
}

func (a *Adapter) remember(r venue.ExecutionReport) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.orders[r.ClientOrderID] = r
}

func (a *Adapter) CancelOrder(ctx context.Context, req venue.CancelOrderRequest) (venue.ExecutionReport, error) {
	body := map[string]string{
		"instId":  toWireSymbol(string(req.Symbol)),
		"clOrdId": req.ClientOrderID,
	}
	raw, err := a.request(ctx, http.MethodPost, "/api/v5/trade/cancel-order", body)
	if err != nil {
		return venue.ExecutionReport{}, err
	}
	var env okxEnvelope
	_ = json.Unmarshal(raw, &env)
	report := venue.ExecutionReport{
		Symbol: req.Symbol, ClientOrderID: req.ClientOrderID, Venue: venue.OKX,
		Status: venue.StatusCanceled, TsRecvNs: time.Now().UnixNano(),
	}
	a.remember(report)
	return report, nil
}

func (a *Adapter) CancelOrderByID(ctx context.Context, symbol venue.SymbolId, clientOrderID string) error {
	_, err := a.CancelOrder(ctx, venue.CancelOrderRequest{Symbol: symbol, ClientOrderID: clientOrderID})
	return err
}

func (a *Adapter) GetOrder(ctx context.Context, symbol venue.SymbolId, clientOrderID string) (venue.ExecutionReport, error) {
	path := fmt.Sprintf("/api/v5/trade/order?instId=%s&clOrdId=%s", toWireSymbol(string(symbol)), clientOrderID)
	raw, err := a.request(ctx, http.MethodGet, path, nil)
	if err != nil {
		return venue.ExecutionReport{}, err
	}
	var env okxEnvelope
	if err := json.Unmarshal(raw, &env); err != nil || len(env.Data) == 0 {
		return venue.ExecutionReport{}, fmt.Errorf("%w: order not found", venue.ErrNetwork)
	}
	var o okxOrderData
	_ = json.Unmarshal(env.Data[0], &o)
	return reportFromOrderData(symbol, o, time.Now().UnixNano()), nil
}

func (a *Adapter) QueryOpenOrders(ctx context.Context, symbol venue.SymbolId) ([]venue.ExecutionReport, error) {
	path := fmt.Sprintf("/api/v5/trade/orders-pending?instId=%s", toWireSymbol(string(symbol)))
	raw, err := a.request(ctx, http.MethodGet, path, nil)
	if err != nil {
		return nil, err
	}
	var env okxEnvelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return nil, fmt.Errorf("%w: decoding open orders: %v", venue.ErrNetwork, err)
	}
	out := make([]venue.ExecutionReport, 0, len(env.Data))
	recvNs := time.Now().UnixNano()
	for _, raw := range env.Data {
		var o okxOrderData
		_ = json.Unmarshal(raw, &o)
		out = append(out, reportFromOrderData(symbol, o, recvNs))
	}
	return out, nil
}

func (a *Adapter) QueryOrdersInWindow(ctx context.Context, symbol venue.SymbolId, startMs, endMs int64) ([]venue.ExecutionReport, error) {
	path := fmt.Sprintf("/api/v5/trade/orders-history?instId=%s&begin=%d&end=%d", toWireSymbol(string(symbol)), startMs, endMs)
	raw, err := a.request(ctx, http.MethodGet, path, nil)
	if err != nil {
		return nil, err
	}
	var env okxEnvelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return nil, fmt.Errorf("%w: decoding orders in window: %v", venue.ErrNetwork, err)
	}
	out := make([]venue.ExecutionReport, 0, len(env.Data))
	recvNs := time.Now().UnixNano()
	for _, raw := range env.Data {
		var o okxOrderData
		_ = json.Unmarshal(raw, &o)
		out = append(out, reportFromOrderData(symbol, o, recvNs))
	}
	return out, nil
}

func (a *Adapter) GetCurrentPrice(ctx context.Context, symbol venue.SymbolId) (float64, error) {
	path := fmt.Sprintf("/api/v5/market/ticker?instId=%s", toWireSymbol(string(symbol)))
	raw, err := a.request(ctx, http.MethodGet, path, nil)
	if err != nil {
		return 0, err
	}
	var env struct {
		Data []struct {
			Last string `json:"last"`
		} `json:"data"`
	}
	if err := json.Unmarshal(raw, &env); err != nil || len(env.Data) == 0 {
		return 0, fmt.Errorf("%w: decoding ticker", venue.ErrNetwork)
	}
	return strconv.ParseFloat(env.Data[0].Last, 64)
}

func (a *Adapter) GetOrderBook(ctx context.Context, symbol venue.SymbolId, depth int) (venue.DepthSnapshot, error) {
	if depth <= 0 {
		depth = 50
	}
	path := fmt.Sprintf("/api/v5/market/books?instId=%s&sz=%d", toWireSymbol(string(symbol)), depth)
	raw, err := a.request(ctx, http.MethodGet, path, nil)
	if err != nil {
		return venue.DepthSnapshot{}, err
	}
	var env struct {
		Data []struct {
			Bids [][]string `json:"bids"`
			Asks [][]string `json:"asks"`
		} `json:"data"`
	}
	if err := json.Unmarshal(raw, &env); err != nil || len(env.Data) == 0 {
		return venue.DepthSnapshot{}, fmt.Errorf("%w: decoding order book", venue.ErrNetwork)
	}
	snap := venue.DepthSnapshot{Venue: venue.OKX, Symbol: symbol, TimestampNs: time.Now().UnixNano()}
	for _, b := range env.Data[0].Bids {
		price, _ := strconv.ParseFloat(b[0], 64)
		qty, _ := strconv.ParseFloat(b[1], 64)
		snap.Bids = append(snap.Bids, venue.PriceLevel{Price: price, Qty: qty})
	}
	for _, ask := range env.Data[0].Asks {
		price, _ := strconv.ParseFloat(ask[0], 64)
		qty, _ := strconv.ParseFloat(ask[1], 64)
		snap.Asks = append(snap.Asks, venue.PriceLevel{Price: price, Qty: qty})
	}
	return snap, nil
}

func (a *Adapter) GetRecentTrades(ctx context.Context, symbol venue.SymbolId, limit int) ([]venue.Trade, error) {
	if limit <= 0 {
		limit = 100
	}
	path := fmt.Sprintf("/api/v5/market/trades?instId=%s&limit=%d", toWireSymbol(string(symbol)), limit)
	raw, err := a.request(ctx, http.MethodGet, path, nil)
	if err != nil {
		return nil, err
	}
	var env struct {
		Data []struct {
			Px   string `json:"px"`
			Sz   string `json:"sz"`
			Side string `json:"side"`
			Ts   string `json:"ts"`
		} `json:"data"`
	}
	if err := json.Unmarshal(raw, &env); err != nil {
		return nil, fmt.Errorf("%w: decoding trades: %v", venue.ErrNetwork, err)
	}
	out := make([]venue.Trade, 0, len(env.Data))
	for _, t := range env.Data {
		price, _ := strconv.ParseFloat(t.Px, 64)
		qty, _ := strconv.ParseFloat(t.Sz, 64)
		ms, _ := strconv.ParseInt(t.Ts, 10, 64)
		side := venue.Buy
		if t.Side == "sell" {
			side = venue.Sell
		}
		out = append(out, venue.Trade{Venue: venue.OKX, Symbol: symbol, Price: price, Qty: qty, Side: side, Timestamp: time.UnixMilli(ms)})
	}
	return out, nil
}

func (a *Adapter) GetAccountBalance(ctx context.Context) ([]venue.Balance, error) {
	raw, err := a.request(ctx, http.MethodGet, "/api/v5/account/balance", nil)
	if err != nil {
		return nil, err
	}
	var env struct {
		Data []struct {
			Details []struct {
				Ccy     string `json:"ccy"`
				AvailBal string `json:"availBal"`
				FrozenBal string `json:"frozenBal"`
			} `json:"details"`
		} `json:"data"`
	}
	if err := json.Unmarshal(raw, &env); err != nil {
		return nil, fmt.Errorf("%w: decoding balance: %v", venue.ErrNetwork, err)
	}
	var out []venue.Balance
	for _, d := range env.Data {
		for _, b := range d.Details {
			free, _ := strconv.ParseFloat(b.AvailBal, 64)
			locked, _ := strconv.ParseFloat(b.FrozenBal, 64)
			out = append(out, venue.Balance{Asset: b.Ccy, Free: free, Locked: locked})
		}
	}
	return out, nil
}
