package bybit

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
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
	liveBaseURL    = "https://api.bybit.com"
	defaultWindow  = "5000"
	defaultTimeout = 30 * time.Second
)

// Config holds Bybit-specific adapter configuration.
type Config struct {
	APIKey     string
	APISecret  string
	Category   venue.Category // Spot, Linear or Inverse; switchable post-construction via SetCategory
	BaseURL    string
	RecvWindow string
	Timeout    time.Duration
}

// Adapter is the Bybit V5 venue adapter.
type Adapter struct {
	cfg        Config
	category   atomic.Int32
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
	if cfg.RecvWindow == "" {
		cfg.RecvWindow = defaultWindow
	}
	if cfg.Timeout == 0 {
		cfg.Timeout = defaultTimeout
	}
	a := &Adapter{
		cfg:        cfg,
		httpClient: &http.Client{Timeout: cfg.Timeout},
		log:        log.With().Str("venue", "bybit").Logger(),
		orders:     make(map[string]venue.ExecutionReport),
	}
	a.category.Store(int32(cfg.Category))
	return a
}

// SetCategory switches the product line (spot/linear/inverse) this adapter
// targets. Safe to call while the adapter is in use; subsequent requests
// observe the new category.
func (a *Adapter) SetCategory(c venue.Category) { a.category.Store(int32(c)) }

func (a *Adapter) currentCategory() venue.Category { return venue.Category(a.category.Load()) }

func (a *Adapter) Name() string    { return "bybit" }
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

// request performs a signed Bybit V5 call. GET requests sign the query
// string; POST requests sign the raw JSON body.
func (a *Adapter) request(ctx context.Context, method, path string, query url.Values, body map[string]any) ([]byte, error) {
	ts := strconv.FormatInt(time.Now().UnixMilli(), 10)

	var payload string
	var bodyReader *strings.Reader
	u := a.cfg.BaseURL + path
	if method == http.MethodGet {
		payload = query.Encode()
		if payload != "" {
			u += "?" + payload
		}
		bodyReader = strings.NewReader("")
	} else {
		raw, err := json.Marshal(body)
		if err != nil {
			return nil, fmt.Errorf("%w: marshaling body: %v", venue.ErrValidation, err)
		}
		payload = string(raw)
		bodyReader = strings.NewReader(payload)
	}

	sig := sign(a.cfg.APISecret, prehash(ts, a.cfg.APIKey, a.cfg.RecvWindow, payload))

	req, err := http.NewRequestWithContext(ctx, method, u, bodyReader)
	if err != nil {
		return nil, fmt.Errorf("%w: building request: %v", venue.ErrValidation, err)
	}
	req.Header.Set("X-BAPI-API-KEY", a.cfg.APIKey)
	req.Header.Set("X-BAPI-SIGN", sig)
	req.Header.Set("X-BAPI-TIMESTAMP", ts)
	req.Header.Set("X-BAPI-RECV-WINDOW", a.cfg.RecvWindow)
	req.Header.Set("Content-Type", "application/json")

	resp, err := a.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", venue.ErrNetwork, err)
	}
	defer resp.Body.Close()
	var raw []byte
	buf := make([]byte, 0, 4096)
	chunk := make([]byte, 4096)
	for {
		n, readErr := resp.Body.Read(chunk)
		if n > 0 {
			buf = append(buf, chunk[:n]...)
		}
		if readErr != nil {
			break
		}
	}
	raw = buf

	if resp.StatusCode/100 != 2 {
		switch venue.ClassifyHTTPStatus(resp.StatusCode) {
		case venue.FailureRateLimited:
			return nil, &venue.RateLimitedError{}
		case venue.FailureFatal:
			if resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden {
				return nil, fmt.Errorf("%w: bybit rejected credentials", venue.ErrAuthError)
			}
			return nil, fmt.Errorf("%w: bybit %s %s -> %d", venue.ErrValidation, method, path, resp.StatusCode)
		default:
			return nil, fmt.Errorf("%w: bybit %s %s -> %d", venue.ErrNetwork, method, path, resp.StatusCode)
		}
	}
	return raw, nil
}

type bybitEnvelope struct {
	RetCode int             `json:"retCode"`
	RetMsg  string          `json:"retMsg"`
	Result  json.RawMessage `json:"result"`
}

type bybitOrder struct {
	OrderID     string `json:"orderId"`
	OrderLinkID string `json:"orderLinkId"`
	OrderStatus string `json:"orderStatus"`
	CumExecQty  string `json:"cumExecQty"`
	AvgPrice    string `json:"avgPrice"`
	UpdatedTime string `json:"updatedTime"`
}

func mapStatus(s string) venue.OrderStatus {
	switch s {
	case "New", "Created":
		return venue.StatusAccepted
	case "PartiallyFilled":
		return venue.StatusPartiallyFilled
	case "Filled":
		return venue.StatusFilled
	case "Cancelled", "PartiallyFilledCanceled":
		return venue.StatusCanceled
	case "Rejected":
		return venue.StatusRejected
	default:
		return venue.StatusNew
	}
}

func reportFromOrder(symbol venue.SymbolId, o bybitOrder, recvNs int64) venue.ExecutionReport {
	filled, _ := strconv.ParseFloat(o.CumExecQty, 64)
	price, _ := strconv.ParseFloat(o.AvgPrice, 64)
	exTs, _ := strconv.ParseInt(o.UpdatedTime, 10, 64)
	return venue.ExecutionReport{
		Symbol:        symbol,
		ClientOrderID: o.OrderLinkID,
		VenueOrderID:  o.OrderID,
		Venue:         venue.Bybit,
		Status:        mapStatus(o.OrderStatus),
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
	body := map[string]any{
		"category":    a.currentCategory().String(),
		"symbol":      toWireSymbol(string(req.Symbol)),
		"side":        capitalize(req.Side.String()),
		"orderType":   mapOrderType(req.Type),
		"qty":         strconv.FormatFloat(req.Qty, 'f', -1, 64),
		"orderLinkId": req.ClientOrderID,
		"timeInForce": mapTIF(req.TIF),
	}
	if req.Price != nil {
		body["price"] = strconv.FormatFloat(*req.Price, 'f', -1, 64)
	}
	raw, err := a.request(ctx, http.MethodPost, "/v5/order/create", nil, body)
	if err != nil {
		return venue.ExecutionReport{}, err
	}
	var env bybitEnvelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return venue.ExecutionReport{}, fmt.Errorf("%w: decoding response: %v", venue.ErrNetwork, err)
	}
	if env.RetCode != 0 {
		return venue.ExecutionReport{
			Symbol: req.Symbol, ClientOrderID: req.ClientOrderID, Venue: venue.Bybit,
			Status: venue.StatusRejected, Reason: env.RetMsg, TsRecvNs: recvNs,
		}, nil
	}
	var o bybitOrder
	_ = json.Unmarshal(env.Result, &o)
	o.OrderLinkID = req.ClientOrderID
	report := reportFromOrder(req.Symbol, o, recvNs)
	if report.Status == venue.StatusNew {
		report.Status = venue.StatusAccepted
	}
	a.remember(report)
	return report, nil
}

func mapOrderType(t venue.OrderType) string {
	switch t {
	case venue.Market:
		return "Market"
	case venue.Limit:
		return "Limit"
	default:
		return "Market"
	}
}

func capitalize(s string) string {
	if s == "" {
		return s
	}
	return strings.ToUpper(s[:1]) + s[1:]
}

func mapTIF(t venue.TimeInForce) string {
	switch t {
	case venue.IOC:
		return "IOC"
	case venue.FOK:
		return "FOK"
	case venue.GTX:
		return "PostOnly"
	default:
		return "GTC"
	}
}

func (a *Adapter) remember(r venue.ExecutionReport) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.orders[r.ClientOrderID] = r
}

func (a *Adapter) CancelOrder(ctx context.Context, req venue.CancelOrderRequest) (venue.ExecutionReport, error) {
	body := map[string]any{
		"category":    a.currentCategory().String(),
		"symbol":      toWireSymbol(string(req.Symbol)),
		"orderLinkId": req.ClientOrderID,
	}
	_, err := a.request(ctx, http.MethodPost, "/v5/order/cancel", nil, body)
	if err != nil {
		return venue.ExecutionReport{}, err
	}
	report := venue.ExecutionReport{
		Symbol: req.Symbol, ClientOrderID: req.ClientOrderID, Venue: venue.Bybit,
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
	q := url.Values{}
	q.Set("category", a.currentCategory().String())
	q.Set("symbol", toWireSymbol(string(symbol)))
	q.Set("orderLinkId", clientOrderID)
	raw, err := a.request(ctx, http.MethodGet, "/v5/order/realtime", q, nil)
	if err != nil {
		return venue.ExecutionReport{}, err
	}
	var env bybitEnvelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return venue.ExecutionReport{}, fmt.Errorf("%w: decoding order: %v", venue.ErrNetwork, err)
	}
	var result struct {
		List []bybitOrder `json:"list"`
	}
	_ = json.Unmarshal(env.Result, &result)
	if len(result.List) == 0 {
		return venue.ExecutionReport{}, fmt.Errorf("%w: order not found", venue.ErrNetwork)
	}
	return reportFromOrder(symbol, result.List[0], time.Now().UnixNano()), nil
}

func (a *Adapter) QueryOpenOrders(ctx context.Context, symbol venue.SymbolId) ([]venue.ExecutionReport, error) {
	q := url.Values{}
	q.Set("category", a.currentCategory().String())
	q.Set("symbol", toWireSymbol(string(symbol)))
	raw, err := a.request(ctx, http.MethodGet, "/v5/order/realtime", q, nil)
	if err != nil {
		return nil, err
	}
	var env bybitEnvelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return nil, fmt.Errorf("%w: decoding open orders: %v", venue.ErrNetwork, err)
	}
	var result struct {
		List []bybitOrder `json:"list"`
	}
	_ = json.Unmarshal(env.Result, &result)
	recvNs := time.Now().UnixNano()
	out := make([]venue.ExecutionReport, 0, len(result.List))
	for _, o := range result.List {
		out = append(out, reportFromOrder(symbol, o, recvNs))
	}
	return out, nil
}

func (a *Adapter) QueryOrdersInWindow(ctx context.Context, symbol venue.SymbolId, startMs, endMs int64) ([]venue.ExecutionReport, error) {
	q := url.Values{}
	q.Set("category", a.currentCategory().String())
	q.Set("symbol", toWireSymbol(string(symbol)))
	q.Set("startTime", strconv.FormatInt(startMs, 10))
	q.Set("endTime", strconv.FormatInt(endMs, 10))
	raw, err := a.request(ctx, http.MethodGet, "/v5/order/history", q, nil)
	if err != nil {
		return nil, err
	}
	var env bybitEnvelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return nil, fmt.Errorf("%w: decoding orders in window: %v", venue.ErrNetwork, err)
	}
	var result struct {
		List []bybitOrder `json:"list"`
	}
	_ = json.Unmarshal(env.Result, &result)
	recvNs := time.Now().UnixNano()
	out := make([]venue.ExecutionReport, 0, len(result.List))
	for _, o := range result.List {
		out = append(out, reportFromOrder(symbol, o, recvNs))
	}
	return out, nil
}

func (a *Adapter) GetCurrentPrice(ctx context.Context, symbol venue.SymbolId) (float64, error) {
	q := url.Values{}
	q.Set("category", a.currentCategory().String())
	q.Set("symbol", toWireSymbol(string(symbol)))
	raw, err := a.request(ctx, http.MethodGet, "/v5/market/tickers", q, nil)
	if err != nil {
		return 0, err
	}
	var env bybitEnvelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return 0, fmt.Errorf("%w: decoding ticker: %v", venue.ErrNetwork, err)
	}
	var result struct {
		List []struct {
			LastPrice string `json:"lastPrice"`
		} `json:"list"`
	}
	_ = json.Unmarshal(env.Result, &result)
	if len(result.List) == 0 {
		return 0, fmt.Errorf("%w: empty ticker response", venue.ErrNetwork)
	}
	return strconv.ParseFloat(result.List[0].LastPrice, 64)
}

func (a *Adapter) GetOrderBook(ctx context.Context, symbol venue.SymbolId, depth int) (venue.DepthSnapshot, error) {
	if depth <= 0 {
		depth = 50
	}
	q := url.Values{}
	q.Set("category", a.currentCategory().String())
	q.Set("symbol", toWireSymbol(string(symbol)))
	q.Set("limit", strconv.Itoa(depth))
	raw, err := a.request(ctx, http.MethodGet, "/v5/market/orderbook", q, nil)
	if err != nil {
		return venue.DepthSnapshot{}, err
	}
	var env bybitEnvelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return venue.DepthSnapshot{}, fmt.Errorf("%w: decoding order book: %v", venue.ErrNetwork, err)
	}
	var result struct {
		B [][]string `json:"b"`
		A [][]string `json:"a"`
	}
	_ = json.Unmarshal(env.Result, &result)
	snap := venue.DepthSnapshot{Venue: venue.Bybit, Symbol: symbol, TimestampNs: time.Now().UnixNano()}
	for _, b := range result.B {
		price, _ := strconv.ParseFloat(b[0], 64)
		qty, _ := strconv.ParseFloat(b[1], 64)
		snap.Bids = append(snap.Bids, venue.PriceLevel{Price: price, Qty: qty})
	}
	for _, ask := range result.A {
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
	q := url.Values{}
	q.Set("category", a.currentCategory().String())
	q.Set("symbol", toWireSymbol(string(symbol)))
	q.Set("limit", strconv.Itoa(limit))
	raw, err := a.request(ctx, http.MethodGet, "/v5/market/recent-trade", q, nil)
	if err != nil {
		return nil, err
	}
	var env bybitEnvelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return nil, fmt.Errorf("%w: decoding trades: %v", venue.ErrNetwork, err)
	}
	var result struct {
		List []struct {
			Price string `json:"price"`
			Size  string `json:"size"`
			Side  string `json:"side"`
			Time  string `json:"time"`
		} `json:"list"`
	}
	_ = json.Unmarshal(env.Result, &result)
	out := make([]venue.Trade, 0, len(result.List))
	for _, t := range result.List {
		price, _ := strconv.ParseFloat(t.Price, 64)
		qty, _ := strconv.ParseFloat(t.Size, 64)
		ms, _ := strconv.ParseInt(t.Time, 10, 64)
		side := venue.Buy
		if strings.EqualFold(t.Side, "Sell") {
			side = venue.Sell
		}
		out = append(out, venue.Trade{Venue: venue.Bybit, Symbol: symbol, Price: price, Qty: qty, Side: side, Timestamp: time.UnixMilli(ms)})
	}
	return out, nil
}

func (a *Adapter) GetAccountBalance(ctx context.Context) ([]venue.Balance, error) {
	q := url.Values{}
	q.Set("accountType", "UNIFIED")
	raw, err := a.request(ctx, http.MethodGet, "/v5/account/wallet-balance", q, nil)
	if err != nil {
		return nil, err
	}
	var env bybitEnvelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return nil, fmt.Errorf("%w: decoding balance: %v", venue.ErrNetwork, err)
	}
	var result struct {
		List []struct {
			Coin []struct {
				Coin            string `json:"coin"`
				WalletBalance   string `json:"walletBalance"`
				Locked          string `json:"locked"`
			} `json:"coin"`
		} `json:"list"`
	}
	_ = json.Unmarshal(env.Result, &result)
	var out []venue.Balance
	for _, acct := range result.List {
		for _, c := range acct.Coin {
			total, _ := strconv.ParseFloat(c.WalletBalance, 64)
			locked, _ := strconv.ParseFloat(c.Locked, 64)
			out = append(out, venue.Balance{Asset: c.Coin, Free: total - locked, Locked: locked})
		}
	}
	return out, nil
}
