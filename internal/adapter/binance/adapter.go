package binance

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
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
	defaultBaseURL = "https://api.binance.com"
	defaultTimeout = 30 * time.Second
	recvWindowMs   = 5000
)

// Config holds Binance-specific adapter configuration. Secrets are held
// only here and never logged, mirroring spec.md §4.A / §9.
type Config struct {
	APIKey    string
	APISecret string
	BaseURL   string
	Timeout   time.Duration
}

// Adapter is the Binance venue adapter: authenticated REST via HMAC-SHA256
// signed query strings, grounded on the teacher's
// internal/providers/adapters/binance.go request shape and
// other_examples' binance_broker.go signing scheme.
type Adapter struct {
	cfg        Config
	httpClient *http.Client
	connected  atomic.Bool
	log        zerolog.Logger

	mu     sync.Mutex
	orders map[string]venue.ExecutionReport // client_order_id -> last known report
}

// New constructs a Binance adapter. It does not connect.
func New(cfg Config) *Adapter {
	if cfg.BaseURL == "" {
		cfg.BaseURL = defaultBaseURL
	}
	if cfg.Timeout == 0 {
		cfg.Timeout = defaultTimeout
	}
	return &Adapter{
		cfg:        cfg,
		httpClient: &http.Client{Timeout: cfg.Timeout},
		log:        log.With().Str("venue", "binance").Logger(),
		orders:     make(map[string]venue.ExecutionReport),
	}
}

func (a *Adapter) Name() string    { return "binance" }
func (a *Adapter) Version() string { return "v3" }

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

func (a *Adapter) signedQuery(extra url.Values) url.Values {
	q := url.Values{}
	for k, vs := range extra {
		for _, v := range vs {
			q.Add(k, v)
		}
	}
	q.Set("timestamp", strconv.FormatInt(time.Now().UnixMilli(), 10))
	q.Set("recvWindow", strconv.Itoa(recvWindowMs))
	q.Set("signature", sign(a.cfg.APISecret, q))
	return q
}

func (a *Adapter) do(ctx context.Context, method, path string, q url.Values, signed bool) ([]byte, error) {
	if signed {
		q = a.signedQuery(q)
	}
	u := a.cfg.BaseURL + path
	var body io.Reader
	if method == http.MethodPost || method == http.MethodDelete {
		body = strings.NewReader(q.Encode())
	} else if len(q) > 0 {
		u += "?" + q.Encode()
	}
	req, err := http.NewRequestWithContext(ctx, method, u, body)
	if err != nil {
		return nil, fmt.Errorf("%w: building request: %v", venue.ErrValidation, err)
	}
	if method == http.MethodPost || method == http.MethodDelete {
		req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	}
	req.Header.Set("X-MBX-APIKEY", a.cfg.APIKey)

	resp, err := a.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", venue.ErrNetwork, err)
	}
	defer resp.Body.Close()

	raw, _ := io.ReadAll(resp.Body)
	if resp.StatusCode/100 != 2 {
		switch venue.ClassifyHTTPStatus(resp.StatusCode) {
		case venue.FailureRateLimited:
			retryAfter := 0
			if h := resp.Header.Get("Retry-After"); h != "" {
				retryAfter, _ = strconv.Atoi(h)
			}
			return nil, &venue.RateLimitedError{RetryAfter: time.Duration(retryAfter) * time.Second}
		case venue.FailureFatal:
			if resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden {
				return nil, fmt.Errorf("%w: binance rejected credentials", venue.ErrAuthError)
			}
			return nil, fmt.Errorf("%w: binance %s %s -> %d", venue.ErrValidation, method, path, resp.StatusCode)
		default:
			return nil, fmt.Errorf("%w: binance %s %s -> %d", venue.ErrNetwork, method, path, resp.StatusCode)
		}
	}
	return raw, nil
}

type orderResponse struct {
	OrderID       int64  `json:"orderId"`
	ClientOrderID string `json:"clientOrderId"`
	Status        string `json:"status"`
	ExecutedQty   string `json:"executedQty"`
	Price         string `json:"price"`
	TransactTime  int64  `json:"transactTime"`
}

func mapStatus(s string) venue.OrderStatus {
	switch s {
	case "NEW":
		return venue.StatusNew
	case "PARTIALLY_FILLED":
		return venue.StatusPartiallyFilled
	case "FILLED":
		return venue.StatusFilled
	case "CANCELED", "PENDING_CANCEL":
		return venue.StatusCanceled
	case "REJECTED":
		return venue.StatusRejected
	case "EXPIRED":
		return venue.StatusExpired
	default:
		return venue.StatusAccepted
	}
}

func (a *Adapter) PlaceOrder(ctx context.Context, req venue.PlaceOrderRequest) (venue.ExecutionReport, error) {
	if err := req.Validate(); err != nil {
		return venue.ExecutionReport{}, err
	}
	recvNs := time.Now().UnixNano()

	q := url.Values{}
	q.Set("symbol", toWireSymbol(string(req.Symbol)))
	q.Set("side", strings.ToUpper(req.Side.String()))
	q.Set("type", mapOrderType(req.Type))
	q.Set("quantity", strconv.FormatFloat(req.Qty, 'f', -1, 64))
	q.Set("newClientOrderId", req.ClientOrderID)
	if req.Price != nil {
		q.Set("price", strconv.FormatFloat(*req.Price, 'f', -1, 64))
		q.Set("timeInForce", req.TIF.String())
	}
	if req.StopPrice != nil {
		q.Set("stopPrice", strconv.FormatFloat(*req.StopPrice, 'f', -1, 64))
	}

	raw, err := a.do(ctx, http.MethodPost, "/api/v3/order", q, true)
	if err != nil {
		return venue.ExecutionReport{}, err
	}
	var resp orderResponse
	if err := json.Unmarshal(raw, &resp); err != nil {
		return venue.ExecutionReport{}, fmt.Errorf("%w: decoding order response: %v", venue.ErrNetwork, err)
	}

	filled, _ := strconv.ParseFloat(resp.ExecutedQty, 64)
	price, _ := strconv.ParseFloat(resp.Price, 64)
	report := venue.ExecutionReport{
		Symbol:        req.Symbol,
		ClientOrderID: req.ClientOrderID,
		VenueOrderID:  strconv.FormatInt(resp.OrderID, 10),
		Venue:         venue.Binance,
		Status:        mapStatus(resp.Status),
		LastFillQty:   filled,
		LastFillPrice: price,
		TsExchangeNs:  resp.TransactTime * int64(time.Millisecond),
		TsRecvNs:      recvNs,
	}
	a.remember(report)
	return report, nil
}

func mapOrderType(t venue.OrderType) string {
	switch t {
	case venue.Market:
		return "MARKET"
	case venue.Limit:
		return "LIMIT"
	case venue.StopLoss:
		return "STOP_LOSS"
	case venue.StopLossLimit:
		return "STOP_LOSS_LIMIT"
	case venue.TakeProfit:
		return "TAKE_PROFIT"
	case venue.TakeProfitLimit:
		return "TAKE_PROFIT_LIMIT"
	default:
		return "MARKET"
	}
}

func (a *Adapter) remember(r venue.ExecutionReport) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.orders[r.ClientOrderID] = r
}

func (a *Adapter) CancelOrder(ctx context.Context, req venue.CancelOrderRequest) (venue.ExecutionReport, error) {
	q := url.Values{}
	q.Set("symbol", toWireSymbol(string(req.Symbol)))
	q.Set("origClientOrderId", req.ClientOrderID)
	raw, err := a.do(ctx, http.MethodDelete, "/api/v3/order", q, true)
	if err != nil {
		return venue.ExecutionReport{}, err
	}
	var resp orderResponse
	if err := json.Unmarshal(raw, &resp); err != nil {
		return venue.ExecutionReport{}, fmt.Errorf("%w: decoding cancel response: %v", venue.ErrNetwork, err)
	}
	report := venue.ExecutionReport{
		Symbol:        req.Symbol,
		ClientOrderID: req.ClientOrderID,
		VenueOrderID:  strconv.FormatInt(resp.OrderID, 10),
		Venue:         venue.Binance,
		Status:        venue.StatusCanceled,
		TsRecvNs:      time.Now().UnixNano(),
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
	q.Set("symbol", toWireSymbol(string(symbol)))
	q.Set("origClientOrderId", clientOrderID)
	raw, err := a.do(ctx, http.MethodGet, "/api/v3/order", q, true)
	if err != nil {
		return venue.ExecutionReport{}, err
	}
	var resp orderResponse
	if err := json.Unmarshal(raw, &resp); err != nil {
		return venue.ExecutionReport{}, fmt.Errorf("%w: decoding order response: %v", venue.ErrNetwork, err)
	}
	filled, _ := strconv.ParseFloat(resp.ExecutedQty, 64)
	price, _ := strconv.ParseFloat(resp.Price, 64)
	return venue.ExecutionReport{
		Symbol:        symbol,
		ClientOrderID: clientOrderID,
		VenueOrderID:  strconv.FormatInt(resp.OrderID, 10),
		Venue:         venue.Binance,
		Status:        mapStatus(resp.Status),
		LastFillQty:   filled,
		LastFillPrice: price,
		TsRecvNs:      time.Now().UnixNano(),
	}, nil
}

func (a *Adapter) QueryOpenOrders(ctx context.Context, symbol venue.SymbolId) ([]venue.ExecutionReport, error) {
	q := url.Values{}
	q.Set("symbol", toWireSymbol(string(symbol)))
	raw, err := a.do(ctx, http.MethodGet, "/api/v3/openOrders", q, true)
	if err != nil {
		return nil, err
	}
	var resp []orderResponse
	if err := json.Unmarshal(raw, &resp); err != nil {
		return nil, fmt.Errorf("%w: decoding open orders: %v", venue.ErrNetwork, err)
	}
	out := make([]venue.ExecutionReport, 0, len(resp))
	for _, o := range resp {
		filled, _ := strconv.ParseFloat(o.ExecutedQty, 64)
		price, _ := strconv.ParseFloat(o.Price, 64)
		out = append(out, venue.ExecutionReport{
			Symbol:        symbol,
			ClientOrderID: o.ClientOrderID,
			VenueOrderID:  strconv.FormatInt(o.OrderID, 10),
			Venue:         venue.Binance,
			Status:        mapStatus(o.Status),
			LastFillQty:   filled,
			LastFillPrice: price,
			TsExchangeNs:  o.TransactTime * int64(time.Millisecond),
			TsRecvNs:      time.Now().UnixNano(),
		})
	}
	return out, nil
}

func (a *Adapter) QueryOrdersInWindow(ctx context.Context, symbol venue.SymbolId, startMs, endMs int64) ([]venue.ExecutionReport, error) {
	q := url.Values{}
	q.Set("symbol", toWireSymbol(string(symbol)))
	q.Set("startTime", strconv.FormatInt(startMs, 10))
	q.Set("endTime", strconv.FormatInt(endMs, 10))
	raw, err := a.do(ctx, http.MethodGet, "/api/v3/allOrders", q, true)
	if err != nil {
		return nil, err
	}
	var resp []orderResponse
	if err := json.Unmarshal(raw, &resp); err != nil {
		return nil, fmt.Errorf("%w: decoding orders in window: %v", venue.ErrNetwork, err)
	}
	out := make([]venue.ExecutionReport, 0, len(resp))
	for _, o := range resp {
		filled, _ := strconv.ParseFloat(o.ExecutedQty, 64)
		price, _ := strconv.ParseFloat(o.Price, 64)
		out = append(out, venue.ExecutionReport{
			Symbol:        symbol,
			ClientOrderID: o.ClientOrderID,
			VenueOrderID:  strconv.FormatInt(o.OrderID, 10),
			Venue:         venue.Binance,
			Status:        mapStatus(o.Status),
			LastFillQty:   filled,
			LastFillPrice: price,
			TsExchangeNs:  o.TransactTime * int64(time.Millisecond),
			TsRecvNs:      time.Now().UnixNano(),
		})
	}
	return out, nil
}

func (a *Adapter) GetCurrentPrice(ctx context.Context, symbol venue.SymbolId) (float64, error) {
	q := url.Values{}
	q.Set("symbol", toWireSymbol(string(symbol)))
	raw, err := a.do(ctx, http.MethodGet, "/api/v3/ticker/price", q, false)
	if err != nil {
		return 0, err
	}
	var resp struct {
		Price string `json:"price"`
	}
	if err := json.Unmarshal(raw, &resp); err != nil {
		return 0, fmt.Errorf("%w: decoding price: %v", venue.ErrNetwork, err)
	}
	return strconv.ParseFloat(resp.Price, 64)
}

func (a *Adapter) GetOrderBook(ctx context.Context, symbol venue.SymbolId, depth int) (venue.DepthSnapshot, error) {
	if depth <= 0 {
		depth = 100
	}
	q := url.Values{}
	q.Set("symbol", toWireSymbol(string(symbol)))
	q.Set("limit", strconv.Itoa(depth))
	raw, err := a.do(ctx, http.MethodGet, "/api/v3/depth", q, false)
	if err != nil {
		return venue.DepthSnapshot{}, err
	}
	var resp struct {
		Bids [][2]string `json:"bids"`
		Asks [][2]string `json:"asks"`
	}
	if err := json.Unmarshal(raw, &resp); err != nil {
		return venue.DepthSnapshot{}, fmt.Errorf("%w: decoding depth: %v", venue.ErrNetwork, err)
	}
	snap := venue.DepthSnapshot{Venue: venue.Binance, Symbol: symbol, TimestampNs: time.Now().UnixNano()}
	for _, b := range resp.Bids {
		price, _ := strconv.ParseFloat(b[0], 64)
		qty, _ := strconv.ParseFloat(b[1], 64)
		snap.Bids = append(snap.Bids, venue.PriceLevel{Price: price, Qty: qty})
	}
	for _, ask := range resp.Asks {
		price, _ := strconv.ParseFloat(ask[0], 64)
		qty, _ := strconv.ParseFloat(ask[1], 64)
		snap.Asks = append(snap.Asks, venue.PriceLevel{Price: price, Qty: qty})
	}
	return snap, nil
}

func (a *Adapter) GetRecentTrades(ctx context.Context, symbol venue.SymbolId, limit int) ([]venue.Trade, error) {
	if limit <= 0 {
		limit = 500
	}
	q := url.Values{}
	q.Set("symbol", toWireSymbol(string(symbol)))
	q.Set("limit", strconv.Itoa(limit))
	raw, err := a.do(ctx, http.MethodGet, "/api/v3/trades", q, false)
	if err != nil {
		return nil, err
	}
	var resp []struct {
		Price string `json:"price"`
		Qty   string `json:"qty"`
		Time  int64  `json:"time"`
		IsBuy bool   `json:"isBuyerMaker"`
	}
	if err := json.Unmarshal(raw, &resp); err != nil {
		return nil, fmt.Errorf("%w: decoding trades: %v", venue.ErrNetwork, err)
	}
	out := make([]venue.Trade, 0, len(resp))
	for _, t := range resp {
		price, _ := strconv.ParseFloat(t.Price, 64)
		qty, _ := strconv.ParseFloat(t.Qty, 64)
		side := venue.Sell
		if t.IsBuy {
			side = venue.Buy
		}
		out = append(out, venue.Trade{
			Venue:     venue.Binance,
			Symbol:    symbol,
			Price:     price,
			Qty:       qty,
			Side:      side,
			Timestamp: time.UnixMilli(t.Time),
		})
	}
	return out, nil
}

func (a *Adapter) GetAccountBalance(ctx context.Context) ([]venue.Balance, error) {
	raw, err := a.do(ctx, http.MethodGet, "/api/v3/account", url.Values{}, true)
	if err != nil {
		return nil, err
	}
	var resp struct {
		Balances []struct {
			Asset  string `json:"asset"`
			Free   string `json:"free"`
			Locked string `json:"locked"`
		} `json:"balances"`
	}
	if err := json.Unmarshal(raw, &resp); err != nil {
		return nil, fmt.Errorf("%w: decoding account: %v", venue.ErrNetwork, err)
	}
	out := make([]venue.Balance, 0, len(resp.Balances))
	for _, b := range resp.Balances {
		free, _ := strconv.ParseFloat(b.Free, 64)
		locked, _ := strconv.ParseFloat(b.Locked, 64)
		out = append(out, venue.Balance{Asset: b.Asset, Free: free, Locked: locked})
	}
	return out, nil
}
