package coinbase

import (
	"context"
	"crypto/ecdsa"
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
	liveHost       = "api.coinbase.com"
	sandboxHost    = "api-sandbox.coinbase.com"
	defaultTimeout = 30 * time.Second
)

// Config holds Coinbase-specific adapter configuration.
type Config struct {
	KeyName    string // CDP API key name, used as both sub and kid
	PrivateKey string // PEM-encoded EC private key
	Sandbox    bool
	Timeout    time.Duration
}

// Adapter is the Coinbase Advanced Trade venue adapter.
type Adapter struct {
	cfg        Config
	key        *ecdsa.PrivateKey
	host       string
	httpClient *http.Client
	connected  atomic.Bool
	log        zerolog.Logger

	mu     sync.Mutex
	orders map[string]venue.ExecutionReport
}

func New(cfg Config) (*Adapter, error) {
	key, err := parseECPrivateKey(cfg.PrivateKey)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", venue.ErrAuthError, err)
	}
	if cfg.Timeout == 0 {
		cfg.Timeout = defaultTimeout
	}
	host := liveHost
	if cfg.Sandbox {
		host = sandboxHost
	}
	return &Adapter{
		cfg:        cfg,
		key:        key,
		host:       host,
		httpClient: &http.Client{Timeout: cfg.Timeout},
		log:        log.With().Str("venue", "coinbase").Bool("sandbox", cfg.Sandbox).Logger(),
		orders:     make(map[string]venue.ExecutionReport),
	}, nil
}

func (a *Adapter) Name() string    { return "coinbase" }
func (a *Adapter) Version() string { return "advanced-trade" }

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
	tok, err := buildJWT(a.cfg.KeyName, a.key, method, a.host, path)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", venue.ErrAuthError, err)
	}

	var bodyBytes []byte
	if body != nil {
		bodyBytes, err = json.Marshal(body)
		if err != nil {
			return nil, fmt.Errorf("%w: marshaling body: %v", venue.ErrValidation, err)
		}
	}
	var reader io.Reader
	if len(bodyBytes) > 0 {
		reader = strings.NewReader(string(bodyBytes))
	}
	u := "https://" + a.host + path
	req, err := http.NewRequestWithContext(ctx, method, u, reader)
	if err != nil {
		return nil, fmt.Errorf("%w: building request: %v", venue.ErrValidation, err)
	}
	req.Header.Set("Authorization", "Bearer "+tok)
	req.Header.Set("Content-Type", "application/json")

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
				return nil, fmt.Errorf("%w: coinbase rejected credentials", venue.ErrAuthError)
			}
			return nil, fmt.Errorf("%w: coinbase %s %s -> %d", venue.ErrValidation, method, path, resp.StatusCode)
		default:
			return nil, fmt.Errorf("%w: coinbase %s %s -> %d", venue.ErrNetwork, method, path, resp.StatusCode)
		}
	}
	return raw, nil
}

type cbOrder struct {
	OrderID           string `json:"order_id"`
	ClientOrderID     string `json:"client_order_id"`
	Status            string `json:"status"`
	FilledSize        string `json:"filled_size"`
	AverageFilledPrice string `json:"average_filled_price"`
}

func mapStatus(s string) venue.OrderStatus {
	switch strings.ToUpper(s) {
	case "OPEN", "PENDING":
		return venue.StatusAccepted
	case "FILLED":
		return venue.StatusFilled
	case "CANCELLED", "EXPIRED":
		return venue.StatusCanceled
	case "FAILED", "REJECTED":
		return venue.StatusRejected
	default:
		return venue.StatusNew
	}
}

func reportFromOrder(symbol venue.SymbolId, o cbOrder, recvNs int64) venue.ExecutionReport {
	filled, _ := strconv.ParseFloat(o.FilledSize, 64)
	price, _ := strconv.ParseFloat(o.AverageFilledPrice, 64)
	status := mapStatus(o.Status)
	if status == venue.StatusAccepted && filled > 0 {
		status = venue.StatusPartiallyFilled
	}
	return venue.ExecutionReport{
		Symbol:        symbol,
		ClientOrderID: o.ClientOrderID,
		VenueOrderID:  o.OrderID,
		Venue:         venue.Coinbase,
		Status:        status,
		LastFillQty:   filled,
		LastFillPrice: price,
		TsRecvNs:      recvNs,
	}
}

func (a *Adapter) PlaceOrder(ctx context.Context, req venue.PlaceOrderRequest) (venue.ExecutionReport, error) {
	if err := req.Validate(); err != nil {
		return venue.ExecutionReport{}, err
	}
	recvNs := time.Now().UnixNano()

	orderConfig := map[string]any{}
	switch req.Type {
	case venue.Market:
		side := "base_size"
		if req.Side == venue.Buy {
			side = "quote_size"
		}
		orderConfig["market_market_ioc"] = map[string]string{
			side: strconv.FormatFloat(req.Qty, 'f', -1, 64),
		}
	default:
		limitConfig := map[string]string{
			"base_size":   strconv.FormatFloat(req.Qty, 'f', -1, 64),
			"post_only":   strconv.FormatBool(req.PostOnly),
		}
		if req.Price != nil {
			limitConfig["limit_price"] = strconv.FormatFloat(*req.Price, 'f', -1, 64)
		}
		key := "limit_limit_gtc"
		if req.TIF == venue.IOC || req.TIF == venue.FOK {
			key = "limit_limit_ioc"
		}
		orderConfig[key] = limitConfig
	}

	body := map[string]any{
		"client_order_id": req.ClientOrderID,
		"product_id":      toWireSymbol(string(req.Symbol)),
		"side":            strings.ToUpper(req.Side.String()),
		"order_configuration": orderConfig,
	}
	raw, err := a.request(ctx, http.MethodPost, "/api/v3/brokerage/orders", body)
	if err != nil {
		return venue.ExecutionReport{}, err
	}
	var env struct {
		Success      bool   `json:"success"`
		FailureReason string `json:"failure_reason"`
		OrderID      string `json:"order_id"`
	}
	if err := json.Unmarshal(raw, &env); err != nil {
		return venue.ExecutionReport{}, fmt.Errorf("%w: decoding response: %v", venue.ErrNetwork, err)
	}
	if !env.Success {
		return venue.ExecutionReport{
			Symbol: req.Symbol, ClientOrderID: req.ClientOrderID, Venue: venue.Coinbase,
			Status: venue.StatusRejected, Reason: env.FailureReason, TsRecvNs: recvNs,
		}, nil
	}
	report := venue.ExecutionReport{
		Symbol: req.Symbol, ClientOrderID: req.ClientOrderID, VenueOrderID: env.OrderID,
		Venue: venue.Coinbase, Status: venue.StatusAccepted, TsRecvNs: recvNs,
	}
	a.remember(report)
	return report, nil
}

func (a *Adapter) remember(r venue.ExecutionReport) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.orders[r.ClientOrderID] = r
}

func (a *Adapter) lookupVenueOrderID(clientOrderID string) (string, bool) {
	a.mu.Lock()
	defer a.mu.Unlock()
	r, ok := a.orders[clientOrderID]
	return r.VenueOrderID, ok
}

func (a *Adapter) CancelOrder(ctx context.Context, req venue.CancelOrderRequest) (venue.ExecutionReport, error) {
	venueID, _ := a.lookupVenueOrderID(req.ClientOrderID)
	body := map[string]any{"order_ids": []string{venueID}}
	_, err := a.request(ctx, http.MethodPost, "/api/v3/brokerage/orders/batch_cancel", body)
	if err != nil {
		return venue.ExecutionReport{}, err
	}
	report := venue.ExecutionReport{
		Symbol: req.Symbol, ClientOrderID: req.ClientOrderID, VenueOrderID: venueID,
		Venue: venue.Coinbase, Status: venue.StatusCanceled, TsRecvNs: time.Now().UnixNano(),
	}
	a.remember(report)
	return report, nil
}

func (a *Adapter) CancelOrderByID(ctx context.Context, symbol venue.SymbolId, clientOrderID string) error {
	_, err := a.CancelOrder(ctx, venue.CancelOrderRequest{Symbol: symbol, ClientOrderID: clientOrderID})
	return err
}

func (a *Adapter) GetOrder(ctx context.Context, symbol venue.SymbolId, clientOrderID string) (venue.ExecutionReport, error) {
	path := "/api/v3/brokerage/orders/historical/client_order_id/" + clientOrderID
	raw, err := a.request(ctx, http.MethodGet, path, nil)
	if err != nil {
		return venue.ExecutionReport{}, err
	}
	var env struct {
		Order cbOrder `json:"order"`
	}
	if err := json.Unmarshal(raw, &env); err != nil {
		return venue.ExecutionReport{}, fmt.Errorf("%w: decoding order: %v", venue.ErrNetwork, err)
	}
	return reportFromOrder(symbol, env.Order, time.Now().UnixNano()), nil
}

func (a *Adapter) QueryOpenOrders(ctx context.Context, symbol venue.SymbolId) ([]venue.ExecutionReport, error) {
	path := fmt.Sprintf("/api/v3/brokerage/orders/historical/batch?product_id=%s&order_status=OPEN", toWireSymbol(string(symbol)))
	raw, err := a.request(ctx, http.MethodGet, path, nil)
	if err != nil {
		return nil, err
	}
	var env struct {
		Orders []cbOrder `json:"orders"`
	}
	if err := json.Unmarshal(raw, &env); err != nil {
		return nil, fmt.Errorf("%w: decoding open orders: %v", venue.ErrNetwork, err)
	}
	recvNs := time.Now().UnixNano()
	out := make([]venue.ExecutionReport, 0, len(env.Orders))
	for _, o := range env.Orders {
		out = append(out, reportFromOrder(symbol, o, recvNs))
	}
	return out, nil
}

func (a *Adapter) QueryOrdersInWindow(ctx context.Context, symbol venue.SymbolId, startMs, endMs int64) ([]venue.ExecutionReport, error) {
	start := time.UnixMilli(startMs).UTC().Format(time.RFC3339)
	end := time.UnixMilli(endMs).UTC().Format(time.RFC3339)
	path := fmt.Sprintf("/api/v3/brokerage/orders/historical/batch?product_id=%s&start_date=%s&end_date=%s",
		toWireSymbol(string(symbol)), start, end)
	raw, err := a.request(ctx, http.MethodGet, path, nil)
	if err != nil {
		return nil, err
	}
	var env struct {
		Orders []cbOrder `json:"orders"`
	}
	if err := json.Unmarshal(raw, &env); err != nil {
		return nil, fmt.Errorf("%w: decoding orders in window: %v", venue.ErrNetwork, err)
	}
	recvNs := time.Now().UnixNano()
	out := make([]venue.ExecutionReport, 0, len(env.Orders))
	for _, o := range env.Orders {
		out = append(out, reportFromOrder(symbol, o, recvNs))
	}
	return out, nil
}

func (a *Adapter) GetCurrentPrice(ctx context.Context, symbol venue.SymbolId) (float64, error) {
	path := "/api/v3/brokerage/products/" + toWireSymbol(string(symbol))
	raw, err := a.request(ctx, http.MethodGet, path, nil)
	if err != nil {
		return 0, err
	}
	var env struct {
		Price string `json:"price"`
	}
	if err := json.Unmarshal(raw, &env); err != nil {
		return 0, fmt.Errorf("%w: decoding product: %v", venue.ErrNetwork, err)
	}
	return strconv.ParseFloat(env.Price, 64)
}

func (a *Adapter) GetOrderBook(ctx context.Context, symbol venue.SymbolId, depth int) (venue.DepthSnapshot, error) {
	if depth <= 0 {
		depth = 50
	}
	path := fmt.Sprintf("/api/v3/brokerage/product_book?product_id=%s&limit=%d", toWireSymbol(string(symbol)), depth)
	raw, err := a.request(ctx, http.MethodGet, path, nil)
	if err != nil {
		return venue.DepthSnapshot{}, err
	}
	var env struct {
		Pricebook struct {
			Bids []struct {
				Price string `json:"price"`
				Size  string `json:"size"`
			} `json:"bids"`
			Asks []struct {
				Price string `json:"price"`
				Size  string `json:"size"`
			} `json:"asks"`
		} `json:"pricebook"`
	}
	if err := json.Unmarshal(raw, &env); err != nil {
		return venue.DepthSnapshot{}, fmt.Errorf("%w: decoding order book: %v", venue.ErrNetwork, err)
	}
	snap := venue.DepthSnapshot{Venue: venue.Coinbase, Symbol: symbol, TimestampNs: time.Now().UnixNano()}
	for _, b := range env.Pricebook.Bids {
		price, _ := strconv.ParseFloat(b.Price, 64)
		qty, _ := strconv.ParseFloat(b.Size, 64)
		snap.Bids = append(snap.Bids, venue.PriceLevel{Price: price, Qty: qty})
	}
	for _, ask := range env.Pricebook.Asks {
		price, _ := strconv.ParseFloat(ask.Price, 64)
		qty, _ := strconv.ParseFloat(ask.Size, 64)
		snap.Asks = append(snap.Asks, venue.PriceLevel{Price: price, Qty: qty})
	}
	return snap, nil
}

func (a *Adapter) GetRecentTrades(ctx context.Context, symbol venue.SymbolId, limit int) ([]venue.Trade, error) {
	if limit <= 0 {
		limit = 100
	}
	path := fmt.Sprintf("/api/v3/brokerage/products/%s/ticker?limit=%d", toWireSymbol(string(symbol)), limit)
	raw, err := a.request(ctx, http.MethodGet, path, nil)
	if err != nil {
		return nil, err
	}
	var env struct {
		Trades []struct {
			Price string `json:"price"`
			Size  string `json:"size"`
			Side  string `json:"side"`
			Time  string `json:"time"`
		} `json:"trades"`
	}
	if err := json.Unmarshal(raw, &env); err != nil {
		return nil, fmt.Errorf("%w: decoding trades: %v", venue.ErrNetwork, err)
	}
	out := make([]venue.Trade, 0, len(env.Trades))
	for _, t := range env.Trades {
		price, _ := strconv.ParseFloat(t.Price, 64)
		qty, _ := strconv.ParseFloat(t.Size, 64)
		ts, _ := time.Parse(time.RFC3339, t.Time)
		side := venue.Buy
		if strings.EqualFold(t.Side, "SELL") {
			side = venue.Sell
		}
		out = append(out, venue.Trade{Venue: venue.Coinbase, Symbol: symbol, Price: price, Qty: qty, Side: side, Timestamp: ts})
	}
	return out, nil
}

func (a *Adapter) GetAccountBalance(ctx context.Context) ([]venue.Balance, error) {
	raw, err := a.request(ctx, http.MethodGet, "/api/v3/brokerage/accounts", nil)
	if err != nil {
		return nil, err
	}
	var env struct {
		Accounts []struct {
			Currency         string `json:"currency"`
			AvailableBalance struct {
				Value string `json:"value"`
			} `json:"available_balance"`
			Hold struct {
				Value string `json:"value"`
			} `json:"hold"`
		} `json:"accounts"`
	}
	if err := json.Unmarshal(raw, &env); err != nil {
		return nil, fmt.Errorf("%w: decoding accounts: %v", venue.ErrNetwork, err)
	}
	out := make([]venue.Balance, 0, len(env.Accounts))
	for _, acct := range env.Accounts {
		free, _ := strconv.ParseFloat(acct.AvailableBalance.Value, 64)
		locked, _ := strconv.ParseFloat(acct.Hold.Value, 64)
		out = append(out, venue.Balance{Asset: acct.Currency, Free: free, Locked: locked})
	}
	return out, nil
}

// toWireSymbol converts the canonical SymbolId to Coinbase's hyphenated
// product_id form ("BTCUSDT" -> "BTC-USD"; Coinbase trades against USD/USDC
// rather than USDT on most books, so a USDT suffix is mapped to USD).
func toWireSymbol(s string) string {
	up := strings.ToUpper(s)
	if strings.Contains(up, "-") {
		return up
	}
	for _, quote := range []string{"USDT", "USDC", "USD", "BTC", "ETH"} {
		if strings.HasSuffix(up, quote) && len(up) > len(quote) {
			base := up[:len(up)-len(quote)]
			if quote == "USDT" {
				quote = "USD"
			}
			return base + "-" + quote
		}
	}
	return up
}
