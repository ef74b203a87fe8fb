// Package coordinator implements the Exchange Coordinator façade
// (spec.md §4.F): it owns adapters, per-symbol aggregated books, a latency
// tracker and a position aggregator, and dispatches orders per a
// configurable routing strategy.
package coordinator

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/sawpanic/exec-core/internal/adapter"
	"github.com/sawpanic/exec-core/internal/book"
	"github.com/sawpanic/exec-core/internal/latency"
	"github.com/sawpanic/exec-core/internal/position"
	"github.com/sawpanic/exec-core/internal/router"
	"github.com/sawpanic/exec-core/internal/venue"
)

// RoutingStrategy selects which venue a venue-less PlaceOrder dispatches to.
type RoutingStrategy int

const (
	BestPrice RoutingStrategy = iota
	LowestLatency
	Balanced
	RoundRobin
	WeightedRandom
)

// ExecutionCallback is invoked for every ExecutionReport the Coordinator
// accepts from its own PlaceOrder, CancelOrder and SmartRoute calls;
// reports dropped by the monotonic status filter are not delivered.
type ExecutionCallback func(venue.ExecutionReport)

type registeredAdapter struct {
	order int
	a     adapter.Adapter
	weight float64
}

// Coordinator is the strategy-facing façade over the execution core.
type Coordinator struct {
	mu       sync.RWMutex
	adapters map[venue.Venue]*registeredAdapter
	order    []venue.Venue

	books    map[venue.SymbolId]*book.Book
	staleCfg book.StalenessConfig

	latencyTracker *latency.Tracker
	positions      *position.Aggregator

	strategy     RoutingStrategy
	defaultVenue venue.Venue
	hasDefault   bool
	rrIndex      int
	balancedLatencyWeight float64

	execCallback ExecutionCallback

	orderStatus map[string]venue.OrderStatus // client_order_id -> last-seen status, for monotonic filtering
	orderSide   map[string]venue.OrderSide   // client_order_id -> side, recorded at submission for fill accounting

	log zerolog.Logger
}

func New() *Coordinator {
	return &Coordinator{
		adapters:              make(map[venue.Venue]*registeredAdapter),
		books:                 make(map[venue.SymbolId]*book.Book),
		staleCfg:              book.DefaultStalenessConfig(),
		latencyTracker:        latency.NewTracker(latency.DefaultWindow()),
		positions:             position.New(),
		balancedLatencyWeight: 0.5,
		orderStatus:           make(map[string]venue.OrderStatus),
		orderSide:             make(map[string]venue.OrderSide),
		log:                   log.With().Str("component", "coordinator").Logger(),
	}
}

// RegisterAdapter adds an adapter under v, assigning it the next
// registration-order slot used for routing tie-breaks and RoundRobin.
func (c *Coordinator) RegisterAdapter(v venue.Venue, a adapter.Adapter, weight float64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, exists := c.adapters[v]; exists {
		c.adapters[v].a = a
		c.adapters[v].weight = weight
		return
	}
	c.adapters[v] = &registeredAdapter{order: len(c.order), a: a, weight: weight}
	c.order = append(c.order, v)
}

// UnregisterAdapter removes v from routing consideration.
func (c *Coordinator) UnregisterAdapter(v venue.Venue) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.adapters, v)
	for i, ov := range c.order {
		if ov == v {
			c.order = append(c.order[:i], c.order[i+1:]...)
			break
		}
	}
}

func (c *Coordinator) SetDefaultVenue(v venue.Venue) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.defaultVenue, c.hasDefault = v, true
}

func (c *Coordinator) SetRoutingStrategy(s RoutingStrategy) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.strategy = s
}

func (c *Coordinator) SetVenueWeight(v venue.Venue, weight float64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if rec, ok := c.adapters[v]; ok {
		rec.weight = weight
	}
}

func (c *Coordinator) SubscribeExecutions(cb ExecutionCallback) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.execCallback = cb
}

func (c *Coordinator) bookFor(s venue.SymbolId) *book.Book {
	c.mu.Lock()
	defer c.mu.Unlock()
	b, ok := c.books[s]
	if !ok {
		b = book.New(s, c.staleCfg)
		c.books[s] = b
	}
	return b
}

// GetAggregatedBBO returns the current aggregated BBO for a symbol.
func (c *Coordinator) GetAggregatedBBO(s venue.SymbolId) venue.AggregatedBBO {
	return c.bookFor(s).GetAggregatedBBO()
}

// GetPosition returns the current position for (venue, symbol).
func (c *Coordinator) GetPosition(v venue.Venue, s venue.SymbolId) position.Position {
	return c.positions.Get(v, s)
}

// GetTotalPnL sums realized + unrealized PnL across every tracked position.
func (c *Coordinator) GetTotalPnL() float64 {
	return c.positions.TotalPnL()
}

// ExchangeStatus is the per-venue health snapshot (spec.md SUPPLEMENTED
// FEATURES: a per-venue health surface for operational visibility).
type ExchangeStatus struct {
	Venue       venue.Venue
	Connected   bool
	P50LatencyMs float64
	HasLatency  bool
}

// GetExchangeStatus reports connectivity and latency health for v.
func (c *Coordinator) GetExchangeStatus(v venue.Venue) (ExchangeStatus, error) {
	c.mu.RLock()
	rec, ok := c.adapters[v]
	c.mu.RUnlock()
	if !ok {
		return ExchangeStatus{}, fmt.Errorf("coordinator: venue %s is not registered", v)
	}
	p50, hasLatency := c.latencyTracker.P50(v, time.Now())
	return ExchangeStatus{Venue: v, Connected: rec.a.IsConnected(), P50LatencyMs: p50, HasLatency: hasLatency}, nil
}

// RecordLatency feeds an observed round-trip latency into the tracker used
// by LowestLatency/Balanced routing and venue health checks.
func (c *Coordinator) RecordLatency(v venue.Venue, d time.Duration) {
	c.latencyTracker.RecordLatency(v, d, time.Now())
}

// OnMarketData feeds a fresh BBO observation for a symbol/venue into the
// aggregated book, the input the routing strategies read from.
func (c *Coordinator) OnMarketData(s venue.SymbolId, bbo venue.VenueBBO) {
	c.bookFor(s).UpdateVenueBBO(bbo, time.Now())
}

var ErrNoEligibleVenue = errors.New("coordinator: no eligible venue for routing")

// selectVenue applies the configured strategy to choose a destination
// venue for (symbol, side). Callers must already hold no lock; this method
// takes its own snapshot of state.
func (c *Coordinator) selectVenue(s venue.SymbolId, side venue.OrderSide) (venue.Venue, error) {
	c.mu.RLock()
	candidates := make([]venue.Venue, len(c.order))
	copy(candidates, c.order)
	strategy := c.strategy
	latencyWeight := c.balancedLatencyWeight
	weights := make(map[venue.Venue]float64, len(c.adapters))
	for v, rec := range c.adapters {
		weights[v] = rec.weight
	}
	c.mu.RUnlock()

	if len(candidates) == 0 {
		return venue.Unknown, ErrNoEligibleVenue
	}

	now := time.Now()
	agg := c.bookFor(s).GetAggregatedBBO()

	switch strategy {
	case LowestLatency:
		ranked := c.latencyTracker.GetVenuesByLatency(candidates, now)
		if len(ranked) == 0 {
			return venue.Unknown, ErrNoEligibleVenue
		}
		return ranked[0].Venue, nil

	case RoundRobin:
		c.mu.Lock()
		idx := c.rrIndex % len(c.order)
		c.rrIndex++
		v := c.order[idx]
		c.mu.Unlock()
		return v, nil

	case WeightedRandom:
		var total float64
		for _, v := range candidates {
			total += weights[v]
		}
		if total <= 0 {
			return candidates[0], nil
		}
		r := rand.Float64() * total
		var cum float64
		for _, v := range candidates {
			cum += weights[v]
			if r <= cum {
				return v, nil
			}
		}
		return candidates[len(candidates)-1], nil

	case Balanced:
		return c.selectBalanced(candidates, side, agg, latencyWeight, now)

	default: // BestPrice
		return c.selectBestPrice(candidates, side, agg, now)
	}
}

func (c *Coordinator) selectBestPrice(candidates []venue.Venue, side venue.OrderSide, agg venue.AggregatedBBO, now time.Time) (venue.Venue, error) {
	if side == venue.Buy && agg.HasAsk {
		return agg.BestAskVenue, nil
	}
	if side == venue.Sell && agg.HasBid {
		return agg.BestBidVenue, nil
	}
	// No aggregated price observed yet: fall back to lowest-latency, then
	// registration order, matching the tie-break chain spec.md §4.F names.
	ranked := c.latencyTracker.GetVenuesByLatency(candidates, now)
	for _, r := range ranked {
		if r.HasSample {
			return r.Venue, nil
		}
	}
	if len(candidates) == 0 {
		return venue.Unknown, ErrNoEligibleVenue
	}
	return candidates[0], nil
}

func (c *Coordinator) selectBalanced(candidates []venue.Venue, side venue.OrderSide, agg venue.AggregatedBBO, latencyWeight float64, now time.Time) (venue.Venue, error) {
	if len(candidates) == 0 {
		return venue.Unknown, ErrNoEligibleVenue
	}

	var maxP50 float64
	p50s := make(map[venue.Venue]float64, len(candidates))
	for _, v := range candidates {
		p50, ok := c.latencyTracker.P50(v, now)
		if ok {
			p50s[v] = p50
			if p50 > maxP50 {
				maxP50 = p50
			}
		}
	}

	var bestVenue venue.Venue
	bestScore := -1.0
	for _, v := range candidates {
		priceScore := c.priceScoreFor(v, side, agg)
		latencyScore := 0.0
		if maxP50 > 0 {
			if p50, ok := p50s[v]; ok {
				latencyScore = 1 - p50/maxP50
			}
		}
		score := (1-latencyWeight)*priceScore + latencyWeight*latencyScore
		if score > bestScore {
			bestScore, bestVenue = score, v
		}
	}
	return bestVenue, nil
}

func (c *Coordinator) priceScoreFor(v venue.Venue, side venue.OrderSide, agg venue.AggregatedBBO) float64 {
	if side == venue.Buy && agg.HasAsk && agg.BestAskVenue == v {
		return 1.0
	}
	if side == venue.Sell && agg.HasBid && agg.BestBidVenue == v {
		return 1.0
	}
	return 0.0
}

// SmartRouteFees supplies the maker/taker fee rate pair a Router needs per
// venue to score effective price; the Coordinator carries no fee model of
// its own, so callers assemble this from their own fee schedule.
type SmartRouteFees map[venue.Venue][2]float64

func (f SmartRouteFees) rates(v venue.Venue) (maker, taker float64) {
	r := f[v]
	return r[0], r[1]
}

// venueInputsFor assembles router.VenueInputs for every venue that has a
// live BBO for s, reading book and latency state the Router itself holds no
// copy of. This realizes spec.md §5's SmartOrderRouter→Coordinator ownership
// edge: the Router depends on the Coordinator for market state rather than
// maintaining its own registry.
func (c *Coordinator) venueInputsFor(s venue.SymbolId, side venue.OrderSide, fees SmartRouteFees) []router.VenueInputs {
	c.mu.RLock()
	vs := make([]venue.Venue, len(c.order))
	copy(vs, c.order)
	adapters := make(map[venue.Venue]adapter.Adapter, len(c.adapters))
	for v, rec := range c.adapters {
		adapters[v] = rec.a
	}
	c.mu.RUnlock()

	b := c.bookFor(s)
	now := time.Now()
	var out []router.VenueInputs
	for _, v := range vs {
		bbo, ok := b.GetVenueBBO(v)
		if !ok || bbo.IsStale {
			continue
		}
		p50, hasLatency := c.latencyTracker.P50(v, now)
		maker, taker := fees.rates(v)
		avail := bbo.AskQty
		if side == venue.Sell {
			avail = bbo.BidQty
		}
		out = append(out, router.VenueInputs{
			Venue:            v,
			Adapter:          adapters[v],
			BestBid:          bbo.BidPrice,
			BestAsk:          bbo.AskPrice,
			MakerFee:         maker,
			TakerFee:         taker,
			P50Ms:            p50,
			HasLatencySample: hasLatency,
			AvailableQtyTopK: avail,
		})
	}
	return out
}

// SmartRoute splits req across venues using r's composite RoutingScore and
// dispatches the resulting child orders through this Coordinator's adapters,
// folding each child's ExecutionReport through the same monotonic-status and
// position-accounting path PlaceOrder uses.
func (c *Coordinator) SmartRoute(ctx context.Context, r *router.Router, req venue.PlaceOrderRequest, maxSingleVenuePct float64, fees SmartRouteFees) (router.BatchResult, error) {
	inputs := c.venueInputsFor(req.Symbol, req.Side, fees)
	if len(inputs) == 0 {
		return router.BatchResult{}, ErrNoEligibleVenue
	}

	splits := r.SplitOrder(req.Side, req.Qty, maxSingleVenuePct, inputs)
	if len(splits) == 0 {
		return router.BatchResult{}, ErrNoEligibleVenue
	}

	c.mu.RLock()
	batch := make(map[venue.Venue]adapter.Adapter, len(splits))
	for _, s := range splits {
		if rec, ok := c.adapters[s.Venue]; ok {
			batch[s.Venue] = rec.a
		}
	}
	c.mu.RUnlock()

	reqs := make(map[venue.Venue]venue.PlaceOrderRequest, len(splits))
	for i, s := range splits {
		child := req
		child.Qty = s.Qty
		child.ClientOrderID = fmt.Sprintf("%s-%d", req.ClientOrderID, i)
		c.mu.Lock()
		c.orderSide[child.ClientOrderID] = child.Side
		c.mu.Unlock()
		reqs[s.Venue] = child
	}

	result := r.ExecuteBatch(ctx, batch, reqs, false)
	for _, cr := range result.Children {
		if cr.Err == nil {
			c.observeReport(cr.Report)
		}
	}
	return result, nil
}

// PlaceOrder dispatches req either to an explicit venue (when v is given)
// or to the venue chosen by the configured routing strategy, falling back
// to the configured default venue when routing yields nothing.
func (c *Coordinator) PlaceOrder(ctx context.Context, req venue.PlaceOrderRequest, v *venue.Venue) (venue.ExecutionReport, error) {
	target, err := c.resolveVenue(req.Symbol, req.Side, v)
	if err != nil {
		return venue.ExecutionReport{}, err
	}

	c.mu.RLock()
	rec, ok := c.adapters[target]
	c.mu.RUnlock()
	if !ok {
		return venue.ExecutionReport{}, fmt.Errorf("coordinator: venue %s is not registered", target)
	}

	c.mu.Lock()
	c.orderSide[req.ClientOrderID] = req.Side
	c.mu.Unlock()

	report, err := rec.a.PlaceOrder(ctx, req)
	if err != nil {
		return report, err
	}
	c.observeReport(report)
	return report, nil
}

func (c *Coordinator) resolveVenue(s venue.SymbolId, side venue.OrderSide, explicit *venue.Venue) (venue.Venue, error) {
	if explicit != nil {
		return *explicit, nil
	}
	v, err := c.selectVenue(s, side)
	if err == nil {
		return v, nil
	}
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.hasDefault {
		return c.defaultVenue, nil
	}
	return venue.Unknown, err
}

// CancelOrder cancels an order on the given venue.
func (c *Coordinator) CancelOrder(ctx context.Context, v venue.Venue, req venue.CancelOrderRequest) (venue.ExecutionReport, error) {
	c.mu.RLock()
	rec, ok := c.adapters[v]
	c.mu.RUnlock()
	if !ok {
		return venue.ExecutionReport{}, fmt.Errorf("coordinator: venue %s is not registered", v)
	}
	report, err := rec.a.CancelOrder(ctx, req)
	if err != nil {
		return report, err
	}
	c.observeReport(report)
	return report, nil
}

// observeReport applies the monotonic status filter spec.md §4.F requires
// (events arriving out of order are ignored if they would regress status,
// and any report after a terminal status is ignored, fills included),
// updates position accounting on fills, and fans out to the subscribed
// execution callback.
func (c *Coordinator) observeReport(report venue.ExecutionReport) {
	c.mu.Lock()
	prev, seen := c.orderStatus[report.ClientOrderID]
	if seen && !prev.AllowsTransitionTo(report.Status) && (prev != report.Status || prev.IsTerminal()) {
		c.mu.Unlock()
		return
	}
	c.orderStatus[report.ClientOrderID] = report.Status
	side, hasSide := c.orderSide[report.ClientOrderID]
	cb := c.execCallback
	c.mu.Unlock()

	if report.LastFillQty > 0 && hasSide {
		c.positions.OnFill(report.Venue, report.Symbol, side, report.LastFillQty, report.LastFillPrice)
	}
	if cb != nil {
		cb(report)
	}
}
