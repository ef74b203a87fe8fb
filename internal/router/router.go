// Package router implements the Smart Order Router (spec.md §4.G): a
// composite-scored venue ranking layered over the Coordinator, order
// splitting across venues, batch execution with optional atomicity, merged
// cancellation, and rolling venue-quality analytics.
package router

import (
	"context"
	"math"
	"sort"
	"sync"

	"github.com/sawpanic/exec-core/internal/adapter"
	"github.com/sawpanic/exec-core/internal/venue"
)

// Weights are the composite RoutingScore weights; spec.md §4.G requires
// they sum to 1.0.
type Weights struct {
	Price       float64
	Fee         float64
	Latency     float64
	Liquidity   float64
	Reliability float64
}

// DefaultWeights matches spec.md §4.G's stated defaults.
func DefaultWeights() Weights {
	return Weights{Price: 0.35, Fee: 0.20, Latency: 0.15, Liquidity: 0.20, Reliability: 0.10}
}

// VenueInputs is everything the router needs to score one venue for one
// routing decision; the caller (typically the Coordinator) assembles this
// from the aggregated book, latency tracker, and fee schedule.
type VenueInputs struct {
	Venue             venue.Venue
	Adapter           adapter.Adapter
	BestBid, BestAsk  float64
	MakerFee, TakerFee float64
	P50Ms             float64
	HasLatencySample  bool
	AvailableQtyTopK  float64 // liquidity available within top K levels on the favorable side
	MinOrderSize      float64
}

// VenueQuality is the rolling execution-analytics record for one venue.
type VenueQuality struct {
	mu              sync.Mutex
	SuccessCount    uint64
	FailureCount    uint64
	TotalSlippage   float64
	TotalFillRatio  float64
	Samples         uint64
	TotalFeePaid    float64
}

func (q *VenueQuality) record(expected, fill, requested, filled, feePaid float64, success bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if success {
		q.SuccessCount++
	} else {
		q.FailureCount++
	}
	q.Samples++
	q.TotalSlippage += expected - fill
	if requested > 0 {
		q.TotalFillRatio += filled / requested
	}
	q.TotalFeePaid += feePaid
}

// reliabilityScore applies a small Bayesian prior (1 success, 1 failure)
// so a venue with zero history scores 0.5 rather than 0 or undefined.
func (q *VenueQuality) reliabilityScore() float64 {
	q.mu.Lock()
	defer q.mu.Unlock()
	s, f := float64(q.SuccessCount)+1, float64(q.FailureCount)+1
	return s / (s + f)
}

// Router scores venues and executes orders — single, split, or batched —
// across the adapters it's given per call; it holds no adapter registry of
// its own, deferring ownership to the Coordinator.
type Router struct {
	mu       sync.Mutex
	weights  Weights
	quality  map[venue.Venue]*VenueQuality
}

func New(weights Weights) *Router {
	return &Router{weights: weights, quality: make(map[venue.Venue]*VenueQuality)}
}

func (r *Router) qualityFor(v venue.Venue) *VenueQuality {
	r.mu.Lock()
	defer r.mu.Unlock()
	q, ok := r.quality[v]
	if !ok {
		q = &VenueQuality{}
		r.quality[v] = q
	}
	return q
}

// Scored pairs a venue with its computed RoutingScore.
type Scored struct {
	Venue venue.Venue
	Score float64
}

// Score computes the composite RoutingScore for every eligible venue in
// inputs and returns them sorted descending by score.
func (r *Router) Score(side venue.OrderSide, qty float64, inputs []VenueInputs) []Scored {
	if len(inputs) == 0 {
		return nil
	}
	var maxFee, maxP50 float64
	for _, in := range inputs {
		if f := math.Max(in.MakerFee, in.TakerFee); f > maxFee {
			maxFee = f
		}
		if in.HasLatencySample && in.P50Ms > maxP50 {
			maxP50 = in.P50Ms
		}
	}
	var effPrices []float64
	for _, in := range inputs {
		effPrices = append(effPrices, effectivePrice(side, in))
	}
	minEff, maxEff := minMax(effPrices)

	out := make([]Scored, 0, len(inputs))
	for i, in := range inputs {
		priceScore := normalizedPriceScore(side, effPrices[i], minEff, maxEff)
		feeScore := 1.0
		if maxFee > 0 {
			feeScore = 1 - math.Min(in.MakerFee, in.TakerFee)/maxFee
		}
		latencyScore := 0.5
		if maxP50 > 0 && in.HasLatencySample {
			latencyScore = 1 - in.P50Ms/maxP50
		}
		liquidityScore := 0.0
		if qty > 0 {
			liquidityScore = math.Min(1.0, in.AvailableQtyTopK/qty)
		}
		reliabilityScore := r.qualityFor(in.Venue).reliabilityScore()

		score := r.weights.Price*priceScore + r.weights.Fee*feeScore +
			r.weights.Latency*latencyScore + r.weights.Liquidity*liquidityScore +
			r.weights.Reliability*reliabilityScore
		out = append(out, Scored{Venue: in.Venue, Score: score})
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].Score > out[j].Score })
	return out
}

func effectivePrice(side venue.OrderSide, in VenueInputs) float64 {
	if side == venue.Buy {
		return in.BestAsk * (1 + in.TakerFee)
	}
	return in.BestBid * (1 - in.TakerFee)
}

func normalizedPriceScore(side venue.OrderSide, eff, min, max float64) float64 {
	if max == min {
		return 1.0
	}
	if side == venue.Buy {
		return (max - eff) / (max - min) // lower effective ask is better
	}
	return (eff - min) / (max - min) // higher effective bid is better
}

func minMax(vals []float64) (float64, float64) {
	if len(vals) == 0 {
		return 0, 0
	}
	min, max := vals[0], vals[0]
	for _, v := range vals[1:] {
		if v < min {
			min = v
		}
		if v > max {
			max = v
		}
	}
	return min, max
}

// OrderSplit is one venue's slice of a split parent order.
type OrderSplit struct {
	Venue venue.Venue
	Qty   float64
}

// SplitOrder distributes qty across the ranked venues in inputs, consuming
// up to min(maxSingleVenuePct*qty, available liquidity) from the
// highest-scored venue first, per spec.md §4.G. Venues below MinOrderSize
// are skipped.
func (r *Router) SplitOrder(side venue.OrderSide, qty float64, maxSingleVenuePct float64, inputs []VenueInputs) []OrderSplit {
	ranked := r.Score(side, qty, inputs)
	byVenue := make(map[venue.Venue]VenueInputs, len(inputs))
	for _, in := range inputs {
		byVenue[in.Venue] = in
	}

	perVenueCap := maxSingleVenuePct * qty
	remaining := qty
	var splits []OrderSplit
	for _, s := range ranked {
		if remaining <= 0 {
			break
		}
		in := byVenue[s.Venue]
		take := math.Min(perVenueCap, in.AvailableQtyTopK)
		take = math.Min(take, remaining)
		if take < in.MinOrderSize {
			continue
		}
		if take <= 0 {
			continue
		}
		splits = append(splits, OrderSplit{Venue: s.Venue, Qty: take})
		remaining -= take
	}
	return splits
}

// ChildResult is one child order's outcome within a batch.
type ChildResult struct {
	Venue  venue.Venue
	Report venue.ExecutionReport
	Err    error
}

// BatchResult summarizes execute_batch's outcome.
type BatchResult struct {
	Children []ChildResult
	Aborted  bool // true when atomic=true and a compensating-cancel rollback occurred
}

// ExecuteBatch places every (venue, request) pair in batch. If atomic is
// true and any child fails, already-placed children are cancelled and
// Aborted is set; if atomic is false every order is independent and all
// results are returned regardless of individual failures.
func (r *Router) ExecuteBatch(ctx context.Context, batch map[venue.Venue]adapter.Adapter, reqs map[venue.Venue]venue.PlaceOrderRequest, atomic bool) BatchResult {
	var result BatchResult
	var placed []ChildResult

	for v, a := range batch {
		req, ok := reqs[v]
		if !ok {
			continue
		}
		report, err := a.PlaceOrder(ctx, req)
		cr := ChildResult{Venue: v, Report: report, Err: err}
		placed = append(placed, cr)
		q := r.qualityFor(v)
		q.record(0, 0, req.Qty, report.LastFillQty, 0, err == nil)

		if atomic && err != nil {
			for _, prior := range placed[:len(placed)-1] {
				if prior.Err == nil {
					_ = batch[prior.Venue].CancelOrderByID(ctx, prior.Report.Symbol, prior.Report.ClientOrderID)
				}
			}
			result.Children = placed
			result.Aborted = true
			return result
		}
	}
	result.Children = placed
	return result
}

// CancelResult is one id's cancel outcome within a merged cancel.
type CancelResult struct {
	ClientOrderID string
	Err           error
}

// CancelMerged issues cancels for every id against adapters, serially
// within a venue (to respect per-venue rate limits) and in parallel across
// venues.
func (r *Router) CancelMerged(ctx context.Context, adapters map[venue.Venue]adapter.Adapter, symbol venue.SymbolId, idsByVenue map[venue.Venue][]string) map[venue.Venue][]CancelResult {
	results := make(map[venue.Venue][]CancelResult, len(idsByVenue))
	var mu sync.Mutex
	var wg sync.WaitGroup

	for v, ids := range idsByVenue {
		a, ok := adapters[v]
		if !ok {
			continue
		}
		wg.Add(1)
		go func(v venue.Venue, a adapter.Adapter, ids []string) {
			defer wg.Done()
			var venueResults []CancelResult
			for _, id := range ids {
				err := a.CancelOrderByID(ctx, symbol, id)
				venueResults = append(venueResults, CancelResult{ClientOrderID: id, Err: err})
			}
			mu.Lock()
			results[v] = venueResults
			mu.Unlock()
		}(v, a, ids)
	}
	wg.Wait()
	return results
}

// RecordExecution updates the rolling VenueQuality analytics for v after a
// successful execution, per spec.md §4.G.
func (r *Router) RecordExecution(v venue.Venue, expectedPrice, fillPrice, requestedQty, filledQty, feePaid float64) {
	r.qualityFor(v).record(expectedPrice, fillPrice, requestedQty, filledQty, feePaid, true)
}

// QualitySnapshot is a read-only view of a venue's rolling analytics.
type QualitySnapshot struct {
	SuccessCount   uint64
	FailureCount   uint64
	AvgSlippage    float64
	AvgFillRatio   float64
	TotalFeePaid   float64
}

func (r *Router) Quality(v venue.Venue) QualitySnapshot {
	q := r.qualityFor(v)
	q.mu.Lock()
	defer q.mu.Unlock()
	snap := QualitySnapshot{SuccessCount: q.SuccessCount, FailureCount: q.FailureCount, TotalFeePaid: q.TotalFeePaid}
	if q.Samples > 0 {
		snap.AvgSlippage = q.TotalSlippage / float64(q.Samples)
		snap.AvgFillRatio = q.TotalFillRatio / float64(q.Samples)
	}
	return snap
}
