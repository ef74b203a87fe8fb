// Package book implements the per-symbol Aggregated Order Book (spec.md
// §4.C): per-venue top-of-book and optional depth, staleness tracking, and
// cross-venue aggregation with registration-order tie-breaks.
package book

import (
	"sort"
	"sync"
	"time"

	"github.com/sawpanic/exec-core/internal/venue"
)

// StalenessConfig holds the warning/max age thresholds for one book.
type StalenessConfig struct {
	WarningAge time.Duration
	MaxAge     time.Duration
}

// DefaultStalenessConfig matches the teacher's feed freshness defaults:
// warn past 2s, drop from aggregation past 5s.
func DefaultStalenessConfig() StalenessConfig {
	return StalenessConfig{WarningAge: 2 * time.Second, MaxAge: 5 * time.Second}
}

type venueRecord struct {
	order       int // registration order, used for deterministic tie-breaks
	bbo         venue.VenueBBO
	depth       venue.DepthSnapshot
	hasDepth    bool
	lastUpdate  time.Time
}

// Book is the aggregated order book for a single symbol.
type Book struct {
	mu      sync.RWMutex
	symbol  venue.SymbolId
	venues  map[venue.Venue]*venueRecord
	order   []venue.Venue // registration order
	staleCfg StalenessConfig
}

func New(symbol venue.SymbolId, cfg StalenessConfig) *Book {
	return &Book{symbol: symbol, venues: make(map[venue.Venue]*venueRecord), staleCfg: cfg}
}

func (b *Book) registerLocked(v venue.Venue) *venueRecord {
	rec, ok := b.venues[v]
	if !ok {
		rec = &venueRecord{order: len(b.order)}
		b.venues[v] = rec
		b.order = append(b.order, v)
	}
	return rec
}

// UpdateVenue replaces a venue's full depth snapshot and derives its BBO.
func (b *Book) UpdateVenue(snap venue.DepthSnapshot, now time.Time) {
	b.mu.Lock()
	defer b.mu.Unlock()
	rec := b.registerLocked(snap.Venue)
	rec.depth = snap
	rec.hasDepth = true
	rec.lastUpdate = now

	bbo := venue.VenueBBO{Venue: snap.Venue, TimestampNs: now.UnixNano()}
	if len(snap.Bids) > 0 {
		bbo.BidPrice, bbo.BidQty = snap.Bids[0].Price, snap.Bids[0].Qty
	}
	if len(snap.Asks) > 0 {
		bbo.AskPrice, bbo.AskQty = snap.Asks[0].Price, snap.Asks[0].Qty
	}
	rec.bbo = bbo
}

// UpdateVenueBBO updates only the top-of-book for a venue, without touching
// any previously stored depth.
func (b *Book) UpdateVenueBBO(bbo venue.VenueBBO, now time.Time) {
	b.mu.Lock()
	defer b.mu.Unlock()
	rec := b.registerLocked(bbo.Venue)
	bbo.TimestampNs = now.UnixNano()
	bbo.IsStale = false
	rec.bbo = bbo
	rec.lastUpdate = now
}

// MarkStale forces a venue's record stale regardless of age, e.g. on a feed
// disconnect notification.
func (b *Book) MarkStale(v venue.Venue) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if rec, ok := b.venues[v]; ok {
		rec.bbo.IsStale = true
	}
}

// RemoveVenue drops a venue from the book entirely (e.g. on unregistration).
func (b *Book) RemoveVenue(v venue.Venue) {
	b.mu.Lock()
	defer b.mu.Unlock()
	delete(b.venues, v)
	for i, ov := range b.order {
		if ov == v {
			b.order = append(b.order[:i], b.order[i+1:]...)
			break
		}
	}
}

// CheckStaleness flags every venue whose age exceeds MaxAge as stale; a
// venue that receives a fresh update afterward is un-flagged again by
// UpdateVenue/UpdateVenueBBO, matching spec.md §4.C's "stale venues
// reappear in aggregated BBO on the next fresh update".
func (b *Book) CheckStaleness(now time.Time) {
	b.mu.Lock()
	defer b.mu.Unlock()
	for _, rec := range b.venues {
		age := now.Sub(rec.lastUpdate)
		if age > b.staleCfg.MaxAge {
			rec.bbo.IsStale = true
		}
	}
}

// GetAggregatedBBO returns the best bid and ask across all non-stale
// venues. Ties (equal best price) are broken by registration order.
func (b *Book) GetAggregatedBBO() venue.AggregatedBBO {
	b.mu.RLock()
	defer b.mu.RUnlock()

	agg := venue.AggregatedBBO{Symbol: b.symbol}
	for _, v := range b.order {
		rec := b.venues[v]
		if rec.bbo.IsStale {
			continue
		}
		if rec.bbo.BidPrice > 0 {
			if !agg.HasBid || rec.bbo.BidPrice > agg.BestBid {
				agg.BestBid, agg.BestBidVenue, agg.HasBid = rec.bbo.BidPrice, v, true
			}
		}
		if rec.bbo.AskPrice > 0 {
			if !agg.HasAsk || rec.bbo.AskPrice < agg.BestAsk {
				agg.BestAsk, agg.BestAskVenue, agg.HasAsk = rec.bbo.AskPrice, v, true
			}
		}
	}
	return agg
}

// GetVenueBBO returns the last-known BBO for a single venue.
func (b *Book) GetVenueBBO(v venue.Venue) (venue.VenueBBO, bool) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	rec, ok := b.venues[v]
	if !ok {
		return venue.VenueBBO{}, false
	}
	return rec.bbo, true
}

// GetVenues returns the set of registered venues in registration order.
func (b *Book) GetVenues() []venue.Venue {
	b.mu.RLock()
	defer b.mu.RUnlock()
	out := make([]venue.Venue, len(b.order))
	copy(out, b.order)
	return out
}

// GetAggregatedBids merges bid ladders across non-stale venues with depth,
// sorted descending by price, to the requested depth.
func (b *Book) GetAggregatedBids(depth int) []venue.AggregatedLevel {
	return b.aggregatedLevels(depth, true)
}

// GetAggregatedAsks merges ask ladders across non-stale venues with depth,
// sorted ascending by price, to the requested depth.
func (b *Book) GetAggregatedAsks(depth int) []venue.AggregatedLevel {
	return b.aggregatedLevels(depth, false)
}

func (b *Book) aggregatedLevels(depth int, bids bool) []venue.AggregatedLevel {
	b.mu.RLock()
	defer b.mu.RUnlock()

	byPrice := make(map[float64]*venue.AggregatedLevel)
	var prices []float64
	for _, v := range b.order {
		rec := b.venues[v]
		if rec.bbo.IsStale || !rec.hasDepth {
			continue
		}
		levels := rec.depth.Asks
		if bids {
			levels = rec.depth.Bids
		}
		for _, lvl := range levels {
			agg, ok := byPrice[lvl.Price]
			if !ok {
				agg = &venue.AggregatedLevel{Price: lvl.Price, PerVenue: make(map[venue.Venue]float64)}
				byPrice[lvl.Price] = agg
				prices = append(prices, lvl.Price)
			}
			agg.TotalQty += lvl.Qty
			agg.PerVenue[v] += lvl.Qty
		}
	}

	sort.Slice(prices, func(i, j int) bool {
		if bids {
			return prices[i] > prices[j]
		}
		return prices[i] < prices[j]
	})
	if depth > 0 && len(prices) > depth {
		prices = prices[:depth]
	}
	out := make([]venue.AggregatedLevel, 0, len(prices))
	for _, p := range prices {
		out = append(out, *byPrice[p])
	}
	return out
}
