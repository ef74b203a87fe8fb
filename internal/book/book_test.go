package book

import (
	"testing"
	"time"

	"github.com/sawpanic/exec-core/internal/venue"
)

func TestGetAggregatedBBOPicksBestAcrossVenues(t *testing.T) {
	b := New("BTCUSDT", DefaultStalenessConfig())
	now := time.Now()
	b.UpdateVenueBBO(venue.VenueBBO{Venue: venue.Binance, BidPrice: 100, AskPrice: 101}, now)
	b.UpdateVenueBBO(venue.VenueBBO{Venue: venue.OKX, BidPrice: 100.5, AskPrice: 100.8}, now)

	agg := b.GetAggregatedBBO()
	if agg.BestBid != 100.5 || agg.BestBidVenue != venue.OKX {
		t.Errorf("best bid = %v @ %v, want 100.5 @ okx", agg.BestBid, agg.BestBidVenue)
	}
	if agg.BestAsk != 100.8 || agg.BestAskVenue != venue.OKX {
		t.Errorf("best ask = %v @ %v, want 100.8 @ okx", agg.BestAsk, agg.BestAskVenue)
	}
}

func TestStaleVenueExcludedThenReappearsOnFreshUpdate(t *testing.T) {
	b := New("BTCUSDT", StalenessConfig{WarningAge: time.Second, MaxAge: 2 * time.Second})
	base := time.Now()
	b.UpdateVenueBBO(venue.VenueBBO{Venue: venue.Binance, BidPrice: 100, AskPrice: 101}, base)

	b.CheckStaleness(base.Add(3 * time.Second))
	agg := b.GetAggregatedBBO()
	if agg.HasBid {
		t.Fatal("expected stale venue excluded from aggregated BBO")
	}

	b.UpdateVenueBBO(venue.VenueBBO{Venue: venue.Binance, BidPrice: 102, AskPrice: 103}, base.Add(4*time.Second))
	agg = b.GetAggregatedBBO()
	if !agg.HasBid || agg.BestBid != 102 {
		t.Errorf("expected fresh update to reinstate venue, got %+v", agg)
	}
}

func TestMarkStaleAndRemoveVenue(t *testing.T) {
	b := New("BTCUSDT", DefaultStalenessConfig())
	now := time.Now()
	b.UpdateVenueBBO(venue.VenueBBO{Venue: venue.Binance, BidPrice: 100, AskPrice: 101}, now)
	b.MarkStale(venue.Binance)
	if agg := b.GetAggregatedBBO(); agg.HasBid {
		t.Fatal("expected marked-stale venue excluded")
	}

	b.RemoveVenue(venue.Binance)
	if got := b.GetVenues(); len(got) != 0 {
		t.Errorf("expected no venues after removal, got %v", got)
	}
}

func TestAggregatedBidsTieBreakByRegistrationOrder(t *testing.T) {
	b := New("BTCUSDT", DefaultStalenessConfig())
	now := time.Now()
	b.UpdateVenue(venue.DepthSnapshot{
		Venue: venue.Binance,
		Bids:  []venue.PriceLevel{{Price: 100, Qty: 1}},
	}, now)
	b.UpdateVenue(venue.DepthSnapshot{
		Venue: venue.OKX,
		Bids:  []venue.PriceLevel{{Price: 100, Qty: 2}},
	}, now)

	levels := b.GetAggregatedBids(10)
	if len(levels) != 1 {
		t.Fatalf("expected one merged price level, got %d", len(levels))
	}
	if levels[0].TotalQty != 3 {
		t.Errorf("total qty = %v, want 3", levels[0].TotalQty)
	}
	if levels[0].PerVenue[venue.Binance] != 1 || levels[0].PerVenue[venue.OKX] != 2 {
		t.Errorf("unexpected per-venue split: %+v", levels[0].PerVenue)
	}
}

func TestGetAggregatedAsksSortedAscending(t *testing.T) {
	b := New("BTCUSDT", DefaultStalenessConfig())
	now := time.Now()
	b.UpdateVenue(venue.DepthSnapshot{
		Venue: venue.Binance,
		Asks:  []venue.PriceLevel{{Price: 102, Qty: 1}, {Price: 101, Qty: 1}},
	}, now)

	levels := b.GetAggregatedAsks(10)
	if len(levels) != 2 || levels[0].Price != 101 || levels[1].Price != 102 {
		t.Errorf("unexpected ask order: %+v", levels)
	}
}
