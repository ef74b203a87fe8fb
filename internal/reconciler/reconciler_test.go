package reconciler

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/sawpanic/exec-core/internal/venue"
)

type fakeStore struct {
	mu     sync.Mutex
	orders map[string]LocalOrder
}

func newFakeStore(orders ...LocalOrder) *fakeStore {
	s := &fakeStore{orders: make(map[string]LocalOrder)}
	for _, o := range orders {
		s.orders[o.ClientOrderID] = o
	}
	return s
}

func (s *fakeStore) OpenOrders(symbol venue.SymbolId) []LocalOrder {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []LocalOrder
	for _, o := range s.orders {
		if o.Symbol == symbol {
			out = append(out, o)
		}
	}
	return out
}

func (s *fakeStore) ApplyUpdate(o LocalOrder) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.orders[o.ClientOrderID] = o
}

type fakeQuery struct {
	open      []venue.ExecutionReport
	cancelled []string
	cancelErr error
}

func (f *fakeQuery) QueryOpenOrders(ctx context.Context, symbol venue.SymbolId) ([]venue.ExecutionReport, error) {
	return f.open, nil
}

func (f *fakeQuery) QueryOrdersInWindow(ctx context.Context, symbol venue.SymbolId, startMs, endMs int64) ([]venue.ExecutionReport, error) {
	return nil, nil
}

func (f *fakeQuery) CancelOrderByID(ctx context.Context, symbol venue.SymbolId, clientOrderID string) error {
	if f.cancelErr != nil {
		return f.cancelErr
	}
	f.cancelled = append(f.cancelled, clientOrderID)
	return nil
}

func TestReconcileNowDetectsAndCancelsOrphan(t *testing.T) {
	store := newFakeStore()
	q := &fakeQuery{open: []venue.ExecutionReport{
		{Symbol: "BTCUSDT", ClientOrderID: "orphan-1", Status: venue.StatusAccepted},
	}}
	cfg := DefaultConfig()
	cfg.ReconciliationInterval = time.Hour
	r := New(cfg, store)
	r.RegisterVenue(venue.Binance, q, []venue.SymbolId{"BTCUSDT"})

	reports := r.ReconcileNow(context.Background())
	if len(reports) != 1 {
		t.Fatalf("expected 1 report, got %d", len(reports))
	}
	rep := reports[0]
	if rep.Orphans != 1 || rep.OrphansCancelled != 1 {
		t.Errorf("expected orphan detected and cancelled, got %+v", rep)
	}
	if rep.MaxSeverity != SeverityError {
		t.Errorf("severity = %v, want error", rep.MaxSeverity)
	}
	if len(q.cancelled) != 1 || q.cancelled[0] != "orphan-1" {
		t.Errorf("expected cancel call for orphan-1, got %v", q.cancelled)
	}
}

func TestReconcileNowFlagsLocalTerminalExchangeOpenAsCritical(t *testing.T) {
	store := newFakeStore(LocalOrder{ClientOrderID: "x1", Symbol: "BTCUSDT", Status: venue.StatusFilled, FilledQty: 1})
	q := &fakeQuery{open: []venue.ExecutionReport{
		{Symbol: "BTCUSDT", ClientOrderID: "x1", Status: venue.StatusAccepted, LastFillQty: 0.5},
	}}
	r := New(DefaultConfig(), store)
	r.RegisterVenue(venue.OKX, q, []venue.SymbolId{"BTCUSDT"})

	reports := r.ReconcileNow(context.Background())
	rep := reports[0]
	if rep.MismatchesFound != 1 || rep.MaxSeverity != SeverityCritical {
		t.Errorf("expected 1 critical mismatch, got %+v", rep)
	}
}

func TestReconcileNowAutoUpdatesProgressMismatch(t *testing.T) {
	store := newFakeStore(LocalOrder{ClientOrderID: "p1", Symbol: "BTCUSDT", Status: venue.StatusAccepted, FilledQty: 0.1, AvgPrice: 100})
	q := &fakeQuery{open: []venue.ExecutionReport{
		{Symbol: "BTCUSDT", ClientOrderID: "p1", Status: venue.StatusPartiallyFilled, LastFillQty: 0.5, LastFillPrice: 100},
	}}
	r := New(DefaultConfig(), store)
	r.RegisterVenue(venue.Bybit, q, []venue.SymbolId{"BTCUSDT"})

	reports := r.ReconcileNow(context.Background())
	rep := reports[0]
	if rep.AutoUpdated != 1 || rep.MaxSeverity != SeverityWarning {
		t.Errorf("expected 1 auto-updated warning, got %+v", rep)
	}
	updated := store.OpenOrders("BTCUSDT")[0]
	if updated.FilledQty != 0.5 {
		t.Errorf("local store not updated: %+v", updated)
	}
}

func TestReconcileNowMatchesCleanOrder(t *testing.T) {
	store := newFakeStore(LocalOrder{ClientOrderID: "m1", Symbol: "BTCUSDT", Status: venue.StatusAccepted, FilledQty: 0.3, AvgPrice: 100})
	q := &fakeQuery{open: []venue.ExecutionReport{
		{Symbol: "BTCUSDT", ClientOrderID: "m1", Status: venue.StatusAccepted, LastFillQty: 0.3, LastFillPrice: 100},
	}}
	r := New(DefaultConfig(), store)
	r.RegisterVenue(venue.Coinbase, q, []venue.SymbolId{"BTCUSDT"})

	reports := r.ReconcileNow(context.Background())
	rep := reports[0]
	if rep.MismatchesFound != 0 || rep.OrdersMatched != 1 {
		t.Errorf("expected clean match, got %+v", rep)
	}
}

func TestRecordStrategyMismatchFreezesAfterThreshold(t *testing.T) {
	cfg := DefaultConfig()
	cfg.MaxMismatchesBeforeFreeze = 2
	r := New(cfg, newFakeStore())
	var frozen string
	r.SetFreezeCallback(func(id string) { frozen = id })

	r.RecordStrategyMismatch("strat-1")
	if r.IsFrozen("strat-1") {
		t.Fatal("should not be frozen after 1 mismatch")
	}
	r.RecordStrategyMismatch("strat-1")
	if !r.IsFrozen("strat-1") {
		t.Fatal("expected strat-1 frozen after 2 mismatches")
	}
	if frozen != "strat-1" {
		t.Errorf("freeze callback got %q, want strat-1", frozen)
	}

	r.ResumeStrategy("strat-1")
	if r.IsFrozen("strat-1") {
		t.Fatal("expected strat-1 unfrozen after resume")
	}
}

func TestCriticalMismatchAutoFreezesOwningStrategy(t *testing.T) {
	store := newFakeStore(LocalOrder{
		ClientOrderID: "strat-7-1700000000-1-aaaaaaaa", StrategyID: "strat-7",
		Symbol: "BTCUSDT", Status: venue.StatusFilled, FilledQty: 1,
	})
	q := &fakeQuery{open: []venue.ExecutionReport{
		{Symbol: "BTCUSDT", ClientOrderID: "strat-7-1700000000-1-aaaaaaaa", Status: venue.StatusAccepted, LastFillQty: 0.5},
	}}
	cfg := DefaultConfig()
	cfg.MaxMismatchesBeforeFreeze = 1
	r := New(cfg, store)
	r.RegisterVenue(venue.OKX, q, []venue.SymbolId{"BTCUSDT"})

	r.ReconcileNow(context.Background())
	if !r.IsFrozen("strat-7") {
		t.Fatal("expected strat-7 frozen after a single critical mismatch")
	}
}

func TestOrphanMismatchCountsAgainstStrategyParsedFromID(t *testing.T) {
	store := newFakeStore()
	q := &fakeQuery{open: []venue.ExecutionReport{
		{Symbol: "BTCUSDT", ClientOrderID: "strat-9-1700000000-1-aaaaaaaa", Status: venue.StatusAccepted},
	}}
	cfg := DefaultConfig()
	cfg.MaxMismatchesBeforeFreeze = 1
	r := New(cfg, store)
	r.RegisterVenue(venue.Binance, q, []venue.SymbolId{"BTCUSDT"})

	r.ReconcileNow(context.Background())
	if !r.IsFrozen("strat-9") {
		t.Fatal("expected strat-9 frozen after its orphaned order was detected")
	}
}

func TestAuditTrailWrapsAtCapacity(t *testing.T) {
	store := newFakeStore()
	q := &fakeQuery{}
	cfg := DefaultConfig()
	cfg.AuditBufferSize = 3
	r := New(cfg, store)
	r.RegisterVenue(venue.Binance, q, []venue.SymbolId{"BTCUSDT"})

	for i := 0; i < 5; i++ {
		r.ReconcileNow(context.Background())
	}
	trail := r.AuditTrail()
	if len(trail) != 3 {
		t.Fatalf("expected audit trail capped at 3, got %d", len(trail))
	}
}

func TestGenerateReportSummaryAndExportJSON(t *testing.T) {
	store := newFakeStore()
	q := &fakeQuery{open: []venue.ExecutionReport{
		{Symbol: "BTCUSDT", ClientOrderID: "orphan-2", Status: venue.StatusAccepted},
	}}
	r := New(DefaultConfig(), store)
	r.RegisterVenue(venue.Binance, q, []venue.SymbolId{"BTCUSDT"})
	reports := r.ReconcileNow(context.Background())

	summary := GenerateReportSummary(reports)
	if summary == "" {
		t.Fatal("expected non-empty summary")
	}
	raw, err := ExportReportJSON(reports)
	if err != nil || len(raw) == 0 {
		t.Fatalf("export failed: %v", err)
	}
}
