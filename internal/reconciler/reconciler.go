// Package reconciler implements the Account Reconciler (spec.md §4.J): a
// background loop that compares local order state against exchange state
// per venue, classifies mismatches, and takes or queues corrective action.
package reconciler

import (
	"context"
	"encoding/json"
	"fmt"
	"math"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/sawpanic/exec-core/internal/adapter"
	"github.com/sawpanic/exec-core/internal/clientorderid"
	"github.com/sawpanic/exec-core/internal/venue"
)

// Severity classifies a detected mismatch.
type Severity int

const (
	SeverityNone Severity = iota
	SeverityWarning
	SeverityError
	SeverityCritical
)

func (s Severity) String() string {
	switch s {
	case SeverityWarning:
		return "warning"
	case SeverityError:
		return "error"
	case SeverityCritical:
		return "critical"
	default:
		return "none"
	}
}

// LocalOrder is the Reconciler's view of an order's locally tracked state.
type LocalOrder struct {
	ClientOrderID string
	StrategyID    string
	Symbol        venue.SymbolId
	Status        venue.OrderStatus
	FilledQty     float64
	AvgPrice      float64
}

// OrderStore is the read/write surface the reconciler needs over local
// order state; the Coordinator or a strategy layer implements it.
type OrderStore interface {
	OpenOrders(symbol venue.SymbolId) []LocalOrder
	ApplyUpdate(o LocalOrder)
}

// ReconciliationEvent is one audit-trail entry.
type ReconciliationEvent struct {
	Type      string
	Timestamp time.Time
	Message   string
	Severity  Severity
	Venue     venue.Venue
	Symbol    venue.SymbolId
	ClientOrderID string
}

// auditBuffer is a bounded circular buffer of ReconciliationEvents.
type auditBuffer struct {
	mu     sync.Mutex
	events []ReconciliationEvent
	cap    int
	head   int
	full   bool
}

func newAuditBuffer(capacity int) *auditBuffer {
	if capacity <= 0 {
		capacity = 1000
	}
	return &auditBuffer{events: make([]ReconciliationEvent, capacity), cap: capacity}
}

func (b *auditBuffer) append(e ReconciliationEvent) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.events[b.head] = e
	b.head = (b.head + 1) % b.cap
	if b.head == 0 {
		b.full = true
	}
}

func (b *auditBuffer) snapshot() []ReconciliationEvent {
	b.mu.Lock()
	defer b.mu.Unlock()
	if !b.full {
		out := make([]ReconciliationEvent, b.head)
		copy(out, b.events[:b.head])
		return out
	}
	out := make([]ReconciliationEvent, b.cap)
	copy(out, b.events[b.head:])
	copy(out[b.cap-b.head:], b.events[:b.head])
	return out
}

// Stats are monotonically increasing reconciliation counters.
type Stats struct {
	CyclesRun          uint64
	MismatchesFound    uint64
	OrphansDetected    uint64
	OrphansCancelled   uint64
	AutoUpdates        uint64
}

// Config holds the reconciler's tunables.
type Config struct {
	ReconciliationInterval time.Duration
	AutoCancelOrphaned     bool
	FreezeOnMismatch       bool
	MaxMismatchesBeforeFreeze int
	AvgPriceTolerance      float64
	AuditBufferSize        int
}

func DefaultConfig() Config {
	return Config{
		ReconciliationInterval:    30 * time.Second,
		AutoCancelOrphaned:        true,
		FreezeOnMismatch:          true,
		MaxMismatchesBeforeFreeze: 5,
		AvgPriceTolerance:         0.01,
		AuditBufferSize:           1000,
	}
}

// FreezeCallback is invoked when a strategy is frozen due to repeated
// mismatches.
type FreezeCallback func(strategyID string)

// ManualInterventionItem is a mismatch the reconciler could not resolve
// automatically and hands to an operator.
type ManualInterventionItem struct {
	Severity    Severity
	Description string
	Venue       venue.Venue
	Symbol      venue.SymbolId
	ClientOrderID string
}

// Reconciler runs the reconciliation loop for a set of registered venues.
type Reconciler struct {
	cfg   Config
	store OrderStore
	log   zerolog.Logger

	mu                  sync.Mutex
	venues              map[venue.Venue]adapter.ReconciliationQueryInterface
	watchedSymbols      map[venue.Venue][]venue.SymbolId
	consecutiveMismatches map[string]int // strategy id -> count
	frozenStrategies    map[string]bool
	freezeCallback      FreezeCallback
	manualItems         []ManualInterventionItem

	audit *auditBuffer
	stats Stats
}

func New(cfg Config, store OrderStore) *Reconciler {
	return &Reconciler{
		cfg:                   cfg,
		store:                 store,
		log:                   log.With().Str("component", "reconciler").Logger(),
		venues:                make(map[venue.Venue]adapter.ReconciliationQueryInterface),
		watchedSymbols:        make(map[venue.Venue][]venue.SymbolId),
		consecutiveMismatches: make(map[string]int),
		frozenStrategies:      make(map[string]bool),
		audit:                 newAuditBuffer(cfg.AuditBufferSize),
	}
}

// RegisterVenue adds a venue's query-interface handle and the symbols to
// watch for it. The Coordinator grants this handle; the Reconciler never
// receives an order-placing capability.
func (r *Reconciler) RegisterVenue(v venue.Venue, q adapter.ReconciliationQueryInterface, symbols []venue.SymbolId) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.venues[v] = q
	r.watchedSymbols[v] = symbols
}

func (r *Reconciler) SetFreezeCallback(fn FreezeCallback) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.freezeCallback = fn
}

// IsFrozen reports whether strategyID is currently frozen.
func (r *Reconciler) IsFrozen(strategyID string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.frozenStrategies[strategyID]
}

// ResumeStrategy clears a strategy's frozen flag and mismatch counter.
func (r *Reconciler) ResumeStrategy(strategyID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.frozenStrategies, strategyID)
	delete(r.consecutiveMismatches, strategyID)
}

// Run drives the reconciliation loop at cfg.ReconciliationInterval until ctx
// is cancelled; in-flight work completes before Run returns.
func (r *Reconciler) Run(ctx context.Context) {
	ticker := time.NewTicker(r.cfg.ReconciliationInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			r.ReconcileNow(ctx)
		}
	}
}

// ReconcileNow runs one reconciliation cycle immediately, for every
// registered venue, and returns the per-venue reports.
func (r *Reconciler) ReconcileNow(ctx context.Context) []Report {
	r.mu.Lock()
	venues := make(map[venue.Venue]adapter.ReconciliationQueryInterface, len(r.venues))
	for v, q := range r.venues {
		venues[v] = q
	}
	symbols := make(map[venue.Venue][]venue.SymbolId, len(r.watchedSymbols))
	for v, s := range r.watchedSymbols {
		symbols[v] = s
	}
	r.mu.Unlock()

	var reports []Report
	for v, q := range venues {
		reports = append(reports, r.reconcileVenue(ctx, v, q, symbols[v]))
	}
	r.mu.Lock()
	r.stats.CyclesRun++
	r.mu.Unlock()
	return reports
}

// Report summarizes one venue's reconciliation cycle (spec.md §4.J).
type Report struct {
	Venue             venue.Venue       `json:"venue"`
	GeneratedAt       time.Time         `json:"generated_at"`
	OrdersChecked     int               `json:"orders_checked"`
	OrdersMatched     int               `json:"orders_matched"`
	MismatchesFound   int               `json:"mismatches_found"`
	AutoUpdated       int               `json:"auto_updated"`
	Orphans           int               `json:"orphans"`
	OrphansCancelled  int               `json:"orphans_cancelled"`
	ManualItems       []ManualInterventionItem `json:"manual_items,omitempty"`
	MaxSeverity       Severity          `json:"max_severity"`
}

func (r *Reconciler) reconcileVenue(ctx context.Context, v venue.Venue, q adapter.ReconciliationQueryInterface, symbols []venue.SymbolId) Report {
	report := Report{Venue: v, GeneratedAt: time.Now()}

	localByID := make(map[string]LocalOrder)
	for _, s := range symbols {
		for _, lo := range r.store.OpenOrders(s) {
			localByID[lo.ClientOrderID] = lo
		}
	}

	seen := make(map[string]bool)
	for _, s := range symbols {
		exchangeOrders, err := q.QueryOpenOrders(ctx, s)
		if err != nil {
			r.log.Warn().Err(err).Str("venue", v.String()).Str("symbol", string(s)).Msg("reconciliation query failed")
			continue
		}
		for _, eo := range exchangeOrders {
			report.OrdersChecked++
			seen[eo.ClientOrderID] = true
			local, known := localByID[eo.ClientOrderID]
			if !known {
				r.handleOrphan(ctx, v, q, eo, &report)
				continue
			}
			r.compareOrder(local, eo, &report)
		}
	}

	// Any local open order never reported by the exchange resolves as
	// matched-closed elsewhere; spec.md only classifies the exchange-has /
	// local-missing direction as an orphan, so no action is taken here.
	for id := range localByID {
		if !seen[id] {
			report.OrdersMatched++
		}
	}

	r.mu.Lock()
	if report.MismatchesFound > 0 {
		r.stats.MismatchesFound += uint64(report.MismatchesFound)
	}
	r.mu.Unlock()

	r.audit.append(ReconciliationEvent{
		Type: "cycle_complete", Timestamp: report.GeneratedAt, Venue: v,
		Message:  fmt.Sprintf("checked=%d mismatches=%d orphans=%d", report.OrdersChecked, report.MismatchesFound, report.Orphans),
		Severity: report.MaxSeverity,
	})
	return report
}

func (r *Reconciler) handleOrphan(ctx context.Context, v venue.Venue, q adapter.ReconciliationQueryInterface, eo venue.ExecutionReport, report *Report) {
	report.Orphans++
	report.MismatchesFound++
	raiseSeverity(&report.MaxSeverity, SeverityError)
	r.mu.Lock()
	r.stats.OrphansDetected++
	autoCancel := r.cfg.AutoCancelOrphaned
	r.mu.Unlock()

	// An orphan has no local order to carry a strategy id, but the
	// client-order-id format itself (spec.md §4.I) encodes the owning
	// strategy as its first field, so a strategy freeze can still trigger
	// on a run of orphans it originated.
	if parsed, err := clientorderid.Parse(eo.ClientOrderID); err == nil {
		r.RecordStrategyMismatch(parsed.StrategyID)
	}

	if autoCancel {
		if err := q.CancelOrderByID(ctx, eo.Symbol, eo.ClientOrderID); err == nil {
			report.OrphansCancelled++
			r.mu.Lock()
			r.stats.OrphansCancelled++
			r.mu.Unlock()
			r.audit.append(ReconciliationEvent{
				Type: "orphan_cancelled", Timestamp: time.Now(), Venue: v, Symbol: eo.Symbol,
				ClientOrderID: eo.ClientOrderID, Message: "cancelled orphaned exchange order", Severity: SeverityError,
			})
		} else {
			report.ManualItems = append(report.ManualItems, ManualInterventionItem{
				Severity: SeverityError, Description: "failed to cancel orphaned order: " + err.Error(),
				Venue: v, Symbol: eo.Symbol, ClientOrderID: eo.ClientOrderID,
			})
		}
		return
	}
	report.ManualItems = append(report.ManualItems, ManualInterventionItem{
		Severity: SeverityError, Description: "orphaned order requires manual resolution",
		Venue: v, Symbol: eo.Symbol, ClientOrderID: eo.ClientOrderID,
	})
}

func (r *Reconciler) compareOrder(local LocalOrder, exchange venue.ExecutionReport, report *Report) {
	mismatch := false
	severity := SeverityNone

	switch {
	case local.Status.IsTerminal() && !exchange.Status.IsTerminal():
		severity = SeverityCritical
		mismatch = true
	case local.FilledQty < exchange.LastFillQty:
		severity = SeverityWarning
		mismatch = true
		r.applyUpdate(local, exchange)
	case !local.Status.IsTerminal() && exchange.Status.IsTerminal():
		severity = SeverityWarning
		mismatch = true
		r.applyUpdate(local, exchange)
	case exchange.LastFillPrice > 0 && math.Abs(local.AvgPrice-exchange.LastFillPrice) > r.cfg.AvgPriceTolerance:
		severity = SeverityError
		mismatch = true
	}

	if !mismatch {
		report.OrdersMatched++
		if local.StrategyID != "" {
			r.resetStrategyMismatch(local.StrategyID)
		}
		return
	}
	report.MismatchesFound++
	raiseSeverity(&report.MaxSeverity, severity)
	if severity == SeverityWarning {
		report.AutoUpdated++
		r.mu.Lock()
		r.stats.AutoUpdates++
		r.mu.Unlock()
	} else {
		report.ManualItems = append(report.ManualItems, ManualInterventionItem{
			Severity: severity, Description: fmt.Sprintf("order %s mismatch vs exchange state", local.ClientOrderID),
			Symbol: local.Symbol, ClientOrderID: local.ClientOrderID,
		})
		// Only Error/Critical mismatches count toward a strategy freeze;
		// Warning-severity mismatches are auto-corrected and expected to
		// occur during normal fill progress, not a sign of drift.
		if local.StrategyID != "" {
			r.RecordStrategyMismatch(local.StrategyID)
		}
	}
	r.audit.append(ReconciliationEvent{
		Type: "mismatch", Timestamp: time.Now(), Symbol: local.Symbol,
		ClientOrderID: local.ClientOrderID, Message: "state mismatch detected", Severity: severity,
	})
}

func (r *Reconciler) applyUpdate(local LocalOrder, exchange venue.ExecutionReport) {
	local.Status = exchange.Status
	local.FilledQty = exchange.LastFillQty
	if exchange.LastFillPrice > 0 {
		local.AvgPrice = exchange.LastFillPrice
	}
	r.store.ApplyUpdate(local)
}

func raiseSeverity(current *Severity, candidate Severity) {
	if candidate > *current {
		*current = candidate
	}
}

// RecordStrategyMismatch increments a strategy's consecutive-mismatch
// counter and freezes it once MaxMismatchesBeforeFreeze is reached.
func (r *Reconciler) RecordStrategyMismatch(strategyID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.consecutiveMismatches[strategyID]++
	if r.cfg.FreezeOnMismatch && r.consecutiveMismatches[strategyID] >= r.cfg.MaxMismatchesBeforeFreeze && !r.frozenStrategies[strategyID] {
		r.frozenStrategies[strategyID] = true
		cb := r.freezeCallback
		if cb != nil {
			cb(strategyID)
		}
	}
}

// resetStrategyMismatch clears a strategy's consecutive-mismatch counter
// after a cycle in which its orders matched exchange state cleanly.
func (r *Reconciler) resetStrategyMismatch(strategyID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.consecutiveMismatches, strategyID)
}

// Stats returns a snapshot of the monotonic counters.
func (r *Reconciler) Stats() Stats {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.stats
}

// AuditTrail returns a snapshot of the bounded audit buffer, oldest first.
func (r *Reconciler) AuditTrail() []ReconciliationEvent {
	return r.audit.snapshot()
}

// ExportReportJSON renders reports as a stable JSON array.
func ExportReportJSON(reports []Report) ([]byte, error) {
	return json.MarshalIndent(reports, "", "  ")
}

// GenerateReportSummary renders a human-readable text summary of reports.
func GenerateReportSummary(reports []Report) string {
	var b strings.Builder
	for _, r := range reports {
		fmt.Fprintf(&b, "venue=%s checked=%d matched=%d mismatches=%d orphans=%d (cancelled=%d) severity=%s\n",
			r.Venue, r.OrdersChecked, r.OrdersMatched, r.MismatchesFound, r.Orphans, r.OrphansCancelled, r.MaxSeverity)
		for _, item := range r.ManualItems {
			fmt.Fprintf(&b, "  manual[%s]: %s\n", item.Severity, item.Description)
		}
	}
	return b.String()
}
