// Package position implements the Position Aggregator (spec.md §4.E): the
// signed-quantity, average-entry-price accounting used to compute realized
// and unrealized PnL across venues, plus exchange-reported discrepancy
// detection for the Account Reconciler.
package position

import (
	"math"
	"sync"

	"github.com/sawpanic/exec-core/internal/venue"
)

// reconcileEpsilon is the tolerance spec.md §4.E names for flagging a
// quantity discrepancy between local and exchange-reported state.
const reconcileEpsilon = 1e-8

// Position is one venue/symbol's net position.
type Position struct {
	Venue          venue.Venue
	Symbol         venue.SymbolId
	Quantity       float64// signed: positive long, negative short
	AvgEntryPrice  float64
	RealizedPnL    float64
	UnrealizedPnL  float64
}

type key struct {
	v venue.Venue
	s venue.SymbolId
}

// PositionDiscrepancy records a mismatch found by ReconcilePosition.
type PositionDiscrepancy struct {
	Venue       venue.Venue
	Symbol      venue.SymbolId
	LocalQty    float64
	ExchangeQty float64
}

// DiscrepancyFunc is invoked whenever ReconcilePosition finds a mismatch.
type DiscrepancyFunc func(PositionDiscrepancy)

// Aggregator tracks positions across all (venue, symbol) pairs.
type Aggregator struct {
	mu         sync.Mutex
	positions  map[key]*Position
	onDiscrepancy DiscrepancyFunc
}

func New() *Aggregator {
	return &Aggregator{positions: make(map[key]*Position)}
}

// SetDiscrepancyCallback installs the callback ReconcilePosition invokes on
// a mismatch. Passing nil disables notification (the discrepancy is still
// returned to the caller).
func (a *Aggregator) SetDiscrepancyCallback(fn DiscrepancyFunc) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.onDiscrepancy = fn
}

func (a *Aggregator) getOrCreateLocked(v venue.Venue, s venue.SymbolId) *Position {
	k := key{v, s}
	p, ok := a.positions[k]
	if !ok {
		p = &Position{Venue: v, Symbol: s}
		a.positions[k] = p
	}
	return p
}

// OnFill applies a fill to the position for (venue, symbol), per spec.md
// §4.E's sign-delta / reduce / cross-zero accounting.
func (a *Aggregator) OnFill(v venue.Venue, s venue.SymbolId, side venue.OrderSide, qty, price float64) Position {
	a.mu.Lock()
	defer a.mu.Unlock()

	p := a.getOrCreateLocked(v, s)
	delta := qty
	if side == venue.Sell {
		delta = -qty
	}

	old := p.Quantity
	oldPrice := p.AvgEntryPrice
	newQty := old + delta

	switch {
	case old == 0 || sign(delta) == sign(old):
		// Same direction (or opening from flat): blend entry price.
		if newQty != 0 {
			p.AvgEntryPrice = (math.Abs(old)*oldPrice + math.Abs(delta)*price) / math.Abs(newQty)
		} else {
			p.AvgEntryPrice = 0
		}
	case math.Abs(delta) <= math.Abs(old):
		// Reducing: entry price unchanged, realize against the closed portion.
		closedQty := math.Abs(delta)
		if old > 0 {
			p.RealizedPnL += closedQty * (price - oldPrice)
		} else {
			p.RealizedPnL += closedQty * (oldPrice - price)
		}
	default:
		// Crossing zero: realize fully against old, then open the remainder
		// at the fill price.
		closedQty := math.Abs(old)
		if old > 0 {
			p.RealizedPnL += closedQty * (price - oldPrice)
		} else {
			p.RealizedPnL += closedQty * (oldPrice - price)
		}
		p.AvgEntryPrice = price
	}

	p.Quantity = newQty
	return *p
}

func sign(f float64) int {
	switch {
	case f > 0:
		return 1
	case f < 0:
		return -1
	default:
		return 0
	}
}

// UpdateMarkPrice recomputes unrealized PnL for every venue's position in
// the given symbol (OPEN QUESTION DECISION 1: mark updates are
// symbol-scoped, not account-wide, since a mark price is only meaningful
// for the instrument it quotes).
func (a *Aggregator) UpdateMarkPrice(s venue.SymbolId, mark float64) {
	a.mu.Lock()
	defer a.mu.Unlock()
	for k, p := range a.positions {
		if k.s != s {
			continue
		}
		p.UnrealizedPnL = p.Quantity * (mark - p.AvgEntryPrice)
	}
}

// ReconcilePosition compares the locally tracked quantity against an
// exchange-reported quantity. A discrepancy beyond reconcileEpsilon is
// returned and, if a callback is set, reported to it; the Aggregator keeps
// no record of past discrepancies. Correction policy belongs to the caller
// (the Account Reconciler), not this type.
func (a *Aggregator) ReconcilePosition(v venue.Venue, s venue.SymbolId, exchangeQty float64) (PositionDiscrepancy, bool) {
	a.mu.Lock()
	p := a.getOrCreateLocked(v, s)
	localQty := p.Quantity
	cb := a.onDiscrepancy
	a.mu.Unlock()

	if math.Abs(localQty-exchangeQty) <= reconcileEpsilon {
		return PositionDiscrepancy{}, false
	}
	d := PositionDiscrepancy{Venue: v, Symbol: s, LocalQty: localQty, ExchangeQty: exchangeQty}
	if cb != nil {
		cb(d)
	}
	return d, true
}

// Get returns a snapshot of one (venue, symbol) position.
func (a *Aggregator) Get(v venue.Venue, s venue.SymbolId) Position {
	a.mu.Lock()
	defer a.mu.Unlock()
	return *a.getOrCreateLocked(v, s)
}

// TotalPnL sums realized + unrealized PnL across every tracked position.
func (a *Aggregator) TotalPnL() float64 {
	a.mu.Lock()
	defer a.mu.Unlock()
	var total float64
	for _, p := range a.positions {
		total += p.RealizedPnL + p.UnrealizedPnL
	}
	return total
}

// AllPositions returns a snapshot of every tracked position.
func (a *Aggregator) AllPositions() []Position {
	a.mu.Lock()
	defer a.mu.Unlock()
	out := make([]Position, 0, len(a.positions))
	for _, p := range a.positions {
		out = append(out, *p)
	}
	return out
}
