// Package execalgo implements the parent execution algorithms (spec.md
// §4.H): TWAP and VWAP slice scheduling over the Smart Order Router, driven
// by an externally supplied tick source rather than an internal timer (per
// spec.md §5: on_tick does not itself suspend).
package execalgo

import (
	"math/rand"
	"sync"
	"time"

	"github.com/sawpanic/exec-core/internal/venue"
)

// State is a parent algorithm's lifecycle state.
type State int

const (
	StatePending State = iota
	StateRunning
	StatePaused
	StateCompleted
	StateCancelled
)

func (s State) String() string {
	switch s {
	case StateRunning:
		return "running"
	case StatePaused:
		return "paused"
	case StateCompleted:
		return "completed"
	case StateCancelled:
		return "cancelled"
	default:
		return "pending"
	}
}

// ChildOrder is one slice emitted by a parent algorithm.
type ChildOrder struct {
	Index         int
	Symbol        venue.SymbolId
	Side          venue.OrderSide
	Qty           float64
	Price         *float64 // nil for market orders
	ClientOrderID string
	FilledQty     float64
	Status        venue.OrderStatus
}

// ChildEmitter is called by the algorithm whenever a slice is due; the
// caller (typically the Coordinator/Router) is responsible for actually
// submitting it and wiring back fills via OnFill.
type ChildEmitter func(ChildOrder)

// Config is the common parent-order configuration shared by TWAP and VWAP.
type Config struct {
	Symbol         venue.SymbolId
	Side           venue.OrderSide
	TargetQty      float64
	Duration       time.Duration
	SliceInterval  time.Duration
	UseLimitOrders bool
	LimitOffsetBps float64
	JitterPct      float64 // ± fraction of slice qty/interval to randomize
	MinSliceQty    float64
}

func (c Config) slices() int {
	if c.SliceInterval <= 0 {
		return 1
	}
	n := int(c.Duration / c.SliceInterval)
	if c.Duration%c.SliceInterval != 0 {
		n++
	}
	if n < 1 {
		n = 1
	}
	return n
}

type refPrices struct {
	bid, ask, volume float64
	hasData          bool
}

// base holds the state and scheduling machinery common to TWAP and VWAP.
type base struct {
	mu   sync.Mutex
	cfg  Config
	emit ChildEmitter

	state        State
	startedAt    time.Time
	nextSliceAt  time.Time
	sliceIndex   int
	totalSlices  int
	remainingQty float64
	filledQty    float64
	totalValue   float64 // sum(price*qty) for average price
	children     map[int]*ChildOrder
	ref          refPrices
}

func newBase(cfg Config, emit ChildEmitter, totalSlices int) *base {
	return &base{
		cfg:          cfg,
		emit:         emit,
		state:        StatePending,
		totalSlices:  totalSlices,
		remainingQty: cfg.TargetQty,
		children:     make(map[int]*ChildOrder),
	}
}

func (b *base) Start(now time.Time) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.state != StatePending {
		return
	}
	b.state = StateRunning
	b.startedAt = now
	b.nextSliceAt = now
}

func (b *base) Pause() {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.state == StateRunning {
		b.state = StatePaused
	}
}

func (b *base) Resume() {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.state == StatePaused {
		b.state = StateRunning
	}
}

func (b *base) Cancel() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.state = StateCancelled
}

func (b *base) State() State {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.state
}

func (b *base) OnMarketUpdate(bid, ask, volume float64) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.ref = refPrices{bid: bid, ask: ask, volume: volume, hasData: true}
}

// AveragePrice returns the volume-weighted average fill price so far.
func (b *base) AveragePrice() float64 {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.filledQty == 0 {
		return 0
	}
	return b.totalValue / b.filledQty
}

func (b *base) FilledQty() float64 {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.filledQty
}

// OnFill applies a fill against a previously emitted child, marking the
// parent Completed when filled_qty reaches target_qty.
func (b *base) OnFill(childID int, qty, price float64) {
	b.mu.Lock()
	defer b.mu.Unlock()
	child, ok := b.children[childID]
	if !ok {
		return
	}
	child.FilledQty += qty
	if child.FilledQty >= child.Qty-1e-12 {
		child.Status = venue.StatusFilled
	} else {
		child.Status = venue.StatusPartiallyFilled
	}
	b.filledQty += qty
	b.totalValue += qty * price
	if b.filledQty >= b.cfg.TargetQty-1e-9 {
		b.state = StateCompleted
	}
}

// limitPrice computes the favorable-side limit price from the last market
// update, when the algorithm is configured to use limit orders.
func (b *base) limitPrice() *float64 {
	if !b.cfg.UseLimitOrders || !b.ref.hasData {
		return nil
	}
	mid := (b.ref.bid + b.ref.ask) / 2
	offset := mid * b.cfg.LimitOffsetBps / 10000
	var price float64
	if b.cfg.Side == venue.Buy {
		price = mid - offset
	} else {
		price = mid + offset
	}
	return &price
}

func (b *base) applyJitterQty(qty float64) float64 {
	if b.cfg.JitterPct <= 0 {
		return qty
	}
	delta := qty * b.cfg.JitterPct * (2*rand.Float64() - 1)
	return qty + delta
}

func (b *base) applyJitterInterval(interval time.Duration) time.Duration {
	if b.cfg.JitterPct <= 0 {
		return interval
	}
	delta := float64(interval) * b.cfg.JitterPct * (2*rand.Float64() - 1)
	return interval + time.Duration(delta)
}

func (b *base) remainingSlices() int {
	r := b.totalSlices - b.sliceIndex
	if r < 1 {
		return 1
	}
	return r
}

func (b *base) emitSlice(now time.Time, qty float64) {
	if qty < b.cfg.MinSliceQty {
		b.sliceIndex++
		b.nextSliceAt = now.Add(b.applyJitterInterval(b.cfg.SliceInterval))
		return
	}
	child := &ChildOrder{
		Index:  b.sliceIndex,
		Symbol: b.cfg.Symbol,
		Side:   b.cfg.Side,
		Qty:    qty,
		Price:  b.limitPrice(),
		Status: venue.StatusNew,
	}
	b.children[child.Index] = child
	b.remainingQty -= qty
	b.sliceIndex++
	b.nextSliceAt = now.Add(b.applyJitterInterval(b.cfg.SliceInterval))

	emit := b.emit
	childCopy := *child
	b.mu.Unlock()
	if emit != nil {
		emit(childCopy)
	}
	b.mu.Lock()
}
