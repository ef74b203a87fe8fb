package execalgo

import (
	"sync"
	"time"
)

// Algorithm is the common surface both TWAP and VWAP expose to the manager.
type Algorithm interface {
	Start(now time.Time)
	Pause()
	Resume()
	Cancel()
	State() State
	OnTick(now time.Time)
	OnMarketUpdate(bid, ask, volume float64)
	OnFill(childID int, qty, price float64)
}

// Manager fans out tick and market-data events to every active algorithm
// and routes each fill to the parent algorithm whose id the caller passes,
// cleaning up completed/cancelled algorithms on request. It keeps no
// child-order to algorithm index of its own.
type Manager struct {
	mu    sync.Mutex
	algos map[string]Algorithm
}

func NewManager() *Manager {
	return &Manager{algos: make(map[string]Algorithm)}
}

func (m *Manager) Register(id string, a Algorithm) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.algos[id] = a
}

func (m *Manager) Get(id string) (Algorithm, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	a, ok := m.algos[id]
	return a, ok
}

// OnTick fans out to every registered algorithm.
func (m *Manager) OnTick(now time.Time) {
	m.mu.Lock()
	algos := make([]Algorithm, 0, len(m.algos))
	for _, a := range m.algos {
		algos = append(algos, a)
	}
	m.mu.Unlock()
	for _, a := range algos {
		a.OnTick(now)
	}
}

// OnMarketUpdate fans out a market-data refresh to every registered
// algorithm; callers that track algorithms per symbol should filter before
// calling, as the manager itself is symbol-agnostic.
func (m *Manager) OnMarketUpdate(bid, ask, volume float64) {
	m.mu.Lock()
	algos := make([]Algorithm, 0, len(m.algos))
	for _, a := range m.algos {
		algos = append(algos, a)
	}
	m.mu.Unlock()
	for _, a := range algos {
		a.OnMarketUpdate(bid, ask, volume)
	}
}

// OnFill routes a fill to the parent algorithm registered under id, passing
// childID through to it.
func (m *Manager) OnFill(id string, childID int, qty, price float64) {
	a, ok := m.Get(id)
	if !ok {
		return
	}
	a.OnFill(childID, qty, price)
}

// CleanupCompleted removes every algorithm that has reached a terminal
// state (Completed or Cancelled), returning the ids removed.
func (m *Manager) CleanupCompleted() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	var removed []string
	for id, a := range m.algos {
		switch a.State() {
		case StateCompleted, StateCancelled:
			delete(m.algos, id)
			removed = append(removed, id)
		}
	}
	return removed
}
