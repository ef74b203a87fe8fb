// Package resilience wraps an Exchange Adapter with retry, a circuit
// breaker, health checks, and request counters (spec.md §4.B).
package resilience

import (
	"time"

	"github.com/sony/gobreaker"
)

// BreakerConfig mirrors spec.md §3's circuit-breaker parameters.
type BreakerConfig struct {
	FailureThreshold int
	SuccessThreshold int
	CircuitTimeout   time.Duration
}

// CircuitState mirrors spec.md §3's {Closed, Open, HalfOpen} state set,
// decoupled from gobreaker's own type so callers never import gobreaker
// directly.
type CircuitState int

const (
	StateClosed CircuitState = iota
	StateOpen
	StateHalfOpen
)

func (s CircuitState) String() string {
	switch s {
	case StateOpen:
		return "open"
	case StateHalfOpen:
		return "half_open"
	default:
		return "closed"
	}
}

// breaker wraps gobreaker.CircuitBreaker, translating its generic
// Closed/Open/HalfOpen FSM into the exact semantics spec.md §3 demands:
// Closed -> Open after FailureThreshold *consecutive* failures, Open ->
// HalfOpen after CircuitTimeout, HalfOpen -> Closed after SuccessThreshold
// consecutive successes, HalfOpen -> Open on any failure.
//
// This mirrors infra/breakers/breakers.go's use of sony/gobreaker, but
// ReadyToTrip here counts only consecutive failures (no rolling error-rate
// trip) to match the spec exactly, and Interval is left at zero so gobreaker
// never auto-resets failure counts while Closed on a timer.
type breaker struct {
	cb *gobreaker.CircuitBreaker
}

func newBreaker(name string, cfg BreakerConfig) *breaker {
	st := gobreaker.Settings{
		Name:        name,
		MaxRequests: uint32(cfg.SuccessThreshold),
		Interval:    0,
		Timeout:     cfg.CircuitTimeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= uint32(cfg.FailureThreshold)
		},
	}
	return &breaker{cb: gobreaker.NewCircuitBreaker(st)}
}

func (b *breaker) state() CircuitState {
	switch b.cb.State() {
	case gobreaker.StateOpen:
		return StateOpen
	case gobreaker.StateHalfOpen:
		return StateHalfOpen
	default:
		return StateClosed
	}
}

func (b *breaker) execute(fn func() (any, error)) (any, error) {
	return b.cb.Execute(fn)
}

func (b *breaker) counts() gobreaker.Counts {
	return b.cb.Counts()
}

// isOpenStateErr reports whether err is gobreaker's own open-circuit
// sentinel, so callers outside this file never need to import gobreaker.
func isOpenStateErr(err error) bool {
	return err == gobreaker.ErrOpenState
}
