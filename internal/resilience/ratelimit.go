package resilience

import (
	"context"
	"sync"

	"golang.org/x/time/rate"
)

// hostLimiter provides per-venue token-bucket rate limiting, grounded on
// the teacher's internal/net/ratelimit.Limiter but scoped to a single venue
// (the Resilient Adapter already has one limiter per adapter instance).
type hostLimiter struct {
	mu sync.RWMutex
	l  *rate.Limiter
}

func newHostLimiter(rps float64, burst int) *hostLimiter {
	return &hostLimiter{l: rate.NewLimiter(rate.Limit(rps), burst)}
}

func (h *hostLimiter) wait(ctx context.Context) error {
	h.mu.RLock()
	l := h.l
	h.mu.RUnlock()
	return l.Wait(ctx)
}

func (h *hostLimiter) setRPS(rps float64) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.l.SetLimit(rate.Limit(rps))
}
