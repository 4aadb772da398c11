package main

import (
	"sync"

	"golang.org/x/time/rate"
)

// tenantLimiter applies an independent token bucket to every tenant so a
// noisy tenant cannot flood the shared trigger queue.
type tenantLimiter struct {
	mu       sync.Mutex
	limiters map[string]*rate.Limiter
	limit    rate.Limit
	burst    int
}

// newTenantLimiter returns nil, meaning unlimited, when perSecond is not
// positive.
func newTenantLimiter(perSecond float64, burst int) *tenantLimiter {
	if perSecond <= 0 {
		return nil
	}
	if burst < 1 {
		burst = 1
	}
	return &tenantLimiter{
		limiters: make(map[string]*rate.Limiter),
		limit:    rate.Limit(perSecond),
		burst:    burst,
	}
}

func (l *tenantLimiter) Allow(tenantID string) bool {
	if l == nil {
		return true
	}

	l.mu.Lock()
	lim, ok := l.limiters[tenantID]
	if !ok {
		lim = rate.NewLimiter(l.limit, l.burst)
		l.limiters[tenantID] = lim
	}
	l.mu.Unlock()

	return lim.Allow()
}
