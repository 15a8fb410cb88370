// Package ratelimit implements C5: a per-agent token bucket with discrete,
// floor-based refill. Grounded on thrum's internal/daemon/rate_limiter.go
// for the map-plus-mutex bucket structure, but deliberately hand-rolled
// rather than wrapping golang.org/x/time/rate — that package models a
// continuous refill rate, while spec §4.5 requires an exact stepped
// formula (floor(elapsed/W * N)) with boundary behavior x/time/rate does
// not expose.
package ratelimit

import (
	"sync"
	"time"
)

// bucket is one agent's token-bucket state.
type bucket struct {
	tokens     int
	lastRefill time.Time
}

// Limiter is a per-agent token bucket: capacity N tokens, replenished at a
// rate of N tokens per window W.
type Limiter struct {
	mu      sync.Mutex
	buckets map[string]*bucket

	capacity int
	window   time.Duration
}

// New builds a Limiter allowing capacity requests per window.
func New(capacity int, window time.Duration) *Limiter {
	return &Limiter{
		buckets:  make(map[string]*bucket),
		capacity: capacity,
		window:   window,
	}
}

// Allow reports whether agentID may proceed now, consuming one token if so.
func (l *Limiter) Allow(agentID string) bool {
	l.mu.Lock()
	defer l.mu.Unlock()

	now := time.Now()
	b, ok := l.buckets[agentID]
	if !ok {
		l.buckets[agentID] = &bucket{tokens: l.capacity - 1, lastRefill: now}
		return true
	}

	elapsed := now.Sub(b.lastRefill)
	if elapsed > 0 {
		refill := int(float64(elapsed) / float64(l.window) * float64(l.capacity))
		if refill > 0 {
			b.tokens += refill
			if b.tokens > l.capacity {
				b.tokens = l.capacity
			}
			b.lastRefill = now
		}
	}

	if b.tokens > 0 {
		b.tokens--
		return true
	}
	return false
}

// WindowSeconds returns the configured window, in whole seconds, for the
// Retry-After header.
func (l *Limiter) WindowSeconds() int {
	return int(l.window / time.Second)
}

// Capacity returns the configured bucket capacity N.
func (l *Limiter) Capacity() int { return l.capacity }

// Reset discards all bucket state — used only by tests.
func (l *Limiter) Reset() {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.buckets = make(map[string]*bucket)
}
