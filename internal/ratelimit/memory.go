package ratelimit

import (
	"context"
	"sync"
	"time"
)

// MemoryLimiter is a per-key token bucket held in process memory. Suitable
// for a single instance; multi-instance deployments want the Redis limiter
// so the window is shared.
type MemoryLimiter struct {
	rate  float64 // tokens refilled per second
	burst float64 // bucket capacity

	mu      sync.Mutex
	buckets map[string]*tokenBucket

	stopOnce sync.Once
	done     chan struct{}
}

type tokenBucket struct {
	tokens float64
	seen   time.Time // last touch, for eviction and refill
}

// Buckets idle past this are evicted by the sweeper.
const idleEviction = 10 * time.Minute

// NewMemoryLimiter creates a limiter allowing `rate` sustained requests per
// second per key with bursts up to `burst`. A sweeper goroutine drops idle
// keys; call Close to stop it.
func NewMemoryLimiter(rate float64, burst int) *MemoryLimiter {
	m := &MemoryLimiter{
		rate:    rate,
		burst:   float64(burst),
		buckets: make(map[string]*tokenBucket),
		done:    make(chan struct{}),
	}
	go m.sweep()
	return m
}

// Allow takes one token for key, reporting whether the request may proceed.
func (m *MemoryLimiter) Allow(_ context.Context, key string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	now := time.Now()
	b, ok := m.buckets[key]
	if !ok {
		// A fresh key starts full, minus the token this request spends.
		m.buckets[key] = &tokenBucket{tokens: m.burst - 1, seen: now}
		return true, nil
	}

	b.tokens += now.Sub(b.seen).Seconds() * m.rate
	if b.tokens > m.burst {
		b.tokens = m.burst
	}
	b.seen = now

	if b.tokens < 1 {
		return false, nil
	}
	b.tokens--
	return true, nil
}

// Close stops the sweeper. Safe to call more than once.
func (m *MemoryLimiter) Close() error {
	m.stopOnce.Do(func() { close(m.done) })
	return nil
}

func (m *MemoryLimiter) sweep() {
	ticker := time.NewTicker(time.Minute)
	defer ticker.Stop()
	for {
		select {
		case <-m.done:
			return
		case <-ticker.C:
			cutoff := time.Now().Add(-idleEviction)
			m.mu.Lock()
			for key, b := range m.buckets {
				if b.seen.Before(cutoff) {
					delete(m.buckets, key)
				}
			}
			m.mu.Unlock()
		}
	}
}
