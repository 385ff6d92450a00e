// Package throttle holds the per-username assistant limiter and the
// per-conversation call wake-up cooldown. Each has a redis and an
// in-process implementation.
package throttle

import (
	"context"
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// Limiter admits at most a configured number of events per key per window.
type Limiter interface {
	Allow(ctx context.Context, key string) (bool, error)
}

// Cooldown hands out one slot per key per window. Acquire reports whether
// the caller got it.
type Cooldown interface {
	Acquire(ctx context.Context, key string) (bool, error)
}

type limiterEntry struct {
	l        *rate.Limiter
	lastSeen time.Time
}

// MemoryLimiter is a per-key token bucket pool refilling limit tokens per
// window. Idle keys are dropped after ttl.
type MemoryLimiter struct {
	mu        sync.Mutex
	m         map[string]*limiterEntry
	every     rate.Limit
	burst     int
	ttl       time.Duration
	lastPrune time.Time
}

func NewMemoryLimiter(limit int, window time.Duration) *MemoryLimiter {
	if limit <= 0 {
		limit = 1
	}
	if window <= 0 {
		window = time.Minute
	}
	return &MemoryLimiter{
		m:     make(map[string]*limiterEntry),
		every: rate.Every(window / time.Duration(limit)),
		burst: limit,
		ttl:   10 * window,
	}
}

func (p *MemoryLimiter) Allow(_ context.Context, key string) (bool, error) {
	now := time.Now()
	p.mu.Lock()
	defer p.mu.Unlock()

	if now.Sub(p.lastPrune) > p.ttl {
		for k, e := range p.m {
			if now.Sub(e.lastSeen) > p.ttl {
				delete(p.m, k)
			}
		}
		p.lastPrune = now
	}

	e, ok := p.m[key]
	if !ok {
		e = &limiterEntry{l: rate.NewLimiter(p.every, p.burst)}
		p.m[key] = e
	}
	e.lastSeen = now
	return e.l.AllowN(now, 1), nil
}

// MemoryCooldown keeps slot expiries in a map.
type MemoryCooldown struct {
	mu     sync.Mutex
	until  map[string]time.Time
	window time.Duration
	now    func() time.Time
}

func NewMemoryCooldown(window time.Duration) *MemoryCooldown {
	return &MemoryCooldown{until: make(map[string]time.Time), window: window, now: time.Now}
}

func (c *MemoryCooldown) Acquire(_ context.Context, key string) (bool, error) {
	now := c.now()
	c.mu.Lock()
	defer c.mu.Unlock()
	if t, ok := c.until[key]; ok && now.Before(t) {
		return false, nil
	}
	for k, t := range c.until {
		if !now.Before(t) {
			delete(c.until, k)
		}
	}
	c.until[key] = now.Add(c.window)
	return true, nil
}
