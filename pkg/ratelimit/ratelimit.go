package ratelimit

import (
	"context"
	"math/rand"
	"sync"
	"time"
)

// Limiter enforces a minimum interval between operations, with optional
// random jitter added on top of the interval. It is safe for concurrent use
// by multiple goroutines.
type Limiter struct {
	mu       sync.Mutex
	interval time.Duration
	jitter   float64 // 0.0 to 1.0, fraction of interval added at random
	next     time.Time
}

// NewLimiter creates a limiter with the given minimum interval between
// operations and jitter factor. Jitter must be between 0.0 and 1.0; it adds
// up to jitter*interval of extra random delay to each slot.
// If interval is <= 0, the limiter does not block.
func NewLimiter(interval time.Duration, jitter float64) *Limiter {
	if jitter < 0 {
		jitter = 0
	} else if jitter > 1 {
		jitter = 1
	}
	return &Limiter{
		interval: interval,
		jitter:   jitter,
	}
}

// Wait blocks until the caller's reserved slot arrives, or until the context
// is canceled. The first call never blocks.
func (l *Limiter) Wait(ctx context.Context) error {
	if l.interval <= 0 {
		return nil
	}

	l.mu.Lock()
	now := time.Now()
	wait := l.next.Sub(now)

	slot := l.interval
	if l.jitter > 0 {
		slot += time.Duration(float64(l.interval) * l.jitter * rand.Float64())
	}
	if wait <= 0 {
		l.next = now.Add(slot)
	} else {
		l.next = l.next.Add(slot)
	}
	l.mu.Unlock()

	if wait <= 0 {
		return nil
	}

	timer := time.NewTimer(wait)
	defer timer.Stop()

	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

// PerHost hands out one Limiter per destination host so requests to one host
// are spaced out without serializing unrelated hosts against each other.
type PerHost struct {
	mu       sync.Mutex
	interval time.Duration
	jitter   float64
	limiters map[string]*Limiter
}

// NewPerHost creates a per-host limiter where each host gets its own slot
// schedule with the given interval and jitter.
func NewPerHost(interval time.Duration, jitter float64) *PerHost {
	return &PerHost{
		interval: interval,
		jitter:   jitter,
		limiters: make(map[string]*Limiter),
	}
}

// Wait blocks until the next slot for the given host, or until the context is
// canceled. Hosts are compared as opaque strings; callers should pass a
// normalized hostname.
func (p *PerHost) Wait(ctx context.Context, host string) error {
	p.mu.Lock()
	l, ok := p.limiters[host]
	if !ok {
		l = NewLimiter(p.interval, p.jitter)
		p.limiters[host] = l
	}
	p.mu.Unlock()

	return l.Wait(ctx)
}
