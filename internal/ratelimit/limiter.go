// Package ratelimit throttles listing creation per seller and HTTP traffic per client.
package ratelimit

import (
	"context"
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// Limiter admits or refuses cost units for key.
type Limiter interface {
	Allow(ctx context.Context, key string, cost int) (bool, error)
}

// Policy is a token bucket: PerMinute refill rate and Burst capacity.
type Policy struct {
	PerMinute int
	Burst     int
}

func (p Policy) perSecond() float64 {
	if p.PerMinute <= 0 {
		return 1
	}
	return float64(p.PerMinute) / 60.0
}

func (p Policy) burst() int {
	if p.Burst <= 0 {
		return 1
	}
	return p.Burst
}

// LocalLimiter keeps one x/time/rate bucket per key in process memory.
// Buckets idle longer than IdleTTL are dropped by Sweep.
type LocalLimiter struct {
	mu       sync.Mutex
	policy   Policy
	visitors map[string]*visitor
	IdleTTL  time.Duration
	now      func() time.Time
}

type visitor struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

func NewLocalLimiter(p Policy) *LocalLimiter {
	return &LocalLimiter{
		policy:   p,
		visitors: make(map[string]*visitor),
		IdleTTL:  3 * time.Minute,
		now:      time.Now,
	}
}

func (l *LocalLimiter) get(key string) *rate.Limiter {
	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.now()
	v, ok := l.visitors[key]
	if !ok {
		v = &visitor{limiter: rate.NewLimiter(rate.Limit(l.policy.perSecond()), l.policy.burst())}
		l.visitors[key] = v
	}
	v.lastSeen = now
	return v.limiter
}

func (l *LocalLimiter) Allow(_ context.Context, key string, cost int) (bool, error) {
	if cost <= 0 {
		cost = 1
	}
	return l.get(key).AllowN(l.now(), cost), nil
}

// Sweep removes idle buckets and returns how many were dropped.
func (l *LocalLimiter) Sweep() int {
	l.mu.Lock()
	defer l.mu.Unlock()

	n := 0
	cutoff := l.now().Add(-l.IdleTTL)
	for k, v := range l.visitors {
		if v.lastSeen.Before(cutoff) {
			delete(l.visitors, k)
			n++
		}
	}
	return n
}

// Run sweeps every interval until ctx is done.
func (l *LocalLimiter) Run(ctx context.Context, interval time.Duration) {
	t := time.NewTicker(interval)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
			l.Sweep()
		}
	}
}

func (l *LocalLimiter) size() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.visitors)
}
