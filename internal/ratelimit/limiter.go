// Package ratelimit paces outbound probes: a global token bucket plus a
// randomized politeness delay before every request.
package ratelimit

import (
	"context"
	"math/rand"
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// Limiter is safe for concurrent use. The global bucket is shared; the
// jitter wait happens outside any lock so parallel workers do not serialize
// behind each other.
type Limiter struct {
	limiter   *rate.Limiter
	jitterMin time.Duration
	jitterMax time.Duration
	burstSize int

	mu       sync.Mutex
	lastSeen map[string]time.Time
	rng      *rand.Rand
}

type Config struct {
	// RequestsPerSecond caps the global request rate. Zero disables the cap.
	RequestsPerSecond float64
	BurstSize         int
	// JitterMin and JitterMax bound the random delay before each request.
	JitterMin time.Duration
	JitterMax time.Duration
}

func DefaultConfig() Config {
	return Config{
		RequestsPerSecond: 10.0,
		BurstSize:         5,
		JitterMin:         500 * time.Millisecond,
		JitterMax:         2 * time.Second,
	}
}

func NewLimiter(config Config) *Limiter {
	limit := rate.Inf
	if config.RequestsPerSecond > 0 {
		limit = rate.Limit(config.RequestsPerSecond)
	}
	burst := config.BurstSize
	if burst < 1 {
		burst = 1
	}
	return &Limiter{
		limiter:   rate.NewLimiter(limit, burst),
		jitterMin: config.JitterMin,
		jitterMax: config.JitterMax,
		burstSize: burst,
		lastSeen:  make(map[string]time.Time),
		rng:       rand.New(rand.NewSource(time.Now().UnixNano())),
	}
}

// Wait blocks until the global bucket admits a request.
func (l *Limiter) Wait(ctx context.Context) error {
	return l.limiter.Wait(ctx)
}

// WaitForHost waits for the global bucket, then sleeps a random jitter in
// [JitterMin, JitterMax] before a request to host.
func (l *Limiter) WaitForHost(ctx context.Context, host string) error {
	if l == nil {
		return nil
	}
	if err := l.limiter.Wait(ctx); err != nil {
		return err
	}

	delay := l.Jitter()

	l.mu.Lock()
	l.lastSeen[host] = time.Now().Add(delay)
	l.mu.Unlock()

	if delay <= 0 {
		return nil
	}
	t := time.NewTimer(delay)
	defer t.Stop()
	select {
	case <-t.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Jitter draws one politeness delay.
func (l *Limiter) Jitter() time.Duration {
	if l.jitterMax <= l.jitterMin {
		return l.jitterMin
	}
	l.mu.Lock()
	n := l.rng.Int63n(int64(l.jitterMax-l.jitterMin) + 1)
	l.mu.Unlock()
	return l.jitterMin + time.Duration(n)
}

// Allow checks if a request is allowed without blocking
func (l *Limiter) Allow() bool {
	return l.limiter.Allow()
}

// SetLimit updates the rate limit dynamically
func (l *Limiter) SetLimit(requestsPerSecond float64) {
	l.limiter.SetLimit(rate.Limit(requestsPerSecond))
}

// Reset clears the per-host bookkeeping.
func (l *Limiter) Reset() {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.lastSeen = make(map[string]time.Time)
}

func (l *Limiter) GetStats() Stats {
	l.mu.Lock()
	defer l.mu.Unlock()

	return Stats{
		TrackedHosts: len(l.lastSeen),
		BurstSize:    l.burstSize,
		JitterMin:    l.jitterMin,
		JitterMax:    l.jitterMax,
	}
}

type Stats struct {
	TrackedHosts int
	BurstSize    int
	JitterMin    time.Duration
	JitterMax    time.Duration
}
