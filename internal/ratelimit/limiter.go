// Package ratelimit throttles outbound calls with per-key token buckets.
// The gateway keys buckets by provider name, so a saturated provider slows
// only its own traffic.
package ratelimit

import (
	"context"
	"sync"
	"time"
)

// Config tunes the limiter. Zero values fall back to defaults; Enabled is
// the caller's concern and gates construction, not the limiter itself.
type Config struct {
	Enabled bool `yaml:"enabled" json:"enabled"`

	// RequestsPerSecond is the sustained refill rate per key.
	RequestsPerSecond float64 `yaml:"requests_per_second" json:"requests_per_second"`

	// Burst is the bucket capacity per key.
	Burst int `yaml:"burst" json:"burst"`
}

func (c *Config) applyDefaults() {
	if c.RequestsPerSecond <= 0 {
		c.RequestsPerSecond = 5
	}
	if c.Burst <= 0 {
		c.Burst = int(c.RequestsPerSecond * 2)
		if c.Burst < 1 {
			c.Burst = 1
		}
	}
}

// Limiter hands out tokens from one bucket per key. Buckets start full and
// refill continuously up to the burst capacity. Safe for concurrent use.
type Limiter struct {
	rate  float64
	burst float64
	now   func() time.Time

	mu      sync.Mutex
	buckets map[string]*bucket
}

type bucket struct {
	tokens float64
	last   time.Time
}

// refill credits tokens for the time since the last refill. A clock that
// moves backwards credits nothing and keeps the old mark.
func (b *bucket) refill(now time.Time, rate, burst float64) {
	elapsed := now.Sub(b.last).Seconds()
	if elapsed <= 0 {
		return
	}
	b.tokens += elapsed * rate
	if b.tokens > burst {
		b.tokens = burst
	}
	b.last = now
}

// Option adjusts limiter construction.
type Option func(*Limiter)

// WithNow substitutes the clock, for tests.
func WithNow(now func() time.Time) Option {
	return func(l *Limiter) {
		if now != nil {
			l.now = now
		}
	}
}

// New builds a limiter from cfg, defaulting zero-valued fields.
func New(cfg Config, opts ...Option) *Limiter {
	cfg.applyDefaults()
	l := &Limiter{
		rate:    cfg.RequestsPerSecond,
		burst:   float64(cfg.Burst),
		now:     time.Now,
		buckets: make(map[string]*bucket),
	}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

// Allow consumes a token for key if one is available.
func (l *Limiter) Allow(key string) bool {
	ok, _ := l.take(key)
	return ok
}

// Wait blocks until a token for key is available or ctx is done. Waiters
// sleep until the next token is due and then re-check, so concurrent
// callers for the same key are serviced in roughly arrival order.
func (l *Limiter) Wait(ctx context.Context, key string) error {
	for {
		ok, wait := l.take(key)
		if ok {
			return nil
		}
		timer := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		case <-timer.C:
		}
	}
}

// take consumes a token for key, or reports how long until one accrues.
func (l *Limiter) take(key string) (bool, time.Duration) {
	l.mu.Lock()
	defer l.mu.Unlock()

	b, ok := l.buckets[key]
	if !ok {
		b = &bucket{tokens: l.burst, last: l.now()}
		l.buckets[key] = b
	} else {
		b.refill(l.now(), l.rate, l.burst)
	}

	if b.tokens >= 1 {
		b.tokens--
		return true, 0
	}
	return false, time.Duration((1 - b.tokens) / l.rate * float64(time.Second))
}
