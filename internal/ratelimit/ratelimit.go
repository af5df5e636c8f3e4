// Package ratelimit implements a per-client token bucket rate limiter on top
// of golang.org/x/time/rate. Thread-safe. Idle buckets are dropped by Prune.
package ratelimit

import (
	"errors"
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// ErrRateLimited is returned when a client has exhausted its token bucket.
var ErrRateLimited = errors.New("rate limit exceeded")

// Config configures the token bucket rate limiter.
type Config struct {
	RequestsPerMinute int // Tokens added per minute. 0 = unlimited (Allow always succeeds).
	BurstSize         int // Maximum tokens in bucket. 0 = defaults to RequestsPerMinute.
}

// Limiter is a per-client token bucket rate limiter.
// Each client gets an independent bucket; one client cannot exhaust another's quota.
type Limiter struct {
	mu      sync.Mutex
	clients map[string]*client
	limit   rate.Limit
	burst   int
	now     func() time.Time
}

type client struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

// NewLimiter creates a rate limiter with the given configuration.
// If RequestsPerMinute is 0, Allow always succeeds (unlimited).
func NewLimiter(cfg Config) *Limiter {
	burst := cfg.BurstSize
	if burst <= 0 {
		burst = cfg.RequestsPerMinute
	}
	if burst <= 0 {
		burst = 1
	}
	return &Limiter{
		clients: make(map[string]*client),
		limit:   rate.Limit(float64(cfg.RequestsPerMinute) / 60.0),
		burst:   burst,
		now:     time.Now,
	}
}

// Allow consumes one token from the client's bucket. Returns ErrRateLimited
// if the bucket is empty.
func (l *Limiter) Allow(key string) error {
	if l.limit <= 0 {
		return nil
	}

	l.mu.Lock()
	now := l.now()
	c, ok := l.clients[key]
	if !ok {
		// First request: start with a full bucket.
		c = &client{limiter: rate.NewLimiter(l.limit, l.burst)}
		l.clients[key] = c
	}
	c.lastSeen = now
	l.mu.Unlock()

	if !c.limiter.AllowN(now, 1) {
		return ErrRateLimited
	}
	return nil
}

// Prune drops buckets not used for idle and returns how many were removed.
func (l *Limiter) Prune(idle time.Duration) int {
	l.mu.Lock()
	defer l.mu.Unlock()
	cutoff := l.now().Add(-idle)
	n := 0
	for k, c := range l.clients {
		if c.lastSeen.Before(cutoff) {
			delete(l.clients, k)
			n++
		}
	}
	return n
}
