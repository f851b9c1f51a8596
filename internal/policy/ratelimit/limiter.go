// Package ratelimit paces requests per directory host with token buckets.
package ratelimit

import (
	"context"
	"fmt"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/JakeFAU/directory-submitter/internal/metrics"
)

// Config holds rate limiter configuration.
type Config struct {
	DefaultRPS   float64 `mapstructure:"default_rps"`
	DefaultBurst int     `mapstructure:"default_burst"`
}

type hostState struct {
	limiter   *rate.Limiter
	notBefore time.Time
}

// Limiter manages per-host rate limits plus server-requested cool-downs.
type Limiter struct {
	mu           sync.Mutex
	hosts        map[string]*hostState
	defaultRate  rate.Limit
	defaultBurst int
	now          func() time.Time
}

// New creates a Limiter. A non-positive rate disables the token bucket.
func New(cfg Config) *Limiter {
	r := rate.Limit(cfg.DefaultRPS)
	if cfg.DefaultRPS <= 0 {
		r = rate.Inf
	}
	burst := cfg.DefaultBurst
	if burst <= 0 {
		burst = 1
	}
	return &Limiter{
		hosts:        make(map[string]*hostState),
		defaultRate:  r,
		defaultBurst: burst,
		now:          time.Now,
	}
}

// Wait blocks until rawURL's host may be contacted again.
func (l *Limiter) Wait(ctx context.Context, rawURL string) error {
	host := metrics.SanitizeSite(rawURL)
	l.mu.Lock()
	state := l.stateLocked(host)
	hold := state.notBefore.Sub(l.now())
	l.mu.Unlock()

	start := time.Now()
	if hold > 0 {
		timer := time.NewTimer(hold)
		select {
		case <-ctx.Done():
			timer.Stop()
			return fmt.Errorf("rate limit wait: %w", ctx.Err())
		case <-timer.C:
		}
	}
	if err := state.limiter.Wait(ctx); err != nil {
		return fmt.Errorf("rate limit wait: %w", err)
	}
	if waited := time.Since(start); waited > time.Millisecond {
		metrics.ObserveRateLimitDelay(host, waited)
	}
	return nil
}

// Cooldown holds off rawURL's host for d, typically from a Retry-After header.
// A shorter cooldown never shortens an existing one.
func (l *Limiter) Cooldown(rawURL string, d time.Duration) {
	if d <= 0 {
		return
	}
	host := metrics.SanitizeSite(rawURL)
	l.mu.Lock()
	defer l.mu.Unlock()
	state := l.stateLocked(host)
	if until := l.now().Add(d); until.After(state.notBefore) {
		state.notBefore = until
	}
}

func (l *Limiter) stateLocked(host string) *hostState {
	state, ok := l.hosts[host]
	if !ok {
		state = &hostState{limiter: rate.NewLimiter(l.defaultRate, l.defaultBurst)}
		l.hosts[host] = state
	}
	return state
}
