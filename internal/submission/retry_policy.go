package submission

import (
	"crypto/rand"
	"math"
	"math/big"
	"time"
)

// RetryConfig configures ExponentialRetryPolicy.
type RetryConfig struct {
	MaxRetries int           `mapstructure:"max_retries"`
	BaseDelay  time.Duration `mapstructure:"base_delay"`
	Factor     float64       `mapstructure:"factor"`
	MaxDelay   time.Duration `mapstructure:"max_delay"`
	Jitter     time.Duration `mapstructure:"jitter"`
}

// ExponentialRetryPolicy retries transient submission failures with growing backoff.
type ExponentialRetryPolicy struct {
	maxRetries int
	baseDelay  time.Duration
	factor     float64
	maxDelay   time.Duration
	jitter     time.Duration
}

// NewExponentialRetryPolicy builds a policy. Zero fields take the defaults of
// two retries waiting 1s then 4s.
func NewExponentialRetryPolicy(cfg RetryConfig) *ExponentialRetryPolicy {
	if cfg.MaxRetries < 0 {
		cfg.MaxRetries = 0
	}
	if cfg.BaseDelay <= 0 {
		cfg.BaseDelay = time.Second
	}
	if cfg.Factor < 1 {
		cfg.Factor = 4
	}
	if cfg.MaxDelay <= 0 {
		cfg.MaxDelay = 30 * time.Second
	}
	return &ExponentialRetryPolicy{
		maxRetries: cfg.MaxRetries,
		baseDelay:  cfg.BaseDelay,
		factor:     cfg.Factor,
		maxDelay:   cfg.MaxDelay,
		jitter:     cfg.Jitter,
	}
}

// MaxRetries returns the retry bound.
func (p *ExponentialRetryPolicy) MaxRetries() int {
	return p.maxRetries
}

// ShouldRetry decides whether another try is allowed after retries retries so far.
func (p *ExponentialRetryPolicy) ShouldRetry(err error, retries int) bool {
	if err == nil || retries >= p.maxRetries {
		return false
	}
	return IsTransient(err)
}

// Backoff returns the wait before retry number retry (1-based).
func (p *ExponentialRetryPolicy) Backoff(retry int) time.Duration {
	if retry < 1 {
		retry = 1
	}
	delay := float64(p.baseDelay) * math.Pow(p.factor, float64(retry-1))
	if delay > float64(p.maxDelay) {
		delay = float64(p.maxDelay)
	}
	return time.Duration(delay) + randomDuration(p.jitter)
}

// RandomBetween returns a uniformly random duration in [lo, hi].
func RandomBetween(lo, hi time.Duration) time.Duration {
	if hi <= lo {
		return lo
	}
	return lo + randomDuration(hi-lo+1)
}

func randomDuration(limit time.Duration) time.Duration {
	if limit <= 0 {
		return 0
	}
	n, err := rand.Int(rand.Reader, big.NewInt(int64(limit)))
	if err != nil {
		return limit / 2
	}
	return time.Duration(n.Int64())
}
