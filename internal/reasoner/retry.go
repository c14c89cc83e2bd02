package reasoner

import (
	"context"
	"math"
	"math/rand/v2"
	"time"

	"github.com/mohammad-safakhou/researcher/config"
)

// RetryPolicy defines exponential backoff for retryable reasoner failures.
type RetryPolicy struct {
	MaxAttempts   int
	InitialDelay  time.Duration
	BackoffFactor float64
	MaxDelay      time.Duration
	Jitter        bool
}

// DefaultRetryPolicy returns 3 attempts, 1s initial delay, factor 2, 10s cap.
func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{
		MaxAttempts:   3,
		InitialDelay:  time.Second,
		BackoffFactor: 2.0,
		MaxDelay:      10 * time.Second,
	}
}

// PolicyFromConfig converts reasoner config into a policy, filling gaps
// from the defaults.
func PolicyFromConfig(cfg config.ReasonerConfig) RetryPolicy {
	p := DefaultRetryPolicy()
	if cfg.MaxAttempts > 0 {
		p.MaxAttempts = cfg.MaxAttempts
	}
	if cfg.InitialDelay > 0 {
		p.InitialDelay = cfg.InitialDelay
	}
	if cfg.BackoffFactor >= 1 {
		p.BackoffFactor = cfg.BackoffFactor
	}
	if cfg.MaxDelay > 0 {
		p.MaxDelay = cfg.MaxDelay
	}
	p.Jitter = cfg.Jitter
	return p
}

// Delay returns the wait before the nth retry (1-based):
// InitialDelay * BackoffFactor^(n-1), capped at MaxDelay.
func (p RetryPolicy) Delay(retry int) time.Duration {
	if retry < 1 {
		return 0
	}
	d := float64(p.InitialDelay) * math.Pow(p.BackoffFactor, float64(retry-1))
	if p.MaxDelay > 0 && d > float64(p.MaxDelay) {
		d = float64(p.MaxDelay)
	}
	if p.Jitter && d > 0 {
		// up to +10%, still capped
		d += rand.Float64() * d * 0.1
		if p.MaxDelay > 0 && d > float64(p.MaxDelay) {
			d = float64(p.MaxDelay)
		}
	}
	return time.Duration(d)
}

// Sleeper waits for d or until ctx is done.
type Sleeper func(ctx context.Context, d time.Duration) error

func sleepContext(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-timer.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
