package youtube

import (
	"context"
	"math"
	"math/rand/v2"
	"time"
)

// Decision is the outcome of consulting a RetryPolicy.
type Decision struct {
	Retry bool
	Delay time.Duration
}

// RetryPolicy decides whether a failed request is attempted again. The
// attempt counter is scoped to a single chunk.
type RetryPolicy struct {
	// MaxAttempts is the total number of attempts per chunk, including
	// the first.
	MaxAttempts    int
	BaseDelay      time.Duration
	MaxDelay       time.Duration
	Multiplier     float64
	JitterFraction float64

	// random returns a value in [0, 1). Nil means math/rand/v2.
	random func() float64
}

// DefaultRetryPolicy returns the policy used when none is configured.
func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{
		MaxAttempts:    DefaultMaxAttempts,
		BaseDelay:      DefaultBaseDelay,
		MaxDelay:       DefaultMaxDelay,
		Multiplier:     DefaultBackoffFactor,
		JitterFraction: DefaultJitterFraction,
	}
}

// ShouldRetry decides what to do after attempt (1-based) failed with kind.
func (p RetryPolicy) ShouldRetry(attempt int, kind ErrorKind) Decision {
	return p.decide(attempt, kind, 0)
}

// decide is ShouldRetry with a server-requested delay, which replaces the
// computed backoff for rate-limited responses. MaxDelay caps both.
func (p RetryPolicy) decide(attempt int, kind ErrorKind, serverDelay time.Duration) Decision {
	switch kind {
	case KindNetworkFailure, KindServerError, KindRateLimited:
	default:
		return Decision{}
	}
	if attempt >= p.maxAttempts() {
		return Decision{}
	}
	if kind == KindRateLimited && serverDelay > 0 {
		if p.MaxDelay > 0 && serverDelay > p.MaxDelay {
			serverDelay = p.MaxDelay
		}
		return Decision{Retry: true, Delay: serverDelay}
	}
	return Decision{Retry: true, Delay: p.backoff(attempt)}
}

func (p RetryPolicy) maxAttempts() int {
	if p.MaxAttempts <= 0 {
		return DefaultMaxAttempts
	}
	return p.MaxAttempts
}

// backoff returns base * multiplier^(attempt-1) with +/- jitter, capped at
// MaxDelay.
func (p RetryPolicy) backoff(attempt int) time.Duration {
	mult := p.Multiplier
	if mult < 1 {
		mult = DefaultBackoffFactor
	}

	d := float64(p.BaseDelay) * math.Pow(mult, float64(attempt-1))
	if p.MaxDelay > 0 && d > float64(p.MaxDelay) {
		d = float64(p.MaxDelay)
	}

	if p.JitterFraction > 0 {
		random := p.random
		if random == nil {
			random = rand.Float64
		}
		d += d * p.JitterFraction * (random()*2 - 1)
	}

	if p.MaxDelay > 0 && d > float64(p.MaxDelay) {
		d = float64(p.MaxDelay)
	}
	if d < 0 {
		d = 0
	}
	return time.Duration(d)
}

// timeSleep waits for d or until ctx is done.
func timeSleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()

	select {
	case <-t.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
