package delivery

import (
	"time"

	"github.com/cenkalti/backoff/v5"
)

const (
	DefaultMaxAttempts    = 12
	DefaultAttemptTimeout = 10 * time.Second
)

// RetryPolicy shapes the delay between attempts:
// initial × multiplier^(attempt-1), capped at MaxInterval, ± jitter.
type RetryPolicy struct {
	InitialInterval     time.Duration
	Multiplier          float64
	MaxInterval         time.Duration
	RandomizationFactor float64
}

// DefaultRetryPolicy starts at 2s and doubles up to 10 minutes with ±20%
// jitter.
func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{
		InitialInterval:     2 * time.Second,
		Multiplier:          2,
		MaxInterval:         10 * time.Minute,
		RandomizationFactor: 0.2,
	}
}

func (p RetryPolicy) normalized() RetryPolicy {
	def := DefaultRetryPolicy()
	if p.InitialInterval <= 0 {
		p.InitialInterval = def.InitialInterval
	}
	if p.Multiplier < 1 {
		p.Multiplier = def.Multiplier
	}
	if p.MaxInterval < p.InitialInterval {
		p.MaxInterval = p.InitialInterval
	}
	if p.RandomizationFactor < 0 || p.RandomizationFactor >= 1 {
		p.RandomizationFactor = def.RandomizationFactor
	}
	return p
}

// Delay returns the wait before the next try after attempt failed attempts.
func (p RetryPolicy) Delay(attempt int) time.Duration {
	p = p.normalized()
	if attempt < 1 {
		attempt = 1
	}

	b := &backoff.ExponentialBackOff{
		InitialInterval:     p.InitialInterval,
		RandomizationFactor: p.RandomizationFactor,
		Multiplier:          p.Multiplier,
		MaxInterval:         p.MaxInterval,
	}
	b.Reset()

	var d time.Duration
	for i := 0; i < attempt; i++ {
		d = b.NextBackOff()
		if d >= p.MaxInterval && p.RandomizationFactor == 0 {
			break
		}
	}
	return d
}
