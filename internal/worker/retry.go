package worker

import (
	"math"
	"math/rand"
	"time"
)

// RetryPolicy bounds the attempt chain of a delivery and spaces its retries.
type RetryPolicy struct {
	MaxAttempts int
	BaseDelay   time.Duration
	MaxDelay    time.Duration
	// Jitter adds up to this fraction of the exponential delay, clamped to [0, 1].
	Jitter float64
}

func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{
		MaxAttempts: 5,
		BaseDelay:   time.Second,
		MaxDelay:    5 * time.Minute,
		Jitter:      0.2,
	}
}

func (p RetryPolicy) normalized() RetryPolicy {
	d := DefaultRetryPolicy()
	if p.MaxAttempts <= 0 {
		p.MaxAttempts = d.MaxAttempts
	}
	if p.BaseDelay <= 0 {
		p.BaseDelay = d.BaseDelay
	}
	if p.MaxDelay < p.BaseDelay {
		p.MaxDelay = p.BaseDelay
	}
	p.Jitter = math.Min(math.Max(p.Jitter, 0), 1)
	return p
}

// ShouldRetry reports whether a transient failure of attempt seq earns another attempt.
func (p RetryPolicy) ShouldRetry(seq int) bool {
	return seq < p.normalized().MaxAttempts
}

// Delay returns the wait after attempt seq fails, given u drawn from [0, 1):
// min(base * 2^(seq-1) * (1 + u*jitter), max). With jitter <= 1 the sequence
// of delays never decreases.
func (p RetryPolicy) Delay(seq int, u float64) time.Duration {
	p = p.normalized()
	if seq < 1 {
		seq = 1
	}
	d := float64(p.BaseDelay) * math.Pow(2, float64(seq-1)) * (1 + u*p.Jitter)
	if d >= float64(p.MaxDelay) || math.IsInf(d, 0) {
		return p.MaxDelay
	}
	return time.Duration(d)
}

// NextDelay is Delay with a random jitter draw.
func (p RetryPolicy) NextDelay(seq int) time.Duration {
	return p.Delay(seq, rand.Float64())
}
