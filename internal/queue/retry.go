package queue

import (
	"math"
	"time"
)

// RetryPolicy defines exponential backoff parameters.
type RetryPolicy struct {
	InitialDelay  time.Duration
	MaxDelay      time.Duration
	BackoffFactor float64
	// Jitter adds up to Jitter*delay on top of the exponential delay.
	Jitter float64
}

func (r RetryPolicy) normalized() RetryPolicy {
	if r.InitialDelay <= 0 {
		r.InitialDelay = time.Second
	}
	if r.BackoffFactor < 1 {
		r.BackoffFactor = 2
	}
	if r.Jitter < 0 {
		r.Jitter = 0
	}
	// jitter never exceeds the growth of the next step, so delays stay monotone
	if r.Jitter > r.BackoffFactor-1 {
		r.Jitter = r.BackoffFactor - 1
	}
	return r
}

// NextDelay returns delay for a given attempt (1-based) with clamping. rnd is
// a uniform sample in [0, 1) that scales the jitter.
func (r RetryPolicy) NextDelay(attempt int, rnd float64) time.Duration {
	r = r.normalized()
	if attempt < 1 {
		attempt = 1
	}
	if rnd < 0 {
		rnd = 0
	}
	if rnd >= 1 {
		rnd = math.Nextafter(1, 0)
	}

	base := float64(r.InitialDelay) * math.Pow(r.BackoffFactor, float64(attempt-1))
	delay := base + base*r.Jitter*rnd
	if r.MaxDelay > 0 && delay > float64(r.MaxDelay) {
		return r.MaxDelay
	}
	d := time.Duration(delay)
	if d <= 0 {
		d = time.Second
	}
	return d
}
