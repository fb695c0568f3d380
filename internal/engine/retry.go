package engine

import (
	"time"

	"github.com/cenkalti/backoff/v4"
)

// RetryPolicy is the handshake retry schedule. Each attempt sends a fresh
// initiation and waits for the response during a window that starts at
// InitialWindow and is multiplied by Multiplier on every retry.
type RetryPolicy struct {
	// Attempts is the number of initiations sent before giving up.
	Attempts int

	// InitialWindow is how long the first attempt waits for a response.
	InitialWindow time.Duration

	// Multiplier grows the window between attempts.
	Multiplier float64

	// MaxWindow caps the window.
	MaxWindow time.Duration
}

// DefaultRetryPolicy waits 5s, 10s and 20s.
func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{
		Attempts:      3,
		InitialWindow: 5 * time.Second,
		Multiplier:    2,
		MaxWindow:     time.Minute,
	}
}

// Total returns the sum of every window.
func (rp RetryPolicy) Total() time.Duration {
	var total time.Duration
	bo := rp.backOff()
	for {
		d := bo.NextBackOff()
		if d == backoff.Stop {
			return total
		}
		total += d
	}
}

// backOff returns the schedule as a [backoff.BackOff] yielding the window
// of each attempt and [backoff.Stop] when attempts run out.
func (rp RetryPolicy) backOff() backoff.BackOff {
	bo := &backoff.ExponentialBackOff{
		InitialInterval:     rp.InitialWindow,
		RandomizationFactor: 0,
		Multiplier:          rp.Multiplier,
		MaxInterval:         rp.MaxWindow,
		MaxElapsedTime:      0,
		Stop:                backoff.Stop,
		Clock:               backoff.SystemClock,
	}
	bo.Reset()
	attempts := rp.Attempts
	if attempts < 1 {
		attempts = 1
	}
	return backoff.WithMaxRetries(bo, uint64(attempts))
}
