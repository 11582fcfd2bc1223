// Package backoff computes the retry delay for failed deliveries. The
// policy is pure: delay is a function of the persisted attempt count, so
// schedulers keep no per-dispatch state between bursts.
package backoff

import (
	"math"
	"math/rand"
	"time"
)

// Policy maps an attempt count (attempts already made, 0 for the first
// retry) to the delay before the next attempt. Implementations must return
// a strictly positive delay.
type Policy interface {
	Delay(attempts int) time.Duration
}

// Exponential grows the delay by Multiplier per attempt, capped at Max,
// with optional ±Jitter randomization. Jitter is bounded so the result can
// never reach zero, keeping next_time strictly ahead of last_time.
type Exponential struct {
	Initial    time.Duration // default 5s
	Max        time.Duration // default 6h
	Multiplier float64       // default 2.0
	Jitter     float64       // 0..1 fraction, default 0
}

var _ Policy = Exponential{}

func (e Exponential) Delay(attempts int) time.Duration {
	initial := e.Initial
	if initial <= 0 {
		initial = 5 * time.Second
	}
	max := e.Max
	if max <= 0 {
		max = 6 * time.Hour
	}
	mult := e.Multiplier
	if mult < 1 {
		mult = 2.0
	}
	if attempts < 0 {
		attempts = 0
	}

	d := float64(initial) * math.Pow(mult, float64(attempts))
	if d > float64(max) {
		d = float64(max)
	}

	if j := e.Jitter; j > 0 {
		if j > 1 {
			j = 1
		}
		// spread over [d*(1-j), d*(1+j)]
		d += d * j * (2*rand.Float64() - 1)
	}

	// jitter can push past the cap; Max is a hard ceiling
	if d > float64(max) {
		d = float64(max)
	}
	if d < float64(time.Second) {
		d = float64(time.Second)
	}
	return time.Duration(d)
}
