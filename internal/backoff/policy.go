// Package backoff computes reconnect delays for stream connections.
package backoff

import (
	"math"
	"math/rand"
	"time"
)

// Policy is an exponential backoff with symmetric jitter. It is stateless:
// the caller owns the attempt counter.
type Policy struct {
	Initial    time.Duration
	Factor     float64
	Ceiling    time.Duration
	Jitter     float64 // fraction of the base delay, e.g. 0.25 for ±25%
	MaxRetries int

	// Rand returns a value in [0,1). Nil uses math/rand.
	Rand func() float64
}

// Default returns the stream reconnect policy: 1s doubling to 30s, ±25%, 5 retries
func Default() Policy {
	return Policy{
		Initial:    time.Second,
		Factor:     2,
		Ceiling:    30 * time.Second,
		Jitter:     0.25,
		MaxRetries: 5,
	}
}

// Base returns the un-jittered delay for attempt (0-based)
func (p Policy) Base(attempt int) time.Duration {
	if attempt < 0 {
		attempt = 0
	}
	d := float64(p.Initial) * math.Pow(p.Factor, float64(attempt))
	if d > float64(p.Ceiling) || math.IsInf(d, 1) {
		return p.Ceiling
	}
	return time.Duration(d)
}

// Delay returns the jittered delay for attempt, clamped to [0, Ceiling]
func (p Policy) Delay(attempt int) time.Duration {
	base := float64(p.Base(attempt))
	r := p.Rand
	if r == nil {
		r = rand.Float64
	}
	d := base + base*p.Jitter*(r()*2-1)
	if d < 0 {
		d = 0
	}
	if d > float64(p.Ceiling) {
		d = float64(p.Ceiling)
	}
	return time.Duration(d)
}

// Exhausted reports whether attempts has used up the retry budget
func (p Policy) Exhausted(attempts int) bool {
	return attempts >= p.MaxRetries
}
