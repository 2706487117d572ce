package client

import (
	"math/rand"
	"time"
)

// BackoffPolicy computes reconnect delays: exponential growth with jitter
// so a fleet of clients dropped by the same restart does not reconnect in
// lockstep.
type BackoffPolicy struct {
	// Base is the delay before the first retry.
	Base time.Duration
	// Factor multiplies the delay on each consecutive failure.
	Factor float64
	// Cap bounds the grown delay before jitter.
	Cap time.Duration
	// Jitter is the +/- fraction applied to the final delay (0.2 = 20%).
	Jitter float64
}

// DefaultBackoff is the reconnect policy used when none is configured.
var DefaultBackoff = BackoffPolicy{
	Base:   time.Second,
	Factor: 2,
	Cap:    30 * time.Second,
	Jitter: 0.2,
}

func (p BackoffPolicy) sanitized() BackoffPolicy {
	if p.Base <= 0 {
		p.Base = DefaultBackoff.Base
	}
	if p.Factor < 1 {
		p.Factor = DefaultBackoff.Factor
	}
	if p.Cap < p.Base {
		p.Cap = DefaultBackoff.Cap
	}
	if p.Jitter <= 0 || p.Jitter >= 1 {
		p.Jitter = DefaultBackoff.Jitter
	}
	return p
}

// delay returns the wait before retry number attempt (0-based).
func (p BackoffPolicy) delay(attempt int, rng *rand.Rand) time.Duration {
	d := float64(p.Base)
	for i := 0; i < attempt; i++ {
		d *= p.Factor
		if d >= float64(p.Cap) {
			d = float64(p.Cap)
			break
		}
	}
	if p.Jitter > 0 {
		// Spread across [d*(1-jitter), d*(1+jitter)].
		d *= 1 - p.Jitter + 2*p.Jitter*rng.Float64()
	}
	return time.Duration(d)
}
