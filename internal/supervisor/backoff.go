package supervisor

import (
	"math"
	"math/rand/v2"
	"time"
)

// Policy holds reconnect and liveness settings.
type Policy struct {
	InitialBackoff time.Duration
	MaxBackoff     time.Duration
	Multiplier     float64
	// Jitter is the randomized fraction of each delay. 1 means full jitter.
	Jitter float64

	HeartbeatInterval time.Duration
	HeartbeatTimeout  time.Duration
	// StabilityThreshold is how long a session must stream before the
	// attempt counter resets.
	StabilityThreshold time.Duration
}

// DefaultPolicy returns the production defaults.
func DefaultPolicy() Policy {
	return Policy{
		InitialBackoff:     1 * time.Second,
		MaxBackoff:         30 * time.Second,
		Multiplier:         2.0,
		Jitter:             1.0,
		HeartbeatInterval:  15 * time.Second,
		HeartbeatTimeout:   45 * time.Second,
		StabilityThreshold: 30 * time.Second,
	}
}

// Backoff computes jittered exponential delays.
type Backoff struct {
	Initial    time.Duration
	Max        time.Duration
	Multiplier float64
	Jitter     float64
	// Rand returns a value in [0, 1). Defaults to math/rand/v2.
	Rand func() float64
}

// NewBackoff builds a Backoff from p.
func NewBackoff(p Policy, rnd func() float64) Backoff {
	return Backoff{
		Initial:    p.InitialBackoff,
		Max:        p.MaxBackoff,
		Multiplier: p.Multiplier,
		Jitter:     p.Jitter,
		Rand:       rnd,
	}
}

// Delay returns the wait before reconnect attempt n (0-based).
// The result lies in [ceil*(1-jitter), ceil] with ceil = min(max, initial*multiplier^n).
func (b Backoff) Delay(attempt int) time.Duration {
	if attempt < 0 {
		attempt = 0
	}
	mult := b.Multiplier
	if mult < 1 {
		mult = 1
	}
	jitter := math.Min(math.Max(b.Jitter, 0), 1)

	ceil := float64(b.Initial) * math.Pow(mult, float64(attempt))
	if ceil > float64(b.Max) || math.IsInf(ceil, 0) || math.IsNaN(ceil) {
		ceil = float64(b.Max)
	}
	if ceil < 0 {
		ceil = 0
	}

	rnd := b.Rand
	if rnd == nil {
		rnd = rand.Float64
	}
	r := math.Min(math.Max(rnd(), 0), 1)

	d := time.Duration(ceil*(1-jitter) + r*ceil*jitter)
	if d > b.Max {
		d = b.Max
	}
	if d < 0 {
		d = 0
	}
	return d
}
