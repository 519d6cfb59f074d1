package gateway

import (
	"math/rand/v2"
	"time"
)

// Backoff computes reconnect delays. Delay(n) falls in [base(n), base(n+1)]
// with base(n) = min(Initial*Multiplier^n, Max), so successive delays never
// decrease and never exceed Max.
type Backoff struct {
	Initial    time.Duration
	Max        time.Duration
	Multiplier float64

	// Jitter returns a value in [0, 1). Defaults to math/rand.
	Jitter func() float64
}

func DefaultBackoff() Backoff {
	return Backoff{
		Initial:    time.Second,
		Max:        time.Minute,
		Multiplier: 2,
	}
}

func (b Backoff) normalized() Backoff {
	if b.Initial <= 0 {
		b.Initial = time.Second
	}
	if b.Max < b.Initial {
		b.Max = b.Initial
	}
	if b.Multiplier < 1 {
		b.Multiplier = 1
	}
	if b.Jitter == nil {
		b.Jitter = rand.Float64
	}
	return b
}

func (b Backoff) base(attempt int) time.Duration {
	d := float64(b.Initial)
	for i := 0; i < attempt; i++ {
		d *= b.Multiplier
		if d >= float64(b.Max) {
			return b.Max
		}
	}
	return time.Duration(d)
}

// Delay returns the wait before reconnect attempt number attempt (0-based).
func (b Backoff) Delay(attempt int) time.Duration {
	if attempt < 0 {
		attempt = 0
	}
	b = b.normalized()

	lo := b.base(attempt)
	hi := b.base(attempt + 1)

	j := b.Jitter()
	if j < 0 {
		j = 0
	}
	if j >= 1 {
		j = 1
	}
	d := lo + time.Duration(j*float64(hi-lo))
	if d > b.Max {
		d = b.Max
	}
	return d
}
