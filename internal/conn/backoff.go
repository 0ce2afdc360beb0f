package conn

import (
	"time"

	"github.com/cenkalti/backoff/v4"
)

// Backoff yields reconnect delays: base, then doubling on each consecutive
// failure, capped at ceiling. Reset returns it to base.
type Backoff struct {
	exp *backoff.ExponentialBackOff
}

// NewBackoff builds a deterministic doubling backoff.
func NewBackoff(base, ceiling time.Duration) *Backoff {
	if ceiling < base {
		ceiling = base
	}
	exp := backoff.NewExponentialBackOff()
	exp.InitialInterval = base
	exp.Multiplier = 2
	exp.RandomizationFactor = 0
	exp.MaxInterval = ceiling
	exp.MaxElapsedTime = 0
	exp.Reset()
	return &Backoff{exp: exp}
}

// Next returns the delay for the upcoming attempt and advances the sequence.
func (b *Backoff) Next() time.Duration {
	d := b.exp.NextBackOff()
	if d == backoff.Stop {
		return b.exp.MaxInterval
	}
	return d
}

// Reset rewinds to the base delay.
func (b *Backoff) Reset() {
	b.exp.Reset()
}
