// Package backoff provides the retry delay policy for failed deliveries.
package backoff

import (
	"math/rand/v2"
	"time"
)

// Default policy values.
const (
	DefaultBase   = 10 * time.Second
	DefaultMax    = 6 * time.Hour
	DefaultJitter = 0.2
)

// Policy computes exponential retry delays with jitter. The delay doubles
// per attempt from Base up to Max, then a random perturbation of up to
// ±Jitter is applied so a fleet of devices does not retry in lockstep.
//
// NextDelay is a pure function of the attempt count and the rand source,
// so tests can inject a seeded source and get reproducible delays.
type Policy struct {
	Base   time.Duration
	Max    time.Duration
	Jitter float64

	rnd *rand.Rand
}

// New returns a Policy with the given parameters. A nil source falls back
// to the shared global source.
func New(base, max time.Duration, jitter float64, src rand.Source) *Policy {
	p := &Policy{Base: base, Max: max, Jitter: jitter}
	if src != nil {
		p.rnd = rand.New(src)
	}
	return p
}

// Default returns a Policy with the documented defaults.
func Default() *Policy {
	return New(DefaultBase, DefaultMax, DefaultJitter, nil)
}

// NextDelay returns the delay before retry number attempts+1.
// attempts counts prior non-success outcomes for the event.
func (p *Policy) NextDelay(attempts int) time.Duration {
	if attempts < 0 {
		attempts = 0
	}

	delay := float64(p.Base)
	for i := 0; i < attempts; i++ {
		delay *= 2
		if delay >= float64(p.Max) {
			delay = float64(p.Max)
			break
		}
	}

	if p.Jitter > 0 {
		factor := p.float64()*2*p.Jitter - p.Jitter
		delay += factor * delay
	}

	if delay > float64(p.Max) {
		delay = float64(p.Max)
	}
	if delay < 0 {
		delay = 0
	}

	return time.Duration(delay)
}

func (p *Policy) float64() float64 {
	if p.rnd != nil {
		return p.rnd.Float64()
	}
	return rand.Float64()
}
