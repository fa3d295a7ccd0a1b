// Package backoff holds the capped exponential backoff used by publishers and
// provider clients.
package backoff

import (
	"math/rand"
	"sync"
	"time"

	cbackoff "github.com/cenkalti/backoff/v5"
)

const DefaultJitterWindow = 250 * time.Millisecond

// Next doubles current up to max. A non-positive current restarts at base.
func Next(current, base, max time.Duration) time.Duration {
	if current <= 0 {
		return base
	}
	next := current * 2
	if next > max || next <= 0 {
		return max
	}
	return next
}

// Policy computes the wait before a given retry attempt.
type Policy struct {
	Base   time.Duration
	Max    time.Duration
	Jitter time.Duration
}

// Delay returns the wait before retry number attempt (1-based). Jitter is
// additive so the floor stays at the exponential step.
func (p Policy) Delay(attempt int) time.Duration {
	if p.Base <= 0 {
		return 0
	}
	b := p.exponential()
	d := p.Base
	for i := 0; i < attempt; i++ {
		d = b.NextBackOff()
	}
	return WithJitter(d, p.Jitter)
}

func (p Policy) exponential() *cbackoff.ExponentialBackOff {
	max := p.Max
	if max < p.Base {
		max = p.Base
	}
	b := &cbackoff.ExponentialBackOff{
		InitialInterval:     p.Base,
		RandomizationFactor: 0,
		Multiplier:          2,
		MaxInterval:         max,
	}
	b.Reset()
	return b
}

var (
	jitterMu     sync.Mutex
	jitterSource = rand.New(rand.NewSource(time.Now().UnixNano()))
)

// WithJitter adds up to window of random delay to d.
func WithJitter(d, window time.Duration) time.Duration {
	if d <= 0 {
		return 0
	}
	if window <= 0 {
		return d
	}
	jitterMu.Lock()
	jitter := time.Duration(jitterSource.Int63n(int64(window)))
	jitterMu.Unlock()
	return d + jitter
}

// Sleep waits for d and reports false when done closed first.
func Sleep(done <-chan struct{}, d time.Duration) bool {
	if d <= 0 {
		return true
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-done:
		return false
	case <-timer.C:
		return true
	}
}
