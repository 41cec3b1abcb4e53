// Copyright 2025 James Ross

// Package breaker gates calls to the downstream media processor: when the
// recent failure rate crosses a threshold the breaker opens and conversion
// attempts fail fast as processor-unavailable instead of stacking timeouts
// onto a struggling service.
package breaker

import (
	"sync"
	"time"

	"github.com/flyingrobots/media-convert-orchestrator/internal/obs"
)

type State int

const (
	Closed State = iota
	HalfOpen
	Open
)

func (s State) String() string {
	switch s {
	case HalfOpen:
		return "half-open"
	case Open:
		return "open"
	default:
		return "closed"
	}
}

type sample struct {
	at time.Time
	ok bool
}

// CircuitBreaker tracks call outcomes over a sliding window. Closed admits
// everything; Open admits nothing until the cooldown passes; HalfOpen
// admits exactly one probe whose outcome decides the next state.
type CircuitBreaker struct {
	mu sync.Mutex

	window     time.Duration
	cooldown   time.Duration
	threshold  float64
	minSamples int

	state         State
	since         time.Time
	samples       []sample
	probeInFlight bool
}

func New(window, cooldown time.Duration, threshold float64, minSamples int) *CircuitBreaker {
	return &CircuitBreaker{
		window: window, cooldown: cooldown, threshold: threshold, minSamples: minSamples,
		state: Closed, since: time.Now(),
	}
}

func (cb *CircuitBreaker) State() State {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	return cb.state
}

// Allow reports whether a processor call may proceed right now.
func (cb *CircuitBreaker) Allow() bool {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	switch cb.state {
	case Open:
		if time.Since(cb.since) < cb.cooldown {
			return false
		}
		cb.transition(HalfOpen)
		cb.probeInFlight = true
		return true
	case HalfOpen:
		if cb.probeInFlight {
			return false
		}
		cb.probeInFlight = true
		return true
	default:
		return true
	}
}

// Record feeds one call outcome into the sliding window and applies the
// state machine.
func (cb *CircuitBreaker) Record(ok bool) {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	now := time.Now()
	cutoff := now.Add(-cb.window)
	kept := cb.samples[:0]
	for _, s := range cb.samples {
		if s.at.After(cutoff) {
			kept = append(kept, s)
		}
	}
	cb.samples = append(kept, sample{at: now, ok: ok})

	if cb.state == HalfOpen {
		// The single probe's outcome decides; the failure-rate check below
		// only governs Closed.
		cb.probeInFlight = false
		if ok {
			cb.transition(Closed)
		} else {
			cb.transition(Open)
		}
		return
	}

	if cb.state == Closed && len(cb.samples) >= cb.minSamples {
		fails := 0
		for _, s := range cb.samples {
			if !s.ok {
				fails++
			}
		}
		if float64(fails)/float64(len(cb.samples)) >= cb.threshold {
			cb.transition(Open)
		}
	}
}

// transition must be called with mu held.
func (cb *CircuitBreaker) transition(to State) {
	if cb.state == to {
		return
	}
	if to == Open {
		obs.CircuitBreakerTrips.Inc()
	}
	cb.state = to
	cb.since = time.Now()
	obs.CircuitBreakerState.Set(float64(to))
}
