// Package circuitbreaker stops dispatching to targets that keep failing.
// Breakers are keyed by target address, so one broken receiver does not
// hold back deliveries to the others.
package circuitbreaker

import (
	"errors"
	"sync"
	"time"
)

var ErrCircuitOpen = errors.New("circuit breaker is open")

type state int

const (
	stateClosed state = iota
	stateOpen
	stateHalfOpen
)

func (s state) String() string {
	switch s {
	case stateOpen:
		return "open"
	case stateHalfOpen:
		return "half_open"
	default:
		return "closed"
	}
}

type targetState struct {
	state               state
	consecutiveFailures int
	openedAt            time.Time
}

type CircuitBreaker struct {
	mu        sync.Mutex
	states    map[string]*targetState
	threshold int
	cooldown  time.Duration
	clock     func() time.Time
}

func New(threshold int, cooldown time.Duration) *CircuitBreaker {
	return &CircuitBreaker{
		states:    make(map[string]*targetState),
		threshold: threshold,
		cooldown:  cooldown,
		clock:     time.Now,
	}
}

// WithClock sets a custom clock function for testing.
func (cb *CircuitBreaker) WithClock(clock func() time.Time) *CircuitBreaker {
	cb.clock = clock
	return cb
}

// Cooldown is how long a tripped target stays open before a probe.
func (cb *CircuitBreaker) Cooldown() time.Duration {
	return cb.cooldown
}

// Allow reports whether an attempt against target may proceed. After the
// cooldown exactly one probe is let through; its outcome closes or reopens
// the breaker.
func (cb *CircuitBreaker) Allow(target string) error {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	s, ok := cb.states[target]
	if !ok {
		return nil
	}

	switch s.state {
	case stateClosed:
		return nil
	case stateOpen:
		if cb.clock().Sub(s.openedAt) >= cb.cooldown {
			s.state = stateHalfOpen
			return nil
		}
		return ErrCircuitOpen
	case stateHalfOpen:
		return ErrCircuitOpen
	default:
		return nil
	}
}

func (cb *CircuitBreaker) RecordSuccess(target string) {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	s, ok := cb.states[target]
	if !ok {
		return
	}
	s.state = stateClosed
	s.consecutiveFailures = 0
}

func (cb *CircuitBreaker) RecordFailure(target string) {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	s, ok := cb.states[target]
	if !ok {
		s = &targetState{}
		cb.states[target] = s
	}

	s.consecutiveFailures++
	if s.state == stateHalfOpen || s.consecutiveFailures >= cb.threshold {
		s.state = stateOpen
		s.openedAt = cb.clock()
	}
}

// State returns "closed", "open" or "half_open" for target.
func (cb *CircuitBreaker) State(target string) string {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	s, ok := cb.states[target]
	if !ok {
		return stateClosed.String()
	}
	return s.state.String()
}
