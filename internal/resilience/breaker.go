// Package resilience provides reliability patterns for external service calls.
package resilience

import (
	"errors"
	"sync"
	"time"
)

// ErrCircuitOpen is returned when the circuit breaker is open and rejecting calls.
var ErrCircuitOpen = errors.New("circuit breaker is open")

// State is the externally visible circuit state.
type State string

const (
	StateClosed   State = "closed"
	StateOpen     State = "open"
	StateHalfOpen State = "half-open"
)

// Breaker protects an external dependency from repeated failing calls. After
// maxFailures consecutive failures the circuit opens and calls fail fast with
// ErrCircuitOpen; after cooldown one probe call is let through.
type Breaker struct {
	mu          sync.Mutex
	state       State
	consecutive int
	maxFailures int
	cooldown    time.Duration
	openedAt    time.Time
	clock       func() time.Time // for testing
}

// NewBreaker creates a circuit breaker that opens after maxFailures
// consecutive failures and stays open for cooldown before probing.
func NewBreaker(maxFailures int, cooldown time.Duration) *Breaker {
	return &Breaker{
		state:       StateClosed,
		maxFailures: maxFailures,
		cooldown:    cooldown,
		clock:       time.Now,
	}
}

// State returns the current circuit state.
func (b *Breaker) State() State {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.state
}

// Execute runs fn unless the circuit is open, recording its success or
// failure. In half-open state a single failure reopens the circuit.
func (b *Breaker) Execute(fn func() error) error {
	if !b.allow() {
		return ErrCircuitOpen
	}

	err := fn()
	b.record(err)
	return err
}

func (b *Breaker) allow() bool {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.state == StateOpen {
		if b.clock().Sub(b.openedAt) < b.cooldown {
			return false
		}
		b.state = StateHalfOpen
	}
	return true
}

func (b *Breaker) record(err error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if err == nil {
		b.consecutive = 0
		b.state = StateClosed
		return
	}

	b.consecutive++
	if b.state == StateHalfOpen || b.consecutive >= b.maxFailures {
		b.state = StateOpen
		b.openedAt = b.clock()
	}
}
