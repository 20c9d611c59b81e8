// Package breaker implements a per-source circuit breaker guarding calls to
// flaky external collectors: CLOSED lets calls through, OPEN fails fast,
// HALF_OPEN probes for recovery.
package breaker

import (
	"context"
	"errors"
	"sync"
	"time"
)

// ErrOpen is returned by Call when the circuit is open and recovery hasn't
// elapsed yet.
var ErrOpen = errors.New("circuit breaker is open")

// State is one of Closed, Open, HalfOpen.
type State string

const (
	Closed   State = "closed"
	Open     State = "open"
	HalfOpen State = "half_open"
)

// Config tunes the breaker's thresholds.
type Config struct {
	FailureThreshold int
	RecoveryTimeout  time.Duration
	HalfOpenRequests int
}

// DefaultConfig matches the reference implementation's defaults.
func DefaultConfig() Config {
	return Config{
		FailureThreshold: 5,
		RecoveryTimeout:  60 * time.Second,
		HalfOpenRequests: 3,
	}
}

// Breaker is a single named circuit breaker. All mutation happens from the
// owning collector goroutine; the mutex only guards concurrent status reads
// (e.g. from a status HTTP handler).
type Breaker struct {
	name   string
	config Config

	mu                sync.Mutex
	state             State
	failureCount      int
	lastFailureTime   time.Time
	halfOpenSuccesses int
}

// New creates a breaker in the CLOSED state.
func New(name string, config Config) *Breaker {
	return &Breaker{name: name, config: config, state: Closed}
}

// Name returns the breaker's owning collector name.
func (b *Breaker) Name() string { return b.name }

// State returns the current state without mutating it.
func (b *Breaker) State() State {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.state
}

// Call executes fn under circuit-breaker protection. If the circuit is open
// and recovery hasn't elapsed, fn is not invoked and ErrOpen is returned.
func (b *Breaker) Call(ctx context.Context, fn func(ctx context.Context) error) error {
	b.mu.Lock()
	if b.state == Open {
		if b.shouldAttemptRecoveryLocked() {
			b.state = HalfOpen
			b.halfOpenSuccesses = 0
		} else {
			b.mu.Unlock()
			return ErrOpen
		}
	}
	b.mu.Unlock()

	err := fn(ctx)

	b.mu.Lock()
	defer b.mu.Unlock()
	if err != nil {
		b.onFailureLocked()
		return err
	}
	b.onSuccessLocked()
	return nil
}

func (b *Breaker) shouldAttemptRecoveryLocked() bool {
	if b.lastFailureTime.IsZero() {
		return true
	}
	return time.Since(b.lastFailureTime) >= b.config.RecoveryTimeout
}

func (b *Breaker) onSuccessLocked() {
	if b.state == HalfOpen {
		b.halfOpenSuccesses++
		if b.halfOpenSuccesses >= b.config.HalfOpenRequests {
			b.state = Closed
			b.failureCount = 0
		}
		return
	}
	b.failureCount = 0
}

func (b *Breaker) onFailureLocked() {
	b.failureCount++
	b.lastFailureTime = time.Now()

	if b.state == HalfOpen {
		b.state = Open
		return
	}
	if b.failureCount >= b.config.FailureThreshold {
		b.state = Open
	}
}
