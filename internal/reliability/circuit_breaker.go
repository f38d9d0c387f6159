package reliability

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/glimte/sessionq-go/contracts"
)

// State is the circuit breaker state.
type State int

const (
	StateClosed State = iota
	StateOpen
	StateHalfOpen
)

func (s State) String() string {
	switch s {
	case StateClosed:
		return "closed"
	case StateOpen:
		return "open"
	case StateHalfOpen:
		return "half-open"
	default:
		return "unknown"
	}
}

// StateChangeListener receives circuit breaker state transitions.
type StateChangeListener interface {
	OnStateChange(name string, from, to State, reason string)
}

// CircuitBreaker guards one downstream target. Closed counts consecutive
// failures; reaching the failure threshold opens the circuit. Open fails
// every call fast until the recovery timeout, then HalfOpen admits a
// bounded number of trial calls; enough consecutive successes close the
// circuit again, any trial failure re-opens it and restarts the timer.
//
// Only failures that say something about downstream health count: errors
// classified non-retryable (validation, not-found, too-large) pass through
// without touching the counters.
type CircuitBreaker struct {
	mu             sync.RWMutex
	state          State
	failures       int
	successes      int
	lastFailure    time.Time
	lastTransition time.Time
	halfOpenCalls  int
	totalRequests  int64
	totalFailures  int64
	totalSuccesses int64

	name             string
	failureThreshold int
	successThreshold int
	recoveryTimeout  time.Duration
	halfOpenLimit    int
	listeners        []StateChangeListener
}

// BreakerOption configures a CircuitBreaker.
type BreakerOption func(*CircuitBreaker)

// WithFailureThreshold sets how many consecutive failures open the circuit.
func WithFailureThreshold(n int) BreakerOption {
	return func(cb *CircuitBreaker) {
		cb.failureThreshold = n
	}
}

// WithSuccessThreshold sets how many consecutive half-open successes close
// the circuit.
func WithSuccessThreshold(n int) BreakerOption {
	return func(cb *CircuitBreaker) {
		cb.successThreshold = n
	}
}

// WithRecoveryTimeout sets how long the circuit stays open before probing.
func WithRecoveryTimeout(d time.Duration) BreakerOption {
	return func(cb *CircuitBreaker) {
		cb.recoveryTimeout = d
	}
}

// WithHalfOpenLimit bounds concurrent-and-sequential trial calls while
// half-open.
func WithHalfOpenLimit(n int) BreakerOption {
	return func(cb *CircuitBreaker) {
		cb.halfOpenLimit = n
	}
}

// WithBreakerName names the breaker for logs and errors.
func WithBreakerName(name string) BreakerOption {
	return func(cb *CircuitBreaker) {
		cb.name = name
	}
}

// WithStateChangeListener registers a transition listener.
func WithStateChangeListener(l StateChangeListener) BreakerOption {
	return func(cb *CircuitBreaker) {
		cb.listeners = append(cb.listeners, l)
	}
}

// NewCircuitBreaker creates a breaker. Defaults: 5 consecutive failures to
// open, 3 successes to close, 30s recovery timeout, 3 half-open trials.
func NewCircuitBreaker(opts ...BreakerOption) *CircuitBreaker {
	cb := &CircuitBreaker{
		state:            StateClosed,
		name:             "default",
		failureThreshold: 5,
		successThreshold: 3,
		recoveryTimeout:  30 * time.Second,
		halfOpenLimit:    3,
		lastTransition:   time.Now(),
	}
	for _, opt := range opts {
		opt(cb)
	}
	return cb
}

// Execute runs fn under the breaker. While the circuit is open fn is never
// invoked and a *CircuitOpenError is returned immediately.
func (cb *CircuitBreaker) Execute(ctx context.Context, fn func() error) error {
	cb.mu.Lock()
	cb.totalRequests++
	cb.mu.Unlock()

	if err := cb.admit(); err != nil {
		return err
	}

	select {
	case <-ctx.Done():
		return ctx.Err()
	default:
	}

	err := fn()
	cb.record(err)
	return err
}

// State returns the current state.
func (cb *CircuitBreaker) State() State {
	cb.mu.RLock()
	defer cb.mu.RUnlock()
	return cb.state
}

// Reset forces the breaker closed and clears the counters.
func (cb *CircuitBreaker) Reset() {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	cb.transition(StateClosed, "manual reset")
}

// admit decides whether a call may proceed in the current state.
func (cb *CircuitBreaker) admit() error {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	switch cb.state {
	case StateClosed:
		return nil

	case StateOpen:
		retryAt := cb.lastFailure.Add(cb.recoveryTimeout)
		if time.Now().After(retryAt) {
			cb.transition(StateHalfOpen, "recovery timeout elapsed")
			cb.halfOpenCalls++
			return nil
		}
		return cb.openError(retryAt)

	case StateHalfOpen:
		if cb.halfOpenCalls >= cb.halfOpenLimit {
			return cb.openError(time.Now().Add(cb.recoveryTimeout))
		}
		cb.halfOpenCalls++
		return nil

	default:
		return fmt.Errorf("reliability: breaker %q in unknown state %d", cb.name, int(cb.state))
	}
}

// record applies one call outcome to the state machine.
func (cb *CircuitBreaker) record(err error) {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	if err != nil {
		if !contracts.IsRetryable(err) {
			// The downstream answered; it is not unhealthy.
			return
		}
		cb.failures++
		cb.totalFailures++
		cb.successes = 0
		cb.lastFailure = time.Now()

		switch cb.state {
		case StateClosed:
			if cb.failures >= cb.failureThreshold {
				cb.transition(StateOpen,
					fmt.Sprintf("failure threshold reached (%d/%d)", cb.failures, cb.failureThreshold))
			}
		case StateHalfOpen:
			cb.transition(StateOpen, "trial call failed")
		}
		return
	}

	cb.successes++
	cb.totalSuccesses++

	switch cb.state {
	case StateClosed:
		cb.failures = 0
	case StateHalfOpen:
		if cb.successes >= cb.successThreshold {
			cb.transition(StateClosed,
				fmt.Sprintf("success threshold reached (%d/%d)", cb.successes, cb.successThreshold))
		}
	}
}

// transition moves to a new state and resets the per-state counters.
// Callers hold cb.mu.
func (cb *CircuitBreaker) transition(to State, reason string) {
	from := cb.state
	cb.state = to
	cb.lastTransition = time.Now()
	cb.halfOpenCalls = 0
	cb.successes = 0
	if to == StateClosed {
		cb.failures = 0
	}
	if from == to {
		return
	}

	listeners := make([]StateChangeListener, len(cb.listeners))
	copy(listeners, cb.listeners)
	for _, l := range listeners {
		go l.OnStateChange(cb.name, from, to, reason)
	}
}

func (cb *CircuitBreaker) openError(retryAt time.Time) error {
	return &CircuitOpenError{
		Name:     cb.name,
		State:    cb.state,
		Failures: cb.failures,
		RetryAt:  retryAt,
	}
}

// Stats is a point-in-time breaker snapshot.
type Stats struct {
	Name             string
	State            State
	ConsecFailures   int
	ConsecSuccesses  int
	TotalRequests    int64
	TotalFailures    int64
	TotalSuccesses   int64
	LastFailure      time.Time
	LastTransition   time.Time
	FailureThreshold int
	SuccessThreshold int
}

// Snapshot returns current stats.
func (cb *CircuitBreaker) Snapshot() Stats {
	cb.mu.RLock()
	defer cb.mu.RUnlock()
	return Stats{
		Name:             cb.name,
		State:            cb.state,
		ConsecFailures:   cb.failures,
		ConsecSuccesses:  cb.successes,
		TotalRequests:    cb.totalRequests,
		TotalFailures:    cb.totalFailures,
		TotalSuccesses:   cb.totalSuccesses,
		LastFailure:      cb.lastFailure,
		LastTransition:   cb.lastTransition,
		FailureThreshold: cb.failureThreshold,
		SuccessThreshold: cb.successThreshold,
	}
}
