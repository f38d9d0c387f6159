package reliability

import (
	"errors"
	"fmt"
	"time"

	"github.com/glimte/sessionq-go/contracts"
)

// ErrCircuitOpen is wrapped by every fast-fail from an open breaker.
var ErrCircuitOpen = errors.New("reliability: circuit breaker is open")

// CircuitOpenError is returned instead of invoking the protected function
// while a breaker refuses calls.
type CircuitOpenError struct {
	Name     string
	State    State
	Failures int
	RetryAt  time.Time
}

// Error implements the error interface.
func (e *CircuitOpenError) Error() string {
	return fmt.Sprintf("reliability: circuit %q is %s after %d failures, next attempt at %s",
		e.Name, e.State, e.Failures, e.RetryAt.Format(time.RFC3339))
}

// Unwrap lets errors.Is match ErrCircuitOpen.
func (e *CircuitOpenError) Unwrap() error {
	return ErrCircuitOpen
}

// ErrorKind classifies fast-fails for the contracts taxonomy.
func (e *CircuitOpenError) ErrorKind() contracts.ErrorKind {
	return contracts.KindCircuitOpen
}

// ExhaustedError is the terminal outcome of a retried operation that spent
// its attempt budget or overran its operation timeout. It preserves the
// ordered attempt history for dead-letter capture.
type ExhaustedError struct {
	Op          string
	Attempts    []contracts.Attempt
	MaxAttempts int
	Elapsed     time.Duration
	TimedOut    bool
	Err         error
}

// Error implements the error interface.
func (e *ExhaustedError) Error() string {
	cause := "retry budget exhausted"
	if e.TimedOut {
		cause = "operation timeout exceeded"
	}
	return fmt.Sprintf("reliability: %s: %s after %d/%d attempts in %s: %v",
		e.Op, cause, len(e.Attempts), e.MaxAttempts, e.Elapsed.Round(time.Millisecond), e.Err)
}

// Unwrap returns the last observed error.
func (e *ExhaustedError) Unwrap() error {
	return e.Err
}

// ErrorKind reports the terminal classification.
func (e *ExhaustedError) ErrorKind() contracts.ErrorKind {
	if e.TimedOut {
		return contracts.KindTimeout
	}
	return contracts.KindRetryExhausted
}

// IsTerminal reports whether err is a terminal retry outcome, the trigger
// for dead-lettering.
func IsTerminal(err error) bool {
	var ex *ExhaustedError
	return errors.As(err, &ex)
}

// AttemptsOf extracts the attempt history from a terminal error, nil for
// everything else.
func AttemptsOf(err error) []contracts.Attempt {
	var ex *ExhaustedError
	if errors.As(err, &ex) {
		return ex.Attempts
	}
	return nil
}
