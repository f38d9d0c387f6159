package reliability

import (
	"context"
	"errors"
	"log/slog"
	"math"
	"math/rand"
	"time"

	"github.com/glimte/sessionq-go/contracts"
)

// Policy computes retry scheduling. Classification is not the policy's
// business: the Retryer decides whether to retry from the error kind, the
// policy only says how long to wait and how many attempts are allowed.
type Policy interface {
	// MaxAttempts is the total number of tries, first attempt included.
	MaxAttempts() int
	// NextDelay returns the wait after the attempt-th failure, attempt >= 1.
	NextDelay(attempt int) time.Duration
}

// jitterFraction spreads computed delays by ±20% when jitter is enabled.
const jitterFraction = 0.2

// ExponentialBackoff grows the delay by a multiplier per attempt:
// delay = min(MaxDelay, InitialDelay * Multiplier^attempt).
type ExponentialBackoff struct {
	InitialDelay time.Duration
	MaxDelay     time.Duration
	Multiplier   float64
	Attempts     int
	Jitter       bool
}

// NewExponentialBackoff creates an exponential policy with jitter enabled.
func NewExponentialBackoff(initial, max time.Duration, multiplier float64, attempts int) *ExponentialBackoff {
	return &ExponentialBackoff{
		InitialDelay: initial,
		MaxDelay:     max,
		Multiplier:   multiplier,
		Attempts:     attempts,
		Jitter:       true,
	}
}

// MaxAttempts implements Policy.
func (e *ExponentialBackoff) MaxAttempts() int {
	return e.Attempts
}

// NextDelay implements Policy.
func (e *ExponentialBackoff) NextDelay(attempt int) time.Duration {
	delay := float64(e.InitialDelay) * math.Pow(e.Multiplier, float64(attempt))
	if max := float64(e.MaxDelay); delay > max {
		delay = max
	}
	if e.Jitter {
		delay = applyJitter(delay)
	}
	return time.Duration(delay)
}

// LinearBackoff grows the delay by a fixed increment per attempt:
// delay = min(MaxDelay, InitialDelay + Increment*attempt).
type LinearBackoff struct {
	InitialDelay time.Duration
	Increment    time.Duration
	MaxDelay     time.Duration
	Attempts     int
	Jitter       bool
}

// NewLinearBackoff creates a linear policy with jitter enabled.
func NewLinearBackoff(initial, increment, max time.Duration, attempts int) *LinearBackoff {
	return &LinearBackoff{
		InitialDelay: initial,
		Increment:    increment,
		MaxDelay:     max,
		Attempts:     attempts,
		Jitter:       true,
	}
}

// MaxAttempts implements Policy.
func (l *LinearBackoff) MaxAttempts() int {
	return l.Attempts
}

// NextDelay implements Policy.
func (l *LinearBackoff) NextDelay(attempt int) time.Duration {
	delay := float64(l.InitialDelay) + float64(l.Increment)*float64(attempt)
	if max := float64(l.MaxDelay); delay > max {
		delay = max
	}
	if l.Jitter {
		delay = applyJitter(delay)
	}
	return time.Duration(delay)
}

// FixedDelay waits the same duration between every attempt.
type FixedDelay struct {
	Delay    time.Duration
	Attempts int
}

// NewFixedDelay creates a fixed-delay policy.
func NewFixedDelay(delay time.Duration, attempts int) *FixedDelay {
	return &FixedDelay{Delay: delay, Attempts: attempts}
}

// MaxAttempts implements Policy.
func (f *FixedDelay) MaxAttempts() int {
	return f.Attempts
}

// NextDelay implements Policy.
func (f *FixedDelay) NextDelay(attempt int) time.Duration {
	return f.Delay
}

func applyJitter(delay float64) float64 {
	span := 1 - jitterFraction + 2*jitterFraction*rand.Float64()
	return delay * span
}

// Retryer drives retried operations against one policy.
type Retryer struct {
	policy  Policy
	timeout time.Duration
	logger  *slog.Logger
}

// RetryerOption configures a Retryer.
type RetryerOption func(*Retryer)

// WithPolicy replaces the default exponential policy.
func WithPolicy(p Policy) RetryerOption {
	return func(r *Retryer) {
		r.policy = p
	}
}

// WithOperationTimeout bounds the whole retried operation, sleeps included.
// Exceeding it yields a terminal timeout error even with attempts left.
func WithOperationTimeout(d time.Duration) RetryerOption {
	return func(r *Retryer) {
		r.timeout = d
	}
}

// WithRetryerLogger sets the logger.
func WithRetryerLogger(logger *slog.Logger) RetryerOption {
	return func(r *Retryer) {
		r.logger = logger
	}
}

// NewRetryer creates a Retryer. The default policy is exponential,
// 100ms initial, 10s cap, multiplier 2, 5 attempts, with jitter.
func NewRetryer(opts ...RetryerOption) *Retryer {
	r := &Retryer{
		policy: NewExponentialBackoff(100*time.Millisecond, 10*time.Second, 2.0, 5),
		logger: slog.Default(),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Policy returns the scheduling policy in use.
func (r *Retryer) Policy() Policy {
	return r.policy
}

// Do runs fn until it succeeds, fails permanently, or the budget runs out.
//
// Non-retryable errors propagate unchanged without consuming further
// attempts. Retryable errors wait the policy delay, or the server-provided
// retry-after for rate limits. Exhausting attempts or the operation timeout
// returns an *ExhaustedError carrying the ordered attempt history; caller
// cancellation returns ctx.Err() as-is.
func (r *Retryer) Do(ctx context.Context, op string, fn func(ctx context.Context) error) error {
	start := time.Now()
	if r.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, r.timeout)
		defer cancel()
	}

	var attempts []contracts.Attempt
	for attempt := 1; ; attempt++ {
		if err := ctx.Err(); err != nil {
			return r.terminal(op, attempts, err, start)
		}

		err := fn(ctx)
		if err == nil {
			return nil
		}

		attempts = append(attempts, contracts.Attempt{
			Number:  attempt,
			At:      time.Now().UTC(),
			Kind:    contracts.KindOf(err),
			Message: err.Error(),
		})

		if !contracts.IsRetryable(err) {
			return err
		}
		if attempt >= r.policy.MaxAttempts() {
			return r.terminal(op, attempts, err, start)
		}

		delay := r.policy.NextDelay(attempt)
		if after, ok := contracts.RetryAfterOf(err); ok {
			delay = after
		}
		attempts[len(attempts)-1].Delay = delay

		r.logger.Debug("retrying operation",
			"op", op,
			"attempt", attempt,
			"maxAttempts", r.policy.MaxAttempts(),
			"delay", delay,
			"error", err)

		select {
		case <-time.After(delay):
		case <-ctx.Done():
			return r.terminal(op, attempts, ctx.Err(), start)
		}
	}
}

func (r *Retryer) terminal(op string, attempts []contracts.Attempt, last error, start time.Time) error {
	if errors.Is(last, context.Canceled) {
		return last
	}
	timedOut := errors.Is(last, context.DeadlineExceeded)
	exhausted := &ExhaustedError{
		Op:          op,
		Attempts:    attempts,
		MaxAttempts: r.policy.MaxAttempts(),
		Elapsed:     time.Since(start),
		TimedOut:    timedOut,
		Err:         last,
	}
	r.logger.Warn("operation exhausted its retry budget",
		"op", op,
		"attempts", len(attempts),
		"elapsed", exhausted.Elapsed,
		"timedOut", timedOut,
		"error", last)
	return exhausted
}
