// Package reliability implements the retry and circuit-breaker engine the
// runtime wraps around every provider operation.
//
// Retry: a Policy computes the wait between attempts (exponential, linear,
// or fixed, with optional jitter) and the Retryer drives the loop. Failures
// are classified through the contracts taxonomy: non-retryable kinds
// short-circuit immediately without consuming attempts, rate-limit errors
// override the policy delay with the server-provided wait, and exhausting
// the attempt budget or the operation timeout yields a terminal
// ExhaustedError carrying the full attempt history.
//
// Circuit breaking is layered above retry and scoped per downstream target:
// a BreakerGroup lazily creates one CircuitBreaker per key and keeps exact
// counters under a mutex. Closed counts consecutive failures until the
// failure threshold opens the circuit; Open fails fast until the recovery
// timeout; HalfOpen admits a bounded number of trial calls and closes again
// after enough consecutive successes.
package reliability
