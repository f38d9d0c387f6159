package contracts

import (
	"context"
	"errors"
	"fmt"
	"time"
)

// ErrorKind classifies every failure that crosses the provider boundary.
// Providers wrap backend-specific errors into a QueueError carrying one of
// these kinds; everything above the adapter layer makes retry and
// dead-letter decisions on the kind alone.
type ErrorKind int

const (
	// KindUnknown marks failures no adapter classified. They are treated
	// as retryable, matching at-least-once delivery: dropping a message on
	// an unclassified error is worse than retrying one.
	KindUnknown ErrorKind = iota

	// Transient kinds. Retrying may succeed.
	KindConnectionFailed
	KindTimeout
	KindRateLimited
	KindSessionLocked
	KindLeaseExpired

	// Permanent kinds. Retrying cannot help.
	KindMalformedMessage
	KindUnauthorized
	KindValidationFailed
	KindQueueNotFound
	KindSessionNotFound
	KindMessageNotFound
	KindMessageTooLarge
	KindReceiptExpired

	// Terminal kinds produced by the runtime itself, never by providers.
	KindRetryExhausted
	KindCircuitOpen
)

var kindNames = map[ErrorKind]string{
	KindUnknown:          "unknown",
	KindConnectionFailed: "connection_failed",
	KindTimeout:          "timeout",
	KindRateLimited:      "rate_limited",
	KindSessionLocked:    "session_locked",
	KindLeaseExpired:     "lease_expired",
	KindMalformedMessage: "malformed_message",
	KindUnauthorized:     "unauthorized",
	KindValidationFailed: "validation_failed",
	KindQueueNotFound:    "queue_not_found",
	KindSessionNotFound:  "session_not_found",
	KindMessageNotFound:  "message_not_found",
	KindMessageTooLarge:  "message_too_large",
	KindReceiptExpired:   "receipt_expired",
	KindRetryExhausted:   "retry_exhausted",
	KindCircuitOpen:      "circuit_open",
}

// String returns the stable snake_case name of the kind.
func (k ErrorKind) String() string {
	if name, ok := kindNames[k]; ok {
		return name
	}
	return fmt.Sprintf("kind(%d)", int(k))
}

// MarshalText encodes the kind by name so persisted records stay readable
// and stable across releases.
func (k ErrorKind) MarshalText() ([]byte, error) {
	return []byte(k.String()), nil
}

// UnmarshalText decodes a kind from its name. Unrecognized names decode to
// KindUnknown rather than failing, so old records survive taxonomy growth.
func (k *ErrorKind) UnmarshalText(text []byte) error {
	name := string(text)
	for kind, n := range kindNames {
		if n == name {
			*k = kind
			return nil
		}
	}
	*k = KindUnknown
	return nil
}

// Retryable reports whether another attempt of an operation failing with
// this kind can succeed.
func (k ErrorKind) Retryable() bool {
	switch k {
	case KindUnknown, KindConnectionFailed, KindTimeout, KindRateLimited,
		KindSessionLocked, KindLeaseExpired:
		return true
	}
	return false
}

// QueueError is the uniform error adapters return. It ties a classified
// kind to the failed operation and wraps the underlying provider error.
type QueueError struct {
	Kind       ErrorKind
	Op         string
	Queue      string
	SessionKey SessionKey
	RetryAfter time.Duration // server-provided wait, only for KindRateLimited
	Err        error
}

// NewQueueError wraps a provider error into the common taxonomy.
func NewQueueError(kind ErrorKind, op, queue string, err error) *QueueError {
	return &QueueError{Kind: kind, Op: op, Queue: queue, Err: err}
}

// Error implements the error interface.
func (e *QueueError) Error() string {
	msg := fmt.Sprintf("sessionq: %s", e.Kind)
	if e.Op != "" {
		msg = fmt.Sprintf("sessionq: %s %s", e.Op, e.Kind)
	}
	if e.Queue != "" {
		msg += fmt.Sprintf(" queue=%s", e.Queue)
	}
	if !e.SessionKey.IsZero() {
		msg += fmt.Sprintf(" session=%s", e.SessionKey)
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

// Unwrap returns the wrapped provider error.
func (e *QueueError) Unwrap() error {
	return e.Err
}

// Kinder is implemented by error types outside this package that carry
// their own classification, such as the retry engine's terminal errors.
type Kinder interface {
	ErrorKind() ErrorKind
}

// KindOf extracts the classification from an error chain. Context deadline
// expiries classify as KindTimeout; anything unclassified is KindUnknown.
func KindOf(err error) ErrorKind {
	if err == nil {
		return KindUnknown
	}
	var qe *QueueError
	if errors.As(err, &qe) {
		return qe.Kind
	}
	var k Kinder
	if errors.As(err, &k) {
		return k.ErrorKind()
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return KindTimeout
	}
	return KindUnknown
}

// IsRetryable reports whether err is worth another attempt.
func IsRetryable(err error) bool {
	if errors.Is(err, context.Canceled) {
		return false
	}
	return KindOf(err).Retryable()
}

// RetryAfterOf returns the server-provided retry delay carried by a
// rate-limit error, if any. It always overrides policy-computed backoff.
func RetryAfterOf(err error) (time.Duration, bool) {
	var qe *QueueError
	if errors.As(err, &qe) && qe.Kind == KindRateLimited && qe.RetryAfter > 0 {
		return qe.RetryAfter, true
	}
	return 0, false
}

// Attempt records one try of a retried operation. Ordered attempt slices
// travel from the retry engine into dead-letter failure context.
type Attempt struct {
	Number  int           `json:"number"`
	At      time.Time     `json:"at"`
	Kind    ErrorKind     `json:"kind"`
	Message string        `json:"message"`
	Delay   time.Duration `json:"delay"`
}
