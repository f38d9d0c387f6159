package queue

import (
	"context"
	"time"

	"github.com/glimte/sessionq-go/contracts"
)

// Provider is the uniform adapter contract over one backend queueing
// service. All methods are safe for concurrent use. Every error crossing
// this boundary is wrapped into the contracts taxonomy; callers never see
// backend-specific error codes.
type Provider interface {
	// Name identifies the adapter in logs and receipt handles. Runtime
	// logic must branch on Capabilities, never on Name.
	Name() string

	// Capabilities reports what the backend supports.
	Capabilities() Capabilities

	// Send enqueues one message and returns the provider-issued message
	// id. Fails with KindQueueNotFound, KindMessageTooLarge,
	// KindConnectionFailed, or a wrapped provider error.
	Send(ctx context.Context, queue string, msg contracts.Message) (string, error)

	// SendBatch enqueues up to Capabilities().MaxBatchSize messages.
	// Partial failure is reported per message in the results, never
	// silently dropped. The returned slice always has one entry per
	// input message, in input order.
	SendBatch(ctx context.Context, queue string, msgs []contracts.Message) ([]BatchResult, error)

	// Receive blocks up to wait for messages. An empty queue yields an
	// empty slice, never an error. Messages with a session key are only
	// handed out through ReceiveFromSession.
	Receive(ctx context.Context, queue string, max int, wait time.Duration) ([]contracts.ReceivedMessage, error)

	// ReceiveFromSession receives only messages of one ordering key, in
	// enqueue order. Holders pass the lock id from AcquireSession; an
	// empty lockID is an anonymous attach, valid only while the session
	// is unlocked and idle. Fails with KindSessionLocked while another
	// consumer holds or is processing the session, and with
	// KindSessionNotFound when the key has no pending messages and no
	// live lock.
	ReceiveFromSession(ctx context.Context, queue string, key contracts.SessionKey, lockID string, max int, wait time.Duration) ([]contracts.ReceivedMessage, error)

	// Acknowledge settles a delivery as processed. Fails with
	// KindReceiptExpired past the receipt expiry and KindMessageNotFound
	// when the receipt was already consumed or never issued.
	Acknowledge(ctx context.Context, receipt contracts.ReceiptHandle) error

	// Reject returns a delivery to the queue for redelivery with an
	// incremented delivery count. Same receipt errors as Acknowledge.
	Reject(ctx context.Context, receipt contracts.ReceiptHandle) error

	// DeadLetter removes a delivery from the queue and moves the raw
	// message to the queue's dead-letter destination with a reason
	// attribute. Same receipt errors as Acknowledge.
	DeadLetter(ctx context.Context, receipt contracts.ReceiptHandle, reason string) error

	// AcquireSession takes the exclusive lock for an ordering key and
	// returns an opaque lock id. Fails with KindSessionLocked while a
	// live lock exists elsewhere.
	AcquireSession(ctx context.Context, queue string, key contracts.SessionKey, d time.Duration) (string, error)

	// RenewSession extends a held lock. Fails with KindLeaseExpired when
	// the lock already lapsed and KindSessionNotFound for unknown locks.
	RenewSession(ctx context.Context, queue string, key contracts.SessionKey, lockID string, d time.Duration) error

	// ReleaseSession frees the lock. Releasing an already released or
	// lapsed lock is not an error.
	ReleaseSession(ctx context.Context, queue string, key contracts.SessionKey, lockID string) error

	// Ping verifies backend connectivity.
	Ping(ctx context.Context) error

	// Close releases connections. Outstanding receipts become invalid.
	Close() error
}

// Capabilities are the per-backend limits and features the runtime adapts
// to.
type Capabilities struct {
	// NativeSessions is true when the backend enforces session locks
	// itself. When false the adapter emulates exclusivity through its
	// FIFO grouping key, which the backend serializes.
	NativeSessions bool

	// MaxBatchSize is the largest slice SendBatch accepts.
	MaxBatchSize int

	// MaxMessageSize is the largest body Send accepts, in bytes.
	MaxMessageSize int
}

// BatchResult reports the outcome for one message of a batch send.
type BatchResult struct {
	// Index is the position of the message in the SendBatch input.
	Index int

	// MessageID is the provider-issued id, set only when Err is nil.
	MessageID string

	// Err is the per-message failure, classified like Send errors.
	Err error
}
