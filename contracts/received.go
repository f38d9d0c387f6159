package contracts

import (
	"time"

	"github.com/glimte/sessionq-go/internal/receipt"
)

// ReceiptHandle authorizes settling exactly one delivered message. Handles
// are minted only by provider adapters; code outside the module cannot
// construct a usable handle, which keeps acknowledgements unforgeable.
// A handle is single use and carries an expiry instant: settling after
// expiry fails with KindReceiptExpired, settling twice with
// KindMessageNotFound.
type ReceiptHandle = receipt.Handle

// ReceivedMessage pairs a delivered message with its delivery metadata.
type ReceivedMessage struct {
	// Message is the original immutable message.
	Message Message

	// MessageID is the provider-issued id, opaque to callers.
	MessageID string

	// DeliveryCount starts at 1 on first delivery and increments on each
	// redelivery.
	DeliveryCount int

	// EnqueuedAt is when the message first entered the queue.
	EnqueuedAt time.Time

	// DeliveredAt is when this delivery attempt handed the message out.
	DeliveredAt time.Time

	// Receipt settles this delivery: exactly one of acknowledge, reject,
	// or dead-letter per received message.
	Receipt ReceiptHandle
}
