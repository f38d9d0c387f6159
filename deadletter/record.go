package deadletter

import (
	"time"

	"github.com/google/uuid"

	"github.com/glimte/sessionq-go/contracts"
	"github.com/glimte/sessionq-go/queue"
)

// FailureInfo describes why a message was dead-lettered.
type FailureInfo struct {
	Kind     contracts.ErrorKind `json:"kind"`
	Message  string              `json:"message"`
	Attempts []contracts.Attempt `json:"attempts,omitempty"`
	FailedAt time.Time           `json:"failedAt"`
}

// Meta carries dead-letter bookkeeping that is not part of the original message.
type Meta struct {
	DeadLetteredAt time.Time         `json:"deadLetteredAt"`
	ExpiresAt      time.Time         `json:"expiresAt"`
	Tags           map[string]string `json:"tags,omitempty"`
}

// Record is a dead-lettered message together with its full failure context.
// It preserves the original body and attributes byte for byte so the message
// can be requeued exactly as it was first sent.
type Record struct {
	ID            string               `json:"id"`
	Queue         string               `json:"queue"`
	DLQ           string               `json:"dlq"`
	Body          []byte               `json:"body"`
	Attributes    map[string]string    `json:"attributes,omitempty"`
	SessionKey    contracts.SessionKey `json:"sessionKey,omitempty"`
	CorrelationID string               `json:"correlationId,omitempty"`
	MessageID     string               `json:"messageId,omitempty"`
	DeliveryCount int                  `json:"deliveryCount"`
	EnqueuedAt    time.Time            `json:"enqueuedAt"`
	Failure       FailureInfo          `json:"failure"`
	Meta          Meta                 `json:"meta"`
}

// NewRecord builds a Record from a received message and its failure context.
// Record IDs are UUIDv7, so lexicographic ID order is capture order and the
// ID doubles as a stable paging cursor.
func NewRecord(originQueue string, rcv contracts.ReceivedMessage, failure FailureInfo) Record {
	msg := rcv.Message
	return Record{
		ID:            uuid.Must(uuid.NewV7()).String(),
		Queue:         originQueue,
		DLQ:           queue.DeadLetterQueueName(originQueue),
		Body:          msg.Body(),
		Attributes:    msg.Attributes(),
		SessionKey:    msg.SessionKey(),
		CorrelationID: msg.CorrelationID(),
		MessageID:     rcv.MessageID,
		DeliveryCount: rcv.DeliveryCount,
		EnqueuedAt:    rcv.EnqueuedAt,
		Failure:       failure,
	}
}

// Expired reports whether the record's retention has elapsed at now.
// Records without an expiry never expire.
func (r Record) Expired(now time.Time) bool {
	return !r.Meta.ExpiresAt.IsZero() && now.After(r.Meta.ExpiresAt)
}

// OriginalMessage rebuilds the message as it was before dead-lettering.
func (r Record) OriginalMessage() contracts.Message {
	opts := []contracts.MessageOption{
		contracts.WithAttributes(r.Attributes),
	}
	if !r.SessionKey.IsZero() {
		opts = append(opts, contracts.WithSessionKey(r.SessionKey))
	}
	if r.CorrelationID != "" {
		opts = append(opts, contracts.WithCorrelationID(r.CorrelationID))
	}
	return contracts.NewMessage(r.Body, opts...)
}
