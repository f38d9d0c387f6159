package contracts

import (
	"errors"
	"time"
)

// NormalizedEvent is the inbound record handed to the fan-out router by the
// webhook-normalization layer. The router treats it as an opaque contract:
// no signature validation, no payload parsing.
type NormalizedEvent struct {
	ID            string     `json:"id"`
	Type          string     `json:"type"`
	Owner         string     `json:"owner"`
	Repo          string     `json:"repo"`
	EntityType    string     `json:"entityType"`
	EntityID      string     `json:"entityId,omitempty"`
	SessionKey    SessionKey `json:"sessionKey,omitempty"`
	Payload       []byte     `json:"payload"`
	ReceivedAt    time.Time  `json:"receivedAt"`
	CorrelationID string     `json:"correlationId,omitempty"`
	TraceID       string     `json:"traceId,omitempty"`
}

// Validate checks the fields the router depends on.
func (e NormalizedEvent) Validate() error {
	if e.ID == "" {
		return &QueueError{
			Kind: KindValidationFailed,
			Op:   "validate-event",
			Err:  errors.New("event id is empty"),
		}
	}
	if e.Type == "" {
		return &QueueError{
			Kind: KindValidationFailed,
			Op:   "validate-event",
			Err:  errors.New("event type is empty"),
		}
	}
	if ek := e.SessionKey.Validate(); ek != nil {
		return ek
	}
	return nil
}

// DeriveKey resolves the ordering key for the event: the pre-computed key
// when the normalization layer supplied one, otherwise a key derived from
// the entity identity. Events without entity identity get the zero key and
// carry no ordering constraint.
func (e NormalizedEvent) DeriveKey() SessionKey {
	if !e.SessionKey.IsZero() {
		return e.SessionKey
	}
	return DeriveSessionKey(e.Owner, e.Repo, e.EntityType, e.EntityID)
}
