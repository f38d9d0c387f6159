package contracts

import (
	"time"
)

// Attribute keys used to carry runtime metadata through providers that have
// no native field for the concept. Providers map these to native fields
// where the backend supports them.
const (
	AttrSessionKey       = "sessionq-session-key"
	AttrCorrelationID    = "sessionq-correlation-id"
	AttrDeliveryID       = "sessionq-delivery-id"
	AttrEventID          = "sessionq-event-id"
	AttrEventType        = "sessionq-event-type"
	AttrTraceID          = "sessionq-trace-id"
	AttrDeadLetterReason = "sessionq-dead-letter-reason"
	AttrPriorDeliveries  = "sessionq-prior-deliveries"
)

// Message is the unit of transport. It is immutable once constructed: the
// body and attribute map are copied in, and accessors hand out copies, so a
// message already passed to Send can never change underneath a provider.
type Message struct {
	body          []byte
	attributes    map[string]string
	sessionKey    SessionKey
	correlationID string
	ttl           time.Duration
}

// MessageOption configures a Message during construction.
type MessageOption func(*Message)

// WithSessionKey assigns the ordering key. Messages sharing a key are
// delivered in enqueue order and never processed concurrently.
func WithSessionKey(key SessionKey) MessageOption {
	return func(m *Message) {
		m.sessionKey = key
	}
}

// WithCorrelationID tags the message with a request correlation id.
func WithCorrelationID(id string) MessageOption {
	return func(m *Message) {
		m.correlationID = id
	}
}

// WithTTL sets the time-to-live. Zero means the queue default applies.
func WithTTL(ttl time.Duration) MessageOption {
	return func(m *Message) {
		m.ttl = ttl
	}
}

// WithAttribute sets a single string attribute.
func WithAttribute(key, value string) MessageOption {
	return func(m *Message) {
		m.attributes[key] = value
	}
}

// WithAttributes merges a set of string attributes.
func WithAttributes(attrs map[string]string) MessageOption {
	return func(m *Message) {
		for k, v := range attrs {
			m.attributes[k] = v
		}
	}
}

// NewMessage constructs an immutable message from body bytes and options.
func NewMessage(body []byte, opts ...MessageOption) Message {
	m := Message{
		body:       append([]byte(nil), body...),
		attributes: make(map[string]string),
	}
	for _, opt := range opts {
		opt(&m)
	}
	return m
}

// Body returns a copy of the message body.
func (m Message) Body() []byte {
	return append([]byte(nil), m.body...)
}

// Size returns the body length in bytes.
func (m Message) Size() int {
	return len(m.body)
}

// Attributes returns a copy of the attribute map.
func (m Message) Attributes() map[string]string {
	attrs := make(map[string]string, len(m.attributes))
	for k, v := range m.attributes {
		attrs[k] = v
	}
	return attrs
}

// Attribute looks up a single attribute.
func (m Message) Attribute(key string) (string, bool) {
	v, ok := m.attributes[key]
	return v, ok
}

// SessionKey returns the ordering key, or the zero key for unordered messages.
func (m Message) SessionKey() SessionKey {
	return m.sessionKey
}

// CorrelationID returns the correlation id, if any.
func (m Message) CorrelationID() string {
	return m.correlationID
}

// TTL returns the per-message time-to-live, zero when unset.
func (m Message) TTL() time.Duration {
	return m.ttl
}
