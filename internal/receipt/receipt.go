// Package receipt mints the opaque handles providers hand out with each
// delivery. Keeping the constructor internal means only adapter code can
// produce a live handle; callers outside the module can hold and pass
// handles but never fabricate one.
package receipt

import (
	"time"

	"github.com/google/uuid"
)

// Handle binds one delivery attempt to the provider connection that made
// it. The zero value is invalid for every settling operation.
type Handle struct {
	token     string
	provider  string
	queue     string
	messageID string
	expiresAt time.Time
}

// Mint creates a handle for a fresh delivery, valid for validFor from now.
func Mint(provider, queue, messageID string, validFor time.Duration) Handle {
	return Handle{
		token:     uuid.NewString(),
		provider:  provider,
		queue:     queue,
		messageID: messageID,
		expiresAt: time.Now().UTC().Add(validFor),
	}
}

// Token is the unique id providers key their in-flight registries by.
func (h Handle) Token() string { return h.token }

// Provider names the adapter that minted the handle.
func (h Handle) Provider() string { return h.provider }

// Queue is the queue the delivery came from.
func (h Handle) Queue() string { return h.queue }

// MessageID is the provider-issued id of the delivered message.
func (h Handle) MessageID() string { return h.messageID }

// ExpiresAt is the instant after which settling operations fail.
func (h Handle) ExpiresAt() time.Time { return h.expiresAt }

// IsZero reports whether the handle was never minted.
func (h Handle) IsZero() bool { return h.token == "" }

// Expired reports whether the handle is past its expiry at now.
func (h Handle) Expired(now time.Time) bool {
	return h.token == "" || now.After(h.expiresAt)
}
