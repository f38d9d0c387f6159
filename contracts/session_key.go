package contracts

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"strings"
)

// MaxSessionKeyLength is the longest session key every provider must accept.
const MaxSessionKeyLength = 128

// SessionKey identifies an ordering group. Messages sharing a key are
// delivered in enqueue order to at most one consumer at a time. The zero
// value means the message carries no ordering constraint.
type SessionKey string

// DeriveSessionKey builds the ordering key for an entity as
// owner/repo/entityType/entityID. It is a pure function: identical inputs
// always produce identical keys. Empty segments are skipped, bytes outside
// printable ASCII (and the separator itself) are replaced with underscores,
// and keys longer than MaxSessionKeyLength are truncated with a SHA-256
// suffix so distinct long inputs stay distinct.
func DeriveSessionKey(owner, repo, entityType, entityID string) SessionKey {
	segments := make([]string, 0, 4)
	for _, s := range []string{owner, repo, entityType, entityID} {
		if s == "" {
			continue
		}
		segments = append(segments, sanitizeSegment(s))
	}
	if len(segments) == 0 {
		return ""
	}
	key := strings.Join(segments, "/")
	if len(key) > MaxSessionKeyLength {
		sum := sha256.Sum256([]byte(key))
		digest := hex.EncodeToString(sum[:])[:32]
		key = key[:MaxSessionKeyLength-len(digest)-1] + "#" + digest
	}
	return SessionKey(key)
}

func sanitizeSegment(s string) string {
	var b strings.Builder
	b.Grow(len(s))
	for i := 0; i < len(s); i++ {
		c := s[i]
		if c <= 0x20 || c > 0x7e || c == '/' {
			b.WriteByte('_')
			continue
		}
		b.WriteByte(c)
	}
	return b.String()
}

// IsZero reports whether the key is absent.
func (k SessionKey) IsZero() bool {
	return k == ""
}

// String returns the key as a plain string.
func (k SessionKey) String() string {
	return string(k)
}

// Validate checks an externally supplied key against the wire constraints:
// non-empty keys must be at most MaxSessionKeyLength printable ASCII
// characters. Keys produced by DeriveSessionKey always pass.
func (k SessionKey) Validate() error {
	if k == "" {
		return nil
	}
	if len(k) > MaxSessionKeyLength {
		return &QueueError{
			Kind: KindValidationFailed,
			Op:   "validate-session-key",
			Err:  fmt.Errorf("session key length %d exceeds %d", len(k), MaxSessionKeyLength),
		}
	}
	for i := 0; i < len(k); i++ {
		if k[i] <= 0x20 || k[i] > 0x7e {
			return &QueueError{
				Kind: KindValidationFailed,
				Op:   "validate-session-key",
				Err:  fmt.Errorf("session key contains non-printable byte 0x%02x at %d", k[i], i),
			}
		}
	}
	return nil
}
