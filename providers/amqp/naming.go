package amqp

import (
	"crypto/sha256"
	"encoding/hex"
	"strings"

	"github.com/glimte/sessionq-go/contracts"
)

const (
	sessionQueueInfix     = ".s."
	sessionExchangeSuffix = ".sessions"
	lockQueueSuffix       = ".lock"

	// maxEscapedKeyLength keeps every derived physical name under the
	// broker's 255-byte queue name limit: a 200-byte queue name plus
	// infix, escaped key, and lock suffix.
	maxEscapedKeyLength = 40
)

// sessionExchange is the direct exchange session traffic for one logical
// queue is published through.
func sessionExchange(queueName string) string {
	return queueName + sessionExchangeSuffix
}

// sessionQueue is the physical per-session queue for one ordering key.
func sessionQueue(queueName string, key contracts.SessionKey) string {
	return queueName + sessionQueueInfix + escapeSessionKey(key)
}

// lockQueue is the exclusive queue whose ownership is the session lock.
func lockQueue(queueName string, key contracts.SessionKey) string {
	return sessionQueue(queueName, key) + lockQueueSuffix
}

// escapeSessionKey turns an ordering key into a broker-safe name segment,
// also used as the binding key on the session exchange. The escaping is
// injective: '%' introduces a two-digit hex escape and is itself escaped,
// so distinct keys never map to one physical queue. Keys whose escaped
// form would blow the name budget keep a readable prefix and gain a hash
// of the original key.
func escapeSessionKey(key contracts.SessionKey) string {
	s := string(key)
	var b strings.Builder
	b.Grow(len(s))
	for i := 0; i < len(s); i++ {
		c := s[i]
		switch {
		case c >= 'a' && c <= 'z', c >= 'A' && c <= 'Z', c >= '0' && c <= '9',
			c == '.', c == '-', c == '_':
			b.WriteByte(c)
		default:
			b.WriteByte('%')
			b.WriteString(hexByte(c))
		}
	}
	out := b.String()
	if len(out) > maxEscapedKeyLength {
		sum := sha256.Sum256([]byte(s))
		out = out[:15] + "#" + hex.EncodeToString(sum[:8])
	}
	return out
}

func hexByte(c byte) string {
	const digits = "0123456789abcdef"
	return string([]byte{digits[c>>4], digits[c&0x0f]})
}
