package contracts

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestNewMessage(t *testing.T) {
	t.Run("copies body on construction", func(t *testing.T) {
		body := []byte("payload")
		msg := NewMessage(body)

		body[0] = 'X'
		assert.Equal(t, []byte("payload"), msg.Body())
	})

	t.Run("copies body on access", func(t *testing.T) {
		msg := NewMessage([]byte("payload"))

		got := msg.Body()
		got[0] = 'X'
		assert.Equal(t, []byte("payload"), msg.Body())
	})

	t.Run("applies options", func(t *testing.T) {
		key := DeriveSessionKey("octocat", "hello", "issue", "42")
		msg := NewMessage([]byte("{}"),
			WithSessionKey(key),
			WithCorrelationID("corr-1"),
			WithTTL(5*time.Minute),
			WithAttribute("content-type", "application/json"),
		)

		assert.Equal(t, key, msg.SessionKey())
		assert.Equal(t, "corr-1", msg.CorrelationID())
		assert.Equal(t, 5*time.Minute, msg.TTL())

		v, ok := msg.Attribute("content-type")
		assert.True(t, ok)
		assert.Equal(t, "application/json", v)
	})

	t.Run("merged attribute map is detached from the caller", func(t *testing.T) {
		attrs := map[string]string{"a": "1"}
		msg := NewMessage(nil, WithAttributes(attrs))

		attrs["a"] = "changed"
		attrs["b"] = "2"

		got := msg.Attributes()
		assert.Equal(t, map[string]string{"a": "1"}, got)

		got["c"] = "3"
		_, ok := msg.Attribute("c")
		assert.False(t, ok)
	})

	t.Run("zero values for unset fields", func(t *testing.T) {
		msg := NewMessage([]byte("x"))

		assert.True(t, msg.SessionKey().IsZero())
		assert.Empty(t, msg.CorrelationID())
		assert.Zero(t, msg.TTL())
		assert.Equal(t, 1, msg.Size())
	})
}
