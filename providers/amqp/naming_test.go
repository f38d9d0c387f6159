package amqp

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/glimte/sessionq-go/contracts"
)

func TestDerivedNames(t *testing.T) {
	assert.Equal(t, "ingest-jobs.sessions", sessionExchange("ingest-jobs"))
	assert.Equal(t, "ingest-jobs.s.acme%2fwidgets%2fissue%2f42",
		sessionQueue("ingest-jobs", "acme/widgets/issue/42"))
	assert.Equal(t, "ingest-jobs.s.acme%2fwidgets%2fissue%2f42.lock",
		lockQueue("ingest-jobs", "acme/widgets/issue/42"))
}

func TestEscapeSessionKey(t *testing.T) {
	t.Run("safe characters pass through", func(t *testing.T) {
		assert.Equal(t, "Order-1.a_b", escapeSessionKey("Order-1.a_b"))
	})

	t.Run("escaping is injective", func(t *testing.T) {
		assert.Equal(t, "a%2fb", escapeSessionKey("a/b"))
		assert.Equal(t, "a%252fb", escapeSessionKey("a%2fb"))
		assert.NotEqual(t, escapeSessionKey("a/b"), escapeSessionKey("a%2fb"))
	})

	t.Run("long keys keep a prefix and gain a hash", func(t *testing.T) {
		out := escapeSessionKey(contracts.SessionKey(strings.Repeat("k", 50)))
		assert.Len(t, out, 32)
		assert.Equal(t, strings.Repeat("k", 15)+"#", out[:16])

		sibling := escapeSessionKey(contracts.SessionKey(strings.Repeat("k", 49) + "x"))
		assert.NotEqual(t, out, sibling)
	})

	t.Run("deterministic across calls", func(t *testing.T) {
		assert.Equal(t,
			escapeSessionKey("acme/widgets/pr/7"),
			escapeSessionKey("acme/widgets/pr/7"))
	})
}
