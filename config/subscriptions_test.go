package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/glimte/sessionq-go/router"
)

const validSubscriptions = `{
	"subscriptions": [
		{"pattern": "issues.*", "queues": ["issue-bot", "audit-log"]},
		{"pattern": "*", "queues": ["archive"]}
	]
}`

func TestParseSubscriptions(t *testing.T) {
	t.Run("parses a valid document", func(t *testing.T) {
		subs, err := ParseSubscriptions([]byte(validSubscriptions))
		require.NoError(t, err)
		require.Len(t, subs, 2)

		assert.Equal(t, "issues.*", subs[0].Pattern)
		assert.Equal(t, []string{"issue-bot", "audit-log"}, subs[0].Queues)
		assert.Equal(t, "*", subs[1].Pattern)

		table, err := router.NewTable(subs)
		require.NoError(t, err)
		assert.ElementsMatch(t, []string{"archive", "audit-log", "issue-bot"}, table.Resolve("issues.opened"))
	})

	t.Run("schema rejects malformed documents", func(t *testing.T) {
		cases := []struct {
			name string
			doc  string
		}{
			{"missing subscriptions key", `{}`},
			{"empty subscriptions array", `{"subscriptions": []}`},
			{"entry without queues", `{"subscriptions": [{"pattern": "issues.*"}]}`},
			{"entry without pattern", `{"subscriptions": [{"queues": ["issue-bot"]}]}`},
			{"empty queues array", `{"subscriptions": [{"pattern": "issues.*", "queues": []}]}`},
			{"non-string queue", `{"subscriptions": [{"pattern": "issues.*", "queues": [42]}]}`},
			{"empty pattern", `{"subscriptions": [{"pattern": "", "queues": ["issue-bot"]}]}`},
			{"unknown entry field", `{"subscriptions": [{"pattern": "issues.*", "queues": ["issue-bot"], "priority": 1}]}`},
			{"unknown top-level field", `{"subscriptions": [{"pattern": "*", "queues": ["archive"]}], "version": 2}`},
		}
		for _, tc := range cases {
			t.Run(tc.name, func(t *testing.T) {
				_, err := ParseSubscriptions([]byte(tc.doc))
				require.Error(t, err)
				assert.Contains(t, err.Error(), "schema")
			})
		}
	})

	t.Run("routing rules reject what the schema cannot", func(t *testing.T) {
		cases := []struct {
			name string
			doc  string
			want string
		}{
			{
				"dead-letter target",
				`{"subscriptions": [{"pattern": "issues.*", "queues": ["jobs.dlq"]}]}`,
				"dead-letter",
			},
			{
				"duplicate pattern",
				`{"subscriptions": [
					{"pattern": "issues.*", "queues": ["issue-bot"]},
					{"pattern": "issues.*", "queues": ["audit-log"]}
				]}`,
				"duplicate pattern",
			},
			{
				"wildcard inside a segment",
				`{"subscriptions": [{"pattern": "issues*", "queues": ["issue-bot"]}]}`,
				"wildcard",
			},
		}
		for _, tc := range cases {
			t.Run(tc.name, func(t *testing.T) {
				_, err := ParseSubscriptions([]byte(tc.doc))
				require.Error(t, err)
				assert.Contains(t, err.Error(), tc.want)
			})
		}
	})

	t.Run("rejects invalid json", func(t *testing.T) {
		_, err := ParseSubscriptions([]byte(`{"subscriptions": [`))
		assert.Error(t, err)
	})
}

func TestParseTableFile(t *testing.T) {
	t.Run("decodes per-queue overrides", func(t *testing.T) {
		doc := `{
			"subscriptions": [
				{"pattern": "issues.*", "queues": ["issue-bot", "audit-log"]}
			],
			"queues": {
				"issue-bot": {"maxDeliveries": 10, "lockDuration": "2m", "dedupWindow": "1h"},
				"audit-log": {"messageTtl": "24h"}
			}
		}`
		file, err := ParseTableFile([]byte(doc))
		require.NoError(t, err)
		require.Len(t, file.Subscriptions, 1)
		require.Len(t, file.Queues, 2)

		assert.Equal(t, 10, file.Queues["issue-bot"].MaxDeliveries)
		assert.Equal(t, 2*time.Minute, file.Queues["issue-bot"].LockDuration)
		assert.Equal(t, time.Hour, file.Queues["issue-bot"].DedupWindow)
		assert.Equal(t, 24*time.Hour, file.Queues["audit-log"].MessageTTL)
		assert.Zero(t, file.Queues["audit-log"].MaxDeliveries)
	})

	t.Run("queues section is optional", func(t *testing.T) {
		file, err := ParseTableFile([]byte(validSubscriptions))
		require.NoError(t, err)
		assert.Nil(t, file.Queues)
	})

	t.Run("rejects bad override entries", func(t *testing.T) {
		cases := []struct {
			name string
			doc  string
		}{
			{
				"malformed duration",
				`{"subscriptions": [{"pattern": "*", "queues": ["archive"]}],
				  "queues": {"archive": {"lockDuration": "soon"}}}`,
			},
			{
				"negative duration",
				`{"subscriptions": [{"pattern": "*", "queues": ["archive"]}],
				  "queues": {"archive": {"dedupWindow": "-5m"}}}`,
			},
			{
				"negative max deliveries",
				`{"subscriptions": [{"pattern": "*", "queues": ["archive"]}],
				  "queues": {"archive": {"maxDeliveries": -1}}}`,
			},
			{
				"invalid queue name",
				`{"subscriptions": [{"pattern": "*", "queues": ["archive"]}],
				  "queues": {"not a queue!": {"maxDeliveries": 2}}}`,
			},
			{
				"unknown override field",
				`{"subscriptions": [{"pattern": "*", "queues": ["archive"]}],
				  "queues": {"archive": {"priority": 3}}}`,
			},
		}
		for _, tc := range cases {
			t.Run(tc.name, func(t *testing.T) {
				_, err := ParseTableFile([]byte(tc.doc))
				require.Error(t, err)
			})
		}
	})
}

func TestLoadSubscriptions(t *testing.T) {
	t.Run("reads a file", func(t *testing.T) {
		path := filepath.Join(t.TempDir(), "subscriptions.json")
		require.NoError(t, os.WriteFile(path, []byte(validSubscriptions), 0o600))

		subs, err := LoadSubscriptions(path)
		require.NoError(t, err)
		assert.Len(t, subs, 2)
	})

	t.Run("reports the missing path", func(t *testing.T) {
		path := filepath.Join(t.TempDir(), "absent.json")
		_, err := LoadSubscriptions(path)
		require.Error(t, err)
		assert.Contains(t, err.Error(), path)
	})
}
