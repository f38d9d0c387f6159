package deadletter

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/glimte/sessionq-go/contracts"
	"github.com/glimte/sessionq-go/internal/receipt"
	"github.com/glimte/sessionq-go/internal/reliability"
)

type sentMessage struct {
	queue string
	msg   contracts.Message
}

type fakeQueue struct {
	mu      sync.Mutex
	sent    []sentMessage
	acked   []contracts.ReceiptHandle
	sendErr error
	ackErr  error
	nextID  int
}

func (f *fakeQueue) Send(ctx context.Context, queueName string, msg contracts.Message) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.sendErr != nil {
		return "", f.sendErr
	}
	f.nextID++
	f.sent = append(f.sent, sentMessage{queue: queueName, msg: msg})
	return fmt.Sprintf("m-%d", f.nextID), nil
}

func (f *fakeQueue) Acknowledge(ctx context.Context, r contracts.ReceiptHandle) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.ackErr != nil {
		return f.ackErr
	}
	f.acked = append(f.acked, r)
	return nil
}

func (f *fakeQueue) sentMessages() []sentMessage {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]sentMessage(nil), f.sent...)
}

func (f *fakeQueue) ackedCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.acked)
}

func exhaustedCause() error {
	return &reliability.ExhaustedError{
		Op:          "process ingest-jobs",
		MaxAttempts: 3,
		Attempts: []contracts.Attempt{
			{Number: 1, Kind: contracts.KindConnectionFailed, Message: "dial tcp: connection refused"},
			{Number: 2, Kind: contracts.KindConnectionFailed, Message: "dial tcp: connection refused"},
			{Number: 3, Kind: contracts.KindTimeout, Message: "context deadline exceeded"},
		},
		Err: errors.New("dial tcp: connection refused"),
	}
}

func receivedFixture(body []byte) contracts.ReceivedMessage {
	key := contracts.DeriveSessionKey("octo", "widgets", "issue", "42")
	return contracts.ReceivedMessage{
		Message: contracts.NewMessage(body,
			contracts.WithSessionKey(key),
			contracts.WithCorrelationID("corr-7"),
			contracts.WithAttribute("content-type", "application/json"),
		),
		MessageID:     "m-origin-1",
		DeliveryCount: 5,
		EnqueuedAt:    time.Now().UTC().Add(-time.Minute),
		DeliveredAt:   time.Now().UTC(),
		Receipt:       receipt.Mint("memory", "ingest-jobs", "m-origin-1", time.Minute),
	}
}

func TestManagerCapture(t *testing.T) {
	ctx := context.Background()

	t.Run("stores record and settles the source delivery", func(t *testing.T) {
		q := &fakeQueue{}
		mgr := NewManager(q, WithRetention(24*time.Hour))
		rcv := receivedFixture([]byte(`{"action":"opened"}`))

		rec, err := mgr.Capture(ctx, "ingest-jobs", rcv, exhaustedCause())
		require.NoError(t, err)

		assert.NotEmpty(t, rec.ID)
		assert.Equal(t, "ingest-jobs", rec.Queue)
		assert.Equal(t, "ingest-jobs.dlq", rec.DLQ)
		assert.Equal(t, []byte(`{"action":"opened"}`), rec.Body)
		assert.Equal(t, contracts.SessionKey("octo/widgets/issue/42"), rec.SessionKey)
		assert.Equal(t, "corr-7", rec.CorrelationID)
		assert.Equal(t, "m-origin-1", rec.MessageID)
		assert.Equal(t, 5, rec.DeliveryCount)
		assert.Equal(t, contracts.KindRetryExhausted, rec.Failure.Kind)
		assert.Len(t, rec.Failure.Attempts, 3)
		assert.False(t, rec.Meta.DeadLetteredAt.IsZero())
		assert.Equal(t, rec.Meta.DeadLetteredAt.Add(24*time.Hour), rec.Meta.ExpiresAt)

		stored, err := mgr.Get(ctx, "ingest-jobs", rec.ID)
		require.NoError(t, err)
		assert.Equal(t, rec, stored)

		assert.Equal(t, 1, q.ackedCount())
	})

	t.Run("zero retention disables expiry", func(t *testing.T) {
		q := &fakeQueue{}
		mgr := NewManager(q, WithRetention(0))

		rec, err := mgr.Capture(ctx, "ingest-jobs", receivedFixture([]byte("x")), exhaustedCause())
		require.NoError(t, err)
		assert.True(t, rec.Meta.ExpiresAt.IsZero())
		assert.False(t, rec.Expired(time.Now().UTC().Add(1000*time.Hour)))
	})

	t.Run("zero receipt skips the settle", func(t *testing.T) {
		q := &fakeQueue{}
		mgr := NewManager(q)
		rcv := receivedFixture([]byte("x"))
		rcv.Receipt = contracts.ReceiptHandle{}

		_, err := mgr.Capture(ctx, "ingest-jobs", rcv, exhaustedCause())
		require.NoError(t, err)
		assert.Zero(t, q.ackedCount())
	})

	t.Run("capture options attach tags and override expiry", func(t *testing.T) {
		q := &fakeQueue{}
		mgr := NewManager(q)
		expires := time.Now().UTC().Add(time.Hour).Truncate(time.Second)

		rec, err := mgr.Capture(ctx, "ingest-jobs", receivedFixture([]byte("x")), exhaustedCause(),
			WithTags(map[string]string{"source": "fanout"}),
			WithExpiry(expires),
		)
		require.NoError(t, err)
		assert.Equal(t, "fanout", rec.Meta.Tags["source"])
		assert.Equal(t, expires, rec.Meta.ExpiresAt)
	})

	t.Run("store failure escalates and leaves the source unsettled", func(t *testing.T) {
		q := &fakeQueue{}
		mgr := NewManager(q, WithStore(NewMemoryStore(WithCapacity(1))))

		_, err := mgr.Capture(ctx, "ingest-jobs", receivedFixture([]byte("first")), exhaustedCause())
		require.NoError(t, err)

		_, err = mgr.Capture(ctx, "ingest-jobs", receivedFixture([]byte("second")), exhaustedCause())
		assert.ErrorIs(t, err, ErrStoreFull)
		assert.Equal(t, 1, q.ackedCount())
	})

	t.Run("settle failure still keeps the record", func(t *testing.T) {
		q := &fakeQueue{ackErr: errors.New("channel closed")}
		mgr := NewManager(q)

		rec, err := mgr.Capture(ctx, "ingest-jobs", receivedFixture([]byte("x")), exhaustedCause())
		require.Error(t, err)
		require.NotEmpty(t, rec.ID)

		_, err = mgr.Get(ctx, "ingest-jobs", rec.ID)
		assert.NoError(t, err)
	})
}

func TestManagerRequeue(t *testing.T) {
	ctx := context.Background()

	t.Run("redelivers the original body byte for byte with delivery count reset", func(t *testing.T) {
		q := &fakeQueue{}
		mgr := NewManager(q)
		body := []byte{0x00, 0x7b, 0xff, 0x22, 0x61, 0x22, 0x7d, 0x01}
		rcv := receivedFixture(body)

		rec, err := mgr.Capture(ctx, "ingest-jobs", rcv, exhaustedCause())
		require.NoError(t, err)

		newID, err := mgr.Requeue(ctx, "ingest-jobs", rec.ID, true)
		require.NoError(t, err)
		assert.NotEmpty(t, newID)

		sent := q.sentMessages()
		require.Len(t, sent, 1)
		assert.Equal(t, "ingest-jobs", sent[0].queue)
		assert.Equal(t, body, sent[0].msg.Body())
		assert.Equal(t, rcv.Message.SessionKey(), sent[0].msg.SessionKey())
		assert.Equal(t, "corr-7", sent[0].msg.CorrelationID())
		assert.Equal(t, rcv.Message.Attributes(), sent[0].msg.Attributes())

		_, ok := sent[0].msg.Attribute(contracts.AttrPriorDeliveries)
		assert.False(t, ok)

		_, err = mgr.Get(ctx, "ingest-jobs", rec.ID)
		assert.ErrorIs(t, err, ErrRecordNotFound)
	})

	t.Run("without reset the prior delivery count travels along", func(t *testing.T) {
		q := &fakeQueue{}
		mgr := NewManager(q)

		rec, err := mgr.Capture(ctx, "ingest-jobs", receivedFixture([]byte("x")), exhaustedCause())
		require.NoError(t, err)

		_, err = mgr.Requeue(ctx, "ingest-jobs", rec.ID, false)
		require.NoError(t, err)

		sent := q.sentMessages()
		require.Len(t, sent, 1)
		prior, ok := sent[0].msg.Attribute(contracts.AttrPriorDeliveries)
		require.True(t, ok)
		assert.Equal(t, "5", prior)
	})

	t.Run("unknown record id", func(t *testing.T) {
		mgr := NewManager(&fakeQueue{})
		_, err := mgr.Requeue(ctx, "ingest-jobs", "missing", true)
		assert.ErrorIs(t, err, ErrRecordNotFound)
	})

	t.Run("send failure keeps the record for a later attempt", func(t *testing.T) {
		q := &fakeQueue{}
		mgr := NewManager(q)

		rec, err := mgr.Capture(ctx, "ingest-jobs", receivedFixture([]byte("x")), exhaustedCause())
		require.NoError(t, err)

		q.sendErr = errors.New("broker unavailable")
		_, err = mgr.Requeue(ctx, "ingest-jobs", rec.ID, true)
		require.Error(t, err)

		_, err = mgr.Get(ctx, "ingest-jobs", rec.ID)
		assert.NoError(t, err)
	})

	t.Run("requeue all replays in capture order and empties the queue", func(t *testing.T) {
		q := &fakeQueue{}
		mgr := NewManager(q)

		var bodies [][]byte
		for i := 0; i < 3; i++ {
			body := []byte(fmt.Sprintf("payload-%d", i))
			bodies = append(bodies, body)
			_, err := mgr.Capture(ctx, "ingest-jobs", receivedFixture(body), exhaustedCause())
			require.NoError(t, err)
		}

		n, err := mgr.RequeueAll(ctx, "ingest-jobs", true)
		require.NoError(t, err)
		assert.Equal(t, 3, n)

		sent := q.sentMessages()
		require.Len(t, sent, 3)
		for i, body := range bodies {
			assert.Equal(t, body, sent[i].msg.Body())
		}

		recs, err := mgr.List(ctx, "ingest-jobs", ListOptions{})
		require.NoError(t, err)
		assert.Empty(t, recs)
	})

	t.Run("requeue matching replays only accepted records", func(t *testing.T) {
		q := &fakeQueue{}
		mgr := NewManager(q)

		_, err := mgr.Capture(ctx, "ingest-jobs", receivedFixture([]byte("keep")), exhaustedCause())
		require.NoError(t, err)
		tagged, err := mgr.Capture(ctx, "ingest-jobs", receivedFixture([]byte("replay")), exhaustedCause(),
			WithTags(map[string]string{"replay": "yes"}))
		require.NoError(t, err)

		n, err := mgr.RequeueMatching(ctx, "ingest-jobs", func(r Record) bool {
			return r.Meta.Tags["replay"] == "yes"
		}, true)
		require.NoError(t, err)
		assert.Equal(t, 1, n)

		sent := q.sentMessages()
		require.Len(t, sent, 1)
		assert.Equal(t, []byte("replay"), sent[0].msg.Body())

		_, err = mgr.Get(ctx, "ingest-jobs", tagged.ID)
		assert.ErrorIs(t, err, ErrRecordNotFound)

		recs, err := mgr.List(ctx, "ingest-jobs", ListOptions{})
		require.NoError(t, err)
		require.Len(t, recs, 1)
		assert.Equal(t, []byte("keep"), recs[0].Body)
	})
}

func TestManagerCleanupExpired(t *testing.T) {
	ctx := context.Background()
	q := &fakeQueue{}
	store := NewMemoryStore()
	mgr := NewManager(q, WithStore(store))
	now := time.Now().UTC()

	stale := storedRecord("ingest-jobs", "01-stale", now.Add(-48*time.Hour))
	stale.Meta.ExpiresAt = now.Add(-time.Hour)
	fresh := storedRecord("ingest-jobs", "02-fresh", now)
	fresh.Meta.ExpiresAt = now.Add(time.Hour)
	for _, rec := range []Record{stale, fresh} {
		require.NoError(t, store.Put(ctx, rec))
	}

	removed, err := mgr.CleanupExpired(ctx, "ingest-jobs")
	require.NoError(t, err)
	assert.Equal(t, 1, removed)

	recs, err := mgr.List(ctx, "ingest-jobs", ListOptions{})
	require.NoError(t, err)
	require.Len(t, recs, 1)
	assert.Equal(t, "02-fresh", recs[0].ID)
}

func TestManagerStats(t *testing.T) {
	ctx := context.Background()
	q := &fakeQueue{}
	store := NewMemoryStore()
	mgr := NewManager(q, WithStore(store))
	now := time.Now().UTC()

	first := storedRecord("ingest-jobs", "01", now.Add(-2*time.Hour))
	first.Failure.Kind = contracts.KindRetryExhausted
	first.Meta.ExpiresAt = now.Add(-time.Minute)
	second := storedRecord("ingest-jobs", "02", now.Add(-time.Hour))
	second.Failure.Kind = contracts.KindTimeout
	third := storedRecord("ingest-jobs", "03", now)
	third.Failure.Kind = contracts.KindTimeout
	fourth := storedRecord("ingest-jobs", "04", now)
	for _, rec := range []Record{first, second, third, fourth} {
		require.NoError(t, store.Put(ctx, rec))
	}

	stats, err := mgr.Stats(ctx, "ingest-jobs")
	require.NoError(t, err)
	assert.Equal(t, "ingest-jobs", stats.Queue)
	assert.Equal(t, 4, stats.Total)
	assert.Equal(t, 1, stats.Expired)
	assert.Equal(t, 2, stats.ByKind[contracts.KindRetryExhausted])
	assert.Equal(t, 2, stats.ByKind[contracts.KindTimeout])
	assert.Equal(t, first.Meta.DeadLetteredAt, stats.Oldest)
	assert.Equal(t, third.Meta.DeadLetteredAt, stats.Newest)

	require.Len(t, stats.ByHour, 3)
	assert.Equal(t, 1, stats.ByHour[first.Meta.DeadLetteredAt.Truncate(time.Hour)])
	assert.Equal(t, 1, stats.ByHour[second.Meta.DeadLetteredAt.Truncate(time.Hour)])
	assert.Equal(t, 2, stats.ByHour[third.Meta.DeadLetteredAt.Truncate(time.Hour)])
}

func TestFailureOf(t *testing.T) {
	t.Run("carries retry history out of an exhausted error", func(t *testing.T) {
		info := FailureOf(exhaustedCause())
		assert.Equal(t, contracts.KindRetryExhausted, info.Kind)
		assert.Len(t, info.Attempts, 3)
		assert.NotEmpty(t, info.Message)
		assert.False(t, info.FailedAt.IsZero())
	})

	t.Run("plain errors classify as unknown", func(t *testing.T) {
		info := FailureOf(errors.New("boom"))
		assert.Equal(t, contracts.KindUnknown, info.Kind)
		assert.Equal(t, "boom", info.Message)
		assert.Empty(t, info.Attempts)
	})

	t.Run("nil cause", func(t *testing.T) {
		info := FailureOf(nil)
		assert.Equal(t, contracts.KindUnknown, info.Kind)
		assert.Empty(t, info.Message)
	})
}
