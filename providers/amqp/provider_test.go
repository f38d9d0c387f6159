package amqp

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/glimte/sessionq-go/contracts"
	"github.com/glimte/sessionq-go/internal/receipt"
	"github.com/glimte/sessionq-go/queue"
)

var _ queue.Provider = (*Provider)(nil)

// stopped is a provider whose lifecycle already ended; guard paths run
// before any broker traffic, so no connection is needed.
func stopped() *Provider {
	return &Provider{closed: true}
}

func TestProviderIdentity(t *testing.T) {
	p := &Provider{}
	assert.Equal(t, "amqp", p.Name())

	caps := p.Capabilities()
	assert.True(t, caps.NativeSessions)
	assert.Equal(t, 50, caps.MaxBatchSize)
	assert.Equal(t, 128<<20, caps.MaxMessageSize)
}

func TestSendGuards(t *testing.T) {
	ctx := context.Background()

	t.Run("rejects invalid queue names before anything else", func(t *testing.T) {
		_, err := stopped().Send(ctx, "Bad Queue!", contracts.NewMessage([]byte("a")))
		assert.Equal(t, contracts.KindValidationFailed, contracts.KindOf(err))
	})

	t.Run("closed provider fails sends", func(t *testing.T) {
		_, err := stopped().Send(ctx, "ingest-jobs", contracts.NewMessage([]byte("a")))
		assert.Equal(t, contracts.KindConnectionFailed, contracts.KindOf(err))
	})

	t.Run("empty batch is a no-op", func(t *testing.T) {
		results, err := stopped().SendBatch(ctx, "ingest-jobs", nil)
		assert.NoError(t, err)
		assert.Nil(t, results)
	})

	t.Run("oversized batch is rejected outright", func(t *testing.T) {
		msgs := make([]contracts.Message, maxBatchSize+1)
		for i := range msgs {
			msgs[i] = contracts.NewMessage([]byte("a"))
		}
		_, err := stopped().SendBatch(ctx, "ingest-jobs", msgs)
		assert.Equal(t, contracts.KindValidationFailed, contracts.KindOf(err))
	})
}

func TestReceiveGuards(t *testing.T) {
	ctx := context.Background()

	t.Run("closed provider fails receives", func(t *testing.T) {
		_, err := stopped().Receive(ctx, "ingest-jobs", 1, 0)
		assert.Equal(t, contracts.KindConnectionFailed, contracts.KindOf(err))
	})

	t.Run("session receive requires a key", func(t *testing.T) {
		_, err := stopped().ReceiveFromSession(ctx, "ingest-jobs", "", "", 1, 0)
		assert.Equal(t, contracts.KindValidationFailed, contracts.KindOf(err))
	})

	t.Run("closed provider fails session receives", func(t *testing.T) {
		_, err := stopped().ReceiveFromSession(ctx, "ingest-jobs", "acme/widgets/issue/42", "", 1, 0)
		assert.Equal(t, contracts.KindConnectionFailed, contracts.KindOf(err))
	})
}

func TestSettleGuards(t *testing.T) {
	ctx := context.Background()

	t.Run("zero receipt was never issued", func(t *testing.T) {
		p := &Provider{}
		assert.Equal(t, contracts.KindMessageNotFound,
			contracts.KindOf(p.Acknowledge(ctx, contracts.ReceiptHandle{})))
		assert.Equal(t, contracts.KindMessageNotFound,
			contracts.KindOf(p.Reject(ctx, contracts.ReceiptHandle{})))
		assert.Equal(t, contracts.KindMessageNotFound,
			contracts.KindOf(p.DeadLetter(ctx, contracts.ReceiptHandle{}, "broken")))
	})

	t.Run("expired receipt fails as expired", func(t *testing.T) {
		p := &Provider{}
		h := receipt.Mint("amqp", "ingest-jobs", "m-1", -time.Second)
		assert.Equal(t, contracts.KindReceiptExpired, contracts.KindOf(p.Acknowledge(ctx, h)))
		assert.Equal(t, contracts.KindReceiptExpired, contracts.KindOf(p.DeadLetter(ctx, h, "broken")))
	})

	t.Run("unknown receipt fails as not found", func(t *testing.T) {
		p := &Provider{}
		h := receipt.Mint("amqp", "ingest-jobs", "m-1", time.Minute)
		err := p.Acknowledge(ctx, h)
		assert.Equal(t, contracts.KindMessageNotFound, contracts.KindOf(err))
	})
}

func TestSessionGuards(t *testing.T) {
	ctx := context.Background()

	t.Run("acquire requires a key", func(t *testing.T) {
		_, err := stopped().AcquireSession(ctx, "ingest-jobs", "", time.Minute)
		assert.Equal(t, contracts.KindValidationFailed, contracts.KindOf(err))
	})

	t.Run("closed provider fails acquires", func(t *testing.T) {
		_, err := stopped().AcquireSession(ctx, "ingest-jobs", "acme/widgets/issue/42", time.Minute)
		assert.Equal(t, contracts.KindConnectionFailed, contracts.KindOf(err))
	})

	t.Run("renew without a lock reports the session missing", func(t *testing.T) {
		p := &Provider{}
		err := p.RenewSession(ctx, "ingest-jobs", "acme/widgets/issue/42", "lock-1", time.Minute)
		assert.Equal(t, contracts.KindSessionNotFound, contracts.KindOf(err))
	})

	t.Run("renew of a lapsed lock reports the lease expired", func(t *testing.T) {
		p := &Provider{locks: map[lockKey]*sessionLock{
			{queueName: "ingest-jobs", key: "acme/widgets/issue/42"}: {
				id:        "lock-1",
				expiresAt: time.Now().UTC().Add(-time.Second),
				timer:     time.NewTimer(time.Hour),
			},
		}}
		err := p.RenewSession(ctx, "ingest-jobs", "acme/widgets/issue/42", "lock-1", time.Minute)
		assert.Equal(t, contracts.KindLeaseExpired, contracts.KindOf(err))
	})

	t.Run("releasing an unknown lock is a no-op", func(t *testing.T) {
		p := &Provider{}
		require.NoError(t, p.ReleaseSession(ctx, "ingest-jobs", "acme/widgets/issue/42", "lock-1"))
	})
}

func TestDeliveryCountHeuristic(t *testing.T) {
	p := &Provider{counts: map[string]int{}}

	assert.Equal(t, 1, p.deliveryCountLocked("m-1", false))

	p.counts["m-1"] = 1
	assert.Equal(t, 2, p.deliveryCountLocked("m-1", false))

	// A redelivery the provider never counted itself still reports at
	// least two deliveries.
	assert.Equal(t, 2, p.deliveryCountLocked("m-2", true))
}

func TestSessionBusy(t *testing.T) {
	p := &Provider{inflight: map[string]*pinned{
		"t-1": {queueName: "ingest-jobs", key: "acme/widgets/issue/42"},
		"t-2": {queueName: "ingest-jobs.dlq"},
	}}

	assert.True(t, p.sessionBusyLocked("ingest-jobs", "acme/widgets/issue/42"))
	assert.False(t, p.sessionBusyLocked("ingest-jobs", "acme/widgets/issue/43"))
	assert.False(t, p.sessionBusyLocked("ingest-jobs.dlq", ""))
}

func TestLiveLock(t *testing.T) {
	now := time.Now().UTC()
	p := &Provider{locks: map[lockKey]*sessionLock{
		{queueName: "ingest-jobs", key: "acme/widgets/issue/1"}: {id: "live", expiresAt: now.Add(time.Minute)},
		{queueName: "ingest-jobs", key: "acme/widgets/issue/2"}: {id: "lapsed", expiresAt: now.Add(-time.Minute)},
	}}

	lk := p.liveLockLocked("ingest-jobs", "acme/widgets/issue/1", now)
	require.NotNil(t, lk)
	assert.Equal(t, "live", lk.id)

	assert.Nil(t, p.liveLockLocked("ingest-jobs", "acme/widgets/issue/2", now))
	assert.Nil(t, p.liveLockLocked("ingest-jobs", "acme/widgets/issue/3", now))
}
