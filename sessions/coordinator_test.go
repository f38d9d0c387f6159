package sessions

import (
	"context"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/glimte/sessionq-go/contracts"
	"github.com/glimte/sessionq-go/providers/memory"
)

const testQueue = "ingest-jobs"

func testKey(t *testing.T, entity string) contracts.SessionKey {
	t.Helper()
	key := contracts.SessionKey("octo/widgets/issue/" + entity)
	require.NoError(t, key.Validate())
	return key
}

func sendKeyed(t *testing.T, prov *memory.Provider, key contracts.SessionKey, body string) string {
	t.Helper()
	id, err := prov.Send(context.Background(), testQueue,
		contracts.NewMessage([]byte(body), contracts.WithSessionKey(key)))
	require.NoError(t, err)
	return id
}

func TestCoordinatorAcquire(t *testing.T) {
	ctx := context.Background()

	t.Run("grants one lease per session", func(t *testing.T) {
		prov := memory.New()
		defer prov.Close()
		coord := NewCoordinator(prov)

		lease, err := coord.Acquire(ctx, testQueue, testKey(t, "1"))
		require.NoError(t, err)
		assert.Equal(t, testQueue, lease.Queue())
		assert.Equal(t, testKey(t, "1"), lease.Key())
		assert.NotEmpty(t, lease.LockID())
		assert.True(t, lease.ExpiresAt().After(time.Now()))

		_, err = coord.Acquire(ctx, testQueue, testKey(t, "1"))
		assert.Equal(t, contracts.KindSessionLocked, contracts.KindOf(err))

		other, err := coord.Acquire(ctx, testQueue, testKey(t, "2"))
		require.NoError(t, err)
		assert.NotEqual(t, lease.LockID(), other.LockID())
	})

	t.Run("per-queue lock duration overrides the default", func(t *testing.T) {
		prov := memory.New()
		defer prov.Close()
		coord := NewCoordinator(prov,
			WithLockDuration(30*time.Second),
			WithLockDurationFor(func(queueName string) time.Duration {
				if queueName == "billing-events" {
					return 2 * time.Minute
				}
				return 0
			}),
		)

		long, err := coord.Acquire(ctx, "billing-events", testKey(t, "1"))
		require.NoError(t, err)
		short, err := coord.Acquire(ctx, testQueue, testKey(t, "1"))
		require.NoError(t, err)

		assert.InDelta(t, (2 * time.Minute).Seconds(), time.Until(long.ExpiresAt()).Seconds(), 1)
		assert.InDelta(t, (30 * time.Second).Seconds(), time.Until(short.ExpiresAt()).Seconds(), 1,
			"queues the resolver declines keep the default")
	})

	t.Run("rejects an invalid key", func(t *testing.T) {
		prov := memory.New()
		defer prov.Close()
		coord := NewCoordinator(prov)

		_, err := coord.Acquire(ctx, testQueue, contracts.SessionKey(""))
		assert.Equal(t, contracts.KindValidationFailed, contracts.KindOf(err))

		long := contracts.SessionKey(strings.Repeat("k", contracts.MaxSessionKeyLength+1))
		_, err = coord.Acquire(ctx, testQueue, long)
		assert.Equal(t, contracts.KindValidationFailed, contracts.KindOf(err))
	})

	t.Run("release makes the session acquirable again", func(t *testing.T) {
		prov := memory.New()
		defer prov.Close()
		coord := NewCoordinator(prov)
		key := testKey(t, "3")

		lease, err := coord.Acquire(ctx, testQueue, key)
		require.NoError(t, err)
		require.NoError(t, lease.Release(ctx))
		assert.NoError(t, lease.Release(ctx), "release is idempotent")

		select {
		case <-lease.Done():
		default:
			t.Fatal("done channel should be closed after release")
		}

		again, err := coord.Acquire(ctx, testQueue, key)
		require.NoError(t, err)
		assert.NotEqual(t, lease.LockID(), again.LockID())
	})

	t.Run("active lists held leases in order", func(t *testing.T) {
		prov := memory.New()
		defer prov.Close()
		coord := NewCoordinator(prov)

		b, err := coord.Acquire(ctx, testQueue, testKey(t, "9"))
		require.NoError(t, err)
		_, err = coord.Acquire(ctx, testQueue, testKey(t, "1"))
		require.NoError(t, err)

		active := coord.Active()
		require.Len(t, active, 2)
		assert.Equal(t, testKey(t, "1"), active[0].Key)
		assert.Equal(t, testKey(t, "9"), active[1].Key)

		require.NoError(t, b.Release(ctx))
		active = coord.Active()
		require.Len(t, active, 1)
		assert.Equal(t, testKey(t, "1"), active[0].Key)
	})

	t.Run("release all drops every lease", func(t *testing.T) {
		prov := memory.New()
		defer prov.Close()
		coord := NewCoordinator(prov)

		for _, entity := range []string{"a", "b", "c"} {
			_, err := coord.Acquire(ctx, testQueue, testKey(t, entity))
			require.NoError(t, err)
		}
		require.NoError(t, coord.ReleaseAll(ctx))
		assert.Empty(t, coord.Active())

		_, err := coord.Acquire(ctx, testQueue, testKey(t, "a"))
		assert.NoError(t, err, "provider locks should be gone too")
	})
}

func TestLeaseReceive(t *testing.T) {
	ctx := context.Background()

	t.Run("returns session messages in order", func(t *testing.T) {
		prov := memory.New()
		defer prov.Close()
		coord := NewCoordinator(prov)
		key := testKey(t, "42")

		sendKeyed(t, prov, key, "first")
		sendKeyed(t, prov, testKey(t, "other"), "noise")
		sendKeyed(t, prov, key, "second")

		lease, err := coord.Acquire(ctx, testQueue, key)
		require.NoError(t, err)

		var bodies []string
		for i := 0; i < 2; i++ {
			msgs, err := lease.Receive(ctx, 1, 0)
			require.NoError(t, err)
			require.Len(t, msgs, 1)
			bodies = append(bodies, string(msgs[0].Message.Body()))
			require.NoError(t, prov.Acknowledge(ctx, msgs[0].Receipt))
		}
		assert.Equal(t, []string{"first", "second"}, bodies)

		msgs, err := lease.Receive(ctx, 1, 0)
		require.NoError(t, err)
		assert.Empty(t, msgs, "drained session returns no messages while locked")
	})

	t.Run("fails after release", func(t *testing.T) {
		prov := memory.New()
		defer prov.Close()
		coord := NewCoordinator(prov)

		lease, err := coord.Acquire(ctx, testQueue, testKey(t, "7"))
		require.NoError(t, err)
		require.NoError(t, lease.Release(ctx))

		_, err = lease.Receive(ctx, 1, 0)
		assert.Equal(t, contracts.KindLeaseExpired, contracts.KindOf(err))
	})
}

func TestLeaseRenew(t *testing.T) {
	ctx := context.Background()

	t.Run("extends the lease", func(t *testing.T) {
		prov := memory.New()
		defer prov.Close()
		coord := NewCoordinator(prov, WithLockDuration(80*time.Millisecond))
		key := testKey(t, "8")
		sendKeyed(t, prov, key, "payload")

		lease, err := coord.Acquire(ctx, testQueue, key)
		require.NoError(t, err)
		firstExpiry := lease.ExpiresAt()

		time.Sleep(50 * time.Millisecond)
		require.NoError(t, lease.Renew(ctx))
		assert.True(t, lease.ExpiresAt().After(firstExpiry))

		// Past the original expiry the renewed lock still admits us.
		time.Sleep(50 * time.Millisecond)
		msgs, err := lease.Receive(ctx, 1, 0)
		require.NoError(t, err)
		assert.Len(t, msgs, 1)
	})

	t.Run("lapsed lease ends on renew", func(t *testing.T) {
		prov := memory.New()
		defer prov.Close()
		coord := NewCoordinator(prov, WithLockDuration(30*time.Millisecond))
		key := testKey(t, "77")

		lease, err := coord.Acquire(ctx, testQueue, key)
		require.NoError(t, err)
		time.Sleep(50 * time.Millisecond)

		err = lease.Renew(ctx)
		assert.Equal(t, contracts.KindLeaseExpired, contracts.KindOf(err))

		select {
		case <-lease.Done():
		default:
			t.Fatal("done channel should close once the lease is lost")
		}
		assert.Empty(t, coord.Active(), "lost lease leaves the coordinator")

		// The session is free again for anyone.
		_, err = coord.Acquire(ctx, testQueue, key)
		assert.NoError(t, err)
	})

	t.Run("lapsed lease ends on receive", func(t *testing.T) {
		prov := memory.New()
		defer prov.Close()
		coord := NewCoordinator(prov, WithLockDuration(30*time.Millisecond))
		key := testKey(t, "78")
		sendKeyed(t, prov, key, "late")

		lease, err := coord.Acquire(ctx, testQueue, key)
		require.NoError(t, err)
		time.Sleep(50 * time.Millisecond)

		_, err = lease.Receive(ctx, 1, 0)
		assert.Equal(t, contracts.KindLeaseExpired, contracts.KindOf(err))

		_, err = lease.Receive(ctx, 1, 0)
		assert.Equal(t, contracts.KindLeaseExpired, contracts.KindOf(err),
			"ended lease fails without touching the provider")
	})
}
