package memory

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/glimte/sessionq-go/contracts"
)

func issueKey(id string) contracts.SessionKey {
	return contracts.DeriveSessionKey("octo", "widgets", "issue", id)
}

func TestReceiveFromSession(t *testing.T) {
	ctx := context.Background()

	t.Run("delivers one session in enqueue order", func(t *testing.T) {
		p := New()
		defer p.Close()
		key := issueKey("42")
		other := issueKey("99")

		for i, k := range []contracts.SessionKey{key, other, key, key} {
			body := fmt.Sprintf("msg-%d", i)
			_, err := p.Send(ctx, "ingest-jobs", contracts.NewMessage([]byte(body), contracts.WithSessionKey(k)))
			require.NoError(t, err)
		}

		got, err := p.ReceiveFromSession(ctx, "ingest-jobs", key, "", 10, 0)
		require.NoError(t, err)
		require.Len(t, got, 3)
		assert.Equal(t, []byte("msg-0"), got[0].Message.Body())
		assert.Equal(t, []byte("msg-2"), got[1].Message.Body())
		assert.Equal(t, []byte("msg-3"), got[2].Message.Body())

		for _, rcv := range got {
			require.NoError(t, p.Acknowledge(ctx, rcv.Receipt))
		}

		rest, err := p.ReceiveFromSession(ctx, "ingest-jobs", other, "", 10, 0)
		require.NoError(t, err)
		require.Len(t, rest, 1)
		assert.Equal(t, []byte("msg-1"), rest[0].Message.Body())
	})

	t.Run("redelivery preserves session order", func(t *testing.T) {
		p := New()
		defer p.Close()
		key := issueKey("42")

		for _, body := range []string{"first", "second"} {
			_, err := p.Send(ctx, "ingest-jobs", contracts.NewMessage([]byte(body), contracts.WithSessionKey(key)))
			require.NoError(t, err)
		}

		got, err := p.ReceiveFromSession(ctx, "ingest-jobs", key, "", 1, 0)
		require.NoError(t, err)
		require.Len(t, got, 1)
		assert.Equal(t, []byte("first"), got[0].Message.Body())
		require.NoError(t, p.Reject(ctx, got[0].Receipt))

		again, err := p.ReceiveFromSession(ctx, "ingest-jobs", key, "", 10, 0)
		require.NoError(t, err)
		require.Len(t, again, 2)
		assert.Equal(t, []byte("first"), again[0].Message.Body())
		assert.Equal(t, 2, again[0].DeliveryCount)
		assert.Equal(t, []byte("second"), again[1].Message.Body())
	})

	t.Run("unknown session", func(t *testing.T) {
		p := New()
		defer p.Close()
		_, err := p.ReceiveFromSession(ctx, "ingest-jobs", issueKey("nope"), "", 1, 0)
		assert.Equal(t, contracts.KindSessionNotFound, contracts.KindOf(err))
	})

	t.Run("empty key is invalid", func(t *testing.T) {
		p := New()
		defer p.Close()
		_, err := p.ReceiveFromSession(ctx, "ingest-jobs", "", "", 1, 0)
		assert.Equal(t, contracts.KindValidationFailed, contracts.KindOf(err))
	})

	t.Run("second anonymous attach is locked out while a delivery is unsettled", func(t *testing.T) {
		p := New()
		defer p.Close()
		key := issueKey("42")
		for _, body := range []string{"first", "second"} {
			_, err := p.Send(ctx, "ingest-jobs", contracts.NewMessage([]byte(body), contracts.WithSessionKey(key)))
			require.NoError(t, err)
		}

		got, err := p.ReceiveFromSession(ctx, "ingest-jobs", key, "", 1, 0)
		require.NoError(t, err)
		require.Len(t, got, 1)

		_, err = p.ReceiveFromSession(ctx, "ingest-jobs", key, "", 1, 0)
		assert.Equal(t, contracts.KindSessionLocked, contracts.KindOf(err))

		require.NoError(t, p.Acknowledge(ctx, got[0].Receipt))
		next, err := p.ReceiveFromSession(ctx, "ingest-jobs", key, "", 1, 0)
		require.NoError(t, err)
		require.Len(t, next, 1)
		assert.Equal(t, []byte("second"), next[0].Message.Body())
	})
}

func TestSessionLocks(t *testing.T) {
	ctx := context.Background()

	t.Run("lock holder receives, others are locked out", func(t *testing.T) {
		p := New()
		defer p.Close()
		key := issueKey("42")
		_, err := p.Send(ctx, "ingest-jobs", contracts.NewMessage([]byte("a"), contracts.WithSessionKey(key)))
		require.NoError(t, err)

		lockID, err := p.AcquireSession(ctx, "ingest-jobs", key, time.Minute)
		require.NoError(t, err)
		require.NotEmpty(t, lockID)

		_, err = p.ReceiveFromSession(ctx, "ingest-jobs", key, "", 1, 0)
		assert.Equal(t, contracts.KindSessionLocked, contracts.KindOf(err))
		_, err = p.ReceiveFromSession(ctx, "ingest-jobs", key, "wrong-lock", 1, 0)
		assert.Equal(t, contracts.KindSessionLocked, contracts.KindOf(err))

		got, err := p.ReceiveFromSession(ctx, "ingest-jobs", key, lockID, 1, 0)
		require.NoError(t, err)
		require.Len(t, got, 1)
		assert.Equal(t, []byte("a"), got[0].Message.Body())
	})

	t.Run("second acquire fails while the lock is live", func(t *testing.T) {
		p := New()
		defer p.Close()
		key := issueKey("42")

		_, err := p.AcquireSession(ctx, "ingest-jobs", key, time.Minute)
		require.NoError(t, err)

		_, err = p.AcquireSession(ctx, "ingest-jobs", key, time.Minute)
		assert.Equal(t, contracts.KindSessionLocked, contracts.KindOf(err))
	})

	t.Run("release makes the session acquirable again", func(t *testing.T) {
		p := New()
		defer p.Close()
		key := issueKey("42")

		lockID, err := p.AcquireSession(ctx, "ingest-jobs", key, time.Minute)
		require.NoError(t, err)
		require.NoError(t, p.ReleaseSession(ctx, "ingest-jobs", key, lockID))
		require.NoError(t, p.ReleaseSession(ctx, "ingest-jobs", key, lockID))

		_, err = p.AcquireSession(ctx, "ingest-jobs", key, time.Minute)
		assert.NoError(t, err)
	})

	t.Run("lapsed lock is reclaimable and renewal fails honestly", func(t *testing.T) {
		p := New()
		defer p.Close()
		key := issueKey("42")

		lockID, err := p.AcquireSession(ctx, "ingest-jobs", key, 20*time.Millisecond)
		require.NoError(t, err)
		time.Sleep(40 * time.Millisecond)

		err = p.RenewSession(ctx, "ingest-jobs", key, lockID, time.Minute)
		assert.Equal(t, contracts.KindLeaseExpired, contracts.KindOf(err))

		_, err = p.AcquireSession(ctx, "ingest-jobs", key, time.Minute)
		assert.NoError(t, err)
	})

	t.Run("renew on a never acquired session", func(t *testing.T) {
		p := New()
		defer p.Close()
		err := p.RenewSession(ctx, "ingest-jobs", issueKey("42"), "bogus", time.Minute)
		assert.Equal(t, contracts.KindSessionNotFound, contracts.KindOf(err))
	})

	t.Run("renew extends a live lock", func(t *testing.T) {
		p := New()
		defer p.Close()
		key := issueKey("42")

		lockID, err := p.AcquireSession(ctx, "ingest-jobs", key, 50*time.Millisecond)
		require.NoError(t, err)
		require.NoError(t, p.RenewSession(ctx, "ingest-jobs", key, lockID, time.Minute))

		time.Sleep(70 * time.Millisecond)
		assert.NoError(t, p.RenewSession(ctx, "ingest-jobs", key, lockID, time.Minute))
	})

	t.Run("receive with a stale lock id reports the lapse", func(t *testing.T) {
		p := New()
		defer p.Close()
		key := issueKey("42")
		_, err := p.Send(ctx, "ingest-jobs", contracts.NewMessage([]byte("a"), contracts.WithSessionKey(key)))
		require.NoError(t, err)

		lockID, err := p.AcquireSession(ctx, "ingest-jobs", key, 20*time.Millisecond)
		require.NoError(t, err)
		time.Sleep(40 * time.Millisecond)

		_, err = p.ReceiveFromSession(ctx, "ingest-jobs", key, lockID, 1, 0)
		assert.Equal(t, contracts.KindLeaseExpired, contracts.KindOf(err))
	})

	t.Run("locks are scoped per queue and key", func(t *testing.T) {
		p := New()
		defer p.Close()

		_, err := p.AcquireSession(ctx, "ingest-jobs", issueKey("42"), time.Minute)
		require.NoError(t, err)

		_, err = p.AcquireSession(ctx, "ingest-jobs", issueKey("43"), time.Minute)
		assert.NoError(t, err)
		_, err = p.AcquireSession(ctx, "audit-events", issueKey("42"), time.Minute)
		assert.NoError(t, err)
	})
}

func TestSessionWaiterWakesOnSettle(t *testing.T) {
	ctx := context.Background()
	p := New()
	defer p.Close()
	key := issueKey("42")

	for _, body := range []string{"first", "second"} {
		_, err := p.Send(ctx, "ingest-jobs", contracts.NewMessage([]byte(body), contracts.WithSessionKey(key)))
		require.NoError(t, err)
	}

	got, err := p.ReceiveFromSession(ctx, "ingest-jobs", key, "", 1, 0)
	require.NoError(t, err)
	require.Len(t, got, 1)

	done := make(chan error, 1)
	go func() {
		// Attaching while the first delivery is unsettled keeps failing;
		// poll until the settle lands.
		deadline := time.Now().Add(2 * time.Second)
		for {
			next, err := p.ReceiveFromSession(ctx, "ingest-jobs", key, "", 1, 0)
			if err == nil && len(next) == 1 {
				done <- p.Acknowledge(ctx, next[0].Receipt)
				return
			}
			if time.Now().After(deadline) {
				done <- fmt.Errorf("never received the second message: %w", err)
				return
			}
			time.Sleep(5 * time.Millisecond)
		}
	}()

	time.Sleep(20 * time.Millisecond)
	require.NoError(t, p.Acknowledge(ctx, got[0].Receipt))
	assert.NoError(t, <-done)
}
