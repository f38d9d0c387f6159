package sessions

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/glimte/sessionq-go/contracts"
	"github.com/glimte/sessionq-go/queue"
)

// SessionLease is the exclusive right to consume one ordering key. It is
// live from Acquire until Release, lock expiry, or provider takeover.
type SessionLease struct {
	coordinator *Coordinator
	provider    queue.Provider
	queueName   string
	key         contracts.SessionKey
	lockID      string
	duration    time.Duration

	mu        sync.Mutex
	expiresAt time.Time
	released  bool
	done      chan struct{}
}

// Queue returns the queue the lease consumes from.
func (l *SessionLease) Queue() string {
	return l.queueName
}

// Key returns the ordering key the lease covers.
func (l *SessionLease) Key() contracts.SessionKey {
	return l.key
}

// LockID returns the provider lock id backing the lease.
func (l *SessionLease) LockID() string {
	return l.lockID
}

// ExpiresAt returns when the lock lapses unless renewed.
func (l *SessionLease) ExpiresAt() time.Time {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.expiresAt
}

// Done is closed when the lease ends, whether by Release or by losing the
// lock.
func (l *SessionLease) Done() <-chan struct{} {
	return l.done
}

// Receive fetches the session's next messages in enqueue order.
func (l *SessionLease) Receive(ctx context.Context, max int, wait time.Duration) ([]contracts.ReceivedMessage, error) {
	if l.ended() {
		return nil, &contracts.QueueError{
			Kind: contracts.KindLeaseExpired, Op: "receive from session", Queue: l.queueName, SessionKey: l.key,
			Err: errors.New("lease already ended"),
		}
	}
	msgs, err := l.provider.ReceiveFromSession(ctx, l.queueName, l.key, l.lockID, max, wait)
	if contracts.KindOf(err) == contracts.KindLeaseExpired {
		l.end()
	}
	return msgs, err
}

// Renew extends the lock by the lease duration. Losing the lock ends the
// lease.
func (l *SessionLease) Renew(ctx context.Context) error {
	if l.ended() {
		return &contracts.QueueError{
			Kind: contracts.KindLeaseExpired, Op: "renew session", Queue: l.queueName, SessionKey: l.key,
			Err: errors.New("lease already ended"),
		}
	}
	if err := l.provider.RenewSession(ctx, l.queueName, l.key, l.lockID, l.duration); err != nil {
		if kind := contracts.KindOf(err); kind == contracts.KindLeaseExpired || kind == contracts.KindSessionNotFound {
			l.end()
		}
		return err
	}
	l.mu.Lock()
	l.expiresAt = time.Now().UTC().Add(l.duration)
	l.mu.Unlock()
	return nil
}

// Release frees the session for other consumers. Releasing twice is a
// no-op.
func (l *SessionLease) Release(ctx context.Context) error {
	if !l.end() {
		return nil
	}
	return l.provider.ReleaseSession(ctx, l.queueName, l.key, l.lockID)
}

// end marks the lease finished and reports whether this call did it.
func (l *SessionLease) end() bool {
	l.mu.Lock()
	if l.released {
		l.mu.Unlock()
		return false
	}
	l.released = true
	close(l.done)
	l.mu.Unlock()

	l.coordinator.drop(l)
	return true
}

func (l *SessionLease) ended() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.released
}
