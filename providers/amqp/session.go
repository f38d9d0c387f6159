package amqp

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	amqp091 "github.com/rabbitmq/amqp091-go"

	"github.com/glimte/sessionq-go/contracts"
)

// AcquireSession implements queue.Provider. The lock is an exclusive
// queue declared on a dedicated channel: competing connections hit
// RESOURCE_LOCKED, and a connection loss releases every lock at once.
// Lapsed locks are reclaimable immediately; live ones fail the acquire.
func (p *Provider) AcquireSession(ctx context.Context, queueName string, key contracts.SessionKey, d time.Duration) (string, error) {
	const op = "acquire session"
	if key.IsZero() {
		return "", &contracts.QueueError{
			Kind: contracts.KindValidationFailed, Op: op, Queue: queueName,
			Err: errors.New("session key is empty"),
		}
	}
	if err := key.Validate(); err != nil {
		return "", err
	}
	if d <= 0 {
		d = DefaultLockDuration
	}
	if p.isClosed() {
		return "", contracts.NewQueueError(contracts.KindConnectionFailed, op, queueName, errProviderClosed)
	}

	now := time.Now().UTC()
	k := lockKey{queueName: queueName, key: key}

	p.mu.Lock()
	if p.liveLockLocked(queueName, key, now) != nil {
		p.mu.Unlock()
		return "", &contracts.QueueError{
			Kind: contracts.KindSessionLocked, Op: op, Queue: queueName, SessionKey: key,
			Err: errors.New("session is held by another consumer"),
		}
	}
	p.mu.Unlock()

	ch, err := p.manager.Channel()
	if err != nil {
		return "", classify(op, queueName, key, err)
	}
	if _, err := ch.QueueDeclare(lockQueue(queueName, key), false, true, true, false, nil); err != nil {
		_ = ch.Close()
		if isResourceLocked(err) {
			return "", &contracts.QueueError{
				Kind: contracts.KindSessionLocked, Op: op, Queue: queueName, SessionKey: key,
				Err: errors.New("session is held by another consumer"),
			}
		}
		return "", classify(op, queueName, key, err)
	}

	now = time.Now().UTC()
	p.mu.Lock()
	// Exclusivity is connection-scoped, so a concurrent local acquire
	// also passes the declare; the registry decides the winner.
	if p.liveLockLocked(queueName, key, now) != nil {
		p.mu.Unlock()
		_ = ch.Close()
		return "", &contracts.QueueError{
			Kind: contracts.KindSessionLocked, Op: op, Queue: queueName, SessionKey: key,
			Err: errors.New("session is held by another consumer"),
		}
	}
	if old, ok := p.locks[k]; ok && old.timer != nil {
		old.timer.Stop()
	}
	lk := &sessionLock{id: uuid.NewString(), ch: ch, expiresAt: now.Add(d)}
	lk.timer = time.AfterFunc(d, func() { p.expireLock(queueName, key, lk.id) })
	p.locks[k] = lk
	p.mu.Unlock()

	p.logger.Debug("session lock acquired",
		"queue", queueName,
		"sessionKey", string(key),
		"lockId", lk.id,
	)
	return lk.id, nil
}

// RenewSession implements queue.Provider. The lock queue lives as long as
// its channel does, so renewal is purely local bookkeeping.
func (p *Provider) RenewSession(ctx context.Context, queueName string, key contracts.SessionKey, lockID string, d time.Duration) error {
	const op = "renew session"
	if d <= 0 {
		d = DefaultLockDuration
	}
	if p.isClosed() {
		return contracts.NewQueueError(contracts.KindConnectionFailed, op, queueName, errProviderClosed)
	}

	now := time.Now().UTC()
	p.mu.Lock()
	defer p.mu.Unlock()

	lk, ok := p.locks[lockKey{queueName: queueName, key: key}]
	if !ok {
		return &contracts.QueueError{
			Kind: contracts.KindSessionNotFound, Op: op, Queue: queueName, SessionKey: key,
			Err: errors.New("no lock for session"),
		}
	}
	if !now.Before(lk.expiresAt) || lk.id != lockID {
		return &contracts.QueueError{
			Kind: contracts.KindLeaseExpired, Op: op, Queue: queueName, SessionKey: key,
			Err: errors.New("lock lapsed or was taken over"),
		}
	}
	lk.expiresAt = now.Add(d)
	lk.timer.Reset(d)
	return nil
}

// ReleaseSession implements queue.Provider. Releasing an unknown or
// already lapsed lock is a no-op.
func (p *Provider) ReleaseSession(ctx context.Context, queueName string, key contracts.SessionKey, lockID string) error {
	if p.isClosed() {
		return nil
	}

	k := lockKey{queueName: queueName, key: key}
	p.mu.Lock()
	lk, ok := p.locks[k]
	if !ok || lk.id != lockID {
		p.mu.Unlock()
		return nil
	}
	lk.timer.Stop()
	delete(p.locks, k)
	p.mu.Unlock()

	p.dropLockQueue(lk.ch, queueName, key)
	return nil
}

// expireLock is the lock timer's callback. A renewal that raced the
// timer wins; the stale firing backs off.
func (p *Provider) expireLock(queueName string, key contracts.SessionKey, id string) {
	now := time.Now().UTC()
	k := lockKey{queueName: queueName, key: key}

	p.mu.Lock()
	lk, ok := p.locks[k]
	if !ok || lk.id != id || now.Before(lk.expiresAt) {
		p.mu.Unlock()
		return
	}
	// The entry stays behind as a tombstone so RenewSession can tell
	// "expired" apart from "never acquired".
	ch := lk.ch
	p.mu.Unlock()

	p.dropLockQueue(ch, queueName, key)
	p.logger.Warn("session lock expired",
		"queue", queueName,
		"sessionKey", string(key),
		"lockId", id,
	)
}

// dropLockQueue removes the broker-side lock queue and closes its
// channel. The explicit delete matters: exclusive queues outlive their
// channel and only fall away with the whole connection.
func (p *Provider) dropLockQueue(ch *amqp091.Channel, queueName string, key contracts.SessionKey) {
	if ch == nil || ch.IsClosed() {
		return
	}
	if _, err := ch.QueueDelete(lockQueue(queueName, key), false, false, false); err != nil {
		p.logger.Warn("deleting session lock queue failed",
			"queue", queueName,
			"sessionKey", string(key),
			"error", err,
		)
	}
	_ = ch.Close()
}
