package kafka

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"

	"github.com/glimte/sessionq-go/contracts"
)

// AcquireSession implements queue.Provider. The lock table is purely
// local: across processes the group's partition assignment already keeps
// one key on one consumer, so the table only arbitrates goroutines that
// share this provider. Lapsed locks are reclaimable immediately.
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

	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return "", contracts.NewQueueError(contracts.KindConnectionFailed, op, queueName, errProviderClosed)
	}

	now := time.Now().UTC()
	k := lockKey{queueName: queueName, key: key}
	if lk, ok := p.locks[k]; ok && now.Before(lk.expiresAt) {
		return "", &contracts.QueueError{
			Kind: contracts.KindSessionLocked, Op: op, Queue: queueName, SessionKey: key,
			Err: errors.New("session is held by another consumer"),
		}
	}
	lk := &sessionLock{id: uuid.NewString(), expiresAt: now.Add(d)}
	p.locks[k] = lk
	p.logger.Debug("session lock acquired",
		"topic", queueName,
		"sessionKey", string(key),
		"lockId", lk.id,
	)
	return lk.id, nil
}

// RenewSession implements queue.Provider.
func (p *Provider) RenewSession(ctx context.Context, queueName string, key contracts.SessionKey, lockID string, d time.Duration) error {
	const op = "renew session"
	if d <= 0 {
		d = DefaultLockDuration
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return contracts.NewQueueError(contracts.KindConnectionFailed, op, queueName, errProviderClosed)
	}

	now := time.Now().UTC()
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
	return nil
}

// ReleaseSession implements queue.Provider. Releasing an unknown or
// already lapsed lock is a no-op.
func (p *Provider) ReleaseSession(ctx context.Context, queueName string, key contracts.SessionKey, lockID string) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return nil
	}

	k := lockKey{queueName: queueName, key: key}
	if lk, ok := p.locks[k]; ok && lk.id == lockID {
		delete(p.locks, k)
	}
	return nil
}
