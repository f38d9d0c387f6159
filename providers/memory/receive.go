package memory

import (
	"context"
	"errors"
	"time"

	"github.com/glimte/sessionq-go/contracts"
	"github.com/glimte/sessionq-go/internal/receipt"
	"github.com/glimte/sessionq-go/queue"
)

// Receive implements queue.Provider. Only keyless messages are handed
// out; session traffic goes through ReceiveFromSession. Dead-letter
// queues are exempt from that split.
func (p *Provider) Receive(ctx context.Context, queueName string, max int, wait time.Duration) ([]contracts.ReceivedMessage, error) {
	if max <= 0 {
		max = 1
	}
	deadline := time.Now().Add(wait)

	for {
		now := time.Now().UTC()
		p.mu.Lock()
		if p.closed {
			p.mu.Unlock()
			return nil, contracts.NewQueueError(contracts.KindConnectionFailed, "receive", queueName, errClosed)
		}
		q, err := p.queueLocked("receive", queueName)
		if err != nil {
			p.mu.Unlock()
			return nil, err
		}
		p.sweepLocked(now)

		drainable := queue.IsDeadLetterQueueName(queueName)
		batch := p.collectLocked(q, max, now, func(sm *storedMessage) bool {
			return drainable || sm.msg.SessionKey().IsZero()
		})
		if len(batch) > 0 || wait <= 0 || !now.Before(deadline) {
			p.mu.Unlock()
			return batch, nil
		}
		ch := q.notify
		p.mu.Unlock()

		if err := p.await(ctx, ch, deadline); err != nil {
			return nil, err
		}
	}
}

// ReceiveFromSession implements queue.Provider.
func (p *Provider) ReceiveFromSession(ctx context.Context, queueName string, key contracts.SessionKey, lockID string, max int, wait time.Duration) ([]contracts.ReceivedMessage, error) {
	const op = "receive from session"
	if max <= 0 {
		max = 1
	}
	if key.IsZero() {
		return nil, &contracts.QueueError{
			Kind: contracts.KindValidationFailed, Op: op, Queue: queueName,
			Err: errors.New("session key is empty"),
		}
	}
	if err := key.Validate(); err != nil {
		return nil, err
	}
	deadline := time.Now().Add(wait)

	for {
		now := time.Now().UTC()
		p.mu.Lock()
		if p.closed {
			p.mu.Unlock()
			return nil, contracts.NewQueueError(contracts.KindConnectionFailed, op, queueName, errClosed)
		}
		q, err := p.queueLocked(op, queueName)
		if err != nil {
			p.mu.Unlock()
			return nil, err
		}
		p.sweepLocked(now)

		lk := p.liveLockLocked(queueName, key, now)
		busy := p.sessionInFlightLocked(queueName, key) > 0
		switch {
		case lk != nil && lk.id != lockID:
			p.mu.Unlock()
			return nil, &contracts.QueueError{
				Kind: contracts.KindSessionLocked, Op: op, Queue: queueName, SessionKey: key,
				Err: errors.New("session is held by another consumer"),
			}
		case lk == nil && lockID != "":
			p.mu.Unlock()
			return nil, &contracts.QueueError{
				Kind: contracts.KindLeaseExpired, Op: op, Queue: queueName, SessionKey: key,
				Err: errors.New("session lock is no longer live"),
			}
		case lk == nil && busy:
			// An anonymous consumer is mid-processing; a second attach
			// here would break per-key serialization.
			p.mu.Unlock()
			return nil, &contracts.QueueError{
				Kind: contracts.KindSessionLocked, Op: op, Queue: queueName, SessionKey: key,
				Err: errors.New("session has unsettled deliveries"),
			}
		}

		if lk == nil && !busy && !p.sessionPendingLocked(q, key) {
			p.mu.Unlock()
			return nil, &contracts.QueueError{
				Kind: contracts.KindSessionNotFound, Op: op, Queue: queueName, SessionKey: key,
				Err: errors.New("session has no messages"),
			}
		}

		batch := p.collectLocked(q, max, now, func(sm *storedMessage) bool {
			return sm.msg.SessionKey() == key
		})
		if len(batch) > 0 || wait <= 0 || !now.Before(deadline) {
			p.mu.Unlock()
			return batch, nil
		}
		ch := q.notify
		p.mu.Unlock()

		if err := p.await(ctx, ch, deadline); err != nil {
			return nil, err
		}
	}
}

// collectLocked hands out up to max deliverable messages, dropping
// TTL-expired ones as it passes them.
func (p *Provider) collectLocked(q *memQueue, max int, now time.Time, want func(*storedMessage) bool) []contracts.ReceivedMessage {
	var out []contracts.ReceivedMessage
	kept := q.pending[:0]
	for _, sm := range q.pending {
		if !sm.expiresAt.IsZero() && now.After(sm.expiresAt) {
			continue
		}
		if len(out) >= max || !want(sm) {
			kept = append(kept, sm)
			continue
		}
		sm.deliveries++
		h := receipt.Mint(p.Name(), q.name, sm.id, p.visibility)
		p.inflight[h.Token()] = &delivery{
			queueName: q.name,
			stored:    sm,
			visibleAt: now.Add(p.visibility),
		}
		out = append(out, contracts.ReceivedMessage{
			Message:       sm.msg,
			MessageID:     sm.id,
			DeliveryCount: sm.deliveries,
			EnqueuedAt:    sm.enqueuedAt,
			DeliveredAt:   now,
			Receipt:       h,
		})
	}
	q.pending = kept
	return out
}

// await blocks until the queue signals, the deadline passes, or the
// caller gives up.
func (p *Provider) await(ctx context.Context, ch <-chan struct{}, deadline time.Time) error {
	timer := time.NewTimer(time.Until(deadline))
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	case <-ch:
		return nil
	}
}

func (p *Provider) sessionPendingLocked(q *memQueue, key contracts.SessionKey) bool {
	for _, sm := range q.pending {
		if sm.msg.SessionKey() == key {
			return true
		}
	}
	return false
}

func (p *Provider) sessionInFlightLocked(queueName string, key contracts.SessionKey) int {
	n := 0
	for _, d := range p.inflight {
		if d.queueName == queueName && d.stored.msg.SessionKey() == key {
			n++
		}
	}
	return n
}
