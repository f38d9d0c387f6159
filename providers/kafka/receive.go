package kafka

import (
	"context"
	"errors"
	"time"

	"github.com/glimte/sessionq-go/contracts"
	"github.com/glimte/sessionq-go/internal/receipt"
)

// Receive implements queue.Provider. Only keyless records are handed
// out; session traffic goes through ReceiveFromSession. Dead-letter
// topics are exempt from that split.
func (p *Provider) Receive(ctx context.Context, queueName string, max int, wait time.Duration) ([]contracts.ReceivedMessage, error) {
	const op = "receive"
	if max <= 0 {
		max = 1
	}
	if p.isClosed() {
		return nil, contracts.NewQueueError(contracts.KindConnectionFailed, op, queueName, errProviderClosed)
	}
	b, err := p.bridgeFor(op, queueName)
	if err != nil {
		return nil, err
	}

	deadline := time.Now().Add(wait)
	for {
		now := time.Now().UTC()
		room := p.receiveRoom(max)
		if room <= 0 {
			p.logger.Debug("receive throttled by prefetch bound", "topic", queueName)
			return nil, nil
		}

		b.pump()
		recs, dropped := b.takeKeyless(room, now)
		p.drop(b, dropped)
		if len(recs) > 0 {
			return p.deliver(b, recs, now), nil
		}
		if wait <= 0 || !now.Before(deadline) {
			return nil, nil
		}
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(pollInterval):
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
	if p.isClosed() {
		return nil, contracts.NewQueueError(contracts.KindConnectionFailed, op, queueName, errProviderClosed)
	}
	b, err := p.bridgeFor(op, queueName)
	if err != nil {
		return nil, err
	}

	deadline := time.Now().Add(wait)
	for {
		now := time.Now().UTC()

		b.pump()
		p.mu.Lock()
		lk := p.liveLockLocked(queueName, key, now)
		busy := p.sessionBusyLocked(queueName, key)
		p.mu.Unlock()

		switch {
		case lk != nil && lk.id != lockID:
			return nil, &contracts.QueueError{
				Kind: contracts.KindSessionLocked, Op: op, Queue: queueName, SessionKey: key,
				Err: errors.New("session is held by another consumer"),
			}
		case lk == nil && lockID != "":
			return nil, &contracts.QueueError{
				Kind: contracts.KindLeaseExpired, Op: op, Queue: queueName, SessionKey: key,
				Err: errors.New("session lock is no longer live"),
			}
		case lk == nil && busy:
			return nil, &contracts.QueueError{
				Kind: contracts.KindSessionLocked, Op: op, Queue: queueName, SessionKey: key,
				Err: errors.New("session has unsettled deliveries"),
			}
		}
		if lk == nil && !busy && !b.sessionPending(key) {
			return nil, &contracts.QueueError{
				Kind: contracts.KindSessionNotFound, Op: op, Queue: queueName, SessionKey: key,
				Err: errors.New("session has no messages"),
			}
		}

		room := p.receiveRoom(max)
		if room <= 0 {
			p.logger.Debug("receive throttled by prefetch bound", "topic", queueName)
			return nil, nil
		}

		recs, dropped := b.takeSession(key, room, now)
		p.drop(b, dropped)
		if len(recs) > 0 {
			return p.deliver(b, recs, now), nil
		}
		if wait <= 0 || !now.Before(deadline) {
			return nil, nil
		}
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(pollInterval):
		}
	}
}

// receiveRoom caps a take at the remaining prefetch budget.
func (p *Provider) receiveRoom(max int) int {
	p.mu.Lock()
	defer p.mu.Unlock()
	if free := p.prefetch - len(p.inflight); free < max {
		return free
	}
	return max
}

// deliver mints receipts for taken records and registers them in-flight.
func (p *Provider) deliver(b *bridge, recs []*record, now time.Time) []contracts.ReceivedMessage {
	out := make([]contracts.ReceivedMessage, 0, len(recs))
	p.mu.Lock()
	for _, rec := range recs {
		id := messageID(b.topic, rec.partition, rec.offset)
		h := receipt.Mint(p.Name(), b.topic, id, p.receiptTTL)
		p.inflight[h.Token()] = &kpin{
			topic:     b.topic,
			key:       rec.key,
			rec:       rec,
			bridge:    b,
			expiresAt: h.ExpiresAt(),
		}
		out = append(out, contracts.ReceivedMessage{
			Message:       rec.msg,
			MessageID:     id,
			DeliveryCount: rec.count,
			EnqueuedAt:    rec.enqueued,
			DeliveredAt:   now,
			Receipt:       h,
		})
	}
	p.mu.Unlock()
	return out
}

// drop settles records whose TTL lapsed before anyone took them.
func (p *Provider) drop(b *bridge, dropped []*record) {
	for _, rec := range dropped {
		b.ack(rec)
		p.logger.Debug("message expired before delivery",
			"topic", b.topic,
			"messageId", messageID(b.topic, rec.partition, rec.offset),
		)
	}
}
