package amqp

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	amqp091 "github.com/rabbitmq/amqp091-go"

	"github.com/glimte/sessionq-go/contracts"
	"github.com/glimte/sessionq-go/internal/receipt"
)

// Receive implements queue.Provider. The main queue only ever holds
// keyless messages, because keyed sends route through the session
// exchange; dead-letter queues are the exception and hand out everything.
func (p *Provider) Receive(ctx context.Context, queueName string, max int, wait time.Duration) ([]contracts.ReceivedMessage, error) {
	const op = "receive"
	if max <= 0 {
		max = 1
	}
	if p.isClosed() {
		return nil, contracts.NewQueueError(contracts.KindConnectionFailed, op, queueName, errProviderClosed)
	}
	if err := p.ensureQueue(ctx, queueName); err != nil {
		return nil, classify(op, queueName, "", err)
	}
	return p.poll(ctx, op, queueName, queueName, "", max, wait)
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

	physical := sessionQueue(queueName, key)
	now := time.Now().UTC()

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

	if lk == nil {
		held, err := p.lockQueueHeld(queueName, key)
		if err != nil {
			return nil, classify(op, queueName, key, err)
		}
		if held {
			return nil, &contracts.QueueError{
				Kind: contracts.KindSessionLocked, Op: op, Queue: queueName, SessionKey: key,
				Err: errors.New("session is held by another consumer"),
			}
		}
		q, err := p.inspectQueue(physical)
		if isNotFound(err) || (err == nil && q.Messages == 0) {
			return nil, &contracts.QueueError{
				Kind: contracts.KindSessionNotFound, Op: op, Queue: queueName, SessionKey: key,
				Err: errors.New("session has no messages"),
			}
		}
		if err != nil {
			return nil, classify(op, queueName, key, err)
		}
	} else if err := p.ensureSessionTopology(ctx, queueName, key); err != nil {
		// A holder may poll a session nothing was ever sent to; the
		// declare keeps the drain path off the missing-queue error.
		return nil, classify(op, queueName, key, err)
	}

	return p.poll(ctx, op, queueName, physical, key, max, wait)
}

// poll drives a basic.Get loop against the deadline: it waits for the
// first message up to wait, then takes whatever else is immediately
// there, up to max and the prefetch bound.
func (p *Provider) poll(ctx context.Context, op, queueName, physical string, key contracts.SessionKey, max int, wait time.Duration) ([]contracts.ReceivedMessage, error) {
	deadline := time.Now().Add(wait)

	p.mu.Lock()
	room := p.prefetch - p.inflightCountLocked()
	p.mu.Unlock()
	if room <= 0 {
		p.logger.Debug("receive throttled by prefetch bound", "queue", queueName)
		return nil, nil
	}
	if max > room {
		max = room
	}

	ch, err := p.pool.Get(ctx)
	if err != nil {
		return nil, classify(op, queueName, key, err)
	}

	var out []contracts.ReceivedMessage
	for len(out) < max {
		d, ok, err := ch.Get(physical, false)
		if err != nil {
			// A failed get kills the channel, and the receipts minted in
			// this call died with it; the broker redelivers their
			// messages once it notices.
			p.abandon(out)
			p.pool.Discard(ch)
			return nil, classify(op, queueName, key, err)
		}
		if ok {
			out = append(out, p.adopt(ch, queueName, key, d))
			continue
		}
		if len(out) > 0 || wait <= 0 || !time.Now().Before(deadline) {
			break
		}
		select {
		case <-ctx.Done():
			p.pool.Put(ch)
			return nil, ctx.Err()
		case <-time.After(pollInterval):
		}
	}

	if len(out) == 0 {
		p.pool.Put(ch)
	}
	return out, nil
}

// adopt mints a receipt for one delivery and pins its channel.
func (p *Provider) adopt(ch *amqp091.Channel, queueName string, key contracts.SessionKey, d amqp091.Delivery) contracts.ReceivedMessage {
	now := time.Now().UTC()
	id := d.MessageId
	if id == "" {
		id = fmt.Sprintf("tag-%d", d.DeliveryTag)
	}

	msg := toMessage(d)
	p.mu.Lock()
	count := p.deliveryCountLocked(id, d.Redelivered)
	h := receipt.Mint(p.Name(), queueName, id, p.receiptTTL)
	p.pinLocked(ch, &pinned{
		queueName: queueName,
		key:       key,
		ch:        ch,
		tag:       d.DeliveryTag,
		messageID: id,
		msg:       msg,
		count:     count,
		expiresAt: h.ExpiresAt(),
	}, h.Token())
	p.mu.Unlock()

	enqueued := d.Timestamp.UTC()
	if d.Timestamp.IsZero() {
		enqueued = now
	}
	return contracts.ReceivedMessage{
		Message:       msg,
		MessageID:     id,
		DeliveryCount: count,
		EnqueuedAt:    enqueued,
		DeliveredAt:   now,
		Receipt:       h,
	}
}

// abandon forgets receipts whose channel died before the batch was
// returned to the caller.
func (p *Provider) abandon(batch []contracts.ReceivedMessage) {
	if len(batch) == 0 {
		return
	}
	p.mu.Lock()
	for _, rcv := range batch {
		pin, ok := p.inflight[rcv.Receipt.Token()]
		if !ok {
			continue
		}
		delete(p.inflight, rcv.Receipt.Token())
		p.unpinChannelLocked(pin.ch)
	}
	p.mu.Unlock()
}

// toMessage rebuilds the immutable message from the wire shape.
func toMessage(d amqp091.Delivery) contracts.Message {
	attrs := make(map[string]string, len(d.Headers))
	for k, v := range d.Headers {
		if s, ok := v.(string); ok {
			attrs[k] = s
		}
	}
	key := contracts.SessionKey(attrs[contracts.AttrSessionKey])
	delete(attrs, contracts.AttrSessionKey)

	opts := []contracts.MessageOption{contracts.WithAttributes(attrs)}
	if !key.IsZero() {
		opts = append(opts, contracts.WithSessionKey(key))
	}
	if d.CorrelationId != "" {
		opts = append(opts, contracts.WithCorrelationID(d.CorrelationId))
	}
	if d.Expiration != "" {
		if ms, err := strconv.ParseInt(d.Expiration, 10, 64); err == nil && ms > 0 {
			opts = append(opts, contracts.WithTTL(time.Duration(ms)*time.Millisecond))
		}
	}
	return contracts.NewMessage(d.Body, opts...)
}

func (p *Provider) liveLockLocked(queueName string, key contracts.SessionKey, now time.Time) *sessionLock {
	lk, ok := p.locks[lockKey{queueName: queueName, key: key}]
	if !ok || !now.Before(lk.expiresAt) {
		return nil
	}
	return lk
}

func (p *Provider) sessionBusyLocked(queueName string, key contracts.SessionKey) bool {
	for _, pin := range p.inflight {
		if pin.queueName == queueName && pin.key == key && !pin.key.IsZero() {
			return true
		}
	}
	return false
}
