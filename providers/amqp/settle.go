package amqp

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	amqp091 "github.com/rabbitmq/amqp091-go"

	"github.com/glimte/sessionq-go/contracts"
	"github.com/glimte/sessionq-go/queue"
)

// Acknowledge implements queue.Provider. Acks are channel-scoped, so the
// settle goes out on the channel the delivery arrived on.
func (p *Provider) Acknowledge(ctx context.Context, h contracts.ReceiptHandle) error {
	const op = "acknowledge"
	pin, release, err := p.take(op, h)
	if err != nil {
		return err
	}
	ackErr := pin.ch.Ack(pin.tag, false)
	if release != nil {
		p.pool.Put(release)
	}
	if ackErr != nil {
		return classify(op, pin.queueName, pin.key, ackErr)
	}
	p.mu.Lock()
	delete(p.counts, pin.messageID)
	p.mu.Unlock()
	return nil
}

// Reject implements queue.Provider. The message requeues in place and the
// next delivery carries an incremented count.
func (p *Provider) Reject(ctx context.Context, h contracts.ReceiptHandle) error {
	const op = "reject"
	pin, release, err := p.take(op, h)
	if err != nil {
		return err
	}
	p.mu.Lock()
	p.counts[pin.messageID] = pin.count
	p.mu.Unlock()
	nackErr := pin.ch.Nack(pin.tag, false, true)
	if release != nil {
		p.pool.Put(release)
	}
	if nackErr != nil {
		return classify(op, pin.queueName, pin.key, nackErr)
	}
	return nil
}

// DeadLetter implements queue.Provider. The raw message publishes to the
// origin's dead-letter queue first and the original settles only after
// the broker confirms; a failure in between can duplicate the record but
// never lose the message.
func (p *Provider) DeadLetter(ctx context.Context, h contracts.ReceiptHandle, reason string) error {
	const op = "dead letter"
	pin, err := p.peek(op, h)
	if err != nil {
		return err
	}

	dlqName := queue.DeadLetterQueueName(pin.queueName)
	if err := p.ensureQueue(ctx, dlqName); err != nil {
		return classify(op, pin.queueName, pin.key, err)
	}

	orig := pin.msg
	opts := []contracts.MessageOption{
		contracts.WithAttributes(orig.Attributes()),
		contracts.WithAttribute(contracts.AttrDeadLetterReason, reason),
		contracts.WithSessionKey(orig.SessionKey()),
	}
	if cid := orig.CorrelationID(); cid != "" {
		opts = append(opts, contracts.WithCorrelationID(cid))
	}
	record := contracts.NewMessage(orig.Body(), opts...)

	err = p.pool.Execute(ctx, func(ch *amqp091.Channel) error {
		return publishConfirmed(ctx, ch, "", dlqName, toPublishing(uuid.NewString(), record))
	})
	if err != nil {
		return classify(op, pin.queueName, pin.key, err)
	}

	pin, release, err := p.take(op, h)
	if err != nil {
		return err
	}
	ackErr := pin.ch.Ack(pin.tag, false)
	if release != nil {
		p.pool.Put(release)
	}
	if ackErr != nil {
		return classify(op, pin.queueName, pin.key, ackErr)
	}
	p.mu.Lock()
	delete(p.counts, pin.messageID)
	p.mu.Unlock()

	p.logger.Info("message moved to dead-letter queue",
		"queue", pin.queueName,
		"dlq", dlqName,
		"messageId", pin.messageID,
		"reason", reason,
	)
	return nil
}

// peek resolves a receipt without consuming it.
func (p *Provider) peek(op string, h contracts.ReceiptHandle) (*pinned, error) {
	now := time.Now().UTC()
	p.mu.Lock()
	defer p.mu.Unlock()
	if h.IsZero() {
		return nil, contracts.NewQueueError(contracts.KindMessageNotFound, op, "",
			errors.New("receipt was never issued"))
	}
	if h.Expired(now) {
		return nil, contracts.NewQueueError(contracts.KindReceiptExpired, op, h.Queue(),
			errors.New("receipt expired"))
	}
	pin, ok := p.inflight[h.Token()]
	if !ok {
		return nil, contracts.NewQueueError(contracts.KindMessageNotFound, op, h.Queue(),
			errors.New("receipt already consumed or unknown"))
	}
	return pin, nil
}

// take removes the delivery for h from the registry. An expired receipt
// that the sweeper has not reached yet requeues on the spot before the
// KindReceiptExpired failure.
func (p *Provider) take(op string, h contracts.ReceiptHandle) (*pinned, *amqp091.Channel, error) {
	now := time.Now().UTC()
	p.mu.Lock()
	if h.IsZero() {
		p.mu.Unlock()
		return nil, nil, contracts.NewQueueError(contracts.KindMessageNotFound, op, "",
			errors.New("receipt was never issued"))
	}
	if h.Expired(now) {
		if pin, ok := p.inflight[h.Token()]; ok {
			delete(p.inflight, h.Token())
			p.counts[pin.messageID] = pin.count
			release := p.unpinChannelLocked(pin.ch)
			p.mu.Unlock()
			if nackErr := pin.ch.Nack(pin.tag, false, true); nackErr != nil {
				p.logger.Warn("requeue of expired receipt failed",
					"queue", pin.queueName, "messageId", pin.messageID, "error", nackErr)
			}
			if release != nil {
				p.pool.Put(release)
			}
		} else {
			p.mu.Unlock()
		}
		return nil, nil, contracts.NewQueueError(contracts.KindReceiptExpired, op, h.Queue(),
			errors.New("receipt expired"))
	}
	pin, ok := p.inflight[h.Token()]
	if !ok {
		p.mu.Unlock()
		return nil, nil, contracts.NewQueueError(contracts.KindMessageNotFound, op, h.Queue(),
			errors.New("receipt already consumed or unknown"))
	}
	delete(p.inflight, h.Token())
	release := p.unpinChannelLocked(pin.ch)
	p.mu.Unlock()
	return pin, release, nil
}
