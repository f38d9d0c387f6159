package kafka

import (
	"context"
	"errors"
	"time"

	"github.com/glimte/sessionq-go/contracts"
	"github.com/glimte/sessionq-go/queue"
)

// Acknowledge implements queue.Provider. The partition's commit window
// decides when the broker hears about it.
func (p *Provider) Acknowledge(ctx context.Context, h contracts.ReceiptHandle) error {
	pin, err := p.take("acknowledge", h)
	if err != nil {
		return err
	}
	pin.bridge.ack(pin.rec)
	return nil
}

// Reject implements queue.Provider. The record returns to the front of
// its local buffer and the next delivery carries an incremented count.
func (p *Provider) Reject(ctx context.Context, h contracts.ReceiptHandle) error {
	pin, err := p.take("reject", h)
	if err != nil {
		return err
	}
	pin.bridge.requeue(pin.rec)
	return nil
}

// DeadLetter implements queue.Provider. The raw record is produced to
// the origin's dead-letter topic first and the original settles only
// after the broker acks the copy; a failure in between can duplicate the
// record but never lose the message.
func (p *Provider) DeadLetter(ctx context.Context, h contracts.ReceiptHandle, reason string) error {
	const op = "dead letter"
	pin, err := p.peek(op, h)
	if err != nil {
		return err
	}

	dlqName := queue.DeadLetterQueueName(pin.topic)
	if err := p.ensureTopic(dlqName); err != nil {
		return classify(op, pin.topic, pin.key, err)
	}

	orig := pin.rec.msg
	opts := []contracts.MessageOption{
		contracts.WithAttributes(orig.Attributes()),
		contracts.WithAttribute(contracts.AttrDeadLetterReason, reason),
		contracts.WithSessionKey(orig.SessionKey()),
	}
	if cid := orig.CorrelationID(); cid != "" {
		opts = append(opts, contracts.WithCorrelationID(cid))
	}
	if _, _, err := p.producer.SendMessage(toProducerMessage(dlqName, contracts.NewMessage(orig.Body(), opts...))); err != nil {
		return classify(op, pin.topic, pin.key, err)
	}

	pin, err = p.take(op, h)
	if err != nil {
		return err
	}
	pin.bridge.ack(pin.rec)

	p.logger.Info("message moved to dead-letter queue",
		"topic", pin.topic,
		"dlq", dlqName,
		"messageId", messageID(pin.topic, pin.rec.partition, pin.rec.offset),
		"reason", reason,
	)
	return nil
}

// peek resolves a receipt without consuming it.
func (p *Provider) peek(op string, h contracts.ReceiptHandle) (*kpin, error) {
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
func (p *Provider) take(op string, h contracts.ReceiptHandle) (*kpin, error) {
	now := time.Now().UTC()
	p.mu.Lock()
	if h.IsZero() {
		p.mu.Unlock()
		return nil, contracts.NewQueueError(contracts.KindMessageNotFound, op, "",
			errors.New("receipt was never issued"))
	}
	if h.Expired(now) {
		pin, ok := p.inflight[h.Token()]
		if ok {
			delete(p.inflight, h.Token())
		}
		p.mu.Unlock()
		if ok {
			pin.bridge.requeue(pin.rec)
		}
		return nil, contracts.NewQueueError(contracts.KindReceiptExpired, op, h.Queue(),
			errors.New("receipt expired"))
	}
	pin, ok := p.inflight[h.Token()]
	if !ok {
		p.mu.Unlock()
		return nil, contracts.NewQueueError(contracts.KindMessageNotFound, op, h.Queue(),
			errors.New("receipt already consumed or unknown"))
	}
	delete(p.inflight, h.Token())
	p.mu.Unlock()
	return pin, nil
}
