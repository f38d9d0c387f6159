package memory

import (
	"context"
	"errors"
	"time"

	"github.com/glimte/sessionq-go/contracts"
	"github.com/glimte/sessionq-go/queue"
)

// Acknowledge implements queue.Provider.
func (p *Provider) Acknowledge(ctx context.Context, h contracts.ReceiptHandle) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	now := time.Now().UTC()
	p.sweepLocked(now)

	d, err := p.resolveLocked("acknowledge", h, now)
	if err != nil {
		return err
	}
	delete(p.inflight, h.Token())
	if q, ok := p.queues[d.queueName]; ok {
		// Settling may unblock a session waiter.
		q.signal()
	}
	return nil
}

// Reject implements queue.Provider. The message returns to its original
// position and the next delivery carries an incremented count.
func (p *Provider) Reject(ctx context.Context, h contracts.ReceiptHandle) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	now := time.Now().UTC()
	p.sweepLocked(now)

	d, err := p.resolveLocked("reject", h, now)
	if err != nil {
		return err
	}
	delete(p.inflight, h.Token())
	if q, ok := p.queues[d.queueName]; ok {
		q.returnToQueue(d.stored)
	}
	return nil
}

// DeadLetter implements queue.Provider. The raw message moves to the
// origin's dead-letter queue with the reason and its session key carried
// as attributes.
func (p *Provider) DeadLetter(ctx context.Context, h contracts.ReceiptHandle, reason string) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	now := time.Now().UTC()
	p.sweepLocked(now)

	d, err := p.resolveLocked("dead letter", h, now)
	if err != nil {
		return err
	}
	delete(p.inflight, h.Token())

	dlqName := queue.DeadLetterQueueName(d.queueName)
	dlq, qerr := p.queueLocked("dead letter", dlqName)
	if qerr != nil {
		return qerr
	}

	orig := d.stored.msg
	opts := []contracts.MessageOption{
		contracts.WithAttributes(orig.Attributes()),
		contracts.WithAttribute(contracts.AttrDeadLetterReason, reason),
		contracts.WithSessionKey(orig.SessionKey()),
	}
	if cid := orig.CorrelationID(); cid != "" {
		opts = append(opts, contracts.WithCorrelationID(cid))
	}
	p.enqueueLocked(dlq, contracts.NewMessage(orig.Body(), opts...))

	if q, ok := p.queues[d.queueName]; ok {
		q.signal()
	}
	p.logger.Info("message moved to dead-letter queue",
		"queue", d.queueName,
		"dlq", dlqName,
		"messageId", d.stored.id,
		"reason", reason,
	)
	return nil
}

// resolveLocked maps a receipt to its in-flight delivery. Expired handles
// fail with KindReceiptExpired; consumed or unknown ones with
// KindMessageNotFound.
func (p *Provider) resolveLocked(op string, h contracts.ReceiptHandle, now time.Time) (*delivery, error) {
	if h.IsZero() {
		return nil, contracts.NewQueueError(contracts.KindMessageNotFound, op, "",
			errors.New("receipt was never issued"))
	}
	if h.Expired(now) {
		return nil, contracts.NewQueueError(contracts.KindReceiptExpired, op, h.Queue(),
			errors.New("receipt expired"))
	}
	d, ok := p.inflight[h.Token()]
	if !ok {
		return nil, contracts.NewQueueError(contracts.KindMessageNotFound, op, h.Queue(),
			errors.New("receipt already consumed or unknown"))
	}
	return d, nil
}
