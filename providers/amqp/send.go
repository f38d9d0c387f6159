package amqp

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/google/uuid"
	amqp091 "github.com/rabbitmq/amqp091-go"

	"github.com/glimte/sessionq-go/contracts"
	"github.com/glimte/sessionq-go/queue"
)

// Send implements queue.Provider. Keyless messages go straight to the
// durable queue through the default exchange; keyed ones are published
// through the session exchange so the broker routes them into their
// session's own queue.
func (p *Provider) Send(ctx context.Context, queueName string, msg contracts.Message) (string, error) {
	const op = "send"
	if err := queue.CheckSendable(p.Capabilities(), queueName, msg); err != nil {
		return "", err
	}
	if p.isClosed() {
		return "", contracts.NewQueueError(contracts.KindConnectionFailed, op, queueName, errProviderClosed)
	}

	exchange, routingKey := "", queueName
	if key := msg.SessionKey(); key.IsZero() {
		if err := p.ensureQueue(ctx, queueName); err != nil {
			return "", classify(op, queueName, "", err)
		}
	} else {
		if err := p.ensureSessionTopology(ctx, queueName, key); err != nil {
			return "", classify(op, queueName, key, err)
		}
		exchange, routingKey = sessionExchange(queueName), escapeSessionKey(key)
	}

	id := uuid.NewString()
	err := p.pool.Execute(ctx, func(ch *amqp091.Channel) error {
		return publishConfirmed(ctx, ch, exchange, routingKey, toPublishing(id, msg))
	})
	if err != nil {
		return "", classify(op, queueName, msg.SessionKey(), err)
	}

	p.logger.Debug("message published",
		"queue", queueName,
		"messageId", id,
		"sessionKey", string(msg.SessionKey()),
	)
	return id, nil
}

// SendBatch implements queue.Provider. All messages of the batch share
// one channel; each is confirmed individually so a mid-batch failure
// still reports the earlier successes.
func (p *Provider) SendBatch(ctx context.Context, queueName string, msgs []contracts.Message) ([]queue.BatchResult, error) {
	const op = "send batch"
	if len(msgs) == 0 {
		return nil, nil
	}
	if len(msgs) > maxBatchSize {
		return nil, contracts.NewQueueError(contracts.KindValidationFailed, op, queueName,
			errors.New("batch exceeds provider limit"))
	}
	if p.isClosed() {
		return nil, contracts.NewQueueError(contracts.KindConnectionFailed, op, queueName, errProviderClosed)
	}

	results := make([]queue.BatchResult, len(msgs))
	err := p.pool.Execute(ctx, func(ch *amqp091.Channel) error {
		for i, msg := range msgs {
			results[i].Index = i
			if err := queue.CheckSendable(p.Capabilities(), queueName, msg); err != nil {
				results[i].Err = err
				continue
			}

			exchange, routingKey := "", queueName
			if key := msg.SessionKey(); key.IsZero() {
				if err := p.ensureQueue(ctx, queueName); err != nil {
					results[i].Err = classify(op, queueName, "", err)
					continue
				}
			} else {
				if err := p.ensureSessionTopology(ctx, queueName, key); err != nil {
					results[i].Err = classify(op, queueName, key, err)
					continue
				}
				exchange, routingKey = sessionExchange(queueName), escapeSessionKey(key)
			}

			id := uuid.NewString()
			if err := publishConfirmed(ctx, ch, exchange, routingKey, toPublishing(id, msg)); err != nil {
				results[i].Err = classify(op, queueName, msg.SessionKey(), err)
				if ch.IsClosed() {
					// The broker killed the channel; everything left in
					// the batch fails the same way.
					for j := i + 1; j < len(msgs); j++ {
						results[j].Index = j
						results[j].Err = classify(op, queueName, msgs[j].SessionKey(), err)
					}
					return nil
				}
				continue
			}
			results[i].MessageID = id
		}
		return nil
	})
	if err != nil {
		return nil, classify(op, queueName, "", err)
	}
	return results, nil
}

// publishConfirmed publishes one message and waits for the broker's ack.
// The channel must be in confirm mode, which the pool guarantees.
func publishConfirmed(ctx context.Context, ch *amqp091.Channel, exchange, routingKey string, pub amqp091.Publishing) error {
	conf, err := ch.PublishWithDeferredConfirmWithContext(ctx, exchange, routingKey, false, false, pub)
	if err != nil {
		return err
	}
	select {
	case <-conf.Done():
		if !conf.Acked() {
			return fmt.Errorf("broker nacked publish to %s/%s", exchange, routingKey)
		}
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// toPublishing maps a message onto the wire shape. The correlation id
// rides its native field; the session key and the rest of the attributes
// become headers.
func toPublishing(id string, msg contracts.Message) amqp091.Publishing {
	headers := amqp091.Table{}
	for k, v := range msg.Attributes() {
		headers[k] = v
	}
	if key := msg.SessionKey(); !key.IsZero() {
		headers[contracts.AttrSessionKey] = string(key)
	}

	pub := amqp091.Publishing{
		Headers:       headers,
		ContentType:   "application/octet-stream",
		DeliveryMode:  amqp091.Persistent,
		MessageId:     id,
		CorrelationId: msg.CorrelationID(),
		Timestamp:     time.Now().UTC(),
		Body:          msg.Body(),
	}
	if ttl := msg.TTL(); ttl > 0 {
		pub.Expiration = strconv.FormatInt(ttl.Milliseconds(), 10)
	}
	return pub
}
