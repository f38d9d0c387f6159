package amqp

import (
	"context"

	amqp091 "github.com/rabbitmq/amqp091-go"

	"github.com/glimte/sessionq-go/contracts"
)

// queueArgs are the declare arguments shared by every queue this
// provider owns.
func (p *Provider) queueArgs() amqp091.Table {
	if p.queueTTL <= 0 {
		return nil
	}
	return amqp091.Table{"x-message-ttl": p.queueTTL.Milliseconds()}
}

// ensureQueue declares a durable queue once per process lifetime. The
// declare is idempotent on the broker; the cache only saves round trips.
func (p *Provider) ensureQueue(ctx context.Context, name string) error {
	p.mu.Lock()
	_, ok := p.declared[name]
	p.mu.Unlock()
	if ok {
		return nil
	}

	err := p.pool.Execute(ctx, func(ch *amqp091.Channel) error {
		_, err := ch.QueueDeclare(name, true, false, false, false, p.queueArgs())
		return err
	})
	if err != nil {
		return err
	}

	p.mu.Lock()
	p.declared[name] = struct{}{}
	p.mu.Unlock()
	return nil
}

// ensureSessionTopology declares the session exchange for a logical
// queue plus the physical queue and binding for one ordering key.
func (p *Provider) ensureSessionTopology(ctx context.Context, queueName string, key contracts.SessionKey) error {
	exchange := sessionExchange(queueName)
	physical := sessionQueue(queueName, key)
	binding := escapeSessionKey(key)

	p.mu.Lock()
	_, haveExchange := p.declared[exchange]
	_, haveQueue := p.declared[physical]
	p.mu.Unlock()
	if haveExchange && haveQueue {
		return nil
	}

	err := p.pool.Execute(ctx, func(ch *amqp091.Channel) error {
		if !haveExchange {
			if err := ch.ExchangeDeclare(exchange, "direct", true, false, false, false, nil); err != nil {
				return err
			}
		}
		if _, err := ch.QueueDeclare(physical, true, false, false, false, p.queueArgs()); err != nil {
			return err
		}
		return ch.QueueBind(physical, binding, exchange, false, nil)
	})
	if err != nil {
		return err
	}

	p.mu.Lock()
	p.declared[exchange] = struct{}{}
	p.declared[physical] = struct{}{}
	p.mu.Unlock()
	return nil
}

// inspectQueue passively declares a queue to read its depth. The broker
// kills the channel on a missing queue, so this runs on a throwaway
// channel instead of a pooled one.
func (p *Provider) inspectQueue(name string) (amqp091.Queue, error) {
	ch, err := p.manager.Channel()
	if err != nil {
		return amqp091.Queue{}, err
	}
	defer ch.Close()
	return ch.QueueDeclarePassive(name, true, false, false, false, p.queueArgs())
}

// lockQueueHeld reports whether another connection currently owns the
// exclusive lock queue for a session.
func (p *Provider) lockQueueHeld(queueName string, key contracts.SessionKey) (bool, error) {
	ch, err := p.manager.Channel()
	if err != nil {
		return false, err
	}
	defer ch.Close()

	_, err = ch.QueueDeclarePassive(lockQueue(queueName, key), false, true, true, false, nil)
	switch {
	case err == nil:
		// The declare succeeded, so the lock queue either does not
		// conflict or belongs to this connection; the local registry is
		// authoritative for our own locks.
		return false, nil
	case isResourceLocked(err):
		return true, nil
	case isNotFound(err):
		return false, nil
	}
	return false, err
}
