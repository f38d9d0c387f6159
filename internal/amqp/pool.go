package amqp

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	amqp091 "github.com/rabbitmq/amqp091-go"
)

const (
	// DefaultPoolSize is the channel cap when no size option is given.
	DefaultPoolSize = 5

	acquireTimeout = 5 * time.Second
)

// Pool hands out channels for short operations. The broker closes a
// channel on most protocol errors, so the pool replaces dead channels on
// the way in and out instead of repairing them. Channels are opened
// lazily; building the pool before the manager connects is fine.
type Pool struct {
	manager  *Manager
	size     int
	confirms bool
	logger   *slog.Logger

	mu     sync.Mutex
	idle   chan *amqp091.Channel
	active int
	closed bool
}

// PoolOption configures the channel pool.
type PoolOption func(*Pool)

// WithPoolSize caps how many channels the pool opens.
func WithPoolSize(n int) PoolOption {
	return func(p *Pool) {
		p.size = n
	}
}

// WithConfirms puts every pooled channel into publisher-confirm mode at
// creation, so publishes through the pool can wait for broker acks.
func WithConfirms() PoolOption {
	return func(p *Pool) {
		p.confirms = true
	}
}

// WithPoolLogger sets the logger.
func WithPoolLogger(logger *slog.Logger) PoolOption {
	return func(p *Pool) {
		if logger != nil {
			p.logger = logger
		}
	}
}

// NewPool creates a channel pool on top of a connection manager.
func NewPool(manager *Manager, options ...PoolOption) (*Pool, error) {
	if manager == nil {
		return nil, errors.New("amqp: pool needs a connection manager")
	}
	p := &Pool{
		manager: manager,
		size:    DefaultPoolSize,
		logger:  slog.Default(),
	}
	for _, opt := range options {
		opt(p)
	}
	if p.size < 1 {
		return nil, fmt.Errorf("amqp: pool size must be at least 1, got %d", p.size)
	}
	p.idle = make(chan *amqp091.Channel, p.size)
	return p, nil
}

// Get checks out a channel, opening one when none is idle and the cap
// allows. With everything checked out it waits for a return until the
// context ends or the acquire window passes.
func (p *Pool) Get(ctx context.Context) (*amqp091.Channel, error) {
	deadline := time.NewTimer(acquireTimeout)
	defer deadline.Stop()

	for {
		p.mu.Lock()
		if p.closed {
			p.mu.Unlock()
			return nil, ErrPoolClosed
		}
		select {
		case ch := <-p.idle:
			p.mu.Unlock()
			if ch.IsClosed() {
				p.Discard(ch)
				continue
			}
			return ch, nil
		default:
		}
		if p.active < p.size {
			p.active++
			p.mu.Unlock()
			ch, err := p.open()
			if err != nil {
				p.Discard(nil)
				return nil, err
			}
			return ch, nil
		}
		p.mu.Unlock()

		select {
		case ch := <-p.idle:
			if ch == nil {
				// The pool closed while we were waiting.
				return nil, ErrPoolClosed
			}
			if ch.IsClosed() {
				p.Discard(ch)
				continue
			}
			return ch, nil
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-deadline.C:
			return nil, ErrPoolExhausted
		}
	}
}

// Put returns a channel to the pool. Dead channels are dropped so the
// next Get opens a replacement.
func (p *Pool) Put(ch *amqp091.Channel) {
	if ch == nil {
		return
	}
	p.mu.Lock()
	if p.closed || ch.IsClosed() {
		p.active--
		p.mu.Unlock()
		ch.Close()
		return
	}
	select {
	case p.idle <- ch:
		p.mu.Unlock()
	default:
		p.active--
		p.mu.Unlock()
		ch.Close()
	}
}

// Discard removes a checked-out channel from the pool's accounting and
// closes it. Callers use it after operations that kill the channel, such
// as a failed passive declare.
func (p *Pool) Discard(ch *amqp091.Channel) {
	p.mu.Lock()
	p.active--
	p.mu.Unlock()
	if ch != nil {
		ch.Close()
	}
}

// Execute runs fn with a pooled channel and returns it afterwards. A
// panic inside fn is turned into an error instead of tearing down the
// caller.
func (p *Pool) Execute(ctx context.Context, fn func(*amqp091.Channel) error) error {
	ch, err := p.Get(ctx)
	if err != nil {
		return err
	}
	defer p.Put(ch)

	var fnErr error
	func() {
		defer func() {
			if r := recover(); r != nil {
				fnErr = fmt.Errorf("amqp: panic during channel operation: %v", r)
			}
		}()
		fnErr = fn(ch)
	}()
	return fnErr
}

// Size reports how many channels are currently open, idle and checked
// out together.
func (p *Pool) Size() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.active
}

// Close closes every idle channel and fails later operations with
// ErrPoolClosed. Checked-out channels are closed as they come back.
func (p *Pool) Close() error {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return nil
	}
	p.closed = true
	p.mu.Unlock()

	close(p.idle)
	for ch := range p.idle {
		ch.Close()
	}
	return nil
}

func (p *Pool) open() (*amqp091.Channel, error) {
	conn, err := p.manager.Connection()
	if err != nil {
		return nil, err
	}
	ch, err := conn.Channel()
	if err != nil {
		return nil, fmt.Errorf("amqp: opening channel: %w", err)
	}
	if p.confirms {
		if err := ch.Confirm(false); err != nil {
			ch.Close()
			return nil, fmt.Errorf("amqp: enabling publisher confirms: %w", err)
		}
	}
	return ch, nil
}
