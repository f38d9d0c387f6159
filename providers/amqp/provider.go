package amqp

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	amqp091 "github.com/rabbitmq/amqp091-go"

	"github.com/glimte/sessionq-go/contracts"
	amqpconn "github.com/glimte/sessionq-go/internal/amqp"
	"github.com/glimte/sessionq-go/queue"
)

const (
	// DefaultReceiptTTL is how long a delivery may stay unsettled before
	// its receipt dies and the message is nacked back to the queue.
	DefaultReceiptTTL = 30 * time.Second

	// DefaultLockDuration applies when AcquireSession is called with a
	// non-positive duration.
	DefaultLockDuration = 30 * time.Second

	// DefaultPrefetch bounds unsettled deliveries across the provider.
	// basic.Get bypasses broker QoS, so the bound is enforced here.
	DefaultPrefetch = 10

	maxBatchSize   = 50
	maxMessageSize = 128 << 20

	pollInterval  = 50 * time.Millisecond
	sweepInterval = time.Second
)

var errProviderClosed = errors.New("amqp: provider is closed")

// Provider implements queue.Provider on top of RabbitMQ.
type Provider struct {
	manager  *amqpconn.Manager
	pool     *amqpconn.Pool
	logger   *slog.Logger
	poolSize int
	prefetch int

	dialTimeout  time.Duration
	receiptTTL   time.Duration
	queueTTL     time.Duration
	lockDuration time.Duration

	mu       sync.Mutex
	inflight map[string]*pinned
	chanRefs map[*amqp091.Channel]int
	locks    map[lockKey]*sessionLock
	counts   map[string]int
	declared map[string]struct{}
	closed   bool

	done chan struct{}
	wg   sync.WaitGroup
}

// pinned is one unsettled delivery. The channel it arrived on stays
// checked out of the pool until every delivery pinned to it settles.
type pinned struct {
	queueName string
	key       contracts.SessionKey
	ch        *amqp091.Channel
	tag       uint64
	messageID string
	msg       contracts.Message
	count     int
	expiresAt time.Time
}

type lockKey struct {
	queueName string
	key       contracts.SessionKey
}

// sessionLock holds the dedicated channel that owns the exclusive lock
// queue. Closing the channel releases the lock on the broker.
type sessionLock struct {
	id        string
	ch        *amqp091.Channel
	expiresAt time.Time
	timer     *time.Timer
}

// Option configures the provider.
type Option func(*Provider)

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) Option {
	return func(p *Provider) {
		if logger != nil {
			p.logger = logger
		}
	}
}

// WithChannelPoolSize caps the channel pool.
func WithChannelPoolSize(n int) Option {
	return func(p *Provider) {
		p.poolSize = n
	}
}

// WithPrefetch bounds how many deliveries may be unsettled at once
// across the provider. Receives return empty batches while the bound is
// reached.
func WithPrefetch(n int) Option {
	return func(p *Provider) {
		p.prefetch = n
	}
}

// WithReceiptTTL sets how long receipts stay settleable.
func WithReceiptTTL(d time.Duration) Option {
	return func(p *Provider) {
		p.receiptTTL = d
	}
}

// WithQueueTTL declares queues with a message TTL, in addition to any
// per-message TTL. Zero leaves queues without one.
func WithQueueTTL(d time.Duration) Option {
	return func(p *Provider) {
		p.queueTTL = d
	}
}

// WithDialTimeout bounds broker dial attempts.
func WithDialTimeout(d time.Duration) Option {
	return func(p *Provider) {
		p.dialTimeout = d
	}
}

// Open connects to the broker and returns a ready provider.
func Open(ctx context.Context, url string, options ...Option) (*Provider, error) {
	p := &Provider{
		logger:       slog.Default(),
		poolSize:     amqpconn.DefaultPoolSize,
		prefetch:     DefaultPrefetch,
		dialTimeout:  amqpconn.DefaultDialTimeout,
		receiptTTL:   DefaultReceiptTTL,
		lockDuration: DefaultLockDuration,
		inflight:     make(map[string]*pinned),
		chanRefs:     make(map[*amqp091.Channel]int),
		locks:        make(map[lockKey]*sessionLock),
		counts:       make(map[string]int),
		declared:     make(map[string]struct{}),
		done:         make(chan struct{}),
	}
	for _, opt := range options {
		opt(p)
	}

	p.manager = amqpconn.NewManager(url,
		amqpconn.WithManagerLogger(p.logger),
		amqpconn.WithDialTimeout(p.dialTimeout),
		amqpconn.WithStateHooks(nil, p.handleDisconnect),
	)
	if err := p.manager.Connect(ctx); err != nil {
		return nil, classify("connect", "", "", err)
	}

	pool, err := amqpconn.NewPool(p.manager,
		amqpconn.WithPoolSize(p.poolSize),
		amqpconn.WithConfirms(),
		amqpconn.WithPoolLogger(p.logger),
	)
	if err != nil {
		p.manager.Close()
		return nil, err
	}
	p.pool = pool

	p.wg.Add(1)
	go p.sweepLoop()
	return p, nil
}

// Name implements queue.Provider.
func (p *Provider) Name() string {
	return "amqp"
}

// Capabilities implements queue.Provider.
func (p *Provider) Capabilities() queue.Capabilities {
	return queue.Capabilities{
		NativeSessions: true,
		MaxBatchSize:   maxBatchSize,
		MaxMessageSize: maxMessageSize,
	}
}

// Ping implements queue.Provider.
func (p *Provider) Ping(ctx context.Context) error {
	if _, err := p.manager.Connection(); err != nil {
		return classify("ping", "", "", err)
	}
	return nil
}

// Close implements queue.Provider. Unsettled deliveries return to their
// queues once the broker notices the channels are gone.
func (p *Provider) Close() error {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return nil
	}
	p.closed = true
	locks := p.drainLocksLocked()
	p.inflight = make(map[string]*pinned)
	p.chanRefs = make(map[*amqp091.Channel]int)
	p.counts = make(map[string]int)
	p.mu.Unlock()

	close(p.done)
	p.wg.Wait()
	for _, lk := range locks {
		lk.timer.Stop()
		lk.ch.Close()
	}
	p.pool.Close()
	return p.manager.Close()
}

// handleDisconnect runs when the broker drops the connection. Every
// channel died with it: receipts are unsettleable, exclusive lock queues
// are gone, and the declared-topology cache may be stale.
func (p *Provider) handleDisconnect(err error) {
	p.mu.Lock()
	locks := p.drainLocksLocked()
	dropped := len(p.inflight)
	p.inflight = make(map[string]*pinned)
	chans := p.chanRefs
	p.chanRefs = make(map[*amqp091.Channel]int)
	p.declared = make(map[string]struct{})
	p.mu.Unlock()

	for _, lk := range locks {
		lk.timer.Stop()
	}
	for ch := range chans {
		p.pool.Discard(ch)
	}
	if dropped > 0 || len(locks) > 0 {
		p.logger.Warn("connection loss invalidated local state",
			"unsettledDeliveries", dropped,
			"sessionLocks", len(locks),
			"error", err,
		)
	}
}

func (p *Provider) drainLocksLocked() []*sessionLock {
	out := make([]*sessionLock, 0, len(p.locks))
	for k, lk := range p.locks {
		out = append(out, lk)
		delete(p.locks, k)
	}
	return out
}

// sweepLoop nacks deliveries whose receipts expired, so an abandoned
// message returns to its queue instead of dangling on a pinned channel.
func (p *Provider) sweepLoop() {
	defer p.wg.Done()
	ticker := time.NewTicker(sweepInterval)
	defer ticker.Stop()
	for {
		select {
		case <-p.done:
			return
		case now := <-ticker.C:
			p.sweepExpired(now.UTC())
		}
	}
}

func (p *Provider) sweepExpired(now time.Time) {
	type expired struct {
		pin     *pinned
		release *amqp091.Channel
	}
	var batch []expired

	p.mu.Lock()
	for token, pin := range p.inflight {
		if now.Before(pin.expiresAt) {
			continue
		}
		delete(p.inflight, token)
		p.counts[pin.messageID] = pin.count
		batch = append(batch, expired{pin: pin, release: p.unpinChannelLocked(pin.ch)})
	}
	p.mu.Unlock()

	for _, e := range batch {
		if err := e.pin.ch.Nack(e.pin.tag, false, true); err != nil {
			p.logger.Warn("requeue of expired delivery failed",
				"queue", e.pin.queueName,
				"messageId", e.pin.messageID,
				"error", err,
			)
		} else {
			p.logger.Debug("delivery receipt expired",
				"queue", e.pin.queueName,
				"messageId", e.pin.messageID,
				"deliveryCount", e.pin.count,
			)
		}
		if e.release != nil {
			p.pool.Put(e.release)
		}
	}
}

// pinLocked registers one delivery against its channel. The channel's
// refcount keeps it out of the pool until the last pin settles.
func (p *Provider) pinLocked(ch *amqp091.Channel, pin *pinned, token string) {
	p.inflight[token] = pin
	p.chanRefs[ch]++
}

// unpinChannelLocked drops one reference and returns the channel once no
// deliveries remain pinned to it, nil otherwise.
func (p *Provider) unpinChannelLocked(ch *amqp091.Channel) *amqp091.Channel {
	n, ok := p.chanRefs[ch]
	if !ok {
		return nil
	}
	if n <= 1 {
		delete(p.chanRefs, ch)
		return ch
	}
	p.chanRefs[ch] = n - 1
	return nil
}

// deliveryCountLocked is the best-effort delivery count for a message.
// Classic queues do not expose one, so rejects through this provider are
// counted locally and the broker's redelivered flag marks everything
// else as at least a second attempt.
func (p *Provider) deliveryCountLocked(messageID string, redelivered bool) int {
	n := p.counts[messageID] + 1
	if redelivered && n == 1 {
		n = 2
	}
	return n
}

func (p *Provider) inflightCountLocked() int {
	return len(p.inflight)
}

func (p *Provider) isClosed() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.closed
}
