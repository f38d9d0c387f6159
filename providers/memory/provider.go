package memory

import (
	"context"
	"errors"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/glimte/sessionq-go/contracts"
	"github.com/glimte/sessionq-go/queue"
)

const (
	// DefaultVisibilityTimeout is how long a delivery may stay unsettled
	// before it returns to the queue.
	DefaultVisibilityTimeout = 30 * time.Second

	// DefaultLockDuration applies when AcquireSession is called with a
	// non-positive duration.
	DefaultLockDuration = 30 * time.Second

	maxBatchSize   = 10
	maxMessageSize = 256 << 10
)

var errClosed = errors.New("memory: provider is closed")

// Provider implements queue.Provider entirely in process.
type Provider struct {
	mu         sync.Mutex
	queues     map[string]*memQueue
	inflight   map[string]*delivery
	locks      map[lockKey]*sessionLock
	visibility time.Duration
	autoCreate bool
	logger     *slog.Logger
	closed     bool
	nextSeq    uint64
}

type memQueue struct {
	name    string
	pending []*storedMessage
	notify  chan struct{}
}

type storedMessage struct {
	seq        uint64
	id         string
	msg        contracts.Message
	deliveries int
	enqueuedAt time.Time
	expiresAt  time.Time
}

type delivery struct {
	queueName string
	stored    *storedMessage
	visibleAt time.Time
}

type lockKey struct {
	queueName string
	key       contracts.SessionKey
}

type sessionLock struct {
	id        string
	expiresAt time.Time
}

// Option configures the provider.
type Option func(*Provider)

// WithVisibilityTimeout sets how long deliveries stay invisible before
// unsettled messages return to the queue.
func WithVisibilityTimeout(d time.Duration) Option {
	return func(p *Provider) {
		p.visibility = d
	}
}

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) Option {
	return func(p *Provider) {
		p.logger = logger
	}
}

// WithQueues pre-declares queues.
func WithQueues(names ...string) Option {
	return func(p *Provider) {
		for _, name := range names {
			p.queues[name] = newMemQueue(name)
		}
	}
}

// WithoutAutoCreate makes sends and receives on undeclared queues fail
// with KindQueueNotFound instead of creating them on first use.
func WithoutAutoCreate() Option {
	return func(p *Provider) {
		p.autoCreate = false
	}
}

// New creates an empty in-memory provider.
func New(options ...Option) *Provider {
	p := &Provider{
		queues:     make(map[string]*memQueue),
		inflight:   make(map[string]*delivery),
		locks:      make(map[lockKey]*sessionLock),
		visibility: DefaultVisibilityTimeout,
		autoCreate: true,
		logger:     slog.Default(),
	}
	for _, opt := range options {
		opt(p)
	}
	return p
}

func newMemQueue(name string) *memQueue {
	return &memQueue{name: name, notify: make(chan struct{})}
}

// Name implements queue.Provider.
func (p *Provider) Name() string {
	return "memory"
}

// Capabilities implements queue.Provider.
func (p *Provider) Capabilities() queue.Capabilities {
	return queue.Capabilities{
		NativeSessions: true,
		MaxBatchSize:   maxBatchSize,
		MaxMessageSize: maxMessageSize,
	}
}

// Send implements queue.Provider.
func (p *Provider) Send(ctx context.Context, queueName string, msg contracts.Message) (string, error) {
	if err := queue.CheckSendable(p.Capabilities(), queueName, msg); err != nil {
		return "", err
	}
	if err := ctx.Err(); err != nil {
		return "", err
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return "", contracts.NewQueueError(contracts.KindConnectionFailed, "send", queueName, errClosed)
	}
	q, err := p.queueLocked("send", queueName)
	if err != nil {
		return "", err
	}
	return p.enqueueLocked(q, msg), nil
}

// SendBatch implements queue.Provider. Each message succeeds or fails on
// its own; a failed entry never blocks the rest of the batch.
func (p *Provider) SendBatch(ctx context.Context, queueName string, msgs []contracts.Message) ([]queue.BatchResult, error) {
	if len(msgs) == 0 {
		return nil, nil
	}
	if len(msgs) > maxBatchSize {
		return nil, contracts.NewQueueError(contracts.KindValidationFailed, "send batch", queueName,
			errors.New("batch exceeds provider limit"))
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return nil, contracts.NewQueueError(contracts.KindConnectionFailed, "send batch", queueName, errClosed)
	}
	q, err := p.queueLocked("send batch", queueName)
	if err != nil {
		return nil, err
	}

	results := make([]queue.BatchResult, len(msgs))
	for i, msg := range msgs {
		results[i].Index = i
		if err := queue.CheckSendable(p.Capabilities(), queueName, msg); err != nil {
			results[i].Err = err
			continue
		}
		results[i].MessageID = p.enqueueLocked(q, msg)
	}
	return results, nil
}

func (p *Provider) enqueueLocked(q *memQueue, msg contracts.Message) string {
	p.nextSeq++
	now := time.Now().UTC()
	sm := &storedMessage{
		seq:        p.nextSeq,
		id:         uuid.NewString(),
		msg:        msg,
		enqueuedAt: now,
	}
	if ttl := msg.TTL(); ttl > 0 {
		sm.expiresAt = now.Add(ttl)
	}
	q.pending = append(q.pending, sm)
	q.signal()
	return sm.id
}

// queueLocked resolves a queue, creating it when auto-create is on.
// Dead-letter queues always auto-create; the runtime derives their names
// rather than declaring them.
func (p *Provider) queueLocked(op, name string) (*memQueue, error) {
	if q, ok := p.queues[name]; ok {
		return q, nil
	}
	if !p.autoCreate && !queue.IsDeadLetterQueueName(name) {
		return nil, contracts.NewQueueError(contracts.KindQueueNotFound, op, name, errors.New("queue does not exist"))
	}
	q := newMemQueue(name)
	p.queues[name] = q
	return q, nil
}

func (q *memQueue) signal() {
	close(q.notify)
	q.notify = make(chan struct{})
}

// returnToQueue reinserts a message at its sequence position.
func (q *memQueue) returnToQueue(sm *storedMessage) {
	i := sort.Search(len(q.pending), func(i int) bool { return q.pending[i].seq >= sm.seq })
	q.pending = append(q.pending, nil)
	copy(q.pending[i+1:], q.pending[i:])
	q.pending[i] = sm
	q.signal()
}

// sweepLocked returns timed-out deliveries to their queues. Receipts of
// swept deliveries die here.
func (p *Provider) sweepLocked(now time.Time) {
	for token, d := range p.inflight {
		if now.Before(d.visibleAt) {
			continue
		}
		delete(p.inflight, token)
		if q, ok := p.queues[d.queueName]; ok {
			q.returnToQueue(d.stored)
		}
		p.logger.Debug("delivery visibility expired",
			"queue", d.queueName,
			"messageId", d.stored.id,
			"deliveryCount", d.stored.deliveries,
		)
	}
}

// Ping implements queue.Provider.
func (p *Provider) Ping(ctx context.Context) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return contracts.NewQueueError(contracts.KindConnectionFailed, "ping", "", errClosed)
	}
	return nil
}

// Close implements queue.Provider. Pending messages are discarded and all
// outstanding receipts become invalid.
func (p *Provider) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return nil
	}
	p.closed = true
	for _, q := range p.queues {
		q.signal()
	}
	p.queues = make(map[string]*memQueue)
	p.inflight = make(map[string]*delivery)
	p.locks = make(map[lockKey]*sessionLock)
	return nil
}

// Stats reports queue depths, mainly for tests and local inspection.
func (p *Provider) Stats() map[string]int {
	p.mu.Lock()
	defer p.mu.Unlock()
	depths := make(map[string]int, len(p.queues))
	for name, q := range p.queues {
		depths[name] = len(q.pending)
	}
	return depths
}
