package kafka

import (
	"context"
	"errors"
	"log/slog"
	"strconv"
	"sync"
	"time"

	"github.com/IBM/sarama"

	"github.com/glimte/sessionq-go/contracts"
	"github.com/glimte/sessionq-go/queue"
)

const consumeBackoff = time.Second

// Header names for the message fields Kafka has no native slot for.
const (
	headerCorrelationID = "sessionq-correlation-id"
	headerTTL           = "sessionq-ttl-ms"
)

// record is one claimed Kafka message waiting locally for delivery.
type record struct {
	partition int32
	offset    int64
	key       contracts.SessionKey
	msg       contracts.Message
	enqueued  time.Time
	expires   time.Time
	count     int
	gen       uint64
}

func (r *record) expired(now time.Time) bool {
	return !r.expires.IsZero() && now.After(r.expires)
}

// bridge joins the consumer group for one topic and buffers claimed
// records until a receive picks them up. It is the topic's
// sarama.ConsumerGroupHandler.
type bridge struct {
	topic  string
	dlq    bool
	group  sarama.ConsumerGroup
	logger *slog.Logger

	arrivals chan *record

	mu      sync.Mutex
	session sarama.ConsumerGroupSession
	gen     uint64
	keyless []*record
	keyed   map[contracts.SessionKey][]*record
	windows map[int32]*commitWindow

	cancel context.CancelFunc
	done   chan struct{}
}

func newBridge(p *Provider, topic string) (*bridge, error) {
	group, err := sarama.NewConsumerGroup(p.brokers, p.groupID, p.clientConfig())
	if err != nil {
		return nil, err
	}

	ctx, cancel := context.WithCancel(context.Background())
	b := &bridge{
		topic:    topic,
		dlq:      queue.IsDeadLetterQueueName(topic),
		group:    group,
		logger:   p.logger,
		arrivals: make(chan *record, p.prefetch),
		keyed:    make(map[contracts.SessionKey][]*record),
		windows:  make(map[int32]*commitWindow),
		cancel:   cancel,
		done:     make(chan struct{}),
	}
	go b.run(ctx)
	return b, nil
}

// run keeps the bridge inside the group until the bridge stops. Consume
// returns on every rebalance and is re-entered.
func (b *bridge) run(ctx context.Context) {
	defer close(b.done)
	for {
		if ctx.Err() != nil {
			return
		}
		err := b.group.Consume(ctx, []string{b.topic}, b)
		if err != nil {
			if errors.Is(err, sarama.ErrClosedConsumerGroup) {
				return
			}
			b.logger.Warn("consumer group session failed",
				"topic", b.topic,
				"error", err,
			)
			select {
			case <-ctx.Done():
				return
			case <-time.After(consumeBackoff):
			}
		}
	}
}

func (b *bridge) stop() error {
	b.cancel()
	err := b.group.Close()
	<-b.done
	return err
}

// Setup implements sarama.ConsumerGroupHandler.
func (b *bridge) Setup(session sarama.ConsumerGroupSession) error {
	b.mu.Lock()
	b.session = session
	b.mu.Unlock()
	b.logger.Debug("joined consumer group", "topic", b.topic)
	return nil
}

// Cleanup implements sarama.ConsumerGroupHandler. The local buffers and
// windows belong to the assignment that just ended; whoever gets the
// partitions next re-reads everything uncommitted.
func (b *bridge) Cleanup(session sarama.ConsumerGroupSession) error {
	b.mu.Lock()
	b.session = nil
	b.gen++
	b.keyless = nil
	b.keyed = make(map[contracts.SessionKey][]*record)
	b.windows = make(map[int32]*commitWindow)
	b.mu.Unlock()
	b.logger.Debug("left consumer group", "topic", b.topic)
	return nil
}

// ConsumeClaim implements sarama.ConsumerGroupHandler. Records flow into
// the bounded arrivals channel; a full buffer blocks the claim, which is
// the backpressure that keeps the local buffer at prefetch size.
func (b *bridge) ConsumeClaim(session sarama.ConsumerGroupSession, claim sarama.ConsumerGroupClaim) error {
	for msg := range claim.Messages() {
		select {
		case b.arrivals <- b.wrap(msg):
		case <-session.Context().Done():
			return nil
		}
	}
	return nil
}

// wrap maps a claimed message into the local record shape.
func (b *bridge) wrap(msg *sarama.ConsumerMessage) *record {
	attrs := make(map[string]string, len(msg.Headers))
	for _, h := range msg.Headers {
		if h == nil || len(h.Key) == 0 {
			continue
		}
		attrs[string(h.Key)] = string(h.Value)
	}
	cid := attrs[headerCorrelationID]
	delete(attrs, headerCorrelationID)
	var ttl time.Duration
	if raw, ok := attrs[headerTTL]; ok {
		delete(attrs, headerTTL)
		if ms, err := strconv.ParseInt(raw, 10, 64); err == nil && ms > 0 {
			ttl = time.Duration(ms) * time.Millisecond
		}
	}

	key := contracts.SessionKey(msg.Key)
	opts := []contracts.MessageOption{contracts.WithAttributes(attrs)}
	if !key.IsZero() {
		opts = append(opts, contracts.WithSessionKey(key))
	}
	if cid != "" {
		opts = append(opts, contracts.WithCorrelationID(cid))
	}
	if ttl > 0 {
		opts = append(opts, contracts.WithTTL(ttl))
	}

	enqueued := msg.Timestamp.UTC()
	if msg.Timestamp.IsZero() {
		enqueued = time.Now().UTC()
	}
	var expires time.Time
	if ttl > 0 {
		expires = enqueued.Add(ttl)
	}

	b.mu.Lock()
	gen := b.gen
	b.mu.Unlock()

	return &record{
		partition: msg.Partition,
		offset:    msg.Offset,
		key:       key,
		msg:       contracts.NewMessage(msg.Value, opts...),
		enqueued:  enqueued,
		expires:   expires,
		count:     0,
		gen:       gen,
	}
}

// pump files everything sitting in the arrivals channel.
func (b *bridge) pump() {
	for {
		select {
		case rec := <-b.arrivals:
			b.file(rec)
		default:
			return
		}
	}
}

func (b *bridge) file(rec *record) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if rec.gen != b.gen {
		return
	}
	if b.windows[rec.partition] == nil {
		b.windows[rec.partition] = newCommitWindow(rec.offset)
	}
	if rec.key.IsZero() || b.dlq {
		b.keyless = append(b.keyless, rec)
	} else {
		b.keyed[rec.key] = append(b.keyed[rec.key], rec)
	}
}

// requeue puts a rejected or expired delivery back at the front of its
// buffer. Records from a previous assignment are dropped; the broker
// re-serves them elsewhere.
func (b *bridge) requeue(rec *record) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if rec.gen != b.gen {
		return
	}
	if rec.key.IsZero() || b.dlq {
		b.keyless = append([]*record{rec}, b.keyless...)
	} else {
		b.keyed[rec.key] = append([]*record{rec}, b.keyed[rec.key]...)
	}
}

// ack settles one record and marks the partition's contiguous prefix
// when it advances. Stale-generation acks are no-ops.
func (b *bridge) ack(rec *record) {
	b.mu.Lock()
	if rec.gen != b.gen {
		b.mu.Unlock()
		return
	}
	w := b.windows[rec.partition]
	if w == nil {
		b.mu.Unlock()
		return
	}
	commit, advanced := w.ack(rec.offset)
	session := b.session
	b.mu.Unlock()

	if advanced && session != nil {
		session.MarkOffset(b.topic, rec.partition, commit, "")
	}
}

// takeKeyless hands out up to max deliverable keyless records, pulling
// TTL-expired ones aside as it passes them.
func (b *bridge) takeKeyless(max int, now time.Time) (out, dropped []*record) {
	b.mu.Lock()
	defer b.mu.Unlock()
	kept := b.keyless[:0]
	for _, rec := range b.keyless {
		switch {
		case rec.expired(now):
			dropped = append(dropped, rec)
		case len(out) < max:
			rec.count++
			out = append(out, rec)
		default:
			kept = append(kept, rec)
		}
	}
	b.keyless = kept
	return out, dropped
}

// takeSession is takeKeyless for one ordering key's buffer.
func (b *bridge) takeSession(key contracts.SessionKey, max int, now time.Time) (out, dropped []*record) {
	b.mu.Lock()
	defer b.mu.Unlock()
	list := b.keyed[key]
	kept := list[:0]
	for _, rec := range list {
		switch {
		case rec.expired(now):
			dropped = append(dropped, rec)
		case len(out) < max:
			rec.count++
			out = append(out, rec)
		default:
			kept = append(kept, rec)
		}
	}
	if len(kept) == 0 {
		delete(b.keyed, key)
	} else {
		b.keyed[key] = kept
	}
	return out, dropped
}

func (b *bridge) sessionPending(key contracts.SessionKey) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.keyed[key]) > 0
}
