package kafka

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/IBM/sarama"

	"github.com/glimte/sessionq-go/contracts"
	"github.com/glimte/sessionq-go/queue"
)

const (
	// DefaultReceiptTTL bounds how long a delivered record may stay
	// unsettled before it returns to the local buffer.
	DefaultReceiptTTL = 30 * time.Second

	// DefaultLockDuration applies when AcquireSession is called without
	// an explicit duration.
	DefaultLockDuration = 30 * time.Second

	// DefaultPrefetch bounds unsettled deliveries across all topics.
	DefaultPrefetch = 100

	// DefaultGroupID is the consumer group the bridges join.
	DefaultGroupID = "sessionq"

	defaultClientID    = "sessionq"
	defaultPartitions  = 3
	defaultReplication = 1

	maxBatchSize   = 500
	maxMessageSize = 1 << 20

	pollInterval  = 50 * time.Millisecond
	sweepInterval = time.Second
)

var errProviderClosed = errors.New("kafka: provider is closed")

// Provider is a Kafka-backed queue.Provider.
type Provider struct {
	brokers []string
	groupID string
	logger  *slog.Logger

	baseConfig *sarama.Config
	client     sarama.Client
	producer   sarama.SyncProducer
	admin      sarama.ClusterAdmin

	partitions  int32
	replication int16
	prefetch    int
	receiptTTL  time.Duration

	mu       sync.Mutex
	bridges  map[string]*bridge
	inflight map[string]*kpin
	locks    map[lockKey]*sessionLock
	created  map[string]struct{}
	closed   bool

	done chan struct{}
	wg   sync.WaitGroup
}

// kpin is one unsettled delivery, keyed by its receipt token.
type kpin struct {
	topic     string
	key       contracts.SessionKey
	rec       *record
	bridge    *bridge
	expiresAt time.Time
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

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) Option {
	return func(p *Provider) {
		if logger != nil {
			p.logger = logger
		}
	}
}

// WithGroupID sets the consumer group the receive bridges join.
func WithGroupID(groupID string) Option {
	return func(p *Provider) {
		if groupID != "" {
			p.groupID = groupID
		}
	}
}

// WithPrefetch bounds unsettled deliveries across the provider.
func WithPrefetch(n int) Option {
	return func(p *Provider) {
		if n > 0 {
			p.prefetch = n
		}
	}
}

// WithReceiptTTL sets how long receipts stay settleable.
func WithReceiptTTL(d time.Duration) Option {
	return func(p *Provider) {
		if d > 0 {
			p.receiptTTL = d
		}
	}
}

// WithTopicPartitions sets the partition count for topics the provider
// creates. More partitions mean more parallel session groups.
func WithTopicPartitions(n int32) Option {
	return func(p *Provider) {
		if n > 0 {
			p.partitions = n
		}
	}
}

// WithReplicationFactor sets the replication factor for created topics.
func WithReplicationFactor(n int16) Option {
	return func(p *Provider) {
		if n > 0 {
			p.replication = n
		}
	}
}

// WithConfig supplies a preconfigured sarama config. It is cloned, and
// the settings the adapter depends on (idempotent producer, returned
// successes, manual offset marks) are reasserted on the clone.
func WithConfig(cfg *sarama.Config) Option {
	return func(p *Provider) {
		if cfg != nil {
			cloned := *cfg
			p.baseConfig = &cloned
		}
	}
}

// Open connects to the cluster and verifies it is reachable.
func Open(brokers []string, options ...Option) (*Provider, error) {
	if len(brokers) == 0 {
		return nil, contracts.NewQueueError(contracts.KindValidationFailed, "connect", "",
			errors.New("kafka: at least one broker is required"))
	}

	p := &Provider{
		brokers:     append([]string(nil), brokers...),
		groupID:     DefaultGroupID,
		logger:      slog.Default(),
		partitions:  defaultPartitions,
		replication: defaultReplication,
		prefetch:    DefaultPrefetch,
		receiptTTL:  DefaultReceiptTTL,
		bridges:     make(map[string]*bridge),
		inflight:    make(map[string]*kpin),
		locks:       make(map[lockKey]*sessionLock),
		created:     make(map[string]struct{}),
		done:        make(chan struct{}),
	}
	for _, opt := range options {
		opt(p)
	}
	if p.baseConfig == nil {
		p.baseConfig = baseConfig()
	}
	applyRequiredSettings(p.baseConfig)

	client, err := sarama.NewClient(p.brokers, p.clientConfig())
	if err != nil {
		return nil, classify("connect", "", "", err)
	}
	producer, err := sarama.NewSyncProducerFromClient(client)
	if err != nil {
		client.Close()
		return nil, classify("connect", "", "", err)
	}
	admin, err := sarama.NewClusterAdmin(p.brokers, p.clientConfig())
	if err != nil {
		producer.Close()
		client.Close()
		return nil, classify("connect", "", "", err)
	}
	p.client = client
	p.producer = producer
	p.admin = admin

	p.wg.Add(1)
	go p.sweepLoop()

	p.logger.Info("connected to kafka cluster",
		"brokers", len(p.brokers),
		"groupId", p.groupID,
	)
	return p, nil
}

// Name implements queue.Provider.
func (p *Provider) Name() string {
	return "kafka"
}

// Capabilities implements queue.Provider. Sessions are emulated above
// partition hashing, so NativeSessions is false.
func (p *Provider) Capabilities() queue.Capabilities {
	return queue.Capabilities{
		NativeSessions: false,
		MaxBatchSize:   maxBatchSize,
		MaxMessageSize: maxMessageSize,
	}
}

// Ping implements queue.Provider.
func (p *Provider) Ping(ctx context.Context) error {
	if p.isClosed() {
		return contracts.NewQueueError(contracts.KindConnectionFailed, "ping", "", errProviderClosed)
	}
	if err := p.client.RefreshMetadata(); err != nil {
		return classify("ping", "", "", err)
	}
	return nil
}

// Close implements queue.Provider.
func (p *Provider) Close() error {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return nil
	}
	p.closed = true
	bridges := p.bridges
	p.bridges = make(map[string]*bridge)
	p.inflight = make(map[string]*kpin)
	p.locks = make(map[lockKey]*sessionLock)
	p.mu.Unlock()

	close(p.done)
	p.wg.Wait()

	var errs []error
	for _, b := range bridges {
		if err := b.stop(); err != nil {
			errs = append(errs, err)
		}
	}
	if err := p.producer.Close(); err != nil {
		errs = append(errs, err)
	}
	if err := p.admin.Close(); err != nil {
		errs = append(errs, err)
	}
	if err := p.client.Close(); err != nil && !errors.Is(err, sarama.ErrClosedClient) {
		errs = append(errs, err)
	}
	if len(errs) > 0 {
		return fmt.Errorf("kafka: close: %w", errors.Join(errs...))
	}
	return nil
}

// bridgeFor returns the topic's receive bridge, starting one on first
// use. The topic is created if the cluster does not know it yet.
func (p *Provider) bridgeFor(op, topic string) (*bridge, error) {
	if err := queue.ValidateQueueName(topic); err != nil {
		return nil, &contracts.QueueError{
			Kind: contracts.KindValidationFailed, Op: op, Queue: topic, Err: err,
		}
	}

	p.mu.Lock()
	if b, ok := p.bridges[topic]; ok {
		p.mu.Unlock()
		return b, nil
	}
	p.mu.Unlock()

	if err := p.ensureTopic(topic); err != nil {
		return nil, classify(op, topic, "", err)
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return nil, contracts.NewQueueError(contracts.KindConnectionFailed, op, topic, errProviderClosed)
	}
	if b, ok := p.bridges[topic]; ok {
		return b, nil
	}
	b, err := newBridge(p, topic)
	if err != nil {
		return nil, classify(op, topic, "", err)
	}
	p.bridges[topic] = b
	return b, nil
}

// ensureTopic creates the topic once per process; "already exists" from
// a concurrent creator counts as success.
func (p *Provider) ensureTopic(topic string) error {
	p.mu.Lock()
	if _, ok := p.created[topic]; ok {
		p.mu.Unlock()
		return nil
	}
	p.mu.Unlock()

	detail := &sarama.TopicDetail{
		NumPartitions:     p.partitions,
		ReplicationFactor: p.replication,
	}
	if err := p.admin.CreateTopic(topic, detail, false); err != nil && !isTopicExists(err) {
		return err
	}

	p.mu.Lock()
	p.created[topic] = struct{}{}
	p.mu.Unlock()
	return nil
}

// sweepLoop returns deliveries with expired receipts to their buffers.
func (p *Provider) sweepLoop() {
	defer p.wg.Done()
	ticker := time.NewTicker(sweepInterval)
	defer ticker.Stop()
	for {
		select {
		case <-p.done:
			return
		case <-ticker.C:
			p.sweepExpired(time.Now().UTC())
		}
	}
}

func (p *Provider) sweepExpired(now time.Time) {
	var expired []*kpin
	p.mu.Lock()
	for token, pin := range p.inflight {
		if now.Before(pin.expiresAt) {
			continue
		}
		delete(p.inflight, token)
		expired = append(expired, pin)
	}
	p.mu.Unlock()

	for _, pin := range expired {
		pin.bridge.requeue(pin.rec)
		p.logger.Debug("delivery receipt expired",
			"topic", pin.topic,
			"messageId", messageID(pin.topic, pin.rec.partition, pin.rec.offset),
		)
	}
}

func (p *Provider) sessionBusyLocked(topic string, key contracts.SessionKey) bool {
	for _, pin := range p.inflight {
		if pin.topic == topic && pin.key == key && !pin.key.IsZero() {
			return true
		}
	}
	return false
}

func (p *Provider) liveLockLocked(queueName string, key contracts.SessionKey, now time.Time) *sessionLock {
	lk, ok := p.locks[lockKey{queueName: queueName, key: key}]
	if !ok || !now.Before(lk.expiresAt) {
		return nil
	}
	return lk
}

func (p *Provider) isClosed() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.closed
}

// clientConfig clones the base config so client, producer, and admin do
// not share one mutable instance.
func (p *Provider) clientConfig() *sarama.Config {
	cloned := *p.baseConfig
	return &cloned
}

func baseConfig() *sarama.Config {
	cfg := sarama.NewConfig()
	cfg.Version = sarama.V2_5_0_0
	cfg.ClientID = defaultClientID

	cfg.Producer.RequiredAcks = sarama.WaitForAll
	cfg.Producer.Retry.Max = 6
	cfg.Producer.Retry.Backoff = 250 * time.Millisecond

	cfg.Consumer.Group.Session.Timeout = 30 * time.Second
	cfg.Consumer.Group.Heartbeat.Interval = 3 * time.Second
	cfg.Consumer.Group.Rebalance.Timeout = 30 * time.Second
	cfg.Consumer.Return.Errors = true

	cfg.Metadata.Full = true
	return cfg
}

// applyRequiredSettings forces the knobs the adapter's semantics depend
// on, whatever config the caller handed in.
func applyRequiredSettings(cfg *sarama.Config) {
	cfg.Producer.Idempotent = true
	cfg.Producer.Return.Successes = true
	cfg.Producer.Return.Errors = true
	cfg.Net.MaxOpenRequests = 1

	// The bridge re-reads everything the group never committed.
	cfg.Consumer.Offsets.Initial = sarama.OffsetOldest
	cfg.Consumer.Offsets.AutoCommit.Enable = true
}

// messageID is the provider-issued id: topic, partition, and offset
// joined into one addressable string.
func messageID(topic string, partition int32, offset int64) string {
	return fmt.Sprintf("%s/%d/%d", topic, partition, offset)
}
