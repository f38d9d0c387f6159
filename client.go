package sessionq

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/glimte/sessionq-go/config"
	"github.com/glimte/sessionq-go/contracts"
	"github.com/glimte/sessionq-go/deadletter"
	"github.com/glimte/sessionq-go/internal/pebblestore"
	"github.com/glimte/sessionq-go/internal/reliability"
	"github.com/glimte/sessionq-go/queue"
	"github.com/glimte/sessionq-go/router"
	"github.com/glimte/sessionq-go/sessions"
)

// ErrNoSubscriptions is returned by Route when the client was built
// without a subscription table.
var ErrNoSubscriptions = errors.New("sessionq: no subscription table configured")

// Client wires the runtime together: one provider, the retry and
// circuit-breaker engine, the dead-letter manager, the session
// coordinator, and (when a subscription table is configured) the fan-out
// router. A Client is safe for concurrent use.
type Client struct {
	provider    queue.Provider
	cfg         *config.Runtime
	logger      *slog.Logger
	retryer     *reliability.Retryer
	breakers    *reliability.BreakerGroup
	store       deadletter.Store
	ownsStore   bool
	deadLetters *deadletter.Manager
	coordinator *sessions.Coordinator
	router      *router.Router

	defaults config.QueueSettings
	queues   map[string]config.QueueSettings
}

type clientConfig struct {
	logger        *slog.Logger
	store         deadletter.Store
	policy        reliability.Policy
	breakerOpts   []reliability.BreakerOption
	subscriptions []router.Subscription
	concurrency   int
}

// ClientOption configures the client.
type ClientOption func(*clientConfig)

// WithLogger sets the logger every component inherits.
func WithLogger(logger *slog.Logger) ClientOption {
	return func(c *clientConfig) {
		if logger != nil {
			c.logger = logger
		}
	}
}

// WithStore overrides the dead-letter store. The caller keeps ownership;
// Close does not close an injected store.
func WithStore(store deadletter.Store) ClientOption {
	return func(c *clientConfig) {
		c.store = store
	}
}

// WithRetryPolicy overrides the backoff policy derived from the config.
func WithRetryPolicy(p reliability.Policy) ClientOption {
	return func(c *clientConfig) {
		c.policy = p
	}
}

// WithBreakerOptions configures every circuit breaker the client creates.
func WithBreakerOptions(opts ...reliability.BreakerOption) ClientOption {
	return func(c *clientConfig) {
		c.breakerOpts = append(c.breakerOpts, opts...)
	}
}

// WithSubscriptions supplies the subscription table directly, taking
// precedence over the subscriptions file named in the config.
func WithSubscriptions(subs []router.Subscription) ClientOption {
	return func(c *clientConfig) {
		c.subscriptions = subs
	}
}

// WithFanoutConcurrency bounds concurrent target sends during fan-out.
func WithFanoutConcurrency(n int) ClientOption {
	return func(c *clientConfig) {
		if n > 0 {
			c.concurrency = n
		}
	}
}

// NewClient validates the config and assembles the runtime around the
// given provider. The provider stays owned by the caller: Close releases
// everything the client created but leaves the provider open.
func NewClient(provider queue.Provider, cfg *config.Runtime, options ...ClientOption) (*Client, error) {
	if provider == nil {
		return nil, errors.New("sessionq: provider must not be nil")
	}
	if cfg == nil {
		return nil, errors.New("sessionq: config must not be nil")
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	cc := &clientConfig{
		logger:      slog.Default(),
		concurrency: cfg.Fanout.Concurrency,
	}
	for _, opt := range options {
		opt(cc)
	}

	c := &Client{
		provider: provider,
		cfg:      cfg,
		logger:   cc.logger,
		defaults: cfg.Defaults,
		queues:   make(map[string]config.QueueSettings, len(cfg.Queues)),
	}
	for name, settings := range cfg.Queues {
		c.queues[name] = settings
	}

	policy := cc.policy
	if policy == nil {
		policy = reliability.NewExponentialBackoff(
			cfg.Retry.InitialDelay,
			cfg.Retry.MaxDelay,
			cfg.Retry.Multiplier,
			cfg.Retry.MaxAttempts,
		)
	}
	c.retryer = reliability.NewRetryer(
		reliability.WithPolicy(policy),
		reliability.WithRetryerLogger(cc.logger),
	)
	c.breakers = reliability.NewBreakerGroup(cc.logger, cc.breakerOpts...)

	if cc.store != nil {
		c.store = cc.store
	} else if dir := cfg.DeadLetter.StoreDir; dir != "" {
		store, err := pebblestore.Open(dir)
		if err != nil {
			return nil, fmt.Errorf("sessionq: open dead-letter store: %w", err)
		}
		c.store = store
		c.ownsStore = true
	} else {
		c.store = deadletter.NewMemoryStore()
	}

	c.deadLetters = deadletter.NewManager(provider,
		deadletter.WithStore(c.store),
		deadletter.WithManagerLogger(cc.logger),
		deadletter.WithRetention(cfg.DeadLetter.Retention),
	)
	c.coordinator = sessions.NewCoordinator(provider,
		sessions.WithLockDuration(cfg.Defaults.LockDuration),
		sessions.WithLockDurationFor(func(queueName string) time.Duration {
			return c.QueueSettings(queueName).LockDuration
		}),
		sessions.WithCoordinatorLogger(cc.logger),
	)

	subs := cc.subscriptions
	if subs == nil && cfg.Fanout.SubscriptionsFile != "" {
		file, err := config.LoadTableFile(cfg.Fanout.SubscriptionsFile)
		if err != nil {
			c.closeOwned()
			return nil, fmt.Errorf("sessionq: load subscriptions: %w", err)
		}
		subs = file.Subscriptions
		// Overrides from the file apply only to queues the config does
		// not name itself.
		for name, settings := range file.Queues {
			if _, ok := c.queues[name]; !ok {
				c.queues[name] = settings
			}
		}
	}
	if subs != nil {
		table, err := router.NewTable(subs)
		if err != nil {
			c.closeOwned()
			return nil, fmt.Errorf("sessionq: invalid subscription table: %w", err)
		}
		c.router = router.NewRouter(provider, table,
			router.WithRouterLogger(cc.logger),
			router.WithRetryer(c.retryer),
			router.WithBreakerGroup(c.breakers),
			router.WithDedupWindow(cfg.Defaults.DedupWindow),
			router.WithDedupWindowFor(func(target string) time.Duration {
				return c.QueueSettings(target).DedupWindow
			}),
			router.WithMessageTTLFor(func(target string) time.Duration {
				return c.QueueSettings(target).MessageTTL
			}),
			router.WithDeadLetterer(c.deadLetters),
			router.WithFanoutConcurrency(cc.concurrency),
		)
	}

	return c, nil
}

// Provider returns the backend adapter the client was built around.
func (c *Client) Provider() queue.Provider {
	return c.provider
}

// Router returns the fan-out router, or nil when no subscription table
// was configured.
func (c *Client) Router() *router.Router {
	return c.router
}

// Sessions returns the session coordinator.
func (c *Client) Sessions() *sessions.Coordinator {
	return c.coordinator
}

// DeadLetters returns the dead-letter manager.
func (c *Client) DeadLetters() *deadletter.Manager {
	return c.deadLetters
}

// QueueSettings resolves the effective settings for one queue: its
// override entry, if any, merged over the configured defaults.
func (c *Client) QueueSettings(queueName string) config.QueueSettings {
	return c.queues[queueName].Merge(c.defaults)
}

// Breakers reports a snapshot of every circuit the client tracks.
func (c *Client) Breakers() map[string]reliability.Stats {
	return c.breakers.Snapshot()
}

// Route fans one normalized event out to every subscribed queue.
func (c *Client) Route(ctx context.Context, event contracts.NormalizedEvent) (router.Result, error) {
	if c.router == nil {
		return router.Result{}, ErrNoSubscriptions
	}
	return c.router.Route(ctx, event)
}

// ProcessSession drains one session through a worker built from the
// client's retryer and dead-letter manager. It returns when the session
// runs dry, the lease is lost, or ctx is done.
func (c *Client) ProcessSession(ctx context.Context, queueName string, key contracts.SessionKey, handler sessions.Handler, options ...sessions.WorkerOption) (sessions.SessionResult, error) {
	opts := []sessions.WorkerOption{
		sessions.WithRetryer(c.retryer),
		sessions.WithDeadLetterer(c.deadLetters),
		sessions.WithWorkerLogger(c.logger),
		sessions.WithMaxDeliveries(c.QueueSettings(queueName).MaxDeliveries),
	}
	opts = append(opts, options...)
	worker := sessions.NewWorker(c.coordinator, handler, opts...)
	return worker.ProcessSession(ctx, queueName, key)
}

// Health pings the provider and probes the dead-letter store.
func (c *Client) Health(ctx context.Context) error {
	if err := c.provider.Ping(ctx); err != nil {
		return fmt.Errorf("sessionq: provider unhealthy: %w", err)
	}
	if _, err := c.store.Queues(ctx); err != nil {
		return fmt.Errorf("sessionq: dead-letter store unhealthy: %w", err)
	}
	return nil
}

// Close releases the client-owned resources: the router's dedup window,
// any sessions still held by the coordinator, and the store when the
// client opened it. The provider is left open for its owner.
func (c *Client) Close() error {
	var errs []error
	if c.router != nil {
		if err := c.router.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := c.coordinator.ReleaseAll(ctx); err != nil {
		errs = append(errs, err)
	}
	if err := c.closeOwned(); err != nil {
		errs = append(errs, err)
	}
	return errors.Join(errs...)
}

func (c *Client) closeOwned() error {
	if !c.ownsStore {
		return nil
	}
	c.ownsStore = false
	return c.store.Close()
}
