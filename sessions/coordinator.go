package sessions

import (
	"context"
	"errors"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/glimte/sessionq-go/contracts"
	"github.com/glimte/sessionq-go/queue"
)

// DefaultLockDuration is the session lock length when no option overrides
// it. Workers renew at two thirds of it.
const DefaultLockDuration = 30 * time.Second

// Coordinator acquires session leases and tracks the ones this process
// holds. A second acquire for a held key fails locally without a
// provider round trip.
type Coordinator struct {
	provider     queue.Provider
	logger       *slog.Logger
	lockDuration time.Duration
	lockFor      func(queueName string) time.Duration

	mu     sync.Mutex
	leases map[leaseKey]*SessionLease
}

type leaseKey struct {
	queueName string
	key       contracts.SessionKey
}

// CoordinatorOption configures a Coordinator.
type CoordinatorOption func(*Coordinator)

// WithLockDuration sets how long acquired locks live between renewals.
func WithLockDuration(d time.Duration) CoordinatorOption {
	return func(c *Coordinator) {
		if d > 0 {
			c.lockDuration = d
		}
	}
}

// WithLockDurationFor resolves the lock length per queue. Queues the
// resolver returns zero or negative for use the coordinator default.
func WithLockDurationFor(fn func(queueName string) time.Duration) CoordinatorOption {
	return func(c *Coordinator) {
		c.lockFor = fn
	}
}

// WithCoordinatorLogger sets the logger.
func WithCoordinatorLogger(logger *slog.Logger) CoordinatorOption {
	return func(c *Coordinator) {
		c.logger = logger
	}
}

// NewCoordinator creates a coordinator on top of a queue provider.
func NewCoordinator(provider queue.Provider, options ...CoordinatorOption) *Coordinator {
	c := &Coordinator{
		provider:     provider,
		logger:       slog.Default(),
		lockDuration: DefaultLockDuration,
		leases:       make(map[leaseKey]*SessionLease),
	}
	for _, opt := range options {
		opt(c)
	}
	return c
}

// LockDuration returns the default session lock length.
func (c *Coordinator) LockDuration() time.Duration {
	return c.lockDuration
}

// lockDurationFor resolves the lock length for one queue.
func (c *Coordinator) lockDurationFor(queueName string) time.Duration {
	if c.lockFor != nil {
		if d := c.lockFor(queueName); d > 0 {
			return d
		}
	}
	return c.lockDuration
}

// Acquire takes the session lock for the key and returns a live lease.
// Fails with KindSessionLocked when this process or another consumer
// already holds it.
func (c *Coordinator) Acquire(ctx context.Context, queueName string, key contracts.SessionKey) (*SessionLease, error) {
	if key.IsZero() {
		return nil, &contracts.QueueError{
			Kind: contracts.KindValidationFailed, Op: "acquire session", Queue: queueName,
			Err: errors.New("session key is empty"),
		}
	}

	k := leaseKey{queueName: queueName, key: key}
	c.mu.Lock()
	if _, held := c.leases[k]; held {
		c.mu.Unlock()
		return nil, &contracts.QueueError{
			Kind: contracts.KindSessionLocked, Op: "acquire session", Queue: queueName, SessionKey: key,
			Err: errors.New("session already held by this process"),
		}
	}
	c.mu.Unlock()

	lockDuration := c.lockDurationFor(queueName)
	lockID, err := c.provider.AcquireSession(ctx, queueName, key, lockDuration)
	if err != nil {
		return nil, err
	}

	lease := &SessionLease{
		coordinator: c,
		provider:    c.provider,
		queueName:   queueName,
		key:         key,
		lockID:      lockID,
		duration:    lockDuration,
		expiresAt:   time.Now().UTC().Add(lockDuration),
		done:        make(chan struct{}),
	}

	c.mu.Lock()
	if _, held := c.leases[k]; held {
		// Lost a local race; keep the winner and give the lock back.
		c.mu.Unlock()
		_ = c.provider.ReleaseSession(ctx, queueName, key, lockID)
		return nil, &contracts.QueueError{
			Kind: contracts.KindSessionLocked, Op: "acquire session", Queue: queueName, SessionKey: key,
			Err: errors.New("session already held by this process"),
		}
	}
	c.leases[k] = lease
	c.mu.Unlock()

	c.logger.Debug("session lease acquired",
		"queue", queueName,
		"sessionKey", string(key),
		"lockId", lockID,
	)
	return lease, nil
}

// drop removes an ended lease from the live set.
func (c *Coordinator) drop(l *SessionLease) {
	k := leaseKey{queueName: l.queueName, key: l.key}
	c.mu.Lock()
	if c.leases[k] == l {
		delete(c.leases, k)
	}
	c.mu.Unlock()
}

// SessionInfo describes one held lease.
type SessionInfo struct {
	Queue     string
	Key       contracts.SessionKey
	LockID    string
	ExpiresAt time.Time
}

// Active snapshots the leases this process currently holds.
func (c *Coordinator) Active() []SessionInfo {
	c.mu.Lock()
	leases := make([]*SessionLease, 0, len(c.leases))
	for _, l := range c.leases {
		leases = append(leases, l)
	}
	c.mu.Unlock()

	infos := make([]SessionInfo, 0, len(leases))
	for _, l := range leases {
		infos = append(infos, SessionInfo{
			Queue:     l.queueName,
			Key:       l.key,
			LockID:    l.lockID,
			ExpiresAt: l.ExpiresAt(),
		})
	}
	sort.Slice(infos, func(i, j int) bool {
		if infos[i].Queue != infos[j].Queue {
			return infos[i].Queue < infos[j].Queue
		}
		return infos[i].Key < infos[j].Key
	})
	return infos
}

// ReleaseAll releases every held lease, for shutdown paths.
func (c *Coordinator) ReleaseAll(ctx context.Context) error {
	c.mu.Lock()
	leases := make([]*SessionLease, 0, len(c.leases))
	for _, l := range c.leases {
		leases = append(leases, l)
	}
	c.mu.Unlock()

	var errs []error
	for _, l := range leases {
		if err := l.Release(ctx); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
