package amqp

import (
	"context"
	"fmt"
	"log/slog"
	"math"
	"math/rand"
	"sync"
	"time"

	amqp091 "github.com/rabbitmq/amqp091-go"
)

const (
	// DefaultDialTimeout bounds each dial attempt, first connect and
	// redials alike.
	DefaultDialTimeout = 10 * time.Second

	// DefaultReconnectDelay is the base delay between redial attempts.
	DefaultReconnectDelay = time.Second

	maxReconnectDelay = 2 * time.Minute
	jitterFraction    = 0.2
)

// Manager owns one broker connection and redials it when the broker drops
// it. Callers never hold the *amqp091.Connection across operations; they
// ask for it (or a channel) per operation and treat failures as transient.
type Manager struct {
	url            string
	dialTimeout    time.Duration
	reconnectDelay time.Duration
	maxReconnects  int
	logger         *slog.Logger
	onUp           func()
	onDown         func(error)

	mu        sync.RWMutex
	conn      *amqp091.Connection
	connected bool
	closed    bool
	done      chan struct{}
}

// ManagerOption configures the connection manager.
type ManagerOption func(*Manager)

// WithDialTimeout bounds each dial attempt.
func WithDialTimeout(d time.Duration) ManagerOption {
	return func(m *Manager) {
		m.dialTimeout = d
	}
}

// WithReconnectDelay sets the base delay between redial attempts. The
// actual delay grows exponentially from it, with jitter, capped at two
// minutes.
func WithReconnectDelay(d time.Duration) ManagerOption {
	return func(m *Manager) {
		m.reconnectDelay = d
	}
}

// WithMaxReconnects limits redial attempts per disconnect. Zero or
// negative means keep trying until Close.
func WithMaxReconnects(n int) ManagerOption {
	return func(m *Manager) {
		m.maxReconnects = n
	}
}

// WithManagerLogger sets the logger.
func WithManagerLogger(logger *slog.Logger) ManagerOption {
	return func(m *Manager) {
		if logger != nil {
			m.logger = logger
		}
	}
}

// WithStateHooks registers callbacks for connection transitions. onUp
// runs after every successful connect, onDown after every drop. Both run
// on their own goroutine; a drop invalidates every channel, consumer,
// and exclusive queue that lived on the old connection, so onDown is
// where the caller flushes state tied to them.
func WithStateHooks(onUp func(), onDown func(error)) ManagerOption {
	return func(m *Manager) {
		m.onUp = onUp
		m.onDown = onDown
	}
}

// NewManager creates a manager for the given broker URL. No connection
// is made until Connect.
func NewManager(url string, options ...ManagerOption) *Manager {
	m := &Manager{
		url:            url,
		dialTimeout:    DefaultDialTimeout,
		reconnectDelay: DefaultReconnectDelay,
		logger:         slog.Default(),
		done:           make(chan struct{}),
	}
	for _, opt := range options {
		opt(m)
	}
	return m
}

// Connect establishes the initial connection and starts the redial
// watchdog. Calling Connect on a live manager is a no-op.
func (m *Manager) Connect(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return ErrClosed
	}
	if m.connected {
		return nil
	}

	conn, err := m.dial(ctx)
	if err != nil {
		return err
	}
	m.adoptLocked(conn)
	return nil
}

// dial attempts one connection within the dial timeout. amqp091 has no
// context-aware dial, so the attempt runs on its own goroutine; a late
// success after timeout is closed instead of leaked.
func (m *Manager) dial(ctx context.Context) (*amqp091.Connection, error) {
	dialCtx, cancel := context.WithTimeout(ctx, m.dialTimeout)
	defer cancel()

	type outcome struct {
		conn *amqp091.Connection
		err  error
	}
	res := make(chan outcome, 1)
	go func() {
		conn, err := amqp091.Dial(m.url)
		res <- outcome{conn: conn, err: err}
	}()

	select {
	case r := <-res:
		if r.err != nil {
			return nil, fmt.Errorf("amqp: dial %s: %w", SanitizeURL(m.url), r.err)
		}
		return r.conn, nil
	case <-dialCtx.Done():
		go func() {
			if r := <-res; r.conn != nil {
				r.conn.Close()
			}
		}()
		return nil, fmt.Errorf("amqp: dial %s: %w", SanitizeURL(m.url), dialCtx.Err())
	}
}

// adoptLocked installs a fresh connection and arms the close watchdog.
func (m *Manager) adoptLocked(conn *amqp091.Connection) {
	m.conn = conn
	m.connected = true
	go m.watch(conn.NotifyClose(make(chan *amqp091.Error, 1)))

	m.logger.Info("connected to broker", "url", SanitizeURL(m.url))
	if m.onUp != nil {
		go m.onUp()
	}
}

// watch waits for the broker to drop the adopted connection, then
// redials. A manager Close ends the watch without redialing.
func (m *Manager) watch(closed chan *amqp091.Error) {
	var cause error
	select {
	case <-m.done:
		return
	case err, ok := <-closed:
		if !ok || err == nil {
			// Locally initiated close.
			select {
			case <-m.done:
				return
			default:
			}
		} else {
			cause = err
		}
	}

	m.mu.Lock()
	m.connected = false
	m.conn = nil
	m.mu.Unlock()

	m.logger.Warn("broker connection lost", "url", SanitizeURL(m.url), "error", cause)
	if m.onDown != nil {
		go m.onDown(cause)
	}
	m.redial()
}

// redial loops dial attempts with exponential backoff until one
// succeeds, the attempt budget runs out, or the manager closes.
func (m *Manager) redial() {
	started := time.Now()
	for attempt := 0; ; attempt++ {
		select {
		case <-m.done:
			return
		default:
		}

		if m.maxReconnects > 0 && attempt >= m.maxReconnects {
			m.logger.Error("giving up on reconnect",
				"attempts", attempt,
				"downFor", time.Since(started),
			)
			return
		}

		if attempt > 0 {
			select {
			case <-time.After(reconnectBackoff(m.reconnectDelay, attempt-1)):
			case <-m.done:
				return
			}
		}

		conn, err := m.dial(context.Background())
		if err != nil {
			m.logger.Warn("reconnect attempt failed", "attempt", attempt+1, "error", err)
			continue
		}

		m.mu.Lock()
		if m.closed {
			m.mu.Unlock()
			conn.Close()
			return
		}
		m.adoptLocked(conn)
		m.mu.Unlock()

		m.logger.Info("reconnected to broker",
			"attempts", attempt+1,
			"downFor", time.Since(started),
		)
		return
	}
}

// Connection returns the live connection, or ErrNotConnected while the
// manager is between connections.
func (m *Manager) Connection() (*amqp091.Connection, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.closed {
		return nil, ErrClosed
	}
	if !m.connected || m.conn == nil || m.conn.IsClosed() {
		return nil, ErrNotConnected
	}
	return m.conn, nil
}

// Channel opens a fresh channel on the live connection. Callers own its
// lifetime; short-lived operations should go through the Pool instead.
func (m *Manager) Channel() (*amqp091.Channel, error) {
	conn, err := m.Connection()
	if err != nil {
		return nil, err
	}
	ch, err := conn.Channel()
	if err != nil {
		return nil, fmt.Errorf("amqp: opening channel: %w", err)
	}
	return ch, nil
}

// Connected reports whether a live connection is currently adopted.
func (m *Manager) Connected() bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.connected
}

// Close drops the connection and stops all redialing. Close is
// idempotent.
func (m *Manager) Close() error {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return nil
	}
	m.closed = true
	m.connected = false
	conn := m.conn
	m.conn = nil
	close(m.done)
	m.mu.Unlock()

	if conn != nil && !conn.IsClosed() {
		return conn.Close()
	}
	return nil
}

// reconnectBackoff is the delay before redial attempt+2: exponential
// from base, capped at two minutes, spread by ±20% jitter.
func reconnectBackoff(base time.Duration, attempt int) time.Duration {
	if base <= 0 {
		base = DefaultReconnectDelay
	}
	delay := float64(base) * math.Pow(2, float64(attempt))
	if delay > float64(maxReconnectDelay) {
		delay = float64(maxReconnectDelay)
	}
	span := 1 - jitterFraction + 2*jitterFraction*rand.Float64()
	return time.Duration(delay * span)
}
