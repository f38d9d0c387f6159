package reliability

import (
	"context"
	"log/slog"
	"sync"
)

// BreakerGroup keys circuit breakers by downstream target. Breakers are
// created lazily on first use and live for the process lifetime, so an
// unhealthy queue trips only its own circuit.
type BreakerGroup struct {
	mu       sync.RWMutex
	breakers map[string]*CircuitBreaker
	opts     []BreakerOption
	logger   *slog.Logger
}

// NewBreakerGroup creates a group. The options are applied to every breaker
// the group creates; each breaker is named after its key.
func NewBreakerGroup(logger *slog.Logger, opts ...BreakerOption) *BreakerGroup {
	if logger == nil {
		logger = slog.Default()
	}
	return &BreakerGroup{
		breakers: make(map[string]*CircuitBreaker),
		opts:     opts,
		logger:   logger,
	}
}

// For returns the breaker for a key, creating it on first use.
func (g *BreakerGroup) For(key string) *CircuitBreaker {
	g.mu.RLock()
	cb, ok := g.breakers[key]
	g.mu.RUnlock()
	if ok {
		return cb
	}

	g.mu.Lock()
	defer g.mu.Unlock()
	if cb, ok = g.breakers[key]; ok {
		return cb
	}

	opts := make([]BreakerOption, 0, len(g.opts)+2)
	opts = append(opts, g.opts...)
	opts = append(opts,
		WithBreakerName(key),
		WithStateChangeListener(&logListener{logger: g.logger}),
	)
	cb = NewCircuitBreaker(opts...)
	g.breakers[key] = cb
	return cb
}

// Execute runs fn under the breaker for key.
func (g *BreakerGroup) Execute(ctx context.Context, key string, fn func() error) error {
	return g.For(key).Execute(ctx, fn)
}

// Snapshot returns the stats of every breaker created so far.
func (g *BreakerGroup) Snapshot() map[string]Stats {
	g.mu.RLock()
	defer g.mu.RUnlock()
	out := make(map[string]Stats, len(g.breakers))
	for key, cb := range g.breakers {
		out[key] = cb.Snapshot()
	}
	return out
}

// ResetAll forces every breaker closed.
func (g *BreakerGroup) ResetAll() {
	g.mu.RLock()
	defer g.mu.RUnlock()
	for _, cb := range g.breakers {
		cb.Reset()
	}
}

type logListener struct {
	logger *slog.Logger
}

func (l *logListener) OnStateChange(name string, from, to State, reason string) {
	l.logger.Warn("circuit breaker state change",
		"breaker", name,
		"from", from.String(),
		"to", to.String(),
		"reason", reason)
}
