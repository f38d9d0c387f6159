package sessions

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/glimte/sessionq-go/contracts"
	"github.com/glimte/sessionq-go/deadletter"
	"github.com/glimte/sessionq-go/internal/reliability"
)

const (
	// DefaultMaxDeliveries dead letters a message once its delivery
	// count passes this bound, before the handler runs again.
	DefaultMaxDeliveries = 5

	// DefaultReceiveWait is how long a worker polls for the next
	// session message before treating the session as drained.
	DefaultReceiveWait = 2 * time.Second
)

// DeadLetterer captures a failed delivery and settles it on the source
// queue. *deadletter.Manager satisfies it.
type DeadLetterer interface {
	Capture(ctx context.Context, originQueue string, rcv contracts.ReceivedMessage, cause error, options ...deadletter.CaptureOption) (deadletter.Record, error)
}

// Worker drains one session at a time: it acquires the session lock,
// keeps it renewed in the background, feeds each message through the
// middleware chain and the retryer, and settles every delivery exactly
// once.
type Worker struct {
	coordinator   *Coordinator
	chain         Handler
	retryer       *reliability.Retryer
	deadLetters   DeadLetterer
	logger        *slog.Logger
	maxDeliveries int
	receiveWait   time.Duration

	// middlewareOpts holds user middleware until NewWorker builds the
	// chain, then is cleared.
	middlewareOpts []Middleware
}

// WorkerOption configures a Worker.
type WorkerOption func(*Worker)

// WithMiddleware appends middleware to the chain, after the built-in
// recovery and logging middleware.
func WithMiddleware(mw ...Middleware) WorkerOption {
	return func(w *Worker) {
		w.middlewareOpts = append(w.middlewareOpts, mw...)
	}
}

// WithRetryer replaces the worker's retryer.
func WithRetryer(r *reliability.Retryer) WorkerOption {
	return func(w *Worker) {
		if r != nil {
			w.retryer = r
		}
	}
}

// WithDeadLetterer routes exhausted messages through a dead letter
// manager instead of the provider's raw DeadLetter operation.
func WithDeadLetterer(d DeadLetterer) WorkerOption {
	return func(w *Worker) {
		w.deadLetters = d
	}
}

// WithWorkerLogger sets the worker's logger.
func WithWorkerLogger(logger *slog.Logger) WorkerOption {
	return func(w *Worker) {
		if logger != nil {
			w.logger = logger
		}
	}
}

// WithMaxDeliveries sets the delivery count bound for the poison
// guard. Zero disables the guard.
func WithMaxDeliveries(n int) WorkerOption {
	return func(w *Worker) {
		w.maxDeliveries = n
	}
}

// WithReceiveWait sets how long each poll waits before the session
// counts as drained.
func WithReceiveWait(d time.Duration) WorkerOption {
	return func(w *Worker) {
		if d > 0 {
			w.receiveWait = d
		}
	}
}

// NewWorker builds a worker around a coordinator and a handler.
func NewWorker(coordinator *Coordinator, handler Handler, options ...WorkerOption) *Worker {
	w := &Worker{
		coordinator:   coordinator,
		retryer:       reliability.NewRetryer(),
		logger:        slog.Default(),
		maxDeliveries: DefaultMaxDeliveries,
		receiveWait:   DefaultReceiveWait,
	}
	for _, opt := range options {
		opt(w)
	}
	middleware := append([]Middleware{
		RecoveryMiddleware(w.logger),
		LoggingMiddleware(w.logger),
	}, w.middlewareOpts...)
	w.chain = buildChain(handler, middleware)
	w.middlewareOpts = nil
	return w
}

// SessionResult reports what a ProcessSession call did.
type SessionResult struct {
	Queue        string
	Key          contracts.SessionKey
	Processed    int
	DeadLettered int
	Rejected     int

	// Drained is true when the session ran out of messages, false when
	// processing stopped early (cancellation or a lost lease).
	Drained bool
}

// ProcessSession locks the session and processes its messages in
// order until it drains or ctx is cancelled. The partial result is
// returned alongside any error.
func (w *Worker) ProcessSession(ctx context.Context, queueName string, key contracts.SessionKey) (SessionResult, error) {
	result := SessionResult{Queue: queueName, Key: key}

	lease, err := w.coordinator.Acquire(ctx, queueName, key)
	if err != nil {
		return result, err
	}
	defer func() {
		if err := lease.Release(context.Background()); err != nil {
			w.logger.Warn("session release failed",
				"queue", queueName,
				"sessionKey", string(key),
				"error", err,
			)
		}
	}()

	procCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	go w.renewLoop(procCtx, lease, cancel)

	for {
		msgs, err := lease.Receive(procCtx, 1, w.receiveWait)
		switch {
		case err == nil:
		case contracts.KindOf(err) == contracts.KindSessionNotFound:
			result.Drained = true
			return result, nil
		case procCtx.Err() != nil:
			return result, w.stopCause(ctx, queueName, key)
		default:
			return result, err
		}
		if len(msgs) == 0 {
			result.Drained = true
			return result, nil
		}
		for _, msg := range msgs {
			w.processOne(procCtx, lease, msg, &result)
			if procCtx.Err() != nil {
				return result, w.stopCause(ctx, queueName, key)
			}
		}
	}
}

// stopCause explains why processing stopped early: the caller's
// cancellation, or a renewal failure that cancelled the inner context.
func (w *Worker) stopCause(ctx context.Context, queueName string, key contracts.SessionKey) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	qerr := contracts.NewQueueError(contracts.KindLeaseExpired, "process", queueName,
		errors.New("session lease could not be renewed"))
	qerr.SessionKey = key
	return qerr
}

// processOne runs one delivery through the chain and settles it. Every
// path acknowledges, rejects, or dead letters the receipt exactly once.
func (w *Worker) processOne(ctx context.Context, lease *SessionLease, msg contracts.ReceivedMessage, result *SessionResult) {
	if w.maxDeliveries > 0 && msg.DeliveryCount > w.maxDeliveries {
		cause := &contracts.QueueError{
			Kind:       contracts.KindRetryExhausted,
			Op:         "process",
			Queue:      lease.Queue(),
			SessionKey: lease.Key(),
			Err:        fmt.Errorf("delivery count %d exceeds limit %d", msg.DeliveryCount, w.maxDeliveries),
		}
		w.deadLetter(ctx, lease, msg, cause)
		result.DeadLettered++
		return
	}

	err := w.retryer.Do(ctx, "process "+lease.Queue(), func(ctx context.Context) error {
		return w.chain.Handle(ctx, msg)
	})

	switch {
	case err == nil:
		if ackErr := w.coordinator.provider.Acknowledge(ctx, msg.Receipt); ackErr != nil {
			w.logger.Warn("acknowledge failed",
				"queue", lease.Queue(),
				"messageId", msg.MessageID,
				"error", ackErr,
			)
			return
		}
		result.Processed++
	case ctx.Err() != nil:
		// Shutdown, not a handler verdict. Give the message back.
		w.reject(lease, msg)
		result.Rejected++
	case reliability.IsTerminal(err) || !contracts.IsRetryable(err):
		w.deadLetter(ctx, lease, msg, err)
		result.DeadLettered++
	default:
		w.reject(lease, msg)
		result.Rejected++
	}
}

// reject returns a delivery to its queue. It runs on a background
// context so shutdown cannot strand the receipt until the visibility
// timeout.
func (w *Worker) reject(lease *SessionLease, msg contracts.ReceivedMessage) {
	if err := w.coordinator.provider.Reject(context.Background(), msg.Receipt); err != nil {
		w.logger.Warn("reject failed",
			"queue", lease.Queue(),
			"messageId", msg.MessageID,
			"error", err,
		)
	}
}

func (w *Worker) deadLetter(ctx context.Context, lease *SessionLease, msg contracts.ReceivedMessage, cause error) {
	if w.deadLetters != nil {
		if _, err := w.deadLetters.Capture(ctx, lease.Queue(), msg, cause); err != nil {
			w.logger.Error("dead letter capture failed",
				"queue", lease.Queue(),
				"messageId", msg.MessageID,
				"error", err,
			)
		}
		return
	}
	reason := ""
	if cause != nil {
		reason = cause.Error()
	}
	if err := w.coordinator.provider.DeadLetter(ctx, msg.Receipt, reason); err != nil {
		w.logger.Error("dead letter failed",
			"queue", lease.Queue(),
			"messageId", msg.MessageID,
			"error", err,
		)
	}
}

// renewLoop extends the session lock at two thirds of its duration. A
// failed renewal cancels processing so no work runs on a lost lock.
func (w *Worker) renewLoop(ctx context.Context, lease *SessionLease, cancel context.CancelFunc) {
	interval := w.coordinator.LockDuration() * 2 / 3
	if interval <= 0 {
		interval = DefaultLockDuration * 2 / 3
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-lease.Done():
			return
		case <-ticker.C:
			if err := lease.Renew(ctx); err != nil {
				w.logger.Warn("session renewal failed, stopping",
					"queue", lease.Queue(),
					"sessionKey", string(lease.Key()),
					"error", err,
				)
				cancel()
				return
			}
		}
	}
}
