package router

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"golang.org/x/sync/semaphore"

	"github.com/glimte/sessionq-go/contracts"
	"github.com/glimte/sessionq-go/deadletter"
	"github.com/glimte/sessionq-go/internal/reliability"
)

const (
	// DefaultFanoutConcurrency bounds concurrent target sends per Route call.
	DefaultFanoutConcurrency = 4

	// DefaultDedupWindow is how long delivered ids suppress replays.
	DefaultDedupWindow = 5 * time.Minute

	// UnroutedQueue is the reserved origin under which events matching no
	// subscription are dead lettered.
	UnroutedQueue = "router.unrouted"
)

// Sender is the send-side slice of the provider surface the router needs.
type Sender interface {
	Send(ctx context.Context, queueName string, msg contracts.Message) (string, error)
}

// DeadLetterer records fan-out failures for later replay.
// *deadletter.Manager satisfies it.
type DeadLetterer interface {
	Capture(ctx context.Context, originQueue string, rcv contracts.ReceivedMessage, cause error, options ...deadletter.CaptureOption) (deadletter.Record, error)
}

// Router delivers one normalized event to every subscribed queue.
type Router struct {
	sender      Sender
	table       *Table
	retryer     *reliability.Retryer
	breakers    *reliability.BreakerGroup
	dedup       *DedupWindow
	deadLetters DeadLetterer
	sem         *semaphore.Weighted
	logger      *slog.Logger
	concurrency int
	window      time.Duration
	windowFor   func(target string) time.Duration
	ttlFor      func(target string) time.Duration
}

// RouterOption configures a Router.
type RouterOption func(*Router)

// WithRouterLogger sets the logger.
func WithRouterLogger(logger *slog.Logger) RouterOption {
	return func(r *Router) {
		if logger != nil {
			r.logger = logger
		}
	}
}

// WithRetryer replaces the per-target send retryer.
func WithRetryer(retryer *reliability.Retryer) RouterOption {
	return func(r *Router) {
		if retryer != nil {
			r.retryer = retryer
		}
	}
}

// WithBreakerGroup replaces the per-target circuit breakers.
func WithBreakerGroup(breakers *reliability.BreakerGroup) RouterOption {
	return func(r *Router) {
		if breakers != nil {
			r.breakers = breakers
		}
	}
}

// WithDedupWindow sets the duplicate-suppression window. Zero disables
// suppression.
func WithDedupWindow(window time.Duration) RouterOption {
	return func(r *Router) {
		r.window = window
	}
}

// WithDedupWindowFor resolves the dedup window per target queue. The
// resolved value replaces the default window for that target, zero
// disabling suppression there.
func WithDedupWindowFor(fn func(target string) time.Duration) RouterOption {
	return func(r *Router) {
		r.windowFor = fn
	}
}

// WithMessageTTLFor resolves a per-target time-to-live stamped on each
// outgoing copy. Zero leaves the queue default in force.
func WithMessageTTLFor(fn func(target string) time.Duration) RouterOption {
	return func(r *Router) {
		r.ttlFor = fn
	}
}

// WithDeadLetterer records unresolved targets with a dead letter manager.
func WithDeadLetterer(d DeadLetterer) RouterOption {
	return func(r *Router) {
		r.deadLetters = d
	}
}

// WithFanoutConcurrency bounds concurrent target sends.
func WithFanoutConcurrency(n int) RouterOption {
	return func(r *Router) {
		if n > 0 {
			r.concurrency = n
		}
	}
}

// NewRouter builds a router over a validated subscription table.
func NewRouter(sender Sender, table *Table, options ...RouterOption) *Router {
	r := &Router{
		sender:      sender,
		table:       table,
		logger:      slog.Default(),
		concurrency: DefaultFanoutConcurrency,
		window:      DefaultDedupWindow,
	}
	for _, opt := range options {
		opt(r)
	}
	if r.retryer == nil {
		r.retryer = reliability.NewRetryer(reliability.WithPolicy(
			reliability.NewExponentialBackoff(100*time.Millisecond, 2*time.Second, 2.0, 3)))
	}
	if r.breakers == nil {
		r.breakers = reliability.NewBreakerGroup(r.logger)
	}
	r.dedup = NewDedupWindow(r.window)
	r.sem = semaphore.NewWeighted(int64(r.concurrency))
	return r
}

// Close stops the dedup window's background sweep.
func (r *Router) Close() error {
	r.dedup.Close()
	return nil
}

// Table returns the subscription table the router serves.
func (r *Router) Table() *Table {
	return r.table
}

// Delivery describes one target of a fan-out.
type Delivery struct {
	Target     string
	DeliveryID string

	// MessageID is the provider-assigned id, empty for suppressed
	// duplicates.
	MessageID string

	// Duplicate marks a send skipped because the dedup window already
	// saw its delivery id.
	Duplicate bool
}

// Result reports a fan-out. On failure it holds the partial state
// alongside the returned RoutingError.
type Result struct {
	EventID    string
	SessionKey contracts.SessionKey
	Deliveries []Delivery

	// NoTargets marks an event no subscription matches. The event was
	// captured under UnroutedQueue for inspection, not delivered.
	NoTargets bool
}

// TargetError is one target still owed its copy of an event.
type TargetError struct {
	Target     string
	DeliveryID string
	Err        error
}

// RoutingError reports a fan-out that could not deliver everywhere. The
// event must not be treated as routed: Unresolved lists every target
// still owed a copy, Delivered the targets that already have theirs and
// will be skipped on replay.
type RoutingError struct {
	EventID    string
	Delivered  []Delivery
	Unresolved []TargetError
}

// Error implements the error interface.
func (e *RoutingError) Error() string {
	targets := make([]string, len(e.Unresolved))
	for i, te := range e.Unresolved {
		targets[i] = te.Target
	}
	return fmt.Sprintf("router: event %s undelivered to %d of %d targets: %s",
		e.EventID, len(e.Unresolved), len(e.Unresolved)+len(e.Delivered), strings.Join(targets, ", "))
}

// Unwrap exposes the per-target errors to errors.Is and errors.As.
func (e *RoutingError) Unwrap() []error {
	errs := make([]error, len(e.Unresolved))
	for i, te := range e.Unresolved {
		errs[i] = te.Err
	}
	return errs
}

// Route delivers the event to every queue subscribed to its type. All
// targets share one session key derived from the event's entity, so
// consumers of different queues see the same entity in the same order.
//
// Replays are safe: delivery ids derive from the event id, and targets
// delivered within the dedup window are skipped, so retrying a failed
// fan-out attempts exactly the missing targets.
func (r *Router) Route(ctx context.Context, event contracts.NormalizedEvent) (Result, error) {
	result := Result{EventID: event.ID}
	if err := event.Validate(); err != nil {
		return result, err
	}

	targets := r.table.Resolve(event.Type)
	if len(targets) == 0 {
		r.unrouted(ctx, event)
		result.NoTargets = true
		return result, nil
	}

	key := event.DeriveKey()
	result.SessionKey = key

	type outcome struct {
		delivery Delivery
		err      error
	}
	outcomes := make([]outcome, len(targets))
	var wg sync.WaitGroup
	for i, target := range targets {
		deliveryID := event.ID + "/" + target
		if r.dedup.Seen(deliveryID) {
			outcomes[i] = outcome{delivery: Delivery{Target: target, DeliveryID: deliveryID, Duplicate: true}}
			r.logger.Debug("duplicate delivery suppressed",
				"eventId", event.ID,
				"target", target,
			)
			continue
		}
		if err := r.sem.Acquire(ctx, 1); err != nil {
			outcomes[i] = outcome{delivery: Delivery{Target: target, DeliveryID: deliveryID}, err: err}
			continue
		}
		wg.Add(1)
		go func(i int, target, deliveryID string) {
			defer wg.Done()
			defer r.sem.Release(1)
			messageID, err := r.send(ctx, target, r.buildMessage(event, key, deliveryID, r.messageTTLFor(target)))
			if err != nil {
				outcomes[i] = outcome{delivery: Delivery{Target: target, DeliveryID: deliveryID}, err: err}
				return
			}
			r.dedup.RecordTTL(deliveryID, r.dedupWindowFor(target))
			outcomes[i] = outcome{delivery: Delivery{Target: target, DeliveryID: deliveryID, MessageID: messageID}}
		}(i, target, deliveryID)
	}
	wg.Wait()

	var unresolved []TargetError
	for _, oc := range outcomes {
		if oc.err != nil {
			unresolved = append(unresolved, TargetError{
				Target:     oc.delivery.Target,
				DeliveryID: oc.delivery.DeliveryID,
				Err:        oc.err,
			})
			continue
		}
		result.Deliveries = append(result.Deliveries, oc.delivery)
	}

	if len(unresolved) == 0 {
		r.logger.Debug("event routed",
			"eventId", event.ID,
			"eventType", event.Type,
			"sessionKey", string(key),
			"targets", len(targets),
		)
		return result, nil
	}

	r.captureUnresolved(ctx, event, key, unresolved)
	routingErr := &RoutingError{EventID: event.ID, Delivered: result.Deliveries, Unresolved: unresolved}
	r.logger.Error("fan-out failed",
		"eventId", event.ID,
		"eventType", event.Type,
		"unresolved", len(unresolved),
		"targets", len(targets),
		"error", errors.Join(routingErr.Unwrap()...),
	)
	return result, routingErr
}

// send pushes one copy to one target under the retryer and the target's
// circuit breaker.
func (r *Router) send(ctx context.Context, target string, msg contracts.Message) (string, error) {
	var messageID string
	err := r.retryer.Do(ctx, "send "+target, func(ctx context.Context) error {
		return r.breakers.Execute(ctx, target, func() error {
			var sendErr error
			messageID, sendErr = r.sender.Send(ctx, target, msg)
			return sendErr
		})
	})
	if err != nil {
		return "", err
	}
	return messageID, nil
}

// dedupWindowFor resolves the suppression window for one target.
func (r *Router) dedupWindowFor(target string) time.Duration {
	if r.windowFor != nil {
		return r.windowFor(target)
	}
	return r.window
}

// messageTTLFor resolves the per-copy time-to-live for one target.
func (r *Router) messageTTLFor(target string) time.Duration {
	if r.ttlFor != nil {
		return r.ttlFor(target)
	}
	return 0
}

func (r *Router) buildMessage(event contracts.NormalizedEvent, key contracts.SessionKey, deliveryID string, ttl time.Duration) contracts.Message {
	opts := []contracts.MessageOption{
		contracts.WithAttribute(contracts.AttrEventID, event.ID),
		contracts.WithAttribute(contracts.AttrEventType, event.Type),
		contracts.WithAttribute(contracts.AttrDeliveryID, deliveryID),
	}
	if ttl > 0 {
		opts = append(opts, contracts.WithTTL(ttl))
	}
	if !key.IsZero() {
		opts = append(opts, contracts.WithSessionKey(key))
	}
	if event.CorrelationID != "" {
		opts = append(opts, contracts.WithCorrelationID(event.CorrelationID))
	}
	if event.TraceID != "" {
		opts = append(opts, contracts.WithAttribute(contracts.AttrTraceID, event.TraceID))
	}
	return contracts.NewMessage(event.Payload, opts...)
}

// captureUnresolved records one dead letter per missing target, filed
// under that target's queue so a requeue replays exactly the missing
// delivery.
func (r *Router) captureUnresolved(ctx context.Context, event contracts.NormalizedEvent, key contracts.SessionKey, unresolved []TargetError) {
	if r.deadLetters == nil {
		return
	}
	for _, te := range unresolved {
		rcv := contracts.ReceivedMessage{
			Message:   r.buildMessage(event, key, te.DeliveryID, 0),
			MessageID: te.DeliveryID,
		}
		_, err := r.deadLetters.Capture(ctx, te.Target, rcv, te.Err,
			deadletter.WithTags(map[string]string{"eventType": event.Type}))
		if err != nil {
			r.logger.Error("failed to record unresolved target",
				"eventId", event.ID,
				"target", te.Target,
				"error", err,
			)
		}
	}
}

// unrouted handles an event no subscription matches: logged and dead
// lettered under the reserved unrouted origin so operators can inspect
// and replay it once a subscription exists. Not an error to the caller.
func (r *Router) unrouted(ctx context.Context, event contracts.NormalizedEvent) {
	cause := &contracts.QueueError{
		Kind:  contracts.KindValidationFailed,
		Op:    "route",
		Queue: UnroutedQueue,
		Err:   fmt.Errorf("no subscription matches event type %q", event.Type),
	}
	r.logger.Warn("event matched no subscription",
		"eventId", event.ID,
		"eventType", event.Type,
	)
	if r.deadLetters != nil {
		rcv := contracts.ReceivedMessage{
			Message:   r.buildMessage(event, event.DeriveKey(), event.ID+"/"+UnroutedQueue, 0),
			MessageID: event.ID,
		}
		if _, err := r.deadLetters.Capture(ctx, UnroutedQueue, rcv, cause,
			deadletter.WithTags(map[string]string{"eventType": event.Type})); err != nil {
			r.logger.Error("failed to record unrouted event",
				"eventId", event.ID,
				"error", err,
			)
		}
	}
}
