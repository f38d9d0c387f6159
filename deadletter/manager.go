package deadletter

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"time"

	"github.com/glimte/sessionq-go/contracts"
	"github.com/glimte/sessionq-go/internal/reliability"
)

// DefaultRetention is how long captured records are kept before
// CleanupExpired may remove them.
const DefaultRetention = 7 * 24 * time.Hour

// listPageSize bounds how many records bulk operations load per store call.
const listPageSize = 100

// MessageQueue is the slice of a queue provider the manager needs:
// re-sending original messages and settling captured deliveries.
// queue.Provider implementations satisfy it.
type MessageQueue interface {
	Send(ctx context.Context, queueName string, msg contracts.Message) (string, error)
	Acknowledge(ctx context.Context, receipt contracts.ReceiptHandle) error
}

// Manager captures terminally failed messages into a Store and replays
// them on demand. The store is the durable source of truth; the provider
// level dead-letter queue only keeps a raw copy for backend tooling.
type Manager struct {
	queue     MessageQueue
	store     Store
	logger    *slog.Logger
	retention time.Duration
}

// ManagerOption configures a Manager.
type ManagerOption func(*Manager)

// WithStore sets the record store. Defaults to an in-memory store.
func WithStore(store Store) ManagerOption {
	return func(m *Manager) {
		m.store = store
	}
}

// WithManagerLogger sets the logger.
func WithManagerLogger(logger *slog.Logger) ManagerOption {
	return func(m *Manager) {
		m.logger = logger
	}
}

// WithRetention sets how long captured records are retained before
// CleanupExpired may remove them. Zero disables expiry.
func WithRetention(d time.Duration) ManagerOption {
	return func(m *Manager) {
		m.retention = d
	}
}

// NewManager creates a dead-letter manager on top of a queue provider.
func NewManager(q MessageQueue, options ...ManagerOption) *Manager {
	m := &Manager{
		queue:     q,
		logger:    slog.Default(),
		retention: DefaultRetention,
	}
	for _, opt := range options {
		opt(m)
	}
	if m.store == nil {
		m.store = NewMemoryStore()
	}
	return m
}

// Store returns the underlying record store.
func (m *Manager) Store() Store {
	return m.store
}

// FailureOf extracts a FailureInfo from a terminal error, including the
// per-attempt history when the error came out of a retry loop.
func FailureOf(cause error) FailureInfo {
	info := FailureInfo{
		Kind:     contracts.KindOf(cause),
		FailedAt: time.Now().UTC(),
	}
	if cause != nil {
		info.Message = cause.Error()
		info.Attempts = reliability.AttemptsOf(cause)
	}
	return info
}

// CaptureOption adjusts a single capture.
type CaptureOption func(*Record)

// WithTags attaches free-form tags to the captured record.
func WithTags(tags map[string]string) CaptureOption {
	return func(r *Record) {
		if r.Meta.Tags == nil {
			r.Meta.Tags = make(map[string]string, len(tags))
		}
		for k, v := range tags {
			r.Meta.Tags[k] = v
		}
	}
}

// WithExpiry overrides the manager retention for this record.
func WithExpiry(at time.Time) CaptureOption {
	return func(r *Record) {
		r.Meta.ExpiresAt = at
	}
}

// Capture stores the failed delivery as a dead-letter record and settles it
// on the source queue so it stops being redelivered. The record keeps the
// message's SessionKey, so a later requeue re-enters the same session.
//
// Deliveries with a zero receipt (messages that never reached a consumer,
// such as fan-out sends that exhausted their retries) are stored without
// settling.
func (m *Manager) Capture(ctx context.Context, originQueue string, rcv contracts.ReceivedMessage, cause error, options ...CaptureOption) (Record, error) {
	rec := NewRecord(originQueue, rcv, FailureOf(cause))
	rec.Meta.DeadLetteredAt = time.Now().UTC()
	if m.retention > 0 {
		rec.Meta.ExpiresAt = rec.Meta.DeadLetteredAt.Add(m.retention)
	}
	for _, opt := range options {
		opt(&rec)
	}

	if err := m.store.Put(ctx, rec); err != nil {
		m.logger.Error("dead letter capture failed",
			"queue", originQueue,
			"messageId", rcv.MessageID,
			"error", err,
		)
		return Record{}, fmt.Errorf("store dead letter for %s: %w", originQueue, err)
	}

	m.logger.Info("message dead lettered",
		"queue", originQueue,
		"dlq", rec.DLQ,
		"recordId", rec.ID,
		"messageId", rcv.MessageID,
		"sessionKey", string(rec.SessionKey),
		"deliveryCount", rcv.DeliveryCount,
		"kind", rec.Failure.Kind.String(),
	)

	if !rcv.Receipt.IsZero() {
		if err := m.queue.Acknowledge(ctx, rcv.Receipt); err != nil {
			// The record is stored; a redelivery would capture a duplicate
			// rather than lose the message.
			m.logger.Warn("dead letter stored but source settle failed",
				"queue", originQueue,
				"recordId", rec.ID,
				"error", err,
			)
			return rec, fmt.Errorf("settle dead-lettered message on %s: %w", originQueue, err)
		}
	}
	return rec, nil
}

// Get returns a single record.
func (m *Manager) Get(ctx context.Context, originQueue, id string) (Record, error) {
	return m.store.Get(ctx, originQueue, id)
}

// List pages through a queue's records in capture order.
func (m *Manager) List(ctx context.Context, originQueue string, opts ListOptions) ([]Record, error) {
	return m.store.List(ctx, originQueue, opts)
}

// Queues returns the origin queues that currently hold records.
func (m *Manager) Queues(ctx context.Context) ([]string, error) {
	return m.store.Queues(ctx)
}

// Requeue re-sends a dead-lettered message to its origin queue with the
// original body and attributes intact, then removes the record. With
// resetDeliveryCount the message restarts its delivery accounting at one;
// without it the prior delivery count travels along as an attribute.
// It returns the message id assigned by the new send.
func (m *Manager) Requeue(ctx context.Context, originQueue, id string, resetDeliveryCount bool) (string, error) {
	rec, err := m.store.Get(ctx, originQueue, id)
	if err != nil {
		return "", err
	}
	return m.requeueRecord(ctx, rec, resetDeliveryCount)
}

// RequeueAll replays every record for the queue, oldest first. It keeps
// going past individual failures and returns how many were requeued
// together with the joined errors.
func (m *Manager) RequeueAll(ctx context.Context, originQueue string, resetDeliveryCount bool) (int, error) {
	return m.RequeueMatching(ctx, originQueue, nil, resetDeliveryCount)
}

// RequeueMatching replays the records accepted by match, oldest first.
// A nil match accepts everything.
func (m *Manager) RequeueMatching(ctx context.Context, originQueue string, match func(Record) bool, resetDeliveryCount bool) (int, error) {
	var (
		requeued int
		errs     []error
		cursor   string
	)
	for {
		if err := ctx.Err(); err != nil {
			errs = append(errs, err)
			break
		}
		page, err := m.store.List(ctx, originQueue, ListOptions{AfterID: cursor, Limit: listPageSize})
		if err != nil {
			errs = append(errs, err)
			break
		}
		if len(page) == 0 {
			break
		}
		cursor = page[len(page)-1].ID
		for _, rec := range page {
			if match != nil && !match(rec) {
				continue
			}
			if _, err := m.requeueRecord(ctx, rec, resetDeliveryCount); err != nil {
				errs = append(errs, fmt.Errorf("requeue %s: %w", rec.ID, err))
				continue
			}
			requeued++
		}
	}
	return requeued, errors.Join(errs...)
}

func (m *Manager) requeueRecord(ctx context.Context, rec Record, resetDeliveryCount bool) (string, error) {
	msg := rec.OriginalMessage()
	if !resetDeliveryCount {
		msg = contracts.NewMessage(rec.Body,
			contracts.WithAttributes(rec.Attributes),
			contracts.WithSessionKey(rec.SessionKey),
			contracts.WithCorrelationID(rec.CorrelationID),
			contracts.WithAttribute(contracts.AttrPriorDeliveries, strconv.Itoa(rec.DeliveryCount)),
		)
	}

	newID, err := m.queue.Send(ctx, rec.Queue, msg)
	if err != nil {
		return "", fmt.Errorf("send to %s: %w", rec.Queue, err)
	}

	if err := m.store.Delete(ctx, rec.Queue, rec.ID); err != nil && !errors.Is(err, ErrRecordNotFound) {
		// Leaving the record behind risks a duplicate replay, which beats
		// losing track of it.
		m.logger.Error("requeued message but record cleanup failed",
			"queue", rec.Queue,
			"recordId", rec.ID,
			"messageId", newID,
			"error", err,
		)
	}

	m.logger.Info("dead letter requeued",
		"queue", rec.Queue,
		"recordId", rec.ID,
		"messageId", newID,
		"resetDeliveryCount", resetDeliveryCount,
	)
	return newID, nil
}

// CleanupExpired deletes the queue's records whose retention elapsed.
// It returns how many records were removed.
func (m *Manager) CleanupExpired(ctx context.Context, originQueue string) (int, error) {
	expired, err := m.store.Expired(ctx, originQueue, time.Now().UTC())
	if err != nil {
		return 0, err
	}
	var (
		removed int
		errs    []error
	)
	for _, rec := range expired {
		if err := m.store.Delete(ctx, originQueue, rec.ID); err != nil && !errors.Is(err, ErrRecordNotFound) {
			errs = append(errs, fmt.Errorf("delete %s: %w", rec.ID, err))
			continue
		}
		removed++
	}
	if removed > 0 {
		m.logger.Info("expired dead letters removed",
			"queue", originQueue,
			"removed", removed,
		)
	}
	return removed, errors.Join(errs...)
}
