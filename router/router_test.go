package router

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/glimte/sessionq-go/contracts"
	"github.com/glimte/sessionq-go/deadletter"
	"github.com/glimte/sessionq-go/internal/reliability"
	"github.com/glimte/sessionq-go/providers/memory"
)

type fakeSender struct {
	mu       sync.Mutex
	sent     map[string][]contracts.Message
	calls    map[string]int
	failWith map[string]error
	failLeft map[string]int
	delay    time.Duration
	inFlight int
	peak     int
	next     int
}

func newFakeSender() *fakeSender {
	return &fakeSender{
		sent:     make(map[string][]contracts.Message),
		calls:    make(map[string]int),
		failWith: make(map[string]error),
		failLeft: make(map[string]int),
	}
}

func (s *fakeSender) Send(ctx context.Context, queueName string, msg contracts.Message) (string, error) {
	s.mu.Lock()
	s.calls[queueName]++
	s.inFlight++
	if s.inFlight > s.peak {
		s.peak = s.inFlight
	}
	delay := s.delay
	s.mu.Unlock()

	if delay > 0 {
		time.Sleep(delay)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	s.inFlight--
	if n := s.failLeft[queueName]; n > 0 {
		s.failLeft[queueName] = n - 1
		return "", contracts.NewQueueError(contracts.KindConnectionFailed, "send", queueName,
			errors.New("broker unreachable"))
	}
	if err := s.failWith[queueName]; err != nil {
		return "", err
	}
	s.next++
	s.sent[queueName] = append(s.sent[queueName], msg)
	return fmt.Sprintf("m-%d", s.next), nil
}

func (s *fakeSender) callCount(queueName string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.calls[queueName]
}

func (s *fakeSender) sentTo(queueName string) []contracts.Message {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]contracts.Message(nil), s.sent[queueName]...)
}

func (s *fakeSender) heal(queueName string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.failWith, queueName)
}

func fastSendRetryer(attempts int) *reliability.Retryer {
	return reliability.NewRetryer(reliability.WithPolicy(
		reliability.NewFixedDelay(time.Millisecond, attempts)))
}

func eventFixture(id, eventType string) contracts.NormalizedEvent {
	return contracts.NormalizedEvent{
		ID:            id,
		Type:          eventType,
		Owner:         "octo",
		Repo:          "widgets",
		EntityType:    "issue",
		EntityID:      "42",
		Payload:       []byte(`{"action":"opened","issue":42}`),
		ReceivedAt:    time.Now().UTC(),
		CorrelationID: "corr-1",
	}
}

func mustTable(t *testing.T, subs ...Subscription) *Table {
	t.Helper()
	table, err := NewTable(subs)
	require.NoError(t, err)
	return table
}

func TestRouteFanout(t *testing.T) {
	ctx := context.Background()

	t.Run("delivers one copy to every subscribed queue", func(t *testing.T) {
		sender := newFakeSender()
		table := mustTable(t,
			Subscription{Pattern: "issues.*", Queues: []string{"issue-bot", "audit-log"}},
			Subscription{Pattern: "*", Queues: []string{"archive"}},
		)
		r := NewRouter(sender, table)
		defer r.Close()

		event := eventFixture("evt-001", "issues.opened")
		result, err := r.Route(ctx, event)
		require.NoError(t, err)

		wantKey := contracts.SessionKey("octo/widgets/issue/42")
		assert.Equal(t, "evt-001", result.EventID)
		assert.Equal(t, wantKey, result.SessionKey)
		require.Len(t, result.Deliveries, 3)
		for _, d := range result.Deliveries {
			assert.Equal(t, "evt-001/"+d.Target, d.DeliveryID)
			assert.NotEmpty(t, d.MessageID)
			assert.False(t, d.Duplicate)
		}

		for _, queueName := range []string{"issue-bot", "audit-log", "archive"} {
			msgs := sender.sentTo(queueName)
			require.Len(t, msgs, 1, "queue %s", queueName)
			msg := msgs[0]
			assert.Equal(t, event.Payload, msg.Body())
			assert.Equal(t, wantKey, msg.SessionKey())
			assert.Equal(t, "corr-1", msg.CorrelationID())
			attrs := msg.Attributes()
			assert.Equal(t, "evt-001", attrs[contracts.AttrEventID])
			assert.Equal(t, "issues.opened", attrs[contracts.AttrEventType])
			assert.Equal(t, "evt-001/"+queueName, attrs[contracts.AttrDeliveryID])
		}
	})

	t.Run("rejects an invalid event before any send", func(t *testing.T) {
		sender := newFakeSender()
		r := NewRouter(sender, mustTable(t,
			Subscription{Pattern: "*", Queues: []string{"archive"}}))
		defer r.Close()

		event := eventFixture("", "issues.opened")
		_, err := r.Route(ctx, event)
		assert.Equal(t, contracts.KindValidationFailed, contracts.KindOf(err))
		assert.Zero(t, sender.callCount("archive"))
	})

	t.Run("retries transient send failures within one route", func(t *testing.T) {
		sender := newFakeSender()
		sender.failLeft["flaky-bot"] = 1
		r := NewRouter(sender, mustTable(t,
			Subscription{Pattern: "issues.*", Queues: []string{"flaky-bot"}}),
			WithRetryer(fastSendRetryer(3)),
		)
		defer r.Close()

		_, err := r.Route(ctx, eventFixture("evt-002", "issues.opened"))
		require.NoError(t, err)
		assert.Equal(t, 2, sender.callCount("flaky-bot"))
	})

	t.Run("bounds concurrent target sends", func(t *testing.T) {
		sender := newFakeSender()
		sender.delay = 15 * time.Millisecond
		table := mustTable(t, Subscription{
			Pattern: "issues.*",
			Queues:  []string{"bot-a", "bot-b", "bot-c", "bot-d"},
		})
		r := NewRouter(sender, table, WithFanoutConcurrency(1))
		defer r.Close()

		_, err := r.Route(ctx, eventFixture("evt-003", "issues.opened"))
		require.NoError(t, err)
		assert.Equal(t, 1, sender.peak)
	})

	t.Run("per-target ttl is stamped on the copy", func(t *testing.T) {
		sender := newFakeSender()
		r := NewRouter(sender, mustTable(t,
			Subscription{Pattern: "*", Queues: []string{"bot-a", "bot-b"}}),
			WithMessageTTLFor(func(target string) time.Duration {
				if target == "bot-a" {
					return time.Hour
				}
				return 0
			}),
		)
		defer r.Close()

		_, err := r.Route(ctx, eventFixture("evt-005", "issues.opened"))
		require.NoError(t, err)
		require.Len(t, sender.sentTo("bot-a"), 1)
		require.Len(t, sender.sentTo("bot-b"), 1)
		assert.Equal(t, time.Hour, sender.sentTo("bot-a")[0].TTL())
		assert.Zero(t, sender.sentTo("bot-b")[0].TTL())
	})

	t.Run("cancelled context resolves nothing", func(t *testing.T) {
		sender := newFakeSender()
		r := NewRouter(sender, mustTable(t,
			Subscription{Pattern: "*", Queues: []string{"bot-a", "bot-b"}}))
		defer r.Close()

		cancelled, cancel := context.WithCancel(ctx)
		cancel()

		_, err := r.Route(cancelled, eventFixture("evt-004", "issues.opened"))
		var routingErr *RoutingError
		require.ErrorAs(t, err, &routingErr)
		assert.Len(t, routingErr.Unresolved, 2)
		assert.Zero(t, sender.callCount("bot-a"))
		assert.Zero(t, sender.callCount("bot-b"))
	})
}

func TestRouteAtomicity(t *testing.T) {
	ctx := context.Background()

	t.Run("partial failure surfaces every missing target", func(t *testing.T) {
		sender := newFakeSender()
		sender.failWith["bot-b"] = contracts.NewQueueError(
			contracts.KindValidationFailed, "send", "bot-b", errors.New("schema rejected"))
		table := mustTable(t, Subscription{
			Pattern: "issues.*",
			Queues:  []string{"bot-a", "bot-b", "bot-c"},
		})
		r := NewRouter(sender, table, WithRetryer(fastSendRetryer(3)))
		defer r.Close()

		event := eventFixture("evt-010", "issues.opened")
		result, err := r.Route(ctx, event)

		var routingErr *RoutingError
		require.ErrorAs(t, err, &routingErr)
		require.Len(t, routingErr.Unresolved, 1)
		assert.Equal(t, "bot-b", routingErr.Unresolved[0].Target)
		assert.Equal(t, "evt-010/bot-b", routingErr.Unresolved[0].DeliveryID)
		assert.Len(t, routingErr.Delivered, 2)
		assert.Len(t, result.Deliveries, 2)
		assert.Equal(t, 1, sender.callCount("bot-b"), "validation failures are not retried")

		t.Run("replay attempts exactly the missing targets", func(t *testing.T) {
			_, err := r.Route(ctx, event)
			require.ErrorAs(t, err, &routingErr)
			assert.Equal(t, 1, sender.callCount("bot-a"), "delivered target is suppressed")
			assert.Equal(t, 1, sender.callCount("bot-c"), "delivered target is suppressed")
			assert.Equal(t, 2, sender.callCount("bot-b"))

			sender.heal("bot-b")
			result, err := r.Route(ctx, event)
			require.NoError(t, err)
			require.Len(t, result.Deliveries, 3)
			duplicates := 0
			for _, d := range result.Deliveries {
				if d.Duplicate {
					duplicates++
					assert.Empty(t, d.MessageID)
				}
			}
			assert.Equal(t, 2, duplicates)
			assert.Len(t, sender.sentTo("bot-a"), 1, "exactly one copy per target")
			assert.Len(t, sender.sentTo("bot-b"), 1)
			assert.Len(t, sender.sentTo("bot-c"), 1)
		})
	})

	t.Run("disabled dedup window replays every target", func(t *testing.T) {
		sender := newFakeSender()
		r := NewRouter(sender, mustTable(t,
			Subscription{Pattern: "*", Queues: []string{"bot-a"}}),
			WithDedupWindow(0),
		)
		defer r.Close()

		event := eventFixture("evt-011", "issues.opened")
		_, err := r.Route(ctx, event)
		require.NoError(t, err)
		_, err = r.Route(ctx, event)
		require.NoError(t, err)
		assert.Equal(t, 2, sender.callCount("bot-a"))
	})

	t.Run("per-target dedup window overrides the default", func(t *testing.T) {
		sender := newFakeSender()
		r := NewRouter(sender, mustTable(t,
			Subscription{Pattern: "*", Queues: []string{"bot-a", "bot-b"}}),
			WithDedupWindow(time.Minute),
			WithDedupWindowFor(func(target string) time.Duration {
				if target == "bot-b" {
					return 0
				}
				return time.Minute
			}),
		)
		defer r.Close()

		event := eventFixture("evt-013", "issues.opened")
		_, err := r.Route(ctx, event)
		require.NoError(t, err)
		_, err = r.Route(ctx, event)
		require.NoError(t, err)
		assert.Equal(t, 1, sender.callCount("bot-a"), "suppressed within its window")
		assert.Equal(t, 2, sender.callCount("bot-b"), "zero-window target replays")
	})

	t.Run("open breaker fails fast without touching the sender", func(t *testing.T) {
		sender := newFakeSender()
		sender.failWith["bot-a"] = contracts.NewQueueError(
			contracts.KindConnectionFailed, "send", "bot-a", errors.New("broker down"))
		breakers := reliability.NewBreakerGroup(nil,
			reliability.WithFailureThreshold(2),
			reliability.WithRecoveryTimeout(time.Minute),
		)
		r := NewRouter(sender, mustTable(t,
			Subscription{Pattern: "*", Queues: []string{"bot-a"}}),
			WithRetryer(fastSendRetryer(1)),
			WithBreakerGroup(breakers),
		)
		defer r.Close()

		event := eventFixture("evt-012", "issues.opened")
		_, err := r.Route(ctx, event)
		require.Error(t, err)
		_, err = r.Route(ctx, event)
		require.Error(t, err)
		require.Equal(t, 2, sender.callCount("bot-a"))

		_, err = r.Route(ctx, event)
		assert.ErrorIs(t, err, reliability.ErrCircuitOpen)
		assert.Equal(t, 2, sender.callCount("bot-a"), "open circuit short-circuits the send")
	})
}

func TestRouteDeadLettering(t *testing.T) {
	ctx := context.Background()

	t.Run("unresolved targets are captured for replay", func(t *testing.T) {
		prov := memory.New()
		defer prov.Close()
		manager := deadletter.NewManager(prov)

		sender := newFakeSender()
		sender.failWith["bot-b"] = contracts.NewQueueError(
			contracts.KindValidationFailed, "send", "bot-b", errors.New("schema rejected"))
		table := mustTable(t, Subscription{
			Pattern: "issues.*",
			Queues:  []string{"bot-a", "bot-b"},
		})
		r := NewRouter(sender, table,
			WithRetryer(fastSendRetryer(1)),
			WithDeadLetterer(manager),
		)
		defer r.Close()

		event := eventFixture("evt-020", "issues.opened")
		_, err := r.Route(ctx, event)
		require.Error(t, err)

		delivered, err := manager.List(ctx, "bot-a", deadletter.ListOptions{})
		require.NoError(t, err)
		assert.Empty(t, delivered, "delivered targets leave no record")

		records, err := manager.List(ctx, "bot-b", deadletter.ListOptions{})
		require.NoError(t, err)
		require.Len(t, records, 1)
		rec := records[0]
		assert.Equal(t, "bot-b", rec.Queue)
		assert.Equal(t, "evt-020/bot-b", rec.MessageID)
		assert.Equal(t, event.Payload, rec.Body)
		assert.Equal(t, contracts.SessionKey("octo/widgets/issue/42"), rec.SessionKey)
		assert.Equal(t, contracts.KindValidationFailed, rec.Failure.Kind)
		assert.Equal(t, "issues.opened", rec.Meta.Tags["eventType"])

		// Requeue replays exactly the missing delivery onto the real queue.
		_, err = manager.Requeue(ctx, "bot-b", rec.ID, true)
		require.NoError(t, err)
		msgs, err := prov.ReceiveFromSession(ctx, "bot-b", rec.SessionKey, "", 1, 0)
		require.NoError(t, err)
		require.Len(t, msgs, 1)
		assert.Equal(t, event.Payload, msgs[0].Message.Body())
	})

	t.Run("unroutable events land under the reserved origin", func(t *testing.T) {
		prov := memory.New()
		defer prov.Close()
		manager := deadletter.NewManager(prov)

		sender := newFakeSender()
		r := NewRouter(sender, mustTable(t,
			Subscription{Pattern: "issues.*", Queues: []string{"issue-bot"}}),
			WithDeadLetterer(manager),
		)
		defer r.Close()

		result, err := r.Route(ctx, eventFixture("evt-021", "deployment.created"))
		require.NoError(t, err)
		assert.True(t, result.NoTargets)
		assert.Empty(t, result.Deliveries)
		assert.Zero(t, sender.callCount("issue-bot"))

		records, err := manager.List(ctx, UnroutedQueue, deadletter.ListOptions{})
		require.NoError(t, err)
		require.Len(t, records, 1)
		assert.Equal(t, "evt-021", records[0].MessageID)
		assert.Equal(t, contracts.KindValidationFailed, records[0].Failure.Kind)
		assert.Equal(t, "deployment.created", records[0].Meta.Tags["eventType"])
	})

	t.Run("no match is reported, not an error, without a manager", func(t *testing.T) {
		r := NewRouter(newFakeSender(), mustTable(t,
			Subscription{Pattern: "issues.*", Queues: []string{"issue-bot"}}))
		defer r.Close()

		result, err := r.Route(ctx, eventFixture("evt-022", "deployment.created"))
		require.NoError(t, err)
		assert.True(t, result.NoTargets)
	})
}
