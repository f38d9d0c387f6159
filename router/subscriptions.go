package router

import (
	"fmt"
	"sort"
	"strings"

	"github.com/glimte/sessionq-go/queue"
)

// Subscription binds one event-type pattern to its target queues.
//
// Patterns are dot-separated event types with an optional trailing
// wildcard: "issues.opened" matches exactly, "issues.*" matches
// "issues" and anything under it, and "*" alone matches every type.
type Subscription struct {
	Pattern string   `json:"pattern"`
	Queues  []string `json:"queues"`
}

// Table is an immutable pattern-to-queues index. Build it once at
// startup; lookups are safe for concurrent use.
type Table struct {
	exact   map[string][]string
	prefix  map[string][]string
	all     []string
	targets []string
	size    int
}

// NewTable validates the subscriptions and builds the lookup index.
// Malformed patterns, malformed or dead-letter queue names, duplicate
// patterns, and duplicate targets within one pattern are all rejected.
func NewTable(subs []Subscription) (*Table, error) {
	t := &Table{
		exact:  make(map[string][]string),
		prefix: make(map[string][]string),
	}
	seen := make(map[string]bool, len(subs))
	targets := make(map[string]bool)

	for _, sub := range subs {
		if err := validatePattern(sub.Pattern); err != nil {
			return nil, err
		}
		if seen[sub.Pattern] {
			return nil, fmt.Errorf("router: duplicate pattern %q", sub.Pattern)
		}
		seen[sub.Pattern] = true

		if len(sub.Queues) == 0 {
			return nil, fmt.Errorf("router: pattern %q has no target queues", sub.Pattern)
		}
		queues := make([]string, 0, len(sub.Queues))
		inPattern := make(map[string]bool, len(sub.Queues))
		for _, name := range sub.Queues {
			if err := queue.ValidateQueueName(name); err != nil {
				return nil, fmt.Errorf("router: pattern %q: %w", sub.Pattern, err)
			}
			if queue.IsDeadLetterQueueName(name) {
				return nil, fmt.Errorf("router: pattern %q targets dead-letter queue %q", sub.Pattern, name)
			}
			if inPattern[name] {
				return nil, fmt.Errorf("router: pattern %q lists target %q twice", sub.Pattern, name)
			}
			inPattern[name] = true
			queues = append(queues, name)
			targets[name] = true
		}

		switch {
		case sub.Pattern == "*":
			t.all = queues
		case strings.HasSuffix(sub.Pattern, ".*"):
			t.prefix[strings.TrimSuffix(sub.Pattern, ".*")] = queues
		default:
			t.exact[sub.Pattern] = queues
		}
		t.size++
	}

	t.targets = make([]string, 0, len(targets))
	for name := range targets {
		t.targets = append(t.targets, name)
	}
	sort.Strings(t.targets)
	return t, nil
}

// validatePattern checks the pattern syntax: non-empty dot-separated
// segments, with '*' allowed only as the entire pattern or the entire
// final segment.
func validatePattern(pattern string) error {
	if pattern == "" {
		return fmt.Errorf("router: empty pattern")
	}
	if pattern == "*" {
		return nil
	}
	segments := strings.Split(pattern, ".")
	for i, seg := range segments {
		if seg == "" {
			return fmt.Errorf("router: pattern %q has an empty segment", pattern)
		}
		if strings.Contains(seg, "*") && (seg != "*" || i != len(segments)-1) {
			return fmt.Errorf("router: pattern %q: wildcard must be the final segment", pattern)
		}
	}
	return nil
}

// Resolve returns the distinct target queues subscribed to an event
// type, sorted by name. A nil result means the event is unroutable.
func (t *Table) Resolve(eventType string) []string {
	matched := make(map[string]bool)
	for _, name := range t.exact[eventType] {
		matched[name] = true
	}
	segments := strings.Split(eventType, ".")
	for i := 1; i <= len(segments); i++ {
		for _, name := range t.prefix[strings.Join(segments[:i], ".")] {
			matched[name] = true
		}
	}
	for _, name := range t.all {
		matched[name] = true
	}
	if len(matched) == 0 {
		return nil
	}
	out := make([]string, 0, len(matched))
	for name := range matched {
		out = append(out, name)
	}
	sort.Strings(out)
	return out
}

// Targets returns every distinct queue the table can route to.
func (t *Table) Targets() []string {
	out := make([]string, len(t.targets))
	copy(out, t.targets)
	return out
}

// Len returns the number of subscriptions in the table.
func (t *Table) Len() int {
	return t.size
}
