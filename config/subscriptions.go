package config

import (
	"bytes"
	_ "embed"
	"encoding/json"
	"fmt"
	"os"
	"strings"
	"sync"
	"time"

	jschema "github.com/santhosh-tekuri/jsonschema/v6"

	"github.com/glimte/sessionq-go/queue"
	"github.com/glimte/sessionq-go/router"
)

//go:embed schema.json
var subscriptionSchema string

const subscriptionSchemaURI = "urn:sessionq:schema:subscriptions"

var compileSchema = sync.OnceValues(func() (*jschema.Schema, error) {
	doc, err := jschema.UnmarshalJSON(strings.NewReader(subscriptionSchema))
	if err != nil {
		return nil, fmt.Errorf("config: parsing embedded subscription schema: %w", err)
	}
	compiler := jschema.NewCompiler()
	if err := compiler.AddResource(subscriptionSchemaURI, doc); err != nil {
		return nil, fmt.Errorf("config: adding subscription schema resource: %w", err)
	}
	compiled, err := compiler.Compile(subscriptionSchemaURI)
	if err != nil {
		return nil, fmt.Errorf("config: compiling subscription schema: %w", err)
	}
	return compiled, nil
})

type queueSettingsEntry struct {
	MaxDeliveries     int    `json:"maxDeliveries"`
	MessageTTL        string `json:"messageTtl"`
	LockDuration      string `json:"lockDuration"`
	VisibilityTimeout string `json:"visibilityTimeout"`
	DedupWindow       string `json:"dedupWindow"`
}

type subscriptionFile struct {
	Subscriptions []router.Subscription         `json:"subscriptions"`
	Queues        map[string]queueSettingsEntry `json:"queues"`
}

// TableFile is a decoded subscriptions file: the routing table plus
// optional per-queue setting overrides keyed by queue name.
type TableFile struct {
	Subscriptions []router.Subscription
	Queues        map[string]QueueSettings
}

// LoadSubscriptions reads and validates a subscription table file,
// returning only the table entries. Use LoadTableFile to also get the
// file's per-queue overrides.
func LoadSubscriptions(path string) ([]router.Subscription, error) {
	file, err := LoadTableFile(path)
	if err != nil {
		return nil, err
	}
	return file.Subscriptions, nil
}

// ParseSubscriptions validates raw subscription JSON against the embedded
// schema and the router's semantic rules, and returns the table entries.
func ParseSubscriptions(data []byte) ([]router.Subscription, error) {
	file, err := ParseTableFile(data)
	if err != nil {
		return nil, err
	}
	return file.Subscriptions, nil
}

// LoadTableFile reads and validates a subscription table file.
func LoadTableFile(path string) (TableFile, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return TableFile{}, fmt.Errorf("config: reading subscriptions file: %w", err)
	}
	file, err := ParseTableFile(data)
	if err != nil {
		return TableFile{}, fmt.Errorf("config: %s: %w", path, err)
	}
	return file, nil
}

// ParseTableFile validates raw subscription JSON against the embedded
// schema and the router's semantic rules, and decodes the table entries
// together with any per-queue overrides from the queues section.
func ParseTableFile(data []byte) (TableFile, error) {
	schema, err := compileSchema()
	if err != nil {
		return TableFile{}, err
	}

	inst, err := jschema.UnmarshalJSON(bytes.NewReader(data))
	if err != nil {
		return TableFile{}, fmt.Errorf("invalid subscriptions JSON: %w", err)
	}
	if err := schema.Validate(inst); err != nil {
		return TableFile{}, fmt.Errorf("subscriptions rejected by schema: %w", err)
	}

	var file subscriptionFile
	if err := json.Unmarshal(data, &file); err != nil {
		return TableFile{}, fmt.Errorf("decoding subscriptions: %w", err)
	}

	// The router's table constructor enforces the semantic rules the
	// schema cannot express: pattern syntax, queue naming, duplicates.
	if _, err := router.NewTable(file.Subscriptions); err != nil {
		return TableFile{}, err
	}

	out := TableFile{Subscriptions: file.Subscriptions}
	if len(file.Queues) > 0 {
		out.Queues = make(map[string]QueueSettings, len(file.Queues))
		for name, entry := range file.Queues {
			if err := queue.ValidateQueueName(name); err != nil {
				return TableFile{}, err
			}
			settings, err := entry.toSettings()
			if err != nil {
				return TableFile{}, fmt.Errorf("queue %q: %w", name, err)
			}
			out.Queues[name] = settings
		}
	}
	return out, nil
}

func (e queueSettingsEntry) toSettings() (QueueSettings, error) {
	settings := QueueSettings{MaxDeliveries: e.MaxDeliveries}
	for _, field := range []struct {
		name string
		raw  string
		dst  *time.Duration
	}{
		{"messageTtl", e.MessageTTL, &settings.MessageTTL},
		{"lockDuration", e.LockDuration, &settings.LockDuration},
		{"visibilityTimeout", e.VisibilityTimeout, &settings.VisibilityTimeout},
		{"dedupWindow", e.DedupWindow, &settings.DedupWindow},
	} {
		if field.raw == "" {
			continue
		}
		d, err := time.ParseDuration(field.raw)
		if err != nil {
			return QueueSettings{}, fmt.Errorf("%s must be a valid duration such as 30s or 5m", field.name)
		}
		if d < 0 {
			return QueueSettings{}, fmt.Errorf("%s must not be negative", field.name)
		}
		*field.dst = d
	}
	return settings, nil
}
