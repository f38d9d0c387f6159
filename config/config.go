package config

import (
	"fmt"
	"log/slog"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"

	"github.com/glimte/sessionq-go/queue"
)

// Provider names accepted by Runtime.Provider.
const (
	ProviderMemory = "memory"
	ProviderAMQP   = "amqp"
	ProviderKafka  = "kafka"
)

// Runtime captures every runtime setting of the queue runtime. All values
// come from the environment; Load applies defaults and Validate rejects
// inconsistent combinations before any backend is dialed.
type Runtime struct {
	Provider string
	LogLevel string

	AMQP  AMQPConfig
	Kafka KafkaConfig

	// Defaults apply to every queue without an override.
	Defaults QueueSettings

	// Queues holds per-queue overrides. Zero fields of an entry fall
	// back to Defaults. Populated programmatically or from the
	// subscriptions file's queues section.
	Queues map[string]QueueSettings

	Retry      RetrySettings
	DeadLetter DeadLetterSettings
	Fanout     FanoutSettings
}

// AMQPConfig holds broker settings for the AMQP provider.
type AMQPConfig struct {
	URL             string
	PrefetchCount   int
	ChannelPoolSize int
}

// KafkaConfig holds broker settings for the Kafka provider.
type KafkaConfig struct {
	Brokers []string
	GroupID string
}

// QueueSettings are the per-queue operational defaults.
type QueueSettings struct {
	// MaxDeliveries dead letters a message after this many deliveries.
	// Zero disables the guard.
	MaxDeliveries int

	// MessageTTL expires undelivered messages. Zero keeps them forever.
	MessageTTL time.Duration

	// LockDuration is the session lease length.
	LockDuration time.Duration

	// VisibilityTimeout is how long a delivery stays invisible before it
	// returns to the queue unacknowledged.
	VisibilityTimeout time.Duration

	// DedupWindow is how long the router remembers delivery ids for
	// duplicate suppression. Zero disables suppression.
	DedupWindow time.Duration
}

// Merge fills the zero fields of s from defaults and returns the result.
func (s QueueSettings) Merge(defaults QueueSettings) QueueSettings {
	if s.MaxDeliveries == 0 {
		s.MaxDeliveries = defaults.MaxDeliveries
	}
	if s.MessageTTL == 0 {
		s.MessageTTL = defaults.MessageTTL
	}
	if s.LockDuration == 0 {
		s.LockDuration = defaults.LockDuration
	}
	if s.VisibilityTimeout == 0 {
		s.VisibilityTimeout = defaults.VisibilityTimeout
	}
	if s.DedupWindow == 0 {
		s.DedupWindow = defaults.DedupWindow
	}
	return s
}

// RetrySettings shape the exponential backoff of the retry engine.
type RetrySettings struct {
	MaxAttempts  int
	InitialDelay time.Duration
	MaxDelay     time.Duration
	Multiplier   float64
}

// DeadLetterSettings control the dead letter store.
type DeadLetterSettings struct {
	// Retention bounds how long records are kept. Zero keeps them forever.
	Retention time.Duration

	// StoreDir is the on-disk store location. Empty selects the in-memory
	// store.
	StoreDir string
}

// FanoutSettings shape the router.
type FanoutSettings struct {
	Concurrency       int
	SubscriptionsFile string
}

// QueueSettingsFor resolves the effective settings for one queue:
// the queue's override entry merged over the defaults.
func (c *Runtime) QueueSettingsFor(queue string) QueueSettings {
	return c.Queues[queue].Merge(c.Defaults)
}

// Load reads environment variables (a .env file is honored when present),
// applies defaults, and validates the result.
func Load() (*Runtime, error) {
	_ = godotenv.Load()

	ldr := &envLoader{}

	cfg := &Runtime{}
	cfg.Provider = ldr.getString("SESSIONQ_PROVIDER", ProviderMemory, false)
	cfg.LogLevel = ldr.getString("SESSIONQ_LOG_LEVEL", "info", false)

	cfg.AMQP.URL = ldr.getString("SESSIONQ_AMQP_URL", "", false)
	cfg.AMQP.PrefetchCount = ldr.getInt("SESSIONQ_AMQP_PREFETCH", 10, false)
	cfg.AMQP.ChannelPoolSize = ldr.getInt("SESSIONQ_AMQP_CHANNEL_POOL", 5, false)

	cfg.Kafka.Brokers = ldr.getStringSlice("SESSIONQ_KAFKA_BROKERS", false)
	cfg.Kafka.GroupID = ldr.getString("SESSIONQ_KAFKA_GROUP", "sessionq", false)

	cfg.Defaults.MaxDeliveries = ldr.getInt("SESSIONQ_MAX_DELIVERIES", 5, false)
	cfg.Defaults.MessageTTL = ldr.getDuration("SESSIONQ_MESSAGE_TTL", 0, false)
	cfg.Defaults.LockDuration = ldr.getDuration("SESSIONQ_LOCK_DURATION", 30*time.Second, false)
	cfg.Defaults.VisibilityTimeout = ldr.getDuration("SESSIONQ_VISIBILITY_TIMEOUT", 30*time.Second, false)
	cfg.Defaults.DedupWindow = ldr.getDuration("SESSIONQ_DEDUP_WINDOW", 5*time.Minute, false)

	cfg.Retry.MaxAttempts = ldr.getInt("SESSIONQ_RETRY_MAX_ATTEMPTS", 5, false)
	cfg.Retry.InitialDelay = ldr.getDuration("SESSIONQ_RETRY_INITIAL_DELAY", 100*time.Millisecond, false)
	cfg.Retry.MaxDelay = ldr.getDuration("SESSIONQ_RETRY_MAX_DELAY", 10*time.Second, false)
	cfg.Retry.Multiplier = ldr.getFloat("SESSIONQ_RETRY_MULTIPLIER", 2.0, false)

	cfg.DeadLetter.Retention = ldr.getDuration("SESSIONQ_DLQ_RETENTION", 7*24*time.Hour, false)
	cfg.DeadLetter.StoreDir = ldr.getString("SESSIONQ_DLQ_STORE_DIR", "", false)

	cfg.Fanout.Concurrency = ldr.getInt("SESSIONQ_FANOUT_CONCURRENCY", 4, false)
	cfg.Fanout.SubscriptionsFile = ldr.getString("SESSIONQ_SUBSCRIPTIONS_FILE", "", false)

	if err := ldr.validate(); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks cross-field consistency.
func (c *Runtime) Validate() error {
	var errs []string

	switch c.Provider {
	case ProviderMemory:
	case ProviderAMQP:
		if c.AMQP.URL == "" {
			errs = append(errs, "SESSIONQ_AMQP_URL is required for the amqp provider")
		}
		if c.AMQP.PrefetchCount < 1 {
			errs = append(errs, "SESSIONQ_AMQP_PREFETCH must be at least 1")
		}
		if c.AMQP.ChannelPoolSize < 1 {
			errs = append(errs, "SESSIONQ_AMQP_CHANNEL_POOL must be at least 1")
		}
	case ProviderKafka:
		if len(c.Kafka.Brokers) == 0 {
			errs = append(errs, "SESSIONQ_KAFKA_BROKERS is required for the kafka provider")
		}
		if c.Kafka.GroupID == "" {
			errs = append(errs, "SESSIONQ_KAFKA_GROUP must not be empty")
		}
	default:
		errs = append(errs, fmt.Sprintf("unknown provider %q", c.Provider))
	}

	if _, err := ParseLevel(c.LogLevel); err != nil {
		errs = append(errs, err.Error())
	}
	if c.Defaults.MaxDeliveries < 0 {
		errs = append(errs, "SESSIONQ_MAX_DELIVERIES must not be negative")
	}
	if c.Defaults.MessageTTL < 0 {
		errs = append(errs, "SESSIONQ_MESSAGE_TTL must not be negative")
	}
	if c.Defaults.LockDuration <= 0 {
		errs = append(errs, "SESSIONQ_LOCK_DURATION must be positive")
	}
	if c.Defaults.VisibilityTimeout <= 0 {
		errs = append(errs, "SESSIONQ_VISIBILITY_TIMEOUT must be positive")
	}
	if c.Defaults.DedupWindow < 0 {
		errs = append(errs, "SESSIONQ_DEDUP_WINDOW must not be negative")
	}
	for name, settings := range c.Queues {
		if err := queue.ValidateQueueName(name); err != nil {
			errs = append(errs, err.Error())
			continue
		}
		if settings.MaxDeliveries < 0 || settings.MessageTTL < 0 ||
			settings.LockDuration < 0 || settings.VisibilityTimeout < 0 ||
			settings.DedupWindow < 0 {
			errs = append(errs, fmt.Sprintf("queue %q: settings must not be negative", name))
		}
	}
	if c.Retry.MaxAttempts < 1 {
		errs = append(errs, "SESSIONQ_RETRY_MAX_ATTEMPTS must be at least 1")
	}
	if c.Retry.InitialDelay <= 0 {
		errs = append(errs, "SESSIONQ_RETRY_INITIAL_DELAY must be positive")
	}
	if c.Retry.MaxDelay < c.Retry.InitialDelay {
		errs = append(errs, "SESSIONQ_RETRY_MAX_DELAY must not undercut the initial delay")
	}
	if c.Retry.Multiplier < 1 {
		errs = append(errs, "SESSIONQ_RETRY_MULTIPLIER must be at least 1")
	}
	if c.DeadLetter.Retention < 0 {
		errs = append(errs, "SESSIONQ_DLQ_RETENTION must not be negative")
	}
	if c.Fanout.Concurrency < 1 {
		errs = append(errs, "SESSIONQ_FANOUT_CONCURRENCY must be at least 1")
	}

	if len(errs) > 0 {
		return fmt.Errorf("config validation failed: %s", strings.Join(errs, "; "))
	}
	return nil
}

// ParseLevel maps a configured log level name to a slog level.
func ParseLevel(name string) (slog.Level, error) {
	switch strings.ToLower(name) {
	case "debug":
		return slog.LevelDebug, nil
	case "info", "":
		return slog.LevelInfo, nil
	case "warn", "warning":
		return slog.LevelWarn, nil
	case "error":
		return slog.LevelError, nil
	}
	return slog.LevelInfo, fmt.Errorf("unknown log level %q", name)
}

type envLoader struct {
	errs []string
}

func (l *envLoader) validate() error {
	if len(l.errs) == 0 {
		return nil
	}
	return fmt.Errorf("config validation failed: %s", strings.Join(l.errs, "; "))
}

func (l *envLoader) getString(key, def string, required bool) string {
	if val, ok := os.LookupEnv(key); ok {
		val = strings.TrimSpace(val)
		if val == "" {
			if required {
				l.addError(fmt.Sprintf("%s is required", key))
			}
			return def
		}
		return val
	}
	if required {
		l.addError(fmt.Sprintf("%s is required", key))
	}
	return def
}

func (l *envLoader) getInt(key string, def int, required bool) int {
	raw := l.getString(key, "", required)
	if raw == "" {
		return def
	}
	i, err := strconv.Atoi(raw)
	if err != nil {
		l.addError(fmt.Sprintf("%s must be a valid integer", key))
		return def
	}
	return i
}

func (l *envLoader) getFloat(key string, def float64, required bool) float64 {
	raw := l.getString(key, "", required)
	if raw == "" {
		return def
	}
	f, err := strconv.ParseFloat(raw, 64)
	if err != nil {
		l.addError(fmt.Sprintf("%s must be a valid number", key))
		return def
	}
	return f
}

func (l *envLoader) getDuration(key string, def time.Duration, required bool) time.Duration {
	raw := l.getString(key, "", required)
	if raw == "" {
		return def
	}
	d, err := time.ParseDuration(raw)
	if err != nil {
		l.addError(fmt.Sprintf("%s must be a valid duration such as 30s or 5m", key))
		return def
	}
	return d
}

func (l *envLoader) getStringSlice(key string, required bool) []string {
	raw := l.getString(key, "", required)
	if raw == "" {
		return nil
	}
	var out []string
	for _, p := range strings.Split(raw, ",") {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	if required && len(out) == 0 {
		l.addError(fmt.Sprintf("%s must contain at least one entry", key))
	}
	return out
}

func (l *envLoader) addError(err string) {
	l.errs = append(l.errs, err)
}
