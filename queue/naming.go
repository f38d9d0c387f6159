package queue

import (
	"errors"
	"fmt"
	"strings"

	"github.com/glimte/sessionq-go/contracts"
)

// MaxQueueNameLength bounds queue names across all backends.
const MaxQueueNameLength = 200

// DeadLetterSuffix is appended to an origin queue name to derive its
// dead-letter destination.
const DeadLetterSuffix = ".dlq"

// ErrInvalidQueueName is wrapped into every queue-name validation failure.
var ErrInvalidQueueName = errors.New("queue: invalid queue name")

// ValidateQueueName checks the cross-provider naming rules: 1 to 200
// characters, lowercase letters, digits, and the separators '-', '_', '.',
// with no leading or trailing separator.
func ValidateQueueName(name string) error {
	if name == "" {
		return invalidName(name, "empty name")
	}
	if len(name) > MaxQueueNameLength {
		return invalidName(name, fmt.Sprintf("length %d exceeds %d", len(name), MaxQueueNameLength))
	}
	for i := 0; i < len(name); i++ {
		c := name[i]
		switch {
		case c >= 'a' && c <= 'z', c >= '0' && c <= '9':
		case c == '-' || c == '_' || c == '.':
			if i == 0 || i == len(name)-1 {
				return invalidName(name, "leading or trailing separator")
			}
		default:
			return invalidName(name, fmt.Sprintf("character %q not allowed", c))
		}
	}
	return nil
}

// DeadLetterQueueName derives the dead-letter destination for an origin
// queue. The mapping is deterministic: one origin always maps to the same
// dead-letter name.
func DeadLetterQueueName(origin string) string {
	return origin + DeadLetterSuffix
}

// IsDeadLetterQueueName reports whether a name addresses a dead-letter
// destination. Such names are rejected as routing targets.
func IsDeadLetterQueueName(name string) bool {
	return strings.HasSuffix(name, DeadLetterSuffix)
}

// CheckSendable runs the validations shared by every adapter's send path:
// queue name rules, the backend's size limit, and session key wire rules.
func CheckSendable(caps Capabilities, queueName string, msg contracts.Message) error {
	if err := ValidateQueueName(queueName); err != nil {
		return &contracts.QueueError{
			Kind:  contracts.KindValidationFailed,
			Op:    "send",
			Queue: queueName,
			Err:   err,
		}
	}
	if caps.MaxMessageSize > 0 && msg.Size() > caps.MaxMessageSize {
		return &contracts.QueueError{
			Kind:  contracts.KindMessageTooLarge,
			Op:    "send",
			Queue: queueName,
			Err:   fmt.Errorf("body is %d bytes, provider limit is %d", msg.Size(), caps.MaxMessageSize),
		}
	}
	if err := msg.SessionKey().Validate(); err != nil {
		return err
	}
	return nil
}

func invalidName(name, reason string) error {
	return fmt.Errorf("%w %q: %s", ErrInvalidQueueName, name, reason)
}
