package amqp

import (
	"context"
	"errors"

	amqp091 "github.com/rabbitmq/amqp091-go"

	"github.com/glimte/sessionq-go/contracts"
	amqpconn "github.com/glimte/sessionq-go/internal/amqp"
)

// classify wraps a broker or plumbing error into the common taxonomy.
// Errors already carrying a classification and context errors pass
// through unchanged.
func classify(op, queueName string, key contracts.SessionKey, err error) error {
	if err == nil {
		return nil
	}
	var qerr *contracts.QueueError
	if errors.As(err, &qerr) {
		return err
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return err
	}
	return &contracts.QueueError{
		Kind:       kindOfBrokerError(err),
		Op:         op,
		Queue:      queueName,
		SessionKey: key,
		Err:        err,
	}
}

// kindOfBrokerError maps amqp091 reply codes and the plumbing sentinels
// onto error kinds. Anything unrecognized stays KindUnknown, which the
// retry engine treats as retryable.
func kindOfBrokerError(err error) contracts.ErrorKind {
	var ae *amqp091.Error
	if errors.As(err, &ae) {
		switch ae.Code {
		case amqp091.NotFound:
			return contracts.KindQueueNotFound
		case amqp091.ResourceLocked:
			return contracts.KindSessionLocked
		case amqp091.AccessRefused, amqp091.NotAllowed:
			return contracts.KindUnauthorized
		case amqp091.PreconditionFailed:
			return contracts.KindValidationFailed
		case amqp091.ContentTooLarge:
			return contracts.KindMessageTooLarge
		case amqp091.FrameError, amqp091.SyntaxError, amqp091.UnexpectedFrame:
			return contracts.KindMalformedMessage
		default:
			return contracts.KindConnectionFailed
		}
	}
	switch {
	case errors.Is(err, amqp091.ErrClosed),
		errors.Is(err, amqpconn.ErrNotConnected),
		errors.Is(err, amqpconn.ErrClosed),
		errors.Is(err, amqpconn.ErrPoolClosed):
		return contracts.KindConnectionFailed
	case errors.Is(err, amqpconn.ErrPoolExhausted):
		return contracts.KindRateLimited
	}
	return contracts.KindUnknown
}

// isResourceLocked reports whether err is the broker refusing access to
// an exclusive queue owned by another connection.
func isResourceLocked(err error) bool {
	var ae *amqp091.Error
	return errors.As(err, &ae) && ae.Code == amqp091.ResourceLocked
}

// isNotFound reports whether err is the broker's 404 for a passive
// declare of an absent queue.
func isNotFound(err error) bool {
	var ae *amqp091.Error
	return errors.As(err, &ae) && ae.Code == amqp091.NotFound
}
