package kafka

import (
	"context"
	"errors"

	"github.com/IBM/sarama"

	"github.com/glimte/sessionq-go/contracts"
)

// classify wraps a sarama or plumbing error into the common taxonomy.
// Errors already carrying a classification and context errors pass
// through unchanged.
func classify(op, topic string, key contracts.SessionKey, err error) error {
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
		Kind:       kindOfKafkaError(err),
		Op:         op,
		Queue:      topic,
		SessionKey: key,
		Err:        err,
	}
}

// kindOfKafkaError maps broker reply codes and the sarama sentinels onto
// error kinds. Anything unrecognized stays KindUnknown, which the retry
// engine treats as retryable.
func kindOfKafkaError(err error) contracts.ErrorKind {
	if kerr, ok := asKError(err); ok {
		switch kerr {
		case sarama.ErrUnknownTopicOrPartition:
			return contracts.KindQueueNotFound
		case sarama.ErrInvalidTopic:
			return contracts.KindValidationFailed
		case sarama.ErrMessageSizeTooLarge, sarama.ErrInvalidMessageSize:
			return contracts.KindMessageTooLarge
		case sarama.ErrInvalidMessage:
			return contracts.KindMalformedMessage
		case sarama.ErrTopicAuthorizationFailed,
			sarama.ErrGroupAuthorizationFailed,
			sarama.ErrClusterAuthorizationFailed,
			sarama.ErrSASLAuthenticationFailed:
			return contracts.KindUnauthorized
		case sarama.ErrRequestTimedOut:
			return contracts.KindTimeout
		case sarama.ErrThrottlingQuotaExceeded:
			return contracts.KindRateLimited
		case sarama.ErrLeaderNotAvailable,
			sarama.ErrNotLeaderForPartition,
			sarama.ErrBrokerNotAvailable,
			sarama.ErrNetworkException:
			return contracts.KindConnectionFailed
		default:
			return contracts.KindUnknown
		}
	}
	switch {
	case errors.Is(err, sarama.ErrOutOfBrokers),
		errors.Is(err, sarama.ErrClosedClient),
		errors.Is(err, sarama.ErrClosedConsumerGroup),
		errors.Is(err, sarama.ErrNotConnected),
		errors.Is(err, errProviderClosed):
		return contracts.KindConnectionFailed
	}
	return contracts.KindUnknown
}

// asKError digs the broker reply code out of err, unwrapping the
// *TopicError shape the admin API returns.
func asKError(err error) (sarama.KError, bool) {
	var terr *sarama.TopicError
	if errors.As(err, &terr) {
		return terr.Err, true
	}
	var kerr sarama.KError
	if errors.As(err, &kerr) {
		return kerr, true
	}
	return sarama.ErrNoError, false
}

// isTopicExists reports whether a create failed only because the topic
// is already there.
func isTopicExists(err error) bool {
	kerr, ok := asKError(err)
	return ok && kerr == sarama.ErrTopicAlreadyExists
}
