package sessions

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/glimte/sessionq-go/contracts"
)

// Handler processes one delivery of a session.
type Handler interface {
	Handle(ctx context.Context, msg contracts.ReceivedMessage) error
}

// HandlerFunc is a function adapter for Handler.
type HandlerFunc func(ctx context.Context, msg contracts.ReceivedMessage) error

// Handle implements Handler.
func (f HandlerFunc) Handle(ctx context.Context, msg contracts.ReceivedMessage) error {
	return f(ctx, msg)
}

// Middleware wraps message handling. It runs before the handler and
// decides whether to call next.
type Middleware func(ctx context.Context, msg contracts.ReceivedMessage, next Handler) error

// RecoveryMiddleware converts handler panics into errors so a poison
// message cannot take the worker down with it.
func RecoveryMiddleware(logger *slog.Logger) Middleware {
	return func(ctx context.Context, msg contracts.ReceivedMessage, next Handler) (err error) {
		defer func() {
			if r := recover(); r != nil {
				logger.Error("handler panic recovered",
					"messageId", msg.MessageID,
					"sessionKey", string(msg.Message.SessionKey()),
					"panic", r,
				)
				err = fmt.Errorf("handler panic: %v", r)
			}
		}()
		return next.Handle(ctx, msg)
	}
}

// LoggingMiddleware logs each handled message with its outcome and
// duration.
func LoggingMiddleware(logger *slog.Logger) Middleware {
	return func(ctx context.Context, msg contracts.ReceivedMessage, next Handler) error {
		start := time.Now()
		err := next.Handle(ctx, msg)
		if err != nil {
			logger.Error("message handling failed",
				"messageId", msg.MessageID,
				"sessionKey", string(msg.Message.SessionKey()),
				"deliveryCount", msg.DeliveryCount,
				"duration", time.Since(start),
				"error", err,
			)
			return err
		}
		logger.Debug("message handled",
			"messageId", msg.MessageID,
			"sessionKey", string(msg.Message.SessionKey()),
			"duration", time.Since(start),
		)
		return nil
	}
}

// buildChain wires middleware around a handler, first middleware
// outermost.
func buildChain(handler Handler, middleware []Middleware) Handler {
	result := handler
	for i := len(middleware) - 1; i >= 0; i-- {
		mw := middleware[i]
		next := result
		result = HandlerFunc(func(ctx context.Context, msg contracts.ReceivedMessage) error {
			return mw(ctx, msg, next)
		})
	}
	return result
}
