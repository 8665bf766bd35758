package interceptors

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/cleanapp/golib/messaging"
)

// Logging logs every callback invocation at debug level and failures at
// warn level
func Logging(logger *slog.Logger) messaging.Middleware {
	if logger == nil {
		logger = slog.Default()
	}
	return func(next messaging.Callback) messaging.Callback {
		return messaging.CallbackFunc(func(ctx context.Context, msg *messaging.Message) error {
			start := time.Now()
			err := next.OnMessage(ctx, msg)

			attrs := []any{
				"routing_key", msg.RoutingKey,
				"message_id", msg.MessageID,
				"retry_count", msg.RetryCount,
				"duration_ms", time.Since(start).Milliseconds(),
			}
			if err != nil {
				logger.Warn("callback failed", append(attrs, "permanent", messaging.IsPermanent(err), "error", err)...)
				return err
			}
			logger.Debug("callback succeeded", attrs...)
			return nil
		})
	}
}

// MessageValidator checks a message before the callback sees it
type MessageValidator interface {
	Validate(ctx context.Context, msg *messaging.Message) error
}

// ValidatorFunc is a function adapter for MessageValidator
type ValidatorFunc func(ctx context.Context, msg *messaging.Message) error

func (f ValidatorFunc) Validate(ctx context.Context, msg *messaging.Message) error {
	return f(ctx, msg)
}

// Validation dead-letters messages the validator rejects. A malformed
// message will not become valid on redelivery, so the failure is permanent.
func Validation(validator MessageValidator) messaging.Middleware {
	return func(next messaging.Callback) messaging.Callback {
		return messaging.CallbackFunc(func(ctx context.Context, msg *messaging.Message) error {
			if err := validator.Validate(ctx, msg); err != nil {
				return messaging.Permanent(fmt.Errorf("message validation failed: %w", err))
			}
			return next.OnMessage(ctx, msg)
		})
	}
}

// RequireJSON is a validator accepting only bodies that decode into a fresh
// value from newTarget
func RequireJSON(newTarget func() any) MessageValidator {
	return ValidatorFunc(func(_ context.Context, msg *messaging.Message) error {
		return msg.UnmarshalTo(newTarget())
	})
}
