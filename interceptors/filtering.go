package interceptors

import (
	"context"
	"fmt"
	"slices"

	"github.com/cleanapp/golib/messaging"
)

// MessageFilter decides whether a message reaches the callback
type MessageFilter interface {
	ShouldProcess(ctx context.Context, msg *messaging.Message) (bool, error)
}

// MessageFilterFunc is a function adapter for MessageFilter
type MessageFilterFunc func(ctx context.Context, msg *messaging.Message) (bool, error)

func (f MessageFilterFunc) ShouldProcess(ctx context.Context, msg *messaging.Message) (bool, error) {
	return f(ctx, msg)
}

// SkipBehavior is the settlement of a filtered out message
type SkipBehavior int

const (
	// SkipAck acknowledges the message without calling the callback
	SkipAck SkipBehavior = iota
	// SkipDeadLetter dead-letters the message
	SkipDeadLetter
)

// Filter skips messages the filter rejects. A filter error is transient.
func Filter(filter MessageFilter, skip SkipBehavior) messaging.Middleware {
	return func(next messaging.Callback) messaging.Callback {
		return messaging.CallbackFunc(func(ctx context.Context, msg *messaging.Message) error {
			ok, err := filter.ShouldProcess(ctx, msg)
			if err != nil {
				return fmt.Errorf("filter error: %w", err)
			}
			if ok {
				return next.OnMessage(ctx, msg)
			}
			if skip == SkipDeadLetter {
				return messaging.Permanent(fmt.Errorf("message filtered: routing_key=%s, id=%s", msg.RoutingKey, msg.MessageID))
			}
			return nil
		})
	}
}

// All passes a message only when every filter passes it
func All(filters ...MessageFilter) MessageFilter {
	return MessageFilterFunc(func(ctx context.Context, msg *messaging.Message) (bool, error) {
		for _, f := range filters {
			ok, err := f.ShouldProcess(ctx, msg)
			if err != nil || !ok {
				return false, err
			}
		}
		return true, nil
	})
}

// Any passes a message when at least one filter passes it
func Any(filters ...MessageFilter) MessageFilter {
	return MessageFilterFunc(func(ctx context.Context, msg *messaging.Message) (bool, error) {
		for _, f := range filters {
			ok, err := f.ShouldProcess(ctx, msg)
			if err != nil {
				return false, err
			}
			if ok {
				return true, nil
			}
		}
		return false, nil
	})
}

// RoutingKeys passes messages published with one of keys
func RoutingKeys(keys ...string) MessageFilter {
	return MessageFilterFunc(func(_ context.Context, msg *messaging.Message) (bool, error) {
		return slices.Contains(keys, msg.RoutingKey), nil
	})
}

// HeaderEquals passes messages whose header key renders as value
func HeaderEquals(key, value string) MessageFilter {
	return MessageFilterFunc(func(_ context.Context, msg *messaging.Message) (bool, error) {
		v, ok := msg.Headers[key]
		if !ok {
			return false, nil
		}
		return fmt.Sprint(v) == value, nil
	})
}

// MaxRetryCount passes messages that went through the retry exchange at
// most n times
func MaxRetryCount(n int) MessageFilter {
	return MessageFilterFunc(func(_ context.Context, msg *messaging.Message) (bool, error) {
		return msg.RetryCount <= n, nil
	})
}
