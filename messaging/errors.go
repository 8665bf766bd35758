package messaging

import (
	"errors"
	"fmt"

	"github.com/cleanapp/golib/internal/rabbitmq"
	"github.com/cleanapp/golib/internal/reliability"
)

// Setup, lifecycle and per-delivery errors. Struct errors returned by the
// constructors and Start match both their stage sentinel and the broker
// cause with errors.Is.
var (
	ErrConnectionFailed           = rabbitmq.ErrConnectionFailed
	ErrChannelFailed              = rabbitmq.ErrChannelFailed
	ErrExchangeDeclarationFailed  = rabbitmq.ErrExchangeDeclarationFailed
	ErrQueueDeclarationFailed     = rabbitmq.ErrQueueDeclarationFailed
	ErrQueueBindFailed            = rabbitmq.ErrQueueBindFailed
	ErrConsumerRegistrationFailed = rabbitmq.ErrConsumerRegistrationFailed
	ErrTimeout                    = rabbitmq.ErrTimeout
	ErrNoCallbackFound            = rabbitmq.ErrNoCallbackFound
	ErrChannelClosed              = rabbitmq.ErrChannelClosed
	ErrPublisherClosed            = rabbitmq.ErrPublisherClosed
	ErrSubscriberClosed           = rabbitmq.ErrSubscriberClosed
	ErrPublishNotConfirmed        = rabbitmq.ErrPublishNotConfirmed
	ErrMessageReturned            = rabbitmq.ErrMessageReturned
	ErrRetryTopologyMissing       = rabbitmq.ErrRetryTopologyMissing
	ErrInvalidConfiguration       = rabbitmq.ErrInvalidConfiguration

	ErrAlreadyStarted = errors.New("messaging: subscriber already started")
	ErrNoRoutes       = errors.New("messaging: no routes registered")
	ErrHandlerTimeout = reliability.ErrTimeout
)

type (
	ConnectionError = rabbitmq.ConnectionError
	ChannelError    = rabbitmq.ChannelError
	TopologyError   = rabbitmq.TopologyError
	ConsumerError   = rabbitmq.ConsumerError
	PublishError    = rabbitmq.PublishError
	PanicError      = reliability.PanicError
)

// PermanentError marks a callback failure that must not be retried. The
// delivery is nacked without requeue and dead-lettered by the broker if the
// queue has a dead-letter exchange.
type PermanentError struct {
	Err error
}

func (e *PermanentError) Error() string {
	return fmt.Sprintf("permanent: %v", e.Err)
}

func (e *PermanentError) Unwrap() error {
	return e.Err
}

// Permanent wraps err so the subscriber dead-letters the delivery instead of
// scheduling a retry. Permanent(nil) is nil.
func Permanent(err error) error {
	if err == nil {
		return nil
	}
	var p *PermanentError
	if errors.As(err, &p) {
		return err
	}
	return &PermanentError{Err: err}
}

// IsPermanent reports whether err, or any error it wraps, was marked Permanent
func IsPermanent(err error) bool {
	var p *PermanentError
	return errors.As(err, &p)
}
