package rabbitmq

import (
	"errors"
	"fmt"
	"net/url"
	"time"
)

var (
	// Setup errors, surfaced to callers of the publisher and subscriber constructors
	ErrConnectionFailed           = errors.New("rabbitmq: connection failed")
	ErrChannelFailed              = errors.New("rabbitmq: channel failed")
	ErrExchangeDeclarationFailed  = errors.New("rabbitmq: exchange declaration failed")
	ErrQueueDeclarationFailed     = errors.New("rabbitmq: queue declaration failed")
	ErrQueueBindFailed            = errors.New("rabbitmq: queue bind failed")
	ErrConsumerRegistrationFailed = errors.New("rabbitmq: consumer registration failed")
	ErrTimeout                    = errors.New("rabbitmq: timeout")

	// Per-delivery errors
	ErrNoCallbackFound = errors.New("rabbitmq: no callback registered for routing key")

	// Lifecycle errors
	ErrConnectionClosed     = errors.New("rabbitmq: connection is closed")
	ErrChannelClosed        = errors.New("rabbitmq: channel is closed")
	ErrPublisherClosed      = errors.New("rabbitmq: publisher is closed")
	ErrSubscriberClosed     = errors.New("rabbitmq: subscriber is closed")
	ErrPublishNotConfirmed  = errors.New("rabbitmq: publish not confirmed")
	ErrMessageReturned      = errors.New("rabbitmq: message returned as unroutable")
	ErrRetryTopologyMissing = errors.New("rabbitmq: retry exchange does not exist")
	ErrInvalidConfiguration = errors.New("rabbitmq: invalid configuration")
)

// ConnectionError represents a failure to dial the broker
type ConnectionError struct {
	Op        string    // Operation that failed
	URL       string    // Connection URL (sanitized)
	Err       error     // Underlying error
	Timestamp time.Time // When the error occurred
	Attempts  int       // Number of attempts made
}

func (e *ConnectionError) Error() string {
	if e.Attempts > 1 {
		return fmt.Sprintf("rabbitmq connection error: %s %s failed after %d attempts: %v", e.Op, e.URL, e.Attempts, e.Err)
	}
	return fmt.Sprintf("rabbitmq connection error: %s %s failed: %v", e.Op, e.URL, e.Err)
}

func (e *ConnectionError) Unwrap() []error {
	return []error{ErrConnectionFailed, e.Err}
}

// ChannelError represents a channel-level failure (open, qos, confirm mode)
type ChannelError struct {
	Op        string
	Err       error
	Timestamp time.Time
}

func (e *ChannelError) Error() string {
	return fmt.Sprintf("rabbitmq channel error: %s: %v", e.Op, e.Err)
}

func (e *ChannelError) Unwrap() []error {
	return []error{ErrChannelFailed, e.Err}
}

// TopologyError represents a failed exchange, queue or binding operation.
// Kind carries the taxonomy sentinel matching Component.
type TopologyError struct {
	Component string // exchange, queue, binding
	Name      string
	Op        string
	Kind      error
	Err       error
	Timestamp time.Time
}

func (e *TopologyError) Error() string {
	return fmt.Sprintf("rabbitmq topology error: failed to %s %s '%s': %v",
		e.Op, e.Component, e.Name, e.Err)
}

func (e *TopologyError) Unwrap() []error {
	return []error{e.Kind, e.Err}
}

// ConsumerError represents a failure to register a consumer on a queue
type ConsumerError struct {
	Queue       string
	ConsumerTag string
	Op          string
	Err         error
	Timestamp   time.Time
}

func (e *ConsumerError) Error() string {
	return fmt.Sprintf("rabbitmq consumer error: %s failed for consumer %s on queue %s: %v",
		e.Op, e.ConsumerTag, e.Queue, e.Err)
}

func (e *ConsumerError) Unwrap() []error {
	return []error{ErrConsumerRegistrationFailed, e.Err}
}

// PublishError represents a publish operation error
type PublishError struct {
	Exchange   string
	RoutingKey string
	Err        error
	Timestamp  time.Time
}

func (e *PublishError) Error() string {
	return fmt.Sprintf("rabbitmq publish error: failed to publish to %s/%s: %v",
		e.Exchange, e.RoutingKey, e.Err)
}

func (e *PublishError) Unwrap() error {
	return e.Err
}

func newTopologyError(component, name, op string, err error) *TopologyError {
	kind := ErrExchangeDeclarationFailed
	switch component {
	case componentQueue:
		kind = ErrQueueDeclarationFailed
	case componentBinding:
		kind = ErrQueueBindFailed
	}
	return &TopologyError{
		Component: component,
		Name:      name,
		Op:        op,
		Kind:      kind,
		Err:       err,
		Timestamp: time.Now(),
	}
}

// SanitizeURL removes the password from a broker URL so it can be logged.
func SanitizeURL(raw string) string {
	u, err := url.Parse(raw)
	if err != nil || u.Host == "" {
		return "***"
	}
	return u.Redacted()
}
