package messaging

import (
	"log/slog"
	"time"

	"github.com/cleanapp/golib/internal/rabbitmq"
	"github.com/cleanapp/golib/internal/reliability"
)

const (
	DefaultConcurrency            = 20
	DefaultMaxRetries             = 10
	DefaultInitialConnectAttempts = 10
	DefaultPublishTimeout         = 60 * time.Second
	DefaultShutdownTimeout        = 30 * time.Second

	maxPrefetch = 65535
)

// RetryTopologyCheck selects what Start does when the retry exchange is missing
type RetryTopologyCheck int

const (
	// RetryTopologyWarn logs a warning and keeps consuming
	RetryTopologyWarn RetryTopologyCheck = iota
	// RetryTopologyIgnore skips the check
	RetryTopologyIgnore
	// RetryTopologyRequire makes Start fail with ErrRetryTopologyMissing
	RetryTopologyRequire
)

func (c RetryTopologyCheck) String() string {
	switch c {
	case RetryTopologyIgnore:
		return "ignore"
	case RetryTopologyRequire:
		return "require"
	default:
		return "warn"
	}
}

// ParseRetryTopologyCheck parses "ignore", "warn" or "require"
func ParseRetryTopologyCheck(s string) (RetryTopologyCheck, bool) {
	switch s {
	case "ignore", "off":
		return RetryTopologyIgnore, true
	case "warn", "":
		return RetryTopologyWarn, true
	case "require", "strict":
		return RetryTopologyRequire, true
	default:
		return RetryTopologyWarn, false
	}
}

// SubscriberOption configures the Subscriber
type SubscriberOption func(*Subscriber)

// WithConcurrency sets the worker pool size and the channel prefetch count
func WithConcurrency(n int) SubscriberOption {
	return func(s *Subscriber) {
		if n > 0 {
			s.concurrency = n
		}
	}
}

// WithMaxRetries sets how many retry cycles a message may go through before
// a transient failure dead-letters it
func WithMaxRetries(n int) SubscriberOption {
	return func(s *Subscriber) {
		if n >= 0 {
			s.maxRetries = n
		}
	}
}

// WithRetryExchangePrefix sets the prefix of the per-queue retry exchange
func WithRetryExchangePrefix(prefix string) SubscriberOption {
	return func(s *Subscriber) {
		s.retryPrefix = prefix
	}
}

// WithHandlerTimeout bounds each callback invocation. A callback still
// running after d counts as a transient failure; its eventual result is
// discarded. Zero disables the timeout.
func WithHandlerTimeout(d time.Duration) SubscriberOption {
	return func(s *Subscriber) {
		if d >= 0 {
			s.handlerTimeout = d
		}
	}
}

// WithReconnectBackoff sets the delay schedule between reconnect attempts
func WithReconnectBackoff(initial, max time.Duration) SubscriberOption {
	return func(s *Subscriber) {
		s.reconnect = reliability.Backoff{Initial: initial, Max: max}
	}
}

// WithInitialConnectAttempts bounds the retries of the first dial.
// Zero or less retries until the constructor context is done.
func WithInitialConnectAttempts(n int) SubscriberOption {
	return func(s *Subscriber) {
		s.initialAttempts = n
	}
}

// WithRetryTopologyCheck sets the startup check of the retry exchange
func WithRetryTopologyCheck(check RetryTopologyCheck) SubscriberOption {
	return func(s *Subscriber) {
		s.topologyCheck = check
	}
}

// WithSubscriberLogger sets the logger
func WithSubscriberLogger(logger *slog.Logger) SubscriberOption {
	return func(s *Subscriber) {
		if logger != nil {
			s.logger = logger
		}
	}
}

// WithSubscriberMetrics sets the metrics collector
func WithSubscriberMetrics(m SubscriberMetrics) SubscriberOption {
	return func(s *Subscriber) {
		if m != nil {
			s.metrics = m
		}
	}
}

// WithStateListener registers a listener for connection state changes
func WithStateListener(l ConnectionStateListener) SubscriberOption {
	return func(s *Subscriber) {
		if l != nil {
			s.listeners = append(s.listeners, l)
		}
	}
}

// WithMiddleware wraps every registered callback
func WithMiddleware(mw ...Middleware) SubscriberOption {
	return func(s *Subscriber) {
		s.middleware = append(s.middleware, mw...)
	}
}

// WithConsumerTag sets the consumer tag reported to the broker
func WithConsumerTag(tag string) SubscriberOption {
	return func(s *Subscriber) {
		if tag != "" {
			s.consumerTag = tag
		}
	}
}

// WithShutdownTimeout bounds the drain performed by Run when its context ends
func WithShutdownTimeout(d time.Duration) SubscriberOption {
	return func(s *Subscriber) {
		if d > 0 {
			s.shutdownTimeout = d
		}
	}
}

func withSubscriberDialer(dial rabbitmq.Dialer) SubscriberOption {
	return func(s *Subscriber) {
		s.dial = dial
	}
}

// PublisherOption configures the Publisher
type PublisherOption func(*Publisher)

// WithPublisherLogger sets the logger
func WithPublisherLogger(logger *slog.Logger) PublisherOption {
	return func(p *Publisher) {
		if logger != nil {
			p.logger = logger
		}
	}
}

// WithPublishTimeout sets the timeout applied to publishes whose context has
// no deadline
func WithPublishTimeout(d time.Duration) PublisherOption {
	return func(p *Publisher) {
		if d > 0 {
			p.timeout = d
		}
	}
}

// WithConfirms puts the channel in confirm mode; every publish then waits
// for the broker ack
func WithConfirms() PublisherOption {
	return func(p *Publisher) {
		p.confirms = true
	}
}

// WithPublisherMetrics sets the metrics collector
func WithPublisherMetrics(m PublisherMetrics) PublisherOption {
	return func(p *Publisher) {
		if m != nil {
			p.metrics = m
		}
	}
}

func withPublisherDialer(dial rabbitmq.Dialer) PublisherOption {
	return func(p *Publisher) {
		p.dial = dial
	}
}
