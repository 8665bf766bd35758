package health

import (
	"context"
	"errors"
	"time"

	"github.com/cleanapp/golib/messaging"
)

// SubscriberState is the read-only view of a messaging.Subscriber the
// checker needs
type SubscriberState interface {
	IsConnected() bool
	LastConnectAt() time.Time
	LastDeliveryAt() time.Time
	LastError() error
	Exchange() string
	Queue() string
}

// SubscriberChecker reports unhealthy while the subscriber has no consuming
// session.
type SubscriberChecker struct {
	subscriber SubscriberState
	// MaxIdle, when set, degrades a connected subscriber whose last delivery
	// is older than MaxIdle. Subscribers that never received anything are
	// not degraded.
	MaxIdle time.Duration

	now func() time.Time
}

func NewSubscriberChecker(subscriber SubscriberState) *SubscriberChecker {
	return &SubscriberChecker{subscriber: subscriber, now: time.Now}
}

func (c *SubscriberChecker) Name() string { return "rabbitmq_subscriber" }

func (c *SubscriberChecker) Check(_ context.Context) CheckResult {
	start := c.now()
	s := c.subscriber
	res := CheckResult{
		Name:      c.Name(),
		Timestamp: start,
		Details: map[string]any{
			"exchange":  s.Exchange(),
			"queue":     s.Queue(),
			"connected": s.IsConnected(),
		},
	}
	if t := s.LastConnectAt(); !t.IsZero() {
		res.Details["last_connect_at"] = t.UTC().Format(time.RFC3339)
	}
	lastDelivery := s.LastDeliveryAt()
	if !lastDelivery.IsZero() {
		res.Details["last_delivery_at"] = lastDelivery.UTC().Format(time.RFC3339)
	}
	if err := s.LastError(); err != nil {
		res.Error = err.Error()
	}

	switch {
	case !s.IsConnected():
		res.Status = StatusUnhealthy
		res.Message = "subscriber is not connected"
	case c.MaxIdle > 0 && !lastDelivery.IsZero() && start.Sub(lastDelivery) > c.MaxIdle:
		res.Status = StatusDegraded
		res.Message = "no deliveries within " + c.MaxIdle.String()
	default:
		res.Status = StatusHealthy
		res.Message = "subscriber is consuming"
	}
	res.Duration = c.now().Sub(start)
	return res
}

// PublisherState is the read-only view of a messaging.Publisher
type PublisherState interface {
	IsConnected() bool
	Exchange() string
}

// PublisherChecker reports unhealthy once the publisher channel is gone.
// Publishers do not reconnect, so this stays unhealthy until restart.
type PublisherChecker struct {
	publisher PublisherState
}

func NewPublisherChecker(publisher PublisherState) *PublisherChecker {
	return &PublisherChecker{publisher: publisher}
}

func (c *PublisherChecker) Name() string { return "rabbitmq_publisher" }

func (c *PublisherChecker) Check(_ context.Context) CheckResult {
	start := time.Now()
	res := CheckResult{
		Name:      c.Name(),
		Timestamp: start,
		Status:    StatusHealthy,
		Message:   "publisher channel is open",
		Details:   map[string]any{"exchange": c.publisher.Exchange()},
	}
	if !c.publisher.IsConnected() {
		res.Status = StatusUnhealthy
		res.Message = "publisher channel is closed"
	}
	res.Duration = time.Since(start)
	return res
}

// RetryTopologyVerifier is implemented by messaging.Subscriber
type RetryTopologyVerifier interface {
	VerifyRetryTopology() error
	RetryExchange() string
}

// RetryTopologyChecker reports degraded when the retry exchange is missing:
// the subscriber keeps consuming but transient failures are requeued on the
// origin queue instead of being delayed.
type RetryTopologyChecker struct {
	verifier RetryTopologyVerifier
}

func NewRetryTopologyChecker(verifier RetryTopologyVerifier) *RetryTopologyChecker {
	return &RetryTopologyChecker{verifier: verifier}
}

func (c *RetryTopologyChecker) Name() string { return "rabbitmq_retry_topology" }

func (c *RetryTopologyChecker) Check(ctx context.Context) CheckResult {
	start := time.Now()
	res := CheckResult{
		Name:      c.Name(),
		Timestamp: start,
		Details:   map[string]any{"retry_exchange": c.verifier.RetryExchange()},
	}

	done := make(chan error, 1)
	go func() { done <- c.verifier.VerifyRetryTopology() }()

	var err error
	select {
	case err = <-done:
	case <-ctx.Done():
		err = ctx.Err()
	}

	switch {
	case err == nil:
		res.Status = StatusHealthy
		res.Message = "retry exchange exists"
	case errors.Is(err, messaging.ErrRetryTopologyMissing):
		res.Status = StatusDegraded
		res.Message = "retry exchange is missing"
		res.Error = err.Error()
	default:
		res.Status = StatusUnhealthy
		res.Message = "could not inspect retry exchange"
		res.Error = err.Error()
	}
	res.Duration = time.Since(start)
	return res
}
