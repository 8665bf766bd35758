package messaging

import (
	"time"

	"github.com/cleanapp/golib/internal/rabbitmq"
)

// ConnectionStateListener receives subscriber connection state changes
type ConnectionStateListener = rabbitmq.ConnectionStateListener

// Outcome is the settlement decision taken for one delivery
type Outcome string

const (
	OutcomeSuccess        Outcome = "success"
	OutcomeRetry          Outcome = "retry"
	OutcomeRequeue        Outcome = "requeue"
	OutcomeRetryExhausted Outcome = "retry_exhausted"
	OutcomePermanent      Outcome = "permanent_error"
	OutcomePanic          Outcome = "panic"
	OutcomeNoCallback     Outcome = "no_callback"
)

// Action is the broker operation that settled the delivery
func (o Outcome) Action() string {
	switch o {
	case OutcomeSuccess, OutcomeRetry:
		return "ack"
	default:
		return "nack"
	}
}

// Requeue reports whether the delivery went back to its origin queue
func (o Outcome) Requeue() bool {
	return o == OutcomeRequeue
}

// Settlement operations reported to SubscriberMetrics.SettleFailed
const (
	OpAck          = "ack"
	OpNack         = "nack"
	OpRetryPublish = "retry_publish"
)

// SubscriberMetrics observes the consumer runtime. The metrics package
// provides a Prometheus implementation.
type SubscriberMetrics interface {
	ConnectionStateListener
	DeliveryReceived()
	WorkerStarted()
	WorkerFinished()
	ObserveOutcome(outcome Outcome, d time.Duration)
	SettleFailed(op string)
}

// PublisherMetrics observes publish calls
type PublisherMetrics interface {
	ObservePublish(exchange string, err error, d time.Duration)
}

type noopSubscriberMetrics struct{}

func (noopSubscriberMetrics) OnConnected()                          {}
func (noopSubscriberMetrics) OnDisconnected(error)                  {}
func (noopSubscriberMetrics) OnReconnecting(int)                    {}
func (noopSubscriberMetrics) DeliveryReceived()                     {}
func (noopSubscriberMetrics) WorkerStarted()                        {}
func (noopSubscriberMetrics) WorkerFinished()                       {}
func (noopSubscriberMetrics) ObserveOutcome(Outcome, time.Duration) {}
func (noopSubscriberMetrics) SettleFailed(string)                   {}

type noopPublisherMetrics struct{}

func (noopPublisherMetrics) ObservePublish(string, error, time.Duration) {}
