// Package metrics provides Prometheus collectors for the messaging runtime.
// Consumer implements messaging.SubscriberMetrics and Publisher implements
// messaging.PublisherMetrics; plug them in with WithSubscriberMetrics and
// WithPublisherMetrics.
package metrics

import (
	"time"

	"github.com/cleanapp/golib/messaging"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const namespace = "cleanapp"

// ProcessingBuckets are coarse on purpose; handlers range from milliseconds
// to several minutes.
var ProcessingBuckets = []float64{0.05, 0.1, 0.25, 0.5, 1, 2, 5, 10, 20, 60, 120, 300}

var (
	_ messaging.SubscriberMetrics = (*Consumer)(nil)
	_ messaging.PublisherMetrics  = (*Publisher)(nil)
)

// Consumer holds the subscriber collectors
type Consumer struct {
	Connected          prometheus.Gauge
	LastConnectSeconds prometheus.Gauge
	LastDeliverySecs   prometheus.Gauge
	InFlight           prometheus.Gauge
	DeliveriesTotal    prometheus.Counter
	ProcessedTotal     *prometheus.CounterVec
	ProcessingDuration *prometheus.HistogramVec
	AckErrorTotal      prometheus.Counter
	NackErrorTotal     prometheus.Counter
	RetryPublishErrors prometheus.Counter
	DisconnectsTotal   prometheus.Counter
	ReconnectAttempts  prometheus.Counter

	now func() time.Time
}

// NewConsumer creates the subscriber collectors under subsystem and
// registers them with reg. A nil reg leaves them unregistered.
func NewConsumer(reg prometheus.Registerer, subsystem string) *Consumer {
	f := promauto.With(reg)
	return &Consumer{
		Connected: f.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "rabbitmq_connected",
			Help:      "Whether the RabbitMQ subscriber is currently connected.",
		}),
		LastConnectSeconds: f.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "rabbitmq_last_connect_timestamp_seconds",
			Help:      "Unix timestamp of the last successful RabbitMQ connect.",
		}),
		LastDeliverySecs: f.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "rabbitmq_last_delivery_timestamp_seconds",
			Help:      "Unix timestamp of the last delivery observed by the subscriber.",
		}),
		InFlight: f.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "rabbitmq_worker_in_flight",
			Help:      "Deliveries currently being processed by workers.",
		}),
		DeliveriesTotal: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "rabbitmq_deliveries_total",
			Help:      "Deliveries received from the broker.",
		}),
		ProcessedTotal: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "rabbitmq_processed_total",
			Help:      "Deliveries processed, labeled by result.",
		}, []string{"result"}),
		ProcessingDuration: f.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "rabbitmq_processing_duration_seconds",
			Help:      "Time to process a delivery, callback plus settlement.",
			Buckets:   ProcessingBuckets,
		}, []string{"result"}),
		AckErrorTotal: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "rabbitmq_ack_error_total",
			Help:      "RabbitMQ ack errors.",
		}),
		NackErrorTotal: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "rabbitmq_nack_error_total",
			Help:      "RabbitMQ nack errors.",
		}),
		RetryPublishErrors: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "rabbitmq_retry_publish_error_total",
			Help:      "Failed publishes to the retry exchange.",
		}),
		DisconnectsTotal: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "rabbitmq_disconnects_total",
			Help:      "Times the subscriber lost its connection or channel.",
		}),
		ReconnectAttempts: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "rabbitmq_reconnect_attempts_total",
			Help:      "Reconnect attempts made by the subscriber.",
		}),
		now: time.Now,
	}
}

func (c *Consumer) OnConnected() {
	c.Connected.Set(1)
	c.LastConnectSeconds.Set(float64(c.now().Unix()))
}

func (c *Consumer) OnDisconnected(error) {
	c.Connected.Set(0)
	c.DisconnectsTotal.Inc()
}

func (c *Consumer) OnReconnecting(int) {
	c.ReconnectAttempts.Inc()
}

func (c *Consumer) DeliveryReceived() {
	c.DeliveriesTotal.Inc()
	c.LastDeliverySecs.Set(float64(c.now().Unix()))
}

func (c *Consumer) WorkerStarted()  { c.InFlight.Inc() }
func (c *Consumer) WorkerFinished() { c.InFlight.Dec() }

// ObserveOutcome counts the delivery under its outcome label
func (c *Consumer) ObserveOutcome(outcome messaging.Outcome, d time.Duration) {
	result := string(outcome)
	c.ProcessedTotal.WithLabelValues(result).Inc()
	c.ProcessingDuration.WithLabelValues(result).Observe(d.Seconds())
}

func (c *Consumer) SettleFailed(op string) {
	switch op {
	case messaging.OpAck:
		c.AckErrorTotal.Inc()
	case messaging.OpNack:
		c.NackErrorTotal.Inc()
	case messaging.OpRetryPublish:
		c.RetryPublishErrors.Inc()
	}
}

// Publisher holds the publisher collectors
type Publisher struct {
	PublishedTotal  *prometheus.CounterVec
	PublishDuration *prometheus.HistogramVec
}

// NewPublisher creates the publisher collectors under subsystem and
// registers them with reg. A nil reg leaves them unregistered.
func NewPublisher(reg prometheus.Registerer, subsystem string) *Publisher {
	f := promauto.With(reg)
	return &Publisher{
		PublishedTotal: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "rabbitmq_published_total",
			Help:      "Publish calls, labeled by exchange and status.",
		}, []string{"exchange", "status"}), // status: success, failure
		PublishDuration: f.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "rabbitmq_publish_duration_seconds",
			Help:      "Time to publish a message, including the broker confirm when enabled.",
			Buckets:   []float64{.0005, .001, .005, .01, .025, .05, .1, .25, .5, 1, 5},
		}, []string{"exchange"}),
	}
}

func (p *Publisher) ObservePublish(exchange string, err error, d time.Duration) {
	status := "success"
	if err != nil {
		status = "failure"
	}
	p.PublishedTotal.WithLabelValues(exchange, status).Inc()
	p.PublishDuration.WithLabelValues(exchange).Observe(d.Seconds())
}
