package messaging

import (
	"encoding/json"
	"fmt"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
)

// Message is one broker delivery as seen by a Callback. It is built by the
// subscriber, handed to exactly one callback invocation and dropped once the
// delivery is settled. Callbacks must treat it as read-only.
type Message struct {
	Body        []byte
	RoutingKey  string
	Exchange    string
	ContentType string
	// Timestamp is zero when the publisher did not set one
	Timestamp   time.Time
	MessageID   string
	Redelivered bool
	// Headers is a copy of the delivery headers
	Headers amqp.Table
	// RetryCount is the number of times this message went through the retry
	// exchange, read from the x-cleanapp-retry-count header
	RetryCount int

	deliveryTag uint64
}

func newMessage(d amqp.Delivery) *Message {
	return &Message{
		Body:        d.Body,
		RoutingKey:  d.RoutingKey,
		Exchange:    d.Exchange,
		ContentType: d.ContentType,
		Timestamp:   d.Timestamp,
		MessageID:   d.MessageId,
		Redelivered: d.Redelivered,
		Headers:     copyTable(d.Headers),
		RetryCount:  RetryCount(d.Headers),
		deliveryTag: d.DeliveryTag,
	}
}

// UnmarshalTo decodes the JSON body into v
func (m *Message) UnmarshalTo(v any) error {
	if err := json.Unmarshal(m.Body, v); err != nil {
		return fmt.Errorf("unmarshal %s message: %w", m.RoutingKey, err)
	}
	return nil
}

func copyTable(t amqp.Table) amqp.Table {
	if t == nil {
		return nil
	}
	out := make(amqp.Table, len(t))
	for k, v := range t {
		out[k] = v
	}
	return out
}
