package messaging

import (
	"context"
	"fmt"
	"math"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/cleanapp/golib/internal/rabbitmq"
	amqp "github.com/rabbitmq/amqp091-go"
)

const (
	// RetryCountHeader carries the number of retry cycles a message has been through
	RetryCountHeader = "x-cleanapp-retry-count"
	// DefaultRetryExchangePrefix is prepended to the queue name to form the retry exchange
	DefaultRetryExchangePrefix = "cleanapp-retry."
)

// RetryExchangeName returns the retry exchange for queue
func RetryExchangeName(prefix, queue string) string {
	return prefix + queue
}

// RetryCount reads the retry counter from delivery headers. Missing or
// malformed values count as 0; negative values clamp to 0.
func RetryCount(headers amqp.Table) int {
	if headers == nil {
		return 0
	}
	var n int64
	switch v := headers[RetryCountHeader].(type) {
	case int:
		n = int64(v)
	case int8:
		n = int64(v)
	case int16:
		n = int64(v)
	case int32:
		n = int64(v)
	case int64:
		n = v
	case uint8:
		n = int64(v)
	case uint16:
		n = int64(v)
	case uint32:
		n = int64(v)
	case uint64:
		if v > math.MaxInt32 {
			return math.MaxInt32
		}
		n = int64(v)
	case string:
		parsed, err := strconv.ParseInt(strings.TrimSpace(v), 10, 64)
		if err != nil {
			return 0
		}
		n = parsed
	default:
		return 0
	}
	if n < 0 {
		return 0
	}
	if n > math.MaxInt32 {
		return math.MaxInt32
	}
	return int(n)
}

// WithRetryCount returns a copy of headers with the retry counter set to n.
// The input table is not modified.
func WithRetryCount(headers amqp.Table, n int) amqp.Table {
	out := make(amqp.Table, len(headers)+1)
	for k, v := range headers {
		out[k] = v
	}
	if n < 0 {
		n = 0
	}
	if n > math.MaxInt32 {
		n = math.MaxInt32
	}
	out[RetryCountHeader] = int32(n)
	return out
}

// RetryScheduler republishes transiently failed deliveries to the retry
// exchange of a queue. The exchange, a delay queue bound to it and a
// dead-letter route back to the origin queue are provisioned outside this
// module.
//
// Copies go out on a dedicated channel in confirm mode with the mandatory
// flag set, so a missing exchange, an unbound exchange and a broker nack all
// surface as errors instead of closing the consumer channel or losing the
// copy. Publishes are serialized; each waits for its own confirmation.
type RetryScheduler struct {
	exchange string

	mu       sync.Mutex
	conn     rabbitmq.Connection
	ch       rabbitmq.Channel
	confirms chan amqp.Confirmation
	returns  chan amqp.Return
	seq      uint64
}

// NewRetryScheduler creates a scheduler for queue using prefix
func NewRetryScheduler(prefix, queue string) *RetryScheduler {
	return &RetryScheduler{exchange: RetryExchangeName(prefix, queue)}
}

// Exchange returns the retry exchange name
func (r *RetryScheduler) Exchange() string {
	return r.exchange
}

// Attach points the scheduler at the connection of a new session. The
// confirm channel is opened on first use.
func (r *RetryScheduler) Attach(conn rabbitmq.Connection) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.resetLocked()
	r.conn = conn
}

// Detach closes the confirm channel and forgets the connection
func (r *RetryScheduler) Detach() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.resetLocked()
	r.conn = nil
}

func (r *RetryScheduler) resetLocked() {
	if r.ch != nil {
		_ = r.ch.Close()
	}
	r.ch, r.confirms, r.returns, r.seq = nil, nil, nil, 0
}

func (r *RetryScheduler) channelLocked() (rabbitmq.Channel, error) {
	if r.ch != nil && !r.ch.IsClosed() {
		return r.ch, nil
	}
	r.resetLocked()

	ch, err := rabbitmq.OpenChannel(r.conn)
	if err != nil {
		return nil, err
	}
	if err := ch.Confirm(false); err != nil {
		_ = ch.Close()
		return nil, &ChannelError{Op: "confirm", Err: err, Timestamp: time.Now()}
	}
	r.confirms = ch.NotifyPublish(make(chan amqp.Confirmation, 1))
	r.returns = ch.NotifyReturn(make(chan amqp.Return, 1))
	r.ch = ch
	return ch, nil
}

// Schedule publishes a copy of d carrying retry count next under the
// original routing key and waits for the broker to confirm it. Body and
// message properties are preserved. Any error means the copy may not have
// been stored and the original must stay on its queue.
func (r *RetryScheduler) Schedule(ctx context.Context, d amqp.Delivery, next int) error {
	msg := amqp.Publishing{
		Headers:         WithRetryCount(d.Headers, next),
		ContentType:     d.ContentType,
		ContentEncoding: d.ContentEncoding,
		DeliveryMode:    d.DeliveryMode,
		Priority:        d.Priority,
		CorrelationId:   d.CorrelationId,
		ReplyTo:         d.ReplyTo,
		MessageId:       d.MessageId,
		Timestamp:       d.Timestamp,
		Type:            d.Type,
		AppId:           d.AppId,
		Body:            d.Body,
	}
	if msg.DeliveryMode == 0 {
		msg.DeliveryMode = amqp.Persistent
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	ch, err := r.channelLocked()
	if err != nil {
		return r.publishError(d.RoutingKey, err)
	}
	if err := ch.PublishWithContext(ctx, r.exchange, d.RoutingKey, true, false, msg); err != nil {
		r.resetLocked()
		return r.publishError(d.RoutingKey, mapContextErr(err))
	}
	r.seq++
	if err := r.awaitLocked(ctx, r.seq); err != nil {
		return r.publishError(d.RoutingKey, err)
	}
	return nil
}

// awaitLocked waits for the confirmation of seq. The broker sends basic.return
// before the ack of an unroutable mandatory message, so a return is already
// buffered by the time its ack arrives. Failures other than a return leave
// the channel in an unknown state and discard it.
func (r *RetryScheduler) awaitLocked(ctx context.Context, seq uint64) error {
	var returned *amqp.Return
	for {
		select {
		case ret, ok := <-r.returns:
			if !ok {
				r.resetLocked()
				return ErrChannelClosed
			}
			returned = &ret
		case c, ok := <-r.confirms:
			if !ok {
				r.resetLocked()
				return ErrChannelClosed
			}
			if c.DeliveryTag < seq {
				continue
			}
			if !c.Ack {
				r.resetLocked()
				return ErrPublishNotConfirmed
			}
			if returned == nil {
				select {
				case ret, ok := <-r.returns:
					if ok {
						returned = &ret
					}
				default:
				}
			}
			if returned != nil {
				return fmt.Errorf("%w: %d %s", ErrMessageReturned, returned.ReplyCode, returned.ReplyText)
			}
			return nil
		case <-ctx.Done():
			r.resetLocked()
			return mapContextErr(ctx.Err())
		}
	}
}

func (r *RetryScheduler) publishError(routingKey string, err error) error {
	return &rabbitmq.PublishError{
		Exchange:   r.exchange,
		RoutingKey: routingKey,
		Err:        err,
		Timestamp:  time.Now(),
	}
}
