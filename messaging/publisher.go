package messaging

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/cleanapp/golib/internal/rabbitmq"
	"github.com/gabriel-vasile/mimetype"
	"github.com/google/uuid"
	amqp "github.com/rabbitmq/amqp091-go"
)

const contentTypeJSON = "application/json"

// Publisher publishes messages to one durable direct exchange.
//
// Publishes are serialized on a single channel. Failures are returned to the
// caller; the publisher neither buffers nor retries, and it does not
// reconnect. Callers that need that wrap it themselves.
type Publisher struct {
	url        string
	exchange   string
	routingKey string
	dial       rabbitmq.Dialer
	timeout    time.Duration
	confirms   bool
	logger     *slog.Logger
	metrics    PublisherMetrics

	// pubMu serializes publishes and the confirmation sequence
	pubMu     sync.Mutex
	seq       uint64
	confirmCh chan amqp.Confirmation

	mu     sync.RWMutex
	conn   rabbitmq.Connection
	ch     rabbitmq.Channel
	closed bool
}

// NewPublisher connects to the broker and declares exchange as a direct,
// durable, not auto-deleted, not internal exchange. Connection and
// declaration failures are returned without retrying.
func NewPublisher(url, exchange, routingKey string, options ...PublisherOption) (*Publisher, error) {
	if exchange == "" {
		return nil, fmt.Errorf("%w: exchange name is required", ErrInvalidConfiguration)
	}

	p := &Publisher{
		url:        url,
		exchange:   exchange,
		routingKey: routingKey,
		dial:       rabbitmq.Dial,
		timeout:    DefaultPublishTimeout,
		logger:     slog.Default(),
		metrics:    noopPublisherMetrics{},
	}
	for _, opt := range options {
		opt(p)
	}
	p.logger = p.logger.With("component", "publisher", "exchange", exchange)

	conn, err := p.dial(url)
	if err != nil {
		var connErr *ConnectionError
		if errors.As(err, &connErr) {
			return nil, err
		}
		return nil, &ConnectionError{Op: "connect", URL: rabbitmq.SanitizeURL(url), Err: err, Timestamp: time.Now(), Attempts: 1}
	}

	ch, err := rabbitmq.OpenChannel(conn)
	if err != nil {
		rabbitmq.CloseQuietly(nil, conn)
		return nil, err
	}
	if err := rabbitmq.DeclareExchange(ch, rabbitmq.DirectExchange(exchange)); err != nil {
		rabbitmq.CloseQuietly(ch, conn)
		return nil, err
	}
	if p.confirms {
		if err := ch.Confirm(false); err != nil {
			rabbitmq.CloseQuietly(ch, conn)
			return nil, &ChannelError{Op: "confirm", Err: err, Timestamp: time.Now()}
		}
		p.confirmCh = ch.NotifyPublish(make(chan amqp.Confirmation, 1))
	}

	p.conn, p.ch = conn, ch
	p.logger.Info("publisher connected",
		"url", rabbitmq.SanitizeURL(url),
		"routing_key", routingKey,
		"confirms", p.confirms,
	)
	return p, nil
}

// Publish JSON-encodes payload and publishes it with the default routing key
func (p *Publisher) Publish(ctx context.Context, payload any) error {
	return p.PublishWithRoutingKey(ctx, p.routingKey, payload)
}

// PublishWithRoutingKey JSON-encodes payload and publishes it with routingKey
func (p *Publisher) PublishWithRoutingKey(ctx context.Context, routingKey string, payload any) error {
	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("marshal payload for %s: %w", routingKey, err)
	}
	return p.publish(ctx, routingKey, body, contentTypeJSON)
}

// PublishRaw publishes pre-encoded bytes. The content type is detected from
// the body.
func (p *Publisher) PublishRaw(ctx context.Context, routingKey string, body []byte) error {
	return p.publish(ctx, routingKey, body, mimetype.Detect(body).String())
}

func (p *Publisher) publish(ctx context.Context, routingKey string, body []byte, contentType string) (err error) {
	start := time.Now()
	defer func() {
		p.metrics.ObservePublish(p.exchange, err, time.Since(start))
	}()

	p.pubMu.Lock()
	defer p.pubMu.Unlock()

	p.mu.RLock()
	ch, closed := p.ch, p.closed
	p.mu.RUnlock()
	if closed {
		return ErrPublisherClosed
	}
	if ch == nil || ch.IsClosed() {
		return p.publishError(routingKey, ErrChannelClosed)
	}

	if _, ok := ctx.Deadline(); !ok {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, p.timeout)
		defer cancel()
	}

	msg := amqp.Publishing{
		ContentType:  contentType,
		DeliveryMode: amqp.Persistent,
		Timestamp:    time.Now().UTC(),
		MessageId:    uuid.NewString(),
		Body:         body,
	}
	if err := ch.PublishWithContext(ctx, p.exchange, routingKey, false, false, msg); err != nil {
		return p.publishError(routingKey, mapContextErr(err))
	}

	if p.confirms {
		p.seq++
		if err := p.awaitConfirm(ctx, p.seq); err != nil {
			return p.publishError(routingKey, err)
		}
	}

	p.logger.Debug("message published", "routing_key", routingKey, "message_id", msg.MessageId, "bytes", len(body))
	return nil
}

// awaitConfirm waits for the broker confirmation of delivery tag seq.
// Confirmations for earlier tags belong to publishes that already gave up
// waiting and are skipped.
func (p *Publisher) awaitConfirm(ctx context.Context, seq uint64) error {
	for {
		select {
		case c, ok := <-p.confirmCh:
			if !ok {
				return ErrChannelClosed
			}
			if c.DeliveryTag < seq {
				continue
			}
			if !c.Ack {
				return ErrPublishNotConfirmed
			}
			return nil
		case <-ctx.Done():
			return mapContextErr(ctx.Err())
		}
	}
}

func (p *Publisher) publishError(routingKey string, err error) error {
	return &PublishError{
		Exchange:   p.exchange,
		RoutingKey: routingKey,
		Err:        err,
		Timestamp:  time.Now(),
	}
}

func mapContextErr(err error) error {
	if errors.Is(err, context.DeadlineExceeded) {
		return fmt.Errorf("%w: %w", ErrTimeout, err)
	}
	return err
}

// IsConnected reports whether the channel and connection are open
func (p *Publisher) IsConnected() bool {
	p.mu.RLock()
	defer p.mu.RUnlock()
	if p.closed || p.conn == nil || p.ch == nil {
		return false
	}
	return !p.conn.IsClosed() && !p.ch.IsClosed()
}

// Close releases the channel and the connection. Publishing afterwards
// returns ErrPublisherClosed. Calling Close again is a no-op.
func (p *Publisher) Close() error {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return nil
	}
	p.closed = true
	ch, conn := p.ch, p.conn
	p.ch, p.conn = nil, nil
	p.mu.Unlock()

	var errs []error
	if ch != nil {
		if err := ch.Close(); err != nil && !errors.Is(err, amqp.ErrClosed) {
			errs = append(errs, fmt.Errorf("close channel: %w", err))
		}
	}
	if conn != nil {
		if err := conn.Close(); err != nil && !errors.Is(err, amqp.ErrClosed) {
			errs = append(errs, fmt.Errorf("close connection: %w", err))
		}
	}
	p.logger.Info("publisher closed")
	return errors.Join(errs...)
}

// Exchange returns the exchange name
func (p *Publisher) Exchange() string { return p.exchange }

// RoutingKey returns the default routing key
func (p *Publisher) RoutingKey() string { return p.routingKey }
