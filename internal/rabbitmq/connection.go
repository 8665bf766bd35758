package rabbitmq

import (
	"context"
	"errors"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
)

const (
	defaultHeartbeat   = 10 * time.Second
	defaultDialTimeout = 30 * time.Second
)

// Channel is the subset of *amqp.Channel used by the publisher and the
// subscriber. Tests substitute an in-memory implementation.
type Channel interface {
	ExchangeDeclare(name, kind string, durable, autoDelete, internal, noWait bool, args amqp.Table) error
	ExchangeDeclarePassive(name, kind string, durable, autoDelete, internal, noWait bool, args amqp.Table) error
	QueueDeclare(name string, durable, autoDelete, exclusive, noWait bool, args amqp.Table) (amqp.Queue, error)
	QueueDeclarePassive(name string, durable, autoDelete, exclusive, noWait bool, args amqp.Table) (amqp.Queue, error)
	QueueBind(name, key, exchange string, noWait bool, args amqp.Table) error
	Qos(prefetchCount, prefetchSize int, global bool) error
	Consume(queue, consumer string, autoAck, exclusive, noLocal, noWait bool, args amqp.Table) (<-chan amqp.Delivery, error)
	PublishWithContext(ctx context.Context, exchange, key string, mandatory, immediate bool, msg amqp.Publishing) error
	Confirm(noWait bool) error
	NotifyPublish(confirm chan amqp.Confirmation) chan amqp.Confirmation
	NotifyReturn(c chan amqp.Return) chan amqp.Return
	IsClosed() bool
	Close() error
}

// Connection is the subset of *amqp.Connection used by this module
type Connection interface {
	Channel() (Channel, error)
	IsClosed() bool
	Close() error
}

// Dialer opens a broker connection for the given URL
type Dialer func(url string) (Connection, error)

// ConnectionStateListener receives connection state change notifications
type ConnectionStateListener interface {
	OnConnected()
	OnDisconnected(err error)
	OnReconnecting(attempt int)
}

type amqpConnection struct {
	*amqp.Connection
}

func (c amqpConnection) Channel() (Channel, error) {
	ch, err := c.Connection.Channel()
	if err != nil {
		return nil, err
	}
	return ch, nil
}

// Dial connects to the broker with a heartbeat and a bounded TCP dial.
func Dial(url string) (Connection, error) {
	conn, err := amqp.DialConfig(url, amqp.Config{
		Heartbeat: defaultHeartbeat,
		Locale:    "en_US",
		Dial:      amqp.DefaultDial(defaultDialTimeout),
	})
	if err != nil {
		return nil, &ConnectionError{
			Op:        "dial",
			URL:       SanitizeURL(url),
			Err:       err,
			Timestamp: time.Now(),
			Attempts:  1,
		}
	}
	return amqpConnection{conn}, nil
}

// OpenChannel opens a channel on conn, wrapping failures in a ChannelError
func OpenChannel(conn Connection) (Channel, error) {
	if conn == nil || conn.IsClosed() {
		return nil, &ChannelError{Op: "open", Err: ErrConnectionClosed, Timestamp: time.Now()}
	}
	ch, err := conn.Channel()
	if err != nil {
		return nil, &ChannelError{Op: "open", Err: err, Timestamp: time.Now()}
	}
	return ch, nil
}

// CloseQuietly closes the channel and then the connection, ignoring errors
// from either. Nil values are skipped.
func CloseQuietly(ch Channel, conn Connection) {
	if ch != nil {
		_ = ch.Close()
	}
	if conn != nil {
		_ = conn.Close()
	}
}

// IsNotFound reports whether err is a broker NOT_FOUND (404) channel exception
func IsNotFound(err error) bool {
	var amqpErr *amqp.Error
	if errors.As(err, &amqpErr) {
		return amqpErr.Code == amqp.NotFound
	}
	return false
}
