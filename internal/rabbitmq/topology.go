package rabbitmq

import (
	amqp "github.com/rabbitmq/amqp091-go"
)

const (
	componentExchange = "exchange"
	componentQueue    = "queue"
	componentBinding  = "binding"
)

// ExchangeDeclaration defines an exchange to be declared
type ExchangeDeclaration struct {
	Name       string
	Type       string
	Durable    bool
	AutoDelete bool
	Internal   bool
	Arguments  amqp.Table
}

// QueueDeclaration defines a queue to be declared
type QueueDeclaration struct {
	Name       string
	Durable    bool
	AutoDelete bool
	Exclusive  bool
	Arguments  amqp.Table
}

// Binding defines a queue-to-exchange binding
type Binding struct {
	Queue      string
	Exchange   string
	RoutingKey string
	Arguments  amqp.Table
}

// DirectExchange is the exchange shape both the publisher and the subscriber
// declare: direct, durable, not auto-deleted, not internal.
func DirectExchange(name string) ExchangeDeclaration {
	return ExchangeDeclaration{
		Name:    name,
		Type:    amqp.ExchangeDirect,
		Durable: true,
	}
}

// DurableQueue is a durable, non-exclusive, not auto-deleted queue
func DurableQueue(name string) QueueDeclaration {
	return QueueDeclaration{
		Name:    name,
		Durable: true,
	}
}

// DeclareExchange declares an exchange. Redeclaring with identical attributes
// is a no-op on the broker; conflicting attributes fail.
func DeclareExchange(ch Channel, exchange ExchangeDeclaration) error {
	err := ch.ExchangeDeclare(
		exchange.Name,
		exchange.Type,
		exchange.Durable,
		exchange.AutoDelete,
		exchange.Internal,
		false, // no-wait
		exchange.Arguments,
	)
	if err != nil {
		return newTopologyError(componentExchange, exchange.Name, "declare", err)
	}
	return nil
}

// DeclareQueue declares a queue and returns the broker-assigned name, which
// differs from the requested one only for server-named queues.
func DeclareQueue(ch Channel, queue QueueDeclaration) (string, error) {
	q, err := ch.QueueDeclare(
		queue.Name,
		queue.Durable,
		queue.AutoDelete,
		queue.Exclusive,
		false, // no-wait
		queue.Arguments,
	)
	if err != nil {
		return "", newTopologyError(componentQueue, queue.Name, "declare", err)
	}
	if q.Name == "" {
		return queue.Name, nil
	}
	return q.Name, nil
}

// InspectQueue checks that a queue exists with a passive declare. Queues
// named by the broker live in the reserved amq. namespace and can only be
// inspected this way; a regular declare of such a name is refused.
func InspectQueue(ch Channel, name string) (string, error) {
	q, err := ch.QueueDeclarePassive(name, true, false, false, false, nil)
	if err != nil {
		return "", newTopologyError(componentQueue, name, "inspect", err)
	}
	if q.Name == "" {
		return name, nil
	}
	return q.Name, nil
}

// BindQueue binds a queue to an exchange
func BindQueue(ch Channel, binding Binding) error {
	err := ch.QueueBind(
		binding.Queue,
		binding.RoutingKey,
		binding.Exchange,
		false, // no-wait
		binding.Arguments,
	)
	if err != nil {
		return newTopologyError(componentBinding, binding.Queue+"->"+binding.Exchange+"/"+binding.RoutingKey, "bind", err)
	}
	return nil
}

// ExchangeExists checks for an exchange with a passive declare. The broker
// closes a channel on 404, so the check runs on a throwaway channel and
// never disturbs the caller's channels.
func ExchangeExists(conn Connection, name string) (bool, error) {
	ch, err := OpenChannel(conn)
	if err != nil {
		return false, err
	}
	defer func() { _ = ch.Close() }()

	err = ch.ExchangeDeclarePassive(name, amqp.ExchangeDirect, true, false, false, false, nil)
	switch {
	case err == nil:
		return true, nil
	case IsNotFound(err):
		return false, nil
	default:
		return false, newTopologyError(componentExchange, name, "inspect", err)
	}
}
