package messaging

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/cleanapp/golib/internal/rabbitmq"
	amqp "github.com/rabbitmq/amqp091-go"
)

// fakeBroker is an in-memory AMQP broker good enough to drive the publisher
// and the subscriber: direct routing, prefetch, manual acks, requeue on
// channel close, publisher confirms and mandatory returns. Like RabbitMQ it
// answers a publish to a missing exchange by closing the channel rather
// than failing the publish call.
type fakeBroker struct {
	mu sync.Mutex

	dialErrs []error
	dials    int
	conns    []*fakeConn

	exchanges map[string]string
	queues    map[string]*fakeQueue
	bindings  map[string][]fakeBinding
	queueSeq  int

	// retryTargets routes anything published to a retry exchange straight
	// back to the origin exchange, standing in for a TTL queue that
	// dead-letters to the origin
	retryTargets map[string]string

	failPublish  map[string]error
	failBind     error
	failQos      error
	failConsume  error
	nackConfirms bool
	holdConfirms bool

	published   []fakePublish
	settlements []fakeSettlement
	qosCalls    []int
	consumes    int
	maxUnacked  int
}

type fakeQueue struct {
	name      string
	ready     []*fakeMsg
	consumers []*fakeChannel
}

type fakeBinding struct {
	queue string
	key   string
}

type fakeMsg struct {
	exchange    string
	key         string
	pub         amqp.Publishing
	redelivered bool
}

type fakePublish struct {
	exchange string
	key      string
	msg      amqp.Publishing
}

type fakeSettlement struct {
	key        string
	messageID  string
	retryCount int
	action     string
	requeue    bool
}

func newFakeBroker() *fakeBroker {
	return &fakeBroker{
		exchanges:    make(map[string]string),
		queues:       make(map[string]*fakeQueue),
		bindings:     make(map[string][]fakeBinding),
		retryTargets: make(map[string]string),
		failPublish:  make(map[string]error),
	}
}

func (b *fakeBroker) dial(string) (rabbitmq.Connection, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.dials++
	if len(b.dialErrs) > 0 {
		err := b.dialErrs[0]
		b.dialErrs = b.dialErrs[1:]
		return nil, err
	}
	conn := &fakeConn{broker: b}
	b.conns = append(b.conns, conn)
	return conn, nil
}

// declareRetryExchange provisions the retry topology for queue the way an
// operator would, looping retried messages back to origin
func (b *fakeBroker) declareRetryExchange(queue, origin string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	name := RetryExchangeName(DefaultRetryExchangePrefix, queue)
	b.exchanges[name] = amqp.ExchangeDirect
	b.retryTargets[name] = origin
}

// declareExchange creates an exchange with nothing bound to it
func (b *fakeBroker) declareExchange(name string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.exchanges[name] = amqp.ExchangeDirect
}

// dropConnections closes every open connection, as a broker restart would
func (b *fakeBroker) dropConnections() {
	b.mu.Lock()
	defer b.mu.Unlock()
	for _, c := range b.conns {
		c.closeLocked()
	}
}

// send publishes as an external producer would
func (b *fakeBroker) send(exchange, key string, pub amqp.Publishing) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.routeLocked(exchange, key, pub)
	b.pumpLocked()
}

func (b *fakeBroker) bind(queue, exchange, key string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.bindLocked(queue, exchange, key)
}

// routeLocked reports whether any queue took the message. A retry exchange
// always counts as routed since its delay queue is implied.
func (b *fakeBroker) routeLocked(exchange, key string, pub amqp.Publishing) bool {
	routed := false
	if origin, ok := b.retryTargets[exchange]; ok {
		exchange = origin
		routed = true
	}
	for _, bd := range b.bindings[exchange] {
		if bd.key != key {
			continue
		}
		if q, ok := b.queues[bd.queue]; ok {
			q.ready = append(q.ready, &fakeMsg{exchange: exchange, key: key, pub: pub})
			routed = true
		}
	}
	return routed
}

func (b *fakeBroker) bindLocked(queue, exchange, key string) {
	for _, bd := range b.bindings[exchange] {
		if bd.queue == queue && bd.key == key {
			return
		}
	}
	b.bindings[exchange] = append(b.bindings[exchange], fakeBinding{queue: queue, key: key})
}

// pumpLocked hands ready messages to consumers that are below their prefetch
func (b *fakeBroker) pumpLocked() {
	for _, q := range b.queues {
		for len(q.ready) > 0 {
			var target *fakeChannel
			for _, c := range q.consumers {
				if c.prefetch == 0 || len(c.unacked) < c.prefetch {
					target = c
					break
				}
			}
			if target == nil {
				break
			}
			m := q.ready[0]
			q.ready = q.ready[1:]
			target.deliverLocked(q.name, m)
			if n := len(target.unacked); n > b.maxUnacked {
				b.maxUnacked = n
			}
		}
	}
}

func (b *fakeBroker) settleLocked(m *fakeMsg, action string, requeue bool) {
	b.settlements = append(b.settlements, fakeSettlement{
		key:        m.key,
		messageID:  m.pub.MessageId,
		retryCount: RetryCount(m.pub.Headers),
		action:     action,
		requeue:    requeue,
	})
}

func (b *fakeBroker) dialCount() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.dials
}

func (b *fakeBroker) settled() []fakeSettlement {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]fakeSettlement(nil), b.settlements...)
}

func (b *fakeBroker) publishes() []fakePublish {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]fakePublish(nil), b.published...)
}

func (b *fakeBroker) publishesTo(exchange string) []fakePublish {
	var out []fakePublish
	for _, p := range b.publishes() {
		if p.exchange == exchange {
			out = append(out, p)
		}
	}
	return out
}

func (b *fakeBroker) count(action string, requeue bool) int {
	n := 0
	for _, s := range b.settled() {
		if s.action == action && s.requeue == requeue {
			n++
		}
	}
	return n
}

func (b *fakeBroker) peakUnacked() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.maxUnacked
}

func (b *fakeBroker) readyIn(queue string) int {
	b.mu.Lock()
	defer b.mu.Unlock()
	if q, ok := b.queues[queue]; ok {
		return len(q.ready)
	}
	return 0
}

type fakeConn struct {
	broker   *fakeBroker
	closed   bool
	channels []*fakeChannel
}

func (c *fakeConn) Channel() (rabbitmq.Channel, error) {
	c.broker.mu.Lock()
	defer c.broker.mu.Unlock()
	if c.closed {
		return nil, amqp.ErrClosed
	}
	ch := &fakeChannel{broker: c.broker, conn: c, unacked: make(map[uint64]*fakeMsg)}
	c.channels = append(c.channels, ch)
	return ch, nil
}

func (c *fakeConn) IsClosed() bool {
	c.broker.mu.Lock()
	defer c.broker.mu.Unlock()
	return c.closed
}

func (c *fakeConn) Close() error {
	c.broker.mu.Lock()
	defer c.broker.mu.Unlock()
	if c.closed {
		return amqp.ErrClosed
	}
	c.closeLocked()
	return nil
}

func (c *fakeConn) closeLocked() {
	c.closed = true
	for _, ch := range c.channels {
		ch.closeLocked()
	}
}

// fakeChannel implements rabbitmq.Channel and acts as the Acknowledger of
// the deliveries it hands out
type fakeChannel struct {
	broker *fakeBroker
	conn   *fakeConn
	closed bool

	prefetch   int
	nextTag    uint64
	unacked    map[uint64]*fakeMsg
	deliveries chan amqp.Delivery
	queue      string

	confirming bool
	confirmSeq uint64
	confirms   []chan amqp.Confirmation
	returns    []chan amqp.Return
}

func (ch *fakeChannel) ExchangeDeclare(name, kind string, durable, autoDelete, internal, noWait bool, args amqp.Table) error {
	b := ch.broker
	b.mu.Lock()
	defer b.mu.Unlock()
	if ch.closed {
		return amqp.ErrClosed
	}
	if existing, ok := b.exchanges[name]; ok && existing != kind {
		return &amqp.Error{Code: amqp.PreconditionFailed, Reason: "PRECONDITION_FAILED - inequivalent arg 'type' for exchange '" + name + "'"}
	}
	if !durable || autoDelete || internal {
		return fmt.Errorf("unexpected exchange attributes for %s", name)
	}
	b.exchanges[name] = kind
	return nil
}

func (ch *fakeChannel) ExchangeDeclarePassive(name, kind string, durable, autoDelete, internal, noWait bool, args amqp.Table) error {
	b := ch.broker
	b.mu.Lock()
	defer b.mu.Unlock()
	if ch.closed {
		return amqp.ErrClosed
	}
	if _, ok := b.exchanges[name]; !ok {
		ch.closeLocked()
		return &amqp.Error{Code: amqp.NotFound, Reason: "NOT_FOUND - no exchange '" + name + "'"}
	}
	return nil
}

func (ch *fakeChannel) QueueDeclare(name string, durable, autoDelete, exclusive, noWait bool, args amqp.Table) (amqp.Queue, error) {
	b := ch.broker
	b.mu.Lock()
	defer b.mu.Unlock()
	if ch.closed {
		return amqp.Queue{}, amqp.ErrClosed
	}
	if !durable || autoDelete || exclusive {
		return amqp.Queue{}, fmt.Errorf("unexpected queue attributes for %q", name)
	}
	if strings.HasPrefix(name, "amq.") {
		ch.closeLocked()
		return amqp.Queue{}, &amqp.Error{Code: amqp.AccessRefused, Reason: "ACCESS_REFUSED - queue name '" + name + "' contains reserved prefix 'amq.*'"}
	}
	if name == "" {
		b.queueSeq++
		name = fmt.Sprintf("amq.gen-%d", b.queueSeq)
	}
	if _, ok := b.queues[name]; !ok {
		b.queues[name] = &fakeQueue{name: name}
	}
	return amqp.Queue{Name: name}, nil
}

func (ch *fakeChannel) QueueDeclarePassive(name string, durable, autoDelete, exclusive, noWait bool, args amqp.Table) (amqp.Queue, error) {
	b := ch.broker
	b.mu.Lock()
	defer b.mu.Unlock()
	if ch.closed {
		return amqp.Queue{}, amqp.ErrClosed
	}
	q, ok := b.queues[name]
	if !ok {
		ch.closeLocked()
		return amqp.Queue{}, &amqp.Error{Code: amqp.NotFound, Reason: "NOT_FOUND - no queue '" + name + "'"}
	}
	return amqp.Queue{Name: q.name, Messages: len(q.ready)}, nil
}

func (ch *fakeChannel) QueueBind(name, key, exchange string, noWait bool, args amqp.Table) error {
	b := ch.broker
	b.mu.Lock()
	defer b.mu.Unlock()
	if ch.closed {
		return amqp.ErrClosed
	}
	if b.failBind != nil {
		return b.failBind
	}
	if _, ok := b.exchanges[exchange]; !ok {
		return &amqp.Error{Code: amqp.NotFound, Reason: "NOT_FOUND - no exchange '" + exchange + "'"}
	}
	b.bindLocked(name, exchange, key)
	return nil
}

func (ch *fakeChannel) Qos(prefetchCount, prefetchSize int, global bool) error {
	b := ch.broker
	b.mu.Lock()
	defer b.mu.Unlock()
	if ch.closed {
		return amqp.ErrClosed
	}
	if b.failQos != nil {
		return b.failQos
	}
	b.qosCalls = append(b.qosCalls, prefetchCount)
	ch.prefetch = prefetchCount
	return nil
}

func (ch *fakeChannel) Consume(queue, consumer string, autoAck, exclusive, noLocal, noWait bool, args amqp.Table) (<-chan amqp.Delivery, error) {
	b := ch.broker
	b.mu.Lock()
	defer b.mu.Unlock()
	if ch.closed {
		return nil, amqp.ErrClosed
	}
	if b.failConsume != nil {
		return nil, b.failConsume
	}
	if autoAck {
		return nil, errors.New("fake broker only supports manual ack")
	}
	q, ok := b.queues[queue]
	if !ok {
		return nil, &amqp.Error{Code: amqp.NotFound, Reason: "NOT_FOUND - no queue '" + queue + "'"}
	}
	ch.queue = queue
	ch.deliveries = make(chan amqp.Delivery, 1024)
	q.consumers = append(q.consumers, ch)
	b.consumes++
	b.pumpLocked()
	return ch.deliveries, nil
}

func (ch *fakeChannel) PublishWithContext(ctx context.Context, exchange, key string, mandatory, immediate bool, msg amqp.Publishing) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	b := ch.broker
	b.mu.Lock()
	defer b.mu.Unlock()
	if ch.closed {
		return amqp.ErrClosed
	}
	if err := b.failPublish[exchange]; err != nil {
		return err
	}
	if _, ok := b.exchanges[exchange]; !ok {
		// 404 arrives later as a channel exception; the publish call itself succeeds
		ch.closeLocked()
		return nil
	}
	b.published = append(b.published, fakePublish{exchange: exchange, key: key, msg: msg})
	if !b.routeLocked(exchange, key, msg) && mandatory {
		ret := amqp.Return{
			ReplyCode:  amqp.NoRoute,
			ReplyText:  "NO_ROUTE",
			Exchange:   exchange,
			RoutingKey: key,
			MessageId:  msg.MessageId,
			Headers:    msg.Headers,
			Body:       msg.Body,
		}
		for _, c := range ch.returns {
			select {
			case c <- ret:
			default:
			}
		}
	}
	if ch.confirming && !b.holdConfirms {
		ch.confirmSeq++
		conf := amqp.Confirmation{DeliveryTag: ch.confirmSeq, Ack: !b.nackConfirms}
		for _, c := range ch.confirms {
			select {
			case c <- conf:
			default:
			}
		}
	}
	b.pumpLocked()
	return nil
}

func (ch *fakeChannel) Confirm(noWait bool) error {
	ch.broker.mu.Lock()
	defer ch.broker.mu.Unlock()
	if ch.closed {
		return amqp.ErrClosed
	}
	ch.confirming = true
	return nil
}

func (ch *fakeChannel) NotifyPublish(confirm chan amqp.Confirmation) chan amqp.Confirmation {
	ch.broker.mu.Lock()
	defer ch.broker.mu.Unlock()
	ch.confirms = append(ch.confirms, confirm)
	return confirm
}

func (ch *fakeChannel) NotifyReturn(c chan amqp.Return) chan amqp.Return {
	ch.broker.mu.Lock()
	defer ch.broker.mu.Unlock()
	ch.returns = append(ch.returns, c)
	return c
}

func (ch *fakeChannel) IsClosed() bool {
	ch.broker.mu.Lock()
	defer ch.broker.mu.Unlock()
	return ch.closed
}

func (ch *fakeChannel) Close() error {
	ch.broker.mu.Lock()
	defer ch.broker.mu.Unlock()
	if ch.closed {
		return amqp.ErrClosed
	}
	ch.closeLocked()
	return nil
}

// closeLocked returns unacked messages to the front of their queue, ends the
// delivery stream and closes confirmation listeners
func (ch *fakeChannel) closeLocked() {
	if ch.closed {
		return
	}
	ch.closed = true
	b := ch.broker

	if q, ok := b.queues[ch.queue]; ok && ch.deliveries != nil {
		consumers := q.consumers[:0]
		for _, c := range q.consumers {
			if c != ch {
				consumers = append(consumers, c)
			}
		}
		q.consumers = consumers

		var returned []*fakeMsg
		for tag := uint64(1); tag <= ch.nextTag; tag++ {
			if m, ok := ch.unacked[tag]; ok {
				m.redelivered = true
				returned = append(returned, m)
			}
		}
		q.ready = append(returned, q.ready...)
		ch.unacked = make(map[uint64]*fakeMsg)
		close(ch.deliveries)
	}
	for _, c := range ch.confirms {
		close(c)
	}
	ch.confirms = nil
	for _, c := range ch.returns {
		close(c)
	}
	ch.returns = nil
	b.pumpLocked()
}

func (ch *fakeChannel) deliverLocked(queue string, m *fakeMsg) {
	ch.nextTag++
	ch.unacked[ch.nextTag] = m
	headers := amqp.Table{}
	for k, v := range m.pub.Headers {
		headers[k] = v
	}
	ch.deliveries <- amqp.Delivery{
		Acknowledger:    ch,
		Headers:         headers,
		ContentType:     m.pub.ContentType,
		ContentEncoding: m.pub.ContentEncoding,
		DeliveryMode:    m.pub.DeliveryMode,
		Priority:        m.pub.Priority,
		CorrelationId:   m.pub.CorrelationId,
		ReplyTo:         m.pub.ReplyTo,
		MessageId:       m.pub.MessageId,
		Timestamp:       m.pub.Timestamp,
		Type:            m.pub.Type,
		AppId:           m.pub.AppId,
		ConsumerTag:     "fake",
		DeliveryTag:     ch.nextTag,
		Redelivered:     m.redelivered,
		Exchange:        m.exchange,
		RoutingKey:      m.key,
		Body:            m.pub.Body,
	}
}

func (ch *fakeChannel) Ack(tag uint64, multiple bool) error {
	return ch.settle(tag, "ack", false)
}

func (ch *fakeChannel) Nack(tag uint64, multiple bool, requeue bool) error {
	return ch.settle(tag, "nack", requeue)
}

func (ch *fakeChannel) Reject(tag uint64, requeue bool) error {
	return ch.settle(tag, "nack", requeue)
}

func (ch *fakeChannel) settle(tag uint64, action string, requeue bool) error {
	b := ch.broker
	b.mu.Lock()
	defer b.mu.Unlock()
	if ch.closed {
		return amqp.ErrClosed
	}
	m, ok := ch.unacked[tag]
	if !ok {
		return &amqp.Error{Code: amqp.PreconditionFailed, Reason: fmt.Sprintf("PRECONDITION_FAILED - unknown delivery tag %d", tag)}
	}
	delete(ch.unacked, tag)
	b.settleLocked(m, action, requeue)
	if requeue {
		m.redelivered = true
		if q, ok := b.queues[ch.queue]; ok {
			q.ready = append([]*fakeMsg{m}, q.ready...)
		}
	}
	b.pumpLocked()
	return nil
}

// jsonPublishing builds a publishing the way an external producer would
func jsonPublishing(id, body string) amqp.Publishing {
	return amqp.Publishing{
		ContentType:  "application/json",
		DeliveryMode: amqp.Persistent,
		MessageId:    id,
		Timestamp:    time.Now().UTC(),
		Body:         []byte(body),
	}
}
