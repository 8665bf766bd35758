package messaging

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cleanapp/golib/internal/rabbitmq"
	"github.com/cleanapp/golib/internal/reliability"
	"github.com/google/uuid"
	amqp "github.com/rabbitmq/amqp091-go"
)

var errStreamClosed = errors.New("messaging: delivery stream closed")

// Subscriber consumes one queue bound to one direct exchange and dispatches
// deliveries to callbacks by routing key on a bounded worker pool.
//
// A Subscriber owns its connection and channel. When the delivery stream
// ends for any reason other than Close or Shutdown it reconnects with
// exponential backoff and resumes with the same routes, forever.
type Subscriber struct {
	url             string
	exchange        string
	queue           string
	serverNamed     bool
	dial            rabbitmq.Dialer
	concurrency     int
	maxRetries      int
	retryPrefix     string
	handlerTimeout  time.Duration
	reconnect       reliability.Backoff
	initialAttempts int
	topologyCheck   RetryTopologyCheck
	consumerTag     string
	shutdownTimeout time.Duration
	logger          *slog.Logger
	metrics         SubscriberMetrics
	listeners       []ConnectionStateListener
	middleware      []Middleware

	retry      *RetryScheduler
	dispatcher *dispatcher
	jobs       chan job

	// lifecycle guards started, closed transitions and the goroutines Start spawns
	lifecycle sync.Mutex
	started   bool
	closed    atomic.Bool
	done      chan struct{}
	loopDone  chan struct{}
	workers   sync.WaitGroup
	ctx       context.Context
	cancel    context.CancelFunc

	mu   sync.RWMutex
	conn rabbitmq.Connection
	ch   rabbitmq.Channel

	connected    atomic.Bool
	lastConnect  atomic.Int64
	lastDelivery atomic.Int64
	lastErr      atomic.Pointer[error]
}

// NewSubscriber connects to the broker and declares the exchange (direct,
// durable) and the queue (durable, non-exclusive). An empty queue name asks
// the broker to assign one; the assigned name is fixed for the lifetime of
// the subscriber and checked passively on reconnect.
//
// Only the dial of the first connection is retried, bounded by ctx and
// WithInitialConnectAttempts. Declaration failures are returned as is.
func NewSubscriber(ctx context.Context, url, exchange, queue string, options ...SubscriberOption) (*Subscriber, error) {
	if exchange == "" {
		return nil, fmt.Errorf("%w: exchange name is required", ErrInvalidConfiguration)
	}

	s := &Subscriber{
		url:             url,
		exchange:        exchange,
		queue:           queue,
		serverNamed:     queue == "",
		dial:            rabbitmq.Dial,
		concurrency:     DefaultConcurrency,
		maxRetries:      DefaultMaxRetries,
		retryPrefix:     DefaultRetryExchangePrefix,
		reconnect:       reliability.DefaultReconnectBackoff,
		initialAttempts: DefaultInitialConnectAttempts,
		topologyCheck:   RetryTopologyWarn,
		consumerTag:     "cleanapp-" + uuid.NewString(),
		shutdownTimeout: DefaultShutdownTimeout,
		logger:          slog.Default(),
		metrics:         noopSubscriberMetrics{},
		done:            make(chan struct{}),
	}
	for _, opt := range options {
		opt(s)
	}
	s.logger = s.logger.With("component", "subscriber", "exchange", exchange)
	s.ctx, s.cancel = context.WithCancel(context.Background())

	conn, err := s.dialInitial(ctx)
	if err != nil {
		s.cancel()
		return nil, err
	}
	ch, name, err := s.declare(conn)
	if err != nil {
		rabbitmq.CloseQuietly(nil, conn)
		s.cancel()
		return nil, err
	}
	s.queue = name

	s.retry = NewRetryScheduler(s.retryPrefix, s.queue)
	s.logger = s.logger.With("queue", s.queue)
	s.setSession(conn, ch)

	s.logger.Info("subscriber connected",
		"url", rabbitmq.SanitizeURL(url),
		"retry_exchange", s.retry.Exchange(),
		"concurrency", s.concurrency,
		"max_retries", s.maxRetries,
	)
	return s, nil
}

func (s *Subscriber) dialInitial(ctx context.Context) (rabbitmq.Connection, error) {
	var conn rabbitmq.Connection
	attempts, err := s.reconnect.Retry(ctx, s.initialAttempts, func() error {
		c, err := s.dial(s.url)
		if err != nil {
			return err
		}
		conn = c
		return nil
	}, func(attempt int, err error, next time.Duration) {
		s.logger.Warn("rabbitmq not accepting connections yet",
			"attempt", attempt,
			"retry_in", next,
			"error", err,
		)
	})
	if err == nil {
		return conn, nil
	}

	if ctxErr := ctx.Err(); ctxErr != nil {
		err = fmt.Errorf("%w: %w", ErrTimeout, ctxErr)
	}
	return nil, &ConnectionError{
		Op:        "connect",
		URL:       rabbitmq.SanitizeURL(s.url),
		Err:       err,
		Timestamp: time.Now(),
		Attempts:  attempts,
	}
}

// declare opens a channel and declares the exchange and queue on it. It
// returns the queue name without storing it; s.queue is only written by
// NewSubscriber.
func (s *Subscriber) declare(conn rabbitmq.Connection) (rabbitmq.Channel, string, error) {
	ch, err := rabbitmq.OpenChannel(conn)
	if err != nil {
		return nil, "", err
	}
	if err := rabbitmq.DeclareExchange(ch, rabbitmq.DirectExchange(s.exchange)); err != nil {
		_ = ch.Close()
		return nil, "", err
	}

	var name string
	if s.serverNamed && s.queue != "" {
		name, err = rabbitmq.InspectQueue(ch, s.queue)
	} else {
		name, err = rabbitmq.DeclareQueue(ch, rabbitmq.DurableQueue(s.queue))
	}
	if err != nil {
		_ = ch.Close()
		return nil, "", err
	}
	return ch, name, nil
}

func (s *Subscriber) setSession(conn rabbitmq.Connection, ch rabbitmq.Channel) {
	s.mu.Lock()
	s.conn, s.ch = conn, ch
	s.mu.Unlock()
	s.retry.Attach(conn)

	s.connected.Store(true)
	s.lastConnect.Store(time.Now().UnixNano())
	s.metrics.OnConnected()
	for _, l := range s.listeners {
		l.OnConnected()
	}
}

func (s *Subscriber) teardown() {
	s.mu.Lock()
	ch, conn := s.ch, s.conn
	s.ch, s.conn = nil, nil
	s.mu.Unlock()

	s.connected.Store(false)
	rabbitmq.CloseQuietly(ch, conn)
	s.retry.Detach()
}

// Start binds the queue for every routing key in routes, applies the
// prefetch limit and begins consuming with manual acknowledgement. It
// returns once consuming has begun; deliveries are processed on background
// goroutines until Close or Shutdown.
//
// The routes are copied; changing the map afterwards has no effect.
func (s *Subscriber) Start(routes Routes) error {
	s.lifecycle.Lock()
	defer s.lifecycle.Unlock()

	if s.closed.Load() {
		return ErrSubscriberClosed
	}
	if s.started {
		return ErrAlreadyStarted
	}
	snapshot := routes.snapshot(s.middleware)
	if len(snapshot) == 0 {
		return ErrNoRoutes
	}

	s.dispatcher = &dispatcher{
		routes:     snapshot,
		retry:      s.retry,
		maxRetries: s.maxRetries,
		timeout:    s.handlerTimeout,
		logger:     s.logger,
		metrics:    s.metrics,
	}

	if err := s.checkRetryTopology(); err != nil {
		return err
	}

	s.mu.RLock()
	ch := s.ch
	s.mu.RUnlock()
	if ch == nil {
		return &ChannelError{Op: "consume", Err: ErrChannelClosed, Timestamp: time.Now()}
	}

	deliveries, err := s.consume(ch)
	if err != nil {
		return err
	}

	s.started = true
	s.jobs = make(chan job)
	s.loopDone = make(chan struct{})
	for i := 1; i <= s.concurrency; i++ {
		s.workers.Add(1)
		go s.worker(i)
	}
	go s.supervise(deliveries)

	s.logger.Info("subscriber started", "routing_keys", snapshot.Keys(), "prefetch", s.prefetch())
	return nil
}

// Run starts the subscriber and blocks until ctx is done or the subscriber
// is closed, then drains in-flight deliveries within the shutdown timeout.
func (s *Subscriber) Run(ctx context.Context, routes Routes) error {
	if err := s.Start(routes); err != nil {
		return err
	}

	select {
	case <-ctx.Done():
	case <-s.done:
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), s.shutdownTimeout)
	defer cancel()
	return s.Shutdown(shutdownCtx)
}

func (s *Subscriber) prefetch() int {
	if s.concurrency > maxPrefetch {
		return maxPrefetch
	}
	return s.concurrency
}

// consume binds every routing key, sets QoS and registers the consumer on ch
func (s *Subscriber) consume(ch rabbitmq.Channel) (<-chan amqp.Delivery, error) {
	for _, key := range s.dispatcher.routes.Keys() {
		err := rabbitmq.BindQueue(ch, rabbitmq.Binding{
			Queue:      s.queue,
			Exchange:   s.exchange,
			RoutingKey: key,
		})
		if err != nil {
			return nil, err
		}
	}

	if err := ch.Qos(s.prefetch(), 0, false); err != nil {
		return nil, &ChannelError{Op: "qos", Err: err, Timestamp: time.Now()}
	}

	deliveries, err := ch.Consume(s.queue, s.consumerTag, false, false, false, false, nil)
	if err != nil {
		return nil, &ConsumerError{
			Queue:       s.queue,
			ConsumerTag: s.consumerTag,
			Op:          "consume",
			Err:         err,
			Timestamp:   time.Now(),
		}
	}
	return deliveries, nil
}

func (s *Subscriber) checkRetryTopology() error {
	if s.topologyCheck == RetryTopologyIgnore {
		return nil
	}

	err := s.VerifyRetryTopology()
	if err == nil {
		return nil
	}
	if s.topologyCheck == RetryTopologyRequire {
		return err
	}
	s.logger.Warn("retry exchange unavailable, transient failures will be requeued on the origin queue",
		"retry_exchange", s.retry.Exchange(),
		"error", err,
	)
	return nil
}

// VerifyRetryTopology checks that the retry exchange exists on the broker.
// The exchange is provisioned outside this module; a missing exchange
// returns an error matching ErrRetryTopologyMissing.
func (s *Subscriber) VerifyRetryTopology() error {
	s.mu.RLock()
	conn := s.conn
	s.mu.RUnlock()
	if conn == nil {
		return &ChannelError{Op: "inspect", Err: rabbitmq.ErrConnectionClosed, Timestamp: time.Now()}
	}

	ok, err := rabbitmq.ExchangeExists(conn, s.retry.Exchange())
	if err != nil {
		return err
	}
	if !ok {
		return fmt.Errorf("%w: %s", ErrRetryTopologyMissing, s.retry.Exchange())
	}
	return nil
}

func (s *Subscriber) worker(id int) {
	defer s.workers.Done()
	for j := range s.jobs {
		s.dispatcher.dispatch(s.ctx, id, j)
	}
}

// supervise feeds deliveries to the workers and reconnects whenever the
// delivery stream ends. It exits only once the subscriber is stopped.
func (s *Subscriber) supervise(deliveries <-chan amqp.Delivery) {
	defer close(s.loopDone)
	defer close(s.jobs)

	for {
		if !s.forward(deliveries) {
			return
		}

		s.disconnected(errStreamClosed)

		var ok bool
		deliveries, ok = s.reconnectLoop()
		if !ok {
			return
		}
	}
}

// forward returns false when the subscriber is stopping and true when the
// delivery stream closed underneath it
func (s *Subscriber) forward(deliveries <-chan amqp.Delivery) bool {
	for {
		select {
		case <-s.done:
			return false
		case d, ok := <-deliveries:
			if !ok {
				return !s.closed.Load()
			}
			s.lastDelivery.Store(time.Now().UnixNano())
			s.metrics.DeliveryReceived()
			select {
			case s.jobs <- job{delivery: d}:
			case <-s.done:
				// left unacked; the broker requeues it when the channel closes
				return false
			}
		}
	}
}

func (s *Subscriber) disconnected(err error) {
	s.teardown()
	s.setLastError(err)
	s.metrics.OnDisconnected(err)
	for _, l := range s.listeners {
		l.OnDisconnected(err)
	}
	s.logger.Error("rabbitmq consumer disconnected", "error", err)
}

// reconnectLoop retries until a new session is consuming or the subscriber
// stops. Each disconnect starts a fresh backoff schedule.
func (s *Subscriber) reconnectLoop() (<-chan amqp.Delivery, bool) {
	b := s.reconnect.New()
	for attempt := 1; ; attempt++ {
		delay := b.NextBackOff()
		s.metrics.OnReconnecting(attempt)
		for _, l := range s.listeners {
			l.OnReconnecting(attempt)
		}
		s.logger.Warn("reconnecting to rabbitmq", "attempt", attempt, "delay", delay)

		timer := time.NewTimer(delay)
		select {
		case <-s.done:
			timer.Stop()
			return nil, false
		case <-timer.C:
		}

		deliveries, err := s.resume()
		if errors.Is(err, ErrSubscriberClosed) {
			return nil, false
		}
		if err != nil {
			s.setLastError(err)
			s.logger.Warn("reconnect attempt failed", "attempt", attempt, "error", err)
			continue
		}

		s.logger.Info("reconnected to rabbitmq", "attempt", attempt)
		return deliveries, true
	}
}

// resume dials, redeclares the topology and restarts consuming
func (s *Subscriber) resume() (<-chan amqp.Delivery, error) {
	conn, err := s.dial(s.url)
	if err != nil {
		return nil, err
	}
	ch, _, err := s.declare(conn)
	if err != nil {
		rabbitmq.CloseQuietly(nil, conn)
		return nil, err
	}

	if s.closed.Load() {
		rabbitmq.CloseQuietly(ch, conn)
		return nil, ErrSubscriberClosed
	}

	deliveries, err := s.consume(ch)
	if err != nil {
		rabbitmq.CloseQuietly(ch, conn)
		return nil, err
	}

	s.setSession(conn, ch)
	if s.closed.Load() {
		s.teardown()
		return nil, ErrSubscriberClosed
	}
	return deliveries, nil
}

// stop marks the subscriber closed and signals the supervisor. It reports
// whether this call performed the transition.
func (s *Subscriber) stop() bool {
	s.lifecycle.Lock()
	defer s.lifecycle.Unlock()

	if s.closed.Load() {
		return false
	}
	s.closed.Store(true)
	close(s.done)
	return true
}

// Shutdown stops taking deliveries, waits for in-flight callbacks to finish
// or for ctx to end, then closes the channel and connection. Deliveries that
// were never handed to a worker return to the queue.
func (s *Subscriber) Shutdown(ctx context.Context) error {
	if !s.stop() {
		return nil
	}

	drained := make(chan struct{})
	go func() {
		if s.loopDone != nil {
			<-s.loopDone
		}
		s.workers.Wait()
		close(drained)
	}()

	var err error
	select {
	case <-drained:
	case <-ctx.Done():
		err = fmt.Errorf("subscriber shutdown: %w", ctx.Err())
	}

	s.teardown()
	s.cancel()
	s.logger.Info("subscriber stopped")
	return err
}

// Close stops consuming immediately and releases the channel and
// connection. Unacknowledged deliveries are returned to the queue by the
// broker. In-flight callbacks see their context cancelled once the channel
// is gone, so nothing they return is settled.
func (s *Subscriber) Close() error {
	if !s.stop() {
		return nil
	}
	s.teardown()
	s.cancel()
	s.logger.Info("subscriber closed")
	return nil
}

func (s *Subscriber) setLastError(err error) {
	s.lastErr.Store(&err)
}

// IsConnected reports whether a consuming session is currently established
func (s *Subscriber) IsConnected() bool {
	if !s.connected.Load() {
		return false
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.conn != nil && !s.conn.IsClosed()
}

// LastConnectAt returns when the current or last session was established
func (s *Subscriber) LastConnectAt() time.Time {
	return unixNano(s.lastConnect.Load())
}

// LastDeliveryAt returns when the last delivery was received, or the zero time
func (s *Subscriber) LastDeliveryAt() time.Time {
	return unixNano(s.lastDelivery.Load())
}

// LastError returns the most recent connection-level error
func (s *Subscriber) LastError() error {
	if p := s.lastErr.Load(); p != nil {
		return *p
	}
	return nil
}

// Exchange returns the exchange name
func (s *Subscriber) Exchange() string { return s.exchange }

// Queue returns the queue name as assigned by the broker
func (s *Subscriber) Queue() string { return s.queue }

// RetryExchange returns the retry exchange transient failures are published to
func (s *Subscriber) RetryExchange() string { return s.retry.Exchange() }

func unixNano(n int64) time.Time {
	if n == 0 {
		return time.Time{}
	}
	return time.Unix(0, n)
}
