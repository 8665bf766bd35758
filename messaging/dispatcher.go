package messaging

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/cleanapp/golib/internal/reliability"
	amqp "github.com/rabbitmq/amqp091-go"
)

const retryPublishTimeout = 10 * time.Second

var errAlreadySettled = errors.New("messaging: delivery already settled")

// job is one delivery handed to a worker. Acks and nacks go back through the
// delivery to the channel it arrived on.
type job struct {
	delivery amqp.Delivery
}

// settlement guards a delivery so that exactly one ack or nack is issued
type settlement struct {
	d    amqp.Delivery
	done atomic.Bool
}

func (s *settlement) ack() error {
	if !s.done.CompareAndSwap(false, true) {
		return errAlreadySettled
	}
	return s.d.Ack(false)
}

func (s *settlement) nack(requeue bool) error {
	if !s.done.CompareAndSwap(false, true) {
		return errAlreadySettled
	}
	return s.d.Nack(false, requeue)
}

// dispatcher routes deliveries to callbacks and decides how each one is
// settled
type dispatcher struct {
	routes     Routes
	retry      *RetryScheduler
	maxRetries int
	timeout    time.Duration
	logger     *slog.Logger
	metrics    SubscriberMetrics

	// retryTimeout bounds one retry publish including its confirmation;
	// zero means retryPublishTimeout
	retryTimeout time.Duration
}

func (dp *dispatcher) dispatch(ctx context.Context, workerID int, j job) Outcome {
	dp.metrics.WorkerStarted()
	defer dp.metrics.WorkerFinished()

	start := time.Now()
	msg := newMessage(j.delivery)
	s := &settlement{d: j.delivery}

	outcome, cause := dp.process(ctx, msg, j, s)

	duration := time.Since(start)
	dp.metrics.ObserveOutcome(outcome, duration)
	dp.logFinish(ctx, workerID, msg, outcome, cause, duration)
	return outcome
}

func (dp *dispatcher) process(ctx context.Context, msg *Message, j job, s *settlement) (Outcome, error) {
	cb, ok := dp.routes[msg.RoutingKey]
	if !ok {
		dp.settle(s, msg, OutcomeNoCallback)
		return OutcomeNoCallback, fmt.Errorf("%w: %q", ErrNoCallbackFound, msg.RoutingKey)
	}

	err := reliability.Invoke(ctx, dp.timeout, func(ctx context.Context) error {
		return cb.OnMessage(ctx, msg)
	})

	var outcome Outcome
	switch {
	case err == nil:
		outcome = OutcomeSuccess
	case errors.Is(err, reliability.ErrPanic):
		outcome = OutcomePanic
	case IsPermanent(err):
		outcome = OutcomePermanent
	case msg.RetryCount >= dp.maxRetries:
		outcome = OutcomeRetryExhausted
	default:
		return dp.scheduleRetry(msg, j, s, err), err
	}

	dp.settle(s, msg, outcome)
	return outcome, err
}

// scheduleRetry publishes the next attempt and acks the original once the
// broker confirmed the copy. When the retry exchange cannot take it, the
// original is requeued instead.
func (dp *dispatcher) scheduleRetry(msg *Message, j job, s *settlement, cause error) Outcome {
	timeout := dp.retryTimeout
	if timeout <= 0 {
		timeout = retryPublishTimeout
	}
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()

	next := msg.RetryCount + 1
	if err := dp.retry.Schedule(ctx, j.delivery, next); err != nil {
		dp.metrics.SettleFailed(OpRetryPublish)
		dp.logger.Error("retry publish failed, requeueing delivery",
			"routing_key", msg.RoutingKey,
			"delivery_tag", msg.deliveryTag,
			"retry_exchange", dp.retry.Exchange(),
			"retry_count", next,
			"cause", cause,
			"error", err,
		)
		dp.nack(s, msg, true)
		return OutcomeRequeue
	}

	dp.ack(s, msg)
	return OutcomeRetry
}

func (dp *dispatcher) settle(s *settlement, msg *Message, outcome Outcome) {
	if outcome.Action() == "ack" {
		dp.ack(s, msg)
		return
	}
	dp.nack(s, msg, outcome.Requeue())
}

func (dp *dispatcher) ack(s *settlement, msg *Message) {
	if err := s.ack(); err != nil {
		dp.metrics.SettleFailed(OpAck)
		dp.logger.Error("ack failed", "routing_key", msg.RoutingKey, "delivery_tag", msg.deliveryTag, "error", err)
	}
}

func (dp *dispatcher) nack(s *settlement, msg *Message, requeue bool) {
	if err := s.nack(requeue); err != nil {
		dp.metrics.SettleFailed(OpNack)
		dp.logger.Error("nack failed", "routing_key", msg.RoutingKey, "delivery_tag", msg.deliveryTag, "error", err)
	}
}

func (dp *dispatcher) logFinish(ctx context.Context, workerID int, msg *Message, outcome Outcome, cause error, duration time.Duration) {
	attrs := []any{
		"worker_id", workerID,
		"routing_key", msg.RoutingKey,
		"delivery_tag", msg.deliveryTag,
		"message_id", msg.MessageID,
		"duration_ms", duration.Milliseconds(),
		"outcome", string(outcome),
		"action", outcome.Action(),
		"requeue", outcome.Requeue(),
		"retry_count", msg.RetryCount,
	}
	if outcome == OutcomeSuccess {
		dp.logger.DebugContext(ctx, "worker_finish", attrs...)
		return
	}

	attrs = append(attrs, "error", cause)
	var panicErr *reliability.PanicError
	if errors.As(cause, &panicErr) {
		attrs = append(attrs, "panic", fmt.Sprint(panicErr.Value), "stack", string(panicErr.Stack))
	}
	if outcome == OutcomeRetryExhausted {
		attrs = append(attrs, "max_retries", dp.maxRetries)
	}
	dp.logger.ErrorContext(ctx, "worker_finish", attrs...)
}
