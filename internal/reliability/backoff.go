package reliability

import (
	"context"
	"time"

	"github.com/cenkalti/backoff/v4"
)

// Backoff describes an exponential delay schedule: Initial, doubling on each
// attempt, never above Max. It has no elapsed-time limit.
type Backoff struct {
	Initial time.Duration
	Max     time.Duration
}

// DefaultReconnectBackoff is the schedule used between reconnect attempts
var DefaultReconnectBackoff = Backoff{
	Initial: time.Second,
	Max:     30 * time.Second,
}

// New returns a fresh schedule positioned at the initial delay. Callers
// create one per disconnect episode, which is what resets the delay after a
// successful reconnect.
func (b Backoff) New() backoff.BackOff {
	b = b.withDefaults()
	eb := backoff.NewExponentialBackOff()
	eb.InitialInterval = b.Initial
	eb.MaxInterval = b.Max
	eb.Multiplier = 2
	eb.RandomizationFactor = 0
	eb.MaxElapsedTime = 0
	eb.Reset()
	return eb
}

func (b Backoff) withDefaults() Backoff {
	if b.Initial <= 0 {
		b.Initial = DefaultReconnectBackoff.Initial
	}
	if b.Max < b.Initial {
		b.Max = b.Initial
	}
	return b
}

// Retry runs op until it succeeds, attempts are exhausted or ctx is done.
// attempts <= 0 means unlimited. notify, if set, is called before each wait
// with the failed attempt number, its error and the upcoming delay. The
// returned int is the number of attempts made.
func (b Backoff) Retry(ctx context.Context, attempts int, op func() error, notify func(attempt int, err error, next time.Duration)) (int, error) {
	var policy backoff.BackOff = b.New()
	if attempts > 0 {
		policy = backoff.WithMaxRetries(policy, uint64(attempts-1))
	}

	made := 0
	err := backoff.RetryNotify(func() error {
		made++
		return op()
	}, backoff.WithContext(policy, ctx), func(err error, next time.Duration) {
		if notify != nil {
			notify(made, err, next)
		}
	})
	return made, err
}
