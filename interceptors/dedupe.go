package interceptors

import (
	"context"
	"sync"
	"time"

	"github.com/cleanapp/golib/messaging"
)

// DuplicateDetector remembers processed message ids
type DuplicateDetector interface {
	IsDuplicate(ctx context.Context, messageID string) (bool, error)
	MarkProcessed(ctx context.Context, messageID string) error
}

// DuplicateDetection acks messages whose id was already processed. Messages
// without an id always pass. Only successful callbacks mark the id, so a
// retried message is processed again.
func DuplicateDetection(detector DuplicateDetector) messaging.Middleware {
	return func(next messaging.Callback) messaging.Callback {
		return messaging.CallbackFunc(func(ctx context.Context, msg *messaging.Message) error {
			if msg.MessageID == "" {
				return next.OnMessage(ctx, msg)
			}

			dup, err := detector.IsDuplicate(ctx, msg.MessageID)
			if err != nil {
				return err
			}
			if dup {
				return nil
			}

			if err := next.OnMessage(ctx, msg); err != nil {
				return err
			}
			return detector.MarkProcessed(ctx, msg.MessageID)
		})
	}
}

// MemoryDetector is an in-process DuplicateDetector that forgets ids after
// ttl. It only sees deliveries made to this process.
type MemoryDetector struct {
	ttl time.Duration
	now func() time.Time

	mu   sync.Mutex
	seen map[string]time.Time
	// sweepAt bounds how often expired ids are purged
	sweepAt time.Time
}

func NewMemoryDetector(ttl time.Duration) *MemoryDetector {
	return &MemoryDetector{
		ttl:  ttl,
		now:  time.Now,
		seen: make(map[string]time.Time),
	}
}

func (d *MemoryDetector) IsDuplicate(_ context.Context, messageID string) (bool, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	now := d.now()
	d.sweepLocked(now)
	expires, ok := d.seen[messageID]
	return ok && now.Before(expires), nil
}

func (d *MemoryDetector) MarkProcessed(_ context.Context, messageID string) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.seen[messageID] = d.now().Add(d.ttl)
	return nil
}

// Len returns the number of remembered ids, expired ones included until
// the next sweep
func (d *MemoryDetector) Len() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.seen)
}

func (d *MemoryDetector) sweepLocked(now time.Time) {
	if now.Before(d.sweepAt) {
		return
	}
	for id, expires := range d.seen {
		if !now.Before(expires) {
			delete(d.seen, id)
		}
	}
	d.sweepAt = now.Add(d.ttl)
}
