package interceptors

import (
	"context"

	"github.com/cleanapp/golib/messaging"
)

type contextKey struct{}

// MessageFromContext returns the message stored by ContextEnrichment
func MessageFromContext(ctx context.Context) (*messaging.Message, bool) {
	msg, ok := ctx.Value(contextKey{}).(*messaging.Message)
	return msg, ok
}

// ContextEnricher derives the callback context from a message, e.g. to carry
// a correlation id read from the headers
type ContextEnricher interface {
	Enrich(ctx context.Context, msg *messaging.Message) (context.Context, error)
}

// ContextEnricherFunc is a function adapter for ContextEnricher
type ContextEnricherFunc func(ctx context.Context, msg *messaging.Message) (context.Context, error)

func (f ContextEnricherFunc) Enrich(ctx context.Context, msg *messaging.Message) (context.Context, error) {
	return f(ctx, msg)
}

// ContextEnrichment stores the message in the context for
// MessageFromContext, then applies the enrichers in order. An enricher error
// is transient.
func ContextEnrichment(enrichers ...ContextEnricher) messaging.Middleware {
	return func(next messaging.Callback) messaging.Callback {
		return messaging.CallbackFunc(func(ctx context.Context, msg *messaging.Message) error {
			ctx = context.WithValue(ctx, contextKey{}, msg)
			for _, e := range enrichers {
				var err error
				if ctx, err = e.Enrich(ctx, msg); err != nil {
					return err
				}
			}
			return next.OnMessage(ctx, msg)
		})
	}
}
