package messaging

import (
	"context"
	"sort"
)

// Callback processes one delivered message. A nil return acks the delivery,
// an error wrapped with Permanent dead-letters it and any other error sends
// it through the retry exchange.
//
// One Callback value is invoked concurrently by every worker, so
// implementations must be safe for concurrent use. The context is cancelled
// when the subscriber stops, or when the handler timeout fires if one is
// configured.
type Callback interface {
	OnMessage(ctx context.Context, msg *Message) error
}

// CallbackFunc is a function adapter for Callback
type CallbackFunc func(ctx context.Context, msg *Message) error

// OnMessage implements Callback
func (f CallbackFunc) OnMessage(ctx context.Context, msg *Message) error {
	return f(ctx, msg)
}

// Middleware wraps a Callback with cross-cutting behavior
type Middleware func(next Callback) Callback

// Chain applies middleware to cb so that the first middleware is outermost
func Chain(cb Callback, middleware ...Middleware) Callback {
	for i := len(middleware) - 1; i >= 0; i-- {
		cb = middleware[i](cb)
	}
	return cb
}

// Routes maps routing keys to callbacks. The queue is bound once per key.
type Routes map[string]Callback

// NewRoutes creates an empty route table
func NewRoutes() Routes {
	return make(Routes)
}

// Add registers cb for routingKey, replacing any previous entry
func (r Routes) Add(routingKey string, cb Callback) Routes {
	r[routingKey] = cb
	return r
}

// AddFunc registers a function for routingKey
func (r Routes) AddFunc(routingKey string, fn func(ctx context.Context, msg *Message) error) Routes {
	return r.Add(routingKey, CallbackFunc(fn))
}

// Keys returns the routing keys in sorted order
func (r Routes) Keys() []string {
	keys := make([]string, 0, len(r))
	for k := range r {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// snapshot copies the table, drops nil callbacks and applies middleware
func (r Routes) snapshot(middleware []Middleware) Routes {
	out := make(Routes, len(r))
	for k, cb := range r {
		if cb == nil {
			continue
		}
		out[k] = Chain(cb, middleware...)
	}
	return out
}
