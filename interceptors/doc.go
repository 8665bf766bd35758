// Package interceptors provides messaging.Middleware for common
// cross-cutting concerns around subscriber callbacks.
//
// Built-in middleware:
//   - Logging: logs each callback with its duration and error
//   - Validation: dead-letters messages a validator rejects
//   - Filter: skips messages a MessageFilter rejects
//   - DuplicateDetection: acks messages whose id was already processed
//   - ContextEnrichment: derives the callback context from the message
//
// Middleware is installed on a subscriber with messaging.WithMiddleware and
// runs in the order given, the first one outermost:
//
//	sub, err := messaging.NewSubscriber(ctx, url, "reports", "analysis",
//		messaging.WithMiddleware(
//			interceptors.Logging(logger),
//			interceptors.DuplicateDetection(interceptors.NewMemoryDetector(time.Hour)),
//			interceptors.Validation(validator),
//		),
//	)
//
// The settlement rules are unchanged: returning nil acks, an error wrapped
// with messaging.Permanent dead-letters and any other error retries.
package interceptors
