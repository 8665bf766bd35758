// Package messaging is the RabbitMQ consumer and publisher runtime shared by
// the CleanApp services.
//
// A Publisher declares a durable direct exchange and publishes JSON payloads
// to it. A Subscriber declares the same exchange plus a durable queue, binds
// the queue once per routing key that has a Callback, and processes
// deliveries on a worker pool whose size is also the channel prefetch, so no
// more than that many deliveries are ever unacknowledged at once.
//
// Every delivery is settled exactly once:
//
//	callback returns nil                  ack
//	callback returns Permanent(err)       nack, no requeue (dead-letter)
//	callback panics                       nack, no requeue
//	no callback for the routing key       nack, no requeue
//	any other error, retries left         republish to the retry exchange, ack
//	any other error, retries exhausted    nack, no requeue
//	retry exchange publish fails          nack, requeue
//
// The retry count travels with the message in the x-cleanapp-retry-count
// header. The retry exchange, "cleanapp-retry.<queue>" by default, is
// expected to route into a queue with a message TTL that dead-letters back
// to the origin exchange. That topology is provisioned outside this package;
// Subscriber.VerifyRetryTopology and the health package can check for it.
//
// Example usage:
//
//	sub, err := messaging.NewSubscriber(ctx, url, "reports", "report-analysis",
//		messaging.WithConcurrency(20),
//		messaging.WithMaxRetries(10),
//	)
//	if err != nil {
//		return err
//	}
//	routes := messaging.NewRoutes().AddFunc("report.created", func(ctx context.Context, msg *messaging.Message) error {
//		var report Report
//		if err := msg.UnmarshalTo(&report); err != nil {
//			return messaging.Permanent(err)
//		}
//		return analyze(ctx, report)
//	})
//	return sub.Run(ctx, routes)
package messaging
