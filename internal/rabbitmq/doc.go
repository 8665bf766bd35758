// Package rabbitmq holds the AMQP 0-9-1 plumbing shared by the publisher and
// the subscriber in package messaging.
//
// This package includes:
//   - Connection and Channel: narrow views of the amqp091-go types, so the
//     runtime can be driven by an in-memory broker in tests
//   - Dial: heartbeat-enabled dialing with a bounded TCP connect
//   - Topology helpers: exchange, queue and binding declaration plus a
//     passive existence check for externally provisioned exchanges
//   - The error taxonomy: sentinels for every setup stage and struct errors
//     that carry both the stage sentinel and the broker cause
package rabbitmq
