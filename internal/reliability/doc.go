// Package reliability provides the failure-handling primitives of the
// consumer runtime.
//
// It implements two patterns:
//   - Reconnect backoff: exponential delays (1s doubling to a 30s cap by
//     default) with no elapsed-time limit, restarted for every new
//     disconnect episode
//   - Guarded invocation: a handler call that converts panics into typed
//     errors and optionally gives up waiting after a deadline
//
// Example usage:
//
//	b := reliability.DefaultReconnectBackoff.New()
//	for {
//	    if err := connect(); err == nil {
//	        break
//	    }
//	    time.Sleep(b.NextBackOff())
//	}
package reliability
