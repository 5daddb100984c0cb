// Package reliability provides the retry policies used by the dispatcher.
//
// Two consumers share these policies:
//   - transport retries, where a failed adapter call is repeated with
//     exponential backoff a bounded number of times
//   - message retries, where the policy only supplies the delay before a
//     failed envelope is requeued
//
// Example usage:
//
//	policy := reliability.NewExponentialBackoff(100*time.Millisecond, 5*time.Second, 2.0, 5)
//	err := reliability.Retry(ctx, policy, "dequeue", func() error {
//	    return adapterCall()
//	})
package reliability
