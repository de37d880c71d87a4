// Package reliability provides the retry policy engine used around every broker
// operation.
//
// A protected call is described by a Policy:
//   - MaxAttempts: total number of invocations allowed (at least one)
//   - Backoff: the delay between attempts (exponential, fixed, or none)
//   - Classify: a Classifier deciding whether an error is worth another attempt
//
// Errors are classified by Kind rather than by concrete type. Producers tag an
// error with Mark and classifiers map kinds to a retry decision with RetryOn.
// The engine never wraps or replaces the error returned by the operation.
//
// Example usage:
//
//	policy := Policy{
//	    MaxAttempts: 5,
//	    Backoff:     NewExponentialBackoff(100*time.Millisecond, 5*time.Second, 2.0),
//	    Classify:    RetryOn(KindBrokerUnreachable, KindConnectFailure, KindSocket),
//	}
//
//	err := Do(ctx, policy, func(ctx context.Context) error {
//	    return connect(ctx)
//	})
package reliability
