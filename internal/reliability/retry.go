package reliability

import (
	"context"
	"math"
	"math/rand"
	"time"
)

const (
	// DefaultAttempts is the attempt ceiling used when a caller does not pick one
	DefaultAttempts = 5
	// DefaultTimeout bounds connection continuation and RPC waits
	DefaultTimeout = 60 * time.Second
)

// Decision is the outcome of classifying an error
type Decision int

const (
	Fail Decision = iota
	Retry
)

// Classifier decides whether an error is retryable
type Classifier func(err error) Decision

// ClassifyBy builds a classifier that maps the kind reported by kindOf to a
// retry decision: listed kinds are retryable, everything else fails.
func ClassifyBy(kindOf func(error) Kind, kinds ...Kind) Classifier {
	retryable := make(map[Kind]bool, len(kinds))
	for _, k := range kinds {
		retryable[k] = true
	}
	return func(err error) Decision {
		if err == nil {
			return Fail
		}
		if retryable[kindOf(err)] {
			return Retry
		}
		return Fail
	}
}

// RetryOn retries errors tagged (with Mark) with one of the given kinds
func RetryOn(kinds ...Kind) Classifier {
	return ClassifyBy(KindOf, kinds...)
}

// Never classifies every error as fatal
func Never(error) Decision {
	return Fail
}

// Backoff computes the delay before the next attempt
type Backoff interface {
	NextDelay(attempt int) time.Duration
}

// ExponentialBackoff implements exponential backoff
type ExponentialBackoff struct {
	InitialInterval time.Duration
	MaxInterval     time.Duration
	Multiplier      float64
	Jitter          bool
}

// NewExponentialBackoff creates a new exponential backoff
func NewExponentialBackoff(initial, max time.Duration, multiplier float64) *ExponentialBackoff {
	return &ExponentialBackoff{
		InitialInterval: initial,
		MaxInterval:     max,
		Multiplier:      multiplier,
		Jitter:          true,
	}
}

// NextDelay implements Backoff
func (e *ExponentialBackoff) NextDelay(attempt int) time.Duration {
	delay := float64(e.InitialInterval) * math.Pow(e.Multiplier, float64(attempt))

	if delay > float64(e.MaxInterval) {
		delay = float64(e.MaxInterval)
	}

	// ±15% jitter
	if e.Jitter {
		jitter := rand.Float64() * 0.3 * delay
		delay = delay + jitter - (0.15 * delay)
	}

	return time.Duration(delay)
}

// FixedDelay waits the same amount between every attempt
type FixedDelay struct {
	Delay time.Duration
}

// NewFixedDelay creates a new fixed delay backoff
func NewFixedDelay(delay time.Duration) *FixedDelay {
	return &FixedDelay{Delay: delay}
}

// NextDelay implements Backoff
func (f *FixedDelay) NextDelay(int) time.Duration {
	return f.Delay
}

// NoBackoff retries immediately
type NoBackoff struct{}

// NextDelay implements Backoff
func (NoBackoff) NextDelay(int) time.Duration {
	return 0
}

// Policy describes one protected call. Build a fresh Policy per call.
type Policy struct {
	MaxAttempts int
	Backoff     Backoff
	Classify    Classifier
	// OnRetry is invoked before sleeping ahead of attempt+1
	OnRetry func(attempt int, err error, delay time.Duration)
}

// DefaultPolicy returns a policy with DefaultAttempts, exponential backoff and
// the given classifier.
func DefaultPolicy(classify Classifier) Policy {
	return Policy{
		MaxAttempts: DefaultAttempts,
		Backoff:     NewExponentialBackoff(200*time.Millisecond, 5*time.Second, 2.0),
		Classify:    classify,
	}
}

func (p Policy) attempts() int {
	if p.MaxAttempts < 1 {
		return 1
	}
	return p.MaxAttempts
}

func (p Policy) classify(err error) Decision {
	if p.Classify == nil {
		return Fail
	}
	return p.Classify(err)
}

func (p Policy) delay(attempt int) time.Duration {
	if p.Backoff == nil {
		return 0
	}
	return p.Backoff.NextDelay(attempt)
}

// Do executes op under policy. The error of the last attempt is returned
// unchanged when the policy gives up.
func Do(ctx context.Context, policy Policy, op func(ctx context.Context) error) error {
	_, err := DoValue(ctx, policy, func(ctx context.Context) (struct{}, error) {
		return struct{}{}, op(ctx)
	})
	return err
}

// DoValue is Do for operations producing a result
func DoValue[T any](ctx context.Context, policy Policy, op func(ctx context.Context) (T, error)) (T, error) {
	var (
		zero    T
		lastErr error
	)

	maxAttempts := policy.attempts()
	for attempt := 0; attempt < maxAttempts; attempt++ {
		if err := ctx.Err(); err != nil {
			if lastErr != nil {
				return zero, lastErr
			}
			return zero, err
		}

		result, err := op(ctx)
		if err == nil {
			return result, nil
		}
		lastErr = err

		if policy.classify(err) != Retry || attempt == maxAttempts-1 {
			return zero, lastErr
		}

		delay := policy.delay(attempt)
		if policy.OnRetry != nil {
			policy.OnRetry(attempt+1, err, delay)
		}

		if delay <= 0 {
			continue
		}

		timer := time.NewTimer(delay)
		select {
		case <-timer.C:
		case <-ctx.Done():
			timer.Stop()
			return zero, lastErr
		}
	}

	return zero, lastErr
}
