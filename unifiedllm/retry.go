package unifiedllm

import (
	"context"
	"errors"
	"math"
	"math/rand"
	"time"
)

// RetryPolicy configures retry behavior with exponential backoff.
type RetryPolicy struct {
	MaxRetries        int     // total retry attempts (not counting initial)
	BaseDelay         float64 // initial delay in seconds
	MaxDelay          float64 // maximum delay between retries
	BackoffMultiplier float64 // exponential backoff factor
	Jitter            bool    // add random jitter to prevent thundering herd
	OnRetry           func(err error, attempt int, delay time.Duration)
}

// DefaultRetryPolicy returns the default retry policy.
func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{
		MaxRetries:        2,
		BaseDelay:         1.0,
		MaxDelay:          60.0,
		BackoffMultiplier: 2.0,
		Jitter:            true,
	}
}

// Delay calculates the delay for attempt n (0-indexed).
func (p RetryPolicy) Delay(attempt int) time.Duration {
	delay := math.Min(p.BaseDelay*math.Pow(p.BackoffMultiplier, float64(attempt)), p.MaxDelay)
	if p.Jitter {
		// +/- 50% jitter
		delay = delay * (0.5 + rand.Float64())
	}
	return time.Duration(delay * float64(time.Second))
}

// Retry calls fn until it succeeds, fails with a non-retryable error or the
// policy runs out of retries. A RateLimitError's RetryAfter replaces the
// computed delay; one longer than MaxDelay is returned immediately.
func Retry[T any](ctx context.Context, policy RetryPolicy, fn func(ctx context.Context) (T, error)) (T, error) {
	var zero T
	result, err := fn(ctx)
	for attempt := 0; err != nil && attempt < policy.MaxRetries; attempt++ {
		if !IsRetryable(err) {
			return zero, err
		}

		delay, ok := policy.retryDelay(err, attempt)
		if !ok {
			return zero, err
		}
		if policy.OnRetry != nil {
			policy.OnRetry(err, attempt+1, delay)
		}
		if werr := sleep(ctx, delay); werr != nil {
			return zero, &AbortError{SDKError: SDKError{Message: "request cancelled during retry", Cause: werr}}
		}

		result, err = fn(ctx)
	}
	if err != nil {
		return zero, err
	}
	return result, nil
}

func (p RetryPolicy) retryDelay(err error, attempt int) (time.Duration, bool) {
	var rl *RateLimitError
	if errors.As(err, &rl) && rl.RetryAfter != nil {
		delay := time.Duration(*rl.RetryAfter * float64(time.Second))
		return delay, delay <= time.Duration(p.MaxDelay*float64(time.Second))
	}
	return p.Delay(attempt), true
}

func sleep(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

// RetryMiddleware retries blocking calls that fail with a retryable error.
// Streaming calls are retried only when opening the stream fails.
func RetryMiddleware(policy RetryPolicy) Middleware {
	return Middleware{
		Generate: func(ctx context.Context, messages []Message, opts *CallOptions, next GenerateFunc) (*Response, error) {
			return Retry(ctx, policy, func(ctx context.Context) (*Response, error) {
				return next(ctx, messages, opts)
			})
		},
		Stream: func(ctx context.Context, messages []Message, opts *CallOptions, next StreamFunc) (<-chan StreamEvent, error) {
			return Retry(ctx, policy, func(ctx context.Context) (<-chan StreamEvent, error) {
				return next(ctx, messages, opts)
			})
		},
	}
}
