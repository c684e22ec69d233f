package payment

import (
	"context"
	"time"

	"go.uber.org/zap"
)

// RetryPolicy bounds a retry loop.
type RetryPolicy struct {
	MaxAttempts       int
	InitialDelay      time.Duration
	BackoffMultiplier float64
	MaxDelay          time.Duration
	// ShouldRetry decides eligibility; nil falls back to PaymentError.Retryable.
	ShouldRetry func(*PaymentError) bool
}

// DefaultRetryPolicy is the generic policy used for session creation.
func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{
		MaxAttempts:       3,
		InitialDelay:      time.Second,
		BackoffMultiplier: 2,
		MaxDelay:          30 * time.Second,
	}
}

func (p RetryPolicy) shouldRetry(perr *PaymentError) bool {
	if p.ShouldRetry != nil {
		return p.ShouldRetry(perr)
	}
	return perr.Retryable
}

// NextDelay returns the delay that follows current, clamped at MaxDelay.
func (p RetryPolicy) NextDelay(current time.Duration) time.Duration {
	mult := p.BackoffMultiplier
	if mult < 1 {
		mult = 1
	}
	next := time.Duration(float64(current) * mult)
	if p.MaxDelay > 0 && next > p.MaxDelay {
		return p.MaxDelay
	}
	return next
}

// SleepFunc waits for d or until ctx is done.
type SleepFunc func(ctx context.Context, d time.Duration) error

// Sleep is the default SleepFunc.
func Sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

// RetryExecutor runs operations under a RetryPolicy. It keeps no per-call
// state, so one executor serves any number of concurrent loops.
type RetryExecutor struct {
	classifier *Classifier
	sleep      SleepFunc
	logger     *zap.Logger
}

// NewRetryExecutor creates an executor. A nil sleep uses Sleep.
func NewRetryExecutor(classifier *Classifier, sleep SleepFunc, logger *zap.Logger) *RetryExecutor {
	if classifier == nil {
		classifier = NewClassifier()
	}
	if sleep == nil {
		sleep = Sleep
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &RetryExecutor{classifier: classifier, sleep: sleep, logger: logger}
}

// RetryResult is the outcome of a retry loop.
type RetryResult[T any] struct {
	Value    T
	Attempts int
	Err      *PaymentError
}

// OK reports whether the loop ended in success.
func (r RetryResult[T]) OK() bool {
	return r.Err == nil
}

// Retry invokes op until it succeeds, the policy refuses another attempt or
// ctx ends. An ended context yields a system-kind RETRY_ABORTED error.
func Retry[T any](ctx context.Context, e *RetryExecutor, policy RetryPolicy, op func(ctx context.Context) (T, error)) RetryResult[T] {
	maxAttempts := policy.MaxAttempts
	if maxAttempts < 1 {
		maxAttempts = 1
	}
	delay := policy.InitialDelay

	var result RetryResult[T]
	for attempt := 1; ; attempt++ {
		if err := ctx.Err(); err != nil {
			result.Err = abortedError(err, result.Err)
			return result
		}

		result.Attempts = attempt
		value, err := op(ctx)
		if err == nil {
			result.Value = value
			result.Err = nil
			return result
		}

		perr := e.classifier.Classify(err)
		result.Err = perr
		if ctxErr := ctx.Err(); ctxErr != nil {
			result.Err = abortedError(ctxErr, perr)
			return result
		}
		if attempt >= maxAttempts || !policy.shouldRetry(perr) {
			return result
		}

		e.logger.Debug("Retrying operation",
			zap.Int("attempt", attempt),
			zap.Duration("delay", delay),
			zap.String("kind", string(perr.Kind)),
			zap.String("code", perr.Code),
		)
		if err := e.sleep(ctx, delay); err != nil {
			result.Err = abortedError(err, perr)
			return result
		}
		delay = policy.NextDelay(delay)
	}
}

func abortedError(cause error, last *PaymentError) *PaymentError {
	perr := NewError(KindSystem, CodeRetryAborted, cause.Error()).WithRetryable(false)
	if last != nil {
		perr.WithContext("last_code", last.Code).WithContext("last_kind", string(last.Kind))
	}
	return perr
}
