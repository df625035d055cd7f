package retry

import (
	"context"
	stderrors "errors"
	"time"

	"github.com/cenkalti/backoff/v4"

	"github.com/wudi/relay/internal/errors"
	"github.com/wudi/relay/internal/rule"
)

// Policy runs an operation up to 1+MaxRetries times with a constant delay
// between attempts. Each attempt gets its own timeout; an attempt that times
// out ends the sequence without further retries.
type Policy struct {
	MaxRetries    int
	Delay         time.Duration
	PerTryTimeout time.Duration
}

// Operation is one attempt. ctx carries the per-attempt deadline.
type Operation func(ctx context.Context, attempt int) error

// NotifyFunc is called after a failed attempt, before waiting to retry.
type NotifyFunc func(err error, attempt int, wait time.Duration)

// NewPolicy creates a retry policy.
func NewPolicy(maxRetries int, delay, perTryTimeout time.Duration) *Policy {
	if maxRetries < 0 {
		maxRetries = 0
	}
	return &Policy{
		MaxRetries:    maxRetries,
		Delay:         delay,
		PerTryTimeout: perTryTimeout,
	}
}

// ForRule builds the policy for a forward rule. defaultTimeout applies when
// the rule has no timeout of its own.
func ForRule(r *rule.ForwardRule, defaultTimeout time.Duration) *Policy {
	return NewPolicy(r.RetryCount, r.RetryDelay(), r.Timeout(defaultTimeout))
}

// Attempts returns the maximum number of attempts.
func (p *Policy) Attempts() int {
	return p.MaxRetries + 1
}

// Execute runs op with retries. It returns the number of attempts made and
// the final error. A timed-out attempt yields an error matching
// errors.ErrTimeout and is never retried.
func (p *Policy) Execute(ctx context.Context, op Operation, notify NotifyFunc) (int, error) {
	attempts := 0

	operation := func() error {
		attempts++
		err := p.attempt(ctx, op, attempts)
		if err == nil {
			return nil
		}
		if isTimeout(ctx, err) {
			return backoff.Permanent(errors.Wrap(errors.ErrTimeout, err))
		}
		if ctx.Err() != nil {
			return backoff.Permanent(ctx.Err())
		}
		return err
	}

	var b backoff.BackOff = backoff.NewConstantBackOff(p.Delay)
	b = backoff.WithMaxRetries(b, uint64(p.MaxRetries))
	b = backoff.WithContext(b, ctx)

	var onRetry backoff.Notify
	if notify != nil {
		onRetry = func(err error, wait time.Duration) {
			notify(err, attempts, wait)
		}
	}

	err := backoff.RetryNotify(operation, b, onRetry)
	if err != nil && stderrors.Is(err, context.DeadlineExceeded) && !stderrors.Is(err, errors.ErrTimeout) {
		// The parent deadline expired while waiting between attempts.
		err = errors.Wrap(errors.ErrTimeout, err)
	}
	return attempts, err
}

func (p *Policy) attempt(ctx context.Context, op Operation, n int) error {
	if p.PerTryTimeout <= 0 {
		return op(ctx, n)
	}
	tryCtx, cancel := context.WithTimeout(ctx, p.PerTryTimeout)
	defer cancel()
	err := op(tryCtx, n)
	if err != nil && tryCtx.Err() == context.DeadlineExceeded {
		return context.DeadlineExceeded
	}
	return err
}

func isTimeout(ctx context.Context, err error) bool {
	if stderrors.Is(err, errors.ErrTimeout) {
		return true
	}
	if stderrors.Is(err, context.DeadlineExceeded) {
		return true
	}
	return ctx.Err() == context.DeadlineExceeded
}

// Permanent marks err so that Execute returns it without retrying.
func Permanent(err error) error {
	return backoff.Permanent(err)
}
