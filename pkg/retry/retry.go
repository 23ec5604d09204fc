// Package retry applies one backoff policy to every remote call made by the
// registrar and the blob transfer.
package retry

import (
	"context"
	"time"

	goretry "github.com/sethvargo/go-retry"

	"github.com/equinor/fmu-sumo-uploader/pkg/uploaderr"
)

const (
	// DefaultMaxAttempts is the total number of attempts, including the first.
	DefaultMaxAttempts = 4

	// DefaultBaseDelay is the delay before the first retry.
	DefaultBaseDelay = 500 * time.Millisecond

	// DefaultMaxDelay caps the exponential delay.
	DefaultMaxDelay = 10 * time.Second
)

// Policy describes how a failing call is retried.
type Policy struct {
	MaxAttempts int
	BaseDelay   time.Duration
	MaxDelay    time.Duration
	// Retryable decides which errors are retried. Defaults to transient
	// errors only.
	Retryable func(error) bool
}

// DefaultPolicy returns the policy used when nothing is configured.
func DefaultPolicy() Policy {
	return Policy{
		MaxAttempts: DefaultMaxAttempts,
		BaseDelay:   DefaultBaseDelay,
		MaxDelay:    DefaultMaxDelay,
		Retryable:   uploaderr.IsRetryable,
	}
}

// Func is a single attempt. attempt starts at 1.
type Func func(ctx context.Context, attempt int) error

// Do runs fn until it succeeds, returns a non-retryable error, or the attempt
// budget is spent. The last error is returned unchanged. If ctx ends while
// waiting between attempts a KindCancelled error is returned.
func (p Policy) Do(ctx context.Context, op string, fn Func) error {
	attempt := 0

	var lastErr error

	err := goretry.Do(ctx, p.backoff(), func(ctx context.Context) error {
		attempt++

		err := fn(ctx, attempt)
		if err == nil {
			return nil
		}

		lastErr = err

		if p.retryable(err) {
			return goretry.RetryableError(err)
		}

		return err
	})
	if err == nil {
		return nil
	}

	if ctxErr := ctx.Err(); ctxErr != nil && err == ctxErr {
		if lastErr != nil {
			return uploaderr.New(uploaderr.KindCancelled, op, lastErr)
		}

		return uploaderr.New(uploaderr.KindCancelled, op, ctxErr)
	}

	return err
}

func (p Policy) retryable(err error) bool {
	if p.Retryable == nil {
		return uploaderr.IsRetryable(err)
	}

	return p.Retryable(err)
}

func (p Policy) backoff() goretry.Backoff {
	base := p.BaseDelay
	if base <= 0 {
		base = DefaultBaseDelay
	}

	maxDelay := p.MaxDelay
	if maxDelay < base {
		maxDelay = base
	}

	attempts := p.MaxAttempts
	if attempts < 1 {
		attempts = 1
	}

	b := goretry.NewExponential(base)
	b = goretry.WithJitterPercent(10, b)
	b = goretry.WithCappedDuration(maxDelay, b)

	return goretry.WithMaxRetries(uint64(attempts-1), b)
}
