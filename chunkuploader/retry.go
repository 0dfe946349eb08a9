package chunkuploader

import (
	"context"
	"errors"
	"time"

	"github.com/bitrise-io/go-utils/v2/log"
	"github.com/cenkalti/backoff/v4"
)

const maxRetryInterval = 5 * time.Minute

// RetryPolicy retries a part upload on *TransferError.
// The wait before attempt n+1 is BaseDelay * 2^(n-1): 1s, 2s, 4s... with the default base delay.
type RetryPolicy struct {
	MaxAttempts int
	BaseDelay   time.Duration

	logger log.Logger
	wait   func(ctx context.Context, d time.Duration) error
}

// NewRetryPolicy ...
func NewRetryPolicy(maxAttempts int, baseDelay time.Duration, logger log.Logger) RetryPolicy {
	return RetryPolicy{
		MaxAttempts: maxAttempts,
		BaseDelay:   baseDelay,
		logger:      logger,
		wait:        waitContext,
	}
}

// Do calls op until it succeeds, at most MaxAttempts times; attempt is 0 based.
// Errors other than *TransferError are returned right away, so are cancellations.
// A done ctx stops both the attempts and the waits between them with an error wrapping ErrCancelled.
func (p RetryPolicy) Do(ctx context.Context, op func(ctx context.Context, attempt int) error) error {
	intervals := p.newBackOff()

	var lastErr error
	for attempt := 0; attempt < p.MaxAttempts; attempt++ {
		if ctx.Err() != nil {
			return cancelledf("before attempt %d", attempt+1)
		}

		err := op(ctx, attempt)
		if err == nil {
			return nil
		}

		var transferErr *TransferError
		if errors.Is(err, ErrCancelled) || !errors.As(err, &transferErr) {
			return err
		}
		lastErr = err

		if attempt == p.MaxAttempts-1 {
			break
		}

		delay := intervals.NextBackOff()
		p.logger.Warnf("Attempt %d/%d failed: %s, retrying in %s", attempt+1, p.MaxAttempts, err, delay)
		if err := p.wait(ctx, delay); err != nil {
			return err
		}
	}

	return &ExhaustedRetriesError{Attempts: p.MaxAttempts, Err: lastErr}
}

func (p RetryPolicy) newBackOff() backoff.BackOff {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = p.BaseDelay
	b.Multiplier = 2
	b.RandomizationFactor = 0
	b.MaxInterval = maxRetryInterval
	b.MaxElapsedTime = 0
	b.Reset()
	return b
}

func waitContext(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()

	select {
	case <-ctx.Done():
		return cancelledf("waiting %s before retry", d)
	case <-timer.C:
		return nil
	}
}
