package storage

import (
	"context"
	"errors"
	"time"

	"github.com/cenkalti/backoff/v4"
)

const readRetryAttempts = 3

// withReadRetry retries fn with bounded exponential backoff. It is used only
// for read operations: retrying a write after a partial failure is unsafe, so
// writes surface their first error.
//
// ErrNotFound and context cancellation stop the retry loop immediately.
func withReadRetry(ctx context.Context, fn func() error) error {
	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = 100 * time.Millisecond
	bo.MaxInterval = 2 * time.Second

	wrapped := func() error {
		err := fn()
		if err == nil {
			return nil
		}
		if errors.Is(err, ErrNotFound) || errors.Is(err, ErrValidation) {
			return backoff.Permanent(err)
		}
		return err
	}

	return backoff.Retry(wrapped, backoff.WithContext(
		backoff.WithMaxRetries(bo, readRetryAttempts), ctx,
	))
}
