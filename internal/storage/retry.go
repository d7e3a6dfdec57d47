package storage

import (
	"context"
	"errors"
	"time"

	"github.com/cenkalti/backoff/v4"
)

// RetryPolicy bounds write retries.
type RetryPolicy struct {
	MaxRetries      int
	InitialInterval time.Duration
	MaxInterval     time.Duration
}

// DefaultRetryPolicy returns the default write retry policy.
func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{
		MaxRetries:      5,
		InitialInterval: 100 * time.Millisecond,
		MaxInterval:     5 * time.Second,
	}
}

// Retry runs fn with exponential backoff. ErrInvalidInput and ErrDuplicateKey
// are returned immediately. Exhausting the budget returns a *StorageWriteError.
// notify, when set, is called before every retry.
func Retry(ctx context.Context, op string, p RetryPolicy, fn func(ctx context.Context) error, notify func(err error, next time.Duration)) error {
	exp := backoff.NewExponentialBackOff()
	if p.InitialInterval > 0 {
		exp.InitialInterval = p.InitialInterval
	}
	if p.MaxInterval > 0 {
		exp.MaxInterval = p.MaxInterval
	}
	exp.MaxElapsedTime = 0

	maxRetries := p.MaxRetries
	if maxRetries < 0 {
		maxRetries = 0
	}
	b := backoff.WithContext(backoff.WithMaxRetries(exp, uint64(maxRetries)), ctx)

	attempts := 0
	err := backoff.RetryNotify(func() error {
		attempts++
		err := fn(ctx)
		if errors.Is(err, ErrInvalidInput) || errors.Is(err, ErrDuplicateKey) {
			return backoff.Permanent(err)
		}
		return err
	}, b, notify)
	if err == nil {
		return nil
	}

	if errors.Is(err, ErrInvalidInput) || errors.Is(err, ErrDuplicateKey) {
		return err
	}
	if ctxErr := ctx.Err(); ctxErr != nil && errors.Is(err, ctxErr) {
		return err
	}
	return &StorageWriteError{Op: op, Attempts: attempts, Err: err}
}
