package storage

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var fastRetry = RetryPolicy{MaxRetries: 3, InitialInterval: time.Millisecond, MaxInterval: 2 * time.Millisecond}

func TestRetry_SucceedsAfterTransientFailures(t *testing.T) {
	calls := 0
	notified := 0
	err := Retry(context.Background(), "insert", fastRetry, func(context.Context) error {
		calls++
		if calls < 3 {
			return errors.New("connection reset")
		}
		return nil
	}, func(error, time.Duration) { notified++ })

	require.NoError(t, err)
	assert.Equal(t, 3, calls)
	assert.Equal(t, 2, notified)
}

func TestRetry_ExhaustionIsStorageWriteError(t *testing.T) {
	cause := errors.New("database down")
	calls := 0
	err := Retry(context.Background(), "insert raw_trades", fastRetry, func(context.Context) error {
		calls++
		return cause
	}, nil)

	var swe *StorageWriteError
	require.ErrorAs(t, err, &swe)
	assert.Equal(t, "insert raw_trades", swe.Op)
	assert.Equal(t, 4, swe.Attempts)
	assert.Equal(t, 4, calls)
	assert.ErrorIs(t, err, cause)
	assert.True(t, IsStorageWriteError(fmt.Errorf("wrapped: %w", err)))
}

func TestRetry_PermanentErrorsAreNotRetried(t *testing.T) {
	for _, perm := range []error{ErrInvalidInput, ErrDuplicateKey} {
		calls := 0
		err := Retry(context.Background(), "insert", fastRetry, func(context.Context) error {
			calls++
			return fmt.Errorf("row 3: %w", perm)
		}, nil)

		assert.ErrorIs(t, err, perm)
		assert.False(t, IsStorageWriteError(err))
		assert.Equal(t, 1, calls)
	}
}

func TestRetry_CancelledContext(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	err := Retry(ctx, "insert", fastRetry, func(ctx context.Context) error {
		return ctx.Err()
	}, nil)

	assert.ErrorIs(t, err, context.Canceled)
	assert.False(t, IsStorageWriteError(err))
}
