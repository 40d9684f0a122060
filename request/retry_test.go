package request

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestDoRetriesIdempotent(t *testing.T) {
	calls := 0
	err := Do(context.Background(), Policy{Attempts: 3, Delay: time.Millisecond, Idempotent: true}, func(context.Context) error {
		calls++
		if calls < 3 {
			return fmt.Errorf("query: %w", ErrTimeout)
		}
		return nil
	})
	assert.NoError(t, err)
	assert.Equal(t, 3, calls)
}

func TestDoGivesUp(t *testing.T) {
	calls := 0
	err := Do(context.Background(), Policy{Attempts: 3, Idempotent: true, Name: "prekeys"}, func(context.Context) error {
		calls++
		return &IQError{Code: 500}
	})
	var iqErr *IQError
	assert.True(t, errors.As(err, &iqErr))
	assert.Equal(t, 3, calls)
}

func TestDoNeverRetriesNonIdempotent(t *testing.T) {
	calls := 0
	err := Do(context.Background(), Policy{Attempts: 5}, func(context.Context) error {
		calls++
		return ErrTimeout
	})
	assert.ErrorIs(t, err, ErrTimeout)
	assert.Equal(t, 1, calls)
}

func TestDoStopsOnPermanentError(t *testing.T) {
	calls := 0
	err := Do(context.Background(), Policy{Attempts: 5, Idempotent: true}, func(context.Context) error {
		calls++
		return &IQError{Code: 404, Text: "item-not-found"}
	})
	assert.Error(t, err)
	assert.Equal(t, 1, calls)
	assert.False(t, Retryable(ErrConnectionClosed))
}

func TestDoHonoursContext(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	calls := 0
	err := Do(ctx, Policy{Attempts: 5, Delay: time.Hour, Idempotent: true}, func(context.Context) error {
		calls++
		cancel()
		return ErrTimeout
	})
	assert.ErrorIs(t, err, context.Canceled)
	assert.Equal(t, 1, calls)
}
