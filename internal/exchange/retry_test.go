package exchange

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func fastRetry(attempts int) RetryConfig {
	return RetryConfig{
		MaxAttempts:    attempts,
		InitialBackoff: time.Millisecond,
		MaxBackoff:     5 * time.Millisecond,
		BackoffFactor:  2.0,
	}
}

func TestWithRetrySucceedsFirstTry(t *testing.T) {
	calls := 0
	err := WithRetry(context.Background(), fastRetry(3), func() error {
		calls++
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, 1, calls)
}

func TestWithRetryRetriesTransientErrors(t *testing.T) {
	calls := 0
	err := WithRetry(context.Background(), fastRetry(3), func() error {
		calls++
		if calls < 3 {
			return errors.New("connection refused")
		}
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, 3, calls)
}

func TestWithRetryExhaustsAttempts(t *testing.T) {
	calls := 0
	err := WithRetry(context.Background(), fastRetry(3), func() error {
		calls++
		return errors.New("timeout")
	})
	require.Error(t, err)
	assert.Equal(t, 3, calls)
	assert.Contains(t, err.Error(), "after 3 attempts")
}

func TestWithRetryAbortsOnPermanentError(t *testing.T) {
	calls := 0
	permanent := &AdapterError{Op: "fetch_ticker", Symbol: "NOPEUSDT",
		Permanent: true, Err: errors.New("unknown symbol")}
	err := WithRetry(context.Background(), fastRetry(5), func() error {
		calls++
		return permanent
	})
	require.Error(t, err)
	assert.Equal(t, 1, calls)

	var ae *AdapterError
	assert.ErrorAs(t, err, &ae)
}

func TestWithRetryAbortsOnOpenCircuit(t *testing.T) {
	calls := 0
	err := WithRetry(context.Background(), fastRetry(5), func() error {
		calls++
		return &AdapterError{Op: "fetch_ticker", Err: ErrCircuitOpen}
	})
	require.Error(t, err)
	assert.Equal(t, 1, calls)
	assert.ErrorIs(t, err, ErrCircuitOpen)
}

func TestWithRetryRespectsContext(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	calls := 0
	err := WithRetry(ctx, fastRetry(3), func() error {
		calls++
		return errors.New("timeout")
	})
	require.Error(t, err)
	assert.ErrorIs(t, err, context.Canceled)
	assert.Zero(t, calls)
}

func TestIsRetryable(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want bool
	}{
		{"nil", nil, false},
		{"connection refused", errors.New("dial tcp: connection refused"), true},
		{"timeout", errors.New("request timeout"), true},
		{"rate limit", errors.New("429 too many requests"), true},
		{"binance internal", errors.New("code=-1001 internal error"), true},
		{"permanent adapter error", &AdapterError{Op: "x", Permanent: true,
			Err: errors.New("bad symbol")}, false},
		{"wrapped permanent", &AdapterError{Op: "x",
			Err: &AdapterError{Op: "y", Permanent: true, Err: errors.New("nope")}}, false},
		{"circuit open", &AdapterError{Op: "x", Err: ErrCircuitOpen}, false},
		{"generic", errors.New("something else"), false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, IsRetryable(tt.err))
		})
	}
}
