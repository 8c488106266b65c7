package errors

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestKindOf(t *testing.T) {
	tests := []struct {
		name     string
		err      error
		expected Kind
	}{
		{
			name:     "nil error",
			err:      nil,
			expected: "",
		},
		{
			name:     "transient fetch",
			err:      NewTransientFetch("binance", "fetch_ohlcv", "BTC/USDT", "1m", fmt.Errorf("server error 502")),
			expected: KindTransientFetch,
		},
		{
			name:     "wrapped permanent fetch",
			err:      fmt.Errorf("cycle: %w", NewPermanentFetch("binance", "fetch_ohlcv", "FOO/BAR", "1m", "invalid symbol", nil)),
			expected: KindPermanentFetch,
		},
		{
			name:     "storage busy",
			err:      NewStorageBusy("upsert", "ohlcv", fmt.Errorf("database is locked")),
			expected: KindStorageBusy,
		},
		{
			name:     "config error",
			err:      &ConfigError{Problems: []string{"symbols must not be empty"}},
			expected: KindConfiguration,
		},
		{
			name:     "untyped timeout is transient",
			err:      fmt.Errorf("request: %w", context.DeadlineExceeded),
			expected: KindTransientFetch,
		},
		{
			name:     "untyped connection refused is transient",
			err:      fmt.Errorf("dial tcp: connection refused"),
			expected: KindTransientFetch,
		},
		{
			name:     "anything else",
			err:      fmt.Errorf("schema corrupted"),
			expected: KindUnknown,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.expected, KindOf(tt.err))
		})
	}
}

func TestTypedErrors_Unwrap(t *testing.T) {
	root := errors.New("boom")

	transient := NewTransientFetch("coinbase", "fetch_ticker", "BTC/USD", "", root)
	assert.ErrorIs(t, transient, root)
	assert.True(t, IsTransient(transient))
	assert.False(t, IsPermanent(transient))
	assert.Contains(t, transient.Error(), "BTC/USD")

	permanent := NewPermanentFetch("coinbase", "fetch_ohlcv", "BTC/USD", "7m", "unsupported timeframe", root)
	assert.ErrorIs(t, permanent, root)
	assert.Contains(t, permanent.Error(), "unsupported timeframe")
	assert.Contains(t, permanent.Error(), "BTC/USD 7m")

	busy := NewStorageBusy("insert", "tickers", root)
	assert.ErrorIs(t, busy, root)
	assert.True(t, IsStorageBusy(fmt.Errorf("wrapped: %w", busy)))
}

func TestConfigError_Message(t *testing.T) {
	err := &ConfigError{Problems: []string{"a", "b"}}
	assert.Equal(t, "configuration validation errors:\n- a\n- b", err.Error())
}

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError}))
}

func fastPolicy(attempts int) RetryPolicy {
	return RetryPolicy{MaxAttempts: attempts, InitialDelay: time.Millisecond, MaxDelay: 2 * time.Millisecond}
}

func TestRetryOnBusy(t *testing.T) {
	t.Run("succeeds after busy attempts", func(t *testing.T) {
		calls := 0
		err := RetryOnBusy(context.Background(), fastPolicy(4), testLogger(), "upsert", func() error {
			calls++
			if calls < 3 {
				return NewStorageBusy("upsert", "ohlcv", errors.New("locked"))
			}
			return nil
		})
		require.NoError(t, err)
		assert.Equal(t, 3, calls)
	})

	t.Run("gives up after max attempts", func(t *testing.T) {
		calls := 0
		err := RetryOnBusy(context.Background(), fastPolicy(3), testLogger(), "upsert", func() error {
			calls++
			return NewStorageBusy("upsert", "ohlcv", errors.New("locked"))
		})
		require.Error(t, err)
		assert.True(t, IsStorageBusy(err))
		assert.Equal(t, 3, calls)
	})

	t.Run("does not retry other errors", func(t *testing.T) {
		calls := 0
		boom := errors.New("constraint failed")
		err := RetryOnBusy(context.Background(), fastPolicy(5), testLogger(), "upsert", func() error {
			calls++
			return boom
		})
		assert.ErrorIs(t, err, boom)
		assert.Equal(t, 1, calls)
	})
}
