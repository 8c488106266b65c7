package exchange

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"os"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	apperrors "github.com/johnayoung/tradebot-collector/internal/errors"
)

func quietLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError}))
}

// testOptions points an adapter at srv with fast retries.
func testOptions(srv *httptest.Server) Options {
	return Options{
		BaseURL:           srv.URL,
		RequestsPerSecond: 1000,
		MaxRetries:        2,
		InitialBackoff:    time.Millisecond,
		MaxBackoff:        2 * time.Millisecond,
		Logger:            quietLogger(),
		HTTPClient:        srv.Client(),
	}
}

type recordingObserver struct {
	mu       sync.Mutex
	outcomes []string
}

func (r *recordingObserver) ObserveRequest(exchange, operation, outcome string, _ time.Duration) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.outcomes = append(r.outcomes, exchange+":"+operation+":"+outcome)
}

func TestNew_Registry(t *testing.T) {
	c, err := New("Binance", Options{})
	require.NoError(t, err)
	assert.Equal(t, "binance", c.Name())

	c, err = New("coinbase", Options{})
	require.NoError(t, err)
	assert.Equal(t, "coinbase", c.Name())

	_, err = New("kraken", Options{})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "binance, coinbase")
}

func TestRESTClient_RetriesServerErrors(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) < 3 {
			w.WriteHeader(http.StatusBadGateway)
			return
		}
		_, _ = w.Write([]byte(`{"ok":true}`))
	}))
	defer srv.Close()

	observer := &recordingObserver{}
	opts := testOptions(srv).withDefaults()
	opts.Observer = observer
	rc := newRESTClient("test", srv.URL, opts, nil)

	body, err := rc.get(context.Background(), "/ping", nil, request{operation: "ping"})
	require.NoError(t, err)
	assert.JSONEq(t, `{"ok":true}`, string(body))
	assert.Equal(t, int32(3), calls.Load())
	assert.Equal(t, []string{"test:ping:502", "test:ping:502", "test:ping:ok"}, observer.outcomes)
}

func TestRESTClient_ExhaustedRetriesAreTransient(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.Header().Set("Retry-After", "0")
		w.WriteHeader(http.StatusTooManyRequests)
	}))
	defer srv.Close()

	rc := newRESTClient("test", srv.URL, testOptions(srv).withDefaults(), func(int, []byte) string { return "always permanent" })

	_, err := rc.get(context.Background(), "/ping", nil, request{operation: "ping", symbol: "BTC/USDT"})
	require.Error(t, err)

	var transient *apperrors.TransientFetchError
	require.ErrorAs(t, err, &transient)
	assert.Equal(t, http.StatusTooManyRequests, transient.StatusCode)
	assert.Equal(t, "BTC/USDT", transient.Symbol)
	assert.False(t, apperrors.IsPermanent(err))
	assert.Equal(t, int32(3), calls.Load())
}

func TestRESTClient_LongRetryAfterFailsFast(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.Header().Set("Retry-After", "3600")
		w.WriteHeader(http.StatusTeapot)
	}))
	defer srv.Close()

	rc := newRESTClient("test", srv.URL, testOptions(srv).withDefaults(), nil)

	start := time.Now()
	_, err := rc.get(context.Background(), "/ping", nil, request{operation: "ping", symbol: "BTC/USDT"})
	assert.Less(t, time.Since(start), 5*time.Second)

	var transient *apperrors.TransientFetchError
	require.ErrorAs(t, err, &transient)
	assert.Equal(t, time.Hour, transient.RetryAfter)
	assert.Equal(t, http.StatusTeapot, transient.StatusCode)
	assert.Equal(t, int32(1), calls.Load(), "no retry inside the call")
}

func TestRESTClient_ClientErrorsAreNotRetried(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusForbidden)
	}))
	defer srv.Close()

	rc := newRESTClient("test", srv.URL, testOptions(srv).withDefaults(), func(int, []byte) string { return "" })

	_, err := rc.get(context.Background(), "/ping", nil, request{operation: "ping"})
	require.Error(t, err)
	assert.True(t, apperrors.IsTransient(err))
	assert.Equal(t, int32(1), calls.Load())
}

func TestRESTClient_Cancelled(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	defer srv.Close()

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	rc := newRESTClient("test", srv.URL, testOptions(srv).withDefaults(), nil)
	_, err := rc.get(ctx, "/ping", nil, request{operation: "ping"})
	require.Error(t, err)
	assert.True(t, errors.Is(err, context.Canceled))
}

func TestParseRetryAfter(t *testing.T) {
	assert.Equal(t, time.Duration(0), parseRetryAfter(""))
	assert.Equal(t, 3*time.Second, parseRetryAfter("3"))
	assert.Equal(t, time.Duration(0), parseRetryAfter("-1"))
	assert.Equal(t, time.Duration(0), parseRetryAfter("soon"))

	future := time.Now().Add(time.Hour).UTC().Format(http.TimeFormat)
	assert.Greater(t, parseRetryAfter(future), 30*time.Minute)
}

func TestMarketCache_TTL(t *testing.T) {
	loads := 0
	cache := newMarketCache(time.Minute, func(context.Context) ([]Market, error) {
		loads++
		return []Market{{Symbol: "ETH/USDT", ID: "ETHUSDT", Active: true}, {Symbol: "BTC/USDT", ID: "BTCUSDT", Active: true}}, nil
	})
	now := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	cache.now = func() time.Time { return now }

	markets, err := cache.all(context.Background())
	require.NoError(t, err)
	require.Len(t, markets, 2)
	assert.Equal(t, "BTC/USDT", markets[0].Symbol)

	m, ok, err := cache.lookup(context.Background(), "ETH/USDT")
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, "ETHUSDT", m.ID)
	assert.Equal(t, 1, loads)

	now = now.Add(2 * time.Minute)
	_, _, err = cache.lookup(context.Background(), "ETH/USDT")
	require.NoError(t, err)
	assert.Equal(t, 2, loads)
}
