package metrics

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/johnayoung/tradebot-collector/internal/config"
	"github.com/johnayoung/tradebot-collector/internal/models"
)

func quietLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func TestRecorder_ObservePair(t *testing.T) {
	r := NewRecorder()

	r.ObservePair("candles", models.PairResult{Symbol: "BTC/USDT", Timeframe: "1m", Outcome: models.OutcomeOK, Inserted: 5, Updated: 2, Invalid: 1})
	r.ObservePair("candles", models.PairResult{Symbol: "BTC/USDT", Timeframe: "1m", Outcome: models.OutcomeOK, Inserted: 3})
	r.ObservePair("candles", models.PairResult{Symbol: "ETH/USDT", Timeframe: "1m", Outcome: models.OutcomePermanent})
	r.ObservePair("ticker", models.PairResult{Symbol: "BTC/USDT", Outcome: models.OutcomeOK, Inserted: 1})

	assert.Equal(t, 8.0, testutil.ToFloat64(r.candles.WithLabelValues("BTC/USDT", "1m", "inserted")))
	assert.Equal(t, 2.0, testutil.ToFloat64(r.candles.WithLabelValues("BTC/USDT", "1m", "updated")))
	assert.Equal(t, 1.0, testutil.ToFloat64(r.invalidCandles.WithLabelValues("BTC/USDT", "1m")))
	assert.Equal(t, 2.0, testutil.ToFloat64(r.pairs.WithLabelValues("candles", "ok")))
	assert.Equal(t, 1.0, testutil.ToFloat64(r.pairs.WithLabelValues("ticker", "ok")))
	assert.Equal(t, 1.0, testutil.ToFloat64(r.prunedPairs))
	assert.Equal(t, 2, testutil.CollectAndCount(r.candles))
}

func TestRecorder_ObserveRequestAndQuery(t *testing.T) {
	r := NewRecorder()

	r.ObserveRequest("binance", "fetch_ohlcv", "ok", 20*time.Millisecond)
	r.ObserveRequest("binance", "fetch_ohlcv", "rate_limited", 5*time.Millisecond)
	r.ObserveQuery("sqlite", "upsert_candles", time.Millisecond, nil)
	r.ObserveQuery("sqlite", "upsert_candles", time.Millisecond, errors.New("locked"))

	assert.Equal(t, 1.0, testutil.ToFloat64(r.requests.WithLabelValues("binance", "fetch_ohlcv", "ok")))
	assert.Equal(t, 1.0, testutil.ToFloat64(r.requests.WithLabelValues("binance", "fetch_ohlcv", "rate_limited")))
	assert.Equal(t, 1.0, testutil.ToFloat64(r.queries.WithLabelValues("sqlite", "upsert_candles", "ok")))
	assert.Equal(t, 1.0, testutil.ToFloat64(r.queries.WithLabelValues("sqlite", "upsert_candles", "error")))
}

func TestRecorder_ObserveCycle(t *testing.T) {
	r := NewRecorder()
	assert.True(t, r.LastCycle().IsZero())

	start := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	r.ObserveCycle(&models.CycleReport{StartedAt: start, FinishedAt: start.Add(3 * time.Second)})
	r.ObserveCycle(&models.CycleReport{StartedAt: start, FinishedAt: start.Add(4 * time.Second), Interrupted: true})

	assert.Equal(t, 1.0, testutil.ToFloat64(r.cycles.WithLabelValues("false")))
	assert.Equal(t, 1.0, testutil.ToFloat64(r.cycles.WithLabelValues("true")))
	assert.Equal(t, float64(start.Add(4*time.Second).Unix()), testutil.ToFloat64(r.lastCycle))
	assert.Equal(t, start.Add(4*time.Second), r.LastCycle())
}

type healthFunc func(ctx context.Context) error

func (f healthFunc) HealthCheck(ctx context.Context) error { return f(ctx) }

func TestServer_Endpoints(t *testing.T) {
	r := NewRecorder()
	r.ObserveRequest("coinbase", "fetch_ticker", "ok", time.Millisecond)

	var healthErr error
	srv := NewServer(config.MetricsConfig{Path: "/metrics"}, r, healthFunc(func(context.Context) error { return healthErr }), time.Minute, quietLogger())
	now := time.Date(2024, 1, 1, 0, 10, 0, 0, time.UTC)
	srv.now = func() time.Time { return now }
	handler := srv.Handler()

	get := func(path string) (int, string) {
		rec := httptest.NewRecorder()
		handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, path, nil))
		return rec.Code, rec.Body.String()
	}

	t.Run("metrics", func(t *testing.T) {
		code, body := get("/metrics")
		assert.Equal(t, http.StatusOK, code)
		assert.Contains(t, body, `tradebot_exchange_requests_total{exchange="coinbase",operation="fetch_ticker",outcome="ok"} 1`)
		assert.Contains(t, body, "go_goroutines")
	})

	t.Run("health", func(t *testing.T) {
		code, body := get("/health")
		assert.Equal(t, http.StatusOK, code)
		assert.Contains(t, body, `"healthy"`)

		healthErr = errors.New("database is closed")
		code, body = get("/health")
		assert.Equal(t, http.StatusServiceUnavailable, code)
		assert.Contains(t, body, "database is closed")
		healthErr = nil
	})

	t.Run("readiness", func(t *testing.T) {
		code, _ := get("/ready")
		assert.Equal(t, http.StatusServiceUnavailable, code)

		r.ObserveCycle(&models.CycleReport{StartedAt: now.Add(-40 * time.Second), FinishedAt: now.Add(-30 * time.Second)})
		code, body := get("/ready")
		assert.Equal(t, http.StatusOK, code)
		var payload map[string]any
		require.NoError(t, json.NewDecoder(strings.NewReader(body)).Decode(&payload))
		assert.Equal(t, "ready", payload["status"])

		now = now.Add(5 * time.Minute)
		code, _ = get("/ready")
		assert.Equal(t, http.StatusServiceUnavailable, code)
	})
}
