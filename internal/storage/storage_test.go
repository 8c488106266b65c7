package storage

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/johnayoung/tradebot-collector/internal/models"
)

// 2024-01-01 00:00:00 UTC
const baseTS = int64(1704067200000)

var fixedClock = func() time.Time { return time.UnixMilli(baseTS + 3_600_000).UTC() }

func quietLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// createTestCandles generates count consecutive 1m candles for symbol with
// valid OHLC ordering.
func createTestCandles(symbol, timeframe string, count int, start int64) []models.Candle {
	step, _ := models.TimeframeMillis(timeframe)
	candles := make([]models.Candle, count)
	for i := 0; i < count; i++ {
		open := decimal.NewFromInt(int64(50000 + i*10))
		candles[i] = models.Candle{
			Symbol:    symbol,
			Timeframe: timeframe,
			Timestamp: start + int64(i)*step,
			Open:      open,
			High:      open.Add(decimal.RequireFromString("25.5")),
			Low:       open.Sub(decimal.RequireFromString("12.25")),
			Close:     open.Add(decimal.NewFromInt(5)),
			Volume:    decimal.RequireFromString(fmt.Sprintf("%d.125", 100+i)),
		}
	}
	return candles
}

type backendFactory func(t *testing.T) Store

func backends() map[string]backendFactory {
	return map[string]backendFactory{
		"sqlite": func(t *testing.T) Store {
			s, err := NewSQLiteStorage(":memory:", quietLogger(), WithClock(fixedClock))
			require.NoError(t, err)
			return s
		},
		"duckdb": func(t *testing.T) Store {
			s, err := NewDuckDBStorage(":memory:", quietLogger(), WithClock(fixedClock))
			require.NoError(t, err)
			return s
		},
		"memory": func(t *testing.T) Store {
			return NewMemoryStorage(WithClock(fixedClock))
		},
	}
}

// forEachBackend runs fn against a freshly initialized store per backend.
func forEachBackend(t *testing.T, fn func(t *testing.T, s Store)) {
	for name, factory := range backends() {
		t.Run(name, func(t *testing.T) {
			s := factory(t)
			t.Cleanup(func() { _ = s.Close() })
			require.NoError(t, s.InitSchema(context.Background()))
			fn(t, s)
		})
	}
}

func TestStore_InitSchemaIdempotent(t *testing.T) {
	forEachBackend(t, func(t *testing.T, s Store) {
		ctx := context.Background()
		require.NoError(t, s.InitSchema(ctx))
		require.NoError(t, s.InitSchema(ctx))
		require.NoError(t, s.HealthCheck(ctx))
	})
}

func TestStore_UpsertCandles(t *testing.T) {
	forEachBackend(t, func(t *testing.T, s Store) {
		ctx := context.Background()
		candles := createTestCandles("BTC/USDT", "1m", 5, baseTS)

		res, err := s.UpsertCandles(ctx, candles)
		require.NoError(t, err)
		assert.Equal(t, UpsertResult{Inserted: 5}, res)

		// same batch again changes nothing
		res, err = s.UpsertCandles(ctx, candles)
		require.NoError(t, err)
		assert.Equal(t, UpsertResult{Updated: 5}, res)

		counts, err := s.CountBySymbolTimeframe(ctx)
		require.NoError(t, err)
		assert.Equal(t, map[models.PairKey]int64{{Symbol: "BTC/USDT", Timeframe: "1m"}: 5}, counts)

		// overlapping batch: two existing, one new
		overlap := createTestCandles("BTC/USDT", "1m", 3, baseTS+3*60_000)
		overlap[0].Close = decimal.NewFromInt(50031)
		res, err = s.UpsertCandles(ctx, overlap)
		require.NoError(t, err)
		assert.Equal(t, UpsertResult{Inserted: 1, Updated: 2}, res)

		got, err := s.CandlesInRange(ctx, "BTC/USDT", "1m", baseTS, baseTS+10*60_000)
		require.NoError(t, err)
		require.Len(t, got, 6)
		assert.True(t, got[3].Close.Equal(decimal.NewFromInt(50031)), "latest write wins")
	})
}

func TestStore_UpsertCandles_DuplicateInBatch(t *testing.T) {
	forEachBackend(t, func(t *testing.T, s Store) {
		ctx := context.Background()
		batch := createTestCandles("ETH/USDT", "1m", 2, baseTS)
		dup := batch[0]
		dup.Close = decimal.NewFromInt(50002)
		batch = append(batch, dup)

		res, err := s.UpsertCandles(ctx, batch)
		require.NoError(t, err)
		assert.Equal(t, 2, res.Total())

		got, err := s.CandlesInRange(ctx, "ETH/USDT", "1m", baseTS, baseTS)
		require.NoError(t, err)
		require.Len(t, got, 1)
		assert.True(t, got[0].Close.Equal(decimal.NewFromInt(50002)))
	})
}

func TestStore_UpsertCandles_Empty(t *testing.T) {
	forEachBackend(t, func(t *testing.T, s Store) {
		res, err := s.UpsertCandles(context.Background(), nil)
		require.NoError(t, err)
		assert.Zero(t, res.Total())
	})
}

func TestStore_LatestTimestamp(t *testing.T) {
	forEachBackend(t, func(t *testing.T, s Store) {
		ctx := context.Background()

		_, ok, err := s.LatestTimestamp(ctx, "BTC/USDT", "1m")
		require.NoError(t, err)
		assert.False(t, ok)

		_, err = s.UpsertCandles(ctx, createTestCandles("BTC/USDT", "1m", 4, baseTS))
		require.NoError(t, err)
		_, err = s.UpsertCandles(ctx, createTestCandles("BTC/USDT", "5m", 1, baseTS+3_600_000))
		require.NoError(t, err)

		latest, ok, err := s.LatestTimestamp(ctx, "BTC/USDT", "1m")
		require.NoError(t, err)
		assert.True(t, ok)
		assert.Equal(t, baseTS+3*60_000, latest)
	})
}

func TestStore_CandlesInRange(t *testing.T) {
	forEachBackend(t, func(t *testing.T, s Store) {
		ctx := context.Background()
		candles := createTestCandles("BTC/USDT", "1m", 10, baseTS)
		// insert out of order
		_, err := s.UpsertCandles(ctx, append(candles[5:], candles[:5]...))
		require.NoError(t, err)

		tests := []struct {
			name  string
			start int64
			end   int64
			want  int
		}{
			{"inclusive bounds", baseTS + 60_000, baseTS + 3*60_000, 3},
			{"whole range", baseTS, baseTS + 9*60_000, 10},
			{"before data", baseTS - 10*60_000, baseTS - 60_000, 0},
			{"single point", baseTS + 9*60_000, baseTS + 9*60_000, 1},
		}
		for _, tt := range tests {
			t.Run(tt.name, func(t *testing.T) {
				got, err := s.CandlesInRange(ctx, "BTC/USDT", "1m", tt.start, tt.end)
				require.NoError(t, err)
				require.Len(t, got, tt.want)
				for i := 1; i < len(got); i++ {
					assert.Less(t, got[i-1].Timestamp, got[i].Timestamp)
				}
			})
		}

		got, err := s.CandlesInRange(ctx, "BTC/USDT", "1m", baseTS, baseTS)
		require.NoError(t, err)
		require.Len(t, got, 1)
		assert.Equal(t, "BTC/USDT", got[0].Symbol)
		assert.True(t, got[0].Open.Equal(decimal.NewFromInt(50000)))
		assert.True(t, got[0].Low.Equal(decimal.RequireFromString("49987.75")))
		assert.Equal(t, fixedClock().UnixMilli(), got[0].CreatedAt.UnixMilli())
	})
}

func TestStore_Ticks(t *testing.T) {
	forEachBackend(t, func(t *testing.T, s Store) {
		ctx := context.Background()

		tick, err := s.LatestTick(ctx, "BTC/USDT")
		require.NoError(t, err)
		assert.Nil(t, tick)

		ticks := []models.Tick{
			{Symbol: "BTC/USDT", Timestamp: baseTS, Last: decimal.NewNullDecimal(decimal.NewFromInt(42000))},
			{Symbol: "BTC/USDT", Timestamp: baseTS + 1000, Last: decimal.NewNullDecimal(decimal.NewFromInt(42010)),
				Bid: decimal.NewNullDecimal(decimal.NewFromInt(42009))},
			{Symbol: "ETH/USDT", Timestamp: baseTS + 5000, Last: decimal.NewNullDecimal(decimal.NewFromInt(2300))},
		}
		n, err := s.InsertTicks(ctx, ticks)
		require.NoError(t, err)
		assert.Equal(t, 3, n)

		// ticks are append-only
		n, err = s.InsertTicks(ctx, ticks[:1])
		require.NoError(t, err)
		assert.Equal(t, 1, n)

		latest, err := s.LatestTick(ctx, "BTC/USDT")
		require.NoError(t, err)
		require.NotNil(t, latest)
		assert.Equal(t, baseTS+1000, latest.Timestamp)
		assert.True(t, latest.Last.Decimal.Equal(decimal.NewFromInt(42010)))
		assert.True(t, latest.Bid.Valid)
		assert.False(t, latest.Ask.Valid)
		assert.False(t, latest.Volume.Valid)

		counts, err := s.TableCounts(ctx)
		require.NoError(t, err)
		assert.Equal(t, int64(4), counts[TableTickers])
		assert.Equal(t, int64(0), counts[TableOHLCV])
	})
}

func TestStore_NullCandlesEmpty(t *testing.T) {
	forEachBackend(t, func(t *testing.T, s Store) {
		ctx := context.Background()
		_, err := s.UpsertCandles(ctx, createTestCandles("BTC/USDT", "1m", 3, baseTS))
		require.NoError(t, err)

		keys, err := s.NullCandles(ctx, "BTC/USDT", "1m", baseTS, baseTS+10*60_000)
		require.NoError(t, err)
		assert.Empty(t, keys)
	})
}

type recordingObserver struct {
	ops []string
}

func (r *recordingObserver) ObserveQuery(backend, operation string, _ time.Duration, _ error) {
	r.ops = append(r.ops, backend+":"+operation)
}

func TestStore_Observer(t *testing.T) {
	obs := &recordingObserver{}
	s, err := NewSQLiteStorage(":memory:", quietLogger(), WithObserver(obs))
	require.NoError(t, err)
	defer s.Close()

	ctx := context.Background()
	require.NoError(t, s.InitSchema(ctx))
	_, err = s.UpsertCandles(ctx, createTestCandles("BTC/USDT", "1m", 1, baseTS))
	require.NoError(t, err)
	_, _, err = s.LatestTimestamp(ctx, "BTC/USDT", "1m")
	require.NoError(t, err)

	assert.Equal(t, []string{"sqlite:init_schema", "sqlite:upsert_candles", "sqlite:latest_timestamp"}, obs.ops)
}

func TestDedupeCandles(t *testing.T) {
	candles := createTestCandles("BTC/USDT", "1m", 3, baseTS)
	replacement := candles[1]
	replacement.Volume = decimal.NewFromInt(1)

	out := dedupeCandles(append(candles, replacement))
	require.Len(t, out, 3)
	assert.Equal(t, baseTS+60_000, out[1].Timestamp)
	assert.True(t, out[1].Volume.Equal(decimal.NewFromInt(1)))
}

func TestStorageError(t *testing.T) {
	inner := fmt.Errorf("disk full")
	err := NewInsertError(TableOHLCV, inner)
	assert.Equal(t, "storage operation insert on table ohlcv failed: disk full", err.Error())
	assert.ErrorIs(t, err, inner)

	err = NewStorageError("health_check", "", "", inner)
	assert.Equal(t, "storage operation health_check failed: disk full", err.Error())
}
