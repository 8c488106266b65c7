package validator

import (
	"bytes"
	"context"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/johnayoung/tradebot-collector/internal/models"
	"github.com/johnayoung/tradebot-collector/internal/storage"
)

// 2024-01-01 00:00:00 UTC
const t0 = int64(1704067200000)

func quietLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func candle(symbol, tf string, ts int64, o, h, l, c, v string) models.Candle {
	return models.Candle{
		Symbol:    symbol,
		Timeframe: tf,
		Timestamp: ts,
		Open:      decimal.RequireFromString(o),
		High:      decimal.RequireFromString(h),
		Low:       decimal.RequireFromString(l),
		Close:     decimal.RequireFromString(c),
		Volume:    decimal.RequireFromString(v),
	}
}

func series(symbol, tf string, start int64, n int) []models.Candle {
	step, _ := models.TimeframeMillis(tf)
	out := make([]models.Candle, n)
	for i := range out {
		out[i] = candle(symbol, tf, start+int64(i)*step, "100", "110", "90", "105", "12.5")
	}
	return out
}

func TestDetectGaps(t *testing.T) {
	tests := []struct {
		name       string
		timeframe  string
		timestamps []int64
		tolerance  float64
		want       []int64
		wantErr    bool
	}{
		{
			name:       "two missing minutes",
			timeframe:  "1m",
			timestamps: []int64{t0, t0 + 60_000, t0 + 240_000},
			tolerance:  1.5,
			want:       []int64{t0 + 120_000, t0 + 180_000},
		},
		{
			name:       "contiguous",
			timeframe:  "1m",
			timestamps: []int64{t0, t0 + 60_000, t0 + 120_000},
			tolerance:  1.5,
		},
		{
			name:       "unsorted input",
			timeframe:  "5m",
			timestamps: []int64{t0 + 900_000, t0},
			tolerance:  1.5,
			want:       []int64{t0 + 300_000, t0 + 600_000},
		},
		{
			name:       "within tolerance",
			timeframe:  "1m",
			timestamps: []int64{t0, t0 + 110_000},
			tolerance:  2,
		},
		{
			name:       "duplicates ignored",
			timeframe:  "1m",
			timestamps: []int64{t0, t0, t0 + 60_000},
			tolerance:  1.5,
		},
		{
			name:       "single row",
			timeframe:  "1h",
			timestamps: []int64{t0},
			tolerance:  1.5,
		},
		{
			name:       "bad timeframe",
			timeframe:  "bogus",
			timestamps: []int64{t0, t0 + 1},
			wantErr:    true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			gaps, err := DetectGaps("BTC/USDT", tt.timeframe, tt.timestamps, tt.tolerance)
			if tt.wantErr {
				require.Error(t, err)
				return
			}
			require.NoError(t, err)

			var got []int64
			for _, g := range gaps {
				assert.Equal(t, "BTC/USDT", g.Symbol)
				assert.Equal(t, tt.timeframe, g.Timeframe)
				got = append(got, g.Expected)
			}
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestCheckCandle(t *testing.T) {
	tests := []struct {
		name  string
		c     models.Candle
		types []models.AnomalyType
	}{
		{"clean", candle("X", "1m", t0, "10", "12", "9", "11", "5"), nil},
		{"zero volume", candle("X", "1m", t0, "10", "12", "9", "11", "0"), []models.AnomalyType{models.AnomalyZeroVolume}},
		{"negative volume", candle("X", "1m", t0, "10", "12", "9", "11", "-1"), []models.AnomalyType{models.AnomalyNegativeVolume}},
		{"high below close", candle("X", "1m", t0, "10", "10.5", "9", "11", "5"), []models.AnomalyType{models.AnomalyOHLCInvariant}},
		{"low above open", candle("X", "1m", t0, "10", "12", "10.5", "11", "5"), []models.AnomalyType{models.AnomalyOHLCInvariant}},
		{"zero price", candle("X", "1m", t0, "0", "12", "0", "11", "5"), []models.AnomalyType{
			models.AnomalyNonPositivePrice, models.AnomalyNonPositivePrice,
		}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			found := CheckCandle(tt.c)
			var types []models.AnomalyType
			for _, a := range found {
				types = append(types, a.Type)
				assert.Equal(t, tt.c.Key(), a.Key)
				if a.Type == models.AnomalyZeroVolume {
					assert.Equal(t, models.SeverityWarning, a.Severity)
				} else {
					assert.Equal(t, models.SeverityError, a.Severity)
				}
			}
			assert.Equal(t, tt.types, types)
		})
	}
}

func newEngine(t *testing.T, store storage.Reader, now time.Time, opts Options) *Engine {
	t.Helper()
	opts.Now = func() time.Time { return now }
	return NewEngine(store, opts, quietLogger())
}

func TestEngine_CleanRun(t *testing.T) {
	ctx := context.Background()
	store := storage.NewMemoryStorage()
	_, err := store.UpsertCandles(ctx, series("BTC/USDT", "1m", t0, 5))
	require.NoError(t, err)

	now := time.UnixMilli(t0 + 5*60_000)
	report, err := newEngine(t, store, now, Options{
		Symbols:    []string{"BTC/USDT"},
		Timeframes: []string{"1m"},
		Intervals:  map[string]time.Duration{"1m": time.Minute},
	}).Run(ctx)
	require.NoError(t, err)

	assert.True(t, report.Clean(), "%+v", report)
	assert.False(t, report.HasErrors())
	require.Len(t, report.Pairs, 1)
	assert.Equal(t, int64(5), report.Pairs[0].Total)
	assert.Equal(t, 5, report.Pairs[0].InWindow)
	assert.Equal(t, t0, report.Pairs[0].First)
	assert.Equal(t, t0+4*60_000, report.Pairs[0].Last)
	assert.Equal(t, int64(5), report.TableCounts[storage.TableOHLCV])
}

func TestEngine_FindsProblems(t *testing.T) {
	ctx := context.Background()
	store := storage.NewMemoryStorage()

	candles := []models.Candle{
		candle("ETH/USDT", "1m", t0, "10", "12", "9", "11", "5"),
		candle("ETH/USDT", "1m", t0+60_000, "10", "9", "8", "11", "5"), // high below open/close
		candle("ETH/USDT", "1m", t0+240_000, "10", "12", "9", "11", "0"),
	}
	_, err := store.UpsertCandles(ctx, candles)
	require.NoError(t, err)

	now := time.UnixMilli(t0 + 60*60_000)
	report, err := newEngine(t, store, now, Options{
		Symbols:    []string{"ETH/USDT", "SOL/USDT"},
		Timeframes: []string{"1m"},
	}).Run(ctx)
	require.NoError(t, err)

	assert.True(t, report.HasErrors())
	assert.Equal(t, 1, report.CountBySeverity(models.SeverityError))
	assert.Equal(t, 1, report.CountBySeverity(models.SeverityWarning))

	require.Len(t, report.Gaps, 2)
	assert.Equal(t, t0+120_000, report.Gaps[0].Expected)
	assert.Equal(t, t0+180_000, report.Gaps[1].Expected)

	// ETH is 56 minutes old against a 3 minute threshold; SOL has no data
	require.Len(t, report.Stale, 2)
	assert.Equal(t, "ETH/USDT", report.Stale[0].Symbol)
	assert.Equal(t, 3*time.Minute, report.Stale[0].Threshold)
	assert.Equal(t, "SOL/USDT", report.Stale[1].Symbol)
	assert.Zero(t, report.Stale[1].Latest)
}

func TestEngine_SymbolFilterAndWindow(t *testing.T) {
	ctx := context.Background()
	store := storage.NewMemoryStorage()
	_, err := store.UpsertCandles(ctx, series("BTC/USDT", "1m", t0, 3))
	require.NoError(t, err)
	_, err = store.UpsertCandles(ctx, series("ETH/USDT", "1m", t0, 3))
	require.NoError(t, err)

	// the window starts after the stored rows
	now := time.UnixMilli(t0 + 2*60*60_000)
	report, err := newEngine(t, store, now, Options{Symbol: "ETH/USDT", Lookback: time.Hour}).Run(ctx)
	require.NoError(t, err)

	require.Len(t, report.Pairs, 1)
	assert.Equal(t, "ETH/USDT", report.Pairs[0].Symbol)
	assert.Equal(t, int64(3), report.Pairs[0].Total)
	assert.Zero(t, report.Pairs[0].InWindow)
	assert.Empty(t, report.Gaps)
	require.Len(t, report.Stale, 1)
}

func TestEngine_NullRowsOnSQLite(t *testing.T) {
	ctx := context.Background()
	store, err := storage.NewSQLiteStorage(":memory:", quietLogger())
	require.NoError(t, err)
	defer store.Close()
	require.NoError(t, store.InitSchema(ctx))

	_, err = store.UpsertCandles(ctx, series("BTC/USDT", "1m", t0, 2))
	require.NoError(t, err)
	_, err = store.DB().ExecContext(ctx, `
		INSERT INTO ohlcv (symbol, timeframe, timestamp, open, high, low, close, volume, created_at, updated_at)
		VALUES ('BTC/USDT', '1m', ?, NULL, NULL, NULL, NULL, NULL, 0, 0)`, t0+120_000)
	require.NoError(t, err)
	_, err = store.UpsertCandles(ctx, series("BTC/USDT", "1m", t0+180_000, 1))
	require.NoError(t, err)

	report, err := newEngine(t, store, time.UnixMilli(t0+240_000), Options{}).Run(ctx)
	require.NoError(t, err)

	require.Len(t, report.Anomalies, 1)
	assert.Equal(t, models.AnomalyNullField, report.Anomalies[0].Type)
	assert.Equal(t, t0+120_000, report.Anomalies[0].Key.Timestamp)
	assert.Empty(t, report.Gaps, "a NULL row is not a gap")
	assert.Equal(t, 4, report.Pairs[0].InWindow)
}

type failingReader struct {
	storage.Reader
	err error
}

func (f failingReader) TableCounts(context.Context) (map[string]int64, error) {
	return nil, f.err
}

func TestEngine_StorageErrorIsReturned(t *testing.T) {
	boom := assert.AnError
	_, err := newEngine(t, failingReader{err: boom}, time.Now(), Options{}).Run(context.Background())
	assert.ErrorIs(t, err, boom)
}

func TestWriteText(t *testing.T) {
	report := models.NewReport(time.UnixMilli(t0).UTC(), t0-3_600_000, t0)
	report.TableCounts = map[string]int64{"ohlcv": 10, "tickers": 2}
	report.Pairs = []models.PairSummary{{Symbol: "BTC/USDT", Timeframe: "1m", Total: 10, InWindow: 8, First: t0 - 600_000, Last: t0}}
	for i := 0; i < 4; i++ {
		report.Anomalies = append(report.Anomalies, models.Anomaly{
			Type: models.AnomalyZeroVolume, Severity: models.SeverityWarning,
			Key: models.CandleKey{Symbol: "BTC/USDT", Timeframe: "1m", Timestamp: t0 - int64(i)*60_000},
		})
	}
	report.Gaps = []models.Gap{
		{Symbol: "BTC/USDT", Timeframe: "1m", Expected: t0 - 300_000},
		{Symbol: "BTC/USDT", Timeframe: "1m", Expected: t0 - 240_000},
	}

	var buf bytes.Buffer
	require.NoError(t, WriteText(&buf, report, 2))
	out := buf.String()

	assert.Contains(t, out, "ohlcv")
	assert.Contains(t, out, "Anomalies: 4 (0 errors, 4 warnings)")
	assert.Contains(t, out, "... and 2 more")
	assert.Contains(t, out, "Gaps: 2 missing candles in 1 ranges")
	assert.Contains(t, out, "(2 missing)")
	assert.NotContains(t, out, "No issues found.")
}

func TestWriteText_Clean(t *testing.T) {
	var buf bytes.Buffer
	require.NoError(t, WriteText(&buf, models.NewReport(time.Now(), 0, 1), 10))
	assert.Contains(t, buf.String(), "No issues found.")
}
