package storage

import (
	"context"
	"database/sql"
	"path/filepath"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	apperrors "github.com/johnayoung/tradebot-collector/internal/errors"
	"github.com/johnayoung/tradebot-collector/internal/models"
)

func newTestSQLite(t *testing.T, opts ...Option) *SQLiteStorage {
	t.Helper()
	s, err := NewSQLiteStorage(":memory:", quietLogger(), opts...)
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	require.NoError(t, s.InitSchema(context.Background()))
	return s
}

func TestSQLiteStorage_RealPrices(t *testing.T) {
	s := newTestSQLite(t)
	ctx := context.Background()

	c := models.Candle{
		Symbol:    "SHIB/USDT",
		Timeframe: "1m",
		Timestamp: baseTS,
		Open:      decimal.RequireFromString("0.0000123456789"),
		High:      decimal.RequireFromString("0.0000123456799"),
		Low:       decimal.RequireFromString("0.00001234567"),
		Close:     decimal.RequireFromString("0.0000123456795"),
		Volume:    decimal.RequireFromString("123456789012.125"),
	}
	_, err := s.UpsertCandles(ctx, []models.Candle{c})
	require.NoError(t, err)

	got, err := s.CandlesInRange(ctx, c.Symbol, c.Timeframe, baseTS, baseTS)
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.True(t, c.Equal(got[0]), "prices within float precision round-trip")

	var storedAs string
	require.NoError(t, s.DB().QueryRowContext(ctx, `SELECT typeof(close) FROM ohlcv`).Scan(&storedAs))
	assert.Equal(t, "real", storedAs)

	// numeric comparison from a plain SQL reader
	_, err = s.UpsertCandles(ctx, createTestCandles("BTC/USDT", "1m", 1, baseTS))
	require.NoError(t, err)
	var above int
	require.NoError(t, s.DB().QueryRowContext(ctx, `SELECT COUNT(*) FROM ohlcv WHERE close > 9`).Scan(&above))
	assert.Equal(t, 1, above)
}

func TestSQLiteStorage_CloseTimeAndUpdatedAt(t *testing.T) {
	now := time.UnixMilli(baseTS + 120_000)
	s := newTestSQLite(t, WithClock(func() time.Time { return now }))
	ctx := context.Background()

	_, err := s.UpsertCandles(ctx, createTestCandles("BTC/USDT", "1m", 1, baseTS))
	require.NoError(t, err)

	now = now.Add(time.Minute)
	_, err = s.UpsertCandles(ctx, createTestCandles("BTC/USDT", "1m", 1, baseTS))
	require.NoError(t, err)

	var closeTime, createdAt, updatedAt int64
	err = s.DB().QueryRowContext(ctx,
		`SELECT close_time, created_at, updated_at FROM ohlcv WHERE symbol = ? AND timestamp = ?`,
		"BTC/USDT", baseTS).Scan(&closeTime, &createdAt, &updatedAt)
	require.NoError(t, err)
	assert.Equal(t, baseTS+59_999, closeTime)
	assert.Equal(t, baseTS+120_000, createdAt)
	assert.Equal(t, baseTS+180_000, updatedAt)
}

func TestSQLiteStorage_NullRows(t *testing.T) {
	s := newTestSQLite(t)
	ctx := context.Background()

	_, err := s.UpsertCandles(ctx, createTestCandles("BTC/USDT", "1m", 3, baseTS))
	require.NoError(t, err)

	// another writer sharing the file left a row without prices
	_, err = s.DB().ExecContext(ctx, `
		INSERT INTO ohlcv (symbol, timeframe, timestamp, open, high, low, close, volume, created_at, updated_at)
		VALUES ('BTC/USDT', '1m', ?, '1', NULL, '1', '1', '0', 0, 0)`, baseTS+3*60_000)
	require.NoError(t, err)

	got, err := s.CandlesInRange(ctx, "BTC/USDT", "1m", baseTS, baseTS+10*60_000)
	require.NoError(t, err)
	assert.Len(t, got, 3)

	keys, err := s.NullCandles(ctx, "BTC/USDT", "1m", baseTS, baseTS+10*60_000)
	require.NoError(t, err)
	assert.Equal(t, []models.CandleKey{{Symbol: "BTC/USDT", Timeframe: "1m", Timestamp: baseTS + 3*60_000}}, keys)

	counts, err := s.CountBySymbolTimeframe(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(4), counts[models.PairKey{Symbol: "BTC/USDT", Timeframe: "1m"}])
}

func TestSQLiteStorage_InvalidCandleIsStored(t *testing.T) {
	s := newTestSQLite(t)
	ctx := context.Background()

	bad := createTestCandles("BTC/USDT", "1m", 1, baseTS)
	bad[0].High = bad[0].Low.Sub(decimal.NewFromInt(1))

	res, err := s.UpsertCandles(ctx, bad)
	require.NoError(t, err)
	assert.Equal(t, 1, res.Inserted)
}

func TestSQLiteStorage_TableCountsIncludesTradingTables(t *testing.T) {
	s := newTestSQLite(t)
	ctx := context.Background()

	_, err := s.DB().ExecContext(ctx, `CREATE TABLE orders (id INTEGER PRIMARY KEY, symbol TEXT)`)
	require.NoError(t, err)
	_, err = s.DB().ExecContext(ctx, `INSERT INTO orders (symbol) VALUES ('BTC/USDT'), ('ETH/USDT')`)
	require.NoError(t, err)
	_, err = s.UpsertCandles(ctx, createTestCandles("BTC/USDT", "1m", 2, baseTS))
	require.NoError(t, err)

	counts, err := s.TableCounts(ctx)
	require.NoError(t, err)
	assert.Equal(t, map[string]int64{
		TableOHLCV:   2,
		TableTickers: 0,
		"orders":     2,
	}, counts)
}

func TestSQLiteStorage_MigrationStatus(t *testing.T) {
	s := newTestSQLite(t)

	status, err := NewMigrationManager(s.DB(), sqliteMigrations(), quietLogger()).Status(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 2, status.CurrentVersion)
	assert.Equal(t, 2, status.LatestVersion)
	assert.Zero(t, status.PendingMigrations)
}

func TestSQLiteStorage_FileBackedWAL(t *testing.T) {
	path := filepath.Join(t.TempDir(), "market.sqlite")
	s, err := NewSQLiteStorage(path, quietLogger())
	require.NoError(t, err)
	defer s.Close()

	ctx := context.Background()
	require.NoError(t, s.InitSchema(ctx))

	var mode string
	require.NoError(t, s.DB().QueryRowContext(ctx, "PRAGMA journal_mode").Scan(&mode))
	assert.Equal(t, "wal", mode)
}

func TestSQLiteStorage_BusyIsReported(t *testing.T) {
	path := filepath.Join(t.TempDir(), "shared.sqlite")
	s, err := NewSQLiteStorage(path, quietLogger(), WithBusyTimeout(100*time.Millisecond))
	require.NoError(t, err)
	defer s.Close()

	ctx := context.Background()
	require.NoError(t, s.InitSchema(ctx))

	// a second process holds the write lock
	other, err := sql.Open("sqlite3", "file:"+path+"?_busy_timeout=10")
	require.NoError(t, err)
	defer other.Close()

	tx, err := other.BeginTx(ctx, nil)
	require.NoError(t, err)
	defer tx.Rollback()
	_, err = tx.ExecContext(ctx, `
		INSERT INTO tickers (symbol, timestamp, created_at) VALUES ('BTC/USDT', 1, 1)`)
	require.NoError(t, err)

	_, err = s.UpsertCandles(ctx, createTestCandles("BTC/USDT", "1m", 1, baseTS))
	require.Error(t, err)
	assert.True(t, apperrors.IsStorageBusy(err), "got %v", err)

	require.NoError(t, tx.Rollback())
	_, err = s.UpsertCandles(ctx, createTestCandles("BTC/USDT", "1m", 1, baseTS))
	require.NoError(t, err)
}

func TestSQLiteDSN(t *testing.T) {
	assert.Equal(t,
		"file:db/x.sqlite?_journal_mode=WAL&_busy_timeout=2500&_synchronous=NORMAL&_txlock=immediate",
		sqliteDSN("db/x.sqlite", 2500*time.Millisecond))
	assert.Contains(t, sqliteDSN(":memory:", time.Second), "file::memory:")
}

func TestIsSQLiteBusy(t *testing.T) {
	assert.False(t, isSQLiteBusy(nil))
	assert.False(t, isSQLiteBusy(sql.ErrNoRows))
}
