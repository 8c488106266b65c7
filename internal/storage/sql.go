package storage

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/shopspring/decimal"

	apperrors "github.com/johnayoung/tradebot-collector/internal/errors"
	"github.com/johnayoung/tradebot-collector/internal/models"
)

// dialect captures what differs between the SQL backends.
type dialect struct {
	name       string
	migrations func() []Migration
	// encode converts a price for binding.
	encode func(d decimal.Decimal) any
	// isBusy reports lock contention.
	isBusy func(err error) bool
	// listTables returns every table name in the database.
	listTables string
}

// sqlStore implements Store over database/sql. SQLiteStorage and
// DuckDBStorage embed it and add backend specifics.
type sqlStore struct {
	db      *sql.DB
	path    string
	dialect dialect
	logger  *slog.Logger
	opts    options

	// writeMu serializes writers inside the process; the database's own
	// locking covers other processes.
	writeMu sync.Mutex
}

const upsertCandleQuery = `
	INSERT INTO ohlcv (symbol, timeframe, timestamp, close_time, open, high, low, close, volume, created_at, updated_at)
	VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	ON CONFLICT (symbol, timeframe, timestamp) DO UPDATE SET
		close_time = excluded.close_time,
		open = excluded.open,
		high = excluded.high,
		low = excluded.low,
		close = excluded.close,
		volume = excluded.volume,
		updated_at = excluded.updated_at`

const candleColumns = `symbol, timeframe, timestamp, open, high, low, close, volume, created_at`

const nullPriceFilter = `(open IS NULL OR high IS NULL OR low IS NULL OR close IS NULL OR volume IS NULL)`

// InitSchema implements Store.
func (s *sqlStore) InitSchema(ctx context.Context) error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	start := time.Now()
	err := NewMigrationManager(s.db, s.dialect.migrations(), s.logger).MigrateToLatest(ctx)
	s.observe("init_schema", start, err)
	if err != nil {
		return s.wrapErr("init_schema", "", err)
	}
	return nil
}

// UpsertCandles implements Store.
func (s *sqlStore) UpsertCandles(ctx context.Context, candles []models.Candle) (UpsertResult, error) {
	var result UpsertResult
	if len(candles) == 0 {
		return result, nil
	}
	candles = dedupeCandles(candles)

	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	start := time.Now()
	err := s.inTx(ctx, func(tx *sql.Tx) error {
		existing, err := existingTimestamps(ctx, tx, candles)
		if err != nil {
			return err
		}

		stmt, err := tx.PrepareContext(ctx, upsertCandleQuery)
		if err != nil {
			return fmt.Errorf("failed to prepare upsert: %w", err)
		}
		defer stmt.Close()

		now := s.opts.now().UnixMilli()
		for _, c := range candles {
			var closeTime any
			if ct, ok := c.CloseTime(); ok {
				closeTime = ct
			}
			if _, err := stmt.ExecContext(ctx,
				c.Symbol, c.Timeframe, c.Timestamp, closeTime,
				s.dialect.encode(c.Open),
				s.dialect.encode(c.High),
				s.dialect.encode(c.Low),
				s.dialect.encode(c.Close),
				s.dialect.encode(c.Volume),
				now, now,
			); err != nil {
				return fmt.Errorf("failed to upsert %s: %w", c.Key(), err)
			}
			if existing[c.Key()] {
				result.Updated++
			} else {
				result.Inserted++
			}
		}
		return nil
	})
	s.observe("upsert_candles", start, err)
	if err != nil {
		return UpsertResult{}, s.wrapErr("upsert", TableOHLCV, err)
	}
	return result, nil
}

// existingTimestamps looks up which identities in the batch are already stored.
func existingTimestamps(ctx context.Context, tx *sql.Tx, candles []models.Candle) (map[models.CandleKey]bool, error) {
	type span struct{ min, max int64 }
	spans := make(map[models.PairKey]*span)
	for _, c := range candles {
		sp, ok := spans[c.Pair()]
		if !ok {
			spans[c.Pair()] = &span{c.Timestamp, c.Timestamp}
			continue
		}
		if c.Timestamp < sp.min {
			sp.min = c.Timestamp
		}
		if c.Timestamp > sp.max {
			sp.max = c.Timestamp
		}
	}

	existing := make(map[models.CandleKey]bool)
	for pair, sp := range spans {
		rows, err := tx.QueryContext(ctx,
			`SELECT timestamp FROM ohlcv WHERE symbol = ? AND timeframe = ? AND timestamp BETWEEN ? AND ?`,
			pair.Symbol, pair.Timeframe, sp.min, sp.max)
		if err != nil {
			return nil, fmt.Errorf("failed to look up existing candles: %w", err)
		}
		for rows.Next() {
			var ts int64
			if err := rows.Scan(&ts); err != nil {
				rows.Close()
				return nil, err
			}
			existing[models.CandleKey{Symbol: pair.Symbol, Timeframe: pair.Timeframe, Timestamp: ts}] = true
		}
		if err := rows.Close(); err != nil {
			return nil, err
		}
	}
	return existing, nil
}

// insertTicksTx appends ticks with plain INSERT statements.
func (s *sqlStore) insertTicksTx(ctx context.Context, ticks []models.Tick) (int, error) {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	start := time.Now()
	inserted := 0
	err := s.inTx(ctx, func(tx *sql.Tx) error {
		stmt, err := tx.PrepareContext(ctx, `
			INSERT INTO tickers (symbol, timestamp, bid, ask, last, high, low, open, close, volume, quote_volume, created_at)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`)
		if err != nil {
			return fmt.Errorf("failed to prepare insert: %w", err)
		}
		defer stmt.Close()

		now := s.opts.now().UnixMilli()
		for _, t := range ticks {
			if _, err := stmt.ExecContext(ctx, t.Symbol, t.Timestamp,
				s.encodeNull(t.Bid), s.encodeNull(t.Ask), s.encodeNull(t.Last),
				s.encodeNull(t.High), s.encodeNull(t.Low), s.encodeNull(t.Open),
				s.encodeNull(t.Close), s.encodeNull(t.Volume), s.encodeNull(t.QuoteVolume),
				now,
			); err != nil {
				return fmt.Errorf("failed to insert tick for %s: %w", t.Symbol, err)
			}
			inserted++
		}
		return nil
	})
	s.observe("insert_ticks", start, err)
	if err != nil {
		return 0, s.wrapErr("insert", TableTickers, err)
	}
	return inserted, nil
}

func (s *sqlStore) encodeNull(d decimal.NullDecimal) any {
	if !d.Valid {
		return nil
	}
	return s.dialect.encode(d.Decimal)
}

// CountBySymbolTimeframe implements Reader.
func (s *sqlStore) CountBySymbolTimeframe(ctx context.Context) (map[models.PairKey]int64, error) {
	const query = `SELECT symbol, timeframe, COUNT(*) FROM ohlcv GROUP BY symbol, timeframe`

	start := time.Now()
	rows, err := s.db.QueryContext(ctx, query)
	if err != nil {
		s.observe("count_by_pair", start, err)
		return nil, s.wrapQueryErr(TableOHLCV, query, err)
	}
	defer rows.Close()

	counts := make(map[models.PairKey]int64)
	for rows.Next() {
		var key models.PairKey
		var n int64
		if err := rows.Scan(&key.Symbol, &key.Timeframe, &n); err != nil {
			return nil, s.wrapQueryErr(TableOHLCV, query, err)
		}
		counts[key] = n
	}
	err = rows.Err()
	s.observe("count_by_pair", start, err)
	if err != nil {
		return nil, s.wrapQueryErr(TableOHLCV, query, err)
	}
	return counts, nil
}

// LatestTimestamp implements Reader.
func (s *sqlStore) LatestTimestamp(ctx context.Context, symbol, timeframe string) (int64, bool, error) {
	const query = `SELECT MAX(timestamp) FROM ohlcv WHERE symbol = ? AND timeframe = ?`

	start := time.Now()
	var latest sql.NullInt64
	err := s.db.QueryRowContext(ctx, query, symbol, timeframe).Scan(&latest)
	s.observe("latest_timestamp", start, err)
	if err != nil {
		return 0, false, s.wrapQueryErr(TableOHLCV, query, err)
	}
	return latest.Int64, latest.Valid, nil
}

// CandlesInRange implements Reader.
func (s *sqlStore) CandlesInRange(ctx context.Context, symbol, timeframe string, startTS, endTS int64) ([]models.Candle, error) {
	query := `SELECT ` + candleColumns + ` FROM ohlcv
		WHERE symbol = ? AND timeframe = ? AND timestamp BETWEEN ? AND ? AND NOT ` + nullPriceFilter + `
		ORDER BY timestamp ASC`

	start := time.Now()
	rows, err := s.db.QueryContext(ctx, query, symbol, timeframe, startTS, endTS)
	if err != nil {
		s.observe("candles_in_range", start, err)
		return nil, s.wrapQueryErr(TableOHLCV, query, err)
	}
	defer rows.Close()

	var candles []models.Candle
	for rows.Next() {
		var (
			c                              models.Candle
			open, high, low, close, volume any
			createdAt                      int64
		)
		if err := rows.Scan(&c.Symbol, &c.Timeframe, &c.Timestamp, &open, &high, &low, &close, &volume, &createdAt); err != nil {
			return nil, s.wrapQueryErr(TableOHLCV, query, err)
		}
		var convErr error
		c.Open, convErr = toDecimal(open, convErr)
		c.High, convErr = toDecimal(high, convErr)
		c.Low, convErr = toDecimal(low, convErr)
		c.Close, convErr = toDecimal(close, convErr)
		c.Volume, convErr = toDecimal(volume, convErr)
		if convErr != nil {
			return nil, s.wrapQueryErr(TableOHLCV, query, fmt.Errorf("candle %s: %w", c.Key(), convErr))
		}
		c.CreatedAt = time.UnixMilli(createdAt).UTC()
		candles = append(candles, c)
	}
	err = rows.Err()
	s.observe("candles_in_range", start, err)
	if err != nil {
		return nil, s.wrapQueryErr(TableOHLCV, query, err)
	}
	return candles, nil
}

// NullCandles implements Reader.
func (s *sqlStore) NullCandles(ctx context.Context, symbol, timeframe string, startTS, endTS int64) ([]models.CandleKey, error) {
	query := `SELECT symbol, timeframe, timestamp FROM ohlcv
		WHERE symbol = ? AND timeframe = ? AND timestamp BETWEEN ? AND ? AND ` + nullPriceFilter + `
		ORDER BY timestamp ASC`

	start := time.Now()
	rows, err := s.db.QueryContext(ctx, query, symbol, timeframe, startTS, endTS)
	if err != nil {
		s.observe("null_candles", start, err)
		return nil, s.wrapQueryErr(TableOHLCV, query, err)
	}
	defer rows.Close()

	var keys []models.CandleKey
	for rows.Next() {
		var k models.CandleKey
		if err := rows.Scan(&k.Symbol, &k.Timeframe, &k.Timestamp); err != nil {
			return nil, s.wrapQueryErr(TableOHLCV, query, err)
		}
		keys = append(keys, k)
	}
	err = rows.Err()
	s.observe("null_candles", start, err)
	if err != nil {
		return nil, s.wrapQueryErr(TableOHLCV, query, err)
	}
	return keys, nil
}

// LatestTick implements Reader.
func (s *sqlStore) LatestTick(ctx context.Context, symbol string) (*models.Tick, error) {
	const query = `SELECT symbol, timestamp, bid, ask, last, high, low, open, close, volume, quote_volume, created_at
		FROM tickers WHERE symbol = ? ORDER BY timestamp DESC, created_at DESC LIMIT 1`

	start := time.Now()
	var (
		t         models.Tick
		vals      [9]any
		createdAt int64
	)
	err := s.db.QueryRowContext(ctx, query, symbol).Scan(&t.Symbol, &t.Timestamp,
		&vals[0], &vals[1], &vals[2], &vals[3], &vals[4], &vals[5], &vals[6], &vals[7], &vals[8], &createdAt)
	s.observe("latest_tick", start, err)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, s.wrapQueryErr(TableTickers, query, err)
	}

	fields := []*decimal.NullDecimal{&t.Bid, &t.Ask, &t.Last, &t.High, &t.Low, &t.Open, &t.Close, &t.Volume, &t.QuoteVolume}
	for i, f := range fields {
		if vals[i] == nil {
			continue
		}
		d, convErr := toDecimal(vals[i], nil)
		if convErr != nil {
			return nil, s.wrapQueryErr(TableTickers, query, convErr)
		}
		*f = decimal.NewNullDecimal(d)
	}
	t.CreatedAt = time.UnixMilli(createdAt).UTC()
	return &t, nil
}

// TableCounts implements Reader.
func (s *sqlStore) TableCounts(ctx context.Context) (map[string]int64, error) {
	start := time.Now()
	present, err := s.tables(ctx)
	if err != nil {
		s.observe("table_counts", start, err)
		return nil, s.wrapQueryErr("", s.dialect.listTables, err)
	}

	counts := make(map[string]int64)
	for _, table := range append([]string{TableOHLCV, TableTickers}, tradingTables...) {
		if !present[table] {
			continue
		}
		var n int64
		// table names come from the fixed list above
		if err := s.db.QueryRowContext(ctx, "SELECT COUNT(*) FROM "+table).Scan(&n); err != nil {
			s.observe("table_counts", start, err)
			return nil, s.wrapQueryErr(table, "count", err)
		}
		counts[table] = n
	}
	s.observe("table_counts", start, nil)
	return counts, nil
}

func (s *sqlStore) tables(ctx context.Context) (map[string]bool, error) {
	rows, err := s.db.QueryContext(ctx, s.dialect.listTables)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	present := make(map[string]bool)
	for rows.Next() {
		var name string
		if err := rows.Scan(&name); err != nil {
			return nil, err
		}
		present[strings.ToLower(name)] = true
	}
	return present, rows.Err()
}

// HealthCheck implements Store.
func (s *sqlStore) HealthCheck(ctx context.Context) error {
	if s.db == nil {
		return NewStorageError("health_check", "", "", fmt.Errorf("database connection is closed"))
	}
	if err := s.db.PingContext(ctx); err != nil {
		return s.wrapErr("health_check", "", err)
	}
	var one int
	if err := s.db.QueryRowContext(ctx, "SELECT 1").Scan(&one); err != nil {
		return s.wrapErr("health_check", "", err)
	}
	return nil
}

// Close implements Store.
func (s *sqlStore) Close() error {
	if s.db == nil {
		return nil
	}
	s.logger.Info("closing storage", "backend", s.dialect.name, "path", s.path)
	return s.db.Close()
}

// DB exposes the underlying handle for schema inspection in tests and tools.
func (s *sqlStore) DB() *sql.DB {
	return s.db
}

func (s *sqlStore) inTx(ctx context.Context, fn func(tx *sql.Tx) error) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	if err := fn(tx); err != nil {
		_ = tx.Rollback()
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit transaction: %w", err)
	}
	return nil
}

// wrapErr converts backend errors, mapping lock contention to StorageBusyError.
func (s *sqlStore) wrapErr(operation, table string, err error) error {
	if s.dialect.isBusy != nil && s.dialect.isBusy(err) {
		return apperrors.NewStorageBusy(operation, table, err)
	}
	return NewStorageError(operation, table, "", err)
}

func (s *sqlStore) wrapQueryErr(table, query string, err error) error {
	if s.dialect.isBusy != nil && s.dialect.isBusy(err) {
		return apperrors.NewStorageBusy("query", table, err)
	}
	return NewQueryError(table, query, err)
}

func (s *sqlStore) observe(operation string, start time.Time, err error) {
	if s.opts.observer != nil {
		s.opts.observer.ObserveQuery(s.dialect.name, operation, time.Since(start), err)
	}
}

// toDecimal converts a scanned column to a decimal. A non-nil prev error is
// passed through so conversions can be chained.
func toDecimal(v any, prev error) (decimal.Decimal, error) {
	if prev != nil {
		return decimal.Zero, prev
	}
	switch x := v.(type) {
	case nil:
		return decimal.Zero, fmt.Errorf("unexpected NULL")
	case string:
		return decimal.NewFromString(x)
	case []byte:
		return decimal.NewFromString(string(x))
	case float64:
		return decimal.NewFromFloat(x), nil
	case float32:
		return decimal.NewFromFloat32(x), nil
	case int64:
		return decimal.NewFromInt(x), nil
	case int32:
		return decimal.NewFromInt32(x), nil
	default:
		return decimal.NewFromString(fmt.Sprint(x))
	}
}
