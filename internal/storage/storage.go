// Package storage owns the market-data schema and every read and write
// against it. Backends share one contract: candles are upserted idempotently
// by (symbol, timeframe, timestamp), ticks are appended, and lock contention
// surfaces as a StorageBusyError instead of an indefinite wait.
package storage

import (
	"context"
	"fmt"
	"time"

	"github.com/johnayoung/tradebot-collector/internal/models"
)

// Table names owned by the collector.
const (
	TableOHLCV   = "ohlcv"
	TableTickers = "tickers"
)

// tradingTables belong to the trading component that shares the database
// file. They are counted when present and never created or modified here.
var tradingTables = []string{"orders", "fills", "positions"}

// UpsertResult reports how a candle batch landed.
type UpsertResult struct {
	Inserted int `json:"inserted"`
	Updated  int `json:"updated"`
}

// Total returns inserted plus updated rows.
func (r UpsertResult) Total() int {
	return r.Inserted + r.Updated
}

// Writer is the write side used by the collector.
type Writer interface {
	// UpsertCandles inserts or overwrites candles by identity in a single
	// transaction. When the same identity appears twice in a batch the
	// later entry wins.
	UpsertCandles(ctx context.Context, candles []models.Candle) (UpsertResult, error)

	// InsertTicks appends ticker snapshots. No deduplication is performed.
	InsertTicks(ctx context.Context, ticks []models.Tick) (int, error)
}

// Reader is the read side used by the collector and the validation engine.
type Reader interface {
	// CountBySymbolTimeframe returns the stored candle count per pair.
	CountBySymbolTimeframe(ctx context.Context) (map[models.PairKey]int64, error)

	// LatestTimestamp returns the newest candle open time for the pair, or
	// false when the pair has no candles.
	LatestTimestamp(ctx context.Context, symbol, timeframe string) (int64, bool, error)

	// CandlesInRange returns candles with start <= timestamp <= end in
	// ascending order. Rows with a NULL price or volume are excluded.
	CandlesInRange(ctx context.Context, symbol, timeframe string, start, end int64) ([]models.Candle, error)

	// NullCandles returns the identities of rows in the range that carry a
	// NULL price or volume column. Only other writers can produce them.
	NullCandles(ctx context.Context, symbol, timeframe string, start, end int64) ([]models.CandleKey, error)

	// LatestTick returns the newest tick for symbol, or nil when none exist.
	LatestTick(ctx context.Context, symbol string) (*models.Tick, error)

	// TableCounts returns row counts for the collector tables plus any
	// trading tables present in the database.
	TableCounts(ctx context.Context) (map[string]int64, error)
}

// Store is the full storage contract.
type Store interface {
	Reader
	Writer

	// InitSchema creates or upgrades the schema. It is idempotent.
	InitSchema(ctx context.Context) error

	// HealthCheck verifies the backend is reachable.
	HealthCheck(ctx context.Context) error

	// Close releases the backend. The store must not be used afterwards.
	Close() error
}

// QueryObserver receives the duration of every storage operation.
type QueryObserver interface {
	ObserveQuery(backend, operation string, duration time.Duration, err error)
}

// Option configures a backend.
type Option func(*options)

type options struct {
	observer    QueryObserver
	busyTimeout time.Duration
	now         func() time.Time
}

func buildOptions(opts []Option) options {
	o := options{busyTimeout: 5 * time.Second, now: time.Now}
	for _, opt := range opts {
		opt(&o)
	}
	return o
}

// WithObserver reports operation timings to obs.
func WithObserver(obs QueryObserver) Option {
	return func(o *options) { o.observer = obs }
}

// WithBusyTimeout bounds how long SQLite waits on a lock before reporting busy.
func WithBusyTimeout(d time.Duration) Option {
	return func(o *options) {
		if d > 0 {
			o.busyTimeout = d
		}
	}
}

// WithClock overrides the clock used for created_at/updated_at columns.
func WithClock(now func() time.Time) Option {
	return func(o *options) {
		if now != nil {
			o.now = now
		}
	}
}

// dedupeCandles keeps the last candle per identity, preserving first-seen order.
func dedupeCandles(candles []models.Candle) []models.Candle {
	index := make(map[models.CandleKey]int, len(candles))
	out := make([]models.Candle, 0, len(candles))
	for _, c := range candles {
		key := c.Key()
		if i, ok := index[key]; ok {
			out[i] = c
			continue
		}
		index[key] = len(out)
		out = append(out, c)
	}
	return out
}

// StorageError represents errors that occur during storage operations.
type StorageError struct {
	// Operation is the storage operation that failed (e.g., "upsert", "query")
	Operation string

	// Table is the database table involved in the operation
	Table string

	// Query is the SQL statement, when one is relevant
	Query string

	// Err is the underlying error that caused the failure
	Err error
}

func (e *StorageError) Error() string {
	if e.Table != "" {
		return fmt.Sprintf("storage operation %s on table %s failed: %v", e.Operation, e.Table, e.Err)
	}
	return fmt.Sprintf("storage operation %s failed: %v", e.Operation, e.Err)
}

func (e *StorageError) Unwrap() error {
	return e.Err
}

// NewStorageError creates a new StorageError with the provided details.
func NewStorageError(operation, table, query string, err error) *StorageError {
	return &StorageError{Operation: operation, Table: table, Query: query, Err: err}
}

// NewQueryError creates a StorageError for read operations.
func NewQueryError(table, query string, err error) *StorageError {
	return &StorageError{Operation: "query", Table: table, Query: query, Err: err}
}

// NewInsertError creates a StorageError for write operations.
func NewInsertError(table string, err error) *StorageError {
	return &StorageError{Operation: "insert", Table: table, Err: err}
}
