package storage

import (
	"context"
	"database/sql"
	"database/sql/driver"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/marcboeker/go-duckdb/v2"
	"github.com/shopspring/decimal"

	"github.com/johnayoung/tradebot-collector/internal/models"
)

// DuckDBStorage is the analytical backend. Prices are stored as DOUBLE, so
// values read back are float approximations of what was written. Ticks are
// bulk loaded through the DuckDB Appender API.
type DuckDBStorage struct {
	sqlStore
}

var duckdbDialect = dialect{
	name:       "duckdb",
	migrations: duckdbMigrations,
	encode:     func(d decimal.Decimal) any { return d.InexactFloat64() },
	isBusy:     isDuckDBBusy,
	listTables: `SELECT table_name FROM information_schema.tables WHERE table_schema = 'main'`,
}

// NewDuckDBStorage opens the DuckDB database at path. The path ":memory:"
// (or "") opens an in-memory database.
func NewDuckDBStorage(path string, logger *slog.Logger, opts ...Option) (*DuckDBStorage, error) {
	if logger == nil {
		logger = slog.Default()
	}
	o := buildOptions(opts)

	dsn := path
	if dsn == ":memory:" {
		dsn = ""
	}
	db, err := sql.Open("duckdb", dsn)
	if err != nil {
		return nil, NewStorageError("open", "", "", fmt.Errorf("failed to open DuckDB database: %w", err))
	}

	// single writer connection
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	db.SetConnMaxLifetime(0)

	s := &DuckDBStorage{sqlStore{
		db:      db,
		path:    path,
		dialect: duckdbDialect,
		logger:  logger.With("component", "storage", "backend", "duckdb"),
		opts:    o,
	}}
	return s, nil
}

// InitSchema applies session settings and migrations.
func (d *DuckDBStorage) InitSchema(ctx context.Context) error {
	for _, setting := range []string{
		"SET enable_progress_bar = false",
		"SET threads = 4",
	} {
		if _, err := d.db.ExecContext(ctx, setting); err != nil {
			d.logger.Warn("failed to apply setting", "setting", setting, "error", err)
		}
	}
	return d.sqlStore.InitSchema(ctx)
}

// InsertTicks appends ticks with the Appender API.
func (d *DuckDBStorage) InsertTicks(ctx context.Context, ticks []models.Tick) (int, error) {
	if len(ticks) == 0 {
		return 0, nil
	}

	d.writeMu.Lock()
	defer d.writeMu.Unlock()

	start := time.Now()
	err := d.appendTicks(ctx, ticks)
	d.observe("insert_ticks", start, err)
	if err != nil {
		return 0, d.wrapErr("insert", TableTickers, err)
	}

	d.logger.Debug("appended ticks", "count", len(ticks), "duration", time.Since(start))
	return len(ticks), nil
}

func (d *DuckDBStorage) appendTicks(ctx context.Context, ticks []models.Tick) error {
	conn, err := d.db.Conn(ctx)
	if err != nil {
		return fmt.Errorf("failed to get connection: %w", err)
	}
	defer conn.Close()

	now := d.opts.now().UnixMilli()
	return conn.Raw(func(dc any) error {
		driverConn, ok := dc.(driver.Conn)
		if !ok {
			return fmt.Errorf("underlying connection is not a driver connection")
		}
		if _, ok := dc.(*duckdb.Conn); !ok {
			return fmt.Errorf("underlying connection is not a DuckDB connection")
		}

		appender, err := duckdb.NewAppenderFromConn(driverConn, "", TableTickers)
		if err != nil {
			return fmt.Errorf("failed to create appender: %w", err)
		}

		for _, t := range ticks {
			if err := appender.AppendRow(
				uuid.NewString(),
				t.Symbol,
				t.Timestamp,
				nullFloat(t.Bid), nullFloat(t.Ask), nullFloat(t.Last),
				nullFloat(t.High), nullFloat(t.Low), nullFloat(t.Open),
				nullFloat(t.Close), nullFloat(t.Volume), nullFloat(t.QuoteVolume),
				now,
			); err != nil {
				_ = appender.Close()
				return fmt.Errorf("failed to append tick for %s: %w", t.Symbol, err)
			}
		}

		if err := appender.Flush(); err != nil {
			_ = appender.Close()
			return fmt.Errorf("failed to flush appender: %w", err)
		}
		return appender.Close()
	})
}

func nullFloat(d decimal.NullDecimal) driver.Value {
	if !d.Valid {
		return nil
	}
	return d.Decimal.InexactFloat64()
}

// DuckDB reports write-write conflicts and file locks held by another
// process as plain errors.
func isDuckDBBusy(err error) bool {
	if err == nil {
		return false
	}
	msg := err.Error()
	return strings.Contains(msg, "Conflict") || strings.Contains(msg, "could not set lock")
}

var _ Store = (*DuckDBStorage)(nil)
