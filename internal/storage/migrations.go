package storage

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"time"
)

// Migration represents a single forward-only schema change. There are no
// down migrations: the database file is shared with the trading component.
type Migration struct {
	Version     int
	Description string
	Up          func(ctx context.Context, tx *sql.Tx) error
}

// MigrationStatus summarizes the schema version of a database.
type MigrationStatus struct {
	CurrentVersion    int
	LatestVersion     int
	PendingMigrations int
}

// MigrationManager applies versioned migrations recorded in schema_migrations.
type MigrationManager struct {
	db         *sql.DB
	logger     *slog.Logger
	migrations []Migration
}

// NewMigrationManager creates a new migration manager for the given migrations,
// which must be sorted by version.
func NewMigrationManager(db *sql.DB, migrations []Migration, logger *slog.Logger) *MigrationManager {
	if logger == nil {
		logger = slog.Default()
	}
	return &MigrationManager{db: db, logger: logger, migrations: migrations}
}

// Initialize creates the migrations table if it doesn't exist
func (m *MigrationManager) Initialize(ctx context.Context) error {
	createMigrationsTable := `
		CREATE TABLE IF NOT EXISTS schema_migrations (
			version INTEGER PRIMARY KEY,
			description VARCHAR NOT NULL,
			applied_at BIGINT NOT NULL,
			execution_time BIGINT NOT NULL DEFAULT 0
		)`

	if _, err := m.db.ExecContext(ctx, createMigrationsTable); err != nil {
		return fmt.Errorf("failed to create migrations table: %w", err)
	}
	return nil
}

// MigrateToLatest runs all pending migrations.
func (m *MigrationManager) MigrateToLatest(ctx context.Context) error {
	if err := m.Initialize(ctx); err != nil {
		return err
	}

	current, err := m.CurrentVersion(ctx)
	if err != nil {
		return err
	}

	applied := 0
	for _, migration := range m.migrations {
		if migration.Version <= current {
			continue
		}
		if err := m.runMigration(ctx, migration); err != nil {
			return fmt.Errorf("failed to run migration %d: %w", migration.Version, err)
		}
		applied++
	}

	if applied > 0 {
		m.logger.Info("schema migrated", "from_version", current, "migrations_run", applied)
	} else {
		m.logger.Debug("schema up to date", "version", current)
	}
	return nil
}

// Status returns the current and latest schema versions.
func (m *MigrationManager) Status(ctx context.Context) (*MigrationStatus, error) {
	if err := m.Initialize(ctx); err != nil {
		return nil, err
	}
	current, err := m.CurrentVersion(ctx)
	if err != nil {
		return nil, err
	}

	status := &MigrationStatus{CurrentVersion: current}
	for _, migration := range m.migrations {
		status.LatestVersion = migration.Version
		if migration.Version > current {
			status.PendingMigrations++
		}
	}
	return status, nil
}

// runMigration executes a single migration inside a transaction
func (m *MigrationManager) runMigration(ctx context.Context, migration Migration) error {
	start := time.Now()

	tx, err := m.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to start transaction: %w", err)
	}
	defer tx.Rollback()

	if err := migration.Up(ctx, tx); err != nil {
		return fmt.Errorf("migration execution failed: %w", err)
	}

	insertQuery := `
		INSERT INTO schema_migrations (version, description, applied_at, execution_time)
		VALUES (?, ?, ?, ?)`
	if _, err := tx.ExecContext(ctx, insertQuery,
		migration.Version,
		migration.Description,
		start.UnixMilli(),
		time.Since(start).Nanoseconds()); err != nil {
		return fmt.Errorf("failed to record migration: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit migration: %w", err)
	}

	m.logger.Info("migration applied",
		"version", migration.Version,
		"description", migration.Description,
		"duration", time.Since(start))
	return nil
}

// CurrentVersion returns the highest applied migration version
func (m *MigrationManager) CurrentVersion(ctx context.Context) (int, error) {
	var version int
	err := m.db.QueryRowContext(ctx, "SELECT COALESCE(MAX(version), 0) FROM schema_migrations").Scan(&version)
	if err != nil {
		return 0, fmt.Errorf("failed to get current version: %w", err)
	}
	return version, nil
}

// execAll runs each statement on tx.
func execAll(ctx context.Context, tx *sql.Tx, statements ...string) error {
	for _, stmt := range statements {
		if _, err := tx.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("failed to execute %q: %w", firstLine(stmt), err)
		}
	}
	return nil
}

func firstLine(stmt string) string {
	for i, r := range stmt {
		if r == '\n' || r == '(' {
			return stmt[:i]
		}
	}
	return stmt
}

// SQLite stores prices as REAL, the same as the trading tables sharing the
// file, so raw SQL compares them numerically. Values keep about 15
// significant digits.
// The tables carry no CHECK constraints: rows that violate OHLC ordering are
// kept and reported by validation, and other writers may leave NULLs.
func sqliteMigrations() []Migration {
	return []Migration{
		{
			Version:     1,
			Description: "ohlcv table",
			Up: func(ctx context.Context, tx *sql.Tx) error {
				return execAll(ctx, tx,
					`CREATE TABLE IF NOT EXISTS ohlcv (
						id INTEGER PRIMARY KEY AUTOINCREMENT,
						symbol TEXT NOT NULL,
						timeframe TEXT NOT NULL,
						timestamp INTEGER NOT NULL,
						close_time INTEGER,
						open REAL,
						high REAL,
						low REAL,
						close REAL,
						volume REAL,
						created_at INTEGER NOT NULL,
						updated_at INTEGER NOT NULL,
						UNIQUE (symbol, timeframe, timestamp)
					)`,
					`CREATE INDEX IF NOT EXISTS idx_ohlcv_symbol_timeframe ON ohlcv (symbol, timeframe)`,
					`CREATE INDEX IF NOT EXISTS idx_ohlcv_timestamp ON ohlcv (timestamp)`,
				)
			},
		},
		{
			Version:     2,
			Description: "tickers table",
			Up: func(ctx context.Context, tx *sql.Tx) error {
				return execAll(ctx, tx,
					`CREATE TABLE IF NOT EXISTS tickers (
						id INTEGER PRIMARY KEY AUTOINCREMENT,
						symbol TEXT NOT NULL,
						timestamp INTEGER NOT NULL,
						bid REAL,
						ask REAL,
						last REAL,
						high REAL,
						low REAL,
						open REAL,
						close REAL,
						volume REAL,
						quote_volume REAL,
						created_at INTEGER NOT NULL
					)`,
					`CREATE INDEX IF NOT EXISTS idx_tickers_symbol ON tickers (symbol)`,
					`CREATE INDEX IF NOT EXISTS idx_tickers_timestamp ON tickers (timestamp)`,
				)
			},
		},
	}
}

// DuckDB stores prices as DOUBLE for analytical queries; ticker ids are UUIDs
// generated by the writer so rows can be bulk appended.
func duckdbMigrations() []Migration {
	return []Migration{
		{
			Version:     1,
			Description: "ohlcv table",
			Up: func(ctx context.Context, tx *sql.Tx) error {
				return execAll(ctx, tx,
					`CREATE SEQUENCE IF NOT EXISTS ohlcv_id_seq START 1`,
					`CREATE TABLE IF NOT EXISTS ohlcv (
						id BIGINT PRIMARY KEY DEFAULT nextval('ohlcv_id_seq'),
						symbol VARCHAR NOT NULL,
						timeframe VARCHAR NOT NULL,
						timestamp BIGINT NOT NULL,
						close_time BIGINT,
						open DOUBLE,
						high DOUBLE,
						low DOUBLE,
						close DOUBLE,
						volume DOUBLE,
						created_at BIGINT NOT NULL,
						updated_at BIGINT NOT NULL,
						UNIQUE (symbol, timeframe, timestamp)
					)`,
					`CREATE INDEX IF NOT EXISTS idx_ohlcv_symbol_timeframe ON ohlcv (symbol, timeframe)`,
					`CREATE INDEX IF NOT EXISTS idx_ohlcv_timestamp ON ohlcv (timestamp)`,
				)
			},
		},
		{
			Version:     2,
			Description: "tickers table",
			Up: func(ctx context.Context, tx *sql.Tx) error {
				return execAll(ctx, tx,
					`CREATE TABLE IF NOT EXISTS tickers (
						id VARCHAR PRIMARY KEY,
						symbol VARCHAR NOT NULL,
						timestamp BIGINT NOT NULL,
						bid DOUBLE,
						ask DOUBLE,
						last DOUBLE,
						high DOUBLE,
						low DOUBLE,
						open DOUBLE,
						close DOUBLE,
						volume DOUBLE,
						quote_volume DOUBLE,
						created_at BIGINT NOT NULL
					)`,
					`CREATE INDEX IF NOT EXISTS idx_tickers_symbol ON tickers (symbol)`,
					`CREATE INDEX IF NOT EXISTS idx_tickers_timestamp ON tickers (timestamp)`,
				)
			},
		},
	}
}
