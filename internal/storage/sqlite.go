package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/mattn/go-sqlite3"
	"github.com/shopspring/decimal"

	"github.com/johnayoung/tradebot-collector/internal/models"
)

// SQLiteStorage is the default backend. The database file is shared with the
// trading component, so it runs in WAL mode and bounds lock waits by the busy
// timeout; an exhausted wait surfaces as a StorageBusyError.
type SQLiteStorage struct {
	sqlStore
}

var sqliteDialect = dialect{
	name:       "sqlite",
	migrations: sqliteMigrations,
	encode:     func(d decimal.Decimal) any { return d.InexactFloat64() },
	isBusy:     isSQLiteBusy,
	listTables: `SELECT name FROM sqlite_master WHERE type = 'table'`,
}

// NewSQLiteStorage opens (creating if needed) the SQLite database at path.
// The path ":memory:" opens a private in-memory database.
func NewSQLiteStorage(path string, logger *slog.Logger, opts ...Option) (*SQLiteStorage, error) {
	if logger == nil {
		logger = slog.Default()
	}
	o := buildOptions(opts)

	db, err := sql.Open("sqlite3", sqliteDSN(path, o.busyTimeout))
	if err != nil {
		return nil, NewStorageError("open", "", "", fmt.Errorf("failed to open SQLite database: %w", err))
	}

	if path == ":memory:" {
		// each connection would otherwise get its own empty database
		db.SetMaxOpenConns(1)
		db.SetConnMaxLifetime(0)
	}

	s := &SQLiteStorage{sqlStore{
		db:      db,
		path:    path,
		dialect: sqliteDialect,
		logger:  logger.With("component", "storage", "backend", "sqlite"),
		opts:    o,
	}}
	s.logger.Debug("opened database", "path", path, "busy_timeout", o.busyTimeout)
	return s, nil
}

func sqliteDSN(path string, busyTimeout time.Duration) string {
	if path == ":memory:" {
		return fmt.Sprintf("file::memory:?_busy_timeout=%d&_txlock=immediate", busyTimeout.Milliseconds())
	}
	return fmt.Sprintf("file:%s?_journal_mode=WAL&_busy_timeout=%d&_synchronous=NORMAL&_txlock=immediate",
		path, busyTimeout.Milliseconds())
}

// InsertTicks implements Writer.
func (s *SQLiteStorage) InsertTicks(ctx context.Context, ticks []models.Tick) (int, error) {
	if len(ticks) == 0 {
		return 0, nil
	}
	return s.insertTicksTx(ctx, ticks)
}

func isSQLiteBusy(err error) bool {
	var sqliteErr sqlite3.Error
	if errors.As(err, &sqliteErr) {
		return sqliteErr.Code == sqlite3.ErrBusy || sqliteErr.Code == sqlite3.ErrLocked
	}
	return false
}

var _ Store = (*SQLiteStorage)(nil)
