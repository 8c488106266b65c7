package storage

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/johnayoung/tradebot-collector/internal/config"
)

// Open creates the backend named by cfg.Type. The parent directory of a file
// path is created when missing. The schema is not initialized.
func Open(cfg config.StorageConfig, logger *slog.Logger, opts ...Option) (Store, error) {
	if logger == nil {
		logger = slog.Default()
	}
	opts = append([]Option{WithBusyTimeout(config.Duration(cfg.BusyTimeout, 5*time.Second))}, opts...)

	if cfg.Type != "memory" && cfg.Path != ":memory:" && cfg.Path != "" {
		if err := os.MkdirAll(filepath.Dir(cfg.Path), 0o755); err != nil {
			return nil, NewStorageError("open", "", "", fmt.Errorf("failed to create database directory: %w", err))
		}
	}

	switch cfg.Type {
	case "sqlite", "":
		return NewSQLiteStorage(cfg.Path, logger, opts...)
	case "duckdb":
		return NewDuckDBStorage(cfg.Path, logger, opts...)
	case "memory":
		return NewMemoryStorage(opts...), nil
	default:
		return nil, fmt.Errorf("unsupported storage type: %s", cfg.Type)
	}
}

// WithCache wraps store in a CachedStore when the cache is enabled. An
// unreachable Redis server is logged and the store is returned unwrapped.
func WithCache(ctx context.Context, cfg config.CacheConfig, store Store, logger *slog.Logger) Store {
	if !cfg.Enabled {
		return store
	}
	if logger == nil {
		logger = slog.Default()
	}

	rdb := redis.NewClient(&redis.Options{
		Addr:     cfg.Addr,
		Password: cfg.Password,
		DB:       cfg.DB,
	})

	pingCtx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()
	if err := rdb.Ping(pingCtx).Err(); err != nil {
		logger.Warn("redis unavailable, continuing without cache", "addr", cfg.Addr, "error", err)
		_ = rdb.Close()
		return store
	}

	logger.Info("redis cache enabled", "addr", cfg.Addr, "namespace", cfg.Namespace)
	return NewCachedStore(rdb, config.Duration(cfg.TTL, time.Minute), store, cfg.Namespace, logger)
}
