// Package logger provides structured logging with context propagation for the collector.
// Log lines are emitted through slog with either a JSON or text handler, and
// collection context (cycle id, symbol, timeframe) travels on the context.
package logger

import (
	"context"
	"crypto/rand"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/oklog/ulid/v2"
	"gopkg.in/natefinch/lumberjack.v2"

	"github.com/johnayoung/tradebot-collector/internal/config"
)

// ContextKey represents keys for context values
type ContextKey string

const (
	// CycleIDKey is the context key for the scheduler cycle id
	CycleIDKey ContextKey = "cycle_id"
	// OperationKey is the context key for operation name
	OperationKey ContextKey = "operation"
	// SymbolKey is the context key for the market symbol
	SymbolKey ContextKey = "symbol"
	// TimeframeKey is the context key for the candle timeframe
	TimeframeKey ContextKey = "timeframe"
)

// LoggerManager manages structured logging for the application
type LoggerManager struct {
	baseLogger *slog.Logger
	config     config.LoggingConfig
	writer     io.WriteCloser

	mu             sync.Mutex
	componentCache map[string]*slog.Logger
}

// NewLoggerManager creates a new logger manager with the specified configuration
func NewLoggerManager(cfg config.LoggingConfig) (*LoggerManager, error) {
	writer, err := createWriter(cfg)
	if err != nil {
		return nil, fmt.Errorf("failed to create log writer: %w", err)
	}

	return newManager(cfg, writer), nil
}

func newManager(cfg config.LoggingConfig, writer io.WriteCloser) *LoggerManager {
	opts := &slog.HandlerOptions{
		Level:     ParseLevel(cfg.Level),
		AddSource: cfg.Level == "debug",
		ReplaceAttr: func(groups []string, a slog.Attr) slog.Attr {
			switch a.Key {
			case slog.TimeKey:
				if t, ok := a.Value.Any().(time.Time); ok {
					a.Value = slog.StringValue(t.UTC().Format(time.RFC3339Nano))
				}
			case slog.LevelKey:
				if level, ok := a.Value.Any().(slog.Level); ok {
					a.Value = slog.StringValue(strings.ToUpper(level.String()))
				}
			}
			return a
		},
	}

	var handler slog.Handler
	switch cfg.Format {
	case "text":
		handler = slog.NewTextHandler(writer, opts)
	default:
		handler = slog.NewJSONHandler(writer, opts)
	}

	if len(cfg.ContextFields) > 0 {
		baseAttrs := make([]slog.Attr, 0, len(cfg.ContextFields))
		for key, value := range cfg.ContextFields {
			baseAttrs = append(baseAttrs, slog.String(key, value))
		}
		handler = handler.WithAttrs(baseAttrs)
	}

	return &LoggerManager{
		baseLogger:     slog.New(handler),
		config:         cfg,
		writer:         writer,
		componentCache: make(map[string]*slog.Logger),
	}
}

// createWriter creates the appropriate writer based on configuration
func createWriter(cfg config.LoggingConfig) (io.WriteCloser, error) {
	switch cfg.Output {
	case "stderr":
		return nopWriteCloser{os.Stderr}, nil
	case "file":
		if cfg.FilePath == "" {
			return nil, fmt.Errorf("file path is required when output is 'file'")
		}

		dir := filepath.Dir(cfg.FilePath)
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("failed to create log directory: %w", err)
		}

		return &lumberjack.Logger{
			Filename:   cfg.FilePath,
			MaxSize:    cfg.MaxSize, // MB
			MaxBackups: cfg.MaxBackups,
			MaxAge:     cfg.MaxAge, // days
			Compress:   cfg.Compress,
		}, nil
	default:
		return nopWriteCloser{os.Stdout}, nil
	}
}

// nopWriteCloser wraps an io.Writer to provide a Close method
type nopWriteCloser struct {
	io.Writer
}

func (nopWriteCloser) Close() error { return nil }

// ParseLevel converts string log level to slog.Level
func ParseLevel(level string) slog.Level {
	switch strings.ToLower(level) {
	case "debug":
		return slog.LevelDebug
	case "warn", "warning":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// GetLogger returns the base logger instance
func (lm *LoggerManager) GetLogger() *slog.Logger {
	return lm.baseLogger
}

// Component returns a logger tagged with component=name. Loggers are cached
// per component.
func (lm *LoggerManager) Component(name string) *slog.Logger {
	lm.mu.Lock()
	defer lm.mu.Unlock()

	if cached, ok := lm.componentCache[name]; ok {
		return cached
	}
	l := lm.baseLogger.With(slog.String("component", name))
	lm.componentCache[name] = l
	return l
}

// Close closes the logger and any associated resources
func (lm *LoggerManager) Close() error {
	if lm.writer != nil {
		return lm.writer.Close()
	}
	return nil
}

// FromContext decorates logger with the collection attributes found on ctx.
func FromContext(ctx context.Context, logger *slog.Logger) *slog.Logger {
	attrs := contextAttributes(ctx)
	if len(attrs) == 0 {
		return logger
	}
	return logger.With(attrs...)
}

func contextAttributes(ctx context.Context) []any {
	var attrs []any
	for _, key := range []ContextKey{CycleIDKey, OperationKey, SymbolKey, TimeframeKey} {
		if v, ok := ctx.Value(key).(string); ok && v != "" {
			attrs = append(attrs, slog.String(string(key), v))
		}
	}
	return attrs
}

// WithCycleID adds a cycle id to the context
func WithCycleID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, CycleIDKey, id)
}

// WithOperation adds an operation name to the context
func WithOperation(ctx context.Context, operation string) context.Context {
	return context.WithValue(ctx, OperationKey, operation)
}

// WithPair adds symbol and timeframe to the context. An empty timeframe is
// left unset, which is how ticker work is tagged.
func WithPair(ctx context.Context, symbol, timeframe string) context.Context {
	ctx = context.WithValue(ctx, SymbolKey, symbol)
	if timeframe != "" {
		ctx = context.WithValue(ctx, TimeframeKey, timeframe)
	}
	return ctx
}

// CycleID extracts the cycle id from context
func CycleID(ctx context.Context) string {
	id, _ := ctx.Value(CycleIDKey).(string)
	return id
}

var (
	entropyMu sync.Mutex
	entropy   = ulid.Monotonic(rand.Reader, 0)
)

// NewCycleID returns a ULID for the cycle starting at t. ULIDs sort by start
// time, so log lines from consecutive cycles order naturally.
func NewCycleID(t time.Time) string {
	entropyMu.Lock()
	defer entropyMu.Unlock()
	return ulid.MustNew(ulid.Timestamp(t), entropy).String()
}

// TimedOperation logs an operation with automatic timing
func TimedOperation(ctx context.Context, logger *slog.Logger, operation string, fn func() error) error {
	start := time.Now()
	err := fn()
	duration := time.Since(start)

	logger = FromContext(ctx, logger)
	if err != nil {
		logger.Error("operation failed",
			slog.String("operation", operation),
			slog.Duration("duration", duration),
			slog.Any("error", err))
		return err
	}

	logger.Debug("operation completed",
		slog.String("operation", operation),
		slog.Duration("duration", duration))
	return nil
}
