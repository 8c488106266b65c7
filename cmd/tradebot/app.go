package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/johnayoung/tradebot-collector/internal/collector"
	"github.com/johnayoung/tradebot-collector/internal/config"
	apperrors "github.com/johnayoung/tradebot-collector/internal/errors"
	"github.com/johnayoung/tradebot-collector/internal/exchange"
	"github.com/johnayoung/tradebot-collector/internal/logger"
	"github.com/johnayoung/tradebot-collector/internal/metrics"
	"github.com/johnayoung/tradebot-collector/internal/publish"
	"github.com/johnayoung/tradebot-collector/internal/storage"
)

// rootOptions holds the persistent flags.
type rootOptions struct {
	configPath string
	logLevel   string
}

func newRootCmd() *cobra.Command {
	opts := &rootOptions{}
	cmd := &cobra.Command{
		Use:           AppName,
		Short:         "Collect exchange OHLCV candles and tickers into a local database",
		Version:       Version,
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	cmd.PersistentFlags().StringVarP(&opts.configPath, "config", "c", os.Getenv("CONFIG_PATH"), "path to a JSON or YAML config file")
	cmd.PersistentFlags().StringVar(&opts.logLevel, "log-level", "", "override the configured log level (debug, info, warn, error)")

	cmd.AddCommand(
		newCollectCmd(opts),
		newBackfillCmd(opts),
		newValidateCmd(opts),
		newInitDBCmd(opts),
	)
	return cmd
}

// app is the wired runtime shared by the commands.
type app struct {
	cfg      *config.AppConfig
	logs     *logger.LoggerManager
	log      *slog.Logger
	recorder *metrics.Recorder
	closers  []func() error
}

// loadApp loads configuration and sets up logging. override runs before
// validation-sensitive wiring so command flags win over file and environment.
func loadApp(ctx context.Context, opts *rootOptions, override func(*config.AppConfig) error) (*app, error) {
	bootstrap := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelWarn}))
	cfg, err := config.NewConfigManager(opts.configPath, bootstrap).LoadConfig(ctx)
	if err != nil {
		return nil, withCode(ExitConfigError, err)
	}
	if opts.logLevel != "" {
		cfg.Logging.Level = opts.logLevel
	}
	if override != nil {
		if err := override(cfg); err != nil {
			return nil, withCode(ExitConfigError, err)
		}
	}

	logs, err := logger.NewLoggerManager(cfg.Logging)
	if err != nil {
		return nil, withCode(ExitConfigError, fmt.Errorf("failed to initialize logging: %w", err))
	}
	a := &app{cfg: cfg, logs: logs, log: logs.GetLogger()}
	a.closers = append(a.closers, logs.Close)
	if cfg.Metrics.Enabled {
		a.recorder = metrics.NewRecorder()
	}
	a.log.Debug("configuration", "config", cfg.String())
	return a, nil
}

// openStore opens the configured backend, initializes the schema and
// applies the optional Redis cache.
func (a *app) openStore(ctx context.Context) (storage.Store, error) {
	var opts []storage.Option
	if a.recorder != nil {
		opts = append(opts, storage.WithObserver(a.recorder))
	}
	store, err := storage.Open(a.cfg.Storage, a.logs.Component("storage"), opts...)
	if err != nil {
		return nil, withCode(ExitConnectionErr, err)
	}
	if err := logger.TimedOperation(ctx, a.log, "init_schema", func() error { return store.InitSchema(ctx) }); err != nil {
		_ = store.Close()
		return nil, withCode(ExitConnectionErr, fmt.Errorf("failed to initialize schema: %w", err))
	}
	store = storage.WithCache(ctx, a.cfg.Cache, store, a.logs.Component("cache"))
	a.closers = append(a.closers, store.Close)
	return store, nil
}

func (a *app) newExchange() (exchange.Client, error) {
	ec := a.cfg.Exchange
	maxRetries := ec.MaxRetries
	if maxRetries == 0 {
		maxRetries = -1
	}
	opts := exchange.Options{
		BaseURL:           ec.BaseURL,
		APIKey:            ec.APIKey,
		APISecret:         ec.APISecret,
		Sandbox:           ec.Sandbox,
		Timeout:           config.Duration(ec.Timeout, 15*time.Second),
		RequestsPerSecond: ec.RequestsPerSecond,
		MaxRetries:        maxRetries,
		Logger:            a.logs.Component("exchange"),
	}
	if a.recorder != nil {
		opts.Observer = a.recorder
	}
	client, err := exchange.New(ec.Name, opts)
	if err != nil {
		return nil, withCode(ExitConfigError, err)
	}
	a.closers = append(a.closers, client.Close)
	return client, nil
}

// newCollector wires exchange, store, metrics and publisher into a collector.
func (a *app) newCollector(ex exchange.Client, store storage.Store) (*collector.Collector, error) {
	cc := a.cfg.Collector
	b := collector.NewBuilder().
		WithExchange(ex).
		WithStorage(store).
		WithLogger(a.logs.Component("collector")).
		WithOptions(collector.Options{
			Symbols:           cc.Symbols,
			Timeframes:        cc.Timeframes,
			Tickers:           cc.TickerList(),
			Intervals:         cc.TimeframeIntervals(),
			FetchLimit:        cc.FetchLimit,
			BootstrapLookback: config.Duration(cc.BootstrapLookback, collector.DefaultBootstrapLookback),
			MaxPagesPerCycle:  cc.MaxPagesPerCycle,
			Workers:           cc.Workers,
			UnitsPerSecond:    cc.UnitsPerSecond,
			RetryPolicy:       cc.RetryPolicy(),
			ShutdownTimeout:   config.Duration(cc.ShutdownTimeout, collector.DefaultShutdownTimeout),
			ResampleTo:        cc.ResampleTo,
			ResampleLookback:  config.Duration(cc.ResampleLookback, collector.DefaultResampleLookback),
		})
	if a.recorder != nil {
		b = b.WithObserver(a.recorder)
	}
	if a.cfg.Publisher.Enabled {
		pub, err := publish.NewCandlePublisher(a.cfg.Publisher, a.logs.Component("publisher"))
		if err != nil {
			return nil, withCode(ExitConfigError, err)
		}
		a.closers = append(a.closers, pub.Close)
		b = b.WithPublisher(pub)
	}
	c, err := b.Build()
	if err != nil {
		return nil, withCode(ExitConfigError, err)
	}
	return c, nil
}

// startMetrics serves the metrics endpoint when enabled.
func (a *app) startMetrics(health metrics.HealthChecker, readyAfter time.Duration) error {
	if a.recorder == nil {
		return nil
	}
	srv := metrics.NewServer(a.cfg.Metrics, a.recorder, health, readyAfter, a.log)
	if err := srv.Start(); err != nil {
		return withCode(ExitConnectionErr, fmt.Errorf("failed to start metrics server: %w", err))
	}
	a.closers = append(a.closers, func() error {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return srv.Stop(ctx)
	})
	return nil
}

// Close releases resources in reverse order of acquisition.
func (a *app) Close() {
	for i := len(a.closers) - 1; i >= 0; i-- {
		if err := a.closers[i](); err != nil {
			a.log.Warn("error during shutdown", "error", err)
		}
	}
}

// fetchExitCode maps a collection error to an exit code.
func fetchExitCode(err error) int {
	switch apperrors.KindOf(err) {
	case apperrors.KindConfiguration, apperrors.KindPermanentFetch:
		return ExitConfigError
	case apperrors.KindStorageBusy:
		return ExitConnectionErr
	}
	if errors.Is(err, context.Canceled) {
		return ExitInterrupt
	}
	return ExitConnectionErr
}
