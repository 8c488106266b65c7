// Package collector runs the market-data collection loop: each cycle fetches
// new candles for every due (symbol, timeframe) pair and a ticker snapshot for
// every ticker symbol, upserts them, and sleeps until the next cycle.
//
// Failures are contained per unit of work. A transient fetch error is logged
// and the pair is retried next cycle; a permanent one removes the pair for
// the lifetime of the process; a busy database is retried with bounded
// backoff and then skipped for the cycle. Any other storage failure stops the
// loop.
package collector

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/time/rate"

	apperrors "github.com/johnayoung/tradebot-collector/internal/errors"
	"github.com/johnayoung/tradebot-collector/internal/exchange"
	"github.com/johnayoung/tradebot-collector/internal/logger"
	"github.com/johnayoung/tradebot-collector/internal/models"
	"github.com/johnayoung/tradebot-collector/internal/storage"
)

const (
	DefaultFetchLimit        = 500
	DefaultBootstrapLookback = 24 * time.Hour
	DefaultMaxPagesPerCycle  = 20
	DefaultShutdownTimeout   = 30 * time.Second
	DefaultResampleLookback  = 2 * time.Hour
	DefaultResampleSource    = "1m"
)

// ErrNothingToCollect is returned by Run when every pair and ticker symbol
// has been pruned.
var ErrNothingToCollect = errors.New("no active pairs or ticker symbols left to collect")

// ErrStorageFailure wraps a storage error that is neither lock contention nor
// cancellation, such as a corrupt database file. Run stops on it.
var ErrStorageFailure = errors.New("unexpected storage failure")

// storageErr tags err as ErrStorageFailure unless it is recoverable.
func storageErr(err error) error {
	if err == nil || apperrors.IsStorageBusy(err) || isCancellation(err) || errors.Is(err, ErrStorageFailure) {
		return err
	}
	return fmt.Errorf("%w: %w", ErrStorageFailure, err)
}

func isCancellation(err error) bool {
	return errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded)
}

// Observer receives collection outcomes, typically for metrics.
type Observer interface {
	ObservePair(kind string, result models.PairResult)
	ObserveCycle(report *models.CycleReport)
}

// Publisher forwards candles after they have been stored.
type Publisher interface {
	PublishCandles(ctx context.Context, candles []models.Candle) error
}

// Options configures a Collector. Zero values fall back to defaults.
type Options struct {
	Symbols    []string
	Timeframes []string
	Tickers    []string

	// Intervals maps timeframe to polling interval.
	Intervals map[string]time.Duration

	FetchLimit        int
	BootstrapLookback time.Duration
	MaxPagesPerCycle  int
	Workers           int
	// UnitsPerSecond caps how fast units of work start, across workers and
	// cycles. Zero means unlimited.
	UnitsPerSecond  float64
	RetryPolicy     apperrors.RetryPolicy
	ShutdownTimeout time.Duration

	// ResampleTo lists timeframes built locally from ResampleFrom candles.
	ResampleTo       []string
	ResampleFrom     string
	ResampleLookback time.Duration
}

func (o Options) withDefaults() Options {
	if o.FetchLimit <= 0 {
		o.FetchLimit = DefaultFetchLimit
	}
	if o.BootstrapLookback <= 0 {
		o.BootstrapLookback = DefaultBootstrapLookback
	}
	if o.MaxPagesPerCycle <= 0 {
		o.MaxPagesPerCycle = DefaultMaxPagesPerCycle
	}
	if o.Workers <= 0 {
		o.Workers = 1
	}
	if o.RetryPolicy.MaxAttempts <= 0 {
		o.RetryPolicy = apperrors.DefaultStorageRetryPolicy()
	}
	if o.ShutdownTimeout <= 0 {
		o.ShutdownTimeout = DefaultShutdownTimeout
	}
	if o.ResampleFrom == "" {
		o.ResampleFrom = DefaultResampleSource
	}
	if o.ResampleLookback <= 0 {
		o.ResampleLookback = DefaultResampleLookback
	}
	if o.Intervals == nil {
		o.Intervals = make(map[string]time.Duration)
	}
	for _, tf := range o.Timeframes {
		if o.Intervals[tf] > 0 {
			continue
		}
		step, err := models.ParseTimeframe(tf)
		if err != nil {
			step = time.Minute
		}
		o.Intervals[tf] = step
	}
	return o
}

// Collector owns one exchange client and one store.
type Collector struct {
	exchange  exchange.Client
	store     storage.Store
	opts      Options
	clock     Clock
	logger    *slog.Logger
	observer  Observer
	publisher Publisher
	rc        *RunContext
	limiter   *rate.Limiter

	fatalMu sync.Mutex
	fatal   error
}

// New creates a collector. The work list is built from opts; call Prepare to
// check it against the exchange before running.
func New(ex exchange.Client, store storage.Store, opts Options, log *slog.Logger) *Collector {
	if log == nil {
		log = slog.Default()
	}
	opts = opts.withDefaults()
	var limiter *rate.Limiter
	if opts.UnitsPerSecond > 0 {
		limiter = rate.NewLimiter(rate.Limit(opts.UnitsPerSecond), 1)
	}
	return &Collector{
		limiter:  limiter,
		exchange: ex,
		store:    store,
		opts:     opts,
		clock:    RealClock{},
		logger:   log.With("component", "collector"),
		rc:       NewRunContext(opts.Symbols, opts.Timeframes, opts.Tickers),
	}
}

// RunContext exposes the collector's mutable state.
func (c *Collector) RunContext() *RunContext {
	return c.rc
}

// Prepare checks the configured symbols against the exchange market list and
// rebuilds the work list from the valid ones. Unsupported timeframes are
// logged. It fails only when no configured symbol is listed; if the market
// list cannot be loaded the configured symbols are kept.
func (c *Collector) Prepare(ctx context.Context) error {
	for _, tf := range c.opts.Timeframes {
		if !c.exchange.SupportsTimeframe(tf) {
			c.logger.Warn("exchange does not advertise timeframe", "exchange", c.exchange.Name(), "timeframe", tf)
		}
	}

	symbols, err := c.validSymbols(ctx, c.opts.Symbols)
	if err != nil {
		return err
	}
	tickers, err := c.validSymbols(ctx, c.opts.Tickers)
	if err != nil && len(c.opts.Tickers) > 0 {
		c.logger.Warn("no valid ticker symbols", "requested", c.opts.Tickers)
		tickers = nil
	}
	if len(symbols) == 0 && len(tickers) == 0 {
		return fmt.Errorf("none of the configured symbols %v are listed on %s", c.opts.Symbols, c.exchange.Name())
	}

	c.rc = NewRunContext(symbols, c.opts.Timeframes, tickers)
	c.logger.Info("collector prepared",
		"exchange", c.exchange.Name(),
		"symbols", symbols,
		"timeframes", c.opts.Timeframes,
		"tickers", tickers)
	return nil
}

func (c *Collector) validSymbols(ctx context.Context, requested []string) ([]string, error) {
	if len(requested) == 0 {
		return nil, nil
	}
	valid, err := c.exchange.ValidateSymbols(ctx, requested)
	if err != nil {
		c.logger.Warn("could not load market list, keeping configured symbols", "error", err)
		return requested, nil
	}

	listed := make(map[string]bool, len(valid))
	for _, s := range valid {
		listed[s] = true
	}
	for _, s := range requested {
		if !listed[s] {
			c.logger.Warn("symbol not listed on exchange, skipping", "exchange", c.exchange.Name(), "symbol", s)
		}
	}
	if len(valid) == 0 {
		return nil, fmt.Errorf("none of %v are listed on %s", requested, c.exchange.Name())
	}
	return valid, nil
}

// CollectPair fetches and stores new candles for one pair. It pages forward
// from the newest stored candle until a short page or the per-cycle page cap.
// The outcome is reported in the result rather than as an error.
func (c *Collector) CollectPair(ctx context.Context, pair models.PairKey) models.PairResult {
	return c.collectPair(ctx, ctx, pair)
}

// collectPair runs one unit of work on ctx. Paging stops early once parent is
// done, but the page in flight is always stored.
func (c *Collector) collectPair(ctx, parent context.Context, pair models.PairKey) (result models.PairResult) {
	start := c.clock.Now()
	ctx = logger.WithPair(ctx, pair.Symbol, pair.Timeframe)
	log := logger.FromContext(ctx, c.logger)
	result = models.PairResult{Symbol: pair.Symbol, Timeframe: pair.Timeframe, Outcome: models.OutcomeOK}

	defer func() {
		result.Duration = c.clock.Now().Sub(start)
		if c.observer != nil {
			c.observer.ObservePair("candles", result)
		}
	}()

	since, err := c.nextSince(ctx, pair)
	if err != nil {
		c.fail(log, &result, pair, err)
		return result
	}

	for page := 0; page < c.opts.MaxPagesPerCycle; page++ {
		c.rc.SetState(StateFetching)
		candles, err := c.exchange.FetchOHLCV(ctx, pair.Symbol, pair.Timeframe, &since, c.opts.FetchLimit)
		if err != nil {
			c.fail(log, &result, pair, err)
			return result
		}
		result.Fetched += len(candles)
		if len(candles) == 0 {
			break
		}

		for _, cd := range candles {
			if verr := cd.Validate(); verr != nil {
				result.Invalid++
				log.Warn("storing candle that fails validation", "timestamp", cd.Timestamp, "error", verr)
			}
		}

		c.rc.SetState(StateStoring)
		upsert, err := c.upsert(ctx, candles)
		if err != nil {
			c.fail(log, &result, pair, err)
			return result
		}
		result.Inserted += upsert.Inserted
		result.Updated += upsert.Updated

		latest := candles[len(candles)-1].Timestamp
		c.rc.SetLastSeen(pair, latest)
		result.LatestOpen = latest
		since = latest + 1

		c.publish(ctx, log, candles)

		if len(candles) < c.opts.FetchLimit {
			break
		}
		if parent.Err() != nil {
			log.Info("stopping pagination for shutdown", "latest_open", latest)
			break
		}
	}

	log.Debug("pair collected",
		"fetched", result.Fetched,
		"inserted", result.Inserted,
		"updated", result.Updated,
		"latest_open", result.LatestOpen)
	return result
}

// nextSince returns the first open time to request: one past the newest
// stored candle, or the bootstrap lookback when nothing is stored.
func (c *Collector) nextSince(ctx context.Context, pair models.PairKey) (int64, error) {
	if ts, ok := c.rc.LastSeen(pair); ok {
		return ts + 1, nil
	}

	var (
		latest int64
		found  bool
	)
	err := apperrors.RetryOnBusy(ctx, c.opts.RetryPolicy, c.logger, "latest_timestamp", func() error {
		var err error
		latest, found, err = c.store.LatestTimestamp(ctx, pair.Symbol, pair.Timeframe)
		return err
	})
	if err != nil {
		return 0, storageErr(err)
	}
	if found {
		c.rc.SetLastSeen(pair, latest)
		return latest + 1, nil
	}
	return c.clock.Now().Add(-c.opts.BootstrapLookback).UnixMilli(), nil
}

// upsert stores candles with bounded retries on a busy database.
func (c *Collector) upsert(ctx context.Context, candles []models.Candle) (storage.UpsertResult, error) {
	var res storage.UpsertResult
	err := apperrors.RetryOnBusy(ctx, c.opts.RetryPolicy, c.logger, "upsert_candles", func() error {
		var err error
		res, err = c.store.UpsertCandles(ctx, candles)
		return err
	})
	return res, storageErr(err)
}

func (c *Collector) publish(ctx context.Context, log *slog.Logger, candles []models.Candle) {
	if c.publisher == nil {
		return
	}
	if err := c.publisher.PublishCandles(ctx, candles); err != nil {
		log.Warn("failed to publish candles", "count", len(candles), "error", err)
	}
}

// fail classifies err into the result and applies pruning.
func (c *Collector) fail(log *slog.Logger, result *models.PairResult, pair models.PairKey, err error) {
	result.Err = err.Error()
	if c.failUnrecoverable(log, result, err) {
		return
	}
	switch apperrors.KindOf(err) {
	case apperrors.KindPermanentFetch:
		result.Outcome = models.OutcomePermanent
		if c.rc.Prune(pair, err.Error()) {
			log.Warn("permanent error, removing pair from collection", "error", err)
		}
	case apperrors.KindTransientFetch:
		result.Outcome = models.OutcomeTransient
		log.Warn("transient fetch error, will retry next cycle", "error", err)
	case apperrors.KindStorageBusy:
		result.Outcome = models.OutcomeBusy
		log.Warn("storage busy, skipping pair this cycle", "error", err)
	default:
		result.Outcome = models.OutcomeFailed
		log.Error("pair collection failed", "error", err)
	}
}

// CollectTicker fetches one ticker snapshot and appends it.
func (c *Collector) CollectTicker(ctx context.Context, symbol string) (result models.PairResult) {
	start := c.clock.Now()
	ctx = logger.WithPair(ctx, symbol, "")
	log := logger.FromContext(ctx, c.logger)
	result = models.PairResult{Symbol: symbol, Outcome: models.OutcomeOK}

	defer func() {
		result.Duration = c.clock.Now().Sub(start)
		if c.observer != nil {
			c.observer.ObservePair("ticker", result)
		}
	}()

	c.rc.SetState(StateFetching)
	tick, err := c.exchange.FetchTicker(ctx, symbol)
	if err == nil && tick == nil {
		err = apperrors.NewTransientFetch(c.exchange.Name(), "fetch_ticker", symbol, "", errors.New("empty ticker response"))
	}
	if err != nil {
		c.failTicker(log, &result, symbol, err)
		return result
	}
	result.Fetched = 1

	c.rc.SetState(StateStoring)
	err = apperrors.RetryOnBusy(ctx, c.opts.RetryPolicy, c.logger, "insert_ticks", func() error {
		n, err := c.store.InsertTicks(ctx, []models.Tick{*tick})
		result.Inserted = n
		return err
	})
	if err = storageErr(err); err != nil {
		c.failTicker(log, &result, symbol, err)
		return result
	}
	result.LatestOpen = tick.Timestamp
	return result
}

func (c *Collector) failTicker(log *slog.Logger, result *models.PairResult, symbol string, err error) {
	result.Err = err.Error()
	if c.failUnrecoverable(log, result, err) {
		return
	}
	switch apperrors.KindOf(err) {
	case apperrors.KindPermanentFetch:
		result.Outcome = models.OutcomePermanent
		if c.rc.PruneTicker(symbol, err.Error()) {
			log.Warn("permanent error, removing ticker symbol from collection", "error", err)
		}
	case apperrors.KindTransientFetch:
		result.Outcome = models.OutcomeTransient
		log.Warn("transient ticker error, will retry next cycle", "error", err)
	case apperrors.KindStorageBusy:
		result.Outcome = models.OutcomeBusy
		log.Warn("storage busy, skipping ticker this cycle", "error", err)
	default:
		result.Outcome = models.OutcomeFailed
		log.Error("ticker collection failed", "error", err)
	}
}

// failUnrecoverable handles storage failures and shutdown cancellation, which
// are not tied to the unit itself. It reports whether err was one of them.
func (c *Collector) failUnrecoverable(log *slog.Logger, result *models.PairResult, err error) bool {
	switch {
	case errors.Is(err, ErrStorageFailure):
		result.Outcome = models.OutcomeFatal
		c.setFatal(err)
		log.Error("storage failure, collection will stop after this cycle", "error", err)
		return true
	case errors.Is(err, context.Canceled) && !apperrors.IsTransient(err):
		result.Outcome = models.OutcomeSkipped
		log.Info("unit cancelled during shutdown", "error", err)
		return true
	}
	return false
}

func (c *Collector) setFatal(err error) {
	c.fatalMu.Lock()
	defer c.fatalMu.Unlock()
	if c.fatal == nil {
		c.fatal = err
	}
}

// Err returns the storage failure that stopped collection, if any. Once set
// it is never cleared; the collector should not be run again.
func (c *Collector) Err() error {
	c.fatalMu.Lock()
	defer c.fatalMu.Unlock()
	return c.fatal
}
