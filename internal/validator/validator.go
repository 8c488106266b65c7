// Package validator inspects stored market data and produces a report of
// anomalies, gaps and stale pairs. It only reads: findings are values in the
// report, never errors, and nothing is repaired.
package validator

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"time"

	"github.com/johnayoung/tradebot-collector/internal/models"
	"github.com/johnayoung/tradebot-collector/internal/storage"
)

// Options configures a validation run.
type Options struct {
	// Lookback is the window ending now that rows are scanned over.
	Lookback time.Duration

	// GapTolerance is the step multiple beyond which a gap is reported.
	GapTolerance float64

	// StaleMultiple times the pair's collection interval is the freshness threshold.
	StaleMultiple float64

	// Intervals maps timeframe to collection interval. Timeframes without an
	// entry use their candle step.
	Intervals map[string]time.Duration

	// Symbols and Timeframes list the configured pairs. Configured pairs with
	// no stored candles are reported stale.
	Symbols    []string
	Timeframes []string

	// Symbol restricts the run to one symbol when set.
	Symbol string

	Now func() time.Time
}

func (o Options) withDefaults() Options {
	if o.Lookback <= 0 {
		o.Lookback = 24 * time.Hour
	}
	if o.GapTolerance < 1 {
		o.GapTolerance = DefaultGapTolerance
	}
	if o.StaleMultiple <= 0 {
		o.StaleMultiple = 3
	}
	if o.Now == nil {
		o.Now = time.Now
	}
	return o
}

// Engine runs validation against a storage reader.
type Engine struct {
	store  storage.Reader
	opts   Options
	logger *slog.Logger
}

// NewEngine creates a validation engine.
func NewEngine(store storage.Reader, opts Options, logger *slog.Logger) *Engine {
	if logger == nil {
		logger = slog.Default()
	}
	return &Engine{
		store:  store,
		opts:   opts.withDefaults(),
		logger: logger.With("component", "validator"),
	}
}

// Run scans the lookback window and returns the report. Errors are only
// returned when storage cannot be read.
func (e *Engine) Run(ctx context.Context) (*models.Report, error) {
	now := e.opts.Now().UTC()
	end := now.UnixMilli()
	start := now.Add(-e.opts.Lookback).UnixMilli()
	report := models.NewReport(now, start, end)

	tables, err := e.store.TableCounts(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to read table counts: %w", err)
	}
	report.TableCounts = tables

	counts, err := e.store.CountBySymbolTimeframe(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to count candles: %w", err)
	}

	for _, pair := range e.pairs(counts) {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		summary, err := e.checkPair(ctx, report, pair, counts[pair], start, end, now)
		if err != nil {
			return nil, err
		}
		report.Pairs = append(report.Pairs, summary)
	}

	e.logger.Info("validation complete",
		"pairs", len(report.Pairs),
		"anomalies", len(report.Anomalies),
		"errors", report.CountBySeverity(models.SeverityError),
		"gaps", len(report.Gaps),
		"stale", len(report.Stale))
	return report, nil
}

func (e *Engine) checkPair(ctx context.Context, report *models.Report, pair models.PairKey, total int64, start, end int64, now time.Time) (models.PairSummary, error) {
	summary := models.PairSummary{Symbol: pair.Symbol, Timeframe: pair.Timeframe, Total: total}

	candles, err := e.store.CandlesInRange(ctx, pair.Symbol, pair.Timeframe, start, end)
	if err != nil {
		return summary, fmt.Errorf("failed to read candles for %s: %w", pair, err)
	}
	nulls, err := e.store.NullCandles(ctx, pair.Symbol, pair.Timeframe, start, end)
	if err != nil {
		return summary, fmt.Errorf("failed to read null rows for %s: %w", pair, err)
	}

	timestamps := make([]int64, 0, len(candles)+len(nulls))
	anomalies := 0
	for _, key := range nulls {
		report.Anomalies = append(report.Anomalies, NullAnomaly(key))
		timestamps = append(timestamps, key.Timestamp)
		anomalies++
	}
	for _, c := range candles {
		found := CheckCandle(c)
		report.Anomalies = append(report.Anomalies, found...)
		anomalies += len(found)
		timestamps = append(timestamps, c.Timestamp)
	}
	summary.Anomalies = anomalies
	summary.InWindow = len(timestamps)

	// a NULL row still occupies its slot, so it is not a gap
	gaps, err := DetectGaps(pair.Symbol, pair.Timeframe, timestamps, e.opts.GapTolerance)
	if err != nil {
		e.logger.Warn("skipping gap detection", "symbol", pair.Symbol, "timeframe", pair.Timeframe, "error", err)
	}
	report.Gaps = append(report.Gaps, gaps...)
	summary.Gaps = len(gaps)

	if len(timestamps) > 0 {
		sort.Slice(timestamps, func(i, j int) bool { return timestamps[i] < timestamps[j] })
		summary.First = timestamps[0]
		summary.Last = timestamps[len(timestamps)-1]
	}

	latest, ok, err := e.store.LatestTimestamp(ctx, pair.Symbol, pair.Timeframe)
	if err != nil {
		return summary, fmt.Errorf("failed to read latest timestamp for %s: %w", pair, err)
	}
	if stale, isStale := e.freshness(pair, latest, ok, now); isStale {
		report.Stale = append(report.Stale, stale)
	}
	return summary, nil
}

// freshness reports whether the pair's newest candle is older than the
// threshold. A pair with no candles is stale.
func (e *Engine) freshness(pair models.PairKey, latest int64, ok bool, now time.Time) (models.StalePair, bool) {
	interval, found := e.opts.Intervals[pair.Timeframe]
	if !found || interval <= 0 {
		step, err := models.ParseTimeframe(pair.Timeframe)
		if err != nil {
			step = time.Minute
		}
		interval = step
	}
	threshold := time.Duration(e.opts.StaleMultiple * float64(interval))

	stale := models.StalePair{Symbol: pair.Symbol, Timeframe: pair.Timeframe, Threshold: threshold}
	if !ok {
		return stale, true
	}
	stale.Latest = latest
	stale.Age = now.Sub(time.UnixMilli(latest))
	return stale, stale.Age > threshold
}

// pairs returns stored plus configured pairs, filtered and sorted.
func (e *Engine) pairs(counts map[models.PairKey]int64) []models.PairKey {
	set := make(map[models.PairKey]struct{}, len(counts))
	for p := range counts {
		set[p] = struct{}{}
	}
	for _, s := range e.opts.Symbols {
		for _, tf := range e.opts.Timeframes {
			set[models.PairKey{Symbol: s, Timeframe: tf}] = struct{}{}
		}
	}

	pairs := make([]models.PairKey, 0, len(set))
	for p := range set {
		if e.opts.Symbol != "" && p.Symbol != e.opts.Symbol {
			continue
		}
		pairs = append(pairs, p)
	}
	sort.Slice(pairs, func(i, j int) bool {
		if pairs[i].Symbol != pairs[j].Symbol {
			return pairs[i].Symbol < pairs[j].Symbol
		}
		return pairs[i].Timeframe < pairs[j].Timeframe
	})
	return pairs
}
