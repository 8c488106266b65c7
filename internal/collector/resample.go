package collector

import (
	"context"
	"fmt"
	"sort"

	"github.com/johnayoung/tradebot-collector/internal/logger"
	"github.com/johnayoung/tradebot-collector/internal/models"
)

// Resample aggregates candles into the target timeframe. Buckets are aligned
// to the target step; each carries the first open, highest high, lowest low,
// last close and summed volume of its source candles. A bucket that is still
// filling is emitted as-is and overwritten on a later run.
func Resample(candles []models.Candle, target string) ([]models.Candle, error) {
	step, err := models.TimeframeMillis(target)
	if err != nil {
		return nil, err
	}
	if len(candles) == 0 {
		return nil, nil
	}

	sorted := append([]models.Candle(nil), candles...)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].Timestamp < sorted[j].Timestamp })

	var (
		out []models.Candle
		cur *models.Candle
	)
	for _, c := range sorted {
		bucket := models.AlignTimestamp(c.Timestamp, step)
		if cur == nil || cur.Timestamp != bucket {
			if cur != nil {
				out = append(out, *cur)
			}
			cur = &models.Candle{
				Symbol:    c.Symbol,
				Timeframe: target,
				Timestamp: bucket,
				Open:      c.Open,
				High:      c.High,
				Low:       c.Low,
				Close:     c.Close,
				Volume:    c.Volume,
			}
			continue
		}
		if c.High.GreaterThan(cur.High) {
			cur.High = c.High
		}
		if c.Low.LessThan(cur.Low) {
			cur.Low = c.Low
		}
		cur.Close = c.Close
		cur.Volume = cur.Volume.Add(c.Volume)
	}
	out = append(out, *cur)
	return out, nil
}

// ResamplePair rebuilds the recent target-timeframe candles for symbol from
// the stored source timeframe and upserts them.
func (c *Collector) ResamplePair(ctx context.Context, symbol, target string) (result models.PairResult) {
	start := c.clock.Now()
	ctx = logger.WithPair(ctx, symbol, target)
	log := logger.FromContext(ctx, c.logger)
	result = models.PairResult{Symbol: symbol, Timeframe: target, Outcome: models.OutcomeOK}
	pair := models.PairKey{Symbol: symbol, Timeframe: target}

	defer func() {
		result.Duration = c.clock.Now().Sub(start)
		if c.observer != nil {
			c.observer.ObservePair("resample", result)
		}
	}()

	step, err := models.TimeframeMillis(target)
	if err != nil {
		c.fail(log, &result, pair, err)
		return result
	}
	end := start.UnixMilli()
	from := models.AlignTimestamp(start.Add(-c.opts.ResampleLookback).UnixMilli(), step)

	source, err := c.store.CandlesInRange(ctx, symbol, c.opts.ResampleFrom, from, end)
	if err = storageErr(err); err != nil {
		c.fail(log, &result, pair, err)
		return result
	}
	result.Fetched = len(source)

	candles, err := Resample(source, target)
	if err != nil || len(candles) == 0 {
		if err != nil {
			c.fail(log, &result, pair, err)
		}
		return result
	}

	res, err := c.upsert(ctx, candles)
	if err != nil {
		c.fail(log, &result, pair, err)
		return result
	}
	result.Inserted = res.Inserted
	result.Updated = res.Updated
	result.LatestOpen = candles[len(candles)-1].Timestamp
	log.Debug("resampled candles", "source", c.opts.ResampleFrom, "buckets", len(candles))
	return result
}

func (c *Collector) resampleAll(ctx context.Context) []models.PairResult {
	var results []models.PairResult
	for _, target := range c.opts.ResampleTo {
		if target == c.opts.ResampleFrom {
			continue
		}
		for _, p := range c.rc.ActivePairs([]string{c.opts.ResampleFrom}) {
			if ctx.Err() != nil {
				return results
			}
			results = append(results, c.ResamplePair(ctx, p.Symbol, target))
		}
	}
	return results
}

// validateResampleTargets rejects targets that are not whole multiples of the
// source timeframe.
func validateResampleTargets(source string, targets []string) error {
	src, err := models.TimeframeMillis(source)
	if err != nil {
		return fmt.Errorf("resample source: %w", err)
	}
	for _, t := range targets {
		step, err := models.TimeframeMillis(t)
		if err != nil {
			return fmt.Errorf("resample target: %w", err)
		}
		if step <= src || step%src != 0 {
			return fmt.Errorf("resample target %s is not a multiple of %s", t, source)
		}
	}
	return nil
}
