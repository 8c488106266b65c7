package collector

import (
	"context"
	"fmt"

	"github.com/johnayoung/tradebot-collector/internal/logger"
	"github.com/johnayoung/tradebot-collector/internal/models"
)

// Backfill fetches candles for one pair from since up to until (both unix ms)
// without the per-cycle page cap. It stops at a short page, at until, or when
// ctx is cancelled between pages. Unlike CollectPair it returns the error so
// a one-shot command can exit non-zero.
func (c *Collector) Backfill(ctx context.Context, symbol, timeframe string, since, until int64) (models.PairResult, error) {
	if since >= until {
		return models.PairResult{}, fmt.Errorf("backfill range is empty: since %d >= until %d", since, until)
	}
	if _, err := models.ParseTimeframe(timeframe); err != nil {
		return models.PairResult{}, err
	}

	start := c.clock.Now()
	ctx = logger.WithOperation(logger.WithPair(ctx, symbol, timeframe), "backfill")
	log := logger.FromContext(ctx, c.logger)
	pair := models.PairKey{Symbol: symbol, Timeframe: timeframe}
	result := models.PairResult{Symbol: symbol, Timeframe: timeframe, Outcome: models.OutcomeOK}

	log.Info("backfill starting", "since", since, "until", until)
	pages := 0
	for since < until {
		if err := ctx.Err(); err != nil {
			result.Outcome = models.OutcomeSkipped
			result.Duration = c.clock.Now().Sub(start)
			return result, err
		}

		candles, err := c.exchange.FetchOHLCV(ctx, symbol, timeframe, &since, c.opts.FetchLimit)
		if err != nil {
			c.fail(log, &result, pair, err)
			result.Duration = c.clock.Now().Sub(start)
			return result, err
		}
		pages++
		result.Fetched += len(candles)

		inRange := candles[:0:0]
		for _, cd := range candles {
			if cd.Timestamp < until {
				inRange = append(inRange, cd)
			}
		}
		if len(inRange) > 0 {
			for _, cd := range inRange {
				if cd.Validate() != nil {
					result.Invalid++
				}
			}
			res, err := c.upsert(ctx, inRange)
			if err != nil {
				c.fail(log, &result, pair, err)
				result.Duration = c.clock.Now().Sub(start)
				return result, err
			}
			result.Inserted += res.Inserted
			result.Updated += res.Updated
			result.LatestOpen = inRange[len(inRange)-1].Timestamp
			c.publish(ctx, log, inRange)
		}

		if len(candles) < c.opts.FetchLimit || len(inRange) < len(candles) {
			break
		}
		since = candles[len(candles)-1].Timestamp + 1
	}

	result.Duration = c.clock.Now().Sub(start)
	log.Info("backfill complete",
		"pages", pages,
		"fetched", result.Fetched,
		"inserted", result.Inserted,
		"updated", result.Updated,
		"invalid", result.Invalid)
	return result, nil
}
