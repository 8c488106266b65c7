package collector

import (
	"context"
	"sync"
	"time"

	"github.com/johnayoung/tradebot-collector/internal/logger"
	"github.com/johnayoung/tradebot-collector/internal/models"
)

// Run executes cycles until ctx is cancelled. Cancellation interrupts the
// sleep between cycles immediately; work already in flight finishes first.
// Run returns nil on cancellation, ErrNothingToCollect when every pair has
// been pruned, and an error wrapping ErrStorageFailure when the store fails
// in a way retries cannot fix.
func (c *Collector) Run(ctx context.Context) error {
	interval := c.CycleInterval()
	c.logger.Info("collection loop starting", "cycle_interval", interval, "workers", c.opts.Workers)

	for {
		report := c.RunCycle(ctx)
		if err := c.Err(); err != nil {
			c.rc.SetState(StateStopped)
			c.logger.Error("collection loop stopped on storage failure", "last_cycle", report.ID, "error", err)
			return err
		}
		if ctx.Err() != nil {
			c.rc.SetState(StateStopped)
			c.logger.Info("collection loop stopped", "last_cycle", report.ID)
			return nil
		}
		if !c.rc.HasWork() {
			c.rc.SetState(StateStopped)
			return ErrNothingToCollect
		}

		c.rc.SetState(StateSleeping)
		if err := c.clock.Sleep(ctx, report.SleepScheduled); err != nil {
			c.rc.SetState(StateStopped)
			c.logger.Info("collection loop stopped during sleep")
			return nil
		}
		c.rc.SetState(StateIdle)
	}
}

// CycleInterval is the shortest polling interval among the configured
// timeframes; the loop wakes at that cadence and runs whatever is due.
func (c *Collector) CycleInterval() time.Duration {
	var shortest time.Duration
	for _, tf := range c.opts.Timeframes {
		if d := c.opts.Intervals[tf]; d > 0 && (shortest == 0 || d < shortest) {
			shortest = d
		}
	}
	if shortest == 0 {
		shortest = time.Minute
	}
	return shortest
}

// SleepDuration returns how long to sleep after a cycle that started at
// start and ended at end: max(0, interval - elapsed).
func SleepDuration(interval time.Duration, start, end time.Time) time.Duration {
	remaining := interval - end.Sub(start)
	if remaining < 0 {
		return 0
	}
	return remaining
}

// RunCycle runs one collection cycle: due candle pairs, then ticker symbols,
// then resampling. Individual failures are recorded in the report.
func (c *Collector) RunCycle(ctx context.Context) *models.CycleReport {
	start := c.clock.Now()
	report := &models.CycleReport{
		ID:        logger.NewCycleID(start),
		StartedAt: start,
	}
	ctx = logger.WithCycleID(ctx, report.ID)
	log := logger.FromContext(ctx, c.logger)

	due := c.rc.DueTimeframes(start, c.opts.Intervals)
	report.DueTimeframes = due
	c.rc.SetState(StateFetching)

	pairs := c.rc.ActivePairs(due)
	if len(due) > 0 {
		report.Candles = c.runUnits(ctx, len(pairs), func(unitCtx context.Context, i int) models.PairResult {
			return c.collectPair(unitCtx, ctx, pairs[i])
		})
	}

	if ctx.Err() == nil && c.Err() == nil {
		tickers := c.rc.ActiveTickers()
		report.Tickers = c.runUnits(ctx, len(tickers), func(unitCtx context.Context, i int) models.PairResult {
			return c.CollectTicker(unitCtx, tickers[i])
		})
	}
	c.rc.MarkRun(due, start)

	if ctx.Err() == nil && c.Err() == nil && len(c.opts.ResampleTo) > 0 && contains(due, c.opts.ResampleFrom) {
		report.Resampled = c.resampleAll(ctx)
	}

	report.FinishedAt = c.clock.Now()
	report.Interrupted = ctx.Err() != nil
	if err := c.Err(); err != nil {
		report.Fatal = err.Error()
	}
	report.SleepScheduled = SleepDuration(c.CycleInterval(), start, report.FinishedAt)

	elapsed := report.Duration()
	if elapsed > c.CycleInterval() {
		log.Warn("cycle overran its interval, starting next cycle immediately",
			"elapsed", elapsed, "interval", c.CycleInterval())
	}
	log.Info("cycle complete",
		"due", due,
		"pairs", len(report.Candles),
		"tickers", len(report.Tickers),
		"ok", report.Count(models.OutcomeOK),
		"transient", report.Count(models.OutcomeTransient),
		"permanent", report.Count(models.OutcomePermanent),
		"busy", report.Count(models.OutcomeBusy),
		"fatal", report.Count(models.OutcomeFatal),
		"elapsed", elapsed,
		"sleep", report.SleepScheduled)

	if c.observer != nil {
		c.observer.ObserveCycle(report)
	}
	c.rc.SetState(StateIdle)
	return report
}

// runUnits runs n units sequentially or on the worker pool. Units not yet
// started when ctx is cancelled are skipped; started units run to completion
// on a detached context bounded by the shutdown timeout.
func (c *Collector) runUnits(ctx context.Context, n int, unit func(ctx context.Context, i int) models.PairResult) []models.PairResult {
	if n == 0 {
		return nil
	}
	results := make([]models.PairResult, 0, n)

	if c.opts.Workers <= 1 || n == 1 {
		for i := 0; i < n; i++ {
			if ctx.Err() != nil {
				break
			}
			if c.limiter != nil && c.limiter.Wait(ctx) != nil {
				break
			}
			unitCtx, cancel := detach(ctx, c.opts.ShutdownTimeout)
			results = append(results, unit(unitCtx, i))
			cancel()
		}
		return results
	}

	pool := NewWorkerPool(c.opts.Workers, c.limiter, c.logger)
	_ = pool.Start()

	var (
		mu sync.Mutex
		wg sync.WaitGroup
	)
	for i := 0; i < n; i++ {
		i := i
		wg.Add(1)
		pool.Submit(ctx, &WorkerJob{
			Name: "unit",
			Run: func(jobCtx context.Context) error {
				if jobCtx.Err() != nil {
					return jobCtx.Err()
				}
				unitCtx, cancel := detach(jobCtx, c.opts.ShutdownTimeout)
				defer cancel()
				res := unit(unitCtx, i)
				mu.Lock()
				results = append(results, res)
				mu.Unlock()
				return nil
			},
		}, func(error) { wg.Done() })
	}
	wg.Wait()

	stopCtx, cancel := context.WithTimeout(context.Background(), c.opts.ShutdownTimeout)
	defer cancel()
	if err := pool.Stop(stopCtx); err != nil {
		c.logger.Warn("worker pool did not stop cleanly", "error", err)
	}
	return results
}

// detach returns a context that survives cancellation of parent for up to
// grace, so an in-flight fetch and store can complete during shutdown.
func detach(parent context.Context, grace time.Duration) (context.Context, context.CancelFunc) {
	ctx, cancel := context.WithCancel(context.WithoutCancel(parent))
	var (
		mu    sync.Mutex
		timer *time.Timer
	)
	stop := context.AfterFunc(parent, func() {
		mu.Lock()
		defer mu.Unlock()
		timer = time.AfterFunc(grace, cancel)
	})
	return ctx, func() {
		stop()
		mu.Lock()
		if timer != nil {
			timer.Stop()
		}
		mu.Unlock()
		cancel()
	}
}

func contains(list []string, s string) bool {
	for _, v := range list {
		if v == s {
			return true
		}
	}
	return false
}
