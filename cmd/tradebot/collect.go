package main

import (
	"errors"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/johnayoung/tradebot-collector/internal/collector"
	"github.com/johnayoung/tradebot-collector/internal/config"
	"github.com/johnayoung/tradebot-collector/internal/models"
)

type collectOptions struct {
	symbols    []string
	timeframes []string
	tickers    []string
	workers    int
	once       bool
	dryRun     bool
}

func newCollectCmd(root *rootOptions) *cobra.Command {
	opts := &collectOptions{}
	cmd := &cobra.Command{
		Use:   "collect",
		Short: "Run the collection loop until interrupted",
		Long: `Fetch new candles for every configured (symbol, timeframe) pair and a ticker
snapshot per ticker symbol, store them, and repeat on the configured interval.
SIGINT or SIGTERM finishes the work in flight and exits cleanly.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return runCollect(cmd, root, opts)
		},
	}
	cmd.Flags().StringSliceVar(&opts.symbols, "symbols", nil, "symbols to collect, e.g. BTC/USDT,ETH/USDT")
	cmd.Flags().StringSliceVar(&opts.timeframes, "timeframes", nil, "timeframes to collect, e.g. 1m,5m")
	cmd.Flags().StringSliceVar(&opts.tickers, "tickers", nil, "ticker symbols (defaults to --symbols)")
	cmd.Flags().IntVar(&opts.workers, "workers", 0, "pairs collected concurrently")
	cmd.Flags().BoolVar(&opts.once, "once", false, "run a single cycle and exit")
	cmd.Flags().BoolVar(&opts.dryRun, "dry-run", false, "keep collected data in memory instead of the database")
	return cmd
}

func (o *collectOptions) apply(cfg *config.AppConfig) error {
	if len(o.symbols) > 0 {
		cfg.Collector.Symbols = o.symbols
	}
	if len(o.timeframes) > 0 {
		for _, tf := range o.timeframes {
			if _, err := models.ParseTimeframe(tf); err != nil {
				return err
			}
		}
		cfg.Collector.Timeframes = o.timeframes
	}
	if len(o.tickers) > 0 {
		cfg.Collector.TickerSymbols = o.tickers
	}
	if o.workers > 0 {
		cfg.Collector.Workers = o.workers
	}
	if o.dryRun {
		cfg.Storage.Type = "memory"
	}
	return nil
}

func runCollect(cmd *cobra.Command, root *rootOptions, opts *collectOptions) error {
	ctx := cmd.Context()
	a, err := loadApp(ctx, root, opts.apply)
	if err != nil {
		return err
	}
	defer a.Close()

	store, err := a.openStore(ctx)
	if err != nil {
		return err
	}
	ex, err := a.newExchange()
	if err != nil {
		return err
	}
	c, err := a.newCollector(ex, store)
	if err != nil {
		return err
	}
	if err := a.startMetrics(store, 3*c.CycleInterval()); err != nil {
		return err
	}

	if err := c.Prepare(ctx); err != nil {
		return withCode(ExitConfigError, err)
	}

	a.log.Info("collector starting",
		"exchange", ex.Name(),
		"storage", a.cfg.Storage.Type,
		"symbols", a.cfg.Collector.Symbols,
		"timeframes", a.cfg.Collector.Timeframes,
		"once", opts.once)

	if opts.once {
		report := c.RunCycle(ctx)
		fmt.Fprintf(cmd.OutOrStdout(), "cycle %s: %d ok, %d transient, %d permanent, %d busy in %s\n",
			report.ID,
			report.Count(models.OutcomeOK),
			report.Count(models.OutcomeTransient),
			report.Count(models.OutcomePermanent),
			report.Count(models.OutcomeBusy),
			report.Duration())
		if err := c.Err(); err != nil {
			return withCode(ExitConnectionErr, err)
		}
		if report.Count(models.OutcomeOK) == 0 && len(report.Candles)+len(report.Tickers) > 0 {
			return withCode(ExitConnectionErr, errors.New("no pair was collected successfully"))
		}
		return nil
	}

	if err := c.Run(ctx); err != nil {
		switch {
		case errors.Is(err, collector.ErrNothingToCollect):
			return withCode(ExitDataError, err)
		case errors.Is(err, collector.ErrStorageFailure):
			return withCode(ExitConnectionErr, err)
		}
		return withCode(fetchExitCode(err), err)
	}
	a.log.Info("collector stopped")
	return nil
}
