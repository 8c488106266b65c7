package main

import (
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/spf13/cobra"
)

type backfillOptions struct {
	symbol    string
	timeframe string
	since     string
	until     string
	hours     int
}

func newBackfillCmd(root *rootOptions) *cobra.Command {
	opts := &backfillOptions{}
	cmd := &cobra.Command{
		Use:   "backfill",
		Short: "Fetch a historical range for one pair",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return runBackfill(cmd, root, opts)
		},
	}
	cmd.Flags().StringVar(&opts.symbol, "symbol", "", "symbol to backfill, e.g. BTC/USDT")
	cmd.Flags().StringVar(&opts.timeframe, "timeframe", "1m", "candle timeframe")
	cmd.Flags().StringVar(&opts.since, "since", "", "range start as RFC3339 or unix milliseconds")
	cmd.Flags().StringVar(&opts.until, "until", "", "range end as RFC3339 or unix milliseconds (default now)")
	cmd.Flags().IntVar(&opts.hours, "hours", 24, "hours before --until to start from when --since is not set")
	_ = cmd.MarkFlagRequired("symbol")
	return cmd
}

// parseTimeArg accepts RFC3339 or unix milliseconds.
func parseTimeArg(raw string) (time.Time, error) {
	raw = strings.TrimSpace(raw)
	if ms, err := strconv.ParseInt(raw, 10, 64); err == nil {
		return time.UnixMilli(ms).UTC(), nil
	}
	t, err := time.Parse(time.RFC3339, raw)
	if err != nil {
		return time.Time{}, fmt.Errorf("invalid time %q: want RFC3339 or unix milliseconds", raw)
	}
	return t.UTC(), nil
}

// resolveRange turns the flags into [since, until) in unix ms.
func (o *backfillOptions) resolveRange(now time.Time) (int64, int64, error) {
	until := now
	if o.until != "" {
		t, err := parseTimeArg(o.until)
		if err != nil {
			return 0, 0, err
		}
		until = t
	}

	var since time.Time
	switch {
	case o.since != "":
		t, err := parseTimeArg(o.since)
		if err != nil {
			return 0, 0, err
		}
		since = t
	case o.hours > 0:
		since = until.Add(-time.Duration(o.hours) * time.Hour)
	default:
		return 0, 0, errors.New("either --since or a positive --hours is required")
	}
	if !since.Before(until) {
		return 0, 0, fmt.Errorf("--since %s is not before --until %s", since.Format(time.RFC3339), until.Format(time.RFC3339))
	}
	return since.UnixMilli(), until.UnixMilli(), nil
}

func runBackfill(cmd *cobra.Command, root *rootOptions, opts *backfillOptions) error {
	since, until, err := opts.resolveRange(time.Now().UTC())
	if err != nil {
		return withCode(ExitUsageError, err)
	}

	ctx := cmd.Context()
	a, err := loadApp(ctx, root, nil)
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

	// the work list is irrelevant here; Backfill takes the pair directly
	a.cfg.Collector.Symbols = []string{opts.symbol}
	a.cfg.Collector.Timeframes = []string{opts.timeframe}
	a.cfg.Collector.TickerSymbols = nil
	c, err := a.newCollector(ex, store)
	if err != nil {
		return err
	}

	valid, err := ex.ValidateSymbols(ctx, []string{opts.symbol})
	if err == nil && len(valid) == 0 {
		return withCode(ExitConfigError, fmt.Errorf("symbol %s is not listed on %s", opts.symbol, ex.Name()))
	}

	result, err := c.Backfill(ctx, opts.symbol, opts.timeframe, since, until)
	if err != nil {
		return withCode(fetchExitCode(err), err)
	}
	fmt.Fprintf(cmd.OutOrStdout(), "backfilled %s %s: fetched %d, inserted %d, updated %d, invalid %d in %s\n",
		opts.symbol, opts.timeframe, result.Fetched, result.Inserted, result.Updated, result.Invalid,
		result.Duration.Round(time.Millisecond))
	return nil
}
