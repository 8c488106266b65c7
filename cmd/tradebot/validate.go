package main

import (
	"encoding/json"
	"errors"
	"time"

	"github.com/spf13/cobra"

	"github.com/johnayoung/tradebot-collector/internal/config"
	"github.com/johnayoung/tradebot-collector/internal/validator"
)

type validateOptions struct {
	lookback string
	symbol   string
	asJSON   bool
	maxItems int
}

func newValidateCmd(root *rootOptions) *cobra.Command {
	opts := &validateOptions{}
	cmd := &cobra.Command{
		Use:   "validate",
		Short: "Check stored candles for gaps, anomalies and staleness",
		Long: `Run the validation engine over the configured lookback window and print a
report. Exits with status 4 when error-level findings are present.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return runValidate(cmd, root, opts)
		},
	}
	cmd.Flags().StringVar(&opts.lookback, "lookback", "", "window to check, e.g. 24h (default from config)")
	cmd.Flags().StringVar(&opts.symbol, "symbol", "", "only check this symbol")
	cmd.Flags().BoolVar(&opts.asJSON, "json", false, "print the report as JSON")
	cmd.Flags().IntVar(&opts.maxItems, "max-items", -1, "findings shown per section (default from config)")
	return cmd
}

func runValidate(cmd *cobra.Command, root *rootOptions, opts *validateOptions) error {
	if opts.lookback != "" {
		if d, err := time.ParseDuration(opts.lookback); err != nil || d <= 0 {
			return withCode(ExitUsageError, errors.New("--lookback must be a positive duration"))
		}
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

	vc := a.cfg.Validator
	lookback := config.Duration(vc.Lookback, 24*time.Hour)
	if opts.lookback != "" {
		lookback = config.Duration(opts.lookback, lookback)
	}
	maxItems := vc.MaxItems
	if opts.maxItems >= 0 {
		maxItems = opts.maxItems
	}

	engine := validator.NewEngine(store, validator.Options{
		Lookback:      lookback,
		GapTolerance:  vc.GapTolerance,
		StaleMultiple: vc.StaleMultiple,
		Intervals:     a.cfg.Collector.TimeframeIntervals(),
		Symbols:       a.cfg.Collector.Symbols,
		Timeframes:    a.cfg.Collector.Timeframes,
		Symbol:        opts.symbol,
	}, a.logs.Component("validator"))

	report, err := engine.Run(ctx)
	if err != nil {
		return withCode(ExitConnectionErr, err)
	}

	out := cmd.OutOrStdout()
	if opts.asJSON {
		enc := json.NewEncoder(out)
		enc.SetIndent("", "  ")
		if err := enc.Encode(report); err != nil {
			return withCode(ExitDataError, err)
		}
	} else if err := validator.WriteText(out, report, maxItems); err != nil {
		return withCode(ExitDataError, err)
	}

	if report.HasErrors() {
		return &exitError{code: ExitDataError}
	}
	return nil
}
