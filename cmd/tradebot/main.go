// tradebot collects OHLCV candles and ticker snapshots from a crypto exchange
// into a local database and checks the stored data for gaps, anomalies and
// staleness.
//
// Usage:
//
//	tradebot collect --symbols BTC/USDT,ETH/USDT --timeframes 1m,5m
//	tradebot backfill --symbol BTC/USDT --timeframe 1h --hours 72
//	tradebot validate --lookback 24h --json
//	tradebot init-db
//
// For detailed help on any command, use: tradebot <command> --help
package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"
)

const (
	Version = "1.0.0"
	AppName = "tradebot"
)

// Exit codes following standard conventions
const (
	ExitSuccess       = 0
	ExitUsageError    = 1
	ExitConfigError   = 2
	ExitConnectionErr = 3
	ExitDataError     = 4
	ExitInterrupt     = 130
)

// exitError carries the process exit code for a failed command.
type exitError struct {
	code int
	err  error
}

func (e *exitError) Error() string {
	if e.err == nil {
		return fmt.Sprintf("exit status %d", e.code)
	}
	return e.err.Error()
}

func (e *exitError) Unwrap() error { return e.err }

func withCode(code int, err error) error {
	if err == nil {
		return nil
	}
	return &exitError{code: code, err: err}
}

func main() {
	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	code := run(ctx, os.Args[1:])
	cancel()
	os.Exit(code)
}

func run(ctx context.Context, args []string) int {
	root := newRootCmd()
	root.SetArgs(args)

	err := root.ExecuteContext(ctx)
	if err == nil {
		return ExitSuccess
	}

	var ee *exitError
	if errors.As(err, &ee) {
		if ee.err != nil {
			fmt.Fprintf(os.Stderr, "Error: %v\n", ee.err)
		}
		return ee.code
	}
	// cobra reports unknown commands and bad flags as plain errors
	fmt.Fprintf(os.Stderr, "Error: %v\n", err)
	return ExitUsageError
}
