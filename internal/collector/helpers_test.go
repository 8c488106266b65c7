package collector

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sort"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"

	apperrors "github.com/johnayoung/tradebot-collector/internal/errors"
	"github.com/johnayoung/tradebot-collector/internal/exchange"
	"github.com/johnayoung/tradebot-collector/internal/models"
	"github.com/johnayoung/tradebot-collector/internal/storage"
)

// 2024-01-01 00:00:00 UTC
const baseTS = int64(1704067200000)

var baseTime = time.UnixMilli(baseTS).UTC()

func quietLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func bufferLogger() (*slog.Logger, *bytes.Buffer) {
	var buf bytes.Buffer
	return slog.New(slog.NewJSONHandler(&buf, &slog.HandlerOptions{Level: slog.LevelDebug})), &buf
}

func fastRetry(attempts int) apperrors.RetryPolicy {
	return apperrors.RetryPolicy{MaxAttempts: attempts, InitialDelay: time.Millisecond, MaxDelay: 2 * time.Millisecond}
}

func makeCandles(symbol, timeframe string, count int, start int64) []models.Candle {
	step, _ := models.TimeframeMillis(timeframe)
	out := make([]models.Candle, count)
	for i := range out {
		open := decimal.NewFromInt(int64(100 + i))
		out[i] = models.Candle{
			Symbol:    symbol,
			Timeframe: timeframe,
			Timestamp: start + int64(i)*step,
			Open:      open,
			High:      open.Add(decimal.NewFromInt(2)),
			Low:       open.Sub(decimal.NewFromInt(1)),
			Close:     open.Add(decimal.NewFromInt(1)),
			Volume:    decimal.NewFromInt(10),
		}
	}
	return out
}

type fetchCall struct {
	Symbol    string
	Timeframe string
	Since     int64
	Limit     int
}

// fakeExchange serves candles from memory. Errors queued per symbol are
// returned one per call before data is served again.
type fakeExchange struct {
	mu sync.Mutex

	candles   map[models.PairKey][]models.Candle
	ticks     map[string]*models.Tick
	listed    []string
	marketErr error

	errs       map[string][]error
	tickerErrs map[string][]error
	calls      []fetchCall

	// onFetch runs after each FetchOHLCV call is recorded.
	onFetch func(call fetchCall)
}

func newFakeExchange() *fakeExchange {
	return &fakeExchange{
		candles:    make(map[models.PairKey][]models.Candle),
		ticks:      make(map[string]*models.Tick),
		errs:       make(map[string][]error),
		tickerErrs: make(map[string][]error),
	}
}

func (f *fakeExchange) addCandles(candles ...models.Candle) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, c := range candles {
		key := c.Pair()
		f.candles[key] = append(f.candles[key], c)
		sort.Slice(f.candles[key], func(i, j int) bool { return f.candles[key][i].Timestamp < f.candles[key][j].Timestamp })
	}
}

func (f *fakeExchange) failNext(symbol string, errs ...error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.errs[symbol] = append(f.errs[symbol], errs...)
}

func (f *fakeExchange) fetchCalls() []fetchCall {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]fetchCall(nil), f.calls...)
}

func (f *fakeExchange) Name() string { return "fake" }

func (f *fakeExchange) FetchOHLCV(ctx context.Context, symbol, timeframe string, since *int64, limit int) ([]models.Candle, error) {
	if err := ctx.Err(); err != nil {
		return nil, apperrors.NewTransientFetch("fake", "fetch_ohlcv", symbol, timeframe, err)
	}

	f.mu.Lock()
	call := fetchCall{Symbol: symbol, Timeframe: timeframe, Limit: limit}
	if since != nil {
		call.Since = *since
	}
	f.calls = append(f.calls, call)
	hook := f.onFetch

	var err error
	if queued := f.errs[symbol]; len(queued) > 0 {
		err = queued[0]
		f.errs[symbol] = queued[1:]
	}

	var out []models.Candle
	if err == nil {
		for _, c := range f.candles[models.PairKey{Symbol: symbol, Timeframe: timeframe}] {
			if since != nil && c.Timestamp < *since {
				continue
			}
			out = append(out, c)
			if len(out) == limit {
				break
			}
		}
	}
	f.mu.Unlock()

	if hook != nil {
		hook(call)
	}
	return out, err
}

func (f *fakeExchange) FetchTicker(ctx context.Context, symbol string) (*models.Tick, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if queued := f.tickerErrs[symbol]; len(queued) > 0 {
		err := queued[0]
		f.tickerErrs[symbol] = queued[1:]
		return nil, err
	}
	tick, ok := f.ticks[symbol]
	if !ok {
		return nil, nil
	}
	cp := *tick
	return &cp, nil
}

func (f *fakeExchange) Markets(ctx context.Context) ([]exchange.Market, error) {
	if f.marketErr != nil {
		return nil, f.marketErr
	}
	out := make([]exchange.Market, 0, len(f.listed))
	for _, s := range f.listed {
		out = append(out, exchange.Market{Symbol: s, Active: true})
	}
	return out, nil
}

func (f *fakeExchange) ValidateSymbols(ctx context.Context, requested []string) ([]string, error) {
	if f.marketErr != nil {
		return nil, f.marketErr
	}
	listed := make(map[string]bool, len(f.listed))
	for _, s := range f.listed {
		listed[s] = true
	}
	var out []string
	for _, s := range requested {
		if listed[s] {
			out = append(out, s)
		}
	}
	return out, nil
}

func (f *fakeExchange) SupportsTimeframe(timeframe string) bool {
	_, err := models.ParseTimeframe(timeframe)
	return err == nil
}

func (f *fakeExchange) Close() error { return nil }

func transientErr(symbol string) error {
	return apperrors.NewTransientFetch("fake", "fetch_ohlcv", symbol, "1m", errors.New("503 service unavailable"))
}

func permanentErr(symbol string) error {
	return apperrors.NewPermanentFetch("fake", "fetch_ohlcv", symbol, "1m", "unknown symbol", fmt.Errorf("invalid symbol %s", symbol))
}

func busyErr(operation string) error {
	return apperrors.NewStorageBusy(operation, storage.TableOHLCV, errors.New("database is locked"))
}

// recordingObserver captures observer callbacks.
type recordingObserver struct {
	mu     sync.Mutex
	pairs  map[string][]models.PairResult
	cycles []*models.CycleReport
}

func (o *recordingObserver) ObservePair(kind string, result models.PairResult) {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.pairs == nil {
		o.pairs = make(map[string][]models.PairResult)
	}
	o.pairs[kind] = append(o.pairs[kind], result)
}

func (o *recordingObserver) ObserveCycle(report *models.CycleReport) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.cycles = append(o.cycles, report)
}

type recordingPublisher struct {
	mu      sync.Mutex
	batches [][]models.Candle
	err     error
}

func (p *recordingPublisher) PublishCandles(ctx context.Context, candles []models.Candle) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.batches = append(p.batches, candles)
	return p.err
}

type testEnv struct {
	ex    *fakeExchange
	store *storage.MemoryStorage
	clock *FakeClock
	c     *Collector
}

func newTestEnv(t *testing.T, opts Options, log *slog.Logger) *testEnv {
	t.Helper()
	if log == nil {
		log = quietLogger()
	}
	if opts.RetryPolicy.MaxAttempts == 0 {
		opts.RetryPolicy = fastRetry(3)
	}
	env := &testEnv{
		ex:    newFakeExchange(),
		store: storage.NewMemoryStorage(),
		clock: NewFakeClock(baseTime),
	}
	c, err := NewBuilder().
		WithExchange(env.ex).
		WithStorage(env.store).
		WithOptions(opts).
		WithLogger(log).
		WithClock(env.clock).
		Build()
	require.NoError(t, err)
	env.c = c
	return env
}

func resultFor(results []models.PairResult, symbol string) (models.PairResult, bool) {
	for _, r := range results {
		if r.Symbol == symbol {
			return r, true
		}
	}
	return models.PairResult{}, false
}
