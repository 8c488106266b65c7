package storage

import (
	"context"
	"errors"
	"sort"
	"sync"
	"time"

	"github.com/johnayoung/tradebot-collector/internal/models"
)

var errStoreClosed = errors.New("storage is closed")

// FaultFunc lets tests inject failures into MemoryStorage. It is called with
// the operation name before the operation runs; a non-nil error aborts it.
type FaultFunc func(operation string) error

// MemoryStorage is a thread-safe in-memory Store for tests and dry runs.
// Candles written through it always carry every price, so NullCandles never
// reports anything.
type MemoryStorage struct {
	mu sync.RWMutex

	// candles: pair -> timestamp -> candle
	candles map[models.PairKey]map[int64]models.Candle
	ticks   []models.Tick

	fault  FaultFunc
	opts   options
	closed bool
}

// NewMemoryStorage creates an empty in-memory store.
func NewMemoryStorage(opts ...Option) *MemoryStorage {
	return &MemoryStorage{
		candles: make(map[models.PairKey]map[int64]models.Candle),
		opts:    buildOptions(opts),
	}
}

// SetFault installs (or clears, with nil) a failure hook.
func (m *MemoryStorage) SetFault(fn FaultFunc) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.fault = fn
}

// check runs the common preconditions. Callers hold m.mu.
func (m *MemoryStorage) check(ctx context.Context, operation string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if m.closed {
		return NewStorageError(operation, "", "", errStoreClosed)
	}
	if m.fault != nil {
		if err := m.fault(operation); err != nil {
			return err
		}
	}
	return nil
}

// InitSchema implements Store.
func (m *MemoryStorage) InitSchema(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.check(ctx, "init_schema")
}

// UpsertCandles implements Writer.
func (m *MemoryStorage) UpsertCandles(ctx context.Context, candles []models.Candle) (UpsertResult, error) {
	var result UpsertResult
	if len(candles) == 0 {
		return result, nil
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	start := time.Now()
	if err := m.check(ctx, "upsert_candles"); err != nil {
		m.observe("upsert_candles", start, err)
		return result, err
	}

	now := m.opts.now().UTC()
	for _, c := range dedupeCandles(candles) {
		byTS, ok := m.candles[c.Pair()]
		if !ok {
			byTS = make(map[int64]models.Candle)
			m.candles[c.Pair()] = byTS
		}
		if prev, exists := byTS[c.Timestamp]; exists {
			c.CreatedAt = prev.CreatedAt
			result.Updated++
		} else {
			c.CreatedAt = now
			result.Inserted++
		}
		byTS[c.Timestamp] = c
	}
	m.observe("upsert_candles", start, nil)
	return result, nil
}

// InsertTicks implements Writer.
func (m *MemoryStorage) InsertTicks(ctx context.Context, ticks []models.Tick) (int, error) {
	if len(ticks) == 0 {
		return 0, nil
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if err := m.check(ctx, "insert_ticks"); err != nil {
		return 0, err
	}
	now := m.opts.now().UTC()
	for _, t := range ticks {
		t.CreatedAt = now
		m.ticks = append(m.ticks, t)
	}
	return len(ticks), nil
}

// CountBySymbolTimeframe implements Reader.
func (m *MemoryStorage) CountBySymbolTimeframe(ctx context.Context) (map[models.PairKey]int64, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	if err := m.check(ctx, "count_by_pair"); err != nil {
		return nil, err
	}
	counts := make(map[models.PairKey]int64, len(m.candles))
	for pair, byTS := range m.candles {
		if len(byTS) > 0 {
			counts[pair] = int64(len(byTS))
		}
	}
	return counts, nil
}

// LatestTimestamp implements Reader.
func (m *MemoryStorage) LatestTimestamp(ctx context.Context, symbol, timeframe string) (int64, bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	if err := m.check(ctx, "latest_timestamp"); err != nil {
		return 0, false, err
	}
	var latest int64
	found := false
	for ts := range m.candles[models.PairKey{Symbol: symbol, Timeframe: timeframe}] {
		if !found || ts > latest {
			latest, found = ts, true
		}
	}
	return latest, found, nil
}

// CandlesInRange implements Reader.
func (m *MemoryStorage) CandlesInRange(ctx context.Context, symbol, timeframe string, start, end int64) ([]models.Candle, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	if err := m.check(ctx, "candles_in_range"); err != nil {
		return nil, err
	}
	var out []models.Candle
	for ts, c := range m.candles[models.PairKey{Symbol: symbol, Timeframe: timeframe}] {
		if ts >= start && ts <= end {
			out = append(out, c)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Timestamp < out[j].Timestamp })
	return out, nil
}

// NullCandles implements Reader.
func (m *MemoryStorage) NullCandles(ctx context.Context, _, _ string, _, _ int64) ([]models.CandleKey, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return nil, m.check(ctx, "null_candles")
}

// LatestTick implements Reader.
func (m *MemoryStorage) LatestTick(ctx context.Context, symbol string) (*models.Tick, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	if err := m.check(ctx, "latest_tick"); err != nil {
		return nil, err
	}
	var latest *models.Tick
	// later inserts win ties, matching created_at ordering in SQL backends
	for i := range m.ticks {
		t := m.ticks[i]
		if t.Symbol != symbol {
			continue
		}
		if latest == nil || t.Timestamp >= latest.Timestamp {
			latest = &t
		}
	}
	return latest, nil
}

// TableCounts implements Reader.
func (m *MemoryStorage) TableCounts(ctx context.Context) (map[string]int64, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	if err := m.check(ctx, "table_counts"); err != nil {
		return nil, err
	}
	var candles int64
	for _, byTS := range m.candles {
		candles += int64(len(byTS))
	}
	return map[string]int64{
		TableOHLCV:   candles,
		TableTickers: int64(len(m.ticks)),
	}, nil
}

// HealthCheck implements Store.
func (m *MemoryStorage) HealthCheck(ctx context.Context) error {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.check(ctx, "health_check")
}

// Close implements Store.
func (m *MemoryStorage) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.closed = true
	return nil
}

func (m *MemoryStorage) observe(operation string, start time.Time, err error) {
	if m.opts.observer != nil {
		m.opts.observer.ObserveQuery("memory", operation, time.Since(start), err)
	}
}

var _ Store = (*MemoryStorage)(nil)
