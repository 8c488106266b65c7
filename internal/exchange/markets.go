package exchange

import (
	"context"
	"sort"
	"sync"
	"time"
)

// marketCache holds an exchange's market list for ttl.
type marketCache struct {
	mu      sync.RWMutex
	bySym   map[string]Market
	fetched time.Time
	ttl     time.Duration
	now     func() time.Time

	load func(ctx context.Context) ([]Market, error)
}

func newMarketCache(ttl time.Duration, load func(ctx context.Context) ([]Market, error)) *marketCache {
	return &marketCache{
		bySym: make(map[string]Market),
		ttl:   ttl,
		now:   time.Now,
		load:  load,
	}
}

func (m *marketCache) fresh() bool {
	return len(m.bySym) > 0 && m.now().Sub(m.fetched) < m.ttl
}

// all returns the cached markets sorted by symbol, refreshing when stale.
func (m *marketCache) all(ctx context.Context) ([]Market, error) {
	if err := m.refresh(ctx); err != nil {
		return nil, err
	}

	m.mu.RLock()
	defer m.mu.RUnlock()

	markets := make([]Market, 0, len(m.bySym))
	for _, market := range m.bySym {
		markets = append(markets, market)
	}
	sort.Slice(markets, func(i, j int) bool { return markets[i].Symbol < markets[j].Symbol })
	return markets, nil
}

// lookup returns the market for a unified symbol.
func (m *marketCache) lookup(ctx context.Context, symbol string) (Market, bool, error) {
	if err := m.refresh(ctx); err != nil {
		return Market{}, false, err
	}

	m.mu.RLock()
	defer m.mu.RUnlock()
	market, ok := m.bySym[symbol]
	return market, ok, nil
}

func (m *marketCache) refresh(ctx context.Context) error {
	m.mu.RLock()
	fresh := m.fresh()
	m.mu.RUnlock()
	if fresh {
		return nil
	}

	markets, err := m.load(ctx)
	if err != nil {
		return err
	}

	bySym := make(map[string]Market, len(markets))
	for _, market := range markets {
		bySym[market.Symbol] = market
	}

	m.mu.Lock()
	m.bySym = bySym
	m.fetched = m.now()
	m.mu.Unlock()
	return nil
}
