package collector

import (
	"errors"
	"log/slog"

	"github.com/johnayoung/tradebot-collector/internal/exchange"
	"github.com/johnayoung/tradebot-collector/internal/storage"
)

// CollectorBuilder assembles a Collector with optional collaborators.
type CollectorBuilder struct {
	exchange  exchange.Client
	store     storage.Store
	opts      Options
	logger    *slog.Logger
	clock     Clock
	observer  Observer
	publisher Publisher
}

// NewBuilder creates a new collector builder
func NewBuilder() *CollectorBuilder {
	return &CollectorBuilder{logger: slog.Default()}
}

// WithExchange sets the exchange client
func (b *CollectorBuilder) WithExchange(ex exchange.Client) *CollectorBuilder {
	b.exchange = ex
	return b
}

// WithStorage sets the store
func (b *CollectorBuilder) WithStorage(store storage.Store) *CollectorBuilder {
	b.store = store
	return b
}

// WithOptions sets the collection options
func (b *CollectorBuilder) WithOptions(opts Options) *CollectorBuilder {
	b.opts = opts
	return b
}

// WithLogger sets the logger
func (b *CollectorBuilder) WithLogger(logger *slog.Logger) *CollectorBuilder {
	if logger != nil {
		b.logger = logger
	}
	return b
}

// WithClock replaces the system clock, mainly for tests.
func (b *CollectorBuilder) WithClock(clock Clock) *CollectorBuilder {
	b.clock = clock
	return b
}

// WithObserver sets the metrics observer
func (b *CollectorBuilder) WithObserver(o Observer) *CollectorBuilder {
	b.observer = o
	return b
}

// WithPublisher sets where stored candles are forwarded
func (b *CollectorBuilder) WithPublisher(p Publisher) *CollectorBuilder {
	b.publisher = p
	return b
}

// Build validates the builder and returns the collector.
func (b *CollectorBuilder) Build() (*Collector, error) {
	if b.exchange == nil {
		return nil, errors.New("exchange client is required")
	}
	if b.store == nil {
		return nil, errors.New("storage is required")
	}
	if len(b.opts.Symbols) == 0 && len(b.opts.Tickers) == 0 {
		return nil, errors.New("at least one symbol or ticker symbol is required")
	}
	if len(b.opts.Symbols) > 0 && len(b.opts.Timeframes) == 0 {
		return nil, errors.New("at least one timeframe is required")
	}

	c := New(b.exchange, b.store, b.opts, b.logger)
	if len(c.opts.ResampleTo) > 0 {
		if err := validateResampleTargets(c.opts.ResampleFrom, c.opts.ResampleTo); err != nil {
			return nil, err
		}
	}
	if b.clock != nil {
		c.clock = b.clock
	}
	c.observer = b.observer
	c.publisher = b.publisher
	return c, nil
}
