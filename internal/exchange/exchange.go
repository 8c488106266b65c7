// Package exchange defines the exchange client abstraction used by the
// collector and the REST adapters that implement it.
//
// Every adapter reports failures through the collector's error taxonomy:
// network problems, 5xx responses and exhausted rate-limit retries surface as
// TransientFetchError, unknown symbols and unsupported timeframes as
// PermanentFetchError. Callers never see a raw *http.Response.
package exchange

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"sort"
	"strings"
	"time"

	"github.com/johnayoung/tradebot-collector/internal/models"
)

// Client is the uniform view of an exchange.
type Client interface {
	// Name returns the registry name of the exchange, e.g. "binance".
	Name() string

	// FetchOHLCV returns up to limit candles for symbol/timeframe whose open
	// time is at or after since (or the most recent candles when since is
	// nil), oldest first.
	FetchOHLCV(ctx context.Context, symbol, timeframe string, since *int64, limit int) ([]models.Candle, error)

	// FetchTicker returns the current ticker snapshot for symbol.
	FetchTicker(ctx context.Context, symbol string) (*models.Tick, error)

	// Markets returns the exchange's market list, served from a TTL cache.
	Markets(ctx context.Context) ([]Market, error)

	// ValidateSymbols returns the subset of requested symbols that the
	// exchange lists as active. Unknown symbols are dropped with a warning.
	ValidateSymbols(ctx context.Context, requested []string) ([]string, error)

	// SupportsTimeframe reports whether the exchange serves candles for the label.
	SupportsTimeframe(timeframe string) bool

	// Close releases idle connections.
	Close() error
}

// Market is one tradable symbol as listed by an exchange.
type Market struct {
	Symbol string `json:"symbol"` // unified form, e.g. "BTC/USDT"
	ID     string `json:"id"`     // exchange form, e.g. "BTCUSDT" or "BTC-USD"
	Base   string `json:"base"`
	Quote  string `json:"quote"`
	Active bool   `json:"active"`
}

// RequestObserver receives one call per HTTP request an adapter makes.
type RequestObserver interface {
	ObserveRequest(exchange, operation, outcome string, duration time.Duration)
}

// Options configures an adapter. Zero values fall back to defaults; a
// negative MaxRetries disables retries.
type Options struct {
	BaseURL           string
	APIKey            string
	APISecret         string
	Sandbox           bool
	Timeout           time.Duration
	RequestsPerSecond float64
	MaxRetries        int
	InitialBackoff    time.Duration
	MaxBackoff        time.Duration
	MarketsTTL        time.Duration
	Logger            *slog.Logger
	HTTPClient        *http.Client
	Observer          RequestObserver
}

const (
	defaultTimeout           = 15 * time.Second
	defaultRequestsPerSecond = 10
	defaultMaxRetries        = 3
	defaultInitialBackoff    = 500 * time.Millisecond
	defaultMaxBackoff        = 30 * time.Second
	defaultMarketsTTL        = 5 * time.Minute
	userAgent                = "tradebot-collector/1.0"
)

func (o Options) withDefaults() Options {
	if o.Timeout <= 0 {
		o.Timeout = defaultTimeout
	}
	if o.RequestsPerSecond <= 0 {
		o.RequestsPerSecond = defaultRequestsPerSecond
	}
	if o.MaxRetries < 0 {
		o.MaxRetries = 0
	} else if o.MaxRetries == 0 {
		o.MaxRetries = defaultMaxRetries
	}
	if o.InitialBackoff <= 0 {
		o.InitialBackoff = defaultInitialBackoff
	}
	if o.MaxBackoff <= 0 {
		o.MaxBackoff = defaultMaxBackoff
	}
	if o.MarketsTTL <= 0 {
		o.MarketsTTL = defaultMarketsTTL
	}
	if o.Logger == nil {
		o.Logger = slog.Default()
	}
	if o.HTTPClient == nil {
		o.HTTPClient = &http.Client{
			Timeout: o.Timeout,
			Transport: &http.Transport{
				Proxy:               http.ProxyFromEnvironment,
				MaxIdleConns:        100,
				MaxIdleConnsPerHost: 10,
				IdleConnTimeout:     90 * time.Second,
			},
		}
	}
	return o
}

// Factory builds a Client from options.
type Factory func(opts Options) (Client, error)

var registry = map[string]Factory{
	"binance": func(opts Options) (Client, error) {
		return NewBinance(opts), nil
	},
	"coinbase": func(opts Options) (Client, error) {
		return NewCoinbase(opts), nil
	},
}

// New returns the adapter registered under name.
func New(name string, opts Options) (Client, error) {
	factory, ok := registry[strings.ToLower(strings.TrimSpace(name))]
	if !ok {
		return nil, fmt.Errorf("unsupported exchange %q (supported: %s)", name, strings.Join(Supported(), ", "))
	}
	return factory(opts)
}

// Supported lists the registered exchange names.
func Supported() []string {
	names := make([]string, 0, len(registry))
	for name := range registry {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// validateSymbols filters requested against the market list.
func validateSymbols(ctx context.Context, c Client, logger *slog.Logger, requested []string) ([]string, error) {
	markets, err := c.Markets(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to load %s markets: %w", c.Name(), err)
	}

	listed := make(map[string]Market, len(markets))
	for _, m := range markets {
		listed[m.Symbol] = m
	}

	valid := make([]string, 0, len(requested))
	for _, symbol := range requested {
		m, ok := listed[symbol]
		switch {
		case !ok:
			logger.Warn("symbol not listed by exchange, skipping", "exchange", c.Name(), "symbol", symbol)
		case !m.Active:
			logger.Warn("symbol is not trading, skipping", "exchange", c.Name(), "symbol", symbol)
		default:
			valid = append(valid, symbol)
		}
	}
	return valid, nil
}

// trimSince drops candles that open before since. Some venues round the
// start parameter down to the bucket boundary.
func trimSince(candles []models.Candle, since *int64) []models.Candle {
	if since == nil {
		return candles
	}
	out := candles[:0]
	for _, c := range candles {
		if c.Timestamp >= *since {
			out = append(out, c)
		}
	}
	return out
}
