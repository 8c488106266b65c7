package exchange

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"sort"
	"strconv"
	"strings"
	"time"

	apperrors "github.com/johnayoung/tradebot-collector/internal/errors"
	"github.com/johnayoung/tradebot-collector/internal/models"
)

const (
	// Coinbase Advanced Trade API base URL
	coinbaseBaseURL = "https://api.coinbase.com"

	// Public market data endpoints, no authentication required
	coinbaseProductsEndpoint = "/api/v3/brokerage/market/products"
	coinbaseCandlesEndpoint  = "/api/v3/brokerage/market/products/%s/candles"
	coinbaseTickerEndpoint   = "/api/v3/brokerage/market/products/%s/ticker"

	coinbaseMaxCandles = 350

	// coinbaseMaxEmptyWindows bounds the requests one FetchOHLCV call spends
	// walking over windows with no trades.
	coinbaseMaxEmptyWindows = 48
)

// coinbaseGranularities maps timeframe labels to Coinbase granularity enums.
var coinbaseGranularities = map[string]string{
	"1m":  "ONE_MINUTE",
	"5m":  "FIVE_MINUTE",
	"15m": "FIFTEEN_MINUTE",
	"30m": "THIRTY_MINUTE",
	"1h":  "ONE_HOUR",
	"2h":  "TWO_HOUR",
	"6h":  "SIX_HOUR",
	"1d":  "ONE_DAY",
}

// CoinbaseClient reads public market data from the Coinbase Advanced Trade API.
type CoinbaseClient struct {
	rest    *restClient
	markets *marketCache
	now     func() time.Time
}

// NewCoinbase creates a Coinbase adapter. Coinbase has no public sandbox for
// market data, so Sandbox only logs a warning.
func NewCoinbase(opts Options) *CoinbaseClient {
	opts = opts.withDefaults()

	baseURL := opts.BaseURL
	if baseURL == "" {
		baseURL = coinbaseBaseURL
	}
	if opts.Sandbox {
		opts.Logger.Warn("coinbase has no market data sandbox, using production endpoints")
	}

	c := &CoinbaseClient{
		rest: newRESTClient("coinbase", strings.TrimRight(baseURL, "/"), opts, classifyCoinbase),
		now:  time.Now,
	}
	c.markets = newMarketCache(opts.MarketsTTL, c.loadMarkets)
	return c
}

// Name implements Client.
func (c *CoinbaseClient) Name() string { return "coinbase" }

// SupportsTimeframe implements Client.
func (c *CoinbaseClient) SupportsTimeframe(timeframe string) bool {
	_, ok := coinbaseGranularities[timeframe]
	return ok
}

// Markets implements Client.
func (c *CoinbaseClient) Markets(ctx context.Context) ([]Market, error) {
	return c.markets.all(ctx)
}

// ValidateSymbols implements Client.
func (c *CoinbaseClient) ValidateSymbols(ctx context.Context, requested []string) ([]string, error) {
	return validateSymbols(ctx, c, c.rest.logger, requested)
}

// FetchOHLCV implements Client. Coinbase requires an explicit time window,
// so the window is derived from since, limit and the timeframe step.
func (c *CoinbaseClient) FetchOHLCV(ctx context.Context, symbol, timeframe string, since *int64, limit int) ([]models.Candle, error) {
	granularity, ok := coinbaseGranularities[timeframe]
	if !ok {
		return nil, apperrors.NewPermanentFetch("coinbase", "fetch_ohlcv", symbol, timeframe, "unsupported timeframe", nil)
	}
	stepMs, err := models.TimeframeMillis(timeframe)
	if err != nil {
		return nil, apperrors.NewPermanentFetch("coinbase", "fetch_ohlcv", symbol, timeframe, "unsupported timeframe", err)
	}

	if limit <= 0 || limit > coinbaseMaxCandles {
		limit = coinbaseMaxCandles
	}

	nowMs := c.now().UnixMilli()
	var startMs int64
	if since != nil {
		startMs = *since
	} else {
		startMs = nowMs - int64(limit)*stepMs
	}

	// Coinbase returns nothing for buckets without trades. An empty window
	// that ends before now moves the window forward, so a quiet stretch longer
	// than one window cannot pin the caller to the same since forever.
	for window := 1; ; window++ {
		endMs := min(startMs+int64(limit)*stepMs, nowMs)
		if endMs <= startMs {
			return nil, nil
		}

		candles, err := c.fetchWindow(ctx, symbol, timeframe, granularity, startMs, endMs, limit)
		if err != nil {
			return nil, err
		}
		candles = trimSince(candles, since)
		if len(candles) > 0 || endMs >= nowMs || window >= coinbaseMaxEmptyWindows {
			if len(candles) > limit {
				candles = candles[:limit]
			}
			return candles, nil
		}
		c.rest.logger.Debug("empty candle window, moving forward",
			"symbol", symbol, "timeframe", timeframe, "start", startMs, "end", endMs)
		startMs = endMs
	}
}

// fetchWindow requests one [startMs, endMs] window, sorted ascending.
func (c *CoinbaseClient) fetchWindow(ctx context.Context, symbol, timeframe, granularity string, startMs, endMs int64, limit int) ([]models.Candle, error) {
	params := url.Values{}
	params.Set("start", strconv.FormatInt(startMs/1000, 10))
	params.Set("end", strconv.FormatInt(endMs/1000, 10))
	params.Set("granularity", granularity)
	params.Set("limit", strconv.Itoa(limit))

	path := fmt.Sprintf(coinbaseCandlesEndpoint, productID(symbol))
	body, err := c.rest.get(ctx, path, params, request{operation: "fetch_ohlcv", symbol: symbol, timeframe: timeframe})
	if err != nil {
		return nil, err
	}

	var resp struct {
		Candles []coinbaseCandle `json:"candles"`
	}
	if err := json.Unmarshal(body, &resp); err != nil {
		return nil, apperrors.NewTransientFetch("coinbase", "fetch_ohlcv", symbol, timeframe, fmt.Errorf("failed to parse candles response: %w", err))
	}

	candles := make([]models.Candle, 0, len(resp.Candles))
	for _, raw := range resp.Candles {
		candle, err := raw.toModel(symbol, timeframe)
		if err != nil {
			c.rest.logger.Warn("failed to convert candle, skipping", "symbol", symbol, "timeframe", timeframe, "error", err)
			continue
		}
		candles = append(candles, *candle)
	}

	// newest first on the wire
	sort.Slice(candles, func(i, j int) bool { return candles[i].Timestamp < candles[j].Timestamp })
	return candles, nil
}

// FetchTicker implements Client. The ticker endpoint returns recent trades
// plus the best bid and ask; the newest trade supplies last and timestamp.
func (c *CoinbaseClient) FetchTicker(ctx context.Context, symbol string) (*models.Tick, error) {
	path := fmt.Sprintf(coinbaseTickerEndpoint, productID(symbol))
	body, err := c.rest.get(ctx, path, url.Values{"limit": {"1"}}, request{operation: "fetch_ticker", symbol: symbol})
	if err != nil {
		return nil, err
	}

	var resp struct {
		Trades []struct {
			Price string    `json:"price"`
			Size  string    `json:"size"`
			Time  time.Time `json:"time"`
		} `json:"trades"`
		BestBid string `json:"best_bid"`
		BestAsk string `json:"best_ask"`
	}
	if err := json.Unmarshal(body, &resp); err != nil {
		return nil, apperrors.NewTransientFetch("coinbase", "fetch_ticker", symbol, "", fmt.Errorf("failed to parse ticker response: %w", err))
	}

	tick := &models.Tick{
		Symbol:    symbol,
		Timestamp: c.now().UnixMilli(),
		Bid:       models.ParseNullDecimal(resp.BestBid),
		Ask:       models.ParseNullDecimal(resp.BestAsk),
	}
	if len(resp.Trades) > 0 {
		trade := resp.Trades[0]
		tick.Last = models.ParseNullDecimal(trade.Price)
		tick.Close = tick.Last
		if !trade.Time.IsZero() {
			tick.Timestamp = trade.Time.UnixMilli()
		}
	}
	return tick, nil
}

// Close implements Client.
func (c *CoinbaseClient) Close() error {
	c.rest.close()
	return nil
}

func (c *CoinbaseClient) loadMarkets(ctx context.Context) ([]Market, error) {
	body, err := c.rest.get(ctx, coinbaseProductsEndpoint, url.Values{"product_type": {"SPOT"}}, request{operation: "load_markets"})
	if err != nil {
		return nil, err
	}

	var resp struct {
		Products []coinbaseProduct `json:"products"`
	}
	if err := json.Unmarshal(body, &resp); err != nil {
		return nil, fmt.Errorf("failed to parse products response: %w", err)
	}

	markets := make([]Market, 0, len(resp.Products))
	for _, p := range resp.Products {
		markets = append(markets, p.toMarket())
	}
	return markets, nil
}

// productID converts "BTC/USD" to "BTC-USD".
func productID(symbol string) string {
	return strings.ReplaceAll(symbol, "/", "-")
}

// classifyCoinbase treats unknown products and rejected arguments as permanent.
func classifyCoinbase(status int, body []byte) string {
	var payload struct {
		Error   string `json:"error"`
		Message string `json:"message"`
	}
	_ = json.Unmarshal(body, &payload)

	switch {
	case status == http.StatusNotFound || payload.Error == "NOT_FOUND":
		return "unknown product"
	case payload.Error == "INVALID_ARGUMENT":
		if payload.Message != "" {
			return "invalid argument: " + payload.Message
		}
		return "invalid argument"
	}
	return ""
}

type coinbaseCandle struct {
	Start  json.Number `json:"start"`
	Low    string      `json:"low"`
	High   string      `json:"high"`
	Open   string      `json:"open"`
	Close  string      `json:"close"`
	Volume string      `json:"volume"`
}

func (c coinbaseCandle) toModel(symbol, timeframe string) (*models.Candle, error) {
	start, err := c.Start.Int64()
	if err != nil {
		return nil, fmt.Errorf("invalid start %q: %w", c.Start, err)
	}
	return models.NewCandle(symbol, timeframe, start*1000, c.Open, c.High, c.Low, c.Close, c.Volume)
}

type coinbaseProduct struct {
	ProductID       string `json:"product_id"`
	BaseCurrencyID  string `json:"base_currency_id"`
	QuoteCurrencyID string `json:"quote_currency_id"`
	Status          string `json:"status"`
	TradingDisabled bool   `json:"trading_disabled"`
	IsDisabled      bool   `json:"is_disabled"`
}

func (p coinbaseProduct) toMarket() Market {
	base, quote := p.BaseCurrencyID, p.QuoteCurrencyID
	if parts := strings.Split(p.ProductID, "-"); len(parts) == 2 {
		base, quote = parts[0], parts[1]
	}
	return Market{
		Symbol: base + "/" + quote,
		ID:     p.ProductID,
		Base:   base,
		Quote:  quote,
		Active: !p.TradingDisabled && !p.IsDisabled && (p.Status == "" || strings.EqualFold(p.Status, "online")),
	}
}
