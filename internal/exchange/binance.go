package exchange

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/shopspring/decimal"

	apperrors "github.com/johnayoung/tradebot-collector/internal/errors"
	"github.com/johnayoung/tradebot-collector/internal/models"
)

const (
	binanceBaseURL    = "https://api.binance.com"
	binanceTestnetURL = "https://testnet.binance.vision"

	binanceKlinesEndpoint       = "/api/v3/klines"
	binanceTickerEndpoint       = "/api/v3/ticker/24hr"
	binanceExchangeInfoEndpoint = "/api/v3/exchangeInfo"

	binanceMaxKlines = 1000
)

// binanceIntervals lists the kline intervals Binance serves.
var binanceIntervals = map[string]bool{
	"1s": true, "1m": true, "3m": true, "5m": true, "15m": true, "30m": true,
	"1h": true, "2h": true, "4h": true, "6h": true, "8h": true, "12h": true,
	"1d": true, "3d": true, "1w": true,
}

// Binance error codes that will not change on retry.
var binancePermanentCodes = map[int]string{
	-1100: "illegal characters in parameter",
	-1120: "invalid interval",
	-1121: "invalid symbol",
}

// BinanceClient reads public market data from the Binance spot REST API.
type BinanceClient struct {
	rest    *restClient
	markets *marketCache
	now     func() time.Time
}

// NewBinance creates a Binance adapter. Sandbox selects the spot testnet.
func NewBinance(opts Options) *BinanceClient {
	opts = opts.withDefaults()

	baseURL := opts.BaseURL
	if baseURL == "" {
		baseURL = binanceBaseURL
		if opts.Sandbox {
			baseURL = binanceTestnetURL
		}
	}

	b := &BinanceClient{
		rest: newRESTClient("binance", strings.TrimRight(baseURL, "/"), opts, classifyBinance),
		now:  time.Now,
	}
	if opts.APIKey != "" {
		b.rest.headers["X-MBX-APIKEY"] = opts.APIKey
	}
	b.markets = newMarketCache(opts.MarketsTTL, b.loadMarkets)
	return b
}

// Name implements Client.
func (b *BinanceClient) Name() string { return "binance" }

// SupportsTimeframe implements Client.
func (b *BinanceClient) SupportsTimeframe(timeframe string) bool {
	return binanceIntervals[timeframe]
}

// Markets implements Client.
func (b *BinanceClient) Markets(ctx context.Context) ([]Market, error) {
	return b.markets.all(ctx)
}

// ValidateSymbols implements Client.
func (b *BinanceClient) ValidateSymbols(ctx context.Context, requested []string) ([]string, error) {
	return validateSymbols(ctx, b, b.rest.logger, requested)
}

// FetchOHLCV implements Client.
func (b *BinanceClient) FetchOHLCV(ctx context.Context, symbol, timeframe string, since *int64, limit int) ([]models.Candle, error) {
	if !b.SupportsTimeframe(timeframe) {
		return nil, apperrors.NewPermanentFetch("binance", "fetch_ohlcv", symbol, timeframe, "unsupported timeframe", nil)
	}

	id, err := b.marketID(ctx, symbol, timeframe, "fetch_ohlcv")
	if err != nil {
		return nil, err
	}

	if limit <= 0 || limit > binanceMaxKlines {
		limit = binanceMaxKlines
	}
	params := url.Values{}
	params.Set("symbol", id)
	params.Set("interval", timeframe)
	params.Set("limit", strconv.Itoa(limit))
	if since != nil {
		params.Set("startTime", strconv.FormatInt(*since, 10))
	}

	body, err := b.rest.get(ctx, binanceKlinesEndpoint, params, request{operation: "fetch_ohlcv", symbol: symbol, timeframe: timeframe})
	if err != nil {
		return nil, err
	}

	var rows [][]json.RawMessage
	if err := json.Unmarshal(body, &rows); err != nil {
		return nil, apperrors.NewTransientFetch("binance", "fetch_ohlcv", symbol, timeframe, fmt.Errorf("failed to parse klines: %w", err))
	}

	candles := make([]models.Candle, 0, len(rows))
	for _, row := range rows {
		candle, err := parseKline(symbol, timeframe, row)
		if err != nil {
			b.rest.logger.Warn("failed to convert kline, skipping", "symbol", symbol, "timeframe", timeframe, "error", err)
			continue
		}
		candles = append(candles, candle)
	}
	return trimSince(candles, since), nil
}

// FetchTicker implements Client.
func (b *BinanceClient) FetchTicker(ctx context.Context, symbol string) (*models.Tick, error) {
	id, err := b.marketID(ctx, symbol, "", "fetch_ticker")
	if err != nil {
		return nil, err
	}

	body, err := b.rest.get(ctx, binanceTickerEndpoint, url.Values{"symbol": {id}}, request{operation: "fetch_ticker", symbol: symbol})
	if err != nil {
		return nil, err
	}

	var t binanceTicker
	if err := json.Unmarshal(body, &t); err != nil {
		return nil, apperrors.NewTransientFetch("binance", "fetch_ticker", symbol, "", fmt.Errorf("failed to parse ticker: %w", err))
	}

	timestamp := t.CloseTime
	if timestamp <= 0 {
		timestamp = b.now().UnixMilli()
	}

	return &models.Tick{
		Symbol:      symbol,
		Timestamp:   timestamp,
		Bid:         models.ParseNullDecimal(t.BidPrice),
		Ask:         models.ParseNullDecimal(t.AskPrice),
		Last:        models.ParseNullDecimal(t.LastPrice),
		High:        models.ParseNullDecimal(t.HighPrice),
		Low:         models.ParseNullDecimal(t.LowPrice),
		Open:        models.ParseNullDecimal(t.OpenPrice),
		Close:       models.ParseNullDecimal(t.LastPrice),
		Volume:      models.ParseNullDecimal(t.Volume),
		QuoteVolume: models.ParseNullDecimal(t.QuoteVolume),
	}, nil
}

// Close implements Client.
func (b *BinanceClient) Close() error {
	b.rest.close()
	return nil
}

// marketID resolves "BTC/USDT" to "BTCUSDT". When the market list cannot be
// loaded the symbol is sent with the slash removed and the exchange decides.
func (b *BinanceClient) marketID(ctx context.Context, symbol, timeframe, operation string) (string, error) {
	market, ok, err := b.markets.lookup(ctx, symbol)
	if err != nil {
		if ctx.Err() != nil {
			return "", ctx.Err()
		}
		b.rest.logger.Debug("market list unavailable, deriving id", "symbol", symbol, "error", err)
		return strings.ReplaceAll(symbol, "/", ""), nil
	}
	if !ok {
		return "", apperrors.NewPermanentFetch("binance", operation, symbol, timeframe, "unknown symbol", nil)
	}
	return market.ID, nil
}

func (b *BinanceClient) loadMarkets(ctx context.Context) ([]Market, error) {
	body, err := b.rest.get(ctx, binanceExchangeInfoEndpoint, nil, request{operation: "load_markets"})
	if err != nil {
		return nil, err
	}

	var info struct {
		Symbols []struct {
			Symbol     string `json:"symbol"`
			Status     string `json:"status"`
			BaseAsset  string `json:"baseAsset"`
			QuoteAsset string `json:"quoteAsset"`
		} `json:"symbols"`
	}
	if err := json.Unmarshal(body, &info); err != nil {
		return nil, fmt.Errorf("failed to parse exchange info: %w", err)
	}

	markets := make([]Market, 0, len(info.Symbols))
	for _, s := range info.Symbols {
		markets = append(markets, Market{
			Symbol: s.BaseAsset + "/" + s.QuoteAsset,
			ID:     s.Symbol,
			Base:   s.BaseAsset,
			Quote:  s.QuoteAsset,
			Active: s.Status == "TRADING",
		})
	}
	return markets, nil
}

// parseKline converts one /klines row:
// [openTime, open, high, low, close, volume, closeTime, quoteVolume, ...]
func parseKline(symbol, timeframe string, row []json.RawMessage) (models.Candle, error) {
	if len(row) < 6 {
		return models.Candle{}, fmt.Errorf("kline has %d fields, want at least 6", len(row))
	}

	var openTime int64
	if err := json.Unmarshal(row[0], &openTime); err != nil {
		return models.Candle{}, fmt.Errorf("invalid open time: %w", err)
	}

	values := make([]decimal.Decimal, 5)
	for i := range values {
		var raw string
		if err := json.Unmarshal(row[i+1], &raw); err != nil {
			// some proxies return numbers instead of strings
			raw = string(bytes.Trim(row[i+1], `"`))
		}
		d, err := decimal.NewFromString(raw)
		if err != nil {
			return models.Candle{}, fmt.Errorf("invalid decimal in field %d: %w", i+1, err)
		}
		values[i] = d
	}

	return models.Candle{
		Symbol:    symbol,
		Timeframe: timeframe,
		Timestamp: openTime,
		Open:      values[0],
		High:      values[1],
		Low:       values[2],
		Close:     values[3],
		Volume:    values[4],
	}, nil
}

type binanceTicker struct {
	Symbol      string `json:"symbol"`
	BidPrice    string `json:"bidPrice"`
	AskPrice    string `json:"askPrice"`
	LastPrice   string `json:"lastPrice"`
	HighPrice   string `json:"highPrice"`
	LowPrice    string `json:"lowPrice"`
	OpenPrice   string `json:"openPrice"`
	Volume      string `json:"volume"`
	QuoteVolume string `json:"quoteVolume"`
	CloseTime   int64  `json:"closeTime"`
}

// classifyBinance maps Binance error payloads such as
// {"code":-1121,"msg":"Invalid symbol."} to permanent reasons.
func classifyBinance(status int, body []byte) string {
	var payload struct {
		Code int    `json:"code"`
		Msg  string `json:"msg"`
	}
	if err := json.Unmarshal(body, &payload); err == nil {
		if reason, ok := binancePermanentCodes[payload.Code]; ok {
			return reason
		}
	}
	if status == http.StatusNotFound {
		return "endpoint not found"
	}
	return ""
}
