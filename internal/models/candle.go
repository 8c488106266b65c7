// Package models provides the market data structures shared by the exchange,
// storage, validation and collection packages: candles, ticks, timeframes and
// the derived validation report types.
package models

import (
	"fmt"
	"time"

	"github.com/shopspring/decimal"
)

// Candle is one OHLCV row. Its identity is (Symbol, Timeframe, Timestamp) where
// Timestamp is the bucket open time in unix milliseconds.
type Candle struct {
	Symbol    string          `json:"symbol"`
	Timeframe string          `json:"timeframe"`
	Timestamp int64           `json:"timestamp"`
	Open      decimal.Decimal `json:"open"`
	High      decimal.Decimal `json:"high"`
	Low       decimal.Decimal `json:"low"`
	Close     decimal.Decimal `json:"close"`
	Volume    decimal.Decimal `json:"volume"`
	CreatedAt time.Time       `json:"created_at,omitempty"`
}

// CandleKey is the natural identity of a candle.
type CandleKey struct {
	Symbol    string `json:"symbol"`
	Timeframe string `json:"timeframe"`
	Timestamp int64  `json:"timestamp"`
}

func (k CandleKey) String() string {
	return fmt.Sprintf("%s/%s@%d", k.Symbol, k.Timeframe, k.Timestamp)
}

// ValidationError represents a candle validation error with specific field context.
type ValidationError struct {
	Field   string // Field is the name of the field that failed validation
	Message string // Message explains the failure
}

// Error implements the error interface for ValidationError.
func (e ValidationError) Error() string {
	return fmt.Sprintf("validation error for field %s: %s", e.Field, e.Message)
}

// NewCandle parses string prices into a Candle. Exchanges report prices as
// strings, so this is the common conversion point for adapters.
func NewCandle(symbol, timeframe string, timestamp int64, open, high, low, close, volume string) (*Candle, error) {
	c := &Candle{Symbol: symbol, Timeframe: timeframe, Timestamp: timestamp}

	var err error
	if c.Open, err = parseDecimal("open", open); err != nil {
		return nil, err
	}
	if c.High, err = parseDecimal("high", high); err != nil {
		return nil, err
	}
	if c.Low, err = parseDecimal("low", low); err != nil {
		return nil, err
	}
	if c.Close, err = parseDecimal("close", close); err != nil {
		return nil, err
	}
	if c.Volume, err = parseDecimal("volume", volume); err != nil {
		return nil, err
	}
	return c, nil
}

func parseDecimal(field, raw string) (decimal.Decimal, error) {
	d, err := decimal.NewFromString(raw)
	if err != nil {
		return decimal.Zero, &ValidationError{Field: field, Message: fmt.Sprintf("invalid %s format: %v", field, err)}
	}
	return d, nil
}

// Key returns the candle identity.
func (c Candle) Key() CandleKey {
	return CandleKey{Symbol: c.Symbol, Timeframe: c.Timeframe, Timestamp: c.Timestamp}
}

// Pair returns the (symbol, timeframe) work-list key of the candle.
func (c Candle) Pair() PairKey {
	return PairKey{Symbol: c.Symbol, Timeframe: c.Timeframe}
}

// Time returns the open time as a UTC time.Time.
func (c Candle) Time() time.Time {
	return time.UnixMilli(c.Timestamp).UTC()
}

// CloseTime returns the last millisecond covered by the candle. It returns
// false when the timeframe label cannot be parsed.
func (c Candle) CloseTime() (int64, bool) {
	step, err := TimeframeMillis(c.Timeframe)
	if err != nil {
		return 0, false
	}
	return c.Timestamp + step - 1, true
}

// Validate checks identity fields and the OHLC invariants: all prices > 0,
// volume >= 0, low <= min(open, close) and high >= max(open, close).
func (c Candle) Validate() error {
	if c.Symbol == "" {
		return &ValidationError{Field: "symbol", Message: "symbol cannot be empty"}
	}
	if c.Timeframe == "" {
		return &ValidationError{Field: "timeframe", Message: "timeframe cannot be empty"}
	}
	if c.Timestamp <= 0 {
		return &ValidationError{Field: "timestamp", Message: "timestamp must be positive"}
	}

	prices := []struct {
		name  string
		value decimal.Decimal
	}{
		{"open", c.Open},
		{"high", c.High},
		{"low", c.Low},
		{"close", c.Close},
	}
	for _, p := range prices {
		if !p.value.IsPositive() {
			return &ValidationError{Field: p.name, Message: fmt.Sprintf("%s price must be greater than 0", p.name)}
		}
	}

	if c.Volume.IsNegative() {
		return &ValidationError{Field: "volume", Message: "volume must be greater than or equal to 0"}
	}

	maxOpenClose := decimal.Max(c.Open, c.Close)
	if c.High.LessThan(maxOpenClose) {
		return &ValidationError{
			Field:   "high",
			Message: fmt.Sprintf("high price (%s) must be greater than or equal to max(open, close) (%s)", c.High, maxOpenClose),
		}
	}

	minOpenClose := decimal.Min(c.Open, c.Close)
	if c.Low.GreaterThan(minOpenClose) {
		return &ValidationError{
			Field:   "low",
			Message: fmt.Sprintf("low price (%s) must be less than or equal to min(open, close) (%s)", c.Low, minOpenClose),
		}
	}

	return nil
}

// Equal reports whether two candles share identity and OHLCV values.
func (c Candle) Equal(other Candle) bool {
	return c.Key() == other.Key() &&
		c.Open.Equal(other.Open) &&
		c.High.Equal(other.High) &&
		c.Low.Equal(other.Low) &&
		c.Close.Equal(other.Close) &&
		c.Volume.Equal(other.Volume)
}
