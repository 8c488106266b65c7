package models

import (
	"time"

	"github.com/shopspring/decimal"
)

// Tick is a ticker snapshot. Exchanges differ in what they report, so every
// price field is nullable. Ticks are append-only; repeated polls are not
// deduplicated.
type Tick struct {
	Symbol      string              `json:"symbol"`
	Timestamp   int64               `json:"timestamp"`
	Bid         decimal.NullDecimal `json:"bid"`
	Ask         decimal.NullDecimal `json:"ask"`
	Last        decimal.NullDecimal `json:"last"`
	High        decimal.NullDecimal `json:"high"`
	Low         decimal.NullDecimal `json:"low"`
	Open        decimal.NullDecimal `json:"open"`
	Close       decimal.NullDecimal `json:"close"`
	Volume      decimal.NullDecimal `json:"volume"`
	QuoteVolume decimal.NullDecimal `json:"quote_volume"`
	CreatedAt   time.Time           `json:"created_at,omitempty"`
}

// Validate checks the non-nullable identity fields.
func (t Tick) Validate() error {
	if t.Symbol == "" {
		return &ValidationError{Field: "symbol", Message: "symbol cannot be empty"}
	}
	if t.Timestamp <= 0 {
		return &ValidationError{Field: "timestamp", Message: "timestamp must be positive"}
	}
	return nil
}

// Time returns the snapshot time as a UTC time.Time.
func (t Tick) Time() time.Time {
	return time.UnixMilli(t.Timestamp).UTC()
}

// ParseNullDecimal converts an exchange string field into a NullDecimal. Empty
// or malformed input yields an invalid (NULL) value.
func ParseNullDecimal(raw string) decimal.NullDecimal {
	if raw == "" {
		return decimal.NullDecimal{}
	}
	d, err := decimal.NewFromString(raw)
	if err != nil {
		return decimal.NullDecimal{}
	}
	return decimal.NewNullDecimal(d)
}
