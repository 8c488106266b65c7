package models

import (
	"fmt"
	"strconv"
	"strings"
	"time"
)

// PairKey is one (symbol, timeframe) entry of the collection work list.
type PairKey struct {
	Symbol    string `json:"symbol"`
	Timeframe string `json:"timeframe"`
}

func (p PairKey) String() string {
	return p.Symbol + " " + p.Timeframe
}

var timeframeUnits = map[byte]time.Duration{
	's': time.Second,
	'm': time.Minute,
	'h': time.Hour,
	'd': 24 * time.Hour,
	'w': 7 * 24 * time.Hour,
}

// ParseTimeframe converts a timeframe label such as "1m", "15m", "4h" or "1d"
// into the candle step duration.
func ParseTimeframe(label string) (time.Duration, error) {
	label = strings.TrimSpace(label)
	if len(label) < 2 {
		return 0, fmt.Errorf("invalid timeframe %q", label)
	}

	unit, ok := timeframeUnits[label[len(label)-1]]
	if !ok {
		return 0, fmt.Errorf("invalid timeframe %q: unknown unit %q", label, label[len(label)-1:])
	}

	count, err := strconv.Atoi(label[:len(label)-1])
	if err != nil || count <= 0 {
		return 0, fmt.Errorf("invalid timeframe %q: count must be a positive integer", label)
	}

	return time.Duration(count) * unit, nil
}

// TimeframeMillis returns the candle step of a timeframe label in milliseconds.
func TimeframeMillis(label string) (int64, error) {
	d, err := ParseTimeframe(label)
	if err != nil {
		return 0, err
	}
	return d.Milliseconds(), nil
}

// AlignTimestamp floors a unix-ms timestamp to the start of its bucket.
func AlignTimestamp(ts, stepMs int64) int64 {
	if stepMs <= 0 {
		return ts
	}
	return ts - ts%stepMs
}
