package models

import (
	"fmt"
	"time"
)

// Gap is one expected candle timestamp that has no stored row. Gaps are
// derived on every validation run and never persisted.
type Gap struct {
	Symbol    string `json:"symbol"`
	Timeframe string `json:"timeframe"`
	Expected  int64  `json:"expected_timestamp"`
}

// Time returns the expected open time as a UTC time.Time.
func (g Gap) Time() time.Time {
	return time.UnixMilli(g.Expected).UTC()
}

func (g Gap) String() string {
	return fmt.Sprintf("%s %s missing %s", g.Symbol, g.Timeframe, g.Time().Format(time.RFC3339))
}

// GapRange collapses a run of consecutive gaps into one span for display.
type GapRange struct {
	Symbol    string `json:"symbol"`
	Timeframe string `json:"timeframe"`
	Start     int64  `json:"start"`
	End       int64  `json:"end"`
	Missing   int    `json:"missing"`
}

// CollapseGaps groups gaps of the same pair whose expected timestamps are
// exactly one step apart. Input must be ordered by pair then timestamp.
func CollapseGaps(gaps []Gap) []GapRange {
	var ranges []GapRange
	for _, g := range gaps {
		step, err := TimeframeMillis(g.Timeframe)
		if n := len(ranges); n > 0 && err == nil {
			last := &ranges[n-1]
			if last.Symbol == g.Symbol && last.Timeframe == g.Timeframe && last.End+step == g.Expected {
				last.End = g.Expected
				last.Missing++
				continue
			}
		}
		ranges = append(ranges, GapRange{
			Symbol:    g.Symbol,
			Timeframe: g.Timeframe,
			Start:     g.Expected,
			End:       g.Expected,
			Missing:   1,
		})
	}
	return ranges
}
