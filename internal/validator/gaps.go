package validator

import (
	"fmt"
	"math"
	"sort"

	"github.com/johnayoung/tradebot-collector/internal/models"
)

// DefaultGapTolerance is the multiple of the candle step beyond which the
// distance between two stored candles counts as a gap.
const DefaultGapTolerance = 1.5

// DetectGaps walks ascending timestamps of one pair and returns one Gap per
// missing expected timestamp. When two consecutive stored timestamps are more
// than tolerance·step apart, every prev + k·step strictly before the next
// stored timestamp is reported. Timestamps need not be sorted or unique.
func DetectGaps(symbol, timeframe string, timestamps []int64, tolerance float64) ([]models.Gap, error) {
	step, err := models.TimeframeMillis(timeframe)
	if err != nil {
		return nil, fmt.Errorf("gap detection for %s: %w", symbol, err)
	}
	if tolerance < 1 {
		tolerance = DefaultGapTolerance
	}
	if len(timestamps) < 2 {
		return nil, nil
	}

	ts := append([]int64(nil), timestamps...)
	sort.Slice(ts, func(i, j int) bool { return ts[i] < ts[j] })

	limit := int64(math.Floor(tolerance * float64(step)))
	var gaps []models.Gap
	for i := 1; i < len(ts); i++ {
		prev, next := ts[i-1], ts[i]
		if next-prev <= limit {
			continue
		}
		for expected := prev + step; expected < next; expected += step {
			gaps = append(gaps, models.Gap{Symbol: symbol, Timeframe: timeframe, Expected: expected})
		}
	}
	return gaps, nil
}
