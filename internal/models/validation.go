package models

import (
	"fmt"
	"time"
)

// SeverityLevel grades a validation finding.
type SeverityLevel string

const (
	SeverityWarning SeverityLevel = "warning"
	SeverityError   SeverityLevel = "error"
)

// AnomalyType names the check that produced a finding.
type AnomalyType string

const (
	AnomalyNullField        AnomalyType = "null_field"
	AnomalyOHLCInvariant    AnomalyType = "ohlc_invariant"
	AnomalyNonPositivePrice AnomalyType = "non_positive_price"
	AnomalyNegativeVolume   AnomalyType = "negative_volume"
	AnomalyZeroVolume       AnomalyType = "zero_volume"
)

// Anomaly is a reported finding about one stored candle. It is a value in a
// report, never an error.
type Anomaly struct {
	Type     AnomalyType   `json:"type"`
	Severity SeverityLevel `json:"severity"`
	Key      CandleKey     `json:"key"`
	Detail   string        `json:"detail"`
}

func (a Anomaly) String() string {
	return fmt.Sprintf("[%s] %s %s: %s", a.Severity, a.Type, a.Key, a.Detail)
}

// StalePair flags a (symbol, timeframe) whose newest candle is older than the
// freshness threshold. Latest is zero when the pair has no candles.
type StalePair struct {
	Symbol    string        `json:"symbol"`
	Timeframe string        `json:"timeframe"`
	Latest    int64         `json:"latest"`
	Age       time.Duration `json:"age"`
	Threshold time.Duration `json:"threshold"`
}

// PairSummary is the per-pair section of a report.
type PairSummary struct {
	Symbol    string `json:"symbol"`
	Timeframe string `json:"timeframe"`
	Total     int64  `json:"total"`
	InWindow  int    `json:"in_window"`
	First     int64  `json:"first,omitempty"`
	Last      int64  `json:"last,omitempty"`
	Gaps      int    `json:"gaps"`
	Anomalies int    `json:"anomalies"`
}

// Report is the structured output of a validation run.
type Report struct {
	GeneratedAt time.Time        `json:"generated_at"`
	WindowStart int64            `json:"window_start"`
	WindowEnd   int64            `json:"window_end"`
	TableCounts map[string]int64 `json:"table_counts"`
	Pairs       []PairSummary    `json:"pairs"`
	Anomalies   []Anomaly        `json:"anomalies"`
	Gaps        []Gap            `json:"gaps"`
	Stale       []StalePair      `json:"stale"`
}

// NewReport creates an empty report for the window [start, end].
func NewReport(generatedAt time.Time, start, end int64) *Report {
	return &Report{
		GeneratedAt: generatedAt,
		WindowStart: start,
		WindowEnd:   end,
		TableCounts: make(map[string]int64),
	}
}

// CountBySeverity returns the number of anomalies at the given severity.
func (r *Report) CountBySeverity(level SeverityLevel) int {
	n := 0
	for _, a := range r.Anomalies {
		if a.Severity == level {
			n++
		}
	}
	return n
}

// HasErrors reports whether the run found error-level anomalies, gaps or stale pairs.
func (r *Report) HasErrors() bool {
	return r.CountBySeverity(SeverityError) > 0 || len(r.Gaps) > 0 || len(r.Stale) > 0
}

// Clean reports whether the run produced no findings at all.
func (r *Report) Clean() bool {
	return len(r.Anomalies) == 0 && len(r.Gaps) == 0 && len(r.Stale) == 0
}
