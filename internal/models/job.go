package models

import (
	"time"
)

// PairOutcome classifies how one unit of collection work ended.
type PairOutcome string

const (
	OutcomeOK        PairOutcome = "ok"
	OutcomeTransient PairOutcome = "transient_error"
	OutcomePermanent PairOutcome = "permanent_error"
	OutcomeBusy      PairOutcome = "storage_busy"
	OutcomeFailed    PairOutcome = "failed"
	OutcomeSkipped   PairOutcome = "skipped"
	OutcomeFatal     PairOutcome = "fatal"
)

// PairResult records the outcome of collecting one (symbol, timeframe) pair
// or one ticker symbol within a cycle.
type PairResult struct {
	Symbol     string        `json:"symbol"`
	Timeframe  string        `json:"timeframe,omitempty"`
	Outcome    PairOutcome   `json:"outcome"`
	Fetched    int           `json:"fetched"`
	Inserted   int           `json:"inserted"`
	Updated    int           `json:"updated"`
	LatestOpen int64         `json:"latest_open,omitempty"`
	Invalid    int           `json:"invalid,omitempty"`
	Err        string        `json:"error,omitempty"`
	Duration   time.Duration `json:"duration"`
}

// CycleReport summarizes one scheduler cycle.
type CycleReport struct {
	ID             string        `json:"id"`
	StartedAt      time.Time     `json:"started_at"`
	FinishedAt     time.Time     `json:"finished_at"`
	DueTimeframes  []string      `json:"due_timeframes"`
	Candles        []PairResult  `json:"candles"`
	Tickers        []PairResult  `json:"tickers"`
	Resampled      []PairResult  `json:"resampled,omitempty"`
	Interrupted    bool          `json:"interrupted"`
	SleepScheduled time.Duration `json:"sleep_scheduled"`
	// Fatal is set when a storage failure means the loop must stop.
	Fatal string `json:"fatal,omitempty"`
}

// Duration returns the wall time spent inside the cycle.
func (r *CycleReport) Duration() time.Duration {
	return r.FinishedAt.Sub(r.StartedAt)
}

// Count returns how many candle and ticker results ended with the outcome.
func (r *CycleReport) Count(outcome PairOutcome) int {
	n := 0
	for _, res := range r.Candles {
		if res.Outcome == outcome {
			n++
		}
	}
	for _, res := range r.Tickers {
		if res.Outcome == outcome {
			n++
		}
	}
	return n
}
