package collector

import (
	"sort"
	"sync"
	"time"

	"github.com/johnayoung/tradebot-collector/internal/models"
)

// State is the scheduler's position in its cycle.
type State int32

const (
	StateIdle State = iota
	StateFetching
	StateStoring
	StateSleeping
	StateStopped
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateFetching:
		return "fetching"
	case StateStoring:
		return "storing"
	case StateSleeping:
		return "sleeping"
	case StateStopped:
		return "stopped"
	default:
		return "unknown"
	}
}

// RunContext is the mutable state of one collector process: the active work
// list, pruned pairs, last-seen timestamps and when each timeframe last ran.
// It is safe for concurrent use by pool workers.
type RunContext struct {
	mu sync.Mutex

	state   State
	pairs   []models.PairKey
	tickers []string

	pruned        map[models.PairKey]string
	prunedTickers map[string]string
	lastSeen      map[models.PairKey]int64
	lastRun       map[string]time.Time
}

// NewRunContext builds the work list from the cross product of symbols and
// timeframes plus the ticker symbols.
func NewRunContext(symbols, timeframes, tickers []string) *RunContext {
	rc := &RunContext{
		pruned:        make(map[models.PairKey]string),
		prunedTickers: make(map[string]string),
		lastSeen:      make(map[models.PairKey]int64),
		lastRun:       make(map[string]time.Time),
		tickers:       append([]string(nil), tickers...),
	}
	for _, s := range symbols {
		for _, tf := range timeframes {
			rc.pairs = append(rc.pairs, models.PairKey{Symbol: s, Timeframe: tf})
		}
	}
	return rc
}

// State returns the current scheduler state.
func (rc *RunContext) State() State {
	rc.mu.Lock()
	defer rc.mu.Unlock()
	return rc.state
}

// SetState moves the scheduler to s.
func (rc *RunContext) SetState(s State) {
	rc.mu.Lock()
	defer rc.mu.Unlock()
	rc.state = s
}

// ActivePairs returns the non-pruned pairs whose timeframe is in due. A nil
// due returns every active pair.
func (rc *RunContext) ActivePairs(due []string) []models.PairKey {
	rc.mu.Lock()
	defer rc.mu.Unlock()

	var want map[string]bool
	if due != nil {
		want = make(map[string]bool, len(due))
		for _, tf := range due {
			want[tf] = true
		}
	}

	out := make([]models.PairKey, 0, len(rc.pairs))
	for _, p := range rc.pairs {
		if _, gone := rc.pruned[p]; gone {
			continue
		}
		if want != nil && !want[p.Timeframe] {
			continue
		}
		out = append(out, p)
	}
	return out
}

// ActiveTickers returns the ticker symbols that have not been pruned.
func (rc *RunContext) ActiveTickers() []string {
	rc.mu.Lock()
	defer rc.mu.Unlock()

	out := make([]string, 0, len(rc.tickers))
	for _, s := range rc.tickers {
		if _, gone := rc.prunedTickers[s]; !gone {
			out = append(out, s)
		}
	}
	return out
}

// HasWork reports whether any pair or ticker is still active.
func (rc *RunContext) HasWork() bool {
	return len(rc.ActivePairs(nil)) > 0 || len(rc.ActiveTickers()) > 0
}

// Prune removes pair for the rest of the process. It returns false when the
// pair was already pruned.
func (rc *RunContext) Prune(pair models.PairKey, reason string) bool {
	rc.mu.Lock()
	defer rc.mu.Unlock()
	if _, ok := rc.pruned[pair]; ok {
		return false
	}
	rc.pruned[pair] = reason
	return true
}

// PruneTicker removes a ticker symbol for the rest of the process.
func (rc *RunContext) PruneTicker(symbol, reason string) bool {
	rc.mu.Lock()
	defer rc.mu.Unlock()
	if _, ok := rc.prunedTickers[symbol]; ok {
		return false
	}
	rc.prunedTickers[symbol] = reason
	return true
}

// Pruned returns the pruned pairs and their reasons.
func (rc *RunContext) Pruned() map[models.PairKey]string {
	rc.mu.Lock()
	defer rc.mu.Unlock()
	out := make(map[models.PairKey]string, len(rc.pruned))
	for k, v := range rc.pruned {
		out[k] = v
	}
	return out
}

// LastSeen returns the newest stored open time for pair known to this process.
func (rc *RunContext) LastSeen(pair models.PairKey) (int64, bool) {
	rc.mu.Lock()
	defer rc.mu.Unlock()
	ts, ok := rc.lastSeen[pair]
	return ts, ok
}

// SetLastSeen advances the last-seen timestamp; it never moves backwards.
func (rc *RunContext) SetLastSeen(pair models.PairKey, ts int64) {
	rc.mu.Lock()
	defer rc.mu.Unlock()
	if prev, ok := rc.lastSeen[pair]; !ok || ts > prev {
		rc.lastSeen[pair] = ts
	}
}

// DueTimeframes returns, sorted, the timeframes whose interval has elapsed
// since they last ran. A timeframe that never ran is due.
func (rc *RunContext) DueTimeframes(now time.Time, intervals map[string]time.Duration) []string {
	rc.mu.Lock()
	defer rc.mu.Unlock()

	seen := make(map[string]bool)
	due := []string{}
	for _, p := range rc.pairs {
		if seen[p.Timeframe] {
			continue
		}
		seen[p.Timeframe] = true
		last, ran := rc.lastRun[p.Timeframe]
		if !ran || now.Sub(last) >= intervals[p.Timeframe] {
			due = append(due, p.Timeframe)
		}
	}
	sort.Strings(due)
	return due
}

// MarkRun records that timeframes ran at t.
func (rc *RunContext) MarkRun(timeframes []string, t time.Time) {
	rc.mu.Lock()
	defer rc.mu.Unlock()
	for _, tf := range timeframes {
		rc.lastRun[tf] = t
	}
}
