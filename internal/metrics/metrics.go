// Package metrics exposes collector, exchange and storage activity as
// Prometheus metrics, plus health and readiness endpoints.
package metrics

import (
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/johnayoung/tradebot-collector/internal/models"
)

const namespace = "tradebot"

// Recorder implements the observer hooks of the collector, the exchange
// adapters and the storage backends. Each Recorder owns its registry, so
// several can coexist in tests.
type Recorder struct {
	registry *prometheus.Registry

	requests        *prometheus.CounterVec
	requestDuration *prometheus.HistogramVec
	queries         *prometheus.CounterVec
	queryDuration   *prometheus.HistogramVec
	pairs           *prometheus.CounterVec
	candles         *prometheus.CounterVec
	invalidCandles  *prometheus.CounterVec
	cycles          *prometheus.CounterVec
	cycleDuration   prometheus.Histogram
	lastCycle       prometheus.Gauge
	prunedPairs     prometheus.Gauge

	mu          sync.RWMutex
	lastCycleAt time.Time
}

// NewRecorder creates a recorder with Go runtime and process collectors
// registered alongside the collector metrics.
func NewRecorder() *Recorder {
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	f := promauto.With(reg)

	return &Recorder{
		registry: reg,
		requests: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "exchange_requests_total",
			Help:      "Exchange HTTP requests by operation and outcome",
		}, []string{"exchange", "operation", "outcome"}),
		requestDuration: f.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "exchange_request_duration_seconds",
			Help:      "Exchange HTTP request latency",
			Buckets:   prometheus.DefBuckets,
		}, []string{"exchange", "operation"}),
		queries: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "storage_operations_total",
			Help:      "Storage operations by backend, operation and result",
		}, []string{"backend", "operation", "result"}),
		queryDuration: f.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "storage_operation_duration_seconds",
			Help:      "Storage operation latency",
			Buckets:   []float64{.0005, .001, .005, .01, .05, .1, .5, 1, 5},
		}, []string{"backend", "operation"}),
		pairs: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "collection_units_total",
			Help:      "Collection units by kind and outcome",
		}, []string{"kind", "outcome"}),
		candles: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "candles_stored_total",
			Help:      "Candles written, split into inserted and updated rows",
		}, []string{"symbol", "timeframe", "result"}),
		invalidCandles: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "candles_invalid_total",
			Help:      "Fetched candles that failed validation and were stored anyway",
		}, []string{"symbol", "timeframe"}),
		cycles: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "cycles_total",
			Help:      "Completed collection cycles",
		}, []string{"interrupted"}),
		cycleDuration: f.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "cycle_duration_seconds",
			Help:      "Wall time of one collection cycle",
			Buckets:   []float64{.1, .5, 1, 2.5, 5, 10, 30, 60, 120},
		}),
		lastCycle: f.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "last_cycle_timestamp_seconds",
			Help:      "Unix time at which the last cycle finished",
		}),
		prunedPairs: f.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "pruned_units",
			Help:      "Pairs and ticker symbols removed after permanent errors",
		}),
	}
}

// Registry returns the registry backing this recorder.
func (r *Recorder) Registry() *prometheus.Registry {
	return r.registry
}

// ObserveRequest implements exchange.RequestObserver.
func (r *Recorder) ObserveRequest(exchange, operation, outcome string, duration time.Duration) {
	r.requests.WithLabelValues(exchange, operation, outcome).Inc()
	r.requestDuration.WithLabelValues(exchange, operation).Observe(duration.Seconds())
}

// ObserveQuery implements storage.QueryObserver.
func (r *Recorder) ObserveQuery(backend, operation string, duration time.Duration, err error) {
	result := "ok"
	if err != nil {
		result = "error"
	}
	r.queries.WithLabelValues(backend, operation, result).Inc()
	r.queryDuration.WithLabelValues(backend, operation).Observe(duration.Seconds())
}

// ObservePair implements collector.Observer.
func (r *Recorder) ObservePair(kind string, result models.PairResult) {
	r.pairs.WithLabelValues(kind, string(result.Outcome)).Inc()
	if result.Outcome == models.OutcomePermanent {
		r.prunedPairs.Inc()
	}
	if kind == "ticker" {
		return
	}
	if result.Inserted > 0 {
		r.candles.WithLabelValues(result.Symbol, result.Timeframe, "inserted").Add(float64(result.Inserted))
	}
	if result.Updated > 0 {
		r.candles.WithLabelValues(result.Symbol, result.Timeframe, "updated").Add(float64(result.Updated))
	}
	if result.Invalid > 0 {
		r.invalidCandles.WithLabelValues(result.Symbol, result.Timeframe).Add(float64(result.Invalid))
	}
}

// ObserveCycle implements collector.Observer.
func (r *Recorder) ObserveCycle(report *models.CycleReport) {
	interrupted := "false"
	if report.Interrupted {
		interrupted = "true"
	}
	r.cycles.WithLabelValues(interrupted).Inc()
	r.cycleDuration.Observe(report.Duration().Seconds())
	r.lastCycle.Set(float64(report.FinishedAt.Unix()))

	r.mu.Lock()
	r.lastCycleAt = report.FinishedAt
	r.mu.Unlock()
}

// LastCycle returns when the most recent cycle finished, or the zero time.
func (r *Recorder) LastCycle() time.Time {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.lastCycleAt
}
