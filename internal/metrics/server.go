package metrics

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/johnayoung/tradebot-collector/internal/config"
)

// HealthChecker reports whether a dependency is usable.
type HealthChecker interface {
	HealthCheck(ctx context.Context) error
}

// Server serves the metrics, health and readiness endpoints.
type Server struct {
	cfg        config.MetricsConfig
	recorder   *Recorder
	health     HealthChecker
	readyAfter time.Duration
	logger     *slog.Logger
	startTime  time.Time
	now        func() time.Time

	server *http.Server
}

// NewServer builds the HTTP server. readyAfter is how recent the last cycle
// must be for /ready to succeed; zero disables the check.
func NewServer(cfg config.MetricsConfig, recorder *Recorder, health HealthChecker, readyAfter time.Duration, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.Path == "" {
		cfg.Path = "/metrics"
	}
	s := &Server{
		cfg:        cfg,
		recorder:   recorder,
		health:     health,
		readyAfter: readyAfter,
		logger:     logger.With("component", "metrics"),
		startTime:  time.Now(),
		now:        time.Now,
	}
	s.server = &http.Server{
		Addr:              cfg.Addr,
		Handler:           s.Handler(),
		ReadHeaderTimeout: 5 * time.Second,
	}
	return s
}

// Handler returns the mux with all endpoints mounted.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.Handle(s.cfg.Path, promhttp.HandlerFor(s.recorder.Registry(), promhttp.HandlerOpts{}))
	mux.HandleFunc("/health", s.handleHealth)
	mux.HandleFunc("/ready", s.handleReadiness)
	return mux
}

// Start listens on the configured address and serves in the background.
func (s *Server) Start() error {
	ln, err := net.Listen("tcp", s.server.Addr)
	if err != nil {
		return err
	}
	go func() {
		s.logger.Info("metrics HTTP server starting", "addr", ln.Addr().String(), "path", s.cfg.Path)
		if err := s.server.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.logger.Error("metrics HTTP server failed", "error", err)
		}
	}()
	return nil
}

// Stop shuts the server down gracefully.
func (s *Server) Stop(ctx context.Context) error {
	return s.server.Shutdown(ctx)
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	status := map[string]any{
		"status":    "healthy",
		"timestamp": s.now().UTC(),
		"uptime":    time.Since(s.startTime).String(),
	}
	code := http.StatusOK
	if s.health != nil {
		ctx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
		defer cancel()
		if err := s.health.HealthCheck(ctx); err != nil {
			status["status"] = "unhealthy"
			status["error"] = err.Error()
			code = http.StatusServiceUnavailable
		}
	}
	writeJSON(w, code, status)
}

func (s *Server) handleReadiness(w http.ResponseWriter, r *http.Request) {
	last := s.recorder.LastCycle()
	if s.readyAfter > 0 && (last.IsZero() || s.now().Sub(last) > s.readyAfter) {
		writeJSON(w, http.StatusServiceUnavailable, map[string]any{
			"status": "not ready",
			"reason": "no recent collection cycle",
		})
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"status":     "ready",
		"last_cycle": last.UTC(),
	})
}

func writeJSON(w http.ResponseWriter, code int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(body)
}
