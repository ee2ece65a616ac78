package api

import (
	"net/http"

	"jobchain/internal/health"
	"jobchain/internal/report"
)

// RunsFunc returns the current state of every run in the batch.
type RunsFunc func() []report.Row

// RouterConfig holds dependencies for the router.
type RouterConfig struct {
	HealthChecker  *health.Checker
	MetricsHandler http.Handler // optional
	Runs           RunsFunc     // optional
	APIKey         string
}

// NewRouter creates the ops router served alongside a batch.
func NewRouter(cfg RouterConfig) http.Handler {
	handler := NewHandler(cfg.HealthChecker, cfg.Runs)

	mux := http.NewServeMux()

	// Probes and scrapes - no auth required
	mux.HandleFunc("GET /livez", handler.Livez)
	mux.HandleFunc("GET /readyz", handler.Readyz)
	if cfg.MetricsHandler != nil {
		mux.Handle("GET /metrics", cfg.MetricsHandler)
	}

	// Run progress - auth required
	authMiddleware := AuthMiddleware(cfg.APIKey)
	mux.Handle("GET /v1/runs", authMiddleware(http.HandlerFunc(handler.ListRuns)))
	mux.Handle("GET /v1/runs/{runId}", authMiddleware(http.HandlerFunc(handler.GetRun)))

	// Apply middleware chain (order matters: outermost first)
	var h http.Handler = mux
	h = LoggingMiddleware()(h)
	h = RecoveryMiddleware()(h)

	return h
}
