// Package api serves probes, metrics and run progress while a batch runs.
package api

import (
	"encoding/json"
	"log/slog"
	"net/http"

	"jobchain/internal/health"
	"jobchain/internal/report"
	"jobchain/internal/status"
)

// Handler contains HTTP handlers for the ops API.
type Handler struct {
	health *health.Checker
	runs   RunsFunc
}

// NewHandler creates a new handler.
func NewHandler(healthChecker *health.Checker, runs RunsFunc) *Handler {
	if healthChecker == nil {
		healthChecker = health.NewChecker()
	}
	return &Handler{
		health: healthChecker,
		runs:   runs,
	}
}

// RunView is the JSON form of a run's state.
type RunView struct {
	RunID      string `json:"runId"`
	State      string `json:"state"`
	Detail     string `json:"detail,omitempty"`
	StatusLogs int    `json:"statusLogs"`
	Expected   int    `json:"expectedStatusLogs"`
	NextStep   string `json:"nextStep,omitempty"`
	Error      string `json:"error,omitempty"`
}

func toView(r report.Row) RunView {
	v := RunView{
		RunID:      r.RunID,
		State:      string(r.State),
		Detail:     r.Detail,
		StatusLogs: r.StatusLogs,
		Expected:   r.Expected,
		NextStep:   r.NextStep,
	}
	if r.ReadErr != nil {
		v.State = string(report.Unknown)
		v.Error = r.ReadErr.Error()
	}
	return v
}

// ListRuns handles GET /v1/runs
func (h *Handler) ListRuns(w http.ResponseWriter, r *http.Request) {
	rows := h.rows()
	views := make([]RunView, 0, len(rows))
	for _, row := range rows {
		views = append(views, toView(row))
	}

	counts := report.Counts(rows)
	h.writeJSON(w, http.StatusOK, map[string]any{
		"runs":      views,
		"total":     len(views),
		"completed": counts[status.Completed],
		"running":   counts[status.Running],
		"error":     counts[status.Error],
		"pending":   counts[status.Pending],
		"unknown":   counts[report.Unknown],
	})
}

// GetRun handles GET /v1/runs/{runId}
func (h *Handler) GetRun(w http.ResponseWriter, r *http.Request) {
	runID := r.PathValue("runId")
	for _, row := range h.rows() {
		if row.RunID == runID {
			h.writeJSON(w, http.StatusOK, toView(row))
			return
		}
	}
	h.writeError(w, http.StatusNotFound, "run not found: "+runID)
}

func (h *Handler) rows() []report.Row {
	if h.runs == nil {
		return nil
	}
	return h.runs()
}

// Livez handles GET /livez - liveness probe.
// Returns 200 if the process is alive. Does not check dependencies.
func (h *Handler) Livez(w http.ResponseWriter, r *http.Request) {
	response := h.health.Liveness(r.Context())
	h.writeJSON(w, http.StatusOK, response)
}

// Readyz handles GET /readyz - readiness probe.
// Returns 503 when the engine cannot be started or the batch is stopping.
// A degraded webhook endpoint still reports 200.
func (h *Handler) Readyz(w http.ResponseWriter, r *http.Request) {
	response := h.health.Readiness(r.Context())

	status := http.StatusOK
	if !response.IsServing() {
		status = http.StatusServiceUnavailable
	}

	h.writeJSON(w, status, response)
}

// writeJSON writes a JSON response
func (h *Handler) writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(data); err != nil {
		slog.Error("Failed to encode response", "error", err)
	}
}

// writeError writes an error response
func (h *Handler) writeError(w http.ResponseWriter, status int, message string) {
	h.writeJSON(w, status, map[string]string{"error": message})
}
