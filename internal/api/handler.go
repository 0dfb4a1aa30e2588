package api

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/opensource-finance/harrier/internal/domain"
)

// Pinger is a collaborator the readiness check pings.
type Pinger interface {
	Ping(ctx context.Context) error
}

// RunRequester queues a detection run for a tenant.
type RunRequester interface {
	RequestRun(ctx context.Context, tenantID, traceID string) error
}

// Handler serves the ops endpoints.
type Handler struct {
	checks  []check
	runs    RunRequester
	version string
	timeout time.Duration
	logger  *slog.Logger
}

type check struct {
	name string
	p    Pinger
}

// HealthResponse is the body of /health.
type HealthResponse struct {
	Status  string `json:"status"`
	Version string `json:"version"`
}

// ReadyResponse is the body of /ready.
type ReadyResponse struct {
	Ready      bool              `json:"ready"`
	Components map[string]string `json:"components"`
}

// RunResponse acknowledges a queued run.
type RunResponse struct {
	TenantID string `json:"tenantId"`
	TraceID  string `json:"traceId"`
	Status   string `json:"status"`
}

// Health reports liveness; it never touches collaborators.
func (h *Handler) Health(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, HealthResponse{
		Status:  "healthy",
		Version: h.version,
	})
}

// Ready pings every collaborator and answers 503 when any of them fails.
func (h *Handler) Ready(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), h.timeout)
	defer cancel()

	resp := ReadyResponse{Ready: true, Components: make(map[string]string, len(h.checks))}
	for _, c := range h.checks {
		if err := c.p.Ping(ctx); err != nil {
			resp.Ready = false
			resp.Components[c.name] = err.Error()
			h.logger.WarnContext(ctx, "readiness check failed",
				"component", c.name,
				"error", err,
			)
			continue
		}
		resp.Components[c.name] = "ok"
	}

	status := http.StatusOK
	if !resp.Ready {
		status = http.StatusServiceUnavailable
	}
	writeJSON(w, status, resp)
}

// RequestRun queues a detection run for the tenant in X-Tenant-ID.
func (h *Handler) RequestRun(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	tenantID := GetTenantID(ctx)
	traceID := GetTraceID(ctx)

	if err := h.runs.RequestRun(ctx, tenantID, traceID); err != nil {
		if errors.Is(err, domain.ErrInvalidInput) {
			writeError(w, http.StatusBadRequest, err.Error())
			return
		}
		h.logger.ErrorContext(ctx, "failed to request run",
			"tenant_id", tenantID,
			"error", err,
		)
		writeError(w, http.StatusInternalServerError, "failed to queue run")
		return
	}

	writeJSON(w, http.StatusAccepted, RunResponse{
		TenantID: tenantID,
		TraceID:  traceID,
		Status:   "queued",
	})
}

func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}
