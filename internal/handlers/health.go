package handlers

import (
	"net/http"
	"time"

	"github.com/minutemart/order-api/internal/platform/httpx"
	"github.com/minutemart/order-api/internal/repositories"
	"github.com/minutemart/order-api/internal/services"
)

// HealthHandlers serves the process health and readiness probes.
type HealthHandlers struct {
	system services.SystemService
}

// NewHealthHandlers wires the system service into the probe endpoints. A nil
// service yields a minimal liveness response and an always-failing readiness.
func NewHealthHandlers(system services.SystemService) *HealthHandlers {
	return &HealthHandlers{system: system}
}

// Healthz reports the aggregate dependency health with build metadata.
func (h *HealthHandlers) Healthz(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	if h.system == nil {
		writeJSONResponse(w, http.StatusOK, map[string]any{
			"status":    "ok",
			"timestamp": time.Now().UTC().Format(time.RFC3339),
		})
		return
	}

	report, err := h.system.HealthReport(ctx)
	if err != nil {
		httpx.WriteError(ctx, w, httpx.NewError("health_check_failed", "health collection failed", http.StatusServiceUnavailable))
		return
	}

	checks := make(map[string]any, len(report.Checks))
	for name, result := range report.Checks {
		entry := map[string]any{
			"status":     string(result.Status),
			"latency_ms": result.Latency.Milliseconds(),
		}
		if result.Detail != "" {
			entry["detail"] = result.Detail
		}
		if result.Error != "" {
			entry["error"] = result.Error
		}
		checks[name] = entry
	}

	status := http.StatusOK
	if report.Status != repositories.HealthStatusOK {
		status = http.StatusServiceUnavailable
	}

	writeJSONResponse(w, status, map[string]any{
		"status":      string(report.Status),
		"version":     report.Version,
		"commit":      report.CommitSHA,
		"environment": report.Environment,
		"uptime":      report.Uptime.String(),
		"checks":      checks,
		"timestamp":   report.GeneratedAt.UTC().Format(time.RFC3339),
	})
}

// Readyz answers whether the process can take traffic right now.
func (h *HealthHandlers) Readyz(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	if h.system == nil {
		httpx.WriteError(ctx, w, httpx.NewError("not_ready", "system service is unavailable", http.StatusServiceUnavailable))
		return
	}

	if err := h.system.Readiness(ctx); err != nil {
		httpx.WriteError(ctx, w, httpx.NewError("not_ready", "dependencies are not ready", http.StatusServiceUnavailable))
		return
	}

	writeJSONResponse(w, http.StatusOK, map[string]any{"status": "ready"})
}
