package handler

import (
	"context"
	"log/slog"
	"net/http"
	"time"
)

// HealthCheck probes one dependency.
type HealthCheck func(ctx context.Context) error

// HealthStatus reports loop progress alongside dependency checks.
type HealthStatus interface {
	Cycles() uint64
}

// HealthHandler serves GET /api/health.
type HealthHandler struct {
	checks map[string]HealthCheck
	status HealthStatus
	mode   string
	logger *slog.Logger
}

// NewHealthHandler creates a HealthHandler. status may be nil.
func NewHealthHandler(mode string, status HealthStatus, checks map[string]HealthCheck, logger *slog.Logger) *HealthHandler {
	return &HealthHandler{
		checks: checks,
		status: status,
		mode:   mode,
		logger: logger.With(slog.String("handler", "health")),
	}
}

// HealthCheck answers 200 when every check passes and 503 otherwise.
// GET /api/health
func (h *HealthHandler) HealthCheck(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 3*time.Second)
	defer cancel()

	status := http.StatusOK
	deps := make(map[string]string, len(h.checks))
	for name, check := range h.checks {
		if err := check(ctx); err != nil {
			h.logger.WarnContext(ctx, "health check failed",
				slog.String("dependency", name),
				slog.String("error", err.Error()),
			)
			deps[name] = "down"
			status = http.StatusServiceUnavailable
			continue
		}
		deps[name] = "ok"
	}

	body := map[string]any{
		"status":       "ok",
		"mode":         h.mode,
		"dependencies": deps,
		"timestamp":    time.Now().UTC().Format(time.RFC3339),
	}
	if status != http.StatusOK {
		body["status"] = "degraded"
	}
	if h.status != nil {
		body["cycles"] = h.status.Cycles()
	}
	writeJSON(w, status, body)
}
