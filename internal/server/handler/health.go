package handler

import (
	"context"
	"log/slog"
	"net/http"
	"sort"
	"time"

	"github.com/agrozold/pumpfun-bonkfun-bot-sub001/internal/domain"
)

// Check tests one dependency.
type Check func(ctx context.Context) error

// HealthHandler serves the health-check endpoint.
type HealthHandler struct {
	checks map[string]Check
	status func() domain.BotStatus
	logger *slog.Logger
}

// NewHealthHandler creates a HealthHandler. status may be nil.
func NewHealthHandler(checks map[string]Check, status func() domain.BotStatus, logger *slog.Logger) *HealthHandler {
	return &HealthHandler{
		checks: checks,
		status: status,
		logger: logHandler(logger, "health"),
	}
}

type healthResponse struct {
	Status        string            `json:"status"`
	Timestamp     string            `json:"timestamp"`
	Mode          string            `json:"mode,omitempty"`
	UptimeSeconds int64             `json:"uptime_seconds,omitempty"`
	OpenPositions int               `json:"open_positions"`
	QueueDepth    int               `json:"queue_depth"`
	InFlight      int               `json:"in_flight"`
	Checks        map[string]string `json:"checks,omitempty"`
}

// HealthCheck runs every dependency check and reports 503 when any fails.
// GET /api/health
func (h *HealthHandler) HealthCheck(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 3*time.Second)
	defer cancel()

	resp := healthResponse{
		Status:    "ok",
		Timestamp: time.Now().UTC().Format(time.RFC3339),
		Checks:    make(map[string]string, len(h.checks)),
	}
	names := make([]string, 0, len(h.checks))
	for name := range h.checks {
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		if err := h.checks[name](ctx); err != nil {
			h.logger.WarnContext(ctx, "health check failed",
				slog.String("check", name),
				slog.String("error", err.Error()),
			)
			resp.Checks[name] = err.Error()
			resp.Status = "degraded"
			continue
		}
		resp.Checks[name] = "ok"
	}
	if h.status != nil {
		st := h.status()
		resp.Mode = st.Mode
		resp.UptimeSeconds = st.UptimeSeconds
		resp.OpenPositions = st.OpenPositions
		resp.QueueDepth = st.QueueDepth
		resp.InFlight = st.InFlight
	}

	code := http.StatusOK
	if resp.Status != "ok" {
		code = http.StatusServiceUnavailable
	}
	writeJSON(w, code, resp)
}
