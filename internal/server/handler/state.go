package handler

import (
	"context"
	"log/slog"
	"net/http"

	"github.com/agrozold/pumpfun-bonkfun-bot-sub001/internal/domain"
)

// Exporter writes a state snapshot and returns where it went.
type Exporter interface {
	Export(ctx context.Context) (string, error)
}

// StateHandler serves the snapshot and journal endpoints.
type StateHandler struct {
	exporter Exporter
	journal  domain.JournalStore // nil when journaling is disabled
	logger   *slog.Logger
}

// NewStateHandler creates a StateHandler.
func NewStateHandler(exporter Exporter, journal domain.JournalStore, logger *slog.Logger) *StateHandler {
	return &StateHandler{
		exporter: exporter,
		journal:  journal,
		logger:   logHandler(logger, "state"),
	}
}

// Export triggers an immediate snapshot.
// POST /api/state/export
func (h *StateHandler) Export(w http.ResponseWriter, r *http.Request) {
	if h.exporter == nil {
		writeError(w, http.StatusNotImplemented, "snapshots are disabled")
		return
	}
	loc, err := h.exporter.Export(r.Context())
	if err != nil {
		h.logger.ErrorContext(r.Context(), "handler: export failed", slog.String("error", err.Error()))
		writeError(w, http.StatusInternalServerError, "export failed")
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"location": loc})
}

// ListJournal returns journal entries, newest first.
// GET /api/journal?mint=&since=&until=&limit=&offset=
func (h *StateHandler) ListJournal(w http.ResponseWriter, r *http.Request) {
	if h.journal == nil {
		writeError(w, http.StatusNotImplemented, "journal is disabled")
		return
	}
	entries, err := h.journal.List(r.Context(), parseListOpts(r))
	if err != nil {
		h.logger.ErrorContext(r.Context(), "handler: list journal failed", slog.String("error", err.Error()))
		writeError(w, http.StatusInternalServerError, "failed to list journal")
		return
	}
	if entries == nil {
		entries = []domain.JournalEntry{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"entries": entries})
}
