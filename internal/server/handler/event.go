package handler

import (
	"encoding/json"
	"log/slog"
	"net/http"
	"strconv"

	"github.com/agrozold/pumpfun-bonkfun-bot-sub001/internal/domain"
)

// EventHandler pages through the capped position event stream.
type EventHandler struct {
	bus    domain.SignalBus
	stream string
	logger *slog.Logger
}

// NewEventHandler creates an EventHandler reading stream from bus.
func NewEventHandler(bus domain.SignalBus, stream string, logger *slog.Logger) *EventHandler {
	return &EventHandler{bus: bus, stream: stream, logger: logHandler(logger, "events")}
}

type eventView struct {
	ID    string          `json:"id"`
	Event json.RawMessage `json:"event"`
}

// ListEvents returns events after the given stream id, oldest first. With no
// new events it waits up to a second before answering with an empty list, so
// clients can long-poll by passing back the returned cursor.
// GET /api/events?after=&limit=
func (h *EventHandler) ListEvents(w http.ResponseWriter, r *http.Request) {
	after := r.URL.Query().Get("after")
	if after == "" {
		after = "0"
	}
	limit := 100
	if v, err := strconv.Atoi(r.URL.Query().Get("limit")); err == nil && v > 0 {
		limit = min(v, 1000)
	}

	msgs, err := h.bus.StreamRead(r.Context(), h.stream, after, limit)
	if err != nil {
		h.logger.ErrorContext(r.Context(), "handler: read events failed", slog.String("error", err.Error()))
		writeError(w, http.StatusInternalServerError, "failed to read events")
		return
	}

	events := make([]eventView, 0, len(msgs))
	cursor := after
	for _, m := range msgs {
		if !json.Valid(m.Payload) {
			continue
		}
		events = append(events, eventView{ID: m.ID, Event: m.Payload})
		cursor = m.ID
	}
	writeJSON(w, http.StatusOK, map[string]any{"events": events, "cursor": cursor})
}
