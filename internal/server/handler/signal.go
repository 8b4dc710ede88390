package handler

import (
	"errors"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/agrozold/pumpfun-bonkfun-bot-sub001/internal/crypto"
	"github.com/agrozold/pumpfun-bonkfun-bot-sub001/internal/domain"
	"github.com/agrozold/pumpfun-bonkfun-bot-sub001/internal/feed"
)

// SignalSink accepts parsed signals for the executor.
type SignalSink interface {
	Offer(sig domain.TradeSignal, via string) error
}

// SignalHandler is the webhook intake for trade signals.
type SignalHandler struct {
	sink    SignalSink
	auth    *crypto.HMACAuth // nil disables signature checks
	maxSkew time.Duration
	logger  *slog.Logger
	now     func() time.Time
}

// NewSignalHandler creates a SignalHandler. When auth is set every request
// must carry a valid HMAC signature no older than maxSkew.
func NewSignalHandler(sink SignalSink, auth *crypto.HMACAuth, maxSkew time.Duration, logger *slog.Logger) *SignalHandler {
	return &SignalHandler{
		sink:    sink,
		auth:    auth,
		maxSkew: maxSkew,
		logger:  logHandler(logger, "signals"),
		now:     time.Now,
	}
}

type submitSignalsResponse struct {
	Accepted int      `json:"accepted"`
	Rejected []string `json:"rejected,omitempty"`
}

// SubmitSignals enqueues one signal or a JSON array of signals.
// POST /api/signals
func (h *SignalHandler) SubmitSignals(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	if err != nil {
		writeError(w, http.StatusRequestEntityTooLarge, "request body too large")
		return
	}
	if h.auth != nil {
		if err := h.auth.Verify(r.Method, r.URL.Path, body, r.Header, h.now(), h.maxSkew); err != nil {
			h.logger.WarnContext(r.Context(), "handler: rejected unsigned signal",
				slog.String("remote_addr", r.RemoteAddr),
				slog.String("error", err.Error()),
			)
			writeError(w, http.StatusUnauthorized, "invalid signature")
			return
		}
	}

	sigs, errs := feed.ParseSignals(body, h.now().UTC())
	resp := submitSignalsResponse{}
	for _, err := range errs {
		resp.Rejected = append(resp.Rejected, err.Error())
	}
	if len(sigs) == 0 {
		writeJSON(w, http.StatusBadRequest, resp)
		return
	}

	full := false
	for _, sig := range sigs {
		err := h.sink.Offer(sig, "webhook")
		switch {
		case err == nil:
			resp.Accepted++
		case errors.Is(err, feed.ErrQueueFull):
			full = true
			resp.Rejected = append(resp.Rejected, sig.Mint+": queue full")
		default:
			resp.Rejected = append(resp.Rejected, sig.Mint+": "+err.Error())
		}
	}
	if resp.Accepted == 0 && full {
		w.Header().Set("Retry-After", "1")
		writeJSON(w, http.StatusServiceUnavailable, resp)
		return
	}
	writeJSON(w, http.StatusAccepted, resp)
}
