package handler

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"sort"
	"time"

	"github.com/agrozold/pumpfun-bonkfun-bot-sub001/internal/domain"
)

// PositionReader is the read side of the position store.
type PositionReader interface {
	GetPosition(ctx context.Context, mint string) (domain.Position, error)
	GetAllActivePositions(ctx context.Context) ([]domain.Position, error)
}

// PriceReader returns the current price of a mint and its age. GetPrices
// is the batch form used by the list endpoint; it reports no age.
type PriceReader interface {
	GetPrice(ctx context.Context, mint string) (float64, time.Duration, error)
	GetPrices(ctx context.Context, mints []string) (map[string]float64, error)
}

// PositionHandler serves the position endpoints.
type PositionHandler struct {
	store  PositionReader
	prices PriceReader
	logger *slog.Logger
}

// NewPositionHandler creates a PositionHandler. prices may be nil.
func NewPositionHandler(store PositionReader, prices PriceReader, logger *slog.Logger) *PositionHandler {
	return &PositionHandler{
		store:  store,
		prices: prices,
		logger: logHandler(logger, "positions"),
	}
}

// positionView is a Position plus its derived state and mark-to-market.
type positionView struct {
	domain.Position
	State     domain.PositionState `json:"state"`
	Price     float64              `json:"current_price,omitempty"`
	PriceAge  string               `json:"price_age,omitempty"`
	ProfitPct *float64             `json:"profit_pct,omitempty"`
}

func (h *PositionHandler) view(ctx context.Context, pos domain.Position) positionView {
	v := positionView{Position: pos, State: pos.State()}
	if h.prices == nil {
		return v
	}
	price, age, err := h.prices.GetPrice(ctx, pos.Mint)
	if err != nil {
		return v
	}
	v.mark(price)
	v.PriceAge = age.Round(time.Millisecond).String()
	return v
}

func (v *positionView) mark(price float64) {
	profit := v.Position.ProfitPct(price)
	v.Price = price
	v.ProfitPct = &profit
}

type listPositionsResponse struct {
	Positions []positionView `json:"positions"`
	Count     int            `json:"count"`
}

// ListPositions returns every active position, oldest first.
// GET /api/positions
func (h *PositionHandler) ListPositions(w http.ResponseWriter, r *http.Request) {
	positions, err := h.store.GetAllActivePositions(r.Context())
	if err != nil {
		h.logger.ErrorContext(r.Context(), "handler: list positions failed",
			slog.String("error", err.Error()),
		)
		writeError(w, http.StatusServiceUnavailable, "failed to list positions")
		return
	}
	sort.Slice(positions, func(i, j int) bool {
		return positions[i].OpenedAt.Before(positions[j].OpenedAt)
	})

	var prices map[string]float64
	if h.prices != nil && len(positions) > 0 {
		mints := make([]string, len(positions))
		for i, pos := range positions {
			mints[i] = pos.Mint
		}
		prices, err = h.prices.GetPrices(r.Context(), mints)
		if err != nil {
			h.logger.WarnContext(r.Context(), "handler: batch price lookup failed",
				slog.String("error", err.Error()),
			)
		}
	}

	views := make([]positionView, 0, len(positions))
	for _, pos := range positions {
		v := positionView{Position: pos, State: pos.State()}
		if price, ok := prices[pos.Mint]; ok && price > 0 {
			v.mark(price)
		}
		views = append(views, v)
	}
	writeJSON(w, http.StatusOK, listPositionsResponse{Positions: views, Count: len(views)})
}

// GetPosition returns one position by mint.
// GET /api/positions/{mint}
func (h *PositionHandler) GetPosition(w http.ResponseWriter, r *http.Request) {
	mint := r.PathValue("mint")
	pos, err := h.store.GetPosition(r.Context(), mint)
	switch {
	case errors.Is(err, domain.ErrNotFound):
		writeError(w, http.StatusNotFound, "position not found")
		return
	case err != nil:
		h.logger.ErrorContext(r.Context(), "handler: get position failed",
			slog.String("mint", mint),
			slog.String("error", err.Error()),
		)
		writeError(w, http.StatusServiceUnavailable, "failed to get position")
		return
	}
	writeJSON(w, http.StatusOK, h.view(r.Context(), pos))
}
