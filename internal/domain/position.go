package domain

import "time"

// PositionState is the lifecycle state of a held instrument.
type PositionState string

const (
	PositionStateOpen        PositionState = "OPEN"
	PositionStatePendingSell PositionState = "PENDING_SELL"
	PositionStateClosed      PositionState = "CLOSED"
	// PositionStateFailed is reported for a buy that never confirmed. No
	// Position record ever carries it.
	PositionStateFailed PositionState = "FAILED"
)

// Position is the single stored record for a currently held instrument.
// At most one active Position exists per Mint.
type Position struct {
	Mint     string    `json:"mint"`
	Symbol   string    `json:"symbol"`
	Platform string    `json:"platform"`
	Source   string    `json:"source,omitempty"`
	Entry    float64   `json:"entry_price"`
	Quantity float64   `json:"quantity"`
	OpenedAt time.Time `json:"entry_time"`
	BuySig   string    `json:"buy_signature,omitempty"`

	StopLossPrice      *float64      `json:"stop_loss_price,omitempty"`
	TakeProfitPrice    *float64      `json:"take_profit_price,omitempty"`
	TakeProfitFraction float64       `json:"take_profit_sell_fraction"`
	MaxHold            time.Duration `json:"max_hold,omitempty"` // zero disables

	Trailing TrailingStop `json:"trailing_stop"`

	IsActive       bool      `json:"is_active"`
	PendingSell    bool      `json:"pending_sell"`
	PendingSellSig string    `json:"pending_sell_signature,omitempty"`
	PendingSince   time.Time `json:"pending_since,omitempty"`
	SellAttempts   int       `json:"sell_attempts"`
	IsMoonbag      bool      `json:"is_moonbag"`
}

// TrailingStop is the ratcheting exit floor attached to a Position.
type TrailingStop struct {
	Enabled       bool    `json:"enabled"`
	ActivationPct float64 `json:"activation_pct"`
	TrailPct      float64 `json:"trail_pct"`
	SellFraction  float64 `json:"sell_fraction"`
	Active        bool    `json:"active"`
	HighWater     float64 `json:"high_water_mark"`
	TriggerPrice  float64 `json:"trigger_price"`
}

// State derives the lifecycle state from the stored flags.
func (p Position) State() PositionState {
	switch {
	case !p.IsActive:
		return PositionStateClosed
	case p.PendingSell:
		return PositionStatePendingSell
	default:
		return PositionStateOpen
	}
}

// ProfitPct returns the unrealized profit fraction at price.
func (p Position) ProfitPct(price float64) float64 {
	if p.Entry <= 0 {
		return 0
	}
	return (price - p.Entry) / p.Entry
}

// Age returns how long the position has been held.
func (p Position) Age(now time.Time) time.Duration {
	return now.Sub(p.OpenedAt)
}
