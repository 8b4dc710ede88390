package domain

import (
	"fmt"
	"time"
)

// TradeSignal is a buy request emitted by a listener (whale tracker,
// pattern detector, webhook).
type TradeSignal struct {
	ID          string // dedup key; defaults to Signature or Mint+Timestamp
	Mint        string
	Symbol      string
	SourceLabel string
	Platform    string
	SolAmount   float64
	Signature   string // source transaction signature, optional
	Timestamp   time.Time

	// Optional hints from the listener; the confirmed buy uses them as the
	// entry price and quantity.
	ExpectedPrice float64
	ExpectedQty   float64
}

// Key returns the dedup key of the signal.
func (s TradeSignal) Key() string {
	switch {
	case s.ID != "":
		return s.ID
	case s.Signature != "":
		return s.Signature
	default:
		return fmt.Sprintf("%s:%d", s.Mint, s.Timestamp.UnixNano())
	}
}

// Validate rejects signals that cannot be acted upon.
func (s TradeSignal) Validate() error {
	if s.Mint == "" {
		return fmt.Errorf("%w: empty mint", ErrInvalidSignal)
	}
	if s.SolAmount < 0 {
		return fmt.Errorf("%w: negative sol amount %v", ErrInvalidSignal, s.SolAmount)
	}
	return nil
}

// PositionEvent is published on the signal bus for every lifecycle
// transition.
type PositionEvent struct {
	Event     string    `json:"event"`
	Mint      string    `json:"mint"`
	Symbol    string    `json:"symbol,omitempty"`
	Signature string    `json:"signature,omitempty"`
	Reason    string    `json:"reason,omitempty"`
	Price     float64   `json:"price,omitempty"`
	Quantity  float64   `json:"quantity,omitempty"`
	At        time.Time `json:"at"`
}

// BotStatus is a summary of the bot's current operational state.
type BotStatus struct {
	Mode          string
	UptimeSeconds int64
	OpenPositions int
	QueueDepth    int
	InFlight      int
}
