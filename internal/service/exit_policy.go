package service

import (
	"strconv"
	"time"

	"github.com/agrozold/pumpfun-bonkfun-bot-sub001/internal/domain"
)

// TrailingConfig configures the trailing stop attached to new positions.
type TrailingConfig struct {
	Enabled       bool
	ActivationPct float64 // profit fraction that arms the stop
	TrailPct      float64 // distance of the trigger below the high-water mark
	SellFraction  float64 // fraction sold when the stop fires; 0 means all
}

// ExitPolicy holds the exit thresholds applied to every new position and the
// process-wide safety stops.
type ExitPolicy struct {
	StopLossPct     float64 // 0 disables
	TakeProfitPct   float64 // 0 disables
	MoonbagFraction float64 // fraction kept after take-profit; 0 sells all
	MaxHold         time.Duration
	Trailing        TrailingConfig

	// Safety net checked before the configured stop. Loss fractions, 0
	// disables.
	EmergencyStopPct float64
	HardStopPct      float64
}

// ExitDecision is the result of evaluating a position at one price.
type ExitDecision struct {
	Reason       domain.ExitReason
	Fraction     float64
	TriggerPrice float64
	Moonbag      bool
}

// Triggered reports whether an exit fired.
func (d ExitDecision) Triggered() bool {
	return d.Reason != domain.ExitNone
}

// roundPrice trims binary noise from derived prices so that thresholds
// computed from decimal inputs compare equal to the same decimal tick.
func roundPrice(v float64) float64 {
	r, err := strconv.ParseFloat(strconv.FormatFloat(v, 'g', 12, 64), 64)
	if err != nil {
		return v
	}
	return r
}

// levelPrice is the price at which a position entered at entry has moved by
// pct. Thresholds are compared as rounded prices, not as profit fractions,
// so a price exactly on the level counts as reaching it.
func levelPrice(entry, pct float64) float64 {
	return roundPrice(entry * (1 + pct))
}

// NewPosition builds the record for a confirmed buy.
func (p ExitPolicy) NewPosition(mint string, intent domain.BuyIntent, entry, qty float64, sig string, at time.Time) domain.Position {
	pos := domain.Position{
		Mint:     mint,
		Symbol:   intent.Symbol,
		Platform: intent.Platform,
		Source:   intent.Source,
		Entry:    entry,
		Quantity: qty,
		OpenedAt: at,
		BuySig:   sig,
		MaxHold:  p.MaxHold,
		IsActive: true,
	}
	if p.StopLossPct > 0 {
		sl := levelPrice(entry, -p.StopLossPct)
		pos.StopLossPrice = &sl
	}
	if p.TakeProfitPct > 0 {
		tp := levelPrice(entry, p.TakeProfitPct)
		pos.TakeProfitPrice = &tp
	}
	pos.TakeProfitFraction = 1
	if p.MoonbagFraction > 0 && p.MoonbagFraction < 1 {
		pos.TakeProfitFraction = roundPrice(1 - p.MoonbagFraction)
	}
	if p.Trailing.Enabled {
		frac := p.Trailing.SellFraction
		if frac <= 0 || frac > 1 {
			frac = 1
		}
		pos.Trailing = domain.TrailingStop{
			Enabled:       true,
			ActivationPct: p.Trailing.ActivationPct,
			TrailPct:      p.Trailing.TrailPct,
			SellFraction:  frac,
			HighWater:     entry,
		}
	}
	return pos
}

// UpdateTrailing arms or ratchets the trailing stop at price. It returns the
// new state and whether it differs from the stored one. The trigger never
// moves down.
func UpdateTrailing(pos domain.Position, price float64) (domain.TrailingStop, bool) {
	ts := pos.Trailing
	if !ts.Enabled || price <= 0 {
		return ts, false
	}
	if !ts.Active {
		if pos.Entry <= 0 || price < levelPrice(pos.Entry, ts.ActivationPct) {
			return ts, false
		}
		ts.Active = true
		ts.HighWater = price
		ts.TriggerPrice = roundPrice(price * (1 - ts.TrailPct))
		return ts, true
	}
	if price <= ts.HighWater {
		return ts, false
	}
	ts.HighWater = price
	if trig := roundPrice(price * (1 - ts.TrailPct)); trig > ts.TriggerPrice {
		ts.TriggerPrice = trig
	}
	return ts, true
}

// Evaluate applies the exit rules to pos at price. The trailing stop in pos
// must already reflect price (see UpdateTrailing). Rules are checked in
// precedence order and the first match wins.
func (p ExitPolicy) Evaluate(pos domain.Position, price float64, now time.Time) ExitDecision {
	if pos.PendingSell || !pos.IsActive || price <= 0 {
		return ExitDecision{}
	}
	profit := pos.ProfitPct(price)
	full := func(r domain.ExitReason) ExitDecision {
		return ExitDecision{Reason: r, Fraction: 1, TriggerPrice: price}
	}

	switch {
	case p.EmergencyStopPct > 0 && price <= levelPrice(pos.Entry, -p.EmergencyStopPct):
		return full(domain.ExitEmergencyStop)
	case p.HardStopPct > 0 && price <= levelPrice(pos.Entry, -p.HardStopPct):
		return full(domain.ExitHardStop)
	case pos.StopLossPrice != nil && price <= *pos.StopLossPrice:
		return full(domain.ExitStopLoss)
	}

	ts := pos.Trailing
	if ts.Enabled && ts.Active && price <= ts.TriggerPrice && profit > 0 {
		frac := ts.SellFraction
		if frac <= 0 || frac > 1 {
			frac = 1
		}
		return ExitDecision{Reason: domain.ExitTrailingStop, Fraction: frac, TriggerPrice: price}
	}

	if pos.TakeProfitPrice != nil && price >= *pos.TakeProfitPrice {
		d := full(domain.ExitTakeProfit)
		if !pos.IsMoonbag && pos.TakeProfitFraction > 0 && pos.TakeProfitFraction < 1 {
			d.Fraction = pos.TakeProfitFraction
			d.Moonbag = true
		}
		return d
	}

	if pos.MaxHold > 0 && pos.Age(now) >= pos.MaxHold {
		return full(domain.ExitMaxHoldTime)
	}
	return ExitDecision{}
}
