package service

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/agrozold/pumpfun-bonkfun-bot-sub001/internal/domain"
)

// Journal event names.
const (
	EventBuyConfirmed       = "buy_confirmed"
	EventBuyFailed          = "buy_failed"
	EventBuyUnconfirmed     = "buy_unconfirmed"
	EventBuyAdopted         = "buy_adopted"
	EventSellDispatched     = "sell_dispatched"
	EventSellConfirmed      = "sell_confirmed"
	EventSellFailed         = "sell_failed"
	EventPositionClosed     = "position_closed"
	EventPhantomRemoved     = "phantom_removed"
	EventQuantityCorrected  = "quantity_corrected"
	EventPendingSellCleared = "pending_sell_cleared"
)

// positionsChannel is the bus channel lifecycle events are published on.
const positionsChannel = "positions"

// EventStream is the capped Redis stream that keeps recent lifecycle events
// for late readers such as GET /api/events.
const EventStream = "position_events"

// eventSink fans a lifecycle event out to the journal, the bus and the
// notifier. Every sink is optional and failures are logged only: the state
// store is the source of truth, the rest is reporting.
type eventSink struct {
	journal  domain.JournalStore
	bus      domain.SignalBus
	notifier domain.Notifier
	logger   *slog.Logger
}

func (s eventSink) emit(ctx context.Context, ev domain.PositionEvent, detail map[string]any) {
	if ev.At.IsZero() {
		ev.At = time.Now().UTC()
	}

	if s.journal != nil {
		if detail == nil {
			detail = map[string]any{}
		}
		if ev.Reason != "" {
			detail["reason"] = ev.Reason
		}
		if ev.Price > 0 {
			detail["price"] = ev.Price
		}
		if ev.Quantity > 0 {
			detail["quantity"] = ev.Quantity
		}
		if ev.Symbol != "" {
			detail["symbol"] = ev.Symbol
		}
		entry := domain.JournalEntry{
			Event:     ev.Event,
			Mint:      ev.Mint,
			Signature: ev.Signature,
			Detail:    detail,
			CreatedAt: ev.At,
		}
		if err := s.journal.Log(ctx, entry); err != nil {
			s.logger.WarnContext(ctx, "journal write failed",
				slog.String("event", ev.Event),
				slog.String("mint", ev.Mint),
				slog.String("error", err.Error()),
			)
		}
	}

	if s.bus != nil {
		payload, _ := json.Marshal(ev)
		if err := s.bus.Publish(ctx, positionsChannel, payload); err != nil {
			s.logger.WarnContext(ctx, "publish position event failed",
				slog.String("event", ev.Event),
				slog.String("mint", ev.Mint),
				slog.String("error", err.Error()),
			)
		}
		if err := s.bus.StreamAppend(ctx, EventStream, payload); err != nil {
			s.logger.WarnContext(ctx, "append position event failed",
				slog.String("event", ev.Event),
				slog.String("error", err.Error()),
			)
		}
	}

	if s.notifier != nil {
		title, msg := describe(ev)
		if err := s.notifier.Notify(ctx, ev.Event, title, msg); err != nil {
			s.logger.WarnContext(ctx, "notify failed",
				slog.String("event", ev.Event),
				slog.String("error", err.Error()),
			)
		}
	}
}

func describe(ev domain.PositionEvent) (string, string) {
	name := ev.Symbol
	if name == "" {
		name = ev.Mint
	}
	title := fmt.Sprintf("%s %s", ev.Event, name)
	msg := fmt.Sprintf("mint: %s", ev.Mint)
	if ev.Reason != "" {
		msg += "\nreason: " + ev.Reason
	}
	if ev.Price > 0 {
		msg += fmt.Sprintf("\nprice: %.10g", ev.Price)
	}
	if ev.Quantity > 0 {
		msg += fmt.Sprintf("\nquantity: %.6g", ev.Quantity)
	}
	if ev.Signature != "" {
		msg += "\nsig: " + ev.Signature
	}
	return title, msg
}
