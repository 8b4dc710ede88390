package service

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/agrozold/pumpfun-bonkfun-bot-sub001/internal/domain"
	"github.com/agrozold/pumpfun-bonkfun-bot-sub001/internal/metrics"
)

// Confirmer accepts broadcast sells for confirmation tracking.
type Confirmer interface {
	Submit(tx domain.PendingTransaction) error
}

// MonitorConfig tunes the exit monitor loop.
type MonitorConfig struct {
	Interval    time.Duration
	Concurrency int
	// Wallet is used to look up the held quantity when a buy callback
	// carries no expected quantity.
	Wallet string
	// PendingBuyTTL is how long a timed-out buy is remembered for
	// reconciliation.
	PendingBuyTTL time.Duration
}

// PositionDeps groups the optional collaborators of PositionService.
type PositionDeps struct {
	Chain    domain.ChainClient
	Journal  domain.JournalStore
	Bus      domain.SignalBus
	Notifier domain.Notifier
	Metrics  *metrics.Metrics
}

// PositionService owns the position lifecycle: it opens positions on
// confirmed buys, evaluates exits on every monitor tick, dispatches sells and
// applies their confirmed outcome. It holds no position state of its own;
// the state store is the only authority.
type PositionService struct {
	store      domain.StateStore
	prices     PriceReader
	dispatcher domain.TradeDispatcher
	confirmer  Confirmer
	policy     ExitPolicy
	cfg        MonitorConfig
	chain      domain.ChainClient
	events     eventSink
	metrics    *metrics.Metrics
	logger     *slog.Logger
	now        func() time.Time
}

// NewPositionService creates a PositionService. The confirmer is attached
// later with SetConfirmer because the confirmation pipeline itself calls
// back into this service.
func NewPositionService(
	store domain.StateStore,
	prices PriceReader,
	dispatcher domain.TradeDispatcher,
	policy ExitPolicy,
	cfg MonitorConfig,
	deps PositionDeps,
	logger *slog.Logger,
) *PositionService {
	if cfg.Interval <= 0 {
		cfg.Interval = time.Second
	}
	if cfg.Concurrency <= 0 {
		cfg.Concurrency = 8
	}
	if cfg.PendingBuyTTL <= 0 {
		cfg.PendingBuyTTL = 10 * time.Minute
	}
	logger = logger.With(slog.String("component", "position_service"))
	return &PositionService{
		store:      store,
		prices:     prices,
		dispatcher: dispatcher,
		policy:     policy,
		cfg:        cfg,
		chain:      deps.Chain,
		events: eventSink{
			journal:  deps.Journal,
			bus:      deps.Bus,
			notifier: deps.Notifier,
			logger:   logger,
		},
		metrics: deps.Metrics,
		logger:  logger,
		now:     time.Now,
	}
}

// SetConfirmer attaches the confirmation pipeline used for sells.
func (s *PositionService) SetConfirmer(c Confirmer) {
	s.confirmer = c
}

// Run evaluates every open position once per interval until ctx is done.
func (s *PositionService) Run(ctx context.Context) error {
	s.logger.InfoContext(ctx, "position_service: monitor started",
		slog.Duration("interval", s.cfg.Interval),
		slog.Int("concurrency", s.cfg.Concurrency),
	)
	ticker := time.NewTicker(s.cfg.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			s.logger.Info("position_service: monitor stopped")
			return ctx.Err()
		case <-ticker.C:
			if err := s.Tick(ctx); err != nil && ctx.Err() == nil {
				s.logger.ErrorContext(ctx, "position_service: tick failed",
					slog.String("error", err.Error()),
				)
			}
		}
	}
}

// Tick evaluates all active positions concurrently. A failure on one
// position is logged and does not stop the others.
func (s *PositionService) Tick(ctx context.Context) error {
	start := s.now()
	positions, err := s.store.GetAllActivePositions(ctx)
	if err != nil {
		return fmt.Errorf("position_service: list positions: %w", err)
	}
	s.metrics.SetOpenPositions(len(positions))

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(s.cfg.Concurrency)
	for _, pos := range positions {
		g.Go(func() error {
			if err := s.EvaluatePosition(gctx, pos); err != nil {
				s.logger.ErrorContext(gctx, "position_service: evaluate failed",
					slog.String("mint", pos.Mint),
					slog.String("error", err.Error()),
				)
			}
			return nil
		})
	}
	_ = g.Wait()
	s.metrics.ObserveTick(s.now().Sub(start).Seconds())
	return nil
}

// EvaluatePosition updates the trailing stop of pos at the current price and
// dispatches a sell if an exit rule fires. Positions with a sell in flight
// and positions without a fresh price are skipped.
func (s *PositionService) EvaluatePosition(ctx context.Context, pos domain.Position) error {
	if pos.PendingSell || !pos.IsActive {
		return nil
	}

	price, _, err := s.prices.GetPrice(ctx, pos.Mint)
	if err != nil {
		if isPriceUnavailable(err) {
			s.logger.DebugContext(ctx, "position_service: no fresh price",
				slog.String("mint", pos.Mint),
				slog.String("error", err.Error()),
			)
			return nil
		}
		return err
	}

	if ts, changed := UpdateTrailing(pos, price); changed {
		armed := ts.Active && !pos.Trailing.Active
		pos.Trailing = ts
		if err := s.store.UpdatePosition(ctx, pos.Mint, domain.PositionUpdate{Trailing: &ts}); err != nil {
			if errors.Is(err, domain.ErrNotFound) {
				return nil
			}
			return fmt.Errorf("position_service: update trailing %s: %w", pos.Mint, err)
		}
		if armed {
			s.logger.InfoContext(ctx, "position_service: trailing stop armed",
				slog.String("mint", pos.Mint),
				slog.Float64("price", price),
				slog.Float64("trigger", ts.TriggerPrice),
			)
		}
	}

	d := s.policy.Evaluate(pos, price, s.now())
	if !d.Triggered() {
		return nil
	}

	s.logger.InfoContext(ctx, "position_service: exit triggered",
		slog.String("mint", pos.Mint),
		slog.String("symbol", pos.Symbol),
		slog.String("reason", string(d.Reason)),
		slog.Float64("price", price),
		slog.Float64("entry", pos.Entry),
		slog.Float64("profit_pct", pos.ProfitPct(price)),
		slog.Float64("fraction", d.Fraction),
	)
	s.metrics.IncExit(string(d.Reason))
	return s.dispatchSell(ctx, pos, d)
}

// dispatchSell claims the position's single sell slot, broadcasts the sell
// and hands its signature to the confirmation pipeline.
func (s *PositionService) dispatchSell(ctx context.Context, pos domain.Position, d ExitDecision) error {
	attempt, ok, err := s.store.ClaimSell(ctx, pos.Mint, s.now())
	if err != nil {
		if errors.Is(err, domain.ErrNotFound) {
			return nil
		}
		return fmt.Errorf("position_service: claim sell %s: %w", pos.Mint, err)
	}
	if !ok {
		s.logger.DebugContext(ctx, "position_service: sell already in flight",
			slog.String("mint", pos.Mint),
		)
		return nil
	}

	qty := pos.Quantity
	if d.Fraction < 1 {
		qty = roundPrice(pos.Quantity * d.Fraction)
	}
	intent := domain.SellIntent{
		Reason:         d.Reason,
		Fraction:       d.Fraction,
		QuantityBefore: pos.Quantity,
		TriggerPrice:   d.TriggerPrice,
		Moonbag:        d.Moonbag,
	}

	sig, err := s.dispatcher.SendSell(ctx, pos.Mint, qty, intent)
	if err != nil {
		s.metrics.IncBroadcast(string(domain.TxActionSell), "error")
		s.releaseSell(ctx, pos.Mint)
		return fmt.Errorf("position_service: send sell %s (attempt %d): %w", pos.Mint, attempt, err)
	}
	s.metrics.IncBroadcast(string(domain.TxActionSell), "ok")

	if err := s.store.UpdatePosition(ctx, pos.Mint, domain.PositionUpdate{PendingSellSig: &sig}); err != nil {
		s.logger.WarnContext(ctx, "position_service: record sell signature failed",
			slog.String("mint", pos.Mint),
			slog.String("signature", sig),
			slog.String("error", err.Error()),
		)
	}

	tx := domain.PendingTransaction{
		Signature:   sig,
		Action:      domain.TxActionSell,
		Mint:        pos.Mint,
		SubmittedAt: s.now(),
		Status:      domain.TxStatusPending,
		Sell:        &intent,
	}
	if s.confirmer == nil {
		return fmt.Errorf("position_service: sell %s broadcast without confirmer", sig)
	}
	if err := s.confirmer.Submit(tx); err != nil {
		// Stays pending; reconciliation clears it once it goes stale.
		s.logger.ErrorContext(ctx, "position_service: sell broadcast but not tracked",
			slog.String("mint", pos.Mint),
			slog.String("signature", sig),
			slog.String("error", err.Error()),
		)
	}

	s.events.emit(ctx, domain.PositionEvent{
		Event:     EventSellDispatched,
		Mint:      pos.Mint,
		Symbol:    pos.Symbol,
		Signature: sig,
		Reason:    string(d.Reason),
		Price:     d.TriggerPrice,
		Quantity:  qty,
		At:        s.now(),
	}, map[string]any{"attempt": attempt, "fraction": d.Fraction})
	return nil
}

func (s *PositionService) releaseSell(ctx context.Context, mint string) {
	err := s.store.UpdatePosition(ctx, mint, domain.PositionUpdate{ClearPendingSell: true})
	if err != nil && !errors.Is(err, domain.ErrNotFound) {
		s.logger.ErrorContext(ctx, "position_service: clear pending sell failed",
			slog.String("mint", mint),
			slog.String("error", err.Error()),
		)
	}
}

// firstDelivery marks the signature processed and reports whether this is
// the first time it was seen.
func (s *PositionService) firstDelivery(ctx context.Context, tx domain.PendingTransaction) (bool, error) {
	first, err := s.store.MarkTxProcessed(ctx, tx.Signature)
	if err != nil {
		return false, fmt.Errorf("position_service: mark %s processed: %w", tx.Signature, err)
	}
	if !first {
		s.logger.WarnContext(ctx, "position_service: duplicate confirmation ignored",
			slog.String("mint", tx.Mint),
			slog.String("signature", tx.Signature),
			slog.String("action", string(tx.Action)),
		)
	}
	return first, nil
}

// OnBuySuccess opens the position for a confirmed buy and releases the buy
// lock handed over by the executor.
func (s *PositionService) OnBuySuccess(ctx context.Context, tx domain.PendingTransaction) error {
	intent := domain.BuyIntent{}
	if tx.Buy != nil {
		intent = *tx.Buy
	}
	defer s.releaseBuyLock(ctx, tx.Mint, intent.LockToken)

	first, err := s.firstDelivery(ctx, tx)
	if err != nil || !first {
		return err
	}

	entry, qty := s.resolveFill(ctx, tx.Mint, intent)
	pos := s.policy.NewPosition(tx.Mint, intent, entry, qty, tx.Signature, s.now().UTC())
	if err := s.store.CreatePosition(ctx, pos); err != nil {
		if errors.Is(err, domain.ErrAlreadyExists) {
			s.logger.WarnContext(ctx, "position_service: position already open, buy not recorded",
				slog.String("mint", tx.Mint),
				slog.String("signature", tx.Signature),
			)
			return nil
		}
		return fmt.Errorf("position_service: create %s: %w", tx.Mint, err)
	}

	s.logger.InfoContext(ctx, "position_service: position opened",
		slog.String("mint", pos.Mint),
		slog.String("symbol", pos.Symbol),
		slog.String("signature", tx.Signature),
		slog.Float64("entry", pos.Entry),
		slog.Float64("quantity", pos.Quantity),
	)
	s.events.emit(ctx, domain.PositionEvent{
		Event:     EventBuyConfirmed,
		Mint:      pos.Mint,
		Symbol:    pos.Symbol,
		Signature: tx.Signature,
		Price:     pos.Entry,
		Quantity:  pos.Quantity,
		At:        pos.OpenedAt,
	}, map[string]any{"sol_amount": intent.SolAmount, "source": intent.Source})
	return nil
}

type lastKnownPricer interface {
	LastKnownPrice(ctx context.Context, mint string) (float64, error)
}

// resolveFill returns the entry price and quantity of a confirmed buy,
// falling back to the wallet balance and the price cache when the intent
// carries no hints.
func (s *PositionService) resolveFill(ctx context.Context, mint string, intent domain.BuyIntent) (float64, float64) {
	entry, qty := intent.ExpectedPrice, intent.ExpectedQty

	if qty <= 0 && s.chain != nil && s.cfg.Wallet != "" {
		balances, err := s.chain.HeldBalances(ctx, s.cfg.Wallet)
		if err != nil {
			s.logger.WarnContext(ctx, "position_service: balance lookup failed",
				slog.String("mint", mint),
				slog.String("error", err.Error()),
			)
		} else {
			qty = balances[mint]
		}
	}

	if entry <= 0 {
		if lk, ok := s.prices.(lastKnownPricer); ok {
			if p, err := lk.LastKnownPrice(ctx, mint); err == nil {
				entry = p
			}
		} else if p, _, err := s.prices.GetPrice(ctx, mint); err == nil {
			entry = p
		}
	}
	if entry <= 0 && qty > 0 && intent.SolAmount > 0 {
		entry = roundPrice(intent.SolAmount / qty)
	}
	return entry, qty
}

// OnBuyFailure handles a buy that did not confirm. An on-chain failure
// releases the buy lock and leaves the instrument tradable; a failed buy is
// never added to the ignore set. A timeout is ambiguous: the lock is left to
// expire and a pending-buy record blocks the instrument until
// reconciliation finds the balance or the record expires.
func (s *PositionService) OnBuyFailure(ctx context.Context, tx domain.PendingTransaction, outcome domain.TxOutcome) error {
	intent := domain.BuyIntent{}
	if tx.Buy != nil {
		intent = *tx.Buy
	}
	if outcome.Kind() == domain.KindAmbiguous {
		return s.onBuyUnconfirmed(ctx, tx, intent, outcome)
	}
	defer s.releaseBuyLock(ctx, tx.Mint, intent.LockToken)

	first, err := s.firstDelivery(ctx, tx)
	if err != nil || !first {
		return err
	}

	s.logger.WarnContext(ctx, "position_service: buy failed",
		slog.String("mint", tx.Mint),
		slog.String("signature", tx.Signature),
		slog.String("reason", outcome.Reason),
	)
	s.events.emit(ctx, domain.PositionEvent{
		Event:     EventBuyFailed,
		Mint:      tx.Mint,
		Signature: tx.Signature,
		Reason:    outcome.Reason,
		At:        s.now(),
	}, map[string]any{"kind": outcome.Kind().String()})
	return nil
}

func (s *PositionService) onBuyUnconfirmed(ctx context.Context, tx domain.PendingTransaction, intent domain.BuyIntent, outcome domain.TxOutcome) error {
	submitted := tx.SubmittedAt
	if submitted.IsZero() {
		submitted = s.now().UTC()
	}
	pb := domain.PendingBuy{
		Mint:        tx.Mint,
		Signature:   tx.Signature,
		Intent:      intent,
		SubmittedAt: submitted,
	}
	if err := s.store.SavePendingBuy(ctx, pb, s.cfg.PendingBuyTTL); err != nil {
		return fmt.Errorf("position_service: save pending buy %s: %w", tx.Mint, err)
	}

	s.logger.ErrorContext(ctx, "position_service: buy unconfirmed, awaiting reconciliation",
		slog.String("mint", tx.Mint),
		slog.String("signature", tx.Signature),
		slog.String("reason", outcome.Reason),
		slog.Duration("hold", s.cfg.PendingBuyTTL),
	)
	s.events.emit(ctx, domain.PositionEvent{
		Event:     EventBuyUnconfirmed,
		Mint:      tx.Mint,
		Symbol:    intent.Symbol,
		Signature: tx.Signature,
		Reason:    outcome.Reason,
		At:        s.now(),
	}, map[string]any{"kind": outcome.Kind().String(), "sol_amount": intent.SolAmount})
	return nil
}

func (s *PositionService) releaseBuyLock(ctx context.Context, mint, token string) {
	if token == "" {
		return
	}
	if err := s.store.Release(ctx, domain.BuyLockKey(mint), token); err != nil {
		s.logger.WarnContext(ctx, "position_service: buy lock release failed",
			slog.String("mint", mint),
			slog.String("error", err.Error()),
		)
	}
}

// OnSellSuccess applies a confirmed sell. A full sell removes the position
// and ignores the instrument from then on; a partial sell reduces the
// quantity and returns the position to monitoring.
func (s *PositionService) OnSellSuccess(ctx context.Context, tx domain.PendingTransaction) error {
	first, err := s.firstDelivery(ctx, tx)
	if err != nil || !first {
		return err
	}
	intent := domain.SellIntent{Fraction: 1}
	if tx.Sell != nil {
		intent = *tx.Sell
	}

	if intent.Full() {
		if err := s.store.RemovePosition(ctx, tx.Mint); err != nil {
			return fmt.Errorf("position_service: remove %s: %w", tx.Mint, err)
		}
		if err := s.store.AddIgnored(ctx, tx.Mint); err != nil {
			return fmt.Errorf("position_service: ignore %s: %w", tx.Mint, err)
		}
		s.logger.InfoContext(ctx, "position_service: position closed",
			slog.String("mint", tx.Mint),
			slog.String("signature", tx.Signature),
			slog.String("reason", string(intent.Reason)),
			slog.Float64("price", intent.TriggerPrice),
		)
		s.events.emit(ctx, domain.PositionEvent{
			Event:     EventPositionClosed,
			Mint:      tx.Mint,
			Signature: tx.Signature,
			Reason:    string(intent.Reason),
			Price:     intent.TriggerPrice,
			Quantity:  intent.QuantityBefore,
			At:        s.now(),
		}, nil)
		return nil
	}

	remaining := roundPrice(intent.QuantityBefore * (1 - intent.Fraction))
	upd := domain.PositionUpdate{Quantity: &remaining, ClearPendingSell: true}
	if intent.Moonbag {
		moon := true
		upd.IsMoonbag = &moon
		upd.ClearTakeProfit = true
	}
	if err := s.store.UpdatePosition(ctx, tx.Mint, upd); err != nil {
		if errors.Is(err, domain.ErrNotFound) {
			s.logger.WarnContext(ctx, "position_service: partial sell for a removed position",
				slog.String("mint", tx.Mint),
				slog.String("signature", tx.Signature),
			)
			return nil
		}
		return fmt.Errorf("position_service: reduce %s: %w", tx.Mint, err)
	}

	s.logger.InfoContext(ctx, "position_service: partial sell confirmed",
		slog.String("mint", tx.Mint),
		slog.String("signature", tx.Signature),
		slog.String("reason", string(intent.Reason)),
		slog.Float64("remaining", remaining),
		slog.Bool("moonbag", intent.Moonbag),
	)
	s.events.emit(ctx, domain.PositionEvent{
		Event:     EventSellConfirmed,
		Mint:      tx.Mint,
		Signature: tx.Signature,
		Reason:    string(intent.Reason),
		Price:     intent.TriggerPrice,
		Quantity:  remaining,
		At:        s.now(),
	}, map[string]any{"fraction": intent.Fraction, "moonbag": intent.Moonbag})
	return nil
}

// OnSellFailure returns the position to monitoring; the next qualifying tick
// retries the sell. A timeout is ambiguous and left to reconciliation if the
// sell landed after all.
func (s *PositionService) OnSellFailure(ctx context.Context, tx domain.PendingTransaction, outcome domain.TxOutcome) error {
	first, err := s.firstDelivery(ctx, tx)
	if err != nil || !first {
		return err
	}

	if err := s.store.UpdatePosition(ctx, tx.Mint, domain.PositionUpdate{ClearPendingSell: true}); err != nil &&
		!errors.Is(err, domain.ErrNotFound) {
		return fmt.Errorf("position_service: clear pending %s: %w", tx.Mint, err)
	}

	reason := ""
	if tx.Sell != nil {
		reason = string(tx.Sell.Reason)
	}
	s.logger.WarnContext(ctx, "position_service: sell not confirmed, will retry",
		slog.String("mint", tx.Mint),
		slog.String("signature", tx.Signature),
		slog.String("exit_reason", reason),
		slog.String("failure", outcome.Reason),
		slog.String("kind", outcome.Kind().String()),
	)
	s.events.emit(ctx, domain.PositionEvent{
		Event:     EventSellFailed,
		Mint:      tx.Mint,
		Signature: tx.Signature,
		Reason:    outcome.Reason,
		At:        s.now(),
	}, map[string]any{"exit_reason": reason, "kind": outcome.Kind().String()})
	return nil
}
