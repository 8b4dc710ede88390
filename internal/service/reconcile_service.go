package service

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"sort"
	"time"

	"github.com/agrozold/pumpfun-bonkfun-bot-sub001/internal/domain"
	"github.com/agrozold/pumpfun-bonkfun-bot-sub001/internal/metrics"
)

// ReconcileConfig tunes the reconciliation loop.
type ReconcileConfig struct {
	Wallet   string
	Interval time.Duration
	// GracePeriod keeps young positions whose buy has not settled into a
	// visible balance yet.
	GracePeriod time.Duration
	// QuantityTolerance is the relative drift below which the stored
	// quantity is left alone.
	QuantityTolerance float64
	// PendingSellTimeout is how long a sell may stay in flight before the
	// position is checked against its balance.
	PendingSellTimeout time.Duration
	// EmptySnapshots is how many consecutive empty balance reads are needed
	// before positions are treated as unbacked.
	EmptySnapshots int
	// Policy sets the exit thresholds of positions adopted from timed-out
	// buys that landed.
	Policy ExitPolicy
}

// ReconcileReport summarises one reconciliation pass.
type ReconcileReport struct {
	Checked        int
	Kept           int
	Removed        []string
	Corrected      []string
	PendingCleared []string
	Adopted        []string
	Orphans        []string
	Deferred       bool
}

// ReconcileService compares stored positions against on-chain balances and
// heals drift with merge-only writes.
type ReconcileService struct {
	store      domain.StateStore
	chain      domain.ChainClient
	cfg        ReconcileConfig
	events     eventSink
	metrics    *metrics.Metrics
	logger     *slog.Logger
	now        func() time.Time
	emptyReads int
}

// NewReconcileService creates a ReconcileService.
func NewReconcileService(store domain.StateStore, chain domain.ChainClient, cfg ReconcileConfig, deps PositionDeps, logger *slog.Logger) *ReconcileService {
	if cfg.Interval <= 0 {
		cfg.Interval = time.Minute
	}
	if cfg.QuantityTolerance <= 0 {
		cfg.QuantityTolerance = 0.01
	}
	if cfg.PendingSellTimeout <= 0 {
		cfg.PendingSellTimeout = 2 * time.Minute
	}
	if cfg.EmptySnapshots <= 0 {
		cfg.EmptySnapshots = 2
	}
	logger = logger.With(slog.String("component", "reconcile_service"))
	return &ReconcileService{
		store: store,
		chain: chain,
		cfg:   cfg,
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

// Run reconciles once immediately and then on every interval until ctx is
// done. A failed pass is logged and retried on the next interval.
func (s *ReconcileService) Run(ctx context.Context) error {
	s.logger.InfoContext(ctx, "reconcile_service: started",
		slog.Duration("interval", s.cfg.Interval),
		slog.Duration("grace", s.cfg.GracePeriod),
	)
	s.runPass(ctx)

	ticker := time.NewTicker(s.cfg.Interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			s.logger.Info("reconcile_service: stopped")
			return ctx.Err()
		case <-ticker.C:
			s.runPass(ctx)
		}
	}
}

func (s *ReconcileService) runPass(ctx context.Context) {
	rep, err := s.ReconcileOnce(ctx)
	if err != nil {
		if ctx.Err() == nil {
			s.logger.ErrorContext(ctx, "reconcile_service: pass failed", slog.String("error", err.Error()))
		}
		return
	}
	s.logger.InfoContext(ctx, "reconcile_service: pass complete",
		slog.Int("checked", rep.Checked),
		slog.Int("removed", len(rep.Removed)),
		slog.Int("corrected", len(rep.Corrected)),
		slog.Int("pending_cleared", len(rep.PendingCleared)),
		slog.Int("adopted", len(rep.Adopted)),
		slog.Int("orphans", len(rep.Orphans)),
		slog.Bool("deferred", rep.Deferred),
	)
}

// ReconcileOnce runs a single pass. A balance lookup failure aborts the pass
// without touching the store.
func (s *ReconcileService) ReconcileOnce(ctx context.Context) (ReconcileReport, error) {
	var rep ReconcileReport

	balances, err := s.chain.HeldBalances(ctx, s.cfg.Wallet)
	if err != nil {
		return rep, fmt.Errorf("reconcile_service: held balances: %w", err)
	}
	positions, err := s.store.GetAllActivePositions(ctx)
	if err != nil {
		return rep, fmt.Errorf("reconcile_service: list positions: %w", err)
	}
	rep.Checked = len(positions)

	// An empty wallet while positions are open is more often a flaky RPC
	// answer than a real liquidation.
	if len(balances) == 0 && len(positions) > 0 {
		s.emptyReads++
		if s.emptyReads < s.cfg.EmptySnapshots {
			s.logger.WarnContext(ctx, "reconcile_service: empty balance snapshot, deferring",
				slog.Int("positions", len(positions)),
				slog.Int("empty_reads", s.emptyReads),
			)
			s.metrics.IncReconcile("deferred")
			rep.Deferred = true
			return rep, nil
		}
	} else {
		s.emptyReads = 0
	}

	now := s.now()
	known := make(map[string]bool, len(positions))
	for _, pos := range positions {
		known[pos.Mint] = true
		if err := s.reconcilePosition(ctx, pos, balances[pos.Mint], now, &rep); err != nil {
			s.logger.ErrorContext(ctx, "reconcile_service: position failed",
				slog.String("mint", pos.Mint),
				slog.String("error", err.Error()),
			)
		}
	}

	for mint, qty := range balances {
		if known[mint] || qty <= 0 {
			continue
		}
		ignored, err := s.store.IsIgnored(ctx, mint)
		if err != nil || ignored {
			continue
		}

		pb, err := s.store.GetPendingBuy(ctx, mint)
		switch {
		case err == nil:
			if err := s.adoptBuy(ctx, pb, qty, now, &rep); err != nil {
				s.logger.ErrorContext(ctx, "reconcile_service: adopt buy failed",
					slog.String("mint", mint),
					slog.String("error", err.Error()),
				)
			}
			continue
		case !errors.Is(err, domain.ErrNotFound):
			s.logger.WarnContext(ctx, "reconcile_service: pending buy lookup failed",
				slog.String("mint", mint),
				slog.String("error", err.Error()),
			)
			continue
		}

		rep.Orphans = append(rep.Orphans, mint)
		s.logger.InfoContext(ctx, "reconcile_service: untracked holding",
			slog.String("mint", mint),
			slog.Float64("balance", qty),
		)
	}
	sort.Strings(rep.Orphans)
	sort.Strings(rep.Adopted)
	return rep, nil
}

// adoptBuy opens the position of a timed-out buy whose tokens showed up in
// the wallet. The held balance is the quantity; the entry is the signal's
// expected price, or the SOL spent per token when there was none.
func (s *ReconcileService) adoptBuy(ctx context.Context, pb domain.PendingBuy, balance float64, now time.Time, rep *ReconcileReport) error {
	entry := pb.Intent.ExpectedPrice
	if entry <= 0 && pb.Intent.SolAmount > 0 {
		entry = roundPrice(pb.Intent.SolAmount / balance)
	}
	opened := pb.SubmittedAt
	if opened.IsZero() {
		opened = now
	}

	pos := s.cfg.Policy.NewPosition(pb.Mint, pb.Intent, entry, balance, pb.Signature, opened.UTC())
	err := s.store.CreatePosition(ctx, pos)
	switch {
	case errors.Is(err, domain.ErrAlreadyExists):
		// Opened by a late callback in the meantime.
	case err != nil:
		return fmt.Errorf("reconcile_service: create %s: %w", pb.Mint, err)
	default:
		if _, err := s.store.MarkTxProcessed(ctx, pb.Signature); err != nil {
			s.logger.WarnContext(ctx, "reconcile_service: mark adopted buy processed failed",
				slog.String("signature", pb.Signature),
				slog.String("error", err.Error()),
			)
		}
		rep.Adopted = append(rep.Adopted, pb.Mint)
		s.metrics.IncReconcile("adopted")
		s.logger.WarnContext(ctx, "reconcile_service: timed-out buy landed, position adopted",
			slog.String("mint", pb.Mint),
			slog.String("signature", pb.Signature),
			slog.Float64("entry", entry),
			slog.Float64("quantity", balance),
		)
		s.events.emit(ctx, domain.PositionEvent{
			Event:     EventBuyAdopted,
			Mint:      pb.Mint,
			Symbol:    pb.Intent.Symbol,
			Signature: pb.Signature,
			Price:     entry,
			Quantity:  balance,
			At:        now,
		}, map[string]any{"submitted_at": pb.SubmittedAt})
	}

	if err := s.store.ClearPendingBuy(ctx, pb.Mint); err != nil {
		return fmt.Errorf("reconcile_service: clear pending buy %s: %w", pb.Mint, err)
	}
	return nil
}

func (s *ReconcileService) reconcilePosition(ctx context.Context, pos domain.Position, balance float64, now time.Time, rep *ReconcileReport) error {
	if pos.PendingSell {
		if now.Sub(pos.PendingSince) < s.cfg.PendingSellTimeout {
			rep.Kept++
			return nil
		}
		return s.resolveStalePending(ctx, pos, balance, rep)
	}

	if balance <= 0 {
		if pos.Age(now) < s.cfg.GracePeriod {
			rep.Kept++
			return nil
		}
		return s.removePhantom(ctx, pos, rep)
	}

	if s.drifted(pos.Quantity, balance) {
		return s.correctQuantity(ctx, pos, balance, rep)
	}
	rep.Kept++
	return nil
}

// resolveStalePending settles a sell whose confirmation never arrived. A
// zero balance means the sell landed.
func (s *ReconcileService) resolveStalePending(ctx context.Context, pos domain.Position, balance float64, rep *ReconcileReport) error {
	if balance <= 0 {
		return s.removePhantom(ctx, pos, rep)
	}

	upd := domain.PositionUpdate{ClearPendingSell: true}
	if s.drifted(pos.Quantity, balance) {
		upd.Quantity = &balance
	}
	if err := s.store.UpdatePosition(ctx, pos.Mint, upd); err != nil {
		if errors.Is(err, domain.ErrNotFound) {
			return nil
		}
		return fmt.Errorf("reconcile_service: clear pending %s: %w", pos.Mint, err)
	}
	rep.PendingCleared = append(rep.PendingCleared, pos.Mint)
	s.metrics.IncReconcile("pending_cleared")
	s.logger.WarnContext(ctx, "reconcile_service: stale pending sell cleared",
		slog.String("mint", pos.Mint),
		slog.String("signature", pos.PendingSellSig),
		slog.Time("pending_since", pos.PendingSince),
		slog.Float64("balance", balance),
	)
	s.events.emit(ctx, domain.PositionEvent{
		Event:     EventPendingSellCleared,
		Mint:      pos.Mint,
		Symbol:    pos.Symbol,
		Signature: pos.PendingSellSig,
		Quantity:  balance,
		At:        s.now(),
	}, map[string]any{"stored_quantity": pos.Quantity})
	return nil
}

func (s *ReconcileService) removePhantom(ctx context.Context, pos domain.Position, rep *ReconcileReport) error {
	if err := s.store.RemovePosition(ctx, pos.Mint); err != nil {
		return fmt.Errorf("reconcile_service: remove %s: %w", pos.Mint, err)
	}
	// A position that was being sold is gone for good.
	if pos.SellAttempts > 0 {
		if err := s.store.AddIgnored(ctx, pos.Mint); err != nil {
			return fmt.Errorf("reconcile_service: ignore %s: %w", pos.Mint, err)
		}
	}
	rep.Removed = append(rep.Removed, pos.Mint)
	s.metrics.IncReconcile("phantom_removed")
	s.logger.WarnContext(ctx, "reconcile_service: PhantomPositionDrift, position removed",
		slog.String("mint", pos.Mint),
		slog.String("symbol", pos.Symbol),
		slog.Float64("stored_quantity", pos.Quantity),
		slog.Time("opened_at", pos.OpenedAt),
		slog.Int("sell_attempts", pos.SellAttempts),
	)
	s.events.emit(ctx, domain.PositionEvent{
		Event:    EventPhantomRemoved,
		Mint:     pos.Mint,
		Symbol:   pos.Symbol,
		Quantity: pos.Quantity,
		At:       s.now(),
	}, map[string]any{"sell_attempts": pos.SellAttempts})
	return nil
}

func (s *ReconcileService) correctQuantity(ctx context.Context, pos domain.Position, balance float64, rep *ReconcileReport) error {
	if err := s.store.UpdatePosition(ctx, pos.Mint, domain.PositionUpdate{Quantity: &balance}); err != nil {
		if errors.Is(err, domain.ErrNotFound) {
			return nil
		}
		return fmt.Errorf("reconcile_service: correct %s: %w", pos.Mint, err)
	}
	rep.Corrected = append(rep.Corrected, pos.Mint)
	s.metrics.IncReconcile("quantity_corrected")
	s.logger.WarnContext(ctx, "reconcile_service: quantity corrected",
		slog.String("mint", pos.Mint),
		slog.Float64("stored", pos.Quantity),
		slog.Float64("balance", balance),
	)
	s.events.emit(ctx, domain.PositionEvent{
		Event:    EventQuantityCorrected,
		Mint:     pos.Mint,
		Symbol:   pos.Symbol,
		Quantity: balance,
		At:       s.now(),
	}, map[string]any{"stored_quantity": pos.Quantity})
	return nil
}

func (s *ReconcileService) drifted(stored, balance float64) bool {
	if stored <= 0 {
		return balance > 0
	}
	return math.Abs(balance-stored)/stored > s.cfg.QuantityTolerance
}
