package executor

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/agrozold/pumpfun-bonkfun-bot-sub001/internal/domain"
	"github.com/agrozold/pumpfun-bonkfun-bot-sub001/internal/metrics"
)

// Confirmer accepts broadcast transactions for confirmation tracking.
type Confirmer interface {
	Submit(tx domain.PendingTransaction) error
	Saturated() bool
}

// Outcome is what happened to a signal.
type Outcome string

const (
	OutcomeBought         Outcome = "bought"
	OutcomeDuplicate      Outcome = "duplicate"
	OutcomeInvalid        Outcome = "invalid"
	OutcomeStale          Outcome = "stale"
	OutcomeRejected       Outcome = "rejected"
	OutcomeLimit          Outcome = "position_limit"
	OutcomeBackpressure   Outcome = "backpressure"
	OutcomeLockHeld       Outcome = "lock_held"
	OutcomeDispatchFailed Outcome = "dispatch_failed"
	OutcomeUntracked      Outcome = "untracked"
	OutcomeError          Outcome = "error"
)

// Config tunes the executor.
type Config struct {
	HolderID         string        // prefix of buy-lock tokens
	BuyAmountSOL     float64       // used when a signal carries no amount
	MaxSignalAge     time.Duration // zero disables the staleness check
	MaxOpenPositions int           // zero disables the cap
	DedupTTL         time.Duration
	Workers          int
}

// Executor reads trade signals from a channel, filters them through the
// dedup and exclusion gate, broadcasts buys through the dispatcher and hands
// the signatures to the confirmation pipeline.
type Executor struct {
	signalCh   <-chan domain.TradeSignal
	store      domain.StateStore
	gate       *Gate
	dispatcher domain.TradeDispatcher
	confirmer  Confirmer
	dedup      *Dedup
	cfg        Config
	metrics    *metrics.Metrics
	logger     *slog.Logger
	now        func() time.Time
}

// NewExecutor creates an Executor.
func NewExecutor(
	signalCh <-chan domain.TradeSignal,
	store domain.StateStore,
	gate *Gate,
	dispatcher domain.TradeDispatcher,
	confirmer Confirmer,
	cfg Config,
	m *metrics.Metrics,
	logger *slog.Logger,
) *Executor {
	if cfg.DedupTTL <= 0 {
		cfg.DedupTTL = 2 * time.Minute
	}
	if cfg.Workers <= 0 {
		cfg.Workers = 4
	}
	if cfg.HolderID == "" {
		cfg.HolderID = "executor"
	}
	return &Executor{
		signalCh:   signalCh,
		store:      store,
		gate:       gate,
		dispatcher: dispatcher,
		confirmer:  confirmer,
		dedup:      NewDedup(cfg.DedupTTL),
		cfg:        cfg,
		metrics:    m,
		logger:     logger.With(slog.String("component", "executor")),
		now:        time.Now,
	}
}

// Run processes signals until the context is cancelled or the channel is
// closed. Up to cfg.Workers signals are handled concurrently; the gate
// serializes work on the same instrument.
func (e *Executor) Run(ctx context.Context) error {
	e.logger.Info("executor started", slog.Int("workers", e.cfg.Workers))
	defer e.logger.Info("executor stopped")

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(e.cfg.Workers)

	for {
		select {
		case <-ctx.Done():
			_ = g.Wait()
			e.drain()
			return ctx.Err()

		case sig, ok := <-e.signalCh:
			if !ok {
				return g.Wait()
			}
			g.Go(func() error {
				e.Handle(gctx, sig)
				return nil
			})
		}
	}
}

// Handle runs one signal through the full buy path and reports its outcome.
func (e *Executor) Handle(ctx context.Context, sig domain.TradeSignal) Outcome {
	log := e.logger.With(
		slog.String("signal_id", sig.Key()),
		slog.String("source", sig.SourceLabel),
		slog.String("mint", sig.Mint),
	)
	out, err := e.handle(ctx, sig, log)
	e.metrics.IncSignal(string(out))
	switch {
	case err != nil:
		log.Error("signal failed", slog.String("outcome", string(out)), slog.String("error", err.Error()))
	case out == OutcomeBought:
	default:
		log.Debug("signal skipped", slog.String("outcome", string(out)))
	}
	return out
}

func (e *Executor) handle(ctx context.Context, sig domain.TradeSignal, log *slog.Logger) (Outcome, error) {
	// 1. Shape and staleness.
	if err := sig.Validate(); err != nil {
		return OutcomeInvalid, nil
	}
	if e.cfg.MaxSignalAge > 0 && !sig.Timestamp.IsZero() && e.now().Sub(sig.Timestamp) > e.cfg.MaxSignalAge {
		return OutcomeStale, nil
	}

	// 2. In-process dedup.
	if e.dedup.IsDuplicate(sig.Key()) {
		return OutcomeDuplicate, nil
	}

	// 3. Cross-process idempotency on the source transaction.
	if sig.Signature != "" {
		first, err := e.store.MarkTxProcessed(ctx, "signal:"+sig.Signature)
		if err != nil {
			return OutcomeError, fmt.Errorf("executor: mark signal: %w", err)
		}
		if !first {
			return OutcomeDuplicate, nil
		}
	}

	// 4. Exclusion gate.
	ok, reason, err := e.gate.CanBuy(ctx, sig.Mint)
	if err != nil {
		return OutcomeError, err
	}
	if !ok {
		log.Debug("buy rejected by gate", slog.String("reason", reason))
		return OutcomeRejected, nil
	}

	if e.cfg.MaxOpenPositions > 0 {
		open, err := e.store.GetAllActivePositions(ctx)
		if err != nil {
			return OutcomeError, fmt.Errorf("executor: count positions: %w", err)
		}
		if len(open) >= e.cfg.MaxOpenPositions {
			return OutcomeLimit, nil
		}
	}

	// 5. Refuse before broadcasting if the pipeline cannot take the result.
	if e.confirmer.Saturated() {
		log.Warn("confirmation pipeline saturated, skipping buy")
		return OutcomeBackpressure, nil
	}

	// 6. Scoped lock around the broadcast.
	holder := e.cfg.HolderID + ":" + uuid.NewString()
	var out Outcome
	err = e.gate.WithBuyLock(ctx, sig.Mint, holder, func(lease *Lease) error {
		var berr error
		out, berr = e.buy(ctx, sig, lease, log)
		return berr
	})
	if errors.Is(err, domain.ErrLockHeld) {
		return OutcomeLockHeld, nil
	}
	if err != nil && out == "" {
		out = OutcomeError
	}
	return out, err
}

func (e *Executor) buy(ctx context.Context, sig domain.TradeSignal, lease *Lease, log *slog.Logger) (Outcome, error) {
	// The lock is ours; re-check state a confirmation may have changed since
	// CanBuy.
	exists, err := e.store.PositionExists(ctx, sig.Mint)
	if err != nil {
		return OutcomeError, fmt.Errorf("executor: recheck %s: %w", sig.Mint, err)
	}
	if exists {
		return OutcomeRejected, nil
	}

	amount := sig.SolAmount
	if amount <= 0 {
		amount = e.cfg.BuyAmountSOL
	}
	intent := domain.BuyIntent{
		Symbol:        sig.Symbol,
		Platform:      sig.Platform,
		Source:        sig.SourceLabel,
		SolAmount:     amount,
		ExpectedPrice: sig.ExpectedPrice,
		ExpectedQty:   sig.ExpectedQty,
		LockToken:     lease.Token,
	}

	signature, err := e.dispatcher.SendBuy(ctx, sig.Mint, amount, intent)
	if err != nil {
		e.metrics.IncBroadcast(string(domain.TxActionBuy), "error")
		return OutcomeDispatchFailed, fmt.Errorf("executor: send buy %s: %w", sig.Mint, err)
	}
	e.metrics.IncBroadcast(string(domain.TxActionBuy), "ok")

	tx := domain.PendingTransaction{
		Signature:   signature,
		Action:      domain.TxActionBuy,
		Mint:        sig.Mint,
		SubmittedAt: e.now(),
		Status:      domain.TxStatusPending,
		Buy:         &intent,
	}
	if err := e.confirmer.Submit(tx); err != nil {
		// Already on chain; reconciliation reports the orphan balance.
		log.Error("buy broadcast but not tracked",
			slog.String("signature", signature),
			slog.String("error", err.Error()),
		)
		return OutcomeUntracked, nil
	}

	// The buy callback releases the lock once the outcome is known.
	lease.Detach()
	log.Info("buy broadcast",
		slog.String("signature", signature),
		slog.Float64("sol_amount", amount),
	)
	return OutcomeBought, nil
}

// drain empties the signal channel after shutdown so that producers are not
// left blocked.
func (e *Executor) drain() {
	n := 0
	for {
		select {
		case _, ok := <-e.signalCh:
			if !ok {
				if n > 0 {
					e.logger.Warn("dropped pending signals on shutdown", slog.Int("count", n))
				}
				return
			}
			n++
		default:
			if n > 0 {
				e.logger.Warn("dropped pending signals on shutdown", slog.Int("count", n))
			}
			return
		}
	}
}
