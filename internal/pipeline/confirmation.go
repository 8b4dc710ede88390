// Package pipeline turns fire-and-forget transaction broadcasts into
// exactly-once success or failure callbacks.
package pipeline

import (
	"context"
	"fmt"
	"log/slog"
	"runtime/debug"
	"sync"
	"sync/atomic"
	"time"

	"github.com/panjf2000/ants/v2"

	"github.com/agrozold/pumpfun-bonkfun-bot-sub001/internal/domain"
	"github.com/agrozold/pumpfun-bonkfun-bot-sub001/internal/metrics"
)

// Handler receives the terminal outcome of every tracked transaction.
// Exactly one method is called per transaction, and none if the pipeline is
// stopped before the outcome is known.
type Handler interface {
	OnBuySuccess(ctx context.Context, tx domain.PendingTransaction) error
	OnBuyFailure(ctx context.Context, tx domain.PendingTransaction, outcome domain.TxOutcome) error
	OnSellSuccess(ctx context.Context, tx domain.PendingTransaction) error
	OnSellFailure(ctx context.Context, tx domain.PendingTransaction, outcome domain.TxOutcome) error
}

// Config tunes the pipeline.
type Config struct {
	QueueSize    int
	Workers      int
	SettleDelay  time.Duration
	PollInterval time.Duration
	MaxWait      time.Duration
	// CallbackTimeout bounds each callback. Callbacks run on a context that
	// survives pipeline shutdown so a decided outcome is always recorded.
	CallbackTimeout time.Duration
}

func (c Config) withDefaults() Config {
	if c.QueueSize <= 0 {
		c.QueueSize = 256
	}
	if c.Workers <= 0 {
		c.Workers = 16
	}
	if c.PollInterval <= 0 {
		c.PollInterval = time.Second
	}
	if c.MaxWait <= 0 {
		c.MaxWait = 15 * time.Second
	}
	if c.CallbackTimeout <= 0 {
		c.CallbackTimeout = 10 * time.Second
	}
	return c
}

// Confirmation is a bounded intake queue drained by an ants worker pool.
// Each worker follows one transaction: it waits the settle delay, then polls
// the chain's signature status until the transaction is confirmed, fails
// on-chain, or MaxWait elapses.
type Confirmation struct {
	chain   domain.ChainClient
	handler Handler
	cfg     Config
	metrics *metrics.Metrics
	logger  *slog.Logger

	intake   chan domain.PendingTransaction
	pool     *ants.Pool
	cancel   context.CancelFunc
	tasks    sync.WaitGroup
	loop     sync.WaitGroup
	closed   atomic.Bool
	started  atomic.Bool
	inFlight atomic.Int64
}

// NewConfirmation creates a pipeline. Call Start before transactions are
// expected to make progress; Submit may be called earlier.
func NewConfirmation(chain domain.ChainClient, handler Handler, cfg Config, m *metrics.Metrics, logger *slog.Logger) *Confirmation {
	cfg = cfg.withDefaults()
	return &Confirmation{
		chain:   chain,
		handler: handler,
		cfg:     cfg,
		metrics: m,
		logger:  logger.With(slog.String("component", "confirmation")),
		intake:  make(chan domain.PendingTransaction, cfg.QueueSize),
	}
}

// Submit enqueues tx without blocking. It returns domain.ErrQueueFull when
// the intake queue is at capacity and domain.ErrPipelineClosed after Stop.
func (p *Confirmation) Submit(tx domain.PendingTransaction) error {
	if p.closed.Load() {
		return domain.ErrPipelineClosed
	}
	if err := tx.Validate(); err != nil {
		return fmt.Errorf("pipeline: submit: %w", err)
	}
	if tx.SubmittedAt.IsZero() {
		tx.SubmittedAt = time.Now()
	}
	tx.Status = domain.TxStatusPending

	select {
	case p.intake <- tx:
		p.metrics.SetQueueDepth(len(p.intake))
		return nil
	default:
		p.logger.Warn("confirmation queue full",
			slog.String("signature", tx.Signature),
			slog.String("mint", tx.Mint),
		)
		return domain.ErrQueueFull
	}
}

// Saturated reports whether Submit would currently reject.
func (p *Confirmation) Saturated() bool {
	return len(p.intake) >= cap(p.intake)
}

// Depth returns the number of queued transactions.
func (p *Confirmation) Depth() int { return len(p.intake) }

// InFlight returns the number of transactions being polled.
func (p *Confirmation) InFlight() int { return int(p.inFlight.Load()) }

// Start launches the worker pool and the dispatch loop.
func (p *Confirmation) Start(ctx context.Context) error {
	if !p.started.CompareAndSwap(false, true) {
		return fmt.Errorf("pipeline: already started")
	}
	pool, err := ants.NewPool(p.cfg.Workers, ants.WithPanicHandler(func(r any) {
		p.logger.Error("confirmation worker panic",
			slog.Any("panic", r),
			slog.String("stack", string(debug.Stack())),
		)
	}))
	if err != nil {
		return fmt.Errorf("pipeline: create pool: %w", err)
	}
	p.pool = pool

	ctx, cancel := context.WithCancel(ctx)
	p.cancel = cancel

	p.loop.Add(1)
	go p.dispatch(ctx)

	p.logger.Info("confirmation pipeline started",
		slog.Int("workers", p.cfg.Workers),
		slog.Int("queue_size", p.cfg.QueueSize),
		slog.Duration("max_wait", p.cfg.MaxWait),
	)
	return nil
}

// Stop cancels every in-flight confirmation and waits for the workers to
// exit. Cancelled and still-queued transactions fire no callback; their
// outcome is left for reconciliation.
func (p *Confirmation) Stop() {
	if !p.closed.CompareAndSwap(false, true) {
		return
	}
	if p.cancel != nil {
		p.cancel()
	}
	p.loop.Wait()
	p.tasks.Wait()
	if p.pool != nil {
		p.pool.Release()
	}

	dropped := 0
	for drained := false; !drained; {
		select {
		case tx := <-p.intake:
			dropped++
			p.logger.Warn("unconfirmed transaction dropped on shutdown",
				slog.String("signature", tx.Signature),
				slog.String("action", string(tx.Action)),
				slog.String("mint", tx.Mint),
			)
		default:
			drained = true
		}
	}
	p.logger.Info("confirmation pipeline stopped", slog.Int("dropped", dropped))
}

// Run starts the pipeline and blocks until ctx is done, then stops it.
func (p *Confirmation) Run(ctx context.Context) error {
	if err := p.Start(ctx); err != nil {
		return err
	}
	<-ctx.Done()
	p.Stop()
	return nil
}

func (p *Confirmation) dispatch(ctx context.Context) {
	defer p.loop.Done()
	for {
		select {
		case <-ctx.Done():
			return
		case tx := <-p.intake:
			p.metrics.SetQueueDepth(len(p.intake))
			p.tasks.Add(1)
			err := p.pool.Submit(func() {
				defer p.tasks.Done()
				p.track(ctx, tx)
			})
			if err != nil {
				p.tasks.Done()
				p.logger.Error("confirmation task rejected",
					slog.String("signature", tx.Signature),
					slog.String("error", err.Error()),
				)
			}
		}
	}
}

func (p *Confirmation) track(ctx context.Context, tx domain.PendingTransaction) {
	p.metrics.SetInFlight(int(p.inFlight.Add(1)))
	defer func() { p.metrics.SetInFlight(int(p.inFlight.Add(-1))) }()

	outcome, ok := p.await(ctx, tx)
	if !ok {
		p.logger.Info("confirmation cancelled",
			slog.String("signature", tx.Signature),
			slog.String("mint", tx.Mint),
		)
		return
	}
	tx.Status = outcome.Status
	tx.LastError = outcome.Reason
	p.metrics.ObserveConfirmation(string(tx.Action), string(outcome.Status), time.Since(tx.SubmittedAt).Seconds())
	p.fire(ctx, tx, outcome)
}

// await polls until the outcome is known. ok is false if ctx was cancelled
// first.
func (p *Confirmation) await(ctx context.Context, tx domain.PendingTransaction) (outcome domain.TxOutcome, ok bool) {
	log := p.logger.With(slog.String("signature", tx.Signature), slog.String("mint", tx.Mint))
	deadline := tx.SubmittedAt.Add(p.cfg.MaxWait)

	if !sleep(ctx, p.cfg.SettleDelay) {
		return domain.TxOutcome{}, false
	}

	for {
		statuses, err := p.chain.SignatureStatuses(ctx, []string{tx.Signature})
		switch {
		case ctx.Err() != nil:
			return domain.TxOutcome{}, false
		case err != nil:
			log.Debug("signature status lookup failed", slog.String("error", err.Error()))
		case len(statuses) > 0 && statuses[0].Found:
			st := statuses[0]
			if st.Err != "" {
				log.Warn("transaction failed on-chain", slog.String("chain_error", st.Err))
				return domain.TxOutcome{Status: domain.TxStatusFailed, Reason: domain.ReasonFailedOnChain}, true
			}
			if st.Confirmed {
				return domain.TxOutcome{Status: domain.TxStatusConfirmed}, true
			}
		}

		if !time.Now().Before(deadline) {
			log.Warn("confirmation timed out", slog.Duration("max_wait", p.cfg.MaxWait))
			return domain.TxOutcome{Status: domain.TxStatusTimeout, Reason: domain.ReasonTimeout}, true
		}
		if !sleep(ctx, p.cfg.PollInterval) {
			return domain.TxOutcome{}, false
		}
	}
}

// fire invokes the matching callback. Errors and panics are logged and never
// reach the poller.
func (p *Confirmation) fire(parent context.Context, tx domain.PendingTransaction, outcome domain.TxOutcome) {
	ctx, cancel := context.WithTimeout(context.WithoutCancel(parent), p.cfg.CallbackTimeout)
	defer cancel()

	defer func() {
		if r := recover(); r != nil {
			p.metrics.IncCallbackError(string(tx.Action))
			p.logger.Error("confirmation callback panic",
				slog.String("signature", tx.Signature),
				slog.String("action", string(tx.Action)),
				slog.Any("panic", r),
				slog.String("stack", string(debug.Stack())),
			)
		}
	}()

	var err error
	success := outcome.Status == domain.TxStatusConfirmed
	switch {
	case tx.Action == domain.TxActionBuy && success:
		err = p.handler.OnBuySuccess(ctx, tx)
	case tx.Action == domain.TxActionBuy:
		err = p.handler.OnBuyFailure(ctx, tx, outcome)
	case success:
		err = p.handler.OnSellSuccess(ctx, tx)
	default:
		err = p.handler.OnSellFailure(ctx, tx, outcome)
	}
	if err != nil {
		p.metrics.IncCallbackError(string(tx.Action))
		p.logger.Error("confirmation callback failed",
			slog.String("signature", tx.Signature),
			slog.String("action", string(tx.Action)),
			slog.String("status", string(outcome.Status)),
			slog.String("error", err.Error()),
		)
	}
}

func sleep(ctx context.Context, d time.Duration) bool {
	if d <= 0 {
		return ctx.Err() == nil
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-t.C:
		return true
	}
}
