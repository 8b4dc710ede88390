package executor

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/agrozold/pumpfun-bonkfun-bot-sub001/internal/domain"
	"github.com/agrozold/pumpfun-bonkfun-bot-sub001/internal/metrics"
)

// LockFailPolicy decides what TryAcquire does when the state store cannot
// be reached. It only covers the lock calls: CanBuy reads positions, the
// ignore set and pending buys first and those reads fail closed, so during
// a full store outage no buy gets through under either policy. FailOpen
// matters when the lock call alone fails.
type LockFailPolicy string

const (
	// FailOpen grants the lock without the store. Exclusivity across
	// processes is lost until the store is back.
	FailOpen LockFailPolicy = "open"
	// FailClosed refuses the lock, so no buys happen during an outage.
	FailClosed LockFailPolicy = "closed"
)

// Gate decides whether a buy for an instrument may proceed and hands out the
// per-instrument buy lock.
type Gate struct {
	store   domain.StateStore
	ttl     time.Duration
	policy  LockFailPolicy
	metrics *metrics.Metrics
	logger  *slog.Logger
}

// NewGate creates a Gate. ttl bounds how long a crashed holder blocks the
// instrument.
func NewGate(store domain.StateStore, ttl time.Duration, policy LockFailPolicy, m *metrics.Metrics, logger *slog.Logger) *Gate {
	if policy != FailClosed {
		policy = FailOpen
	}
	return &Gate{
		store:   store,
		ttl:     ttl,
		policy:  policy,
		metrics: m,
		logger:  logger.With(slog.String("component", "gate")),
	}
}

// TryAcquire returns true only if this call created the buy lock for mint
// with holderID as its token. A cheap existence check runs first so that
// obvious duplicates never reach the set-if-absent.
func (g *Gate) TryAcquire(ctx context.Context, mint, holderID string) (bool, error) {
	key := domain.BuyLockKey(mint)

	held, err := g.store.Held(ctx, key)
	if err == nil && held {
		return false, nil
	}
	if err != nil && !domain.IsStoreUnavailable(err) {
		return false, fmt.Errorf("gate: lock check %s: %w", mint, err)
	}

	ok, err := g.store.TryAcquire(ctx, key, holderID, g.ttl)
	if err != nil {
		return g.onStoreError(mint, err)
	}
	return ok, nil
}

func (g *Gate) onStoreError(mint string, err error) (bool, error) {
	if !domain.IsStoreUnavailable(err) {
		return false, fmt.Errorf("gate: acquire %s: %w", mint, err)
	}
	if g.policy == FailClosed {
		g.logger.Error("state store unavailable, refusing buy lock",
			slog.String("mint", mint),
			slog.String("error", err.Error()),
		)
		return false, fmt.Errorf("gate: acquire %s: %w", mint, err)
	}
	g.metrics.IncLockFailOpen()
	g.logger.Warn("state store unavailable, granting buy lock without exclusivity",
		slog.String("mint", mint),
		slog.String("error", err.Error()),
	)
	return true, nil
}

// Release deletes the buy lock if holderID still owns it. Errors are logged
// only; the TTL heals a lock that could not be released.
func (g *Gate) Release(ctx context.Context, mint, holderID string) {
	if err := g.store.Release(ctx, domain.BuyLockKey(mint), holderID); err != nil {
		g.logger.Warn("buy lock release failed",
			slog.String("mint", mint),
			slog.String("error", err.Error()),
		)
	}
}

// CanBuy reports whether mint is neither held, permanently ignored, waiting
// on a timed-out buy, nor locked. Position reads fail closed: a store error is returned, never
// treated as "absent". reason is set when ok is false.
func (g *Gate) CanBuy(ctx context.Context, mint string) (ok bool, reason string, err error) {
	exists, err := g.store.PositionExists(ctx, mint)
	if err != nil {
		return false, "", fmt.Errorf("gate: position exists %s: %w", mint, err)
	}
	if exists {
		return false, "position_open", nil
	}

	ignored, err := g.store.IsIgnored(ctx, mint)
	if err != nil {
		return false, "", fmt.Errorf("gate: ignored %s: %w", mint, err)
	}
	if ignored {
		return false, "ignored", nil
	}

	_, err = g.store.GetPendingBuy(ctx, mint)
	switch {
	case err == nil:
		return false, "buy_pending", nil
	case !errors.Is(err, domain.ErrNotFound):
		return false, "", fmt.Errorf("gate: pending buy %s: %w", mint, err)
	}

	held, err := g.store.Held(ctx, domain.BuyLockKey(mint))
	switch {
	case err != nil && domain.IsStoreUnavailable(err) && g.policy == FailOpen:
	case err != nil:
		return false, "", fmt.Errorf("gate: lock check %s: %w", mint, err)
	case held:
		return false, "locked", nil
	}
	return true, "", nil
}

// Lease is a held buy lock. The owner either lets the scope release it or
// detaches it to hand the token to a later callback.
type Lease struct {
	Mint  string
	Token string

	detached bool
}

// Detach hands the lock over to the caller, who becomes responsible for
// releasing it. The scope will no longer release it.
func (l *Lease) Detach() string {
	l.detached = true
	return l.Token
}

// WithBuyLock runs fn while holding the buy lock for mint. The lock is
// released on every exit path, including a panic in fn, unless fn detached
// the lease. It returns domain.ErrLockHeld if another holder owns the lock.
func (g *Gate) WithBuyLock(ctx context.Context, mint, holderID string, fn func(*Lease) error) error {
	ok, err := g.TryAcquire(ctx, mint, holderID)
	if err != nil {
		return err
	}
	if !ok {
		return domain.ErrLockHeld
	}

	lease := &Lease{Mint: mint, Token: holderID}
	defer func() {
		if lease.detached {
			return
		}
		// Release even if ctx was cancelled mid-trade.
		rctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		g.Release(rctx, mint, holderID)
	}()

	return fn(lease)
}
