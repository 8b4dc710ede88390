package service

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/agrozold/pumpfun-bonkfun-bot-sub001/internal/domain"
)

func openPosition(t *testing.T, store domain.StateStore, mint string, qty float64, openedAt time.Time) {
	t.Helper()
	pos := ExitPolicy{StopLossPct: 0.2}.NewPosition(mint, domain.BuyIntent{}, 1, qty, "b-"+mint, openedAt)
	require.NoError(t, store.CreatePosition(context.Background(), pos))
}

func newReconciler(t *testing.T, chain *fakeChain) (*ReconcileService, domain.StateStore, *memJournal) {
	t.Helper()
	store, _ := newStore(t)
	j := &memJournal{}
	r := NewReconcileService(store, chain, ReconcileConfig{
		Wallet:             "W",
		GracePeriod:        time.Minute,
		QuantityTolerance:  0.01,
		PendingSellTimeout: 2 * time.Minute,
	}, PositionDeps{Journal: j}, discardLogger())
	return r, store, j
}

func TestReconcile_GracePeriodThenRemove(t *testing.T) {
	chain := &fakeChain{balances: map[string]float64{"OTHER": 5}}
	r, store, _ := newReconciler(t, chain)
	ctx := context.Background()
	openPosition(t, store, "M1", 10, t0)

	r.now = func() time.Time { return t0.Add(30 * time.Second) }
	rep, err := r.ReconcileOnce(ctx)
	require.NoError(t, err)
	assert.Empty(t, rep.Removed)
	exists, err := store.PositionExists(ctx, "M1")
	require.NoError(t, err)
	assert.True(t, exists, "young position must survive")

	r.now = func() time.Time { return t0.Add(2 * time.Minute) }
	rep, err = r.ReconcileOnce(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{"M1"}, rep.Removed)
	exists, err = store.PositionExists(ctx, "M1")
	require.NoError(t, err)
	assert.False(t, exists)

	// No sell was ever attempted, so the instrument stays tradable.
	ignored, err := store.IsIgnored(ctx, "M1")
	require.NoError(t, err)
	assert.False(t, ignored)
	assert.Equal(t, []string{"OTHER"}, rep.Orphans)
}

func TestReconcile_QuantityDriftIsMergeOnly(t *testing.T) {
	chain := &fakeChain{balances: map[string]float64{"M1": 7}}
	r, store, j := newReconciler(t, chain)
	ctx := context.Background()
	openPosition(t, store, "M1", 10, t0)

	ts := domain.TrailingStop{Enabled: true, Active: true, HighWater: 3, TriggerPrice: 2}
	require.NoError(t, store.UpdatePosition(ctx, "M1", domain.PositionUpdate{Trailing: &ts}))

	r.now = func() time.Time { return t0.Add(time.Hour) }
	rep, err := r.ReconcileOnce(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{"M1"}, rep.Corrected)

	pos, err := store.GetPosition(ctx, "M1")
	require.NoError(t, err)
	assert.Equal(t, 7.0, pos.Quantity)
	assert.Equal(t, 1.0, pos.Entry)
	assert.True(t, pos.Trailing.Active)
	assert.Equal(t, 2.0, pos.Trailing.TriggerPrice)
	require.NotNil(t, pos.StopLossPrice)
	assert.Contains(t, j.events(), EventQuantityCorrected)
}

func TestReconcile_SmallDriftIgnored(t *testing.T) {
	chain := &fakeChain{balances: map[string]float64{"M1": 10.05}}
	r, store, _ := newReconciler(t, chain)
	openPosition(t, store, "M1", 10, t0)

	rep, err := r.ReconcileOnce(context.Background())
	require.NoError(t, err)
	assert.Empty(t, rep.Corrected)
	assert.Equal(t, 1, rep.Kept)
}

func TestReconcile_EmptySnapshotDeferred(t *testing.T) {
	chain := &fakeChain{balances: map[string]float64{}}
	r, store, _ := newReconciler(t, chain)
	ctx := context.Background()
	openPosition(t, store, "M1", 10, t0)
	r.now = func() time.Time { return t0.Add(time.Hour) }

	rep, err := r.ReconcileOnce(ctx)
	require.NoError(t, err)
	assert.True(t, rep.Deferred)
	exists, err := store.PositionExists(ctx, "M1")
	require.NoError(t, err)
	assert.True(t, exists)

	rep, err = r.ReconcileOnce(ctx)
	require.NoError(t, err)
	assert.False(t, rep.Deferred)
	assert.Equal(t, []string{"M1"}, rep.Removed)
}

func TestReconcile_BalanceErrorSkipsPass(t *testing.T) {
	chain := &fakeChain{err: errors.New("rpc down")}
	r, store, _ := newReconciler(t, chain)
	openPosition(t, store, "M1", 10, t0)
	r.now = func() time.Time { return t0.Add(time.Hour) }

	_, err := r.ReconcileOnce(context.Background())
	assert.Error(t, err)
	exists, err := store.PositionExists(context.Background(), "M1")
	require.NoError(t, err)
	assert.True(t, exists)
}

func TestReconcile_PendingSells(t *testing.T) {
	chain := &fakeChain{balances: map[string]float64{"LIVE": 10, "STALE": 4}}
	r, store, _ := newReconciler(t, chain)
	ctx := context.Background()
	for _, m := range []string{"LIVE", "STALE", "SOLD"} {
		openPosition(t, store, m, 10, t0)
	}

	_, _, err := store.ClaimSell(ctx, "LIVE", t0.Add(59*time.Minute))
	require.NoError(t, err)
	_, _, err = store.ClaimSell(ctx, "STALE", t0)
	require.NoError(t, err)
	_, _, err = store.ClaimSell(ctx, "SOLD", t0)
	require.NoError(t, err)

	r.now = func() time.Time { return t0.Add(time.Hour) }
	rep, err := r.ReconcileOnce(ctx)
	require.NoError(t, err)

	// In-flight sell is left alone.
	live, err := store.GetPosition(ctx, "LIVE")
	require.NoError(t, err)
	assert.True(t, live.PendingSell)

	// Stale sell that did not land: back to monitoring with the real balance.
	assert.Equal(t, []string{"STALE"}, rep.PendingCleared)
	stale, err := store.GetPosition(ctx, "STALE")
	require.NoError(t, err)
	assert.False(t, stale.PendingSell)
	assert.Equal(t, 4.0, stale.Quantity)

	// Stale sell whose balance is gone: removed and ignored.
	assert.Equal(t, []string{"SOLD"}, rep.Removed)
	ignored, err := store.IsIgnored(ctx, "SOLD")
	require.NoError(t, err)
	assert.True(t, ignored)
}

func TestReconcile_AdoptsLandedTimedOutBuy(t *testing.T) {
	chain := &fakeChain{balances: map[string]float64{"M1": 480, "M2": 50, "LOOSE": 3}}
	r, store, j := newReconciler(t, chain)
	r.cfg.Policy = ExitPolicy{StopLossPct: 0.2, TakeProfitPct: 1}
	ctx := context.Background()
	r.now = func() time.Time { return t0.Add(time.Minute) }

	require.NoError(t, store.SavePendingBuy(ctx, domain.PendingBuy{
		Mint: "M1", Signature: "late-1", SubmittedAt: t0,
		Intent: domain.BuyIntent{Symbol: "ONE", SolAmount: 0.05, ExpectedPrice: 0.0001},
	}, time.Hour))
	// No expected price: entry falls back to SOL spent per token.
	require.NoError(t, store.SavePendingBuy(ctx, domain.PendingBuy{
		Mint: "M2", Signature: "late-2", SubmittedAt: t0,
		Intent: domain.BuyIntent{SolAmount: 0.5},
	}, time.Hour))

	rep, err := r.ReconcileOnce(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{"M1", "M2"}, rep.Adopted)
	assert.Equal(t, []string{"LOOSE"}, rep.Orphans, "a balance without a pending buy stays untracked")

	pos, err := store.GetPosition(ctx, "M1")
	require.NoError(t, err)
	assert.Equal(t, 480.0, pos.Quantity)
	assert.Equal(t, 0.0001, pos.Entry)
	assert.Equal(t, "late-1", pos.BuySig)
	assert.True(t, pos.OpenedAt.Equal(t0))
	require.NotNil(t, pos.StopLossPrice)
	assert.Equal(t, 0.00008, *pos.StopLossPrice)

	pos, err = store.GetPosition(ctx, "M2")
	require.NoError(t, err)
	assert.Equal(t, 0.01, pos.Entry)

	_, err = store.GetPendingBuy(ctx, "M1")
	assert.ErrorIs(t, err, domain.ErrNotFound)
	processed, err := store.IsTxProcessed(ctx, "late-1")
	require.NoError(t, err)
	assert.True(t, processed)
	assert.Contains(t, j.events(), EventBuyAdopted)

	// A second pass finds tracked positions and nothing to adopt.
	rep, err = r.ReconcileOnce(ctx)
	require.NoError(t, err)
	assert.Empty(t, rep.Adopted)
	assert.Equal(t, 2, rep.Kept)
}

func TestReconcile_PendingBuyWithoutBalanceWaits(t *testing.T) {
	chain := &fakeChain{balances: map[string]float64{"OTHER": 1}}
	r, store, _ := newReconciler(t, chain)
	ctx := context.Background()
	require.NoError(t, store.SavePendingBuy(ctx, domain.PendingBuy{Mint: "M1", Signature: "s"}, time.Hour))

	rep, err := r.ReconcileOnce(ctx)
	require.NoError(t, err)
	assert.Empty(t, rep.Adopted)
	_, err = store.GetPendingBuy(ctx, "M1")
	assert.NoError(t, err, "the record stays until the buy lands or expires")
}
