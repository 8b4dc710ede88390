package redis

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/agrozold/pumpfun-bonkfun-bot-sub001/internal/domain"
	"github.com/alicebob/miniredis/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestClient(t *testing.T) (*Client, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	c, err := New(context.Background(), ClientConfig{Addr: mr.Addr(), KeyPrefix: "test:"})
	require.NoError(t, err)
	t.Cleanup(func() { _ = c.Close() })
	return c, mr
}

func ptr(v float64) *float64 { return &v }

func samplePosition(mint string) domain.Position {
	return domain.Position{
		Mint:               mint,
		Symbol:             "BONK",
		Platform:           "pump_fun",
		Source:             "whale",
		Entry:              0.0001,
		Quantity:           1000,
		OpenedAt:           time.Unix(1700000000, 0).UTC(),
		BuySig:             "buysig",
		StopLossPrice:      ptr(0.00008),
		TakeProfitPrice:    ptr(0.0002),
		TakeProfitFraction: 0.5,
		MaxHold:            30 * time.Minute,
		Trailing: domain.TrailingStop{
			Enabled:       true,
			ActivationPct: 0.3,
			TrailPct:      0.15,
			SellFraction:  1,
		},
		IsActive: true,
	}
}

func TestStateStore_SaveAndGetRoundTrip(t *testing.T) {
	c, _ := newTestClient(t)
	s := NewStateStore(c, time.Hour)
	ctx := context.Background()

	pos := samplePosition("M1")
	require.NoError(t, s.SavePosition(ctx, pos))

	got, err := s.GetPosition(ctx, "M1")
	require.NoError(t, err)
	assert.Equal(t, pos, got)

	all, err := s.GetAllActivePositions(ctx)
	require.NoError(t, err)
	require.Len(t, all, 1)
	assert.Equal(t, "M1", all[0].Mint)
}

func TestStateStore_GetMissing(t *testing.T) {
	c, _ := newTestClient(t)
	s := NewStateStore(c, time.Hour)

	_, err := s.GetPosition(context.Background(), "nope")
	assert.ErrorIs(t, err, domain.ErrNotFound)
}

func TestStateStore_CreatePositionOnce(t *testing.T) {
	c, _ := newTestClient(t)
	s := NewStateStore(c, time.Hour)
	ctx := context.Background()

	require.NoError(t, s.CreatePosition(ctx, samplePosition("M1")))
	err := s.CreatePosition(ctx, samplePosition("M1"))
	assert.ErrorIs(t, err, domain.ErrAlreadyExists)
}

func TestStateStore_UpdateIsMergeOnly(t *testing.T) {
	c, _ := newTestClient(t)
	s := NewStateStore(c, time.Hour)
	ctx := context.Background()

	require.NoError(t, s.SavePosition(ctx, samplePosition("M1")))

	q := 400.0
	moon := true
	require.NoError(t, s.UpdatePosition(ctx, "M1", domain.PositionUpdate{
		Quantity:        &q,
		IsMoonbag:       &moon,
		ClearTakeProfit: true,
	}))

	got, err := s.GetPosition(ctx, "M1")
	require.NoError(t, err)
	assert.Equal(t, 400.0, got.Quantity)
	assert.True(t, got.IsMoonbag)
	assert.Nil(t, got.TakeProfitPrice)
	// untouched fields survive
	assert.Equal(t, 0.0001, got.Entry)
	require.NotNil(t, got.StopLossPrice)
	assert.Equal(t, 0.00008, *got.StopLossPrice)
	assert.True(t, got.Trailing.Enabled)
}

func TestStateStore_UpdateNeverResurrects(t *testing.T) {
	c, _ := newTestClient(t)
	s := NewStateStore(c, time.Hour)
	ctx := context.Background()

	require.NoError(t, s.SavePosition(ctx, samplePosition("M1")))
	require.NoError(t, s.RemovePosition(ctx, "M1"))

	q := 1.0
	err := s.UpdatePosition(ctx, "M1", domain.PositionUpdate{Quantity: &q})
	assert.ErrorIs(t, err, domain.ErrNotFound)

	ok, err := s.PositionExists(ctx, "M1")
	require.NoError(t, err)
	assert.False(t, ok)

	all, err := s.GetAllActivePositions(ctx)
	require.NoError(t, err)
	assert.Empty(t, all)
}

func TestStateStore_ClaimSell(t *testing.T) {
	c, _ := newTestClient(t)
	s := NewStateStore(c, time.Hour)
	ctx := context.Background()
	now := time.Unix(1700000100, 0).UTC()

	require.NoError(t, s.SavePosition(ctx, samplePosition("M1")))

	attempt, ok, err := s.ClaimSell(ctx, "M1", now)
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, 1, attempt)

	_, ok, err = s.ClaimSell(ctx, "M1", now)
	require.NoError(t, err)
	assert.False(t, ok, "second claim must lose")

	got, err := s.GetPosition(ctx, "M1")
	require.NoError(t, err)
	assert.True(t, got.PendingSell)
	assert.True(t, got.PendingSince.Equal(now))
	assert.Equal(t, domain.PositionStatePendingSell, got.State())

	require.NoError(t, s.UpdatePosition(ctx, "M1", domain.PositionUpdate{ClearPendingSell: true}))
	attempt, ok, err = s.ClaimSell(ctx, "M1", now)
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, 2, attempt)

	_, _, err = s.ClaimSell(ctx, "gone", now)
	assert.ErrorIs(t, err, domain.ErrNotFound)
}

func TestStateStore_ClaimSellConcurrent(t *testing.T) {
	c, _ := newTestClient(t)
	s := NewStateStore(c, time.Hour)
	ctx := context.Background()
	require.NoError(t, s.SavePosition(ctx, samplePosition("M1")))

	var wins atomic.Int32
	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, ok, err := s.ClaimSell(ctx, "M1", time.Now()); err == nil && ok {
				wins.Add(1)
			}
		}()
	}
	wg.Wait()
	assert.Equal(t, int32(1), wins.Load())
}

func TestStateStore_TxProcessed(t *testing.T) {
	c, mr := newTestClient(t)
	s := NewStateStore(c, time.Minute)
	ctx := context.Background()

	ok, err := s.IsTxProcessed(ctx, "sig")
	require.NoError(t, err)
	assert.False(t, ok)

	first, err := s.MarkTxProcessed(ctx, "sig")
	require.NoError(t, err)
	assert.True(t, first)

	again, err := s.MarkTxProcessed(ctx, "sig")
	require.NoError(t, err)
	assert.False(t, again)

	ok, err = s.IsTxProcessed(ctx, "sig")
	require.NoError(t, err)
	assert.True(t, ok)

	mr.FastForward(2 * time.Minute)
	ok, err = s.IsTxProcessed(ctx, "sig")
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestStateStore_IgnoreList(t *testing.T) {
	c, _ := newTestClient(t)
	s := NewStateStore(c, time.Hour)
	ctx := context.Background()

	require.NoError(t, s.AddIgnored(ctx, "B"))
	require.NoError(t, s.AddIgnored(ctx, "A"))

	ok, err := s.IsIgnored(ctx, "A")
	require.NoError(t, err)
	assert.True(t, ok)

	list, err := s.ListIgnored(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{"A", "B"}, list)
}

func TestStateStore_UnavailableIsClassified(t *testing.T) {
	c, _ := newTestClient(t)
	s := NewStateStore(c, time.Hour)
	require.NoError(t, c.Close())

	_, err := s.PositionExists(context.Background(), "M1")
	require.Error(t, err)
	assert.True(t, domain.IsStoreUnavailable(err))
}

func TestStateStore_PendingBuy(t *testing.T) {
	c, mr := newTestClient(t)
	s := NewStateStore(c, time.Hour)
	ctx := context.Background()

	_, err := s.GetPendingBuy(ctx, "M1")
	assert.ErrorIs(t, err, domain.ErrNotFound)

	at := time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)
	require.NoError(t, s.SavePendingBuy(ctx, domain.PendingBuy{
		Mint:      "M1",
		Signature: "sig-1",
		Intent: domain.BuyIntent{
			Symbol: "ONE", SolAmount: 0.05, ExpectedPrice: 0.0001, LockToken: "holder",
		},
		SubmittedAt: at,
	}, 10*time.Minute))
	assert.Equal(t, 10*time.Minute, mr.TTL("test:pendingbuy:M1"))

	pb, err := s.GetPendingBuy(ctx, "M1")
	require.NoError(t, err)
	assert.Equal(t, "sig-1", pb.Signature)
	assert.Equal(t, "ONE", pb.Intent.Symbol)
	assert.Equal(t, 0.0001, pb.Intent.ExpectedPrice)
	assert.Empty(t, pb.Intent.LockToken, "lock token is not persisted")
	assert.True(t, pb.SubmittedAt.Equal(at))

	require.NoError(t, s.ClearPendingBuy(ctx, "M1"))
	_, err = s.GetPendingBuy(ctx, "M1")
	assert.ErrorIs(t, err, domain.ErrNotFound)

	require.NoError(t, s.SavePendingBuy(ctx, domain.PendingBuy{Mint: "M2", Signature: "sig-2"}, time.Minute))
	mr.FastForward(2 * time.Minute)
	_, err = s.GetPendingBuy(ctx, "M2")
	assert.ErrorIs(t, err, domain.ErrNotFound, "pending buys expire")
}
