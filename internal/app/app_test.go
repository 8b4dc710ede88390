package app

import (
	"context"
	"io"
	"log/slog"
	"path/filepath"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/agrozold/pumpfun-bonkfun-bot-sub001/internal/config"
	"github.com/agrozold/pumpfun-bonkfun-bot-sub001/internal/domain"
)

func testApp(t *testing.T, opts ...func(*config.Config)) (*App, *Dependencies) {
	t.Helper()
	mr := miniredis.RunT(t)
	cfg := config.Defaults()
	cfg.Redis.Addr = mr.Addr()
	cfg.Server.Enabled = false
	cfg.Snapshot.File = filepath.Join(t.TempDir(), "positions.json")
	for _, o := range opts {
		o(&cfg)
	}
	require.NoError(t, cfg.Validate())

	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	deps, cleanup, err := Wire(context.Background(), &cfg, logger)
	require.NoError(t, err)
	t.Cleanup(cleanup)
	return New(&cfg, Options{}, logger), deps
}

func TestWirePaperMode(t *testing.T) {
	_, deps := testApp(t)
	assert.NotNil(t, deps.State)
	assert.NotNil(t, deps.Chain, "paper chain stands in for the rpc")
	assert.NotNil(t, deps.Dispatcher)
	assert.Nil(t, deps.Journal)
	assert.Nil(t, deps.Archive)
	assert.Contains(t, deps.Checks, "redis")
	require.NoError(t, deps.Checks["redis"](context.Background()))
}

func TestExportImportRoundTrip(t *testing.T) {
	a, deps := testApp(t)
	ctx := context.Background()

	pos := domain.Position{
		Mint: "M1", Symbol: "ONE", Entry: 0.0001, Quantity: 500,
		OpenedAt: time.Now().Add(-time.Minute).UTC(), IsActive: true,
	}
	require.NoError(t, deps.State.SavePosition(ctx, pos))
	require.NoError(t, deps.State.AddIgnored(ctx, "RUG"))

	require.NoError(t, a.ExportMode(ctx, deps))
	require.NoError(t, deps.State.RemovePosition(ctx, "M1"))

	require.NoError(t, a.ImportMode(ctx, deps))
	got, err := deps.State.GetPosition(ctx, "M1")
	require.NoError(t, err)
	assert.Equal(t, "ONE", got.Symbol)
	assert.Equal(t, 500.0, got.Quantity)

	ignored, err := deps.State.IsIgnored(ctx, "RUG")
	require.NoError(t, err)
	assert.True(t, ignored)
}

func TestTradeModeStopsOnCancel(t *testing.T) {
	a, deps := testApp(t)
	ctx, cancel := context.WithTimeout(context.Background(), 300*time.Millisecond)
	defer cancel()

	err := a.TradeMode(ctx, deps)
	require.Error(t, err)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}
