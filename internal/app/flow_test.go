package app

import (
	"context"
	"io"
	"log/slog"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/sync/errgroup"

	"github.com/agrozold/pumpfun-bonkfun-bot-sub001/internal/config"
	"github.com/agrozold/pumpfun-bonkfun-bot-sub001/internal/domain"
	"github.com/agrozold/pumpfun-bonkfun-bot-sub001/internal/executor"
)

// countingDispatcher counts buy broadcasts on top of the paper dispatcher.
type countingDispatcher struct {
	domain.TradeDispatcher
	buys atomic.Int32
}

func (d *countingDispatcher) SendBuy(ctx context.Context, mint string, solAmount float64, intent domain.BuyIntent) (string, error) {
	d.buys.Add(1)
	return d.TradeDispatcher.SendBuy(ctx, mint, solAmount, intent)
}

func fastConfirm(cfg *config.Config) {
	cfg.Confirm.SettleDelay.Duration = 10 * time.Millisecond
	cfg.Confirm.PollInterval.Duration = 10 * time.Millisecond
	cfg.Confirm.MaxWait.Duration = 2 * time.Second
	cfg.Trading.MonitorInterval.Duration = 50 * time.Millisecond
}

func TestBuyFlow_ConcurrentSignalsOpenOnePosition(t *testing.T) {
	a, deps := testApp(t, fastConfirm)
	ctx, cancel := context.WithCancel(context.Background())
	g, gctx := errgroup.WithContext(ctx)
	t.Cleanup(func() {
		cancel()
		_ = g.Wait()
	})

	c := a.buildCore(deps)
	g.Go(func() error { return c.confirm.Run(gctx) })
	g.Go(func() error { return c.positions.Run(gctx) })

	disp := &countingDispatcher{TradeDispatcher: deps.Dispatcher}
	gate := executor.NewGate(deps.State, a.cfg.Gate.LockTTL.Duration, executor.FailOpen, deps.Metrics, a.logger)
	exec := executor.NewExecutor(nil, deps.State, gate, disp, c.confirm, executor.Config{
		HolderID: "flow-test",
		Workers:  2,
	}, deps.Metrics, slog.New(slog.NewTextHandler(io.Discard, nil)))

	signal := func(id string) domain.TradeSignal {
		return domain.TradeSignal{
			ID:            id,
			Mint:          "MINT1",
			Symbol:        "ONE",
			SourceLabel:   "whale",
			SolAmount:     0.1,
			Timestamp:     time.Now(),
			ExpectedPrice: 0.0001,
		}
	}

	var (
		wg       sync.WaitGroup
		start    = make(chan struct{})
		outcomes = make([]executor.Outcome, 2)
	)
	for i, id := range []string{"a", "b"} {
		wg.Add(1)
		go func() {
			defer wg.Done()
			<-start
			outcomes[i] = exec.Handle(ctx, signal(id))
		}()
	}
	close(start)
	wg.Wait()

	bought := 0
	for _, out := range outcomes {
		if out == executor.OutcomeBought {
			bought++
		}
	}
	assert.Equal(t, 1, bought, "outcomes: %v", outcomes)

	require.Eventually(t, func() bool {
		ok, err := deps.State.PositionExists(ctx, "MINT1")
		return err == nil && ok
	}, 3*time.Second, 10*time.Millisecond)

	// A signal after the confirmation sees the open position.
	assert.Equal(t, executor.OutcomeRejected, exec.Handle(ctx, signal("c")))

	assert.Equal(t, int32(1), disp.buys.Load())
	open, err := deps.State.GetAllActivePositions(ctx)
	require.NoError(t, err)
	require.Len(t, open, 1)
	assert.Equal(t, "MINT1", open[0].Mint)
	assert.Equal(t, 0.0001, open[0].Entry)

	held, err := deps.Chain.HeldBalances(ctx, a.wallet())
	require.NoError(t, err)
	assert.InDelta(t, 1000.0, held["MINT1"], 1e-6)
}
