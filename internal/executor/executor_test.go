package executor

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	rediscache "github.com/agrozold/pumpfun-bonkfun-bot-sub001/internal/cache/redis"
	"github.com/agrozold/pumpfun-bonkfun-bot-sub001/internal/domain"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func newStore(t *testing.T) (*rediscache.StateStore, *rediscache.Client) {
	t.Helper()
	mr := miniredis.RunT(t)
	c, err := rediscache.New(context.Background(), rediscache.ClientConfig{Addr: mr.Addr()})
	require.NoError(t, err)
	t.Cleanup(func() { _ = c.Close() })
	return rediscache.NewStateStore(c, time.Hour), c
}

type fakeDispatcher struct {
	mu    sync.Mutex
	buys  []string
	err   error
	delay time.Duration
}

func (d *fakeDispatcher) SendBuy(_ context.Context, mint string, _ float64, _ domain.BuyIntent) (string, error) {
	if d.delay > 0 {
		time.Sleep(d.delay)
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.err != nil {
		return "", d.err
	}
	d.buys = append(d.buys, mint)
	return "sig-" + mint, nil
}

func (d *fakeDispatcher) SendSell(context.Context, string, float64, domain.SellIntent) (string, error) {
	return "", errors.New("not used")
}

func (d *fakeDispatcher) count() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.buys)
}

type fakeConfirmer struct {
	mu        sync.Mutex
	txs       []domain.PendingTransaction
	saturated bool
	err       error
}

func (c *fakeConfirmer) Submit(tx domain.PendingTransaction) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.err != nil {
		return c.err
	}
	c.txs = append(c.txs, tx)
	return nil
}

func (c *fakeConfirmer) Saturated() bool { return c.saturated }

func newExecutor(store domain.StateStore, d *fakeDispatcher, c *fakeConfirmer) *Executor {
	gate := NewGate(store, 30*time.Second, FailOpen, nil, discardLogger())
	return NewExecutor(nil, store, gate, d, c, Config{BuyAmountSOL: 0.1}, nil, discardLogger())
}

func signal(id, mint string) domain.TradeSignal {
	return domain.TradeSignal{ID: id, Mint: mint, SourceLabel: "whale", Timestamp: time.Now()}
}

func TestExecutor_BuyHandsLockToCallback(t *testing.T) {
	store, _ := newStore(t)
	d := &fakeDispatcher{}
	c := &fakeConfirmer{}
	e := newExecutor(store, d, c)
	ctx := context.Background()

	out := e.Handle(ctx, signal("s1", "M1"))
	assert.Equal(t, OutcomeBought, out)

	require.Len(t, c.txs, 1)
	tx := c.txs[0]
	assert.Equal(t, domain.TxActionBuy, tx.Action)
	assert.Equal(t, "sig-M1", tx.Signature)
	require.NotNil(t, tx.Buy)
	assert.Equal(t, 0.1, tx.Buy.SolAmount)
	assert.NotEmpty(t, tx.Buy.LockToken)

	held, err := store.Held(ctx, domain.BuyLockKey("M1"))
	require.NoError(t, err)
	assert.True(t, held, "lock stays held until the buy callback")
}

func TestExecutor_ConcurrentSignalsSameMint(t *testing.T) {
	store, _ := newStore(t)
	d := &fakeDispatcher{delay: 20 * time.Millisecond}
	c := &fakeConfirmer{}
	e := newExecutor(store, d, c)

	var bought atomic.Int32
	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			sig := signal("sig-"+string(rune('a'+i)), "M1")
			if e.Handle(context.Background(), sig) == OutcomeBought {
				bought.Add(1)
			}
		}(i)
	}
	wg.Wait()

	assert.Equal(t, int32(1), bought.Load())
	assert.Equal(t, 1, d.count())
}

func TestExecutor_SkipsIgnoredAndOpen(t *testing.T) {
	store, _ := newStore(t)
	d := &fakeDispatcher{}
	e := newExecutor(store, d, &fakeConfirmer{})
	ctx := context.Background()

	require.NoError(t, store.AddIgnored(ctx, "IGN"))
	require.NoError(t, store.SavePosition(ctx, domain.Position{Mint: "OPEN", IsActive: true}))

	assert.Equal(t, OutcomeRejected, e.Handle(ctx, signal("a", "IGN")))
	assert.Equal(t, OutcomeRejected, e.Handle(ctx, signal("b", "OPEN")))
	assert.Equal(t, 0, d.count())
}

func TestExecutor_DuplicateSignal(t *testing.T) {
	store, _ := newStore(t)
	e := newExecutor(store, &fakeDispatcher{}, &fakeConfirmer{})
	ctx := context.Background()

	sig := signal("same", "M1")
	assert.Equal(t, OutcomeBought, e.Handle(ctx, sig))
	assert.Equal(t, OutcomeDuplicate, e.Handle(ctx, sig))
}

func TestExecutor_SourceSignatureIdempotentAcrossProcesses(t *testing.T) {
	store, _ := newStore(t)
	d := &fakeDispatcher{}
	a := newExecutor(store, d, &fakeConfirmer{})
	b := newExecutor(store, d, &fakeConfirmer{})
	ctx := context.Background()

	sig := domain.TradeSignal{ID: "x", Mint: "M1", Signature: "whale-tx"}
	assert.Equal(t, OutcomeBought, a.Handle(ctx, sig))
	sig.ID = "y"
	assert.Equal(t, OutcomeDuplicate, b.Handle(ctx, sig))
	assert.Equal(t, 1, d.count())
}

func TestExecutor_DispatchFailureReleasesLock(t *testing.T) {
	store, _ := newStore(t)
	d := &fakeDispatcher{err: errors.New("rpc down")}
	e := newExecutor(store, d, &fakeConfirmer{})
	ctx := context.Background()

	assert.Equal(t, OutcomeDispatchFailed, e.Handle(ctx, signal("s1", "M1")))

	held, err := store.Held(ctx, domain.BuyLockKey("M1"))
	require.NoError(t, err)
	assert.False(t, held)

	ok, err := store.IsIgnored(ctx, "M1")
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestExecutor_Backpressure(t *testing.T) {
	store, _ := newStore(t)
	d := &fakeDispatcher{}
	e := newExecutor(store, d, &fakeConfirmer{saturated: true})

	assert.Equal(t, OutcomeBackpressure, e.Handle(context.Background(), signal("s1", "M1")))
	assert.Equal(t, 0, d.count())
}

func TestExecutor_SubmitFailureReleasesLock(t *testing.T) {
	store, _ := newStore(t)
	e := newExecutor(store, &fakeDispatcher{}, &fakeConfirmer{err: domain.ErrQueueFull})
	ctx := context.Background()

	assert.Equal(t, OutcomeUntracked, e.Handle(ctx, signal("s1", "M1")))
	held, err := store.Held(ctx, domain.BuyLockKey("M1"))
	require.NoError(t, err)
	assert.False(t, held)
}

func TestExecutor_StaleAndInvalid(t *testing.T) {
	store, _ := newStore(t)
	gate := NewGate(store, time.Second, FailOpen, nil, discardLogger())
	e := NewExecutor(nil, store, gate, &fakeDispatcher{}, &fakeConfirmer{},
		Config{MaxSignalAge: time.Minute}, nil, discardLogger())
	ctx := context.Background()

	old := domain.TradeSignal{ID: "o", Mint: "M1", Timestamp: time.Now().Add(-time.Hour)}
	assert.Equal(t, OutcomeStale, e.Handle(ctx, old))
	assert.Equal(t, OutcomeInvalid, e.Handle(ctx, domain.TradeSignal{ID: "i"}))
}

func TestExecutor_PositionLimit(t *testing.T) {
	store, _ := newStore(t)
	ctx := context.Background()
	require.NoError(t, store.SavePosition(ctx, domain.Position{Mint: "A", IsActive: true}))

	gate := NewGate(store, time.Second, FailOpen, nil, discardLogger())
	d := &fakeDispatcher{}
	e := NewExecutor(nil, store, gate, d, &fakeConfirmer{},
		Config{MaxOpenPositions: 1}, nil, discardLogger())

	assert.Equal(t, OutcomeLimit, e.Handle(ctx, signal("s", "B")))
	assert.Equal(t, 0, d.count())
}

func TestExecutor_RunProcessesChannel(t *testing.T) {
	store, _ := newStore(t)
	ch := make(chan domain.TradeSignal, 2)
	gate := NewGate(store, time.Second, FailOpen, nil, discardLogger())
	d := &fakeDispatcher{}
	e := NewExecutor(ch, store, gate, d, &fakeConfirmer{}, Config{}, nil, discardLogger())

	ch <- signal("a", "M1")
	ch <- signal("b", "M2")
	close(ch)

	require.NoError(t, e.Run(context.Background()))
	assert.Equal(t, 2, d.count())
}
