package service

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/stretchr/testify/require"

	rediscache "github.com/agrozold/pumpfun-bonkfun-bot-sub001/internal/cache/redis"
	"github.com/agrozold/pumpfun-bonkfun-bot-sub001/internal/domain"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func newStore(t *testing.T) (*rediscache.StateStore, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	c, err := rediscache.New(context.Background(), rediscache.ClientConfig{Addr: mr.Addr(), KeyPrefix: "svc:"})
	require.NoError(t, err)
	t.Cleanup(func() { _ = c.Close() })
	return rediscache.NewStateStore(c, time.Hour), mr
}

type fakePrices struct {
	mu     sync.Mutex
	prices map[string]float64
}

func newFakePrices() *fakePrices {
	return &fakePrices{prices: map[string]float64{}}
}

func (p *fakePrices) set(mint string, v float64) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.prices[mint] = v
}

func (p *fakePrices) GetPrice(_ context.Context, mint string) (float64, time.Duration, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	v, ok := p.prices[mint]
	if !ok {
		return 0, 0, domain.ErrStalePrice
	}
	return v, 0, nil
}

type sellCall struct {
	mint   string
	qty    float64
	intent domain.SellIntent
}

type fakeDispatcher struct {
	mu    sync.Mutex
	sells []sellCall
	err   error
	n     int
}

func (d *fakeDispatcher) SendBuy(context.Context, string, float64, domain.BuyIntent) (string, error) {
	return "", errors.New("not used")
}

func (d *fakeDispatcher) SendSell(_ context.Context, mint string, qty float64, intent domain.SellIntent) (string, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.err != nil {
		return "", d.err
	}
	d.n++
	d.sells = append(d.sells, sellCall{mint: mint, qty: qty, intent: intent})
	return "sell-" + mint + "-" + string(rune('0'+d.n)), nil
}

func (d *fakeDispatcher) calls() []sellCall {
	d.mu.Lock()
	defer d.mu.Unlock()
	return append([]sellCall(nil), d.sells...)
}

type fakeConfirmer struct {
	mu  sync.Mutex
	txs []domain.PendingTransaction
}

func (c *fakeConfirmer) Submit(tx domain.PendingTransaction) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.txs = append(c.txs, tx)
	return nil
}

func (c *fakeConfirmer) last() domain.PendingTransaction {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.txs[len(c.txs)-1]
}

type fakeChain struct {
	mu       sync.Mutex
	balances map[string]float64
	err      error
}

func (c *fakeChain) SignatureStatuses(_ context.Context, sigs []string) ([]domain.SignatureStatus, error) {
	return make([]domain.SignatureStatus, len(sigs)), nil
}

func (c *fakeChain) HeldBalances(context.Context, string) (map[string]float64, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.err != nil {
		return nil, c.err
	}
	out := make(map[string]float64, len(c.balances))
	for k, v := range c.balances {
		out[k] = v
	}
	return out, nil
}

type memJournal struct {
	mu      sync.Mutex
	entries []domain.JournalEntry
}

func (j *memJournal) Log(_ context.Context, e domain.JournalEntry) error {
	j.mu.Lock()
	defer j.mu.Unlock()
	j.entries = append(j.entries, e)
	return nil
}

func (j *memJournal) List(context.Context, domain.ListOpts) ([]domain.JournalEntry, error) {
	j.mu.Lock()
	defer j.mu.Unlock()
	return append([]domain.JournalEntry(nil), j.entries...), nil
}

func (j *memJournal) events() []string {
	j.mu.Lock()
	defer j.mu.Unlock()
	out := make([]string, 0, len(j.entries))
	for _, e := range j.entries {
		out = append(out, e.Event)
	}
	return out
}
