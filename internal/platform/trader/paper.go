package trader

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"github.com/google/uuid"

	"github.com/agrozold/pumpfun-bonkfun-bot-sub001/internal/domain"
)

// PriceFunc returns the price used to simulate a fill.
type PriceFunc func(ctx context.Context, mint string) (float64, error)

// paperBook is the in-memory ledger shared by the paper dispatcher and chain.
type paperBook struct {
	mu       sync.Mutex
	balances map[string]float64
	sigs     map[string]bool // signature -> succeeded
}

// PaperDispatcher simulates swaps at the latest known price. Nothing is sent
// to the chain.
type PaperDispatcher struct {
	book   *paperBook
	price  PriceFunc
	logger *slog.Logger
}

// PaperChain answers signature and balance lookups from the paper ledger.
type PaperChain struct {
	book *paperBook
}

// NewPaper returns a dispatcher and a chain client sharing one ledger.
func NewPaper(price PriceFunc, logger *slog.Logger) (*PaperDispatcher, *PaperChain) {
	book := &paperBook{balances: map[string]float64{}, sigs: map[string]bool{}}
	return &PaperDispatcher{
			book:   book,
			price:  price,
			logger: logger.With(slog.String("component", "paper_trader")),
		},
		&PaperChain{book: book}
}

// SendBuy credits solAmount/price tokens of mint.
func (d *PaperDispatcher) SendBuy(ctx context.Context, mint string, solAmount float64, intent domain.BuyIntent) (string, error) {
	price := intent.ExpectedPrice
	if price <= 0 {
		p, err := d.price(ctx, mint)
		if err != nil {
			return "", fmt.Errorf("trader: paper buy %s: no price: %w", mint, err)
		}
		price = p
	}
	if price <= 0 || solAmount <= 0 {
		return "", fmt.Errorf("trader: paper buy %s: invalid price %v or amount %v", mint, price, solAmount)
	}
	qty := solAmount / price

	sig := "paper-" + uuid.NewString()
	d.book.mu.Lock()
	d.book.balances[mint] += qty
	d.book.sigs[sig] = true
	d.book.mu.Unlock()

	d.logger.InfoContext(ctx, "paper buy",
		slog.String("mint", mint),
		slog.Float64("sol_amount", solAmount),
		slog.Float64("price", price),
		slog.Float64("quantity", qty),
		slog.String("signature", sig),
	)
	return sig, nil
}

// SendSell debits quantity of mint. Selling more than held fails on "chain".
func (d *PaperDispatcher) SendSell(ctx context.Context, mint string, quantity float64, intent domain.SellIntent) (string, error) {
	sig := "paper-" + uuid.NewString()
	d.book.mu.Lock()
	held := d.book.balances[mint]
	ok := quantity > 0 && quantity <= held*(1+1e-9)
	if ok {
		left := held - quantity
		if left <= held*1e-9 {
			delete(d.book.balances, mint)
		} else {
			d.book.balances[mint] = left
		}
	}
	d.book.sigs[sig] = ok
	d.book.mu.Unlock()

	d.logger.InfoContext(ctx, "paper sell",
		slog.String("mint", mint),
		slog.Float64("quantity", quantity),
		slog.String("reason", string(intent.Reason)),
		slog.Bool("filled", ok),
		slog.String("signature", sig),
	)
	return sig, nil
}

// SignatureStatuses reports paper signatures as confirmed (or failed) on the
// first poll. Unknown signatures are not found.
func (c *PaperChain) SignatureStatuses(_ context.Context, signatures []string) ([]domain.SignatureStatus, error) {
	c.book.mu.Lock()
	defer c.book.mu.Unlock()
	out := make([]domain.SignatureStatus, len(signatures))
	for i, sig := range signatures {
		ok, known := c.book.sigs[sig]
		switch {
		case !known:
		case ok:
			out[i] = domain.SignatureStatus{Found: true, Confirmed: true}
		default:
			out[i] = domain.SignatureStatus{Found: true, Err: "insufficient balance"}
		}
	}
	return out, nil
}

// HeldBalances returns the paper ledger. The owner is ignored.
func (c *PaperChain) HeldBalances(context.Context, string) (map[string]float64, error) {
	c.book.mu.Lock()
	defer c.book.mu.Unlock()
	out := make(map[string]float64, len(c.book.balances))
	for k, v := range c.book.balances {
		out[k] = v
	}
	return out, nil
}

var (
	_ domain.TradeDispatcher = (*PaperDispatcher)(nil)
	_ domain.ChainClient     = (*PaperChain)(nil)
)
