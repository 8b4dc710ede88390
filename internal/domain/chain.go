package domain

import "context"

// ChainClient is the read side of the chain RPC.
type ChainClient interface {
	// SignatureStatuses returns one status per signature, in order.
	SignatureStatuses(ctx context.Context, signatures []string) ([]SignatureStatus, error)
	// HeldBalances returns the wallet's non-zero token balances keyed by mint.
	HeldBalances(ctx context.Context, owner string) (map[string]float64, error)
}

// TradeDispatcher builds, signs and broadcasts swaps. It returns the
// transaction signature as soon as the transaction is sent; confirmation is
// tracked separately.
type TradeDispatcher interface {
	SendBuy(ctx context.Context, mint string, solAmount float64, intent BuyIntent) (string, error)
	SendSell(ctx context.Context, mint string, quantity float64, intent SellIntent) (string, error)
}

// Notifier delivers human-readable alerts. event names the lifecycle event
// so that implementations can filter.
type Notifier interface {
	Notify(ctx context.Context, event, title, message string) error
}
