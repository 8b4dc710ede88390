// Package solana is the read side of the Solana JSON-RPC API: signature
// status lookups for the confirmation pipeline and token balances for
// reconciliation.
package solana

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/ethereum/go-ethereum/rpc"
	"github.com/tidwall/gjson"

	"github.com/agrozold/pumpfun-bonkfun-bot-sub001/internal/domain"
)

// Token program ids whose accounts count as held balances.
const (
	TokenProgramID     = "TokenkegQfeZyiNwAJbNbGckPQX4ZVYyNfZBsM7oq5DA"
	Token2022ProgramID = "TokenzQdBNbLqP5VEhdkAS6EPFLC1PHnBqCXEpPxuEb"
)

// maxStatusBatch is the getSignatureStatuses per-call limit.
const maxStatusBatch = 256

// ClientConfig holds the RPC connection settings.
type ClientConfig struct {
	URL         string
	APIKey      string // sent as the x-api-key header when set
	Commitment  string // "confirmed" or "finalized"
	Timeout     time.Duration
	MaxRetries  uint64
	BaseBackoff time.Duration
	MaxBackoff  time.Duration
}

// Client implements domain.ChainClient over JSON-RPC. Transient failures are
// retried with exponential backoff and jitter; authentication and client
// errors fail immediately.
type Client struct {
	rpc     *rpc.Client
	cfg     ClientConfig
	limiter domain.RateLimiter
	logger  *slog.Logger
}

// New dials the RPC endpoint. limiter may be nil; when set every call waits
// for a slot on the shared "rpc" key so that cooperating processes respect
// the provider's rate limit together.
func New(ctx context.Context, cfg ClientConfig, limiter domain.RateLimiter, logger *slog.Logger) (*Client, error) {
	if cfg.URL == "" {
		return nil, fmt.Errorf("solana: rpc url is required")
	}
	if cfg.Commitment == "" {
		cfg.Commitment = "confirmed"
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 10 * time.Second
	}
	if cfg.MaxRetries == 0 {
		cfg.MaxRetries = 4
	}
	if cfg.BaseBackoff <= 0 {
		cfg.BaseBackoff = 200 * time.Millisecond
	}
	if cfg.MaxBackoff <= 0 {
		cfg.MaxBackoff = 5 * time.Second
	}

	opts := []rpc.ClientOption{
		rpc.WithHTTPClient(&http.Client{Timeout: cfg.Timeout}),
	}
	if cfg.APIKey != "" {
		opts = append(opts, rpc.WithHeader("x-api-key", cfg.APIKey))
	}
	c, err := rpc.DialOptions(ctx, cfg.URL, opts...)
	if err != nil {
		return nil, fmt.Errorf("solana: dial %s: %w", redactURL(cfg.URL), err)
	}
	return &Client{
		rpc:     c,
		cfg:     cfg,
		limiter: limiter,
		logger:  logger.With(slog.String("component", "solana_rpc")),
	}, nil
}

// Close releases the underlying connection.
func (c *Client) Close() {
	c.rpc.Close()
}

// call performs one JSON-RPC call with rate limiting and retries.
func (c *Client) call(ctx context.Context, result any, method string, args ...any) error {
	eb := backoff.NewExponentialBackOff()
	eb.InitialInterval = c.cfg.BaseBackoff
	eb.MaxInterval = c.cfg.MaxBackoff
	eb.RandomizationFactor = 0.5
	eb.MaxElapsedTime = 0
	policy := backoff.WithContext(backoff.WithMaxRetries(eb, c.cfg.MaxRetries), ctx)

	attempt := 0
	op := func() error {
		attempt++
		if c.limiter != nil {
			if err := c.limiter.Wait(ctx, "rpc"); err != nil {
				return backoff.Permanent(err)
			}
		}
		err := c.rpc.CallContext(ctx, result, method, args...)
		if err == nil {
			return nil
		}
		cerr := classify(method, err)
		if !cerr.Retryable() || ctx.Err() != nil {
			return backoff.Permanent(cerr)
		}
		return cerr
	}
	notify := func(err error, wait time.Duration) {
		c.logger.WarnContext(ctx, "solana: rpc call failed, retrying",
			slog.String("method", method),
			slog.Int("attempt", attempt),
			slog.Duration("backoff", wait),
			slog.String("error", err.Error()),
		)
	}
	return backoff.RetryNotify(op, policy, notify)
}

type signatureStatus struct {
	Slot               uint64          `json:"slot"`
	Confirmations      *uint64         `json:"confirmations"`
	Err                json.RawMessage `json:"err"`
	ConfirmationStatus string          `json:"confirmationStatus"`
}

type statusesResult struct {
	Value []*signatureStatus `json:"value"`
}

// SignatureStatuses looks up the status of each signature, in order. A
// signature unknown to the node comes back with Found false.
func (c *Client) SignatureStatuses(ctx context.Context, signatures []string) ([]domain.SignatureStatus, error) {
	out := make([]domain.SignatureStatus, 0, len(signatures))
	for start := 0; start < len(signatures); start += maxStatusBatch {
		end := min(start+maxStatusBatch, len(signatures))
		batch := signatures[start:end]

		var res statusesResult
		err := c.call(ctx, &res, "getSignatureStatuses", batch,
			map[string]any{"searchTransactionHistory": true})
		if err != nil {
			return nil, err
		}
		if len(res.Value) != len(batch) {
			return nil, &domain.ChainError{
				Op:       "getSignatureStatuses",
				Category: domain.CategoryServer,
				Err:      fmt.Errorf("got %d statuses for %d signatures", len(res.Value), len(batch)),
			}
		}
		for _, st := range res.Value {
			out = append(out, c.toStatus(st))
		}
	}
	return out, nil
}

func (c *Client) toStatus(st *signatureStatus) domain.SignatureStatus {
	if st == nil {
		return domain.SignatureStatus{}
	}
	s := domain.SignatureStatus{Found: true}
	if len(st.Err) > 0 && string(st.Err) != "null" {
		s.Err = string(st.Err)
		return s
	}
	switch st.ConfirmationStatus {
	case "finalized":
		s.Confirmed = true
	case "confirmed":
		s.Confirmed = c.cfg.Commitment != "finalized"
	}
	return s
}

// HeldBalances returns the owner's non-zero token balances across both token
// programs, keyed by mint, in UI units.
func (c *Client) HeldBalances(ctx context.Context, owner string) (map[string]float64, error) {
	out := make(map[string]float64)
	for _, program := range []string{TokenProgramID, Token2022ProgramID} {
		var raw json.RawMessage
		err := c.call(ctx, &raw, "getTokenAccountsByOwner", owner,
			map[string]any{"programId": program},
			map[string]any{"encoding": "jsonParsed", "commitment": c.cfg.Commitment})
		if err != nil {
			return nil, err
		}
		if err := parseTokenAccounts(raw, out); err != nil {
			return nil, &domain.ChainError{Op: "getTokenAccountsByOwner", Category: domain.CategoryServer, Err: err}
		}
	}
	return out, nil
}

// parseTokenAccounts adds every jsonParsed token account in raw to balances.
func parseTokenAccounts(raw []byte, balances map[string]float64) error {
	if !gjson.ValidBytes(raw) {
		return fmt.Errorf("invalid token accounts payload")
	}
	gjson.GetBytes(raw, "value").ForEach(func(_, acct gjson.Result) bool {
		info := acct.Get("account.data.parsed.info")
		mint := info.Get("mint").String()
		if mint == "" {
			return true
		}
		amt := info.Get("tokenAmount")
		qty := amt.Get("uiAmount").Float()
		if !amt.Get("uiAmount").Exists() || amt.Get("uiAmount").Type == gjson.Null {
			qty = amt.Get("uiAmountString").Float()
		}
		if qty > 0 {
			balances[mint] += qty
		}
		return true
	})
	return nil
}

var _ domain.ChainClient = (*Client)(nil)
