// Package trader holds the TradeDispatcher implementations: a client for the
// external signing sidecar and an in-memory paper trader.
package trader

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/agrozold/pumpfun-bonkfun-bot-sub001/internal/crypto"
	"github.com/agrozold/pumpfun-bonkfun-bot-sub001/internal/domain"
)

// HTTPConfig configures the sidecar client.
type HTTPConfig struct {
	BaseURL     string
	SlippageBps int
	PriorityFee float64 // micro-lamports per compute unit, 0 leaves it to the sidecar
	Timeout     time.Duration
}

// HTTPDispatcher sends buy and sell requests to a sidecar that builds, signs
// and broadcasts the swap. Requests are never retried: a retried broadcast
// could execute twice.
type HTTPDispatcher struct {
	cfg    HTTPConfig
	auth   *crypto.HMACAuth
	client *http.Client
	logger *slog.Logger
}

// NewHTTPDispatcher creates an HTTPDispatcher. auth may be nil.
func NewHTTPDispatcher(cfg HTTPConfig, auth *crypto.HMACAuth, logger *slog.Logger) *HTTPDispatcher {
	if cfg.Timeout <= 0 {
		cfg.Timeout = 15 * time.Second
	}
	cfg.BaseURL = strings.TrimRight(cfg.BaseURL, "/")
	return &HTTPDispatcher{
		cfg:    cfg,
		auth:   auth,
		client: &http.Client{Timeout: cfg.Timeout},
		logger: logger.With(slog.String("component", "http_dispatcher")),
	}
}

type buyRequest struct {
	Mint        string  `json:"mint"`
	SolAmount   float64 `json:"sol_amount"`
	Symbol      string  `json:"symbol,omitempty"`
	Platform    string  `json:"platform,omitempty"`
	SlippageBps int     `json:"slippage_bps"`
	PriorityFee float64 `json:"priority_fee,omitempty"`
}

type sellRequest struct {
	Mint        string  `json:"mint"`
	Quantity    float64 `json:"quantity"`
	Reason      string  `json:"reason"`
	SlippageBps int     `json:"slippage_bps"`
	PriorityFee float64 `json:"priority_fee,omitempty"`
}

type broadcastResponse struct {
	Signature string `json:"signature"`
	Error     string `json:"error"`
}

// SendBuy asks the sidecar to swap solAmount SOL into mint.
func (d *HTTPDispatcher) SendBuy(ctx context.Context, mint string, solAmount float64, intent domain.BuyIntent) (string, error) {
	req := buyRequest{
		Mint:        mint,
		SolAmount:   solAmount,
		Symbol:      intent.Symbol,
		Platform:    intent.Platform,
		SlippageBps: d.cfg.SlippageBps,
		PriorityFee: d.cfg.PriorityFee,
	}
	sig, err := d.post(ctx, "/buy", req)
	if err != nil {
		return "", fmt.Errorf("trader: buy %s: %w", mint, err)
	}
	return sig, nil
}

// SendSell asks the sidecar to swap quantity of mint back into SOL.
func (d *HTTPDispatcher) SendSell(ctx context.Context, mint string, quantity float64, intent domain.SellIntent) (string, error) {
	req := sellRequest{
		Mint:        mint,
		Quantity:    quantity,
		Reason:      string(intent.Reason),
		SlippageBps: d.cfg.SlippageBps,
		PriorityFee: d.cfg.PriorityFee,
	}
	sig, err := d.post(ctx, "/sell", req)
	if err != nil {
		return "", fmt.Errorf("trader: sell %s: %w", mint, err)
	}
	return sig, nil
}

func (d *HTTPDispatcher) post(ctx context.Context, path string, payload any) (string, error) {
	body, err := json.Marshal(payload)
	if err != nil {
		return "", fmt.Errorf("marshal payload: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, d.cfg.BaseURL+path, bytes.NewReader(body))
	if err != nil {
		return "", fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if d.auth != nil {
		d.auth.Apply(req, body)
	}

	start := time.Now()
	resp, err := d.client.Do(req)
	if err != nil {
		return "", fmt.Errorf("send request: %w", err)
	}
	defer resp.Body.Close()
	respBody, _ := io.ReadAll(io.LimitReader(resp.Body, 64<<10))

	switch {
	case resp.StatusCode == http.StatusTooManyRequests:
		return "", fmt.Errorf("%w: sidecar %s", domain.ErrRateLimited, path)
	case resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden:
		return "", fmt.Errorf("%w: sidecar %s", domain.ErrUnauthorized, path)
	case resp.StatusCode < 200 || resp.StatusCode >= 300:
		return "", fmt.Errorf("unexpected status %d: %s", resp.StatusCode, strings.TrimSpace(string(respBody)))
	}

	var out broadcastResponse
	if err := json.Unmarshal(respBody, &out); err != nil {
		return "", fmt.Errorf("decode response: %w", err)
	}
	if out.Signature == "" {
		if out.Error != "" {
			return "", fmt.Errorf("sidecar error: %s", out.Error)
		}
		return "", fmt.Errorf("sidecar returned no signature")
	}

	d.logger.DebugContext(ctx, "broadcast accepted",
		slog.String("path", path),
		slog.String("signature", out.Signature),
		slog.Duration("took", time.Since(start)),
	)
	return out.Signature, nil
}

var _ domain.TradeDispatcher = (*HTTPDispatcher)(nil)
