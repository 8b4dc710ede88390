package trader

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/agrozold/pumpfun-bonkfun-bot-sub001/internal/crypto"
	"github.com/agrozold/pumpfun-bonkfun-bot-sub001/internal/domain"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func TestHTTPDispatcher_SignedBuy(t *testing.T) {
	auth := &crypto.HMACAuth{Key: "bot", Secret: "s"}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body, _ := io.ReadAll(r.Body)
		assert.Equal(t, "/buy", r.URL.Path)
		assert.NoError(t, auth.Verify(r.Method, r.URL.Path, body, r.Header, time.Now(), time.Minute))

		var req buyRequest
		assert.NoError(t, json.Unmarshal(body, &req))
		assert.Equal(t, "M1", req.Mint)
		assert.Equal(t, 0.25, req.SolAmount)
		assert.Equal(t, 300, req.SlippageBps)
		_, _ = w.Write([]byte(`{"signature":"sig-1"}`))
	}))
	defer srv.Close()

	d := NewHTTPDispatcher(HTTPConfig{BaseURL: srv.URL + "/", SlippageBps: 300}, auth, discardLogger())
	sig, err := d.SendBuy(context.Background(), "M1", 0.25, domain.BuyIntent{Symbol: "TOK"})
	require.NoError(t, err)
	assert.Equal(t, "sig-1", sig)
}

func TestHTTPDispatcher_Errors(t *testing.T) {
	status := http.StatusTooManyRequests
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(status)
		_, _ = w.Write([]byte(`{"error":"nope"}`))
	}))
	defer srv.Close()
	d := NewHTTPDispatcher(HTTPConfig{BaseURL: srv.URL}, nil, discardLogger())
	ctx := context.Background()

	_, err := d.SendSell(ctx, "M1", 10, domain.SellIntent{Reason: domain.ExitStopLoss})
	assert.ErrorIs(t, err, domain.ErrRateLimited)

	status = http.StatusUnauthorized
	_, err = d.SendSell(ctx, "M1", 10, domain.SellIntent{})
	assert.ErrorIs(t, err, domain.ErrUnauthorized)

	status = http.StatusOK
	_, err = d.SendSell(ctx, "M1", 10, domain.SellIntent{})
	assert.ErrorContains(t, err, "nope")
}

func TestPaper_BuySellLedger(t *testing.T) {
	price := func(_ context.Context, mint string) (float64, error) {
		if mint == "NOPRICE" {
			return 0, domain.ErrNotFound
		}
		return 0.001, nil
	}
	d, chain := NewPaper(price, discardLogger())
	ctx := context.Background()

	buySig, err := d.SendBuy(ctx, "M1", 1, domain.BuyIntent{})
	require.NoError(t, err)
	bal, err := chain.HeldBalances(ctx, "")
	require.NoError(t, err)
	assert.InDelta(t, 1000, bal["M1"], 1e-9)

	_, err = d.SendBuy(ctx, "NOPRICE", 1, domain.BuyIntent{})
	assert.True(t, errors.Is(err, domain.ErrNotFound))

	sellSig, err := d.SendSell(ctx, "M1", 800, domain.SellIntent{Fraction: 0.8})
	require.NoError(t, err)
	badSig, err := d.SendSell(ctx, "M1", 5000, domain.SellIntent{Fraction: 1})
	require.NoError(t, err)

	st, err := chain.SignatureStatuses(ctx, []string{buySig, sellSig, badSig, "unknown"})
	require.NoError(t, err)
	assert.True(t, st[0].Confirmed)
	assert.True(t, st[1].Confirmed)
	assert.True(t, st[2].Found)
	assert.NotEmpty(t, st[2].Err)
	assert.False(t, st[3].Found)

	bal, err = chain.HeldBalances(ctx, "")
	require.NoError(t, err)
	assert.InDelta(t, 200, bal["M1"], 1e-9)
}
