package server

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	rediscache "github.com/agrozold/pumpfun-bonkfun-bot-sub001/internal/cache/redis"
	"github.com/agrozold/pumpfun-bonkfun-bot-sub001/internal/crypto"
	"github.com/agrozold/pumpfun-bonkfun-bot-sub001/internal/domain"
	"github.com/agrozold/pumpfun-bonkfun-bot-sub001/internal/feed"
	"github.com/agrozold/pumpfun-bonkfun-bot-sub001/internal/metrics"
	"github.com/agrozold/pumpfun-bonkfun-bot-sub001/internal/server/handler"
	"github.com/agrozold/pumpfun-bonkfun-bot-sub001/internal/service"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

type fakeExporter struct{ calls int }

func (e *fakeExporter) Export(context.Context) (string, error) {
	e.calls++
	return "s3://bucket/snapshots/latest.json", nil
}

type fixture struct {
	handler http.Handler
	store   *rediscache.StateStore
	intake  *feed.Intake
	export  *fakeExporter
	auth    *crypto.HMACAuth
	bus     *rediscache.SignalBus
	prices  *service.PriceService
}

func newFixture(t *testing.T, intakeSize int) *fixture {
	t.Helper()
	mr := miniredis.RunT(t)
	c, err := rediscache.New(context.Background(), rediscache.ClientConfig{Addr: mr.Addr()})
	require.NoError(t, err)
	t.Cleanup(func() { _ = c.Close() })

	store := rediscache.NewStateStore(c, time.Hour)
	reg := prometheus.NewRegistry()
	m := metrics.New("swapbot", reg)
	intake := feed.NewIntake(intakeSize, m, discardLogger())
	auth := &crypto.HMACAuth{Key: "listener", Secret: "s3cret"}
	exp := &fakeExporter{}
	bus := rediscache.NewSignalBus(c)
	log := discardLogger()
	prices := service.NewPriceService(rediscache.NewPriceCache(c), nil, time.Minute, log)

	srv := NewServer(Config{Addr: ":0", APIKey: "api-key", CORSOrigins: []string{"https://ops.example"}}, Handlers{
		Health: handler.NewHealthHandler(map[string]handler.Check{"redis": c.Ping}, func() domain.BotStatus {
			return domain.BotStatus{Mode: "trade", QueueDepth: intake.Depth()}
		}, log),
		Positions: handler.NewPositionHandler(store, prices, log),
		Signals:   handler.NewSignalHandler(intake, auth, time.Minute, log),
		State:     handler.NewStateHandler(exp, nil, log),
		Events:    handler.NewEventHandler(bus, "position_events", log),
		Metrics:   promhttp.HandlerFor(reg, promhttp.HandlerOpts{}),
	}, nil, log)
	return &fixture{handler: srv.Handler(), store: store, intake: intake, export: exp, auth: auth, bus: bus, prices: prices}
}

func (f *fixture) do(t *testing.T, req *http.Request, authed bool) *httptest.ResponseRecorder {
	t.Helper()
	if authed {
		req.Header.Set("Authorization", "Bearer api-key")
	}
	rec := httptest.NewRecorder()
	f.handler.ServeHTTP(rec, req)
	return rec
}

func TestHealthIsPublic(t *testing.T) {
	f := newFixture(t, 4)
	rec := f.do(t, httptest.NewRequest(http.MethodGet, "/api/health", nil), false)
	require.Equal(t, http.StatusOK, rec.Code)

	var body map[string]any
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.Equal(t, "ok", body["status"])
	assert.Equal(t, "trade", body["mode"])
	assert.Equal(t, map[string]any{"redis": "ok"}, body["checks"])
}

func TestPositionsRequireAuth(t *testing.T) {
	f := newFixture(t, 4)
	rec := f.do(t, httptest.NewRequest(http.MethodGet, "/api/positions", nil), false)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	req := httptest.NewRequest(http.MethodGet, "/api/positions", nil)
	req.Header.Set("X-API-Key", "api-key")
	rec = f.do(t, req, false)
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestPositionEndpoints(t *testing.T) {
	f := newFixture(t, 4)
	ctx := context.Background()
	opened := time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)
	for i, mint := range []string{"M2", "M1"} {
		require.NoError(t, f.store.SavePosition(ctx, domain.Position{
			Mint: mint, Symbol: "S" + mint, Entry: 0.0001, Quantity: 100,
			OpenedAt: opened.Add(time.Duration(-i) * time.Minute), IsActive: true,
		}))
	}
	require.NoError(t, f.prices.RecordPrice(ctx, "M1", 0.0002, time.Now()))

	rec := f.do(t, httptest.NewRequest(http.MethodGet, "/api/positions", nil), true)
	require.Equal(t, http.StatusOK, rec.Code)
	var list struct {
		Count     int `json:"count"`
		Positions []struct {
			Mint      string   `json:"mint"`
			State     string   `json:"state"`
			Price     float64  `json:"current_price"`
			ProfitPct *float64 `json:"profit_pct"`
		} `json:"positions"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &list))
	require.Equal(t, 2, list.Count)
	assert.Equal(t, "M1", list.Positions[0].Mint, "oldest first")
	assert.Equal(t, "OPEN", list.Positions[0].State)
	assert.Equal(t, 0.0002, list.Positions[0].Price)
	require.NotNil(t, list.Positions[0].ProfitPct)
	assert.InDelta(t, 1.0, *list.Positions[0].ProfitPct, 1e-9)
	assert.Nil(t, list.Positions[1].ProfitPct, "no cached price for M2")

	rec = f.do(t, httptest.NewRequest(http.MethodGet, "/api/positions/M2", nil), true)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `"symbol":"SM2"`)

	rec = f.do(t, httptest.NewRequest(http.MethodGet, "/api/positions/NOPE", nil), true)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func signedSignal(t *testing.T, f *fixture, body string) *http.Request {
	t.Helper()
	req := httptest.NewRequest(http.MethodPost, "/api/signals", bytes.NewBufferString(body))
	f.auth.Apply(req, []byte(body))
	return req
}

func TestSubmitSignals(t *testing.T) {
	f := newFixture(t, 1)

	rec := f.do(t, signedSignal(t, f, `[{"mint":"M1","sol_amount":0.05},{"symbol":"bad"}]`), true)
	require.Equal(t, http.StatusAccepted, rec.Code)
	var resp struct {
		Accepted int      `json:"accepted"`
		Rejected []string `json:"rejected"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Equal(t, 1, resp.Accepted)
	assert.Len(t, resp.Rejected, 1)
	assert.Equal(t, 1, f.intake.Depth())

	// Queue of one is now full.
	rec = f.do(t, signedSignal(t, f, `{"mint":"M2"}`), true)
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
	assert.Equal(t, "1", rec.Header().Get("Retry-After"))

	rec = f.do(t, signedSignal(t, f, `{"symbol":"no mint"}`), true)
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	sig := <-f.intake.C()
	assert.Equal(t, "M1", sig.Mint)
	assert.Equal(t, 0.05, sig.SolAmount)
}

func TestSubmitSignalsRejectsBadSignature(t *testing.T) {
	f := newFixture(t, 4)
	req := signedSignal(t, f, `{"mint":"M1"}`)
	req.Body = io.NopCloser(bytes.NewBufferString(`{"mint":"EVIL"}`))
	rec := f.do(t, req, true)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
	assert.Zero(t, f.intake.Depth())
}

func TestExportAndMetrics(t *testing.T) {
	f := newFixture(t, 1)
	rec := f.do(t, httptest.NewRequest(http.MethodPost, "/api/state/export", nil), true)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "latest.json")
	assert.Equal(t, 1, f.export.calls)

	rec = f.do(t, httptest.NewRequest(http.MethodGet, "/api/journal", nil), true)
	assert.Equal(t, http.StatusNotImplemented, rec.Code)

	// Overflow the queue so the dropped counter exists.
	require.NoError(t, f.intake.Offer(domain.TradeSignal{Mint: "A"}, "test"))
	require.Error(t, f.intake.Offer(domain.TradeSignal{Mint: "B"}, "test"))
	rec = f.do(t, httptest.NewRequest(http.MethodGet, "/metrics", nil), false)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `outcome="dropped"`)
}

func TestCORSPreflight(t *testing.T) {
	f := newFixture(t, 1)
	req := httptest.NewRequest(http.MethodOptions, "/api/signals", nil)
	req.Header.Set("Origin", "https://ops.example")
	rec := f.do(t, req, false)
	assert.Equal(t, http.StatusNoContent, rec.Code)
	assert.Equal(t, "https://ops.example", rec.Header().Get("Access-Control-Allow-Origin"))

	req = httptest.NewRequest(http.MethodOptions, "/api/signals", nil)
	req.Header.Set("Origin", "https://evil.example")
	rec = f.do(t, req, false)
	assert.Empty(t, rec.Header().Get("Access-Control-Allow-Origin"))
}

func TestListEvents(t *testing.T) {
	f := newFixture(t, 1)
	ctx := context.Background()
	require.NoError(t, f.bus.StreamAppend(ctx, "position_events", []byte(`{"event":"buy_confirmed","mint":"M1"}`)))
	require.NoError(t, f.bus.StreamAppend(ctx, "position_events", []byte(`{"event":"position_closed","mint":"M1"}`)))

	rec := f.do(t, httptest.NewRequest(http.MethodGet, "/api/events?limit=1", nil), true)
	require.Equal(t, http.StatusOK, rec.Code)
	var page struct {
		Cursor string `json:"cursor"`
		Events []struct {
			ID    string `json:"id"`
			Event struct {
				Event string `json:"event"`
			} `json:"event"`
		} `json:"events"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &page))
	require.Len(t, page.Events, 1)
	assert.Equal(t, "buy_confirmed", page.Events[0].Event.Event)
	assert.Equal(t, page.Events[0].ID, page.Cursor)

	rec = f.do(t, httptest.NewRequest(http.MethodGet, "/api/events?after="+page.Cursor, nil), true)
	require.Equal(t, http.StatusOK, rec.Code)
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &page))
	require.Len(t, page.Events, 1)
	assert.Equal(t, "position_closed", page.Events[0].Event.Event)
}
