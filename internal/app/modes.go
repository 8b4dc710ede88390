package app

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"golang.org/x/sync/errgroup"

	"github.com/agrozold/pumpfun-bonkfun-bot-sub001/internal/crypto"
	"github.com/agrozold/pumpfun-bonkfun-bot-sub001/internal/domain"
	"github.com/agrozold/pumpfun-bonkfun-bot-sub001/internal/executor"
	"github.com/agrozold/pumpfun-bonkfun-bot-sub001/internal/feed"
	"github.com/agrozold/pumpfun-bonkfun-bot-sub001/internal/pipeline"
	"github.com/agrozold/pumpfun-bonkfun-bot-sub001/internal/server"
	"github.com/agrozold/pumpfun-bonkfun-bot-sub001/internal/server/handler"
	"github.com/agrozold/pumpfun-bonkfun-bot-sub001/internal/service"
)

// paperWallet stands in for the wallet address when paper trading.
const paperWallet = "paper"

// core is the part shared by trade and monitor mode: the position engine,
// its confirmation pipeline, the reconciler and the snapshot exporter.
type core struct {
	positions *service.PositionService
	confirm   *pipeline.Confirmation
	reconcile *service.ReconcileService
	snapshot  *service.SnapshotService
}

func (a *App) wallet() string {
	if a.cfg.Wallet.Address == "" {
		return paperWallet
	}
	return a.cfg.Wallet.Address
}

func (a *App) positionDeps(deps *Dependencies) service.PositionDeps {
	return service.PositionDeps{
		Chain:    deps.Chain,
		Journal:  deps.Journal,
		Bus:      deps.SignalBus,
		Notifier: deps.Notifier,
		Metrics:  deps.Metrics,
	}
}

func (a *App) exitPolicy() service.ExitPolicy {
	t := a.cfg.Trading
	return service.ExitPolicy{
		StopLossPct:      t.StopLossPct,
		TakeProfitPct:    t.TakeProfitPct,
		MoonbagFraction:  t.MoonbagPct,
		MaxHold:          t.MaxHold.Duration,
		EmergencyStopPct: t.EmergencyStopPct,
		HardStopPct:      t.HardStopPct,
		Trailing: service.TrailingConfig{
			Enabled:       t.TSLEnabled,
			ActivationPct: t.TSLActivationPct,
			TrailPct:      t.TSLTrailPct,
			SellFraction:  t.TSLSellPct,
		},
	}
}

// snapshotService builds the exporter. It is usable without a chain client.
func (a *App) snapshotService(deps *Dependencies) *service.SnapshotService {
	var archive service.SnapshotArchive
	if deps.Archive != nil {
		archive = deps.Archive
	}
	return service.NewSnapshotService(deps.State, archive, a.cfg.Snapshot.File, a.cfg.Snapshot.Interval.Duration, a.logger)
}

func (a *App) reconcileService(deps *Dependencies) *service.ReconcileService {
	rc := a.cfg.Reconcile
	return service.NewReconcileService(deps.State, deps.Chain, service.ReconcileConfig{
		Wallet:             a.wallet(),
		Interval:           rc.Interval.Duration,
		GracePeriod:        rc.GracePeriod.Duration,
		QuantityTolerance:  rc.QuantityTolerance,
		PendingSellTimeout: rc.PendingSellTimeout.Duration,
		EmptySnapshots:     rc.EmptySnapshots,
		Policy:             a.exitPolicy(),
	}, a.positionDeps(deps), a.logger)
}

// buildCore wires the position engine to the confirmation pipeline. The
// pipeline calls back into the engine and the engine submits sells to the
// pipeline, so the confirmer is attached after both exist.
func (a *App) buildCore(deps *Dependencies) *core {
	t := a.cfg.Trading
	positions := service.NewPositionService(
		deps.State,
		deps.Prices,
		deps.Dispatcher,
		a.exitPolicy(),
		service.MonitorConfig{
			Interval:      t.MonitorInterval.Duration,
			Concurrency:   t.MonitorWorkers,
			Wallet:        a.wallet(),
			PendingBuyTTL: a.cfg.Gate.PendingBuyTTL.Duration,
		},
		a.positionDeps(deps),
		a.logger,
	)

	cc := a.cfg.Confirm
	confirm := pipeline.NewConfirmation(deps.Chain, positions, pipeline.Config{
		QueueSize:       cc.QueueSize,
		Workers:         cc.Workers,
		SettleDelay:     cc.SettleDelay.Duration,
		PollInterval:    cc.PollInterval.Duration,
		MaxWait:         cc.MaxWait.Duration,
		CallbackTimeout: cc.CallbackTimeout.Duration,
	}, deps.Metrics, a.logger)
	positions.SetConfirmer(confirm)

	return &core{
		positions: positions,
		confirm:   confirm,
		reconcile: a.reconcileService(deps),
		snapshot:  a.snapshotService(deps),
	}
}

// startCore launches the long-running core goroutines on g.
func (a *App) startCore(ctx context.Context, g *errgroup.Group, deps *Dependencies, c *core) {
	g.Go(func() error { return c.confirm.Run(ctx) })
	g.Go(func() error { return c.positions.Run(ctx) })
	if a.cfg.Reconcile.Enabled {
		g.Go(func() error { return c.reconcile.Run(ctx) })
	}
	g.Go(func() error { return c.snapshot.Run(ctx) })
	if deps.Archive != nil && a.cfg.Snapshot.RetentionDays > 0 {
		g.Go(func() error { return a.runArchiveMaintenance(ctx, deps) })
	}
}

// TradeMode runs the full bot: signal intake, executor, confirmation
// pipeline, exit monitor, reconciler, snapshots and the HTTP server.
func (a *App) TradeMode(ctx context.Context, deps *Dependencies) error {
	a.logger.InfoContext(ctx, "starting trade mode",
		slog.Float64("buy_amount_sol", a.cfg.Trading.BuyAmountSOL),
		slog.String("trader", a.cfg.Trader.Kind),
	)
	g, ctx := errgroup.WithContext(ctx)

	c := a.buildCore(deps)
	a.startCore(ctx, g, deps, c)

	sc := a.cfg.Signals
	intake := feed.NewIntake(sc.QueueSize, deps.Metrics, a.logger)

	gc := a.cfg.Gate
	gate := executor.NewGate(deps.State, gc.LockTTL.Duration, executor.LockFailPolicy(strings.ToLower(gc.LockFailPolicy)), deps.Metrics, a.logger)
	signals := a.recordSignalPrices(ctx, g, deps, intake.C())
	exec := executor.NewExecutor(signals, deps.State, gate, deps.Dispatcher, c.confirm, executor.Config{
		HolderID:         "swapbot-" + uuid.NewString()[:8],
		BuyAmountSOL:     a.cfg.Trading.BuyAmountSOL,
		MaxSignalAge:     sc.MaxAge.Duration,
		MaxOpenPositions: a.cfg.Trading.MaxOpenPositions,
		DedupTTL:         gc.DedupTTL.Duration,
		Workers:          gc.Workers,
	}, deps.Metrics, a.logger)
	g.Go(func() error { return exec.Run(ctx) })

	a.startSources(ctx, g, deps, intake)

	if a.cfg.Server.Enabled {
		a.startHTTPServer(ctx, g, deps, c, intake)
	}
	return g.Wait()
}

// MonitorMode manages existing positions without buying: no signal intake
// and no executor.
func (a *App) MonitorMode(ctx context.Context, deps *Dependencies) error {
	a.logger.InfoContext(ctx, "starting monitor mode")
	g, ctx := errgroup.WithContext(ctx)

	c := a.buildCore(deps)
	a.startCore(ctx, g, deps, c)
	if a.cfg.Server.Enabled {
		a.startHTTPServer(ctx, g, deps, c, nil)
	}
	return g.Wait()
}

// ReconcileMode runs one reconciliation pass and exits.
func (a *App) ReconcileMode(ctx context.Context, deps *Dependencies) error {
	rep, err := a.reconcileService(deps).ReconcileOnce(ctx)
	if err != nil {
		return fmt.Errorf("app: reconcile: %w", err)
	}
	a.logger.InfoContext(ctx, "reconcile pass complete",
		slog.Int("checked", rep.Checked),
		slog.Int("kept", rep.Kept),
		slog.Any("removed", rep.Removed),
		slog.Any("corrected", rep.Corrected),
		slog.Any("pending_cleared", rep.PendingCleared),
		slog.Any("orphans", rep.Orphans),
		slog.Bool("deferred", rep.Deferred),
	)
	return nil
}

// ExportMode writes one snapshot and exits.
func (a *App) ExportMode(ctx context.Context, deps *Dependencies) error {
	location, err := a.snapshotService(deps).Export(ctx)
	if err != nil {
		return fmt.Errorf("app: export: %w", err)
	}
	a.logger.InfoContext(ctx, "snapshot exported", slog.String("location", location))
	return nil
}

// ImportMode merges a snapshot into the state store and exits. The source is
// the -import path when given, the latest archived snapshot when S3 is
// enabled, and the configured snapshot file otherwise.
func (a *App) ImportMode(ctx context.Context, deps *Dependencies) error {
	snap := a.snapshotService(deps)
	var (
		rep    service.ImportReport
		err    error
		source string
	)
	switch {
	case a.opts.ImportPath != "":
		source = a.opts.ImportPath
		rep, err = snap.ImportFile(ctx, source)
	case deps.Archive != nil:
		source = "archive:latest"
		rep, err = snap.ImportLatest(ctx)
	default:
		source = a.cfg.Snapshot.File
		rep, err = snap.ImportFile(ctx, source)
	}
	if err != nil {
		return fmt.Errorf("app: import %s: %w", source, err)
	}
	a.logger.InfoContext(ctx, "snapshot imported",
		slog.String("source", source),
		slog.Int("created", rep.Created),
		slog.Int("skipped", rep.Skipped),
		slog.Int("ignored", rep.Ignored),
	)
	return nil
}

// recordSignalPrices stores the price a signal was observed at before the
// executor sees it, so the monitor has a first tick for a fresh position.
func (a *App) recordSignalPrices(ctx context.Context, g *errgroup.Group, deps *Dependencies, in <-chan domain.TradeSignal) <-chan domain.TradeSignal {
	out := make(chan domain.TradeSignal)
	g.Go(func() error {
		defer close(out)
		for {
			select {
			case <-ctx.Done():
				return nil
			case sig := <-in:
				if sig.ExpectedPrice > 0 {
					if err := deps.Prices.RecordPrice(ctx, sig.Mint, sig.ExpectedPrice, sig.Timestamp); err != nil {
						a.logger.DebugContext(ctx, "record signal price failed",
							slog.String("mint", sig.Mint),
							slog.String("error", err.Error()),
						)
					}
				}
				select {
				case out <- sig:
				case <-ctx.Done():
					return nil
				}
			}
		}
	})
	return out
}

// startSources launches every configured signal source.
func (a *App) startSources(ctx context.Context, g *errgroup.Group, deps *Dependencies, intake *feed.Intake) {
	sc := a.cfg.Signals

	if sc.WSURL != "" {
		hdr := http.Header{}
		if sc.WSAPIKey != "" {
			hdr.Set("X-API-Key", sc.WSAPIKey)
		}
		ws := feed.NewWSSource(feed.WSSourceConfig{URL: sc.WSURL, Subscribe: sc.WSSubscribe, Header: hdr}, intake, a.logger)
		g.Go(func() error {
			defer ws.Close()
			return ws.Run(ctx)
		})
	}
	if sc.NATSURL != "" {
		ns := feed.NewNATSSource(feed.NATSSourceConfig{
			URL:     sc.NATSURL,
			Subject: sc.NATSSubject,
			Queue:   sc.NATSQueue,
			Name:    "swapbot",
		}, intake, a.logger)
		g.Go(func() error { return ns.Run(ctx) })
	}
	if sc.BusChannel != "" {
		bus := feed.NewBusSource(deps.SignalBus, sc.BusChannel, intake, a.logger)
		g.Go(func() error { return bus.Run(ctx) })
	}
}

// startHTTPServer serves the operator API. intake is nil in modes that do
// not accept signals.
func (a *App) startHTTPServer(ctx context.Context, g *errgroup.Group, deps *Dependencies, c *core, intake *feed.Intake) {
	started := time.Now()
	status := func() domain.BotStatus {
		st := domain.BotStatus{
			Mode:          a.cfg.Mode,
			UptimeSeconds: int64(time.Since(started).Seconds()),
			InFlight:      c.confirm.InFlight(),
		}
		if open, err := deps.State.GetAllActivePositions(ctx); err == nil {
			st.OpenPositions = len(open)
		}
		if intake != nil {
			st.QueueDepth = intake.Depth()
		}
		return st
	}

	handlers := server.Handlers{
		Health:    handler.NewHealthHandler(deps.Checks, status, a.logger),
		Positions: handler.NewPositionHandler(deps.State, deps.Prices, a.logger),
		State:     handler.NewStateHandler(c.snapshot, deps.Journal, a.logger),
		Events:    handler.NewEventHandler(deps.SignalBus, service.EventStream, a.logger),
		Metrics:   promhttp.HandlerFor(deps.Registry, promhttp.HandlerOpts{}),
	}
	if intake != nil {
		var auth *crypto.HMACAuth
		if a.cfg.Signals.WebhookSecret != "" {
			auth = &crypto.HMACAuth{Key: "webhook", Secret: a.cfg.Signals.WebhookSecret}
		}
		handlers.Signals = handler.NewSignalHandler(intake, auth, a.cfg.Signals.WebhookSkew.Duration, a.logger)
	}

	sc := a.cfg.Server
	srv := server.NewServer(server.Config{
		Addr:        sc.Addr,
		CORSOrigins: sc.CORSOrigins,
		APIKey:      sc.APIKey,
		RateLimit:   sc.RateLimit,
		RateWindow:  sc.RateWindow.Duration,
	}, handlers, deps.RateLimiter, a.logger)
	g.Go(func() error { return srv.Run(ctx) })
}

// runArchiveMaintenance prunes old snapshots and moves old journal rows to
// the archive once a day.
func (a *App) runArchiveMaintenance(ctx context.Context, deps *Dependencies) error {
	retention := time.Duration(a.cfg.Snapshot.RetentionDays) * 24 * time.Hour
	run := func() {
		before := time.Now().Add(-retention)
		pruned, err := deps.Archive.PruneSnapshots(ctx, before)
		if err != nil {
			a.logger.WarnContext(ctx, "archive: prune snapshots failed", slog.String("error", err.Error()))
		}
		var archived int64
		if deps.Journal != nil {
			archived, err = deps.Archive.ArchiveJournal(ctx, before)
			if err != nil {
				a.logger.WarnContext(ctx, "archive: journal archive failed", slog.String("error", err.Error()))
			}
		}
		a.logger.InfoContext(ctx, "archive maintenance complete",
			slog.Int("snapshots_pruned", pruned),
			slog.Int64("journal_rows_archived", archived),
		)
	}

	run()
	ticker := time.NewTicker(24 * time.Hour)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			run()
		}
	}
}
