package app

import (
	"context"
	"log/slog"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"golang.org/x/sync/errgroup"

	"github.com/alanyoungcy/loopvault/internal/archive"
	"github.com/alanyoungcy/loopvault/internal/bridge"
	"github.com/alanyoungcy/loopvault/internal/chain"
	"github.com/alanyoungcy/loopvault/internal/dispatcher"
	"github.com/alanyoungcy/loopvault/internal/domain"
	"github.com/alanyoungcy/loopvault/internal/keylock"
	"github.com/alanyoungcy/loopvault/internal/ledger"
	"github.com/alanyoungcy/loopvault/internal/looper"
	"github.com/alanyoungcy/loopvault/internal/notify"
	"github.com/alanyoungcy/loopvault/internal/origin"
	"github.com/alanyoungcy/loopvault/internal/safety"
	"github.com/alanyoungcy/loopvault/internal/server"
	"github.com/alanyoungcy/loopvault/internal/server/handler"
	"github.com/alanyoungcy/loopvault/internal/server/ws"
	"github.com/alanyoungcy/loopvault/internal/service"
	"github.com/alanyoungcy/loopvault/internal/unwind"
)

// shutdownTimeout bounds graceful HTTP shutdown.
const shutdownTimeout = 5 * time.Second

// OriginMode runs the ledger, the loop and unwind controllers, the origin
// agent consuming instructions, the health poller and the projector.
func (a *App) OriginMode(ctx context.Context, deps *Dependencies) error {
	a.logger.InfoContext(ctx, "starting origin mode")

	g, ctx := errgroup.WithContext(ctx)
	vault, err := a.startOrigin(ctx, g, deps)
	if err != nil {
		return err
	}
	a.startHTTPServer(ctx, g, deps, vault, nil)
	return g.Wait()
}

// ReactiveMode runs the dispatcher against the signal stream, the chain
// watcher when a vault address is configured, and the alerter.
func (a *App) ReactiveMode(ctx context.Context, deps *Dependencies) error {
	a.logger.InfoContext(ctx, "starting reactive mode")

	g, ctx := errgroup.WithContext(ctx)
	disp := a.startReactive(ctx, g, deps)
	a.startHTTPServer(ctx, g, deps, nil, disp)
	return g.Wait()
}

// FullMode runs both sides in one process, still talking over the bus.
func (a *App) FullMode(ctx context.Context, deps *Dependencies) error {
	a.logger.InfoContext(ctx, "starting full mode")

	g, ctx := errgroup.WithContext(ctx)
	vault, err := a.startOrigin(ctx, g, deps)
	if err != nil {
		return err
	}
	disp := a.startReactive(ctx, g, deps)
	a.startHTTPServer(ctx, g, deps, vault, disp)
	return g.Wait()
}

// SimulateMode is full mode over the simulated venue and in-memory stores
// and bus. Nothing leaves the process.
func (a *App) SimulateMode(ctx context.Context, deps *Dependencies) error {
	a.logger.InfoContext(ctx, "starting simulate mode",
		slog.Int64("liquidation_threshold_bps", a.cfg.Venue.SimLiquidationThresholdBps),
		slog.Int64("swap_fee_bps", a.cfg.Venue.SimSwapFeeBps),
	)
	return a.FullMode(ctx, deps)
}

func (a *App) consumerConfig(name, stream string) bridge.ConsumerConfig {
	return bridge.ConsumerConfig{
		Name:         name,
		Stream:       stream,
		BatchSize:    a.cfg.Dispatcher.BatchSize,
		PollInterval: a.cfg.Dispatcher.PollInterval.Duration,
		MaxAttempts:  a.cfg.Dispatcher.MaxAttempts,
	}
}

// startOrigin builds the origin side, fails sequences interrupted by the
// last shutdown and starts its goroutines on g.
func (a *App) startOrigin(ctx context.Context, g *errgroup.Group, deps *Dependencies) (*service.VaultService, error) {
	params, err := a.cfg.LoopParams()
	if err != nil {
		return nil, err
	}

	guard := safety.NewGuard(params)
	outbox := bridge.NewOutbox(deps.SignalBus, a.logger)
	l := ledger.New(deps.PositionStore, deps.AuditStore, params.AbsoluteMaxLoops, a.logger)
	locks := keylock.New()

	loops := looper.NewController(l, guard, deps.Venue, deps.Router, deps.StepStore, outbox, locks, a.logger)
	unwinds := unwind.NewController(l, guard, deps.Venue, deps.Router, deps.StepStore, outbox, locks, loops, a.logger)
	loops.SetUnwindTracker(unwinds)

	if err := loops.Recover(ctx); err != nil {
		return nil, err
	}
	g.Go(func() error {
		return loops.RunExpiry(ctx, 0, a.cfg.Loop.StaleAfter.Duration)
	})

	vault := service.NewVaultService(l, guard, loops, unwinds, deps.Venue, deps.StepStore, 0, a.logger)

	agent := origin.NewAgent(loops, unwinds, deps.LockManager, origin.AgentConfig{
		LockTTL:  a.cfg.Loop.LockTTL.Duration,
		LockWait: a.cfg.Loop.LockWait.Duration,
	}, a.logger)
	instructions := bridge.NewConsumer(deps.SignalBus, deps.Checkpoint,
		a.consumerConfig("origin", bridge.InstructionStream), a.logger)
	g.Go(func() error {
		return instructions.Run(ctx, bridge.InstructionHandler(agent.Handle))
	})

	poller := origin.NewHealthPoller(l, deps.Venue, outbox, params.SafeHealthFactor,
		a.cfg.Loop.HealthPollInterval.Duration, a.logger)
	g.Go(func() error {
		return poller.Run(ctx)
	})

	projector := service.NewProjector(vault, deps.ProjectionCache, a.logger)
	g.Go(func() error {
		return projector.Run(ctx, deps.SignalBus, bridge.EventChannel)
	})

	if deps.Archiver != nil {
		job := archive.NewJob(deps.Archiver, a.cfg.Archive.RetentionDays, a.logger)
		g.Go(func() error {
			return job.Schedule(ctx, a.cfg.Archive.Cron)
		})
	}

	return vault, nil
}

// startReactive builds the dispatcher and its inputs and starts them on g.
// The loop parameters were validated at startup.
func (a *App) startReactive(ctx context.Context, g *errgroup.Group, deps *Dependencies) *dispatcher.Dispatcher {
	params, _ := a.cfg.LoopParams()
	outbox := bridge.NewOutbox(deps.SignalBus, a.logger)

	disp := dispatcher.New(safety.NewGuard(params), outbox, dispatcher.Config{
		ConfirmationTimeout: a.cfg.Dispatcher.ConfirmationTimeout.Duration,
		SweepInterval:       a.cfg.Dispatcher.SweepInterval.Duration,
		DedupTTL:            a.cfg.Dispatcher.DedupTTL.Duration,
	}, a.logger)

	if deps.Notifier.Enabled() {
		disp.SetAlerts(deps.Notifier)
	}

	signals := bridge.NewConsumer(deps.SignalBus, deps.Checkpoint,
		a.consumerConfig("reactive", bridge.SignalStream), a.logger)
	g.Go(func() error {
		return signals.Run(ctx, bridge.EventHandler(disp.Handle))
	})
	g.Go(func() error {
		return disp.Run(ctx)
	})

	if a.cfg.Origin.VaultAddress != "" && deps.Chain != nil {
		// Vault users are observed only. Account reads need the real pool;
		// the simulator knows nothing of on-chain users.
		var venue domain.LendingVenue
		if a.cfg.NeedsSigner() {
			venue = deps.Venue
		}
		watcher := chain.NewWatcher(deps.Chain, deps.Checkpoint, outbox, venue, chain.Config{
			Vault:         common.HexToAddress(a.cfg.Origin.VaultAddress),
			StartBlock:    a.cfg.Origin.StartBlock,
			Confirmations: a.cfg.Origin.Confirmations,
			MaxBlockRange: a.cfg.Origin.MaxBlockRange,
			PollInterval:  a.cfg.Origin.PollInterval.Duration,
		}, a.logger)
		g.Go(func() error {
			return watcher.Run(ctx)
		})
	}

	if deps.Notifier.Enabled() {
		alerter := notify.NewAlerter(deps.Notifier, a.logger)
		g.Go(func() error {
			return alerter.Run(ctx, deps.SignalBus, bridge.EventChannel)
		})
	}

	return disp
}

// startHTTPServer adds the HTTP server and WebSocket hub to g. vault is nil
// on reactive-only processes, which then answer position reads from the
// projection cache; disp is nil on origin-only processes.
func (a *App) startHTTPServer(
	ctx context.Context,
	g *errgroup.Group,
	deps *Dependencies,
	vault *service.VaultService,
	disp *dispatcher.Dispatcher,
) {
	if !a.cfg.Server.Enabled {
		return
	}

	startedAt := time.Now().UTC()
	h := server.Handlers{
		Health: handler.NewHealthHandler(deps.Checks, a.logger),
	}

	// Typed nils must not reach the handler interfaces.
	var trackers handler.TrackerSource
	if disp != nil {
		trackers = disp
	}
	h.Status = handler.NewStatusHandler(a.cfg.Mode, startedAt, trackers)

	var commands handler.VaultService
	if vault != nil {
		commands = vault
	}
	h.Positions = handler.NewPositionHandler(commands, deps.ProjectionCache, a.logger)

	if deps.BlobReader != nil {
		h.Archives = handler.NewArchiveHandler(deps.BlobReader, a.logger)
	}

	hub := ws.NewHub(deps.SignalBus, ws.Config{
		Mode:      a.cfg.Mode,
		StartedAt: startedAt,
	}, a.logger)
	g.Go(func() error {
		return hub.Run(ctx)
	})

	srv := server.NewServer(server.Config{
		Port:        a.cfg.Server.Port,
		CORSOrigins: a.cfg.Server.CORSOrigins,
		APIKey:      a.cfg.Server.APIKey,
		RateLimit:   int(a.cfg.Server.RateLimit),
		RateWindow:  a.cfg.Server.RateWindow.Duration,
	}, h, hub, deps.RateLimiter, a.logger)

	g.Go(srv.Start)
	g.Go(func() error {
		<-ctx.Done()
		shutCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		return srv.Shutdown(shutCtx)
	})
}
