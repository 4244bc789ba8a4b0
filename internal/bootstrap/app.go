// Package bootstrap wires the subsystems together and owns the process
// lifecycle.
package bootstrap

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"golang.org/x/sync/errgroup"

	"streamhub/internal/alerts"
	"streamhub/internal/background"
	"streamhub/internal/bus"
	"streamhub/internal/config"
	"streamhub/internal/core"
	"streamhub/internal/lossguard"
	"streamhub/internal/notify"
	"streamhub/internal/storage"
	"streamhub/internal/stream"
	"streamhub/internal/upstream"
	"streamhub/pkg/liveserver"
	"streamhub/pkg/logging"
	"streamhub/pkg/telemetry"
)

// App holds the wired subsystems.
type App struct {
	Cfg    *config.Config
	Logger core.ILogger

	Telemetry *telemetry.Telemetry
	Store     storage.Store
	Muxes     map[core.StreamKind]*stream.Multiplexer
	Bus       *bus.Bus
	Manager   *background.Manager
	Notifier  *notify.Notifier
	Alerts    *alerts.Engine
	LossGuard *lossguard.Engine
	Hub       *liveserver.Hub
	Server    *liveserver.Server
}

// NewApp bootstraps all dependencies from the config file.
func NewApp(configPath string) (*App, error) {
	cfg, err := config.LoadConfig(configPath)
	if err != nil {
		return nil, fmt.Errorf("config: %w", err)
	}

	tel, err := telemetry.Setup(cfg.App.Name)
	if err != nil {
		return nil, fmt.Errorf("telemetry: %w", err)
	}

	logger, err := logging.NewZapLogger(cfg.System.LogLevel)
	if err != nil {
		return nil, fmt.Errorf("logger: %w", err)
	}

	store, err := openStore(cfg)
	if err != nil {
		return nil, fmt.Errorf("storage: %w", err)
	}

	tokens := upstream.NewOAuthTokenSource(
		cfg.Upstream.TokenURL,
		cfg.Upstream.ClientID,
		cfg.Upstream.ClientSecret.Reveal(),
		staticCredentials{token: cfg.Upstream.RefreshToken.Reveal()},
	)
	connector := upstream.NewHTTPConnector(upstream.Config{
		BaseURL:        cfg.Upstream.BaseURL,
		OpenTimeout:    cfg.Upstream.OpenTimeout(),
		ReauthTimeout:  cfg.Upstream.ReauthTimeout(),
		OpensPerSecond: cfg.Upstream.OpensPerSecond,
	}, tokens, logger)

	muxes := make(map[core.StreamKind]*stream.Multiplexer)
	for _, kind := range []core.StreamKind{core.KindQuotes, core.KindPositions, core.KindOrders, core.KindBars} {
		muxes[kind] = stream.NewMultiplexer(stream.Config{
			Kind: kind,
			// At most one chart stream per user; switching instruments
			// force-closes the previous one.
			Exclusive:       kind == core.KindBars,
			MaxPendingOpens: int64(cfg.Stream.MaxPendingOpens),
			StaleTicketAge:  time.Duration(cfg.Stream.StaleTicketSeconds) * time.Second,
			SweepInterval:   time.Duration(cfg.Stream.SweepSeconds) * time.Second,
		}, connector, logger)
	}

	eventBus := bus.New(logger)
	manager := background.NewManager(background.Config{
		InitialBackoff:   time.Duration(cfg.Background.InitialBackoffMS) * time.Millisecond,
		MaxBackoff:       time.Duration(cfg.Background.MaxBackoffSeconds) * time.Second,
		BreakerWindow:    time.Duration(cfg.Background.BreakerWindowSeconds) * time.Second,
		BreakerThreshold: cfg.Background.BreakerThreshold,
	}, muxes, eventBus, logger)

	notifier := notify.NewNotifier(cfg.Notify.PoolWorkers, logger)
	hub := liveserver.NewHub(logger)
	notifier.AddChannel(notify.NewPushChannel(hub))
	if cfg.Notify.EmailAPIURL != "" {
		notifier.AddChannel(notify.NewEmailChannel(
			cfg.Notify.EmailAPIURL,
			cfg.Notify.EmailAPIKey.Reveal(),
			cfg.Notify.EmailFrom,
			addressBook{addresses: cfg.Notify.Addresses},
		))
	}

	alertEngine := alerts.NewEngine(alerts.Config{
		ReloadInterval: time.Duration(cfg.Alerts.ReloadSeconds) * time.Second,
		FlushInterval:  time.Duration(cfg.Alerts.FlushIntervalMS) * time.Millisecond,
	}, store, notifier, manager, logger)

	lossEngine := lossguard.NewEngine(lossguard.Config{
		ReloadInterval:  time.Duration(cfg.LossGuard.ReloadSeconds) * time.Second,
		ReconcileWindow: time.Duration(cfg.LossGuard.ReconcileHours) * time.Hour,
	}, store, notifier, manager, logger)

	manager.OnData(alertEngine.HandleEvent)
	manager.OnData(lossEngine.HandleEvent)

	server := liveserver.NewServer(hub, muxes, manager, logger, cfg.Server.AllowedOrigins)
	server.SetProduction(cfg.App.Environment == "production")
	server.AddStatsSource("alerts", func() interface{} { return alertEngine.GetStats() })
	server.AddStatsSource("loss_guard", func() interface{} { return lossEngine.GetStats() })

	return &App{
		Cfg:       cfg,
		Logger:    logger,
		Telemetry: tel,
		Store:     store,
		Muxes:     muxes,
		Bus:       eventBus,
		Manager:   manager,
		Notifier:  notifier,
		Alerts:    alertEngine,
		LossGuard: lossEngine,
		Hub:       hub,
		Server:    server,
	}, nil
}

func openStore(cfg *config.Config) (storage.Store, error) {
	switch cfg.Storage.Driver {
	case "postgres":
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return storage.NewPostgresStore(ctx, cfg.Storage.DSN.Reveal())
	default:
		return storage.NewSQLiteStore(cfg.Storage.DSN.Reveal())
	}
}

// Runner is a component with a blocking lifecycle.
type Runner interface {
	Run(ctx context.Context) error
}

// RunnerFunc adapts a function to the Runner interface.
type RunnerFunc func(ctx context.Context) error

func (f RunnerFunc) Run(ctx context.Context) error { return f(ctx) }

// Run starts every subsystem and blocks until a termination signal or the
// first runner failure.
func (a *App) Run() error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	g, ctx := errgroup.WithContext(ctx)

	a.Logger.Info("starting application", "name", a.Cfg.App.Name, "environment", a.Cfg.App.Environment)

	runners := []Runner{
		a.Manager,
		a.Alerts,
		a.LossGuard,
		RunnerFunc(func(ctx context.Context) error {
			a.Hub.Run(ctx)
			return nil
		}),
		RunnerFunc(func(ctx context.Context) error {
			return a.Server.Start(ctx, a.Cfg.Server.ListenAddr)
		}),
	}
	for _, mux := range a.Muxes {
		runners = append(runners, mux)
	}

	for _, runner := range runners {
		r := runner
		g.Go(func() error {
			return r.Run(ctx)
		})
	}

	err := g.Wait()
	a.shutdown()
	if err != nil && err != context.Canceled {
		a.Logger.Error("application stopped with error", "error", err)
		return err
	}

	a.Logger.Info("application shut down gracefully")
	return nil
}

func (a *App) shutdown() {
	a.Notifier.Close()
	if err := a.Store.Close(); err != nil {
		a.Logger.Warn("store close failed", "error", err)
	}
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := a.Telemetry.Shutdown(ctx); err != nil {
		a.Logger.Warn("telemetry shutdown failed", "error", err)
	}
}
