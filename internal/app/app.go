package app

import (
	"context"
	"errors"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"

	"metal-oracle-watcher/internal/alerting"
	"metal-oracle-watcher/internal/analyzer"
	"metal-oracle-watcher/internal/config"
	"metal-oracle-watcher/internal/fetcher"
	"metal-oracle-watcher/internal/metals"
	"metal-oracle-watcher/internal/metrics"
	"metal-oracle-watcher/internal/oracle"
	"metal-oracle-watcher/internal/scheduler"
	"metal-oracle-watcher/internal/server"
	"metal-oracle-watcher/internal/state"
	"metal-oracle-watcher/internal/storage"
	"metal-oracle-watcher/internal/watcher"
)

// App aggregates configuration and shared dependencies for the CLI commands.
type App struct {
	Config *config.Config
	Logger zerolog.Logger
}

// NewApp constructs a new application handle.
func NewApp(cfg *config.Config, logger zerolog.Logger) *App {
	return &App{Config: cfg, Logger: logger.With().Str("component", "app").Logger()}
}

func (a *App) openState() (*state.Store, error) {
	return state.New(state.Options{
		Addr:         a.Config.Redis.Addr,
		Password:     a.Config.Redis.Password,
		DB:           a.Config.Redis.DB,
		Namespace:    a.Config.Redis.Namespace,
		CacheTTL:     a.Config.Feeds.CacheTTL,
		HistoryLimit: a.Config.Watcher.HistoryLimit,
	}, a.Logger)
}

func (a *App) openArchive(ctx context.Context) (*storage.Store, func(), error) {
	if a.Config.Database.DSN == "" {
		return nil, nil, nil
	}

	pool, err := storage.NewPool(ctx, a.Config.Database)
	if err != nil {
		return nil, nil, err
	}

	store := storage.NewStore(pool)
	if err := store.EnsureSchema(ctx); err != nil {
		store.Close()
		return nil, nil, err
	}

	closer := func() {
		store.Close()
	}
	return store, closer, nil
}

func (a *App) fallbackPrices() (metals.Prices, decimal.Decimal) {
	fb := a.Config.Feeds.Fallback
	prices := metals.Prices{
		Gold:      decimal.NewFromFloat(fb.Gold),
		Silver:    decimal.NewFromFloat(fb.Silver),
		Platinum:  decimal.NewFromFloat(fb.Platinum),
		Palladium: decimal.NewFromFloat(fb.Palladium),
	}
	return prices, decimal.NewFromFloat(fb.Aux)
}

func (a *App) newFetchChain(stateStore *state.Store) *fetcher.Chain {
	fallback, auxFallback := a.fallbackPrices()

	primary := fetcher.NewGoldAPI(fetcher.GoldAPIOptions{
		BaseURL:      a.Config.Feeds.GoldAPI.BaseURL,
		APIKey:       a.Config.Feeds.GoldAPI.APIKey,
		RequestDelay: a.Config.Feeds.GoldAPI.RequestDelay,
		Timeout:      a.Config.Feeds.GoldAPI.RequestTimeout,
	}, a.Logger)

	secondary := fetcher.NewMetalsDev(fetcher.MetalsDevOptions{
		BaseURL:    a.Config.Feeds.MetalsDev.BaseURL,
		APIKey:     a.Config.Feeds.MetalsDev.APIKey,
		Timeout:    a.Config.Feeds.MetalsDev.RequestTimeout,
		Defaults:   fallback,
		AuxDefault: auxFallback,
	}, a.Logger)

	sources := []fetcher.Source{
		primary,
		secondary,
		fetcher.NewCacheSource(stateStore),
		fetcher.NewHardcodedSource(fallback, auxFallback),
	}
	return fetcher.NewChain(sources, stateStore, a.Logger)
}

func (a *App) newAlerts(stateStore *state.Store) *alerting.Dispatcher {
	var notifier alerting.Notifier
	if a.Config.Alerting.Telegram.Enabled {
		cfg := a.Config.Alerting.Telegram
		notifier = alerting.NewTelegramNotifier(cfg.BotToken, cfg.ChatID, cfg.APIBase, 10*time.Second, a.Logger)
	}

	enabled := a.Config.Alerting.Enabled && notifier != nil
	return alerting.NewDispatcher(notifier, stateStore, a.Config.Alerting.Cooldown, enabled, a.Logger)
}

func (a *App) newWatcher(stateStore *state.Store, archive *storage.Store, recorder *metrics.Recorder) *watcher.Service {
	reader := oracle.NewReader(oracle.ReaderOptions{
		RPCURL:        a.Config.Ethereum.RPCURL,
		OracleAddress: a.Config.Ethereum.OracleAddress,
		Timeout:       a.Config.Ethereum.RequestTimeout,
	}, a.Logger)

	updater := oracle.NewUpdater(oracle.UpdaterOptions{
		RPCURL:         a.Config.Ethereum.RPCURL,
		OracleAddress:  a.Config.Ethereum.OracleAddress,
		ChainID:        a.Config.Ethereum.ChainID,
		PrivateKey:     a.Config.Ethereum.PrivateKey,
		Timeout:        a.Config.Ethereum.RequestTimeout,
		RetryAttempts:  a.Config.Watcher.UpdateRetryAttempts,
		RetryBaseDelay: a.Config.Watcher.UpdateRetryBaseDelay,
		RetryMaxDelay:  a.Config.Watcher.UpdateRetryMaxDelay,
	}, stateStore, a.Logger)

	analysis := analyzer.New(analyzer.Options{
		DeviationThresholdPct: decimal.NewFromFloat(a.Config.Watcher.DeviationThresholdPct),
		AnomalyThresholdPct:   decimal.NewFromFloat(a.Config.Watcher.AnomalyThresholdPct),
		StalenessThreshold:    a.Config.Watcher.StalenessThreshold,
	})

	svc := watcher.New(
		a.newFetchChain(stateStore),
		reader,
		updater,
		analysis,
		a.newAlerts(stateStore),
		stateStore,
		watcher.Options{
			ErrorAlertThreshold: a.Config.Watcher.ErrorAlertThreshold,
			AutoPauseThreshold:  a.Config.Watcher.AutoPauseThreshold,
		},
		a.Logger,
	).WithMetrics(recorder)

	if archive != nil {
		svc = svc.WithArchiver(archive)
	}
	return svc
}

// Run executes the long-running watcher service with its admin HTTP surface.
func (a *App) Run(ctx context.Context) error {
	ctx, cancel := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	stateStore, err := a.openState()
	if err != nil {
		return err
	}
	defer stateStore.Close()

	archive, closeArchive, err := a.openArchive(ctx)
	if err != nil {
		return err
	}
	if archive == nil {
		a.Logger.Warn().Msg("database.dsn not configured; snapshot archive disabled")
	}
	if closeArchive != nil {
		defer closeArchive()
	}

	recorder := metrics.New()
	svc := a.newWatcher(stateStore, archive, recorder)

	handlers := server.NewHandlers(stateStore, svc, a.Logger)
	srv := server.New(server.Options{
		Host:            a.Config.Server.Host,
		Port:            a.Config.Server.Port,
		AuthToken:       a.Config.Server.AuthToken,
		ReadTimeout:     a.Config.Server.ReadTimeout,
		WriteTimeout:    a.Config.Server.WriteTimeout,
		ShutdownTimeout: a.Config.Server.ShutdownTimeout,
	}, handlers, a.Logger)
	serverErr := srv.Start()

	sched := scheduler.New(scheduler.Options{
		Interval:     a.Config.Scheduler.Interval,
		StartupDelay: a.Config.Scheduler.StartupDelay,
	}, a.Logger)

	svc.Start(ctx)
	a.Logger.Info().Msg("starting watcher service")

	schedErr := make(chan error, 1)
	go func() {
		schedErr <- sched.Run(ctx, svc.Tick)
	}()

	var runErr error
	select {
	case err := <-serverErr:
		if err != nil {
			a.Logger.Error().Err(err).Msg("http server failed")
			runErr = err
		}
		cancel()
		<-schedErr
	case err := <-schedErr:
		if err != nil && !errors.Is(err, context.Canceled) {
			runErr = err
		}
	}

	// Shutdown status must be written even though ctx is already cancelled.
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), a.Config.Server.ShutdownTimeout)
	defer shutdownCancel()
	svc.Stop(shutdownCtx)
	if err := srv.Stop(shutdownCtx); err != nil {
		a.Logger.Error().Err(err).Msg("http server shutdown failed")
	}

	if runErr != nil {
		a.Logger.Error().Err(runErr).Msg("watcher service terminated with error")
		return runErr
	}
	a.Logger.Info().Msg("watcher service stopped")
	return nil
}

// ExportOptions hold parameters for exporting archived snapshots.
type ExportOptions struct {
	From      *time.Time
	To        *time.Time
	PNGPath   string
	CSVPath   string
	MaxPoints int
}

// ShowOptions configure the show command.
type ShowOptions struct {
	Limit int
}
