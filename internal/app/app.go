package app

import (
	"context"
	"errors"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog"

	"tickerwatch/internal/alerting"
	"tickerwatch/internal/config"
	"tickerwatch/internal/engine"
	"tickerwatch/internal/fetcher"
	"tickerwatch/internal/history"
	"tickerwatch/internal/metrics"
	"tickerwatch/internal/scheduler"
	"tickerwatch/internal/service"
	"tickerwatch/internal/storage"
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

func (a *App) newHistoryStore() *history.Store {
	return history.NewStore(history.Options{
		Timeframe:      a.Config.Tracker.Timeframe,
		Retention:      a.Config.Tracker.Retention,
		FullResolution: a.Config.Tracker.FullResolution,
		DecimationStep: a.Config.Tracker.DecimationStep,
		AlertInterval:  a.Config.Alerting.Interval,
	})
}

func (a *App) newEngine(store *history.Store) *engine.Engine {
	return engine.New(store, engine.Options{
		ThresholdPct:  service.Threshold(a.Config),
		Workers:       a.Config.Engine.Workers,
		AlertBuffer:   a.Config.Engine.AlertBuffer,
		EvictInterval: a.Config.Tracker.EvictInterval,
	}, a.Logger)
}

// newNotifier assembles the configured delivery channels behind a
// circuit breaker. With no channel configured, alerts go to the log.
func (a *App) newNotifier() alerting.Notifier {
	var channels alerting.Multi

	for _, channel := range a.Config.Alerting.Channels {
		switch channel {
		case "telegram":
			if cfg := a.Config.Alerting.Telegram; cfg.Enabled {
				channels = append(channels, alerting.NewTelegramNotifier(cfg.BotToken, cfg.ChatID, cfg.APIBase, 10*time.Second, a.Logger))
			}
		case "email":
			if cfg := a.Config.Alerting.Email; cfg.Enabled {
				channels = append(channels, alerting.NewEmailNotifier(alerting.EmailOptions{
					Host:           cfg.Host,
					Port:           cfg.Port,
					From:           cfg.From,
					Recipients:     cfg.Recipients,
					PasswordSecret: cfg.PasswordSecret,
				}, alerting.EnvSecrets, a.Logger))
			}
		case "log":
			channels = append(channels, alerting.NewLogNotifier(a.Logger))
		default:
			a.Logger.Warn().Str("channel", channel).Msg("unknown alert channel; ignoring")
		}
	}

	if len(channels) == 0 {
		a.Logger.Warn().Msg("no alert channels configured; events go to the log only")
		return alerting.NewLogNotifier(a.Logger)
	}
	return alerting.NewBreakerNotifier(channels, "notifications")
}

func (a *App) newBackfiller() fetcher.Backfiller {
	if !a.Config.Backfill.Enabled {
		return nil
	}
	return fetcher.NewBinance(fetcher.BinanceOptions{
		BaseURL:       a.Config.Backfill.BaseURL,
		KlineInterval: a.Config.Backfill.KlineInterval,
		Limit:         a.Config.Backfill.Limit,
		Timeout:       a.Config.Backfill.RequestTimeout,
		UserAgent:     a.Config.App.Name + "/1.0",
	}, a.Logger)
}

func (a *App) openStore(ctx context.Context) (*storage.Store, func(), error) {
	if a.Config.Database.DSN == "" {
		return nil, nil, nil
	}

	pool, err := storage.NewPool(ctx, a.Config.Database)
	if err != nil {
		return nil, nil, err
	}

	store := storage.NewStore(pool)
	closer := func() {
		store.Close()
	}
	return store, closer, nil
}

// Run executes the long-running tracking service.
func (a *App) Run(ctx context.Context) error {
	ctx, cancel := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	store, closeStore, err := a.openStore(ctx)
	if err != nil {
		return err
	}
	if store == nil {
		a.Logger.Warn().Msg("database.dsn not configured; alert audit disabled")
	}
	if closeStore != nil {
		defer closeStore()
	}

	digests, err := scheduler.NewDaily(scheduler.Options{
		TimeOfDay: a.Config.Alerting.DigestTime,
		Location:  a.Config.Location(),
	}, a.Logger)
	if err != nil {
		return err
	}

	metrics.Serve(a.Config.Metrics.ListenAddr, a.Logger)

	historyStore := a.newHistoryStore()
	eng := a.newEngine(historyStore)
	notifier := a.newNotifier()
	backfill := a.newBackfiller()

	var alertStore storage.AlertStore
	var digestStore storage.DigestStore
	if store != nil {
		alertStore = store
		digestStore = store
	}

	svc := service.New(a.Config, historyStore, eng, digests, notifier, alertStore, digestStore, backfill, a.Logger)

	a.Logger.Info().Strs("symbols", a.Config.Symbols).Msg("starting tracking service")
	err = svc.Run(ctx)
	if err != nil && !errors.Is(err, context.Canceled) {
		a.Logger.Error().Err(err).Msg("service terminated with error")
		return err
	}

	a.Logger.Info().Msg("tracking service stopped")
	return nil
}

// ExportOptions hold parameters for exporting digest history.
type ExportOptions struct {
	Symbol    string
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

// SimulateOptions configure the tick replay.
type SimulateOptions struct {
	CSVPath string
}
