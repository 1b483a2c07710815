package service

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"

	"tickerwatch/internal/alerting"
	"tickerwatch/internal/config"
	"tickerwatch/internal/engine"
	"tickerwatch/internal/fetcher"
	"tickerwatch/internal/history"
	"tickerwatch/internal/market"
	"tickerwatch/internal/metrics"
	"tickerwatch/internal/scheduler"
	"tickerwatch/internal/storage"
	"tickerwatch/internal/stream"
)

// deliveryTimeout caps one notification attempt so a stuck transport
// cannot wedge the dispatcher.
const deliveryTimeout = 30 * time.Second

// Service orchestrates streaming, rule evaluation, delivery, and the
// digest schedule.
type Service struct {
	cfg         *config.Config
	store       *history.Store
	engine      *engine.Engine
	digests     *scheduler.Daily
	notifier    alerting.Notifier
	alertStore  storage.AlertStore
	digestStore storage.DigestStore
	backfill    fetcher.Backfiller
	logger      zerolog.Logger
	channels    []string
}

// New constructs the tracking service. alertStore, digestStore, and
// backfill may be nil when the respective features are not configured.
func New(
	cfg *config.Config,
	store *history.Store,
	eng *engine.Engine,
	digests *scheduler.Daily,
	notifier alerting.Notifier,
	alertStore storage.AlertStore,
	digestStore storage.DigestStore,
	backfill fetcher.Backfiller,
	logger zerolog.Logger,
) *Service {
	return &Service{
		cfg:         cfg,
		store:       store,
		engine:      eng,
		digests:     digests,
		notifier:    notifier,
		alertStore:  alertStore,
		digestStore: digestStore,
		backfill:    backfill,
		logger:      logger.With().Str("component", "service").Logger(),
		channels:    cfg.Alerting.Channels,
	}
}

// Run blocks until the stream ends or the context is cancelled. Only a
// fatal stream failure is returned as a hard error; transient outages
// are absorbed by the connection's own reconnect cycle.
func (s *Service) Run(ctx context.Context) error {
	s.seedExtrema(ctx)
	s.pruneAudit(ctx, time.Now().UTC())

	conn, err := stream.Open(ctx, stream.Options{
		URL:              s.cfg.Stream.URL,
		Symbols:          s.cfg.Symbols,
		HandshakeRetries: s.cfg.Stream.HandshakeRetries,
		BackoffBase:      s.cfg.Stream.BackoffBase,
		BackoffMax:       s.cfg.Stream.BackoffMax,
		ResetAfter:       s.cfg.Stream.BackoffResetAfter,
		ReadTimeout:      s.cfg.Stream.ReadTimeout,
		Buffer:           s.cfg.Stream.Buffer,
	}, s.logger)
	if err != nil {
		return fmt.Errorf("open market stream: %w", err)
	}
	defer conn.Close()

	var wg sync.WaitGroup

	if s.digests != nil {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := s.digests.Run(ctx, s.fireDigest); err != nil && !errors.Is(err, context.Canceled) {
				s.logger.Error().Err(err).Msg("digest schedule stopped")
			}
		}()
	}

	wg.Add(1)
	go func() {
		defer wg.Done()
		s.dispatch(ctx)
	}()

	runErr := s.engine.Run(ctx, conn.Ticks())

	conn.Close()
	wg.Wait()

	if fatal := conn.Err(); fatal != nil {
		// Surfaced distinctly so operators can tell "needs
		// reconfiguration" from a transient outage.
		return fatal
	}
	if runErr != nil && !errors.Is(runErr, context.Canceled) {
		return runErr
	}
	return nil
}

// seedExtrema optionally installs historical baselines before the
// first tick. Failure is logged and tracking proceeds with
// process-scoped extrema.
func (s *Service) seedExtrema(ctx context.Context) {
	if s.backfill == nil || !s.cfg.Backfill.Enabled {
		return
	}
	if len(s.cfg.Symbols) == 0 {
		s.logger.Warn().Msg("backfill enabled but no symbol allowlist; skipping seed")
		return
	}

	for _, symbol := range s.cfg.Symbols {
		extremes, err := s.backfill.FetchExtremes(ctx, symbol)
		if err != nil {
			s.logger.Warn().Err(err).Str("symbol", symbol).Msg("backfill failed; extrema start process-scoped")
			continue
		}
		s.store.Seed(symbol, extremes.High, extremes.Low, extremes.High90d, extremes.Low90d)
	}
}

// pruneAudit applies the audit retention policy to the alert table.
// Failure is logged; old rows linger until the next start rather than
// blocking tracking.
func (s *Service) pruneAudit(ctx context.Context, now time.Time) {
	if s.alertStore == nil || s.cfg.Database.AuditRetention <= 0 {
		return
	}

	cutoff := now.Add(-s.cfg.Database.AuditRetention)
	if err := s.alertStore.DeleteAlertsBefore(ctx, cutoff); err != nil {
		s.logger.Warn().Err(err).Time("cutoff", cutoff).Msg("audit prune failed")
		return
	}
	s.logger.Info().Time("cutoff", cutoff).Msg("pruned expired audit records")
}

// dispatch drains the engine's alert sequence, persisting and
// delivering each event. Delivery failures never propagate back into
// evaluation.
func (s *Service) dispatch(ctx context.Context) {
	for alert := range s.engine.Alerts() {
		s.persistAlert(alert)
		s.deliverAlert(alert)
	}
}

func (s *Service) persistAlert(alert market.Alert) {
	if s.alertStore == nil {
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), deliveryTimeout)
	defer cancel()

	record := storage.AlertRecord{
		AlertID:       alert.ID,
		Symbol:        alert.Symbol,
		Kind:          alert.Kind.String(),
		OldValue:      alert.OldValue,
		NewValue:      alert.NewValue,
		PercentChange: alert.PercentChange,
		ObservedAt:    alert.Time,
		Channels:      s.channels,
	}
	if err := s.alertStore.InsertAlert(ctx, record); err != nil {
		s.logger.Error().Err(err).Str("symbol", alert.Symbol).Msg("failed to persist alert record")
	}
}

func (s *Service) deliverAlert(alert market.Alert) {
	if s.notifier == nil {
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), deliveryTimeout)
	defer cancel()

	if err := s.notifier.Notify(ctx, alert); err != nil {
		metrics.DeliveryFailures.Inc()
		s.logger.Error().Err(err).Str("symbol", alert.Symbol).Stringer("kind", alert.Kind).Msg("failed to dispatch alert")
	}
}

// fireDigest snapshots the store and sends the daily summary.
func (s *Service) fireDigest(ctx context.Context, at time.Time) error {
	digest := s.engine.BuildDigest(at)
	if len(digest.Entries) == 0 {
		s.logger.Info().Time("fire", at).Msg("no digest entries; nothing to send")
		return nil
	}

	s.persistDigest(ctx, digest)

	if s.notifier != nil {
		if err := s.notifier.NotifyDigest(ctx, digest); err != nil {
			metrics.DeliveryFailures.Inc()
			return fmt.Errorf("dispatch digest: %w", err)
		}
	}

	s.logger.Info().Int("entries", len(digest.Entries)).Time("fire", at).Msg("digest sent")
	return nil
}

func (s *Service) persistDigest(ctx context.Context, digest market.Digest) {
	if s.digestStore == nil {
		return
	}

	date := digest.GeneratedAt.UTC().Truncate(24 * time.Hour)
	for _, entry := range digest.Entries {
		record := storage.DigestRecord{
			DigestDate:    date,
			Symbol:        entry.Symbol,
			OpenPrice:     entry.OpenPrice,
			ClosePrice:    entry.ClosePrice,
			PercentChange: entry.PercentChange,
			DayHigh:       entry.DayHigh,
			DayLow:        entry.DayLow,
		}
		if err := s.digestStore.UpsertDigestEntry(ctx, record); err != nil {
			s.logger.Error().Err(err).Str("symbol", entry.Symbol).Msg("failed to persist digest entry")
		}
	}
}

// Threshold converts the configured percentage into the engine's
// decimal form.
func Threshold(cfg *config.Config) decimal.Decimal {
	if !cfg.Alerting.Enabled || cfg.Alerting.ThresholdPct <= 0 {
		return decimal.Zero
	}
	return decimal.NewFromFloat(cfg.Alerting.ThresholdPct)
}
