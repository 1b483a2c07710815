package alerting

import (
	"context"

	"github.com/rs/zerolog"

	"tickerwatch/internal/market"
)

// LogNotifier writes events to the process log. Used by the simulate
// command and as the fallback when no delivery channel is configured.
type LogNotifier struct {
	logger zerolog.Logger
}

// NewLogNotifier constructs the log channel.
func NewLogNotifier(logger zerolog.Logger) *LogNotifier {
	return &LogNotifier{logger: logger.With().Str("component", "alert_log").Logger()}
}

func (n *LogNotifier) Notify(ctx context.Context, alert market.Alert) error {
	event := n.logger.Info().
		Str("symbol", alert.Symbol).
		Stringer("kind", alert.Kind).
		Str("old_value", alert.OldValue.String()).
		Str("new_value", alert.NewValue.String()).
		Time("at", alert.Time)
	if alert.PercentChange.Valid {
		event = event.Str("percent_change", alert.PercentChange.Decimal.StringFixed(2))
	}
	event.Msg("alert")
	return nil
}

func (n *LogNotifier) NotifyDigest(ctx context.Context, digest market.Digest) error {
	for _, entry := range digest.Entries {
		n.logger.Info().
			Str("symbol", entry.Symbol).
			Str("open", entry.OpenPrice.String()).
			Str("close", entry.ClosePrice.String()).
			Str("percent_change", entry.PercentChange.StringFixed(2)).
			Str("day_high", entry.DayHigh.String()).
			Str("day_low", entry.DayLow.String()).
			Msg("digest entry")
	}
	return nil
}

var _ Notifier = (*LogNotifier)(nil)
