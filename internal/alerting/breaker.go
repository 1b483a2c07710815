package alerting

import (
	"context"
	"time"

	"github.com/sony/gobreaker"

	"tickerwatch/internal/market"
)

// BreakerNotifier wraps a Notifier in a circuit breaker so a dead
// transport fails fast instead of stacking up slow delivery attempts.
type BreakerNotifier struct {
	inner Notifier
	cb    *gobreaker.CircuitBreaker
}

// NewBreakerNotifier builds the breaker with delivery-oriented
// settings: trip after five consecutive failures, probe again after a
// minute.
func NewBreakerNotifier(inner Notifier, name string) *BreakerNotifier {
	cb := gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:    name,
		Timeout: time.Minute,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= 5
		},
	})
	return &BreakerNotifier{inner: inner, cb: cb}
}

func (b *BreakerNotifier) Notify(ctx context.Context, alert market.Alert) error {
	_, err := b.cb.Execute(func() (interface{}, error) {
		return nil, b.inner.Notify(ctx, alert)
	})
	return err
}

func (b *BreakerNotifier) NotifyDigest(ctx context.Context, digest market.Digest) error {
	_, err := b.cb.Execute(func() (interface{}, error) {
		return nil, b.inner.NotifyDigest(ctx, digest)
	})
	return err
}

var _ Notifier = (*BreakerNotifier)(nil)
