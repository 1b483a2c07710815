package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"
)

var (
	TicksProcessed = promauto.NewCounter(prometheus.CounterOpts{
		Name: "tickerwatch_ticks_processed_total",
		Help: "Total number of ticks folded into the history store",
	})

	MalformedTicks = promauto.NewCounter(prometheus.CounterOpts{
		Name: "tickerwatch_malformed_ticks_total",
		Help: "Total number of dropped unparseable or invalid ticks",
	})

	StreamReconnects = promauto.NewCounter(prometheus.CounterOpts{
		Name: "tickerwatch_stream_reconnects_total",
		Help: "Total number of stream reconnect cycles",
	})

	AlertsEmitted = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "tickerwatch_alerts_emitted_total",
		Help: "Total number of alerts emitted by kind",
	}, []string{"kind"})

	AlertsDropped = promauto.NewCounter(prometheus.CounterOpts{
		Name: "tickerwatch_alerts_dropped_total",
		Help: "Total number of alerts dropped because the outbound buffer was full",
	})

	DeliveryFailures = promauto.NewCounter(prometheus.CounterOpts{
		Name: "tickerwatch_delivery_failures_total",
		Help: "Total number of failed notification deliveries",
	})

	EvaluationDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "tickerwatch_evaluation_seconds",
		Help:    "Time spent evaluating alert rules for one tick",
		Buckets: prometheus.ExponentialBuckets(0.00005, 2, 12),
	})
)

// ObserveEvaluation records one rule-evaluation duration.
func ObserveEvaluation(d time.Duration) {
	EvaluationDuration.Observe(d.Seconds())
}

// Serve exposes /metrics on addr until the process exits. Errors are
// logged, never fatal; metrics are best effort.
func Serve(addr string, logger zerolog.Logger) {
	if addr == "" {
		return
	}
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())

	go func() {
		logger.Info().Str("addr", addr).Msg("serving prometheus metrics")
		if err := http.ListenAndServe(addr, mux); err != nil {
			logger.Error().Err(err).Msg("metrics listener stopped")
		}
	}()
}
