package engine

import (
	"context"
	"hash/fnv"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"

	"tickerwatch/internal/history"
	"tickerwatch/internal/market"
	"tickerwatch/internal/metrics"
)

// Options tune rule evaluation and the worker pool.
type Options struct {
	// ThresholdPct is the minimum absolute percentage move over the
	// configured timeframe that fires a threshold alert. Zero disables
	// threshold alerts.
	ThresholdPct decimal.Decimal
	// Workers bounds the evaluation pool. Ticks are routed by symbol
	// hash so per-symbol ordering is preserved.
	Workers int
	// AlertBuffer sizes the outbound alert channel. A full buffer
	// drops the alert rather than stalling ingestion.
	AlertBuffer int
	// EvictInterval paces the background eviction sweep.
	EvictInterval time.Duration
	// DigestPeriod is the trailing window a digest entry summarises.
	DigestPeriod time.Duration
}

func (o Options) withDefaults() Options {
	if o.Workers <= 0 {
		o.Workers = 4
	}
	if o.AlertBuffer <= 0 {
		o.AlertBuffer = 256
	}
	if o.EvictInterval <= 0 {
		o.EvictInterval = 10 * time.Minute
	}
	if o.DigestPeriod <= 0 {
		o.DigestPeriod = 24 * time.Hour
	}
	return o
}

// Engine consumes ticks, updates the history store, and turns update
// results into alert events.
type Engine struct {
	store  *history.Store
	opts   Options
	logger zerolog.Logger
	alerts chan market.Alert

	// now is swappable for tests.
	now func() time.Time
}

// New constructs an engine around a history store.
func New(store *history.Store, opts Options, logger zerolog.Logger) *Engine {
	opts = opts.withDefaults()
	return &Engine{
		store:  store,
		opts:   opts,
		logger: logger.With().Str("component", "engine").Logger(),
		alerts: make(chan market.Alert, opts.AlertBuffer),
		now:    func() time.Time { return time.Now().UTC() },
	}
}

// Alerts returns the outbound alert sequence. The channel closes when
// Run returns.
func (e *Engine) Alerts() <-chan market.Alert { return e.alerts }

// Run evaluates ticks until the tick channel closes or the context is
// cancelled. In-flight evaluations drain before it returns; no tick is
// half-applied.
func (e *Engine) Run(ctx context.Context, ticks <-chan market.Tick) error {
	defer close(e.alerts)

	lanes := make([]chan market.Tick, e.opts.Workers)
	var wg sync.WaitGroup
	for i := range lanes {
		lanes[i] = make(chan market.Tick, 64)
		wg.Add(1)
		go func(lane <-chan market.Tick) {
			defer wg.Done()
			for tick := range lane {
				e.process(tick)
			}
		}(lanes[i])
	}

	sweepCtx, stopSweep := context.WithCancel(context.Background())
	go e.sweep(sweepCtx)

	var runErr error
dispatch:
	for {
		select {
		case <-ctx.Done():
			runErr = ctx.Err()
			break dispatch
		case tick, ok := <-ticks:
			if !ok {
				break dispatch
			}
			lane := lanes[laneFor(tick.Symbol, e.opts.Workers)]
			select {
			case lane <- tick:
			case <-ctx.Done():
				runErr = ctx.Err()
				break dispatch
			}
		}
	}

	for _, lane := range lanes {
		close(lane)
	}
	wg.Wait()
	stopSweep()
	return runErr
}

func (e *Engine) sweep(ctx context.Context) {
	ticker := time.NewTicker(e.opts.EvictInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			e.store.EvictExpired(e.now())
		}
	}
}

// process applies one tick and evaluates every rule. A panic while
// evaluating one symbol is contained here so it cannot take down the
// ingestion loop or other symbols.
func (e *Engine) process(tick market.Tick) {
	defer func() {
		if r := recover(); r != nil {
			e.logger.Error().Str("symbol", tick.Symbol).Interface("panic", r).Msg("rule evaluation panicked; tick dropped")
		}
	}()

	started := time.Now()
	now := e.now()

	res := e.store.Update(tick.Symbol, tick.Price, tick.Time, now)
	metrics.TicksProcessed.Inc()

	if !res.First {
		e.evaluate(tick, res, now)
	}

	metrics.ObserveEvaluation(time.Since(started))
}

// evaluate runs all checks; one tick may fire several alerts. Extrema
// alerts are never throttled, the threshold alert is.
func (e *Engine) evaluate(tick market.Tick, res history.UpdateResult, now time.Time) {
	if res.NewATH {
		e.emit(market.NewAlert(tick.Symbol, market.KindAllTimeHigh, res.PrevATH, tick.Price, now))
	}
	if res.NewATL {
		e.emit(market.NewAlert(tick.Symbol, market.KindAllTimeLow, res.PrevATL, tick.Price, now))
	}
	if res.New90dHigh {
		e.emit(market.NewAlert(tick.Symbol, market.KindHigh90d, res.Prev90dHigh, tick.Price, now))
	}
	if res.New90dLow {
		e.emit(market.NewAlert(tick.Symbol, market.KindLow90d, res.Prev90dLow, tick.Price, now))
	}

	if e.opts.ThresholdPct.IsZero() || !res.PercentChange.Valid {
		return
	}
	change := res.PercentChange.Decimal
	if change.Abs().LessThan(e.opts.ThresholdPct) {
		return
	}
	if !e.store.AllowAlert(tick.Symbol, market.KindThresholdMove, now) {
		return
	}

	alert := market.NewAlert(tick.Symbol, market.KindThresholdMove, res.BasePrice, tick.Price, now)
	alert.PercentChange = res.PercentChange
	if e.emit(alert) {
		// The throttle arms only on a successful hand-off; a dropped
		// alert leaves the interval open for the next qualifying move.
		e.store.MarkAlerted(tick.Symbol, market.KindThresholdMove, now)
	}
}

// emit enqueues the alert and reports whether the sink accepted it.
// Delivery is fire-and-forget; a saturated sink must not stall
// ingestion.
func (e *Engine) emit(alert market.Alert) bool {
	select {
	case e.alerts <- alert:
		metrics.AlertsEmitted.WithLabelValues(alert.Kind.String()).Inc()
		return true
	default:
		metrics.AlertsDropped.Inc()
		e.logger.Warn().Str("symbol", alert.Symbol).Stringer("kind", alert.Kind).Msg("alert buffer full; dropping alert")
		return false
	}
}

func laneFor(symbol string, lanes int) int {
	h := fnv.New32a()
	_, _ = h.Write([]byte(symbol))
	return int(h.Sum32() % uint32(lanes))
}
