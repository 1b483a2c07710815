package history

import (
	"sort"
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"tickerwatch/internal/market"
)

var dec100 = decimal.NewFromInt(100)

// Options tune rolling-window retention and throttling behaviour.
type Options struct {
	// Timeframe is the horizon of the percentage-change window.
	Timeframe time.Duration
	// Retention is the horizon of the long window (90 days).
	Retention time.Duration
	// FullResolution is the age up to which every sample is kept.
	FullResolution time.Duration
	// DecimationStep caps older samples to one per step.
	DecimationStep time.Duration
	// OutOfOrderTolerance is how far a tick may lag the latest one
	// and still be treated as current.
	OutOfOrderTolerance time.Duration
	// AlertInterval is the minimum spacing between throttled alerts
	// of the same kind for one symbol.
	AlertInterval time.Duration
}

func (o Options) withDefaults() Options {
	if o.Timeframe <= 0 {
		o.Timeframe = time.Hour
	}
	if o.Retention <= 0 {
		o.Retention = 90 * 24 * time.Hour
	}
	if o.FullResolution <= 0 {
		o.FullResolution = 24 * time.Hour
	}
	if o.DecimationStep <= 0 {
		o.DecimationStep = time.Hour
	}
	if o.OutOfOrderTolerance <= 0 {
		o.OutOfOrderTolerance = 5 * time.Second
	}
	if o.AlertInterval <= 0 {
		o.AlertInterval = time.Hour
	}
	return o
}

// Sample is one retained (timestamp, price) point.
type Sample struct {
	Time  time.Time
	Price decimal.Decimal
}

// UpdateResult reports what a single tick changed.
type UpdateResult struct {
	// First is set on the very first observation for a symbol with no
	// seeded baseline; no alert may fire from it.
	First bool

	NewATH     bool
	NewATL     bool
	New90dHigh bool
	New90dLow  bool

	PrevATH     decimal.Decimal
	PrevATL     decimal.Decimal
	Prev90dHigh decimal.Decimal
	Prev90dLow  decimal.Decimal

	// PercentChange is the move against the oldest sample still inside
	// the percentage-change window. Invalid until two in-order samples
	// share the window.
	PercentChange decimal.NullDecimal
	BasePrice     decimal.Decimal
}

// Snapshot is a point-in-time copy of one symbol's state.
type Snapshot struct {
	Symbol      string
	LastPrice   decimal.Decimal
	LastTick    time.Time
	AllTimeHigh decimal.Decimal
	AllTimeLow  decimal.Decimal
	High90d     decimal.Decimal
	Low90d      decimal.Decimal
	Window      []Sample
}

type symbolHistory struct {
	mu sync.Mutex

	lastPrice decimal.Decimal
	lastTick  time.Time

	hasExtrema bool
	ath        decimal.Decimal
	atl        decimal.Decimal
	high90     decimal.Decimal
	low90      decimal.Decimal

	window90d []Sample
	recent    []Sample

	lastAlert map[market.AlertKind]time.Time
}

// Store owns one symbolHistory per tracked symbol. All access is
// linearizable per symbol; distinct symbols never contend.
type Store struct {
	opts Options

	mu      sync.RWMutex
	symbols map[string]*symbolHistory
}

// NewStore builds an empty store.
func NewStore(opts Options) *Store {
	return &Store{
		opts:    opts.withDefaults(),
		symbols: make(map[string]*symbolHistory),
	}
}

func (s *Store) entry(symbol string) *symbolHistory {
	s.mu.RLock()
	h, ok := s.symbols[symbol]
	s.mu.RUnlock()
	if ok {
		return h
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if h, ok = s.symbols[symbol]; ok {
		return h
	}
	h = &symbolHistory{lastAlert: make(map[market.AlertKind]time.Time)}
	s.symbols[symbol] = h
	return h
}

// Seed installs baseline extrema for a symbol, typically from a REST
// backfill. It must run before the first tick to be observed as prior
// history; a later call is ignored.
func (s *Store) Seed(symbol string, high, low, high90, low90 decimal.Decimal) {
	h := s.entry(symbol)
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.hasExtrema {
		return
	}
	h.ath, h.atl = high, low
	h.high90, h.low90 = high90, low90
	h.hasExtrema = true
}

// Update folds one tick into the symbol's rolling state. ts is the
// event time reported by the feed; now is the wall clock used for
// window trimming.
func (s *Store) Update(symbol string, price decimal.Decimal, ts, now time.Time) UpdateResult {
	h := s.entry(symbol)
	h.mu.Lock()
	defer h.mu.Unlock()

	var res UpdateResult

	inOrder := h.lastTick.IsZero() || !ts.Before(h.lastTick.Add(-s.opts.OutOfOrderTolerance))

	if !h.hasExtrema {
		h.ath, h.atl = price, price
		h.high90, h.low90 = price, price
		h.hasExtrema = true
		res.First = true
	} else {
		res.PrevATH, res.PrevATL = h.ath, h.atl
		res.Prev90dHigh, res.Prev90dLow = h.high90, h.low90

		// Extrema are value comparisons, so stale ticks fold in too.
		if price.GreaterThan(h.ath) {
			res.NewATH = true
			h.ath = price
		}
		if price.LessThan(h.atl) {
			res.NewATL = true
			h.atl = price
		}
		if price.GreaterThan(h.high90) {
			res.New90dHigh = true
			h.high90 = price
		}
		if price.LessThan(h.low90) {
			res.New90dLow = true
			h.low90 = price
		}
	}

	sample := Sample{Time: ts, Price: price}
	h.window90d = insertSample(h.window90d, sample)
	h.recent = insertSample(h.recent, sample)

	// Trimming is wall-clock relative so a stale tick can never
	// flush fresher samples out of either window.
	h.trimRecentLocked(now.Add(-s.opts.Timeframe))
	h.trimRetentionLocked(now.Add(-s.opts.Retention))

	if inOrder {
		h.lastPrice = price
		h.lastTick = ts

		if len(h.recent) > 1 {
			base := h.recent[0].Price
			if base.IsPositive() {
				res.BasePrice = base
				res.PercentChange = decimal.NullDecimal{
					Decimal: price.Sub(base).Div(base).Mul(dec100),
					Valid:   true,
				}
			}
		}
	}

	return res
}

// AllowAlert reports whether an alert of the given kind may fire now
// for the symbol. The check does not arm the throttle; callers arm it
// with MarkAlerted once the alert has actually been handed off, so a
// dropped alert never consumes the interval. Ticks for one symbol are
// evaluated serially, which keeps the check-then-mark pair safe.
func (s *Store) AllowAlert(symbol string, kind market.AlertKind, now time.Time) bool {
	h := s.entry(symbol)
	h.mu.Lock()
	defer h.mu.Unlock()

	last, ok := h.lastAlert[kind]
	return !ok || now.Sub(last) >= s.opts.AlertInterval
}

// MarkAlerted records an emission, starting the throttle interval for
// the symbol and kind.
func (s *Store) MarkAlerted(symbol string, kind market.AlertKind, now time.Time) {
	h := s.entry(symbol)
	h.mu.Lock()
	h.lastAlert[kind] = now
	h.mu.Unlock()
}

// Snapshot copies one symbol's state. The copy never observes a
// partially applied update.
func (s *Store) Snapshot(symbol string) (Snapshot, bool) {
	s.mu.RLock()
	h, ok := s.symbols[symbol]
	s.mu.RUnlock()
	if !ok {
		return Snapshot{}, false
	}

	h.mu.Lock()
	defer h.mu.Unlock()
	if h.lastTick.IsZero() {
		return Snapshot{}, false
	}

	window := make([]Sample, len(h.window90d))
	copy(window, h.window90d)

	return Snapshot{
		Symbol:      symbol,
		LastPrice:   h.lastPrice,
		LastTick:    h.lastTick,
		AllTimeHigh: h.ath,
		AllTimeLow:  h.atl,
		High90d:     h.high90,
		Low90d:      h.low90,
		Window:      window,
	}, true
}

// TrackedSymbols lists symbols that have received at least one tick,
// sorted for stable digest ordering.
func (s *Store) TrackedSymbols() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()

	symbols := make([]string, 0, len(s.symbols))
	for symbol := range s.symbols {
		symbols = append(symbols, symbol)
	}
	sort.Strings(symbols)
	return symbols
}

// EvictExpired drops samples past their horizons and thins samples
// older than FullResolution down to one per DecimationStep. Safe to
// call concurrently with Update.
func (s *Store) EvictExpired(now time.Time) {
	for _, symbol := range s.TrackedSymbols() {
		s.mu.RLock()
		h, ok := s.symbols[symbol]
		s.mu.RUnlock()
		if !ok {
			continue
		}

		h.mu.Lock()
		h.trimRecentLocked(now.Add(-s.opts.Timeframe))
		h.trimRetentionLocked(now.Add(-s.opts.Retention))
		h.decimateLocked(now.Add(-s.opts.FullResolution), s.opts.DecimationStep)
		h.mu.Unlock()
	}
}

func (h *symbolHistory) trimRecentLocked(horizon time.Time) {
	h.recent = dropBefore(h.recent, horizon)
}

func (h *symbolHistory) trimRetentionLocked(horizon time.Time) {
	trimmed := dropBefore(h.window90d, horizon)
	if len(trimmed) != len(h.window90d) {
		h.window90d = trimmed
		h.recomputeWindowExtremaLocked()
	}
}

func (h *symbolHistory) decimateLocked(cutoff time.Time, step time.Duration) {
	if len(h.window90d) == 0 {
		return
	}

	out := h.window90d[:0]
	var lastBucket time.Time
	haveBucket := false
	dropped := false
	for _, sample := range h.window90d {
		if !sample.Time.Before(cutoff) {
			out = append(out, sample)
			continue
		}
		bucket := sample.Time.Truncate(step)
		if haveBucket && bucket.Equal(lastBucket) {
			dropped = true
			continue
		}
		lastBucket = bucket
		haveBucket = true
		out = append(out, sample)
	}
	h.window90d = out
	if dropped {
		h.recomputeWindowExtremaLocked()
	}
}

// recomputeWindowExtremaLocked refreshes the cached 90-day extrema
// after eviction may have removed the samples that carried them.
func (h *symbolHistory) recomputeWindowExtremaLocked() {
	if len(h.window90d) == 0 {
		return
	}
	high := h.window90d[0].Price
	low := h.window90d[0].Price
	for _, sample := range h.window90d[1:] {
		if sample.Price.GreaterThan(high) {
			high = sample.Price
		}
		if sample.Price.LessThan(low) {
			low = sample.Price
		}
	}
	h.high90, h.low90 = high, low
}

func dropBefore(samples []Sample, horizon time.Time) []Sample {
	idx := sort.Search(len(samples), func(i int) bool {
		return !samples[i].Time.Before(horizon)
	})
	if idx == 0 {
		return samples
	}
	return append(samples[:0], samples[idx:]...)
}

// insertSample keeps the sequence time-ordered even when the feed
// delivers a late tick.
func insertSample(samples []Sample, sample Sample) []Sample {
	if n := len(samples); n == 0 || !sample.Time.Before(samples[n-1].Time) {
		return append(samples, sample)
	}
	idx := sort.Search(len(samples), func(i int) bool {
		return samples[i].Time.After(sample.Time)
	})
	samples = append(samples, Sample{})
	copy(samples[idx+1:], samples[idx:])
	samples[idx] = sample
	return samples
}
