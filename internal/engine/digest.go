package engine

import (
	"time"

	"github.com/shopspring/decimal"

	"tickerwatch/internal/history"
	"tickerwatch/internal/market"
)

// BuildDigest assembles the scheduled summary from per-symbol
// snapshots. Each entry is self-consistent; entries across symbols are
// not captured at a single instant.
func (e *Engine) BuildDigest(now time.Time) market.Digest {
	digest := market.Digest{GeneratedAt: now}
	start := now.Add(-e.opts.DigestPeriod)

	for _, symbol := range e.store.TrackedSymbols() {
		snap, ok := e.store.Snapshot(symbol)
		if !ok {
			continue
		}
		entry, ok := digestEntry(snap, start)
		if !ok {
			continue
		}
		digest.Entries = append(digest.Entries, entry)
	}
	return digest
}

func digestEntry(snap history.Snapshot, start time.Time) (market.DigestEntry, bool) {
	var (
		open    decimal.Decimal
		high    decimal.Decimal
		low     decimal.Decimal
		inRange bool
	)
	for _, sample := range snap.Window {
		if sample.Time.Before(start) {
			continue
		}
		if !inRange {
			open, high, low = sample.Price, sample.Price, sample.Price
			inRange = true
			continue
		}
		if sample.Price.GreaterThan(high) {
			high = sample.Price
		}
		if sample.Price.LessThan(low) {
			low = sample.Price
		}
	}
	if !inRange {
		// Symbol went quiet for the whole digest period.
		return market.DigestEntry{}, false
	}

	closePrice := snap.LastPrice
	change := decimal.Zero
	if open.IsPositive() {
		change = closePrice.Sub(open).Div(open).Mul(dec100)
	}

	return market.DigestEntry{
		Symbol:        snap.Symbol,
		OpenPrice:     open,
		ClosePrice:    closePrice,
		PercentChange: change,
		DayHigh:       high,
		DayLow:        low,
	}, true
}

var dec100 = decimal.NewFromInt(100)
