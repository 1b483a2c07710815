package market

import (
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// Tick is a single price observation for one symbol.
type Tick struct {
	Symbol string
	Price  decimal.Decimal
	Time   time.Time
}

// AlertKind enumerates the alert conditions the engine evaluates.
type AlertKind int

const (
	KindThresholdMove AlertKind = iota
	KindAllTimeHigh
	KindAllTimeLow
	KindHigh90d
	KindLow90d
)

var kindNames = map[AlertKind]string{
	KindThresholdMove: "threshold_move",
	KindAllTimeHigh:   "all_time_high",
	KindAllTimeLow:    "all_time_low",
	KindHigh90d:       "high_90d",
	KindLow90d:        "low_90d",
}

func (k AlertKind) String() string {
	if name, ok := kindNames[k]; ok {
		return name
	}
	return "unknown"
}

// Alert captures one qualifying price event.
type Alert struct {
	ID            uuid.UUID
	Symbol        string
	Kind          AlertKind
	OldValue      decimal.Decimal
	NewValue      decimal.Decimal
	PercentChange decimal.NullDecimal
	Time          time.Time
}

// NewAlert builds an Alert with a fresh identifier.
func NewAlert(symbol string, kind AlertKind, oldValue, newValue decimal.Decimal, at time.Time) Alert {
	return Alert{
		ID:       uuid.New(),
		Symbol:   symbol,
		Kind:     kind,
		OldValue: oldValue,
		NewValue: newValue,
		Time:     at,
	}
}

// DigestEntry summarises one symbol's movement over the digest period.
type DigestEntry struct {
	Symbol        string
	OpenPrice     decimal.Decimal
	ClosePrice    decimal.Decimal
	PercentChange decimal.Decimal
	DayHigh       decimal.Decimal
	DayLow        decimal.Decimal
}

// Digest is the scheduled per-day summary across all tracked symbols.
type Digest struct {
	GeneratedAt time.Time
	Entries     []DigestEntry
}
