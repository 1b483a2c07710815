package storage

import (
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// AlertRecord captures an emitted alert for auditing and the show
// command.
type AlertRecord struct {
	ID            int64
	AlertID       uuid.UUID
	Symbol        string
	Kind          string
	OldValue      decimal.Decimal
	NewValue      decimal.Decimal
	PercentChange decimal.NullDecimal
	ObservedAt    time.Time
	Channels      []string
	CreatedAt     time.Time
}

// DigestRecord persists one symbol's digest entry for one day.
type DigestRecord struct {
	ID            int64
	DigestDate    time.Time
	Symbol        string
	OpenPrice     decimal.Decimal
	ClosePrice    decimal.Decimal
	PercentChange decimal.Decimal
	DayHigh       decimal.Decimal
	DayLow        decimal.Decimal
	CreatedAt     time.Time
}
