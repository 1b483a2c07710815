package fetcher

import (
	"context"

	"github.com/shopspring/decimal"
)

// Extremes carries the seeded baselines for one symbol.
type Extremes struct {
	High    decimal.Decimal
	Low     decimal.Decimal
	High90d decimal.Decimal
	Low90d  decimal.Decimal
}

// Backfiller retrieves historical extrema used to seed the history
// store before streaming starts.
type Backfiller interface {
	FetchExtremes(ctx context.Context, symbol string) (Extremes, error)
}
