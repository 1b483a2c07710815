package app

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/shopspring/decimal"
)

// Show prints recently emitted alerts from the audit table.
func (a *App) Show(ctx context.Context, opts ShowOptions) error {
	store, closeStore, err := a.openStore(ctx)
	if err != nil {
		return err
	}
	if store == nil {
		return errors.New("database not configured; cannot show alerts")
	}
	if closeStore != nil {
		defer closeStore()
	}

	alerts, err := store.ListRecentAlerts(ctx, opts.Limit)
	if err != nil {
		return err
	}
	total, err := store.CountAlerts(ctx)
	if err != nil {
		return err
	}
	if len(alerts) == 0 {
		fmt.Fprintln(os.Stdout, "no alerts found")
		return nil
	}

	writer := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
	fmt.Fprintln(writer, "Time (UTC)\tSymbol\tKind\tOld\tNew\tChange%\tChannels")

	for _, alert := range alerts {
		change := ""
		if alert.PercentChange.Valid {
			change = formatDecimal(alert.PercentChange.Decimal, 2)
		}
		fmt.Fprintf(
			writer,
			"%s\t%s\t%s\t%s\t%s\t%s\t%s\n",
			alert.ObservedAt.UTC().Format(time.RFC3339),
			alert.Symbol,
			alert.Kind,
			formatDecimal(alert.OldValue, 4),
			formatDecimal(alert.NewValue, 4),
			change,
			strings.Join(alert.Channels, ","),
		)
	}

	writer.Flush()
	fmt.Fprintf(os.Stdout, "showing %d of %d recorded alerts\n", len(alerts), total)
	return nil
}

func formatDecimal(d decimal.Decimal, places int32) string {
	return d.StringFixed(places)
}
