package engine

import (
	"context"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"

	"tickerwatch/internal/history"
	"tickerwatch/internal/market"
)

var t0 = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

func d(value string) decimal.Decimal {
	dec, err := decimal.NewFromString(value)
	if err != nil {
		panic(err)
	}
	return dec
}

func newTestEngine(threshold string) (*Engine, *history.Store) {
	store := history.NewStore(history.Options{
		Timeframe:     time.Hour,
		AlertInterval: time.Hour,
	})
	eng := New(store, Options{
		ThresholdPct: d(threshold),
		Workers:      1,
	}, zerolog.Nop())
	eng.now = func() time.Time { return t0 }
	return eng, store
}

// runTicks feeds the ticks through the engine and collects every alert
// it emits.
func runTicks(t *testing.T, eng *Engine, ticks []market.Tick) []market.Alert {
	t.Helper()

	in := make(chan market.Tick, len(ticks))
	for _, tick := range ticks {
		in <- tick
	}
	close(in)

	if err := eng.Run(context.Background(), in); err != nil {
		t.Fatalf("engine run failed: %v", err)
	}

	var alerts []market.Alert
	for alert := range eng.Alerts() {
		alerts = append(alerts, alert)
	}
	return alerts
}

func kinds(alerts []market.Alert) map[market.AlertKind]int {
	counts := make(map[market.AlertKind]int)
	for _, alert := range alerts {
		counts[alert.Kind]++
	}
	return counts
}

func TestFullBufferDropDoesNotArmThrottle(t *testing.T) {
	store := history.NewStore(history.Options{
		Timeframe:     time.Hour,
		AlertInterval: time.Hour,
	})
	eng := New(store, Options{
		ThresholdPct: d("5"),
		Workers:      1,
		AlertBuffer:  1,
	}, zerolog.Nop())
	eng.now = func() time.Time { return t0 }

	// A 6% move also sets a new high, so the second tick produces an
	// all-time-high alert, a 90d-high alert, and a threshold alert.
	// With a single-slot buffer only the first survives.
	alerts := runTicks(t, eng, []market.Tick{
		{Symbol: "BTCUSDT", Price: d("100"), Time: t0},
		{Symbol: "BTCUSDT", Price: d("106"), Time: t0.Add(time.Minute)},
	})
	if len(alerts) != 1 {
		t.Fatalf("single-slot buffer should deliver exactly one alert, got %d", len(alerts))
	}

	if !store.AllowAlert("BTCUSDT", market.KindThresholdMove, t0) {
		t.Fatal("被丢弃的阈值告警不应占用节流间隔")
	}
}

func TestFirstTickEmitsNothing(t *testing.T) {
	eng, _ := newTestEngine("5")

	alerts := runTicks(t, eng, []market.Tick{
		{Symbol: "ETHUSDT", Price: d("2000"), Time: t0},
	})
	if len(alerts) != 0 {
		t.Fatalf("首个行情不应触发任何告警, 实际 %d 条", len(alerts))
	}
}

func TestThresholdAndExtremaFireTogether(t *testing.T) {
	eng, _ := newTestEngine("5")

	alerts := runTicks(t, eng, []market.Tick{
		{Symbol: "BTCUSDT", Price: d("100"), Time: t0},
		{Symbol: "BTCUSDT", Price: d("106"), Time: t0.Add(time.Minute)},
	})

	counts := kinds(alerts)
	if counts[market.KindThresholdMove] != 1 {
		t.Fatalf("6%% move should fire one threshold alert: %v", counts)
	}
	if counts[market.KindAllTimeHigh] != 1 || counts[market.KindHigh90d] != 1 {
		t.Fatalf("new high should fire ATH and 90d alerts from the same tick: %v", counts)
	}

	for _, alert := range alerts {
		if alert.Kind != market.KindThresholdMove {
			continue
		}
		if !alert.OldValue.Equal(d("100")) || !alert.NewValue.Equal(d("106")) {
			t.Fatalf("threshold alert carries base and current price: %+v", alert)
		}
		if !alert.PercentChange.Valid || !alert.PercentChange.Decimal.Equal(d("6")) {
			t.Fatalf("期望涨幅 6%%, 实际 %+v", alert.PercentChange)
		}
	}
}

func TestSubThresholdMoveStaysQuiet(t *testing.T) {
	eng, _ := newTestEngine("5")

	alerts := runTicks(t, eng, []market.Tick{
		{Symbol: "BTCUSDT", Price: d("100"), Time: t0},
		{Symbol: "BTCUSDT", Price: d("96"), Time: t0.Add(time.Minute)},
	})

	counts := kinds(alerts)
	if counts[market.KindThresholdMove] != 0 {
		t.Fatalf("4%% drop is below the 5%% threshold: %v", counts)
	}
	// The drop is still a new low for both horizons.
	if counts[market.KindAllTimeLow] != 1 || counts[market.KindLow90d] != 1 {
		t.Fatalf("new low alerts expected: %v", counts)
	}
}

func TestThresholdAlertsThrottledExtremaNot(t *testing.T) {
	eng, _ := newTestEngine("5")

	alerts := runTicks(t, eng, []market.Tick{
		{Symbol: "BTCUSDT", Price: d("100"), Time: t0},
		{Symbol: "BTCUSDT", Price: d("106"), Time: t0.Add(time.Minute)},
		{Symbol: "BTCUSDT", Price: d("113"), Time: t0.Add(2 * time.Minute)},
	})

	counts := kinds(alerts)
	if counts[market.KindThresholdMove] != 1 {
		t.Fatalf("second qualifying move inside the interval must be throttled: %v", counts)
	}
	if counts[market.KindAllTimeHigh] != 2 {
		t.Fatalf("extrema alerts are never throttled: %v", counts)
	}
}

func TestNegativeMoveFiresOnAbsoluteChange(t *testing.T) {
	eng, _ := newTestEngine("5")

	alerts := runTicks(t, eng, []market.Tick{
		{Symbol: "BTCUSDT", Price: d("100"), Time: t0},
		{Symbol: "BTCUSDT", Price: d("92"), Time: t0.Add(time.Minute)},
	})

	counts := kinds(alerts)
	if counts[market.KindThresholdMove] != 1 {
		t.Fatalf("-8%% move should fire on absolute change: %v", counts)
	}
}

func TestZeroThresholdDisablesThresholdAlerts(t *testing.T) {
	eng, _ := newTestEngine("0")

	alerts := runTicks(t, eng, []market.Tick{
		{Symbol: "BTCUSDT", Price: d("100"), Time: t0},
		{Symbol: "BTCUSDT", Price: d("150"), Time: t0.Add(time.Minute)},
	})

	counts := kinds(alerts)
	if counts[market.KindThresholdMove] != 0 {
		t.Fatalf("zero threshold disables threshold alerts: %v", counts)
	}
}

func TestSymbolsEvaluateIndependently(t *testing.T) {
	eng, _ := newTestEngine("5")

	alerts := runTicks(t, eng, []market.Tick{
		{Symbol: "BTCUSDT", Price: d("100"), Time: t0},
		{Symbol: "ETHUSDT", Price: d("2000"), Time: t0},
		{Symbol: "BTCUSDT", Price: d("106"), Time: t0.Add(time.Minute)},
		{Symbol: "ETHUSDT", Price: d("2120"), Time: t0.Add(time.Minute)},
	})

	perSymbol := make(map[string]int)
	for _, alert := range alerts {
		if alert.Kind == market.KindThresholdMove {
			perSymbol[alert.Symbol]++
		}
	}
	if perSymbol["BTCUSDT"] != 1 || perSymbol["ETHUSDT"] != 1 {
		t.Fatalf("each symbol should fire its own threshold alert: %v", perSymbol)
	}
}

func TestRunStopsOnContextCancel(t *testing.T) {
	eng, _ := newTestEngine("5")

	ctx, cancel := context.WithCancel(context.Background())
	in := make(chan market.Tick)

	done := make(chan error, 1)
	go func() { done <- eng.Run(ctx, in) }()

	cancel()
	select {
	case err := <-done:
		if err != context.Canceled {
			t.Fatalf("expected context.Canceled, got %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("engine did not stop after cancellation")
	}
}

func TestBuildDigestSummarisesTrailingWindow(t *testing.T) {
	eng, store := newTestEngine("5")

	now := t0.Add(23 * time.Hour)
	store.Update("BTCUSDT", d("100"), t0, now)
	store.Update("BTCUSDT", d("130"), t0.Add(6*time.Hour), now)
	store.Update("BTCUSDT", d("90"), t0.Add(12*time.Hour), now)
	store.Update("BTCUSDT", d("110"), now, now)

	digest := eng.BuildDigest(now.Add(time.Minute))
	if len(digest.Entries) != 1 {
		t.Fatalf("expected one digest entry, got %d", len(digest.Entries))
	}

	entry := digest.Entries[0]
	if entry.Symbol != "BTCUSDT" {
		t.Fatalf("unexpected symbol %s", entry.Symbol)
	}
	if !entry.OpenPrice.Equal(d("100")) || !entry.ClosePrice.Equal(d("110")) {
		t.Fatalf("open/close mismatch: %+v", entry)
	}
	if !entry.DayHigh.Equal(d("130")) || !entry.DayLow.Equal(d("90")) {
		t.Fatalf("high/low mismatch: %+v", entry)
	}
	if !entry.PercentChange.Equal(d("10")) {
		t.Fatalf("期望日内涨幅 10%%, 实际 %s", entry.PercentChange)
	}
}

func TestBuildDigestSkipsQuietSymbols(t *testing.T) {
	eng, store := newTestEngine("5")

	store.Update("BTCUSDT", d("100"), t0, t0)

	// Two days later, nothing in the trailing day.
	digest := eng.BuildDigest(t0.Add(48 * time.Hour))
	if len(digest.Entries) != 0 {
		t.Fatalf("quiet symbol should be skipped: %+v", digest.Entries)
	}
}
