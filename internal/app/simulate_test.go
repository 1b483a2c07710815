package app

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func writeCSV(t *testing.T, contents string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "ticks.csv")
	if err := os.WriteFile(path, []byte(contents), 0o644); err != nil {
		t.Fatalf("write csv: %v", err)
	}
	return path
}

func TestReadTicksCSV(t *testing.T) {
	path := writeCSV(t, `symbol,price,timestamp
btcusdt,42000.5,2026-03-01T12:00:00Z
ETHUSDT,2200
`)

	ticks, err := readTicksCSV(path)
	if err != nil {
		t.Fatalf("read failed: %v", err)
	}
	if len(ticks) != 2 {
		t.Fatalf("expected 2 ticks, got %d", len(ticks))
	}

	if ticks[0].Symbol != "BTCUSDT" {
		t.Fatalf("symbol should be upper-cased: %q", ticks[0].Symbol)
	}
	if ticks[0].Price.String() != "42000.5" {
		t.Fatalf("unexpected price %s", ticks[0].Price)
	}
	want := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	if !ticks[0].Time.Equal(want) {
		t.Fatalf("unexpected timestamp %s", ticks[0].Time)
	}

	// The second row omits the timestamp and falls back to now.
	if ticks[1].Time.IsZero() {
		t.Fatal("missing timestamp should default to the current time")
	}
}

func TestReadTicksCSVRejectsBadRows(t *testing.T) {
	cases := map[string]string{
		"bad price":     "BTCUSDT,not-a-number\n",
		"bad timestamp": "BTCUSDT,100,yesterday\n",
		"short row":     "BTCUSDT\n",
	}
	for name, contents := range cases {
		if _, err := readTicksCSV(writeCSV(t, contents)); err == nil {
			t.Fatalf("%s: expected an error", name)
		}
	}
}
