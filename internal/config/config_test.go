package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func writeConfig(t *testing.T, contents string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	if err := os.WriteFile(path, []byte(contents), 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}
	return path
}

func TestLoadDefaults(t *testing.T) {
	cfg, err := Load(writeConfig(t, "app:\n  name: tickerwatch-test\n"))
	if err != nil {
		t.Fatalf("load failed: %v", err)
	}

	if cfg.App.Name != "tickerwatch-test" {
		t.Fatalf("file value should win: %q", cfg.App.Name)
	}
	if cfg.Stream.URL == "" {
		t.Fatal("stream.url should default to the mark price feed")
	}
	if cfg.Alerting.ThresholdPct != 5.0 {
		t.Fatalf("threshold default wrong: %v", cfg.Alerting.ThresholdPct)
	}
	if cfg.Alerting.DigestTime != "20:00" {
		t.Fatalf("digest_time default wrong: %q", cfg.Alerting.DigestTime)
	}
	if cfg.Tracker.Timeframe != time.Hour {
		t.Fatalf("timeframe default wrong: %s", cfg.Tracker.Timeframe)
	}
	if cfg.Tracker.Retention != 2160*time.Hour {
		t.Fatalf("retention default wrong: %s", cfg.Tracker.Retention)
	}
	if len(cfg.Alerting.Channels) != 1 || cfg.Alerting.Channels[0] != "log" {
		t.Fatalf("channels default wrong: %v", cfg.Alerting.Channels)
	}
	if cfg.Database.AuditRetention != 2160*time.Hour {
		t.Fatalf("audit_retention default wrong: %s", cfg.Database.AuditRetention)
	}
}

func TestLoadParsesDurationsAndSymbols(t *testing.T) {
	cfg, err := Load(writeConfig(t, `
symbols:
  - BTCUSDT
  - ETHUSDT
tracker:
  timeframe: 30m
stream:
  backoff_base: 2s
  backoff_max: 2m
alerting:
  interval: 45m
`))
	if err != nil {
		t.Fatalf("load failed: %v", err)
	}

	if len(cfg.Symbols) != 2 || cfg.Symbols[0] != "BTCUSDT" {
		t.Fatalf("symbols not parsed: %v", cfg.Symbols)
	}
	if cfg.Tracker.Timeframe != 30*time.Minute {
		t.Fatalf("timeframe not parsed: %s", cfg.Tracker.Timeframe)
	}
	if cfg.Stream.BackoffMax != 2*time.Minute {
		t.Fatalf("backoff_max not parsed: %s", cfg.Stream.BackoffMax)
	}
	if cfg.Alerting.Interval != 45*time.Minute {
		t.Fatalf("interval not parsed: %s", cfg.Alerting.Interval)
	}
}

func TestLoadRejectsBadDigestTime(t *testing.T) {
	if _, err := Load(writeConfig(t, "alerting:\n  digest_time: \"25:99\"\n")); err == nil {
		t.Fatal("invalid digest_time should fail validation")
	}
}

func TestLoadRejectsBadBackoff(t *testing.T) {
	if _, err := Load(writeConfig(t, "stream:\n  backoff_base: 1m\n  backoff_max: 1s\n")); err == nil {
		t.Fatal("backoff_max below backoff_base should fail validation")
	}
}

func TestValidateTelegramRequiresCredentials(t *testing.T) {
	_, err := Load(writeConfig(t, `
alerting:
  telegram:
    enabled: true
`))
	if err == nil {
		t.Fatal("telegram 未配置 bot_token 时应报错")
	}
}

func TestValidateEmailRequiresHostAndRecipients(t *testing.T) {
	_, err := Load(writeConfig(t, `
alerting:
  email:
    enabled: true
`))
	if err == nil {
		t.Fatal("email enabled without host should fail")
	}
}

func TestValidateTimezone(t *testing.T) {
	if _, err := Load(writeConfig(t, "alerting:\n  timezone: Mars/Olympus\n")); err == nil {
		t.Fatal("unknown timezone should fail validation")
	}
}

func TestLocationFallsBackToUTC(t *testing.T) {
	cfg := &Config{}
	cfg.Alerting.Timezone = "not-a-zone"
	if loc := cfg.Location(); loc != time.UTC {
		t.Fatalf("expected UTC fallback, got %v", loc)
	}
}
