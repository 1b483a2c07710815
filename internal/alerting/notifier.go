package alerting

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"tickerwatch/internal/market"
)

// Notifier 定义告警与日报的输送接口。
type Notifier interface {
	Notify(ctx context.Context, alert market.Alert) error
	NotifyDigest(ctx context.Context, digest market.Digest) error
}

// Multi fans out to every configured channel; delivery failures are
// joined so one broken channel never hides the others.
type Multi []Notifier

func (m Multi) Notify(ctx context.Context, alert market.Alert) error {
	var errs []error
	for _, n := range m {
		if err := n.Notify(ctx, alert); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

func (m Multi) NotifyDigest(ctx context.Context, digest market.Digest) error {
	var errs []error
	for _, n := range m {
		if err := n.NotifyDigest(ctx, digest); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// TelegramNotifier 通过 Telegram Bot API 推送消息。
type TelegramNotifier struct {
	botToken string
	chatID   string
	baseURL  string
	client   *http.Client
	logger   zerolog.Logger
}

// NewTelegramNotifier 构造 Telegram 告警器。
func NewTelegramNotifier(botToken, chatID, baseURL string, timeout time.Duration, logger zerolog.Logger) *TelegramNotifier {
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	if baseURL == "" {
		baseURL = "https://api.telegram.org"
	}

	return &TelegramNotifier{
		botToken: botToken,
		chatID:   chatID,
		baseURL:  strings.TrimRight(baseURL, "/"),
		client:   &http.Client{Timeout: timeout},
		logger:   logger.With().Str("component", "alert_telegram").Logger(),
	}
}

// Notify 调用 sendMessage API 推送单条告警。
func (n *TelegramNotifier) Notify(ctx context.Context, alert market.Alert) error {
	if err := n.sendMessage(ctx, renderAlert(alert)); err != nil {
		return err
	}
	n.logger.Info().Str("symbol", alert.Symbol).Stringer("kind", alert.Kind).Msg("告警已发送 (Telegram)")
	return nil
}

// NotifyDigest 推送每日摘要。
func (n *TelegramNotifier) NotifyDigest(ctx context.Context, digest market.Digest) error {
	if err := n.sendMessage(ctx, renderDigest(digest)); err != nil {
		return err
	}
	n.logger.Info().Time("generated_at", digest.GeneratedAt).Int("entries", len(digest.Entries)).Msg("日报已发送 (Telegram)")
	return nil
}

func (n *TelegramNotifier) sendMessage(ctx context.Context, text string) error {
	payload := map[string]string{
		"chat_id": n.chatID,
		"text":    text,
	}

	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("marshal telegram payload: %w", err)
	}

	url := fmt.Sprintf("%s/bot%s/sendMessage", n.baseURL, n.botToken)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("create telegram request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := n.client.Do(req)
	if err != nil {
		return fmt.Errorf("send telegram request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("telegram 响应码异常: %d", resp.StatusCode)
	}

	var result struct {
		OK bool `json:"ok"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&result); err == nil {
		if !result.OK {
			return fmt.Errorf("telegram 返回 ok=false")
		}
	}
	return nil
}

func renderAlert(alert market.Alert) string {
	builder := strings.Builder{}
	builder.WriteString(fmt.Sprintf("[%s] %s\n", alertTitle(alert.Kind), alert.Symbol))
	builder.WriteString(fmt.Sprintf("Time: %s UTC\n", alert.Time.UTC().Format(time.RFC3339)))
	builder.WriteString(fmt.Sprintf("Price: %s\n", alert.NewValue.String()))
	switch alert.Kind {
	case market.KindThresholdMove:
		builder.WriteString(fmt.Sprintf("Window base: %s\n", alert.OldValue.String()))
		if alert.PercentChange.Valid {
			builder.WriteString(fmt.Sprintf("Change: %s%%\n", alert.PercentChange.Decimal.StringFixed(2)))
		}
	default:
		builder.WriteString(fmt.Sprintf("Previous extreme: %s\n", alert.OldValue.String()))
	}
	return builder.String()
}

func renderDigest(digest market.Digest) string {
	builder := strings.Builder{}
	builder.WriteString(fmt.Sprintf("Daily Digest %s\n", digest.GeneratedAt.UTC().Format("2006-01-02")))

	if len(digest.Entries) == 0 {
		builder.WriteString("No tracked symbols received ticks in the digest period.\n")
		return builder.String()
	}

	for _, entry := range digest.Entries {
		builder.WriteString(fmt.Sprintf(
			"%s: open %s close %s (%s%%), high %s low %s\n",
			entry.Symbol,
			entry.OpenPrice.String(),
			entry.ClosePrice.String(),
			entry.PercentChange.StringFixed(2),
			entry.DayHigh.String(),
			entry.DayLow.String(),
		))
	}
	return builder.String()
}

func alertTitle(kind market.AlertKind) string {
	switch kind {
	case market.KindThresholdMove:
		return "Price Movement"
	case market.KindAllTimeHigh:
		return "ATH"
	case market.KindAllTimeLow:
		return "ATL"
	case market.KindHigh90d:
		return "90-Day High"
	case market.KindLow90d:
		return "90-Day Low"
	}
	return "Alert"
}

var _ Notifier = (*TelegramNotifier)(nil)
var _ Notifier = (Multi)(nil)
