package alerting

import (
	"context"
	"fmt"
	"net/smtp"
	"os"
	"strings"

	"github.com/rs/zerolog"

	"tickerwatch/internal/market"
)

// SecretFunc resolves a named credential. The default implementation
// reads the environment; deployments with a secret manager inject
// their own.
type SecretFunc func(name string) (string, error)

// EnvSecrets resolves secrets from environment variables.
func EnvSecrets(name string) (string, error) {
	value, ok := os.LookupEnv(name)
	if !ok || value == "" {
		return "", fmt.Errorf("secret %q not set", name)
	}
	return value, nil
}

// EmailOptions parameterise the SMTP channel.
type EmailOptions struct {
	Host           string
	Port           int
	From           string
	Recipients     []string
	PasswordSecret string
}

// EmailNotifier delivers alerts and digests over SMTP.
type EmailNotifier struct {
	opts    EmailOptions
	secrets SecretFunc
	logger  zerolog.Logger

	// send is swappable for tests.
	send func(addr string, auth smtp.Auth, from string, to []string, msg []byte) error
}

// NewEmailNotifier 构造 SMTP 告警器。
func NewEmailNotifier(opts EmailOptions, secrets SecretFunc, logger zerolog.Logger) *EmailNotifier {
	if secrets == nil {
		secrets = EnvSecrets
	}
	return &EmailNotifier{
		opts:    opts,
		secrets: secrets,
		logger:  logger.With().Str("component", "alert_email").Logger(),
		send:    smtp.SendMail,
	}
}

// Notify sends one alert email to the recipient list.
func (n *EmailNotifier) Notify(ctx context.Context, alert market.Alert) error {
	subject := fmt.Sprintf("%s Alert: %s", alertTitle(alert.Kind), alert.Symbol)
	if err := n.deliver(subject, renderAlert(alert)); err != nil {
		return err
	}
	n.logger.Info().Str("symbol", alert.Symbol).Stringer("kind", alert.Kind).Msg("alert email sent")
	return nil
}

// NotifyDigest sends the daily digest email.
func (n *EmailNotifier) NotifyDigest(ctx context.Context, digest market.Digest) error {
	subject := fmt.Sprintf("Daily Digest for %s", digest.GeneratedAt.UTC().Format("2006-01-02"))
	if err := n.deliver(subject, renderDigest(digest)); err != nil {
		return err
	}
	n.logger.Info().Int("entries", len(digest.Entries)).Msg("digest email sent")
	return nil
}

func (n *EmailNotifier) deliver(subject, body string) error {
	if n.opts.Host == "" || len(n.opts.Recipients) == 0 {
		return fmt.Errorf("email channel not fully configured")
	}

	var auth smtp.Auth
	if n.opts.PasswordSecret != "" {
		password, err := n.secrets(n.opts.PasswordSecret)
		if err != nil {
			return fmt.Errorf("resolve smtp credential: %w", err)
		}
		auth = smtp.PlainAuth("", n.opts.From, password, n.opts.Host)
	}

	msg := strings.Builder{}
	msg.WriteString(fmt.Sprintf("From: %s\r\n", n.opts.From))
	msg.WriteString(fmt.Sprintf("To: %s\r\n", strings.Join(n.opts.Recipients, ", ")))
	msg.WriteString(fmt.Sprintf("Subject: %s\r\n", subject))
	msg.WriteString("\r\n")
	msg.WriteString(body)

	addr := fmt.Sprintf("%s:%d", n.opts.Host, n.opts.Port)
	if err := n.send(addr, auth, n.opts.From, n.opts.Recipients, []byte(msg.String())); err != nil {
		return fmt.Errorf("send email via %s: %w", addr, err)
	}
	return nil
}

var _ Notifier = (*EmailNotifier)(nil)
