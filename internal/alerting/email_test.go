package alerting

import (
	"context"
	"fmt"
	"net/smtp"
	"strings"
	"testing"
)

func TestEmailNotifierSendsMessage(t *testing.T) {
	var (
		gotAddr string
		gotFrom string
		gotTo   []string
		gotMsg  string
	)

	notifier := NewEmailNotifier(EmailOptions{
		Host:           "smtp.example.com",
		Port:           587,
		From:           "alerts@example.com",
		Recipients:     []string{"ops@example.com"},
		PasswordSecret: "SMTP_PASSWORD",
	}, func(name string) (string, error) {
		if name != "SMTP_PASSWORD" {
			t.Fatalf("unexpected secret name %q", name)
		}
		return "hunter2", nil
	}, testLogger())

	notifier.send = func(addr string, auth smtp.Auth, from string, to []string, msg []byte) error {
		gotAddr, gotFrom, gotTo, gotMsg = addr, from, to, string(msg)
		return nil
	}

	if err := notifier.Notify(context.Background(), testAlert()); err != nil {
		t.Fatalf("notify failed: %v", err)
	}

	if gotAddr != "smtp.example.com:587" {
		t.Fatalf("unexpected smtp address %q", gotAddr)
	}
	if gotFrom != "alerts@example.com" || len(gotTo) != 1 || gotTo[0] != "ops@example.com" {
		t.Fatalf("unexpected envelope: from=%q to=%v", gotFrom, gotTo)
	}
	if !strings.Contains(gotMsg, "Subject: Price Movement Alert: BTCUSDT") {
		t.Fatalf("subject missing: %q", gotMsg)
	}
	if !strings.Contains(gotMsg, "BTCUSDT") {
		t.Fatalf("body should mention the symbol: %q", gotMsg)
	}
}

func TestEmailNotifierMissingSecret(t *testing.T) {
	notifier := NewEmailNotifier(EmailOptions{
		Host:           "smtp.example.com",
		Port:           587,
		From:           "alerts@example.com",
		Recipients:     []string{"ops@example.com"},
		PasswordSecret: "SMTP_PASSWORD",
	}, func(name string) (string, error) {
		return "", fmt.Errorf("secret %q not set", name)
	}, testLogger())

	notifier.send = func(addr string, auth smtp.Auth, from string, to []string, msg []byte) error {
		t.Fatal("send must not be reached without credentials")
		return nil
	}

	if err := notifier.Notify(context.Background(), testAlert()); err == nil {
		t.Fatal("missing credential should fail delivery")
	}
}

func TestEmailNotifierUnconfigured(t *testing.T) {
	notifier := NewEmailNotifier(EmailOptions{}, nil, testLogger())
	if err := notifier.Notify(context.Background(), testAlert()); err == nil {
		t.Fatal("missing host and recipients should fail")
	}
}

func TestEmailNotifierNoAuthWithoutSecret(t *testing.T) {
	var gotAuth smtp.Auth
	notifier := NewEmailNotifier(EmailOptions{
		Host:       "localhost",
		Port:       25,
		From:       "alerts@example.com",
		Recipients: []string{"ops@example.com"},
	}, nil, testLogger())

	notifier.send = func(addr string, auth smtp.Auth, from string, to []string, msg []byte) error {
		gotAuth = auth
		return nil
	}

	if err := notifier.NotifyDigest(context.Background(), testDigest()); err != nil {
		t.Fatalf("notify digest failed: %v", err)
	}
	if gotAuth != nil {
		t.Fatal("no password secret means unauthenticated delivery")
	}
}
