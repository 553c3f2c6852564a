// Package notify delivers operator-facing failure notifications. Delivery
// is best-effort: the supervision loop reports an error once and moves on,
// so a broken notification channel can never wedge supervision.
package notify

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"os/exec"
	"strings"
	"time"
)

// Notifier is the capability the supervision core depends on.
type Notifier interface {
	Notify(ctx context.Context, subject, message string) error
}

// Config selects and configures notifier implementations.
type Config struct {
	Command string `json:"command" mapstructure:"command"` // invoked with subject and message appended
	Webhook string `json:"webhook" mapstructure:"webhook"` // POST {"subject":...,"message":...}
}

// Build assembles the configured notifiers behind a single fan-out. The
// slog notifier is always present so failures are visible even with no
// delivery channel configured.
func Build(cfg Config) Notifier {
	ns := []Notifier{SlogNotifier{}}
	if strings.TrimSpace(cfg.Command) != "" {
		ns = append(ns, CommandNotifier{Command: cfg.Command})
	}
	if strings.TrimSpace(cfg.Webhook) != "" {
		ns = append(ns, NewWebhookNotifier(cfg.Webhook))
	}
	return Multi(ns)
}

// Multi fans a notification out to all members, swallowing individual
// failures.
type Multi []Notifier

func (m Multi) Notify(ctx context.Context, subject, message string) error {
	for _, n := range m {
		if err := n.Notify(ctx, subject, message); err != nil {
			slog.Warn("notifier failed", "subject", subject, "err", err)
		}
	}
	return nil
}

// SlogNotifier reports through the structured log.
type SlogNotifier struct{}

func (SlogNotifier) Notify(_ context.Context, subject, message string) error {
	slog.Error("notification", "subject", subject, "message", message)
	return nil
}

// CommandNotifier runs an operator-configured command (e.g. a mail relay
// script) with the subject and message as trailing arguments.
type CommandNotifier struct {
	Command string
}

func (c CommandNotifier) Notify(ctx context.Context, subject, message string) error {
	parts := strings.Fields(strings.TrimSpace(c.Command))
	if len(parts) == 0 {
		return fmt.Errorf("empty notify command")
	}
	args := append(parts[1:], subject, message)
	// #nosec G204 -- command comes from operator-owned config
	cmd := exec.CommandContext(ctx, parts[0], args...)
	var stderr bytes.Buffer
	cmd.Stderr = &stderr
	if err := cmd.Run(); err != nil {
		return fmt.Errorf("notify command: %w: %s", err, strings.TrimSpace(stderr.String()))
	}
	return nil
}

// WebhookNotifier POSTs a small JSON payload to a configured URL.
type WebhookNotifier struct {
	client *http.Client
	url    string
}

func NewWebhookNotifier(url string) *WebhookNotifier {
	return &WebhookNotifier{client: &http.Client{Timeout: 10 * time.Second}, url: url}
}

func (w *WebhookNotifier) Notify(ctx context.Context, subject, message string) error {
	payload, _ := json.Marshal(map[string]string{"subject": subject, "message": message})
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, w.url, bytes.NewReader(payload))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	resp, err := w.client.Do(req)
	if err != nil {
		return err
	}
	defer func() { _ = resp.Body.Close() }()
	if resp.StatusCode >= 300 {
		return fmt.Errorf("webhook status %d", resp.StatusCode)
	}
	return nil
}
