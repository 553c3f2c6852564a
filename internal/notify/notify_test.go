package notify

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
)

type failingNotifier struct{ called *int }

func (f failingNotifier) Notify(context.Context, string, string) error {
	*f.called++
	return errors.New("boom")
}

func TestMultiSwallowsFailures(t *testing.T) {
	calls := 0
	m := Multi{failingNotifier{&calls}, failingNotifier{&calls}}
	if err := m.Notify(context.Background(), "s", "m"); err != nil {
		t.Fatalf("multi must swallow failures: %v", err)
	}
	if calls != 2 {
		t.Fatalf("all notifiers must be attempted, got %d", calls)
	}
}

func TestCommandNotifier(t *testing.T) {
	out := filepath.Join(t.TempDir(), "notify.txt")
	sh, err := os.CreateTemp(t.TempDir(), "notify-*.sh")
	if err != nil {
		t.Fatalf("temp: %v", err)
	}
	script := "#!/bin/sh\necho \"$1|$2\" > " + out + "\n"
	if _, err := sh.WriteString(script); err != nil {
		t.Fatalf("write: %v", err)
	}
	_ = sh.Close()
	if err := os.Chmod(sh.Name(), 0o755); err != nil {
		t.Fatalf("chmod: %v", err)
	}

	n := CommandNotifier{Command: sh.Name()}
	if err := n.Notify(context.Background(), "update failed", "srv-1: oracle timeout"); err != nil {
		t.Fatalf("notify: %v", err)
	}
	b, err := os.ReadFile(out)
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	if got := strings.TrimSpace(string(b)); got != "update failed|srv-1: oracle timeout" {
		t.Fatalf("got %q", got)
	}
}

func TestCommandNotifierFailure(t *testing.T) {
	n := CommandNotifier{Command: "false"}
	if err := n.Notify(context.Background(), "s", "m"); err == nil {
		t.Fatalf("non-zero exit must be an error")
	}
	n = CommandNotifier{Command: "  "}
	if err := n.Notify(context.Background(), "s", "m"); err == nil {
		t.Fatalf("empty command must be an error")
	}
}

func TestWebhookNotifier(t *testing.T) {
	var got map[string]string
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		b, _ := io.ReadAll(r.Body)
		_ = json.Unmarshal(b, &got)
		w.WriteHeader(200)
	}))
	defer ts.Close()

	n := NewWebhookNotifier(ts.URL)
	if err := n.Notify(context.Background(), "subj", "msg"); err != nil {
		t.Fatalf("notify: %v", err)
	}
	if got["subject"] != "subj" || got["message"] != "msg" {
		t.Fatalf("payload mismatch: %v", got)
	}
}

func TestWebhookNotifierErrorStatus(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(503)
	}))
	defer ts.Close()
	if err := NewWebhookNotifier(ts.URL).Notify(context.Background(), "s", "m"); err == nil {
		t.Fatalf("expected error for 503")
	}
}

func TestBuild(t *testing.T) {
	n := Build(Config{})
	m, ok := n.(Multi)
	if !ok || len(m) != 1 {
		t.Fatalf("default build must contain only the slog notifier: %T", n)
	}
	n = Build(Config{Command: "true", Webhook: "http://localhost:1/hook"})
	if m := n.(Multi); len(m) != 3 {
		t.Fatalf("expected 3 notifiers, got %d", len(m))
	}
}
