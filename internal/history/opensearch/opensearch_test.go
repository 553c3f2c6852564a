package opensearch

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/loykin/gsward/internal/history"
)

func TestSend(t *testing.T) {
	var gotBody []byte
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			t.Fatalf("expected POST, got %s", r.Method)
		}
		if r.URL.Path != "/idx/_doc" {
			t.Fatalf("unexpected path: %s", r.URL.Path)
		}
		b, _ := io.ReadAll(r.Body)
		gotBody = b
		w.WriteHeader(201)
	}))
	defer ts.Close()

	sink := New(ts.URL, "idx")
	e := history.Event{Type: history.EventBackupFailure, Server: "s1", OccurredAt: time.Now().UTC(), Detail: "disk full"}
	if err := sink.Send(context.Background(), e); err != nil {
		t.Fatalf("send: %v", err)
	}

	var m map[string]any
	if err := json.Unmarshal(gotBody, &m); err != nil {
		t.Fatalf("invalid json: %v", err)
	}
	if m["server"] != "s1" || m["type"] != string(history.EventBackupFailure) {
		t.Fatalf("body mismatch: %v", m)
	}
}

func TestSendErrorStatus(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(500)
	}))
	defer ts.Close()

	sink := New(ts.URL+"/", "idx")
	if err := sink.Send(context.Background(), history.Event{Type: history.EventRestart, Server: "x", OccurredAt: time.Now()}); err == nil {
		t.Fatalf("expected error for 500 response")
	}
}
