package server

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/loykin/gsward/internal/supervision"
)

type fakeLoop struct {
	snap    supervision.Snapshot
	updates int
	backups int
}

func (f *fakeLoop) Snapshot() supervision.Snapshot { return f.snap }
func (f *fakeLoop) TriggerUpdate()                 { f.updates++ }
func (f *fakeLoop) TriggerBackup()                 { f.backups++ }

func testRouter() (*Router, *fakeLoop, *fakeLoop) {
	a := &fakeLoop{snap: supervision.Snapshot{Name: "alpha", Running: true, BuildID: "100"}}
	b := &fakeLoop{snap: supervision.Snapshot{Name: "beta"}}
	r := NewRouter(map[string]Supervised{"alpha": a, "beta": b}, "/api")
	return r, a, b
}

func do(t *testing.T, h http.Handler, method, path string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(method, path, nil)
	w := httptest.NewRecorder()
	h.ServeHTTP(w, req)
	return w
}

func TestStatusAll(t *testing.T) {
	r, _, _ := testRouter()
	w := do(t, r.Handler(), http.MethodGet, "/api/status")
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d body=%s", w.Code, w.Body.String())
	}
	var snaps []supervision.Snapshot
	if err := json.Unmarshal(w.Body.Bytes(), &snaps); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if len(snaps) != 2 || snaps[0].Name != "alpha" || snaps[1].Name != "beta" {
		t.Fatalf("snaps = %+v", snaps)
	}
}

func TestStatusByName(t *testing.T) {
	r, _, _ := testRouter()
	w := do(t, r.Handler(), http.MethodGet, "/api/status?name=alpha")
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d", w.Code)
	}
	var snap supervision.Snapshot
	if err := json.Unmarshal(w.Body.Bytes(), &snap); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if snap.Name != "alpha" || !snap.Running || snap.BuildID != "100" {
		t.Fatalf("snap = %+v", snap)
	}
}

func TestStatusUnknownName(t *testing.T) {
	r, _, _ := testRouter()
	if w := do(t, r.Handler(), http.MethodGet, "/api/status?name=nope"); w.Code != http.StatusNotFound {
		t.Fatalf("status = %d", w.Code)
	}
}

func TestUpdateTrigger(t *testing.T) {
	r, a, b := testRouter()
	w := do(t, r.Handler(), http.MethodPost, "/api/update?name=alpha")
	if w.Code != http.StatusAccepted {
		t.Fatalf("status = %d body=%s", w.Code, w.Body.String())
	}
	if a.updates != 1 || b.updates != 0 {
		t.Fatalf("updates a=%d b=%d", a.updates, b.updates)
	}
}

func TestBackupTrigger(t *testing.T) {
	r, a, _ := testRouter()
	w := do(t, r.Handler(), http.MethodPost, "/api/backup?name=alpha")
	if w.Code != http.StatusAccepted {
		t.Fatalf("status = %d", w.Code)
	}
	if a.backups != 1 {
		t.Fatalf("backups = %d", a.backups)
	}
}

func TestTriggerRequiresName(t *testing.T) {
	r, _, _ := testRouter()
	if w := do(t, r.Handler(), http.MethodPost, "/api/update"); w.Code != http.StatusBadRequest {
		t.Fatalf("status = %d", w.Code)
	}
	if w := do(t, r.Handler(), http.MethodPost, "/api/backup?name=ghost"); w.Code != http.StatusNotFound {
		t.Fatalf("status = %d", w.Code)
	}
}

func TestHealthz(t *testing.T) {
	r, _, _ := testRouter()
	w := do(t, r.Handler(), http.MethodGet, "/healthz")
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d", w.Code)
	}
}

func TestMetricsEndpoint(t *testing.T) {
	r, _, _ := testRouter()
	if w := do(t, r.Handler(), http.MethodGet, "/metrics"); w.Code != http.StatusOK {
		t.Fatalf("status = %d", w.Code)
	}
}
