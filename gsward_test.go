package gsward

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"
)

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	p := filepath.Join(t.TempDir(), "gsward.toml")
	if err := os.WriteFile(p, []byte(body), 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}
	return p
}

func TestNewDaemonFromConfig(t *testing.T) {
	dir := t.TempDir()
	cfg, err := LoadConfig(writeConfig(t, `
state_path = "`+filepath.Join(dir, "state.json")+`"
history_dsns = ["sqlite://:memory:"]

[[servers]]
name = "alpha"
process_name = "alpha_server"
executable = "/srv/alpha/alpha_server"
enabled = true
auto_restart = true

[[servers]]
name = "beta"
process_name = "beta_server"
executable = "/srv/beta/beta_server"
enabled = false
`))
	if err != nil {
		t.Fatalf("LoadConfig: %v", err)
	}
	d, err := NewDaemon(cfg)
	if err != nil {
		t.Fatalf("NewDaemon: %v", err)
	}
	defer func() { _ = d.Close() }()

	if _, ok := d.Loop("alpha"); !ok {
		t.Fatalf("alpha loop missing")
	}
	if _, ok := d.Loop("beta"); ok {
		t.Fatalf("disabled server got a loop")
	}
	snaps := d.Snapshots()
	if len(snaps) != 1 || snaps[0].Name != "alpha" {
		t.Fatalf("snapshots = %+v", snaps)
	}
}

func TestNewDaemonBadSinkDSN(t *testing.T) {
	cfg, err := LoadConfig(writeConfig(t, `
history_dsns = ["ftp://nope"]
`))
	if err != nil {
		t.Fatalf("LoadConfig: %v", err)
	}
	if _, err := NewDaemon(cfg); err == nil {
		t.Fatalf("expected error for unsupported DSN")
	}
}

func TestDaemonRunStopsOnCancel(t *testing.T) {
	cfg, err := LoadConfig(writeConfig(t, `
state_path = "`+filepath.Join(t.TempDir(), "state.json")+`"
tick_interval = "50ms"
`))
	if err != nil {
		t.Fatalf("LoadConfig: %v", err)
	}
	d, err := NewDaemon(cfg)
	if err != nil {
		t.Fatalf("NewDaemon: %v", err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- d.Run(ctx) }()
	time.Sleep(100 * time.Millisecond)
	cancel()
	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("Run: %v", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatalf("Run did not stop after cancel")
	}
}
