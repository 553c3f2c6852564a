package config

import (
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

const fullConfig = `
state_path = "/var/lib/gsward/state.json"
tick_interval = "10s"
settle_wait = "45s"
history_dsns = ["sqlite:///var/lib/gsward/history.db"]

[log.slog]
level = "debug"
format = "json"

[updater]
oracle_cmd = "steamcmd-query"
install_cmd = "steamcmd-install"
interval = "20m"

[notify]
webhook = "https://hooks.example.com/gsward"

[http]
enabled = true
listen = ":9100"
base_path = "/gsward"

[[servers]]
name = "valheim"
process_name = "valheim_server"
executable = "/srv/valheim/valheim_server"
args = ["-nographics"]
work_dir = "/srv/valheim"
enabled = true
auto_restart = true
auto_update = true
update_source_id = "896660"
update_schedule = "0 4 * * *"
auto_backup = true
backup_source_path = "/srv/valheim/saves"
backup_dest_path = "/backups/valheim"
backup_schedule = "05:30 AM"
backups_to_keep = 7

[[servers]]
name = "terraria"
process_name = "TerrariaServer"
executable = "/srv/terraria/TerrariaServer"
enabled = false
auto_restart = true
`

func TestLoadFullConfig(t *testing.T) {
	fc, err := Load(writeConfig(t, fullConfig))
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if fc.StatePath != "/var/lib/gsward/state.json" {
		t.Fatalf("state_path = %q", fc.StatePath)
	}
	if fc.TickInterval != 10*time.Second || fc.SettleWait != 45*time.Second {
		t.Fatalf("durations = %v %v", fc.TickInterval, fc.SettleWait)
	}
	if fc.Updater.Interval != 20*time.Minute {
		t.Fatalf("updater interval = %v", fc.Updater.Interval)
	}
	if fc.Log.Slog.Level != "debug" || fc.Log.Slog.Format != "json" {
		t.Fatalf("log = %+v", fc.Log.Slog)
	}
	if fc.Notify.Webhook == "" {
		t.Fatalf("webhook not parsed")
	}
	if !fc.HTTP.Enabled || fc.HTTP.Listen != ":9100" || fc.HTTP.BasePath != "/gsward" {
		t.Fatalf("http = %+v", fc.HTTP)
	}
	if len(fc.Servers) != 2 {
		t.Fatalf("servers = %d", len(fc.Servers))
	}
	s := fc.Servers[0]
	if s.Name != "valheim" || !s.AutoUpdate || s.UpdateSourceID != "896660" ||
		s.BackupSchedule != "05:30 AM" || s.BackupsToKeep != 7 {
		t.Fatalf("server[0] = %+v", s)
	}
	if len(fc.HistoryDSNs) != 1 {
		t.Fatalf("history_dsns = %v", fc.HistoryDSNs)
	}
}

func TestLoadDefaults(t *testing.T) {
	fc, err := Load(writeConfig(t, `
[[servers]]
name = "a"
process_name = "a"
executable = "/bin/a"
enabled = true
`))
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if fc.StatePath != defaultStatePath {
		t.Fatalf("state_path default = %q", fc.StatePath)
	}
	if fc.HTTP.Listen != defaultListen || fc.HTTP.BasePath != defaultBasePath {
		t.Fatalf("http defaults = %+v", fc.HTTP)
	}
}

func TestLoadMissingFile(t *testing.T) {
	if _, err := Load(filepath.Join(t.TempDir(), "nope.toml")); err == nil {
		t.Fatalf("expected error for missing file")
	}
}

func TestLoadDuplicateServerNames(t *testing.T) {
	_, err := Load(writeConfig(t, `
[[servers]]
name = "a"
process_name = "a"
executable = "/bin/a"

[[servers]]
name = "a"
process_name = "a2"
executable = "/bin/a2"
`))
	if err == nil {
		t.Fatalf("expected duplicate-name error")
	}
}

func TestEnabledServersExcludesInvalidAndDisabled(t *testing.T) {
	fc, err := Load(writeConfig(t, `
[[servers]]
name = "good"
process_name = "good"
executable = "/bin/good"
enabled = true

[[servers]]
name = "disabled"
process_name = "disabled"
executable = "/bin/disabled"
enabled = false

[[servers]]
name = "broken"
process_name = "broken"
executable = "/bin/broken"
enabled = true
auto_update = true
update_schedule = "0 4 * * *"
`))
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	got := fc.EnabledServers()
	if len(got) != 1 || got[0].Name != "good" {
		t.Fatalf("EnabledServers = %+v", got)
	}
	if errs := fc.ValidateAll(); len(errs) != 1 {
		t.Fatalf("ValidateAll = %v", errs)
	}
}
