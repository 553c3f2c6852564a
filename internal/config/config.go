package config

import (
	"fmt"
	"log/slog"
	"time"

	"github.com/spf13/viper"

	"github.com/loykin/gsward/internal/logger"
	"github.com/loykin/gsward/internal/notify"
	"github.com/loykin/gsward/internal/supervision"
	"github.com/loykin/gsward/internal/updater"
)

// FileConfig represents the top-level TOML structure.
type FileConfig struct {
	StatePath    string        `toml:"state_path" mapstructure:"state_path"`
	TickInterval time.Duration `toml:"tick_interval" mapstructure:"tick_interval"`
	SettleWait   time.Duration `toml:"settle_wait" mapstructure:"settle_wait"`
	StopWait     time.Duration `toml:"stop_wait" mapstructure:"stop_wait"`

	// History sink DSNs, e.g. "sqlite:///var/lib/gsward/history.db",
	// "postgres://...", "clickhouse://...", "opensearch://host:9200/index".
	HistoryDSNs []string `toml:"history_dsns" mapstructure:"history_dsns"`

	Log     logger.Config               `toml:"log" mapstructure:"log"`
	Updater updater.Config              `toml:"updater" mapstructure:"updater"`
	Notify  notify.Config               `toml:"notify" mapstructure:"notify"`
	HTTP    HTTPConfig                  `toml:"http" mapstructure:"http"`
	Servers []supervision.ManagedServer `toml:"servers" mapstructure:"servers"`
}

type HTTPConfig struct {
	Enabled  bool   `toml:"enabled" mapstructure:"enabled"`
	Listen   string `toml:"listen" mapstructure:"listen"`
	BasePath string `toml:"base_path" mapstructure:"base_path"`
}

const (
	defaultStatePath = "gsward-state.json"
	defaultListen    = ":8870"
	defaultBasePath  = "/api"
)

// Load parses a TOML config file and applies defaults. Per-server
// validation is deferred to EnabledServers so one bad server does not
// reject the whole file.
func Load(path string) (*FileConfig, error) {
	v := viper.New()
	v.SetConfigFile(path)
	v.SetConfigType("toml")
	if err := v.ReadInConfig(); err != nil {
		return nil, err
	}
	var fc FileConfig
	if err := v.Unmarshal(&fc); err != nil {
		return nil, err
	}
	if fc.StatePath == "" {
		fc.StatePath = defaultStatePath
	}
	if fc.HTTP.Listen == "" {
		fc.HTTP.Listen = defaultListen
	}
	if fc.HTTP.BasePath == "" {
		fc.HTTP.BasePath = defaultBasePath
	}
	if err := fc.check(); err != nil {
		return nil, err
	}
	return &fc, nil
}

// check rejects file-level problems: duplicate server names would make
// state-store entries ambiguous.
func (fc *FileConfig) check() error {
	seen := make(map[string]bool, len(fc.Servers))
	for _, s := range fc.Servers {
		if s.Name == "" {
			continue // caught per-server in EnabledServers
		}
		if seen[s.Name] {
			return fmt.Errorf("duplicate server name %q", s.Name)
		}
		seen[s.Name] = true
	}
	return nil
}

// EnabledServers returns the servers that are enabled and pass validation.
// Invalid servers are logged and excluded; supervision of the remaining
// servers proceeds.
func (fc *FileConfig) EnabledServers() []supervision.ManagedServer {
	out := make([]supervision.ManagedServer, 0, len(fc.Servers))
	for _, s := range fc.Servers {
		if err := s.Validate(); err != nil {
			slog.Warn("excluding invalid server from supervision", "err", err)
			continue
		}
		if !s.Enabled {
			slog.Info("server disabled, not supervised", "server", s.Name)
			continue
		}
		out = append(out, s)
	}
	return out
}

// ValidateAll reports every validation error without excluding anything;
// the validate CLI command uses it.
func (fc *FileConfig) ValidateAll() []error {
	var errs []error
	if err := fc.check(); err != nil {
		errs = append(errs, err)
	}
	for _, s := range fc.Servers {
		if err := s.Validate(); err != nil {
			errs = append(errs, err)
		}
	}
	return errs
}
