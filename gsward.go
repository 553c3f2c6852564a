// Package gsward supervises dedicated game servers: liveness, scheduled
// updates through an external oracle, and scheduled backups with pruning.
package gsward

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"sort"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/loykin/gsward/internal/config"
	"github.com/loykin/gsward/internal/history"
	"github.com/loykin/gsward/internal/history/factory"
	"github.com/loykin/gsward/internal/metrics"
	"github.com/loykin/gsward/internal/notify"
	"github.com/loykin/gsward/internal/procwatch"
	"github.com/loykin/gsward/internal/server"
	"github.com/loykin/gsward/internal/store"
	"github.com/loykin/gsward/internal/supervision"
	"github.com/loykin/gsward/internal/updater"

	backupengine "github.com/loykin/gsward/internal/backup"
)

// Re-export core types for external consumers.
// These are aliases so conversions are zero-cost.

type Config = config.FileConfig

type ManagedServer = supervision.ManagedServer

type Snapshot = supervision.Snapshot

type HistorySink = history.Sink

func LoadConfig(path string) (*Config, error) { return config.Load(path) }

// Daemon assembles the supervision loops and their shared services from a
// Config. One Daemon supervises every enabled server in the file.
type Daemon struct {
	cfg     *config.FileConfig
	store   *store.Store
	loops   map[string]*supervision.Loop
	sink    history.Sink
	closers []io.Closer
	httpd   *http.Server
}

func NewDaemon(cfg *Config) (*Daemon, error) {
	d := &Daemon{
		cfg:   cfg,
		store: store.New(cfg.StatePath),
		loops: make(map[string]*supervision.Loop),
	}
	sinks := make([]history.Sink, 0, len(cfg.HistoryDSNs))
	for _, dsn := range cfg.HistoryDSNs {
		s, err := factory.NewSinkFromDSN(dsn)
		if err != nil {
			_ = d.Close()
			return nil, fmt.Errorf("history sink %q: %w", dsn, err)
		}
		sinks = append(sinks, s)
		if c, ok := s.(io.Closer); ok {
			d.closers = append(d.closers, c)
		}
	}
	d.sink = history.NewMulti(sinks...)

	var logs procwatch.LogWriters
	if cfg.Log.File.Dir != "" {
		logs = cfg.Log.File.Writers
	}
	procs := procwatch.New(logs)
	arch := backupengine.New()
	notifier := notify.Build(cfg.Notify)

	for _, srv := range cfg.EnabledServers() {
		// Rate-limit memory is per Checker, so each server owns one.
		d.loops[srv.Name] = supervision.NewLoop(srv, supervision.Deps{
			Procs:    procs,
			Backups:  arch,
			Updates:  updater.New(cfg.Updater),
			Store:    d.store,
			Notifier: notifier,
			History:  d.sink,
		}, supervision.Options{
			TickInterval: cfg.TickInterval,
			SettleWait:   cfg.SettleWait,
			StopWait:     cfg.StopWait,
		})
	}
	return d, nil
}

// Loop returns the supervision loop for a named server.
func (d *Daemon) Loop(name string) (*supervision.Loop, bool) {
	l, ok := d.loops[name]
	return l, ok
}

// Snapshots returns the current state of every supervised server, ordered
// by name.
func (d *Daemon) Snapshots() []Snapshot {
	names := make([]string, 0, len(d.loops))
	for n := range d.loops {
		names = append(names, n)
	}
	sort.Strings(names)
	out := make([]Snapshot, 0, len(names))
	for _, n := range names {
		out = append(out, d.loops[n].Snapshot())
	}
	return out
}

// Run blocks until ctx is cancelled, driving every supervision loop and,
// when configured, the HTTP API.
func (d *Daemon) Run(ctx context.Context) error {
	if err := metrics.Register(prometheus.DefaultRegisterer); err != nil {
		slog.Warn("metrics registration failed", "err", err)
	}
	if d.cfg.HTTP.Enabled {
		views := make(map[string]server.Supervised, len(d.loops))
		for n, l := range d.loops {
			views[n] = l
		}
		d.httpd = server.NewServer(d.cfg.HTTP.Listen, d.cfg.HTTP.BasePath, views)
		slog.Info("http api listening", "addr", d.cfg.HTTP.Listen, "base", d.cfg.HTTP.BasePath)
	}

	var wg sync.WaitGroup
	for _, l := range d.loops {
		wg.Add(1)
		go func(l *supervision.Loop) {
			defer wg.Done()
			l.Run(ctx)
		}(l)
	}
	slog.Info("supervision started", "servers", len(d.loops))
	<-ctx.Done()
	wg.Wait()

	if d.httpd != nil {
		sctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = d.httpd.Shutdown(sctx)
	}
	return d.Close()
}

// Close releases history sink connections. Safe to call more than once.
func (d *Daemon) Close() error {
	var first error
	for _, c := range d.closers {
		if err := c.Close(); err != nil && first == nil {
			first = err
		}
	}
	d.closers = nil
	return first
}

// RegisterMetrics registers the supervision collectors on a custom
// registry; Run does this on the default registry already.
func RegisterMetrics(r prometheus.Registerer) error { return metrics.Register(r) }
