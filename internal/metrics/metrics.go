package metrics

import (
	"errors"
	"net/http"
	"sync/atomic"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Package-level Prometheus collectors. They are registered via Register.
var (
	regOK atomic.Bool

	ticks = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "gsward",
			Subsystem: "supervision",
			Name:      "ticks_total",
			Help:      "Number of supervision ticks evaluated per server.",
		}, []string{"server"},
	)
	updates = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "gsward",
			Subsystem: "supervision",
			Name:      "updates_total",
			Help:      "Update attempts by result.",
		}, []string{"server", "result"},
	)
	backups = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "gsward",
			Subsystem: "supervision",
			Name:      "backups_total",
			Help:      "Backup attempts by result.",
		}, []string{"server", "result"},
	)
	restarts = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "gsward",
			Subsystem: "supervision",
			Name:      "restarts_total",
			Help:      "Process (re)starts by reason (liveness, post_update, post_backup, rollback).",
		}, []string{"server", "reason"},
	)
	opSeconds = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "gsward",
			Subsystem: "supervision",
			Name:      "operation_seconds",
			Help:      "Duration of update and backup operations.",
			Buckets:   []float64{1, 5, 15, 30, 60, 120, 300, 600, 1800},
		}, []string{"server", "op"},
	)
	busy = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: "gsward",
			Subsystem: "supervision",
			Name:      "busy",
			Help:      "Whether a mutating operation is in flight for the server (1 = busy).",
		}, []string{"server"},
	)
)

// Register registers all metrics with the provided registerer.
// It is safe to call multiple times; subsequent calls after success are no-ops.
func Register(r prometheus.Registerer) error {
	if regOK.Load() {
		return nil
	}
	cs := []prometheus.Collector{ticks, updates, backups, restarts, opSeconds, busy}
	for _, c := range cs {
		if err := r.Register(c); err != nil {
			// If already registered, ignore (allows double Register with default registry)
			var are prometheus.AlreadyRegisteredError
			if errors.As(err, &are) {
				continue
			}
			return err
		}
	}
	regOK.Store(true)
	return nil
}

// Handler returns an http.Handler serving Prometheus metrics for the
// DefaultGatherer.
func Handler() http.Handler { return promhttp.Handler() }

// Lightweight helpers used by internal packages. They no-op if Register
// hasn't been called.

func IncTick(server string) {
	if regOK.Load() {
		ticks.WithLabelValues(server).Inc()
	}
}

func IncUpdate(server string, success bool) {
	if regOK.Load() {
		updates.WithLabelValues(server, resultLabel(success)).Inc()
	}
}

func IncBackup(server string, success bool) {
	if regOK.Load() {
		backups.WithLabelValues(server, resultLabel(success)).Inc()
	}
}

func IncRestart(server, reason string) {
	if regOK.Load() {
		restarts.WithLabelValues(server, reason).Inc()
	}
}

func ObserveOperation(server, op string, seconds float64) {
	if regOK.Load() {
		opSeconds.WithLabelValues(server, op).Observe(seconds)
	}
}

func SetBusy(server string, v bool) {
	if regOK.Load() {
		var f float64
		if v {
			f = 1
		}
		busy.WithLabelValues(server).Set(f)
	}
}

func resultLabel(success bool) string {
	if success {
		return "success"
	}
	return "failure"
}
