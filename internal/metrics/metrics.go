// Package metrics exposes run and destination metrics for Prometheus, either
// scraped from the daemon's /metrics endpoint or written to a node_exporter
// textfile after each run.
package metrics

import (
	"errors"
	"fmt"
	"net/http"
	"os"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/prometheus/common/expfmt"
	"github.com/prometheus/common/model"
)

const namespace = "time_machine"

// Metrics owns its registry so several instances can coexist in tests.
type Metrics struct {
	reg *prometheus.Registry

	runsTotal       *prometheus.CounterVec
	runDuration     prometheus.Histogram
	lastRun         prometheus.Gauge
	lastSuccess     prometheus.Gauge
	syncExitCode    prometheus.Gauge
	snapshots       prometheus.Gauge
	deletedTotal    prometheus.Counter
	deleteFailTotal prometheus.Counter
	freeBytes       prometheus.Gauge
	freeInodes      prometheus.Gauge
}

func New() *Metrics {
	reg := prometheus.NewRegistry()
	f := promauto.With(reg)

	return &Metrics{
		reg: reg,
		runsTotal: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "runs_total",
			Help:      "Snapshot runs by result.",
		}, []string{"result"}),
		runDuration: f.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "run_duration_seconds",
			Help:      "Wall time of a snapshot run.",
			Buckets:   []float64{1, 5, 15, 60, 300, 900, 1800, 3600, 7200, 14400},
		}),
		lastRun: f.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "last_run_timestamp_seconds",
			Help:      "Unix time the last run finished.",
		}),
		lastSuccess: f.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "last_success_timestamp_seconds",
			Help:      "Unix time the last run that advanced the latest pointer finished.",
		}),
		syncExitCode: f.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "sync_exit_code",
			Help:      "Exit code of the last sync, -1 when it did not exit normally.",
		}),
		snapshots: f.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "snapshots",
			Help:      "Snapshots present after the last retention pass.",
		}),
		deletedTotal: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "snapshots_deleted_total",
			Help:      "Snapshots removed by retention.",
		}),
		deleteFailTotal: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "delete_failures_total",
			Help:      "Snapshots retention failed to remove.",
		}),
		freeBytes: f.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "destination_free_bytes",
			Help:      "Free bytes on the destination filesystem at preflight.",
		}),
		freeInodes: f.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "destination_free_inodes",
			Help:      "Free inodes on the destination filesystem at preflight.",
		}),
	}
}

// Registry returns the underlying registry.
func (m *Metrics) Registry() *prometheus.Registry { return m.reg }

// ObserveRun records a finished run. success is true when the latest pointer
// advanced.
func (m *Metrics) ObserveRun(result string, success bool, took time.Duration, finished time.Time) {
	m.runsTotal.WithLabelValues(result).Inc()
	m.runDuration.Observe(took.Seconds())
	m.lastRun.Set(float64(finished.Unix()))
	if success {
		m.lastSuccess.Set(float64(finished.Unix()))
	}
}

func (m *Metrics) ObserveSyncExit(code int) { m.syncExitCode.Set(float64(code)) }

func (m *Metrics) ObserveCapacity(freeBytes, freeInodes uint64) {
	m.freeBytes.Set(float64(freeBytes))
	m.freeInodes.Set(float64(freeInodes))
}

// ObserveRetention records the outcome of one retention pass.
func (m *Metrics) ObserveRetention(remaining, deleted, failed int) {
	m.snapshots.Set(float64(remaining))
	m.deletedTotal.Add(float64(deleted))
	m.deleteFailTotal.Add(float64(failed))
}

// WriteTextfile atomically writes the current values in the text exposition
// format, for the node_exporter textfile collector.
func (m *Metrics) WriteTextfile(path string) error {
	return prometheus.WriteToTextfile(path, m.reg)
}

// RestoreLastSuccess seeds the last-success gauge from a textfile written by
// an earlier process, so a run that does not advance the pointer leaves the
// previous value in place. A missing file is not an error.
func (m *Metrics) RestoreLastSuccess(path string) error {
	f, err := os.Open(path)
	if errors.Is(err, os.ErrNotExist) {
		return nil
	}
	if err != nil {
		return err
	}
	defer f.Close()

	parser := expfmt.NewTextParser(model.UTF8Validation)
	families, err := parser.TextToMetricFamilies(f)
	if err != nil {
		return fmt.Errorf("parse %s: %w", path, err)
	}
	mf, ok := families[namespace+"_last_success_timestamp_seconds"]
	if !ok || len(mf.GetMetric()) == 0 {
		return nil
	}
	m.lastSuccess.Set(mf.GetMetric()[0].GetGauge().GetValue())
	return nil
}

// Handler serves the registry over HTTP.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.reg, promhttp.HandlerOpts{Registry: m.reg})
}
