// Package metrics holds the Prometheus instruments for a provisioning run.
// hostprov is a short-lived CLI, so instead of serving /metrics it writes the
// registry to a node_exporter textfile collector directory at the end of a run.
package metrics

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// TextfileName is the file written into the textfile collector directory.
const TextfileName = "hostprov.prom"

// Metrics is a set of run instruments on a private registry.
type Metrics struct {
	Registry *prometheus.Registry

	PhaseRuns      *prometheus.CounterVec
	PhaseDuration  *prometheus.HistogramVec
	CommandRetries *prometheus.CounterVec
	BreakerTrips   prometheus.Counter
	RollbackSteps  *prometheus.CounterVec
	LedgerEntries  prometheus.Gauge
	LastExitCode   prometheus.Gauge
	LastRunTime    prometheus.Gauge
}

// New creates and registers every instrument.
func New() *Metrics {
	m := &Metrics{
		Registry: prometheus.NewRegistry(),
		PhaseRuns: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "hostprov_phase_runs_total",
				Help: "Phase outcomes by phase and final status",
			},
			[]string{"phase", "status"},
		),
		PhaseDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "hostprov_phase_duration_seconds",
				Help:    "Wall time of executed phases",
				Buckets: []float64{1, 5, 15, 30, 60, 120, 300, 600, 1200, 1800, 3600},
			},
			[]string{"phase"},
		),
		CommandRetries: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "hostprov_command_retries_total",
				Help: "Retries of failed phase executions by error kind",
			},
			[]string{"kind"},
		),
		BreakerTrips: prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: "hostprov_circuit_breaker_trips_total",
				Help: "Times the circuit breaker opened",
			},
		),
		RollbackSteps: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "hostprov_rollback_steps_total",
				Help: "Rollback steps by result",
			},
			[]string{"result"},
		),
		LedgerEntries: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: "hostprov_ledger_entries",
				Help: "Transactions in the ledger at the end of the run",
			},
		),
		LastExitCode: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: "hostprov_last_run_exit_code",
				Help: "Exit code of the most recent run",
			},
		),
		LastRunTime: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: "hostprov_last_run_timestamp_seconds",
				Help: "Unix time the most recent run finished",
			},
		),
	}
	m.Registry.MustRegister(
		m.PhaseRuns,
		m.PhaseDuration,
		m.CommandRetries,
		m.BreakerTrips,
		m.RollbackSteps,
		m.LedgerEntries,
		m.LastExitCode,
		m.LastRunTime,
	)
	return m
}

// ObservePhase records one finished phase.
func (m *Metrics) ObservePhase(phase, status string, d time.Duration) {
	m.PhaseRuns.WithLabelValues(phase, status).Inc()
	if d > 0 {
		m.PhaseDuration.WithLabelValues(phase).Observe(d.Seconds())
	}
}

// ObserveRollback records a rollback's step counts.
func (m *Metrics) ObserveRollback(executed, failed int) {
	m.RollbackSteps.WithLabelValues("ok").Add(float64(executed))
	m.RollbackSteps.WithLabelValues("failed").Add(float64(failed))
}

// Finish stamps the run outcome.
func (m *Metrics) Finish(exitCode, ledgerEntries int, at time.Time) {
	m.LastExitCode.Set(float64(exitCode))
	m.LedgerEntries.Set(float64(ledgerEntries))
	m.LastRunTime.Set(float64(at.Unix()))
}

// WriteTextfile writes the registry to dir/hostprov.prom atomically. An
// empty dir is a no-op.
func (m *Metrics) WriteTextfile(dir string) error {
	if dir == "" {
		return nil
	}
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("metrics: mkdir %s: %w", dir, err)
	}
	if err := prometheus.WriteToTextfile(filepath.Join(dir, TextfileName), m.Registry); err != nil {
		return fmt.Errorf("metrics: write textfile: %w", err)
	}
	return nil
}
