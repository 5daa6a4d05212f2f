// Package metrics counts what a run did, in a registry owned by the run.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Stage results.
const (
	ResultOK    = "ok"
	ResultPass  = "pass"
	ResultFail  = "fail"
	ResultError = "error"
)

// Metrics is safe to use through a nil pointer; every method is then a no-op.
type Metrics struct {
	Registry *prometheus.Registry

	stageTotal      *prometheus.CounterVec
	stageDuration   *prometheus.HistogramVec
	taskRetries     prometheus.Counter
	selfHeals       prometheus.Counter
	blockedCommands prometheus.Counter
}

func New() *Metrics {
	m := &Metrics{
		Registry: prometheus.NewRegistry(),
		stageTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "triad_stage_total",
				Help: "Stage executions by outcome",
			},
			[]string{"stage", "result"},
		),
		stageDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "triad_stage_duration_seconds",
				Help:    "Wall time spent per stage execution",
				Buckets: prometheus.ExponentialBuckets(0.05, 2, 12), // 50ms to ~100s
			},
			[]string{"stage"},
		),
		taskRetries: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "triad_task_retries_total",
			Help: "Code/test retries triggered by failing tests",
		}),
		selfHeals: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "triad_self_heals_total",
			Help: "Package marker repairs followed by a test re-run",
		}),
		blockedCommands: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "triad_blocked_commands_total",
			Help: "Command vectors rejected by the sandbox allowlist",
		}),
	}
	m.Registry.MustRegister(m.stageTotal, m.stageDuration, m.taskRetries, m.selfHeals, m.blockedCommands)
	return m
}

// ObserveStage records one stage execution that started at start.
func (m *Metrics) ObserveStage(stage, result string, start time.Time) {
	if m == nil {
		return
	}
	m.stageTotal.WithLabelValues(stage, result).Inc()
	m.stageDuration.WithLabelValues(stage).Observe(time.Since(start).Seconds())
}

func (m *Metrics) TaskRetry() {
	if m != nil {
		m.taskRetries.Inc()
	}
}

func (m *Metrics) SelfHeal() {
	if m != nil {
		m.selfHeals.Inc()
	}
}

func (m *Metrics) BlockedCommand() {
	if m != nil {
		m.blockedCommands.Inc()
	}
}

// WriteTextfile writes the registry in the node exporter textfile format.
func (m *Metrics) WriteTextfile(path string) error {
	if m == nil {
		return nil
	}
	return prometheus.WriteToTextfile(path, m.Registry)
}
