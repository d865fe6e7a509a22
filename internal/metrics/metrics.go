// Package metrics exposes engine counters on a dedicated prometheus
// registry so the observer server can serve them without touching the
// default registry.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Metrics bundles the engine's instruments.
type Metrics struct {
	Registry *prometheus.Registry

	Iterations    prometheus.Counter
	CodeBlocks    prometheus.Counter
	BlockErrors   prometheus.Counter
	SubCalls      prometheus.Counter
	TasksComplete *prometheus.CounterVec
	BlockSeconds  prometheus.Histogram
}

// New creates and registers the engine instruments.
func New() *Metrics {
	registry := prometheus.NewRegistry()

	m := &Metrics{
		Registry: registry,
		Iterations: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "rlm_iterations_total",
			Help: "Iterations executed across all tasks.",
		}),
		CodeBlocks: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "rlm_code_blocks_total",
			Help: "Code blocks executed in the REPL.",
		}),
		BlockErrors: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "rlm_block_errors_total",
			Help: "Code blocks that raised a runtime error.",
		}),
		SubCalls: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "rlm_sub_calls_total",
			Help: "Sub-agent spawns admitted under the sub-call cap.",
		}),
		TasksComplete: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "rlm_tasks_total",
			Help: "Tasks finished, by terminal status.",
		}, []string{"status"}),
		BlockSeconds: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "rlm_block_execution_seconds",
			Help:    "Wall-clock duration of REPL block execution.",
			Buckets: prometheus.ExponentialBuckets(0.005, 3, 8),
		}),
	}

	registry.MustRegister(m.Iterations, m.CodeBlocks, m.BlockErrors,
		m.SubCalls, m.TasksComplete, m.BlockSeconds)
	return m
}

// Nop returns metrics backed by an unregistered registry; useful in tests.
func Nop() *Metrics {
	return New()
}
