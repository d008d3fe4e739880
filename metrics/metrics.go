// Package metrics exposes Prometheus instrumentation for the runner and the
// event emitter.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/hupe1980/starmesh/core"
)

// Recorder records run, node, loop and sink metrics. It satisfies
// runner.Metrics and stream.ErrorObserver.
type Recorder struct {
	runsStarted   prometheus.Counter
	runsFinished  *prometheus.CounterVec
	runDuration   *prometheus.HistogramVec
	nodesFinished *prometheus.CounterVec
	nodeDuration  *prometheus.HistogramVec
	loops         *prometheus.CounterVec
	sinkErrors    *prometheus.CounterVec
}

// Options configure a Recorder.
type Options struct {
	// Namespace prefixes every metric name.
	Namespace string
	// Registerer receives the collectors. Defaults to the global registry.
	Registerer prometheus.Registerer
}

// New creates a recorder and registers its collectors. Registration panics
// on conflicts, mirroring prometheus.MustRegister.
func New(optFns ...func(o *Options)) *Recorder {
	opts := Options{
		Namespace:  "starmesh",
		Registerer: prometheus.DefaultRegisterer,
	}

	for _, fn := range optFns {
		fn(&opts)
	}

	buckets := []float64{10, 50, 100, 250, 500, 1000, 2500, 5000, 10000, 30000, 60000}

	r := &Recorder{
		runsStarted: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: opts.Namespace,
			Name:      "runs_started_total",
			Help:      "Total number of constellation runs started or resumed",
		}),
		runsFinished: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: opts.Namespace,
			Name:      "runs_finished_total",
			Help:      "Total number of run invocations that ended, by resulting status",
		}, []string{"status"}),
		runDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: opts.Namespace,
			Name:      "run_duration_milliseconds",
			Help:      "Duration of a run invocation in milliseconds",
			Buckets:   buckets,
		}, []string{"status"}),
		nodesFinished: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: opts.Namespace,
			Name:      "nodes_finished_total",
			Help:      "Total number of node executions, by star type and status",
		}, []string{"star_type", "status"}),
		nodeDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: opts.Namespace,
			Name:      "node_duration_milliseconds",
			Help:      "Node execution duration in milliseconds",
			Buckets:   buckets,
		}, []string{"star_type"}),
		loops: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: opts.Namespace,
			Name:      "loop_iterations_total",
			Help:      "Total number of eval loop decisions, by whether the cap forced a continue",
		}, []string{"forced"}),
		sinkErrors: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: opts.Namespace,
			Name:      "sink_errors_total",
			Help:      "Total number of events a sink failed to handle",
		}, []string{"event_type"}),
	}

	opts.Registerer.MustRegister(
		r.runsStarted, r.runsFinished, r.runDuration,
		r.nodesFinished, r.nodeDuration, r.loops, r.sinkErrors,
	)

	return r
}

// RunStarted counts a started or resumed run.
func (r *Recorder) RunStarted() { r.runsStarted.Inc() }

// RunFinished records the status a run invocation ended in.
func (r *Recorder) RunFinished(status core.RunStatus, d time.Duration) {
	r.runsFinished.WithLabelValues(string(status)).Inc()
	r.runDuration.WithLabelValues(string(status)).Observe(float64(d.Milliseconds()))
}

// NodeFinished records a node execution.
func (r *Recorder) NodeFinished(kind core.StarKind, status core.NodeStatus, d time.Duration) {
	r.nodesFinished.WithLabelValues(string(kind), string(status)).Inc()
	r.nodeDuration.WithLabelValues(string(kind)).Observe(float64(d.Milliseconds()))
}

// LoopIteration counts an eval loop decision.
func (r *Recorder) LoopIteration(forced bool) {
	label := "false"
	if forced {
		label = "true"
	}

	r.loops.WithLabelValues(label).Inc()
}

// ObserveSinkError counts an event a sink failed to handle.
func (r *Recorder) ObserveSinkError(t core.EventType) {
	r.sinkErrors.WithLabelValues(string(t)).Inc()
}
