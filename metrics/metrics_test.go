package metrics

import (
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"

	"github.com/hupe1980/starmesh/core"
)

func newRecorder() *Recorder {
	return New(func(o *Options) { o.Registerer = prometheus.NewRegistry() })
}

func TestRecorder(t *testing.T) {
	r := newRecorder()

	r.RunStarted()
	r.RunStarted()
	r.RunFinished(core.RunStatusCompleted, 120*time.Millisecond)
	r.NodeFinished(core.StarKindWorker, core.NodeStatusCompleted, 40*time.Millisecond)
	r.NodeFinished(core.StarKindWorker, core.NodeStatusFailed, time.Millisecond)
	r.LoopIteration(false)
	r.LoopIteration(true)
	r.LoopIteration(true)
	r.ObserveSinkError(core.EventToken)

	assert.Equal(t, 2.0, testutil.ToFloat64(r.runsStarted))
	assert.Equal(t, 1.0, testutil.ToFloat64(r.runsFinished.WithLabelValues("completed")))
	assert.Equal(t, 1.0, testutil.ToFloat64(r.nodesFinished.WithLabelValues("worker", "failed")))
	assert.Equal(t, 2.0, testutil.ToFloat64(r.loops.WithLabelValues("true")))
	assert.Equal(t, 1.0, testutil.ToFloat64(r.sinkErrors.WithLabelValues("token")))
	assert.Equal(t, 1, testutil.CollectAndCount(r.runDuration))
}

func TestDuplicateRegistrationPanics(t *testing.T) {
	reg := prometheus.NewRegistry()
	New(func(o *Options) { o.Registerer = reg })

	assert.Panics(t, func() {
		New(func(o *Options) { o.Registerer = reg })
	})
}
