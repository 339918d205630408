package metrics

import (
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewCollector(t *testing.T) {
	prometheus.DefaultRegisterer = prometheus.NewRegistry()

	collector := NewCollector()

	assert.NotNil(t, collector, "NewCollector should return a non-nil collector")
	assert.NotNil(t, collector.jobsEnqueued, "jobsEnqueued counter should be initialized")
	assert.NotNil(t, collector.jobsAssigned, "jobsAssigned counter should be initialized")
	assert.NotNil(t, collector.jobsCompleted, "jobsCompleted counter should be initialized")
	assert.NotNil(t, collector.jobsFailed, "jobsFailed counter should be initialized")
	assert.NotNil(t, collector.jobsCancelled, "jobsCancelled counter should be initialized")
	assert.NotNil(t, collector.crashesRecorded, "crashesRecorded counter should be initialized")
	assert.NotNil(t, collector.crashesDeduped, "crashesDeduped counter should be initialized")
	assert.NotNil(t, collector.jobLatency, "jobLatency histogram should be initialized")
	assert.NotNil(t, collector.revertLatency, "revertLatency histogram should be initialized")
	assert.NotNil(t, collector.recoveryTime, "recoveryTime gauge should be initialized")
	assert.NotNil(t, collector.queueDepth, "queueDepth gauge should be initialized")
	assert.NotNil(t, collector.workersOnline, "workersOnline gauge should be initialized")
}

func TestRecordEnqueue(t *testing.T) {
	prometheus.DefaultRegisterer = prometheus.NewRegistry()
	collector := NewCollector()

	assert.NotPanics(t, func() {
		collector.RecordEnqueue()
	}, "RecordEnqueue should not panic")

	for i := 0; i < 5; i++ {
		collector.RecordEnqueue()
	}
}

func TestRecordAssigned(t *testing.T) {
	prometheus.DefaultRegisterer = prometheus.NewRegistry()
	collector := NewCollector()

	assert.NotPanics(t, func() {
		collector.RecordAssigned()
	}, "RecordAssigned should not panic")

	for i := 0; i < 10; i++ {
		collector.RecordAssigned()
	}
}

func TestRecordCompleted(t *testing.T) {
	prometheus.DefaultRegisterer = prometheus.NewRegistry()
	collector := NewCollector()

	latencies := []float64{0.001, 0.01, 0.1, 1.0, 5.0}
	for _, latency := range latencies {
		assert.NotPanics(t, func() {
			collector.RecordCompleted(latency)
		}, "RecordCompleted should not panic with latency %f", latency)
	}
}

func TestRecordFailed(t *testing.T) {
	prometheus.DefaultRegisterer = prometheus.NewRegistry()
	collector := NewCollector()

	assert.NotPanics(t, func() {
		collector.RecordFailed(0.2)
	}, "RecordFailed should not panic")

	for i := 0; i < 3; i++ {
		collector.RecordFailed(0.2)
	}
}

func TestRecordCancelled(t *testing.T) {
	prometheus.DefaultRegisterer = prometheus.NewRegistry()
	collector := NewCollector()

	assert.NotPanics(t, func() {
		collector.RecordCancelled()
	}, "RecordCancelled should not panic")
}

func TestRecordCrash_UniqueVsDuplicate(t *testing.T) {
	prometheus.DefaultRegisterer = prometheus.NewRegistry()
	collector := NewCollector()

	assert.NotPanics(t, func() {
		collector.RecordCrash(false)
		collector.RecordCrash(true)
	}, "RecordCrash should not panic")
}

func TestRecordRevert(t *testing.T) {
	prometheus.DefaultRegisterer = prometheus.NewRegistry()
	collector := NewCollector()

	for _, d := range []float64{0.02, 0.2, 2.0} {
		assert.NotPanics(t, func() {
			collector.RecordRevert(d)
		}, "RecordRevert should not panic with duration %f", d)
	}
}

func TestSetRecoveryTime(t *testing.T) {
	prometheus.DefaultRegisterer = prometheus.NewRegistry()
	collector := NewCollector()

	recoveryTimes := []float64{0.001, 0.5, 1.5, 3.0}
	for _, rt := range recoveryTimes {
		assert.NotPanics(t, func() {
			collector.SetRecoveryTime(rt)
		}, "SetRecoveryTime should not panic with time %f", rt)
	}
}

func TestSetQueueDepthAndWorkersOnline(t *testing.T) {
	prometheus.DefaultRegisterer = prometheus.NewRegistry()
	collector := NewCollector()

	testCases := []struct {
		name    string
		depth   int
		workers int
	}{
		{"zero values", 0, 0},
		{"normal values", 10, 5},
		{"high queue depth", 100, 8},
		{"many workers", 5, 50},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			assert.NotPanics(t, func() {
				collector.SetQueueDepth(tc.depth)
				collector.SetWorkersOnline(tc.workers)
			}, "SetQueueDepth/SetWorkersOnline should not panic")
		})
	}
}

func TestConcurrentMetricUpdates(t *testing.T) {
	prometheus.DefaultRegisterer = prometheus.NewRegistry()
	collector := NewCollector()

	done := make(chan bool, 100)
	for i := 0; i < 100; i++ {
		go func() {
			collector.RecordEnqueue()
			collector.RecordAssigned()
			collector.RecordCompleted(0.1)
			collector.SetQueueDepth(10)
			done <- true
		}()
	}
	for i := 0; i < 100; i++ {
		<-done
	}
}

func TestCollectorIsolation(t *testing.T) {
	prometheus.DefaultRegisterer = prometheus.NewRegistry()

	collector1 := NewCollector()
	require.NotNil(t, collector1)

	// A process should construct only one collector; a second attempt
	// against the same registry panics on duplicate registration.
	assert.Panics(t, func() {
		NewCollector()
	}, "creating a second collector should panic due to duplicate registration")
}

func TestMetricOperationSequence_JobLifecycle(t *testing.T) {
	prometheus.DefaultRegisterer = prometheus.NewRegistry()
	collector := NewCollector()

	assert.NotPanics(t, func() {
		collector.RecordEnqueue()
		collector.SetQueueDepth(1)

		collector.RecordAssigned()
		collector.SetQueueDepth(0)

		collector.RecordCompleted(0.5)
	}, "complete job lifecycle should not panic")
}

func TestMetricOperationSequence_CrashPipeline(t *testing.T) {
	prometheus.DefaultRegisterer = prometheus.NewRegistry()
	collector := NewCollector()

	assert.NotPanics(t, func() {
		collector.RecordRevert(0.1)
		collector.RecordCrash(false)
		collector.RecordRevert(0.15)
		collector.RecordCrash(true)
	}, "crash pipeline scenario should not panic")
}

func TestRecoveryTimeScenario(t *testing.T) {
	prometheus.DefaultRegisterer = prometheus.NewRegistry()
	collector := NewCollector()

	assert.NotPanics(t, func() {
		collector.SetRecoveryTime(2.5)
		collector.SetQueueDepth(50)
		collector.RecordAssigned()
		collector.RecordCompleted(0.1)
	}, "recovery scenario should not panic")
}

func TestZeroValues(t *testing.T) {
	prometheus.DefaultRegisterer = prometheus.NewRegistry()
	collector := NewCollector()

	assert.NotPanics(t, func() {
		collector.RecordCompleted(0.0)
		collector.SetRecoveryTime(0.0)
		collector.SetQueueDepth(0)
		collector.SetWorkersOnline(0)
	}, "edge case values should not panic")
}
