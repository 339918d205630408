// ============================================================================
// Fawkes Performance Test Suite
// ============================================================================
//
// Package: test/integration
// File: performance_test.go
// Functionality: system-level throughput and crash recovery performance
//
// Test Objectives:
//   1. verify system throughput (jobs/second)
//   2. verify crash recovery time
//   3. verify data consistency and zero loss across a restart
//
// Test Environment:
//   - 8 fake fuzz workers
//   - simulated execution latency: 10-60ms per job
//   - simulated failure rate: 10%
//
// TestSystemThroughput:
//   - submit 500 jobs
//   - measure completion time and success rate
//   - target: >= 5 jobs/s, >= 85% completion rate
//
// TestRecoveryPerformance:
//   - submit 500 jobs against a scheduler, stop it (simulated crash)
//   - start a fresh scheduler over the same WAL/snapshot dir
//   - measure the time New+Start takes to replay state back in
//   - target: < 3 seconds
// ============================================================================

package integration

import (
	"fmt"
	"math/rand"
	"testing"
	"time"

	"github.com/fawkes-project/fawkes/internal/scheduler"
	"github.com/fawkes-project/fawkes/pkg/types"
	"github.com/stretchr/testify/require"
)

func TestSystemThroughput(t *testing.T) {
	dir := t.TempDir()
	s, addr := newTestScheduler(t, dir)
	t.Cleanup(s.Stop)

	for i := 0; i < 8; i++ {
		delay := time.Duration(10+rand.Intn(50)) * time.Millisecond
		startFakeFuzzWorker(t, addr, 4, delay, 0.10)
	}

	const totalJobs = 500
	startTime := time.Now()
	for i := 0; i < totalJobs; i++ {
		_, err := s.EnqueueJob(newFuzzJob("perf-job"))
		require.NoError(t, err)
	}

	waitFor(t, 60*time.Second, 100*time.Millisecond, func() bool {
		stats := s.Stats()
		return stats[string(types.JobCompleted)]+stats[string(types.JobFailed)] >= totalJobs
	})
	elapsed := time.Since(startTime)

	stats := s.Stats()
	completed := stats[string(types.JobCompleted)]
	failed := stats[string(types.JobFailed)]
	throughput := float64(completed) / elapsed.Seconds()

	t.Logf("=== Performance Test Results ===")
	t.Logf("Total jobs: %d", totalJobs)
	t.Logf("Completed: %d", completed)
	t.Logf("Failed: %d", failed)
	t.Logf("Elapsed: %v", elapsed)
	t.Logf("Throughput: %.2f jobs/s", throughput)

	const expectedThroughput = 5.0
	if throughput < expectedThroughput {
		t.Errorf("throughput %.2f jobs/s below target of %.2f jobs/s", throughput, expectedThroughput)
	}

	const minCompletionRate = 85
	if completed < totalJobs*minCompletionRate/100 {
		t.Errorf("completion rate too low: %d/%d (%.1f%%)", completed, totalJobs, float64(completed)/float64(totalJobs)*100)
	}
}

func TestRecoveryPerformance(t *testing.T) {
	dir := t.TempDir()
	s1, addr := newTestScheduler(t, dir)

	for i := 0; i < 8; i++ {
		startFakeFuzzWorker(t, addr, 4, 30*time.Millisecond, 0.10)
	}

	for i := 0; i < 500; i++ {
		_, err := s1.EnqueueJob(newFuzzJob("load-job"))
		require.NoError(t, err)
	}

	// Let the allocator dispatch a meaningful chunk of the batch and the
	// snapshot loop take at least one snapshot before the simulated crash.
	time.Sleep(3 * time.Second)
	statsBefore := s1.Stats()
	t.Logf("before crash: %+v", statsBefore)
	s1.Stop()

	t.Log("simulating crash recovery")
	startTime := time.Now()

	cfg := scheduler.DefaultConfig()
	cfg.RPCAddress = fmt.Sprintf("127.0.0.1:%d", freePort(t))
	cfg.WALPath = dir + "/wal.log"
	cfg.SnapshotPath = dir + "/snapshot.json"
	s2, err := scheduler.New(cfg)
	require.NoError(t, err)
	require.NoError(t, s2.Start())
	t.Cleanup(s2.Stop)

	recoveryTime := time.Since(startTime)
	statsAfter := s2.Stats()
	t.Logf("after recovery: %+v", statsAfter)

	t.Logf("=== Recovery Performance ===")
	t.Logf("recovery time: %v", recoveryTime)

	if recoveryTime > 3*time.Second {
		t.Errorf("recovery time %v exceeds 3s target", recoveryTime)
	}

	const wantRecovered = 500
	recovered := statsAfter[string(types.JobQueued)] + statsAfter[string(types.JobAssigned)] +
		statsAfter[string(types.JobRunning)] + statsAfter[string(types.JobCompleted)] + statsAfter[string(types.JobFailed)]
	if recovered != wantRecovered {
		t.Errorf("expected all %d jobs to survive recovery, got %d", wantRecovered, recovered)
	}
}
