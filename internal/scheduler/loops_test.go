package scheduler

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/fawkes-project/fawkes/internal/rpc"
	"github.com/fawkes-project/fawkes/pkg/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeWorker is a minimal RPC server standing in for a worker process,
// accepting or rejecting ACCEPT_JOB/CANCEL_JOB per test.
func fakeWorker(t *testing.T, accept bool) string {
	t.Helper()
	srv := rpc.NewServer()
	srv.Handle(rpc.OpAcceptJob, func(payload json.RawMessage) (interface{}, error) {
		return rpc.AcceptJobResponse{Accepted: accept, Reason: "rejected for test"}, nil
	})
	srv.Handle(rpc.OpCancelJob, func(payload json.RawMessage) (interface{}, error) {
		return rpc.CancelJobResponse{Accepted: true}, nil
	})
	require.NoError(t, srv.Listen("127.0.0.1:0"))
	go func() { _ = srv.Accept() }()
	t.Cleanup(func() { _ = srv.Close() })
	return srv.Addr()
}

func TestAllocateCycle_AssignsToOnlyCandidate(t *testing.T) {
	dir := t.TempDir()
	s := newTestScheduler(t, dir)

	addr := fakeWorker(t, true)
	workerID := s.store.RegisterWorker(addr, "h1", types.Capabilities{MaxVMs: 2}, nil)
	id, err := s.EnqueueJob(&types.Job{Name: "job1", Resources: types.ResourceRequirements{VMs: 1}})
	require.NoError(t, err)

	s.allocateCycle()

	j := s.GetJob(id)
	require.NotNil(t, j)
	assert.Equal(t, types.JobAssigned, j.Status)
	assert.Equal(t, workerID, j.AssignedWorker)
}

func TestAllocateCycle_RevertsOnDispatchRejection(t *testing.T) {
	dir := t.TempDir()
	s := newTestScheduler(t, dir)

	addr := fakeWorker(t, false)
	s.store.RegisterWorker(addr, "h1", types.Capabilities{MaxVMs: 2}, nil)
	id, err := s.EnqueueJob(&types.Job{Name: "job1", Resources: types.ResourceRequirements{VMs: 1}})
	require.NoError(t, err)

	s.allocateCycle()

	j := s.GetJob(id)
	require.NotNil(t, j)
	assert.Equal(t, types.JobQueued, j.Status)
	assert.Empty(t, j.AssignedWorker)
}

func TestAllocateCycle_NoEligibleWorkerLeavesJobQueued(t *testing.T) {
	dir := t.TempDir()
	s := newTestScheduler(t, dir)

	id, err := s.EnqueueJob(&types.Job{Name: "job1", Resources: types.ResourceRequirements{VMs: 1}})
	require.NoError(t, err)

	s.allocateCycle()

	j := s.GetJob(id)
	require.NotNil(t, j)
	assert.Equal(t, types.JobQueued, j.Status)
}

func TestHealthCycle_MarksStaleWorkerOffline(t *testing.T) {
	dir := t.TempDir()
	s := newTestScheduler(t, dir)
	s.config.HeartbeatTimeout = 10 * time.Millisecond

	workerID := s.store.RegisterWorker("127.0.0.1:1", "h1", types.Capabilities{MaxVMs: 2}, nil)
	time.Sleep(20 * time.Millisecond)

	s.healthCycle()

	w := s.store.GetWorker(workerID)
	require.NotNil(t, w)
	assert.Equal(t, types.WorkerOffline, w.Status)
}

func TestDeadlineEnforcer_ExpiresAndSignalsOwningWorker(t *testing.T) {
	dir := t.TempDir()
	s := newTestScheduler(t, dir)

	addr := fakeWorker(t, true)
	workerID := s.store.RegisterWorker(addr, "h1", types.Capabilities{MaxVMs: 2}, nil)
	past := time.Now().Add(-time.Hour).UnixMilli()
	id, err := s.EnqueueJob(&types.Job{Name: "job1", Resources: types.ResourceRequirements{VMs: 1}, Deadline: &past})
	require.NoError(t, err)
	require.NoError(t, s.store.AssignJobToWorker(id, workerID))

	for _, exp := range s.store.ExpireDeadlines() {
		s.signalCancelIfRunning(exp.JobID, exp.WorkerID)
	}

	j := s.GetJob(id)
	require.NotNil(t, j)
	assert.Equal(t, types.JobFailed, j.Status)
}
