package scheduler

import (
	"encoding/json"
	"path/filepath"
	"testing"
	"time"

	"github.com/fawkes-project/fawkes/internal/storage/wal"
	"github.com/fawkes-project/fawkes/pkg/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestScheduler(t *testing.T, dir string) *Scheduler {
	t.Helper()
	cfg := DefaultConfig()
	cfg.WALPath = filepath.Join(dir, "wal.log")
	cfg.SnapshotPath = filepath.Join(dir, "snapshot.json")
	cfg.WALFlushInterval = time.Millisecond

	s, err := New(cfg)
	require.NoError(t, err)
	require.NoError(t, s.recover())
	t.Cleanup(func() { _ = s.wal.Close() })
	return s
}

func TestEnqueueJob_PersistsAcrossRestart(t *testing.T) {
	dir := t.TempDir()
	s1 := newTestScheduler(t, dir)

	id, err := s1.EnqueueJob(&types.Job{Name: "job1", MaxRetries: 3})
	require.NoError(t, err)
	require.NoError(t, s1.wal.Close())

	s2 := newTestScheduler(t, dir)
	j := s2.GetJob(id)
	require.NotNil(t, j)
	assert.Equal(t, "job1", j.Name)
	assert.Equal(t, types.JobQueued, j.Status)
}

func TestRecover_ReplaysStatusChangesInOrder(t *testing.T) {
	dir := t.TempDir()
	s1 := newTestScheduler(t, dir)

	// Registration and assignment are logged the way handleHello and
	// allocateCycle log them, so the restarted scheduler can replay them.
	workerID := s1.store.RegisterWorker("10.0.0.1:9000", "h1", types.Capabilities{MaxVMs: 2}, nil)
	regPayload, err := json.Marshal(registerPayload{WorkerID: workerID, Address: "10.0.0.1:9000", Hostname: "h1", Capabilities: types.Capabilities{MaxVMs: 2}})
	require.NoError(t, err)
	require.NoError(t, s1.wal.Append(wal.EventWorkerRegistered, 0, workerID, regPayload))
	id, err := s1.EnqueueJob(&types.Job{Name: "job1", Resources: types.ResourceRequirements{VMs: 1}})
	require.NoError(t, err)
	require.NoError(t, s1.store.AssignJobToWorker(id, workerID))
	assignJSON, err := json.Marshal(assignPayload{JobID: id, WorkerID: workerID})
	require.NoError(t, err)
	require.NoError(t, s1.wal.Append(wal.EventJobAssigned, uint64(id), workerID, assignJSON))

	require.NoError(t, s1.wal.Close())

	s2 := newTestScheduler(t, dir)
	j := s2.GetJob(id)
	require.NotNil(t, j)
	assert.Equal(t, types.JobAssigned, j.Status)
}

func TestCancelJob_UnknownJobIsUnknownEntity(t *testing.T) {
	dir := t.TempDir()
	s := newTestScheduler(t, dir)

	err := s.CancelJob(999)
	require.Error(t, err)
}

func TestTakeSnapshotThenRecover_RotatesWALAndPreservesState(t *testing.T) {
	dir := t.TempDir()
	s1 := newTestScheduler(t, dir)

	_, err := s1.EnqueueJob(&types.Job{Name: "job1"})
	require.NoError(t, err)

	require.NoError(t, s1.takeSnapshot())
	require.NoError(t, s1.wal.Close())

	s2 := newTestScheduler(t, dir)
	jobs := s2.ListJobs("", 0, 0)
	require.Len(t, jobs, 1)
	assert.Equal(t, "job1", jobs[0].Name)
}
