// Package store implements the Scheduler Store (spec §4.1): the single
// authoritative in-memory record of Jobs, Workers, Queue, and Assignments,
// with all operations atomic with respect to the invariants in spec §3.
//
// Design carried from the teacher's internal/jobmanager/job_manager.go:
// a hybrid map+index layout (a primary jobs map plus a queue slice and
// worker map for fast queries), one sync.RWMutex guarding everything, and
// a Snapshot/Restore pair for crash recovery. Generalized here from a
// single pending-queue job manager to the full store spec.md names:
// dependency gating, worker registration/heartbeat/capacity matching,
// crash recording with stack-hash dedup, and the four-kind error taxonomy
// from internal/schederr instead of ad hoc sentinel errors.
package store

import (
	"sort"
	"sync"
	"time"

	"github.com/fawkes-project/fawkes/internal/schederr"
	"github.com/fawkes-project/fawkes/pkg/types"
)

// Store is the Scheduler Store. All public methods are safe for
// concurrent use by the allocator, health monitor, deadline enforcer, and
// RPC handlers running as independent goroutines (spec §5).
type Store struct {
	mu sync.RWMutex

	jobs        map[types.JobID]*types.Job
	queue       []types.QueueEntry // kept sorted by (-priority, enqueue_seq)
	workers     map[string]*types.Worker
	assignments map[types.JobID]*types.Assignment
	crashes     map[uint64]*types.CrashRecord
	crashByHash map[string]uint64 // stack_hash -> crash_id, for dedup (spec §4.9 step 7)

	nextJobID   types.JobID
	nextCrashID uint64
	enqueueSeq  uint64

	// workerOrder preserves registration order for the first_fit strategy
	// (spec §4.2).
	workerOrder []string
}

// New creates an empty Store.
func New() *Store {
	return &Store{
		jobs:        make(map[types.JobID]*types.Job),
		workers:     make(map[string]*types.Worker),
		assignments: make(map[types.JobID]*types.Assignment),
		crashes:     make(map[uint64]*types.CrashRecord),
		crashByHash: make(map[string]uint64),
	}
}

// AddJob implements add_job (spec §4.1): emits pending; transitions to
// queued immediately if dependencies is empty.
func (s *Store) AddJob(j *types.Job) types.JobID {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.nextJobID++
	j.ID = s.nextJobID
	j.CreatedAt = time.Now().UnixMilli()
	j.Status = types.JobPending

	if s.dependenciesSatisfiedLocked(j) {
		s.enqueueLocked(j)
	}
	s.jobs[j.ID] = j
	return j.ID
}

func (s *Store) dependenciesSatisfiedLocked(j *types.Job) bool {
	for _, dep := range j.Dependencies {
		d, ok := s.jobs[dep]
		if !ok || d.Status != types.JobCompleted {
			return false
		}
	}
	return true
}

func (s *Store) enqueueLocked(j *types.Job) {
	s.enqueueSeq++
	j.Status = types.JobQueued
	j.EnqueueSeq = s.enqueueSeq
	entry := types.QueueEntry{JobID: j.ID, Priority: j.Priority, EnqueueSeq: j.EnqueueSeq}
	// Insertion sort keeps the queue ordered by (-priority, enqueue_seq)
	// at all times, matching the teacher's preference for simple,
	// obviously-correct slice operations over a heap for queue sizes
	// typical of a single controller's pending backlog.
	idx := sort.Search(len(s.queue), func(i int) bool { return entry.Less(s.queue[i]) })
	s.queue = append(s.queue, types.QueueEntry{})
	copy(s.queue[idx+1:], s.queue[idx:])
	s.queue[idx] = entry
}

// ReplayAddJob re-inserts a job recovered from the WAL with its
// original id intact (unlike AddJob, which always mints a fresh one),
// so replayed events that reference that id by number still resolve.
func (s *Store) ReplayAddJob(j *types.Job) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if j.ID > s.nextJobID {
		s.nextJobID = j.ID
	}
	if j.Status == types.JobQueued || (j.Status == types.JobPending && s.dependenciesSatisfiedLocked(j)) {
		s.enqueueLocked(j)
	}
	s.jobs[j.ID] = j
}

// ReplayRegisterWorker re-inserts a worker recovered from the WAL with
// its original worker_id intact (unlike RegisterWorker, which mints a
// fresh id for a never-seen address).
func (s *Store) ReplayRegisterWorker(id, address, hostname string, caps types.Capabilities, tags []string) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.workers[id]; !ok {
		s.workerOrder = append(s.workerOrder, id)
	}
	now := time.Now().UnixMilli()
	s.workers[id] = &types.Worker{
		ID:            id,
		Address:       address,
		Hostname:      hostname,
		Capabilities:  caps,
		Tags:          tags,
		Status:        types.WorkerOnline,
		LastHeartbeat: now,
		RegisteredAt:  now,
	}
}

// UpdateJobStatus implements update_job_status (spec §4.1): rejects any
// change to a job already in a terminal status (IllegalTransition);
// changes between non-terminal statuses are not checked against the job
// lifecycle. A terminal status releases the worker's reserved VM slots.
// When a job reaches completed, re-evaluates dependent jobs and promotes
// satisfied ones to queued.
func (s *Store) UpdateJobStatus(id types.JobID, status types.JobStatus) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	j, ok := s.jobs[id]
	if !ok {
		return schederr.UnknownEntity("job not found")
	}
	if j.Status.Terminal() {
		return schederr.IllegalTransition("job already in terminal status " + string(j.Status))
	}

	now := time.Now().UnixMilli()
	switch status {
	case types.JobRunning:
		if now > 0 {
			j.StartedAt = &now
		}
	case types.JobCompleted, types.JobFailed, types.JobCancelled:
		j.FinishedAt = &now
		if a, ok := s.assignments[id]; ok {
			if w, ok := s.workers[a.WorkerID]; ok {
				w.Load.UsedVMs -= j.Resources.VMs
				if w.Load.UsedVMs < 0 {
					w.Load.UsedVMs = 0
				}
				w.Load.ActiveJobs--
				if w.Load.ActiveJobs < 0 {
					w.Load.ActiveJobs = 0
				}
			}
		}
		delete(s.assignments, id)
		j.AssignedWorker = ""
	}
	j.Status = status

	if status == types.JobCompleted {
		s.promoteDependentsLocked()
	}
	return nil
}

// SetFailureReason records why a job failed, for `list --status failed`
// (spec §7: "a failed job records failure_reason in its history").
func (s *Store) SetFailureReason(id types.JobID, reason string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	j, ok := s.jobs[id]
	if !ok {
		return schederr.UnknownEntity("job not found")
	}
	j.FailureReason = reason
	return nil
}

// promoteDependentsLocked scans pending jobs and promotes any whose
// dependencies are now all completed. Called after a completion so a
// job's terminal transition happens-before any dependent's queue entry
// becomes eligible (spec §5 ordering guarantees).
func (s *Store) promoteDependentsLocked() {
	for _, j := range s.jobs {
		if j.Status == types.JobPending && s.dependenciesSatisfiedLocked(j) {
			s.enqueueLocked(j)
		}
	}
}

// CancelJob implements cancel_job (spec §4.1): terminal; if running, the
// owning worker is asked to stop at the next rendezvous (the caller —
// the RPC layer — is responsible for sending CANCEL_JOB, since the store
// has no network access).
func (s *Store) CancelJob(id types.JobID) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	j, ok := s.jobs[id]
	if !ok {
		return schederr.UnknownEntity("job not found")
	}
	if j.Status.Terminal() {
		return schederr.IllegalTransition("job already in terminal status " + string(j.Status))
	}

	s.removeFromQueueLocked(id)
	delete(s.assignments, id)
	j.AssignedWorker = ""
	j.Status = types.JobCancelled
	now := time.Now().UnixMilli()
	j.FinishedAt = &now
	return nil
}

func (s *Store) removeFromQueueLocked(id types.JobID) {
	for i, e := range s.queue {
		if e.JobID == id {
			s.queue = append(s.queue[:i], s.queue[i+1:]...)
			return
		}
	}
}

// GetNextJobFromQueue implements get_next_job_from_queue (spec §4.1):
// returns the head by (-priority, enqueue_seq); does not remove.
func (s *Store) GetNextJobFromQueue() *types.QueueEntry {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if len(s.queue) == 0 {
		return nil
	}
	e := s.queue[0]
	return &e
}

// GetJob returns the job for id, or nil.
func (s *Store) GetJob(id types.JobID) *types.Job {
	s.mu.RLock()
	defer s.mu.RUnlock()
	j, ok := s.jobs[id]
	if !ok {
		return nil
	}
	cp := *j
	return &cp
}

// AssignJobToWorker implements assign_job_to_worker (spec §4.1):
// atomically removes the queue entry, records the Assignment, and sets
// job assigned.
func (s *Store) AssignJobToWorker(jobID types.JobID, workerID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	j, ok := s.jobs[jobID]
	if !ok {
		return schederr.UnknownEntity("job not found")
	}
	if j.Status != types.JobQueued {
		return schederr.IllegalTransition("job not queued")
	}
	w, ok := s.workers[workerID]
	if !ok {
		return schederr.UnknownEntity("worker not found")
	}
	if !w.HasCapacity(j.Resources) {
		return schederr.ResourceUnavailable("worker lacks capacity")
	}

	s.removeFromQueueLocked(jobID)
	j.Status = types.JobAssigned
	j.AssignedWorker = workerID
	s.assignments[jobID] = &types.Assignment{
		JobID:      jobID,
		WorkerID:   workerID,
		AssignedAt: time.Now().UnixMilli(),
	}
	w.Load.UsedVMs += j.Resources.VMs
	w.Load.ActiveJobs++
	return nil
}

// RevertAssignment undoes AssignJobToWorker after a dispatch failure
// (spec §4.2 step 6): the job returns to queued under its original
// enqueue_seq, so the allocator's head-of-queue job goes back to the
// front of its priority band, and the worker's reserved capacity is
// released.
func (s *Store) RevertAssignment(jobID types.JobID) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	j, ok := s.jobs[jobID]
	if !ok {
		return schederr.UnknownEntity("job not found")
	}
	a, ok := s.assignments[jobID]
	if ok {
		if w, ok := s.workers[a.WorkerID]; ok {
			w.Load.UsedVMs -= j.Resources.VMs
			if w.Load.UsedVMs < 0 {
				w.Load.UsedVMs = 0
			}
			w.Load.ActiveJobs--
			if w.Load.ActiveJobs < 0 {
				w.Load.ActiveJobs = 0
			}
		}
		delete(s.assignments, jobID)
	}
	j.AssignedWorker = ""
	j.Status = types.JobQueued
	entry := types.QueueEntry{JobID: j.ID, Priority: j.Priority, EnqueueSeq: j.EnqueueSeq}
	idx := sort.Search(len(s.queue), func(i int) bool { return entry.Less(s.queue[i]) })
	s.queue = append(s.queue, types.QueueEntry{})
	copy(s.queue[idx+1:], s.queue[idx:])
	s.queue[idx] = entry
	return nil
}

// RegisterWorker implements register_worker (spec §4.1): idempotent on
// address. Returns the worker_id (existing or freshly generated).
func (s *Store) RegisterWorker(address string, hostname string, caps types.Capabilities, tags []string) string {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, id := range s.workerOrder {
		if w := s.workers[id]; w.Address == address {
			w.Capabilities = caps
			w.Tags = tags
			w.Hostname = hostname
			w.Status = types.WorkerOnline
			w.LastHeartbeat = time.Now().UnixMilli()
			return w.ID
		}
	}

	id := types.NewWorkerID()
	now := time.Now().UnixMilli()
	s.workers[id] = &types.Worker{
		ID:            id,
		Address:       address,
		Hostname:      hostname,
		Capabilities:  caps,
		Tags:          tags,
		Status:        types.WorkerOnline,
		LastHeartbeat: now,
		RegisteredAt:  now,
	}
	s.workerOrder = append(s.workerOrder, id)
	return id
}

// UpdateWorkerHeartbeat implements update_worker_heartbeat (spec §4.1).
func (s *Store) UpdateWorkerHeartbeat(workerID string, load types.Load) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	w, ok := s.workers[workerID]
	if !ok {
		return schederr.UnknownEntity("worker not found")
	}
	w.Load = load
	w.LastHeartbeat = time.Now().UnixMilli()
	if w.Status == types.WorkerOffline {
		// A worker returning to service re-enters online immediately;
		// jobs previously re-queued are not reclaimed (spec §4.3).
		w.Status = types.WorkerOnline
	}
	return nil
}

// GetAvailableWorkers implements get_available_workers (spec §4.1):
// returns online workers whose free VM slots (max_vms minus used_vms)
// cover the requested VMs and whose tags are a superset of required
// tags. CPU and RAM requirements are not compared.
func (s *Store) GetAvailableWorkers(heartbeatTimeout time.Duration, req types.ResourceRequirements) []*types.Worker {
	s.mu.RLock()
	defer s.mu.RUnlock()

	now := time.Now()
	var out []*types.Worker
	for _, id := range s.workerOrder {
		w := s.workers[id]
		if w.Status != types.WorkerOnline || !w.Online(now, heartbeatTimeout) {
			continue
		}
		if !w.HasCapacity(req) {
			continue
		}
		cp := *w
		out = append(out, &cp)
	}
	return out
}

// GetWorker returns a copy of the worker, or nil.
func (s *Store) GetWorker(id string) *types.Worker {
	s.mu.RLock()
	defer s.mu.RUnlock()
	w, ok := s.workers[id]
	if !ok {
		return nil
	}
	cp := *w
	return &cp
}

// ListWorkers returns copies of all workers in registration order,
// optionally filtered by status.
func (s *Store) ListWorkers(statusFilter string) []*types.Worker {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]*types.Worker, 0, len(s.workerOrder))
	for _, id := range s.workerOrder {
		w := s.workers[id]
		if statusFilter != "" && string(w.Status) != statusFilter {
			continue
		}
		cp := *w
		out = append(out, &cp)
	}
	return out
}

// MarkWorkerOffline transitions a worker to offline and re-queues or
// fails its assigned/running jobs per spec §4.3. Returns the ids of jobs
// that were re-queued and the ids that were failed, for telemetry.
func (s *Store) MarkWorkerOffline(workerID string) (requeued, failed []types.JobID) {
	s.mu.Lock()
	defer s.mu.Unlock()

	w, ok := s.workers[workerID]
	if !ok {
		return nil, nil
	}
	w.Status = types.WorkerOffline

	for jobID, a := range s.assignments {
		if a.WorkerID != workerID {
			continue
		}
		j := s.jobs[jobID]
		if j == nil || j.Status.Terminal() {
			continue
		}
		delete(s.assignments, jobID)
		j.AssignedWorker = ""
		if j.Retries < j.MaxRetries {
			j.Retries++
			s.enqueueLocked(j)
			requeued = append(requeued, jobID)
		} else {
			j.Status = types.JobFailed
			j.FailureReason = "worker lost, max_retries exceeded"
			now := time.Now().UnixMilli()
			j.FinishedAt = &now
			failed = append(failed, jobID)
		}
	}
	return requeued, failed
}

// IncrementWorkerFailureStreak records a dispatch failure for the
// allocator's proactive-offline heuristic (spec §4.2 step 6). Returns
// the new streak length.
func (s *Store) IncrementWorkerFailureStreak(workerID string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	w, ok := s.workers[workerID]
	if !ok {
		return 0
	}
	w.FailureStreak++
	return w.FailureStreak
}

// ResetWorkerFailureStreak clears the streak after a successful dispatch.
func (s *Store) ResetWorkerFailureStreak(workerID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if w, ok := s.workers[workerID]; ok {
		w.FailureStreak = 0
	}
}

// ExpireDeadlines implements the Deadline Enforcer's per-cycle scan
// (spec §4.4): for each non-terminal job with deadline set and
// now > deadline, transitions to failed. Returns one ExpiredJob per job
// it failed.
// ExpiredJob names a job that ExpireDeadlines just failed, along with
// the worker it was running on (if any) at the moment of expiry — the
// caller needs that worker id to send a best-effort CANCEL_JOB, and
// ExpireDeadlines itself clears AssignedWorker as part of failing the
// job, so it must be captured here rather than re-read afterward.
type ExpiredJob struct {
	JobID    types.JobID
	WorkerID string
}

func (s *Store) ExpireDeadlines() []ExpiredJob {
	s.mu.Lock()
	defer s.mu.Unlock()

	nowMs := time.Now().UnixMilli()
	var expired []ExpiredJob
	for id, j := range s.jobs {
		if j.Status.Terminal() || j.Deadline == nil || nowMs <= *j.Deadline {
			continue
		}
		owner := j.AssignedWorker
		s.removeFromQueueLocked(id)
		delete(s.assignments, id)
		j.AssignedWorker = ""
		j.Status = types.JobFailed
		j.FailureReason = "deadline exceeded"
		j.FinishedAt = &nowMs
		expired = append(expired, ExpiredJob{JobID: id, WorkerID: owner})
	}
	return expired
}

// RecordCrash implements record_crash (spec §4.1, §4.9 step 7): the
// store deduplicates by stack_hash — duplicates increment duplicate_count
// on the existing crash_id and discard the new testcase bytes unless the
// new exploitability_score is strictly higher (then replace).
func (s *Store) RecordCrash(c *types.CrashRecord) (crashID uint64, isDuplicate bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if existingID, ok := s.crashByHash[c.StackHash]; ok {
		existing := s.crashes[existingID]
		existing.DuplicateCount++
		if c.ExploitabilityScore > existing.ExploitabilityScore {
			existing.ExploitabilityScore = c.ExploitabilityScore
			existing.Severity = c.Severity
			existing.VulnType = c.VulnType
			existing.TestcaseBytes = c.TestcaseBytes
			existing.TestcaseFingerprint = c.TestcaseFingerprint
		}
		return existing.CrashID, true
	}

	s.nextCrashID++
	c.CrashID = s.nextCrashID
	c.DuplicateCount = 1
	s.crashes[c.CrashID] = c
	s.crashByHash[c.StackHash] = c.CrashID
	return c.CrashID, false
}

// ListCrashes returns copies of all recorded (unique) crashes.
func (s *Store) ListCrashes() []*types.CrashRecord {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]*types.CrashRecord, 0, len(s.crashes))
	for _, c := range s.crashes {
		cp := *c
		out = append(out, &cp)
	}
	return out
}

// Stats implements stats (spec §4.1): counts-by-status.
func (s *Store) Stats() map[string]int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	counts := make(map[string]int)
	for _, j := range s.jobs {
		counts[string(j.Status)]++
	}
	counts["workers_online"] = 0
	for _, id := range s.workerOrder {
		if s.workers[id].Status == types.WorkerOnline {
			counts["workers_online"]++
		}
	}
	counts["crashes_unique"] = len(s.crashes)
	return counts
}

// ListJobs returns copies of all jobs, optionally filtered by status and
// minimum priority, most-recently-created first, capped at limit (0 = no
// cap) — backing `scheduler list` (spec §6.2).
func (s *Store) ListJobs(statusFilter types.JobStatus, minPriority int, limit int) []*types.Job {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]*types.Job, 0, len(s.jobs))
	for _, j := range s.jobs {
		if statusFilter != "" && j.Status != statusFilter {
			continue
		}
		if j.Priority < minPriority {
			continue
		}
		cp := *j
		out = append(out, &cp)
	}
	sort.Slice(out, func(i, k int) bool { return out[i].CreatedAt > out[k].CreatedAt })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out
}

// Snapshot captures the full persisted state (spec §6.6).
func (s *Store) Snapshot() types.SnapshotData {
	s.mu.RLock()
	defer s.mu.RUnlock()

	jobsCopy := make(map[types.JobID]*types.Job, len(s.jobs))
	for id, j := range s.jobs {
		cp := *j
		jobsCopy[id] = &cp
	}
	workersCopy := make(map[string]*types.Worker, len(s.workers))
	for id, w := range s.workers {
		cp := *w
		workersCopy[id] = &cp
	}
	assignCopy := make(map[types.JobID]*types.Assignment, len(s.assignments))
	for id, a := range s.assignments {
		cp := *a
		assignCopy[id] = &cp
	}
	crashCopy := make(map[uint64]*types.CrashRecord, len(s.crashes))
	for id, c := range s.crashes {
		cp := *c
		crashCopy[id] = &cp
	}
	queueCopy := make([]types.QueueEntry, len(s.queue))
	copy(queueCopy, s.queue)

	return types.SnapshotData{
		SchemaVer:   1,
		NextJobID:   s.nextJobID,
		NextCrashID: s.nextCrashID,
		EnqueueSeq:  s.enqueueSeq,
		Jobs:        jobsCopy,
		Workers:     workersCopy,
		Queue:       queueCopy,
		Assignments: assignCopy,
		Crashes:     crashCopy,
	}
}

// Restore replaces the store's state with a snapshot (spec §6.6).
func (s *Store) Restore(data types.SnapshotData) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.jobs = data.Jobs
	if s.jobs == nil {
		s.jobs = make(map[types.JobID]*types.Job)
	}
	s.workers = data.Workers
	if s.workers == nil {
		s.workers = make(map[string]*types.Worker)
	}
	s.assignments = data.Assignments
	if s.assignments == nil {
		s.assignments = make(map[types.JobID]*types.Assignment)
	}
	s.crashes = data.Crashes
	if s.crashes == nil {
		s.crashes = make(map[uint64]*types.CrashRecord)
	}
	s.crashByHash = make(map[string]uint64, len(s.crashes))
	for id, c := range s.crashes {
		s.crashByHash[c.StackHash] = id
	}
	s.queue = data.Queue
	s.nextJobID = data.NextJobID
	s.nextCrashID = data.NextCrashID
	s.enqueueSeq = data.EnqueueSeq

	s.workerOrder = s.workerOrder[:0]
	for id := range s.workers {
		s.workerOrder = append(s.workerOrder, id)
	}
	sort.Slice(s.workerOrder, func(i, k int) bool {
		return s.workers[s.workerOrder[i]].RegisteredAt < s.workers[s.workerOrder[k]].RegisteredAt
	})
}
