package scheduler

import (
	"encoding/json"
	"time"

	"github.com/fawkes-project/fawkes/internal/logging"
	"github.com/fawkes-project/fawkes/internal/rpc"
	"github.com/fawkes-project/fawkes/internal/storage/wal"
	"github.com/fawkes-project/fawkes/pkg/types"
)

// allocatorLoop implements spec §4.2. Runs every PollInterval.
func (s *Scheduler) allocatorLoop() {
	defer s.wg.Done()
	ticker := time.NewTicker(s.config.PollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-s.stopCh:
			return
		case <-ticker.C:
			s.allocateCycle()
		}
	}
}

func (s *Scheduler) allocateCycle() {
	entry := s.store.GetNextJobFromQueue()
	if entry == nil {
		return
	}
	job := s.store.GetJob(entry.JobID)
	if job == nil {
		return
	}

	candidates := s.store.GetAvailableWorkers(s.config.HeartbeatTimeout, job.Resources)
	if len(candidates) == 0 {
		logging.Logger.Debug().Uint64("job_id", uint64(job.ID)).Msg("backpressure: no eligible worker")
		return
	}

	worker := s.pickWorker(candidates)

	if err := s.store.AssignJobToWorker(job.ID, worker.ID); err != nil {
		logging.Logger.Warn().Err(err).Msg("assign_job_to_worker failed")
		return
	}
	payload, _ := json.Marshal(assignPayload{JobID: job.ID, WorkerID: worker.ID})
	if err := s.wal.Append(wal.EventJobAssigned, uint64(job.ID), worker.ID, payload); err != nil {
		logging.Logger.Warn().Err(err).Msg("append JOB_ASSIGNED failed")
	}

	if err := s.dispatch(job, worker); err != nil {
		logging.Logger.Warn().Err(err).Str("worker", worker.ID).Msg("dispatch failed, reverting assignment")
		_ = s.store.RevertAssignment(job.ID)
		streak := s.store.IncrementWorkerFailureStreak(worker.ID)
		if streak >= s.config.MaxConsecutiveFailures {
			s.store.MarkWorkerOffline(worker.ID)
			_ = s.wal.Append(wal.EventWorkerOffline, 0, worker.ID, nil)
		}
		return
	}
	s.store.ResetWorkerFailureStreak(worker.ID)
}

func (s *Scheduler) dispatch(job *types.Job, worker *types.Worker) error {
	client := &rpc.Client{Address: worker.Address, Timeout: s.config.DispatchTimeout}
	req := rpc.AcceptJobRequest{
		JobID:     job.ID,
		Name:      job.Name,
		Config:    job.Config,
		Resources: job.Resources,
		Deadline:  job.Deadline,
	}
	var resp rpc.AcceptJobResponse
	if err := client.Call(rpc.OpAcceptJob, req, &resp); err != nil {
		return err
	}
	if !resp.Accepted {
		return &dispatchRejected{reason: resp.Reason}
	}
	return nil
}

type dispatchRejected struct{ reason string }

func (e *dispatchRejected) Error() string { return "worker rejected job: " + e.reason }

// pickWorker applies the configured allocation strategy (spec §4.2).
// Ties break on lower worker_id.
func (s *Scheduler) pickWorker(candidates []*types.Worker) *types.Worker {
	switch s.config.Strategy {
	case RoundRobin:
		return s.pickRoundRobin(candidates)
	case FirstFit:
		return candidates[0]
	default:
		return s.pickLoadAware(candidates)
	}
}

func (s *Scheduler) pickLoadAware(candidates []*types.Worker) *types.Worker {
	best := candidates[0]
	bestScore := loadScore(best)
	for _, w := range candidates[1:] {
		score := loadScore(w)
		if score < bestScore || (score == bestScore && w.ID < best.ID) {
			best, bestScore = w, score
		}
	}
	return best
}

func loadScore(w *types.Worker) float64 {
	vmUtil := w.VMUtilization()
	cpuUtil := w.Load.CPUPercent / 100
	ramUtil := w.Load.RAMPercent / 100
	return 0.6*vmUtil + 0.3*cpuUtil + 0.1*ramUtil
}

func (s *Scheduler) pickRoundRobin(candidates []*types.Worker) *types.Worker {
	s.rrMu.Lock()
	defer s.rrMu.Unlock()
	w := candidates[s.rrCursor%len(candidates)]
	s.rrCursor++
	return w
}

// healthMonitorLoop implements spec §4.3.
func (s *Scheduler) healthMonitorLoop() {
	defer s.wg.Done()
	ticker := time.NewTicker(s.config.PollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-s.stopCh:
			return
		case <-ticker.C:
			s.healthCycle()
		}
	}
}

func (s *Scheduler) healthCycle() {
	now := time.Now()
	for _, w := range s.store.ListWorkers("") {
		if w.Status == types.WorkerOffline {
			continue
		}
		if w.Online(now, s.config.HeartbeatTimeout) {
			continue
		}
		requeued, failed := s.store.MarkWorkerOffline(w.ID)
		if err := s.wal.Append(wal.EventWorkerOffline, 0, w.ID, nil); err != nil {
			logging.Logger.Warn().Err(err).Msg("append WORKER_OFFLINE failed")
		}
		logging.Logger.Warn().
			Str("worker", w.ID).
			Int("requeued", len(requeued)).
			Int("failed", len(failed)).
			Msg("worker marked offline")
	}
}

// deadlineEnforcerLoop implements spec §4.4.
func (s *Scheduler) deadlineEnforcerLoop() {
	defer s.wg.Done()
	ticker := time.NewTicker(s.config.PollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-s.stopCh:
			return
		case <-ticker.C:
			for _, exp := range s.store.ExpireDeadlines() {
				payload, _ := json.Marshal(statusPayload{JobID: exp.JobID, Status: types.JobFailed})
				if err := s.wal.Append(wal.EventJobStatusChanged, uint64(exp.JobID), "", payload); err != nil {
					logging.Logger.Warn().Err(err).Msg("append JOB_STATUS_CHANGED failed")
				}
				s.signalCancelIfRunning(exp.JobID, exp.WorkerID)
			}
		}
	}
}

func (s *Scheduler) signalCancelIfRunning(id types.JobID, workerID string) {
	if workerID == "" {
		return
	}
	w := s.store.GetWorker(workerID)
	if w == nil {
		return
	}
	client := rpc.NewClient(w.Address)
	var resp rpc.CancelJobResponse
	if err := client.Call(rpc.OpCancelJob, rpc.CancelJobRequest{JobID: id}, &resp); err != nil {
		logging.Logger.Debug().Err(err).Msg("deadline cancel signal failed")
	}
}

// snapshotLoop periodically persists the store and rotates the WAL
// (spec §6.6), carried over from the teacher's controller.snapshotLoop.
func (s *Scheduler) snapshotLoop() {
	defer s.wg.Done()
	ticker := time.NewTicker(s.config.SnapshotInterval)
	defer ticker.Stop()

	for {
		select {
		case <-s.stopCh:
			return
		case <-ticker.C:
			if err := s.takeSnapshot(); err != nil {
				logging.Logger.Error().Err(err).Msg("snapshot failed")
			}
		}
	}
}
