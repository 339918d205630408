// ============================================================================
// Fawkes Scheduler — Controller core coordinator
// ============================================================================
//
// Package: internal/scheduler
// Purpose: The Controller side of spec §2 — owns the persistent
// Scheduler Store and runs the three control loops named there
// (Allocator, Health Monitor, Deadline Enforcer) plus the worker-facing
// RPC endpoint (spec §6.1).
//
// Adapted from the teacher's internal/controller/controller.go: same
// crash-recovery sequence (loadSnapshot -> replayWAL), same
// WAL-before-state-change discipline, same periodic snapshotLoop with
// post-snapshot WAL rotation. Generalized from the teacher's single
// dispatchLoop/resultLoop/timeoutLoop trio (built around a push-based
// worker pool in the same process) to the three independently-running
// loops spec §4.2-§4.4 name, each talking to remote workers over
// internal/rpc instead of an in-process channel.
// ============================================================================

package scheduler

import (
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/fawkes-project/fawkes/internal/logging"
	"github.com/fawkes-project/fawkes/internal/rpc"
	"github.com/fawkes-project/fawkes/internal/schederr"
	"github.com/fawkes-project/fawkes/internal/snapshot"
	"github.com/fawkes-project/fawkes/internal/store"
	"github.com/fawkes-project/fawkes/internal/storage/wal"
	"github.com/fawkes-project/fawkes/pkg/types"
)

// Strategy is the allocation policy named in spec §4.2.
type Strategy string

const (
	LoadAware  Strategy = "load_aware"
	RoundRobin Strategy = "round_robin"
	FirstFit   Strategy = "first_fit"
)

// Config holds the controller's tunables, all named directly in spec
// §4.2-§4.4 and §5.
type Config struct {
	RPCAddress       string
	WALPath          string
	SnapshotPath     string
	WALBufferSize    int
	WALFlushInterval time.Duration
	SnapshotInterval time.Duration

	PollInterval             time.Duration // default 30s, spec §4.2/§4.3/§4.4
	HeartbeatTimeout         time.Duration
	DispatchTimeout          time.Duration // default 5s, spec §5
	Strategy                 Strategy
	MaxConsecutiveFailures   int // K in spec §4.2 step 6
	StopOnBackpressure       bool // default true per spec §4.2 step 4
}

// DefaultConfig returns the spec's stated defaults.
func DefaultConfig() Config {
	return Config{
		RPCAddress:             ":7777",
		WALBufferSize:          100,
		WALFlushInterval:       10 * time.Millisecond,
		SnapshotInterval:       30 * time.Second,
		PollInterval:           30 * time.Second,
		HeartbeatTimeout:       90 * time.Second,
		DispatchTimeout:        5 * time.Second,
		Strategy:               LoadAware,
		MaxConsecutiveFailures: 3,
		StopOnBackpressure:     true,
	}
}

// Scheduler is the Controller. Its Store is the only shared mutable
// state (spec §5); the three loops and the RPC handlers below reach it
// exclusively through Store's own API.
type Scheduler struct {
	store     *store.Store
	wal       *wal.WAL
	snap      *snapshot.Manager
	rpc       *rpc.Server
	config    Config
	startTime time.Time

	stopCh chan struct{}
	wg     sync.WaitGroup

	rrMu     sync.Mutex
	rrCursor int
}

// New constructs a Scheduler. Call Start to run recovery and the
// control loops.
func New(config Config) (*Scheduler, error) {
	w, err := wal.NewWAL(config.WALPath, config.WALBufferSize, config.WALFlushInterval)
	if err != nil {
		return nil, fmt.Errorf("scheduler: open WAL: %w", err)
	}
	return &Scheduler{
		store:  store.New(),
		wal:    w,
		snap:   snapshot.NewManager(config.SnapshotPath),
		rpc:    rpc.NewServer(),
		config: config,
		stopCh: make(chan struct{}),
	}, nil
}

// Start runs the recovery sequence, then the RPC endpoint and the
// three control loops, each as its own goroutine (spec §5: "the
// contract is that the four controller loops... make progress
// independently").
func (s *Scheduler) Start() error {
	s.startTime = time.Now()

	if err := s.recover(); err != nil {
		return fmt.Errorf("scheduler: recovery: %w", err)
	}

	s.registerHandlers()

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		if err := s.rpc.Serve(s.config.RPCAddress); err != nil {
			logging.Logger.Error().Err(err).Msg("rpc server stopped")
		}
	}()

	s.wg.Add(4)
	go s.allocatorLoop()
	go s.healthMonitorLoop()
	go s.deadlineEnforcerLoop()
	go s.snapshotLoop()

	logging.Logger.Info().Str("address", s.config.RPCAddress).Msg("scheduler started")
	return nil
}

// Stop shuts down the RPC endpoint and all loops, then takes a final
// snapshot so the next Start has minimal WAL to replay.
func (s *Scheduler) Stop() {
	close(s.stopCh)
	_ = s.rpc.Close()
	s.wg.Wait()

	if err := s.takeSnapshot(); err != nil {
		logging.Logger.Error().Err(err).Msg("final snapshot failed")
	}
	if err := s.wal.Close(); err != nil {
		logging.Logger.Error().Err(err).Msg("wal close failed")
	}
}

// ============================================================================
// Recovery
// ============================================================================

func (s *Scheduler) recover() error {
	start := time.Now()

	data, err := s.snap.Load()
	if err != nil {
		return fmt.Errorf("load snapshot: %w", err)
	}
	s.store.Restore(data)

	if err := s.wal.Replay(s.applyEvent); err != nil {
		return fmt.Errorf("replay wal: %w", err)
	}

	logging.Logger.Info().
		Dur("duration", time.Since(start)).
		Int("jobs", len(data.Jobs)).
		Msg("recovery completed")
	return nil
}

// applyEvent replays one WAL event against the store. Idempotent:
// operations that no longer apply (job already terminal, etc.) are
// silently skipped rather than treated as replay failures.
func (s *Scheduler) applyEvent(event *wal.Event) error {
	switch event.Type {
	case wal.EventJobAdded:
		var j types.Job
		if err := json.Unmarshal(event.Payload, &j); err != nil {
			return err
		}
		if s.store.GetJob(j.ID) == nil {
			s.store.ReplayAddJob(&j)
		}
	case wal.EventJobAssigned:
		var p assignPayload
		if err := json.Unmarshal(event.Payload, &p); err != nil {
			return err
		}
		_ = s.store.AssignJobToWorker(p.JobID, p.WorkerID)
	case wal.EventJobStatusChanged:
		var p statusPayload
		if err := json.Unmarshal(event.Payload, &p); err != nil {
			return err
		}
		_ = s.store.UpdateJobStatus(p.JobID, p.Status)
	case wal.EventJobCancelled:
		_ = s.store.CancelJob(event.JobID)
	case wal.EventWorkerRegistered:
		var p registerPayload
		if err := json.Unmarshal(event.Payload, &p); err != nil {
			return err
		}
		s.store.ReplayRegisterWorker(p.WorkerID, p.Address, p.Hostname, p.Capabilities, p.Tags)
	case wal.EventWorkerHeartbeat:
		var p heartbeatPayload
		if err := json.Unmarshal(event.Payload, &p); err != nil {
			return err
		}
		_ = s.store.UpdateWorkerHeartbeat(p.WorkerID, p.Load)
	case wal.EventWorkerOffline:
		s.store.MarkWorkerOffline(event.WorkerID)
	case wal.EventCrashRecorded:
		var c types.CrashRecord
		if err := json.Unmarshal(event.Payload, &c); err != nil {
			return err
		}
		s.store.RecordCrash(&c)
	}
	return nil
}

type assignPayload struct {
	JobID    types.JobID `json:"job_id"`
	WorkerID string      `json:"worker_id"`
}

type statusPayload struct {
	JobID  types.JobID     `json:"job_id"`
	Status types.JobStatus `json:"status"`
}

type registerPayload struct {
	WorkerID     string             `json:"worker_id"`
	Address      string             `json:"address"`
	Hostname     string             `json:"hostname"`
	Capabilities types.Capabilities `json:"capabilities"`
	Tags         []string           `json:"tags"`
}

type heartbeatPayload struct {
	WorkerID string     `json:"worker_id"`
	Load     types.Load `json:"load"`
}

// ============================================================================
// Public API — used by cmd/fawkes-controller and internal/cli
// ============================================================================

// EnqueueJob implements add_job end-to-end: WAL-first, then store.
func (s *Scheduler) EnqueueJob(j *types.Job) (types.JobID, error) {
	id := s.store.AddJob(j)
	payload, _ := json.Marshal(j)
	if err := s.wal.Append(wal.EventJobAdded, uint64(id), "", payload); err != nil {
		return id, schederr.WrapTransient("append JOB_ADDED", err)
	}
	return id, nil
}

// CancelJob implements cancel_job end-to-end, notifying the owning
// worker if the job is running (spec §4.1).
func (s *Scheduler) CancelJob(id types.JobID) error {
	j := s.store.GetJob(id)
	if j == nil {
		return schederr.UnknownEntity("job not found")
	}
	wasRunning := j.Status == types.JobRunning
	workerID := j.AssignedWorker

	if err := s.store.CancelJob(id); err != nil {
		return err
	}
	if err := s.wal.Append(wal.EventJobCancelled, uint64(id), "", nil); err != nil {
		logging.Logger.Warn().Err(err).Msg("append JOB_CANCELLED failed")
	}

	if wasRunning && workerID != "" {
		if w := s.store.GetWorker(workerID); w != nil {
			client := rpc.NewClient(w.Address)
			var resp rpc.CancelJobResponse
			if err := client.Call(rpc.OpCancelJob, rpc.CancelJobRequest{JobID: id}, &resp); err != nil {
				logging.Logger.Warn().Err(err).Str("worker", workerID).Msg("cancel notification failed")
			}
		}
	}
	return nil
}

// Stats exposes store.Stats for `scheduler stats` (spec §6.2).
func (s *Scheduler) Stats() map[string]int { return s.store.Stats() }

// ListJobs exposes store.ListJobs for `scheduler list`.
func (s *Scheduler) ListJobs(status types.JobStatus, minPriority, limit int) []*types.Job {
	return s.store.ListJobs(status, minPriority, limit)
}

// ListWorkers exposes store.ListWorkers for `scheduler workers`.
func (s *Scheduler) ListWorkers(statusFilter string) []*types.Worker {
	return s.store.ListWorkers(statusFilter)
}

// GetJob exposes store.GetJob for `scheduler status`.
func (s *Scheduler) GetJob(id types.JobID) *types.Job { return s.store.GetJob(id) }

// ListCrashes exposes store.ListCrashes.
func (s *Scheduler) ListCrashes() []*types.CrashRecord { return s.store.ListCrashes() }

// Uptime reports how long the scheduler has been running, for
// `scheduler stats` diagnostics.
func (s *Scheduler) Uptime() time.Duration { return time.Since(s.startTime) }

func (s *Scheduler) takeSnapshot() error {
	start := time.Now()

	data := s.store.Snapshot()
	data.LastSeq = s.wal.GetLastSeq()

	if err := s.snap.Write(data); err != nil {
		return fmt.Errorf("write snapshot: %w", err)
	}
	if err := s.wal.Rotate(); err != nil {
		return fmt.Errorf("rotate wal: %w", err)
	}

	logging.Logger.Info().Dur("duration", time.Since(start)).Int("jobs", len(data.Jobs)).Msg("snapshot taken")
	return nil
}
