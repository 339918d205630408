// ============================================================================
// Fawkes Worker process — job-facing RPC endpoint and harness registry
// ============================================================================
//
// Package: internal/harness
// Purpose: the worker-side counterpart to internal/scheduler: runs the
// job-facing RPC endpoint the controller dispatches ACCEPT_JOB and
// CANCEL_JOB against (spec §6.1), registers with the controller via
// HELLO, and emits HEARTBEAT on an interval carrying the progress of
// one running Harness (the first found, if several are running).
// ============================================================================

package harness

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/fawkes-project/fawkes/internal/crash"
	"github.com/fawkes-project/fawkes/internal/logging"
	"github.com/fawkes-project/fawkes/internal/rpc"
	"github.com/fawkes-project/fawkes/pkg/types"
)

// WorkerConfig configures one worker process.
type WorkerConfig struct {
	Address           string // this worker's own RPC listen address, sent in HELLO
	Hostname          string
	Capabilities      types.Capabilities
	Tags              []string
	ControllerAddress string

	Provisioner VMProvisioner
	Launcher    VMLauncher
	ShareRoot   string
	VMTimeout   time.Duration

	HeartbeatInterval time.Duration
	DrainTimeout       time.Duration // bounded grace period on CANCEL_JOB / shutdown
}

// jobRun pairs a running Harness with the cancel func for its job ctx,
// so CANCEL_JOB can unblock runJobToCompletion's <-ctx.Done() instead
// of only stopping the harness underneath it.
type jobRun struct {
	harness *Harness
	cancel  context.CancelFunc
}

// Worker is the top-level worker process: a job-facing RPC server
// plus the set of Harnesses currently executing accepted jobs.
type Worker struct {
	config           WorkerConfig
	rpcServer        *rpc.Server
	controllerClient *rpc.Client
	workerID         string

	mu        sync.Mutex
	harnesses map[types.JobID]*jobRun

	stopCh chan struct{}
	wg     sync.WaitGroup
}

func NewWorker(config WorkerConfig) *Worker {
	if config.HeartbeatInterval == 0 {
		config.HeartbeatInterval = 30 * time.Second
	}
	if config.DrainTimeout == 0 {
		config.DrainTimeout = 10 * time.Second
	}
	return &Worker{
		config:           config,
		rpcServer:        rpc.NewServer(),
		controllerClient: rpc.NewClient(config.ControllerAddress),
		harnesses:        make(map[types.JobID]*jobRun),
		stopCh:           make(chan struct{}),
	}
}

// Start registers with the controller, brings up the job-facing RPC
// endpoint, and begins the heartbeat loop.
func (w *Worker) Start() error {
	w.rpcServer.Handle(rpc.OpAcceptJob, w.handleAcceptJob)
	w.rpcServer.Handle(rpc.OpCancelJob, w.handleCancelJob)

	var resp rpc.HelloResponse
	req := rpc.HelloRequest{
		Address:      w.config.Address,
		Hostname:     w.config.Hostname,
		Capabilities: w.config.Capabilities,
		Tags:         w.config.Tags,
	}
	if err := w.controllerClient.Call(rpc.OpHello, req, &resp); err != nil {
		return fmt.Errorf("worker: hello: %w", err)
	}
	w.workerID = resp.WorkerID
	if resp.HeartbeatInterval > 0 {
		w.config.HeartbeatInterval = time.Duration(resp.HeartbeatInterval) * time.Second
	}

	w.wg.Add(1)
	go func() {
		defer w.wg.Done()
		if err := w.rpcServer.Serve(w.config.Address); err != nil {
			logging.Logger.Error().Err(err).Msg("worker rpc server stopped")
		}
	}()

	w.wg.Add(1)
	go w.heartbeatLoop()

	logging.Logger.Info().Str("worker_id", w.workerID).Str("address", w.config.Address).Msg("worker registered")
	return nil
}

func (w *Worker) Stop() {
	close(w.stopCh)
	_ = w.rpcServer.Close()

	w.mu.Lock()
	runs := make([]*jobRun, 0, len(w.harnesses))
	for _, r := range w.harnesses {
		runs = append(runs, r)
	}
	w.mu.Unlock()

	for _, r := range runs {
		r.harness.Stop(w.config.DrainTimeout)
	}
	w.wg.Wait()
}

func (w *Worker) handleAcceptJob(payload json.RawMessage) (interface{}, error) {
	var req rpc.AcceptJobRequest
	if err := json.Unmarshal(payload, &req); err != nil {
		return nil, fmt.Errorf("unmarshal ACCEPT_JOB: %w", err)
	}

	w.mu.Lock()
	if _, exists := w.harnesses[req.JobID]; exists {
		w.mu.Unlock()
		return rpc.AcceptJobResponse{Accepted: false, Reason: "job already running"}, nil
	}
	w.mu.Unlock()

	h := New(Config{
		JobID:            req.JobID,
		WorkerID:         w.workerID,
		Resources:        req.Resources,
		WorkerMaxVMs:     w.config.Capabilities.MaxVMs,
		VMTimeout:        w.config.VMTimeout,
		Provisioner:      w.config.Provisioner,
		Launcher:         w.config.Launcher,
		ShareRoot:        w.config.ShareRoot,
		Pipeline:         crash.NewPipeline(nil),
		ControllerClient: w.controllerClient,
	})

	ctx, cancel := w.jobContext(req.Deadline)

	w.mu.Lock()
	w.harnesses[req.JobID] = &jobRun{harness: h, cancel: cancel}
	w.mu.Unlock()

	if err := h.Start(ctx); err != nil {
		cancel()
		w.mu.Lock()
		delete(w.harnesses, req.JobID)
		w.mu.Unlock()
		return rpc.AcceptJobResponse{Accepted: false, Reason: err.Error()}, nil
	}

	w.wg.Add(1)
	go w.runJobToCompletion(ctx, cancel, req.JobID, h)

	if corpus, err := NewDirectoryCorpus(string(req.Config)); err != nil {
		logging.Logger.Warn().Err(err).Uint64("job_id", uint64(req.JobID)).Msg("no seed corpus available")
	} else {
		w.wg.Add(1)
		go func() {
			defer w.wg.Done()
			pumpCorpus(ctx, corpus, h)
		}()
	}

	return rpc.AcceptJobResponse{Accepted: true}, nil
}

func (w *Worker) jobContext(deadlineMs *int64) (context.Context, context.CancelFunc) {
	if deadlineMs == nil {
		return context.WithCancel(context.Background())
	}
	deadline := time.UnixMilli(*deadlineMs)
	return context.WithDeadline(context.Background(), deadline)
}

// runJobToCompletion waits for the job's context to end (deadline or
// explicit cancellation), reports JOB_DONE, and retires the Harness.
func (w *Worker) runJobToCompletion(ctx context.Context, cancel context.CancelFunc, jobID types.JobID, h *Harness) {
	defer w.wg.Done()
	<-ctx.Done()
	cancel()

	h.Stop(w.config.DrainTimeout)

	w.mu.Lock()
	delete(w.harnesses, jobID)
	w.mu.Unlock()

	status := types.JobCompleted
	reason := ""
	if ctx.Err() != nil && ctx.Err() != context.Canceled {
		status = types.JobFailed
		reason = ctx.Err().Error()
	}

	var resp rpc.JobDoneResponse
	req := rpc.JobDoneRequest{JobID: jobID, Status: status, FailureReason: reason}
	if err := w.controllerClient.Call(rpc.OpJobDone, req, &resp); err != nil {
		logging.Logger.Warn().Err(err).Uint64("job_id", uint64(jobID)).Msg("job_done report failed")
	}
}

func (w *Worker) handleCancelJob(payload json.RawMessage) (interface{}, error) {
	var req rpc.CancelJobRequest
	if err := json.Unmarshal(payload, &req); err != nil {
		return nil, fmt.Errorf("unmarshal CANCEL_JOB: %w", err)
	}

	w.mu.Lock()
	r, ok := w.harnesses[req.JobID]
	w.mu.Unlock()
	if !ok {
		return rpc.CancelJobResponse{Accepted: false}, nil
	}

	// Cancel the job ctx first so runJobToCompletion's <-ctx.Done() wakes
	// up and reports JOB_DONE, instead of blocking forever on a
	// no-deadline job whose Harness was stopped out from under it.
	r.cancel()
	r.harness.Stop(w.config.DrainTimeout)
	return rpc.CancelJobResponse{Accepted: true}, nil
}

func (w *Worker) heartbeatLoop() {
	defer w.wg.Done()
	ticker := time.NewTicker(w.config.HeartbeatInterval)
	defer ticker.Stop()

	for {
		select {
		case <-w.stopCh:
			return
		case <-ticker.C:
			w.sendHeartbeat()
		}
	}
}

func (w *Worker) sendHeartbeat() {
	w.mu.Lock()
	active := len(w.harnesses)
	var progress *rpc.Progress
	for _, r := range w.harnesses {
		p := r.harness.Progress()
		progress = &p
		break
	}
	w.mu.Unlock()

	req := rpc.HeartbeatRequest{
		WorkerID: w.workerID,
		CurrentLoad: types.Load{
			UsedVMs:    active,
			ActiveJobs: active,
		},
		Progress: progress,
	}
	var resp rpc.HeartbeatResponse
	if err := w.controllerClient.Call(rpc.OpHeartbeat, req, &resp); err != nil {
		logging.Logger.Warn().Err(err).Msg("heartbeat failed")
	}
}
