// ============================================================================
// Fawkes Harness — per-job VM Runner pool (spec §4.5)
// ============================================================================
//
// Package: internal/harness
// Purpose: drives a pool of min(job.resources.vms, worker.max_vms) VM
// Runners against one accepted job: shared testcase producer, shared
// crash sink, shared stop signal, periodic progress reporting, and
// bounded-drain cancellation.
//
// Grounded on the teacher's internal/worker/worker_pool.go Pool: same
// started/stopped bookkeeping under a mutex, the same
// stop-signal-then-WaitGroup shutdown shape — generalized from N
// identical task-channel consumers to N VM Runners that each own a
// distinct VM and report crashes instead of generic Results.
// ============================================================================

package harness

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/fawkes-project/fawkes/internal/crash"
	"github.com/fawkes-project/fawkes/internal/logging"
	"github.com/fawkes-project/fawkes/internal/rpc"
	"github.com/fawkes-project/fawkes/pkg/types"
)

// Config wires one Harness to its job and to the worker's shared
// infrastructure.
type Config struct {
	JobID        types.JobID
	WorkerID     string
	Resources    types.ResourceRequirements
	WorkerMaxVMs int
	VMTimeout    time.Duration

	Provisioner VMProvisioner
	Launcher    VMLauncher
	ShareRoot   string // parent of per-VM host<->guest share directories

	Pipeline         *crash.Pipeline
	ControllerClient *rpc.Client

	ProgressInterval time.Duration // default 5s
}

// Harness owns one job's VM Runner pool for its full lifetime.
type Harness struct {
	config   Config
	producer *ChanProducer
	sink     *CrashSink

	executions atomic.Uint64
	crashes    atomic.Uint64

	stopCh   chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup

	mu      sync.Mutex
	started bool
}

func New(config Config) *Harness {
	if config.ProgressInterval == 0 {
		config.ProgressInterval = 5 * time.Second
	}
	return &Harness{
		config:   config,
		producer: NewChanProducer(64),
		sink:     NewCrashSink(64),
		stopCh:   make(chan struct{}),
	}
}

// poolSize implements spec §4.5: "min(job.resources.vms, worker.max_vms)".
func (h *Harness) poolSize() int {
	n := h.config.Resources.VMs
	if n <= 0 {
		n = 1
	}
	if h.config.WorkerMaxVMs > 0 && h.config.WorkerMaxVMs < n {
		n = h.config.WorkerMaxVMs
	}
	return n
}

// Start provisions the VM pool, spawns Runners, and begins draining
// crashes and emitting progress. ctx governs the whole job; Stop
// additionally allows a bounded graceful drain independent of ctx.
func (h *Harness) Start(ctx context.Context) error {
	h.mu.Lock()
	if h.started {
		h.mu.Unlock()
		return nil
	}
	h.started = true
	h.mu.Unlock()

	n := h.poolSize()
	for i := 0; i < n; i++ {
		handle, err := h.config.Provisioner.Provision(ctx)
		if err != nil {
			logging.Logger.Error().Err(err).Uint64("job_id", uint64(h.config.JobID)).Msg("vm provision failed")
			continue
		}
		h.wg.Add(1)
		go h.runVM(ctx, handle)
	}

	h.wg.Add(1)
	go h.drainCrashes(ctx)

	h.wg.Add(1)
	go h.progressLoop(ctx)

	return nil
}

// runVM runs one Runner to completion, replacing its VM and
// restarting in place when the Runner signals ErrVMFailed (spec
// §4.6: "signals the harness to replace the VM").
func (h *Harness) runVM(ctx context.Context, handle types.VMHandle) {
	defer h.wg.Done()

	for {
		runner := NewRunner(h.config.JobID, h.config.WorkerID, handle, h.config.Launcher, h.config.Pipeline, shareDirFor(h.config.ShareRoot, handle.VMID), h.config.VMTimeout, h.producer, h.sink, &h.executions, &h.crashes)

		err := runner.Run(ctx)
		if err == nil {
			return
		}

		logging.Logger.Warn().Err(err).Str("vm_id", handle.VMID).Msg("replacing failed vm")
		_ = h.config.Provisioner.Release(ctx, handle)

		select {
		case <-h.stopCh:
			return
		case <-ctx.Done():
			return
		default:
		}

		newHandle, perr := h.config.Provisioner.Provision(ctx)
		if perr != nil {
			logging.Logger.Error().Err(perr).Msg("vm replacement provision failed")
			return
		}
		handle = newHandle
	}
}

func (h *Harness) drainCrashes(ctx context.Context) {
	defer h.wg.Done()
	for {
		select {
		case rec, ok := <-h.sink.Drain():
			if !ok {
				return
			}
			h.reportCrash(rec)
		case <-ctx.Done():
			return
		}
	}
}

func (h *Harness) reportCrash(rec *types.CrashRecord) {
	if h.config.ControllerClient == nil {
		return
	}
	req := rpc.ReportCrashRequest{JobID: rec.JobID, CrashRecord: *rec, TestcaseBytes: rec.TestcaseBytes}
	var resp rpc.ReportCrashResponse
	if err := h.config.ControllerClient.Call(rpc.OpReportCrash, req, &resp); err != nil {
		logging.Logger.Warn().Err(err).Uint64("job_id", uint64(rec.JobID)).Msg("report_crash failed")
	}
}

// progressLoop emits the periodic progress reports spec §4.5 calls
// for ("executions, exec/sec, crashes"), piggybacked on HEARTBEAT by
// the caller that owns the outbound RPC loop (internal/harness's
// Worker); Progress is exposed here for that caller to read.
func (h *Harness) progressLoop(ctx context.Context) {
	defer h.wg.Done()
	ticker := time.NewTicker(h.config.ProgressInterval)
	defer ticker.Stop()

	var last uint64
	lastAt := time.Now()

	for {
		select {
		case <-ctx.Done():
			return
		case <-h.stopCh:
			return
		case now := <-ticker.C:
			total := h.executions.Load()
			elapsed := now.Sub(lastAt).Seconds()
			rate := 0.0
			if elapsed > 0 {
				rate = float64(total-last) / elapsed
			}
			last = total
			lastAt = now
			logging.Logger.Debug().
				Uint64("job_id", uint64(h.config.JobID)).
				Uint64("executions", total).
				Float64("exec_per_sec", rate).
				Uint64("crashes", h.crashes.Load()).
				Msg("harness progress")
		}
	}
}

// Progress returns a snapshot for the worker's HEARTBEAT payload.
func (h *Harness) Progress() rpc.Progress {
	return rpc.Progress{
		JobID:      h.config.JobID,
		Executions: h.executions.Load(),
		Crashes:    h.crashes.Load(),
	}
}

// Stop implements spec §4.5's termination contract: signal stop, wait
// up to drainTimeout, then return — any VM still mid-iteration is
// abandoned by its goroutine's own ctx cancellation, not force-killed
// here (that's the caller's ctx cancellation plus Provisioner.Release
// on the next loop iteration). Idempotent: CANCEL_JOB and the worker's
// own shutdown path can both call Stop on the same Harness, and
// producer.Close is the Harness's sole owner of that channel's close
// (pumpCorpus only ever returns on exhaustion/ctx-done).
func (h *Harness) Stop(drainTimeout time.Duration) {
	h.mu.Lock()
	if !h.started {
		h.mu.Unlock()
		return
	}
	h.mu.Unlock()

	h.stopOnce.Do(func() {
		close(h.stopCh)
		h.producer.Close()
	})

	done := make(chan struct{})
	go func() {
		h.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(drainTimeout):
		logging.Logger.Warn().Uint64("job_id", uint64(h.config.JobID)).Msg("harness stop timed out, abandoning in-flight runners")
	}
}

// Submit feeds one testcase into the shared producer.
func (h *Harness) Submit(ctx context.Context, testcase []byte) error {
	return h.producer.Push(ctx, testcase)
}

func shareDirFor(root, vmID string) string {
	if root == "" {
		return vmID
	}
	return root + "/" + vmID
}
