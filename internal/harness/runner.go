// ============================================================================
// Fawkes VM Runner — the hot path (spec §4.6)
// ============================================================================
//
// Package: internal/harness
// Purpose: one Runner owns one VM instance for the lifetime of a job.
// Its inner loop dominates throughput: pull a testcase, stage it onto
// the host<->guest share, revert to the fuzzing-ready snapshot, poll
// the guest agent for a crash or timeout, and submit any crash found.
//
// Grounded on the teacher's internal/worker/worker.go Run/execute
// split: a blocking pull from a shared channel, a bounded unit of
// work with its own timeout, and a result handed back on a channel —
// here the "result" is a submitted CrashRecord rather than a Result
// struct, and "execute" is the real stage/revert/poll sequence instead
// of the teacher's simulated sleep-and-flip-a-coin.
// ============================================================================

package harness

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"time"

	"github.com/fawkes-project/fawkes/internal/agent"
	"github.com/fawkes-project/fawkes/internal/crash"
	"github.com/fawkes-project/fawkes/internal/logging"
	"github.com/fawkes-project/fawkes/internal/monitor"
	"github.com/fawkes-project/fawkes/pkg/types"
)

// ErrVMFailed signals that a Runner's VM could not be recovered after
// the slow-path retry and must be replaced (spec §4.6: "a second
// failure fails the runner, which signals the harness to replace the
// VM").
var ErrVMFailed = errors.New("harness: vm runner failed, replace vm")

// VMLauncher performs the slow-path full stop+relaunch (spec §4.7
// slow mode): tear the VM process down entirely and bring it back up
// booted from the named snapshot. Left as an extension point — the
// mechanics are per-hypervisor and out of this module's contract, the
// same way spec §4.8 leaves the guest agent itself "implemented
// per-OS".
type VMLauncher interface {
	Relaunch(ctx context.Context, handle types.VMHandle) error
}

// VMProvisioner creates and tears down VM instances for a Harness's
// pool (spec §4.5: "spawn VM Runners" / "force-kill VMs").
type VMProvisioner interface {
	Provision(ctx context.Context) (types.VMHandle, error)
	Release(ctx context.Context, handle types.VMHandle) error
}

// revertWindow is the rolling window spec §4.7 measures the
// fast/slow fallback ratio over.
const revertWindow = 20

// fallbackWarnThreshold is K in spec §4.7: "falling back to slow mode
// more than K times in a rolling window triggers a warning telemetry
// event but is not fatal."
const fallbackWarnThreshold = 5

// Runner drives one VM for the duration of a job.
type Runner struct {
	jobID    types.JobID
	workerID string
	handle   types.VMHandle

	monitor  *monitor.Client
	agent    *agent.Client
	launcher VMLauncher
	pipeline *crash.Pipeline

	shareDir string
	timeout  time.Duration

	producer TestcaseProducer
	sink     *CrashSink

	executions *atomic.Uint64
	crashes    *atomic.Uint64

	mu           sync.Mutex
	window       [revertWindow]bool
	windowIdx    int
	windowFilled int
}

// NewRunner wires one VM handle into a Runner. shareDir is the
// mountable host<->guest path named in spec §6.4.
func NewRunner(jobID types.JobID, workerID string, handle types.VMHandle, launcher VMLauncher, pipeline *crash.Pipeline, shareDir string, timeout time.Duration, producer TestcaseProducer, sink *CrashSink, executions, crashes *atomic.Uint64) *Runner {
	return &Runner{
		jobID:      jobID,
		workerID:   workerID,
		handle:     handle,
		monitor:    monitor.New(handle.MonitorEndpoint),
		agent:      agent.NewClient(handle.AgentEndpoint),
		launcher:   launcher,
		pipeline:   pipeline,
		shareDir:   shareDir,
		timeout:    timeout,
		producer:   producer,
		sink:       sink,
		executions: executions,
		crashes:    crashes,
	}
}

// Run is the loop in spec §4.6, executed until the producer is
// exhausted, ctx is cancelled, or the VM fails unrecoverably.
func (r *Runner) Run(ctx context.Context) error {
	defer r.monitor.Close()

	for {
		testcase, ok := r.producer.Next(ctx)
		if !ok {
			return nil
		}
		if err := r.executeOne(ctx, testcase); err != nil {
			if errors.Is(err, ErrVMFailed) {
				return err
			}
			logging.Logger.Warn().Err(err).Uint64("job_id", uint64(r.jobID)).Msg("vm runner iteration failed")
		}
	}
}

// executeOne runs exactly one iteration of the hot loop: stage,
// revert, resume, agent_poll, and (on crash) submit.
func (r *Runner) executeOne(ctx context.Context, testcase []byte) error {
	if _, err := r.stage(testcase); err != nil {
		return fmt.Errorf("harness: stage testcase: %w", err)
	}

	if err := r.revertToSnapshot(ctx); err != nil {
		return err
	}

	iterCtx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	result, err := r.agent.PollUntilCrashOrTimeout(iterCtx, r.timeout, 50*time.Millisecond)
	r.executions.Add(1)
	if err != nil {
		// Hard wall-clock timeout with no crash/idle signal (spec
		// §4.6): the next iteration's revert will re-synchronize state.
		return nil
	}
	if !result.Crash || result.Observation == nil {
		return nil
	}

	obs := crash.Observation{
		PID:           result.Observation.PID,
		Exe:           result.Observation.Exe,
		ExceptionCode: result.Observation.ExceptionCode,
		ArtifactPath:  result.Observation.ArtifactPath,
	}
	rec := r.pipeline.BuildRecord(r.jobID, r.workerID, obs, testcase, time.Now().UnixMilli())
	r.crashes.Add(1)
	return r.sink.Submit(ctx, rec)
}

// stage writes the testcase to the host<->guest share, replacing the
// previous one atomically (spec §6.4: "replaced atomically per
// iteration").
func (r *Runner) stage(testcase []byte) (string, error) {
	dest := filepath.Join(r.shareDir, "testcase")
	tmp := dest + ".tmp"
	if err := os.WriteFile(tmp, testcase, 0o644); err != nil {
		return "", err
	}
	if err := os.Rename(tmp, dest); err != nil {
		return "", err
	}
	return dest, nil
}

// revertToSnapshot implements spec §4.7: fast mode preferred, a
// post-revert liveness probe to catch partial reverts the monitor
// itself didn't report, and exactly one slow-path retry before
// failing the runner.
func (r *Runner) revertToSnapshot(ctx context.Context) error {
	result, err := r.monitor.FastRevert(r.handle.SnapshotName)
	partial := err != nil && result.Partial
	if err == nil && !partial {
		if r.probeAlive(ctx) {
			r.recordFallback(false)
			return nil
		}
		partial = true
	}

	r.recordFallback(true)
	if err := r.slowRevert(ctx); err != nil {
		return ErrVMFailed
	}
	return nil
}

// probeAlive is the post-revert liveness probe spec §4.7 requires to
// detect a partial revert the monitor's own OK/error tokens missed.
func (r *Runner) probeAlive(ctx context.Context) bool {
	probeCtx, cancel := context.WithTimeout(ctx, monitor.ConnectTimeout)
	defer cancel()
	_, err := r.agent.Poll(probeCtx)
	return err == nil
}

// slowRevert is the spec §4.7 fallback: full VM stop+relaunch from
// the named snapshot, via the per-hypervisor VMLauncher.
func (r *Runner) slowRevert(ctx context.Context) error {
	if r.launcher == nil {
		return errors.New("harness: no slow-path launcher configured")
	}
	_ = r.monitor.Close()
	return r.launcher.Relaunch(ctx, r.handle)
}

// recordFallback tracks the rolling fast/slow ratio and logs a
// warning once fallbackWarnThreshold is exceeded in the window
// (spec §4.7: "not fatal").
func (r *Runner) recordFallback(fallback bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.window[r.windowIdx] = fallback
	r.windowIdx = (r.windowIdx + 1) % revertWindow
	if r.windowFilled < revertWindow {
		r.windowFilled++
	}

	count := 0
	for i := 0; i < r.windowFilled; i++ {
		if r.window[i] {
			count++
		}
	}
	if count > fallbackWarnThreshold {
		logging.Logger.Warn().
			Int("fallback_count", count).
			Int("window", r.windowFilled).
			Str("vm_id", r.handle.VMID).
			Msg("fast-revert fallback rate exceeds threshold")
	}
}
