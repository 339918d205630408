// ============================================================================
// Fawkes integration test helpers
// ============================================================================
//
// Package: test/integration
// file: helpers_test.go
//
// Shared scaffolding for the end-to-end suites in this package: a
// scheduler wired to a temp-dir WAL/snapshot pair (mirrors
// internal/scheduler's own newTestScheduler), and a fake worker process
// that speaks the real wire protocol (HELLO, ACCEPT_JOB, JOB_DONE)
// instead of the in-process worker pool the teacher's controller drove
// directly.
// ============================================================================

package integration

import (
	"encoding/json"
	"fmt"
	"math/rand"
	"net"
	"path/filepath"
	"testing"
	"time"

	"github.com/fawkes-project/fawkes/internal/rpc"
	"github.com/fawkes-project/fawkes/internal/scheduler"
	"github.com/fawkes-project/fawkes/pkg/types"
	"github.com/stretchr/testify/require"
)

// freePort grabs an ephemeral port by opening and immediately closing a
// listener on it. Small race window between close and reuse, acceptable
// for test purposes.
func freePort(t testing.TB) int {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	port := ln.Addr().(*net.TCPAddr).Port
	require.NoError(t, ln.Close())
	return port
}

// newTestScheduler starts a real Scheduler (RPC endpoint, allocator,
// health monitor, deadline enforcer, snapshot loop all running) against
// a temp-dir WAL/snapshot pair and a fixed loopback port.
func newTestScheduler(t testing.TB, dir string) (*scheduler.Scheduler, string) {
	t.Helper()
	addr := fmt.Sprintf("127.0.0.1:%d", freePort(t))

	cfg := scheduler.DefaultConfig()
	cfg.RPCAddress = addr
	cfg.WALPath = filepath.Join(dir, "wal.log")
	cfg.SnapshotPath = filepath.Join(dir, "snapshot.json")
	cfg.WALFlushInterval = time.Millisecond
	cfg.PollInterval = 20 * time.Millisecond
	cfg.HeartbeatTimeout = time.Minute

	s, err := scheduler.New(cfg)
	require.NoError(t, err)
	require.NoError(t, s.Start())
	return s, addr
}

// startFakeFuzzWorker simulates internal/harness.Worker end to end: it
// registers over HELLO, accepts every dispatch over ACCEPT_JOB, and
// reports JOB_DONE after a short simulated execution delay with the
// given failure rate — standing in for a real Harness driving VM
// Runners without needing actual VMs in this suite.
func startFakeFuzzWorker(t testing.TB, controllerAddr string, maxVMs int, execDelay time.Duration, failureRate float64) string {
	t.Helper()
	srv := rpc.NewServer()

	srv.Handle(rpc.OpAcceptJob, func(payload json.RawMessage) (interface{}, error) {
		var req rpc.AcceptJobRequest
		if err := json.Unmarshal(payload, &req); err != nil {
			return nil, err
		}
		go func() {
			time.Sleep(execDelay)
			status := types.JobCompleted
			reason := ""
			if rand.Float64() < failureRate {
				status = types.JobFailed
				reason = "simulated fuzzing target crash"
			}
			client := rpc.NewClient(controllerAddr)
			var resp rpc.JobDoneResponse
			_ = client.Call(rpc.OpJobDone, rpc.JobDoneRequest{
				JobID:         req.JobID,
				Status:        status,
				FailureReason: reason,
			}, &resp)
		}()
		return rpc.AcceptJobResponse{Accepted: true}, nil
	})
	srv.Handle(rpc.OpCancelJob, func(payload json.RawMessage) (interface{}, error) {
		return rpc.CancelJobResponse{Accepted: true}, nil
	})

	require.NoError(t, srv.Listen("127.0.0.1:0"))
	go func() { _ = srv.Accept() }()
	t.Cleanup(func() { _ = srv.Close() })

	client := rpc.NewClient(controllerAddr)
	var hello rpc.HelloResponse
	require.NoError(t, client.Call(rpc.OpHello, rpc.HelloRequest{
		Address:      srv.Addr(),
		Hostname:     "fake-worker",
		Capabilities: types.Capabilities{CPUCores: 4, RAMG: 8, MaxVMs: maxVMs},
	}, &hello))

	return hello.WorkerID
}

// newFuzzJob builds a job ready for EnqueueJob, matching the shape
// internal/cli's `scheduler add` produces.
func newFuzzJob(name string) *types.Job {
	return types.NewJobBuilder(name, []byte(`{"target":"fuzz_target_1"}`)).
		Resources(types.ResourceRequirements{VMs: 1}).
		Build()
}

// waitFor polls cond every interval until it returns true or timeout
// elapses, failing the test on timeout.
func waitFor(t testing.TB, timeout, interval time.Duration, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(interval)
	}
	require.Fail(t, "condition not met before timeout")
}
