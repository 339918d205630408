package rpc

import "github.com/fawkes-project/fawkes/pkg/types"

// Message payloads per spec §6.1. Both the controller's worker-facing
// endpoint (HELLO, HEARTBEAT, REPORT_CRASH, JOB_DONE) and a worker's
// job-facing endpoint (ACCEPT_JOB, CANCEL_JOB) speak the same Envelope
// framing; only the Op and payload shape differ by direction.

// HelloRequest registers a worker with the controller. Idempotent on
// Address.
type HelloRequest struct {
	WorkerID     string                `json:"worker_id,omitempty"`
	Address      string                `json:"address"`
	Hostname     string                `json:"hostname"`
	Capabilities types.Capabilities    `json:"capabilities"`
	Tags         []string              `json:"tags"`
}

type HelloResponse struct {
	WorkerID         string `json:"worker_id"`
	HeartbeatInterval int    `json:"heartbeat_interval"`
}

// Progress reports the worker's current job execution rate upstream
// via HEARTBEAT (spec §4.5: "emit periodic progress reports").
type Progress struct {
	JobID       types.JobID `json:"job_id"`
	Executions  uint64      `json:"executions"`
	ExecPerSec  float64     `json:"exec_per_sec"`
	Crashes     uint64      `json:"crashes"`
}

type HeartbeatRequest struct {
	WorkerID    string     `json:"worker_id"`
	CurrentLoad types.Load `json:"current_load"`
	Progress    *Progress  `json:"progress,omitempty"`
}

type HeartbeatResponse struct {
	OK                bool `json:"ok"`
	AssignmentsPending int  `json:"assignments_pending"`
}

// AcceptJobRequest is sent controller -> worker to dispatch a job
// (spec §4.2 step 5).
type AcceptJobRequest struct {
	JobID     types.JobID                `json:"job_id"`
	Name      string                     `json:"name"`
	Config    []byte                     `json:"config"`
	Resources types.ResourceRequirements `json:"resources"`
	Deadline  *int64                     `json:"deadline,omitempty"`
}

type AcceptJobResponse struct {
	Accepted bool   `json:"accepted"`
	Reason   string `json:"reason,omitempty"`
}

type CancelJobRequest struct {
	JobID types.JobID `json:"job_id"`
}

type CancelJobResponse struct {
	Accepted bool `json:"accepted"`
}

// ReportCrashRequest ships a per-worker-triaged crash to the
// controller's global store (spec §4.9 step 7).
type ReportCrashRequest struct {
	JobID         types.JobID       `json:"job_id"`
	CrashRecord   types.CrashRecord `json:"crash_record_payload"`
	TestcaseBytes []byte            `json:"testcase_bytes"`
}

type ReportCrashResponse struct {
	CrashID     uint64 `json:"crash_id"`
	IsDuplicate bool   `json:"is_duplicate"`
}

type JobDoneRequest struct {
	JobID         types.JobID     `json:"job_id"`
	Status        types.JobStatus `json:"status"`
	FailureReason string          `json:"failure_reason,omitempty"`
}

type JobDoneResponse struct {
	OK bool `json:"ok"`
}

// Control-plane messages, spoken by internal/cli against the
// controller's same RPC endpoint in --master mode (spec §6.2 describes
// the CLI surface itself; this module's own wire format is the JSON
// frame protocol already mandated for Controller<->Worker by §6.1, so
// the control plane reuses it rather than inventing a second one).

type SchedulerEnqueueRequest struct {
	Job *types.Job `json:"job"`
}

type SchedulerEnqueueResponse struct {
	JobID types.JobID `json:"job_id"`
}

type SchedulerListRequest struct {
	Status      types.JobStatus `json:"status,omitempty"`
	MinPriority int             `json:"min_priority,omitempty"`
	Limit       int             `json:"limit,omitempty"`
}

type SchedulerListResponse struct {
	Jobs []*types.Job `json:"jobs"`
}

type SchedulerStatusRequest struct {
	JobID types.JobID `json:"job_id"`
}

type SchedulerStatusResponse struct {
	Job *types.Job `json:"job"`
}

type SchedulerCancelRequest struct {
	JobID types.JobID `json:"job_id"`
}

type SchedulerCancelResponse struct {
	OK bool `json:"ok"`
}

type SchedulerWorkersRequest struct {
	Status string `json:"status,omitempty"`
}

type SchedulerWorkersResponse struct {
	Workers []*types.Worker `json:"workers"`
}

type SchedulerStatsRequest struct{}

type SchedulerStatsResponse struct {
	Counts  map[string]int `json:"counts"`
	Uptime  float64        `json:"uptime_seconds"`
}
