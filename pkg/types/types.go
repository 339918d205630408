// Package types defines the core domain models shared by the Fawkes
// controller and worker processes: jobs, workers, queue entries,
// assignments, crash records, VM handles, and testcase artifacts.
//
// Design principles carried from the scheduler lineage this module grew
// out of:
//   - domain concepts get their own types instead of bare strings/ints
//   - every type round-trips through JSON for WAL/snapshot persistence
//   - timestamps are Unix milliseconds for cross-platform portability and
//     precise deadline arithmetic
package types

import (
	"time"

	"github.com/google/uuid"
)

// JobID uniquely identifies a job. Monotone within one controller's
// lifetime; assigned by the Scheduler Store on add_job.
type JobID uint64

// JobStatus is a job's position in its lifecycle (spec §3 Job).
type JobStatus string

const (
	JobPending   JobStatus = "pending"
	JobQueued    JobStatus = "queued"
	JobAssigned  JobStatus = "assigned"
	JobRunning   JobStatus = "running"
	JobCompleted JobStatus = "completed"
	JobFailed    JobStatus = "failed"
	JobCancelled JobStatus = "cancelled"
)

// Terminal reports whether the status admits no further transitions.
func (s JobStatus) Terminal() bool {
	return s == JobCompleted || s == JobFailed || s == JobCancelled
}

// ResourceRequirements describes what a job needs from a worker.
type ResourceRequirements struct {
	CPU  int      `json:"cpu,omitempty"`
	RAMG int      `json:"ram_gb,omitempty"`
	VMs  int      `json:"vms,omitempty"`
	Tags []string `json:"tags,omitempty"`
}

// Job is a unit of fuzzing work: a target, a config blob, and scheduling
// metadata (spec §3 Job).
type Job struct {
	ID           JobID                `json:"id"`
	Name         string               `json:"name"`
	Config       []byte               `json:"config"` // opaque blob consumed by the harness
	Priority     int                  `json:"priority"`
	Deadline     *int64               `json:"deadline_ms,omitempty"` // Unix ms, unset if nil
	Dependencies []JobID              `json:"dependencies,omitempty"`
	Resources    ResourceRequirements `json:"resources"`

	Status         JobStatus `json:"status"`
	Retries        int       `json:"retries"`
	MaxRetries     int       `json:"max_retries"`
	AssignedWorker string    `json:"assigned_worker,omitempty"`
	FailureReason  string    `json:"failure_reason,omitempty"`

	EnqueueSeq uint64 `json:"enqueue_seq,omitempty"`

	CreatedAt  int64  `json:"created_at"`
	StartedAt  *int64 `json:"started_at,omitempty"`
	FinishedAt *int64 `json:"finished_at,omitempty"`
}

// DependenciesSatisfied reports whether every dependency is present in
// the completed set. Job itself carries no back-pointers to other jobs
// (spec §9: cyclic references are modeled as indices, never owning
// references) — callers look dependencies up through the store.
func (j *Job) DependenciesSatisfied(completed map[JobID]bool) bool {
	for _, dep := range j.Dependencies {
		if !completed[dep] {
			return false
		}
	}
	return true
}

// JobBuilder is the builder/struct-with-defaults pattern spec §9 calls
// for: a Job has roughly ten optional fields, so named arguments don't
// fit Go, and a builder keeps call sites readable.
type JobBuilder struct {
	job Job
}

// NewJobBuilder starts a Job with the required fields and sane defaults
// for everything optional.
func NewJobBuilder(name string, config []byte) *JobBuilder {
	return &JobBuilder{job: Job{
		Name:       name,
		Config:     config,
		Priority:   50,
		MaxRetries: 3,
		Status:     JobPending,
	}}
}

func (b *JobBuilder) Priority(p int) *JobBuilder {
	b.job.Priority = p
	return b
}

func (b *JobBuilder) Deadline(t time.Time) *JobBuilder {
	ms := t.UnixMilli()
	b.job.Deadline = &ms
	return b
}

func (b *JobBuilder) DependsOn(ids ...JobID) *JobBuilder {
	b.job.Dependencies = append(b.job.Dependencies, ids...)
	return b
}

func (b *JobBuilder) Resources(r ResourceRequirements) *JobBuilder {
	b.job.Resources = r
	return b
}

func (b *JobBuilder) MaxRetries(n int) *JobBuilder {
	b.job.MaxRetries = n
	return b
}

// Build finalizes the job. CreatedAt and Status are set here so a job is
// never observed half-constructed by the store.
func (b *JobBuilder) Build() *Job {
	j := b.job
	j.CreatedAt = time.Now().UnixMilli()
	if len(j.Dependencies) == 0 {
		j.Status = JobQueued
	}
	return &j
}

// WorkerStatus is a worker's liveness state (spec §3 Worker).
type WorkerStatus string

const (
	WorkerOnline  WorkerStatus = "online"
	WorkerBusy    WorkerStatus = "busy"
	WorkerOffline WorkerStatus = "offline"
)

// Capabilities describes what a worker can offer.
type Capabilities struct {
	CPUCores int      `json:"cpu_cores"`
	RAMG     int      `json:"ram_gb"`
	MaxVMs   int      `json:"max_vms"`
	Arch     []string `json:"arch,omitempty"`
}

// Load is a worker's current resource consumption, reported on heartbeat.
type Load struct {
	UsedVMs    int     `json:"used_vms"`
	CPUPercent float64 `json:"cpu_percent"`
	RAMPercent float64 `json:"ram_percent"`
	ActiveJobs int     `json:"active_jobs"`
}

// Worker is a registered execution node (spec §3 Worker).
type Worker struct {
	ID            string       `json:"worker_id"`
	Address       string       `json:"address"`
	Hostname      string       `json:"hostname"`
	Capabilities  Capabilities `json:"capabilities"`
	Tags          []string     `json:"tags,omitempty"`
	Status        WorkerStatus `json:"status"`
	Load          Load         `json:"current_load"`
	LastHeartbeat int64        `json:"last_heartbeat"`
	RegisteredAt  int64        `json:"registered_at"`
	FailureStreak int          `json:"failure_streak,omitempty"` // consecutive dispatch failures (spec §4.2 step 6)
}

// Online reports whether the worker's last heartbeat is within timeout of
// now (spec §3 invariant: online ⇔ now − last_heartbeat < heartbeat_timeout).
func (w *Worker) Online(now time.Time, heartbeatTimeout time.Duration) bool {
	return now.UnixMilli()-w.LastHeartbeat < heartbeatTimeout.Milliseconds()
}

// HasCapacity reports whether the worker can additionally accommodate req,
// given its declared capabilities, current load, and tags.
func (w *Worker) HasCapacity(req ResourceRequirements) bool {
	if w.Capabilities.MaxVMs-w.Load.UsedVMs < req.VMs {
		return false
	}
	tagSet := make(map[string]bool, len(w.Tags))
	for _, t := range w.Tags {
		tagSet[t] = true
	}
	for _, t := range req.Tags {
		if !tagSet[t] {
			return false
		}
	}
	return true
}

// VMUtilization returns used_vms / max_vms, used by the load_aware
// allocation strategy (spec §4.2).
func (w *Worker) VMUtilization() float64 {
	if w.Capabilities.MaxVMs == 0 {
		return 1
	}
	return float64(w.Load.UsedVMs) / float64(w.Capabilities.MaxVMs)
}

// QueueEntry is (job_id, priority, enqueue_seq), ordered by
// (−priority, enqueue_seq) (spec §3 QueueEntry).
type QueueEntry struct {
	JobID      JobID  `json:"job_id"`
	Priority   int    `json:"priority"`
	EnqueueSeq uint64 `json:"enqueue_seq"`
}

// Less implements the strict queue ordering: higher priority first, FIFO
// within priority.
func (e QueueEntry) Less(o QueueEntry) bool {
	if e.Priority != o.Priority {
		return e.Priority > o.Priority
	}
	return e.EnqueueSeq < o.EnqueueSeq
}

// Assignment is the single source of truth for which worker owns which
// job (spec §3 Assignment).
type Assignment struct {
	JobID      JobID  `json:"job_id"`
	WorkerID   string `json:"worker_id"`
	AssignedAt int64  `json:"assigned_at"`
}

// Severity classifies a crash by how dangerous it appears (spec §4.9 step 6).
type Severity string

const (
	SeverityInfo     Severity = "Info"
	SeverityLow      Severity = "Low"
	SeverityMedium   Severity = "Medium"
	SeverityHigh     Severity = "High"
	SeverityCritical Severity = "Critical"
)

// SeverityFromScore derives severity from an exploitability score
// (spec §4.9 step 6: <10 Info, <30 Low, <50 Medium, <70 High, else Critical).
func SeverityFromScore(score int) Severity {
	switch {
	case score < 10:
		return SeverityInfo
	case score < 30:
		return SeverityLow
	case score < 50:
		return SeverityMedium
	case score < 70:
		return SeverityHigh
	default:
		return SeverityCritical
	}
}

// VulnType is the tagged variant for the vulnerability taxonomy table in
// spec §4.9 — a closed set of pattern-matched categories plus an
// extension point for unmatched crashes.
type VulnType string

const (
	VulnBufferOverflow  VulnType = "buffer_overflow"
	VulnUseAfterFree    VulnType = "use_after_free"
	VulnDoubleFree      VulnType = "double_free"
	VulnNullDeref       VulnType = "null_deref"
	VulnIntegerOverflow VulnType = "integer_overflow"
	VulnFormatString    VulnType = "format_string"
	VulnRace            VulnType = "race"
	VulnTypeConfusion   VulnType = "type_confusion"
	VulnPCControl       VulnType = "pc_control"
	VulnArbitraryWrite  VulnType = "arbitrary_write"
	VulnUnknown         VulnType = "unknown"
)

// CrashRecord is a single triaged crash observation (spec §3 CrashRecord).
type CrashRecord struct {
	CrashID             uint64   `json:"crash_id"`
	JobID               JobID    `json:"job_id"`
	WorkerID            string   `json:"worker_id"`
	Timestamp           int64    `json:"timestamp"`
	PID                 int      `json:"pid"`
	Exe                 string   `json:"exe"`
	ExceptionCode       string   `json:"exception_code"`
	TestcaseBytes       []byte   `json:"testcase_bytes,omitempty"`
	TestcaseFingerprint string   `json:"testcase_fingerprint"`
	StackFrames         []string `json:"stack_frames"`
	StackHash           string   `json:"stack_hash"`
	Signature           string   `json:"signature"`
	Severity            Severity `json:"severity"`
	ExploitabilityScore int      `json:"exploitability_score"`
	VulnType            VulnType `json:"vuln_type"`
	DuplicateOf         *uint64  `json:"duplicate_of,omitempty"`
	DuplicateCount      int      `json:"duplicate_count,omitempty"`
}

// VMHandle is a worker-local VM reference (spec §3 VMHandle).
type VMHandle struct {
	VMID            string `json:"vm_id"`
	PID             int    `json:"pid"`
	MonitorEndpoint string `json:"monitor_endpoint"`
	AgentEndpoint   string `json:"agent_endpoint"`
	SnapshotName    string `json:"snapshot_name"`
	DiskImagePath   string `json:"disk_image_path"`
}

// NewVMID generates a fresh VM identifier.
func NewVMID() string {
	return "vm-" + uuid.NewString()
}

// NewWorkerID generates a fresh worker identifier for first-time
// registration.
func NewWorkerID() string {
	return "worker-" + uuid.NewString()
}

// TestCaseArtifact is an opaque byte blob plus a fingerprint hash
// (spec §3 TestCaseArtifact).
type TestCaseArtifact struct {
	Bytes       []byte `json:"bytes"`
	Fingerprint string `json:"fingerprint"`
}

// SnapshotData is the full persisted Scheduler Store state (spec §6.6):
// Jobs, Workers, Queue, Assignments, CrashRecords, and monotonic counters.
type SnapshotData struct {
	SchemaVer   int                     `json:"schema_ver"`
	LastSeq     uint64                  `json:"last_seq"`
	NextJobID   JobID                   `json:"next_job_id"`
	NextCrashID uint64                  `json:"next_crash_id"`
	EnqueueSeq  uint64                  `json:"enqueue_seq"`
	Jobs        map[JobID]*Job          `json:"jobs"`
	Workers     map[string]*Worker      `json:"workers"`
	Queue       []QueueEntry            `json:"queue"`
	Assignments map[JobID]*Assignment   `json:"assignments"`
	Crashes     map[uint64]*CrashRecord `json:"crashes"`
}
