package wal

import "github.com/fawkes-project/fawkes/pkg/types"

// ============================================================================
// WAL Type Definitions
// ============================================================================

// EventType enumerates the Scheduler Store operations that must survive
// a controller restart. Generalized from the teacher's job-queue-only
// event set (ENQUEUE/DISPATCH/ACK/RETRY/TIMEOUT/DEAD) to the full store
// surface named in spec §4.1: jobs, worker registration/heartbeat, and
// crash recording.
type EventType string

const (
	EventJobAdded         EventType = "JOB_ADDED"
	EventJobAssigned      EventType = "JOB_ASSIGNED"
	EventJobStatusChanged EventType = "JOB_STATUS_CHANGED"
	EventJobCancelled     EventType = "JOB_CANCELLED"
	EventWorkerRegistered EventType = "WORKER_REGISTERED"
	EventWorkerHeartbeat  EventType = "WORKER_HEARTBEAT"
	EventWorkerOffline    EventType = "WORKER_OFFLINE"
	EventCrashRecorded    EventType = "CRASH_RECORDED"
)

// Event is a single WAL record. Payload carries the JSON-encoded
// operation arguments (e.g. the full Job for EventJobAdded, or
// {job_id,status} for EventJobStatusChanged) — kept as raw bytes so
// this package has no dependency on the store's internal interpretation
// of each event.
type Event struct {
	Seq       uint64      `json:"seq"`
	Type      EventType   `json:"type"`
	JobID     types.JobID `json:"job_id,omitempty"`
	WorkerID  string      `json:"worker_id,omitempty"`
	Timestamp int64       `json:"timestamp"`
	Payload   []byte      `json:"payload,omitempty"`
	Checksum  uint32      `json:"checksum"`
}

// EventHandler applies a replayed event to in-memory state, used by the
// controller's recovery path (spec §2: Controller "owns the persistent
// scheduler state").
type EventHandler func(event *Event) error
