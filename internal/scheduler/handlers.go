package scheduler

import (
	"encoding/json"
	"fmt"

	"github.com/fawkes-project/fawkes/internal/rpc"
	"github.com/fawkes-project/fawkes/internal/schederr"
	"github.com/fawkes-project/fawkes/internal/storage/wal"
	"github.com/fawkes-project/fawkes/pkg/types"
)

// registerHandlers wires the controller's worker-facing RPC endpoint
// (spec §6.1): HELLO, HEARTBEAT, REPORT_CRASH, JOB_DONE. ACCEPT_JOB and
// CANCEL_JOB are the controller's outbound calls, handled by the
// worker's own endpoint in internal/harness.
func (s *Scheduler) registerHandlers() {
	s.rpc.Handle(rpc.OpHello, s.handleHello)
	s.rpc.Handle(rpc.OpHeartbeat, s.handleHeartbeat)
	s.rpc.Handle(rpc.OpReportCrash, s.handleReportCrash)
	s.rpc.Handle(rpc.OpJobDone, s.handleJobDone)

	s.rpc.Handle(rpc.OpSchedulerEnqueue, s.handleSchedulerEnqueue)
	s.rpc.Handle(rpc.OpSchedulerList, s.handleSchedulerList)
	s.rpc.Handle(rpc.OpSchedulerStatus, s.handleSchedulerStatus)
	s.rpc.Handle(rpc.OpSchedulerCancel, s.handleSchedulerCancel)
	s.rpc.Handle(rpc.OpSchedulerWorkers, s.handleSchedulerWorkers)
	s.rpc.Handle(rpc.OpSchedulerStats, s.handleSchedulerStats)
}

func (s *Scheduler) handleHello(payload json.RawMessage) (interface{}, error) {
	var req rpc.HelloRequest
	if err := json.Unmarshal(payload, &req); err != nil {
		return nil, fmt.Errorf("unmarshal HELLO: %w", err)
	}

	workerID := s.store.RegisterWorker(req.Address, req.Hostname, req.Capabilities, req.Tags)
	regPayload, _ := json.Marshal(registerPayload{
		WorkerID:     workerID,
		Address:      req.Address,
		Hostname:     req.Hostname,
		Capabilities: req.Capabilities,
		Tags:         req.Tags,
	})
	if err := s.wal.Append(wal.EventWorkerRegistered, 0, workerID, regPayload); err != nil {
		return nil, schederr.WrapTransient("append WORKER_REGISTERED", err)
	}

	return rpc.HelloResponse{
		WorkerID:          workerID,
		HeartbeatInterval: int(s.config.HeartbeatTimeout.Seconds() / 3),
	}, nil
}

func (s *Scheduler) handleHeartbeat(payload json.RawMessage) (interface{}, error) {
	var req rpc.HeartbeatRequest
	if err := json.Unmarshal(payload, &req); err != nil {
		return nil, fmt.Errorf("unmarshal HEARTBEAT: %w", err)
	}

	if err := s.store.UpdateWorkerHeartbeat(req.WorkerID, req.CurrentLoad); err != nil {
		return nil, err
	}
	hbPayload, _ := json.Marshal(heartbeatPayload{WorkerID: req.WorkerID, Load: req.CurrentLoad})
	if err := s.wal.Append(wal.EventWorkerHeartbeat, 0, req.WorkerID, hbPayload); err != nil {
		return nil, schederr.WrapTransient("append WORKER_HEARTBEAT", err)
	}

	return rpc.HeartbeatResponse{OK: true}, nil
}

func (s *Scheduler) handleReportCrash(payload json.RawMessage) (interface{}, error) {
	var req rpc.ReportCrashRequest
	if err := json.Unmarshal(payload, &req); err != nil {
		return nil, fmt.Errorf("unmarshal REPORT_CRASH: %w", err)
	}

	c := req.CrashRecord
	c.TestcaseBytes = req.TestcaseBytes
	crashID, isDup := s.store.RecordCrash(&c)

	crashPayload, _ := json.Marshal(c)
	if err := s.wal.Append(wal.EventCrashRecorded, uint64(req.JobID), "", crashPayload); err != nil {
		return nil, schederr.WrapTransient("append CRASH_RECORDED", err)
	}

	return rpc.ReportCrashResponse{CrashID: crashID, IsDuplicate: isDup}, nil
}

func (s *Scheduler) handleJobDone(payload json.RawMessage) (interface{}, error) {
	var req rpc.JobDoneRequest
	if err := json.Unmarshal(payload, &req); err != nil {
		return nil, fmt.Errorf("unmarshal JOB_DONE: %w", err)
	}

	if err := s.store.UpdateJobStatus(req.JobID, req.Status); err != nil {
		return nil, err
	}
	if req.Status == types.JobFailed && req.FailureReason != "" {
		_ = s.store.SetFailureReason(req.JobID, req.FailureReason)
	}
	statPayload, _ := json.Marshal(statusPayload{JobID: req.JobID, Status: req.Status})
	if err := s.wal.Append(wal.EventJobStatusChanged, uint64(req.JobID), "", statPayload); err != nil {
		return nil, schederr.WrapTransient("append JOB_STATUS_CHANGED", err)
	}

	return rpc.JobDoneResponse{OK: true}, nil
}

// Control-plane handlers back internal/cli's --master mode (spec §6.2):
// they call the exact same Scheduler methods the CLI calls directly in
// local mode, so remote and local dispatch never diverge in semantics.

func (s *Scheduler) handleSchedulerEnqueue(payload json.RawMessage) (interface{}, error) {
	var req rpc.SchedulerEnqueueRequest
	if err := json.Unmarshal(payload, &req); err != nil {
		return nil, fmt.Errorf("unmarshal SCHEDULER_ENQUEUE: %w", err)
	}
	id, err := s.EnqueueJob(req.Job)
	if err != nil {
		return nil, err
	}
	return rpc.SchedulerEnqueueResponse{JobID: id}, nil
}

func (s *Scheduler) handleSchedulerList(payload json.RawMessage) (interface{}, error) {
	var req rpc.SchedulerListRequest
	if err := json.Unmarshal(payload, &req); err != nil {
		return nil, fmt.Errorf("unmarshal SCHEDULER_LIST: %w", err)
	}
	return rpc.SchedulerListResponse{Jobs: s.ListJobs(req.Status, req.MinPriority, req.Limit)}, nil
}

func (s *Scheduler) handleSchedulerStatus(payload json.RawMessage) (interface{}, error) {
	var req rpc.SchedulerStatusRequest
	if err := json.Unmarshal(payload, &req); err != nil {
		return nil, fmt.Errorf("unmarshal SCHEDULER_STATUS: %w", err)
	}
	j := s.GetJob(req.JobID)
	if j == nil {
		return nil, schederr.UnknownEntity(fmt.Sprintf("job %d not found", req.JobID))
	}
	return rpc.SchedulerStatusResponse{Job: j}, nil
}

func (s *Scheduler) handleSchedulerCancel(payload json.RawMessage) (interface{}, error) {
	var req rpc.SchedulerCancelRequest
	if err := json.Unmarshal(payload, &req); err != nil {
		return nil, fmt.Errorf("unmarshal SCHEDULER_CANCEL: %w", err)
	}
	if err := s.CancelJob(req.JobID); err != nil {
		return nil, err
	}
	return rpc.SchedulerCancelResponse{OK: true}, nil
}

func (s *Scheduler) handleSchedulerWorkers(payload json.RawMessage) (interface{}, error) {
	var req rpc.SchedulerWorkersRequest
	if err := json.Unmarshal(payload, &req); err != nil {
		return nil, fmt.Errorf("unmarshal SCHEDULER_WORKERS: %w", err)
	}
	return rpc.SchedulerWorkersResponse{Workers: s.ListWorkers(req.Status)}, nil
}

func (s *Scheduler) handleSchedulerStats(payload json.RawMessage) (interface{}, error) {
	return rpc.SchedulerStatsResponse{Counts: s.Stats(), Uptime: s.Uptime().Seconds()}, nil
}
