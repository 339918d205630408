// ============================================================================
// Fawkes WAL (Write-Ahead Log)
// ============================================================================
//
// Package: internal/storage/wal
// File: wal.go
// Purpose: Durability for the Scheduler Store (spec §4.1, §6.6).
//
// Before any state-changing Scheduler Store operation (add_job,
// assign_job_to_worker, update_job_status, register_worker,
// update_worker_heartbeat, record_crash, ...) takes effect in memory, the
// operation is appended here. After a crash, the controller loads its
// last Snapshot and replays the WAL events written since, bringing the
// in-memory store back to the exact state it had before the crash
// (spec §6.6: "the store must survive controller restart with no loss of
// durable state").
//
// Adapted from the teacher's internal/storage/wal/wal.go: same
// async-batch-commit design (events accumulate in a channel-fed buffer,
// one fsync per batch instead of one per Append call), same Rotate
// mechanic (stop writer → rename → truncate+reopen → restart writer).
// Generalized from a single job-queue event stream to the full set of
// EventTypes in types.go, and GetLastEvent (left as an unimplemented
// stub in the teacher's utils.go) is implemented for real here since
// NewWAL depends on it to resume sequence numbering after a restart.
// ============================================================================

package wal

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/fawkes-project/fawkes/pkg/types"
)

// FileInterface defines the methods required for file operations; allows
// mocking file operations in tests.
type FileInterface interface {
	Write(p []byte) (n int, err error)
	Sync() error
	Close() error
}

type batchRequest struct {
	event Event
	errCh chan error
}

// WAL is a Write-Ahead Log instance with async batch commit.
type WAL struct {
	mu      sync.Mutex
	file    FileInterface
	encoder *json.Encoder
	path    string
	seq     uint64

	batchChan     chan batchRequest
	bufferSize    int
	flushInterval time.Duration
	closed        chan struct{}
	wg            sync.WaitGroup
	isClosed      bool
}

// NewWAL creates a new WAL instance with async batch commit.
//
// bufferSize is the max events per batch (e.g. 100); flushInterval is the
// max time between flushes (e.g. 10ms) even if the batch isn't full.
// bufferSize=100, flushInterval=10ms gives roughly 10,000 events/s on SSD.
func NewWAL(path string, bufferSize int, flushInterval time.Duration) (*WAL, error) {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create WAL directory: %w", err)
	}

	file, err := os.OpenFile(path, os.O_CREATE|os.O_APPEND|os.O_RDWR, 0644)
	if err != nil {
		return nil, fmt.Errorf("failed to open WAL file: %w", err)
	}

	encoder := json.NewEncoder(file)

	var seq uint64
	if lastEvent, err := GetLastEvent(path); err == nil && lastEvent != nil {
		seq = lastEvent.Seq
	} else if err != nil && err != ErrEmptyWAL {
		fmt.Printf("warning: failed to get last WAL event, starting from seq=0: %v\n", err)
	}

	if bufferSize <= 0 {
		bufferSize = 100
	}
	if flushInterval <= 0 {
		flushInterval = 10 * time.Millisecond
	}

	w := &WAL{
		file:          file,
		encoder:       encoder,
		path:          path,
		seq:           seq,
		batchChan:     make(chan batchRequest, bufferSize*2),
		bufferSize:    bufferSize,
		flushInterval: flushInterval,
		closed:        make(chan struct{}),
	}

	w.wg.Add(1)
	go w.batchWriter()

	return w, nil
}

// Append appends an event to the WAL with async batch commit: the call
// blocks until the batch containing this event has been fsynced, but
// multiple concurrent Append calls share a single fsync.
func (w *WAL) Append(eventType EventType, jobID uint64, workerID string, payload []byte) error {
	w.mu.Lock()
	w.seq++
	seq := w.seq
	w.mu.Unlock()

	timestamp := time.Now().UnixMilli()
	checksum := CalculateChecksum(eventType, jobID, workerID, seq, payload)

	event := Event{
		Seq:       seq,
		Type:      eventType,
		JobID:     types.JobID(jobID),
		WorkerID:  workerID,
		Timestamp: timestamp,
		Payload:   payload,
		Checksum:  checksum,
	}

	errCh := make(chan error, 1)
	select {
	case w.batchChan <- batchRequest{event: event, errCh: errCh}:
		return <-errCh
	case <-w.closed:
		return ErrWALClosed
	}
}

// Replay reads the WAL file from the beginning, verifies each event's
// checksum, and calls handler for each one in order. Stops immediately
// on the first error handler returns.
func (w *WAL) Replay(handler EventHandler) error {
	w.mu.Lock()
	defer w.mu.Unlock()

	file, err := os.Open(w.path)
	if err != nil {
		return fmt.Errorf("failed to open WAL for replay: %w", err)
	}
	defer file.Close()

	decoder := json.NewDecoder(file)
	for {
		var event Event
		if err := decoder.Decode(&event); err == io.EOF {
			break
		} else if err != nil {
			return &CorruptionError{Cause: err}
		}

		if !VerifyChecksum(event) {
			return &ChecksumError{Seq: event.Seq}
		}
		if err := handler(&event); err != nil {
			return err
		}
	}
	return nil
}

// Rotate closes the current WAL file, renames it as a timestamped
// backup, and starts a fresh empty file at seq 0. Called after a
// successful snapshot, since everything before the snapshot no longer
// needs replaying (spec §6.6).
func (w *WAL) Rotate() error {
	w.mu.Lock()
	if w.isClosed {
		w.mu.Unlock()
		return ErrWALClosed
	}
	w.isClosed = true
	w.mu.Unlock()

	close(w.closed)
	w.wg.Wait()

	w.mu.Lock()
	defer w.mu.Unlock()

	if err := w.file.Close(); err != nil {
		return err
	}

	backupPath := w.path + "." + time.Now().Format("20060102_150405")
	if err := os.Rename(w.path, backupPath); err != nil {
		return err
	}

	newFile, err := os.OpenFile(w.path, os.O_CREATE|os.O_RDWR|os.O_TRUNC, 0644)
	if err != nil {
		return err
	}

	w.file = newFile
	w.encoder = json.NewEncoder(newFile)
	w.seq = 0

	w.closed = make(chan struct{})
	w.wg.Add(1)
	go w.batchWriter()

	w.isClosed = false
	return nil
}

func (w *WAL) batchWriter() {
	defer w.wg.Done()

	ticker := time.NewTicker(w.flushInterval)
	defer ticker.Stop()

	batch := make([]batchRequest, 0, w.bufferSize)

	for {
		select {
		case req := <-w.batchChan:
			batch = append(batch, req)
			if len(batch) >= w.bufferSize {
				w.flushBatch(batch)
				batch = batch[:0]
			}
		case <-ticker.C:
			if len(batch) > 0 {
				w.flushBatch(batch)
				batch = batch[:0]
			}
		case <-w.closed:
			if len(batch) > 0 {
				w.flushBatch(batch)
			}
			return
		}
	}
}

// flushBatch writes every event in batch and issues a single fsync —
// N events, one fsync, the core throughput optimization.
func (w *WAL) flushBatch(batch []batchRequest) {
	w.mu.Lock()
	defer w.mu.Unlock()

	var flushErr error
	for i := range batch {
		if err := w.encoder.Encode(batch[i].event); err != nil {
			flushErr = fmt.Errorf("failed to encode event: %w", err)
			break
		}
	}
	if flushErr == nil {
		if err := w.file.Sync(); err != nil {
			flushErr = fmt.Errorf("%w: %v", ErrSyncFailed, err)
		}
	}
	for i := range batch {
		batch[i].errCh <- flushErr
		close(batch[i].errCh)
	}
}

// Close flushes any pending batch and closes the underlying file. The
// WAL instance must not be reused after Close.
func (w *WAL) Close() error {
	w.mu.Lock()
	if w.isClosed {
		w.mu.Unlock()
		return nil
	}
	w.isClosed = true
	w.mu.Unlock()

	close(w.closed)
	w.wg.Wait()

	w.mu.Lock()
	defer w.mu.Unlock()
	return w.file.Close()
}

// GetLastSeq returns the current event sequence number — recorded
// alongside a Snapshot so recovery knows where to resume replay from.
func (w *WAL) GetLastSeq() uint64 {
	if w == nil {
		return 0
	}
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.seq
}

// GetLastEvent reads the last event from the WAL file at path, used by
// NewWAL to resume sequence numbering across a restart without a
// snapshot. The teacher left this as an unimplemented stub in
// utils.go; NewWAL's correctness depends on it, so it is implemented
// here by scanning the file once at startup (a rare, cold-path cost).
func GetLastEvent(path string) (*Event, error) {
	file, err := os.Open(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, ErrEmptyWAL
		}
		return nil, err
	}
	defer file.Close()

	decoder := json.NewDecoder(file)
	var last *Event
	for {
		var event Event
		if err := decoder.Decode(&event); err == io.EOF {
			break
		} else if err != nil {
			if last != nil {
				// A trailing partial write (crash mid-Append) is
				// tolerated: resume from the last fully-written event.
				return last, nil
			}
			return nil, ErrCorruptedWAL
		}
		e := event
		last = &e
	}
	if last == nil {
		return nil, ErrEmptyWAL
	}
	return last, nil
}

// Stats is what WALStats reports for a WAL file: event count and first
// and last seq. WALStats replaces the teacher's unimplemented
// GetWALStats stub with a real, minimal scan.
type Stats struct {
	TotalEvents int
	FirstSeq    uint64
	LastSeq     uint64
}

func WALStats(path string) (*Stats, error) {
	file, err := os.Open(path)
	if err != nil {
		if os.IsNotExist(err) {
			return &Stats{}, nil
		}
		return nil, err
	}
	defer file.Close()

	decoder := json.NewDecoder(file)
	stats := &Stats{}
	for {
		var event Event
		if err := decoder.Decode(&event); err == io.EOF {
			break
		} else if err != nil {
			break
		}
		if stats.TotalEvents == 0 {
			stats.FirstSeq = event.Seq
		}
		stats.LastSeq = event.Seq
		stats.TotalEvents++
	}
	return stats, nil
}
