// ============================================================================
// Fawkes Snapshot Manager - Scheduler State Persistence
// ============================================================================
//
// Package: internal/snapshot
// File: snapshot_manager.go
// Purpose: Periodic Scheduler Store saves for fast controller recovery
// (spec §4.1, §6.6).
//
// Paired with internal/storage/wal: on a clean interval (or before WAL
// rotation), the controller snapshots the full Store — jobs, workers,
// queue, assignments, crashes — so that on restart it can load the
// snapshot and replay only the WAL events written since, instead of
// replaying the store's entire history.
//
// Atomic writes: write to a .tmp file, then os.Rename over the real
// path. os.Rename is atomic on POSIX, so a snapshot is either complete
// or the previous one is still intact — never a half-written file.
//
// Adapted from the teacher's internal/snapshot/snapshot_manager.go:
// same atomic-write/schema-version mechanics, generalized from a
// job-only SnapshotData to the full types.SnapshotData (jobs, workers,
// queue, assignments, crashes, id/seq counters).
// ============================================================================

package snapshot

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"sync"
	"time"

	"github.com/fawkes-project/fawkes/pkg/types"
)

// ============================================================================
// Error Definitions
// ============================================================================

var (
	ErrCorruptedSnapshot   = errors.New("snapshot file is corrupted")
	ErrIncompatibleVersion = errors.New("snapshot schema version is incompatible")
	ErrSnapshotNotFound    = errors.New("snapshot file not found")
)

// ============================================================================
// Data Structure Definitions
// ============================================================================

// Manager handles snapshot persistence
type Manager struct {
	path string     // Snapshot file path
	mu   sync.Mutex // Protects file operations
}

// Uses pkg/types.SnapshotData (defined in pkg/types/types.go): Jobs,
// Workers, Queue, Assignments, Crashes, the id/seq counters, SchemaVer
// and LastSeq.

// ============================================================================
// Core Method Implementation
// ============================================================================

// NewManager creates a snapshot manager instance
func NewManager(path string) *Manager {
	return &Manager{
		path: path,
	}
}

// Write atomically writes snapshot to disk
//
// Atomic write process:
// 1. Write to temp file (.tmp)
// 2. Use os.Rename to atomically replace original
//
// Parameters:
//   - data: Snapshot data (uses pkg/types.SnapshotData)
//
// Returns:
//   - error: Error on write failure
func (m *Manager) Write(data types.SnapshotData) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	// Set version number (currently 1)
	data.SchemaVer = 1

	// Serialize to JSON (indented for readability and debugging)
	jsonBytes, err := json.MarshalIndent(data, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal snapshot: %w", err)
	}

	// Atomic write process
	tmpPath := m.path + ".tmp"

	// 1. Write to temp file
	if err := os.WriteFile(tmpPath, jsonBytes, 0644); err != nil {
		return fmt.Errorf("failed to write temp snapshot: %w", err)
	}

	// 2. Atomic rename (critical step)
	if err := os.Rename(tmpPath, m.path); err != nil {
		// Rename failed, cleanup temp file
		os.Remove(tmpPath)
		return fmt.Errorf("failed to rename snapshot: %w", err)
	}

	return nil
}

// Load reads snapshot from disk
//
// Behavior:
//   - Returns empty SnapshotData if file doesn't exist (first startup)
//   - Validates schema version compatibility
//   - Detects corrupted snapshot files
//
// Returns:
//   - types.SnapshotData: Snapshot data
//   - error: Error on load failure or version incompatibility
func (m *Manager) Load() (types.SnapshotData, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var data types.SnapshotData

	// Read file
	jsonBytes, err := os.ReadFile(m.path)
	if err != nil {
		if os.IsNotExist(err) {
			// First startup, no snapshot, return empty state
			return emptySnapshotData(), nil
		}
		return data, fmt.Errorf("failed to read snapshot: %w", err)
	}

	// Deserialize
	if err := json.Unmarshal(jsonBytes, &data); err != nil {
		return data, fmt.Errorf("%w: %v", ErrCorruptedSnapshot, err)
	}

	// Validate version
	if data.SchemaVer != 1 {
		return data, fmt.Errorf("%w: got %d, want 1", ErrIncompatibleVersion, data.SchemaVer)
	}

	// Ensure maps are never nil, regardless of what was actually
	// persisted (an empty map marshals to {} but a genuinely absent
	// key unmarshals to nil).
	if data.Jobs == nil {
		data.Jobs = make(map[types.JobID]*types.Job)
	}
	if data.Workers == nil {
		data.Workers = make(map[string]*types.Worker)
	}
	if data.Assignments == nil {
		data.Assignments = make(map[types.JobID]*types.Assignment)
	}
	if data.Crashes == nil {
		data.Crashes = make(map[uint64]*types.CrashRecord)
	}

	return data, nil
}

func emptySnapshotData() types.SnapshotData {
	return types.SnapshotData{
		Jobs:        make(map[types.JobID]*types.Job),
		Workers:     make(map[string]*types.Worker),
		Assignments: make(map[types.JobID]*types.Assignment),
		Crashes:     make(map[uint64]*types.CrashRecord),
		SchemaVer:   1,
	}
}

// Exists checks if snapshot file exists
func (m *Manager) Exists() bool {
	_, err := os.Stat(m.path)
	return err == nil
}

// GetPath returns snapshot file path (for testing and debugging)
func (m *Manager) GetPath() string {
	return m.path
}

// WriteWithBackup renames any existing snapshot aside (timestamped) before
// writing the new one, so a bad snapshot write leaves a recoverable prior
// copy on disk instead of nothing.
func (m *Manager) WriteWithBackup(data types.SnapshotData) error {
	m.mu.Lock()
	if m.Exists() {
		backupPath := fmt.Sprintf("%s.%s", m.path, time.Now().Format("20060102_150405"))
		if err := os.Rename(m.path, backupPath); err != nil {
			m.mu.Unlock()
			return fmt.Errorf("failed to backup old snapshot: %w", err)
		}
	}
	m.mu.Unlock()

	return m.Write(data)
}
