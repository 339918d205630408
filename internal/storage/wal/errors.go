package wal

// ============================================================================
// WAL Error Definitions
// ============================================================================

import (
	"errors"
	"fmt"
)

var (
	// ErrCorruptedWAL indicates the WAL file is corrupted (cannot parse JSON).
	ErrCorruptedWAL = errors.New("wal: file is corrupted")

	// ErrChecksumMismatch indicates a checksum mismatch (data corruption
	// or tampering).
	ErrChecksumMismatch = errors.New("wal: checksum mismatch")

	// ErrEmptyWAL indicates the WAL file is empty.
	ErrEmptyWAL = errors.New("wal: file is empty")

	// ErrWALClosed indicates the WAL is closed and cannot accept operations.
	ErrWALClosed = errors.New("wal: already closed")

	// ErrSyncFailed indicates fsync failed.
	ErrSyncFailed = errors.New("wal: sync to disk failed")
)

// ChecksumError carries the detail behind ErrChecksumMismatch.
type ChecksumError struct {
	Seq      uint64
	Expected uint32
	Actual   uint32
}

func (e *ChecksumError) Error() string {
	return fmt.Sprintf("wal: checksum mismatch at seq=%d (expected=0x%x, got=0x%x)", e.Seq, e.Expected, e.Actual)
}

func (e *ChecksumError) Is(target error) bool { return target == ErrChecksumMismatch }

// CorruptionError carries the detail behind ErrCorruptedWAL.
type CorruptionError struct {
	Seq    uint64
	Offset int64
	Cause  error
}

func (e *CorruptionError) Error() string {
	return fmt.Sprintf("wal: corrupted record at seq=%d offset=%d: %v", e.Seq, e.Offset, e.Cause)
}

func (e *CorruptionError) Unwrap() error { return e.Cause }

func (e *CorruptionError) Is(target error) bool { return target == ErrCorruptedWAL }
