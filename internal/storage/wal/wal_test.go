package wal

import (
	"bytes"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/fawkes-project/fawkes/pkg/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestWAL(t *testing.T) (*WAL, string) {
	t.Helper()
	path := filepath.Join(t.TempDir(), "test.wal")
	w, err := NewWAL(path, 4, 5*time.Millisecond)
	require.NoError(t, err)
	t.Cleanup(func() { _ = w.Close() })
	return w, path
}

func TestAppend_AssignsMonotonicSeq(t *testing.T) {
	w, _ := newTestWAL(t)

	require.NoError(t, w.Append(EventJobAdded, 1, "", []byte(`{}`)))
	require.NoError(t, w.Append(EventJobAdded, 2, "", []byte(`{}`)))

	assert.Equal(t, uint64(2), w.GetLastSeq())
}

func TestReplay_InOrderWithValidChecksums(t *testing.T) {
	w, path := newTestWAL(t)

	require.NoError(t, w.Append(EventJobAdded, 1, "", []byte(`{"a":1}`)))
	require.NoError(t, w.Append(EventWorkerRegistered, 0, "worker-1", []byte(`{"b":2}`)))
	require.NoError(t, w.Close())

	w2, err := NewWAL(path, 4, 5*time.Millisecond)
	require.NoError(t, err)
	defer w2.Close()

	var seen []EventType
	err = w2.Replay(func(e *Event) error {
		seen = append(seen, e.Type)
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, []EventType{EventJobAdded, EventWorkerRegistered}, seen)
}

func TestVerifyChecksum_DetectsTamper(t *testing.T) {
	event := Event{Seq: 1, Type: EventJobAdded, JobID: types.JobID(1), Timestamp: time.Now().UnixMilli(), Payload: []byte(`{}`)}
	event.Checksum = CalculateChecksum(event.Type, uint64(event.JobID), event.WorkerID, event.Seq, event.Payload)
	assert.True(t, VerifyChecksum(event))

	event.Checksum = 0xDEADBEEF
	assert.False(t, VerifyChecksum(event))
}

func TestReplay_ChecksumMismatchReturnsChecksumError(t *testing.T) {
	w, path := newTestWAL(t)
	require.NoError(t, w.Append(EventJobAdded, 1, "", []byte(`{}`)))
	require.NoError(t, w.Close())

	raw, err := os.ReadFile(path)
	require.NoError(t, err)
	tampered := bytes.Replace(raw, []byte(`"job_id":1`), []byte(`"job_id":9`), 1)
	require.NoError(t, os.WriteFile(path, tampered, 0644))

	w2, err := NewWAL(path, 4, 5*time.Millisecond)
	require.NoError(t, err)
	defer w2.Close()

	err = w2.Replay(func(e *Event) error { return nil })
	require.Error(t, err)
	var checksumErr *ChecksumError
	assert.True(t, errors.As(err, &checksumErr))
}

func TestNewWAL_ResumesSeqAcrossRestart(t *testing.T) {
	path := filepath.Join(t.TempDir(), "test.wal")
	w, err := NewWAL(path, 4, 5*time.Millisecond)
	require.NoError(t, err)
	require.NoError(t, w.Append(EventJobAdded, 1, "", []byte(`{}`)))
	require.NoError(t, w.Append(EventJobAdded, 2, "", []byte(`{}`)))
	require.NoError(t, w.Close())

	w2, err := NewWAL(path, 4, 5*time.Millisecond)
	require.NoError(t, err)
	defer w2.Close()
	assert.Equal(t, uint64(2), w2.GetLastSeq())

	require.NoError(t, w2.Append(EventJobAdded, 3, "", []byte(`{}`)))
	assert.Equal(t, uint64(3), w2.GetLastSeq())
}

func TestRotate_StartsFreshFileAtSeqZero(t *testing.T) {
	w, path := newTestWAL(t)
	require.NoError(t, w.Append(EventJobAdded, 1, "", []byte(`{}`)))
	require.NoError(t, w.Rotate())

	assert.Equal(t, uint64(0), w.GetLastSeq())

	require.NoError(t, w.Append(EventJobAdded, 2, "", []byte(`{}`)))
	assert.Equal(t, uint64(1), w.GetLastSeq())

	stats, err := WALStats(path)
	require.NoError(t, err)
	assert.Equal(t, 1, stats.TotalEvents)
}

func TestAppend_AfterCloseReturnsErrWALClosed(t *testing.T) {
	w, _ := newTestWAL(t)
	require.NoError(t, w.Close())

	err := w.Append(EventJobAdded, 1, "", []byte(`{}`))
	assert.True(t, errors.Is(err, ErrWALClosed))
}

func TestGetLastEvent_EmptyFileReturnsErrEmptyWAL(t *testing.T) {
	path := filepath.Join(t.TempDir(), "missing.wal")
	_, err := GetLastEvent(path)
	assert.ErrorIs(t, err, ErrEmptyWAL)
}

func TestWALStats_NoFileReturnsZeroStats(t *testing.T) {
	path := filepath.Join(t.TempDir(), "missing.wal")
	stats, err := WALStats(path)
	require.NoError(t, err)
	assert.Equal(t, 0, stats.TotalEvents)
}
