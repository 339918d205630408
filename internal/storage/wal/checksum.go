package wal

// ============================================================================
// Checksum Calculation
// Responsibility: Calculate and verify CRC32 checksum for WAL events
// ============================================================================

import (
	"hash/crc32"
	"strconv"
)

// CalculateChecksum calculates the CRC32-IEEE checksum for an event from
// its type, job id, worker id, seq, and payload. Timestamp is excluded —
// it is informational and must not affect the integrity check.
func CalculateChecksum(eventType EventType, jobID uint64, workerID string, seq uint64, payload []byte) uint32 {
	data := string(eventType) + strconv.FormatUint(jobID, 10) + workerID + strconv.FormatUint(seq, 10)
	h := crc32.NewIEEE()
	h.Write([]byte(data))
	h.Write(payload)
	return h.Sum32()
}

// VerifyChecksum recomputes the checksum for event and compares it to the
// stored value.
func VerifyChecksum(event Event) bool {
	expected := CalculateChecksum(event.Type, uint64(event.JobID), event.WorkerID, event.Seq, event.Payload)
	return event.Checksum == expected
}
