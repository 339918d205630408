// ============================================================================
// Fawkes RPC — wire framing
// ============================================================================
//
// Package: internal/rpc
// Purpose: Controller<->Worker transport (spec §6.1): "request/response
// over TCP, length-prefixed JSON frames." No gRPC/protobuf here — the
// teacher's generated api/proto/v1 stubs don't exist in this tree, and
// the spec mandates this exact wire format, so Frame is a 4-byte
// big-endian length prefix followed by a JSON-encoded Envelope.
//
// Grounded on the teacher's use of encoding/json throughout
// internal/storage/wal for event encoding; this package applies the
// same "json.Encoder/Decoder over an io.ReadWriter" idiom to a
// request/response frame instead of an append-only log.
// ============================================================================

package rpc

import (
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"io"
)

// MaxFrameSize bounds a single frame to guard against a malformed or
// hostile peer claiming an enormous length prefix.
const MaxFrameSize = 64 * 1024 * 1024

// Op names the RPC operations defined in spec §6.1.
type Op string

const (
	OpHello       Op = "HELLO"
	OpHeartbeat   Op = "HEARTBEAT"
	OpAcceptJob   Op = "ACCEPT_JOB"
	OpCancelJob   Op = "CANCEL_JOB"
	OpReportCrash Op = "REPORT_CRASH"
	OpJobDone     Op = "JOB_DONE"

	// Control-plane ops, spoken by internal/cli in remote (--master) mode.
	OpSchedulerEnqueue Op = "SCHEDULER_ENQUEUE"
	OpSchedulerList    Op = "SCHEDULER_LIST"
	OpSchedulerStatus  Op = "SCHEDULER_STATUS"
	OpSchedulerCancel  Op = "SCHEDULER_CANCEL"
	OpSchedulerWorkers Op = "SCHEDULER_WORKERS"
	OpSchedulerStats   Op = "SCHEDULER_STATS"
)

// Envelope is the JSON payload carried by every frame. Requests set Op
// and Payload; responses set Payload and, on failure, the error fields
// (spec §7: "RPC returns {ok: false, error_kind, error_message}").
type Envelope struct {
	Op           Op              `json:"op,omitempty"`
	Payload      json.RawMessage `json:"payload,omitempty"`
	OK           bool            `json:"ok"`
	ErrorKind    string          `json:"error_kind,omitempty"`
	ErrorMessage string          `json:"error_message,omitempty"`
}

var ErrFrameTooLarge = errors.New("rpc: frame exceeds MaxFrameSize")

// WriteFrame writes a length-prefixed JSON encoding of env to w.
func WriteFrame(w io.Writer, env Envelope) error {
	body, err := json.Marshal(env)
	if err != nil {
		return fmt.Errorf("rpc: marshal envelope: %w", err)
	}
	if len(body) > MaxFrameSize {
		return ErrFrameTooLarge
	}
	var header [4]byte
	binary.BigEndian.PutUint32(header[:], uint32(len(body)))
	if _, err := w.Write(header[:]); err != nil {
		return fmt.Errorf("rpc: write frame header: %w", err)
	}
	if _, err := w.Write(body); err != nil {
		return fmt.Errorf("rpc: write frame body: %w", err)
	}
	return nil
}

// ReadFrame reads one length-prefixed JSON frame from r.
func ReadFrame(r io.Reader) (Envelope, error) {
	var header [4]byte
	if _, err := io.ReadFull(r, header[:]); err != nil {
		return Envelope{}, err
	}
	size := binary.BigEndian.Uint32(header[:])
	if size > MaxFrameSize {
		return Envelope{}, ErrFrameTooLarge
	}
	body := make([]byte, size)
	if _, err := io.ReadFull(r, body); err != nil {
		return Envelope{}, fmt.Errorf("rpc: read frame body: %w", err)
	}
	var env Envelope
	if err := json.Unmarshal(body, &env); err != nil {
		return Envelope{}, fmt.Errorf("rpc: unmarshal envelope: %w", err)
	}
	return env, nil
}
