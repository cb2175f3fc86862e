// Package realtime implements the worker's persistent channel to the
// finetune.build control plane. Messages are Frames carried over a
// WebSocket; sequenced frames are buffered until acknowledged and replayed
// after a reconnect, with duplicate suppression on the receiving side.
package realtime

import (
	"encoding/json"
	"time"
)

// FrameType identifies the frame category.
type FrameType string

const (
	// FrameHello opens a session. Sent by the worker after dialing.
	FrameHello FrameType = "hello"
	// FrameHelloAck confirms the session and carries the negotiated
	// format plus the server's last received sequence number.
	FrameHelloAck FrameType = "hello_ack"
	// FrameJobAssign delivers a job to the worker.
	FrameJobAssign FrameType = "job_assign"
	// FrameJobStatus reports a job state change to the server.
	FrameJobStatus FrameType = "job_status"
	// FrameCancel requests cancellation of a running job.
	FrameCancel FrameType = "cancel"
	// FrameHeartbeat is a periodic liveness signal in either direction.
	FrameHeartbeat FrameType = "heartbeat"
	// FrameLog streams job log output to the server.
	FrameLog FrameType = "log"
	// FrameAck acknowledges received sequenced frames.
	FrameAck FrameType = "ack"
	// FrameClose tells the worker to shut down gracefully.
	FrameClose FrameType = "close"
)

// Frame is the channel message envelope. Frames that carry session data
// (job_assign, job_status, cancel, log) are sequenced: Seq is assigned by
// the sender, monotonically per session, and the frame is retained until
// the peer acknowledges it. Control frames (hello, heartbeat, ack) have
// Seq zero and are never replayed.
type Frame struct {
	// Type categorizes the frame.
	Type FrameType `json:"type" msgpack:"type"`

	// Seq is the sender-assigned sequence number for sequenced frames.
	Seq uint64 `json:"seq,omitempty" msgpack:"seq,omitempty"`

	// Ack is the highest sequence number the sender has received.
	Ack uint64 `json:"ack,omitempty" msgpack:"ack,omitempty"`

	// Payload carries the type-specific body.
	Payload json.RawMessage `json:"payload,omitempty" msgpack:"payload,omitempty"`

	// Timestamp records when this frame was created.
	Timestamp time.Time `json:"ts" msgpack:"ts"`
}

// Sequenced reports whether this frame type participates in the
// ack/replay protocol.
func (t FrameType) Sequenced() bool {
	switch t {
	case FrameJobAssign, FrameJobStatus, FrameCancel, FrameLog:
		return true
	default:
		return false
	}
}

// ── Payloads ───────────────────────────────────────

// Hello opens a session.
type Hello struct {
	WorkerID string `json:"worker_id"`
	// Format requests a frame encoding ("json" or "msgpack").
	Format string `json:"format,omitempty"`
	// LastSeq is the highest server sequence number the worker has
	// processed, letting the server skip frames the worker already has.
	LastSeq uint64 `json:"last_seq"`
}

// HelloAck confirms the session.
type HelloAck struct {
	SessionID string `json:"session_id"`
	Format    string `json:"format"`
	// LastSeq is the highest worker sequence number the server has
	// processed; anything newer is replayed by the worker.
	LastSeq uint64 `json:"last_seq"`
}

// JobAssign delivers a job to the worker.
type JobAssign struct {
	JobID    string          `json:"job_id"`
	Kind     string          `json:"kind"`
	Payload  json.RawMessage `json:"payload"`
	Priority int             `json:"priority,omitempty"`
}

// JobStatus reports a job state change.
type JobStatus struct {
	JobID   string `json:"job_id"`
	State   string `json:"state"`
	Attempt int    `json:"attempt,omitempty"`
	Error   string `json:"error,omitempty"`
}

// CancelRequest asks the worker to stop a job.
type CancelRequest struct {
	JobID string `json:"job_id"`
}

// LogEntry streams one line of job output.
type LogEntry struct {
	JobID   string    `json:"job_id"`
	Level   string    `json:"level"`
	Message string    `json:"message"`
	At      time.Time `json:"at"`
}

// ── Constructors ───────────────────────────────────

// NewFrame creates an unsequenced frame with the given payload.
func NewFrame(t FrameType, payload any) (*Frame, error) {
	f := &Frame{
		Type:      t,
		Timestamp: time.Now().UTC(),
	}
	if payload != nil {
		raw, err := json.Marshal(payload)
		if err != nil {
			return nil, err
		}
		f.Payload = raw
	}
	return f, nil
}

// NewAckFrame creates an ack frame for the given sequence number.
func NewAckFrame(seq uint64) *Frame {
	return &Frame{
		Type:      FrameAck,
		Ack:       seq,
		Timestamp: time.Now().UTC(),
	}
}

// NewHeartbeatFrame creates a heartbeat frame carrying the sender's
// current receive cursor.
func NewHeartbeatFrame(ack uint64) *Frame {
	return &Frame{
		Type:      FrameHeartbeat,
		Ack:       ack,
		Timestamp: time.Now().UTC(),
	}
}
