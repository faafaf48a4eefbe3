// Package jobevent defines the job event envelope C6 accepts from workers:
// an append-only, per-job ordered record, adapted from the teacher's
// generic Source/Type/Payload envelope (common/spec/envelope) to the
// job-scoped Job/EventType/Data shape the job-event data model names.
package jobevent

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"
)

// Type is one of the recognized event kinds a worker may submit. The set
// is open-ended ("…" in the data model) — Validate only rejects an empty
// Type, not an unrecognized one, so a worker can introduce a new kind
// without a host-side schema change.
type Type string

const (
	TypeMessage    Type = "message"
	TypeToolUse    Type = "tool_use"
	TypeToolResult Type = "tool_result"
	TypeStatus     Type = "status"
	TypeResult     Type = "result"
)

// Event is one append-only record in a job's event log.
type Event struct {
	JobID     string          `json:"job_id"`
	Seq       uint64          `json:"seq"`
	EventType Type            `json:"event_type"`
	Data      json.RawMessage `json:"data"`
	CreatedAt time.Time       `json:"created_at"`
}

// Validate reports whether e is well-formed enough to persist and fan
// out: a non-empty JobID and EventType, and a non-zero CreatedAt.
func (e *Event) Validate() error {
	if e.JobID == "" {
		return errors.New("jobevent: job_id is required")
	}
	if e.EventType == "" {
		return errors.New("jobevent: event_type is required")
	}
	if e.CreatedAt.IsZero() {
		return errors.New("jobevent: created_at is required")
	}
	return nil
}

// Parse decodes a wire-format event body; it does not call Validate.
// job_id, seq and createdAt are stamped by the caller (the orchestrator)
// rather than trusted from the wire, since a worker has no way to know
// the job's next sequence number.
func Parse(data []byte) (*Event, error) {
	var e Event
	if err := json.Unmarshal(data, &e); err != nil {
		return nil, fmt.Errorf("jobevent: decode: %w", err)
	}
	return &e, nil
}

// WireEvent is the shape a subscriber (SSE/WebSocket) receives. The
// event-type → wire-kind projection is fixed by the orchestrator API:
// message → response, tool_use → tool_started, tool_result → tool_result,
// result → status, anything else → status carrying the raw message.
type WireEvent struct {
	Kind  string          `json:"kind"`
	JobID string          `json:"job_id"`
	Seq   uint64          `json:"seq"`
	Data  json.RawMessage `json:"data"`
}

// ProjectWire maps e onto the wire event kind a subscriber sees.
func ProjectWire(e *Event) WireEvent {
	kind := "status"
	switch e.EventType {
	case TypeMessage:
		kind = "response"
	case TypeToolUse:
		kind = "tool_started"
	case TypeToolResult:
		kind = "tool_result"
	case TypeResult:
		kind = "status"
	}
	return WireEvent{Kind: kind, JobID: e.JobID, Seq: e.Seq, Data: e.Data}
}
