// Package jobs owns the job record: the orchestrator's (job_id → handle)
// mapping, generalized from the teacher's agent-handle registry to the
// job-lifecycle record shape SPEC_FULL.md §3 names.
package jobs

import "time"

// State is one node of the job lifecycle DAG.
type State string

const (
	StatePending    State = "pending"
	StateInProgress State = "in_progress"
	StateCompleted  State = "completed"
	StateSubmitted  State = "submitted"
	StateAccepted   State = "accepted"
	StateFailed     State = "failed"
	StateStuck      State = "stuck"
	StateCancelled  State = "cancelled"
)

// Terminal reports whether s is a state a job never leaves.
func (s State) Terminal() bool {
	switch s {
	case StateCompleted, StateFailed, StateCancelled:
		return true
	default:
		return false
	}
}

// Job is the (job_id → handle) record C6 owns.
type Job struct {
	JobID             string
	UserID            string
	Title             string
	Description       string
	State             State
	ProjectDir        string
	ContainerID       string
	CreatedAt         time.Time
	StartedAt         time.Time
	CompletedAt       time.Time
	EventSeq          uint64
	TokenOpaqueHandle string
}

// NextEventSeq returns the sequence number for the next event this job
// emits, without mutating the job — callers persist the increment
// themselves under the manager's lock.
func (j *Job) NextEventSeq() uint64 { return j.EventSeq + 1 }
