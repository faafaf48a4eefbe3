package jobs

import (
	"errors"
	"fmt"
	"sync"
	"time"
)

// ErrJobNotFound is returned when a job_id has no registered handle.
var ErrJobNotFound = errors.New("jobs: job not found")

// ErrInvalidTransition is returned when a requested state change would
// leave the job lifecycle DAG (e.g. transitioning out of a terminal state).
type ErrInvalidTransition struct {
	From, To State
}

func (e *ErrInvalidTransition) Error() string {
	return fmt.Sprintf("jobs: invalid transition %s -> %s", e.From, e.To)
}

// Result is what complete_job records against a job.
type Result struct {
	Success bool
	Message string
}

// Manager owns the (job_id → Job) mapping and the two collaborators
// complete_job must notify: the worker token store (so a completed job's
// bearer token stops authenticating anything) and the container runner
// (so its ephemeral container is torn down). Both are plain function
// fields, following the teacher's Handlers-bundle idiom, so this package
// never imports internal/workertoken or internal/sandbox/container
// directly.
type Manager struct {
	mu   sync.RWMutex
	jobs map[string]*Job

	// RevokeToken is called with the job's token handle on completion.
	// May be nil in tests that don't exercise token revocation.
	RevokeToken func(tokenOpaqueHandle string)
	// TeardownContainer is called with the job's container ID on
	// completion, if one was recorded. May be nil.
	TeardownContainer func(containerID string)
}

// NewManager returns an empty Manager.
func NewManager() *Manager {
	return &Manager{jobs: make(map[string]*Job)}
}

// Register adds a new job record in StatePending.
func (m *Manager) Register(job *Job) {
	if job.CreatedAt.IsZero() {
		job.CreatedAt = time.Now().UTC()
	}
	if job.State == "" {
		job.State = StatePending
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.jobs[job.JobID] = job
}

// GetHandle returns a copy of the job record for jobID.
func (m *Manager) GetHandle(jobID string) (Job, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	j, ok := m.jobs[jobID]
	if !ok {
		return Job{}, ErrJobNotFound
	}
	return *j, nil
}

// Transition moves jobID to newState, rejecting any transition out of a
// terminal state (the DAG has no edges leaving {completed, failed,
// cancelled} except the no-op self-loop).
func (m *Manager) Transition(jobID string, newState State) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	j, ok := m.jobs[jobID]
	if !ok {
		return ErrJobNotFound
	}
	if j.State.Terminal() && newState != j.State {
		return &ErrInvalidTransition{From: j.State, To: newState}
	}
	if j.State == StatePending && newState == StateInProgress && j.StartedAt.IsZero() {
		j.StartedAt = time.Now().UTC()
	}
	j.State = newState
	return nil
}

// CompleteJob transitions jobID to a terminal state, stores the result,
// revokes its worker token, and initiates container teardown. success
// maps to StateCompleted, failure to StateFailed.
func (m *Manager) CompleteJob(jobID string, result Result) error {
	m.mu.Lock()
	j, ok := m.jobs[jobID]
	if !ok {
		m.mu.Unlock()
		return ErrJobNotFound
	}
	if j.State.Terminal() {
		m.mu.Unlock()
		return nil // already terminal; complete_job is idempotent
	}

	final := StateFailed
	if result.Success {
		final = StateCompleted
	}
	j.State = final
	j.CompletedAt = time.Now().UTC()

	tokenHandle := j.TokenOpaqueHandle
	containerID := j.ContainerID
	m.mu.Unlock()

	if m.RevokeToken != nil && tokenHandle != "" {
		m.RevokeToken(tokenHandle)
	}
	if m.TeardownContainer != nil && containerID != "" {
		m.TeardownContainer(containerID)
	}
	return nil
}

// BumpEventSeq increments and returns jobID's event sequence counter.
// The orchestrator calls this once per accepted job event so broadcast
// events carry a monotonic, gap-free per-job sequence. Persisted events
// are numbered separately by internal/store from its own table.
func (m *Manager) BumpEventSeq(jobID string) (uint64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	j, ok := m.jobs[jobID]
	if !ok {
		return 0, ErrJobNotFound
	}
	j.EventSeq++
	return j.EventSeq, nil
}

// List returns a snapshot of every registered job.
func (m *Manager) List() []Job {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]Job, 0, len(m.jobs))
	for _, j := range m.jobs {
		out = append(out, *j)
	}
	return out
}
