package jobs_test

import (
	"testing"

	"github.com/bastionlabs/harbor/internal/jobs"
)

func TestRegisterAndGetHandle(t *testing.T) {
	m := jobs.NewManager()
	m.Register(&jobs.Job{JobID: "job-1", UserID: "u1", Title: "t", TokenOpaqueHandle: "tok-1"})

	got, err := m.GetHandle("job-1")
	if err != nil {
		t.Fatalf("GetHandle: %v", err)
	}
	if got.State != jobs.StatePending {
		t.Fatalf("expected new job to start pending, got %s", got.State)
	}
}

func TestGetHandleUnknownJobReturnsNotFound(t *testing.T) {
	m := jobs.NewManager()
	if _, err := m.GetHandle("nope"); err != jobs.ErrJobNotFound {
		t.Fatalf("expected ErrJobNotFound, got %v", err)
	}
}

func TestTransitionRejectsLeavingTerminalState(t *testing.T) {
	m := jobs.NewManager()
	m.Register(&jobs.Job{JobID: "job-1"})
	if err := m.Transition("job-1", jobs.StateCompleted); err != nil {
		t.Fatalf("Transition to completed: %v", err)
	}
	err := m.Transition("job-1", jobs.StateInProgress)
	if err == nil {
		t.Fatal("expected an error transitioning out of a terminal state")
	}
	var invalid *jobs.ErrInvalidTransition
	if !errorsAs(err, &invalid) {
		t.Fatalf("expected *ErrInvalidTransition, got %T: %v", err, err)
	}
}

func TestCompleteJobRevokesTokenAndTearsDownContainer(t *testing.T) {
	m := jobs.NewManager()
	var revokedToken, torndownContainer string
	m.RevokeToken = func(tok string) { revokedToken = tok }
	m.TeardownContainer = func(id string) { torndownContainer = id }

	m.Register(&jobs.Job{JobID: "job-1", TokenOpaqueHandle: "tok-1", ContainerID: "c-1"})
	if err := m.CompleteJob("job-1", jobs.Result{Success: true}); err != nil {
		t.Fatalf("CompleteJob: %v", err)
	}

	got, _ := m.GetHandle("job-1")
	if got.State != jobs.StateCompleted {
		t.Fatalf("expected StateCompleted, got %s", got.State)
	}
	if got.CompletedAt.IsZero() {
		t.Fatal("expected CompletedAt to be set")
	}
	if revokedToken != "tok-1" {
		t.Fatalf("expected token tok-1 to be revoked, got %q", revokedToken)
	}
	if torndownContainer != "c-1" {
		t.Fatalf("expected container c-1 to be torn down, got %q", torndownContainer)
	}
}

func TestCompleteJobOnFailureSetsFailedState(t *testing.T) {
	m := jobs.NewManager()
	m.Register(&jobs.Job{JobID: "job-1"})
	if err := m.CompleteJob("job-1", jobs.Result{Success: false, Message: "boom"}); err != nil {
		t.Fatalf("CompleteJob: %v", err)
	}
	got, _ := m.GetHandle("job-1")
	if got.State != jobs.StateFailed {
		t.Fatalf("expected StateFailed, got %s", got.State)
	}
}

func TestCompleteJobIsIdempotent(t *testing.T) {
	m := jobs.NewManager()
	calls := 0
	m.RevokeToken = func(string) { calls++ }
	m.Register(&jobs.Job{JobID: "job-1", TokenOpaqueHandle: "tok-1"})

	if err := m.CompleteJob("job-1", jobs.Result{Success: true}); err != nil {
		t.Fatalf("first CompleteJob: %v", err)
	}
	if err := m.CompleteJob("job-1", jobs.Result{Success: true}); err != nil {
		t.Fatalf("second CompleteJob: %v", err)
	}
	if calls != 1 {
		t.Fatalf("expected RevokeToken to be called exactly once, got %d", calls)
	}
}

func errorsAs(err error, target **jobs.ErrInvalidTransition) bool {
	it, ok := err.(*jobs.ErrInvalidTransition)
	if ok {
		*target = it
	}
	return ok
}
