package store_test

import (
	"context"
	"encoding/json"
	"os"
	"testing"
	"time"

	"github.com/bastionlabs/harbor/internal/jobs"
	"github.com/bastionlabs/harbor/internal/orchestrator/jobevent"
	"github.com/bastionlabs/harbor/internal/store"
)

func newTestStore(t *testing.T) *store.Store {
	t.Helper()
	f, err := os.CreateTemp(t.TempDir(), "harbor-test-*.db")
	if err != nil {
		t.Fatalf("create temp db file: %v", err)
	}
	f.Close()

	s, err := store.New(f.Name())
	if err != nil {
		t.Fatalf("store.New: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func TestSaveAndGetJobRoundTrips(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	j := jobs.Job{
		JobID:       "job-1",
		UserID:      "user-1",
		Title:       "t",
		Description: "d",
		State:       jobs.StatePending,
		CreatedAt:   time.Now().UTC().Truncate(time.Second),
	}
	if err := s.SaveJob(ctx, j); err != nil {
		t.Fatalf("SaveJob: %v", err)
	}

	got, err := s.GetJob(ctx, "job-1")
	if err != nil {
		t.Fatalf("GetJob: %v", err)
	}
	if got.Title != "t" || got.Description != "d" || got.State != jobs.StatePending {
		t.Fatalf("unexpected job: %+v", got)
	}
}

func TestGetJobUnknownReturnsErrJobNotFound(t *testing.T) {
	s := newTestStore(t)
	if _, err := s.GetJob(context.Background(), "ghost"); err != store.ErrJobNotFound {
		t.Fatalf("expected ErrJobNotFound, got %v", err)
	}
}

func TestSaveJobIsUpsert(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	j := jobs.Job{JobID: "job-1", UserID: "u", Title: "t", Description: "d", State: jobs.StatePending, CreatedAt: time.Now().UTC()}
	if err := s.SaveJob(ctx, j); err != nil {
		t.Fatalf("SaveJob: %v", err)
	}
	j.State = jobs.StateInProgress
	j.Title = "updated"
	if err := s.SaveJob(ctx, j); err != nil {
		t.Fatalf("SaveJob (update): %v", err)
	}

	got, err := s.GetJob(ctx, "job-1")
	if err != nil {
		t.Fatalf("GetJob: %v", err)
	}
	if got.State != jobs.StateInProgress || got.Title != "updated" {
		t.Fatalf("expected upsert to apply, got %+v", got)
	}

	all, err := s.ListJobs(ctx)
	if err != nil {
		t.Fatalf("ListJobs: %v", err)
	}
	if len(all) != 1 {
		t.Fatalf("expected exactly one job row after upsert, got %d", len(all))
	}
}

func TestUpdateJobStateStampsCompletedAtOnTerminalState(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	j := jobs.Job{JobID: "job-1", UserID: "u", Title: "t", Description: "d", State: jobs.StatePending, CreatedAt: time.Now().UTC()}
	if err := s.SaveJob(ctx, j); err != nil {
		t.Fatalf("SaveJob: %v", err)
	}
	if err := s.UpdateJobState(ctx, "job-1", jobs.StateCompleted); err != nil {
		t.Fatalf("UpdateJobState: %v", err)
	}

	got, err := s.GetJob(ctx, "job-1")
	if err != nil {
		t.Fatalf("GetJob: %v", err)
	}
	if got.State != jobs.StateCompleted {
		t.Fatalf("expected completed state, got %s", got.State)
	}
	if got.CompletedAt.IsZero() {
		t.Fatal("expected completed_at to be stamped")
	}
}

func TestJobEventsPreserveSubmissionOrder(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	j := jobs.Job{JobID: "job-1", UserID: "u", Title: "t", Description: "d", State: jobs.StatePending, CreatedAt: time.Now().UTC()}
	if err := s.SaveJob(ctx, j); err != nil {
		t.Fatalf("SaveJob: %v", err)
	}

	types := []jobevent.Type{jobevent.TypeMessage, jobevent.TypeToolUse, jobevent.TypeResult}
	for i, et := range types {
		data, _ := json.Marshal(map[string]int{"i": i})
		if err := s.SaveJobEvent(ctx, "job-1", et, data); err != nil {
			t.Fatalf("SaveJobEvent %d: %v", i, err)
		}
	}

	events, err := s.ListJobEvents(ctx, "job-1")
	if err != nil {
		t.Fatalf("ListJobEvents: %v", err)
	}
	if len(events) != len(types) {
		t.Fatalf("expected %d events, got %d", len(types), len(events))
	}
	for i, e := range events {
		if e.EventType != types[i] {
			t.Fatalf("event %d: type = %s, want %s", i, e.EventType, types[i])
		}
		if e.Seq != uint64(i+1) {
			t.Fatalf("event %d: seq = %d, want %d", i, e.Seq, i+1)
		}
	}
}

func TestTokenAuditRecordsIssueAndRevoke(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	j := jobs.Job{JobID: "job-1", UserID: "u", Title: "t", Description: "d", State: jobs.StatePending, CreatedAt: time.Now().UTC()}
	if err := s.SaveJob(ctx, j); err != nil {
		t.Fatalf("SaveJob: %v", err)
	}
	if err := s.RecordTokenIssued(ctx, "tok-1", "job-1"); err != nil {
		t.Fatalf("RecordTokenIssued: %v", err)
	}
	if err := s.RecordTokenRevoked(ctx, "tok-1"); err != nil {
		t.Fatalf("RecordTokenRevoked: %v", err)
	}
}
