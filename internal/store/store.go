// Package store is the CORE's concrete persistence layer (§6.5): a
// single SQLite-backed implementation of the Database contract the
// orchestrator consumes for job and event durability across restarts.
// Adapted from the teacher's internal/ruriko/store package — same
// single-connection-serializes-writers posture, same go:embed migration
// runner — retargeted from agent/gosuto/audit records to job/job-event
// records.
package store

import (
	"context"
	"database/sql"
	"embed"
	"encoding/json"
	"fmt"
	"log/slog"
	"path/filepath"
	"sort"
	"strings"
	"time"

	_ "modernc.org/sqlite" // SQLite driver

	"github.com/bastionlabs/harbor/internal/jobs"
	"github.com/bastionlabs/harbor/internal/orchestrator/jobevent"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

// Store wraps the database connection. SQLite is single-writer by
// design; a single shared *sql.DB connection serializes callers instead
// of letting multiple underlying connections fight for the write lock.
type Store struct {
	db *sql.DB
}

// New opens dbPath and runs any pending migrations.
func New(dbPath string) (*Store, error) {
	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("store: open database: %w", err)
	}
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	if _, err := db.Exec("PRAGMA foreign_keys = ON"); err != nil {
		db.Close()
		return nil, fmt.Errorf("store: enable foreign keys: %w", err)
	}

	pragmas := []string{
		"PRAGMA journal_mode = WAL",
		"PRAGMA synchronous = NORMAL",
		"PRAGMA cache_size = -64000",
		"PRAGMA busy_timeout = 5000",
	}
	for _, pragma := range pragmas {
		if _, err := db.Exec(pragma); err != nil {
			db.Close()
			return nil, fmt.Errorf("store: set pragma %q: %w", pragma, err)
		}
	}

	s := &Store{db: db}
	if err := s.runMigrations(); err != nil {
		db.Close()
		return nil, fmt.Errorf("store: run migrations: %w", err)
	}
	return s, nil
}

// Close closes the underlying database connection.
func (s *Store) Close() error {
	return s.db.Close()
}

// DB returns the underlying connection for callers that need a raw query.
func (s *Store) DB() *sql.DB {
	return s.db
}

func (s *Store) runMigrations() error {
	if _, err := s.db.Exec(`
		CREATE TABLE IF NOT EXISTS schema_migrations (
			version INTEGER PRIMARY KEY,
			applied_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP,
			description TEXT NOT NULL
		)
	`); err != nil {
		return fmt.Errorf("create migrations table: %w", err)
	}

	var currentVersion int
	if err := s.db.QueryRow("SELECT COALESCE(MAX(version), 0) FROM schema_migrations").Scan(&currentVersion); err != nil {
		return fmt.Errorf("get current schema version: %w", err)
	}

	entries, err := migrationsFS.ReadDir("migrations")
	if err != nil {
		return fmt.Errorf("read migrations directory: %w", err)
	}
	sort.Slice(entries, func(i, j int) bool { return entries[i].Name() < entries[j].Name() })

	seenVersions := make(map[int]string, len(entries))
	for _, entry := range entries {
		if entry.IsDir() || !strings.HasSuffix(entry.Name(), ".sql") {
			continue
		}
		parts := strings.SplitN(entry.Name(), "_", 2)
		if len(parts) < 2 {
			continue
		}
		var version int
		if _, err := fmt.Sscanf(parts[0], "%d", &version); err != nil {
			continue
		}
		if prev, exists := seenVersions[version]; exists {
			return fmt.Errorf("duplicate migration version %04d: %q and %q", version, prev, entry.Name())
		}
		seenVersions[version] = entry.Name()
	}

	for _, entry := range entries {
		if entry.IsDir() || !strings.HasSuffix(entry.Name(), ".sql") {
			continue
		}
		name := entry.Name()
		parts := strings.SplitN(name, "_", 2)
		if len(parts) < 2 {
			continue
		}
		var version int
		if _, err := fmt.Sscanf(parts[0], "%d", &version); err != nil {
			continue
		}
		if version <= currentVersion {
			continue
		}
		description := strings.TrimSuffix(parts[1], ".sql")

		content, err := migrationsFS.ReadFile(filepath.Join("migrations", name))
		if err != nil {
			return fmt.Errorf("read migration %s: %w", name, err)
		}

		tx, err := s.db.Begin()
		if err != nil {
			return fmt.Errorf("begin transaction for migration %d: %w", version, err)
		}
		if _, err := tx.Exec(string(content)); err != nil {
			tx.Rollback()
			return fmt.Errorf("execute migration %d: %w", version, err)
		}
		if _, err := tx.Exec(
			"INSERT INTO schema_migrations (version, applied_at, description) VALUES (?, ?, ?)",
			version, time.Now(), description,
		); err != nil {
			tx.Rollback()
			return fmt.Errorf("record migration %d: %w", version, err)
		}
		if err := tx.Commit(); err != nil {
			return fmt.Errorf("commit migration %d: %w", version, err)
		}
		slog.Info("applied migration", "version", fmt.Sprintf("%04d", version), "description", description)
	}
	return nil
}

// --- job CRUD ---

// SaveJob upserts a job record.
func (s *Store) SaveJob(ctx context.Context, j jobs.Job) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO jobs (job_id, user_id, title, description, state, project_dir,
		                   container_id, created_at, started_at, completed_at,
		                   event_seq, token_opaque_handle)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(job_id) DO UPDATE SET
			title = excluded.title,
			description = excluded.description,
			state = excluded.state,
			project_dir = excluded.project_dir,
			container_id = excluded.container_id,
			started_at = excluded.started_at,
			completed_at = excluded.completed_at,
			event_seq = excluded.event_seq,
			token_opaque_handle = excluded.token_opaque_handle
	`, j.JobID, j.UserID, j.Title, j.Description, string(j.State), nullableString(j.ProjectDir),
		nullableString(j.ContainerID), j.CreatedAt, nullableTime(j.StartedAt), nullableTime(j.CompletedAt),
		j.EventSeq, nullableString(j.TokenOpaqueHandle))
	if err != nil {
		return fmt.Errorf("store: save job %s: %w", j.JobID, err)
	}
	return nil
}

// ErrJobNotFound is returned by GetJob when jobID has no persisted row.
var ErrJobNotFound = fmt.Errorf("store: job not found")

// GetJob loads a persisted job record.
func (s *Store) GetJob(ctx context.Context, jobID string) (*jobs.Job, error) {
	var (
		j                                    jobs.Job
		state                                string
		projectDir, containerID, tokenHandle sql.NullString
		startedAt, completedAt               sql.NullTime
	)
	err := s.db.QueryRowContext(ctx, `
		SELECT job_id, user_id, title, description, state, project_dir, container_id,
		       created_at, started_at, completed_at, event_seq, token_opaque_handle
		FROM jobs WHERE job_id = ?
	`, jobID).Scan(&j.JobID, &j.UserID, &j.Title, &j.Description, &state, &projectDir, &containerID,
		&j.CreatedAt, &startedAt, &completedAt, &j.EventSeq, &tokenHandle)
	if err == sql.ErrNoRows {
		return nil, ErrJobNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("store: get job %s: %w", jobID, err)
	}
	j.State = jobs.State(state)
	j.ProjectDir = projectDir.String
	j.ContainerID = containerID.String
	j.TokenOpaqueHandle = tokenHandle.String
	j.StartedAt = startedAt.Time
	j.CompletedAt = completedAt.Time
	return &j, nil
}

// ListJobs returns every persisted job, most recently created first.
func (s *Store) ListJobs(ctx context.Context) ([]jobs.Job, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT job_id, user_id, title, description, state, project_dir, container_id,
		       created_at, started_at, completed_at, event_seq, token_opaque_handle
		FROM jobs ORDER BY created_at DESC
	`)
	if err != nil {
		return nil, fmt.Errorf("store: list jobs: %w", err)
	}
	defer rows.Close()

	var out []jobs.Job
	for rows.Next() {
		var (
			j                                    jobs.Job
			state                                string
			projectDir, containerID, tokenHandle sql.NullString
			startedAt, completedAt               sql.NullTime
		)
		if err := rows.Scan(&j.JobID, &j.UserID, &j.Title, &j.Description, &state, &projectDir, &containerID,
			&j.CreatedAt, &startedAt, &completedAt, &j.EventSeq, &tokenHandle); err != nil {
			return nil, fmt.Errorf("store: scan job row: %w", err)
		}
		j.State = jobs.State(state)
		j.ProjectDir = projectDir.String
		j.ContainerID = containerID.String
		j.TokenOpaqueHandle = tokenHandle.String
		j.StartedAt = startedAt.Time
		j.CompletedAt = completedAt.Time
		out = append(out, j)
	}
	return out, rows.Err()
}

// UpdateJobState persists a state transition, stamping completedAt when
// newState is terminal.
func (s *Store) UpdateJobState(ctx context.Context, jobID string, newState jobs.State) error {
	var completedAt interface{}
	if newState.Terminal() {
		completedAt = time.Now().UTC()
	}
	_, err := s.db.ExecContext(ctx,
		`UPDATE jobs SET state = ?, completed_at = COALESCE(?, completed_at) WHERE job_id = ?`,
		string(newState), completedAt, jobID)
	if err != nil {
		return fmt.Errorf("store: update job state %s: %w", jobID, err)
	}
	return nil
}

// --- job events ---

// SaveJobEvent persists one job event. Satisfies
// internal/orchestrator.EventStore structurally.
func (s *Store) SaveJobEvent(ctx context.Context, jobID string, eventType jobevent.Type, data json.RawMessage) error {
	seq, err := s.nextEventSeq(ctx, jobID)
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO job_events (job_id, seq, event_type, data, created_at)
		VALUES (?, ?, ?, ?, ?)
	`, jobID, seq, string(eventType), string(data), time.Now().UTC())
	if err != nil {
		return fmt.Errorf("store: save job event for %s: %w", jobID, err)
	}
	return nil
}

// nextEventSeq computes the next per-job sequence directly from the
// persisted table rather than trusting jobs.Manager's in-memory
// counter, so a row is assigned a seq even if called out of step with
// the manager (e.g. during backfill or test setup).
func (s *Store) nextEventSeq(ctx context.Context, jobID string) (uint64, error) {
	var max sql.NullInt64
	if err := s.db.QueryRowContext(ctx, `SELECT MAX(seq) FROM job_events WHERE job_id = ?`, jobID).Scan(&max); err != nil {
		return 0, fmt.Errorf("store: next event seq for %s: %w", jobID, err)
	}
	return uint64(max.Int64) + 1, nil
}

// ListJobEvents returns jobID's events in submission order.
func (s *Store) ListJobEvents(ctx context.Context, jobID string) ([]jobevent.Event, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT job_id, seq, event_type, data, created_at
		FROM job_events WHERE job_id = ? ORDER BY seq ASC
	`, jobID)
	if err != nil {
		return nil, fmt.Errorf("store: list job events for %s: %w", jobID, err)
	}
	defer rows.Close()

	var out []jobevent.Event
	for rows.Next() {
		var (
			e         jobevent.Event
			eventType string
			data      string
		)
		if err := rows.Scan(&e.JobID, &e.Seq, &eventType, &data, &e.CreatedAt); err != nil {
			return nil, fmt.Errorf("store: scan job event row: %w", err)
		}
		e.EventType = jobevent.Type(eventType)
		e.Data = []byte(data)
		out = append(out, e)
	}
	return out, rows.Err()
}

// --- worker token audit (supplemental; not the live auth boundary) ---

// RecordTokenIssued appends an audit row for a newly issued worker
// token. internal/workertoken's in-memory store remains the sole
// authority actual requests are checked against.
func (s *Store) RecordTokenIssued(ctx context.Context, token, jobID string) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO worker_token_audit (token, job_id, issued_at) VALUES (?, ?, ?)
	`, token, jobID, time.Now().UTC())
	if err != nil {
		return fmt.Errorf("store: record token issued for %s: %w", jobID, err)
	}
	return nil
}

// RecordTokenRevoked appends the revocation time for an audited token.
func (s *Store) RecordTokenRevoked(ctx context.Context, token string) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE worker_token_audit SET revoked_at = ? WHERE token = ?
	`, time.Now().UTC(), token)
	if err != nil {
		return fmt.Errorf("store: record token revoked: %w", err)
	}
	return nil
}

func nullableString(v string) interface{} {
	if v == "" {
		return nil
	}
	return v
}

func nullableTime(t time.Time) interface{} {
	if t.IsZero() {
		return nil
	}
	return t
}
