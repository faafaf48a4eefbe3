package hostapp

import (
	"bytes"
	"context"
	"log/slog"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/bastionlabs/harbor/internal/extruntime"
	"github.com/bastionlabs/harbor/internal/jobs"
	"github.com/bastionlabs/harbor/internal/sandbox/container"
	"github.com/bastionlabs/harbor/internal/sandbox/proxy"
	"github.com/bastionlabs/harbor/internal/secrets"
	"github.com/bastionlabs/harbor/internal/store"
	"github.com/bastionlabs/harbor/internal/workertoken"
)

// fakeRunner is a container.Runtime double that never touches a real
// Docker daemon, letting SubmitJob/runJobContainer be tested in process.
type fakeRunner struct {
	mu       sync.Mutex
	specs    []container.Spec
	result   container.ExecResult
	execErr  error
	gotCalls int
}

func (f *fakeRunner) Exec(ctx context.Context, spec container.Spec) (container.ExecResult, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.specs = append(f.specs, spec)
	f.gotCalls++
	return f.result, f.execErr
}

func (f *fakeRunner) ImageExists(ctx context.Context, image string) (bool, error) {
	return true, nil
}

func (f *fakeRunner) PullImage(ctx context.Context, image string) error {
	return nil
}

// newTestApp builds an App with every collaborator wired against
// in-process/tempdir backends and runner replaced by a fakeRunner,
// mirroring New's wiring without ever dialing the Docker Engine.
func newTestApp(t *testing.T) (*App, *fakeRunner) {
	t.Helper()

	dbPath := filepath.Join(t.TempDir(), "harbor.db")
	db, err := store.New(dbPath)
	if err != nil {
		t.Fatalf("store.New: %v", err)
	}
	t.Cleanup(func() { db.Close() })

	secStore, err := secrets.NewStore(bytes.Repeat([]byte{0x42}, 32))
	if err != nil {
		t.Fatalf("secrets.NewStore: %v", err)
	}

	registry, err := extruntime.NewRegistry(context.Background())
	if err != nil {
		t.Fatalf("extruntime.NewRegistry: %v", err)
	}
	t.Cleanup(func() { registry.Close(context.Background()) })

	jobMgr := jobs.NewManager()
	tokens := workertoken.NewStore()
	jobMgr.RevokeToken = tokens.Revoke

	runner := &fakeRunner{result: container.ExecResult{ExitCode: 0}}

	a := &App{
		cfg: &Config{
			OrchestratorPort: "8443",
			WorkerImage:      "harbor/worker:test",
			WorkerBinary:     "/usr/local/bin/harbor-worker",
			JobWallTimeout:   time.Minute,
		},
		overlay:      &Overlay{RateLimitDefaults: RateLimitDefaults{PerMinute: 10, PerHour: 100}},
		logger:       slog.Default(),
		secretsStore: secStore,
		registry:     registry,
		jobMgr:       jobMgr,
		tokens:       tokens,
		db:           db,
		runner:       runner,
		proxies:      make(map[string]*proxy.Server),
	}
	return a, runner
}

func TestJobNetworkCapability(t *testing.T) {
	a, _ := newTestApp(t)
	cs := a.jobNetworkCapability()
	if cs.HTTP == nil {
		t.Fatal("expected HTTP capability to be set")
	}
	if cs.HTTP.RateLimit.PerMinute != 10 || cs.HTTP.RateLimit.PerHour != 100 {
		t.Fatalf("rate limit = %+v, want overlay defaults", cs.HTTP.RateLimit)
	}
}

func TestStartStopJobProxy(t *testing.T) {
	a, _ := newTestApp(t)
	cs := a.jobNetworkCapability()

	port, err := a.startJobProxy(context.Background(), "job-1", cs)
	if err != nil {
		t.Fatalf("startJobProxy: %v", err)
	}
	if port == "" {
		t.Fatal("expected a non-empty bound port")
	}

	a.proxyMu.Lock()
	_, ok := a.proxies["job-1"]
	a.proxyMu.Unlock()
	if !ok {
		t.Fatal("expected proxy to be tracked under job-1")
	}

	a.stopJobProxy("job-1")

	a.proxyMu.Lock()
	_, ok = a.proxies["job-1"]
	a.proxyMu.Unlock()
	if ok {
		t.Fatal("expected proxy to be removed after stopJobProxy")
	}
}

func TestRunJobContainer_Success(t *testing.T) {
	a, runner := newTestApp(t)
	runner.result = container.ExecResult{ExitCode: 0}

	job := &jobs.Job{JobID: "job-ok", TokenOpaqueHandle: "tok-ok"}
	a.jobMgr.Register(job)

	a.runJobContainer("job-ok", "/tmp/project", "tok-ok", "172.17.0.1:9000")

	got, err := a.jobMgr.GetHandle("job-ok")
	if err != nil {
		t.Fatalf("GetHandle: %v", err)
	}
	if got.State != jobs.StateCompleted {
		t.Fatalf("state = %s, want completed", got.State)
	}
	if runner.gotCalls != 1 {
		t.Fatalf("runner called %d times, want 1", runner.gotCalls)
	}
	spec := runner.specs[0]
	if spec.Env["HARBOR_JOB_ID"] != "job-ok" || spec.Env["HARBOR_TOKEN"] != "tok-ok" {
		t.Fatalf("unexpected env: %+v", spec.Env)
	}
	if spec.Env["HARBOR_API_URL"] == "" {
		t.Fatal("expected HARBOR_API_URL to be set")
	}
}

func TestRunJobContainer_NonZeroExit(t *testing.T) {
	a, runner := newTestApp(t)
	runner.result = container.ExecResult{ExitCode: 1, Stderr: "boom"}

	job := &jobs.Job{JobID: "job-fail", TokenOpaqueHandle: "tok-fail"}
	a.jobMgr.Register(job)

	a.runJobContainer("job-fail", "/tmp/project", "tok-fail", "172.17.0.1:9000")

	got, err := a.jobMgr.GetHandle("job-fail")
	if err != nil {
		t.Fatalf("GetHandle: %v", err)
	}
	if got.State != jobs.StateFailed {
		t.Fatalf("state = %s, want failed", got.State)
	}
}
