// Package hostapp wires together the three CORE components — the WASM
// extension runtime, the sandbox proxy/container runner, and the
// container job orchestrator — into the single host daemon process
// cmd/harbor runs, following the teacher's App-struct wiring idiom
// (internal/gitai/app.App and internal/ruriko/app.App): one constructor
// that builds every collaborator from a validated Config, one Run that
// starts the long-lived servers and blocks for a shutdown signal, one
// Stop that tears everything down in reverse order.
package hostapp

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"os"
	"os/signal"
	"runtime"
	"sync"
	"syscall"

	"github.com/google/uuid"

	"github.com/bastionlabs/harbor/common/version"
	"github.com/bastionlabs/harbor/internal/capability"
	"github.com/bastionlabs/harbor/internal/extruntime"
	"github.com/bastionlabs/harbor/internal/jobs"
	"github.com/bastionlabs/harbor/internal/llmprovider"
	"github.com/bastionlabs/harbor/internal/observability"
	"github.com/bastionlabs/harbor/internal/orchestrator"
	"github.com/bastionlabs/harbor/internal/sandbox/container"
	"github.com/bastionlabs/harbor/internal/sandbox/proxy"
	"github.com/bastionlabs/harbor/internal/secrets"
	"github.com/bastionlabs/harbor/internal/store"
	"github.com/bastionlabs/harbor/internal/workertoken"
)

// App owns every long-lived CORE collaborator.
type App struct {
	cfg     *Config
	overlay *Overlay
	logger  *slog.Logger

	secretsStore *secrets.Store
	registry     *extruntime.Registry
	jobMgr       *jobs.Manager
	tokens       *workertoken.Store
	db           *store.Store
	orch         *orchestrator.Server
	runner       container.Runtime

	proxyMu sync.Mutex
	proxies map[string]*proxy.Server // job_id -> per-job sandbox proxy
}

// New builds every CORE collaborator from cfg but starts nothing.
func New(cfg *Config) (*App, error) {
	observability.Setup(cfg.LogLevel, cfg.LogFormat)
	logger := slog.Default()

	overlay, err := LoadOverlay(cfg.ConfigFile)
	if err != nil {
		return nil, err
	}
	if !overlay.imageAllowed(cfg.WorkerImage) {
		return nil, fmt.Errorf("worker image %q is not in the configured allowlist", cfg.WorkerImage)
	}

	secStore, err := secrets.NewStore(cfg.MasterKey)
	if err != nil {
		return nil, fmt.Errorf("init secret store: %w", err)
	}

	registry, err := extruntime.NewRegistry(context.Background())
	if err != nil {
		return nil, fmt.Errorf("init wasm registry: %w", err)
	}
	if cfg.ExtensionsDir != "" {
		results, err := registry.LoadDir(context.Background(), cfg.ExtensionsDir, logger)
		if err != nil {
			return nil, fmt.Errorf("loading extensions from %q: %w", cfg.ExtensionsDir, err)
		}
		if !results.AllSucceeded() {
			for path, loadErr := range results.Errors {
				logger.Warn("extension failed to load", "path", path, "error", loadErr)
			}
		}
	}

	db, err := store.New(cfg.DatabasePath)
	if err != nil {
		return nil, fmt.Errorf("init store: %w", err)
	}

	var runnerOpts []container.Option
	if cfg.AllowDangerousShellCommands {
		runnerOpts = append(runnerOpts, container.WithAllowDangerous())
	}
	runner, err := container.NewRunner(cfg.WorkerImage, runnerOpts...)
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("init container runner: %w", err)
	}

	jobMgr := jobs.NewManager()
	tokens := workertoken.NewStore()
	jobMgr.RevokeToken = tokens.Revoke

	a := &App{
		cfg:          cfg,
		overlay:      overlay,
		logger:       logger,
		secretsStore: secStore,
		registry:     registry,
		jobMgr:       jobMgr,
		tokens:       tokens,
		db:           db,
		runner:       runner,
		proxies:      make(map[string]*proxy.Server),
	}

	var llmProvider orchestrator.LLMProvider
	switch {
	case cfg.LLMAPIKey != "":
		llmProvider = &llmprovider.Adapter{Provider: llmprovider.NewOpenAI(llmprovider.OpenAIConfig{
			APIKey:  cfg.LLMAPIKey,
			BaseURL: cfg.LLMBaseURL,
			Model:   cfg.LLMModel,
		})}
	case cfg.LLMGatewayURL != "":
		llmProvider = newHTTPLLMGateway(cfg.LLMGatewayURL)
	}

	a.orch = orchestrator.New(cfg.OrchestratorAddr, orchestrator.Handlers{
		Jobs:   jobMgr,
		Tokens: tokens,
		LLM:    llmProvider,
		Tools:  newToolInvoker(registry, secStore, logger),
		Events: db,
	})

	return a, nil
}

// Run starts the orchestrator API and blocks until a shutdown signal
// arrives.
func (a *App) Run() error {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if err := a.orch.Start(ctx); err != nil {
		return fmt.Errorf("start orchestrator: %w", err)
	}

	a.logger.Info("harbor host started",
		"version", version.Version,
		"commit", version.GitCommit,
	)

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
	<-sigCh
	a.logger.Info("received shutdown signal")

	cancel()
	a.Stop()
	return nil
}

// Stop tears down every subsystem in reverse construction order.
func (a *App) Stop() {
	a.orch.Stop()

	a.proxyMu.Lock()
	for jobID, p := range a.proxies {
		p.Stop()
		delete(a.proxies, jobID)
	}
	a.proxyMu.Unlock()

	if err := a.registry.Close(context.Background()); err != nil {
		a.logger.Warn("closing wasm registry", "error", err)
	}
	a.db.Close()
}

// SubmitJob registers a new job, issues its worker bearer token, starts
// a per-job sandbox proxy for its container's network egress, and
// launches the worker container in the background. It returns as soon
// as the job is registered; completion is reported asynchronously via
// jobMgr.CompleteJob when the container exits.
func (a *App) SubmitJob(ctx context.Context, title, description, projectDir string) (jobID, token string, err error) {
	jobID = uuid.NewString()

	cs := a.jobNetworkCapability()
	proxyPort, err := a.startJobProxy(ctx, jobID, cs)
	if err != nil {
		return "", "", fmt.Errorf("start sandbox proxy for job %s: %w", jobID, err)
	}
	proxyAddr := net.JoinHostPort(container.HostBridgeGateway(), proxyPort)

	token, err = a.tokens.Issue(jobID)
	if err != nil {
		a.stopJobProxy(jobID)
		return "", "", fmt.Errorf("issue worker token: %w", err)
	}

	job := &jobs.Job{
		JobID:             jobID,
		Title:             title,
		Description:       description,
		ProjectDir:        projectDir,
		TokenOpaqueHandle: token,
	}
	a.jobMgr.Register(job)

	if err := a.db.SaveJob(ctx, *job); err != nil {
		a.logger.Warn("persisting new job failed; continuing with in-memory state only", "job_id", jobID, "error", err)
	}
	if err := a.db.RecordTokenIssued(ctx, token, jobID); err != nil {
		a.logger.Warn("recording token issuance failed", "job_id", jobID, "error", err)
	}

	go a.runJobContainer(jobID, projectDir, token, proxyAddr)

	return jobID, token, nil
}

// jobNetworkCapability builds the capability set that governs a job
// worker container's outbound network access through its sandbox proxy.
// Job containers are not WASM extensions and ship no capability sidecar
// of their own, so the host constructs one from the YAML overlay's
// rate-limit defaults. The set has no allowlist entries, so the proxy's
// decider denies every request it is asked to forward; only the
// rate-limit numbers come from the overlay.
func (a *App) jobNetworkCapability() *capability.CapabilitySet {
	return &capability.CapabilitySet{
		Kind: capability.KindTool,
		HTTP: &capability.HTTPCapability{
			RateLimit: capability.RateLimit{
				PerMinute: a.overlay.RateLimitDefaults.PerMinute,
				PerHour:   a.overlay.RateLimitDefaults.PerHour,
			},
		},
	}
}

// startJobProxy starts a fresh sandbox proxy for one job and returns the
// bare port it bound, so the caller can address it from inside a
// container via container.HostBridgeGateway() rather than the host-local
// bind address, which bridge-networked containers cannot reach.
func (a *App) startJobProxy(ctx context.Context, jobID string, cs *capability.CapabilitySet) (string, error) {
	listenAddr := "127.0.0.1:0"
	if runtime.GOOS == "linux" {
		listenAddr = ":0"
	}
	p := proxy.New(listenAddr, proxy.NewDecider(cs), a.secretsStore, a.logger)
	addr, err := p.Start(ctx)
	if err != nil {
		return "", err
	}
	a.proxyMu.Lock()
	a.proxies[jobID] = p
	a.proxyMu.Unlock()

	_, port, err := net.SplitHostPort(addr.String())
	if err != nil {
		p.Stop()
		a.stopJobProxy(jobID)
		return "", fmt.Errorf("parsing proxy bind address %q: %w", addr.String(), err)
	}
	return port, nil
}

func (a *App) stopJobProxy(jobID string) {
	a.proxyMu.Lock()
	p, ok := a.proxies[jobID]
	if ok {
		delete(a.proxies, jobID)
	}
	a.proxyMu.Unlock()
	if ok {
		p.Stop()
	}
}

// runJobContainer runs the worker container to completion and reports
// the result to the job manager. It deliberately uses context.Background
// rather than a cancellable context tied to host shutdown: a running job
// should survive the host process accepting a new request, it should
// only stop via its own wall timeout or the worker's own completion call.
func (a *App) runJobContainer(jobID, projectDir, token, proxyAddr string) {
	ctx := context.Background()

	apiURL := fmt.Sprintf("http://%s", net.JoinHostPort(container.HostBridgeGateway(), a.cfg.OrchestratorPort))

	limits := container.DefaultResourceLimits()
	if a.cfg.JobWallTimeout > 0 {
		limits.WallTimeout = a.cfg.JobWallTimeout
	}

	spec := container.Spec{
		Command:    a.cfg.WorkerBinary,
		WorkingDir: projectDir,
		Policy:     container.PolicyWorkspaceWrite,
		Limits:     limits,
		Env: map[string]string{
			"HARBOR_TOKEN":   token,
			"HARBOR_JOB_ID":  jobID,
			"HARBOR_API_URL": apiURL,
		},
		ProxyAddr: proxyAddr,
	}

	result, err := a.runner.Exec(ctx, spec)
	a.stopJobProxy(jobID)

	success := err == nil && result.ExitCode == 0
	message := "worker exited cleanly"
	if err != nil {
		message = err.Error()
	} else if result.ExitCode != 0 {
		message = fmt.Sprintf("worker exited with status %d: %s", result.ExitCode, result.Stderr)
	}

	if cerr := a.jobMgr.CompleteJob(jobID, jobs.Result{Success: success, Message: message}); cerr != nil {
		a.logger.Error("completing job after container exit failed", "job_id", jobID, "error", cerr)
	}
	if derr := a.db.UpdateJobState(context.Background(), jobID, stateFor(success)); derr != nil {
		a.logger.Warn("persisting job completion failed", "job_id", jobID, "error", derr)
	}
	if derr := a.db.RecordTokenRevoked(context.Background(), token); derr != nil {
		a.logger.Warn("recording token revocation failed", "job_id", jobID, "error", derr)
	}
}

func stateFor(success bool) jobs.State {
	if success {
		return jobs.StateCompleted
	}
	return jobs.StateFailed
}
