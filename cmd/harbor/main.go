// Harbor is the CORE host daemon: it wires together the WASM extension
// runtime, the sandbox proxy/container runner, and the container job
// orchestrator into one process. It does not itself decide when to
// invoke an extension or submit a job — that is the job of the agent
// turn loop, an external collaborator (see SPEC_FULL.md §1) — but it
// exposes internal/hostapp.App.SubmitJob as the integration seam such a
// caller would use, and starts the worker-facing orchestrator API any
// submitted job's container talks back to.
//
// All configuration is loaded from environment variables, following the
// common/environment idiom, with an optional YAML overlay for static
// settings environment variables express poorly (image allowlists,
// rate-limit defaults).
//
// Required environment variables:
//
//	HARBOR_WORKER_IMAGE   - Docker image the worker container runs
//	HARBOR_MASTER_KEY     - 64-char hex AES-256 key for the secret store
//
// Optional environment variables:
//
//	HARBOR_ORCHESTRATOR_PORT     - C6 API port (default "8443")
//	HARBOR_DB_PATH               - sqlite file path (default "/data/harbor.db")
//	HARBOR_EXTENSIONS_DIR        - directory of .wasm + sidecar capability files
//	HARBOR_WORKER_BINARY         - in-image worker entrypoint (default "/usr/local/bin/harbor-worker")
//	HARBOR_ALLOW_DANGEROUS_SHELL - "true" to disable the configurable dangerous-command check
//	HARBOR_JOB_WALL_TIMEOUT      - max job container lifetime (default "30m")
//	HARBOR_LLM_GATEWAY_URL       - base URL of an opaque-relay LLM completion gateway
//	HARBOR_LLM_API_KEY           - API key for a concrete OpenAI-compatible provider
//	                               (takes precedence over HARBOR_LLM_GATEWAY_URL)
//	HARBOR_LLM_BASE_URL          - overrides the OpenAI-compatible endpoint
//	HARBOR_LLM_MODEL             - default model for the OpenAI-compatible provider
//	HARBOR_CONFIG_FILE           - path to an optional YAML config overlay
//	LOG_LEVEL                    - "debug", "info", "warn", "error" (default "info")
//	LOG_FORMAT                   - "text" or "json" (default "text")
package main

import (
	"fmt"
	"log/slog"
	"os"
	"time"

	"github.com/bastionlabs/harbor/common/crypto"
	"github.com/bastionlabs/harbor/common/environment"
	"github.com/bastionlabs/harbor/internal/hostapp"
	"github.com/bastionlabs/harbor/internal/orchestrator"
)

func main() {
	port := environment.StringOr("HARBOR_ORCHESTRATOR_PORT", "8443")

	cfg := &hostapp.Config{
		OrchestratorAddr:            orchestrator.ListenAddr(port),
		OrchestratorPort:            port,
		DatabasePath:                environment.StringOr("HARBOR_DB_PATH", "/data/harbor.db"),
		ExtensionsDir:               os.Getenv("HARBOR_EXTENSIONS_DIR"),
		WorkerImage:                 requireEnv("HARBOR_WORKER_IMAGE"),
		WorkerBinary:                environment.StringOr("HARBOR_WORKER_BINARY", "/usr/local/bin/harbor-worker"),
		AllowDangerousShellCommands: environment.BoolOr("HARBOR_ALLOW_DANGEROUS_SHELL", false),
		JobWallTimeout:              environment.DurationOr("HARBOR_JOB_WALL_TIMEOUT", 30*time.Minute),
		LLMGatewayURL:               os.Getenv("HARBOR_LLM_GATEWAY_URL"),
		LLMAPIKey:                   os.Getenv("HARBOR_LLM_API_KEY"),
		LLMBaseURL:                  os.Getenv("HARBOR_LLM_BASE_URL"),
		LLMModel:                    os.Getenv("HARBOR_LLM_MODEL"),
		ConfigFile:                  os.Getenv("HARBOR_CONFIG_FILE"),
		LogLevel:                    environment.StringOr("LOG_LEVEL", "info"),
		LogFormat:                   environment.StringOr("LOG_FORMAT", "text"),
	}

	masterKey, err := crypto.LoadMasterKey()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\nGenerate a key with: openssl rand -hex 32\n", err)
		os.Exit(1)
	}
	cfg.MasterKey = masterKey

	app, err := hostapp.New(cfg)
	if err != nil {
		slog.Error("failed to initialize harbor host", "err", err)
		os.Exit(1)
	}

	if err := app.Run(); err != nil {
		slog.Error("harbor host exited with error", "err", err)
		os.Exit(1)
	}
}

func requireEnv(key string) string {
	v := os.Getenv(key)
	if v == "" {
		fmt.Fprintf(os.Stderr, "fatal: required environment variable %q is not set\n", key)
		os.Exit(1)
	}
	return v
}
