package hostapp

import "time"

// Config is the host daemon's single immutable configuration value,
// assembled once at startup from environment variables (see cmd/harbor)
// and, optionally, a YAML overlay (see LoadOverlay) layered underneath
// them. Nothing below App reads an environment variable directly.
type Config struct {
	// OrchestratorAddr is the listen address for the worker-facing C6
	// API server (internal/orchestrator), already resolved by main via
	// orchestrator.ListenAddr(OrchestratorPort).
	OrchestratorAddr string

	// OrchestratorPort is the bare port worker containers use to reach
	// the orchestrator through the Docker bridge gateway; kept
	// separate from OrchestratorAddr because the latter may bind
	// ":port" (all interfaces) while the container-facing URL always
	// needs the bridge gateway host, never the bind address itself.
	OrchestratorPort string

	// DatabasePath is the sqlite file backing internal/store.
	DatabasePath string

	// ExtensionsDir holds "<name>.wasm" files with optional
	// "<name>.capabilities.json" sidecars, loaded into the WASM
	// registry at startup.
	ExtensionsDir string

	// WorkerImage is the Docker image cmd/harbor-worker ships in, run
	// once per submitted job.
	WorkerImage string

	// WorkerBinary is the in-image path to the worker entrypoint.
	WorkerBinary string

	// AllowDangerousShellCommands disables the configurable dangerous-
	// command check in the container runner (the always-blocked set is
	// never affected).
	AllowDangerousShellCommands bool

	// JobWallTimeout bounds how long a single job's worker container
	// may run before it is force-removed.
	JobWallTimeout time.Duration

	// LLMGatewayURL is the base URL of an external LLM completion
	// gateway the orchestrator relays opaque /llm/complete(_with_tools)
	// request bodies to unmodified. Ignored when LLMAPIKey is set.
	LLMGatewayURL string

	// LLMAPIKey, when set, wires a concrete OpenAI-compatible provider
	// (internal/llmprovider) instead of relaying to LLMGatewayURL: the
	// host itself authenticates to the vendor, decoding/encoding the
	// typed completion request and response rather than passing opaque
	// bytes through.
	LLMAPIKey string
	// LLMBaseURL overrides the OpenAI-compatible endpoint (e.g. for a
	// local model server). Defaults to the hosted OpenAI API.
	LLMBaseURL string
	// LLMModel is the default model used when a request omits one.
	LLMModel string

	// Both LLMGatewayURL and LLMAPIKey empty disables LLM forwarding
	// entirely: the orchestrator's /llm/complete(_with_tools) handlers
	// respond 502.

	// MasterKey is the 32-byte AES-256-GCM key for internal/secrets,
	// loaded via common/crypto.LoadMasterKey by main and set here
	// after validation so Config stays a single source of truth.
	MasterKey []byte

	// ConfigFile optionally points at a YAML overlay (image allowlist,
	// rate-limit defaults) layered under the environment-derived
	// fields above. See LoadOverlay.
	ConfigFile string

	LogLevel  string
	LogFormat string
}

// Overlay is optional static host configuration loaded from YAML,
// supplementing the environment-driven Config rather than replacing
// it: any field environment variables already set takes precedence.
type Overlay struct {
	ImageAllowlist    []string          `yaml:"image_allowlist"`
	RateLimitDefaults RateLimitDefaults `yaml:"rate_limit_defaults"`
}

// RateLimitDefaults mirrors capability.RateLimit's shape for the
// job-container network policy the host itself constructs (job worker
// containers are not WASM extensions and carry no capability sidecar
// of their own).
type RateLimitDefaults struct {
	PerMinute int `yaml:"per_minute"`
	PerHour   int `yaml:"per_hour"`
}
