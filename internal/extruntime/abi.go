package extruntime

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"sync/atomic"
	"time"

	"github.com/tetratelabs/wazero"
	"github.com/tetratelabs/wazero/api"

	"github.com/bastionlabs/harbor/internal/capability"
	"github.com/bastionlabs/harbor/internal/ledger"
)

// SecretStore is the host-only collaborator consulted when injecting a
// credential or answering secret_exists. Guests never see a value through
// this interface; only extruntime's internal http dispatch ever calls Get.
type SecretStore interface {
	Exists(ctx context.Context, name string) bool
	Get(ctx context.Context, name string) (string, bool)
}

// WorkspaceReader is the host-only collaborator consulted by
// workspace_read once a guest's capability has cleared it for the
// requested path. The content source itself (a git checkout, an object
// store, whatever backs a project's workspace) is an external
// collaborator (SPEC_FULL.md §1); extruntime only owns the capability
// gate and the already-prefixed path it is permitted to hand off.
type WorkspaceReader interface {
	Read(ctx context.Context, prefixedPath string) (content string, ok bool)
}

// invocationEnvKey is the context key a single guest call's environment is
// stashed under so the shared "env" host module can recover it without
// re-registering host functions per call.
type invocationEnvKey struct{}

// invocationEnv bundles everything one guest call's host ABI functions
// need: the capability gate, the ledger they record effects into, the
// secret store, and a defensive fuel counter approximating an instruction
// budget (wazero does not expose per-opcode fuel metering, so this bounds
// the number of host ABI calls an invocation may make instead).
type invocationEnv struct {
	name      string
	cap       *capability.CapabilitySet
	ledger    *ledger.Ledger
	secrets   SecretStore
	workspace WorkspaceReader
	logger    *slog.Logger

	fuelUsed  int64
	fuelLimit int64

	httpDo func(ctx context.Context, req outboundRequest) (outboundResponse, error)
}

func withInvocationEnv(ctx context.Context, env *invocationEnv) context.Context {
	return context.WithValue(ctx, invocationEnvKey{}, env)
}

func envFromContext(ctx context.Context) *invocationEnv {
	env, _ := ctx.Value(invocationEnvKey{}).(*invocationEnv)
	return env
}

func (e *invocationEnv) chargeFuel() error {
	if atomic.AddInt64(&e.fuelUsed, 1) > e.fuelLimit {
		return &GuestFailureError{Class: ClassResourceLimit, Name: e.name, Message: "instruction budget exceeded"}
	}
	return nil
}

// registerHostModule installs the capability-gated host ABI as the "env"
// host module, shared across every guest instance produced by this
// registry. Per-call state (capability, ledger, secret store) travels via
// the invocation's context, recovered with envFromContext, so the module
// itself needs no per-call reinstantiation.
func registerHostModule(ctx context.Context, rt wazero.Runtime) error {
	_, err := rt.NewHostModuleBuilder("env").
		NewFunctionBuilder().WithFunc(hostLog).Export("log").
		NewFunctionBuilder().WithFunc(hostNowMillis).Export("now_millis").
		NewFunctionBuilder().WithFunc(hostHTTPRequest).Export("http_request").
		NewFunctionBuilder().WithFunc(hostSecretExists).Export("secret_exists").
		NewFunctionBuilder().WithFunc(hostWorkspaceRead).Export("workspace_read").
		NewFunctionBuilder().WithFunc(hostWorkspaceWrite).Export("workspace_write").
		NewFunctionBuilder().WithFunc(hostEmitMessage).Export("emit_message").
		Instantiate(ctx)
	return err
}

// --- log(level_ptr, level_len, msg_ptr, msg_len) ---

func hostLog(ctx context.Context, mod api.Module, levelPtr, levelLen, msgPtr, msgLen uint32) {
	env := envFromContext(ctx)
	if env == nil {
		return
	}
	if err := env.chargeFuel(); err != nil {
		panic(err)
	}
	levelBytes, _ := readFromGuest(mod, levelPtr, levelLen)
	msgBytes, _ := readFromGuest(mod, msgPtr, msgLen)
	level := string(levelBytes)
	env.ledger.Log(level, string(msgBytes), time.Now().UnixMilli())
	env.logger.Debug("guest log", "extension", env.name, "level", level)
}

// --- now_millis() → u64 ---

func hostNowMillis(ctx context.Context, mod api.Module) uint64 {
	return uint64(time.Now().UnixMilli())
}

// --- secret_exists(name_ptr, name_len) → u32 (bool) ---

func hostSecretExists(ctx context.Context, mod api.Module, namePtr, nameLen uint32) uint32 {
	env := envFromContext(ctx)
	if env == nil {
		return 0
	}
	if err := env.chargeFuel(); err != nil {
		panic(err)
	}
	nameBytes, err := readFromGuest(mod, namePtr, nameLen)
	if err != nil {
		return 0
	}
	name := string(nameBytes)
	if !env.cap.IsSecretNameAllowed(name) {
		return 0
	}
	if env.secrets == nil {
		return 0
	}
	if env.secrets.Exists(ctx, name) {
		return 1
	}
	return 0
}

// --- workspace_read(path_ptr, path_len) → packed(ptr,len); len=0 means absent ---

func hostWorkspaceRead(ctx context.Context, mod api.Module, pathPtr, pathLen uint32) uint64 {
	env := envFromContext(ctx)
	if env == nil {
		return 0
	}
	if err := env.chargeFuel(); err != nil {
		panic(err)
	}
	rawPath, err := readFromGuest(mod, pathPtr, pathLen)
	if err != nil {
		return 0
	}
	path := string(rawPath)
	if !env.cap.IsWorkspaceReadAllowed(path) {
		return 0
	}
	prefixed, err := env.cap.ValidateWorkspacePath(path)
	if err != nil {
		return 0
	}
	if env.workspace == nil {
		return 0
	}
	content, ok := env.workspace.Read(ctx, prefixed)
	if !ok {
		return 0
	}
	return mustPack(ctx, mod, []byte(content))
}

// --- workspace_write(path_ptr, path_len, content_ptr, content_len) → u32 (1=ok, 0=escape) ---

func hostWorkspaceWrite(ctx context.Context, mod api.Module, pathPtr, pathLen, contentPtr, contentLen uint32) uint32 {
	env := envFromContext(ctx)
	if env == nil {
		return 0
	}
	if err := env.chargeFuel(); err != nil {
		panic(err)
	}
	rawPath, err := readFromGuest(mod, pathPtr, pathLen)
	if err != nil {
		return 0
	}
	content, err := readFromGuest(mod, contentPtr, contentLen)
	if err != nil {
		return 0
	}
	prefixed, err := env.cap.ValidateWorkspacePath(string(rawPath))
	if err != nil {
		return 0
	}
	env.ledger.WorkspaceWrite(prefixed, string(content))
	return 1
}

// --- emit_message(json_ptr, json_len) ---

func hostEmitMessage(ctx context.Context, mod api.Module, jsonPtr, jsonLen uint32) {
	env := envFromContext(ctx)
	if env == nil {
		return
	}
	if err := env.chargeFuel(); err != nil {
		panic(err)
	}
	raw, err := readFromGuest(mod, jsonPtr, jsonLen)
	if err != nil {
		return
	}
	var wire struct {
		UserID       string `json:"user_id"`
		UserName     string `json:"user_name"`
		Content      string `json:"content"`
		ThreadID     string `json:"thread_id"`
		MetadataJSON string `json:"metadata_json"`
	}
	if err := json.Unmarshal(raw, &wire); err != nil {
		return
	}
	env.ledger.EmitMessage(ledger.EmittedMessage{
		UserID:       wire.UserID,
		UserName:     wire.UserName,
		Content:      wire.Content,
		ThreadID:     wire.ThreadID,
		MetadataJSON: wire.MetadataJSON,
		EmittedAtMs:  time.Now().UnixMilli(),
	})
}

// --- http_request(method_ptr,len, url_ptr,len, headers_json_ptr,len, body_ptr,len) → packed(ptr,len) ---
//
// The result written back to the guest is a JSON object
// {"status":int,"headers_json":string,"body":string,"error":string}; an
// "error" field is set instead of status/headers/body when the call was
// denied or failed, carrying a short class-prefixed message per
// SPEC_FULL.md §7's guest-observable error propagation policy.

func hostHTTPRequest(ctx context.Context, mod api.Module, methodPtr, methodLen, urlPtr, urlLen, headersPtr, headersLen, bodyPtr, bodyLen uint32) uint64 {
	env := envFromContext(ctx)
	if env == nil {
		return 0
	}
	if err := env.chargeFuel(); err != nil {
		panic(err)
	}

	method, _ := readFromGuest(mod, methodPtr, methodLen)
	rawURL, _ := readFromGuest(mod, urlPtr, urlLen)
	headersJSON, _ := readFromGuest(mod, headersPtr, headersLen)
	body, _ := readFromGuest(mod, bodyPtr, bodyLen)

	methodStr := strings.ToUpper(string(method))
	urlStr := string(rawURL)

	if !env.cap.IsHTTPAllowed(methodStr, urlStr) {
		return mustPack(ctx, mod, errorResponseJSON(&capability.DeniedError{Subject: "http", Reason: fmt.Sprintf("%s %s not in allowlist", methodStr, urlStr)}))
	}

	rl := capability.RateLimit{}
	if env.cap.HTTP != nil {
		rl = env.cap.HTTP.RateLimit
	}
	if !env.ledger.RecordHTTPRequest(time.Now().UnixMilli(), rl.PerMinute, rl.PerHour) {
		return mustPack(ctx, mod, errorResponseJSON(&ledger.ResourceExhaustedError{Resource: "http_rate_limit", Limit: rl.PerMinute, Window: "minute"}))
	}

	var headers map[string]string
	_ = json.Unmarshal(headersJSON, &headers)

	resp, err := env.httpDo(ctx, outboundRequest{
		Method:  methodStr,
		URL:     urlStr,
		Headers: headers,
		Body:    body,
	})
	if err != nil {
		return mustPack(ctx, mod, errorResponseJSON(fmt.Errorf("upstream_failure: %v", err)))
	}

	out, _ := json.Marshal(map[string]interface{}{
		"status":       resp.Status,
		"headers_json": resp.HeadersJSON,
		"body":         string(resp.Body),
	})
	return mustPack(ctx, mod, out)
}

func errorResponseJSON(err error) []byte {
	out, _ := json.Marshal(map[string]string{"error": err.Error()})
	return out
}

func mustPack(ctx context.Context, mod api.Module, data []byte) uint64 {
	ptr, err := writeToGuest(ctx, mod, data)
	if err != nil {
		return 0
	}
	return packPtrLen(ptr, uint32(len(data)))
}
