package hostapp

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"

	"github.com/bastionlabs/harbor/internal/extruntime"
	"github.com/bastionlabs/harbor/internal/ledger"
)

// toolInvoker implements orchestrator.ToolInvoker (C6's connection to
// C3): it resolves a model-requested extension by name, runs it through
// the wazero registry under a fresh per-call ledger, and on success
// drains that ledger into the host's structured logger — mirroring the
// "drain on success, discard on failure" contract extruntime.Invoke
// already documents. The drained entries are logged only; they are not
// applied to a workspace or delivered to any message channel.
type toolInvoker struct {
	registry *extruntime.Registry
	secrets  extruntime.SecretStore
	logger   *slog.Logger
}

func newToolInvoker(registry *extruntime.Registry, secrets extruntime.SecretStore, logger *slog.Logger) *toolInvoker {
	return &toolInvoker{registry: registry, secrets: secrets, logger: logger}
}

// InvokeTool runs the named tool extension's "execute" export against
// arguments and returns its raw JSON output for the caller to splice
// back into the next completion request as a tool-result message.
func (t *toolInvoker) InvokeTool(ctx context.Context, jobID, name string, arguments json.RawMessage) (json.RawMessage, error) {
	pm, ok := t.registry.Lookup(name)
	if !ok {
		return nil, fmt.Errorf("tool extension %q is not loaded", name)
	}

	led := ledger.New(0)
	res, err := t.registry.Invoke(ctx, extruntime.InvokeRequest{
		Module:  pm,
		Export:  "execute",
		Input:   []byte(arguments),
		Ledger:  led,
		Secrets: t.secrets,
		Logger:  t.logger,
	})
	if err != nil {
		return nil, fmt.Errorf("invoke tool %q: %w", name, err)
	}

	// The ledger is only drained here, on success; a failed Invoke above
	// already discarded it internally. Workspace writes, log entries and
	// emitted messages are all recorded in the host's own structured
	// logger; no workspace store or outbound channel receives them.
	writes := led.TakeWorkspaceWrites()
	for _, w := range writes {
		t.logger.Info("tool extension queued workspace write", "job_id", jobID, "extension", name, "path", w.Path, "bytes", len(w.Content))
	}
	for _, entry := range led.TakeLogEntries() {
		t.logger.Debug("tool extension log", "job_id", jobID, "extension", name, "level", entry.Level, "message", entry.Message)
	}
	for _, msg := range led.TakeEmittedMessages() {
		t.logger.Info("tool extension emitted message", "job_id", jobID, "extension", name, "thread_id", msg.ThreadID, "bytes", len(msg.Content))
	}
	if dropped := led.EmitsDropped(); dropped > 0 {
		t.logger.Warn("tool extension dropped emitted messages past the per-invocation cap", "job_id", jobID, "extension", name, "dropped", dropped)
	}

	return json.RawMessage(res.Output), nil
}
