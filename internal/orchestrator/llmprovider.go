package orchestrator

import (
	"context"
	"encoding/json"
)

// LLMProvider is the host's connection to whatever LLM backend a
// deployment wires in. The request/response shapes are the provider's
// own wire format; the CORE treats them opaquely since no single vendor
// schema is part of this system's contract (SPEC_FULL.md §2.2 names this
// an external collaborator contract rather than a concrete dependency).
type LLMProvider interface {
	Complete(ctx context.Context, req json.RawMessage) (json.RawMessage, error)
	CompleteWithTools(ctx context.Context, req json.RawMessage) (json.RawMessage, error)
}
