package llmprovider

import (
	"context"
	"encoding/json"
	"fmt"
)

// Adapter satisfies internal/orchestrator.LLMProvider by unmarshaling the
// worker's opaque request body into a typed CompletionRequest, calling a
// concrete Provider, and marshaling the typed response back out. This is
// the bridge between the orchestrator's vendor-agnostic wire contract and
// a deployment that wants a real backend rather than a relay.
type Adapter struct {
	Provider Provider
}

// Complete implements orchestrator.LLMProvider.
func (a *Adapter) Complete(ctx context.Context, req json.RawMessage) (json.RawMessage, error) {
	return a.complete(ctx, req)
}

// CompleteWithTools implements orchestrator.LLMProvider. Tool definitions
// travel inside CompletionRequest.Tools, so both orchestrator routes
// resolve to the same typed call.
func (a *Adapter) CompleteWithTools(ctx context.Context, req json.RawMessage) (json.RawMessage, error) {
	return a.complete(ctx, req)
}

func (a *Adapter) complete(ctx context.Context, raw json.RawMessage) (json.RawMessage, error) {
	var req CompletionRequest
	if err := json.Unmarshal(raw, &req); err != nil {
		return nil, fmt.Errorf("decode completion request: %w", err)
	}

	resp, err := a.Provider.Complete(ctx, req)
	if err != nil {
		return nil, err
	}

	out, err := json.Marshal(resp)
	if err != nil {
		return nil, fmt.Errorf("encode completion response: %w", err)
	}
	return out, nil
}
