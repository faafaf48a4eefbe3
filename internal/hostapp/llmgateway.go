package hostapp

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/bastionlabs/harbor/common/retry"
)

// httpLLMGateway satisfies orchestrator.LLMProvider by relaying opaque
// completion requests to an externally configured LLM gateway. It models
// no vendor request/response schema of its own — the orchestrator's
// contract is "forward bytes, return bytes" (see
// internal/orchestrator.LLMProvider) — and retries transient failures
// with the common/retry backoff helper, following the ambient stack's
// retry idiom for upstream calls.
type httpLLMGateway struct {
	baseURL string
	client  *http.Client
}

func newHTTPLLMGateway(baseURL string) *httpLLMGateway {
	return &httpLLMGateway{
		baseURL: baseURL,
		client:  &http.Client{Timeout: 90 * time.Second},
	}
}

func (g *httpLLMGateway) Complete(ctx context.Context, req json.RawMessage) (json.RawMessage, error) {
	return g.post(ctx, "/complete", req)
}

func (g *httpLLMGateway) CompleteWithTools(ctx context.Context, req json.RawMessage) (json.RawMessage, error) {
	return g.post(ctx, "/complete_with_tools", req)
}

func (g *httpLLMGateway) post(ctx context.Context, path string, req json.RawMessage) (json.RawMessage, error) {
	var body json.RawMessage
	err := retry.Do(ctx, retry.Config{MaxAttempts: 3, InitialDelay: 500 * time.Millisecond, MaxDelay: 5 * time.Second}, func() error {
		b, err := g.attempt(ctx, path, req)
		if err != nil {
			return err
		}
		body = b
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("llm gateway %s: %w", path, err)
	}
	return body, nil
}

func (g *httpLLMGateway) attempt(ctx context.Context, path string, req json.RawMessage) (json.RawMessage, error) {
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, g.baseURL+path, bytes.NewReader(req))
	if err != nil {
		return nil, err
	}
	httpReq.Header.Set("Content-Type", "application/json")

	resp, err := g.client.Do(httpReq)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 4<<20))
	if err != nil {
		return nil, err
	}
	if resp.StatusCode >= 400 {
		return nil, fmt.Errorf("status %d: %s", resp.StatusCode, string(body))
	}
	return json.RawMessage(body), nil
}
