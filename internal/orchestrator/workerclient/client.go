// Package workerclient is the worker process's side of the orchestrator
// API (C6): one HTTP client call per route in that table, adapted from
// the teacher's Agent Control Protocol client (internal/ruriko/runtime/acp)
// — bearer-token injection, per-operation timeouts, trace-ID propagation,
// idempotency keys on mutating calls, and a response-body size cap —
// applied to a worker talking to its job's orchestrator instead of
// Ruriko talking to a Gitai agent.
package workerclient

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/bastionlabs/harbor/common/trace"
	"github.com/bastionlabs/harbor/internal/orchestrator/jobevent"
)

// Per-operation timeouts.
const (
	timeoutHealth   = 2 * time.Second
	timeoutJob      = 5 * time.Second
	timeoutLLM      = 120 * time.Second
	timeoutStatus   = 5 * time.Second
	timeoutComplete = 10 * time.Second
	timeoutEvent    = 5 * time.Second
	// timeoutPrompt must exceed the server's long-poll wait window
	// (defaultPromptLongPollWindow in orchestrator/server.go) or every call
	// would spuriously time out instead of receiving a 204.
	timeoutPrompt = 35 * time.Second
)

// maxResponseBytes caps how much body data this client ever reads, so a
// misbehaving or compromised orchestrator can't exhaust worker memory.
const maxResponseBytes = 4 << 20 // 4 MiB (LLM completions can be large)

// Options configures a Client.
type Options struct {
	// Token is the worker's bearer token for this job, issued by C5.
	Token string
}

// Client calls one job's routes on the orchestrator API.
type Client struct {
	baseURL    string
	jobID      string
	token      string
	httpClient *http.Client
}

// New creates a Client for jobID against the orchestrator at baseURL
// (e.g. "http://172.17.0.1:8080").
func New(baseURL, jobID string, opts ...Options) *Client {
	var token string
	if len(opts) > 0 {
		token = opts[0].Token
	}
	return &Client{
		baseURL:    baseURL,
		jobID:      jobID,
		token:      token,
		httpClient: &http.Client{}, // no global timeout; every call sets its own
	}
}

// HealthResponse is returned by GET /health.
type HealthResponse struct {
	Status string `json:"status"`
}

// JobInfo is returned by GET /worker/{job}/job.
type JobInfo struct {
	Title       string `json:"title"`
	Description string `json:"description"`
	ProjectDir  string `json:"project_dir,omitempty"`
}

// StatusReport is the body POSTed to /worker/{job}/status.
type StatusReport struct {
	State     string                 `json:"state"`
	Iteration int                    `json:"iteration,omitempty"`
	Extra     map[string]interface{} `json:"extra,omitempty"`
}

// CompleteRequest is the body POSTed to /worker/{job}/complete.
type CompleteRequest struct {
	Success bool   `json:"success"`
	Message string `json:"message,omitempty"`
}

// PromptResponse is returned by GET /worker/{job}/prompt when a prompt
// is queued.
type PromptResponse struct {
	Content string `json:"content"`
	Done    bool   `json:"done"`
}

// ErrorResponse is what the orchestrator returns on a non-2xx response.
type ErrorResponse struct {
	Error string `json:"error"`
}

// Health calls the orchestrator's unauthenticated liveness route.
func (c *Client) Health(ctx context.Context) (*HealthResponse, error) {
	ctx, cancel := context.WithTimeout(ctx, timeoutHealth)
	defer cancel()
	var resp HealthResponse
	if err := c.get(ctx, "/health", &resp); err != nil {
		return nil, fmt.Errorf("health check: %w", err)
	}
	return &resp, nil
}

// Job fetches this job's description.
func (c *Client) Job(ctx context.Context) (*JobInfo, error) {
	ctx, cancel := context.WithTimeout(ctx, timeoutJob)
	defer cancel()
	var resp JobInfo
	if err := c.get(ctx, c.jobPath("/job"), &resp); err != nil {
		return nil, fmt.Errorf("get job: %w", err)
	}
	return &resp, nil
}

// Complete forwards a plain LLM completion request. The request/response
// shapes are the concrete LLM provider's own wire format — this client
// passes them through opaquely as raw JSON rather than modeling a
// specific vendor schema.
func (c *Client) Complete(ctx context.Context, req json.RawMessage) (json.RawMessage, error) {
	ctx, cancel := context.WithTimeout(ctx, timeoutLLM)
	defer cancel()
	var resp json.RawMessage
	if err := c.post(ctx, c.jobPath("/llm/complete"), req, &resp, false); err != nil {
		return nil, fmt.Errorf("llm complete: %w", err)
	}
	return resp, nil
}

// CompleteWithTools forwards a tool-using LLM completion request.
func (c *Client) CompleteWithTools(ctx context.Context, req json.RawMessage) (json.RawMessage, error) {
	ctx, cancel := context.WithTimeout(ctx, timeoutLLM)
	defer cancel()
	var resp json.RawMessage
	if err := c.post(ctx, c.jobPath("/llm/complete_with_tools"), req, &resp, false); err != nil {
		return nil, fmt.Errorf("llm complete with tools: %w", err)
	}
	return resp, nil
}

// toolCallRequest is the body POSTed to /worker/{job}/tool_call.
type toolCallRequest struct {
	Name      string          `json:"name"`
	Arguments json.RawMessage `json:"arguments"`
}

// InvokeTool asks the host to run a WASM tool extension by name and
// returns its raw JSON output. This is the worker's only path to C3:
// extensions run in the host's capability-gated wazero runtime, never
// inside the job's own container, so a tool_calls entry in an LLM
// response is dispatched back through this call rather than executed
// locally.
func (c *Client) InvokeTool(ctx context.Context, name string, arguments json.RawMessage) (json.RawMessage, error) {
	ctx, cancel := context.WithTimeout(ctx, timeoutLLM)
	defer cancel()
	var resp json.RawMessage
	req := toolCallRequest{Name: name, Arguments: arguments}
	if err := c.post(ctx, c.jobPath("/tool_call"), req, &resp, false); err != nil {
		return nil, fmt.Errorf("invoke tool %q: %w", name, err)
	}
	return resp, nil
}

// ReportStatus posts a status update. No response body is expected.
func (c *Client) ReportStatus(ctx context.Context, report StatusReport) error {
	ctx, cancel := context.WithTimeout(ctx, timeoutStatus)
	defer cancel()
	return c.post(ctx, c.jobPath("/status"), report, nil, false)
}

// CompleteJob reports the job's final outcome, after which the
// orchestrator revokes this client's own bearer token.
func (c *Client) CompleteJob(ctx context.Context, req CompleteRequest) error {
	ctx, cancel := context.WithTimeout(ctx, timeoutComplete)
	defer cancel()
	return c.post(ctx, c.jobPath("/complete"), req, nil, true)
}

// PushEvent submits one typed event for fan-out and persistence.
func (c *Client) PushEvent(ctx context.Context, eventType jobevent.Type, data interface{}) error {
	ctx, cancel := context.WithTimeout(ctx, timeoutEvent)
	defer cancel()
	body := struct {
		EventType jobevent.Type `json:"event_type"`
		Data      interface{}   `json:"data"`
	}{EventType: eventType, Data: data}
	return c.post(ctx, c.jobPath("/event"), body, nil, true)
}

// NextPrompt long-polls for the next queued follow-up prompt. ok is
// false (with a nil error) when the orchestrator responded 204 No
// Content, meaning no prompt was queued within its wait window — the
// caller is expected to call again.
func (c *Client) NextPrompt(ctx context.Context) (prompt *PromptResponse, ok bool, err error) {
	ctx, cancel := context.WithTimeout(ctx, timeoutPrompt)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+c.jobPath("/prompt"), nil)
	if err != nil {
		return nil, false, err
	}
	c.setCommonHeaders(req, false)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, false, fmt.Errorf("next prompt: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusNoContent {
		io.Copy(io.Discard, io.LimitReader(resp.Body, maxResponseBytes))
		return nil, false, nil
	}

	bodyBytes, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	if err != nil {
		return nil, false, fmt.Errorf("next prompt: read body: %w", err)
	}
	if resp.StatusCode >= 400 {
		return nil, false, apiError(req, resp, bodyBytes)
	}

	var out PromptResponse
	if err := json.Unmarshal(bodyBytes, &out); err != nil {
		return nil, false, fmt.Errorf("next prompt: unmarshal: %w", err)
	}
	return &out, true, nil
}

func (c *Client) jobPath(suffix string) string {
	return "/worker/" + c.jobID + suffix
}

// --- internal helpers ---

func (c *Client) get(ctx context.Context, path string, out interface{}) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+path, nil)
	if err != nil {
		return err
	}
	c.setCommonHeaders(req, false)
	return c.do(req, out)
}

// post sends a POST. idempotent=true adds an X-Idempotency-Key header
// carrying the same value as this request's X-Request-ID. Each call
// generates a new value, a repeated call included, and the orchestrator
// does not read the header.
func (c *Client) post(ctx context.Context, path string, body interface{}, out interface{}, idempotent bool) error {
	var bodyReader io.Reader
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("marshal request: %w", err)
		}
		bodyReader = bytes.NewReader(b)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, bodyReader)
	if err != nil {
		return err
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	c.setCommonHeaders(req, idempotent)
	return c.do(req, out)
}

func (c *Client) setCommonHeaders(req *http.Request, addIdempotencyKey bool) {
	if traceID := trace.FromContext(req.Context()); traceID != "" {
		req.Header.Set("X-Trace-ID", traceID)
	}
	reqID := trace.GenerateID()
	req.Header.Set("X-Request-ID", reqID)
	if addIdempotencyKey {
		req.Header.Set("X-Idempotency-Key", reqID)
	}
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}
}

func (c *Client) do(req *http.Request, out interface{}) error {
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("request %s %s: %w", req.Method, req.URL.Path, err)
	}
	defer resp.Body.Close()

	bodyBytes, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	if err != nil {
		return fmt.Errorf("read body: %w", err)
	}

	if resp.StatusCode >= 400 {
		return apiError(req, resp, bodyBytes)
	}

	if out != nil && len(bodyBytes) > 0 {
		if err := json.Unmarshal(bodyBytes, out); err != nil {
			return fmt.Errorf("unmarshal response: %w", err)
		}
	}
	return nil
}

func apiError(req *http.Request, resp *http.Response, bodyBytes []byte) error {
	var errResp ErrorResponse
	if err := json.Unmarshal(bodyBytes, &errResp); err == nil && errResp.Error != "" {
		return fmt.Errorf("orchestrator %s %s -> %d %s: %s",
			req.Method, req.URL.Path, resp.StatusCode, resp.Status, errResp.Error)
	}
	snippet := string(bodyBytes)
	if len(snippet) > 200 {
		snippet = snippet[:200] + "…"
	}
	if snippet != "" {
		return fmt.Errorf("orchestrator %s %s -> %d %s: %s",
			req.Method, req.URL.Path, resp.StatusCode, resp.Status, snippet)
	}
	return fmt.Errorf("orchestrator %s %s -> %d %s", req.Method, req.URL.Path, resp.StatusCode, resp.Status)
}
