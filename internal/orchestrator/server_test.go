package orchestrator_test

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/bastionlabs/harbor/internal/jobs"
	"github.com/bastionlabs/harbor/internal/orchestrator"
	"github.com/bastionlabs/harbor/internal/orchestrator/jobevent"
	"github.com/bastionlabs/harbor/internal/workertoken"
)

type fakeLLM struct {
	completeErr error
}

func (f *fakeLLM) Complete(ctx context.Context, req json.RawMessage) (json.RawMessage, error) {
	if f.completeErr != nil {
		return nil, f.completeErr
	}
	return json.RawMessage(`{"text":"ok"}`), nil
}

func (f *fakeLLM) CompleteWithTools(ctx context.Context, req json.RawMessage) (json.RawMessage, error) {
	return json.RawMessage(`{"text":"ok","tool_calls":[]}`), nil
}

type fakeToolInvoker struct {
	lastJobID string
	lastName  string
	lastArgs  json.RawMessage
	err       error
}

func (f *fakeToolInvoker) InvokeTool(ctx context.Context, jobID, name string, arguments json.RawMessage) (json.RawMessage, error) {
	f.lastJobID = jobID
	f.lastName = name
	f.lastArgs = arguments
	if f.err != nil {
		return nil, f.err
	}
	return json.RawMessage(`{"ok":true}`), nil
}

type fakeEventStore struct {
	mu     sync.Mutex
	events []string
}

func (f *fakeEventStore) SaveJobEvent(ctx context.Context, jobID string, eventType jobevent.Type, data json.RawMessage) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.events = append(f.events, fmt.Sprintf("%s:%s", jobID, eventType))
	return nil
}

type testFixture struct {
	srv    *orchestrator.Server
	ts     *httptest.Server
	mgr    *jobs.Manager
	tokens *workertoken.Store
	token  string
}

func newTestFixture(t *testing.T) *testFixture {
	t.Helper()
	mgr := jobs.NewManager()
	tokens := workertoken.NewStore()

	jobID := "job-1"
	token, err := tokens.Issue(jobID)
	if err != nil {
		t.Fatalf("issue token: %v", err)
	}
	mgr.Register(&jobs.Job{JobID: jobID, Title: "t", Description: "d", TokenOpaqueHandle: token})
	mgr.RevokeToken = tokens.Revoke

	srv := orchestrator.New("", orchestrator.Handlers{
		Jobs:   mgr,
		Tokens: tokens,
		LLM:    &fakeLLM{},
		Events: &fakeEventStore{},
	})
	srv.PromptLongPollWindow = 200 * time.Millisecond

	ts := httptest.NewServer(srv.Handler())
	t.Cleanup(ts.Close)
	return &testFixture{srv: srv, ts: ts, mgr: mgr, tokens: tokens, token: token}
}

func TestToolCallForwardsToInvokerAndReturnsOutput(t *testing.T) {
	mgr := jobs.NewManager()
	tokens := workertoken.NewStore()
	mgr.Register(&jobs.Job{JobID: "job-1", Title: "t", Description: "d"})
	token, err := tokens.Issue("job-1")
	if err != nil {
		t.Fatalf("issue token: %v", err)
	}
	mgr.RevokeToken = tokens.Revoke
	tools := &fakeToolInvoker{}

	srv := orchestrator.New("", orchestrator.Handlers{
		Jobs:   mgr,
		Tokens: tokens,
		Tools:  tools,
	})
	ts := httptest.NewServer(srv.Handler())
	t.Cleanup(ts.Close)

	body, _ := json.Marshal(map[string]interface{}{"name": "echo", "arguments": map[string]string{"x": "y"}})
	req, _ := http.NewRequest(http.MethodPost, ts.URL+"/worker/job-1/tool_call", bytes.NewReader(body))
	req.Header.Set("Authorization", "Bearer "+token)
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("POST tool_call: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d, want 200", resp.StatusCode)
	}
	if tools.lastJobID != "job-1" || tools.lastName != "echo" {
		t.Fatalf("unexpected dispatch: job=%q name=%q", tools.lastJobID, tools.lastName)
	}
	var out struct {
		OK bool `json:"ok"`
	}
	json.NewDecoder(resp.Body).Decode(&out)
	if !out.OK {
		t.Fatalf("unexpected body: %+v", out)
	}
}

func TestToolCallWithoutInvokerReturns503(t *testing.T) {
	f := newTestFixture(t)

	body, _ := json.Marshal(map[string]interface{}{"name": "echo", "arguments": map[string]string{}})
	req, _ := http.NewRequest(http.MethodPost, f.ts.URL+"/worker/job-1/tool_call", bytes.NewReader(body))
	req.Header.Set("Authorization", "Bearer "+f.token)
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("POST tool_call: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusServiceUnavailable {
		t.Fatalf("status = %d, want 503", resp.StatusCode)
	}
}

func TestHealthIsUnauthenticated(t *testing.T) {
	f := newTestFixture(t)

	resp, err := http.Get(f.ts.URL + "/health")
	if err != nil {
		t.Fatalf("GET /health: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d, want 200", resp.StatusCode)
	}
}

func TestJobRouteRequiresMatchingToken(t *testing.T) {
	f := newTestFixture(t)

	req, _ := http.NewRequest(http.MethodGet, f.ts.URL+"/worker/job-1/job", nil)
	req.Header.Set("Authorization", "Bearer "+f.token)
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("GET job: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d, want 200", resp.StatusCode)
	}
}

func TestCrossJobTokenIsRejected(t *testing.T) {
	f := newTestFixture(t)

	f.mgr.Register(&jobs.Job{JobID: "job-2", Title: "t2"})
	tokenForOtherJob, err := f.tokens.Issue("job-2")
	if err != nil {
		t.Fatalf("issue: %v", err)
	}

	req, _ := http.NewRequest(http.MethodGet, f.ts.URL+"/worker/job-1/job", nil)
	req.Header.Set("Authorization", "Bearer "+tokenForOtherJob)
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("GET job: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusUnauthorized {
		t.Fatalf("status = %d, want 401", resp.StatusCode)
	}
}

func TestUnknownJobReturns404(t *testing.T) {
	f := newTestFixture(t)

	token, err := f.tokens.Issue("ghost-job")
	if err != nil {
		t.Fatalf("issue: %v", err)
	}
	req, _ := http.NewRequest(http.MethodGet, f.ts.URL+"/worker/ghost-job/job", nil)
	req.Header.Set("Authorization", "Bearer "+token)
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("GET job: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusNotFound {
		t.Fatalf("status = %d, want 404", resp.StatusCode)
	}
}

func TestCompleteJobRevokesToken(t *testing.T) {
	f := newTestFixture(t)

	body, _ := json.Marshal(map[string]interface{}{"success": true})
	req, _ := http.NewRequest(http.MethodPost, f.ts.URL+"/worker/job-1/complete", bytes.NewReader(body))
	req.Header.Set("Authorization", "Bearer "+f.token)
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("POST complete: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d, want 200", resp.StatusCode)
	}
	if _, err := f.tokens.JobFor(f.token); err == nil {
		t.Fatal("expected token to be revoked after job completion")
	}
}

func TestPromptLongPollReturnsQueuedThen204(t *testing.T) {
	f := newTestFixture(t)
	f.srv.QueuePrompt("job-1", "hi", false)

	req, _ := http.NewRequest(http.MethodGet, f.ts.URL+"/worker/job-1/prompt", nil)
	req.Header.Set("Authorization", "Bearer "+f.token)
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("GET prompt: %v", err)
	}
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("first poll status = %d, want 200", resp.StatusCode)
	}
	var p struct {
		Content string `json:"content"`
		Done    bool   `json:"done"`
	}
	json.NewDecoder(resp.Body).Decode(&p)
	resp.Body.Close()
	if p.Content != "hi" {
		t.Fatalf("unexpected prompt content %q", p.Content)
	}

	// Second poll, nothing queued: must 204 once the window elapses.
	req2, _ := http.NewRequest(http.MethodGet, f.ts.URL+"/worker/job-1/prompt", nil)
	req2.Header.Set("Authorization", "Bearer "+f.token)
	resp2, err := http.DefaultClient.Do(req2)
	if err != nil {
		t.Fatalf("GET prompt 2: %v", err)
	}
	defer resp2.Body.Close()
	if resp2.StatusCode != http.StatusNoContent {
		t.Fatalf("second poll status = %d, want 204", resp2.StatusCode)
	}
}

func TestEventRouteAcceptsSubmittedEvents(t *testing.T) {
	f := newTestFixture(t)

	for i := 0; i < 3; i++ {
		body, _ := json.Marshal(map[string]string{"event_type": "status"})
		req, _ := http.NewRequest(http.MethodPost, f.ts.URL+"/worker/job-1/event", bytes.NewReader(body))
		req.Header.Set("Authorization", "Bearer "+f.token)
		resp, err := http.DefaultClient.Do(req)
		if err != nil {
			t.Fatalf("POST event %d: %v", i, err)
		}
		resp.Body.Close()
		if resp.StatusCode != http.StatusOK {
			t.Fatalf("event %d status = %d, want 200", i, resp.StatusCode)
		}
	}
}

func TestLLMCompleteForwardsAndReturnsBody(t *testing.T) {
	f := newTestFixture(t)

	body, _ := json.Marshal(map[string]string{"prompt": "hello"})
	req, _ := http.NewRequest(http.MethodPost, f.ts.URL+"/worker/job-1/llm/complete", bytes.NewReader(body))
	req.Header.Set("Authorization", "Bearer "+f.token)
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("POST llm/complete: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d, want 200", resp.StatusCode)
	}
	var out struct {
		Text string `json:"text"`
	}
	json.NewDecoder(resp.Body).Decode(&out)
	if out.Text != "ok" {
		t.Fatalf("unexpected body: %+v", out)
	}
}
