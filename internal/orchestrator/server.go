// Package orchestrator implements the orchestrator API (C6): the single
// HTTP server a job's worker process calls to read its job description,
// proxy LLM completions, report status and completion, push structured
// events, and long-poll for follow-up prompts. Grounded on the teacher's
// Agent Control Protocol server (internal/gitai/control), whose
// Handlers-bundle-plus-ServeMux shape this package reuses for an
// analogous but job-scoped control surface.
package orchestrator

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"runtime"
	"time"

	"github.com/bastionlabs/harbor/internal/apierr"
	"github.com/bastionlabs/harbor/internal/jobs"
	"github.com/bastionlabs/harbor/internal/orchestrator/jobevent"
	"github.com/bastionlabs/harbor/internal/workertoken"
)

// defaultPromptLongPollWindow is how long /worker/{job}/prompt blocks
// waiting for a prompt before responding 204 No Content.
const defaultPromptLongPollWindow = 25 * time.Second

// EventStore is the narrow slice of the persistence contract (§6.5) this
// package needs: fire-and-forget durability for job events. internal/store
// supplies the concrete implementation; tests may supply an in-memory one.
type EventStore interface {
	SaveJobEvent(ctx context.Context, jobID string, eventType jobevent.Type, data json.RawMessage) error
}

// Handlers bundles this server's collaborators, mirroring the teacher's
// control.Handlers dependency-injection shape.
type Handlers struct {
	Jobs   *jobs.Manager
	Tokens *workertoken.Store
	LLM    LLMProvider
	Tools  ToolInvoker // may be nil; /worker/{job}/tool_call then responds 503
	Events EventStore  // may be nil; events are then fanned out but not persisted
}

// Server is the orchestrator API HTTP server.
type Server struct {
	addr    string
	h       Handlers
	server  *http.Server
	prompts *promptQueue
	hub     *hub

	// PromptLongPollWindow overrides defaultPromptLongPollWindow; tests
	// set this to a small value so a 204 case doesn't wait 25s.
	PromptLongPollWindow time.Duration
}

// New builds a Server listening on addr once Start is called.
func New(addr string, h Handlers) *Server {
	s := &Server{
		addr:                 addr,
		h:                    h,
		prompts:              newPromptQueue(),
		hub:                  newHub(),
		PromptLongPollWindow: defaultPromptLongPollWindow,
	}

	mux := http.NewServeMux()
	mux.HandleFunc("GET /health", s.handleHealth)
	mux.HandleFunc("GET /worker/{job}/job", s.handleJob)
	mux.HandleFunc("POST /worker/{job}/llm/complete", s.handleLLMComplete)
	mux.HandleFunc("POST /worker/{job}/llm/complete_with_tools", s.handleLLMCompleteWithTools)
	mux.HandleFunc("POST /worker/{job}/tool_call", s.handleToolCall)
	mux.HandleFunc("POST /worker/{job}/status", s.handleStatus)
	mux.HandleFunc("POST /worker/{job}/complete", s.handleComplete)
	mux.HandleFunc("POST /worker/{job}/event", s.handleEvent)
	mux.HandleFunc("GET /worker/{job}/prompt", s.handlePrompt)
	// Supplemental beyond the route table: an SSE subscription endpoint
	// for the broadcast channel §4.6 describes. Placed under /worker/ so
	// workertoken.Middleware covers it with the same auth scheme rather
	// than inventing a second one for dashboard subscribers.
	mux.HandleFunc("GET /worker/{job}/events", s.handleEvents)

	s.server = &http.Server{
		Addr:         addr,
		Handler:      workertoken.Middleware(h.Tokens, mux),
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 0, // long-poll and SSE routes hold the connection open
	}
	return s
}

// Handler returns the server's composed http.Handler (auth middleware
// wrapping the route mux), for tests and for embedding in a larger mux.
func (s *Server) Handler() http.Handler {
	return s.server.Handler
}

// QueuePrompt enqueues a follow-up prompt for jobID, waking any worker
// currently long-polling /worker/{job}/prompt.
func (s *Server) QueuePrompt(jobID, content string, done bool) {
	s.prompts.enqueue(jobID, content, done)
}

// ListenAddr applies the binding discipline §4.6 requires: on Linux the
// listener binds every interface (containers reach the host via the
// bridge gateway), elsewhere it binds loopback only, since the
// auth middleware — not network topology — is the real boundary.
func ListenAddr(port string) string {
	if runtime.GOOS == "linux" {
		return ":" + port
	}
	return "127.0.0.1:" + port
}

// Start begins listening. It returns once the listener is bound.
func (s *Server) Start(ctx context.Context) error {
	ln, err := net.Listen("tcp", s.addr)
	if err != nil {
		return fmt.Errorf("orchestrator listen %s: %w", s.addr, err)
	}
	slog.Info("orchestrator API listening", "addr", ln.Addr().String())
	go func() {
		if err := s.server.Serve(ln); err != nil && err != http.ErrServerClosed {
			slog.Error("orchestrator API error", "err", err)
		}
	}()
	go func() {
		<-ctx.Done()
		s.server.Shutdown(context.Background())
	}()
	return nil
}

// Stop gracefully shuts down the server.
func (s *Server) Stop() {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	s.server.Shutdown(ctx)
}

// --- handlers ---

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	apierr.WriteJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

type jobResponse struct {
	Title       string `json:"title"`
	Description string `json:"description"`
	ProjectDir  string `json:"project_dir,omitempty"`
}

func (s *Server) handleJob(w http.ResponseWriter, r *http.Request) {
	jobID := r.PathValue("job")
	job, err := s.h.Jobs.GetHandle(jobID)
	if err != nil {
		apierr.WriteError(w, err)
		return
	}
	apierr.WriteJSON(w, http.StatusOK, jobResponse{
		Title:       job.Title,
		Description: job.Description,
		ProjectDir:  job.ProjectDir,
	})
}

func (s *Server) handleLLMComplete(w http.ResponseWriter, r *http.Request) {
	s.forwardLLM(w, r, func(ctx context.Context, req json.RawMessage) (json.RawMessage, error) {
		return s.h.LLM.Complete(ctx, req)
	})
}

func (s *Server) handleLLMCompleteWithTools(w http.ResponseWriter, r *http.Request) {
	s.forwardLLM(w, r, func(ctx context.Context, req json.RawMessage) (json.RawMessage, error) {
		return s.h.LLM.CompleteWithTools(ctx, req)
	})
}

// forwardLLM decodes the raw request body and forwards it to fn,
// writing back whatever the provider returned. A provider failure is an
// upstream failure in the literal sense of the route table ("on upstream
// failure, respond 502") rather than a taxonomy kind this system owns,
// so it's written directly instead of routed through apierr.StatusFor.
func (s *Server) forwardLLM(w http.ResponseWriter, r *http.Request, fn func(context.Context, json.RawMessage) (json.RawMessage, error)) {
	if s.h.LLM == nil {
		apierr.WriteJSON(w, http.StatusBadGateway, map[string]string{"error": "no llm provider configured"})
		return
	}
	body, err := decodeRaw(r)
	if err != nil {
		apierr.WriteJSON(w, http.StatusBadRequest, map[string]string{"error": err.Error()})
		return
	}
	resp, err := fn(r.Context(), body)
	if err != nil {
		apierr.WriteJSON(w, http.StatusBadGateway, map[string]string{"error": err.Error()})
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	w.Write(resp)
}

// toolCallRequest is the body POSTed to /worker/{job}/tool_call: the
// model-requested extension name and its raw JSON argument object, as
// carried by a CompletionResponse.Message.ToolCalls entry.
type toolCallRequest struct {
	Name      string          `json:"name"`
	Arguments json.RawMessage `json:"arguments"`
}

func (s *Server) handleToolCall(w http.ResponseWriter, r *http.Request) {
	jobID := r.PathValue("job")
	if s.h.Tools == nil {
		apierr.WriteJSON(w, http.StatusServiceUnavailable, map[string]string{"error": "no tool invoker configured"})
		return
	}
	var req toolCallRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		apierr.WriteJSON(w, http.StatusBadRequest, map[string]string{"error": err.Error()})
		return
	}
	if req.Name == "" {
		apierr.WriteJSON(w, http.StatusBadRequest, map[string]string{"error": "tool call name is required"})
		return
	}
	out, err := s.h.Tools.InvokeTool(r.Context(), jobID, req.Name, req.Arguments)
	if err != nil {
		apierr.WriteJSON(w, http.StatusBadGateway, map[string]string{"error": err.Error()})
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	w.Write(out)
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	jobID := r.PathValue("job")
	var report struct {
		State     string                 `json:"state"`
		Iteration int                    `json:"iteration,omitempty"`
		Extra     map[string]interface{} `json:"extra,omitempty"`
	}
	if err := json.NewDecoder(r.Body).Decode(&report); err != nil {
		apierr.WriteJSON(w, http.StatusBadRequest, map[string]string{"error": err.Error()})
		return
	}
	slog.Info("job status report", "job_id", jobID, "state", report.State, "iteration", report.Iteration)
	w.WriteHeader(http.StatusOK)
}

func (s *Server) handleComplete(w http.ResponseWriter, r *http.Request) {
	jobID := r.PathValue("job")
	var req struct {
		Success bool   `json:"success"`
		Message string `json:"message,omitempty"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		apierr.WriteJSON(w, http.StatusBadRequest, map[string]string{"error": err.Error()})
		return
	}
	if err := s.h.Jobs.CompleteJob(jobID, jobs.Result{Success: req.Success, Message: req.Message}); err != nil {
		apierr.WriteError(w, err)
		return
	}
	w.WriteHeader(http.StatusOK)
}

func (s *Server) handleEvent(w http.ResponseWriter, r *http.Request) {
	jobID := r.PathValue("job")
	body, err := decodeRaw(r)
	if err != nil {
		apierr.WriteJSON(w, http.StatusBadRequest, map[string]string{"error": err.Error()})
		return
	}
	e, err := jobevent.Parse(body)
	if err != nil {
		apierr.WriteJSON(w, http.StatusBadRequest, map[string]string{"error": err.Error()})
		return
	}
	e.JobID = jobID
	e.CreatedAt = time.Now().UTC()
	seq, err := s.h.Jobs.BumpEventSeq(jobID)
	if err != nil {
		apierr.WriteError(w, err)
		return
	}
	e.Seq = seq

	if s.h.Events != nil {
		// Fire-and-forget: a store outage must not block the worker's
		// event submission, per §4.6's "persist (fire-and-forget)".
		go func() {
			ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			if err := s.h.Events.SaveJobEvent(ctx, jobID, e.EventType, e.Data); err != nil {
				slog.Error("persist job event failed", "job_id", jobID, "err", err)
			}
		}()
	}
	s.hub.publish(jobID, jobevent.ProjectWire(e))
	w.WriteHeader(http.StatusOK)
}

func (s *Server) handlePrompt(w http.ResponseWriter, r *http.Request) {
	jobID := r.PathValue("job")
	if p, ok := s.prompts.pop(jobID); ok {
		apierr.WriteJSON(w, http.StatusOK, map[string]interface{}{"content": p.Content, "done": p.Done})
		return
	}

	window := s.PromptLongPollWindow
	if window <= 0 {
		window = defaultPromptLongPollWindow
	}
	ch := s.prompts.waitChan(jobID)
	select {
	case <-ch:
		if p, ok := s.prompts.pop(jobID); ok {
			apierr.WriteJSON(w, http.StatusOK, map[string]interface{}{"content": p.Content, "done": p.Done})
			return
		}
		w.WriteHeader(http.StatusNoContent)
	case <-time.After(window):
		w.WriteHeader(http.StatusNoContent)
	case <-r.Context().Done():
	}
}

func (s *Server) handleEvents(w http.ResponseWriter, r *http.Request) {
	jobID := r.PathValue("job")
	flusher, ok := w.(http.Flusher)
	if !ok {
		apierr.WriteJSON(w, http.StatusInternalServerError, map[string]string{"error": "streaming unsupported"})
		return
	}
	ch, unsubscribe := s.hub.subscribe(jobID)
	defer unsubscribe()

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	for {
		select {
		case we, open := <-ch:
			if !open {
				return // dropped as a slow subscriber
			}
			data, _ := json.Marshal(we)
			fmt.Fprintf(w, "event: %s\ndata: %s\n\n", we.Kind, data)
			flusher.Flush()
		case <-r.Context().Done():
			return
		}
	}
}

func decodeRaw(r *http.Request) (json.RawMessage, error) {
	var raw json.RawMessage
	if err := json.NewDecoder(r.Body).Decode(&raw); err != nil {
		return nil, fmt.Errorf("decode request body: %w", err)
	}
	return raw, nil
}
