// Harbor-worker is the process the host launches inside each job's
// ephemeral container. It speaks every route on the orchestrator API
// (internal/orchestrator/workerclient): it fetches its job description,
// long-polls for follow-up prompts, forwards them to the host LLM,
// dispatches any tool_calls the model requests back through the host's
// C3 WASM runtime, reports status and emits job events, and finally
// reports completion.
//
// Required environment variables:
//
//	HARBOR_JOB_ID    - the job this process belongs to
//	HARBOR_TOKEN     - the bearer token C5 issued for this job
//	HARBOR_API_URL   - base URL of the orchestrator (e.g. "http://172.17.0.1:8443")
package main

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/bastionlabs/harbor/internal/llmprovider"
	"github.com/bastionlabs/harbor/internal/orchestrator/jobevent"
	"github.com/bastionlabs/harbor/internal/orchestrator/workerclient"
)

// maxToolIterations bounds how many tool_calls round-trips a single
// prompt may trigger before the worker gives up and fails the job,
// guarding against a model stuck requesting tools forever.
const maxToolIterations = 8

func main() {
	jobID := requireEnv("HARBOR_JOB_ID")
	token := requireEnv("HARBOR_TOKEN")
	apiURL := requireEnv("HARBOR_API_URL")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
	go func() {
		<-sigCh
		cancel()
	}()

	client := workerclient.New(apiURL, jobID, workerclient.Options{Token: token})

	job, err := client.Job(ctx)
	if err != nil {
		fail(ctx, client, fmt.Errorf("fetch job description: %w", err))
	}
	slog.Info("worker started", "job_id", jobID, "title", job.Title)

	if err := client.ReportStatus(ctx, workerclient.StatusReport{State: "in_progress", Iteration: 0}); err != nil {
		slog.Warn("reporting initial status failed", "error", err)
	}

	if err := runLoop(ctx, client); err != nil {
		fail(ctx, client, err)
	}

	if err := client.CompleteJob(ctx, workerclient.CompleteRequest{Success: true, Message: "worker finished normally"}); err != nil {
		slog.Error("reporting successful completion failed", "error", err)
		os.Exit(1)
	}
}

// runLoop long-polls for follow-up prompts, forwards each to the host
// LLM, and emits the response as a job event, until a prompt arrives
// with done=true or the context is cancelled.
func runLoop(ctx context.Context, client *workerclient.Client) error {
	iteration := 0
	for {
		if ctx.Err() != nil {
			return ctx.Err()
		}

		prompt, ok, err := client.NextPrompt(ctx)
		if err != nil {
			return fmt.Errorf("long-poll for prompt: %w", err)
		}
		if !ok {
			continue
		}

		iteration++
		if err := client.PushEvent(ctx, jobevent.TypeMessage, map[string]string{"role": "user", "content": prompt.Content}); err != nil {
			slog.Warn("pushing user-message event failed", "error", err)
		}

		reply, err := converse(ctx, client, prompt.Content)
		if err != nil {
			return fmt.Errorf("llm completion: %w", err)
		}
		if err := client.PushEvent(ctx, jobevent.TypeMessage, map[string]string{"role": "assistant", "content": reply}); err != nil {
			slog.Warn("pushing response event failed", "error", err)
		}

		if err := client.ReportStatus(ctx, workerclient.StatusReport{State: "in_progress", Iteration: iteration}); err != nil {
			slog.Warn("reporting status failed", "error", err)
		}

		if prompt.Done {
			if err := client.PushEvent(ctx, jobevent.TypeResult, map[string]bool{"done": true}); err != nil {
				slog.Warn("pushing result event failed", "error", err)
			}
			return nil
		}
	}
}

// converse drives one prompt to a final assistant message. Each round
// goes through /llm/complete_with_tools; when the model's reply carries
// tool_calls, converse dispatches each one through the orchestrator's C3
// bridge (client.InvokeTool), appends the tool results as RoleTool
// messages, and loops — the same request/response/tool-result pattern
// every OpenAI-style tool-using chat loop follows — until the model
// answers without requesting a tool or maxToolIterations is hit.
func converse(ctx context.Context, client *workerclient.Client, userContent string) (string, error) {
	messages := []llmprovider.Message{{Role: llmprovider.RoleUser, Content: userContent}}

	for i := 0; i < maxToolIterations; i++ {
		reqBody, err := json.Marshal(llmprovider.CompletionRequest{Messages: messages})
		if err != nil {
			return "", fmt.Errorf("encode completion request: %w", err)
		}
		respBody, err := client.CompleteWithTools(ctx, reqBody)
		if err != nil {
			return "", err
		}
		var resp llmprovider.CompletionResponse
		if err := json.Unmarshal(respBody, &resp); err != nil {
			return "", fmt.Errorf("decode completion response: %w", err)
		}

		if len(resp.Message.ToolCalls) == 0 {
			return resp.Message.Content, nil
		}

		messages = append(messages, resp.Message)
		for _, call := range resp.Message.ToolCalls {
			out, err := client.InvokeTool(ctx, call.Function.Name, json.RawMessage(call.Function.Arguments))
			result := string(out)
			if err != nil {
				slog.Warn("tool call failed", "tool", call.Function.Name, "error", err)
				result = fmt.Sprintf(`{"error":%q}`, err.Error())
			}
			messages = append(messages, llmprovider.Message{
				Role:       llmprovider.RoleTool,
				Content:    result,
				ToolCallID: call.ID,
				Name:       call.Function.Name,
			})
		}
	}

	return "", fmt.Errorf("exceeded %d tool-call iterations without a final answer", maxToolIterations)
}

func fail(ctx context.Context, client *workerclient.Client, cause error) {
	slog.Error("worker failing job", "error", cause)
	if err := client.CompleteJob(ctx, workerclient.CompleteRequest{Success: false, Message: cause.Error()}); err != nil {
		slog.Error("reporting failure completion also failed", "error", err)
	}
	os.Exit(1)
}

func requireEnv(key string) string {
	v := os.Getenv(key)
	if v == "" {
		fmt.Fprintf(os.Stderr, "fatal: required environment variable %q is not set\n", key)
		os.Exit(1)
	}
	return v
}
