package orchestrator

import (
	"context"
	"encoding/json"
)

// ToolInvoker is the host's connection to the C3 WASM extension runtime.
// A worker that receives a tool_calls-bearing completion cannot execute
// the extension itself — extensions run in the host's wazero runtime,
// capability-gated and ledger-tracked, never inside the job's untrusted
// container — so it calls back through this interface instead. name
// is the extension name; arguments is the tool call's raw JSON
// argument object; the returned json.RawMessage is fed back to the
// model as the corresponding tool result message.
type ToolInvoker interface {
	InvokeTool(ctx context.Context, jobID, name string, arguments json.RawMessage) (json.RawMessage, error)
}
