package ledger

import "fmt"

// ResourceExhaustedError reports that a per-invocation cap was hit: an
// HTTP rate-limit window, the per-invocation emit cap, or a bounded
// output buffer. Callers check Limit/Window for observability; the
// error itself is always non-retriable within the same invocation.
type ResourceExhaustedError struct {
	Resource string // e.g. "http_rate_limit", "emit_cap"
	Limit    int
	Window   string // e.g. "minute", "hour"; empty when not window-scoped
}

func (e *ResourceExhaustedError) Error() string {
	if e.Window == "" {
		return fmt.Sprintf("resource exhausted: %s (limit %d)", e.Resource, e.Limit)
	}
	return fmt.Sprintf("resource exhausted: %s (limit %d per %s)", e.Resource, e.Limit, e.Window)
}
