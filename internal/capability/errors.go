package capability

import "fmt"

// DeniedError reports that a requested effect falls outside a capability's
// grant. The HTTP layer and the WASM host ABI both map it without string
// matching, via Subject/Reason.
type DeniedError struct {
	Subject string // e.g. "http", "secret:openai_key", "workspace"
	Reason  string
}

func (e *DeniedError) Error() string {
	return fmt.Sprintf("capability denied (%s): %s", e.Subject, e.Reason)
}

// WorkspaceEscapeError reports a workspace_write/read call whose path would
// leave the extension's configured prefix.
type WorkspaceEscapeError struct {
	RawPath string
	Reason  string
}

func (e *WorkspaceEscapeError) Error() string {
	return fmt.Sprintf("workspace escape: %q: %s", e.RawPath, e.Reason)
}

// ValidationError reports a structurally or semantically invalid capability
// document. Construction fails wholesale; there is no partially-built
// CapabilitySet.
type ValidationError struct {
	Detail string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("invalid capability document: %s", e.Detail)
}
