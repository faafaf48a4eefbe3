package extruntime

import "fmt"

// GuestFailureClass classifies why a guest invocation failed.
type GuestFailureClass string

const (
	ClassTrap          GuestFailureClass = "trap"
	ClassTimeout       GuestFailureClass = "timeout"
	ClassResourceLimit GuestFailureClass = "resource_limit"
	ClassInvalidIO     GuestFailureClass = "invalid_io"
)

// GuestFailureError is fatal to the invocation that produced it; the
// caller must discard the invocation's ledger.
type GuestFailureError struct {
	Class   GuestFailureClass
	Name    string
	Message string // truncated guest-produced error text, if any
}

func (e *GuestFailureError) Error() string {
	return fmt.Sprintf("%s: %s: %s", e.Class, e.Name, e.Message)
}

// CompilationError is fatal and the offending bytes are never cached.
type CompilationError struct {
	Name   string
	Detail string
}

func (e *CompilationError) Error() string {
	return fmt.Sprintf("compiling %q: %s", e.Name, e.Detail)
}

// MissingExportError reports a guest module missing a required export for
// its declared kind.
type MissingExportError struct {
	Name   string
	Export string
}

func (e *MissingExportError) Error() string {
	return fmt.Sprintf("module %q missing required export %q", e.Name, e.Export)
}
