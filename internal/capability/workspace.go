package capability

import (
	"path"
	"strings"
)

// ValidateWorkspacePath rejects absolute paths and any path containing a
// ".." component, then concatenates the cleaned relative path with the
// extension's workspace prefix (which always ends in "/"). The result is
// idempotent: re-validating an already-prefixed, already-clean path yields
// the same prefixed path back only if passed as a fresh relative path; the
// function itself always operates on raw relative input.
func (cs *CapabilitySet) ValidateWorkspacePath(raw string) (string, error) {
	prefix := cs.workspacePrefix()

	if raw == "" {
		return "", &WorkspaceEscapeError{RawPath: raw, Reason: "empty path"}
	}
	if path.IsAbs(raw) || strings.HasPrefix(raw, "/") {
		return "", &WorkspaceEscapeError{RawPath: raw, Reason: "absolute paths are not permitted"}
	}
	for _, seg := range strings.Split(raw, "/") {
		if seg == ".." {
			return "", &WorkspaceEscapeError{RawPath: raw, Reason: "path must not contain .. components"}
		}
	}

	cleaned := path.Clean(raw)
	if cleaned == "." {
		return "", &WorkspaceEscapeError{RawPath: raw, Reason: "path resolves to workspace root"}
	}
	// path.Clean can only produce a leading ".." if raw itself climbed
	// above its own root, which the per-segment check above already
	// rejected, but re-check defensively since Clean is used for its
	// "./" canonicalization, not as the primary guard.
	if cleaned == ".." || strings.HasPrefix(cleaned, "../") {
		return "", &WorkspaceEscapeError{RawPath: raw, Reason: "path escapes workspace root"}
	}

	return prefix + cleaned, nil
}

// IsWorkspaceReadAllowed reports whether the guest may read the given
// workspace-relative path. A nil WorkspaceRead capability means no
// workspace read is ever allowed; otherwise raw must fall under one of
// the declared path_prefixes, matched on a path-segment boundary the same
// way IsHTTPAllowed matches a declared HTTP path prefix.
func (cs *CapabilitySet) IsWorkspaceReadAllowed(raw string) bool {
	if cs.WorkspaceRead == nil {
		return false
	}
	for _, prefix := range cs.WorkspaceRead.PathPrefixes {
		if pathMatches(raw, prefix) {
			return true
		}
	}
	return false
}

func (cs *CapabilitySet) workspacePrefix() string {
	if cs.Channel != nil && cs.Channel.WorkspacePrefix != "" {
		return cs.Channel.WorkspacePrefix
	}
	return ""
}
