package capability

import (
	"net/http"
	"strings"
)

// InjectCredential applies value at loc's configured location on req.
// Shared by the C3 WASM extension HTTP dispatcher and the C4 sandbox
// forward proxy — the two places a capability-resolved credential is
// ever attached to an outbound request — so the injection logic has
// exactly one definition.
func InjectCredential(req *http.Request, loc CredentialLocation, value string) {
	switch loc.Type {
	case LocationBearer:
		req.Header.Set("Authorization", "Bearer "+value)
	case LocationHeader:
		req.Header.Set(loc.Name, value)
	case LocationQueryParam:
		q := req.URL.Query()
		q.Set(loc.Name, value)
		req.URL.RawQuery = q.Encode()
	}
}

// HopByHopHeaders are stripped before a request or response crosses a
// proxy boundary, per RFC 7230 §6.1 — the same set the C3 extension
// runtime and the C4 sandbox proxy both enforce.
var HopByHopHeaders = map[string]struct{}{
	"connection":          {},
	"keep-alive":          {},
	"proxy-authenticate":  {},
	"proxy-authorization": {},
	"te":                  {},
	"trailer":             {},
	"transfer-encoding":   {},
	"upgrade":             {},
}

// IsHopByHop reports whether name (case-insensitive) is a hop-by-hop
// header that must not be relayed across a proxy boundary.
func IsHopByHop(name string) bool {
	_, ok := HopByHopHeaders[strings.ToLower(name)]
	return ok
}
