// Package proxy implements the sandbox's HTTP(S) forward proxy (C4): a
// policy decision pure function over a job's capability set, and an
// HTTP server that enforces it for every request a container issues.
package proxy

import (
	"net/url"
	"strings"

	"github.com/bastionlabs/harbor/internal/capability"
)

// DecisionKind distinguishes the three outcomes a policy decision can
// produce for one outbound request.
type DecisionKind int

const (
	DecisionDeny DecisionKind = iota
	DecisionAllow
	DecisionAllowWithCredentials
)

// Decision is the result of deciding whether and how to forward one
// request. Deny carries a human-readable Reason; AllowWithCredentials
// carries the resolved Credential so the caller can inject it without
// re-deriving it.
type Decision struct {
	Kind       DecisionKind
	Reason     string
	Credential capability.Credential
}

func (d Decision) Allowed() bool {
	return d.Kind == DecisionAllow || d.Kind == DecisionAllowWithCredentials
}

// Request is the normalized shape a policy decision is made over.
type Request struct {
	Method string
	URL    string
	Host   string
}

// RequestFromURL builds a Request from a method and raw URL, matching
// what the proxy parses off an incoming HTTP request line or CONNECT
// target.
func RequestFromURL(method, rawURL string) (Request, bool) {
	u, err := url.Parse(rawURL)
	if err != nil || u.Hostname() == "" {
		return Request{}, false
	}
	return Request{Method: strings.ToUpper(method), URL: rawURL, Host: u.Hostname()}, true
}

// Decider is the pure function a capability set exposes: same (job,
// request) in, same decision out, no side effects.
type Decider struct {
	cap *capability.CapabilitySet
}

func NewDecider(cs *capability.CapabilitySet) *Decider {
	return &Decider{cap: cs}
}

// Decide evaluates req against the decider's capability set. CONNECT
// requests are evaluated against the allowlist exactly like any other
// method, but the caller (server.go) never injects a credential into a
// CONNECT tunnel: the proxy cannot see inside the TLS session it sets up,
// so AllowWithCredentials on a CONNECT collapses to a plain allow at the
// call site.
func (d *Decider) Decide(req Request) Decision {
	if !d.cap.IsHTTPAllowed(req.Method, req.URL) {
		return Decision{Kind: DecisionDeny, Reason: "host or method not permitted by capability allowlist"}
	}
	if cred, ok := d.cap.PickCredential(req.Host); ok {
		return Decision{Kind: DecisionAllowWithCredentials, Credential: cred}
	}
	return Decision{Kind: DecisionAllow}
}
