package extruntime

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"

	"github.com/bastionlabs/harbor/internal/capability"
)

// MaxGuestResponseBytes caps the response body handed back to a guest
// extension through http_request, independent of whatever limit the
// upstream server itself enforces.
const MaxGuestResponseBytes = 1 << 20 // 1 MiB

// outboundRequest is the host-internal request shape built from the
// guest's wire call; it never crosses back into guest memory.
type outboundRequest struct {
	Method  string
	URL     string
	Headers map[string]string
	Body    []byte
}

// outboundResponse is marshaled to JSON and handed back across the guest
// boundary. HeadersJSON is pre-serialized so hostHTTPRequest does not need
// to know its shape.
type outboundResponse struct {
	Status      int
	HeadersJSON string
	Body        []byte
}

// NewHTTPDispatcher builds the httpDo function an invocationEnv uses to
// satisfy http_request calls: it resolves a credential via the
// extension's capability set, injects it at the configured location, and
// never returns the secret value itself to the caller.
func NewHTTPDispatcher(client *http.Client, cs *capability.CapabilitySet, secrets SecretStore) func(ctx context.Context, req outboundRequest) (outboundResponse, error) {
	if client == nil {
		client = http.DefaultClient
	}
	return func(ctx context.Context, req outboundRequest) (outboundResponse, error) {
		return doHTTP(ctx, client, cs, secrets, req)
	}
}

func doHTTP(ctx context.Context, client *http.Client, cs *capability.CapabilitySet, secrets SecretStore, req outboundRequest) (outboundResponse, error) {
	httpReq, err := http.NewRequestWithContext(ctx, req.Method, req.URL, bytes.NewReader(req.Body))
	if err != nil {
		return outboundResponse{}, fmt.Errorf("building request: %w", err)
	}
	for k, v := range req.Headers {
		if capability.IsHopByHop(k) {
			continue
		}
		httpReq.Header.Set(k, v)
	}

	host := httpReq.URL.Hostname()
	if cred, ok := cs.PickCredential(host); ok {
		if secrets == nil {
			return outboundResponse{}, fmt.Errorf("capability_denied: credential %q requires a secret store", cred.Alias)
		}
		value, ok := secrets.Get(ctx, cred.SecretName)
		if !ok {
			return outboundResponse{}, fmt.Errorf("capability_denied: secret %q not found", cred.SecretName)
		}
		capability.InjectCredential(httpReq, cred.Location, value)
	}

	resp, err := client.Do(httpReq)
	if err != nil {
		return outboundResponse{}, fmt.Errorf("upstream request failed: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, MaxGuestResponseBytes+1))
	if err != nil {
		return outboundResponse{}, fmt.Errorf("reading upstream body: %w", err)
	}
	truncated := false
	if len(body) > MaxGuestResponseBytes {
		body = body[:MaxGuestResponseBytes]
		truncated = true
	}

	respHeaders := make(map[string]string, len(resp.Header))
	for k := range resp.Header {
		respHeaders[k] = resp.Header.Get(k)
	}
	if truncated {
		respHeaders["X-Harbor-Truncated"] = "true"
	}
	headersJSON, _ := json.Marshal(respHeaders)

	return outboundResponse{
		Status:      resp.StatusCode,
		HeadersJSON: string(headersJSON),
		Body:        body,
	}, nil
}

