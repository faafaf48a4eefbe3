package proxy_test

import (
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"net/url"
	"testing"
	"time"

	"github.com/bastionlabs/harbor/internal/capability"
	"github.com/bastionlabs/harbor/internal/sandbox/proxy"
)

type fakeSecrets struct {
	values map[string]string
}

func (f fakeSecrets) Get(ctx context.Context, name string) (string, bool) {
	v, ok := f.values[name]
	return v, ok
}

func capWithAllowlist(t *testing.T, hostSuffix, pathPrefix string) *capability.CapabilitySet {
	t.Helper()
	return &capability.CapabilitySet{
		Kind: capability.KindTool,
		HTTP: &capability.HTTPCapability{
			Allowlist: []capability.AllowlistEntry{
				{HostSuffix: hostSuffix, PathPrefix: pathPrefix},
			},
		},
	}
}

func TestDecideDeniesHostNotOnAllowlist(t *testing.T) {
	d := proxy.NewDecider(capWithAllowlist(t, "example.com", ""))
	req, ok := proxy.RequestFromURL("GET", "https://evil.example.net/path")
	if !ok {
		t.Fatal("expected RequestFromURL to parse")
	}
	decision := d.Decide(req)
	if decision.Allowed() {
		t.Fatal("expected deny for a host not on the allowlist")
	}
}

func TestDecideAllowsAnchoredSubdomain(t *testing.T) {
	d := proxy.NewDecider(capWithAllowlist(t, "example.com", ""))
	req, ok := proxy.RequestFromURL("GET", "https://api.example.com/v1/things")
	if !ok {
		t.Fatal("expected RequestFromURL to parse")
	}
	if !d.Decide(req).Allowed() {
		t.Fatal("expected allow for an anchored subdomain")
	}
}

func TestDecideAttachesCredentialWhenHostPatternMatches(t *testing.T) {
	cs := &capability.CapabilitySet{
		Kind: capability.KindTool,
		HTTP: &capability.HTTPCapability{
			Allowlist: []capability.AllowlistEntry{{HostSuffix: "example.com"}},
			Credentials: []capability.Credential{
				{
					Alias:        "api-key",
					SecretName:   "EXAMPLE_API_KEY",
					Location:     capability.CredentialLocation{Type: capability.LocationBearer},
					HostPatterns: []string{"*.example.com"},
				},
			},
		},
	}
	d := proxy.NewDecider(cs)
	req, _ := proxy.RequestFromURL("GET", "https://api.example.com/v1")
	decision := d.Decide(req)
	if decision.Kind != proxy.DecisionAllowWithCredentials {
		t.Fatalf("expected AllowWithCredentials, got kind %d", decision.Kind)
	}
	if decision.Credential.Alias != "api-key" {
		t.Fatalf("expected credential alias 'api-key', got %q", decision.Credential.Alias)
	}
}

func TestServerForwardsAllowedRequestAndInjectsCredential(t *testing.T) {
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if got := r.Header.Get("Authorization"); got != "Bearer secret-value" {
			t.Errorf("expected injected bearer credential, got %q", got)
		}
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("ok"))
	}))
	defer upstream.Close()

	upstreamHost := mustHost(t, upstream.URL)
	cs := &capability.CapabilitySet{
		Kind: capability.KindTool,
		HTTP: &capability.HTTPCapability{
			Allowlist: []capability.AllowlistEntry{{HostSuffix: upstreamHost}},
			Credentials: []capability.Credential{
				{
					Alias:        "upstream-key",
					SecretName:   "UPSTREAM_KEY",
					Location:     capability.CredentialLocation{Type: capability.LocationBearer},
					HostPatterns: []string{upstreamHost},
				},
			},
		},
	}

	srv := proxy.New("127.0.0.1:0", proxy.NewDecider(cs), fakeSecrets{values: map[string]string{"UPSTREAM_KEY": "secret-value"}}, nil)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	addr, err := srv.Start(ctx)
	if err != nil {
		t.Fatalf("Start: %v", err)
	}
	defer srv.Stop()
	time.Sleep(20 * time.Millisecond)

	proxyClient := &http.Client{
		Transport: &http.Transport{
			Proxy: http.ProxyURL(mustParseURL(t, "http://"+addr.String())),
		},
	}
	req, _ := http.NewRequest(http.MethodGet, upstream.URL+"/", nil)
	resp, err := proxyClient.Do(req)
	if err != nil {
		t.Fatalf("request through proxy failed: %v", err)
	}
	defer resp.Body.Close()
	body, _ := io.ReadAll(resp.Body)
	if resp.StatusCode != http.StatusOK || string(body) != "ok" {
		t.Fatalf("unexpected response: status=%d body=%q", resp.StatusCode, body)
	}
}

func TestServerBlocksRequestNotOnAllowlist(t *testing.T) {
	cs := capWithAllowlist(t, "only-this-host.internal", "")
	srv := proxy.New("127.0.0.1:0", proxy.NewDecider(cs), fakeSecrets{}, nil)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	addr, err := srv.Start(ctx)
	if err != nil {
		t.Fatalf("Start: %v", err)
	}
	defer srv.Stop()
	time.Sleep(20 * time.Millisecond)

	proxyClient := &http.Client{
		Transport: &http.Transport{
			Proxy: http.ProxyURL(mustParseURL(t, "http://"+addr.String())),
		},
	}
	req, _ := http.NewRequest(http.MethodGet, "http://blocked.example.com/", nil)
	resp, err := proxyClient.Do(req)
	if err != nil {
		t.Fatalf("request through proxy failed: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusForbidden {
		t.Fatalf("expected 403, got %d", resp.StatusCode)
	}
}

func mustHost(t *testing.T, raw string) string {
	t.Helper()
	u, err := url.Parse(raw)
	if err != nil {
		t.Fatalf("parsing %q: %v", raw, err)
	}
	return u.Hostname()
}

func mustParseURL(t *testing.T, raw string) *url.URL {
	t.Helper()
	u, err := url.Parse(raw)
	if err != nil {
		t.Fatalf("parsing %q: %v", raw, err)
	}
	return u
}
