package capability_test

import (
	"strconv"
	"strings"
	"testing"

	"github.com/bastionlabs/harbor/internal/capability"
)

func mustParse(t *testing.T, doc string) *capability.CapabilitySet {
	t.Helper()
	cs, err := capability.Parse([]byte(doc))
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	return cs
}

func TestHostSuffixAnchoring(t *testing.T) {
	cs := mustParse(t, `{
		"type": "tool", "name": "t1",
		"capabilities": { "http": { "allowlist": [ {"host": "example.com"} ] } }
	}`)

	cases := []struct {
		url  string
		want bool
	}{
		{"https://example.com/x", true},
		{"https://api.example.com/x", true},
		{"https://evilexample.com/x", false},
		{"https://example.com.evil.com/x", false},
	}
	for _, c := range cases {
		if got := cs.IsHTTPAllowed("GET", c.url); got != c.want {
			t.Errorf("IsHTTPAllowed(%q) = %v, want %v", c.url, got, c.want)
		}
	}
}

func TestPathPrefixBoundary(t *testing.T) {
	cs := mustParse(t, `{
		"type": "tool", "name": "t1",
		"capabilities": { "http": { "allowlist": [ {"host": "example.com", "path_prefix": "/api/"} ] } }
	}`)

	if !cs.IsHTTPAllowed("GET", "https://example.com/api/x") {
		t.Error("expected /api/x to be allowed")
	}
	if cs.IsHTTPAllowed("GET", "https://example.com/apitest") {
		t.Error("expected /apitest to be denied")
	}
}

func TestUnsetHTTPMeansDefaultDeny(t *testing.T) {
	cs := mustParse(t, `{"type": "tool", "name": "t1", "capabilities": {}}`)
	if cs.IsHTTPAllowed("GET", "https://example.com/") {
		t.Error("expected default deny when http capability is unset")
	}
}

func TestMethodFiltering(t *testing.T) {
	cs := mustParse(t, `{
		"type": "tool", "name": "t1",
		"capabilities": { "http": { "allowlist": [ {"host": "example.com", "methods": ["GET"]} ] } }
	}`)
	if !cs.IsHTTPAllowed("GET", "https://example.com/") {
		t.Error("expected GET to be allowed")
	}
	if cs.IsHTTPAllowed("POST", "https://example.com/") {
		t.Error("expected POST to be denied")
	}
}

func TestPickCredentialFirstMatchWins(t *testing.T) {
	cs := mustParse(t, `{
		"type": "tool", "name": "t1",
		"capabilities": { "http": { "allowlist": [{"host":"example.com"}],
			"credentials": {
				"first": {"secret_name": "s1", "location": {"type":"bearer"}, "host_patterns": ["*.example.com"]},
				"second": {"secret_name": "s2", "location": {"type":"bearer"}, "host_patterns": ["*.example.com"]}
			} } }
	}`)
	cred, ok := cs.PickCredential("api.example.com")
	if !ok {
		t.Fatal("expected a credential match")
	}
	if cred.Alias != "first" {
		t.Errorf("expected first-declared alias to win, got %q", cred.Alias)
	}
}

func TestIsSecretNameAllowedGlob(t *testing.T) {
	cs := mustParse(t, `{
		"type": "tool", "name": "t1",
		"capabilities": { "secrets": { "allowed_names": ["slack_*"] } }
	}`)
	if !cs.IsSecretNameAllowed("slack_bot_token") {
		t.Error("expected slack_bot_token to be allowed")
	}
	if cs.IsSecretNameAllowed("github_token") {
		t.Error("expected github_token to be denied")
	}
}

func TestValidateWorkspacePathRejectsEscape(t *testing.T) {
	cs := mustParse(t, `{
		"type": "channel", "name": "slack",
		"capabilities": { "channel": { "allowed_paths": [], "allow_polling": false, "workspace_prefix": "channels/slack/" } }
	}`)

	if _, err := cs.ValidateWorkspacePath("../secrets.json"); err == nil {
		t.Error("expected escape to be rejected")
	}
	if _, err := cs.ValidateWorkspacePath("/etc/passwd"); err == nil {
		t.Error("expected absolute path to be rejected")
	}

	got, err := cs.ValidateWorkspacePath("state.json")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	want := "channels/slack/state.json"
	if got != want {
		t.Errorf("got %q, want %q", got, want)
	}
	if !strings.HasPrefix(got, cs.Channel.WorkspacePrefix) {
		t.Errorf("committed path %q does not start with workspace prefix %q", got, cs.Channel.WorkspacePrefix)
	}
}

func TestIsWorkspaceReadAllowed(t *testing.T) {
	cs := mustParse(t, `{
		"type": "tool", "name": "reader",
		"capabilities": { "workspace_read": { "path_prefixes": ["src/", "README.md"] } }
	}`)

	if !cs.IsWorkspaceReadAllowed("src/main.go") {
		t.Error("expected src/main.go to be allowed under prefix src/")
	}
	if !cs.IsWorkspaceReadAllowed("README.md") {
		t.Error("expected an exact-match prefix entry to be allowed")
	}
	if cs.IsWorkspaceReadAllowed("secrets.json") {
		t.Error("expected secrets.json to be denied: not under any declared prefix")
	}
	if cs.IsWorkspaceReadAllowed("srcish/evil.go") {
		t.Error("expected srcish/evil.go to be denied: prefix must end on a path boundary")
	}
}

func TestUnsetWorkspaceReadMeansDefaultDeny(t *testing.T) {
	cs := mustParse(t, `{"type": "tool", "name": "bare", "capabilities": {}}`)
	if cs.IsWorkspaceReadAllowed("anything.txt") {
		t.Error("expected a nil workspace_read capability to deny every path")
	}
}

func TestMinPollIntervalClampedAtConstruction(t *testing.T) {
	cs := mustParse(t, `{
		"type": "channel", "name": "poller",
		"capabilities": { "channel": { "allowed_paths": [], "allow_polling": true, "min_poll_interval_ms": 500 } }
	}`)
	if cs.Channel.MinPollInterval != capability.MinPollIntervalFloor {
		t.Errorf("expected clamp to floor %v, got %v", capability.MinPollIntervalFloor, cs.Channel.MinPollInterval)
	}
}

func TestMaxMessageSizeNeverExceedsCeiling(t *testing.T) {
	huge := capability.MaxMessageSizeCeiling * 10
	cs := mustParse(t, `{
		"type": "channel", "name": "poller",
		"capabilities": { "channel": { "allowed_paths": [], "allow_polling": false, "max_message_size": ` +
		strconv.Itoa(huge) + ` } }
	}`)
	if cs.Channel.MaxMessageSize != capability.MaxMessageSizeCeiling {
		t.Errorf("expected ceiling clamp, got %d", cs.Channel.MaxMessageSize)
	}
}

func TestParseRejectsInvalidDocument(t *testing.T) {
	_, err := capability.Parse([]byte(`{"type": "bogus", "name": "x", "capabilities": {}}`))
	if err == nil {
		t.Fatal("expected validation error for unknown type")
	}
}
