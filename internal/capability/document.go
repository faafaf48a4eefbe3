package capability

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"
)

// document mirrors the on-disk JSON shape (SPEC_FULL.md §6.1) before it is
// turned into the runtime CapabilitySet.
type document struct {
	Type         string           `json:"type"`
	Name         string           `json:"name"`
	Description  string           `json:"description"`
	Capabilities docCapabilities  `json:"capabilities"`
}

type docCapabilities struct {
	HTTP          *docHTTP    `json:"http"`
	Secrets       *docSecrets `json:"secrets"`
	WorkspaceRead *docWSRead  `json:"workspace_read"`
	Channel       *docChannel `json:"channel"`
}

type docHTTP struct {
	Allowlist   []docAllowlistEntry       `json:"allowlist"`
	Credentials json.RawMessage           `json:"credentials"`
	RateLimit   *docRateLimit             `json:"rate_limit"`
}

type docAllowlistEntry struct {
	Host       string   `json:"host"`
	PathPrefix string   `json:"path_prefix"`
	Methods    []string `json:"methods"`
}

type docCredential struct {
	SecretName   string          `json:"secret_name"`
	Location     docLocation     `json:"location"`
	HostPatterns []string        `json:"host_patterns"`
}

type docLocation struct {
	Type string `json:"type"`
	Name string `json:"name"`
}

type docRateLimit struct {
	RequestsPerMinute int `json:"requests_per_minute"`
	RequestsPerHour   int `json:"requests_per_hour"`
}

type docSecrets struct {
	AllowedNames []string `json:"allowed_names"`
}

type docWSRead struct {
	PathPrefixes []string `json:"path_prefixes"`
}

type docChannel struct {
	AllowedPaths      []string           `json:"allowed_paths"`
	AllowPolling      bool               `json:"allow_polling"`
	MinPollIntervalMs *int               `json:"min_poll_interval_ms"`
	WorkspacePrefix   string             `json:"workspace_prefix"`
	EmitRateLimit     *docEmitRateLimit  `json:"emit_rate_limit"`
	MaxMessageSize    *int               `json:"max_message_size"`
	CallbackTimeout   *int               `json:"callback_timeout_secs"`
	Webhook           *docWebhook        `json:"webhook"`
}

type docEmitRateLimit struct {
	MessagesPerMinute int `json:"messages_per_minute"`
	MessagesPerHour   int `json:"messages_per_hour"`
}

type docWebhook struct {
	SecretHeader string `json:"secret_header"`
	SecretName   string `json:"secret_name"`
}

// Parse validates raw document bytes against the embedded JSON Schema, then
// decodes and semantically validates them into an immutable CapabilitySet.
// Any structural or semantic problem produces a single descriptive error and
// no partially-built CapabilitySet — construction is all-or-nothing.
func Parse(data []byte) (*CapabilitySet, error) {
	if err := validateSchema(data); err != nil {
		return nil, err
	}

	var doc document
	if err := json.Unmarshal(data, &doc); err != nil {
		return nil, &ValidationError{Detail: fmt.Sprintf("decode: %v", err)}
	}

	cs := &CapabilitySet{
		Name: doc.Name,
	}
	switch doc.Type {
	case "tool":
		cs.Kind = KindTool
	case "channel":
		cs.Kind = KindChannel
	default:
		return nil, &ValidationError{Detail: fmt.Sprintf("unknown type %q", doc.Type)}
	}

	if doc.Capabilities.HTTP != nil {
		h, err := buildHTTP(doc.Capabilities.HTTP)
		if err != nil {
			return nil, err
		}
		cs.HTTP = h
	}
	if doc.Capabilities.Secrets != nil {
		cs.Secrets = &SecretsCapability{AllowedNames: doc.Capabilities.Secrets.AllowedNames}
	}
	if doc.Capabilities.WorkspaceRead != nil {
		cs.WorkspaceRead = &WorkspaceReadCapability{PathPrefixes: doc.Capabilities.WorkspaceRead.PathPrefixes}
	}

	if cs.Kind == KindChannel {
		ch, err := buildChannel(doc.Name, doc.Capabilities.Channel)
		if err != nil {
			return nil, err
		}
		cs.Channel = ch
	} else if doc.Capabilities.Channel != nil {
		return nil, &ValidationError{Detail: "channel capabilities set on a tool-type document"}
	}

	return cs, nil
}

func buildHTTP(d *docHTTP) (*HTTPCapability, error) {
	h := &HTTPCapability{}
	for _, e := range d.Allowlist {
		if e.Host == "" {
			return nil, &ValidationError{Detail: "http.allowlist entry missing host"}
		}
		methods := make(map[string]struct{}, len(e.Methods))
		for _, m := range e.Methods {
			methods[strings.ToUpper(m)] = struct{}{}
		}
		h.Allowlist = append(h.Allowlist, AllowlistEntry{
			HostSuffix: strings.ToLower(e.Host),
			PathPrefix: e.PathPrefix,
			Methods:    methods,
		})
	}

	// pick_credential's first-match semantics require declaration order to
	// be preserved; a plain map would lose it (Go map iteration order is
	// randomized), so the credentials object is walked token-by-token.
	aliases, entries, err := decodeOrderedCredentials(d.Credentials)
	if err != nil {
		return nil, err
	}
	for i, alias := range aliases {
		c := entries[i]
		if c.SecretName == "" {
			return nil, &ValidationError{Detail: fmt.Sprintf("credential %q missing secret_name", alias)}
		}
		loc, err := buildLocation(c.Location)
		if err != nil {
			return nil, fmt.Errorf("credential %q: %w", alias, err)
		}
		h.Credentials = append(h.Credentials, Credential{
			Alias:        alias,
			SecretName:   c.SecretName,
			Location:     loc,
			HostPatterns: c.HostPatterns,
		})
	}

	if d.RateLimit != nil {
		h.RateLimit = RateLimit{
			PerMinute: d.RateLimit.RequestsPerMinute,
			PerHour:   d.RateLimit.RequestsPerHour,
		}
	}
	return h, nil
}

// decodeOrderedCredentials walks the "credentials" object token-by-token so
// alias declaration order survives, which a map[string]docCredential would
// not (Go's map iteration order is randomized).
func decodeOrderedCredentials(raw json.RawMessage) ([]string, []docCredential, error) {
	if len(raw) == 0 {
		return nil, nil, nil
	}
	dec := json.NewDecoder(strings.NewReader(string(raw)))
	tok, err := dec.Token()
	if err != nil {
		return nil, nil, &ValidationError{Detail: fmt.Sprintf("credentials: %v", err)}
	}
	if delim, ok := tok.(json.Delim); !ok || delim != '{' {
		return nil, nil, &ValidationError{Detail: "credentials must be an object"}
	}

	var aliases []string
	var entries []docCredential
	for dec.More() {
		keyTok, err := dec.Token()
		if err != nil {
			return nil, nil, &ValidationError{Detail: fmt.Sprintf("credentials: %v", err)}
		}
		alias, ok := keyTok.(string)
		if !ok {
			return nil, nil, &ValidationError{Detail: "credentials keys must be strings"}
		}
		var c docCredential
		if err := dec.Decode(&c); err != nil {
			return nil, nil, &ValidationError{Detail: fmt.Sprintf("credential %q: %v", alias, err)}
		}
		aliases = append(aliases, alias)
		entries = append(entries, c)
	}
	return aliases, entries, nil
}

func buildLocation(l docLocation) (CredentialLocation, error) {
	switch l.Type {
	case string(LocationBearer):
		return CredentialLocation{Type: LocationBearer}, nil
	case string(LocationHeader):
		if l.Name == "" {
			return CredentialLocation{}, &ValidationError{Detail: "header location missing name"}
		}
		return CredentialLocation{Type: LocationHeader, Name: l.Name}, nil
	case string(LocationQueryParam):
		if l.Name == "" {
			return CredentialLocation{}, &ValidationError{Detail: "query_param location missing name"}
		}
		return CredentialLocation{Type: LocationQueryParam, Name: l.Name}, nil
	default:
		return CredentialLocation{}, &ValidationError{Detail: fmt.Sprintf("unknown location type %q", l.Type)}
	}
}

func buildChannel(extensionName string, d *docChannel) (*ChannelCapability, error) {
	ch := &ChannelCapability{
		AllowPolling:   false,
		MaxMessageSize: MaxMessageSizeCeiling,
	}
	if d == nil {
		ch.WorkspacePrefix = defaultWorkspacePrefix(extensionName)
		ch.CallbackTimeout = DefaultCallbackTimeout
		return ch, nil
	}

	ch.AllowedPaths = d.AllowedPaths
	ch.AllowPolling = d.AllowPolling

	// min_poll_interval_ms is clamped up to MinPollIntervalFloor here, at
	// construction, never at call time.
	interval := MinPollIntervalFloor
	if d.MinPollIntervalMs != nil {
		parsed := time.Duration(*d.MinPollIntervalMs) * time.Millisecond
		if parsed > interval {
			interval = parsed
		}
	}
	ch.MinPollInterval = interval

	ch.WorkspacePrefix = d.WorkspacePrefix
	if ch.WorkspacePrefix == "" {
		ch.WorkspacePrefix = defaultWorkspacePrefix(extensionName)
	}
	if !strings.HasSuffix(ch.WorkspacePrefix, "/") {
		ch.WorkspacePrefix += "/"
	}

	if d.EmitRateLimit != nil {
		ch.EmitRateLimit = RateLimit{
			PerMinute: d.EmitRateLimit.MessagesPerMinute,
			PerHour:   d.EmitRateLimit.MessagesPerHour,
		}
	}

	if d.MaxMessageSize != nil {
		size := *d.MaxMessageSize
		if size <= 0 || size > MaxMessageSizeCeiling {
			size = MaxMessageSizeCeiling
		}
		ch.MaxMessageSize = size
	}

	ch.CallbackTimeout = DefaultCallbackTimeout
	if d.CallbackTimeout != nil && *d.CallbackTimeout > 0 {
		ch.CallbackTimeout = time.Duration(*d.CallbackTimeout) * time.Second
	}

	if d.Webhook != nil {
		ch.WebhookSecretHdr = d.Webhook.SecretHeader
		ch.WebhookSecretName = d.Webhook.SecretName
	}

	return ch, nil
}

func defaultWorkspacePrefix(name string) string {
	return fmt.Sprintf("channels/%s/", name)
}
