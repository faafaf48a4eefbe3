package capability

import (
	"net/url"
	"path"
	"strings"
)

// IsHTTPAllowed reports whether method+url is permitted by some allowlist
// entry. A nil HTTP capability means no outbound HTTP is ever allowed.
func (cs *CapabilitySet) IsHTTPAllowed(method, rawURL string) bool {
	if cs.HTTP == nil {
		return false
	}
	u, err := url.Parse(rawURL)
	if err != nil {
		return false
	}
	host := strings.ToLower(u.Hostname())
	for _, e := range cs.HTTP.Allowlist {
		if !hostMatches(host, e.HostSuffix) {
			continue
		}
		if e.PathPrefix != "" && !pathMatches(u.Path, e.PathPrefix) {
			continue
		}
		if len(e.Methods) > 0 {
			if _, ok := e.Methods[strings.ToUpper(method)]; !ok {
				continue
			}
		}
		return true
	}
	return false
}

// hostMatches implements anchored suffix matching: exact equality or a
// "."-boundary suffix. Substring containment (e.g. "evilexample.com"
// matching "example.com") is deliberately rejected — see SPEC_FULL.md §9,
// Open Question 1.
func hostMatches(host, suffix string) bool {
	if host == "" || suffix == "" {
		return false
	}
	if host == suffix {
		return true
	}
	return strings.HasSuffix(host, "."+suffix)
}

// pathMatches reports whether p falls under the declared prefix. A prefix
// of "/api/" matches "/api/x" but not "/apitest" — the prefix must end on a
// path-segment boundary.
func pathMatches(p, prefix string) bool {
	if !strings.HasPrefix(p, prefix) {
		return false
	}
	if strings.HasSuffix(prefix, "/") {
		return true
	}
	// prefix doesn't end in "/": the next rune in p, if any, must be "/" so
	// "/api" doesn't spuriously match "/apitest".
	return len(p) == len(prefix) || p[len(prefix)] == '/'
}

// PickCredential returns the first credential (in declaration order) whose
// host_patterns match host, or ok=false if none does.
func (cs *CapabilitySet) PickCredential(host string) (cred Credential, ok bool) {
	if cs.HTTP == nil {
		return Credential{}, false
	}
	host = strings.ToLower(host)
	for _, c := range cs.HTTP.Credentials {
		for _, pattern := range c.HostPatterns {
			if globMatch(strings.ToLower(pattern), host) {
				return c, true
			}
		}
	}
	return Credential{}, false
}

// globMatch supports "*" wildcards via path.Match semantics, falling back
// to exact equality for patterns path.Match can't parse (e.g. containing
// no metacharacters, which is already covered by path.Match itself).
func globMatch(pattern, s string) bool {
	if pattern == s {
		return true
	}
	ok, err := path.Match(pattern, s)
	return err == nil && ok
}
