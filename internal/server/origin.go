package server

import (
	"log/slog"
	"net/http"
	"net/url"
	"strings"
)

// originPolicy is the browser Origin allowlist derived from the configured
// origins. A "*" entry switches it to allow everything.
type originPolicy struct {
	allowAll bool
	allowed  map[string]struct{}
}

// newOriginPolicy builds a policy from configured origins and returns the
// normalized list it kept. Invalid entries are logged and skipped.
func newOriginPolicy(origins []string) (originPolicy, []string) {
	policy := originPolicy{allowed: make(map[string]struct{}, len(origins))}
	var kept []string

	for _, origin := range origins {
		trimmed := strings.TrimSpace(origin)
		switch {
		case trimmed == "":
			continue
		case trimmed == "*":
			policy.allowAll = true
			continue
		}

		normalized, ok := normalizeOrigin(trimmed)
		if !ok {
			slog.Warn("ignoring invalid origin in configuration", "origin", origin)
			continue
		}
		if _, dup := policy.allowed[normalized]; dup {
			continue
		}
		policy.allowed[normalized] = struct{}{}
		kept = append(kept, normalized)
	}

	return policy, kept
}

// allows reports whether a request carrying the given Origin header may
// upgrade. Native clients send no Origin and only pass under "*".
func (p originPolicy) allows(origin string) bool {
	if p.allowAll {
		return true
	}
	if origin == "" {
		return false
	}
	normalized, ok := normalizeOrigin(origin)
	if !ok {
		return false
	}
	_, ok = p.allowed[normalized]
	return ok
}

// normalizeOrigin reduces origin to lowercase scheme://host[:port].
func normalizeOrigin(origin string) (string, bool) {
	parsed, err := url.Parse(origin)
	if err != nil || parsed.Scheme == "" || parsed.Host == "" {
		return "", false
	}
	return strings.ToLower(parsed.Scheme) + "://" + strings.ToLower(parsed.Host), true
}

// checkOrigin is the upgrader's CheckOrigin hook, evaluated against the
// policy active when the request arrives.
func checkOrigin(r *http.Request) bool {
	configMu.RLock()
	policy := activeOrigins
	configMu.RUnlock()

	origin := r.Header.Get("Origin")
	if policy.allows(origin) {
		return true
	}
	slog.Warn("blocked websocket connection from disallowed origin", "origin", origin, "addr", r.RemoteAddr)
	return false
}
