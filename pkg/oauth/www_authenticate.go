package oauth

import (
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
)

// Challenge represents the auth requirement extracted from a probe response.
// It combines the parsed WWW-Authenticate header with any OAuth error body
// the server returned alongside it.
type Challenge struct {
	// NeedsAuth indicates the server requires authorization. A 401 with no
	// WWW-Authenticate header still sets this; the discovery hints are then
	// empty and callers fall back to the well-known path convention.
	NeedsAuth bool

	// Scheme is the authentication scheme (typically "Bearer").
	Scheme string

	// Realm is the protection realm, often the authorization server URL.
	Realm string

	// ResourceMetadata is the URL to the protected resource metadata
	// document (RFC 9728). When present it is authoritative for discovery.
	ResourceMetadata string

	// Scope is the space-separated list of required OAuth scopes.
	Scope string

	// Error is the OAuth error code (invalid_token, insufficient_scope, ...).
	Error string

	// ErrorDescription is the human-readable error description, if any.
	ErrorDescription string

	// Resource is the resource indicator the server bound the error to,
	// if it advertised one.
	Resource string
}

// IsInsufficientScope reports whether the challenge signals that the
// presented token lacked a required scope (RFC 6750 section 3.1).
func (c *Challenge) IsInsufficientScope() bool {
	return c != nil && c.Error == "insufficient_scope"
}

// ResourceMetadataURL returns the URL to use for protected resource metadata
// discovery. The resource_metadata challenge parameter wins; otherwise the
// well-known convention relative to the server origin is used.
func (c *Challenge) ResourceMetadataURL(serverOrigin string) string {
	if c != nil && c.ResourceMetadata != "" {
		return c.ResourceMetadata
	}
	return strings.TrimSuffix(serverOrigin, "/") + "/.well-known/oauth-protected-resource"
}

// ParseWWWAuthenticate parses a WWW-Authenticate header value.
// It supports the Bearer scheme with quoted and unquoted parameters:
//
//	Bearer realm="https://auth.example.com", scope="read write"
//	Bearer error=insufficient_scope, scope=write
//	Bearer resource_metadata="https://srv/.well-known/oauth-protected-resource"
//
// Returns an error when the header is present but not parseable; a malformed
// header must never be mistaken for "no auth required".
func ParseWWWAuthenticate(header string) (*Challenge, error) {
	header = strings.TrimSpace(header)
	if header == "" {
		return nil, fmt.Errorf("empty WWW-Authenticate header")
	}

	parts := strings.SplitN(header, " ", 2)
	scheme := parts[0]
	if scheme == "" || strings.Contains(scheme, "=") {
		return nil, fmt.Errorf("invalid WWW-Authenticate header: missing scheme")
	}

	challenge := &Challenge{
		NeedsAuth: true,
		Scheme:    scheme,
	}

	if len(parts) > 1 {
		for key, value := range parseAuthParams(parts[1]) {
			switch key {
			case "realm":
				challenge.Realm = value
			case "resource_metadata":
				challenge.ResourceMetadata = value
			case "scope":
				challenge.Scope = value
			case "error":
				challenge.Error = value
			case "error_description":
				challenge.ErrorDescription = value
			case "resource":
				challenge.Resource = value
			}
		}
	}

	return challenge, nil
}

// parseAuthParams parses the parameter portion of a WWW-Authenticate header.
// Parameters are comma-separated key=value pairs; values may be quoted.
func parseAuthParams(paramStr string) map[string]string {
	params := make(map[string]string)

	for _, pair := range splitAuthParams(paramStr) {
		key, value, ok := strings.Cut(pair, "=")
		if !ok {
			continue
		}
		key = strings.ToLower(strings.TrimSpace(key))
		value = strings.TrimSpace(value)
		if len(value) >= 2 && value[0] == '"' && value[len(value)-1] == '"' {
			value = value[1 : len(value)-1]
		}
		if key != "" {
			params[key] = value
		}
	}

	return params
}

// splitAuthParams splits on commas that are not inside quoted values.
func splitAuthParams(s string) []string {
	var out []string
	var sb strings.Builder
	inQuotes := false

	for _, r := range s {
		switch {
		case r == '"':
			inQuotes = !inQuotes
			sb.WriteRune(r)
		case r == ',' && !inQuotes:
			if part := strings.TrimSpace(sb.String()); part != "" {
				out = append(out, part)
			}
			sb.Reset()
		default:
			sb.WriteRune(r)
		}
	}
	if part := strings.TrimSpace(sb.String()); part != "" {
		out = append(out, part)
	}

	return out
}

// maxErrorBodyBytes bounds how much of an error response body is read when
// looking for an OAuth error document.
const maxErrorBodyBytes = 8 * 1024

// ParseChallengeFromResponse extracts the auth requirement from a probe
// response. A nil Challenge with a nil error means no auth is required.
//
// A 401 or 403 always signals an auth requirement. When the header is absent
// or unparseable, the response body is consulted for an OAuth error document;
// the result still reports NeedsAuth so that a server that omits discovery
// hints is never treated as open.
func ParseChallengeFromResponse(resp *http.Response) (*Challenge, error) {
	if resp == nil {
		return nil, fmt.Errorf("nil response")
	}
	if resp.StatusCode != http.StatusUnauthorized && resp.StatusCode != http.StatusForbidden {
		return nil, nil
	}

	challenge, parseErr := ParseWWWAuthenticate(resp.Header.Get("WWW-Authenticate"))
	if parseErr != nil {
		// No usable header. Still an auth requirement.
		challenge = &Challenge{NeedsAuth: true, Scheme: "Bearer"}
	}

	// Some servers put insufficient_scope details in the body rather than
	// the header. Use the body only to fill fields the header didn't set.
	if challenge.Error == "" && resp.Body != nil {
		if body, err := io.ReadAll(io.LimitReader(resp.Body, maxErrorBodyBytes)); err == nil {
			var errResp ErrorResponse
			if json.Unmarshal(body, &errResp) == nil && errResp.Error != "" {
				challenge.Error = errResp.Error
				if challenge.ErrorDescription == "" {
					challenge.ErrorDescription = errResp.ErrorDescription
				}
			}
		}
	}

	return challenge, nil
}
