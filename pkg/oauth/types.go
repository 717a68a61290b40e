package oauth

import (
	"fmt"
	"net/url"
	"sort"
	"strings"
	"time"

	"golang.org/x/oauth2"
)

// DefaultExpiryMargin is the default margin when checking token expiry.
// This accounts for clock skew and network latency.
const DefaultExpiryMargin = 30 * time.Second

// TokenRefreshThreshold is the duration before token expiry when tokens
// should be proactively refreshed. Tokens expiring within this threshold
// are refreshed automatically when a refresh token is available.
const TokenRefreshThreshold = 5 * time.Minute

// NormalizeServerURL normalizes a server URL by stripping transport-specific
// path suffixes (/mcp, /sse) and trailing slashes to get the base server URL.
// This ensures consistent token storage and metadata discovery regardless of
// which endpoint path is used when connecting.
func NormalizeServerURL(serverURL string) string {
	serverURL = strings.TrimSuffix(serverURL, "/")
	serverURL = strings.TrimSuffix(serverURL, "/mcp")
	serverURL = strings.TrimSuffix(serverURL, "/sse")
	return serverURL
}

// Token represents an OAuth token response from a token endpoint.
type Token struct {
	// AccessToken is the bearer token used for authorization.
	AccessToken string `json:"access_token"`

	// TokenType is typically "Bearer".
	TokenType string `json:"token_type,omitempty"`

	// RefreshToken is used to obtain new access tokens (optional).
	RefreshToken string `json:"refresh_token,omitempty"`

	// ExpiresIn is the token lifetime in seconds (from token response).
	ExpiresIn int `json:"expires_in,omitempty"`

	// ExpiresAt is the calculated expiration timestamp.
	ExpiresAt time.Time `json:"expires_at,omitempty"`

	// Scope is the granted scope(s), space-separated.
	Scope string `json:"scope,omitempty"`

	// Issuer is the authorization server that issued this token.
	Issuer string `json:"issuer,omitempty"`
}

// IsExpired checks if the token has expired.
// Returns true if the token is expired or will expire within the default margin.
func (t *Token) IsExpired() bool {
	return t.IsExpiredWithMargin(DefaultExpiryMargin)
}

// IsExpiredWithMargin checks if the token has expired or will expire within the margin.
func (t *Token) IsExpiredWithMargin(margin time.Duration) bool {
	if t.ExpiresAt.IsZero() {
		return false // Tokens without expiration don't expire
	}
	return time.Now().Add(margin).After(t.ExpiresAt)
}

// SetExpiresAtFromExpiresIn calculates and sets ExpiresAt from ExpiresIn.
func (t *Token) SetExpiresAtFromExpiresIn() {
	if t.ExpiresIn > 0 && t.ExpiresAt.IsZero() {
		t.ExpiresAt = time.Now().Add(time.Duration(t.ExpiresIn) * time.Second)
	}
}

// Scopes returns the granted scope as a slice of individual scopes.
func (t *Token) Scopes() []string {
	return ParseScopes(t.Scope)
}

// ToOAuth2Token converts the Token to an oauth2.Token for compatibility
// with golang.org/x/oauth2 consumers.
func (t *Token) ToOAuth2Token() *oauth2.Token {
	return &oauth2.Token{
		AccessToken:  t.AccessToken,
		TokenType:    t.TokenType,
		RefreshToken: t.RefreshToken,
		Expiry:       t.ExpiresAt,
	}
}

// ParseScopes splits a space-separated scope string into individual scopes.
func ParseScopes(scope string) []string {
	if scope == "" {
		return nil
	}
	return strings.Fields(scope)
}

// JoinScopes joins individual scopes into a space-separated scope string
// per RFC 6749 section 3.3.
func JoinScopes(scopes []string) string {
	return strings.Join(scopes, " ")
}

// ScopesSubset reports whether every scope in got was also in requested.
// An empty requested set accepts any granted scope.
func ScopesSubset(got, requested []string) bool {
	if len(requested) == 0 {
		return true
	}
	want := make(map[string]bool, len(requested))
	for _, s := range requested {
		want[s] = true
	}
	for _, s := range got {
		if !want[s] {
			return false
		}
	}
	return true
}

// ScopesUnion merges two scope sets, preserving stable sorted order.
func ScopesUnion(a, b []string) []string {
	seen := make(map[string]bool, len(a)+len(b))
	var union []string
	for _, s := range a {
		if s != "" && !seen[s] {
			seen[s] = true
			union = append(union, s)
		}
	}
	for _, s := range b {
		if s != "" && !seen[s] {
			seen[s] = true
			union = append(union, s)
		}
	}
	sort.Strings(union)
	return union
}

// ProtectedResourceMetadata represents OAuth 2.0 Protected Resource Metadata
// as defined in RFC 9728.
type ProtectedResourceMetadata struct {
	// Resource is the identifier for the protected resource.
	Resource string `json:"resource"`

	// AuthorizationServers lists the authorization servers that can issue
	// tokens for this resource.
	AuthorizationServers []string `json:"authorization_servers"`

	// BearerMethodsSupported lists the ways Bearer tokens can be sent (RFC 6750).
	BearerMethodsSupported []string `json:"bearer_methods_supported,omitempty"`

	// ScopesSupported lists the scopes understood by this resource.
	ScopesSupported []string `json:"scopes_supported,omitempty"`
}

// Validate checks the required RFC 9728 fields.
func (m *ProtectedResourceMetadata) Validate() error {
	if m.Resource == "" {
		return fmt.Errorf("resource field missing in protected resource metadata")
	}
	if len(m.AuthorizationServers) == 0 {
		return fmt.Errorf("authorization_servers field missing in protected resource metadata")
	}
	for _, as := range m.AuthorizationServers {
		if _, err := url.Parse(as); err != nil {
			return fmt.Errorf("invalid authorization server URL %q: %w", as, err)
		}
	}
	return nil
}

// AuthorizationServerMetadata represents OAuth 2.0 Authorization Server
// Metadata as defined in RFC 8414.
type AuthorizationServerMetadata struct {
	// Issuer is the authorization server's issuer identifier.
	Issuer string `json:"issuer"`

	// AuthorizationEndpoint is the URL of the authorization endpoint.
	AuthorizationEndpoint string `json:"authorization_endpoint"`

	// TokenEndpoint is the URL of the token endpoint.
	TokenEndpoint string `json:"token_endpoint"`

	// RegistrationEndpoint is the URL for dynamic client registration (RFC 7591).
	RegistrationEndpoint string `json:"registration_endpoint,omitempty"`

	// RevocationEndpoint is the URL of the token revocation endpoint (RFC 7009).
	RevocationEndpoint string `json:"revocation_endpoint,omitempty"`

	// IntrospectionEndpoint is the URL of the token introspection endpoint (RFC 7662).
	IntrospectionEndpoint string `json:"introspection_endpoint,omitempty"`

	// ScopesSupported lists the OAuth 2.0 scope values supported.
	ScopesSupported []string `json:"scopes_supported,omitempty"`

	// ResponseTypesSupported lists the response_type values supported.
	ResponseTypesSupported []string `json:"response_types_supported,omitempty"`

	// GrantTypesSupported lists the grant types supported.
	GrantTypesSupported []string `json:"grant_types_supported,omitempty"`

	// TokenEndpointAuthMethodsSupported lists the client authentication methods.
	TokenEndpointAuthMethodsSupported []string `json:"token_endpoint_auth_methods_supported,omitempty"`

	// CodeChallengeMethodsSupported lists the PKCE code challenge methods.
	CodeChallengeMethodsSupported []string `json:"code_challenge_methods_supported,omitempty"`

	// ClientIDMetadataDocumentSupported indicates the server accepts a
	// client-metadata-document URL as the client_id.
	ClientIDMetadataDocumentSupported bool `json:"client_id_metadata_document_supported,omitempty"`
}

// Validate checks the required RFC 8414 fields.
func (m *AuthorizationServerMetadata) Validate() error {
	if m.Issuer == "" {
		return fmt.Errorf("issuer field missing in authorization server metadata")
	}
	if _, err := url.Parse(m.Issuer); err != nil {
		return fmt.Errorf("invalid issuer URL: %w", err)
	}
	if m.AuthorizationEndpoint == "" {
		return fmt.Errorf("authorization_endpoint field missing in authorization server metadata")
	}
	if m.TokenEndpoint == "" {
		return fmt.Errorf("token_endpoint field missing in authorization server metadata")
	}
	return nil
}

// SupportsPKCE returns true if the server supports S256 PKCE.
// If no methods are advertised, S256 is assumed (OAuth 2.1 requirement).
func (m *AuthorizationServerMetadata) SupportsPKCE() bool {
	for _, method := range m.CodeChallengeMethodsSupported {
		if method == PKCEMethodS256 {
			return true
		}
	}
	return len(m.CodeChallengeMethodsSupported) == 0
}

// SupportsGrantType returns true if the server advertises the grant type.
// If no grant types are advertised, authorization_code is assumed per RFC 8414.
func (m *AuthorizationServerMetadata) SupportsGrantType(grantType string) bool {
	if len(m.GrantTypesSupported) == 0 {
		return grantType == GrantTypeAuthorizationCode
	}
	for _, gt := range m.GrantTypesSupported {
		if gt == grantType {
			return true
		}
	}
	return false
}

// Grant types and PKCE methods used across the subsystem.
const (
	GrantTypeAuthorizationCode = "authorization_code"
	GrantTypeRefreshToken      = "refresh_token"

	PKCEMethodS256  = "S256"
	PKCEMethodPlain = "plain"
)

// ClientRegistrationRequest represents a dynamic client registration request
// as defined in RFC 7591.
type ClientRegistrationRequest struct {
	RedirectURIs            []string `json:"redirect_uris,omitempty"`
	TokenEndpointAuthMethod string   `json:"token_endpoint_auth_method,omitempty"`
	GrantTypes              []string `json:"grant_types,omitempty"`
	ResponseTypes           []string `json:"response_types,omitempty"`
	ClientName              string   `json:"client_name,omitempty"`
	ClientURI               string   `json:"client_uri,omitempty"`
	Scope                   string   `json:"scope,omitempty"`
	SoftwareID              string   `json:"software_id,omitempty"`
	SoftwareVersion         string   `json:"software_version,omitempty"`
}

// ClientRegistrationResponse represents a dynamic client registration response.
type ClientRegistrationResponse struct {
	ClientID                string   `json:"client_id"`
	ClientSecret            string   `json:"client_secret,omitempty"`
	ClientIDIssuedAt        int64    `json:"client_id_issued_at,omitempty"`
	ClientSecretExpiresAt   int64    `json:"client_secret_expires_at,omitempty"`
	RegistrationAccessToken string   `json:"registration_access_token,omitempty"`
	RegistrationClientURI   string   `json:"registration_client_uri,omitempty"`
	RedirectURIs            []string `json:"redirect_uris,omitempty"`
	Scope                   string   `json:"scope,omitempty"`
}

// ClientMetadata represents OAuth 2.0 Client Metadata as defined in RFC 7591,
// used for client-metadata-document URLs referenced as client_id.
type ClientMetadata struct {
	ClientID                string   `json:"client_id"`
	ClientName              string   `json:"client_name,omitempty"`
	ClientURI               string   `json:"client_uri,omitempty"`
	RedirectURIs            []string `json:"redirect_uris"`
	GrantTypes              []string `json:"grant_types,omitempty"`
	ResponseTypes           []string `json:"response_types,omitempty"`
	TokenEndpointAuthMethod string   `json:"token_endpoint_auth_method,omitempty"`
	Scope                   string   `json:"scope,omitempty"`
}

// IntrospectionResponse represents a token introspection response (RFC 7662).
type IntrospectionResponse struct {
	Active    bool   `json:"active"`
	Scope     string `json:"scope,omitempty"`
	ClientID  string `json:"client_id,omitempty"`
	TokenType string `json:"token_type,omitempty"`
	Exp       int64  `json:"exp,omitempty"`
	Iat       int64  `json:"iat,omitempty"`
	Sub       string `json:"sub,omitempty"`
	Aud       string `json:"aud,omitempty"`
	Iss       string `json:"iss,omitempty"`
}

// ErrorResponse represents an OAuth error response body (RFC 6749 section 5.2).
type ErrorResponse struct {
	Error            string `json:"error"`
	ErrorDescription string `json:"error_description,omitempty"`
	ErrorURI         string `json:"error_uri,omitempty"`
}

// PKCEChallenge represents a PKCE (Proof Key for Code Exchange) pair.
// PKCE binds an authorization code to the client that requested it.
type PKCEChallenge struct {
	// CodeVerifier is the cryptographically random secret. It is never
	// transmitted to the authorization server before the code exchange.
	CodeVerifier string

	// CodeChallenge is derived from the verifier and sent in the
	// authorization request.
	CodeChallenge string

	// CodeChallengeMethod is "S256", or "plain" when the server does not
	// support S256.
	CodeChallengeMethod string
}
