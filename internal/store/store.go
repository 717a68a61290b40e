package store

import (
	"context"
	"errors"
	"time"

	"golang.org/x/oauth2"

	"tether/pkg/oauth"
)

// ErrNotFound is returned when a record does not exist, has expired, or has
// already been consumed.
var ErrNotFound = errors.New("store: not found")

// TokenStatus is the lifecycle status of a stored token.
type TokenStatus string

const (
	// StatusPending means an authorization flow was started but has not
	// completed yet.
	StatusPending TokenStatus = "pending"

	// StatusConnected means the integration holds a usable token.
	StatusConnected TokenStatus = "connected"

	// StatusError means the token is unusable (refresh token revoked or
	// expired) and a full re-authorization is required.
	StatusError TokenStatus = "error"
)

// StoredToken is the persisted token for one (user, integration) pair.
// Access and refresh tokens are encrypted at rest by the store
// implementations; callers always see plaintext values.
type StoredToken struct {
	// UserID identifies the owning user.
	UserID string `json:"user_id"`

	// IntegrationID identifies the remote integration.
	IntegrationID string `json:"integration_id"`

	// AccessToken is the bearer token used against the remote server.
	AccessToken string `json:"access_token"`

	// RefreshToken is used to obtain new access tokens (optional).
	RefreshToken string `json:"refresh_token,omitempty"`

	// TokenType is typically "Bearer".
	TokenType string `json:"token_type,omitempty"`

	// Expiry is when the access token expires. Zero means no expiry.
	Expiry time.Time `json:"expiry,omitempty"`

	// Scopes are the granted scopes.
	Scopes []string `json:"scopes,omitempty"`

	// Resource is the resource indicator the token is bound to (RFC 8707).
	Resource string `json:"resource,omitempty"`

	// Issuer is the authorization server that issued the token.
	Issuer string `json:"issuer,omitempty"`

	// Status is the lifecycle status of this token.
	Status TokenStatus `json:"status"`

	// CreatedAt is when the token was first stored.
	CreatedAt time.Time `json:"created_at"`

	// UpdatedAt is when the token was last replaced (refresh).
	UpdatedAt time.Time `json:"updated_at"`
}

// IsExpired reports whether the access token is expired or expires within
// the default margin.
func (t *StoredToken) IsExpired() bool {
	if t.Expiry.IsZero() {
		return false
	}
	return time.Now().Add(oauth.DefaultExpiryMargin).After(t.Expiry)
}

// NeedsRefresh reports whether the token should be proactively refreshed.
func (t *StoredToken) NeedsRefresh() bool {
	if t.Expiry.IsZero() || t.RefreshToken == "" {
		return false
	}
	return time.Now().Add(oauth.TokenRefreshThreshold).After(t.Expiry)
}

// ToOAuth2Token converts the stored token to an oauth2.Token for consumers.
func (t *StoredToken) ToOAuth2Token() *oauth2.Token {
	return &oauth2.Token{
		AccessToken:  t.AccessToken,
		RefreshToken: t.RefreshToken,
		TokenType:    t.TokenType,
		Expiry:       t.Expiry,
	}
}

// OAuthState is the short-lived CSRF record for one authorization attempt.
// It binds the random state token to the flow context and the PKCE verifier.
// Single-use: consumed atomically on the first successful validation.
type OAuthState struct {
	// State is the random token carried through the authorization redirect.
	State string `json:"state"`

	// UserID identifies the user who started the flow.
	UserID string `json:"user_id"`

	// IntegrationID identifies the integration being connected.
	IntegrationID string `json:"integration_id"`

	// RedirectPath is where the caller's UI resumes after the callback.
	RedirectPath string `json:"redirect_path,omitempty"`

	// CodeVerifier is the PKCE verifier for this attempt.
	CodeVerifier string `json:"code_verifier"`

	// CodeChallengeMethod is the PKCE method used ("S256" or "plain").
	CodeChallengeMethod string `json:"code_challenge_method,omitempty"`

	// Issuer is the authorization server the attempt was started against.
	// The callback uses it to resolve the token endpoint without re-probing
	// the integration server.
	Issuer string `json:"issuer,omitempty"`

	// Resource is the resource indicator sent in the authorization request.
	Resource string `json:"resource,omitempty"`

	// Scopes are the scopes requested in the authorization request.
	Scopes []string `json:"scopes,omitempty"`

	// CreatedAt is when the flow was started.
	CreatedAt time.Time `json:"created_at"`
}

// DefaultStateTTL is how long an authorization attempt may stay pending.
const DefaultStateTTL = 10 * time.Minute

// ClientRegistration is a persisted OAuth client identity for an
// authorization server, either dynamically registered (RFC 7591) or
// statically configured.
type ClientRegistration struct {
	// Issuer is the authorization server this registration belongs to.
	Issuer string `json:"issuer"`

	// IntegrationID identifies the integration the client was registered for.
	IntegrationID string `json:"integration_id"`

	// UserID is set when the registration is per-user; empty when shared.
	UserID string `json:"user_id,omitempty"`

	// ClientID is the OAuth client identifier.
	ClientID string `json:"client_id"`

	// ClientSecret is set for confidential clients. Never logged.
	ClientSecret string `json:"client_secret,omitempty"`

	// RegistrationAccessToken manages the registration (RFC 7592). Never logged.
	RegistrationAccessToken string `json:"registration_access_token,omitempty"`

	// RegistrationClientURI is the registration management endpoint.
	RegistrationClientURI string `json:"registration_client_uri,omitempty"`

	// ClientSecretExpiresAt is when the secret expires. Zero means never.
	ClientSecretExpiresAt time.Time `json:"client_secret_expires_at,omitempty"`

	// Static is true when the registration came from operator configuration
	// rather than dynamic registration.
	Static bool `json:"static,omitempty"`

	// CreatedAt is when the registration was stored.
	CreatedAt time.Time `json:"created_at"`
}

// Expired reports whether the client secret has expired, forcing a fresh
// registration. Registrations without a secret expiry never expire.
func (c *ClientRegistration) Expired() bool {
	if c.ClientSecretExpiresAt.IsZero() {
		return false
	}
	return time.Now().After(c.ClientSecretExpiresAt)
}

// TokenStore persists tokens keyed by (user, integration).
type TokenStore interface {
	PutToken(ctx context.Context, token *StoredToken) error
	GetToken(ctx context.Context, userID, integrationID string) (*StoredToken, error)
	DeleteToken(ctx context.Context, userID, integrationID string) error
}

// StateStore persists short-lived authorization state records.
//
// ConsumeState must be atomic: of two concurrent calls with the same state,
// exactly one receives the record and the other receives ErrNotFound.
type StateStore interface {
	PutState(ctx context.Context, state *OAuthState, ttl time.Duration) error
	ConsumeState(ctx context.Context, state string) (*OAuthState, error)
}

// ClientStore persists client registrations keyed by
// (issuer, integration, user). An empty userID addresses the shared
// per-integration registration.
type ClientStore interface {
	PutClient(ctx context.Context, reg *ClientRegistration) error
	GetClient(ctx context.Context, issuer, integrationID, userID string) (*ClientRegistration, error)
}

// DiscoveryCache caches raw discovery documents by URL with a TTL.
// Documents are stored as validated JSON bytes; the discovery client owns
// the typed representation.
type DiscoveryCache interface {
	PutMetadata(ctx context.Context, url string, doc []byte, ttl time.Duration) error
	GetMetadata(ctx context.Context, url string) ([]byte, error)
}

// Store is the single shared mutable resource of the subsystem. Every other
// component is stateless given a Store handle, which keeps the subsystem
// safe to run across multiple backend processes.
type Store interface {
	TokenStore
	StateStore
	ClientStore
	DiscoveryCache

	Close() error
}
