package oauth

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"tether/internal/store"
	"tether/pkg/logging"
	"tether/pkg/oauth"
)

// tokenExchangeTimeout bounds the authorization code exchange. It is longer
// than the discovery timeout because a failed exchange burns the single-use
// code and forces the user through the consent screen again.
const tokenExchangeTimeout = 12 * time.Second

// Flow builds authorization URLs and completes the PKCE code exchange.
type Flow struct {
	httpClient *http.Client
	states     store.StateStore
	stateTTL   time.Duration
}

// FlowOption configures a Flow.
type FlowOption func(*Flow)

// WithFlowHTTPClient sets a custom HTTP client.
func WithFlowHTTPClient(httpClient *http.Client) FlowOption {
	return func(f *Flow) {
		f.httpClient = httpClient
	}
}

// WithStateTTL sets how long a pending authorization attempt stays valid.
func WithStateTTL(ttl time.Duration) FlowOption {
	return func(f *Flow) {
		f.stateTTL = ttl
	}
}

// NewFlow creates a Flow backed by the given state store.
func NewFlow(states store.StateStore, opts ...FlowOption) *Flow {
	f := &Flow{
		httpClient: &http.Client{Timeout: tokenExchangeTimeout},
		states:     states,
		stateTTL:   store.DefaultStateTTL,
	}
	for _, opt := range opts {
		opt(f)
	}
	return f
}

// AuthorizationRequest carries everything needed to start an authorization
// attempt for one user and integration.
type AuthorizationRequest struct {
	UserID        string
	IntegrationID string

	// Metadata is the validated authorization server metadata.
	Metadata *oauth.AuthorizationServerMetadata

	// Client is the resolved client registration for this issuer.
	Client *store.ClientRegistration

	// RedirectURI is the callback URL registered for this deployment.
	RedirectURI string

	// Scopes to request. For step-up authorization this is the union of
	// previously granted and newly required scopes.
	Scopes []string

	// Resource is the RFC 8707 resource indicator, the canonical URL of
	// the integration's server. Empty omits the parameter.
	Resource string

	// RedirectPath is where to send the user agent after the callback
	// completes, e.g. back into the conversation that triggered connect.
	RedirectPath string
}

// BeginAuthorization generates a fresh PKCE pair and state token, persists
// the attempt, and returns the authorization URL to send the user to.
// Every attempt gets its own verifier and state; nothing is reused.
func (f *Flow) BeginAuthorization(ctx context.Context, req *AuthorizationRequest) (string, error) {
	if !req.Metadata.SupportsGrantType(oauth.GrantTypeAuthorizationCode) {
		return "", fmt.Errorf("authorization server %s does not support the authorization_code grant", req.Metadata.Issuer)
	}

	var pkce *oauth.PKCEChallenge
	var err error
	if req.Metadata.SupportsPKCE() {
		pkce, err = oauth.GeneratePKCE()
	} else {
		// Downgrade only when the server explicitly advertises plain and
		// nothing better. The attempt still carries a per-attempt secret.
		logging.Warn("OAuth", "SECURITY_AUDIT: issuer %s does not advertise S256, falling back to plain PKCE", req.Metadata.Issuer)
		pkce, err = oauth.GeneratePlainPKCE()
	}
	if err != nil {
		return "", fmt.Errorf("failed to generate PKCE challenge: %w", err)
	}

	state, err := oauth.GenerateState()
	if err != nil {
		return "", fmt.Errorf("failed to generate state token: %w", err)
	}

	record := &store.OAuthState{
		State:               state,
		UserID:              req.UserID,
		IntegrationID:       req.IntegrationID,
		RedirectPath:        req.RedirectPath,
		CodeVerifier:        pkce.CodeVerifier,
		CodeChallengeMethod: pkce.CodeChallengeMethod,
		Issuer:              req.Metadata.Issuer,
		Resource:            req.Resource,
		Scopes:              req.Scopes,
		CreatedAt:           time.Now(),
	}
	if err := f.states.PutState(ctx, record, f.stateTTL); err != nil {
		return "", fmt.Errorf("failed to persist authorization state: %w", err)
	}

	authURL, err := url.Parse(req.Metadata.AuthorizationEndpoint)
	if err != nil {
		return "", fmt.Errorf("invalid authorization endpoint: %w", err)
	}

	query := authURL.Query()
	query.Set("response_type", "code")
	query.Set("client_id", req.Client.ClientID)
	query.Set("redirect_uri", req.RedirectURI)
	query.Set("state", state)
	query.Set("code_challenge", pkce.CodeChallenge)
	query.Set("code_challenge_method", pkce.CodeChallengeMethod)
	if len(req.Scopes) > 0 {
		query.Set("scope", oauth.JoinScopes(req.Scopes))
	}
	if req.Resource != "" {
		query.Set("resource", req.Resource)
	}
	authURL.RawQuery = query.Encode()

	logging.Debug("OAuth", "Built authorization URL for user=%s integration=%s scopes=%v",
		logging.TruncateID(req.UserID), req.IntegrationID, req.Scopes)
	return authURL.String(), nil
}

// CallbackResult is the outcome of a completed authorization flow.
type CallbackResult struct {
	UserID        string
	IntegrationID string
	RedirectPath  string
	Token         *oauth.Token

	// GrantedScopes is what the server actually granted, falling back to
	// the requested scopes when the response omits the scope field.
	GrantedScopes []string
}

// CompleteFlow validates the callback parameters and exchanges the
// authorization code for tokens. The state is consumed atomically: a
// replayed or expired callback fails with a SecurityError before any
// network traffic happens. The code exchange itself is never retried; the
// code is single-use and a second attempt would be rejected anyway.
func (f *Flow) CompleteFlow(ctx context.Context, metadataSource func(ctx context.Context, st *store.OAuthState) (*oauth.AuthorizationServerMetadata, *store.ClientRegistration, error), code, stateParam, redirectURI string) (*CallbackResult, error) {
	st, err := f.states.ConsumeState(ctx, stateParam)
	if err != nil {
		logging.Warn("OAuth", "SECURITY_AUDIT: callback with unknown, expired, or replayed state")
		return nil, NewSecurityError("state not found or already consumed")
	}

	metadata, client, err := metadataSource(ctx, st)
	if err != nil {
		return nil, fmt.Errorf("failed to resolve authorization server for callback: %w", err)
	}

	token, err := f.exchangeCode(ctx, metadata.TokenEndpoint, client, code, st.CodeVerifier, redirectURI, st.Resource)
	if err != nil {
		return nil, err
	}

	granted := token.Scopes()
	if len(granted) == 0 {
		granted = st.Scopes
	} else if !oauth.ScopesSubset(granted, st.Scopes) && len(st.Scopes) > 0 {
		logging.Warn("OAuth", "SECURITY_AUDIT: issuer %s granted scopes %v beyond requested %v for user=%s",
			metadata.Issuer, granted, st.Scopes, logging.TruncateID(st.UserID))
		return nil, NewSecurityError("granted scopes exceed requested scopes")
	}

	logging.Info("OAuth", "Completed authorization for user=%s integration=%s",
		logging.TruncateID(st.UserID), st.IntegrationID)

	return &CallbackResult{
		UserID:        st.UserID,
		IntegrationID: st.IntegrationID,
		RedirectPath:  st.RedirectPath,
		Token:         token,
		GrantedScopes: granted,
	}, nil
}

// exchangeCode performs the authorization code grant at the token endpoint.
func (f *Flow) exchangeCode(ctx context.Context, tokenEndpoint string, client *store.ClientRegistration, code, codeVerifier, redirectURI, resource string) (*oauth.Token, error) {
	data := url.Values{
		"grant_type":    {oauth.GrantTypeAuthorizationCode},
		"code":          {code},
		"redirect_uri":  {redirectURI},
		"client_id":     {client.ClientID},
		"code_verifier": {codeVerifier},
	}
	if resource != "" {
		data.Set("resource", resource)
	}

	return doTokenRequest(ctx, f.httpClient, tokenEndpoint, client, data)
}

// doTokenRequest posts form data to a token endpoint and parses the result.
// Confidential clients authenticate with their secret; public clients rely
// on PKCE alone.
func doTokenRequest(ctx context.Context, httpClient *http.Client, tokenEndpoint string, client *store.ClientRegistration, data url.Values) (*oauth.Token, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, tokenEndpoint, strings.NewReader(data.Encode()))
	if err != nil {
		return nil, fmt.Errorf("failed to create token request: %w", err)
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	req.Header.Set("Accept", "application/json")
	if client.ClientSecret != "" {
		req.SetBasicAuth(url.QueryEscape(client.ClientID), url.QueryEscape(client.ClientSecret))
	}

	resp, err := httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("token request failed: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxMetadataBytes))
	if err != nil {
		return nil, fmt.Errorf("failed to read token response: %w", err)
	}

	if resp.StatusCode != http.StatusOK {
		var errResp oauth.ErrorResponse
		if json.Unmarshal(body, &errResp) == nil && errResp.Error != "" {
			return nil, &tokenEndpointError{
				status: resp.StatusCode,
				code:   errResp.Error,
				desc:   errResp.ErrorDescription,
			}
		}
		return nil, &tokenEndpointError{status: resp.StatusCode}
	}

	var token oauth.Token
	if err := json.Unmarshal(body, &token); err != nil {
		return nil, fmt.Errorf("failed to parse token response: %w", err)
	}
	if token.AccessToken == "" {
		return nil, fmt.Errorf("token response missing access_token")
	}
	token.SetExpiresAtFromExpiresIn()

	return &token, nil
}

// tokenEndpointError is a structured token endpoint failure carrying the
// OAuth error code when the server provided one.
type tokenEndpointError struct {
	status int
	code   string
	desc   string
}

func (e *tokenEndpointError) Error() string {
	if e.code != "" {
		return fmt.Sprintf("token request failed with status %d: %s (%s)", e.status, e.code, e.desc)
	}
	return fmt.Sprintf("token request failed with status %d", e.status)
}
