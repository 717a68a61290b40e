package oauth

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"time"

	"github.com/google/uuid"

	"tether/internal/store"
	"tether/pkg/logging"
	"tether/pkg/oauth"
)

// Integration describes one remote integration a user can connect.
type Integration struct {
	// ID is the stable integration identifier, e.g. "calendar".
	ID string

	// ServerURL is the integration's server endpoint. Normalized before
	// use as a resource indicator.
	ServerURL string

	// Scopes are the default scopes requested on connect. Empty lets the
	// challenge and resource metadata drive scope selection.
	Scopes []string

	// StaticClient is a pre-provisioned client credential, when the
	// operator registered one manually. Nil means dynamic registration.
	StaticClient *StaticClient

	// NoAuth marks a server that requires no authorization. Connecting
	// records the integration as connected without running a flow.
	NoAuth bool
}

// IntegrationSource resolves integration definitions by ID. Implemented by
// the config layer.
type IntegrationSource interface {
	Integration(id string) (*Integration, error)
}

// Manager is the facade over discovery, registration, the authorization
// flow, and token lifecycle. It owns no state of its own; everything lives
// in the injected store.
type Manager struct {
	discoverer   *Discoverer
	registrar    *Registrar
	flow         *Flow
	lifecycle    *Lifecycle
	store        store.Store
	integrations IntegrationSource

	// redirectURI is this deployment's public callback URL.
	redirectURI string

	httpClient *http.Client
}

// ManagerOption configures a Manager.
type ManagerOption func(*Manager)

// WithManagerHTTPClient sets the client used to probe integration servers.
func WithManagerHTTPClient(httpClient *http.Client) ManagerOption {
	return func(m *Manager) {
		m.httpClient = httpClient
	}
}

// NewManager wires a Manager from its collaborators.
func NewManager(st store.Store, integrations IntegrationSource, discoverer *Discoverer, registrar *Registrar, flow *Flow, lifecycle *Lifecycle, redirectURI string, opts ...ManagerOption) *Manager {
	m := &Manager{
		discoverer:   discoverer,
		registrar:    registrar,
		flow:         flow,
		lifecycle:    lifecycle,
		store:        st,
		integrations: integrations,
		redirectURI:  redirectURI,
		httpClient:   &http.Client{Timeout: discoveryTimeout},
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// BeginConnect starts the authorization flow for a user and integration and
// returns the URL to send the user's browser to. redirectPath is where the
// caller's UI resumes after the callback.
func (m *Manager) BeginConnect(ctx context.Context, userID, integrationID, redirectPath string) (string, error) {
	return m.beginAuthorization(ctx, userID, integrationID, redirectPath, nil)
}

// BeginStepUp starts an incremental authorization requesting the union of
// the currently granted scopes and the scopes a step-up demand named.
// The existing token keeps serving requests until the new grant lands.
func (m *Manager) BeginStepUp(ctx context.Context, userID, integrationID, redirectPath string, stepUp *StepUpRequiredError) (string, error) {
	extra := stepUp.MissingScope
	if token, err := m.store.GetToken(ctx, userID, integrationID); err == nil {
		extra = oauth.ScopesUnion(token.Scopes, extra)
	}
	return m.beginAuthorization(ctx, userID, integrationID, redirectPath, extra)
}

// beginAuthorization runs challenge probing, discovery, client resolution,
// and flow construction. scopeOverride, when non-nil, replaces the
// integration's default scopes.
func (m *Manager) beginAuthorization(ctx context.Context, userID, integrationID, redirectPath string, scopeOverride []string) (string, error) {
	attemptID := uuid.New().String()
	logging.Debug("OAuth", "Starting authorization attempt %s for user %s integration %s",
		logging.TruncateID(attemptID), logging.TruncateID(userID), integrationID)

	integration, err := m.integrations.Integration(integrationID)
	if err != nil {
		return "", err
	}

	if integration.NoAuth {
		return "", m.recordUnauthenticated(ctx, userID, integrationID)
	}

	challenge, err := m.probe(ctx, integration.ServerURL)
	if err != nil {
		return "", err
	}
	if challenge == nil {
		// The server answered without a challenge: nothing to authorize.
		logging.Info("OAuth", "Integration %s requires no authorization, recording as connected", integrationID)
		return "", m.recordUnauthenticated(ctx, userID, integrationID)
	}

	resourceMeta, err := m.discoverer.ResolveProtectedResource(ctx, challenge.ResourceMetadataURL(originOf(integration.ServerURL)))
	if err != nil {
		return "", err
	}

	metadata, err := m.discoverer.SelectAuthorizationServer(ctx, resourceMeta)
	if err != nil {
		return "", err
	}

	scopes := scopeOverride
	if scopes == nil {
		scopes = m.selectScopes(integration, challenge, resourceMeta)
	}

	client, err := m.registrar.EnsureClient(ctx, metadata, integrationID, integration.StaticClient, m.redirectURI, scopes)
	if err != nil {
		return "", err
	}

	// Record the attempt so the integration shows as pending until the
	// callback lands or the state expires. A restarted attempt refreshes
	// the pending record's clock.
	existing, err := m.store.GetToken(ctx, userID, integrationID)
	if errors.Is(err, store.ErrNotFound) || (err == nil && existing.Status == store.StatusPending) {
		now := time.Now()
		pending := &store.StoredToken{
			UserID:        userID,
			IntegrationID: integrationID,
			Resource:      resourceMeta.Resource,
			Issuer:        metadata.Issuer,
			Status:        store.StatusPending,
			CreatedAt:     now,
			UpdatedAt:     now,
		}
		if err := m.store.PutToken(ctx, pending); err != nil {
			return "", fmt.Errorf("failed to record pending connection: %w", err)
		}
	}

	return m.flow.BeginAuthorization(ctx, &AuthorizationRequest{
		UserID:        userID,
		IntegrationID: integrationID,
		Metadata:      metadata,
		Client:        client,
		RedirectURI:   m.redirectURI,
		Scopes:        scopes,
		Resource:      resourceMeta.Resource,
		RedirectPath:  redirectPath,
	})
}

// CompleteConnect finishes the flow after the authorization callback and
// persists the resulting token. Returns the result so the HTTP handler can
// redirect the user back to where they came from.
func (m *Manager) CompleteConnect(ctx context.Context, code, stateParam string) (*CallbackResult, error) {
	result, err := m.flow.CompleteFlow(ctx, m.callbackMetadata, code, stateParam, m.redirectURI)
	if err != nil {
		return nil, err
	}

	now := time.Now()
	token := &store.StoredToken{
		UserID:        result.UserID,
		IntegrationID: result.IntegrationID,
		AccessToken:   result.Token.AccessToken,
		RefreshToken:  result.Token.RefreshToken,
		TokenType:     result.Token.TokenType,
		Expiry:        result.Token.ExpiresAt,
		Scopes:        result.GrantedScopes,
		Issuer:        result.Token.Issuer,
		Status:        store.StatusConnected,
		CreatedAt:     now,
		UpdatedAt:     now,
	}
	if prior, err := m.store.GetToken(ctx, result.UserID, result.IntegrationID); err == nil {
		token.Resource = prior.Resource
		token.CreatedAt = prior.CreatedAt
		if token.Issuer == "" {
			token.Issuer = prior.Issuer
		}
	}
	if err := m.store.PutToken(ctx, token); err != nil {
		return nil, fmt.Errorf("failed to persist token: %w", err)
	}

	return result, nil
}

// callbackMetadata resolves the authorization server and client for a
// consumed state record. Discovery is cache-backed, so the common case is
// no network traffic at all.
func (m *Manager) callbackMetadata(ctx context.Context, st *store.OAuthState) (*oauth.AuthorizationServerMetadata, *store.ClientRegistration, error) {
	if st.Issuer == "" {
		return nil, nil, fmt.Errorf("state record missing issuer")
	}
	metadata, err := m.discoverer.ResolveAuthorizationServer(ctx, st.Issuer)
	if err != nil {
		return nil, nil, err
	}
	client, err := m.store.GetClient(ctx, metadata.Issuer, st.IntegrationID, "")
	if err != nil {
		return nil, nil, fmt.Errorf("no client registration for issuer %s: %w", metadata.Issuer, err)
	}
	return metadata, client, nil
}

// AccessToken returns a usable access token for an outbound request to the
// integration, refreshing first when needed.
func (m *Manager) AccessToken(ctx context.Context, userID, integrationID string) (*store.StoredToken, error) {
	token, err := m.store.GetToken(ctx, userID, integrationID)
	if err != nil {
		return nil, err
	}
	if token.Status == store.StatusPending {
		return nil, fmt.Errorf("integration %s connection still pending", integrationID)
	}
	// Unauthenticated integrations carry a tokenless connected record;
	// there is nothing to refresh.
	if token.Status == store.StatusConnected && token.AccessToken == "" && token.RefreshToken == "" {
		return token, nil
	}

	metadata, client, err := m.issuerContext(ctx, token.Issuer, integrationID)
	if err != nil {
		return nil, err
	}
	return m.lifecycle.FreshToken(ctx, metadata, client, userID, integrationID)
}

// Disconnect revokes and removes a user's connection to an integration.
// Local deletion happens even when the issuer is unreachable.
func (m *Manager) Disconnect(ctx context.Context, userID, integrationID string) error {
	token, err := m.store.GetToken(ctx, userID, integrationID)
	if errors.Is(err, store.ErrNotFound) {
		return nil
	}
	if err != nil {
		return err
	}

	metadata, client, err := m.issuerContext(ctx, token.Issuer, integrationID)
	if err != nil {
		logging.Warn("OAuth", "Disconnect proceeding without issuer context for integration %s: %v", integrationID, err)
		return m.lifecycle.Revoke(ctx, nil, &store.ClientRegistration{}, userID, integrationID)
	}
	return m.lifecycle.Revoke(ctx, metadata, client, userID, integrationID)
}

// Status reports the stored connection state for a user and integration.
// A pending record whose flow state has expired uncompleted is dropped
// lazily here, so abandoned attempts do not show as pending forever.
func (m *Manager) Status(ctx context.Context, userID, integrationID string) (store.TokenStatus, error) {
	token, err := m.store.GetToken(ctx, userID, integrationID)
	if errors.Is(err, store.ErrNotFound) {
		return "", store.ErrNotFound
	}
	if err != nil {
		return "", err
	}
	if token.Status == store.StatusPending && time.Since(token.CreatedAt) > store.DefaultStateTTL {
		logging.Debug("OAuth", "Dropping abandoned pending connection for user %s integration %s",
			logging.TruncateID(userID), integrationID)
		if err := m.store.DeleteToken(ctx, userID, integrationID); err != nil {
			logging.Warn("OAuth", "Failed to drop abandoned pending connection for integration %s: %v", integrationID, err)
		}
		return "", store.ErrNotFound
	}
	return token.Status, nil
}

// CheckResponse delegates to the lifecycle's step-up detection.
func (m *Manager) CheckResponse(resp *http.Response, token *store.StoredToken) error {
	return m.lifecycle.CheckResponse(resp, token)
}

// issuerContext resolves metadata and client registration for a stored
// token's issuer.
func (m *Manager) issuerContext(ctx context.Context, issuer, integrationID string) (*oauth.AuthorizationServerMetadata, *store.ClientRegistration, error) {
	if issuer == "" {
		return nil, nil, fmt.Errorf("stored token for integration %s has no issuer", integrationID)
	}
	metadata, err := m.discoverer.ResolveAuthorizationServer(ctx, issuer)
	if err != nil {
		return nil, nil, err
	}
	client, err := m.store.GetClient(ctx, metadata.Issuer, integrationID, "")
	if err != nil {
		return nil, nil, fmt.Errorf("no client registration for issuer %s: %w", metadata.Issuer, err)
	}
	return metadata, client, nil
}

// probe sends an unauthenticated request to the integration server to
// trigger its WWW-Authenticate challenge.
func (m *Manager) probe(ctx context.Context, serverURL string) (*oauth.Challenge, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, serverURL, nil)
	if err != nil {
		return nil, fmt.Errorf("invalid integration server URL: %w", err)
	}
	req.Header.Set("Accept", "application/json")

	resp, err := m.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("failed to reach integration server %s: %w", serverURL, err)
	}
	defer resp.Body.Close()

	challenge, err := oauth.ParseChallengeFromResponse(resp)
	if err != nil {
		return nil, err
	}
	if challenge == nil || !challenge.NeedsAuth {
		// No challenge means the server serves this endpoint without
		// authorization. The caller short-circuits to connected.
		return nil, nil
	}
	return challenge, nil
}

// recordUnauthenticated marks an integration connected without a token,
// for servers that require no authorization. An existing token record is
// left alone so a reconnect never destroys a live grant.
func (m *Manager) recordUnauthenticated(ctx context.Context, userID, integrationID string) error {
	existing, err := m.store.GetToken(ctx, userID, integrationID)
	if err == nil && existing.Status == store.StatusConnected && existing.AccessToken != "" {
		return nil
	}
	if err != nil && !errors.Is(err, store.ErrNotFound) {
		return err
	}

	now := time.Now()
	token := &store.StoredToken{
		UserID:        userID,
		IntegrationID: integrationID,
		Status:        store.StatusConnected,
		CreatedAt:     now,
		UpdatedAt:     now,
	}
	if err := m.store.PutToken(ctx, token); err != nil {
		return fmt.Errorf("failed to record unauthenticated connection: %w", err)
	}
	return nil
}

// selectScopes picks the scopes for a first connect: explicit configuration
// wins, then the challenge's scope hint, then the resource's advertised
// scopes.
func (m *Manager) selectScopes(integration *Integration, challenge *oauth.Challenge, resourceMeta *oauth.ProtectedResourceMetadata) []string {
	if len(integration.Scopes) > 0 {
		return integration.Scopes
	}
	if scopes := oauth.ParseScopes(challenge.Scope); len(scopes) > 0 {
		return scopes
	}
	return resourceMeta.ScopesSupported
}

// originOf reduces a server URL to its scheme://host origin for the
// well-known metadata path convention.
func originOf(serverURL string) string {
	u, err := url.Parse(oauth.NormalizeServerURL(serverURL))
	if err != nil || u.Scheme == "" || u.Host == "" {
		return oauth.NormalizeServerURL(serverURL)
	}
	return u.Scheme + "://" + u.Host
}
