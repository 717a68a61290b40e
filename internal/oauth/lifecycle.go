package oauth

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"golang.org/x/sync/singleflight"

	"tether/internal/store"
	"tether/pkg/logging"
	"tether/pkg/oauth"
)

// Lifecycle manages stored tokens after the initial grant: proactive
// refresh, revocation on disconnect, introspection, and detection of
// step-up authorization demands.
type Lifecycle struct {
	httpClient *http.Client
	tokens     store.TokenStore

	// refreshGroup coalesces concurrent refreshes of the same token.
	// Interleaved refreshes with a rotating refresh token would invalidate
	// each other; with coalescing, N concurrent callers produce one
	// network request and share the result.
	refreshGroup singleflight.Group
}

// NewLifecycle creates a Lifecycle backed by the given token store.
func NewLifecycle(tokens store.TokenStore, opts ...LifecycleOption) *Lifecycle {
	l := &Lifecycle{
		httpClient: &http.Client{Timeout: tokenExchangeTimeout},
		tokens:     tokens,
	}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

// LifecycleOption configures a Lifecycle.
type LifecycleOption func(*Lifecycle)

// WithLifecycleHTTPClient sets a custom HTTP client.
func WithLifecycleHTTPClient(httpClient *http.Client) LifecycleOption {
	return func(l *Lifecycle) {
		l.httpClient = httpClient
	}
}

func refreshKey(userID, integrationID string) string {
	return userID + "\x00" + integrationID
}

// FreshToken returns a usable access token for the user and integration,
// refreshing proactively when the stored token is expired or inside its
// refresh window. Terminal refresh failures mark the stored token as
// errored and surface a TokenRefreshError; callers map that to the
// reconnect prompt.
func (l *Lifecycle) FreshToken(ctx context.Context, metadata *oauth.AuthorizationServerMetadata, client *store.ClientRegistration, userID, integrationID string) (*store.StoredToken, error) {
	token, err := l.tokens.GetToken(ctx, userID, integrationID)
	if err != nil {
		return nil, err
	}
	if token.Status == store.StatusError {
		return nil, &TokenRefreshError{Code: "invalid_grant", Err: errors.New("token previously marked unrecoverable")}
	}
	if token.IsExpired() && token.RefreshToken == "" {
		// Nothing can recover this token; persist the errored status so
		// Status and AccessToken agree on the reconnect prompt.
		token.Status = store.StatusError
		token.UpdatedAt = time.Now()
		if putErr := l.tokens.PutToken(ctx, token); putErr != nil {
			logging.Error("Lifecycle", putErr, "Failed to mark token as errored for user=%s integration=%s",
				logging.TruncateID(token.UserID), token.IntegrationID)
		}
		return nil, &TokenRefreshError{Code: "invalid_grant", Err: errors.New("token expired and no refresh token available")}
	}
	if !token.NeedsRefresh() {
		return token, nil
	}

	return l.Refresh(ctx, metadata, client, token)
}

// Refresh exchanges the stored refresh token for a new access token and
// persists the result. Concurrent refreshes for the same user and
// integration are coalesced into one request.
func (l *Lifecycle) Refresh(ctx context.Context, metadata *oauth.AuthorizationServerMetadata, client *store.ClientRegistration, token *store.StoredToken) (*store.StoredToken, error) {
	key := refreshKey(token.UserID, token.IntegrationID)

	result, err, shared := l.refreshGroup.Do(key, func() (interface{}, error) {
		// Another caller may have refreshed while this one waited on a
		// slot; re-read and skip the network round trip if so.
		current, err := l.tokens.GetToken(ctx, token.UserID, token.IntegrationID)
		if err == nil && !current.NeedsRefresh() {
			return current, nil
		}
		if err == nil {
			token = current
		}
		return l.doRefresh(ctx, metadata, client, token)
	})
	if err != nil {
		return nil, err
	}
	if shared {
		logging.Debug("Lifecycle", "Refresh coalesced for user=%s integration=%s",
			logging.TruncateID(token.UserID), token.IntegrationID)
	}
	return result.(*store.StoredToken), nil
}

// doRefresh performs the refresh grant and persists the outcome.
func (l *Lifecycle) doRefresh(ctx context.Context, metadata *oauth.AuthorizationServerMetadata, client *store.ClientRegistration, token *store.StoredToken) (*store.StoredToken, error) {
	data := url.Values{
		"grant_type":    {oauth.GrantTypeRefreshToken},
		"refresh_token": {token.RefreshToken},
		"client_id":     {client.ClientID},
	}
	if token.Resource != "" {
		data.Set("resource", token.Resource)
	}

	// Transient failures get the same short retry budget as discovery.
	// OAuth error responses are authoritative and never retried.
	var fresh *oauth.Token
	var err error
	for attempt := 0; ; attempt++ {
		fresh, err = doTokenRequest(ctx, l.httpClient, metadata.TokenEndpoint, client, data)
		if err == nil || !isTransientTokenError(err) || attempt >= len(transientRetryDelays) {
			break
		}
		logging.Debug("Lifecycle", "Transient refresh failure for user=%s integration=%s, retrying: %v",
			logging.TruncateID(token.UserID), token.IntegrationID, err)
		select {
		case <-time.After(transientRetryDelays[attempt]):
		case <-ctx.Done():
			return nil, &TokenRefreshError{Err: ctx.Err()}
		}
	}
	if err != nil {
		var te *tokenEndpointError
		if errors.As(err, &te) && te.code == "invalid_grant" {
			// The refresh token is dead. Keep the record but mark it so
			// the user gets a reconnect prompt instead of silent retries.
			token.Status = store.StatusError
			token.UpdatedAt = time.Now()
			if putErr := l.tokens.PutToken(ctx, token); putErr != nil {
				logging.Error("Lifecycle", putErr, "Failed to mark token as errored for user=%s integration=%s",
					logging.TruncateID(token.UserID), token.IntegrationID)
			}
			logging.Warn("Lifecycle", "SECURITY_AUDIT: refresh token rejected for user=%s integration=%s",
				logging.TruncateID(token.UserID), token.IntegrationID)
			return nil, &TokenRefreshError{Code: "invalid_grant", Err: err}
		}
		if errors.As(err, &te) {
			return nil, &TokenRefreshError{Code: te.code, Err: err}
		}
		return nil, &TokenRefreshError{Err: err}
	}

	updated := *token
	updated.AccessToken = fresh.AccessToken
	updated.TokenType = fresh.TokenType
	updated.Expiry = fresh.ExpiresAt
	updated.Status = store.StatusConnected
	updated.UpdatedAt = time.Now()
	// Servers that rotate refresh tokens send a new one; servers that do
	// not expect the old one to stay in use.
	if fresh.RefreshToken != "" {
		updated.RefreshToken = fresh.RefreshToken
	}
	if scopes := fresh.Scopes(); len(scopes) > 0 {
		updated.Scopes = scopes
	}

	if err := l.tokens.PutToken(ctx, &updated); err != nil {
		return nil, fmt.Errorf("failed to persist refreshed token: %w", err)
	}

	logging.Info("Lifecycle", "Refreshed token for user=%s integration=%s rotated=%t",
		logging.TruncateID(updated.UserID), updated.IntegrationID, fresh.RefreshToken != "")
	return &updated, nil
}

// isTransientTokenError reports whether a token endpoint failure is worth
// retrying: network errors and 5xx responses are; OAuth error responses
// and other 4xx are not.
func isTransientTokenError(err error) bool {
	var te *tokenEndpointError
	if errors.As(err, &te) {
		return te.status >= 500
	}
	return true
}

// Revoke disconnects an integration. Remote revocation (RFC 7009) is best
// effort: the local token is deleted even when the revocation endpoint is
// missing or failing, so a disconnect always disconnects.
func (l *Lifecycle) Revoke(ctx context.Context, metadata *oauth.AuthorizationServerMetadata, client *store.ClientRegistration, userID, integrationID string) error {
	token, err := l.tokens.GetToken(ctx, userID, integrationID)
	if errors.Is(err, store.ErrNotFound) {
		return nil
	}
	if err != nil {
		return err
	}

	if metadata != nil && metadata.RevocationEndpoint != "" {
		// Revoking the refresh token invalidates the whole grant on
		// servers that follow RFC 7009; fall back to the access token.
		target := token.RefreshToken
		hint := "refresh_token"
		if target == "" {
			target = token.AccessToken
			hint = "access_token"
		}
		if err := l.revokeRemote(ctx, metadata.RevocationEndpoint, client, target, hint); err != nil {
			logging.Warn("Lifecycle", "Remote revocation failed for user=%s integration=%s: %v",
				logging.TruncateID(userID), integrationID, err)
		}
	}

	if err := l.tokens.DeleteToken(ctx, userID, integrationID); err != nil {
		return fmt.Errorf("failed to delete token: %w", err)
	}

	logging.Info("Lifecycle", "SECURITY_AUDIT: integration disconnected user=%s integration=%s",
		logging.TruncateID(userID), integrationID)
	return nil
}

// revokeRemote posts an RFC 7009 revocation request.
func (l *Lifecycle) revokeRemote(ctx context.Context, revocationEndpoint string, client *store.ClientRegistration, token, tokenTypeHint string) error {
	data := url.Values{
		"token":           {token},
		"token_type_hint": {tokenTypeHint},
		"client_id":       {client.ClientID},
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, revocationEndpoint, strings.NewReader(data.Encode()))
	if err != nil {
		return fmt.Errorf("failed to create revocation request: %w", err)
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	if client.ClientSecret != "" {
		req.SetBasicAuth(url.QueryEscape(client.ClientID), url.QueryEscape(client.ClientSecret))
	}

	resp, err := l.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("revocation request failed: %w", err)
	}
	defer resp.Body.Close()
	io.Copy(io.Discard, io.LimitReader(resp.Body, maxMetadataBytes))

	// RFC 7009 servers return 200 even for unknown tokens.
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("revocation endpoint returned status %d", resp.StatusCode)
	}
	return nil
}

// Introspect queries the issuer about a stored token (RFC 7662). Servers
// without an introspection endpoint return an error; callers fall back to
// local expiry checks.
func (l *Lifecycle) Introspect(ctx context.Context, metadata *oauth.AuthorizationServerMetadata, client *store.ClientRegistration, userID, integrationID string) (*oauth.IntrospectionResponse, error) {
	if metadata.IntrospectionEndpoint == "" {
		return nil, fmt.Errorf("authorization server %s has no introspection endpoint", metadata.Issuer)
	}

	token, err := l.tokens.GetToken(ctx, userID, integrationID)
	if err != nil {
		return nil, err
	}

	data := url.Values{
		"token":           {token.AccessToken},
		"token_type_hint": {"access_token"},
		"client_id":       {client.ClientID},
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, metadata.IntrospectionEndpoint, strings.NewReader(data.Encode()))
	if err != nil {
		return nil, fmt.Errorf("failed to create introspection request: %w", err)
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	req.Header.Set("Accept", "application/json")
	if client.ClientSecret != "" {
		req.SetBasicAuth(url.QueryEscape(client.ClientID), url.QueryEscape(client.ClientSecret))
	}

	resp, err := l.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("introspection request failed: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxMetadataBytes))
	if err != nil {
		return nil, fmt.Errorf("failed to read introspection response: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("introspection endpoint returned status %d", resp.StatusCode)
	}

	var result oauth.IntrospectionResponse
	if err := json.Unmarshal(body, &result); err != nil {
		return nil, fmt.Errorf("failed to parse introspection response: %w", err)
	}
	return &result, nil
}

// CheckResponse inspects a response from a remote integration request made
// with a stored token. A 403 with an insufficient_scope challenge becomes a
// StepUpRequiredError so the caller can start an incremental authorization;
// other challenges and statuses pass through as nil.
func (l *Lifecycle) CheckResponse(resp *http.Response, token *store.StoredToken) error {
	challenge, err := oauth.ParseChallengeFromResponse(resp)
	if err != nil || challenge == nil || !challenge.NeedsAuth {
		return nil
	}

	if challenge.IsInsufficientScope() {
		missing := oauth.ParseScopes(challenge.Scope)
		resource := challenge.Resource
		if resource == "" {
			resource = token.Resource
		}
		logging.Info("Lifecycle", "Step-up required for user=%s integration=%s missing=%v",
			logging.TruncateID(token.UserID), token.IntegrationID, missing)
		return &StepUpRequiredError{MissingScope: missing, Resource: resource}
	}

	if resp.StatusCode == http.StatusUnauthorized {
		return &TokenRefreshError{Code: challenge.Error, Err: errors.New("access token rejected by resource server")}
	}
	return nil
}
