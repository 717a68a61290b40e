package oauth

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"tether/internal/store"
	"tether/pkg/logging"
	"tether/pkg/oauth"
)

// registrationTimeout bounds a single RFC 7591 registration request.
const registrationTimeout = 8 * time.Second

// StaticClient is a pre-provisioned client credential from integration
// configuration. It takes precedence over dynamic registration.
type StaticClient struct {
	ClientID     string
	ClientSecret string
}

// Registrar obtains client credentials for an authorization server, in
// order of preference: static configuration, a stored prior registration,
// then RFC 7591 dynamic registration. Servers that advertise
// client-metadata-document support get the client metadata URL as client_id
// without any registration round trip.
type Registrar struct {
	httpClient *http.Client
	clients    store.ClientStore

	// clientName and clientURI identify this deployment in registration
	// requests and in the published client metadata document.
	clientName string
	clientURI  string

	// metadataDocumentURL is the public HTTPS URL where this deployment
	// serves its own RFC 7591 client metadata document. Empty disables the
	// client-metadata-document path.
	metadataDocumentURL string

	softwareVersion string
}

// RegistrarOption configures a Registrar.
type RegistrarOption func(*Registrar)

// WithRegistrarHTTPClient sets a custom HTTP client.
func WithRegistrarHTTPClient(httpClient *http.Client) RegistrarOption {
	return func(r *Registrar) {
		r.httpClient = httpClient
	}
}

// WithClientIdentity sets the client name and URI sent in registration
// requests.
func WithClientIdentity(name, uri string) RegistrarOption {
	return func(r *Registrar) {
		r.clientName = name
		r.clientURI = uri
	}
}

// WithMetadataDocumentURL sets the published client metadata document URL
// used as client_id with servers that support it.
func WithMetadataDocumentURL(url string) RegistrarOption {
	return func(r *Registrar) {
		r.metadataDocumentURL = url
	}
}

// WithSoftwareVersion sets the software_version reported in registrations.
func WithSoftwareVersion(version string) RegistrarOption {
	return func(r *Registrar) {
		r.softwareVersion = version
	}
}

// NewRegistrar creates a Registrar backed by the given client store.
func NewRegistrar(clients store.ClientStore, opts ...RegistrarOption) *Registrar {
	r := &Registrar{
		httpClient: &http.Client{Timeout: registrationTimeout},
		clients:    clients,
		clientName: "Tether",
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// EnsureClient returns usable client credentials for the integration at the
// given authorization server, registering dynamically when nothing is
// provisioned yet. static may be nil. Registrations obtained here are
// shared across users (stored with an empty user ID); per-user isolation
// lives in the tokens, not the client identity.
func (r *Registrar) EnsureClient(ctx context.Context, metadata *oauth.AuthorizationServerMetadata, integrationID string, static *StaticClient, redirectURI string, scopes []string) (*store.ClientRegistration, error) {
	issuer := metadata.Issuer

	if static != nil && static.ClientID != "" {
		reg := &store.ClientRegistration{
			Issuer:        issuer,
			IntegrationID: integrationID,
			ClientID:      static.ClientID,
			ClientSecret:  static.ClientSecret,
			Static:        true,
			CreatedAt:     time.Now(),
		}
		if err := r.clients.PutClient(ctx, reg); err != nil {
			return nil, fmt.Errorf("failed to store static client for %s: %w", issuer, err)
		}
		return reg, nil
	}

	existing, err := r.clients.GetClient(ctx, issuer, integrationID, "")
	if err == nil && !existing.Expired() {
		logging.Debug("DCR", "Reusing registered client %s for issuer %s", existing.ClientID, issuer)
		return existing, nil
	}

	if metadata.RegistrationEndpoint != "" {
		reg, err := r.register(ctx, metadata, integrationID, redirectURI, scopes)
		if err != nil {
			return nil, err
		}
		if err := r.clients.PutClient(ctx, reg); err != nil {
			return nil, fmt.Errorf("failed to store client registration for %s: %w", issuer, err)
		}
		return reg, nil
	}

	if metadata.ClientIDMetadataDocumentSupported && r.metadataDocumentURL != "" {
		logging.Debug("DCR", "Using client metadata document %s as client_id for issuer %s", r.metadataDocumentURL, issuer)
		reg := &store.ClientRegistration{
			Issuer:        issuer,
			IntegrationID: integrationID,
			ClientID:      r.metadataDocumentURL,
			CreatedAt:     time.Now(),
		}
		if err := r.clients.PutClient(ctx, reg); err != nil {
			return nil, fmt.Errorf("failed to store client registration for %s: %w", issuer, err)
		}
		return reg, nil
	}

	return nil, &DCRNotSupportedError{Issuer: issuer}
}

// register performs an RFC 7591 dynamic client registration round trip.
// Registration requests are made as a public client: auth method "none",
// PKCE carries the proof instead of a secret.
func (r *Registrar) register(ctx context.Context, metadata *oauth.AuthorizationServerMetadata, integrationID, redirectURI string, scopes []string) (*store.ClientRegistration, error) {
	request := oauth.ClientRegistrationRequest{
		ClientName:              fmt.Sprintf("%s - %s", r.clientName, integrationID),
		ClientURI:               r.clientURI,
		RedirectURIs:            []string{redirectURI},
		TokenEndpointAuthMethod: "none",
		GrantTypes:              []string{oauth.GrantTypeAuthorizationCode, oauth.GrantTypeRefreshToken},
		ResponseTypes:           []string{"code"},
		SoftwareID:              "tether",
		SoftwareVersion:         r.softwareVersion,
	}
	if len(scopes) > 0 {
		request.Scope = oauth.JoinScopes(scopes)
	}

	body, err := json.Marshal(request)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal registration request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, metadata.RegistrationEndpoint, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("failed to create registration request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")

	resp, err := r.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("registration request to %s failed: %w", metadata.RegistrationEndpoint, err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(io.LimitReader(resp.Body, maxMetadataBytes))
	if err != nil {
		return nil, fmt.Errorf("failed to read registration response: %w", err)
	}

	if resp.StatusCode != http.StatusCreated && resp.StatusCode != http.StatusOK {
		var errResp oauth.ErrorResponse
		if json.Unmarshal(respBody, &errResp) == nil && errResp.Error != "" {
			return nil, fmt.Errorf("registration failed with status %d: %s (%s)", resp.StatusCode, errResp.Error, errResp.ErrorDescription)
		}
		return nil, fmt.Errorf("registration failed with status %d", resp.StatusCode)
	}

	var response oauth.ClientRegistrationResponse
	if err := json.Unmarshal(respBody, &response); err != nil {
		return nil, fmt.Errorf("failed to parse registration response: %w", err)
	}
	if response.ClientID == "" {
		return nil, fmt.Errorf("registration response missing client_id")
	}

	logging.Info("DCR", "Registered client %s with issuer %s for integration %s",
		response.ClientID, metadata.Issuer, integrationID)

	reg := &store.ClientRegistration{
		Issuer:                  metadata.Issuer,
		IntegrationID:           integrationID,
		ClientID:                response.ClientID,
		ClientSecret:            response.ClientSecret,
		RegistrationAccessToken: response.RegistrationAccessToken,
		RegistrationClientURI:   response.RegistrationClientURI,
		CreatedAt:               time.Now(),
	}
	if response.ClientSecretExpiresAt > 0 {
		reg.ClientSecretExpiresAt = time.Unix(response.ClientSecretExpiresAt, 0)
	}
	return reg, nil
}
