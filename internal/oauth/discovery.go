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

	"tether/internal/store"
	"tether/pkg/logging"
	"tether/pkg/oauth"
)

const (
	// discoveryTimeout bounds a single metadata fetch.
	discoveryTimeout = 8 * time.Second

	// DefaultMetadataCacheTTL is how long discovery documents are cached.
	// Endpoints and capabilities change rarely; a stale entry self-heals on
	// the next challenge after expiry.
	DefaultMetadataCacheTTL = 24 * time.Hour

	// maxMetadataBytes caps discovery response bodies.
	maxMetadataBytes = 1 << 20

	wellKnownAuthorizationServer = "/.well-known/oauth-authorization-server"
	wellKnownOpenIDConfiguration = "/.well-known/openid-configuration"
)

// transientRetryDelays are the waits before each retry of a transient
// metadata or refresh failure. Client errors (4xx) are never retried.
var transientRetryDelays = []time.Duration{250 * time.Millisecond, time.Second}

// Discoverer resolves protected resource metadata (RFC 9728) and
// authorization server metadata (RFC 8414) with a store-backed cache.
//
// Fetches are not deduplicated across goroutines: concurrent discovery of
// the same URL at worst fetches a small document twice, and both results
// land in the cache identically.
type Discoverer struct {
	httpClient *http.Client
	cache      store.DiscoveryCache
	cacheTTL   time.Duration

	// allowInsecureLocalhost permits http:// metadata URLs on localhost
	// for development. Everything else is HTTPS-only.
	allowInsecureLocalhost bool
}

// DiscovererOption configures a Discoverer.
type DiscovererOption func(*Discoverer)

// WithDiscoveryHTTPClient sets a custom HTTP client.
func WithDiscoveryHTTPClient(httpClient *http.Client) DiscovererOption {
	return func(d *Discoverer) {
		d.httpClient = httpClient
	}
}

// WithMetadataCacheTTL sets how long discovery documents are cached.
func WithMetadataCacheTTL(ttl time.Duration) DiscovererOption {
	return func(d *Discoverer) {
		d.cacheTTL = ttl
	}
}

// WithAllowInsecureLocalhost permits plain-HTTP metadata URLs on localhost.
func WithAllowInsecureLocalhost(allow bool) DiscovererOption {
	return func(d *Discoverer) {
		d.allowInsecureLocalhost = allow
	}
}

// NewDiscoverer creates a Discoverer backed by the given cache.
func NewDiscoverer(cache store.DiscoveryCache, opts ...DiscovererOption) *Discoverer {
	d := &Discoverer{
		httpClient: &http.Client{Timeout: discoveryTimeout},
		cache:      cache,
		cacheTTL:   DefaultMetadataCacheTTL,
	}
	for _, opt := range opts {
		opt(d)
	}
	return d
}

// ResolveProtectedResource fetches and validates RFC 9728 protected resource
// metadata from metadataURL, normally derived from a WWW-Authenticate
// challenge via Challenge.ResourceMetadataURL.
func (d *Discoverer) ResolveProtectedResource(ctx context.Context, metadataURL string) (*oauth.ProtectedResourceMetadata, error) {
	if err := d.checkScheme(metadataURL); err != nil {
		return nil, &DiscoveryError{URL: metadataURL, SecurityFailure: true, Err: err}
	}

	body, fromCache, err := d.fetch(ctx, metadataURL)
	if err != nil {
		return nil, err
	}

	var metadata oauth.ProtectedResourceMetadata
	if err := json.Unmarshal(body, &metadata); err != nil {
		return nil, &DiscoveryError{URL: metadataURL, Err: fmt.Errorf("failed to parse protected resource metadata: %w", err)}
	}
	if err := metadata.Validate(); err != nil {
		return nil, &DiscoveryError{URL: metadataURL, Err: err}
	}
	if !fromCache {
		d.cachePut(ctx, metadataURL, body)
	}

	logging.Debug("Discovery", "Resolved protected resource %s with %d authorization server(s)",
		metadata.Resource, len(metadata.AuthorizationServers))
	return &metadata, nil
}

// SelectAuthorizationServer resolves the authorization server to use from
// protected resource metadata. Candidates are tried in listed order; the
// first one that resolves and supports the authorization code grant with a
// usable PKCE method wins, so a dead or incapable entry does not block a
// working alternative. A security failure on any candidate aborts selection
// outright rather than falling through to the next one.
func (d *Discoverer) SelectAuthorizationServer(ctx context.Context, metadata *oauth.ProtectedResourceMetadata) (*oauth.AuthorizationServerMetadata, error) {
	if len(metadata.AuthorizationServers) == 0 {
		return nil, &DiscoveryError{
			URL: metadata.Resource,
			Err: fmt.Errorf("protected resource %s lists no authorization servers", metadata.Resource),
		}
	}

	var errs []error
	for _, candidate := range metadata.AuthorizationServers {
		issuer := strings.TrimSuffix(candidate, "/")
		asMeta, err := d.ResolveAuthorizationServer(ctx, issuer)
		if err != nil {
			if IsDiscoverySecurityFailure(err) {
				return nil, err
			}
			logging.Debug("Discovery", "Authorization server candidate %s unusable: %v", issuer, err)
			errs = append(errs, err)
			continue
		}
		if !asMeta.SupportsGrantType(oauth.GrantTypeAuthorizationCode) {
			errs = append(errs, fmt.Errorf("%s does not support the authorization_code grant", issuer))
			continue
		}
		if !supportsUsablePKCE(asMeta) {
			errs = append(errs, fmt.Errorf("%s advertises no usable PKCE method", issuer))
			continue
		}
		return asMeta, nil
	}

	return nil, &DiscoveryError{
		URL: metadata.Resource,
		Err: fmt.Errorf("no usable authorization server among %d candidate(s): %w",
			len(metadata.AuthorizationServers), errors.Join(errs...)),
	}
}

// supportsUsablePKCE reports whether the server accepts S256 or, failing
// that, explicitly advertises plain. The flow downgrades to plain with an
// audit warning in that case.
func supportsUsablePKCE(m *oauth.AuthorizationServerMetadata) bool {
	if m.SupportsPKCE() {
		return true
	}
	for _, method := range m.CodeChallengeMethodsSupported {
		if method == oauth.PKCEMethodPlain {
			return true
		}
	}
	return false
}

// ResolveAuthorizationServer fetches RFC 8414 authorization server metadata
// for the given issuer URL, falling back to OIDC discovery when the OAuth
// well-known path is absent.
//
// The issuer inside the document must exactly match the URL the document
// was derived from. A mismatch is a hard security failure: a compromised
// resource could otherwise point clients at an attacker-controlled server
// that claims a trusted issuer identity.
func (d *Discoverer) ResolveAuthorizationServer(ctx context.Context, issuerURL string) (*oauth.AuthorizationServerMetadata, error) {
	issuerURL = strings.TrimSuffix(issuerURL, "/")
	if err := d.checkScheme(issuerURL); err != nil {
		return nil, &DiscoveryError{URL: issuerURL, SecurityFailure: true, Err: err}
	}

	metadataURL, err := wellKnownURL(issuerURL, wellKnownAuthorizationServer)
	if err != nil {
		return nil, &DiscoveryError{URL: issuerURL, Err: err}
	}

	body, fromCache, fetchErr := d.fetch(ctx, metadataURL)
	if fetchErr != nil {
		logging.Debug("Discovery", "RFC 8414 metadata fetch failed for %s, trying OIDC discovery: %v", issuerURL, fetchErr)

		oidcURL, err := wellKnownURL(issuerURL, wellKnownOpenIDConfiguration)
		if err != nil {
			return nil, &DiscoveryError{URL: issuerURL, Err: err}
		}
		body, fromCache, err = d.fetch(ctx, oidcURL)
		if err != nil {
			return nil, &DiscoveryError{URL: issuerURL, Err: fmt.Errorf("no authorization server metadata found: %w", fetchErr)}
		}
		metadataURL = oidcURL
	}

	var metadata oauth.AuthorizationServerMetadata
	if err := json.Unmarshal(body, &metadata); err != nil {
		return nil, &DiscoveryError{URL: issuerURL, Err: fmt.Errorf("failed to parse authorization server metadata: %w", err)}
	}
	if err := metadata.Validate(); err != nil {
		return nil, &DiscoveryError{URL: issuerURL, Err: err}
	}

	if strings.TrimSuffix(metadata.Issuer, "/") != issuerURL {
		logging.Warn("Discovery", "SECURITY_AUDIT: issuer mismatch, document from %s claims issuer %s", issuerURL, metadata.Issuer)
		return nil, &DiscoveryError{
			URL:             issuerURL,
			SecurityFailure: true,
			Err:             fmt.Errorf("metadata issuer %q does not match discovery URL %q", metadata.Issuer, issuerURL),
		}
	}

	for name, endpoint := range map[string]string{
		"authorization_endpoint": metadata.AuthorizationEndpoint,
		"token_endpoint":         metadata.TokenEndpoint,
		"registration_endpoint":  metadata.RegistrationEndpoint,
		"revocation_endpoint":    metadata.RevocationEndpoint,
		"introspection_endpoint": metadata.IntrospectionEndpoint,
	} {
		if endpoint == "" {
			continue
		}
		if err := d.checkScheme(endpoint); err != nil {
			return nil, &DiscoveryError{
				URL:             issuerURL,
				SecurityFailure: true,
				Err:             fmt.Errorf("insecure %s: %w", name, err),
			}
		}
	}

	// Cache only after the issuer and endpoint checks pass. A document
	// that fails them must not poison the cache for its TTL.
	if !fromCache {
		d.cachePut(ctx, metadataURL, body)
	}

	logging.Debug("Discovery", "Resolved authorization server %s (registration=%t revocation=%t)",
		metadata.Issuer, metadata.RegistrationEndpoint != "", metadata.RevocationEndpoint != "")
	return &metadata, nil
}

// fetch retrieves a metadata document, consulting the cache first and
// retrying transient failures. Client errors are returned immediately.
// Callers cache the document themselves once it passes validation; a
// document that fails validation is never cached.
func (d *Discoverer) fetch(ctx context.Context, metadataURL string) ([]byte, bool, error) {
	if d.cache != nil {
		if doc, err := d.cache.GetMetadata(ctx, metadataURL); err == nil {
			return doc, true, nil
		}
	}

	var lastErr error
	for attempt := 0; ; attempt++ {
		body, retryable, err := d.fetchOnce(ctx, metadataURL)
		if err == nil {
			return body, false, nil
		}
		lastErr = err

		if !retryable || attempt >= len(transientRetryDelays) {
			break
		}
		select {
		case <-time.After(transientRetryDelays[attempt]):
		case <-ctx.Done():
			return nil, false, &DiscoveryError{URL: metadataURL, Err: ctx.Err()}
		}
	}

	return nil, false, &DiscoveryError{URL: metadataURL, Err: lastErr}
}

// cachePut stores a validated metadata document.
func (d *Discoverer) cachePut(ctx context.Context, metadataURL string, body []byte) {
	if d.cache == nil {
		return
	}
	if err := d.cache.PutMetadata(ctx, metadataURL, body, d.cacheTTL); err != nil {
		logging.Warn("Discovery", "Failed to cache metadata for %s: %v", metadataURL, err)
	}
}

// fetchOnce performs a single GET. The second return value reports whether
// the failure is worth retrying.
func (d *Discoverer) fetchOnce(ctx context.Context, metadataURL string) ([]byte, bool, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, metadataURL, nil)
	if err != nil {
		return nil, false, err
	}
	req.Header.Set("Accept", "application/json")

	resp, err := d.httpClient.Do(req)
	if err != nil {
		return nil, true, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		retryable := resp.StatusCode >= 500
		return nil, retryable, fmt.Errorf("metadata request failed with status %d", resp.StatusCode)
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxMetadataBytes))
	if err != nil {
		return nil, true, err
	}
	return body, false, nil
}

// checkScheme enforces HTTPS-only metadata and endpoint URLs, with a
// localhost escape hatch for development.
func (d *Discoverer) checkScheme(rawURL string) error {
	u, err := url.Parse(rawURL)
	if err != nil {
		return fmt.Errorf("invalid URL %q: %w", rawURL, err)
	}
	if u.Scheme == "https" {
		return nil
	}
	if u.Scheme == "http" && d.allowInsecureLocalhost && isLocalhost(u.Hostname()) {
		return nil
	}
	return fmt.Errorf("URL %q must use https", rawURL)
}

func isLocalhost(host string) bool {
	return host == "localhost" || host == "127.0.0.1" || host == "::1"
}

// wellKnownURL builds an RFC 8414 well-known URL for an issuer, inserting
// the well-known segment before any issuer path component.
func wellKnownURL(issuerURL, wellKnownPath string) (string, error) {
	u, err := url.Parse(issuerURL)
	if err != nil {
		return "", fmt.Errorf("invalid issuer URL %q: %w", issuerURL, err)
	}

	path := strings.TrimSuffix(u.Path, "/")
	u.Path = wellKnownPath + path
	return u.String(), nil
}
