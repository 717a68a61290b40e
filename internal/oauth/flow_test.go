package oauth

import (
	"context"
	"crypto/sha256"
	"encoding/base64"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"net/url"
	"testing"

	"tether/internal/store"
	"tether/pkg/oauth"
)

func testMetadata(base string) *oauth.AuthorizationServerMetadata {
	return &oauth.AuthorizationServerMetadata{
		Issuer:                        base,
		AuthorizationEndpoint:         base + "/authorize",
		TokenEndpoint:                 base + "/token",
		CodeChallengeMethodsSupported: []string{"S256"},
	}
}

func testClient() *store.ClientRegistration {
	return &store.ClientRegistration{
		Issuer:        "https://auth.example.com",
		IntegrationID: "calendar",
		ClientID:      "client-123",
	}
}

func TestBeginAuthorization(t *testing.T) {
	st := store.NewMemoryStore()
	defer st.Close()
	f := NewFlow(st)

	authURL, err := f.BeginAuthorization(context.Background(), &AuthorizationRequest{
		UserID:        "user-1",
		IntegrationID: "calendar",
		Metadata:      testMetadata("https://auth.example.com"),
		Client:        testClient(),
		RedirectURI:   "https://tether.example.com/oauth/callback",
		Scopes:        []string{"read", "write"},
		Resource:      "https://cal.example.com",
		RedirectPath:  "/settings/integrations",
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	parsed, err := url.Parse(authURL)
	if err != nil {
		t.Fatalf("unparseable authorization URL: %v", err)
	}
	q := parsed.Query()

	if q.Get("response_type") != "code" {
		t.Errorf("expected response_type=code, got %q", q.Get("response_type"))
	}
	if q.Get("client_id") != "client-123" {
		t.Errorf("unexpected client_id %q", q.Get("client_id"))
	}
	if q.Get("code_challenge_method") != "S256" {
		t.Errorf("expected S256 challenge, got %q", q.Get("code_challenge_method"))
	}
	if q.Get("code_challenge") == "" {
		t.Error("missing code_challenge")
	}
	if q.Get("scope") != "read write" {
		t.Errorf("unexpected scope %q", q.Get("scope"))
	}
	if q.Get("resource") != "https://cal.example.com" {
		t.Errorf("unexpected resource %q", q.Get("resource"))
	}

	stateParam := q.Get("state")
	if stateParam == "" {
		t.Fatal("missing state parameter")
	}

	// The persisted state binds the attempt context, and the challenge in
	// the URL matches the stored verifier.
	record, err := st.ConsumeState(context.Background(), stateParam)
	if err != nil {
		t.Fatalf("state not persisted: %v", err)
	}
	if record.UserID != "user-1" || record.IntegrationID != "calendar" {
		t.Errorf("state bound to wrong context: %+v", record)
	}
	if record.Issuer != "https://auth.example.com" {
		t.Errorf("state missing issuer: %q", record.Issuer)
	}
	hash := sha256.Sum256([]byte(record.CodeVerifier))
	if got := base64.RawURLEncoding.EncodeToString(hash[:]); got != q.Get("code_challenge") {
		t.Error("code_challenge does not match stored verifier")
	}
}

func TestBeginAuthorizationGeneratesFreshSecrets(t *testing.T) {
	st := store.NewMemoryStore()
	defer st.Close()
	f := NewFlow(st)

	req := &AuthorizationRequest{
		UserID:        "user-1",
		IntegrationID: "calendar",
		Metadata:      testMetadata("https://auth.example.com"),
		Client:        testClient(),
		RedirectURI:   "https://tether.example.com/oauth/callback",
	}

	first, err := f.BeginAuthorization(context.Background(), req)
	if err != nil {
		t.Fatal(err)
	}
	second, err := f.BeginAuthorization(context.Background(), req)
	if err != nil {
		t.Fatal(err)
	}

	q1 := mustQuery(t, first)
	q2 := mustQuery(t, second)
	if q1.Get("state") == q2.Get("state") {
		t.Error("state token reused across attempts")
	}
	if q1.Get("code_challenge") == q2.Get("code_challenge") {
		t.Error("PKCE challenge reused across attempts")
	}
}

func mustQuery(t *testing.T, rawURL string) url.Values {
	t.Helper()
	u, err := url.Parse(rawURL)
	if err != nil {
		t.Fatalf("unparseable URL %q: %v", rawURL, err)
	}
	return u.Query()
}

func TestCompleteFlow(t *testing.T) {
	newFixture := func(t *testing.T, tokenHandler http.HandlerFunc) (*Flow, *store.MemoryStore, *httptest.Server) {
		t.Helper()
		st := store.NewMemoryStore()
		t.Cleanup(func() { st.Close() })
		server := httptest.NewServer(tokenHandler)
		t.Cleanup(server.Close)
		return NewFlow(st), st, server
	}

	seedState := func(t *testing.T, st *store.MemoryStore, state string) {
		t.Helper()
		err := st.PutState(context.Background(), &store.OAuthState{
			State:         state,
			UserID:        "user-1",
			IntegrationID: "calendar",
			CodeVerifier:  "test-verifier",
			Issuer:        "https://auth.example.com",
			Resource:      "https://cal.example.com",
			Scopes:        []string{"read", "write"},
			RedirectPath:  "/settings",
		}, store.DefaultStateTTL)
		if err != nil {
			t.Fatal(err)
		}
	}

	t.Run("exchanges code and validates scopes", func(t *testing.T) {
		var gotForm url.Values
		f, st, server := newFixture(t, func(w http.ResponseWriter, r *http.Request) {
			r.ParseForm()
			gotForm = r.PostForm
			w.Header().Set("Content-Type", "application/json")
			json.NewEncoder(w).Encode(oauth.Token{
				AccessToken:  "at-1",
				RefreshToken: "rt-1",
				TokenType:    "Bearer",
				ExpiresIn:    3600,
				Scope:        "read",
			})
		})
		seedState(t, st, "state-1")

		metadataSource := func(ctx context.Context, s *store.OAuthState) (*oauth.AuthorizationServerMetadata, *store.ClientRegistration, error) {
			return testMetadata(server.URL), testClient(), nil
		}

		result, err := f.CompleteFlow(context.Background(), metadataSource, "code-1", "state-1", "https://tether.example.com/oauth/callback")
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		if result.Token.AccessToken != "at-1" {
			t.Errorf("unexpected access token")
		}
		if result.UserID != "user-1" || result.RedirectPath != "/settings" {
			t.Errorf("flow context lost: %+v", result)
		}
		// Granted subset of requested is accepted as-is.
		if len(result.GrantedScopes) != 1 || result.GrantedScopes[0] != "read" {
			t.Errorf("unexpected granted scopes %v", result.GrantedScopes)
		}

		if gotForm.Get("grant_type") != "authorization_code" {
			t.Errorf("unexpected grant_type %q", gotForm.Get("grant_type"))
		}
		if gotForm.Get("code_verifier") != "test-verifier" {
			t.Errorf("unexpected code_verifier %q", gotForm.Get("code_verifier"))
		}
		if gotForm.Get("resource") != "https://cal.example.com" {
			t.Errorf("resource indicator missing from exchange: %v", gotForm)
		}
	})

	t.Run("replayed state fails before any network traffic", func(t *testing.T) {
		var hits int
		f, st, server := newFixture(t, func(w http.ResponseWriter, r *http.Request) {
			hits++
			w.Header().Set("Content-Type", "application/json")
			json.NewEncoder(w).Encode(oauth.Token{AccessToken: "at-1", ExpiresIn: 3600})
		})
		seedState(t, st, "state-1")

		metadataSource := func(ctx context.Context, s *store.OAuthState) (*oauth.AuthorizationServerMetadata, *store.ClientRegistration, error) {
			return testMetadata(server.URL), testClient(), nil
		}

		if _, err := f.CompleteFlow(context.Background(), metadataSource, "code-1", "state-1", "https://cb"); err != nil {
			t.Fatalf("first completion failed: %v", err)
		}

		_, err := f.CompleteFlow(context.Background(), metadataSource, "code-1", "state-1", "https://cb")
		var secErr *SecurityError
		if !errors.As(err, &secErr) {
			t.Fatalf("expected SecurityError on replay, got %v", err)
		}
		if hits != 1 {
			t.Errorf("replay reached the token endpoint: %d hits", hits)
		}
	})

	t.Run("unknown state is a security error", func(t *testing.T) {
		f, _, server := newFixture(t, func(w http.ResponseWriter, r *http.Request) {})
		metadataSource := func(ctx context.Context, s *store.OAuthState) (*oauth.AuthorizationServerMetadata, *store.ClientRegistration, error) {
			return testMetadata(server.URL), testClient(), nil
		}

		_, err := f.CompleteFlow(context.Background(), metadataSource, "code-1", "forged", "https://cb")
		var secErr *SecurityError
		if !errors.As(err, &secErr) {
			t.Fatalf("expected SecurityError, got %v", err)
		}
		// The opaque message must not leak the reason.
		if secErr.Error() == secErr.Reason() {
			t.Error("security error leaks internal reason")
		}
	})

	t.Run("scopes beyond requested are rejected", func(t *testing.T) {
		f, st, server := newFixture(t, func(w http.ResponseWriter, r *http.Request) {
			w.Header().Set("Content-Type", "application/json")
			json.NewEncoder(w).Encode(oauth.Token{
				AccessToken: "at-1",
				ExpiresIn:   3600,
				Scope:       "read write admin",
			})
		})
		seedState(t, st, "state-1")

		metadataSource := func(ctx context.Context, s *store.OAuthState) (*oauth.AuthorizationServerMetadata, *store.ClientRegistration, error) {
			return testMetadata(server.URL), testClient(), nil
		}

		_, err := f.CompleteFlow(context.Background(), metadataSource, "code-1", "state-1", "https://cb")
		var secErr *SecurityError
		if !errors.As(err, &secErr) {
			t.Fatalf("expected SecurityError for scope escalation, got %v", err)
		}
	})

	t.Run("token endpoint error is not retried", func(t *testing.T) {
		var hits int
		f, st, server := newFixture(t, func(w http.ResponseWriter, r *http.Request) {
			hits++
			w.WriteHeader(http.StatusBadRequest)
			json.NewEncoder(w).Encode(oauth.ErrorResponse{Error: "invalid_grant"})
		})
		seedState(t, st, "state-1")

		metadataSource := func(ctx context.Context, s *store.OAuthState) (*oauth.AuthorizationServerMetadata, *store.ClientRegistration, error) {
			return testMetadata(server.URL), testClient(), nil
		}

		if _, err := f.CompleteFlow(context.Background(), metadataSource, "code-1", "state-1", "https://cb"); err == nil {
			t.Fatal("expected error from token endpoint")
		}
		if hits != 1 {
			t.Errorf("code exchange retried: %d hits", hits)
		}
	})
}
