package store

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestToken(userID, integrationID string) *StoredToken {
	now := time.Now()
	return &StoredToken{
		UserID:        userID,
		IntegrationID: integrationID,
		AccessToken:   "access-" + integrationID,
		RefreshToken:  "refresh-" + integrationID,
		TokenType:     "Bearer",
		Expiry:        now.Add(time.Hour),
		Scopes:        []string{"read", "write"},
		Resource:      "https://" + integrationID + ".example.com/mcp",
		Issuer:        "https://auth." + integrationID + ".example.com",
		Status:        StatusConnected,
		CreatedAt:     now,
		UpdatedAt:     now,
	}
}

func TestMemoryStoreTokenRoundtrip(t *testing.T) {
	s := NewMemoryStore()
	defer s.Close()
	ctx := context.Background()

	token := newTestToken("user-1", "calendar")
	require.NoError(t, s.PutToken(ctx, token))

	got, err := s.GetToken(ctx, "user-1", "calendar")
	require.NoError(t, err)
	assert.Equal(t, token.AccessToken, got.AccessToken)
	assert.Equal(t, token.RefreshToken, got.RefreshToken)
	assert.Equal(t, token.Scopes, got.Scopes)
	assert.Equal(t, StatusConnected, got.Status)

	// Mutating the returned token must not affect the stored copy.
	got.AccessToken = "mutated"
	again, err := s.GetToken(ctx, "user-1", "calendar")
	require.NoError(t, err)
	assert.Equal(t, token.AccessToken, again.AccessToken)
}

func TestMemoryStoreTokenNotFound(t *testing.T) {
	s := NewMemoryStore()
	defer s.Close()

	_, err := s.GetToken(context.Background(), "nobody", "nothing")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestMemoryStoreTokenIsolation(t *testing.T) {
	s := NewMemoryStore()
	defer s.Close()
	ctx := context.Background()

	require.NoError(t, s.PutToken(ctx, newTestToken("user-1", "calendar")))
	require.NoError(t, s.PutToken(ctx, newTestToken("user-1", "crm")))
	require.NoError(t, s.PutToken(ctx, newTestToken("user-2", "calendar")))

	got, err := s.GetToken(ctx, "user-1", "crm")
	require.NoError(t, err)
	assert.Equal(t, "access-crm", got.AccessToken)

	require.NoError(t, s.DeleteToken(ctx, "user-1", "calendar"))
	_, err = s.GetToken(ctx, "user-1", "calendar")
	assert.ErrorIs(t, err, ErrNotFound)

	// The same integration for another user is untouched.
	_, err = s.GetToken(ctx, "user-2", "calendar")
	assert.NoError(t, err)
}

func TestMemoryStoreDeleteIdempotent(t *testing.T) {
	s := NewMemoryStore()
	defer s.Close()

	assert.NoError(t, s.DeleteToken(context.Background(), "user-1", "calendar"))
}

func TestMemoryStoreConsumeStateOnce(t *testing.T) {
	s := NewMemoryStore()
	defer s.Close()
	ctx := context.Background()

	st := &OAuthState{
		State:         "state-abc",
		UserID:        "user-1",
		IntegrationID: "calendar",
		CodeVerifier:  "verifier",
		CreatedAt:     time.Now(),
	}
	require.NoError(t, s.PutState(ctx, st, time.Minute))

	got, err := s.ConsumeState(ctx, "state-abc")
	require.NoError(t, err)
	assert.Equal(t, "user-1", got.UserID)
	assert.Equal(t, "verifier", got.CodeVerifier)

	// Second consumption is a replay and must fail.
	_, err = s.ConsumeState(ctx, "state-abc")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestMemoryStoreConsumeStateConcurrent(t *testing.T) {
	s := NewMemoryStore()
	defer s.Close()
	ctx := context.Background()

	require.NoError(t, s.PutState(ctx, &OAuthState{State: "contested", UserID: "u"}, time.Minute))

	const goroutines = 32
	var wg sync.WaitGroup
	var winners int64
	var mu sync.Mutex

	for i := 0; i < goroutines; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, err := s.ConsumeState(ctx, "contested"); err == nil {
				mu.Lock()
				winners++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, int64(1), winners, "exactly one consumer must win")
}

func TestMemoryStoreStateExpiry(t *testing.T) {
	s := NewMemoryStore()
	defer s.Close()
	ctx := context.Background()

	require.NoError(t, s.PutState(ctx, &OAuthState{State: "short-lived"}, 10*time.Millisecond))
	time.Sleep(30 * time.Millisecond)

	_, err := s.ConsumeState(ctx, "short-lived")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestMemoryStoreClientRegistration(t *testing.T) {
	s := NewMemoryStore()
	defer s.Close()
	ctx := context.Background()

	reg := &ClientRegistration{
		Issuer:        "https://auth.example.com",
		IntegrationID: "calendar",
		ClientID:      "client-123",
		ClientSecret:  "secret",
		CreatedAt:     time.Now(),
	}
	require.NoError(t, s.PutClient(ctx, reg))

	got, err := s.GetClient(ctx, "https://auth.example.com", "calendar", "")
	require.NoError(t, err)
	assert.Equal(t, "client-123", got.ClientID)

	// A per-user registration does not shadow the shared one.
	_, err = s.GetClient(ctx, "https://auth.example.com", "calendar", "user-1")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestMemoryStoreDiscoveryCache(t *testing.T) {
	s := NewMemoryStore()
	defer s.Close()
	ctx := context.Background()

	doc := []byte(`{"issuer":"https://auth.example.com"}`)
	require.NoError(t, s.PutMetadata(ctx, "https://auth.example.com/.well-known/oauth-authorization-server", doc, time.Hour))

	got, err := s.GetMetadata(ctx, "https://auth.example.com/.well-known/oauth-authorization-server")
	require.NoError(t, err)
	assert.Equal(t, doc, got)

	_, err = s.GetMetadata(ctx, "https://other.example.com/.well-known/oauth-authorization-server")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestMemoryStoreDiscoveryCacheExpiry(t *testing.T) {
	s := NewMemoryStore()
	defer s.Close()
	ctx := context.Background()

	require.NoError(t, s.PutMetadata(ctx, "https://auth.example.com/meta", []byte(`{}`), 10*time.Millisecond))
	time.Sleep(30 * time.Millisecond)

	_, err := s.GetMetadata(ctx, "https://auth.example.com/meta")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestMemoryStoreCloseIdempotent(t *testing.T) {
	s := NewMemoryStore()
	assert.NoError(t, s.Close())
	assert.NoError(t, s.Close())
}
