package store

import (
	"context"
	"strings"
	"sync"
	"time"

	"github.com/giantswarm/mcp-oauth/security"

	"tether/pkg/logging"
)

// stateEntry wraps an OAuthState with its expiry for TTL enforcement.
type stateEntry struct {
	state     *OAuthState
	expiresAt time.Time
}

// cacheEntry wraps a cached discovery document with its expiry.
type cacheEntry struct {
	doc       []byte
	expiresAt time.Time
}

// MemoryStore is an in-memory Store implementation. It is suitable for tests
// and single-process deployments; multi-process deployments use the Redis
// store instead.
type MemoryStore struct {
	mu sync.RWMutex

	tokens    map[string]*StoredToken
	states    map[string]*stateEntry
	clients   map[string]*ClientRegistration
	discovery map[string]*cacheEntry

	encryptor *security.Encryptor

	stopCleanup chan struct{}
	stopOnce    sync.Once
}

var _ Store = (*MemoryStore)(nil)

// NewMemoryStore creates a new in-memory store and starts its background
// TTL cleanup loop.
func NewMemoryStore() *MemoryStore {
	s := &MemoryStore{
		tokens:      make(map[string]*StoredToken),
		states:      make(map[string]*stateEntry),
		clients:     make(map[string]*ClientRegistration),
		discovery:   make(map[string]*cacheEntry),
		stopCleanup: make(chan struct{}),
	}

	go s.cleanupLoop()

	return s
}

// SetEncryptor enables token encryption at rest.
func (s *MemoryStore) SetEncryptor(enc *security.Encryptor) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.encryptor = enc
	if enc != nil && enc.IsEnabled() {
		logging.Info("Store", "Token encryption at rest enabled (AES-256-GCM)")
	}
}

func tokenKey(userID, integrationID string) string {
	return userID + "\x00" + integrationID
}

func clientKey(issuer, integrationID, userID string) string {
	return strings.Join([]string{issuer, integrationID, userID}, "\x00")
}

// PutToken stores a token, encrypting sensitive fields at rest.
func (s *MemoryStore) PutToken(ctx context.Context, token *StoredToken) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	sealed, err := encryptToken(token, s.encryptor)
	if err != nil {
		return err
	}
	cp := *sealed
	s.tokens[tokenKey(token.UserID, token.IntegrationID)] = &cp

	logging.Info("Store", "SECURITY_AUDIT: token stored user=%s integration=%s status=%s has_refresh=%t",
		logging.TruncateID(token.UserID), token.IntegrationID, token.Status, token.RefreshToken != "")
	return nil
}

// GetToken retrieves and decrypts a token. Returns ErrNotFound when absent.
func (s *MemoryStore) GetToken(ctx context.Context, userID, integrationID string) (*StoredToken, error) {
	s.mu.RLock()
	token, ok := s.tokens[tokenKey(userID, integrationID)]
	enc := s.encryptor
	s.mu.RUnlock()

	if !ok {
		return nil, ErrNotFound
	}

	return decryptToken(token, enc)
}

// DeleteToken removes a token.
func (s *MemoryStore) DeleteToken(ctx context.Context, userID, integrationID string) error {
	s.mu.Lock()
	delete(s.tokens, tokenKey(userID, integrationID))
	s.mu.Unlock()

	logging.Info("Store", "SECURITY_AUDIT: token deleted user=%s integration=%s",
		logging.TruncateID(userID), integrationID)
	return nil
}

// PutState stores an authorization state record with a TTL.
func (s *MemoryStore) PutState(ctx context.Context, state *OAuthState, ttl time.Duration) error {
	if ttl <= 0 {
		ttl = DefaultStateTTL
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	cp := *state
	s.states[state.State] = &stateEntry{
		state:     &cp,
		expiresAt: time.Now().Add(ttl),
	}
	return nil
}

// ConsumeState atomically retrieves and deletes a state record.
// Expired or already-consumed states return ErrNotFound; the delete happens
// under the write lock so concurrent replays have exactly one winner.
func (s *MemoryStore) ConsumeState(ctx context.Context, state string) (*OAuthState, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	entry, ok := s.states[state]
	if !ok {
		return nil, ErrNotFound
	}
	delete(s.states, state)

	if time.Now().After(entry.expiresAt) {
		return nil, ErrNotFound
	}

	return entry.state, nil
}

// PutClient stores a client registration.
func (s *MemoryStore) PutClient(ctx context.Context, reg *ClientRegistration) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	cp := *reg
	s.clients[clientKey(reg.Issuer, reg.IntegrationID, reg.UserID)] = &cp
	return nil
}

// GetClient retrieves a client registration. Returns ErrNotFound when absent.
func (s *MemoryStore) GetClient(ctx context.Context, issuer, integrationID, userID string) (*ClientRegistration, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	reg, ok := s.clients[clientKey(issuer, integrationID, userID)]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *reg
	return &cp, nil
}

// PutMetadata caches a discovery document with a TTL.
func (s *MemoryStore) PutMetadata(ctx context.Context, url string, doc []byte, ttl time.Duration) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.discovery[url] = &cacheEntry{
		doc:       append([]byte(nil), doc...),
		expiresAt: time.Now().Add(ttl),
	}
	return nil
}

// GetMetadata retrieves a cached discovery document.
// Returns ErrNotFound when absent or expired.
func (s *MemoryStore) GetMetadata(ctx context.Context, url string) ([]byte, error) {
	s.mu.RLock()
	entry, ok := s.discovery[url]
	s.mu.RUnlock()

	if !ok || time.Now().After(entry.expiresAt) {
		return nil, ErrNotFound
	}

	return append([]byte(nil), entry.doc...), nil
}

// Close stops the background cleanup goroutine.
func (s *MemoryStore) Close() error {
	s.stopOnce.Do(func() {
		close(s.stopCleanup)
	})
	return nil
}

// cleanupLoop periodically removes expired states and cache entries.
func (s *MemoryStore) cleanupLoop() {
	ticker := time.NewTicker(time.Minute)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			s.cleanup()
		case <-s.stopCleanup:
			return
		}
	}
}

// cleanup removes all expired TTL-indexed entries.
func (s *MemoryStore) cleanup() {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := time.Now()
	removed := 0

	for key, entry := range s.states {
		if now.After(entry.expiresAt) {
			delete(s.states, key)
			removed++
		}
	}
	for key, entry := range s.discovery {
		if now.After(entry.expiresAt) {
			delete(s.discovery, key)
			removed++
		}
	}

	if removed > 0 {
		logging.Debug("Store", "Cleaned up %d expired entries", removed)
	}
}
