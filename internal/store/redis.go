package store

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/giantswarm/mcp-oauth/security"
	"github.com/redis/rueidis"

	"tether/pkg/logging"
)

// Key prefixes for the logical collections, matching the persisted state
// layout: oauth_state (TTL), dcr_clients, oauth_discovery_cache (TTL), tokens.
const (
	redisTokenPrefix  = "token:"
	redisStatePrefix  = "oauth_state:"
	redisClientPrefix = "dcr_client:"
	redisCachePrefix  = "discovery:"
)

// RedisStore implements Store on Redis via rueidis. TTL-indexed collections
// use native key expiry, and state consumption uses GETDEL so concurrent
// callback replays have exactly one winner even across processes.
type RedisStore struct {
	client    rueidis.Client
	keyPrefix string
	encryptor *security.Encryptor
}

var _ Store = (*RedisStore)(nil)

// RedisOptions contains configuration for the Redis connection.
type RedisOptions struct {
	Addr      string
	Password  string
	DB        int
	KeyPrefix string
}

// NewRedisStore creates a new RedisStore from the provided rueidis client.
func NewRedisStore(client rueidis.Client, keyPrefix string) *RedisStore {
	return &RedisStore{
		client:    client,
		keyPrefix: keyPrefix,
	}
}

// NewRedisStoreFromOptions dials Redis and creates a store.
func NewRedisStoreFromOptions(opts RedisOptions) (*RedisStore, error) {
	client, err := rueidis.NewClient(rueidis.ClientOption{
		InitAddress: []string{opts.Addr},
		Password:    opts.Password,
		SelectDB:    opts.DB,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create redis client: %w", err)
	}
	return NewRedisStore(client, opts.KeyPrefix), nil
}

// SetEncryptor enables token encryption at rest.
func (r *RedisStore) SetEncryptor(enc *security.Encryptor) {
	r.encryptor = enc
	if enc != nil && enc.IsEnabled() {
		logging.Info("Store", "Token encryption at rest enabled (AES-256-GCM)")
	}
}

func (r *RedisStore) key(prefix, id string) string {
	return r.keyPrefix + prefix + id
}

// PutToken stores a token, encrypting sensitive fields at rest.
func (r *RedisStore) PutToken(ctx context.Context, token *StoredToken) error {
	sealed, err := encryptToken(token, r.encryptor)
	if err != nil {
		return err
	}

	data, err := json.Marshal(sealed)
	if err != nil {
		return fmt.Errorf("failed to marshal token: %w", err)
	}

	key := r.key(redisTokenPrefix, tokenKey(token.UserID, token.IntegrationID))
	cmd := r.client.B().Set().Key(key).Value(string(data)).Build()
	if err := r.client.Do(ctx, cmd).Error(); err != nil {
		return fmt.Errorf("failed to save token to redis: %w", err)
	}

	logging.Info("Store", "SECURITY_AUDIT: token stored user=%s integration=%s status=%s has_refresh=%t",
		logging.TruncateID(token.UserID), token.IntegrationID, token.Status, token.RefreshToken != "")
	return nil
}

// GetToken retrieves and decrypts a token. Returns ErrNotFound when absent.
func (r *RedisStore) GetToken(ctx context.Context, userID, integrationID string) (*StoredToken, error) {
	key := r.key(redisTokenPrefix, tokenKey(userID, integrationID))
	cmd := r.client.B().Get().Key(key).Build()
	result, err := r.client.Do(ctx, cmd).ToString()
	if err != nil {
		if rueidis.IsRedisNil(err) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("failed to get token from redis: %w", err)
	}

	var token StoredToken
	if err := json.Unmarshal([]byte(result), &token); err != nil {
		return nil, fmt.Errorf("failed to unmarshal token: %w", err)
	}

	return decryptToken(&token, r.encryptor)
}

// DeleteToken removes a token.
func (r *RedisStore) DeleteToken(ctx context.Context, userID, integrationID string) error {
	key := r.key(redisTokenPrefix, tokenKey(userID, integrationID))
	cmd := r.client.B().Del().Key(key).Build()
	if err := r.client.Do(ctx, cmd).Error(); err != nil {
		return fmt.Errorf("failed to delete token from redis: %w", err)
	}

	logging.Info("Store", "SECURITY_AUDIT: token deleted user=%s integration=%s",
		logging.TruncateID(userID), integrationID)
	return nil
}

// PutState stores an authorization state record with native TTL.
func (r *RedisStore) PutState(ctx context.Context, state *OAuthState, ttl time.Duration) error {
	if ttl <= 0 {
		ttl = DefaultStateTTL
	}

	data, err := json.Marshal(state)
	if err != nil {
		return fmt.Errorf("failed to marshal oauth state: %w", err)
	}

	key := r.key(redisStatePrefix, state.State)
	cmd := r.client.B().Set().Key(key).Value(string(data)).ExSeconds(int64(ttl.Seconds())).Build()
	if err := r.client.Do(ctx, cmd).Error(); err != nil {
		return fmt.Errorf("failed to save oauth state to redis: %w", err)
	}
	return nil
}

// ConsumeState atomically retrieves and deletes a state record via GETDEL.
func (r *RedisStore) ConsumeState(ctx context.Context, state string) (*OAuthState, error) {
	key := r.key(redisStatePrefix, state)
	cmd := r.client.B().Getdel().Key(key).Build()
	result, err := r.client.Do(ctx, cmd).ToString()
	if err != nil {
		if rueidis.IsRedisNil(err) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("failed to consume oauth state from redis: %w", err)
	}

	var st OAuthState
	if err := json.Unmarshal([]byte(result), &st); err != nil {
		return nil, fmt.Errorf("failed to unmarshal oauth state: %w", err)
	}
	return &st, nil
}

// PutClient stores a client registration.
func (r *RedisStore) PutClient(ctx context.Context, reg *ClientRegistration) error {
	data, err := json.Marshal(reg)
	if err != nil {
		return fmt.Errorf("failed to marshal client registration: %w", err)
	}

	key := r.key(redisClientPrefix, clientKey(reg.Issuer, reg.IntegrationID, reg.UserID))
	cmd := r.client.B().Set().Key(key).Value(string(data)).Build()
	if err := r.client.Do(ctx, cmd).Error(); err != nil {
		return fmt.Errorf("failed to save client registration to redis: %w", err)
	}
	return nil
}

// GetClient retrieves a client registration. Returns ErrNotFound when absent.
func (r *RedisStore) GetClient(ctx context.Context, issuer, integrationID, userID string) (*ClientRegistration, error) {
	key := r.key(redisClientPrefix, clientKey(issuer, integrationID, userID))
	cmd := r.client.B().Get().Key(key).Build()
	result, err := r.client.Do(ctx, cmd).ToString()
	if err != nil {
		if rueidis.IsRedisNil(err) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("failed to get client registration from redis: %w", err)
	}

	var reg ClientRegistration
	if err := json.Unmarshal([]byte(result), &reg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal client registration: %w", err)
	}
	return &reg, nil
}

// PutMetadata caches a discovery document with native TTL.
func (r *RedisStore) PutMetadata(ctx context.Context, url string, doc []byte, ttl time.Duration) error {
	key := r.key(redisCachePrefix, url)
	cmd := r.client.B().Set().Key(key).Value(string(doc)).ExSeconds(int64(ttl.Seconds())).Build()
	if err := r.client.Do(ctx, cmd).Error(); err != nil {
		return fmt.Errorf("failed to cache discovery document in redis: %w", err)
	}
	return nil
}

// GetMetadata retrieves a cached discovery document.
func (r *RedisStore) GetMetadata(ctx context.Context, url string) ([]byte, error) {
	key := r.key(redisCachePrefix, url)
	cmd := r.client.B().Get().Key(key).Build()
	result, err := r.client.Do(ctx, cmd).ToString()
	if err != nil {
		if rueidis.IsRedisNil(err) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("failed to get discovery document from redis: %w", err)
	}
	return []byte(result), nil
}

// Close closes the Redis client connection.
func (r *RedisStore) Close() error {
	r.client.Close()
	return nil
}
