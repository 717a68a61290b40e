package store

import (
	"encoding/base64"
	"fmt"
)

// Type identifies a store backend.
type Type string

const (
	TypeMemory Type = "memory"
	TypeRedis  Type = "redis"
)

// Options configures store creation.
type Options struct {
	Type  Type
	Redis RedisOptions

	// EncryptionKey is an optional base64-encoded 32-byte AES key. When set,
	// access and refresh tokens are encrypted before they reach the backend.
	EncryptionKey string
}

// New creates a Store for the configured backend. An empty type defaults
// to the in-memory store.
func New(opts Options) (Store, error) {
	var (
		s   Store
		err error
	)

	switch opts.Type {
	case TypeMemory, "":
		s = NewMemoryStore()
	case TypeRedis:
		if opts.Redis.Addr == "" {
			return nil, fmt.Errorf("redis store requires an address")
		}
		s, err = NewRedisStoreFromOptions(opts.Redis)
		if err != nil {
			return nil, err
		}
	default:
		return nil, fmt.Errorf("unknown store type %q", opts.Type)
	}

	if opts.EncryptionKey != "" {
		enc, err := NewEncryptor(opts.EncryptionKey)
		if err != nil {
			_ = s.Close()
			return nil, fmt.Errorf("failed to initialize token encryption: %w", err)
		}
		switch backend := s.(type) {
		case *MemoryStore:
			backend.SetEncryptor(enc)
		case *RedisStore:
			backend.SetEncryptor(enc)
		}
	}

	return s, nil
}

// GenerateEncryptionKey returns a fresh base64-encoded 32-byte key suitable
// for Options.EncryptionKey.
func GenerateEncryptionKey() (string, error) {
	key, err := randomBytes(32)
	if err != nil {
		return "", fmt.Errorf("failed to generate encryption key: %w", err)
	}
	return base64.StdEncoding.EncodeToString(key), nil
}
