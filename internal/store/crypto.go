package store

import (
	"crypto/rand"
	"encoding/base64"
	"fmt"

	"github.com/giantswarm/mcp-oauth/security"
)

func randomBytes(n int) ([]byte, error) {
	b := make([]byte, n)
	if _, err := rand.Read(b); err != nil {
		return nil, err
	}
	return b, nil
}

// NewEncryptor builds an AES-256-GCM encryptor from a base64-encoded key.
func NewEncryptor(base64Key string) (*security.Encryptor, error) {
	keyBytes, err := base64.StdEncoding.DecodeString(base64Key)
	if err != nil {
		return nil, fmt.Errorf("failed to decode encryption key: %w", err)
	}
	enc, err := security.NewEncryptor(keyBytes)
	if err != nil {
		return nil, fmt.Errorf("failed to create encryptor: %w", err)
	}
	return enc, nil
}

// encryptToken encrypts the sensitive fields of a StoredToken.
// Returns a new token with encrypted fields, leaving the original unchanged.
func encryptToken(token *StoredToken, enc *security.Encryptor) (*StoredToken, error) {
	if enc == nil || !enc.IsEnabled() {
		return token, nil
	}

	sealed := *token
	if sealed.AccessToken != "" {
		v, err := enc.Encrypt(sealed.AccessToken)
		if err != nil {
			return nil, fmt.Errorf("failed to encrypt access token: %w", err)
		}
		sealed.AccessToken = v
	}
	if sealed.RefreshToken != "" {
		v, err := enc.Encrypt(sealed.RefreshToken)
		if err != nil {
			return nil, fmt.Errorf("failed to encrypt refresh token: %w", err)
		}
		sealed.RefreshToken = v
	}

	return &sealed, nil
}

// decryptToken decrypts the sensitive fields of a StoredToken.
// Returns a new token with decrypted fields, leaving the stored copy unchanged.
func decryptToken(token *StoredToken, enc *security.Encryptor) (*StoredToken, error) {
	if enc == nil || !enc.IsEnabled() {
		return token, nil
	}

	opened := *token
	if opened.AccessToken != "" {
		v, err := enc.Decrypt(opened.AccessToken)
		if err != nil {
			return nil, fmt.Errorf("failed to decrypt access token: %w", err)
		}
		opened.AccessToken = v
	}
	if opened.RefreshToken != "" {
		v, err := enc.Decrypt(opened.RefreshToken)
		if err != nil {
			return nil, fmt.Errorf("failed to decrypt refresh token: %w", err)
		}
		opened.RefreshToken = v
	}

	return &opened, nil
}
