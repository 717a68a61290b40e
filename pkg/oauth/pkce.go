package oauth

import (
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"fmt"
)

const (
	// pkceVerifierBytes is the number of random bytes for the PKCE code
	// verifier. 32 bytes encodes to 43 base64url characters, the minimum
	// verifier length allowed by RFC 7636, with 256 bits of entropy.
	pkceVerifierBytes = 32

	// stateTokenBytes is the number of random bytes for the OAuth state
	// parameter. 32 bytes encodes to 43 base64url characters.
	stateTokenBytes = 32
)

// GeneratePKCE generates a new PKCE code verifier and S256 challenge.
// A fresh pair must be generated for every authorization attempt; verifiers
// are never reused.
func GeneratePKCE() (*PKCEChallenge, error) {
	verifierBytes := make([]byte, pkceVerifierBytes)
	if _, err := rand.Read(verifierBytes); err != nil {
		return nil, fmt.Errorf("failed to generate random bytes for PKCE: %w", err)
	}

	verifier := base64.RawURLEncoding.EncodeToString(verifierBytes)
	hash := sha256.Sum256([]byte(verifier))
	challenge := base64.RawURLEncoding.EncodeToString(hash[:])

	return &PKCEChallenge{
		CodeVerifier:        verifier,
		CodeChallenge:       challenge,
		CodeChallengeMethod: PKCEMethodS256,
	}, nil
}

// GeneratePlainPKCE generates a PKCE pair using the plain method, for servers
// that do not support S256. Callers should log a warning before using this.
func GeneratePlainPKCE() (*PKCEChallenge, error) {
	verifierBytes := make([]byte, pkceVerifierBytes)
	if _, err := rand.Read(verifierBytes); err != nil {
		return nil, fmt.Errorf("failed to generate random bytes for PKCE: %w", err)
	}

	verifier := base64.RawURLEncoding.EncodeToString(verifierBytes)

	return &PKCEChallenge{
		CodeVerifier:        verifier,
		CodeChallenge:       verifier,
		CodeChallengeMethod: PKCEMethodPlain,
	}, nil
}

// GenerateState generates a random state parameter for OAuth.
// The state links the authorization response back to the original request
// and provides CSRF protection.
func GenerateState() (string, error) {
	b := make([]byte, stateTokenBytes)
	if _, err := rand.Read(b); err != nil {
		return "", fmt.Errorf("failed to generate state: %w", err)
	}

	return base64.RawURLEncoding.EncodeToString(b), nil
}
