package oauth

import (
	"errors"
	"fmt"
)

// User-facing messages. Handlers and API adapters surface these instead of
// internal error detail; the full cause goes to the log only.
const (
	MsgConnectionExpired = "connection expired, please reconnect"
	MsgDCRNotSupported   = "this server doesn't support automatic connection"
	MsgConnectionFailed  = "connection failed, try again"
)

// DiscoveryError indicates that metadata discovery failed for a URL.
// SecurityFailure marks hard failures (issuer mismatch, non-HTTPS endpoints)
// that must never be retried or papered over with cached data.
type DiscoveryError struct {
	URL             string
	SecurityFailure bool
	Err             error
}

func (e *DiscoveryError) Error() string {
	if e.SecurityFailure {
		return fmt.Sprintf("discovery security failure for %s: %v", e.URL, e.Err)
	}
	return fmt.Sprintf("discovery failed for %s: %v", e.URL, e.Err)
}

func (e *DiscoveryError) Unwrap() error {
	return e.Err
}

// IsDiscoverySecurityFailure reports whether err is a DiscoveryError marked
// as a security failure.
func IsDiscoverySecurityFailure(err error) bool {
	var de *DiscoveryError
	return errors.As(err, &de) && de.SecurityFailure
}

// DCRNotSupportedError indicates that an authorization server offers no way
// to obtain client credentials: no static configuration, no registration
// endpoint, and no client-metadata-document support.
type DCRNotSupportedError struct {
	Issuer string
}

func (e *DCRNotSupportedError) Error() string {
	return fmt.Sprintf("authorization server %s does not support dynamic client registration", e.Issuer)
}

// UserMessage returns the message safe to show to the end user.
func (e *DCRNotSupportedError) UserMessage() string {
	return MsgDCRNotSupported
}

// SecurityError indicates a violated security invariant during the
// authorization flow: unknown, expired, or replayed state, or a scope grant
// broader than requested. The message is deliberately generic; detail goes
// to the security audit log, never to the caller.
type SecurityError struct {
	// reason is logged, not exposed through Error().
	reason string
}

// NewSecurityError creates a SecurityError with an internal reason.
func NewSecurityError(reason string) *SecurityError {
	return &SecurityError{reason: reason}
}

func (e *SecurityError) Error() string {
	return "authorization request could not be validated"
}

// Reason returns the internal reason for audit logging.
func (e *SecurityError) Reason() string {
	return e.reason
}

// TokenRefreshError indicates a refresh attempt failed. Code carries the
// OAuth error code from the server ("invalid_grant" means the refresh token
// itself is dead and the user must reconnect).
type TokenRefreshError struct {
	Code string
	Err  error
}

func (e *TokenRefreshError) Error() string {
	if e.Code != "" {
		return fmt.Sprintf("token refresh failed: %s", e.Code)
	}
	return fmt.Sprintf("token refresh failed: %v", e.Err)
}

func (e *TokenRefreshError) Unwrap() error {
	return e.Err
}

// IsTerminal reports whether the refresh failure is unrecoverable without
// user interaction.
func (e *TokenRefreshError) IsTerminal() bool {
	return e.Code == "invalid_grant"
}

// UserMessage returns the message safe to show to the end user.
func (e *TokenRefreshError) UserMessage() string {
	if e.IsTerminal() {
		return MsgConnectionExpired
	}
	return MsgConnectionFailed
}

// StepUpRequiredError signals that a remote server rejected a request for
// lack of scope and a new authorization with broader scopes is needed.
// It is a matchable signal, not a failure: callers use errors.As and start
// an incremental authorization with the union of old and missing scopes.
type StepUpRequiredError struct {
	MissingScope []string
	Resource     string
}

func (e *StepUpRequiredError) Error() string {
	return fmt.Sprintf("additional authorization required for %s (missing scopes: %v)", e.Resource, e.MissingScope)
}
