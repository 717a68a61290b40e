// Package oauth implements the client side of OAuth 2.1 for remote
// integrations: challenge-driven discovery (RFC 9728, RFC 8414), dynamic
// client registration (RFC 7591), the PKCE authorization code flow
// (RFC 7636) with resource indicators (RFC 8707), and the token lifecycle
// after the grant (refresh, revocation, introspection, step-up detection).
//
// The Manager type is the facade most callers use. It composes a
// Discoverer, Registrar, Flow, and Lifecycle around an injected store; the
// package holds no global state and raw token values never appear in logs
// or error messages.
package oauth
