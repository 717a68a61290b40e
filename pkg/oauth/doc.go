// Package oauth provides the wire-level OAuth 2.1 building blocks used by
// tether's remote-integration subsystem: WWW-Authenticate challenge parsing,
// PKCE generation, and the typed metadata documents defined by RFC 8414
// (authorization server metadata), RFC 9728 (protected resource metadata),
// and RFC 7591 (dynamic client registration).
//
// The package is intentionally free of storage and orchestration concerns.
// Metadata arriving from remote servers is untrusted input; the types here
// carry Validate methods that must pass before a document is allowed to
// propagate into the rest of the system.
package oauth
