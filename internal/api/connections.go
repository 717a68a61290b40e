package api

import (
	"context"
	"time"

	"tether/pkg/oauth"
)

// connectionHandler stores the registered ConnectionHandler implementation.
var connectionHandler ConnectionHandler

// ConnectionHandler is the surface the rest of the assistant backend uses
// to manage a user's remote-integration connections. The interface lives in
// the API layer and is implemented by an adapter in the oauth package, so
// consumers never depend on the OAuth machinery directly.
type ConnectionHandler interface {
	// BeginConnect starts the authorization flow and returns the URL to
	// send the user's browser to. redirectPath is where the user's UI
	// resumes after the callback. An empty URL means the integration
	// required no authorization and is already connected.
	BeginConnect(ctx context.Context, userID, integrationID, redirectPath string) (string, error)

	// BearerToken returns a redacted handle on a usable access token for
	// an outbound request. The raw value is only reachable through
	// RedactedToken.Value; logging the handle is safe.
	BearerToken(ctx context.Context, userID, integrationID string) (oauth.RedactedToken, error)

	// Disconnect revokes and removes the user's connection.
	Disconnect(ctx context.Context, userID, integrationID string) error

	// Status reports the connection state for one integration.
	Status(ctx context.Context, userID, integrationID string) (*ConnectionStatus, error)
}

// ConnectionStatus is the externally visible state of one connection.
type ConnectionStatus struct {
	IntegrationID string

	// State is "pending", "connected", or "error".
	State string

	// ExpiresAt is when the current access token expires, zero when the
	// token does not expire or no token exists yet.
	ExpiresAt time.Time

	// Scopes are the granted scopes.
	Scopes []string
}

// RegisterConnectionHandler installs the ConnectionHandler implementation.
// Called once during startup wiring.
func RegisterConnectionHandler(handler ConnectionHandler) {
	connectionHandler = handler
}

// GetConnectionHandler returns the registered handler, or nil before
// registration.
func GetConnectionHandler() ConnectionHandler {
	return connectionHandler
}
