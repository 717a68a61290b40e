package oauth

import (
	"context"
	"errors"
	"fmt"

	"tether/internal/api"
	"tether/internal/store"
	"tether/pkg/oauth"
)

// APIAdapter implements api.ConnectionHandler on top of a Manager.
type APIAdapter struct {
	manager *Manager
}

var _ api.ConnectionHandler = (*APIAdapter)(nil)

// NewAPIAdapter creates the adapter.
func NewAPIAdapter(manager *Manager) *APIAdapter {
	return &APIAdapter{manager: manager}
}

// Register installs the adapter as the process-wide connection handler.
func (a *APIAdapter) Register() {
	api.RegisterConnectionHandler(a)
}

// BeginConnect starts the authorization flow.
func (a *APIAdapter) BeginConnect(ctx context.Context, userID, integrationID, redirectPath string) (string, error) {
	return a.manager.BeginConnect(ctx, userID, integrationID, redirectPath)
}

// BearerToken returns a redacted handle on a fresh access token.
func (a *APIAdapter) BearerToken(ctx context.Context, userID, integrationID string) (oauth.RedactedToken, error) {
	token, err := a.manager.AccessToken(ctx, userID, integrationID)
	if err != nil {
		return oauth.RedactedToken{}, err
	}
	return oauth.NewRedactedToken(token.AccessToken), nil
}

// Disconnect revokes and removes the connection.
func (a *APIAdapter) Disconnect(ctx context.Context, userID, integrationID string) error {
	return a.manager.Disconnect(ctx, userID, integrationID)
}

// Status reports the connection state.
func (a *APIAdapter) Status(ctx context.Context, userID, integrationID string) (*api.ConnectionStatus, error) {
	token, err := a.manager.store.GetToken(ctx, userID, integrationID)
	if errors.Is(err, store.ErrNotFound) {
		return nil, fmt.Errorf("integration %s is not connected", integrationID)
	}
	if err != nil {
		return nil, err
	}

	return &api.ConnectionStatus{
		IntegrationID: integrationID,
		State:         string(token.Status),
		ExpiresAt:     token.Expiry,
		Scopes:        token.Scopes,
	}, nil
}
