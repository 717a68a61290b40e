package oauth

import (
	"context"
	"strings"
	"testing"

	"tether/internal/store"
)

func TestAPIAdapter(t *testing.T) {
	fx := newManagerFixture(t)
	adapter := NewAPIAdapter(fx.manager)
	fx.connect(t, "user-1")

	t.Run("bearer token is redacted in formatting", func(t *testing.T) {
		token, err := adapter.BearerToken(context.Background(), "user-1", "calendar")
		if err != nil {
			t.Fatalf("BearerToken failed: %v", err)
		}
		if token.Value() != "issued-access" {
			t.Error("unexpected token value")
		}
		if strings.Contains(token.String(), "issued-access") {
			t.Error("String() leaks the token")
		}
	})

	t.Run("status reflects stored connection", func(t *testing.T) {
		status, err := adapter.Status(context.Background(), "user-1", "calendar")
		if err != nil {
			t.Fatalf("Status failed: %v", err)
		}
		if status.State != string(store.StatusConnected) {
			t.Errorf("unexpected state %s", status.State)
		}
		if len(status.Scopes) == 0 {
			t.Error("expected granted scopes in status")
		}
	})

	t.Run("disconnect removes the connection", func(t *testing.T) {
		if err := adapter.Disconnect(context.Background(), "user-1", "calendar"); err != nil {
			t.Fatalf("Disconnect failed: %v", err)
		}
		if _, err := adapter.Status(context.Background(), "user-1", "calendar"); err == nil {
			t.Error("expected error for disconnected integration")
		}
	})
}
