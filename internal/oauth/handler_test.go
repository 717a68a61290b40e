package oauth

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
)

func TestHandleCallback(t *testing.T) {
	t.Run("successful callback redirects to origin path", func(t *testing.T) {
		fx := newManagerFixture(t)
		h := NewHandler(fx.manager)

		authURL, err := fx.manager.BeginConnect(context.Background(), "user-1", "calendar", "/chat")
		if err != nil {
			t.Fatal(err)
		}
		state := mustQuery(t, authURL).Get("state")

		req := httptest.NewRequest(http.MethodGet, "/oauth/callback?code=auth-code&state="+state, nil)
		rec := httptest.NewRecorder()
		h.HandleCallback(rec, req)

		if rec.Code != http.StatusFound {
			t.Fatalf("expected redirect, got %d: %s", rec.Code, rec.Body.String())
		}
		if loc := rec.Header().Get("Location"); loc != "/chat" {
			t.Errorf("unexpected redirect target %q", loc)
		}
	})

	t.Run("successful callback without redirect path renders page", func(t *testing.T) {
		fx := newManagerFixture(t)
		h := NewHandler(fx.manager)

		authURL, err := fx.manager.BeginConnect(context.Background(), "user-1", "calendar", "")
		if err != nil {
			t.Fatal(err)
		}
		state := mustQuery(t, authURL).Get("state")

		req := httptest.NewRequest(http.MethodGet, "/oauth/callback?code=auth-code&state="+state, nil)
		rec := httptest.NewRecorder()
		h.HandleCallback(rec, req)

		if rec.Code != http.StatusOK {
			t.Fatalf("expected 200, got %d", rec.Code)
		}
		if !strings.Contains(rec.Body.String(), "Connected") {
			t.Error("success page missing confirmation")
		}
		if rec.Header().Get("X-Frame-Options") != "DENY" {
			t.Error("missing security headers")
		}
	})

	t.Run("user denial renders decline message", func(t *testing.T) {
		fx := newManagerFixture(t)
		h := NewHandler(fx.manager)

		req := httptest.NewRequest(http.MethodGet, "/oauth/callback?error=access_denied&error_description=user+said+no", nil)
		rec := httptest.NewRecorder()
		h.HandleCallback(rec, req)

		if rec.Code != http.StatusBadRequest {
			t.Fatalf("expected 400, got %d", rec.Code)
		}
		if !strings.Contains(rec.Body.String(), "declined") {
			t.Error("expected decline message")
		}
	})

	t.Run("replayed state renders expiry message without internals", func(t *testing.T) {
		fx := newManagerFixture(t)
		h := NewHandler(fx.manager)

		req := httptest.NewRequest(http.MethodGet, "/oauth/callback?code=auth-code&state=forged", nil)
		rec := httptest.NewRecorder()
		h.HandleCallback(rec, req)

		if rec.Code != http.StatusBadRequest {
			t.Fatalf("expected 400, got %d", rec.Code)
		}
		body := rec.Body.String()
		if !strings.Contains(body, MsgConnectionExpired) {
			t.Error("expected generic expiry message")
		}
		if strings.Contains(body, "state") {
			t.Error("error page leaks flow internals")
		}
	})

	t.Run("missing parameters rejected", func(t *testing.T) {
		fx := newManagerFixture(t)
		h := NewHandler(fx.manager)

		req := httptest.NewRequest(http.MethodGet, "/oauth/callback", nil)
		rec := httptest.NewRecorder()
		h.HandleCallback(rec, req)

		if rec.Code != http.StatusBadRequest {
			t.Fatalf("expected 400, got %d", rec.Code)
		}
		if !strings.Contains(rec.Body.String(), MsgConnectionFailed) {
			t.Error("expected generic failure message")
		}
	})
}
