package oauth

import (
	"errors"
	"fmt"
	"html"
	"net/http"

	"tether/pkg/logging"
)

// Handler serves the OAuth callback endpoint the authorization server
// redirects the user's browser to.
type Handler struct {
	manager *Manager
}

// NewHandler creates an OAuth HTTP handler.
func NewHandler(manager *Manager) *Handler {
	return &Handler{manager: manager}
}

// HandleCallback handles the authorization redirect. All failure modes
// render the same generic error vocabulary; details go to the log only.
func (h *Handler) HandleCallback(w http.ResponseWriter, r *http.Request) {
	query := r.URL.Query()
	code := query.Get("code")
	stateParam := query.Get("state")
	errorParam := query.Get("error")
	errorDesc := query.Get("error_description")

	if errorParam != "" {
		logging.Warn("OAuth", "Authorization callback returned error: %s - %s", errorParam, errorDesc)
		if errorParam == "access_denied" {
			h.renderErrorPage(w, "Authorization was declined. You can close this window.")
			return
		}
		h.renderErrorPage(w, MsgConnectionFailed)
		return
	}

	if code == "" || stateParam == "" {
		logging.Warn("OAuth", "Authorization callback missing code or state parameter")
		h.renderErrorPage(w, MsgConnectionFailed)
		return
	}

	result, err := h.manager.CompleteConnect(r.Context(), code, stateParam)
	if err != nil {
		var secErr *SecurityError
		if errors.As(err, &secErr) {
			logging.Warn("OAuth", "SECURITY_AUDIT: callback rejected: %s", secErr.Reason())
			h.renderErrorPage(w, MsgConnectionExpired)
			return
		}
		logging.Error("OAuth", err, "Failed to complete authorization callback")
		h.renderErrorPage(w, MsgConnectionFailed)
		return
	}

	if result.RedirectPath != "" {
		setSecurityHeaders(w)
		http.Redirect(w, r, result.RedirectPath, http.StatusFound)
		return
	}
	h.renderSuccessPage(w, result.IntegrationID)
}

// setSecurityHeaders sets recommended security headers for HTML responses.
func setSecurityHeaders(w http.ResponseWriter) {
	w.Header().Set("X-Content-Type-Options", "nosniff")
	w.Header().Set("X-Frame-Options", "DENY")
	w.Header().Set("Content-Security-Policy", "default-src 'none'; style-src 'unsafe-inline'")
	w.Header().Set("Referrer-Policy", "no-referrer")
	w.Header().Set("Cache-Control", "no-store, no-cache, must-revalidate")
}

// renderSuccessPage renders an HTML page confirming the connection.
func (h *Handler) renderSuccessPage(w http.ResponseWriter, integrationID string) {
	setSecurityHeaders(w)
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	w.WriteHeader(http.StatusOK)

	safeName := html.EscapeString(integrationID)

	fmt.Fprintf(w, `<!DOCTYPE html>
<html lang="en">
<head>
    <meta charset="UTF-8">
    <meta name="viewport" content="width=device-width, initial-scale=1.0">
    <title>Connected - Tether</title>
    <style>
        * { margin: 0; padding: 0; box-sizing: border-box; }
        body {
            font-family: -apple-system, BlinkMacSystemFont, 'Segoe UI', Roboto, Oxygen, Ubuntu, sans-serif;
            background: linear-gradient(135deg, #1a1a2e 0%%, #16213e 50%%, #0f3460 100%%);
            min-height: 100vh;
            display: flex;
            align-items: center;
            justify-content: center;
            color: #e8e8e8;
        }
        .container {
            text-align: center;
            padding: 3rem;
            background: rgba(255, 255, 255, 0.05);
            border-radius: 16px;
            border: 1px solid rgba(255, 255, 255, 0.1);
            max-width: 500px;
            margin: 1rem;
        }
        .checkmark {
            width: 80px;
            height: 80px;
            margin: 0 auto 1.5rem;
            background: linear-gradient(135deg, #00d4aa 0%%, #00a896 100%%);
            border-radius: 50%%;
            display: flex;
            align-items: center;
            justify-content: center;
            font-size: 2.5rem;
        }
        h1 { font-size: 1.75rem; font-weight: 600; margin-bottom: 0.5rem; color: #fff; }
        .integration-name { color: #00d4aa; font-weight: 500; }
        p { color: #a0a0a0; line-height: 1.6; margin-top: 1rem; }
    </style>
</head>
<body>
    <div class="container">
        <div class="checkmark">✓</div>
        <h1>Connected</h1>
        <p>Your <span class="integration-name">%s</span> integration is now connected.</p>
        <p>You can close this window and return to your assistant.</p>
    </div>
</body>
</html>`, safeName)
}

// renderErrorPage renders an HTML page for a failed connection attempt.
func (h *Handler) renderErrorPage(w http.ResponseWriter, message string) {
	setSecurityHeaders(w)
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	w.WriteHeader(http.StatusBadRequest)

	safeMessage := html.EscapeString(message)

	fmt.Fprintf(w, `<!DOCTYPE html>
<html lang="en">
<head>
    <meta charset="UTF-8">
    <meta name="viewport" content="width=device-width, initial-scale=1.0">
    <title>Connection Failed - Tether</title>
    <style>
        * { margin: 0; padding: 0; box-sizing: border-box; }
        body {
            font-family: -apple-system, BlinkMacSystemFont, 'Segoe UI', Roboto, Oxygen, Ubuntu, sans-serif;
            background: linear-gradient(135deg, #1a1a2e 0%%, #16213e 50%%, #0f3460 100%%);
            min-height: 100vh;
            display: flex;
            align-items: center;
            justify-content: center;
            color: #e8e8e8;
        }
        .container {
            text-align: center;
            padding: 3rem;
            background: rgba(255, 255, 255, 0.05);
            border-radius: 16px;
            border: 1px solid rgba(255, 255, 255, 0.1);
            max-width: 500px;
            margin: 1rem;
        }
        .error-icon {
            width: 80px;
            height: 80px;
            margin: 0 auto 1.5rem;
            background: linear-gradient(135deg, #ff6b6b 0%%, #ee5a5a 100%%);
            border-radius: 50%%;
            display: flex;
            align-items: center;
            justify-content: center;
            font-size: 2.5rem;
        }
        h1 { font-size: 1.75rem; font-weight: 600; margin-bottom: 0.5rem; color: #fff; }
        .message { color: #ff6b6b; font-weight: 500; }
        p { color: #a0a0a0; line-height: 1.6; margin-top: 1rem; }
    </style>
</head>
<body>
    <div class="container">
        <div class="error-icon">✕</div>
        <h1>Connection Failed</h1>
        <p class="message">%s</p>
        <p>You can close this window and try connecting again.</p>
    </div>
</body>
</html>`, safeMessage)
}
