package oauth

import (
	"io"
	"net/http"
	"strings"
	"testing"
)

func TestParseWWWAuthenticate(t *testing.T) {
	tests := []struct {
		name    string
		header  string
		want    Challenge
		wantErr bool
	}{
		{
			name:   "realm only",
			header: `Bearer realm="https://auth.example.com"`,
			want: Challenge{
				NeedsAuth: true,
				Scheme:    "Bearer",
				Realm:     "https://auth.example.com",
			},
		},
		{
			name:   "resource metadata",
			header: `Bearer resource_metadata="https://srv.example.com/.well-known/oauth-protected-resource"`,
			want: Challenge{
				NeedsAuth:        true,
				Scheme:           "Bearer",
				ResourceMetadata: "https://srv.example.com/.well-known/oauth-protected-resource",
			},
		},
		{
			name:   "insufficient scope with unquoted values",
			header: `Bearer error=insufficient_scope, scope=write`,
			want: Challenge{
				NeedsAuth: true,
				Scheme:    "Bearer",
				Error:     "insufficient_scope",
				Scope:     "write",
			},
		},
		{
			name:   "full challenge",
			header: `Bearer realm="srv", error="invalid_token", error_description="The access token expired", scope="read write"`,
			want: Challenge{
				NeedsAuth:        true,
				Scheme:           "Bearer",
				Realm:            "srv",
				Error:            "invalid_token",
				ErrorDescription: "The access token expired",
				Scope:            "read write",
			},
		},
		{
			name:   "quoted value containing comma",
			header: `Bearer error_description="expired, please re-authenticate", error="invalid_token"`,
			want: Challenge{
				NeedsAuth:        true,
				Scheme:           "Bearer",
				Error:            "invalid_token",
				ErrorDescription: "expired, please re-authenticate",
			},
		},
		{
			name:   "resource binding",
			header: `Bearer error=insufficient_scope, scope=write, resource="https://srv.example.com"`,
			want: Challenge{
				NeedsAuth: true,
				Scheme:    "Bearer",
				Error:     "insufficient_scope",
				Scope:     "write",
				Resource:  "https://srv.example.com",
			},
		},
		{
			name:    "empty header",
			header:  "",
			wantErr: true,
		},
		{
			name:    "missing scheme",
			header:  `realm="x"`,
			wantErr: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := ParseWWWAuthenticate(tt.header)
			if tt.wantErr {
				if err == nil {
					t.Fatal("Expected parse error, got nil")
				}
				return
			}
			if err != nil {
				t.Fatalf("ParseWWWAuthenticate(%q) error = %v", tt.header, err)
			}
			if *got != tt.want {
				t.Errorf("ParseWWWAuthenticate(%q) = %+v, want %+v", tt.header, *got, tt.want)
			}
		})
	}
}

func TestParseChallengeFromResponse_NoAuthRequired(t *testing.T) {
	resp := &http.Response{StatusCode: http.StatusOK, Header: http.Header{}}

	challenge, err := ParseChallengeFromResponse(resp)
	if err != nil {
		t.Fatalf("ParseChallengeFromResponse() error = %v", err)
	}
	if challenge != nil {
		t.Errorf("Expected nil challenge for 200, got %+v", challenge)
	}
}

func TestParseChallengeFromResponse_BareUnauthorized(t *testing.T) {
	// A 401 with no WWW-Authenticate header still signals "needs auth"
	resp := &http.Response{
		StatusCode: http.StatusUnauthorized,
		Header:     http.Header{},
		Body:       io.NopCloser(strings.NewReader("")),
	}

	challenge, err := ParseChallengeFromResponse(resp)
	if err != nil {
		t.Fatalf("ParseChallengeFromResponse() error = %v", err)
	}
	if challenge == nil || !challenge.NeedsAuth {
		t.Fatal("Expected NeedsAuth challenge for bare 401")
	}
	if challenge.ResourceMetadata != "" {
		t.Error("Bare 401 should carry no discovery hint")
	}
}

func TestParseChallengeFromResponse_MalformedHeader(t *testing.T) {
	// A malformed header must not be treated as "no auth required"
	header := http.Header{}
	header.Set("WWW-Authenticate", `realm="broken no scheme"`)
	resp := &http.Response{
		StatusCode: http.StatusUnauthorized,
		Header:     header,
		Body:       io.NopCloser(strings.NewReader("")),
	}

	challenge, err := ParseChallengeFromResponse(resp)
	if err != nil {
		t.Fatalf("ParseChallengeFromResponse() error = %v", err)
	}
	if challenge == nil || !challenge.NeedsAuth {
		t.Fatal("Malformed header should still signal auth required")
	}
}

func TestParseChallengeFromResponse_ErrorBody(t *testing.T) {
	header := http.Header{}
	header.Set("WWW-Authenticate", `Bearer realm="srv"`)
	resp := &http.Response{
		StatusCode: http.StatusForbidden,
		Header:     header,
		Body:       io.NopCloser(strings.NewReader(`{"error":"insufficient_scope","error_description":"write scope required"}`)),
	}

	challenge, err := ParseChallengeFromResponse(resp)
	if err != nil {
		t.Fatalf("ParseChallengeFromResponse() error = %v", err)
	}
	if !challenge.IsInsufficientScope() {
		t.Errorf("Expected insufficient_scope from body, got %+v", challenge)
	}
	if challenge.ErrorDescription != "write scope required" {
		t.Errorf("ErrorDescription = %q", challenge.ErrorDescription)
	}
}

func TestChallengeResourceMetadataURL(t *testing.T) {
	withHint := &Challenge{ResourceMetadata: "https://meta.example.com/prm"}
	if got := withHint.ResourceMetadataURL("https://srv.example.com"); got != "https://meta.example.com/prm" {
		t.Errorf("ResourceMetadataURL() = %q, hint should win", got)
	}

	bare := &Challenge{NeedsAuth: true}
	want := "https://srv.example.com/.well-known/oauth-protected-resource"
	if got := bare.ResourceMetadataURL("https://srv.example.com/"); got != want {
		t.Errorf("ResourceMetadataURL() = %q, want %q", got, want)
	}
}
