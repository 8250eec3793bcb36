package gotrue

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/aanand-mishra/student-registry/internal/apperr"
)

func newTestClient(t *testing.T, h http.HandlerFunc) *Client {
	t.Helper()
	srv := httptest.NewServer(h)
	t.Cleanup(srv.Close)
	return New(srv.URL, "anon-key", 2*time.Second, nil)
}

func TestSignIn(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/auth/v1/token" || r.URL.Query().Get("grant_type") != "password" {
			t.Fatalf("unexpected request %s", r.URL)
		}
		if r.Header.Get("apikey") != "anon-key" {
			t.Fatalf("missing apikey")
		}
		var body map[string]string
		_ = json.NewDecoder(r.Body).Decode(&body)
		if body["email"] != "ana@school.test" || body["password"] != "secret123" {
			t.Fatalf("unexpected body %v", body)
		}
		_, _ = io.WriteString(w, `{"access_token":"at","token_type":"bearer","expires_in":3600,"expires_at":1900000000,"refresh_token":"rt","user":{"id":"u-1","email":"ana@school.test"}}`)
	})

	tokens, err := c.SignIn(context.Background(), "ana@school.test", "secret123")
	if err != nil {
		t.Fatalf("sign in: %v", err)
	}
	if tokens.AccessToken != "at" || tokens.RefreshToken != "rt" || tokens.User.ID != "u-1" {
		t.Fatalf("unexpected tokens %+v", tokens)
	}
	if !tokens.ExpiresAt.Equal(time.Unix(1900000000, 0)) {
		t.Fatalf("unexpected expiry %s", tokens.ExpiresAt)
	}
}

func TestSignInBadCredentials(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadRequest)
		_, _ = io.WriteString(w, `{"error":"invalid_grant","error_description":"Invalid login credentials"}`)
	})
	_, err := c.SignIn(context.Background(), "ana@school.test", "wrong-pass")
	if !apperr.IsPermission(err) {
		t.Fatalf("expected permission error, got %v", err)
	}
	if apperr.UserMessage(err) != "Incorrect email or password" {
		t.Fatalf("unexpected message %q", apperr.UserMessage(err))
	}
}

func TestSignUpPendingConfirmation(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/auth/v1/signup" {
			t.Fatalf("unexpected path %s", r.URL.Path)
		}
		_, _ = io.WriteString(w, `{"id":"u-2","email":"bruno@school.test","confirmation_sent_at":"2024-01-01T00:00:00Z"}`)
	})
	tokens, err := c.SignUp(context.Background(), "bruno@school.test", "secret123")
	if err != nil {
		t.Fatalf("sign up: %v", err)
	}
	if tokens.HasSession() {
		t.Fatalf("expected no session before confirmation")
	}
	if tokens.User.ID != "u-2" {
		t.Fatalf("expected user id from top-level body, got %+v", tokens.User)
	}
}

func TestSignUpExistingUser(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusUnprocessableEntity)
		_, _ = io.WriteString(w, `{"code":422,"error_code":"user_already_exists","msg":"User already registered"}`)
	})
	_, err := c.SignUp(context.Background(), "ana@school.test", "secret123")
	if !apperr.IsValidation(err) || apperr.UserMessage(err) != "User already registered" {
		t.Fatalf("expected validation error with remote message, got %v", err)
	}
}

func TestSignOutSendsBearer(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/auth/v1/logout" || r.Header.Get("Authorization") != "Bearer at" {
			t.Fatalf("unexpected logout request %s %q", r.URL.Path, r.Header.Get("Authorization"))
		}
		w.WriteHeader(http.StatusNoContent)
	})
	if err := c.SignOut(context.Background(), "at"); err != nil {
		t.Fatalf("sign out: %v", err)
	}
}

func TestRefreshInvalidGrant(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Query().Get("grant_type") != "refresh_token" {
			t.Fatalf("unexpected grant %s", r.URL.RawQuery)
		}
		w.WriteHeader(http.StatusBadRequest)
		_, _ = io.WriteString(w, `{"error":"invalid_grant","error_description":"Invalid Refresh Token: Already Used"}`)
	})
	_, err := c.Refresh(context.Background(), "rt")
	if !apperr.IsPermission(err) {
		t.Fatalf("expected permission error, got %v", err)
	}
}
