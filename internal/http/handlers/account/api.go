package account

import (
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/aanand-mishra/student-registry/internal/apperr"
	"github.com/aanand-mishra/student-registry/internal/guard"
	"github.com/aanand-mishra/student-registry/internal/http/handlers"
	"github.com/aanand-mishra/student-registry/internal/session"
	"github.com/aanand-mishra/student-registry/internal/utils/response"
	"github.com/aanand-mishra/student-registry/internal/validation"
)

// SessionInfo is the readable "current session" value.
type SessionInfo struct {
	State     string     `json:"state"`
	UserID    string     `json:"user_id,omitempty"`
	Email     string     `json:"email,omitempty"`
	ExpiresAt *time.Time `json:"expires_at,omitempty"`
}

func infoFor(state guard.State, s session.Session) SessionInfo {
	info := SessionInfo{State: state.String()}
	if state == guard.Authenticated {
		info.UserID, info.Email = s.UserID, s.Email
		if !s.ExpiresAt.IsZero() {
			exp := s.ExpiresAt
			info.ExpiresAt = &exp
		}
	}
	return info
}

// ─────────────────────────────────────────────────────────────────────────────
// CurrentSession handles GET /api/session
// Never redirects: an unauthenticated visitor gets {"state":"unauthenticated"}.
// ─────────────────────────────────────────────────────────────────────────────
func CurrentSession() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		state := guard.StateFromContext(r.Context())
		status := http.StatusOK
		if state == guard.Checking {
			status = http.StatusServiceUnavailable
		}
		response.WriteJSON(w, status, infoFor(state, session.FromContext(r.Context())))
	}
}

type credentials struct {
	Email    string `json:"email"`
	Password string `json:"password"`
}

// ─────────────────────────────────────────────────────────────────────────────
// APISignIn handles POST /api/session
//
// Request body (JSON):
//
//	{ "email": "ana@example.com", "password": "secret123" }
//
// Sets the session cookie and answers with the new session info.
// ─────────────────────────────────────────────────────────────────────────────
func APISignIn(d Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var body credentials
		err := json.NewDecoder(r.Body).Decode(&body)
		if errors.Is(err, io.EOF) {
			response.WriteJSON(w, http.StatusBadRequest,
				response.GeneralError(apperr.New(apperr.Validation, "APISignIn", "request body is empty", nil)))
			return
		}
		if err != nil {
			response.WriteJSON(w, http.StatusBadRequest,
				response.GeneralError(apperr.New(apperr.Validation, "APISignIn", "request body is not valid JSON", err)))
			return
		}

		creds, errs := validation.Login(body.Email, body.Password)
		if len(errs) > 0 {
			response.WriteJSON(w, http.StatusBadRequest, response.ValidationError(errs))
			return
		}

		s, err := d.Sessions.SignIn(r.Context(), w, r, creds.Email, creds.Password)
		if err != nil {
			slog.Warn("api sign-in failed", slog.String("error", err.Error()))
			response.WriteJSON(w, handlers.Status(err), response.GeneralError(err))
			return
		}
		response.WriteJSON(w, http.StatusOK, infoFor(guard.Authenticated, s))
	}
}

// APISignOut handles DELETE /api/session
func APISignOut(d Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if err := d.Sessions.SignOut(r.Context(), w, r); err != nil {
			slog.Error("api sign-out failed", slog.String("error", err.Error()))
			response.WriteJSON(w, http.StatusServiceUnavailable, response.GeneralError(err))
			return
		}
		response.WriteJSON(w, http.StatusOK, SessionInfo{State: guard.Unauthenticated.String()})
	}
}
