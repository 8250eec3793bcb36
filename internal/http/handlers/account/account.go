// Package account handles sign-in, sign-up and sign-out. These are the only
// handlers that change who the visitor is, and they do it exclusively through
// the session manager.
package account

import (
	"log/slog"
	"net/http"

	"github.com/aanand-mishra/student-registry/internal/guard"
	"github.com/aanand-mishra/student-registry/internal/http/handlers"
	"github.com/aanand-mishra/student-registry/internal/http/view"
	"github.com/aanand-mishra/student-registry/internal/session"
	"github.com/aanand-mishra/student-registry/internal/validation"
)

type Deps struct {
	View     *view.Renderer
	Sessions *session.Manager
}

// LoginForm handles GET /login
func LoginForm(d Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		data := view.AuthData{Next: r.URL.Query().Get("next")}
		handlers.Render(d.View, w, http.StatusOK, view.Login, handlers.Page(d.Sessions, r, "Sign in", data))
	}
}

// Login handles POST /login
func Login(d Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		email, next := r.PostFormValue("email"), r.PostFormValue("next")
		data := view.AuthData{Email: email, Next: next}

		creds, errs := validation.Login(email, r.PostFormValue("password"))
		if len(errs) > 0 {
			data.Errors = errs
			handlers.Render(d.View, w, http.StatusUnprocessableEntity, view.Login,
				handlers.Page(d.Sessions, r, "Sign in", data, invalidData(errs)))
			return
		}

		s, err := d.Sessions.SignIn(r.Context(), w, r, creds.Email, creds.Password)
		if err != nil {
			slog.Warn("sign-in failed", slog.String("error", err.Error()))
			handlers.Render(d.View, w, handlers.Status(err), view.Login,
				handlers.Page(d.Sessions, r, "Sign in", data, handlers.Failure("Sign-in failed", err)))
			return
		}

		if err := d.Sessions.Notify(r.Context(), s.ID, handlers.Success("Signed in", "Welcome back!")); err != nil {
			slog.Warn("cannot queue notification", slog.String("error", err.Error()))
		}
		http.Redirect(w, r, guard.SafeNext(next), http.StatusSeeOther)
	}
}

// SignupForm handles GET /signup
func SignupForm(d Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		handlers.Render(d.View, w, http.StatusOK, view.Signup,
			handlers.Page(d.Sessions, r, "Sign up", view.AuthData{}))
	}
}

// Signup handles POST /signup
// The account is signed in right away when the auth service allows it;
// otherwise the user is asked to confirm their email first.
func Signup(d Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		email := r.PostFormValue("email")
		data := view.AuthData{Email: email}

		creds, errs := validation.Login(email, r.PostFormValue("password"))
		if len(errs) > 0 {
			data.Errors = errs
			handlers.Render(d.View, w, http.StatusUnprocessableEntity, view.Signup,
				handlers.Page(d.Sessions, r, "Sign up", data, invalidData(errs)))
			return
		}

		s, err := d.Sessions.SignUp(r.Context(), w, r, creds.Email, creds.Password)
		if err != nil {
			slog.Warn("sign-up failed", slog.String("error", err.Error()))
			handlers.Render(d.View, w, handlers.Status(err), view.Signup,
				handlers.Page(d.Sessions, r, "Sign up", data, handlers.Failure("Sign-up failed", err)))
			return
		}

		if !s.Authenticated() {
			handlers.Notify(d.Sessions, w, r, handlers.Success("Check your email", "Confirm your address to finish signing up"))
			http.Redirect(w, r, guard.LoginPath, http.StatusSeeOther)
			return
		}
		if err := d.Sessions.Notify(r.Context(), s.ID, handlers.Success("Account created", "Welcome!")); err != nil {
			slog.Warn("cannot queue notification", slog.String("error", err.Error()))
		}
		http.Redirect(w, r, guard.HomePath, http.StatusSeeOther)
	}
}

// Logout handles POST /logout
// The local session is cleared even when the auth service cannot be reached.
func Logout(d Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if err := d.Sessions.SignOut(r.Context(), w, r); err != nil {
			slog.Error("sign-out failed", slog.String("error", err.Error()))
		}
		http.Redirect(w, r, guard.LoginPath, http.StatusSeeOther)
	}
}

func invalidData(errs validation.FieldErrors) session.Flash {
	return session.Flash{Kind: session.FlashError, Title: "Invalid data", Message: errs.First()}
}
