// Package guard is the access guard wrapped around every data page.
//
// A request starts in the Checking state. Loading the session resolves it to
// Authenticated or Unauthenticated; if the session store cannot be reached
// the state stays Checking and the visitor gets a "try again" page instead of
// either content or a redirect. The state is evaluated on every request, so
// signing out in one tab takes effect on the next request from any other.
package guard

import (
	"context"
	"log/slog"
	"net/http"
	"net/url"

	"github.com/aanand-mishra/student-registry/internal/session"
)

// State of the visitor's session.
type State int

const (
	Checking State = iota
	Authenticated
	Unauthenticated
)

func (s State) String() string {
	switch s {
	case Authenticated:
		return "authenticated"
	case Unauthenticated:
		return "unauthenticated"
	default:
		return "checking"
	}
}

const (
	LoginPath = "/login"
	HomePath  = "/students"
)

type Guard struct {
	sessions *session.Manager
	log      *slog.Logger
	// Unavailable renders the page shown while the state is unknown.
	Unavailable http.HandlerFunc
}

func New(sessions *session.Manager, log *slog.Logger) *Guard {
	if log == nil {
		log = slog.Default()
	}
	return &Guard{
		sessions: sessions,
		log:      log,
		Unavailable: func(w http.ResponseWriter, _ *http.Request) {
			w.Header().Set("Retry-After", "1")
			http.Error(w, "Checking your session, please retry.", http.StatusServiceUnavailable)
		},
	}
}

// Evaluate resolves the request's session state.
func (g *Guard) Evaluate(ctx context.Context, r *http.Request) (State, session.Session) {
	s, err := g.sessions.Load(ctx, r)
	if err != nil {
		g.log.Error("session lookup failed", slog.String("error", err.Error()))
		return Checking, session.Session{}
	}
	if s.Authenticated() {
		return Authenticated, s
	}
	return Unauthenticated, s
}

type stateKey struct{}

// StateFromContext returns the state Load stored for the request.
func StateFromContext(ctx context.Context) State {
	st, _ := ctx.Value(stateKey{}).(State)
	return st
}

// Load evaluates the session once per request and stores both the state and
// a read-only session copy in the request context.
func (g *Guard) Load(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		state, s := g.Evaluate(r.Context(), r)
		ctx := context.WithValue(r.Context(), stateKey{}, state)
		ctx = session.WithSession(ctx, s)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// RequireSession lets only authenticated visitors reach next. Everyone else
// is redirected to the login page before next runs, so no data is fetched
// on their behalf.
func (g *Guard) RequireSession(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch StateFromContext(r.Context()) {
		case Authenticated:
			next.ServeHTTP(w, r)
		case Unauthenticated:
			target := LoginPath
			if r.Method == http.MethodGet && r.URL.Path != HomePath {
				target += "?next=" + url.QueryEscape(r.URL.RequestURI())
			}
			http.Redirect(w, r, target, http.StatusSeeOther)
		default:
			g.Unavailable(w, r)
		}
	})
}

// RedirectIfAuthenticated sends signed-in visitors away from the login and
// sign-up pages.
func (g *Guard) RedirectIfAuthenticated(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if StateFromContext(r.Context()) == Authenticated {
			http.Redirect(w, r, HomePath, http.StatusSeeOther)
			return
		}
		next.ServeHTTP(w, r)
	})
}

// SafeNext returns next when it is a local path, otherwise the home page.
func SafeNext(next string) string {
	u, err := url.Parse(next)
	if next == "" || err != nil || u.IsAbs() || u.Host != "" || len(next) < 2 || next[0] != '/' || next[1] == '/' || next[1] == '\\' {
		return HomePath
	}
	return next
}
