// Package http assembles the chi router: the page routes behind the access
// guard, the JSON session endpoints, /health and /metrics.
package http

import (
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/aanand-mishra/student-registry/internal/flight"
	"github.com/aanand-mishra/student-registry/internal/guard"
	"github.com/aanand-mishra/student-registry/internal/http/handlers/account"
	"github.com/aanand-mishra/student-registry/internal/http/handlers/student"
	"github.com/aanand-mishra/student-registry/internal/http/view"
	"github.com/aanand-mishra/student-registry/internal/metrics"
	"github.com/aanand-mishra/student-registry/internal/session"
	"github.com/aanand-mishra/student-registry/internal/storage"
	"github.com/aanand-mishra/student-registry/internal/utils/response"
)

type Server struct {
	store    storage.Storage
	sessions *session.Manager
	guard    *guard.Guard
	view     *view.Renderer
	metrics  *metrics.Metrics
	log      *slog.Logger
	backend  string

	// Timeout bounds each request, including its backend calls. Zero means
	// no limit.
	Timeout time.Duration

	submissions *flight.Guard
	searches    *flight.Tracker
}

// NewServer wires the collaborators together. store is wrapped with the
// metrics decorator; m may be nil to run without metrics.
func NewServer(store storage.Storage, sessions *session.Manager, m *metrics.Metrics, log *slog.Logger, backend string) (*Server, error) {
	if log == nil {
		log = slog.Default()
	}
	v, err := view.New()
	if err != nil {
		return nil, err
	}
	s := &Server{
		store:       store,
		sessions:    sessions,
		guard:       guard.New(sessions, log),
		view:        v,
		metrics:     m,
		log:         log,
		backend:     backend,
		submissions: flight.NewGuard(),
		searches:    flight.NewTracker(),
	}
	if m != nil {
		s.store = m.InstrumentStorage(store)
		m.TrackSessions(sessions)
	}
	sessions.Subscribe(func(e session.Event) {
		if e.Kind != session.SignedIn {
			s.searches.ForgetPrefix(student.SearchPrefix(e.SessionID))
		}
	})
	return s, nil
}

func (s *Server) Router() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)
	r.Use(s.logRequests)
	if s.Timeout > 0 {
		r.Use(middleware.Timeout(s.Timeout))
	}
	if s.metrics != nil {
		r.Use(s.metrics.Middleware)
		r.Handle("/metrics", s.metrics.Handler())
	}

	r.Get("/health", func(w http.ResponseWriter, _ *http.Request) {
		response.WriteJSON(w, http.StatusOK, map[string]string{"status": response.StatusOK, "backend": s.backend})
	})

	pages := student.Deps{
		Storage:     s.store,
		View:        s.view,
		Sessions:    s.sessions,
		Submissions: s.submissions,
		Searches:    s.searches,
	}
	accounts := account.Deps{View: s.view, Sessions: s.sessions}

	r.Group(func(r chi.Router) {
		r.Use(s.guard.Load)

		r.Get("/", func(w http.ResponseWriter, r *http.Request) {
			http.Redirect(w, r, guard.HomePath, http.StatusSeeOther)
		})

		r.Get("/api/session", account.CurrentSession())
		r.Post("/api/session", account.APISignIn(accounts))
		r.Delete("/api/session", account.APISignOut(accounts))

		r.Group(func(r chi.Router) {
			r.Use(s.guard.RedirectIfAuthenticated)
			r.Get("/login", account.LoginForm(accounts))
			r.Post("/login", account.Login(accounts))
			r.Get("/signup", account.SignupForm(accounts))
			r.Post("/signup", account.Signup(accounts))
		})
		r.Post("/logout", account.Logout(accounts))

		r.Route("/students", func(r chi.Router) {
			r.Use(s.guard.RequireSession)
			r.Get("/", student.List(pages))
			r.Get("/search", student.Search(pages))
			r.Get("/new", student.NewForm(pages))
			r.Post("/new", student.Create(pages))
			r.Get("/{id}", student.Detail(pages))
			r.Get("/{id}/edit", student.EditForm(pages))
			r.Post("/{id}/edit", student.Update(pages))
			r.Post("/{id}/delete", student.Delete(pages))
		})
	})

	return r
}

// logRequests writes one structured line per request.
func (s *Server) logRequests(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		start := time.Now()
		next.ServeHTTP(ww, r)
		status := ww.Status()
		if status == 0 {
			status = http.StatusOK
		}
		s.log.Info("request",
			slog.String("method", r.Method),
			slog.String("path", r.URL.Path),
			slog.Int("status", status),
			slog.Duration("duration", time.Since(start)),
			slog.String("request_id", middleware.GetReqID(r.Context())),
		)
	})
}
