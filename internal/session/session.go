// Package session mirrors the auth provider's session into application
// state.
//
// Manager is the only writer: sign-in, sign-up, sign-out, token refresh and
// flash notifications all go through it. Handlers receive a read-only
// Session copy through the request context (FromContext) and never mutate
// the store themselves. Observers registered with Subscribe are told about
// every transition between signed-in and signed-out.
package session

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/aanand-mishra/student-registry/internal/apperr"
	"github.com/aanand-mishra/student-registry/internal/auth"
	"github.com/aanand-mishra/student-registry/internal/storage"
)

// Flash kinds.
const (
	FlashSuccess = "success"
	FlashError   = "error"
)

// Flash is a transient notification shown once on the next rendered page.
type Flash struct {
	Kind    string `json:"kind"`
	Title   string `json:"title"`
	Message string `json:"message"`
}

// Session is the server-side record behind the session cookie. A session
// without an access token is anonymous: it only carries flashes.
type Session struct {
	ID           string    `json:"id"`
	UserID       string    `json:"user_id,omitempty"`
	Email        string    `json:"email,omitempty"`
	AccessToken  string    `json:"access_token,omitempty"`
	RefreshToken string    `json:"refresh_token,omitempty"`
	ExpiresAt    time.Time `json:"expires_at,omitempty"`
	Flashes      []Flash   `json:"flashes,omitempty"`
}

// Authenticated reports whether the session belongs to a signed-in user.
func (s Session) Authenticated() bool {
	return s.AccessToken != "" && s.UserID != ""
}

// Principal is the identity the data API calls run as.
func (s Session) Principal() storage.Principal {
	return storage.Principal{UserID: s.UserID, AccessToken: s.AccessToken}
}

func (s Session) clone() Session {
	if s.Flashes != nil {
		s.Flashes = append([]Flash(nil), s.Flashes...)
	}
	return s
}

// EventKind describes a session transition.
type EventKind int

const (
	SignedIn EventKind = iota
	SignedOut
	Expired
)

func (k EventKind) String() string {
	switch k {
	case SignedIn:
		return "signed_in"
	case SignedOut:
		return "signed_out"
	default:
		return "expired"
	}
}

type Event struct {
	Kind      EventKind
	SessionID string
	UserID    string
}

// Options configures a Manager.
type Options struct {
	CookieName   string
	CookieSecure bool
	// TTL bounds how long an idle session survives in the store.
	TTL time.Duration
	// RefreshWindow is how close to expiry an access token is refreshed.
	RefreshWindow time.Duration
	// JWTSecret, when set, is used to verify access tokens handed out by
	// the provider before a session is started.
	JWTSecret string
}

type Manager struct {
	store    Store
	provider auth.Provider
	opts     Options
	log      *slog.Logger

	mu          sync.RWMutex
	subscribers []func(Event)
}

func NewManager(store Store, provider auth.Provider, opts Options, log *slog.Logger) *Manager {
	if opts.CookieName == "" {
		opts.CookieName = "registry_session"
	}
	if opts.TTL <= 0 {
		opts.TTL = 7 * 24 * time.Hour
	}
	if opts.RefreshWindow <= 0 {
		opts.RefreshWindow = time.Minute
	}
	if log == nil {
		log = slog.Default()
	}
	return &Manager{store: store, provider: provider, opts: opts, log: log}
}

// Subscribe registers fn to be called after every session transition.
// fn runs on the goroutine that caused the transition and must not block.
func (m *Manager) Subscribe(fn func(Event)) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.subscribers = append(m.subscribers, fn)
}

func (m *Manager) publish(e Event) {
	m.mu.RLock()
	subs := append([]func(Event){}, m.subscribers...)
	m.mu.RUnlock()
	for _, fn := range subs {
		fn(e)
	}
	m.log.Info("session transition",
		slog.String("event", e.Kind.String()),
		slog.String("user_id", e.UserID))
}

// ─────────────────────────────────────────────────────────────────────────────
// Reading
// ─────────────────────────────────────────────────────────────────────────────

// Load returns the session behind the request cookie, refreshing the access
// token when it is about to expire. A missing, unknown or expired session
// yields a zero Session and no error.
func (m *Manager) Load(ctx context.Context, r *http.Request) (Session, error) {
	c, err := r.Cookie(m.opts.CookieName)
	if err != nil || c.Value == "" {
		return Session{}, nil
	}
	s, err := m.store.Get(ctx, c.Value)
	if errors.Is(err, ErrNoSession) {
		return Session{}, nil
	}
	if err != nil {
		return Session{}, err
	}
	if !s.Authenticated() {
		return s, nil
	}
	if time.Until(s.ExpiresAt) > m.opts.RefreshWindow {
		return s, nil
	}
	return m.refresh(ctx, s)
}

func (m *Manager) refresh(ctx context.Context, s Session) (Session, error) {
	expired := !time.Now().Before(s.ExpiresAt)
	if s.RefreshToken == "" {
		if expired {
			return m.expire(ctx, s)
		}
		return s, nil
	}

	tokens, err := m.provider.Refresh(ctx, s.RefreshToken)
	if err != nil {
		if apperr.KindOf(err) == apperr.Permission || expired {
			m.log.Warn("session refresh failed", slog.String("error", err.Error()))
			return m.expire(ctx, s)
		}
		// Transient failure with time left on the token: try again next request.
		return s, nil
	}
	s.AccessToken = tokens.AccessToken
	s.RefreshToken = tokens.RefreshToken
	s.ExpiresAt = tokens.ExpiresAt
	if err := m.store.Save(ctx, s, m.opts.TTL); err != nil {
		return Session{}, err
	}
	return s, nil
}

// expire drops the identity but keeps the session so a flash can still be
// delivered on the login page.
func (m *Manager) expire(ctx context.Context, s Session) (Session, error) {
	userID := s.UserID
	s.UserID, s.Email, s.AccessToken, s.RefreshToken, s.ExpiresAt = "", "", "", "", time.Time{}
	s.Flashes = append(s.Flashes, Flash{Kind: FlashError, Title: "Session expired", Message: "Sign in again to continue"})
	if err := m.store.Save(ctx, s, m.opts.TTL); err != nil {
		return Session{}, err
	}
	m.publish(Event{Kind: Expired, SessionID: s.ID, UserID: userID})
	return s, nil
}

// ─────────────────────────────────────────────────────────────────────────────
// Writing (the manager is the single writer)
// ─────────────────────────────────────────────────────────────────────────────

// SignIn authenticates with the provider and starts a session.
func (m *Manager) SignIn(ctx context.Context, w http.ResponseWriter, r *http.Request, email, password string) (Session, error) {
	tokens, err := m.provider.SignIn(ctx, email, password)
	if err != nil {
		return Session{}, err
	}
	return m.begin(ctx, w, r, tokens)
}

// SignUp registers an account. When the provider returns a session right
// away the user is signed in; otherwise the returned Session is anonymous
// and the caller should ask the user to confirm their email.
func (m *Manager) SignUp(ctx context.Context, w http.ResponseWriter, r *http.Request, email, password string) (Session, error) {
	tokens, err := m.provider.SignUp(ctx, email, password)
	if err != nil {
		return Session{}, err
	}
	if !tokens.HasSession() {
		return Session{}, nil
	}
	return m.begin(ctx, w, r, tokens)
}

func (m *Manager) begin(ctx context.Context, w http.ResponseWriter, r *http.Request, tokens auth.Tokens) (Session, error) {
	if m.opts.JWTSecret != "" {
		claims, err := auth.ParseAccessToken(m.opts.JWTSecret, tokens.AccessToken)
		if err != nil {
			return Session{}, apperr.New(apperr.Permission, "SignIn", "the auth service returned an invalid token", err)
		}
		if tokens.User.ID == "" {
			tokens.User.ID = claims.Subject
		}
		if claims.Subject != tokens.User.ID {
			return Session{}, apperr.New(apperr.Permission, "SignIn", "the auth service returned a token for another user", nil)
		}
	}

	// Carry pending flashes over, but never reuse the pre-login id.
	var flashes []Flash
	old, _ := m.Load(ctx, r)
	if old.ID != "" {
		flashes = old.Flashes
		_ = m.store.Delete(ctx, old.ID)
		if old.Authenticated() {
			m.publish(Event{Kind: SignedOut, SessionID: old.ID, UserID: old.UserID})
		}
	}

	s := Session{
		ID:           uuid.NewString(),
		UserID:       tokens.User.ID,
		Email:        tokens.User.Email,
		AccessToken:  tokens.AccessToken,
		RefreshToken: tokens.RefreshToken,
		ExpiresAt:    tokens.ExpiresAt,
		Flashes:      flashes,
	}
	if err := m.store.Save(ctx, s, m.opts.TTL); err != nil {
		return Session{}, fmt.Errorf("save session: %w", err)
	}
	m.setCookie(w, s.ID)
	m.publish(Event{Kind: SignedIn, SessionID: s.ID, UserID: s.UserID})
	return s, nil
}

// SignOut ends the session remotely and locally. A remote failure is logged
// but the local session is always cleared.
func (m *Manager) SignOut(ctx context.Context, w http.ResponseWriter, r *http.Request) error {
	s, err := m.Load(ctx, r)
	if err != nil {
		return err
	}
	if s.ID == "" {
		return nil
	}
	if s.Authenticated() {
		if err := m.provider.SignOut(ctx, s.AccessToken); err != nil {
			m.log.Warn("remote sign-out failed", slog.String("error", err.Error()))
		}
	}
	if err := m.store.Delete(ctx, s.ID); err != nil {
		return err
	}
	m.clearCookie(w)
	if s.Authenticated() {
		m.publish(Event{Kind: SignedOut, SessionID: s.ID, UserID: s.UserID})
	}
	return nil
}

// AddFlash queues a notification for the next rendered page, creating an
// anonymous session when the request has none.
func (m *Manager) AddFlash(ctx context.Context, w http.ResponseWriter, r *http.Request, f Flash) error {
	s, err := m.Load(ctx, r)
	if err != nil {
		return err
	}
	if s.ID == "" {
		s.ID = uuid.NewString()
		m.setCookie(w, s.ID)
	}
	s.Flashes = append(s.Flashes, f)
	return m.store.Save(ctx, s, m.opts.TTL)
}

// Notify queues a notification on a session the caller already holds, such
// as the one SignIn just started (its cookie is not on the request yet).
func (m *Manager) Notify(ctx context.Context, id string, f Flash) error {
	s, err := m.store.Get(ctx, id)
	if err != nil {
		return err
	}
	s.Flashes = append(s.Flashes, f)
	return m.store.Save(ctx, s, m.opts.TTL)
}

// PopFlashes returns and clears the queued notifications.
func (m *Manager) PopFlashes(ctx context.Context, r *http.Request) ([]Flash, error) {
	s, err := m.Load(ctx, r)
	if err != nil || len(s.Flashes) == 0 {
		return nil, err
	}
	flashes := s.Flashes
	s.Flashes = nil
	if err := m.store.Save(ctx, s, m.opts.TTL); err != nil {
		return nil, err
	}
	return flashes, nil
}

func (m *Manager) setCookie(w http.ResponseWriter, id string) {
	http.SetCookie(w, &http.Cookie{
		Name:     m.opts.CookieName,
		Value:    id,
		Path:     "/",
		HttpOnly: true,
		SameSite: http.SameSiteLaxMode,
		Secure:   m.opts.CookieSecure,
		Expires:  time.Now().Add(m.opts.TTL),
	})
}

func (m *Manager) clearCookie(w http.ResponseWriter) {
	http.SetCookie(w, &http.Cookie{
		Name:     m.opts.CookieName,
		Value:    "",
		Path:     "/",
		HttpOnly: true,
		SameSite: http.SameSiteLaxMode,
		Secure:   m.opts.CookieSecure,
		MaxAge:   -1,
	})
}

// ─────────────────────────────────────────────────────────────────────────────
// Context access for handlers
// ─────────────────────────────────────────────────────────────────────────────

type sessionKey struct{}

// WithSession returns a context carrying a copy of s.
func WithSession(ctx context.Context, s Session) context.Context {
	return context.WithValue(ctx, sessionKey{}, s.clone())
}

// FromContext returns the request's session copy; the zero Session when none.
func FromContext(ctx context.Context) Session {
	s, _ := ctx.Value(sessionKey{}).(Session)
	return s
}
