// Package handlers holds what the page handlers in student and account
// share: building the page envelope and queuing notifications.
package handlers

import (
	"log/slog"
	"net/http"

	"github.com/aanand-mishra/student-registry/internal/apperr"
	"github.com/aanand-mishra/student-registry/internal/http/view"
	"github.com/aanand-mishra/student-registry/internal/session"
)

// Page builds the envelope for a full page: the signed-in email and every
// notification queued for this visitor, followed by extra (notifications
// raised while handling the current request).
func Page(sessions *session.Manager, r *http.Request, title string, content any, extra ...session.Flash) view.Page {
	flashes, err := sessions.PopFlashes(r.Context(), r)
	if err != nil {
		slog.Warn("cannot read notifications", slog.String("error", err.Error()))
	}
	return view.Page{
		Title:   title,
		Email:   session.FromContext(r.Context()).Email,
		Flashes: append(flashes, extra...),
		Content: content,
	}
}

// Notify queues a notification for the next rendered page.
func Notify(sessions *session.Manager, w http.ResponseWriter, r *http.Request, f session.Flash) {
	if err := sessions.AddFlash(r.Context(), w, r, f); err != nil {
		slog.Warn("cannot queue notification",
			slog.String("title", f.Title),
			slog.String("error", err.Error()))
	}
}

// Success and Failure build the two notification kinds. Failure carries the
// remote-provided message when there is one.
func Success(title, message string) session.Flash {
	return session.Flash{Kind: session.FlashSuccess, Title: title, Message: message}
}

func Failure(title string, err error) session.Flash {
	return session.Flash{Kind: session.FlashError, Title: title, Message: apperr.UserMessage(err)}
}

// Status picks the HTTP status a page re-rendered after a failure is sent
// with.
func Status(err error) int {
	switch apperr.KindOf(err) {
	case apperr.Validation:
		return http.StatusUnprocessableEntity
	case apperr.NotFound:
		return http.StatusNotFound
	case apperr.Permission:
		return http.StatusForbidden
	case apperr.Network:
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}

// Render writes a page and logs a template failure; nothing more can be
// sent to the client at that point.
func Render(v *view.Renderer, w http.ResponseWriter, status int, name string, p view.Page) {
	if err := v.Render(w, status, name, p); err != nil {
		slog.Error("cannot render page",
			slog.String("page", name),
			slog.String("error", err.Error()))
		http.Error(w, "internal error", http.StatusInternalServerError)
	}
}
