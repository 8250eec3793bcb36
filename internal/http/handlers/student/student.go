// Package student contains the page handlers for the Student resource.
//
// HANDLER PATTERN: CLOSURE FACTORIES
// Each exported function receives its dependencies once, when the route is
// registered, and returns the http.HandlerFunc that runs on every request:
//
//	r.Get("/students", student.List(deps))
//
// Every handler here sits behind the access guard, so the request context
// always carries an authenticated session (session.FromContext).
package student

import (
	"log/slog"
	"net/http"
	"strconv"
	"strings"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"github.com/aanand-mishra/student-registry/internal/apperr"
	"github.com/aanand-mishra/student-registry/internal/flight"
	"github.com/aanand-mishra/student-registry/internal/http/handlers"
	"github.com/aanand-mishra/student-registry/internal/http/view"
	"github.com/aanand-mishra/student-registry/internal/session"
	"github.com/aanand-mishra/student-registry/internal/storage"
	"github.com/aanand-mishra/student-registry/internal/types"
	"github.com/aanand-mishra/student-registry/internal/validation"
)

// Deps are the collaborators every student handler needs.
type Deps struct {
	Storage  storage.Storage
	View     *view.Renderer
	Sessions *session.Manager
	// Submissions refuses a second create, edit or delete while the first
	// one from the same session is still running.
	Submissions *flight.Guard
	// Searches discards list results for a search term the user has
	// already replaced.
	Searches *flight.Tracker
}

// SearchKey is the tracker key for the live search of one list page
// (browser tab) within a session. Each page counts its own generations.
func SearchKey(sessionID, tab string) string { return SearchPrefix(sessionID) + tab }

// SearchPrefix covers every SearchKey of a session.
func SearchPrefix(sessionID string) string { return "search:" + sessionID + ":" }

// ─────────────────────────────────────────────────────────────────────────────
// List handles GET /students
// Shows every visible student ordered by name. ?q= narrows the list to
// names or enrollment ids containing the term.
// ─────────────────────────────────────────────────────────────────────────────
func List(d Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		s := session.FromContext(r.Context())
		search := strings.TrimSpace(r.URL.Query().Get("q"))

		// Every page load gets its own search sequence so two open tabs
		// never drop each other's results.
		tab := uuid.NewString()
		tok := d.Searches.Begin(SearchKey(s.ID, tab))

		var extra []session.Flash
		students, err := d.Storage.ListStudents(r.Context(), s.Principal(), types.ListFilter{Search: search})
		if err != nil {
			slog.Error("error listing students", slog.String("error", err.Error()))
			extra = append(extra, handlers.Failure("Failed to load students", err))
			students = []types.Student{}
		}

		data := view.ListData{Students: students, Search: search, Tab: tab, Gen: tok.Gen()}
		handlers.Render(d.View, w, http.StatusOK, view.List,
			handlers.Page(d.Sessions, r, "Students", data, extra...))
	}
}

// ─────────────────────────────────────────────────────────────────────────────
// Search handles GET /students/search?q=&tab=&gen=
// Returns only the results block for the live search box. tab names the
// list page the search came from and gen is that page's sequence number
// for this keystroke; a response for anything but the page's latest search
// is dropped with 204 No Content.
// ─────────────────────────────────────────────────────────────────────────────
func Search(d Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		s := session.FromContext(r.Context())
		search := strings.TrimSpace(r.URL.Query().Get("q"))

		tab := r.URL.Query().Get("tab")
		if _, err := uuid.Parse(tab); err != nil {
			http.Error(w, "tab must be the id issued with the list page", http.StatusBadRequest)
			return
		}
		gen, err := strconv.ParseUint(r.URL.Query().Get("gen"), 10, 64)
		if err != nil {
			http.Error(w, "gen must be a positive integer", http.StatusBadRequest)
			return
		}

		tok, ok := d.Searches.BeginAt(SearchKey(s.ID, tab), gen)
		if !ok {
			w.WriteHeader(http.StatusNoContent)
			return
		}

		data := view.ListData{Search: search, Tab: tab, Gen: gen}
		students, err := d.Storage.ListStudents(r.Context(), s.Principal(), types.ListFilter{Search: search})
		if err != nil {
			slog.Error("error searching students", slog.String("error", err.Error()))
			f := handlers.Failure("Failed to load students", err)
			data.Error = &f
			students = []types.Student{}
		}
		data.Students = students

		if !d.Searches.Current(tok) {
			slog.Debug("dropping stale search", slog.Uint64("gen", gen))
			w.WriteHeader(http.StatusNoContent)
			return
		}
		if err := d.View.Results(w, data); err != nil {
			slog.Error("cannot render results", slog.String("error", err.Error()))
		}
	}
}

// ─────────────────────────────────────────────────────────────────────────────
// Detail handles GET /students/{id}
// ?confirm=delete opens the delete confirmation dialog. A record that cannot
// be loaded sends the user back to the list with a notification.
// ─────────────────────────────────────────────────────────────────────────────
func Detail(d Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		s := session.FromContext(r.Context())
		id := chi.URLParam(r, "id")

		st, err := d.Storage.GetStudent(r.Context(), s.Principal(), id)
		if err != nil {
			slog.Error("error getting student", slog.String("id", id), slog.String("error", err.Error()))
			handlers.Notify(d.Sessions, w, r, handlers.Failure("Failed to load student", err))
			http.Redirect(w, r, "/students", http.StatusSeeOther)
			return
		}

		data := view.DetailData{
			Student:       st,
			ConfirmDelete: r.URL.Query().Get("confirm") == "delete",
			Busy:          d.Submissions.InFlight(deleteKey(s.ID, id)),
		}
		handlers.Render(d.View, w, http.StatusOK, view.Detail,
			handlers.Page(d.Sessions, r, st.Name, data))
	}
}

// ─────────────────────────────────────────────────────────────────────────────
// NewForm handles GET /students/new
// ─────────────────────────────────────────────────────────────────────────────
func NewForm(d Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		handlers.Render(d.View, w, http.StatusOK, view.Form,
			handlers.Page(d.Sessions, r, "New student", createForm(types.StudentForm{}, nil)))
	}
}

// ─────────────────────────────────────────────────────────────────────────────
// Create handles POST /students/new
// Validates the form, attaches the signed-in user as owner and inserts the
// record. Any failure re-renders the form with what the user typed.
// ─────────────────────────────────────────────────────────────────────────────
func Create(d Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		s := session.FromContext(r.Context())
		form := readForm(r)

		release, ok := d.Submissions.TryAcquire(createKey(s.ID))
		if !ok {
			data := createForm(form, nil)
			data.Busy = true
			handlers.Render(d.View, w, http.StatusConflict, view.Form,
				handlers.Page(d.Sessions, r, "New student", data, busyFlash()))
			return
		}
		defer release()

		in, errs := validation.Student(form)
		if len(errs) > 0 {
			handlers.Render(d.View, w, http.StatusUnprocessableEntity, view.Form,
				handlers.Page(d.Sessions, r, "New student", createForm(form, errs)))
			return
		}

		created, err := d.Storage.CreateStudent(r.Context(), s.Principal(),
			types.NewStudent{StudentInput: in, OwnerID: s.UserID})
		if err != nil {
			slog.Error("error creating student", slog.String("error", err.Error()))
			handlers.Render(d.View, w, handlers.Status(err), view.Form,
				handlers.Page(d.Sessions, r, "New student", createForm(form, nil),
					handlers.Failure("Failed to register student", err)))
			return
		}

		slog.Info("student created", slog.String("id", created.ID))
		handlers.Notify(d.Sessions, w, r, handlers.Success("Student registered", "Student added successfully"))
		http.Redirect(w, r, "/students", http.StatusSeeOther)
	}
}

// ─────────────────────────────────────────────────────────────────────────────
// EditForm handles GET /students/{id}/edit
// Pre-populates the form from the stored record; absent optional fields
// show as empty inputs.
// ─────────────────────────────────────────────────────────────────────────────
func EditForm(d Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		s := session.FromContext(r.Context())
		id := chi.URLParam(r, "id")

		st, err := d.Storage.GetStudent(r.Context(), s.Principal(), id)
		if err != nil {
			slog.Error("error getting student", slog.String("id", id), slog.String("error", err.Error()))
			handlers.Notify(d.Sessions, w, r, handlers.Failure("Failed to load student", err))
			http.Redirect(w, r, "/students", http.StatusSeeOther)
			return
		}

		handlers.Render(d.View, w, http.StatusOK, view.Form,
			handlers.Page(d.Sessions, r, "Edit student", editForm(id, types.FormFromStudent(st), nil)))
	}
}

// ─────────────────────────────────────────────────────────────────────────────
// Update handles POST /students/{id}/edit
// Overwrites the editable fields only; id and owner are never sent.
// ─────────────────────────────────────────────────────────────────────────────
func Update(d Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		s := session.FromContext(r.Context())
		id := chi.URLParam(r, "id")
		form := readForm(r)

		release, ok := d.Submissions.TryAcquire(editKey(s.ID, id))
		if !ok {
			data := editForm(id, form, nil)
			data.Busy = true
			handlers.Render(d.View, w, http.StatusConflict, view.Form,
				handlers.Page(d.Sessions, r, "Edit student", data, busyFlash()))
			return
		}
		defer release()

		in, errs := validation.Student(form)
		if len(errs) > 0 {
			handlers.Render(d.View, w, http.StatusUnprocessableEntity, view.Form,
				handlers.Page(d.Sessions, r, "Edit student", editForm(id, form, errs)))
			return
		}

		if _, err := d.Storage.UpdateStudent(r.Context(), s.Principal(), id, in); err != nil {
			slog.Error("error updating student", slog.String("id", id), slog.String("error", err.Error()))
			if apperr.IsNotFound(err) {
				handlers.Notify(d.Sessions, w, r, handlers.Failure("Failed to update student", err))
				http.Redirect(w, r, "/students", http.StatusSeeOther)
				return
			}
			handlers.Render(d.View, w, handlers.Status(err), view.Form,
				handlers.Page(d.Sessions, r, "Edit student", editForm(id, form, nil),
					handlers.Failure("Failed to update student", err)))
			return
		}

		slog.Info("student updated", slog.String("id", id))
		handlers.Notify(d.Sessions, w, r, handlers.Success("Student updated", "Details updated successfully"))
		http.Redirect(w, r, "/students/"+id, http.StatusSeeOther)
	}
}

// ─────────────────────────────────────────────────────────────────────────────
// Delete handles POST /students/{id}/delete
// Reached only from the confirmation dialog. On failure the record stays
// and the user is sent back to its detail page.
// ─────────────────────────────────────────────────────────────────────────────
func Delete(d Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		s := session.FromContext(r.Context())
		id := chi.URLParam(r, "id")

		release, ok := d.Submissions.TryAcquire(deleteKey(s.ID, id))
		if !ok {
			handlers.Notify(d.Sessions, w, r, busyFlash())
			http.Redirect(w, r, "/students/"+id, http.StatusSeeOther)
			return
		}
		defer release()

		if err := d.Storage.DeleteStudent(r.Context(), s.Principal(), id); err != nil {
			slog.Error("error deleting student", slog.String("id", id), slog.String("error", err.Error()))
			handlers.Notify(d.Sessions, w, r, handlers.Failure("Failed to delete student", err))
			target := "/students/" + id
			if apperr.IsNotFound(err) {
				target = "/students"
			}
			http.Redirect(w, r, target, http.StatusSeeOther)
			return
		}

		slog.Info("student deleted", slog.String("id", id))
		handlers.Notify(d.Sessions, w, r, handlers.Success("Student deleted", "Student removed successfully"))
		http.Redirect(w, r, "/students", http.StatusSeeOther)
	}
}

// ── helpers ──────────────────────────────────────────────────────────────

func readForm(r *http.Request) types.StudentForm {
	return types.StudentForm{
		Name:         r.PostFormValue("name"),
		EnrollmentID: r.PostFormValue("enrollment_id"),
		BirthDate:    r.PostFormValue("birth_date"),
		Email:        r.PostFormValue("email"),
		Phone:        r.PostFormValue("phone"),
		ClassName:    r.PostFormValue("class_name"),
	}
}

func createForm(form types.StudentForm, errs validation.FieldErrors) view.FormData {
	return view.FormData{
		Heading:   "New student",
		Action:    "/students/new",
		CancelURL: "/students",
		Submit:    "Register",
		Form:      form,
		Errors:    errs,
	}
}

func editForm(id string, form types.StudentForm, errs validation.FieldErrors) view.FormData {
	return view.FormData{
		Heading:   "Edit student",
		Action:    "/students/" + id + "/edit",
		CancelURL: "/students/" + id,
		Submit:    "Save changes",
		Form:      form,
		Errors:    errs,
	}
}

func busyFlash() session.Flash {
	return session.Flash{
		Kind:    session.FlashError,
		Title:   "Already saving",
		Message: "Your previous submission is still being processed",
	}
}

func createKey(sessionID string) string     { return "create:" + sessionID }
func editKey(sessionID, id string) string   { return "edit:" + sessionID + ":" + id }
func deleteKey(sessionID, id string) string { return "delete:" + sessionID + ":" + id }
