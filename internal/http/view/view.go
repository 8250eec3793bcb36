// Package view renders the server-side pages. Templates are embedded in the
// binary; every page is parsed together with the shared layout so the
// header, the signed-in email, the sign-out button and the flash area look
// the same everywhere.
package view

import (
	"bytes"
	"embed"
	"fmt"
	"html/template"
	"net/http"
	"time"

	"github.com/aanand-mishra/student-registry/internal/session"
	"github.com/aanand-mishra/student-registry/internal/types"
	"github.com/aanand-mishra/student-registry/internal/validation"
)

//go:embed templates/*.html
var files embed.FS

// Page names.
const (
	Login  = "login"
	Signup = "signup"
	List   = "list"
	Detail = "detail"
	Form   = "form"
)

// Page is what every full page receives.
type Page struct {
	Title   string
	Email   string // signed-in user, empty on the login and sign-up pages
	Flashes []session.Flash
	Content any
}

// AuthData backs the login and sign-up forms.
type AuthData struct {
	Email  string
	Next   string
	Errors validation.FieldErrors
}

// ListData backs the list page and the live-search fragment.
type ListData struct {
	Students []types.Student
	Search   string
	Tab      string // identifies the page's live-search sequence
	Gen      uint64
	// Error is shown inside a live-search fragment, which has no flash area.
	Error *session.Flash
}

// DetailData backs the detail page. ConfirmDelete opens the confirmation
// dialog; Busy disables its buttons while a delete is outstanding.
type DetailData struct {
	Student       types.Student
	ConfirmDelete bool
	Busy          bool
}

// FormData backs both the create and the edit page.
type FormData struct {
	Heading   string
	Action    string
	CancelURL string
	Submit    string
	Form      types.StudentForm
	Errors    validation.FieldErrors
	Busy      bool
}

type Renderer struct {
	pages map[string]*template.Template
}

var funcs = template.FuncMap{
	"date":    FormatDate,
	"stamp":   FormatTimestamp,
	"deref":   deref,
	"present": func(p *string) bool { return p != nil && *p != "" },
}

// New parses every page template.
func New() (*Renderer, error) {
	r := &Renderer{pages: make(map[string]*template.Template)}
	for _, name := range []string{Login, Signup, List, Detail, Form} {
		t, err := template.New(name).Funcs(funcs).ParseFS(files,
			"templates/layout.html",
			"templates/results.html",
			"templates/"+name+".html",
		)
		if err != nil {
			return nil, fmt.Errorf("view.New: parse %s: %w", name, err)
		}
		r.pages[name] = t
	}
	return r, nil
}

// Render writes a full page. The output is buffered so a template error
// never leaves a half-written page behind.
func (r *Renderer) Render(w http.ResponseWriter, status int, name string, p Page) error {
	return r.execute(w, status, name, "layout", p)
}

// Results writes only the list results, for the live-search fragment.
func (r *Renderer) Results(w http.ResponseWriter, data ListData) error {
	return r.execute(w, http.StatusOK, List, "results", data)
}

func (r *Renderer) execute(w http.ResponseWriter, status int, page, tmpl string, data any) error {
	t, ok := r.pages[page]
	if !ok {
		return fmt.Errorf("view: unknown page %q", page)
	}
	var buf bytes.Buffer
	if err := t.ExecuteTemplate(&buf, tmpl, data); err != nil {
		return fmt.Errorf("view: render %s: %w", page, err)
	}
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	w.WriteHeader(status)
	_, err := buf.WriteTo(w)
	return err
}

// FormatDate shows a stored date ("2006-01-02" or RFC 3339) as "Jan 2, 2006".
func FormatDate(v string) string {
	t, ok := validation.ParseDate(v)
	if !ok {
		return v
	}
	return t.Format("Jan 2, 2006")
}

func FormatTimestamp(t time.Time) string {
	if t.IsZero() {
		return ""
	}
	return t.Local().Format("Jan 2, 2006")
}

func deref(p *string) string {
	if p == nil {
		return ""
	}
	return *p
}
