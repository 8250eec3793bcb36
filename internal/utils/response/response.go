// Package response provides helpers for writing consistent JSON HTTP
// responses from the few machine-facing endpoints (/health, /api/session).
// The pages themselves are HTML and go through package view.
package response

import (
	"encoding/json"
	"net/http"

	"github.com/aanand-mishra/student-registry/internal/apperr"
	"github.com/aanand-mishra/student-registry/internal/validation"
)

// ─────────────────────────────────────────────────────────────────────────────
// Response is the standard envelope returned for error cases:
//
//	{ "status": "error", "kind": "network", "error": "network failure" }
//
// ─────────────────────────────────────────────────────────────────────────────
type Response struct {
	Status string                  `json:"status"`
	Kind   string                  `json:"kind,omitempty"`
	Error  string                  `json:"error"`
	Fields []validation.FieldError `json:"fields,omitempty"`
}

const (
	StatusOK    = "ok"
	StatusError = "error"
)

// WriteJSON writes data as JSON with the given status code.
// Header() → WriteHeader() → body, in that order; headers are locked after
// the first write.
func WriteJSON(w http.ResponseWriter, status int, data any) error {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	return json.NewEncoder(w).Encode(data)
}

// GeneralError wraps any error into the envelope. Classified errors carry
// their kind and the user-facing message; anything else is reported as an
// unexpected failure without leaking internals.
func GeneralError(err error) Response {
	resp := Response{Status: StatusError, Error: apperr.UserMessage(err)}
	if err != nil {
		resp.Kind = apperr.KindOf(err).String()
	}
	return resp
}

// ValidationError reports every failing field, e.g.
//
//	{ "status": "error", "kind": "validation", "error": "Invalid email address",
//	  "fields": [{"field": "email", "message": "Invalid email address"}] }
func ValidationError(errs validation.FieldErrors) Response {
	return Response{
		Status: StatusError,
		Kind:   apperr.Validation.String(),
		Error:  errs.First(),
		Fields: errs,
	}
}
