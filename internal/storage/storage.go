// Package storage defines the Storage interface, the data API contract
// every backend must satisfy to work with this application.
//
// Handlers (HTTP layer) do not know or care which backend they are talking
// to. Three implementations exist:
//
//   - remote:   the hosted data API (PostgREST over HTTPS)
//   - postgres: a direct pgx connection that applies the same row-level
//     security policies the hosted API would
//   - sqlite:   a single-file local backend for development and tests
//
// Restricting a user to the records they may see is the backend's job, not
// the handlers'. Every call therefore carries the caller's Principal so the
// backend can apply its own access policy.
package storage

import (
	"context"

	"github.com/aanand-mishra/student-registry/internal/types"
)

// Principal is the authenticated caller on whose behalf a request runs.
type Principal struct {
	UserID      string
	AccessToken string
}

// Storage is the data API contract.
//
// Errors returned by implementations are *apperr.Error values so callers
// can classify them with apperr.KindOf.
type Storage interface {
	// ListStudents returns every visible student ordered by name ascending.
	// A non-empty filter.Search keeps only records whose name or enrollment
	// id contains the term, case-insensitively. Returns an empty slice (not
	// nil) when nothing matches.
	ListStudents(ctx context.Context, p Principal, filter types.ListFilter) ([]types.Student, error)

	// GetStudent fetches exactly one student. A missing record is an
	// apperr.NotFound error.
	GetStudent(ctx context.Context, p Principal, id string) (types.Student, error)

	// CreateStudent inserts a new record and returns it as stored.
	CreateStudent(ctx context.Context, p Principal, in types.NewStudent) (types.Student, error)

	// UpdateStudent overwrites every editable field of an existing record.
	// The id and owner are never changed.
	UpdateStudent(ctx context.Context, p Principal, id string, in types.StudentInput) (types.Student, error)

	// DeleteStudent removes a record permanently.
	DeleteStudent(ctx context.Context, p Principal, id string) error
}

// Operation names used in errors and metrics.
const (
	OpList   = "ListStudents"
	OpGet    = "GetStudent"
	OpCreate = "CreateStudent"
	OpUpdate = "UpdateStudent"
	OpDelete = "DeleteStudent"
)
