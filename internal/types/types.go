// Package types holds all shared data structures (models) used across
// the application. Keeping them in one place prevents import cycles:
// handlers, storage, validation and the auth layer can all import types
// without depending on each other.
package types

import "time"

// Student represents a student record as stored by the backend.
//
// Optional columns (email, phone, class_name) are pointers: a nil pointer
// is "no value" and is encoded as JSON null. An empty string is never
// persisted for them.
type Student struct {
	ID           string    `json:"id"`
	Name         string    `json:"name"`
	EnrollmentID string    `json:"enrollment_id"`
	BirthDate    string    `json:"birth_date"`
	Email        *string   `json:"email"`
	Phone        *string   `json:"phone"`
	ClassName    *string   `json:"class_name"`
	OwnerID      string    `json:"owner_id"`
	CreatedAt    time.Time `json:"created_at"`
}

// StudentForm is the raw, untrimmed input coming from the create and edit
// forms. Every field is a plain string because that is what a browser sends.
//
// The validate:"..." tags are checked by go-playground/validator after the
// values have been trimmed (see package validation).
type StudentForm struct {
	Name         string `form:"name"          validate:"min=2,max=80"`
	EnrollmentID string `form:"enrollment_id" validate:"min=3,max=20"`
	BirthDate    string `form:"birth_date"    validate:"calendar_date"`
	Email        string `form:"email"         validate:"omitempty,email"`
	Phone        string `form:"phone"`
	ClassName    string `form:"class_name"`
}

// FormFromStudent pre-populates a form from a stored record. Absent optional
// fields render as empty inputs.
func FormFromStudent(s Student) StudentForm {
	return StudentForm{
		Name:         s.Name,
		EnrollmentID: s.EnrollmentID,
		BirthDate:    DateOnly(s.BirthDate),
		Email:        deref(s.Email),
		Phone:        deref(s.Phone),
		ClassName:    deref(s.ClassName),
	}
}

// StudentInput is the normalised set of user-editable fields produced by a
// successful validation. It is the payload of both insert and update.
type StudentInput struct {
	Name         string  `json:"name"`
	EnrollmentID string  `json:"enrollment_id"`
	BirthDate    string  `json:"birth_date"`
	Email        *string `json:"email"`
	Phone        *string `json:"phone"`
	ClassName    *string `json:"class_name"`
}

// NewStudent is the insert payload: the editable fields plus the owner.
type NewStudent struct {
	StudentInput
	OwnerID string `json:"owner_id"`
}

// ListFilter narrows a list request. An empty Search returns every
// visible record.
type ListFilter struct {
	Search string
}

// User is the identity of a signed-in account.
type User struct {
	ID    string `json:"id"`
	Email string `json:"email"`
}

// DateOnly strips any time component from a stored date so it fits an
// <input type="date"> value ("2006-01-02").
func DateOnly(v string) string {
	if len(v) > len("2006-01-02") {
		if t, err := time.Parse(time.RFC3339, v); err == nil {
			return t.Format("2006-01-02")
		}
		return v[:len("2006-01-02")]
	}
	return v
}

func deref(p *string) string {
	if p == nil {
		return ""
	}
	return *p
}
