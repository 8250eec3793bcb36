// Package validation is the field-rule schema shared by the create and edit
// flows (and the small login / sign-up forms).
//
// The rules themselves live in validate:"..." struct tags on the form types
// and are evaluated by go-playground/validator. This package adds the two
// things the tags cannot express on their own: trimming before the length
// checks, and turning empty optional inputs into "no value".
package validation

import (
	"fmt"
	"reflect"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"

	"github.com/aanand-mishra/student-registry/internal/types"
)

// FieldError is a single inline message bound to a form field.
type FieldError struct {
	Field   string `json:"field"`
	Message string `json:"message"`
}

// FieldErrors keeps the messages in struct field order.
type FieldErrors []FieldError

// For returns the message for field, or "" when the field is valid.
func (fe FieldErrors) For(field string) string {
	for _, e := range fe {
		if e.Field == field {
			return e.Message
		}
	}
	return ""
}

// First returns the first message, used where only one notification fits.
func (fe FieldErrors) First() string {
	if len(fe) == 0 {
		return ""
	}
	return fe[0].Message
}

func (fe FieldErrors) Error() string {
	parts := make([]string, 0, len(fe))
	for _, e := range fe {
		parts = append(parts, e.Field+": "+e.Message)
	}
	return strings.Join(parts, ", ")
}

var validate = newValidator()

func newValidator() *validator.Validate {
	v := validator.New()

	// Report fields by their form name (name, enrollment_id, ...) instead of
	// the Go field name, so messages line up with the inputs.
	v.RegisterTagNameFunc(func(f reflect.StructField) string {
		if name := f.Tag.Get("form"); name != "" {
			return name
		}
		return strings.ToLower(f.Name)
	})

	// calendar_date accepts a plain date (what <input type="date"> submits)
	// or a full RFC 3339 timestamp.
	_ = v.RegisterValidation("calendar_date", func(fl validator.FieldLevel) bool {
		_, ok := ParseDate(fl.Field().String())
		return ok
	})
	return v
}

// ParseDate reports whether s is a valid calendar date.
func ParseDate(s string) (time.Time, bool) {
	s = strings.TrimSpace(s)
	if t, err := time.Parse("2006-01-02", s); err == nil {
		return t, true
	}
	if t, err := time.Parse(time.RFC3339, s); err == nil {
		return t, true
	}
	return time.Time{}, false
}

// ─────────────────────────────────────────────────────────────────────────────
// Student validates a submitted student form.
//
// On success it returns the normalised input: every value trimmed, the birth
// date in "2006-01-02" form, and empty optional fields as nil. On failure it
// returns one message per offending field, in field order, and the returned
// input must be ignored.
// ─────────────────────────────────────────────────────────────────────────────
func Student(form types.StudentForm) (types.StudentInput, FieldErrors) {
	trimmed := types.StudentForm{
		Name:         strings.TrimSpace(form.Name),
		EnrollmentID: strings.TrimSpace(form.EnrollmentID),
		BirthDate:    strings.TrimSpace(form.BirthDate),
		Email:        strings.TrimSpace(form.Email),
		Phone:        strings.TrimSpace(form.Phone),
		ClassName:    strings.TrimSpace(form.ClassName),
	}

	if errs := check(trimmed); len(errs) > 0 {
		return types.StudentInput{}, errs
	}

	birth, _ := ParseDate(trimmed.BirthDate)
	return types.StudentInput{
		Name:         trimmed.Name,
		EnrollmentID: trimmed.EnrollmentID,
		BirthDate:    birth.Format("2006-01-02"),
		Email:        optional(trimmed.Email),
		Phone:        optional(trimmed.Phone),
		ClassName:    optional(trimmed.ClassName),
	}, nil
}

// Credentials is the login and sign-up form.
type Credentials struct {
	Email    string `form:"email"    validate:"required,email"`
	Password string `form:"password" validate:"min=8"`
}

// Login validates the sign-in form. The email is trimmed and lower-cased;
// the password is taken as typed.
func Login(email, password string) (Credentials, FieldErrors) {
	c := Credentials{
		Email:    strings.ToLower(strings.TrimSpace(email)),
		Password: password,
	}
	if errs := check(c); len(errs) > 0 {
		return Credentials{}, errs
	}
	return c, nil
}

func check(v any) FieldErrors {
	err := validate.Struct(v)
	if err == nil {
		return nil
	}
	verrs, ok := err.(validator.ValidationErrors)
	if !ok {
		return FieldErrors{{Field: "form", Message: err.Error()}}
	}
	out := make(FieldErrors, 0, len(verrs))
	for _, e := range verrs {
		out = append(out, FieldError{Field: e.Field(), Message: message(e)})
	}
	return out
}

func message(e validator.FieldError) string {
	label := labels[e.Field()]
	if label == "" {
		label = e.Field()
	}
	switch e.ActualTag() {
	case "required":
		return label + " is required"
	case "min":
		return fmt.Sprintf("%s must be at least %s characters", label, e.Param())
	case "max":
		return fmt.Sprintf("%s must be at most %s characters", label, e.Param())
	case "email":
		return "Invalid email address"
	case "calendar_date":
		return "Invalid birth date"
	default:
		return label + " is invalid"
	}
}

var labels = map[string]string{
	"name":          "Name",
	"enrollment_id": "Enrollment ID",
	"birth_date":    "Birth date",
	"email":         "Email",
	"password":      "Password",
}

func optional(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}
