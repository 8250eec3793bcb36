// Package apperr defines the closed set of failure kinds the application
// knows how to handle. Every backend (remote data API, auth provider,
// sqlite, postgres) translates its own errors into an *Error at its
// boundary, so handlers can switch exhaustively on Kind instead of
// inspecting raw message strings.
package apperr

import (
	"errors"
	"fmt"
)

// Kind classifies a failure.
type Kind int

const (
	Unknown Kind = iota
	Validation
	NotFound
	Permission
	Network
)

func (k Kind) String() string {
	switch k {
	case Validation:
		return "validation"
	case NotFound:
		return "not_found"
	case Permission:
		return "permission"
	case Network:
		return "network"
	default:
		return "unknown"
	}
}

// ─────────────────────────────────────────────────────────────────────────────
// Sentinel errors, one per Kind, usable with errors.Is().
// ─────────────────────────────────────────────────────────────────────────────

var (
	ErrValidation = errors.New("validation failed")
	ErrNotFound   = errors.New("record not found")
	ErrPermission = errors.New("permission denied")
	ErrNetwork    = errors.New("network failure")
	ErrUnknown    = errors.New("unexpected failure")
)

func (k Kind) sentinel() error {
	switch k {
	case Validation:
		return ErrValidation
	case NotFound:
		return ErrNotFound
	case Permission:
		return ErrPermission
	case Network:
		return ErrNetwork
	default:
		return ErrUnknown
	}
}

// Error carries the Kind, the operation that failed, the message that
// should be shown to the user (the remote-provided one when available)
// and the original cause.
type Error struct {
	Kind    Kind
	Op      string
	Message string
	Err     error
}

func (e *Error) Error() string {
	msg := e.Message
	if msg == "" {
		msg = e.Kind.sentinel().Error()
	}
	if e.Op != "" {
		msg = e.Op + ": " + msg
	}
	if e.Err != nil {
		return fmt.Sprintf("%s (cause: %v)", msg, e.Err)
	}
	return msg
}

func (e *Error) Is(target error) bool { return target == e.Kind.sentinel() }
func (e *Error) Unwrap() error        { return e.Err }

// New builds an *Error.
func New(kind Kind, op, message string, cause error) *Error {
	return &Error{Kind: kind, Op: op, Message: message, Err: cause}
}

// KindOf returns the Kind of err, or Unknown when err was never classified.
// A nil error has no kind and reports Unknown as well; callers check for nil first.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return Unknown
}

// UserMessage returns the text that belongs in a notification.
func UserMessage(err error) string {
	var e *Error
	if errors.As(err, &e) && e.Message != "" {
		return e.Message
	}
	if errors.As(err, &e) {
		return e.Kind.sentinel().Error()
	}
	if err == nil {
		return ""
	}
	return ErrUnknown.Error()
}

func IsNotFound(err error) bool   { return errors.Is(err, ErrNotFound) }
func IsPermission(err error) bool { return errors.Is(err, ErrPermission) }
func IsValidation(err error) bool { return errors.Is(err, ErrValidation) }
func IsNetwork(err error) bool    { return errors.Is(err, ErrNetwork) }
