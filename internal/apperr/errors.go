package apperr

import (
	"errors"
	"fmt"
)

// Sentinel kinds. Match with errors.Is; use errors.As against *Error for details.
var (
	ErrEntityNotFound      = errors.New("entity not found")
	ErrAuthorizationFailed = errors.New("authorization failed")
	ErrValidation          = errors.New("validation failed")
	ErrDatabase            = errors.New("database error")
	ErrInternal            = errors.New("internal error")
)

// Error is the single error type surfaced by the sync and deletion services.
type Error struct {
	kind   error
	Table  string
	ID     string
	Reason string
	cause  error
}

func (e *Error) Error() string {
	switch e.kind {
	case ErrEntityNotFound:
		return fmt.Sprintf("%s: %s/%s", e.kind, e.Table, e.ID)
	case ErrDatabase:
		if e.cause != nil {
			return fmt.Sprintf("%s: %v", e.kind, e.cause)
		}
	}
	if e.Reason == "" {
		return e.kind.Error()
	}
	if e.cause != nil {
		return fmt.Sprintf("%s: %s: %v", e.kind, e.Reason, e.cause)
	}
	return fmt.Sprintf("%s: %s", e.kind, e.Reason)
}

func (e *Error) Unwrap() []error {
	if e.cause == nil {
		return []error{e.kind}
	}
	return []error{e.kind, e.cause}
}

// Kind returns the sentinel this error belongs to.
func (e *Error) Kind() error {
	return e.kind
}

// Code renders a stable machine readable code, e.g. "entity_not_found.projects".
func (e *Error) Code() string {
	name := codeFor(e.kind)
	switch {
	case e.Table != "":
		return name + "." + e.Table
	case e.Reason != "":
		return name + "." + e.Reason
	default:
		return name
	}
}

// EntityNotFound reports a missing row of table.
func EntityNotFound(table, id string) error {
	return &Error{kind: ErrEntityNotFound, Table: table, ID: id}
}

// AuthorizationFailed reports an actor lacking a permission or role.
func AuthorizationFailed(reason string) error {
	return &Error{kind: ErrAuthorizationFailed, Reason: reason}
}

// Validation reports malformed input. kind becomes part of the error code.
func Validation(kind string) error {
	return &Error{kind: ErrValidation, Reason: kind}
}

// Database wraps a storage failure. Already classified errors pass through unchanged.
func Database(cause error) error {
	if cause == nil {
		return nil
	}
	var classified *Error
	if errors.As(cause, &classified) {
		return cause
	}
	return &Error{kind: ErrDatabase, cause: cause}
}

// Internal reports a wiring or invariant failure.
func Internal(reason string) error {
	return &Error{kind: ErrInternal, Reason: reason}
}

// Internalf wraps cause as an internal error with a reason.
func Internalf(reason string, cause error) error {
	return &Error{kind: ErrInternal, Reason: reason, cause: cause}
}

// IsNotFound reports whether err is an EntityNotFound error.
func IsNotFound(err error) bool {
	return errors.Is(err, ErrEntityNotFound)
}

// CodeOf returns the code of the first *Error in err's chain, or "internal".
func CodeOf(err error) string {
	var classified *Error
	if errors.As(err, &classified) {
		return classified.Code()
	}
	return codeFor(ErrInternal)
}

func codeFor(kind error) string {
	switch kind {
	case ErrEntityNotFound:
		return "entity_not_found"
	case ErrAuthorizationFailed:
		return "authorization_failed"
	case ErrValidation:
		return "validation"
	case ErrDatabase:
		return "database"
	default:
		return "internal"
	}
}
