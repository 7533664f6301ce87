// Package apperr provides a small application-error taxonomy: an
// ErrorType plus an AppError wrapper and errors.As-based classification
// helpers. Used by the catalog adapter and config validation;
// protocol/SOCKS5 framing errors are plain errors (destroyed, never
// classified or retried).
package apperr

import (
	"errors"
	"fmt"
)

// ErrorType names a class of application error.
type ErrorType string

const (
	TypeValidation ErrorType = "validation_error"
	TypeNotFound   ErrorType = "not_found"
	TypeConflict   ErrorType = "conflict"
	TypeAuth       ErrorType = "auth_error"
	TypeInternal   ErrorType = "internal_error"
)

// AppError carries a classified error plus optional detail.
type AppError struct {
	Type    ErrorType
	Message string
	Details string
}

func (e *AppError) Error() string {
	if e.Details != "" {
		return fmt.Sprintf("%s: %s (%s)", e.Type, e.Message, e.Details)
	}
	return fmt.Sprintf("%s: %s", e.Type, e.Message)
}

func newErr(t ErrorType, message string, details ...string) *AppError {
	d := ""
	if len(details) > 0 {
		d = details[0]
	}
	return &AppError{Type: t, Message: message, Details: d}
}

func NewValidation(message string, details ...string) *AppError { return newErr(TypeValidation, message, details...) }
func NewNotFound(message string, details ...string) *AppError   { return newErr(TypeNotFound, message, details...) }
func NewConflict(message string, details ...string) *AppError   { return newErr(TypeConflict, message, details...) }
func NewAuth(message string, details ...string) *AppError       { return newErr(TypeAuth, message, details...) }
func NewInternal(message string, details ...string) *AppError   { return newErr(TypeInternal, message, details...) }

// As extracts an *AppError from err, if any.
func As(err error) (*AppError, bool) {
	var appErr *AppError
	ok := errors.As(err, &appErr)
	return appErr, ok
}

func Is(err error, t ErrorType) bool {
	appErr, ok := As(err)
	return ok && appErr.Type == t
}
