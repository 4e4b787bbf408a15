package common

import (
	"errors"
	"net/http"
)

// AppError is an error that knows how it should be rendered to API clients.
// Err keeps the internal cause for logs; clients only see Code and Message.
type AppError struct {
	Code       string
	Message    string
	HTTPStatus int
	Details    any
	Err        error
}

func NewAppError(code, message string, status int, cause error) *AppError {
	return &AppError{Code: code, Message: message, HTTPStatus: status, Err: cause}
}

func (e *AppError) Error() string {
	switch {
	case e == nil:
		return ""
	case e.Err != nil:
		return e.Code + ": " + e.Err.Error()
	default:
		return e.Code + ": " + e.Message
	}
}

func (e *AppError) Unwrap() error {
	if e == nil {
		return nil
	}
	return e.Err
}

// WithDetails returns a copy of e carrying details.
func (e *AppError) WithDetails(details any) *AppError {
	if e == nil {
		return nil
	}
	cp := *e
	cp.Details = details
	return &cp
}

// Status is HTTPStatus, or 500 when unset.
func (e *AppError) Status() int {
	if e == nil || e.HTTPStatus < 400 {
		return http.StatusInternalServerError
	}
	return e.HTTPStatus
}

// WriteError renders err as the standard error envelope. Anything that is not
// an AppError is hidden behind a generic INTERNAL body.
func WriteError(w http.ResponseWriter, err error) {
	var appErr *AppError
	if !errors.As(err, &appErr) {
		JSONError(w, http.StatusInternalServerError, "INTERNAL", "internal server error", nil)
		return
	}
	JSONError(w, appErr.Status(), appErr.Code, appErr.Message, appErr.Details)
}
