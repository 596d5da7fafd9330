// Package apperr defines the error kinds shared by the scheduling, billing
// and notification services, and maps them onto HTTP responses.
package apperr

import (
	"errors"
	"fmt"
	"net/http"

	"github.com/labstack/echo/v4"
	"github.com/rs/zerolog"
)

type Kind string

const (
	KindNotFound          Kind = "not_found"
	KindInvalidInput      Kind = "invalid_input"
	KindInvalidStatus     Kind = "invalid_status"
	KindInvalidTransition Kind = "invalid_transition"
	KindSlotConflict      Kind = "slot_conflict"
	KindUnauthorized      Kind = "unauthorized"
	KindPermission        Kind = "permission_denied"
	KindInternal          Kind = "internal"
)

// Error is a domain error with a user-facing message. Err, when set, is the
// underlying cause and is never sent to clients.
type Error struct {
	Kind    Kind
	Message string
	Err     error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Message, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

func (e *Error) Unwrap() error { return e.Err }

func newf(kind Kind, format string, args ...interface{}) *Error {
	return &Error{Kind: kind, Message: fmt.Sprintf(format, args...)}
}

func NotFound(format string, args ...interface{}) *Error {
	return newf(KindNotFound, format, args...)
}

func InvalidInput(format string, args ...interface{}) *Error {
	return newf(KindInvalidInput, format, args...)
}

// InvalidStatus reports a status value outside the known set. It is a
// narrower form of InvalidTransition that clients see as a bad request.
func InvalidStatus(status string) *Error {
	return newf(KindInvalidStatus, "invalid status: %q", status)
}

func InvalidTransition(format string, args ...interface{}) *Error {
	return newf(KindInvalidTransition, format, args...)
}

func SlotConflict(format string, args ...interface{}) *Error {
	return newf(KindSlotConflict, format, args...)
}

func Unauthorized(format string, args ...interface{}) *Error {
	return newf(KindUnauthorized, format, args...)
}

func Permission(format string, args ...interface{}) *Error {
	return newf(KindPermission, format, args...)
}

// Internal wraps an unexpected error. The cause is logged, not returned.
func Internal(err error) *Error {
	return &Error{Kind: KindInternal, Message: "internal server error", Err: err}
}

// KindOf returns the kind of the first *Error in err's chain, or KindInternal.
func KindOf(err error) Kind {
	var ae *Error
	if errors.As(err, &ae) {
		return ae.Kind
	}
	return KindInternal
}

// Is reports whether err carries the given kind.
func Is(err error, kind Kind) bool {
	var ae *Error
	return errors.As(err, &ae) && ae.Kind == kind
}

func statusFor(kind Kind) int {
	switch kind {
	case KindNotFound:
		return http.StatusNotFound
	case KindInvalidInput, KindInvalidStatus:
		return http.StatusBadRequest
	case KindInvalidTransition, KindSlotConflict:
		return http.StatusConflict
	case KindUnauthorized:
		return http.StatusUnauthorized
	case KindPermission:
		return http.StatusForbidden
	default:
		return http.StatusInternalServerError
	}
}

// ErrorResponse is the JSON body written for every failed request.
type ErrorResponse struct {
	Error   string `json:"error"`
	Message string `json:"message"`
}

// HTTPErrorHandler replaces echo's default handler. Domain errors are
// rendered with their kind; anything else is logged and reported as a
// generic internal error.
func HTTPErrorHandler(logger zerolog.Logger) echo.HTTPErrorHandler {
	return func(err error, c echo.Context) {
		if c.Response().Committed {
			return
		}

		status := http.StatusInternalServerError
		body := ErrorResponse{Error: string(KindInternal), Message: "internal server error"}

		var ae *Error
		var he *echo.HTTPError
		switch {
		case errors.As(err, &ae):
			status = statusFor(ae.Kind)
			body = ErrorResponse{Error: string(ae.Kind), Message: ae.Message}
			if ae.Kind == KindInternal {
				body.Message = "internal server error"
			}
		case errors.As(err, &he):
			status = he.Code
			body = ErrorResponse{Error: http.StatusText(he.Code), Message: fmt.Sprintf("%v", he.Message)}
		}

		if status >= http.StatusInternalServerError {
			rid, _ := c.Get("request_id").(string)
			logger.Error().Err(err).
				Str("request_id", rid).
				Str("path", c.Request().URL.Path).
				Msg("request failed")
		}

		if c.Request().Method == http.MethodHead {
			err = c.NoContent(status)
		} else {
			err = c.JSON(status, body)
		}
		if err != nil {
			logger.Error().Err(err).Msg("write error response")
		}
	}
}
