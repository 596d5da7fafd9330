package apperr

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/labstack/echo/v4"
	"github.com/rs/zerolog"
)

func TestKindOf(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want Kind
	}{
		{"not found", NotFound("appointment %s not found", "a1"), KindNotFound},
		{"wrapped", fmt.Errorf("book: %w", SlotConflict("slot taken")), KindSlotConflict},
		{"plain error", errors.New("boom"), KindInternal},
		{"invalid status", InvalidStatus("DONE"), KindInvalidStatus},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := KindOf(tt.err); got != tt.want {
				t.Errorf("KindOf() = %q, want %q", got, tt.want)
			}
		})
	}
}

func TestIs(t *testing.T) {
	err := fmt.Errorf("outer: %w", Permission("not your appointment"))
	if !Is(err, KindPermission) {
		t.Error("expected Is(err, KindPermission) to be true")
	}
	if Is(err, KindNotFound) {
		t.Error("expected Is(err, KindNotFound) to be false")
	}
}

func TestError_Unwrap(t *testing.T) {
	cause := errors.New("connection reset")
	err := Internal(cause)
	if !errors.Is(err, cause) {
		t.Error("expected Internal error to unwrap to its cause")
	}
}

func TestHTTPErrorHandler_StatusMapping(t *testing.T) {
	tests := []struct {
		err    error
		status int
		kind   string
	}{
		{NotFound("missing"), http.StatusNotFound, "not_found"},
		{InvalidInput("bad"), http.StatusBadRequest, "invalid_input"},
		{InvalidStatus("X"), http.StatusBadRequest, "invalid_status"},
		{InvalidTransition("no"), http.StatusConflict, "invalid_transition"},
		{SlotConflict("taken"), http.StatusConflict, "slot_conflict"},
		{Unauthorized("who"), http.StatusUnauthorized, "unauthorized"},
		{Permission("nope"), http.StatusForbidden, "permission_denied"},
		{errors.New("db exploded"), http.StatusInternalServerError, "internal"},
	}

	e := echo.New()
	handler := HTTPErrorHandler(zerolog.New(io.Discard))
	for _, tt := range tests {
		t.Run(tt.kind, func(t *testing.T) {
			rec := httptest.NewRecorder()
			c := e.NewContext(httptest.NewRequest(http.MethodGet, "/", nil), rec)
			handler(tt.err, c)

			if rec.Code != tt.status {
				t.Fatalf("expected status %d, got %d", tt.status, rec.Code)
			}
			var body ErrorResponse
			if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
				t.Fatalf("decode body: %v", err)
			}
			if body.Error != tt.kind {
				t.Errorf("expected error kind %q, got %q", tt.kind, body.Error)
			}
		})
	}
}

func TestHTTPErrorHandler_HidesInternalDetails(t *testing.T) {
	e := echo.New()
	rec := httptest.NewRecorder()
	c := e.NewContext(httptest.NewRequest(http.MethodGet, "/", nil), rec)

	HTTPErrorHandler(zerolog.New(io.Discard))(Internal(errors.New("password=hunter2")), c)

	var body ErrorResponse
	if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
		t.Fatalf("decode body: %v", err)
	}
	if body.Message != "internal server error" {
		t.Errorf("expected generic message, got %q", body.Message)
	}
}

func TestHTTPErrorHandler_EchoHTTPError(t *testing.T) {
	e := echo.New()
	rec := httptest.NewRecorder()
	c := e.NewContext(httptest.NewRequest(http.MethodGet, "/", nil), rec)

	HTTPErrorHandler(zerolog.New(io.Discard))(echo.NewHTTPError(http.StatusTooManyRequests, "rate limit exceeded"), c)

	if rec.Code != http.StatusTooManyRequests {
		t.Fatalf("expected 429, got %d", rec.Code)
	}
}
