package domain

import (
	"errors"
	"fmt"
	"time"
)

// Error kinds. Typed errors below match these through errors.Is.
var (
	ErrValidation      = errors.New("validation failed")
	ErrAdmissionDenied = errors.New("admission denied")
	ErrTransport       = errors.New("transport failure")
	ErrPersistence     = errors.New("persistence failed")
	ErrSessionBusy     = errors.New("session busy")
	ErrNotFound        = errors.New("not found")
	ErrUnauthenticated = errors.New("unauthenticated")
)

// ValidationError rejects input before any side effect.
type ValidationError struct {
	Field  string
	Reason string
}

// NewValidationError creates a ValidationError.
func NewValidationError(field, reason string) error {
	return &ValidationError{Field: field, Reason: reason}
}

func (e *ValidationError) Error() string {
	if e.Field == "" {
		return "validation failed: " + e.Reason
	}
	return fmt.Sprintf("validation failed: %s: %s", e.Field, e.Reason)
}

func (e *ValidationError) Is(target error) bool { return target == ErrValidation }

// AdmissionError is returned when the rate limiter denies a request.
type AdmissionError struct {
	RetryAfter time.Duration
	ResetAt    time.Time
	Limit      int
}

func (e *AdmissionError) Error() string {
	return fmt.Sprintf("admission denied: limit %d reached, retry after %s", e.Limit, e.RetryAfter.Round(time.Second))
}

func (e *AdmissionError) Is(target error) bool { return target == ErrAdmissionDenied }

// TransportError wraps a failure talking to the inference provider.
type TransportError struct {
	Cause error
}

func (e *TransportError) Error() string {
	return "transport failure: " + e.Cause.Error()
}

func (e *TransportError) Unwrap() error { return e.Cause }

func (e *TransportError) Is(target error) bool { return target == ErrTransport }

// PersistenceError is returned after the retry policy gives up.
type PersistenceError struct {
	Attempts int
	Last     error
}

func (e *PersistenceError) Error() string {
	return fmt.Sprintf("persistence failed after %d attempts: %v", e.Attempts, e.Last)
}

func (e *PersistenceError) Unwrap() error { return e.Last }

func (e *PersistenceError) Is(target error) bool { return target == ErrPersistence }

// Code returns the wire error code for err.
func Code(err error) string {
	switch {
	case err == nil:
		return ""
	case errors.Is(err, ErrValidation):
		return "validation_error"
	case errors.Is(err, ErrAdmissionDenied):
		return "admission_denied"
	case errors.Is(err, ErrSessionBusy):
		return "session_busy"
	case errors.Is(err, ErrNotFound):
		return "not_found"
	case errors.Is(err, ErrUnauthenticated):
		return "unauthenticated"
	case errors.Is(err, ErrPersistence):
		return "persistence_error"
	case errors.Is(err, ErrTransport):
		return "transport_error"
	}
	return "internal_error"
}

// ToErrorBody converts err to its wire form.
func ToErrorBody(err error) *ErrorBody {
	if err == nil {
		return nil
	}
	body := &ErrorBody{Code: Code(err), Message: err.Error()}
	var ae *AdmissionError
	if errors.As(err, &ae) {
		body.RetryAfterMs = ae.RetryAfter.Milliseconds()
	}
	return body
}
