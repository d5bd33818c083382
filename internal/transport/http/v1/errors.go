package v1

import (
	"errors"
	"math"
	"net/http"
	"strconv"

	"github.com/labstack/echo/v4"

	"github.com/xiaot623/gogo/chatcore/internal/domain"
	"github.com/xiaot623/gogo/chatcore/internal/observability"
	"github.com/xiaot623/gogo/chatcore/internal/ratelimit"
)

// ErrorResponse is the body of every failed request.
type ErrorResponse struct {
	Error *domain.ErrorBody `json:"error"`
	// Message is the visible message left in the session, if any.
	Message *domain.Message `json:"message,omitempty"`
}

// StatusOf maps err to its HTTP status.
func StatusOf(err error) int {
	switch {
	case errors.Is(err, domain.ErrValidation):
		return http.StatusBadRequest
	case errors.Is(err, domain.ErrUnauthenticated):
		return http.StatusUnauthorized
	case errors.Is(err, domain.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, domain.ErrSessionBusy):
		return http.StatusConflict
	case errors.Is(err, domain.ErrAdmissionDenied):
		return http.StatusTooManyRequests
	case errors.Is(err, domain.ErrPersistence):
		return http.StatusServiceUnavailable
	case errors.Is(err, domain.ErrTransport):
		return http.StatusBadGateway
	}
	return http.StatusInternalServerError
}

// WriteError renders err. Admission denials carry a Retry-After header.
func WriteError(c echo.Context, err error) error {
	return writeError(c, err, nil)
}

func writeError(c echo.Context, err error, msg *domain.Message) error {
	status := StatusOf(err)
	if status == http.StatusInternalServerError {
		observability.LoggerFromContext(c.Request().Context()).Error("request failed",
			"method", c.Request().Method, "path", c.Path(), "error", err)
	}
	var ae *domain.AdmissionError
	if errors.As(err, &ae) {
		c.Response().Header().Set("Retry-After", strconv.Itoa(retryAfterSeconds(ae.RetryAfter.Seconds())))
	}
	return c.JSON(status, ErrorResponse{Error: domain.ToErrorBody(err), Message: msg})
}

func badRequest(c echo.Context, field, reason string) error {
	return WriteError(c, domain.NewValidationError(field, reason))
}

// writeRateHeaders reports the caller's quota for the route class.
func writeRateHeaders(c echo.Context, d ratelimit.Decision) {
	if d.Limit <= 0 {
		return
	}
	h := c.Response().Header()
	h.Set("X-RateLimit-Limit", strconv.Itoa(d.Limit))
	h.Set("X-RateLimit-Remaining", strconv.Itoa(d.Remaining))
	if !d.ResetAt.IsZero() {
		h.Set("X-RateLimit-Reset", strconv.FormatInt(d.ResetAt.Unix(), 10))
	}
}

func retryAfterSeconds(s float64) int {
	return max(int(math.Ceil(s)), 1)
}
