package handler

import (
	"errors"
	"math"
	"strconv"
	"time"

	"github.com/gofiber/fiber/v2"

	"dfeingest/internal/dfe"
	"dfeingest/internal/http/middleware"
	"dfeingest/internal/pipeline"
	"dfeingest/internal/service"
)

// errorPayload defines the standardized error response body.
type errorPayload struct {
	RequestID string        `json:"request_id"`
	Error     errorEnvelope `json:"error"`
}

type errorEnvelope struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// writeError writes the standard error body. code is machine readable
// (INVALID_INPUT, NOT_FOUND, ...); message must not carry internal details.
func writeError(c *fiber.Ctx, status int, code, message string) error {
	return c.Status(status).JSON(errorPayload{
		RequestID: middleware.RequestIDFrom(c),
		Error:     errorEnvelope{Code: code, Message: message},
	})
}

// writeServiceError maps operation errors onto HTTP statuses. Validation
// messages are safe to echo; everything else gets a fixed message.
func writeServiceError(c *fiber.Ctx, err error) error {
	var (
		rl *dfe.RateLimitedError
		se *pipeline.StageError
	)
	switch {
	case errors.Is(err, service.ErrInvalidInput), errors.Is(err, dfe.ErrUnsupportedType):
		return writeError(c, fiber.StatusBadRequest, "INVALID_INPUT", err.Error())
	case errors.Is(err, service.ErrNotFound):
		return writeError(c, fiber.StatusNotFound, "NOT_FOUND", "document not found")
	case errors.Is(err, pipeline.ErrTerminal):
		return writeError(c, fiber.StatusConflict, "DOCUMENT_TERMINAL", "document is completed or cancelled")
	case errors.As(err, &rl):
		if secs := retryAfterSeconds(rl); secs > 0 {
			c.Set(fiber.HeaderRetryAfter, strconv.Itoa(secs))
		}
		return writeError(c, fiber.StatusTooManyRequests, "RATE_LIMITED", "distribution endpoint is rate limited")
	case errors.Is(err, dfe.ErrAuthenticationFailed):
		return writeError(c, fiber.StatusBadGateway, "AUTHENTICATION_FAILED", "certificate rejected or unavailable")
	case errors.Is(err, dfe.ErrUpstreamSchema):
		return writeError(c, fiber.StatusBadGateway, "UPSTREAM_SCHEMA", "distribution endpoint returned an unexpected response")
	case errors.Is(err, dfe.ErrTransientNetwork):
		return writeError(c, fiber.StatusServiceUnavailable, "UPSTREAM_UNAVAILABLE", "distribution endpoint unavailable")
	case errors.As(err, &se):
		return writeError(c, fiber.StatusUnprocessableEntity, "STAGE_FAILED", "stage "+string(se.Stage)+" failed")
	}
	return writeError(c, fiber.StatusInternalServerError, "INTERNAL_ERROR", "internal server error")
}

func retryAfterSeconds(e *dfe.RateLimitedError) int {
	d := e.RetryAfter
	if !e.Until.IsZero() {
		d = time.Until(e.Until)
	}
	if d <= 0 {
		return 0
	}
	return int(math.Ceil(d.Seconds()))
}

// ErrorHandler returns a Fiber global error handler that standardizes error responses.
func ErrorHandler() fiber.ErrorHandler {
	return func(c *fiber.Ctx, err error) error {
		status := fiber.StatusInternalServerError
		if e, ok := err.(*fiber.Error); ok {
			status = e.Code
		}

		switch status {
		case fiber.StatusBadRequest:
			return writeError(c, status, "BAD_REQUEST", "bad request")
		case fiber.StatusNotFound:
			return writeError(c, status, "NOT_FOUND", "resource not found")
		case fiber.StatusMethodNotAllowed:
			return writeError(c, status, "METHOD_NOT_ALLOWED", "method not allowed")
		case fiber.StatusRequestEntityTooLarge:
			return writeError(c, status, "PAYLOAD_TOO_LARGE", "request body too large")
		default:
			return writeError(c, status, "INTERNAL_ERROR", "internal server error")
		}
	}
}
