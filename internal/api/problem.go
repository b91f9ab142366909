package api

import (
	"errors"

	"github.com/gofiber/fiber/v2"

	cerrors "github.com/conductorhq/conductor/internal/errors"
)

// ProblemDetail is an RFC 7807 error body. Every non-2xx response uses it.
type ProblemDetail struct {
	Type     string `json:"type"`
	Title    string `json:"title"`
	Status   int    `json:"status"`
	Detail   string `json:"detail,omitempty"`
	Instance string `json:"instance,omitempty"`
}

// problemResponse writes an RFC 7807 Problem Detail error response.
func problemResponse(c *fiber.Ctx, status int, errType, title, detail string) error {
	return c.Status(status).JSON(ProblemDetail{
		Type:     errType,
		Title:    title,
		Status:   status,
		Detail:   detail,
		Instance: c.Path(),
	})
}

// problemFromError maps domain errors onto HTTP problem responses.
func problemFromError(c *fiber.Ctx, err error) error {
	switch {
	case errors.Is(err, cerrors.ErrNotFound):
		return problemResponse(c, fiber.StatusNotFound,
			"not_found", "Not Found", err.Error())
	case errors.Is(err, cerrors.ErrInvalidInput):
		return problemResponse(c, fiber.StatusBadRequest,
			"invalid_input", "Bad Request", err.Error())
	case errors.Is(err, cerrors.ErrRepoLocked):
		return problemResponse(c, fiber.StatusConflict,
			"repo_locked", "Conflict", err.Error())
	case errors.Is(err, cerrors.ErrNoToken):
		return problemResponse(c, fiber.StatusConflict,
			"no_token", "Conflict", err.Error())
	case errors.Is(err, cerrors.ErrUnavailable):
		return problemResponse(c, fiber.StatusServiceUnavailable,
			"unavailable", "Service Unavailable", err.Error())
	case errors.Is(err, cerrors.ErrTimeout):
		return problemResponse(c, fiber.StatusGatewayTimeout,
			"timeout", "Gateway Timeout", err.Error())
	default:
		return problemResponse(c, fiber.StatusInternalServerError,
			"internal_error", "Internal Server Error", err.Error())
	}
}
