package server

import (
	"errors"

	"github.com/go-playground/validator/v10"
	"github.com/gofiber/fiber/v2"
	"github.com/rs/zerolog/log"

	"smartdocs/internal/models"
	"smartdocs/internal/task"
)

type Response struct {
	Message string `json:"message"`
	Data    any    `json:"data"`
}

func SuccessResponse(message string, data any) Response {
	return Response{Message: message, Data: data}
}

func ErrorResponse(message string, data any) Response {
	return Response{Message: message, Data: data}
}

var validate = validator.New(validator.WithRequiredStructEnabled())

func validateRequest(req any) error {
	if err := validate.Struct(req); err != nil {
		return fiber.NewError(fiber.StatusBadRequest, err.Error())
	}
	return nil
}

// statusFor maps domain errors onto HTTP status codes.
func statusFor(err error) int {
	var fe *fiber.Error
	var ve validator.ValidationErrors
	switch {
	case errors.As(err, &fe):
		return fe.Code
	case errors.As(err, &ve),
		errors.Is(err, models.ErrEmptyQuestion),
		errors.Is(err, models.ErrNoUploads):
		return fiber.StatusBadRequest
	case errors.Is(err, models.ErrSessionNotFound),
		errors.Is(err, task.ErrTaskNotFound):
		return fiber.StatusNotFound
	case errors.Is(err, models.ErrSessionBusy):
		return fiber.StatusConflict
	case errors.Is(err, models.ErrUnsupportedFile),
		errors.Is(err, models.ErrEmptyExtraction),
		errors.Is(err, models.ErrIndexNotFound),
		errors.Is(err, models.ErrEmbeddingMismatch):
		return fiber.StatusUnprocessableEntity
	case errors.Is(err, models.ErrGeneration):
		return fiber.StatusBadGateway
	default:
		return fiber.StatusInternalServerError
	}
}

func errorHandler(c *fiber.Ctx, err error) error {
	code := statusFor(err)
	ev := log.Debug()
	if code >= fiber.StatusInternalServerError {
		ev = log.Error()
	}
	ev.Err(err).Str("path", c.Path()).Int("status", code).Msg("Request failed")
	return c.Status(code).JSON(ErrorResponse(err.Error(), nil))
}
