package service

import (
	"errors"
	"net/http"

	"github.com/charmbracelet/log"
	"github.com/gofiber/fiber/v3"
	"github.com/gofiber/fiber/v3/middleware/requestid"
	memerr "github.com/theapemachine/memcube/pkg/errors"
)

// Envelope wraps every response body. Code always equals the HTTP status.
type Envelope struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
	Data    any    `json:"data"`
}

func respond(c fiber.Ctx, message string, data any) error {
	return c.Status(http.StatusOK).JSON(Envelope{Code: http.StatusOK, Message: message, Data: data})
}

/*
errorHandler renders any error returned by a handler or middleware as an
envelope. Errors without a kind are internal and their text is not echoed.
*/
func errorHandler(c fiber.Ctx, err error) error {
	envelope := Envelope{Code: http.StatusInternalServerError, Message: "internal error"}

	var fiberErr *fiber.Error

	switch merr, ok := memerr.As(err); {
	case ok:
		envelope.Code = merr.Code
		envelope.Message = merr.Message
		envelope.Data = merr.Data
	case errors.As(err, &fiberErr):
		envelope.Code = fiberErr.Code
		envelope.Message = fiberErr.Message
	}

	if envelope.Code >= http.StatusInternalServerError {
		log.Error(
			"request failed",
			"method", c.Method(), "path", c.Path(), "request_id", requestid.FromContext(c), "error", err,
		)
	}

	return c.Status(envelope.Code).JSON(envelope)
}
