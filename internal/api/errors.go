package api

import (
	"errors"
	"net/http"

	"github.com/labstack/echo/v5"

	"github.com/samcharles93/spindle/internal/inference"
)

var ErrInvalidRequest = errors.New("invalid request")

type invalidRequestError struct {
	msg string
}

func (e invalidRequestError) Error() string {
	return e.msg
}

func (e invalidRequestError) Unwrap() error {
	return ErrInvalidRequest
}

func newInvalidRequest(msg string) error {
	return invalidRequestError{msg: msg}
}

// errorEvent classifies err for the wire. Malformed requests are reported as
// ConfigError.
func errorEvent(sessionID string, err error) (int, inference.ErrorEvent) {
	if errors.Is(err, ErrInvalidRequest) {
		return http.StatusBadRequest, inference.ErrorEvent{
			SessionID: sessionID,
			Kind:      inference.KindConfig,
			Message:   err.Error(),
		}
	}
	return inference.StatusOf(err), inference.ErrorEventOf(sessionID, err)
}

func writeError(c *echo.Context, status int, ev inference.ErrorEvent) error {
	return c.JSON(status, map[string]any{"error": ev})
}

func writeBadRequest(c *echo.Context, sessionID, msg string) error {
	return writeEngineError(c, sessionID, newInvalidRequest(msg))
}

func writeEngineError(c *echo.Context, sessionID string, err error) error {
	status, ev := errorEvent(sessionID, err)
	return writeError(c, status, ev)
}
