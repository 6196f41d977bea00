package api

import (
	"errors"
	"fmt"
	"io"
	"net/http"

	"github.com/goccy/go-json"
	"github.com/labstack/echo/v5"

	"github.com/samcharles93/slim/internal/calib"
	"github.com/samcharles93/slim/internal/fp8"
	"github.com/samcharles93/slim/internal/observer"
	"github.com/samcharles93/slim/internal/tensor"
)

// ErrInvalidRequest marks request bodies the API refuses before they reach
// a session.
var ErrInvalidRequest = errors.New("invalid request")

func invalidRequestf(format string, args ...any) error {
	return fmt.Errorf("%w: "+format, append([]any{ErrInvalidRequest}, args...)...)
}

func writeBadRequest(c *echo.Context, msg string) error {
	return writeError(c, http.StatusBadRequest, "invalid_request_error", msg)
}

func writeNotFound(c *echo.Context, msg string) error {
	return writeError(c, http.StatusNotFound, "not_found_error", msg)
}

func writeError(c *echo.Context, status int, errType, msg string) error {
	return c.JSON(status, map[string]any{
		"error": ResponseError{
			Message: msg,
			Type:    errType,
		},
	})
}

// writeDomainError maps calibration errors onto HTTP statuses.
func writeDomainError(c *echo.Context, err error) error {
	switch {
	case errors.Is(err, calib.ErrUnknownTensor):
		return writeNotFound(c, err.Error())
	case errors.Is(err, ErrInvalidRequest),
		errors.Is(err, observer.ErrEmptyTensor),
		errors.Is(err, observer.ErrNonFinite),
		errors.Is(err, fp8.ErrUnknownFormat),
		errors.Is(err, tensor.ErrShapeMismatch),
		errors.Is(err, tensor.ErrInvalidShape):
		return writeBadRequest(c, err.Error())
	default:
		return writeError(c, http.StatusInternalServerError, "server_error", err.Error())
	}
}

func decodeJSON[T any](r io.Reader) (T, error) {
	var out T
	dec := json.NewDecoder(r)
	dec.DisallowUnknownFields()
	if err := dec.Decode(&out); err != nil {
		return out, invalidRequestf("invalid JSON body: %v", err)
	}
	return out, nil
}
