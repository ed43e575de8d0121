package api

import (
	"errors"
	"net/http"

	"github.com/labstack/echo/v4"
	"github.com/rs/zerolog"

	"inquirychat/pkg/types"
)

// ErrorResponse is the body of every failed request
type ErrorResponse struct {
	Error   string `json:"error"`
	Code    int    `json:"code"`
	Message string `json:"message"`
}

// httpStatus maps a taxonomy error to its status code
func httpStatus(err error) int {
	switch types.Kind(err) {
	case types.ErrBadRequest:
		return http.StatusBadRequest
	case types.ErrUnauthenticated:
		return http.StatusUnauthorized
	case types.ErrForbidden:
		return http.StatusForbidden
	case types.ErrNotFound:
		return http.StatusNotFound
	case types.ErrInvalidTransition, types.ErrConflict:
		return http.StatusConflict
	default:
		return http.StatusInternalServerError
	}
}

// errorHandler renders handler errors. Internal failures are logged and
// reported without detail.
func errorHandler(logger zerolog.Logger) echo.HTTPErrorHandler {
	return func(err error, c echo.Context) {
		if c.Response().Committed {
			return
		}

		var resp ErrorResponse
		var he *echo.HTTPError
		if errors.As(err, &he) {
			resp = ErrorResponse{
				Error:   http.StatusText(he.Code),
				Code:    he.Code,
				Message: http.StatusText(he.Code),
			}
			if msg, ok := he.Message.(string); ok {
				resp.Message = msg
			}
		} else {
			code := httpStatus(err)
			resp = ErrorResponse{
				Error:   types.Kind(err).Error(),
				Code:    code,
				Message: err.Error(),
			}
			if code == http.StatusInternalServerError {
				logger.Error().Err(err).Str("path", c.Request().URL.Path).Msg("request failed")
				resp.Message = types.ErrInternal.Error()
			}
		}

		var writeErr error
		if c.Request().Method == http.MethodHead {
			writeErr = c.NoContent(resp.Code)
		} else {
			writeErr = c.JSON(resp.Code, resp)
		}
		if writeErr != nil {
			logger.Debug().Err(writeErr).Msg("failed to write error response")
		}
	}
}
