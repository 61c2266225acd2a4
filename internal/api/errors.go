package api

import (
	"errors"
	"net/http"

	"github.com/go-playground/validator/v10"
	"github.com/labstack/echo/v4"

	"proctord/internal/session"
	"proctord/internal/store"
)

var (
	errStoreDisabled = echo.NewHTTPError(http.StatusServiceUnavailable, "violation store disabled")
	errNoGateway     = echo.NewHTTPError(http.StatusServiceUnavailable, "gateway disabled")
)

func (s *Server) errorHandler(err error, c echo.Context) {
	var (
		code    = http.StatusInternalServerError
		message any
	)

	var (
		herr *echo.HTTPError
		verr validator.ValidationErrors
	)
	switch {
	case errors.As(err, &herr):
		code = herr.Code
		message = herr.Message
		if herr.Internal != nil && code >= 500 {
			s.opts.Logger.WithContext(c.Request().Context()).Error("request failed", "error", herr.Internal)
		}
	case errors.As(err, &verr):
		fields := make(map[string]string, len(verr))
		for _, fe := range verr {
			fields[fe.Field()] = fe.Tag()
		}
		code = http.StatusBadRequest
		message = echo.Map{"error": "validation failed", "fields": fields}
	case errors.Is(err, session.ErrSessionNotFound), errors.Is(err, store.ErrNotFound):
		code = http.StatusNotFound
		message = err.Error()
	default:
		s.opts.Logger.WithContext(c.Request().Context()).Error("request failed", "error", err)
		message = http.StatusText(code)
	}

	if m, ok := message.(string); ok {
		message = echo.Map{"error": m}
	}

	if c.Response().Committed {
		return
	}
	if c.Request().Method == http.MethodHead {
		err = c.NoContent(code)
	} else {
		err = c.JSON(code, message)
	}
	if err != nil {
		s.opts.Logger.Error("failed to write error response", "error", err)
	}
}
