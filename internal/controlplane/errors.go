package controlplane

import (
	"errors"
	"net/http"

	"github.com/labstack/echo/v4"
	"go.uber.org/zap"

	"github.com/fentz26/lexgate/internal/errs"
)

// ErrorResponse is the body of every failed request.
type ErrorResponse struct {
	Error      string                `json:"error"`
	Transition *errs.TransitionError `json:"transition,omitempty"`
}

// httpStatus maps the error taxonomy onto status codes.
func httpStatus(err error) int {
	var he *echo.HTTPError
	if errors.As(err, &he) {
		return he.Code
	}
	switch {
	case errors.Is(err, errs.ErrAlreadyTerminal):
		return http.StatusConflict
	case errors.Is(err, errs.ErrTransition):
		return http.StatusPreconditionFailed
	case errors.Is(err, errs.ErrConflict),
		errors.Is(err, errs.ErrAlreadyDecided),
		errors.Is(err, errs.ErrDuplicateSubmission):
		return http.StatusConflict
	case errors.Is(err, errs.ErrGovernance):
		return http.StatusForbidden
	case errors.Is(err, errs.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, errs.ErrStaleSource), errors.Is(err, errs.ErrMaxRetries):
		return http.StatusServiceUnavailable
	case errors.Is(err, errs.ErrInvalid):
		return http.StatusBadRequest
	}
	return http.StatusInternalServerError
}

// errorHandler renders handler errors as ErrorResponse JSON.
func (s *Server) errorHandler(err error, c echo.Context) {
	if c.Response().Committed {
		return
	}

	code := httpStatus(err)
	resp := ErrorResponse{Error: err.Error()}
	var he *echo.HTTPError
	if errors.As(err, &he) {
		if msg, ok := he.Message.(string); ok {
			resp.Error = msg
		}
	}
	var te *errs.TransitionError
	if errors.As(err, &te) {
		resp.Transition = te
	}
	if code >= http.StatusInternalServerError && code != http.StatusServiceUnavailable {
		s.logger.Error("request failed", zap.String("uri", c.Request().RequestURI), zap.Error(err))
	}

	if c.Request().Method == http.MethodHead {
		err = c.NoContent(code)
	} else {
		err = c.JSON(code, resp)
	}
	if err != nil {
		s.logger.Warn("failed to write error response", zap.Error(err))
	}
}
