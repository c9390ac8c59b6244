package api

import (
	"errors"
	"fmt"
	"net/http"
	"time"

	echo "github.com/labstack/echo/v5"

	"github.com/kestrelcall/kestrel/pkg/services"
	"github.com/kestrelcall/kestrel/pkg/store"
)

// errorBody is the error half of the uniform response envelope.
type errorBody struct {
	Code    string `json:"code"`
	Message string `json:"message"`
	Details any    `json:"details,omitempty"`
}

// errorEnvelope is rendered for every failed non-webhook request.
type errorEnvelope struct {
	Success   bool      `json:"success"`
	Error     errorBody `json:"error"`
	Timestamp time.Time `json:"timestamp"`
}

// errorHandler is the single translation point from handler errors to HTTP.
// Handlers return service-layer errors untouched; the taxonomy mapping and
// the envelope shape live here and nowhere else.
func (s *Server) errorHandler(c *echo.Context, err error) {
	if resp, uerr := echo.UnwrapResponse(c.Response()); uerr == nil && resp.Committed {
		return
	}

	status, body := s.classify(err)
	if status >= http.StatusInternalServerError {
		s.logger.Error("request failed",
			"request_id", requestIDFrom(c),
			"method", c.Request().Method,
			"path", c.Request().URL.Path,
			"error", err)
	}

	if c.Request().Method == http.MethodHead {
		if werr := c.NoContent(status); werr != nil {
			s.logger.Warn("failed to write error response", "error", werr)
		}
		return
	}

	env := errorEnvelope{Error: body, Timestamp: time.Now().UTC()}
	if werr := c.JSON(status, env); werr != nil {
		s.logger.Warn("failed to write error response", "error", werr)
	}
}

// classify maps an error onto its HTTP status and envelope body.
func (s *Server) classify(err error) (int, errorBody) {
	var validErr *services.ValidationError
	if errors.As(err, &validErr) {
		return http.StatusBadRequest, errorBody{
			Code:    "validation",
			Message: validErr.Message,
			Details: map[string]string{"field": validErr.Field},
		}
	}

	var httpErr *echo.HTTPError
	if errors.As(err, &httpErr) {
		return httpErr.Code, errorBody{
			Code:    codeForStatus(httpErr.Code),
			Message: fmt.Sprintf("%v", httpErr.Message),
		}
	}

	switch {
	case errors.Is(err, services.ErrNotFound), errors.Is(err, store.ErrNotFound):
		return http.StatusNotFound, errorBody{Code: "not_found", Message: "resource not found"}
	case errors.Is(err, services.ErrInvalidState):
		return http.StatusConflict, errorBody{Code: "conflict", Message: err.Error()}
	case errors.Is(err, services.ErrAlreadyExists):
		return http.StatusConflict, errorBody{Code: "conflict", Message: "resource already exists"}
	case errors.Is(err, services.ErrUnavailable), errors.Is(err, store.ErrUnavailable):
		return http.StatusServiceUnavailable, errorBody{Code: "unavailable", Message: "service temporarily unavailable"}
	}

	return http.StatusInternalServerError, errorBody{Code: "internal", Message: "internal server error"}
}

func codeForStatus(status int) string {
	switch status {
	case http.StatusBadRequest, http.StatusRequestEntityTooLarge:
		return "validation"
	case http.StatusUnauthorized, http.StatusForbidden:
		return "auth_failure"
	case http.StatusNotFound, http.StatusMethodNotAllowed:
		return "not_found"
	case http.StatusConflict:
		return "conflict"
	case http.StatusTooManyRequests:
		return "rate_limited"
	case http.StatusServiceUnavailable:
		return "unavailable"
	}
	return "internal"
}
