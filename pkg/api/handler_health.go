package api

import (
	"context"
	"net/http"
	"strconv"
	"time"

	echo "github.com/labstack/echo/v5"

	"github.com/kestrelcall/kestrel/pkg/database"
	"github.com/kestrelcall/kestrel/pkg/version"
)

const (
	healthStatusHealthy   = "healthy"
	healthStatusUnhealthy = "unhealthy"
)

// healthHandler handles GET /health. Only this service's own components are
// checked; the telephony and AI providers are external and their outages
// must not make an orchestrator restart us.
func (s *Server) healthHandler(c *echo.Context) error {
	reqCtx, cancel := context.WithTimeout(c.Request().Context(), 5*time.Second)
	defer cancel()

	checks := make(map[string]HealthCheck)
	status := healthStatusHealthy

	dbHealth, err := database.Health(reqCtx, s.dbClient.DB())
	if err != nil {
		status = healthStatusUnhealthy
		checks["database"] = HealthCheck{Status: healthStatusUnhealthy, Message: err.Error()}
	} else {
		checks["database"] = HealthCheck{Status: healthStatusHealthy, Detail: dbHealth}
	}

	if s.bridge != nil {
		checks["bridge"] = HealthCheck{
			Status:  healthStatusHealthy,
			Message: strconv.Itoa(s.bridge.ActiveSessionCount()) + " active sessions",
		}
	}
	if s.hub != nil {
		checks["hub"] = HealthCheck{
			Status:  healthStatusHealthy,
			Message: strconv.Itoa(s.hub.ActiveConnections()) + " dashboard connections",
		}
	}

	httpStatus := http.StatusOK
	if status == healthStatusUnhealthy {
		httpStatus = http.StatusServiceUnavailable
	}
	return c.JSON(httpStatus, &HealthResponse{
		Status:  status,
		Version: version.GitCommit,
		Checks:  checks,
	})
}

// readyHandler handles GET /ready: a bare database ping for load balancers
// that only need a go/no-go.
func (s *Server) readyHandler(c *echo.Context) error {
	reqCtx, cancel := context.WithTimeout(c.Request().Context(), 2*time.Second)
	defer cancel()

	if err := s.dbClient.DB().PingContext(reqCtx); err != nil {
		return c.String(http.StatusServiceUnavailable, "not ready")
	}
	return c.String(http.StatusOK, "ready")
}
