package transport

import (
	"context"
	"net/http"

	"github.com/labstack/echo/v4"
)

// healthChecker is satisfied by *configrepo.DB; kept as an interface so
// transport does not need to import configrepo when no database is
// configured (FLOWTRACE_USE_DATABASE=false runs file-only).
type healthChecker interface {
	Health(ctx context.Context) error
}

type HealthController struct {
	db healthChecker // nil when running without a database backend
}

func NewHealthController(db healthChecker) *HealthController {
	return &HealthController{db: db}
}

type HealthResponse struct {
	Status   string `json:"status"`
	Database string `json:"database"`
	Message  string `json:"message,omitempty"`
}

func (h *HealthController) HealthCheck(c echo.Context) error {
	response := HealthResponse{Status: "healthy", Database: "disabled"}

	if h.db != nil {
		if err := h.db.Health(c.Request().Context()); err != nil {
			response.Status = "unhealthy"
			response.Database = "unhealthy"
			response.Message = "database connection failed: " + err.Error()
			return c.JSON(http.StatusServiceUnavailable, response)
		}
		response.Database = "healthy"
	}

	return c.JSON(http.StatusOK, response)
}
