package api

import (
	"net/http"

	echo "github.com/labstack/echo/v5"
)

// healthHandler handles GET /healthz. Only in-process components are
// reported; external services are deliberately excluded so an orchestrator
// never restarts the engine for someone else's outage.
func (s *Server) healthHandler(c *echo.Context) error {
	deployed := s.runtime.Deployed()
	instances := 0
	for _, m := range deployed {
		instances += m.Instances
	}
	pending, _ := s.approvals.Summary()

	return c.JSON(http.StatusOK, &HealthResponse{
		Status:           "healthy",
		Machines:         len(deployed),
		Instances:        instances,
		PendingApprovals: pending,
	})
}
