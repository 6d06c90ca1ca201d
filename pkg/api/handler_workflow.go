package api

import (
	"log/slog"
	"net/http"

	echo "github.com/labstack/echo/v5"

	"github.com/corrflow/corrflow/pkg/models"
)

// listWorkflowsHandler handles GET /api/v1/workflows.
func (s *Server) listWorkflowsHandler(c *echo.Context) error {
	return c.JSON(http.StatusOK, s.runtime.Deployed())
}

// deployWorkflowHandler handles POST /api/v1/workflows. The body carries the
// compiled machines and handlers of one workflow; deployment is atomic, a
// failed machine rolls the whole workflow back.
func (s *Server) deployWorkflowHandler(c *echo.Context) error {
	var req DeployWorkflowRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	if req.WorkflowID == "" {
		return echo.NewHTTPError(http.StatusBadRequest, "workflow_id is required")
	}
	if len(req.Machines) == 0 && len(req.Handlers) == 0 {
		return echo.NewHTTPError(http.StatusBadRequest, "workflow has no machines and no handlers")
	}
	for i := range req.Handlers {
		h := &req.Handlers[i]
		if h.TriggeredByMachineID == "" {
			return echo.NewHTTPError(http.StatusBadRequest, "handler "+h.HandlerID+" has no triggered_by_machine_id")
		}
		if err := models.ValidatePipeline(h.Pipeline); err != nil {
			return echo.NewHTTPError(http.StatusBadRequest, err.Error())
		}
	}

	ctx := c.Request().Context()
	for i := range req.Machines {
		if err := s.runtime.DeployFSM(ctx, req.WorkflowID, &req.Machines[i]); err != nil {
			s.runtime.UndeployWorkflow(ctx, req.WorkflowID)
			return mapDeployError(err)
		}
	}
	for i := range req.Handlers {
		h := req.Handlers[i]
		h.WorkflowID = req.WorkflowID
		s.handlers.RegisterHandler(h)
	}

	slog.Info("Workflow deployed via API",
		"workflow_id", req.WorkflowID,
		"machines", len(req.Machines), "handlers", len(req.Handlers))

	return c.JSON(http.StatusCreated, &DeployResponse{
		WorkflowID: req.WorkflowID,
		Machines:   len(req.Machines),
		Handlers:   len(req.Handlers),
	})
}

// undeployWorkflowHandler handles DELETE /api/v1/workflows/:workflow_id.
func (s *Server) undeployWorkflowHandler(c *echo.Context) error {
	workflowID := c.Param("workflow_id")
	if workflowID == "" {
		return echo.NewHTTPError(http.StatusBadRequest, "workflow_id is required")
	}

	machines := s.runtime.UndeployWorkflow(c.Request().Context(), workflowID)
	handlers := s.handlers.UnregisterWorkflow(workflowID)
	if machines == 0 && handlers == 0 {
		return echo.NewHTTPError(http.StatusNotFound, "workflow not found")
	}

	return c.JSON(http.StatusOK, &UndeployResponse{
		WorkflowID:      workflowID,
		MachinesRemoved: machines,
		HandlersRemoved: handlers,
	})
}
