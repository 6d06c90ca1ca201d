package api

import (
	"net/http"
	"strings"
	"time"

	echo "github.com/labstack/echo/v5"

	"github.com/corrflow/corrflow/pkg/models"
)

// listApprovalsHandler handles GET /approvals. Pending gates only.
func (s *Server) listApprovalsHandler(c *echo.Context) error {
	return c.JSON(http.StatusOK, s.approvals.ListPending())
}

// approvalsSummaryHandler handles GET /approvals/summary.
func (s *Server) approvalsSummaryHandler(c *echo.Context) error {
	pending, total := s.approvals.Summary()
	return c.JSON(http.StatusOK, &SummaryResponse{Pending: pending, Total: total})
}

// getApprovalHandler handles GET /approvals/:gate_id. Returns the full gate
// record including the context snapshot shown to the approver.
func (s *Server) getApprovalHandler(c *echo.Context) error {
	gateID := c.Param("gate_id")
	if gateID == "" {
		return echo.NewHTTPError(http.StatusBadRequest, "gate_id is required")
	}
	gate, ok := s.approvals.Get(gateID)
	if !ok {
		return echo.NewHTTPError(http.StatusNotFound, "approval gate not found")
	}
	return c.JSON(http.StatusOK, gate)
}

// decideApprovalHandler handles POST /approvals/:gate_id.
func (s *Server) decideApprovalHandler(c *echo.Context) error {
	gateID := c.Param("gate_id")
	if gateID == "" {
		return echo.NewHTTPError(http.StatusBadRequest, "gate_id is required")
	}

	var req DecisionRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	if req.Decision == "" {
		return echo.NewHTTPError(http.StatusBadRequest, "decision field is required")
	}
	if req.DecidedBy == "" {
		return echo.NewHTTPError(http.StatusBadRequest, "decided_by field is required")
	}

	decidedAt := time.Now()
	if req.DecidedAt != nil {
		decidedAt = *req.DecidedAt
	}
	decision := models.ApprovalDecision{
		GateID:    gateID,
		Decision:  strings.ToLower(req.Decision),
		DecidedBy: req.DecidedBy,
		DecidedAt: decidedAt,
		Comment:   req.Comment,
	}
	if err := s.approvals.Resolve(decision); err != nil {
		return mapApprovalError(err)
	}
	return c.JSON(http.StatusOK, &DecisionResponse{
		OK:       true,
		GateID:   gateID,
		Decision: decision.Decision,
	})
}

// cancelApprovalHandler handles DELETE /approvals/:gate_id. Cancellation
// emits no decision event.
func (s *Server) cancelApprovalHandler(c *echo.Context) error {
	gateID := c.Param("gate_id")
	if gateID == "" {
		return echo.NewHTTPError(http.StatusBadRequest, "gate_id is required")
	}
	if !s.approvals.CancelGate(gateID) {
		return echo.NewHTTPError(http.StatusNotFound, "approval gate not found")
	}
	return c.JSON(http.StatusOK, &CancelResponse{
		OK:     true,
		GateID: gateID,
		Status: models.GateStatusCancelled,
	})
}
