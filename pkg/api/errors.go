package api

import (
	"errors"
	"log/slog"
	"net/http"

	echo "github.com/labstack/echo/v5"

	"github.com/corrflow/corrflow/pkg/approval"
	"github.com/corrflow/corrflow/pkg/fsm"
	"github.com/corrflow/corrflow/pkg/models"
)

// mapApprovalError maps coordinator errors to HTTP error responses.
func mapApprovalError(err error) *echo.HTTPError {
	if errors.Is(err, approval.ErrGateNotFound) {
		return echo.NewHTTPError(http.StatusNotFound, "approval gate not found")
	}
	if errors.Is(err, approval.ErrGateNotPending) {
		return echo.NewHTTPError(http.StatusBadRequest, "approval gate is not pending")
	}
	if errors.Is(err, approval.ErrInvalidDecision) {
		return echo.NewHTTPError(http.StatusBadRequest, "decision must be APPROVED or REJECTED")
	}

	slog.Error("Unexpected approval error", "error", err)
	return echo.NewHTTPError(http.StatusInternalServerError, "internal server error")
}

// mapDeployError maps runtime deploy errors to HTTP error responses.
func mapDeployError(err error) *echo.HTTPError {
	if errors.Is(err, models.ErrInvalidDescriptor) {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	if errors.Is(err, fsm.ErrMachineDeployed) {
		return echo.NewHTTPError(http.StatusConflict, err.Error())
	}

	slog.Error("Unexpected deploy error", "error", err)
	return echo.NewHTTPError(http.StatusInternalServerError, "internal server error")
}
