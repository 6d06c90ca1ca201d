package api

import (
	"time"

	"github.com/corrflow/corrflow/pkg/models"
)

// DecisionRequest is the POST /approvals/:gate_id body. Decision is matched
// case-insensitively against APPROVED / REJECTED.
type DecisionRequest struct {
	Decision  string     `json:"decision"`
	DecidedBy string     `json:"decided_by"`
	Comment   string     `json:"comment,omitempty"`
	DecidedAt *time.Time `json:"decided_at,omitempty"`
}

// DeployWorkflowRequest is the POST /api/v1/workflows body: the compiled
// artifacts of one workflow.
type DeployWorkflowRequest struct {
	WorkflowID string                     `json:"workflow_id"`
	Machines   []models.FSMDescriptor     `json:"machines,omitempty"`
	Handlers   []models.HandlerDescriptor `json:"handlers,omitempty"`
}
