package api

// HealthResponse is the /healthz body.
type HealthResponse struct {
	Status           string `json:"status"`
	Machines         int    `json:"machines"`
	Instances        int    `json:"instances"`
	PendingApprovals int    `json:"pending_approvals"`
}

// SummaryResponse is the GET /approvals/summary body.
type SummaryResponse struct {
	Pending int `json:"pending"`
	Total   int `json:"total"`
}

// DecisionResponse acknowledges a recorded approval decision.
type DecisionResponse struct {
	OK       bool   `json:"ok"`
	GateID   string `json:"gate_id"`
	Decision string `json:"decision"`
}

// CancelResponse acknowledges a gate cancellation.
type CancelResponse struct {
	OK     bool   `json:"ok"`
	GateID string `json:"gate_id"`
	Status string `json:"status"`
}

// DeployResponse acknowledges a workflow deployment.
type DeployResponse struct {
	WorkflowID string `json:"workflow_id"`
	Machines   int    `json:"machines"`
	Handlers   int    `json:"handlers"`
}

// UndeployResponse reports what a workflow removal tore down.
type UndeployResponse struct {
	WorkflowID      string `json:"workflow_id"`
	MachinesRemoved int    `json:"machines_removed"`
	HandlersRemoved int    `json:"handlers_removed"`
}
