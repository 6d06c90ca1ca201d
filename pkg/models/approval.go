package models

import "time"

// Approval decisions. TimedOut is synthesized by the coordinator when a gate
// expires without a human decision.
const (
	DecisionApproved = "approved"
	DecisionRejected = "rejected"
	DecisionTimedOut = "timed_out"
)

// Gate lifecycle statuses.
const (
	GateStatusPending   = "pending"
	GateStatusApproved  = "approved"
	GateStatusRejected  = "rejected"
	GateStatusTimedOut  = "timed_out"
	GateStatusCancelled = "cancelled"
)

// ApprovalGateDescriptor is the compiled shape of a human approval gate.
type ApprovalGateDescriptor struct {
	GateID string `json:"gate_id" yaml:"gate_id"`
	Title  string `json:"title,omitempty" yaml:"title,omitempty"`
	Prompt string `json:"prompt,omitempty" yaml:"prompt,omitempty"`
	// TimeoutMS bounds how long the gate stays pending.
	TimeoutMS int64 `json:"timeout_ms" yaml:"timeout_ms"`
	// FallbackDecision optionally maps a timeout onto approved/rejected.
	// Empty means the timeout event carries decision=timed_out as-is.
	FallbackDecision string `json:"fallback_decision,omitempty" yaml:"fallback_decision,omitempty"`
	// ContextSources are dot paths resolved against the triggering scope to
	// build the snapshot shown to the approver.
	ContextSources []string `json:"context_sources,omitempty" yaml:"context_sources,omitempty"`
	// ResponseChannel names the configured notification channel (e.g. a
	// Slack channel id). Empty disables notifications.
	ResponseChannel string `json:"response_channel,omitempty" yaml:"response_channel,omitempty"`
}

// ApprovalGate is a registered pending gate.
type ApprovalGate struct {
	Descriptor      ApprovalGateDescriptor `json:"descriptor"`
	GateID          string                 `json:"gate_id"`
	InstanceID      string                 `json:"instance_id,omitempty"`
	MachineID       string                 `json:"machine_id,omitempty"`
	WorkflowID      string                 `json:"workflow_id,omitempty"`
	Status          string                 `json:"status"`
	ContextSnapshot map[string]any         `json:"context_snapshot,omitempty"`
	RegisteredAt    time.Time              `json:"registered_at"`
}

// ApprovalDecision is a resolved human (or synthetic) decision.
type ApprovalDecision struct {
	GateID    string    `json:"gate_id"`
	Decision  string    `json:"decision"`
	DecidedBy string    `json:"decided_by"`
	DecidedAt time.Time `json:"decided_at"`
	Comment   string    `json:"comment,omitempty"`
}
