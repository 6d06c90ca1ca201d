package models

// ActionKind tags an on-entry action.
type ActionKind string

const (
	ActionLog                  ActionKind = "log"
	ActionStartWindowTimer     ActionKind = "start_window_timer"
	ActionCancelWindowTimer    ActionKind = "cancel_window_timer"
	ActionResetFSM             ActionKind = "reset_fsm"
	ActionIncreaseSamplingRate ActionKind = "increase_sampling_rate"
	ActionResetSamplingRate    ActionKind = "reset_sampling_rate"
	ActionControlActuator      ActionKind = "control_actuator"
	ActionPropagatePartial     ActionKind = "propagate_partial"
	ActionPropagateEnriched    ActionKind = "propagate_enriched"
	ActionLLMCall              ActionKind = "llm_call"
	ActionMLScoreCall          ActionKind = "ml_score_call"
	ActionCRMQuery             ActionKind = "crm_query"
	ActionParallelFetch        ActionKind = "parallel_fetch"
	ActionHumanApprovalGate    ActionKind = "human_approval_gate"
)

// OnEntryAction is a tagged union executed, in declaration order, when a
// transition lands in its target state. Only the fields relevant to Kind are
// populated.
type OnEntryAction struct {
	Kind ActionKind `json:"kind" yaml:"kind"`

	// log
	Message string `json:"message,omitempty" yaml:"message,omitempty"`

	// start_window_timer: override of the machine window when non-zero.
	TimerMS int64 `json:"timer_ms,omitempty" yaml:"timer_ms,omitempty"`

	// control_actuator
	ActuatorID           string  `json:"actuator_id,omitempty" yaml:"actuator_id,omitempty"`
	Command              string  `json:"command,omitempty" yaml:"command,omitempty"`
	Value                float64 `json:"value,omitempty" yaml:"value,omitempty"`
	CancellationWindowMS int64   `json:"cancellation_window_ms,omitempty" yaml:"cancellation_window_ms,omitempty"`

	// increase_sampling_rate / reset_sampling_rate
	DriverID       string  `json:"driver_id,omitempty" yaml:"driver_id,omitempty"`
	SamplingRateHz float64 `json:"sampling_rate_hz,omitempty" yaml:"sampling_rate_hz,omitempty"`

	// llm_call / ml_score_call / crm_query: the output is stored under
	// InstructionID in the instance's step outputs.
	InstructionID string              `json:"instruction_id,omitempty" yaml:"instruction_id,omitempty"`
	LLMContext    *CompiledLLMContext `json:"llm_context,omitempty" yaml:"llm_context,omitempty"`
	ConnectorID   string              `json:"connector_id,omitempty" yaml:"connector_id,omitempty"`
	PrincipalID   string              `json:"principal_id,omitempty" yaml:"principal_id,omitempty"`
	Slots         map[string]string   `json:"slots,omitempty" yaml:"slots,omitempty"`

	// parallel_fetch
	SubActions []OnEntryAction `json:"sub_actions,omitempty" yaml:"sub_actions,omitempty"`

	// human_approval_gate
	Gate *ApprovalGateDescriptor `json:"gate,omitempty" yaml:"gate,omitempty"`
}
