package models

import "time"

// MatchedValue records the value that satisfied a condition, keyed on the
// instance by the condition's metric name.
type MatchedValue struct {
	Value     any       `json:"value"`
	Unit      string    `json:"unit,omitempty"`
	Timestamp time.Time `json:"timestamp"`
}

// LocalAction records an actuator command taken during correlation.
type LocalAction struct {
	ActuatorID       string     `json:"actuator_id"`
	Command          string     `json:"command"`
	Value            float64    `json:"value,omitempty"`
	Timestamp        time.Time  `json:"timestamp"`
	Success          bool       `json:"success"`
	CancellableUntil *time.Time `json:"cancellable_until,omitempty"`
}

// SamplingRateChange records an in-effect sampling adjustment so it can be
// reverted on reset.
type SamplingRateChange struct {
	DriverID  string    `json:"driver_id"`
	RateHz    float64   `json:"rate_hz"`
	AppliedAt time.Time `json:"applied_at"`
}

// PendingGate marks an approval gate the instance is suspended on. Timeout
// timers are owned by the approval coordinator and never serialized.
type PendingGate struct {
	RegisteredAt time.Time `json:"registered_at"`
}

// FSMRuntimeState is the mutable state of one live FSM execution. Instances
// are exclusively owned by the runtime while live; the state store holds
// snapshots with all timer handles stripped (timers live in the window
// manager and approval coordinator, not here).
type FSMRuntimeState struct {
	MachineID    string `json:"machine_id"`
	InstanceID   string `json:"instance_id"`
	WorkflowID   string `json:"workflow_id"`
	NodeID       string `json:"node_id,omitempty"`
	CurrentState string `json:"current_state"`

	WindowStartedAt *time.Time `json:"window_started_at,omitempty"`
	WindowExpiresAt *time.Time `json:"window_expires_at,omitempty"`

	MatchedValues        map[string]MatchedValue `json:"matched_values"`
	StepOutputs          map[string]any          `json:"step_outputs,omitempty"`
	PendingApprovalGates map[string]PendingGate  `json:"pending_approval_gates,omitempty"`
	LocalActionsTaken    []LocalAction           `json:"local_actions_taken,omitempty"`
	SamplingRateChanges  []SamplingRateChange    `json:"active_sampling_rate_changes,omitempty"`

	CreatedAt        time.Time `json:"created_at"`
	LastTransitionAt time.Time `json:"last_transition_at"`
}

// NewFSMRuntimeState creates a fresh instance in the machine's initial state.
func NewFSMRuntimeState(d *FSMDescriptor, instanceID, workflowID, nodeID string, now time.Time) *FSMRuntimeState {
	return &FSMRuntimeState{
		MachineID:            d.MachineID,
		InstanceID:           instanceID,
		WorkflowID:           workflowID,
		NodeID:               nodeID,
		CurrentState:         d.InitialState,
		MatchedValues:        make(map[string]MatchedValue),
		StepOutputs:          make(map[string]any),
		PendingApprovalGates: make(map[string]PendingGate),
		CreatedAt:            now,
		LastTransitionAt:     now,
	}
}
