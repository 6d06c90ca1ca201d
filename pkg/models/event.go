package models

import "time"

// Driver IDs with engine-level meaning. Any other driver id is an opaque
// sensor/bus identifier matched against FSM subscriptions.
const (
	DriverHumanApproval = "human_approval"
	DriverRemoteSignal  = "remote_signal"
	DriverKafka         = "kafka"
)

// TriggerEvent is the unified ingress event shape. Every external stimulus,
// whether a sensor reading, message-bus record, webhook callback, or synthetic
// approval decision, arrives as one of these on the trigger bus.
type TriggerEvent struct {
	EventID         string         `json:"event_id"`
	OccurredAt      time.Time      `json:"occurred_at"`
	DriverID        string         `json:"driver_id"`
	WorkflowID      string         `json:"workflow_id,omitempty"`
	WorkflowVersion int            `json:"workflow_version,omitempty"`
	Payload         map[string]any `json:"payload"`
	Source          string         `json:"source,omitempty"`
}

// RemoteCommand is the egress payload emitted toward an edge node.
type RemoteCommand struct {
	CommandID       string         `json:"command_id"`
	Command         string         `json:"command"`
	Params          map[string]any `json:"params,omitempty"`
	SourceEventID   string         `json:"source_event_id,omitempty"`
	SourceMachineID string         `json:"source_machine_id,omitempty"`
	DeployFSM       *FSMDescriptor `json:"deploy_fsm,omitempty"`
}
