package models

// HandlerActionKind tags a parallel handler action.
type HandlerActionKind string

const (
	HandlerAlert              HandlerActionKind = "alert"
	HandlerCreateTicket       HandlerActionKind = "create_ticket"
	HandlerDispatchRemoteCmd  HandlerActionKind = "dispatch_remote_command"
	HandlerEvaluateAndForward HandlerActionKind = "evaluate_and_forward"
	HandlerCallHTTP           HandlerActionKind = "call_http"
	HandlerPersistEvent       HandlerActionKind = "persist_event"
	HandlerAuditLog           HandlerActionKind = "audit_log"
)

// HandlerAction is one parallel action of a propagated-event handler.
type HandlerAction struct {
	Kind HandlerActionKind `json:"kind" yaml:"kind"`

	// alert / create_ticket
	Message  string `json:"message,omitempty" yaml:"message,omitempty"`
	Severity string `json:"severity,omitempty" yaml:"severity,omitempty"`

	// dispatch_remote_command / evaluate_and_forward
	TargetNodeID string         `json:"target_node_id,omitempty" yaml:"target_node_id,omitempty"`
	Command      *RemoteCommand `json:"command,omitempty" yaml:"command,omitempty"`
	// AckTimeoutMS, when set, would enqueue undelivered commands for retry.
	// The contract exposes the hook; delivery retry itself is out of scope.
	AckTimeoutMS int64 `json:"ack_timeout_ms,omitempty" yaml:"ack_timeout_ms,omitempty"`

	// evaluate_and_forward: reads the named precursor signal off the event,
	// evaluates Condition with it bound as "signal", and dispatches one of
	// the two commands.
	SignalName     string         `json:"signal_name,omitempty" yaml:"signal_name,omitempty"`
	Condition      string         `json:"condition,omitempty" yaml:"condition,omitempty"`
	CommandOnTrue  *RemoteCommand `json:"command_on_true,omitempty" yaml:"command_on_true,omitempty"`
	CommandOnFalse *RemoteCommand `json:"command_on_false,omitempty" yaml:"command_on_false,omitempty"`

	// call_http
	URL    string            `json:"url,omitempty" yaml:"url,omitempty"`
	Method string            `json:"method,omitempty" yaml:"method,omitempty"`
	Slots  map[string]string `json:"slots,omitempty" yaml:"slots,omitempty"`
}

// HandlerDescriptor reacts to propagated events of one machine. Parallel
// actions run and settle before the pipeline starts.
type HandlerDescriptor struct {
	HandlerID            string          `json:"handler_id" yaml:"handler_id"`
	WorkflowID           string          `json:"workflow_id" yaml:"workflow_id"`
	TriggeredByMachineID string          `json:"triggered_by_machine_id" yaml:"triggered_by_machine_id"`
	MinSatisfactionLevel float64         `json:"min_satisfaction_level,omitempty" yaml:"min_satisfaction_level,omitempty"`
	ParallelActions      []HandlerAction `json:"parallel_actions,omitempty" yaml:"parallel_actions,omitempty"`
	Pipeline             []PipelineStep  `json:"pipeline,omitempty" yaml:"pipeline,omitempty"`
}
