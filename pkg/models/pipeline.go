package models

// StepKind tags a compiled pipeline step.
type StepKind string

const (
	StepLLMCall          StepKind = "llm_call"
	StepLoop             StepKind = "loop"
	StepMLScoreCall      StepKind = "ml_score_call"
	StepCRMQuery         StepKind = "crm_query"
	StepBranch           StepKind = "branch"
	StepHumanApproval    StepKind = "human_approval_gate"
	StepSendEmail        StepKind = "send_email"
	StepWriteCRM         StepKind = "write_crm"
	StepAlert            StepKind = "alert"
	StepCallHTTP         StepKind = "call_http"
	StepLog              StepKind = "log"
	StepConnectorAction  StepKind = "connector_action"
	StepMultiLLMPipeline StepKind = "multi_llm_pipeline"
)

// RetryPolicy retries a failing step with exponential backoff:
// backoff_ms * multiplier^(attempt-1).
type RetryPolicy struct {
	MaxAttempts       int     `json:"max_attempts" yaml:"max_attempts"`
	BackoffMS         int64   `json:"backoff_ms" yaml:"backoff_ms"`
	BackoffMultiplier float64 `json:"backoff_multiplier,omitempty" yaml:"backoff_multiplier,omitempty"`
}

// Loop exhaustion strategies.
const (
	LoopUseBestAttempt = "use_best_attempt"
	LoopUseLastAttempt = "use_last_attempt"
	LoopFail           = "fail"
)

// LoopContextAppendPrevious injects the previous iteration's output into the
// body's scope as a synthetic "{body_id}_previous" step.
const LoopContextAppendPrevious = "append_previous"

// LoopSpec is a bounded loop around a single inner body step.
type LoopSpec struct {
	Body                 *PipelineStep `json:"body" yaml:"body"`
	MaxIterations        int           `json:"max_iterations" yaml:"max_iterations"`
	TimeoutMS            int64         `json:"timeout_ms,omitempty" yaml:"timeout_ms,omitempty"`
	ConvergencePredicate string        `json:"convergence_predicate,omitempty" yaml:"convergence_predicate,omitempty"`
	ContextEnrichment    string        `json:"context_enrichment,omitempty" yaml:"context_enrichment,omitempty"`
	BestOutputField      string        `json:"best_output_field,omitempty" yaml:"best_output_field,omitempty"`
	OnMaxIterations      string        `json:"on_max_iterations,omitempty" yaml:"on_max_iterations,omitempty"`
}

// BranchSpec evaluates a sandboxed condition and runs one of two inline
// sub-sequences.
type BranchSpec struct {
	Condition string         `json:"condition" yaml:"condition"`
	IfTrue    []PipelineStep `json:"if_true,omitempty" yaml:"if_true,omitempty"`
	IfFalse   []PipelineStep `json:"if_false,omitempty" yaml:"if_false,omitempty"`
}

// GateSpec wraps a human approval gate step.
type GateSpec struct {
	Descriptor ApprovalGateDescriptor `json:"descriptor" yaml:"descriptor"`
	// NotifyVia sub-steps run in a scoped context copy before registration;
	// their failures never abort the gate.
	NotifyVia  []PipelineStep `json:"notify_via,omitempty" yaml:"notify_via,omitempty"`
	OnApproved []PipelineStep `json:"on_approved,omitempty" yaml:"on_approved,omitempty"`
	OnRejected []PipelineStep `json:"on_rejected,omitempty" yaml:"on_rejected,omitempty"`
}

// PipelineStep is a compiled step. The base fields are shared by all kinds;
// exactly one kind-specific payload group is populated.
type PipelineStep struct {
	ID          string   `json:"id" yaml:"id"`
	Kind        StepKind `json:"kind" yaml:"kind"`
	Description string   `json:"description,omitempty" yaml:"description,omitempty"`

	ContinueOnFailure bool         `json:"continue_on_failure,omitempty" yaml:"continue_on_failure,omitempty"`
	DryRun            bool         `json:"dry_run,omitempty" yaml:"dry_run,omitempty"`
	Retry             *RetryPolicy `json:"retry_policy,omitempty" yaml:"retry_policy,omitempty"`
	// RequiresApprovalGateID must reference a preceding gate step; the step
	// is skipped unless that gate resolved to approved.
	RequiresApprovalGateID string `json:"requires_approval_gate_id,omitempty" yaml:"requires_approval_gate_id,omitempty"`
	// Mandatory write_crm steps run after the regular set regardless of its
	// outcome (audit-trail guarantee).
	Mandatory bool `json:"mandatory,omitempty" yaml:"mandatory,omitempty"`

	// llm_call
	LLM *CompiledLLMContext `json:"llm,omitempty" yaml:"llm,omitempty"`
	// loop
	Loop *LoopSpec `json:"loop,omitempty" yaml:"loop,omitempty"`
	// branch
	Branch *BranchSpec `json:"branch,omitempty" yaml:"branch,omitempty"`
	// human_approval_gate
	Gate *GateSpec `json:"gate,omitempty" yaml:"gate,omitempty"`
	// multi_llm_pipeline
	MultiLLM *MultiLLMSpec `json:"multi_llm,omitempty" yaml:"multi_llm,omitempty"`

	// Connector-backed kinds (ml_score_call, crm_query, send_email,
	// write_crm, alert, call_http, connector_action).
	ConnectorID string `json:"connector_id,omitempty" yaml:"connector_id,omitempty"`
	PrincipalID string `json:"principal_id,omitempty" yaml:"principal_id,omitempty"`
	Action      string `json:"action,omitempty" yaml:"action,omitempty"`
	// Slots map parameter name → dot path (or {{template}}) resolved against
	// the pipeline scope.
	Slots map[string]string `json:"slots,omitempty" yaml:"slots,omitempty"`
	// ExtractOutput maps alias → dot path walked over the raw response.
	ExtractOutput map[string]string `json:"extract_output,omitempty" yaml:"extract_output,omitempty"`

	// log
	Message string `json:"message,omitempty" yaml:"message,omitempty"`
}

// Step statuses. Every executed step ends in exactly one of these.
const (
	StepStatusSuccess         = "success"
	StepStatusFailed          = "failed"
	StepStatusSkipped         = "skipped"
	StepStatusWaitingApproval = "waiting_approval"
)

// Pipeline results.
const (
	PipelineResultPending = "pending"
	PipelineResultSuccess = "success"
	PipelineResultFailed  = "failed"
	PipelineResultPartial = "partial"
)

// StepResult is the recorded outcome of one step.
type StepResult struct {
	Status     string `json:"status"`
	Output     any    `json:"output,omitempty"`
	Error      string `json:"error,omitempty"`
	DurationMS int64  `json:"duration_ms"`
}

// PipelineContext accumulates during a pipeline execution.
type PipelineContext struct {
	Event    *PropagatedEvent       `json:"event"`
	Pipeline map[string]*StepResult `json:"pipeline"`
	Result   string                 `json:"result"`
}

// NewPipelineContext creates a context for one execution.
func NewPipelineContext(event *PropagatedEvent) *PipelineContext {
	return &PipelineContext{
		Event:    event,
		Pipeline: make(map[string]*StepResult),
		Result:   PipelineResultPending,
	}
}
