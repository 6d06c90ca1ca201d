package models

// SlotSourceType tells where a dynamic slot value is resolved from.
type SlotSourceType string

const (
	// SlotSourceVault resolves from the secret store at call time.
	SlotSourceVault SlotSourceType = "vault"
	// SlotSourceRuntime resolves from the runtime scope (event payload,
	// previous step outputs).
	SlotSourceRuntime SlotSourceType = "runtime"
)

// SlotSourcePreviousStage is the literal runtime source key substituted with
// the previous stage's validated output in sequential multi-LLM pipelines.
const SlotSourcePreviousStage = "previous_stage_output"

// DynamicSlot is a named placeholder resolved at runtime.
type DynamicSlot struct {
	SlotID     string         `json:"slot_id" yaml:"slot_id"`
	SourceType SlotSourceType `json:"source_type" yaml:"source_type"`
	SourceKey  string         `json:"source_key" yaml:"source_key"`
}

// FewShot is a single example exchange included in the prompt.
type FewShot struct {
	User      string `json:"user" yaml:"user"`
	Assistant string `json:"assistant" yaml:"assistant"`
}

// OutputRetrySpec bounds re-calls after schema validation failures.
type OutputRetrySpec struct {
	MaxAttempts int `json:"max_attempts" yaml:"max_attempts"`
}

// CompiledLLMContext is a frozen LLM call descriptor built by the compiler.
// All non-slot fields are immutable after compile.
type CompiledLLMContext struct {
	InstructionID string `json:"instruction_id,omitempty" yaml:"instruction_id,omitempty"`
	SystemPrompt  string `json:"system_prompt" yaml:"system_prompt"`
	// FewShots are injected between the system prompt and the user message.
	FewShots []FewShot `json:"few_shots,omitempty" yaml:"few_shots,omitempty"`
	// OutputSchema maps field name → expected type: string, float, boolean,
	// object, object|null.
	OutputSchema map[string]string `json:"output_schema,omitempty" yaml:"output_schema,omitempty"`
	Model        string            `json:"model" yaml:"model"`
	Temperature  float32           `json:"temperature,omitempty" yaml:"temperature,omitempty"`
	MaxTokens    int               `json:"max_tokens,omitempty" yaml:"max_tokens,omitempty"`
	DynamicSlots []DynamicSlot     `json:"dynamic_slots,omitempty" yaml:"dynamic_slots,omitempty"`
	// PromptTemplate, when set, overrides the default "k: v" slot rendering.
	// {{slot_id}} references are replaced by resolved slot values.
	PromptTemplate string `json:"prompt_template,omitempty" yaml:"prompt_template,omitempty"`

	TimeoutMS            int64            `json:"timeout_ms,omitempty" yaml:"timeout_ms,omitempty"`
	RetryOnInvalidOutput *OutputRetrySpec `json:"retry_on_invalid_output,omitempty" yaml:"retry_on_invalid_output,omitempty"`
	// OnExhausted names the strategy applied when validation retries run out:
	// "fail" (default) or "use_raw".
	OnExhausted string `json:"on_exhausted,omitempty" yaml:"on_exhausted,omitempty"`
}

// MultiLLMMode selects stage chaining or fan-out.
type MultiLLMMode string

const (
	MultiLLMSequential MultiLLMMode = "sequential"
	MultiLLMParallel   MultiLLMMode = "parallel"
)

// Validation failure strategies for multi-LLM stages.
const (
	// ValidationFailSafe continues with a null stage output.
	ValidationFailSafe = "fail_safe"
	// ValidationAbort stops the pipeline at the failing stage.
	ValidationAbort = "abort"
)

// LLMStage is one stage of a multi-LLM pipeline.
type LLMStage struct {
	StageID             string             `json:"stage_id" yaml:"stage_id"`
	Context             CompiledLLMContext `json:"context" yaml:"context"`
	OnValidationFailure string             `json:"on_validation_failure,omitempty" yaml:"on_validation_failure,omitempty"`
}

// MultiLLMSpec chains or fans out multiple LLM stages.
type MultiLLMSpec struct {
	Mode   MultiLLMMode `json:"mode" yaml:"mode"`
	Stages []LLMStage   `json:"stages" yaml:"stages"`
}
