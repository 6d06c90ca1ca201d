package models

import "fmt"

// ConditionKind tags the trigger shape a condition matches against.
type ConditionKind string

// Condition kinds. Numeric kinds compare a payload field against a threshold;
// semantic kinds evaluate a sandboxed expression over a recorded step output;
// the remaining kinds match structural event properties.
const (
	CondSensorThreshold    ConditionKind = "sensor_threshold"
	CondMQTTValue          ConditionKind = "mqtt_value"
	CondKafkaEvent         ConditionKind = "kafka_event"
	CondFieldBusValue      ConditionKind = "field_bus_value"
	CondKPIValue           ConditionKind = "kpi_value"
	CondLLMOutput          ConditionKind = "llm_output"
	CondMLScore            ConditionKind = "ml_score"
	CondCRMResult          ConditionKind = "crm_result"
	CondAPIResponse        ConditionKind = "api_response"
	CondWindowTimerElapsed ConditionKind = "window_timer_elapsed"
	CondHumanApproval      ConditionKind = "human_approval"
	CondRemoteSignal       ConditionKind = "remote_signal"
	CondCompositeAllOf     ConditionKind = "composite_all_of"
	CondCompositeAnyOf     ConditionKind = "composite_any_of"
)

// ComparisonOperator for numeric condition kinds.
type ComparisonOperator string

const (
	OpGreater        ComparisonOperator = ">"
	OpGreaterOrEqual ComparisonOperator = ">="
	OpLess           ComparisonOperator = "<"
	OpLessOrEqual    ComparisonOperator = "<="
	OpEqual          ComparisonOperator = "="
	OpNotEqual       ComparisonOperator = "!="
	OpExists         ComparisonOperator = "exists"
	OpBetween        ComparisonOperator = "between"
)

// ConditionDescriptor is the unified trigger shape evaluated by the FSM
// runtime. Only the fields relevant to its Kind are populated.
type ConditionDescriptor struct {
	Kind ConditionKind `json:"kind" yaml:"kind"`

	// MetricName is the key under which the matched value is recorded on the
	// instance and attached to propagated events.
	MetricName string `json:"metric_name,omitempty" yaml:"metric_name,omitempty"`

	// Numeric comparison parameters.
	Topic    string             `json:"topic,omitempty" yaml:"topic,omitempty"`
	Field    string             `json:"field,omitempty" yaml:"field,omitempty"`
	Operator ComparisonOperator `json:"operator,omitempty" yaml:"operator,omitempty"`
	Value    *float64           `json:"value,omitempty" yaml:"value,omitempty"`
	Min      *float64           `json:"min,omitempty" yaml:"min,omitempty"`
	Max      *float64           `json:"max,omitempty" yaml:"max,omitempty"`

	// Semantic parameters: the expression is evaluated in the sandbox with
	// the step output bound as "output".
	InstructionID      string `json:"instruction_id,omitempty" yaml:"instruction_id,omitempty"`
	SemanticExpression string `json:"semantic_expression,omitempty" yaml:"semantic_expression,omitempty"`

	// Window expiry.
	TimerMS int64 `json:"timer_ms,omitempty" yaml:"timer_ms,omitempty"`

	// Human approval.
	ApprovalGateID   string `json:"approval_gate_id,omitempty" yaml:"approval_gate_id,omitempty"`
	ExpectedDecision string `json:"expected_decision,omitempty" yaml:"expected_decision,omitempty"`

	// Remote signal.
	SignalID string `json:"signal_id,omitempty" yaml:"signal_id,omitempty"`

	// Composites.
	CompositeConditions []ConditionDescriptor `json:"composite_conditions,omitempty" yaml:"composite_conditions,omitempty"`
	CompositeWindowMS   int64                 `json:"composite_window_ms,omitempty" yaml:"composite_window_ms,omitempty"`
}

// numericKinds are the kinds resolved by field extraction + operator compare.
var numericKinds = map[ConditionKind]bool{
	CondSensorThreshold: true,
	CondMQTTValue:       true,
	CondKafkaEvent:      true,
	CondFieldBusValue:   true,
	CondKPIValue:        true,
}

// semanticKinds evaluate a sandboxed expression over a recorded step output.
var semanticKinds = map[ConditionKind]bool{
	CondLLMOutput:   true,
	CondMLScore:     true,
	CondCRMResult:   true,
	CondAPIResponse: true,
}

// IsNumeric reports whether the condition compares a payload value.
func (c *ConditionDescriptor) IsNumeric() bool { return numericKinds[c.Kind] }

// IsSemantic reports whether the condition evaluates a step-output expression.
func (c *ConditionDescriptor) IsSemantic() bool { return semanticKinds[c.Kind] }

// IsComposite reports whether the condition wraps child conditions.
func (c *ConditionDescriptor) IsComposite() bool {
	return c.Kind == CondCompositeAllOf || c.Kind == CondCompositeAnyOf
}

// Validate checks the kind-specific invariants of the descriptor.
func (c *ConditionDescriptor) Validate() error {
	switch {
	case c.IsNumeric():
		if c.Operator == "" {
			return fmt.Errorf("condition %q: operator is required", c.MetricName)
		}
		switch c.Operator {
		case OpBetween:
			if c.Min == nil || c.Max == nil {
				return fmt.Errorf("condition %q: between requires min and max", c.MetricName)
			}
		case OpExists:
			// No threshold needed.
		default:
			if c.Value == nil {
				return fmt.Errorf("condition %q: operator %s requires a value", c.MetricName, c.Operator)
			}
		}
	case c.IsSemantic():
		if c.InstructionID == "" || c.SemanticExpression == "" {
			return fmt.Errorf("condition %q: semantic kinds require instruction_id and semantic_expression", c.MetricName)
		}
	case c.Kind == CondHumanApproval:
		if c.ApprovalGateID == "" {
			return fmt.Errorf("condition %q: human_approval requires approval_gate_id", c.MetricName)
		}
	case c.Kind == CondRemoteSignal:
		if c.SignalID == "" {
			return fmt.Errorf("condition %q: remote_signal requires signal_id", c.MetricName)
		}
	case c.IsComposite():
		if len(c.CompositeConditions) == 0 {
			return fmt.Errorf("condition %q: composite requires at least one child", c.MetricName)
		}
		for i := range c.CompositeConditions {
			if err := c.CompositeConditions[i].Validate(); err != nil {
				return fmt.Errorf("composite child %d: %w", i, err)
			}
		}
	case c.Kind == CondWindowTimerElapsed:
		// Fired only via the expiry callback path, nothing to validate.
	default:
		return fmt.Errorf("condition %q: unknown kind %q", c.MetricName, c.Kind)
	}
	return nil
}

// TotalLeafConditions counts the leaf conditions under this descriptor.
// Used to compute partial satisfaction levels.
func (c *ConditionDescriptor) TotalLeafConditions() int {
	if !c.IsComposite() {
		return 1
	}
	n := 0
	for i := range c.CompositeConditions {
		n += c.CompositeConditions[i].TotalLeafConditions()
	}
	return n
}
