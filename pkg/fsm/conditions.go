package fsm

import (
	"log/slog"

	"github.com/corrflow/corrflow/pkg/models"
	"github.com/corrflow/corrflow/pkg/sandbox"
)

// capture is a value that satisfied a (leaf) condition, to be recorded on the
// instance under its metric name.
type capture struct {
	metric string
	value  any
	unit   string
}

// matchCondition evaluates a condition against an incoming event and the
// instance's recorded step outputs. It returns whether the condition matched
// and the captured values.
func (r *Runtime) matchCondition(c *models.ConditionDescriptor, event *models.TriggerEvent, state *models.FSMRuntimeState) (bool, []capture) {
	switch {
	case c.IsNumeric():
		return r.matchNumeric(c, event)

	case c.IsSemantic():
		output, ok := state.StepOutputs[c.InstructionID]
		if !ok {
			return false, nil
		}
		matched := r.eval.EvaluateBool(c.SemanticExpression, map[string]any{
			"output": sandbox.Normalize(output),
		})
		if !matched {
			return false, nil
		}
		return true, []capture{{metric: c.MetricName, value: output}}

	case c.Kind == models.CondHumanApproval:
		if event.DriverID != models.DriverHumanApproval {
			return false, nil
		}
		if gateID, _ := event.Payload["gate_id"].(string); gateID != c.ApprovalGateID {
			return false, nil
		}
		decision, _ := event.Payload["decision"].(string)
		expected := c.ExpectedDecision
		if expected == "" {
			expected = models.DecisionApproved
		}
		if decision != expected {
			return false, nil
		}
		return true, []capture{{metric: c.MetricName, value: decision}}

	case c.Kind == models.CondRemoteSignal:
		if event.DriverID != models.DriverRemoteSignal {
			return false, nil
		}
		if signalID, _ := event.Payload["signal_id"].(string); signalID != c.SignalID {
			return false, nil
		}
		value, ok := event.Payload["value"]
		if !ok {
			value = true
		}
		return true, []capture{{metric: c.MetricName, value: value}}

	case c.Kind == models.CondCompositeAllOf:
		// A composite with zero children never matches.
		if len(c.CompositeConditions) == 0 {
			return false, nil
		}
		var captures []capture
		for i := range c.CompositeConditions {
			matched, childCaptures := r.matchCondition(&c.CompositeConditions[i], event, state)
			if !matched {
				return false, nil
			}
			captures = append(captures, childCaptures...)
		}
		return true, captures

	case c.Kind == models.CondCompositeAnyOf:
		for i := range c.CompositeConditions {
			if matched, childCaptures := r.matchCondition(&c.CompositeConditions[i], event, state); matched {
				return true, childCaptures
			}
		}
		return false, nil

	case c.Kind == models.CondWindowTimerElapsed:
		// Fired exclusively through the window expiry callback.
		return false, nil

	default:
		slog.Warn("Unknown condition kind", "kind", c.Kind, "metric", c.MetricName)
		return false, nil
	}
}

// matchNumeric extracts the comparison value from the event payload and
// applies the condition's operator.
func (r *Runtime) matchNumeric(c *models.ConditionDescriptor, event *models.TriggerEvent) (bool, []capture) {
	switch c.Kind {
	case models.CondKafkaEvent:
		if event.DriverID != models.DriverKafka {
			return false, nil
		}
		if c.Topic != "" {
			if topic, _ := event.Payload["topic"].(string); topic != c.Topic {
				return false, nil
			}
		}
	}

	raw, ok := extractValue(event.Payload, c.Field)
	if !ok {
		return false, nil
	}

	if c.Operator == models.OpExists {
		return true, []capture{{metric: c.MetricName, value: raw}}
	}

	value, ok := sandbox.AsFloat(raw)
	if !ok {
		return false, nil
	}

	matched := false
	switch c.Operator {
	case models.OpGreater:
		matched = value > *c.Value
	case models.OpGreaterOrEqual:
		matched = value >= *c.Value
	case models.OpLess:
		matched = value < *c.Value
	case models.OpLessOrEqual:
		matched = value <= *c.Value
	case models.OpEqual:
		matched = value == *c.Value
	case models.OpNotEqual:
		matched = value != *c.Value
	case models.OpBetween:
		matched = value >= *c.Min && value <= *c.Max
	}
	if !matched {
		return false, nil
	}
	return true, []capture{{metric: c.MetricName, value: value}}
}

// extractValue resolves the comparison value: the configured field dot-path,
// then the conventional "value" key, then the whole payload.
func extractValue(payload map[string]any, field string) (any, bool) {
	root := sandbox.Normalize(payload)
	if field != "" {
		return sandbox.Resolve(root, field)
	}
	if v, ok := sandbox.Resolve(root, "value"); ok {
		return v, true
	}
	if root == nil {
		return nil, false
	}
	return root, true
}
