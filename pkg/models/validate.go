package models

import (
	"errors"
	"fmt"
)

// ErrInvalidDescriptor wraps all descriptor validation failures so callers
// can classify them as semantic (never-retried) errors.
var ErrInvalidDescriptor = errors.New("invalid descriptor")

func invalidf(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrInvalidDescriptor, fmt.Sprintf(format, args...))
}

// ValidateMachine checks the structural invariants of an FSM descriptor.
func ValidateMachine(d *FSMDescriptor) error {
	if d.MachineID == "" {
		return invalidf("machine_id is required")
	}
	if len(d.States) == 0 {
		return invalidf("machine %s: states must not be empty", d.MachineID)
	}
	for _, s := range []struct{ name, value string }{
		{"initial_state", d.InitialState},
		{"full_match_state", d.FullMatchState},
		{"expired_state", d.ExpiredState},
	} {
		if !d.HasState(s.value) {
			return invalidf("machine %s: %s %q is not a declared state", d.MachineID, s.name, s.value)
		}
	}

	expiryCover := make(map[string]int)
	for i := range d.Transitions {
		t := &d.Transitions[i]
		if len(t.FromStates) == 0 {
			return invalidf("machine %s: transition %d has no from_states", d.MachineID, i)
		}
		for _, from := range t.FromStates {
			if !d.HasState(from) {
				return invalidf("machine %s: transition %d from_state %q is not a declared state", d.MachineID, i, from)
			}
		}
		if !d.HasState(t.ToState) {
			return invalidf("machine %s: transition %d to_state %q is not a declared state", d.MachineID, i, t.ToState)
		}
		if err := t.Condition.Validate(); err != nil {
			return invalidf("machine %s: transition %d: %v", d.MachineID, i, err)
		}
		if t.EffectiveGuard() == GuardWindowElapsed {
			if t.ToState != d.ExpiredState {
				return invalidf("machine %s: transition %d: window_elapsed must target the expired state", d.MachineID, i)
			}
			for _, from := range t.FromStates {
				expiryCover[from]++
			}
		}
	}

	// Every intermediate state needs exactly one expiry path to the expired
	// state; terminal states (full match, expired) are reset immediately and
	// the initial state only exists as a spawn point.
	for _, s := range d.States {
		if s == d.InitialState || s == d.FullMatchState || s == d.ExpiredState {
			continue
		}
		if expiryCover[s] != 1 {
			return invalidf("machine %s: state %q needs exactly one window_elapsed path to %q (found %d)",
				d.MachineID, s, d.ExpiredState, expiryCover[s])
		}
	}
	return nil
}

// ValidatePipeline checks step id uniqueness, gate ordering, and dependency
// acyclicity for one compiled pipeline.
func ValidatePipeline(steps []PipelineStep) error {
	seen := make(map[string]bool)
	if err := collectStepIDs(steps, seen); err != nil {
		return err
	}

	// A requires_approval_gate_id must reference a gate step that precedes
	// the dependent step in execution order of the same sequence.
	gatesSoFar := make(map[string]bool)
	for i := range steps {
		step := &steps[i]
		if step.RequiresApprovalGateID != "" && !gatesSoFar[step.RequiresApprovalGateID] {
			return invalidf("step %q requires gate %q which does not precede it", step.ID, step.RequiresApprovalGateID)
		}
		if step.Kind == StepHumanApproval && step.Gate != nil {
			gatesSoFar[step.Gate.Descriptor.GateID] = true
			gatesSoFar[step.ID] = true
		}
	}

	return detectStepCycles(steps)
}

func collectStepIDs(steps []PipelineStep, seen map[string]bool) error {
	for i := range steps {
		step := &steps[i]
		if step.ID == "" {
			return invalidf("pipeline step %d has no id", i)
		}
		if seen[step.ID] {
			return invalidf("duplicate pipeline step id %q", step.ID)
		}
		seen[step.ID] = true
		for _, children := range childSequences(step) {
			if err := collectStepIDs(children, seen); err != nil {
				return err
			}
		}
	}
	return nil
}

// childSequences returns the nested step sequences of a container step.
func childSequences(step *PipelineStep) [][]PipelineStep {
	var out [][]PipelineStep
	if step.Branch != nil {
		out = append(out, step.Branch.IfTrue, step.Branch.IfFalse)
	}
	if step.Gate != nil {
		out = append(out, step.Gate.NotifyVia, step.Gate.OnApproved, step.Gate.OnRejected)
	}
	if step.Loop != nil && step.Loop.Body != nil {
		out = append(out, []PipelineStep{*step.Loop.Body})
	}
	return out
}

// Three-color DFS marking for cycle detection over the step dependency
// graph: containment edges (container → child) plus gate dependency edges
// (step → required gate).
type dfsColor int

const (
	colorWhite dfsColor = iota
	colorGray
	colorBlack
)

func detectStepCycles(steps []PipelineStep) error {
	index := make(map[string]*PipelineStep)
	var flatten func([]PipelineStep)
	flatten = func(seq []PipelineStep) {
		for i := range seq {
			step := &seq[i]
			index[step.ID] = step
			for _, children := range childSequences(step) {
				flatten(children)
			}
		}
	}
	flatten(steps)

	edges := func(step *PipelineStep) []string {
		var out []string
		for _, children := range childSequences(step) {
			for i := range children {
				out = append(out, children[i].ID)
			}
		}
		if step.RequiresApprovalGateID != "" {
			if _, ok := index[step.RequiresApprovalGateID]; ok {
				out = append(out, step.RequiresApprovalGateID)
			}
		}
		return out
	}

	color := make(map[string]dfsColor, len(index))
	var visit func(id string) error
	visit = func(id string) error {
		switch color[id] {
		case colorGray:
			return invalidf("cycle detected through step %q", id)
		case colorBlack:
			return nil
		}
		color[id] = colorGray
		for _, next := range edges(index[id]) {
			if err := visit(next); err != nil {
				return err
			}
		}
		color[id] = colorBlack
		return nil
	}

	for id := range index {
		if color[id] == colorWhite {
			if err := visit(id); err != nil {
				return err
			}
		}
	}
	return nil
}
