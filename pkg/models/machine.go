package models

// TransitionGuard constrains when a transition may fire.
type TransitionGuard string

const (
	// GuardWithinWindow requires an active correlation window.
	GuardWithinWindow TransitionGuard = "within_window"
	// GuardWindowElapsed fires only on the window expiry path, never
	// event-driven.
	GuardWindowElapsed TransitionGuard = "window_elapsed"
	// GuardAlways has no temporal constraint.
	GuardAlways TransitionGuard = "always"
)

// DefaultTransitionPriority is used when a transition declares none.
// Lower number wins.
const DefaultTransitionPriority = 99

// Transition connects FSM states through a condition.
type Transition struct {
	FromStates []string            `json:"from_states" yaml:"from_states"`
	ToState    string              `json:"to_state" yaml:"to_state"`
	Condition  ConditionDescriptor `json:"condition" yaml:"condition"`
	Guard      TransitionGuard     `json:"guard,omitempty" yaml:"guard,omitempty"`
	OnEntry    []OnEntryAction     `json:"on_entry,omitempty" yaml:"on_entry,omitempty"`
	Priority   int                 `json:"priority,omitempty" yaml:"priority,omitempty"`
}

// EffectivePriority returns the declared priority or the default.
func (t *Transition) EffectivePriority() int {
	if t.Priority == 0 {
		return DefaultTransitionPriority
	}
	return t.Priority
}

// EffectiveGuard returns the declared guard or GuardAlways.
func (t *Transition) EffectiveGuard() TransitionGuard {
	if t.Guard == "" {
		return GuardAlways
	}
	return t.Guard
}

// SignatureAlgorithm identifies the digest scheme on propagated events.
type SignatureAlgorithm string

const (
	SigSHA256     SignatureAlgorithm = "SHA256"
	SigSHA512     SignatureAlgorithm = "SHA512"
	SigHMACSHA256 SignatureAlgorithm = "HMAC_SHA256"
)

// SignatureConfig enables signing of propagated events.
type SignatureConfig struct {
	Algorithm SignatureAlgorithm `json:"algorithm" yaml:"algorithm"`
	// SecretEnv names the environment variable holding the HMAC key.
	SecretEnv string `json:"secret_env,omitempty" yaml:"secret_env,omitempty"`
}

// TrendSpec requests a computed trend on a matched metric.
type TrendSpec struct {
	MetricName string `json:"metric_name" yaml:"metric_name"`
	Unit       string `json:"unit,omitempty" yaml:"unit,omitempty"`
}

// PropagationConfig shapes the propagated event built on match.
type PropagationConfig struct {
	IncludeMatchedValues bool             `json:"include_matched_values" yaml:"include_matched_values"`
	IncludeLocalActions  bool             `json:"include_local_actions" yaml:"include_local_actions"`
	ComputeTrends        []TrendSpec      `json:"compute_trends,omitempty" yaml:"compute_trends,omitempty"`
	Signature            *SignatureConfig `json:"signature,omitempty" yaml:"signature,omitempty"`
}

// FSMDescriptor is a compiled event state machine. Descriptors are
// shared-immutable after deploy: the runtime never mutates them.
type FSMDescriptor struct {
	MachineID           string            `json:"machine_id" yaml:"machine_id"`
	States              []string          `json:"states" yaml:"states"`
	InitialState        string            `json:"initial_state" yaml:"initial_state"`
	FullMatchState      string            `json:"full_match_state" yaml:"full_match_state"`
	ExpiredState        string            `json:"expired_state" yaml:"expired_state"`
	WindowMS            int64             `json:"window_ms" yaml:"window_ms"`
	Transitions         []Transition      `json:"transitions" yaml:"transitions"`
	LocalActions        []OnEntryAction   `json:"local_actions,omitempty" yaml:"local_actions,omitempty"`
	Propagation         PropagationConfig `json:"propagation_config" yaml:"propagation_config"`
	TargetNodeID        string            `json:"target_node_id,omitempty" yaml:"target_node_id,omitempty"`
	SubscribedDriverIDs []string          `json:"subscribed_driver_ids,omitempty" yaml:"subscribed_driver_ids,omitempty"`
}

// HasState reports whether name is a declared state.
func (d *FSMDescriptor) HasState(name string) bool {
	for _, s := range d.States {
		if s == name {
			return true
		}
	}
	return false
}

// SubscribesTo reports whether the machine listens to the given driver.
// An empty subscription list means all drivers.
func (d *FSMDescriptor) SubscribesTo(driverID string) bool {
	if len(d.SubscribedDriverIDs) == 0 {
		return true
	}
	for _, id := range d.SubscribedDriverIDs {
		if id == driverID {
			return true
		}
	}
	return false
}

// TotalConditions counts the leaf conditions across non-expiry transitions.
// Used as the denominator of partial satisfaction levels.
func (d *FSMDescriptor) TotalConditions() int {
	n := 0
	for i := range d.Transitions {
		t := &d.Transitions[i]
		if t.EffectiveGuard() == GuardWindowElapsed {
			continue
		}
		n += t.Condition.TotalLeafConditions()
	}
	if n == 0 {
		return 1
	}
	return n
}
