package models

import "time"

// TrendDirection classifies a precursor signal.
type TrendDirection string

const (
	TrendRising  TrendDirection = "rising"
	TrendFalling TrendDirection = "falling"
	TrendStable  TrendDirection = "stable"
)

// PrecursorSignal is a computed trend attached to a propagated event.
type PrecursorSignal struct {
	MetricName string         `json:"metric_name"`
	Value      float64        `json:"value"`
	Unit       string         `json:"unit,omitempty"`
	Direction  TrendDirection `json:"direction"`
}

// TimeWindow describes the correlation window at emission time.
type TimeWindow struct {
	StartedAt   *time.Time `json:"started_at,omitempty"`
	CompletedAt time.Time  `json:"completed_at"`
	WindowMS    int64      `json:"window_ms"`
	RemainingMS int64      `json:"remaining_ms"`
}

// PropagatedEvent is the enriched payload emitted on full or partial match.
// Satisfaction level is 1.0 for a full match, matched/total for partials.
type PropagatedEvent struct {
	EventID           string                  `json:"event_id"`
	MachineID         string                  `json:"machine_id"`
	SourceNodeID      string                  `json:"source_node_id,omitempty"`
	WorkflowID        string                  `json:"workflow_id"`
	Timestamp         time.Time               `json:"timestamp"`
	SatisfactionLevel float64                 `json:"satisfaction_level"`
	MatchedValues     map[string]MatchedValue `json:"matched_values,omitempty"`
	TimeWindow        TimeWindow              `json:"time_window"`
	LocalActionsTaken []LocalAction           `json:"local_actions_taken,omitempty"`
	PrecursorSignals  []PrecursorSignal       `json:"precursor_signals,omitempty"`
	// Signature is "<algorithm>:<hex_digest>" when signing is configured.
	Signature string `json:"signature,omitempty"`
}
