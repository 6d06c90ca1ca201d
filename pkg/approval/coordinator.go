// Package approval coordinates human approval gates: it registers pending
// gates, enforces their timeouts, and turns decisions into synthetic
// human_approval trigger events so suspended FSM instances and pipelines
// resume through the normal event path instead of polling.
package approval

import (
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/corrflow/corrflow/pkg/bus"
	"github.com/corrflow/corrflow/pkg/models"
)

// resolvedRetention caps how many non-pending gate records are kept for the
// REST surface before the oldest are pruned.
const resolvedRetention = 500

var (
	// ErrGateNotFound is returned for operations on unknown gate ids.
	ErrGateNotFound = errors.New("approval gate not found")
	// ErrGateNotPending is returned when deciding an already-resolved gate.
	ErrGateNotPending = errors.New("approval gate is not pending")
	// ErrGateExists is returned when registering a duplicate gate id.
	ErrGateExists = errors.New("approval gate already registered")
	// ErrInvalidDecision is returned for decisions outside approved/rejected.
	ErrInvalidDecision = errors.New("invalid decision")
)

// Notifier delivers gate notifications through the configured response
// channel. Implementations must be safe for concurrent use.
type Notifier interface {
	NotifyGate(gate *models.ApprovalGate) error
}

// DecisionEvent is what decision-stream subscribers receive.
type DecisionEvent struct {
	GateID          string
	Decision        string
	DecidedBy       string
	Comment         string
	ContextSnapshot map[string]any
}

type gateEntry struct {
	gate       models.ApprovalGate
	timer      *time.Timer
	resolvedAt time.Time
}

// Coordinator is the gate registry. It publishes synthetic trigger events on
// the bus and mirrors them onto an observable decision stream for in-process
// waiters.
type Coordinator struct {
	bus      *bus.Bus
	notifier Notifier

	mu       sync.Mutex
	gates    map[string]*gateEntry
	watchers map[int]chan DecisionEvent
	nextID   int
}

// NewCoordinator creates a coordinator. notifier may be nil (notifications
// disabled).
func NewCoordinator(b *bus.Bus, notifier Notifier) *Coordinator {
	return &Coordinator{
		bus:      b,
		notifier: notifier,
		gates:    make(map[string]*gateEntry),
		watchers: make(map[int]chan DecisionEvent),
	}
}

// RegisterGate stores a pending gate, arms its timeout timer, and sends the
// notification. Returns the registered record.
func (c *Coordinator) RegisterGate(desc models.ApprovalGateDescriptor, instanceID, machineID, workflowID string, contextSnapshot map[string]any) (*models.ApprovalGate, error) {
	if desc.GateID == "" {
		return nil, fmt.Errorf("%w: gate_id is required", ErrGateNotFound)
	}

	c.mu.Lock()
	if existing, ok := c.gates[desc.GateID]; ok && existing.gate.Status == models.GateStatusPending {
		c.mu.Unlock()
		return nil, fmt.Errorf("%w: %s", ErrGateExists, desc.GateID)
	}

	gate := models.ApprovalGate{
		Descriptor:      desc,
		GateID:          desc.GateID,
		InstanceID:      instanceID,
		MachineID:       machineID,
		WorkflowID:      workflowID,
		Status:          models.GateStatusPending,
		ContextSnapshot: contextSnapshot,
		RegisteredAt:    time.Now(),
	}
	entry := &gateEntry{gate: gate}
	if desc.TimeoutMS > 0 {
		entry.timer = time.AfterFunc(time.Duration(desc.TimeoutMS)*time.Millisecond, func() {
			c.expireGate(desc.GateID)
		})
	}
	c.gates[desc.GateID] = entry
	c.pruneResolvedLocked()
	c.mu.Unlock()

	slog.Info("Approval gate registered",
		"gate_id", desc.GateID, "instance_id", instanceID,
		"machine_id", machineID, "timeout_ms", desc.TimeoutMS)

	if c.notifier != nil {
		if err := c.notifier.NotifyGate(&gate); err != nil {
			slog.Warn("Approval gate notification failed",
				"gate_id", desc.GateID, "error", err)
		}
	}
	return &gate, nil
}

// Resolve applies a human decision: cancels the timer, marks the gate, and
// emits the synthetic trigger event.
func (c *Coordinator) Resolve(decision models.ApprovalDecision) error {
	if decision.Decision != models.DecisionApproved && decision.Decision != models.DecisionRejected {
		return fmt.Errorf("%w: %q", ErrInvalidDecision, decision.Decision)
	}

	c.mu.Lock()
	entry, ok := c.gates[decision.GateID]
	if !ok {
		c.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrGateNotFound, decision.GateID)
	}
	if entry.gate.Status != models.GateStatusPending {
		c.mu.Unlock()
		return fmt.Errorf("%w: %s is %s", ErrGateNotPending, decision.GateID, entry.gate.Status)
	}
	if entry.timer != nil {
		entry.timer.Stop()
	}
	entry.gate.Status = decision.Decision
	entry.resolvedAt = time.Now()
	snapshot := entry.gate.ContextSnapshot
	c.mu.Unlock()

	slog.Info("Approval gate resolved",
		"gate_id", decision.GateID, "decision", decision.Decision, "decided_by", decision.DecidedBy)

	c.emit(decision, snapshot)
	return nil
}

// expireGate is the timeout path: the gate is marked timed_out (or the
// configured fallback decision) and a synthetic event is emitted.
func (c *Coordinator) expireGate(gateID string) {
	c.mu.Lock()
	entry, ok := c.gates[gateID]
	if !ok || entry.gate.Status != models.GateStatusPending {
		c.mu.Unlock()
		return
	}
	decision := models.DecisionTimedOut
	if fb := entry.gate.Descriptor.FallbackDecision; fb == models.DecisionApproved || fb == models.DecisionRejected {
		decision = fb
	}
	entry.gate.Status = models.GateStatusTimedOut
	entry.resolvedAt = time.Now()
	snapshot := entry.gate.ContextSnapshot
	c.mu.Unlock()

	slog.Warn("Approval gate timed out", "gate_id", gateID, "emitted_decision", decision)

	c.emit(models.ApprovalDecision{
		GateID:    gateID,
		Decision:  decision,
		DecidedBy: "system:timeout",
		DecidedAt: time.Now(),
	}, snapshot)
}

// emit publishes the synthetic trigger event and feeds the decision stream.
func (c *Coordinator) emit(decision models.ApprovalDecision, snapshot map[string]any) {
	c.bus.Publish(models.TriggerEvent{
		EventID:    uuid.New().String(),
		OccurredAt: time.Now(),
		DriverID:   models.DriverHumanApproval,
		Source:     "approval_coordinator",
		Payload: map[string]any{
			"gate_id":          decision.GateID,
			"decision":         decision.Decision,
			"decided_by":       decision.DecidedBy,
			"comment":          decision.Comment,
			"context_snapshot": snapshot,
		},
	})

	c.mu.Lock()
	defer c.mu.Unlock()
	for _, ch := range c.watchers {
		select {
		case ch <- DecisionEvent{
			GateID:          decision.GateID,
			Decision:        decision.Decision,
			DecidedBy:       decision.DecidedBy,
			Comment:         decision.Comment,
			ContextSnapshot: snapshot,
		}:
		default:
			slog.Warn("Approval decision watcher overflow", "gate_id", decision.GateID)
		}
	}
}

// CancelGate removes a pending gate without emitting a decision event.
// Returns whether a pending gate existed.
func (c *Coordinator) CancelGate(gateID string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	entry, ok := c.gates[gateID]
	if !ok || entry.gate.Status != models.GateStatusPending {
		return false
	}
	if entry.timer != nil {
		entry.timer.Stop()
	}
	entry.gate.Status = models.GateStatusCancelled
	entry.resolvedAt = time.Now()
	return true
}

// CancelAllForInstance cancels every pending gate of an FSM instance.
// Used on FSM reset.
func (c *Coordinator) CancelAllForInstance(instanceID string) int {
	c.mu.Lock()
	defer c.mu.Unlock()

	n := 0
	for _, entry := range c.gates {
		if entry.gate.InstanceID != instanceID || entry.gate.Status != models.GateStatusPending {
			continue
		}
		if entry.timer != nil {
			entry.timer.Stop()
		}
		entry.gate.Status = models.GateStatusCancelled
		entry.resolvedAt = time.Now()
		n++
	}
	return n
}

// Get returns a copy of the gate record.
func (c *Coordinator) Get(gateID string) (*models.ApprovalGate, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	entry, ok := c.gates[gateID]
	if !ok {
		return nil, false
	}
	gate := entry.gate
	return &gate, true
}

// ListPending returns all gates still awaiting a decision.
func (c *Coordinator) ListPending() []models.ApprovalGate {
	c.mu.Lock()
	defer c.mu.Unlock()

	out := make([]models.ApprovalGate, 0)
	for _, entry := range c.gates {
		if entry.gate.Status == models.GateStatusPending {
			out = append(out, entry.gate)
		}
	}
	return out
}

// Summary returns pending and total gate counts.
func (c *Coordinator) Summary() (pending, total int) {
	c.mu.Lock()
	defer c.mu.Unlock()

	for _, entry := range c.gates {
		if entry.gate.Status == models.GateStatusPending {
			pending++
		}
	}
	return pending, len(c.gates)
}

// Watch subscribes to the decision stream. The returned cancel func must be
// called to release the watcher.
func (c *Coordinator) Watch() (<-chan DecisionEvent, func()) {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.nextID++
	id := c.nextID
	ch := make(chan DecisionEvent, 16)
	c.watchers[id] = ch

	cancel := func() {
		c.mu.Lock()
		defer c.mu.Unlock()
		if _, ok := c.watchers[id]; ok {
			delete(c.watchers, id)
			close(ch)
		}
	}
	return ch, cancel
}

// Shutdown stops all pending gate timers.
func (c *Coordinator) Shutdown() {
	c.mu.Lock()
	defer c.mu.Unlock()

	for _, entry := range c.gates {
		if entry.timer != nil {
			entry.timer.Stop()
		}
	}
}

// pruneResolvedLocked drops the oldest non-pending records beyond the
// retention cap. Caller holds c.mu.
func (c *Coordinator) pruneResolvedLocked() {
	resolved := 0
	for _, entry := range c.gates {
		if entry.gate.Status != models.GateStatusPending {
			resolved++
		}
	}
	for resolved > resolvedRetention {
		var oldestID string
		var oldestAt time.Time
		for id, entry := range c.gates {
			if entry.gate.Status == models.GateStatusPending {
				continue
			}
			if oldestID == "" || entry.resolvedAt.Before(oldestAt) {
				oldestID, oldestAt = id, entry.resolvedAt
			}
		}
		delete(c.gates, oldestID)
		resolved--
	}
}
