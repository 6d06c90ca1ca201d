// Package dispatch routes propagated events to their compiled handlers. Each
// handler runs its parallel actions to settlement first, then its pipeline.
package dispatch

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"sync"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/corrflow/corrflow/pkg/audit"
	"github.com/corrflow/corrflow/pkg/models"
	"github.com/corrflow/corrflow/pkg/sandbox"
)

// historyCap bounds the retained propagated-event ring.
const historyCap = 500

var (
	// ErrNoEmitter is returned when a remote command action runs without a
	// node emitter wired in.
	ErrNoEmitter = errors.New("no remote command emitter configured")
	// ErrSignalNotFound is returned by evaluate_and_forward when the event
	// carries no precursor signal of the requested name.
	ErrSignalNotFound = errors.New("precursor signal not found on event")
)

// RemoteCommandEmitter delivers commands to edge nodes. Supplied by the
// transport layer; the dispatcher only reports delivery failures.
type RemoteCommandEmitter interface {
	EmitRemoteCommand(ctx context.Context, targetNodeID string, cmd models.RemoteCommand) error
}

// PipelineRunner executes a handler's compiled pipeline.
type PipelineRunner interface {
	Execute(ctx context.Context, steps []models.PipelineStep, event *models.PropagatedEvent, pipelineID string) *models.PipelineContext
}

// EventPersister stores propagated events for the persist_event action.
type EventPersister interface {
	PersistEvent(ctx context.Context, event *models.PropagatedEvent) error
}

// Dispatcher is the handler registry and fan-out point. An FSM runtime emits
// matched events here; eligible handlers run concurrently and independently.
type Dispatcher struct {
	eval      *sandbox.Evaluator
	pipelines PipelineRunner
	emitter   RemoteCommandEmitter
	persister EventPersister
	auditLog  *audit.Log
	client    *http.Client

	mu       sync.RWMutex
	handlers map[string][]models.HandlerDescriptor
	history  []models.PropagatedEvent
}

// NewDispatcher creates a dispatcher. pipelines, emitter, persister, and
// auditLog may each be nil; actions needing an absent collaborator fail with
// a typed error that is logged, never rethrown.
func NewDispatcher(eval *sandbox.Evaluator, pipelines PipelineRunner, emitter RemoteCommandEmitter, persister EventPersister, auditLog *audit.Log) *Dispatcher {
	if eval == nil {
		eval = sandbox.NewEvaluator()
	}
	return &Dispatcher{
		eval:      eval,
		pipelines: pipelines,
		emitter:   emitter,
		persister: persister,
		auditLog:  auditLog,
		client:    &http.Client{},
		handlers:  make(map[string][]models.HandlerDescriptor),
	}
}

// RegisterHandler adds a handler under its triggering machine id.
func (d *Dispatcher) RegisterHandler(desc models.HandlerDescriptor) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.handlers[desc.TriggeredByMachineID] = append(d.handlers[desc.TriggeredByMachineID], desc)
	slog.Info("Handler registered",
		"handler_id", desc.HandlerID, "machine_id", desc.TriggeredByMachineID,
		"workflow_id", desc.WorkflowID, "min_satisfaction", desc.MinSatisfactionLevel)
}

// UnregisterWorkflow removes every handler of the workflow. Returns how many
// were removed.
func (d *Dispatcher) UnregisterWorkflow(workflowID string) int {
	d.mu.Lock()
	defer d.mu.Unlock()

	removed := 0
	for machineID, list := range d.handlers {
		kept := list[:0]
		for _, h := range list {
			if h.WorkflowID == workflowID {
				removed++
				continue
			}
			kept = append(kept, h)
		}
		if len(kept) == 0 {
			delete(d.handlers, machineID)
		} else {
			d.handlers[machineID] = kept
		}
	}
	if removed > 0 {
		slog.Info("Handlers unregistered", "workflow_id", workflowID, "count", removed)
	}
	return removed
}

// Handlers returns a copy of the handlers registered for a machine.
func (d *Dispatcher) Handlers(machineID string) []models.HandlerDescriptor {
	d.mu.RLock()
	defer d.mu.RUnlock()
	out := make([]models.HandlerDescriptor, len(d.handlers[machineID]))
	copy(out, d.handlers[machineID])
	return out
}

// History returns a copy of the retained event ring, oldest first.
func (d *Dispatcher) History() []models.PropagatedEvent {
	d.mu.RLock()
	defer d.mu.RUnlock()
	out := make([]models.PropagatedEvent, len(d.history))
	copy(out, d.history)
	return out
}

// Dispatch records the event and runs every eligible handler concurrently,
// returning when all of them have settled.
func (d *Dispatcher) Dispatch(ctx context.Context, event *models.PropagatedEvent) {
	d.mu.Lock()
	d.history = append(d.history, *event)
	if len(d.history) > historyCap {
		d.history = d.history[len(d.history)-historyCap:]
	}
	candidates := make([]models.HandlerDescriptor, len(d.handlers[event.MachineID]))
	copy(candidates, d.handlers[event.MachineID])
	d.mu.Unlock()

	eligible := candidates[:0]
	for _, h := range candidates {
		if event.SatisfactionLevel >= h.MinSatisfactionLevel {
			eligible = append(eligible, h)
		}
	}

	slog.Info("Dispatching propagated event",
		"event_id", event.EventID, "machine_id", event.MachineID,
		"satisfaction_level", event.SatisfactionLevel, "eligible_handlers", len(eligible))

	var wg sync.WaitGroup
	for i := range eligible {
		wg.Add(1)
		go func(h models.HandlerDescriptor) {
			defer wg.Done()
			d.runHandler(ctx, &h, event)
		}(eligible[i])
	}
	wg.Wait()
}

// runHandler runs the parallel actions to settlement, then the pipeline.
func (d *Dispatcher) runHandler(ctx context.Context, h *models.HandlerDescriptor, event *models.PropagatedEvent) {
	if d.auditLog != nil {
		d.auditLog.Append("dispatch", "handler_started", h.HandlerID, map[string]any{
			"event_id": event.EventID, "machine_id": event.MachineID,
		})
	}

	if len(h.ParallelActions) > 0 {
		var g errgroup.Group
		for i := range h.ParallelActions {
			action := &h.ParallelActions[i]
			g.Go(func() error {
				if err := d.runAction(ctx, action, event); err != nil {
					slog.Error("Handler action failed",
						"handler_id", h.HandlerID, "action_kind", action.Kind,
						"event_id", event.EventID, "error", err)
					return err
				}
				return nil
			})
		}
		// Actions settle independently; the first error only flags the batch.
		if err := g.Wait(); err != nil && d.auditLog != nil {
			d.auditLog.Append("dispatch", "action_failed", h.HandlerID, map[string]any{
				"event_id": event.EventID, "error": err.Error(),
			})
		}
	}

	if len(h.Pipeline) > 0 {
		if d.pipelines == nil {
			slog.Error("Handler pipeline dropped, no pipeline runner configured",
				"handler_id", h.HandlerID, "event_id", event.EventID)
			return
		}
		pctx := d.pipelines.Execute(ctx, h.Pipeline, event, h.HandlerID)
		if d.auditLog != nil {
			d.auditLog.Append("dispatch", "pipeline_finished", h.HandlerID, map[string]any{
				"event_id": event.EventID, "result": pctx.Result,
			})
		}
	}
}

// runAction executes one parallel handler action.
func (d *Dispatcher) runAction(ctx context.Context, action *models.HandlerAction, event *models.PropagatedEvent) error {
	scope := map[string]any{"event": sandbox.Normalize(event)}

	switch action.Kind {
	case models.HandlerAlert:
		message := d.eval.RenderTemplate(action.Message, scope)
		slog.Warn("Handler alert",
			"event_id", event.EventID, "machine_id", event.MachineID,
			"severity", action.Severity, "message", message)
		return nil

	case models.HandlerCreateTicket:
		message := d.eval.RenderTemplate(action.Message, scope)
		if d.auditLog != nil {
			d.auditLog.Append("dispatch", "ticket_requested", event.MachineID, map[string]any{
				"event_id": event.EventID, "severity": action.Severity, "message": message,
			})
		}
		slog.Info("Handler ticket requested",
			"event_id", event.EventID, "severity", action.Severity, "message", message)
		return nil

	case models.HandlerDispatchRemoteCmd:
		if action.Command == nil {
			return fmt.Errorf("dispatch_remote_command without a command")
		}
		return d.emit(ctx, action.TargetNodeID, *action.Command, event)

	case models.HandlerEvaluateAndForward:
		return d.evaluateAndForward(ctx, action, event)

	case models.HandlerCallHTTP:
		return d.callHTTP(ctx, action, event, scope)

	case models.HandlerPersistEvent:
		if d.persister == nil {
			slog.Info("Event persistence skipped, no persister configured", "event_id", event.EventID)
			return nil
		}
		return d.persister.PersistEvent(ctx, event)

	case models.HandlerAuditLog:
		if d.auditLog == nil {
			return nil
		}
		d.auditLog.Append("dispatch", "event_recorded", event.MachineID, map[string]any{
			"event_id":           event.EventID,
			"workflow_id":        event.WorkflowID,
			"satisfaction_level": event.SatisfactionLevel,
			"signature":          event.Signature,
		})
		return nil

	default:
		return fmt.Errorf("unknown handler action kind %q", action.Kind)
	}
}

// evaluateAndForward binds the named precursor signal as "signal", evaluates
// the condition, and emits one of the two remote commands.
func (d *Dispatcher) evaluateAndForward(ctx context.Context, action *models.HandlerAction, event *models.PropagatedEvent) error {
	var signal *models.PrecursorSignal
	for i := range event.PrecursorSignals {
		if event.PrecursorSignals[i].MetricName == action.SignalName {
			signal = &event.PrecursorSignals[i]
			break
		}
	}
	if signal == nil {
		return fmt.Errorf("%w: %q on event %s", ErrSignalNotFound, action.SignalName, event.EventID)
	}

	verdict := d.eval.EvaluateBool(action.Condition, map[string]any{
		"signal": sandbox.Normalize(signal),
	})
	cmd := action.CommandOnFalse
	if verdict {
		cmd = action.CommandOnTrue
	}
	if cmd == nil {
		slog.Info("Forward condition evaluated, no command for branch",
			"signal", action.SignalName, "verdict", verdict, "event_id", event.EventID)
		return nil
	}
	return d.emit(ctx, action.TargetNodeID, *cmd, event)
}

// emit stamps and delivers a remote command.
func (d *Dispatcher) emit(ctx context.Context, targetNodeID string, cmd models.RemoteCommand, event *models.PropagatedEvent) error {
	if d.emitter == nil {
		return ErrNoEmitter
	}
	if cmd.CommandID == "" {
		cmd.CommandID = uuid.New().String()
	}
	cmd.SourceEventID = event.EventID
	cmd.SourceMachineID = event.MachineID

	if err := d.emitter.EmitRemoteCommand(ctx, targetNodeID, cmd); err != nil {
		return fmt.Errorf("remote command %s to node %s: %w", cmd.Command, targetNodeID, err)
	}
	slog.Info("Remote command dispatched",
		"command_id", cmd.CommandID, "command", cmd.Command,
		"target_node_id", targetNodeID, "event_id", event.EventID)
	return nil
}

// callHTTP posts the resolved slots to the action's URL.
func (d *Dispatcher) callHTTP(ctx context.Context, action *models.HandlerAction, event *models.PropagatedEvent, scope map[string]any) error {
	method := strings.ToUpper(action.Method)
	if method == "" {
		method = http.MethodPost
	}

	payload := make(map[string]any, len(action.Slots))
	for name, ref := range action.Slots {
		if strings.Contains(ref, "{{") {
			payload[name] = d.eval.RenderTemplate(ref, scope)
			continue
		}
		if v, ok := sandbox.Resolve(scope, ref); ok {
			payload[name] = v
			continue
		}
		payload[name] = ref
	}

	var body *bytes.Reader
	if method == http.MethodGet {
		body = bytes.NewReader(nil)
	} else {
		raw, err := json.Marshal(payload)
		if err != nil {
			return fmt.Errorf("failed to encode payload: %w", err)
		}
		body = bytes.NewReader(raw)
	}

	url := d.eval.RenderTemplate(action.URL, scope)
	req, err := http.NewRequestWithContext(ctx, method, url, body)
	if err != nil {
		return fmt.Errorf("failed to build request: %w", err)
	}
	if method != http.MethodGet {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := d.client.Do(req)
	if err != nil {
		return fmt.Errorf("http action failed: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("http action to %s returned status %d", url, resp.StatusCode)
	}
	return nil
}
