// Package fsm runs deployed event state machines: it evaluates trigger
// events against live instances, fires transitions, executes on-entry
// actions, and emits propagated events on match.
package fsm

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/corrflow/corrflow/pkg/bus"
	"github.com/corrflow/corrflow/pkg/connector"
	"github.com/corrflow/corrflow/pkg/llm"
	"github.com/corrflow/corrflow/pkg/models"
	"github.com/corrflow/corrflow/pkg/sandbox"
	"github.com/corrflow/corrflow/pkg/statestore"
	"github.com/corrflow/corrflow/pkg/window"
)

var (
	// ErrMachineDeployed is returned when deploying an already-deployed
	// machine id.
	ErrMachineDeployed = errors.New("machine already deployed")
)

// EventSink receives propagated events. The dispatcher satisfies it.
type EventSink interface {
	Dispatch(ctx context.Context, event *models.PropagatedEvent)
}

// RemoteCommandEmitter delivers deploy commands toward edge nodes.
type RemoteCommandEmitter interface {
	EmitRemoteCommand(ctx context.Context, targetNodeID string, cmd models.RemoteCommand) error
}

// LLMCaller executes llm_call on-entry actions.
type LLMCaller interface {
	Call(ctx context.Context, desc *models.CompiledLLMContext, resolvedSlots map[string]any, workflowID string) (*llm.CallResult, error)
}

// ConnectorClient executes connector-backed on-entry actions.
type ConnectorClient interface {
	Execute(ctx context.Context, connectorID, principalID, action string, slots map[string]any, extractOutput map[string]string) (*connector.Result, error)
}

// GateRegistrar is the approval coordinator surface the runtime needs.
type GateRegistrar interface {
	RegisterGate(desc models.ApprovalGateDescriptor, instanceID, machineID, workflowID string, contextSnapshot map[string]any) (*models.ApprovalGate, error)
	CancelAllForInstance(instanceID string) int
}

// Config wires the runtime's collaborators. Bus is required; everything else
// may be nil and the corresponding features degrade with a logged warning.
type Config struct {
	NodeID     string
	Bus        *bus.Bus
	Windows    *window.Manager
	Store      statestore.Store
	Sink       EventSink
	Gates      GateRegistrar
	LLM        LLMCaller
	Connectors ConnectorClient
	Remote     RemoteCommandEmitter
}

type instanceEntry struct {
	mu      sync.Mutex
	state   *models.FSMRuntimeState
	trends  map[string][]float64
	removed bool
}

type deployment struct {
	workflowID string
	descriptor *models.FSMDescriptor
	remote     bool
	// order holds transition indices sorted by ascending effective priority.
	order []int

	mu        sync.Mutex
	instances map[string]*instanceEntry
}

// MachineStatus summarizes one deployed machine for the REST surface.
type MachineStatus struct {
	MachineID  string `json:"machine_id"`
	WorkflowID string `json:"workflow_id"`
	Remote     bool   `json:"remote"`
	Instances  int    `json:"instances"`
}

// Runtime owns the deployed machines and their live instances. Instance
// processing is serialized per instance and parallel across instances.
type Runtime struct {
	nodeID     string
	eval       *sandbox.Evaluator
	bus        *bus.Bus
	sub        *bus.Subscription
	windows    *window.Manager
	store      statestore.Store
	sink       EventSink
	gates      GateRegistrar
	llm        LLMCaller
	connectors ConnectorClient
	remote     RemoteCommandEmitter

	mu       sync.RWMutex
	deployed map[string]*deployment

	dispatchWG sync.WaitGroup
}

// NewRuntime creates a runtime from the config. The trigger bus subscription
// is taken here, not in Run, so events published between construction and the
// start of the consume loop are buffered instead of dropped.
func NewRuntime(cfg Config) *Runtime {
	windows := cfg.Windows
	if windows == nil {
		windows = window.NewManager()
	}
	store := cfg.Store
	if store == nil {
		store = statestore.NewNoop()
	}
	var sub *bus.Subscription
	if cfg.Bus != nil {
		sub = cfg.Bus.Subscribe()
	}
	return &Runtime{
		nodeID:     cfg.NodeID,
		eval:       sandbox.NewEvaluator(),
		bus:        cfg.Bus,
		sub:        sub,
		windows:    windows,
		store:      store,
		sink:       cfg.Sink,
		gates:      cfg.Gates,
		llm:        cfg.LLM,
		connectors: cfg.Connectors,
		remote:     cfg.Remote,
		deployed:   make(map[string]*deployment),
	}
}

// DeployFSM validates and registers a machine. A descriptor targeting a
// different node is forwarded as a deploy_fsm remote command and recorded as
// a stub; a local descriptor restores any persisted instances and starts
// evaluating.
func (r *Runtime) DeployFSM(ctx context.Context, workflowID string, desc *models.FSMDescriptor) error {
	if err := models.ValidateMachine(desc); err != nil {
		return err
	}

	remote := desc.TargetNodeID != "" && desc.TargetNodeID != r.nodeID
	dep := &deployment{
		workflowID: workflowID,
		descriptor: desc,
		remote:     remote,
		order:      transitionOrder(desc),
		instances:  make(map[string]*instanceEntry),
	}

	r.mu.Lock()
	if _, ok := r.deployed[desc.MachineID]; ok {
		r.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrMachineDeployed, desc.MachineID)
	}
	r.deployed[desc.MachineID] = dep
	r.mu.Unlock()

	if remote {
		if r.remote == nil {
			slog.Warn("Remote FSM recorded as stub, no command emitter configured",
				"machine_id", desc.MachineID, "target_node_id", desc.TargetNodeID)
		} else if err := r.remote.EmitRemoteCommand(ctx, desc.TargetNodeID, models.RemoteCommand{
			CommandID: uuid.New().String(),
			Command:   "deploy_fsm",
			DeployFSM: desc,
		}); err != nil {
			slog.Error("Remote FSM deploy command failed",
				"machine_id", desc.MachineID, "target_node_id", desc.TargetNodeID, "error", err)
		}
		slog.Info("FSM deployed remotely",
			"machine_id", desc.MachineID, "workflow_id", workflowID, "target_node_id", desc.TargetNodeID)
		return nil
	}

	r.restoreInstances(ctx, dep)
	slog.Info("FSM deployed",
		"machine_id", desc.MachineID, "workflow_id", workflowID,
		"states", len(desc.States), "transitions", len(desc.Transitions))
	return nil
}

// restoreInstances reloads persisted snapshots and re-arms their windows.
func (r *Runtime) restoreInstances(ctx context.Context, dep *deployment) {
	states, err := r.store.LoadAllForMachine(ctx, dep.descriptor.MachineID)
	if err != nil {
		slog.Warn("Failed to restore FSM instances",
			"machine_id", dep.descriptor.MachineID, "error", err)
		return
	}
	for _, state := range states {
		entry := &instanceEntry{state: state}
		dep.mu.Lock()
		dep.instances[state.InstanceID] = entry
		dep.mu.Unlock()

		if state.WindowExpiresAt == nil {
			continue
		}
		remaining := time.Until(*state.WindowExpiresAt).Milliseconds()
		if remaining <= 0 {
			go r.handleWindowExpiry(dep, state.InstanceID)
			continue
		}
		r.windows.StartWindow(state.InstanceID, state.MachineID, remaining, func(instanceID string) {
			r.handleWindowExpiry(dep, instanceID)
		})
	}
	if len(states) > 0 {
		slog.Info("FSM instances restored",
			"machine_id", dep.descriptor.MachineID, "count", len(states))
	}
}

// UndeployWorkflow removes every machine of the workflow and tears down
// their instances. Returns the number of machines removed.
func (r *Runtime) UndeployWorkflow(ctx context.Context, workflowID string) int {
	r.mu.Lock()
	var removed []*deployment
	for machineID, dep := range r.deployed {
		if dep.workflowID == workflowID {
			removed = append(removed, dep)
			delete(r.deployed, machineID)
		}
	}
	r.mu.Unlock()

	for _, dep := range removed {
		dep.mu.Lock()
		entries := make([]*instanceEntry, 0, len(dep.instances))
		for _, entry := range dep.instances {
			entries = append(entries, entry)
		}
		dep.instances = make(map[string]*instanceEntry)
		dep.mu.Unlock()

		for _, entry := range entries {
			entry.mu.Lock()
			entry.removed = true
			r.teardownLocked(ctx, dep, entry)
			entry.mu.Unlock()
		}
	}
	if len(removed) > 0 {
		slog.Info("Workflow undeployed", "workflow_id", workflowID, "machines", len(removed))
	}
	return len(removed)
}

// Deployed returns a status summary of all deployed machines.
func (r *Runtime) Deployed() []MachineStatus {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]MachineStatus, 0, len(r.deployed))
	for machineID, dep := range r.deployed {
		dep.mu.Lock()
		n := len(dep.instances)
		dep.mu.Unlock()
		out = append(out, MachineStatus{
			MachineID:  machineID,
			WorkflowID: dep.workflowID,
			Remote:     dep.remote,
			Instances:  n,
		})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].MachineID < out[j].MachineID })
	return out
}

// InstanceStates returns snapshot copies of a machine's live instances.
func (r *Runtime) InstanceStates(machineID string) []models.FSMRuntimeState {
	r.mu.RLock()
	dep, ok := r.deployed[machineID]
	r.mu.RUnlock()
	if !ok {
		return nil
	}

	dep.mu.Lock()
	entries := make([]*instanceEntry, 0, len(dep.instances))
	for _, entry := range dep.instances {
		entries = append(entries, entry)
	}
	dep.mu.Unlock()

	out := make([]models.FSMRuntimeState, 0, len(entries))
	for _, entry := range entries {
		entry.mu.Lock()
		if !entry.removed {
			out = append(out, *entry.state)
		}
		entry.mu.Unlock()
	}
	return out
}

// Run consumes the construction-time bus subscription until the context is
// done. Synthetic approval events arrive on the same bus, so one subscription
// covers both streams.
func (r *Runtime) Run(ctx context.Context) {
	if r.sub == nil {
		slog.Warn("FSM runtime has no trigger bus, nothing to consume")
		return
	}
	defer r.bus.Unsubscribe(r.sub)

	slog.Info("FSM runtime started", "node_id", r.nodeID)
	for {
		select {
		case <-ctx.Done():
			slog.Info("FSM runtime stopping")
			return
		case event, ok := <-r.sub.Events():
			if !ok {
				return
			}
			r.HandleEvent(ctx, &event)
		}
	}
}

// HandleEvent routes one trigger event to every subscribed machine: live
// instances advance first, then the new-instance rule is considered. Machines
// process the event concurrently; HandleEvent returns once all have settled,
// which keeps arrival order per instance across successive events.
func (r *Runtime) HandleEvent(ctx context.Context, event *models.TriggerEvent) {
	r.mu.RLock()
	deps := make([]*deployment, 0, len(r.deployed))
	for _, dep := range r.deployed {
		deps = append(deps, dep)
	}
	r.mu.RUnlock()

	var wg sync.WaitGroup
	for _, dep := range deps {
		if dep.remote || !dep.descriptor.SubscribesTo(event.DriverID) {
			continue
		}
		wg.Add(1)
		go func(dep *deployment) {
			defer wg.Done()
			r.advanceInstances(ctx, dep, event)
			r.maybeStartInstance(ctx, dep, event)
		}(dep)
	}
	wg.Wait()
}

// advanceInstances fires at most one transition per live instance: the first
// matching candidate in priority order. Instances advance concurrently; the
// per-entry mutex serializes each one.
func (r *Runtime) advanceInstances(ctx context.Context, dep *deployment, event *models.TriggerEvent) {
	dep.mu.Lock()
	entries := make([]*instanceEntry, 0, len(dep.instances))
	for _, entry := range dep.instances {
		entries = append(entries, entry)
	}
	dep.mu.Unlock()

	var wg sync.WaitGroup
	for _, entry := range entries {
		wg.Add(1)
		go func(entry *instanceEntry) {
			defer wg.Done()
			entry.mu.Lock()
			defer entry.mu.Unlock()
			if entry.removed {
				return
			}
			r.fireFirstMatch(ctx, dep, entry, event)
		}(entry)
	}
	wg.Wait()
}

// fireFirstMatch evaluates candidates for the entry's current state. Caller
// holds the entry lock.
func (r *Runtime) fireFirstMatch(ctx context.Context, dep *deployment, entry *instanceEntry, event *models.TriggerEvent) {
	state := entry.state
	for _, ti := range dep.order {
		t := &dep.descriptor.Transitions[ti]
		if t.EffectiveGuard() == models.GuardWindowElapsed {
			continue
		}
		if !containsString(t.FromStates, state.CurrentState) {
			continue
		}
		matched, captures := r.matchCondition(&t.Condition, event, state)
		if !matched {
			continue
		}
		if t.EffectiveGuard() == models.GuardWithinWindow && !r.windows.IsWindowActive(state.InstanceID) {
			continue
		}
		r.executeTransition(ctx, dep, entry, t, captures)
		return
	}
}

// maybeStartInstance applies the new-instance rule: a transition out of the
// initial state whose condition matches starts a fresh instance and fires on
// it immediately.
func (r *Runtime) maybeStartInstance(ctx context.Context, dep *deployment, event *models.TriggerEvent) {
	desc := dep.descriptor
	fresh := models.NewFSMRuntimeState(desc, uuid.New().String(), dep.workflowID, r.nodeID, time.Now())

	for _, ti := range dep.order {
		t := &desc.Transitions[ti]
		if t.EffectiveGuard() == models.GuardWindowElapsed {
			continue
		}
		if !containsString(t.FromStates, desc.InitialState) {
			continue
		}
		// within_window can never hold for an instance with no window yet.
		if t.EffectiveGuard() == models.GuardWithinWindow {
			continue
		}
		matched, captures := r.matchCondition(&t.Condition, event, fresh)
		if !matched {
			continue
		}

		entry := &instanceEntry{state: fresh}
		dep.mu.Lock()
		dep.instances[fresh.InstanceID] = entry
		dep.mu.Unlock()

		slog.Info("FSM instance started",
			"machine_id", desc.MachineID, "instance_id", fresh.InstanceID,
			"trigger_event_id", event.EventID)

		entry.mu.Lock()
		r.executeTransition(ctx, dep, entry, t, captures)
		entry.mu.Unlock()
		return
	}
}

// executeTransition runs the atomic transition sequence: state update,
// matched-value recording, best-effort persist, then on-entry actions in
// declaration order. Caller holds the entry lock.
func (r *Runtime) executeTransition(ctx context.Context, dep *deployment, entry *instanceEntry, t *models.Transition, captures []capture) {
	state := entry.state
	from := state.CurrentState
	now := time.Now()
	state.CurrentState = t.ToState
	state.LastTransitionAt = now

	for _, c := range captures {
		if c.metric == "" {
			continue
		}
		state.MatchedValues[c.metric] = models.MatchedValue{Value: c.value, Unit: c.unit, Timestamp: now}
		if f, ok := sandbox.AsFloat(c.value); ok {
			recordTrendSample(entry, c.metric, f)
		}
	}

	r.store.Save(ctx, state)

	slog.Info("FSM transition fired",
		"machine_id", state.MachineID, "instance_id", state.InstanceID,
		"from", from, "to", t.ToState, "matched", len(captures))

	for i := range t.OnEntry {
		r.runOnEntry(ctx, dep, entry, &t.OnEntry[i])
		if entry.removed {
			return
		}
	}
	r.store.Save(ctx, state)
}

// runOnEntry executes one on-entry action. Failures are logged; the state
// change already happened and is retained. Caller holds the entry lock.
func (r *Runtime) runOnEntry(ctx context.Context, dep *deployment, entry *instanceEntry, action *models.OnEntryAction) {
	state := entry.state

	switch action.Kind {
	case models.ActionLog:
		message := r.eval.RenderTemplate(action.Message, r.instanceScope(state))
		slog.Info("FSM on-entry log",
			"machine_id", state.MachineID, "instance_id", state.InstanceID,
			"state", state.CurrentState, "matched_values", len(state.MatchedValues),
			"message", message)

	case models.ActionStartWindowTimer:
		windowMS := action.TimerMS
		if windowMS <= 0 {
			windowMS = dep.descriptor.WindowMS
		}
		if windowMS <= 0 {
			slog.Warn("Window start skipped, no duration configured",
				"machine_id", state.MachineID, "instance_id", state.InstanceID)
			return
		}
		w := r.windows.StartWindow(state.InstanceID, state.MachineID, windowMS, func(instanceID string) {
			r.handleWindowExpiry(dep, instanceID)
		})
		startedAt, expiresAt := w.StartedAt, w.ExpiresAt
		state.WindowStartedAt = &startedAt
		state.WindowExpiresAt = &expiresAt

	case models.ActionCancelWindowTimer:
		r.windows.CancelWindow(state.InstanceID)

	case models.ActionPropagatePartial:
		satisfaction := float64(len(state.MatchedValues)) / float64(dep.descriptor.TotalConditions())
		if satisfaction > 1.0 {
			satisfaction = 1.0
		}
		r.emitPropagated(ctx, r.buildPropagatedEvent(dep, entry, satisfaction))

	case models.ActionPropagateEnriched:
		r.windows.CancelWindow(state.InstanceID)
		r.emitPropagated(ctx, r.buildPropagatedEvent(dep, entry, 1.0))
		r.resetInstanceLocked(ctx, dep, entry)

	case models.ActionResetFSM:
		r.resetInstanceLocked(ctx, dep, entry)

	case models.ActionControlActuator:
		local := models.LocalAction{
			ActuatorID: action.ActuatorID,
			Command:    action.Command,
			Value:      action.Value,
			Timestamp:  time.Now(),
			Success:    true,
		}
		if action.CancellationWindowMS > 0 {
			until := time.Now().Add(time.Duration(action.CancellationWindowMS) * time.Millisecond)
			local.CancellableUntil = &until
		}
		state.LocalActionsTaken = append(state.LocalActionsTaken, local)
		slog.Info("Local actuator action",
			"instance_id", state.InstanceID, "actuator_id", action.ActuatorID,
			"command", action.Command, "value", action.Value)

	case models.ActionIncreaseSamplingRate:
		state.SamplingRateChanges = append(state.SamplingRateChanges, models.SamplingRateChange{
			DriverID:  action.DriverID,
			RateHz:    action.SamplingRateHz,
			AppliedAt: time.Now(),
		})
		r.bus.Sampling().SetSamplingRate(action.DriverID, action.SamplingRateHz)

	case models.ActionResetSamplingRate:
		r.bus.Sampling().ResetSamplingRate(action.DriverID)
		kept := state.SamplingRateChanges[:0]
		for _, change := range state.SamplingRateChanges {
			if change.DriverID != action.DriverID {
				kept = append(kept, change)
			}
		}
		state.SamplingRateChanges = kept

	case models.ActionLLMCall, models.ActionMLScoreCall, models.ActionCRMQuery:
		output, err := r.fetchOutput(ctx, state, action)
		if err != nil {
			slog.Error("FSM on-entry fetch failed",
				"instance_id", state.InstanceID, "kind", action.Kind,
				"instruction_id", action.InstructionID, "error", err)
			return
		}
		state.StepOutputs[action.InstructionID] = output

	case models.ActionParallelFetch:
		r.parallelFetch(ctx, state, action.SubActions)

	case models.ActionHumanApprovalGate:
		if r.gates == nil || action.Gate == nil {
			slog.Warn("Approval gate skipped, no coordinator configured",
				"instance_id", state.InstanceID)
			return
		}
		snapshot := make(map[string]any, len(action.Gate.ContextSources))
		scope := r.instanceScope(state)
		for _, path := range action.Gate.ContextSources {
			if v, ok := sandbox.Resolve(scope, path); ok {
				snapshot[path] = v
			}
		}
		if _, err := r.gates.RegisterGate(*action.Gate, state.InstanceID, state.MachineID, state.WorkflowID, snapshot); err != nil {
			slog.Error("Approval gate registration failed",
				"instance_id", state.InstanceID, "gate_id", action.Gate.GateID, "error", err)
			return
		}
		state.PendingApprovalGates[action.Gate.GateID] = models.PendingGate{RegisteredAt: time.Now()}

	default:
		slog.Warn("Unknown on-entry action kind",
			"instance_id", state.InstanceID, "kind", action.Kind)
	}
}

// fetchOutput performs the I/O of an llm_call / ml_score_call / crm_query
// action and returns what gets stored under the instruction id.
func (r *Runtime) fetchOutput(ctx context.Context, state *models.FSMRuntimeState, action *models.OnEntryAction) (any, error) {
	scope := r.instanceScope(state)

	switch action.Kind {
	case models.ActionLLMCall:
		if r.llm == nil || action.LLMContext == nil {
			return nil, fmt.Errorf("no llm caller or context for instruction %s", action.InstructionID)
		}
		result, err := r.llm.Call(ctx, action.LLMContext, r.resolveActionSlots(action.Slots, scope), state.WorkflowID)
		if err != nil {
			return nil, err
		}
		return result.Parsed, nil

	case models.ActionMLScoreCall:
		if r.connectors == nil || action.ConnectorID == "" {
			return map[string]any{"score": 0.0, "model": "none", "reason": "no scoring connector configured"}, nil
		}
		result, err := r.connectors.Execute(ctx, action.ConnectorID, action.PrincipalID, "score", r.resolveActionSlots(action.Slots, scope), nil)
		if err != nil {
			return nil, err
		}
		return result.RawResponse, nil

	case models.ActionCRMQuery:
		if r.connectors == nil {
			return nil, fmt.Errorf("no connector dispatcher for instruction %s", action.InstructionID)
		}
		result, err := r.connectors.Execute(ctx, action.ConnectorID, action.PrincipalID, "record.fetch", r.resolveActionSlots(action.Slots, scope), nil)
		if err != nil {
			return nil, err
		}
		return result.RawResponse, nil

	default:
		return nil, fmt.Errorf("kind %q is not fetchable", action.Kind)
	}
}

// parallelFetch runs the fetchable sub-actions concurrently and stores their
// outputs after all have settled. Caller holds the entry lock; only the I/O
// fans out.
func (r *Runtime) parallelFetch(ctx context.Context, state *models.FSMRuntimeState, subActions []models.OnEntryAction) {
	type fetched struct {
		instructionID string
		output        any
		err           error
	}
	results := make([]fetched, len(subActions))

	var wg sync.WaitGroup
	for i := range subActions {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			action := &subActions[i]
			output, err := r.fetchOutput(ctx, state, action)
			results[i] = fetched{instructionID: action.InstructionID, output: output, err: err}
		}(i)
	}
	wg.Wait()

	for _, f := range results {
		if f.err != nil {
			slog.Error("Parallel fetch sub-action failed",
				"instance_id", state.InstanceID, "instruction_id", f.instructionID, "error", f.err)
			continue
		}
		state.StepOutputs[f.instructionID] = f.output
	}
}

// handleWindowExpiry is the timer callback: it fires the state's single
// window_elapsed transition and removes the instance.
func (r *Runtime) handleWindowExpiry(dep *deployment, instanceID string) {
	dep.mu.Lock()
	entry, ok := dep.instances[instanceID]
	dep.mu.Unlock()
	if !ok {
		return
	}

	entry.mu.Lock()
	defer entry.mu.Unlock()
	if entry.removed {
		return
	}
	state := entry.state

	slog.Info("Correlation window elapsed",
		"machine_id", state.MachineID, "instance_id", instanceID, "state", state.CurrentState)

	ctx := context.Background()
	for _, ti := range dep.order {
		t := &dep.descriptor.Transitions[ti]
		if t.EffectiveGuard() != models.GuardWindowElapsed {
			continue
		}
		if !containsString(t.FromStates, state.CurrentState) {
			continue
		}
		r.executeTransition(ctx, dep, entry, t, nil)
		break
	}
	if !entry.removed {
		r.resetInstanceLocked(ctx, dep, entry)
	}
}

// emitPropagated hands the event to the sink on its own goroutine so handler
// execution never blocks instance processing.
func (r *Runtime) emitPropagated(ctx context.Context, event *models.PropagatedEvent) {
	if r.sink == nil {
		slog.Warn("Propagated event dropped, no sink configured",
			"machine_id", event.MachineID, "event_id", event.EventID)
		return
	}
	r.dispatchWG.Add(1)
	go func() {
		defer r.dispatchWG.Done()
		r.sink.Dispatch(ctx, event)
	}()
}

// resetInstanceLocked removes the instance from the live set and tears down
// everything attached to it. Caller holds the entry lock.
func (r *Runtime) resetInstanceLocked(ctx context.Context, dep *deployment, entry *instanceEntry) {
	entry.removed = true
	dep.mu.Lock()
	delete(dep.instances, entry.state.InstanceID)
	dep.mu.Unlock()
	r.teardownLocked(ctx, dep, entry)
}

// teardownLocked cancels windows and gates, reverts sampling changes, and
// drops the snapshot. Caller holds the entry lock with removed already set.
func (r *Runtime) teardownLocked(ctx context.Context, dep *deployment, entry *instanceEntry) {
	state := entry.state
	r.windows.CancelWindow(state.InstanceID)
	if r.gates != nil {
		r.gates.CancelAllForInstance(state.InstanceID)
	}
	for _, change := range state.SamplingRateChanges {
		r.bus.Sampling().ResetSamplingRate(change.DriverID)
	}
	state.SamplingRateChanges = nil
	r.store.Remove(ctx, state.InstanceID, state.MachineID)

	slog.Info("FSM instance reset",
		"machine_id", state.MachineID, "instance_id", state.InstanceID)
}

// Shutdown waits for in-flight propagated-event dispatches to settle.
func (r *Runtime) Shutdown() {
	r.dispatchWG.Wait()
}

// instanceScope is the sandbox scope for on-entry templates and slots.
func (r *Runtime) instanceScope(state *models.FSMRuntimeState) map[string]any {
	return map[string]any{
		"instance_id":    state.InstanceID,
		"machine_id":     state.MachineID,
		"state":          state.CurrentState,
		"matched_values": sandbox.Normalize(state.MatchedValues),
		"step_outputs":   sandbox.Normalize(state.StepOutputs),
	}
}

// resolveActionSlots materializes slot refs: templates render, dot paths
// resolve, everything else passes through as a literal.
func (r *Runtime) resolveActionSlots(slots map[string]string, scope map[string]any) map[string]any {
	if len(slots) == 0 {
		return nil
	}
	out := make(map[string]any, len(slots))
	for name, ref := range slots {
		if strings.Contains(ref, "{{") {
			out[name] = r.eval.RenderTemplate(ref, scope)
			continue
		}
		if v, ok := sandbox.Resolve(scope, ref); ok {
			out[name] = v
			continue
		}
		out[name] = ref
	}
	return out
}

// transitionOrder returns transition indices sorted by ascending effective
// priority, declaration order preserved within equal priorities.
func transitionOrder(desc *models.FSMDescriptor) []int {
	order := make([]int, len(desc.Transitions))
	for i := range order {
		order[i] = i
	}
	sort.SliceStable(order, func(a, b int) bool {
		return desc.Transitions[order[a]].EffectivePriority() < desc.Transitions[order[b]].EffectivePriority()
	})
	return order
}

func containsString(list []string, s string) bool {
	for _, v := range list {
		if v == s {
			return true
		}
	}
	return false
}
