// Package pipeline executes compiled step sequences against a propagated
// event. Regular steps run sequentially; mandatory audit writes run after the
// regular set no matter how it ended.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"strings"
	"time"

	"github.com/corrflow/corrflow/pkg/approval"
	"github.com/corrflow/corrflow/pkg/connector"
	"github.com/corrflow/corrflow/pkg/llm"
	"github.com/corrflow/corrflow/pkg/models"
	"github.com/corrflow/corrflow/pkg/sandbox"
)

// gateGrace extends the in-process gate wait past the coordinator's own
// timeout so the synthetic timeout event always arrives first.
const gateGrace = 5 * time.Second

var (
	// ErrNoConnector is returned when a connector-backed step runs without a
	// dispatcher wired in.
	ErrNoConnector = errors.New("no connector dispatcher configured")
	// ErrNoLLM is returned when an LLM step runs without a caller wired in.
	ErrNoLLM = errors.New("no llm caller configured")
	// ErrNoGates is returned when a gate step runs without a coordinator.
	ErrNoGates = errors.New("no approval coordinator configured")
	// ErrLoopExhausted is returned when a loop hits max_iterations with
	// on_max_iterations=fail.
	ErrLoopExhausted = errors.New("loop exhausted without converging")
)

// ConnectorClient dispatches connector-backed step kinds.
type ConnectorClient interface {
	Execute(ctx context.Context, connectorID, principalID, action string, slots map[string]any, extractOutput map[string]string) (*connector.Result, error)
}

// LLMClient executes single llm_call steps.
type LLMClient interface {
	Call(ctx context.Context, desc *models.CompiledLLMContext, resolvedSlots map[string]any, workflowID string) (*llm.CallResult, error)
}

// MultiLLMClient executes multi_llm_pipeline steps.
type MultiLLMClient interface {
	Run(ctx context.Context, spec *models.MultiLLMSpec, scope map[string]any, workflowID string) (*llm.MultiResult, error)
}

// GateCoordinator registers approval gates and exposes the decision stream.
type GateCoordinator interface {
	RegisterGate(desc models.ApprovalGateDescriptor, instanceID, machineID, workflowID string, contextSnapshot map[string]any) (*models.ApprovalGate, error)
	Watch() (<-chan approval.DecisionEvent, func())
}

// Executor runs compiled pipelines. Collaborators may be nil; steps needing
// an absent one fail with a typed error instead of panicking.
type Executor struct {
	eval       *sandbox.Evaluator
	connectors ConnectorClient
	llm        LLMClient
	multi      MultiLLMClient
	gates      GateCoordinator
}

// NewExecutor creates an executor.
func NewExecutor(eval *sandbox.Evaluator, connectors ConnectorClient, llmClient LLMClient, multi MultiLLMClient, gates GateCoordinator) *Executor {
	if eval == nil {
		eval = sandbox.NewEvaluator()
	}
	return &Executor{eval: eval, connectors: connectors, llm: llmClient, multi: multi, gates: gates}
}

// Execute runs the steps against the event and returns the accumulated
// context. Mandatory write_crm steps are partitioned out and run after the
// regular set regardless of its outcome.
func (e *Executor) Execute(ctx context.Context, steps []models.PipelineStep, event *models.PropagatedEvent, pipelineID string) *models.PipelineContext {
	pctx := models.NewPipelineContext(event)

	var regular, mandatory []models.PipelineStep
	for _, step := range steps {
		if step.Kind == models.StepWriteCRM && step.Mandatory {
			mandatory = append(mandatory, step)
		} else {
			regular = append(regular, step)
		}
	}

	slog.Info("Pipeline execution started",
		"pipeline_id", pipelineID, "regular_steps", len(regular), "mandatory_steps", len(mandatory))

	pctx.Result = models.PipelineResultSuccess
	if err := e.runSequence(ctx, regular, pctx, pipelineID); err != nil {
		pctx.Result = models.PipelineResultFailed
		slog.Error("Pipeline regular set failed", "pipeline_id", pipelineID, "error", err)
	}

	// Audit-trail guarantee: mandatory writes always run, failures are
	// logged rather than rethrown.
	for i := range mandatory {
		if err := e.runStep(ctx, &mandatory[i], pctx, pipelineID); err != nil {
			slog.Error("Mandatory step failed",
				"pipeline_id", pipelineID, "step_id", mandatory[i].ID, "error", err)
		}
	}

	slog.Info("Pipeline execution finished", "pipeline_id", pipelineID, "result", pctx.Result)
	return pctx
}

// runSequence runs steps in order, halting at the first failure that is not
// marked continue_on_failure.
func (e *Executor) runSequence(ctx context.Context, steps []models.PipelineStep, pctx *models.PipelineContext, pipelineID string) error {
	for i := range steps {
		step := &steps[i]
		if err := e.runStep(ctx, step, pctx, pipelineID); err != nil {
			if step.ContinueOnFailure {
				slog.Warn("Step failed, continuing",
					"pipeline_id", pipelineID, "step_id", step.ID, "error", err)
				continue
			}
			return fmt.Errorf("step %s: %w", step.ID, err)
		}
	}
	return nil
}

// runStep applies the gate-skip and dry-run guards, then dispatches with the
// step's retry policy. The step's result is written exactly once.
func (e *Executor) runStep(ctx context.Context, step *models.PipelineStep, pctx *models.PipelineContext, pipelineID string) error {
	if gateID := step.RequiresApprovalGateID; gateID != "" && !gateApproved(pctx, gateID) {
		reason := "gate_not_approved:" + gateID
		pctx.Pipeline[step.ID] = &models.StepResult{
			Status: models.StepStatusSkipped,
			Output: map[string]any{"skippedReason": reason},
		}
		slog.Info("Step skipped", "pipeline_id", pipelineID, "step_id", step.ID, "reason", reason)
		return nil
	}

	if step.DryRun {
		pctx.Pipeline[step.ID] = &models.StepResult{
			Status: models.StepStatusSuccess,
			Output: map[string]any{
				"dry_run":     true,
				"step_type":   string(step.Kind),
				"description": step.Description,
			},
		}
		return nil
	}

	start := time.Now()
	output, err := e.dispatchWithRetry(ctx, step, pctx, pipelineID)
	result := &models.StepResult{
		Output:     output,
		DurationMS: time.Since(start).Milliseconds(),
	}
	switch {
	case err == nil:
		result.Status = models.StepStatusSuccess
	case errors.Is(err, errGateUnresolved):
		result.Status = models.StepStatusWaitingApproval
		result.Error = err.Error()
		err = nil
	default:
		result.Status = models.StepStatusFailed
		result.Error = err.Error()
	}
	pctx.Pipeline[step.ID] = result
	return err
}

// dispatchWithRetry applies the step's retry policy around dispatch.
func (e *Executor) dispatchWithRetry(ctx context.Context, step *models.PipelineStep, pctx *models.PipelineContext, pipelineID string) (any, error) {
	maxAttempts := 1
	var backoff time.Duration
	multiplier := 1.0
	if step.Retry != nil {
		if step.Retry.MaxAttempts > 1 {
			maxAttempts = step.Retry.MaxAttempts
		}
		backoff = time.Duration(step.Retry.BackoffMS) * time.Millisecond
		if step.Retry.BackoffMultiplier > 0 {
			multiplier = step.Retry.BackoffMultiplier
		}
	}

	var lastErr error
	for attempt := 1; attempt <= maxAttempts; attempt++ {
		if attempt > 1 {
			wait := time.Duration(float64(backoff) * math.Pow(multiplier, float64(attempt-2)))
			select {
			case <-ctx.Done():
				return nil, ctx.Err()
			case <-time.After(wait):
			}
			slog.Info("Retrying step",
				"pipeline_id", pipelineID, "step_id", step.ID, "attempt", attempt)
		}
		output, err := e.dispatch(ctx, step, pctx, pipelineID)
		if err == nil {
			return output, nil
		}
		lastErr = err
	}
	return nil, lastErr
}

// dispatch executes one step kind.
func (e *Executor) dispatch(ctx context.Context, step *models.PipelineStep, pctx *models.PipelineContext, pipelineID string) (any, error) {
	scope := scopeOf(pctx)

	switch step.Kind {
	case models.StepLLMCall:
		if e.llm == nil {
			return nil, ErrNoLLM
		}
		if step.LLM == nil {
			return nil, fmt.Errorf("llm_call step %s has no descriptor", step.ID)
		}
		result, err := e.llm.Call(ctx, step.LLM, e.resolveSlots(step.Slots, scope), pipelineID)
		if err != nil {
			return nil, err
		}
		return result.Parsed, nil

	case models.StepLoop:
		return e.runLoop(ctx, step, pctx, pipelineID)

	case models.StepBranch:
		return e.runBranch(ctx, step, pctx, pipelineID, scope)

	case models.StepHumanApproval:
		return e.runGate(ctx, step, pctx, pipelineID, scope)

	case models.StepMultiLLMPipeline:
		if e.multi == nil {
			return nil, ErrNoLLM
		}
		if step.MultiLLM == nil {
			return nil, fmt.Errorf("multi_llm_pipeline step %s has no spec", step.ID)
		}
		return e.multi.Run(ctx, step.MultiLLM, scope, pipelineID)

	case models.StepMLScoreCall:
		// Without a connector the score is neutral, not an error.
		if step.ConnectorID == "" {
			return map[string]any{"score": 0.0, "model": "none", "reason": "no scoring connector configured"}, nil
		}
		return e.callConnector(ctx, step, scope, "score")

	case models.StepCRMQuery:
		return e.callConnector(ctx, step, scope, "record.fetch")

	case models.StepLog:
		message := e.eval.RenderTemplate(step.Message, scope)
		slog.Info("Pipeline log step", "pipeline_id", pipelineID, "step_id", step.ID, "message", message)
		return map[string]any{"message": message}, nil

	case models.StepSendEmail:
		return e.callConnector(ctx, step, scope, "message.send")

	case models.StepWriteCRM:
		return e.callConnector(ctx, step, scope, "record.create")

	case models.StepAlert:
		return e.callConnector(ctx, step, scope, "alert.trigger")

	case models.StepCallHTTP, models.StepConnectorAction:
		return e.callConnector(ctx, step, scope, "")

	default:
		return nil, fmt.Errorf("unknown step kind %q", step.Kind)
	}
}

// callConnector resolves slots and dispatches the step's action, falling back
// to the kind's default action when none is compiled in.
func (e *Executor) callConnector(ctx context.Context, step *models.PipelineStep, scope map[string]any, defaultAction string) (any, error) {
	if e.connectors == nil {
		return nil, ErrNoConnector
	}
	if step.ConnectorID == "" {
		return nil, fmt.Errorf("%w: step %s has no connector_id", connector.ErrIntegrationNotFound, step.ID)
	}
	action := step.Action
	if action == "" {
		action = defaultAction
	}
	if action == "" {
		return nil, fmt.Errorf("step %s has no action", step.ID)
	}

	result, err := e.connectors.Execute(ctx, step.ConnectorID, step.PrincipalID, action, e.resolveSlots(step.Slots, scope), step.ExtractOutput)
	if err != nil {
		return nil, err
	}
	if len(result.Extracted) > 0 {
		return result.Extracted, nil
	}
	return result.RawResponse, nil
}

// runLoop iterates the inner body in a scratch context copy until the
// convergence predicate holds or the budget runs out.
func (e *Executor) runLoop(ctx context.Context, step *models.PipelineStep, pctx *models.PipelineContext, pipelineID string) (any, error) {
	spec := step.Loop
	if spec == nil || spec.Body == nil {
		return nil, fmt.Errorf("loop step %s has no body", step.ID)
	}
	maxIterations := spec.MaxIterations
	if maxIterations <= 0 {
		maxIterations = 1
	}

	deadline := time.Time{}
	if spec.TimeoutMS > 0 {
		deadline = time.Now().Add(time.Duration(spec.TimeoutMS) * time.Millisecond)
	}

	// Body results accumulate in a scratch copy so loop-internal outputs
	// never leak into the outer pipeline scope.
	scratch := models.NewPipelineContext(pctx.Event)
	for id, result := range pctx.Pipeline {
		scratch.Pipeline[id] = result
	}

	var lastOutput, bestOutput any
	bestScore := math.Inf(-1)
	converged := false
	iterations := 0

	for i := 0; i < maxIterations; i++ {
		if !deadline.IsZero() && time.Now().After(deadline) {
			slog.Warn("Loop deadline reached",
				"pipeline_id", pipelineID, "step_id", step.ID, "iterations", iterations)
			break
		}
		iterations++

		if spec.ContextEnrichment == models.LoopContextAppendPrevious && lastOutput != nil {
			scratch.Pipeline[spec.Body.ID+"_previous"] = &models.StepResult{
				Status: models.StepStatusSuccess,
				Output: lastOutput,
			}
		}

		body := *spec.Body
		if err := e.runStep(ctx, &body, scratch, pipelineID); err != nil {
			return nil, fmt.Errorf("loop body iteration %d: %w", iterations, err)
		}
		lastOutput = scratch.Pipeline[body.ID].Output

		if spec.BestOutputField != "" {
			if v, ok := sandbox.Resolve(sandbox.Normalize(lastOutput), spec.BestOutputField); ok {
				if score, ok := sandbox.AsFloat(v); ok && score > bestScore {
					bestScore = score
					bestOutput = lastOutput
				}
			}
		}

		if spec.ConvergencePredicate != "" &&
			e.eval.EvaluateBool(spec.ConvergencePredicate, map[string]any{"output": sandbox.Normalize(lastOutput)}) {
			converged = true
			break
		}
	}

	finalOutput := lastOutput
	if !converged {
		switch spec.OnMaxIterations {
		case models.LoopUseLastAttempt:
		case models.LoopFail:
			return nil, fmt.Errorf("%w: %d iterations", ErrLoopExhausted, iterations)
		default: // use_best_attempt
			if bestOutput != nil {
				finalOutput = bestOutput
			}
		}
	}

	return map[string]any{
		"final_output": finalOutput,
		"best_output":  bestOutput,
		"iterations":   iterations,
		"converged":    converged,
	}, nil
}

// runBranch evaluates the condition and runs one arm inline. Arm step
// results land in the outer context.
func (e *Executor) runBranch(ctx context.Context, step *models.PipelineStep, pctx *models.PipelineContext, pipelineID string, scope map[string]any) (any, error) {
	spec := step.Branch
	if spec == nil {
		return nil, fmt.Errorf("branch step %s has no spec", step.ID)
	}

	condition := e.eval.EvaluateBool(spec.Condition, scope)
	arm := spec.IfFalse
	if condition {
		arm = spec.IfTrue
	}

	result := models.PipelineResultSuccess
	if err := e.runSequence(ctx, arm, pctx, pipelineID); err != nil {
		return map[string]any{"condition": condition, "result": models.PipelineResultFailed}, err
	}
	return map[string]any{"condition": condition, "result": result}, nil
}

// errGateUnresolved marks a gate whose decision event never arrived inside
// the grace window. The step ends waiting_approval, not failed.
var errGateUnresolved = errors.New("approval gate unresolved within wait window")

// runGate registers the approval gate, runs its notify_via sub-steps, and
// suspends on the coordinator's decision stream.
func (e *Executor) runGate(ctx context.Context, step *models.PipelineStep, pctx *models.PipelineContext, pipelineID string, scope map[string]any) (any, error) {
	spec := step.Gate
	if spec == nil {
		return nil, fmt.Errorf("gate step %s has no spec", step.ID)
	}
	if e.gates == nil {
		return nil, ErrNoGates
	}

	snapshot := make(map[string]any, len(spec.Descriptor.ContextSources))
	for _, path := range spec.Descriptor.ContextSources {
		if v, ok := sandbox.Resolve(scope, path); ok {
			snapshot[path] = v
		}
	}

	// Subscribe before registering so a decision racing the registration is
	// never missed.
	decisions, cancel := e.gates.Watch()
	defer cancel()

	if _, err := e.gates.RegisterGate(spec.Descriptor, "", "", pipelineID, snapshot); err != nil {
		return nil, err
	}

	// Notification sub-steps run in a scoped copy; their failures never
	// abort the gate.
	if len(spec.NotifyVia) > 0 {
		notifyCtx := models.NewPipelineContext(pctx.Event)
		for id, result := range pctx.Pipeline {
			notifyCtx.Pipeline[id] = result
		}
		if err := e.runSequence(ctx, spec.NotifyVia, notifyCtx, pipelineID); err != nil {
			slog.Warn("Gate notification sub-steps failed",
				"pipeline_id", pipelineID, "gate_id", spec.Descriptor.GateID, "error", err)
		}
	}

	wait := gateGrace
	if spec.Descriptor.TimeoutMS > 0 {
		wait += time.Duration(spec.Descriptor.TimeoutMS) * time.Millisecond
	}
	timer := time.NewTimer(wait)
	defer timer.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-timer.C:
			return nil, fmt.Errorf("%w: gate %s", errGateUnresolved, spec.Descriptor.GateID)
		case decision, ok := <-decisions:
			if !ok {
				return nil, fmt.Errorf("%w: gate %s", errGateUnresolved, spec.Descriptor.GateID)
			}
			if decision.GateID != spec.Descriptor.GateID {
				continue
			}
			return e.finishGate(ctx, spec, pctx, pipelineID, decision)
		}
	}
}

// finishGate runs the decision arm and shapes the gate step output.
func (e *Executor) finishGate(ctx context.Context, spec *models.GateSpec, pctx *models.PipelineContext, pipelineID string, decision approval.DecisionEvent) (any, error) {
	var arm []models.PipelineStep
	switch decision.Decision {
	case models.DecisionApproved:
		arm = spec.OnApproved
	case models.DecisionRejected:
		arm = spec.OnRejected
	}

	output := map[string]any{
		"gate_id":    decision.GateID,
		"decision":   decision.Decision,
		"decided_by": decision.DecidedBy,
		"comment":    decision.Comment,
	}
	if err := e.runSequence(ctx, arm, pctx, pipelineID); err != nil {
		return output, fmt.Errorf("gate %s %s arm: %w", decision.GateID, decision.Decision, err)
	}
	return output, nil
}

// gateApproved reports whether the named gate step ran and resolved approved.
// The reference is the gate step's id; gate outputs are also matched by their
// gate_id field for descriptors whose gate id differs from the step id.
func gateApproved(pctx *models.PipelineContext, gateID string) bool {
	if result, ok := pctx.Pipeline[gateID]; ok {
		output, ok := result.Output.(map[string]any)
		return ok && output["decision"] == models.DecisionApproved
	}
	for _, result := range pctx.Pipeline {
		output, ok := result.Output.(map[string]any)
		if !ok {
			continue
		}
		if output["gate_id"] == gateID {
			return output["decision"] == models.DecisionApproved
		}
	}
	return false
}

// scopeOf builds the sandbox scope {event, pipeline} from the live context.
func scopeOf(pctx *models.PipelineContext) map[string]any {
	results := make(map[string]any, len(pctx.Pipeline))
	for id, result := range pctx.Pipeline {
		results[id] = map[string]any{
			"status": result.Status,
			"output": sandbox.Normalize(result.Output),
			"error":  result.Error,
		}
	}
	return map[string]any{
		"event":    sandbox.Normalize(pctx.Event),
		"pipeline": results,
	}
}

// resolveSlots materializes slot parameters: {{template}} values render
// through the sandbox, dot paths resolve against the scope, and anything
// unresolvable passes through as a literal.
func (e *Executor) resolveSlots(slots map[string]string, scope map[string]any) map[string]any {
	if len(slots) == 0 {
		return nil
	}
	out := make(map[string]any, len(slots))
	for name, ref := range slots {
		if strings.Contains(ref, "{{") {
			out[name] = e.eval.RenderTemplate(ref, scope)
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
