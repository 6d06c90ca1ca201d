package pipeline

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/corrflow/corrflow/pkg/approval"
	"github.com/corrflow/corrflow/pkg/bus"
	"github.com/corrflow/corrflow/pkg/connector"
	"github.com/corrflow/corrflow/pkg/llm"
	"github.com/corrflow/corrflow/pkg/models"
	"github.com/corrflow/corrflow/pkg/sandbox"
)

// fakeConnectors records calls and replays canned responses per connector id.
type fakeConnectors struct {
	mu        sync.Mutex
	calls     []string
	responses map[string]any
	fail      map[string]error
}

func (f *fakeConnectors) Execute(_ context.Context, connectorID, _ string, action string, _ map[string]any, _ map[string]string) (*connector.Result, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, connectorID+":"+action)
	if err := f.fail[connectorID]; err != nil {
		return nil, err
	}
	return &connector.Result{Success: true, RawResponse: f.responses[connectorID]}, nil
}

func (f *fakeConnectors) callCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.calls)
}

// fakeLLM returns scripted outputs in call order.
type fakeLLM struct {
	mu      sync.Mutex
	outputs []any
	errs    []error
	n       int
}

func (f *fakeLLM) Call(_ context.Context, desc *models.CompiledLLMContext, _ map[string]any, _ string) (*llm.CallResult, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	i := f.n
	f.n++
	if i < len(f.errs) && f.errs[i] != nil {
		return nil, f.errs[i]
	}
	var out any
	if i < len(f.outputs) {
		out = f.outputs[i]
	}
	return &llm.CallResult{Parsed: out, Model: desc.Model}, nil
}

func testEvent() *models.PropagatedEvent {
	return &models.PropagatedEvent{
		EventID:           "evt-1",
		MachineID:         "m-1",
		WorkflowID:        "wf-1",
		Timestamp:         time.Now(),
		SatisfactionLevel: 1.0,
		MatchedValues: map[string]models.MatchedValue{
			"t": {Value: 85, Timestamp: time.Now()},
		},
	}
}

func TestMandatoryWriteRunsAfterFailure(t *testing.T) {
	connectors := &fakeConnectors{responses: map[string]any{
		"pager": map[string]any{"ok": true},
		"crm":   map[string]any{"id": "rec-1"},
	}}
	llmClient := &fakeLLM{errs: []error{errors.New("model unavailable")}}
	exec := NewExecutor(nil, connectors, llmClient, nil, nil)

	steps := []models.PipelineStep{
		{ID: "A", Kind: models.StepAlert, ConnectorID: "pager"},
		{ID: "B", Kind: models.StepLLMCall, LLM: &models.CompiledLLMContext{Model: "gpt-4o"}},
		{ID: "C", Kind: models.StepWriteCRM, ConnectorID: "crm", Mandatory: true},
	}

	pctx := exec.Execute(context.Background(), steps, testEvent(), "p-1")

	assert.Equal(t, models.PipelineResultFailed, pctx.Result)
	assert.Equal(t, models.StepStatusSuccess, pctx.Pipeline["A"].Status)
	assert.Equal(t, models.StepStatusFailed, pctx.Pipeline["B"].Status)
	require.NotNil(t, pctx.Pipeline["C"], "mandatory step result must be recorded")
	assert.Equal(t, models.StepStatusSuccess, pctx.Pipeline["C"].Status)
	assert.Contains(t, connectors.calls, "crm:record.create")
}

func TestSkipByUnapprovedGate(t *testing.T) {
	b := bus.New()
	defer b.Close()
	coordinator := approval.NewCoordinator(b, nil)
	defer coordinator.Shutdown()

	connectors := &fakeConnectors{responses: map[string]any{}}
	exec := NewExecutor(nil, connectors, nil, nil, coordinator)

	go func() {
		// Reject as soon as the gate shows up.
		for i := 0; i < 100; i++ {
			if _, ok := coordinator.Get("G"); ok {
				break
			}
			time.Sleep(10 * time.Millisecond)
		}
		_ = coordinator.Resolve(models.ApprovalDecision{
			GateID: "G", Decision: models.DecisionRejected, DecidedBy: "bob",
		})
	}()

	steps := []models.PipelineStep{
		{ID: "G", Kind: models.StepHumanApproval, Gate: &models.GateSpec{
			Descriptor: models.ApprovalGateDescriptor{GateID: "G", TimeoutMS: 5000},
		}},
		{ID: "E", Kind: models.StepSendEmail, ConnectorID: "mail", RequiresApprovalGateID: "G"},
	}

	pctx := exec.Execute(context.Background(), steps, testEvent(), "p-1")

	assert.Equal(t, models.PipelineResultSuccess, pctx.Result)
	assert.Equal(t, models.StepStatusSkipped, pctx.Pipeline["E"].Status)
	output := pctx.Pipeline["E"].Output.(map[string]any)
	assert.Equal(t, "gate_not_approved:G", output["skippedReason"])
	assert.Zero(t, connectors.callCount(), "no email send may be attempted")
}

func TestGateApprovedRunsArm(t *testing.T) {
	b := bus.New()
	defer b.Close()
	coordinator := approval.NewCoordinator(b, nil)
	defer coordinator.Shutdown()

	connectors := &fakeConnectors{responses: map[string]any{"mail": map[string]any{"sent": true}}}
	exec := NewExecutor(nil, connectors, nil, nil, coordinator)

	go func() {
		for i := 0; i < 100; i++ {
			if _, ok := coordinator.Get("G"); ok {
				break
			}
			time.Sleep(10 * time.Millisecond)
		}
		_ = coordinator.Resolve(models.ApprovalDecision{
			GateID: "G", Decision: models.DecisionApproved, DecidedBy: "alice",
		})
	}()

	steps := []models.PipelineStep{
		{ID: "G", Kind: models.StepHumanApproval, Gate: &models.GateSpec{
			Descriptor: models.ApprovalGateDescriptor{GateID: "G", TimeoutMS: 5000},
			OnApproved: []models.PipelineStep{{ID: "E", Kind: models.StepSendEmail, ConnectorID: "mail"}},
			OnRejected: []models.PipelineStep{{ID: "L", Kind: models.StepLog, Message: "rejected"}},
		}},
	}

	pctx := exec.Execute(context.Background(), steps, testEvent(), "p-1")

	assert.Equal(t, models.PipelineResultSuccess, pctx.Result)
	gateOutput := pctx.Pipeline["G"].Output.(map[string]any)
	assert.Equal(t, models.DecisionApproved, gateOutput["decision"])
	assert.Equal(t, "alice", gateOutput["decided_by"])
	require.NotNil(t, pctx.Pipeline["E"])
	assert.Equal(t, models.StepStatusSuccess, pctx.Pipeline["E"].Status)
	assert.Nil(t, pctx.Pipeline["L"], "rejected arm must not run")
}

func TestGateTimeoutRunsNeitherArm(t *testing.T) {
	b := bus.New()
	defer b.Close()
	coordinator := approval.NewCoordinator(b, nil)
	defer coordinator.Shutdown()

	connectors := &fakeConnectors{responses: map[string]any{}}
	exec := NewExecutor(nil, connectors, nil, nil, coordinator)

	steps := []models.PipelineStep{
		{ID: "G", Kind: models.StepHumanApproval, Gate: &models.GateSpec{
			Descriptor: models.ApprovalGateDescriptor{GateID: "G-timeout", TimeoutMS: 100},
			OnApproved: []models.PipelineStep{{ID: "E", Kind: models.StepSendEmail, ConnectorID: "mail"}},
			OnRejected: []models.PipelineStep{{ID: "L", Kind: models.StepLog, Message: "rejected"}},
		}},
	}

	pctx := exec.Execute(context.Background(), steps, testEvent(), "p-1")

	gateOutput := pctx.Pipeline["G"].Output.(map[string]any)
	assert.Equal(t, models.DecisionTimedOut, gateOutput["decision"])
	assert.Nil(t, pctx.Pipeline["E"])
	assert.Nil(t, pctx.Pipeline["L"])
	assert.Zero(t, connectors.callCount())
}

func TestLoopConvergence(t *testing.T) {
	llmClient := &fakeLLM{outputs: []any{
		map[string]any{"score": 0.5},
		map[string]any{"score": 0.7},
		map[string]any{"score": 0.85},
	}}
	exec := NewExecutor(nil, nil, llmClient, nil, nil)

	steps := []models.PipelineStep{
		{ID: "refine", Kind: models.StepLoop, Loop: &models.LoopSpec{
			Body:                 &models.PipelineStep{ID: "draft", Kind: models.StepLLMCall, LLM: &models.CompiledLLMContext{Model: "gpt-4o"}},
			MaxIterations:        5,
			TimeoutMS:            10000,
			ConvergencePredicate: "output.score > 0.8",
			BestOutputField:      "score",
		}},
	}

	pctx := exec.Execute(context.Background(), steps, testEvent(), "p-1")

	require.Equal(t, models.StepStatusSuccess, pctx.Pipeline["refine"].Status)
	output := pctx.Pipeline["refine"].Output.(map[string]any)
	assert.Equal(t, 3, output["iterations"])
	assert.Equal(t, true, output["converged"])
	best := output["best_output"].(map[string]any)
	assert.Equal(t, 0.85, best["score"])
}

func TestLoopExhaustionUsesBestAttempt(t *testing.T) {
	llmClient := &fakeLLM{outputs: []any{
		map[string]any{"score": 0.4},
		map[string]any{"score": 0.6},
		map[string]any{"score": 0.3},
	}}
	exec := NewExecutor(nil, nil, llmClient, nil, nil)

	steps := []models.PipelineStep{
		{ID: "refine", Kind: models.StepLoop, Loop: &models.LoopSpec{
			Body:                 &models.PipelineStep{ID: "draft", Kind: models.StepLLMCall, LLM: &models.CompiledLLMContext{Model: "gpt-4o"}},
			MaxIterations:        3,
			ConvergencePredicate: "output.score > 0.9",
			BestOutputField:      "score",
		}},
	}

	pctx := exec.Execute(context.Background(), steps, testEvent(), "p-1")

	output := pctx.Pipeline["refine"].Output.(map[string]any)
	assert.Equal(t, false, output["converged"])
	final := output["final_output"].(map[string]any)
	assert.Equal(t, 0.6, final["score"], "use_best_attempt picks the highest-scoring iteration")
}

func TestLoopAppendPrevious(t *testing.T) {
	llmClient := &fakeLLM{outputs: []any{
		map[string]any{"score": 0.1},
		map[string]any{"score": 0.95},
	}}
	exec := NewExecutor(nil, nil, llmClient, nil, nil)

	steps := []models.PipelineStep{
		{ID: "refine", Kind: models.StepLoop, Loop: &models.LoopSpec{
			Body: &models.PipelineStep{
				ID: "draft", Kind: models.StepLLMCall,
				LLM:   &models.CompiledLLMContext{Model: "gpt-4o"},
				Slots: map[string]string{"previous": "pipeline.draft_previous.output.score"},
			},
			MaxIterations:        3,
			ConvergencePredicate: "output.score > 0.9",
			ContextEnrichment:    models.LoopContextAppendPrevious,
		}},
	}

	pctx := exec.Execute(context.Background(), steps, testEvent(), "p-1")
	assert.Equal(t, models.StepStatusSuccess, pctx.Pipeline["refine"].Status)
	// Loop scratch state must not leak into the outer context.
	assert.Nil(t, pctx.Pipeline["draft_previous"])
}

func TestDryRunSkipsSideEffects(t *testing.T) {
	connectors := &fakeConnectors{}
	exec := NewExecutor(nil, connectors, nil, nil, nil)

	steps := []models.PipelineStep{
		{ID: "A", Kind: models.StepConnectorAction, ConnectorID: "crm",
			Action: "record.create", Description: "create the record", DryRun: true},
	}

	pctx := exec.Execute(context.Background(), steps, testEvent(), "p-1")

	assert.Equal(t, models.StepStatusSuccess, pctx.Pipeline["A"].Status)
	output := pctx.Pipeline["A"].Output.(map[string]any)
	assert.Equal(t, true, output["dry_run"])
	assert.Equal(t, "connector_action", output["step_type"])
	assert.Equal(t, "create the record", output["description"])
	assert.Zero(t, connectors.callCount(), "dispatcher must not be called")
}

func TestBranchTakesConditionArm(t *testing.T) {
	connectors := &fakeConnectors{responses: map[string]any{"pager": map[string]any{}}}
	exec := NewExecutor(nil, connectors, nil, nil, nil)

	steps := []models.PipelineStep{
		{ID: "check", Kind: models.StepBranch, Branch: &models.BranchSpec{
			Condition: "event.satisfaction_level >= 1.0",
			IfTrue:    []models.PipelineStep{{ID: "page", Kind: models.StepAlert, ConnectorID: "pager"}},
			IfFalse:   []models.PipelineStep{{ID: "note", Kind: models.StepLog, Message: "partial only"}},
		}},
	}

	pctx := exec.Execute(context.Background(), steps, testEvent(), "p-1")

	output := pctx.Pipeline["check"].Output.(map[string]any)
	assert.Equal(t, true, output["condition"])
	require.NotNil(t, pctx.Pipeline["page"])
	assert.Nil(t, pctx.Pipeline["note"])
}

func TestRetryPolicyRetriesThenSucceeds(t *testing.T) {
	transient := errors.New("connection reset")
	connectors := &fakeConnectors{
		responses: map[string]any{"crm": map[string]any{"ok": true}},
		fail:      map[string]error{"crm": transient},
	}
	// Fail twice, then clear the fault.
	go func() {
		time.Sleep(150 * time.Millisecond)
		connectors.mu.Lock()
		delete(connectors.fail, "crm")
		connectors.mu.Unlock()
	}()

	exec := NewExecutor(nil, connectors, nil, nil, nil)
	steps := []models.PipelineStep{
		{ID: "Q", Kind: models.StepCRMQuery, ConnectorID: "crm",
			Retry: &models.RetryPolicy{MaxAttempts: 5, BackoffMS: 100, BackoffMultiplier: 1.0}},
	}

	pctx := exec.Execute(context.Background(), steps, testEvent(), "p-1")
	assert.Equal(t, models.StepStatusSuccess, pctx.Pipeline["Q"].Status)
	assert.GreaterOrEqual(t, connectors.callCount(), 2)
}

func TestContinueOnFailure(t *testing.T) {
	connectors := &fakeConnectors{
		responses: map[string]any{"pager": map[string]any{}},
		fail:      map[string]error{"crm": errors.New("boom")},
	}
	exec := NewExecutor(nil, connectors, nil, nil, nil)

	steps := []models.PipelineStep{
		{ID: "Q", Kind: models.StepCRMQuery, ConnectorID: "crm", ContinueOnFailure: true},
		{ID: "A", Kind: models.StepAlert, ConnectorID: "pager"},
	}

	pctx := exec.Execute(context.Background(), steps, testEvent(), "p-1")
	assert.Equal(t, models.PipelineResultSuccess, pctx.Result)
	assert.Equal(t, models.StepStatusFailed, pctx.Pipeline["Q"].Status)
	assert.Equal(t, models.StepStatusSuccess, pctx.Pipeline["A"].Status)
}

func TestMLScoreWithoutConnectorIsNeutral(t *testing.T) {
	exec := NewExecutor(nil, nil, nil, nil, nil)
	steps := []models.PipelineStep{{ID: "score", Kind: models.StepMLScoreCall}}

	pctx := exec.Execute(context.Background(), steps, testEvent(), "p-1")
	assert.Equal(t, models.StepStatusSuccess, pctx.Pipeline["score"].Status)
	output := pctx.Pipeline["score"].Output.(map[string]any)
	assert.Equal(t, 0.0, output["score"])
}

func TestLogStepRendersTemplate(t *testing.T) {
	exec := NewExecutor(sandbox.NewEvaluator(), nil, nil, nil, nil)
	steps := []models.PipelineStep{
		{ID: "L", Kind: models.StepLog, Message: "machine {{ event.machine_id }} matched"},
	}

	pctx := exec.Execute(context.Background(), steps, testEvent(), "p-1")
	output := pctx.Pipeline["L"].Output.(map[string]any)
	assert.Equal(t, "machine m-1 matched", output["message"])
}

func TestSlotResolution(t *testing.T) {
	var gotSlots map[string]any
	connectors := &capturingConnectors{onCall: func(slots map[string]any) { gotSlots = slots }}
	exec := NewExecutor(nil, connectors, nil, nil, nil)

	steps := []models.PipelineStep{
		{ID: "A", Kind: models.StepConnectorAction, ConnectorID: "crm", Action: "record.create",
			Slots: map[string]string{
				"machine":  "event.machine_id",
				"note":     "match level {{ event.satisfaction_level }}",
				"priority": "high",
			}},
	}

	pctx := exec.Execute(context.Background(), steps, testEvent(), "p-1")
	require.Equal(t, models.StepStatusSuccess, pctx.Pipeline["A"].Status)
	assert.Equal(t, "m-1", gotSlots["machine"])
	assert.Equal(t, "match level 1", gotSlots["note"])
	assert.Equal(t, "high", gotSlots["priority"], "unresolvable refs pass through as literals")
}

type capturingConnectors struct {
	onCall func(slots map[string]any)
}

func (c *capturingConnectors) Execute(_ context.Context, _, _ string, _ string, slots map[string]any, _ map[string]string) (*connector.Result, error) {
	c.onCall(slots)
	return &connector.Result{Success: true, RawResponse: map[string]any{}}, nil
}

func TestMultiLLMStep(t *testing.T) {
	multi := &fakeMulti{result: &llm.MultiResult{FinalOutput: map[string]any{"verdict": "ok"}}}
	exec := NewExecutor(nil, nil, nil, multi, nil)

	steps := []models.PipelineStep{
		{ID: "M", Kind: models.StepMultiLLMPipeline, MultiLLM: &models.MultiLLMSpec{
			Mode:   models.MultiLLMSequential,
			Stages: []models.LLMStage{{StageID: "s1"}},
		}},
	}

	pctx := exec.Execute(context.Background(), steps, testEvent(), "p-1")
	require.Equal(t, models.StepStatusSuccess, pctx.Pipeline["M"].Status)
	result := pctx.Pipeline["M"].Output.(*llm.MultiResult)
	assert.Equal(t, map[string]any{"verdict": "ok"}, result.FinalOutput)
}

type fakeMulti struct {
	result *llm.MultiResult
}

func (f *fakeMulti) Run(_ context.Context, _ *models.MultiLLMSpec, _ map[string]any, _ string) (*llm.MultiResult, error) {
	if f.result == nil {
		return nil, fmt.Errorf("no result scripted")
	}
	return f.result, nil
}
