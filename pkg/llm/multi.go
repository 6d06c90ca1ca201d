package llm

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/corrflow/corrflow/pkg/models"
	"github.com/corrflow/corrflow/pkg/sandbox"
)

// ErrStageValidation aborts a sequential pipeline whose stage is configured
// with on_validation_failure=abort.
var ErrStageValidation = errors.New("multi-llm stage validation failed")

// SecretResolver resolves vault-sourced dynamic slots. nil disables vault
// slots (they resolve to nil).
type SecretResolver interface {
	Resolve(key string) (string, error)
}

// StageResult is the outcome of one stage.
type StageResult struct {
	StageID    string `json:"stage_id"`
	Output     any    `json:"output"`
	TokensUsed int    `json:"tokens_used"`
	DurationMS int64  `json:"duration_ms"`
	Error      string `json:"error,omitempty"`
}

// MultiResult is the outcome of a multi-LLM pipeline run.
type MultiResult struct {
	Stages []StageResult `json:"stages"`
	// FinalOutput is the last stage's output in sequential mode, or the
	// {stage_id → output} map in parallel mode.
	FinalOutput any `json:"final_output"`
}

// Runner chains or fans out multiple LLM stages.
type Runner struct {
	caller  *Caller
	secrets SecretResolver
}

// NewRunner creates a runner. secrets may be nil.
func NewRunner(caller *Caller, secrets SecretResolver) *Runner {
	return &Runner{caller: caller, secrets: secrets}
}

// Run executes the pipeline. scope is the runtime slot-resolution root
// (event payload, prior step outputs).
func (r *Runner) Run(ctx context.Context, spec *models.MultiLLMSpec, scope map[string]any, workflowID string) (*MultiResult, error) {
	if len(spec.Stages) == 0 {
		return &MultiResult{}, nil
	}
	switch spec.Mode {
	case models.MultiLLMParallel:
		return r.runParallel(ctx, spec, scope, workflowID)
	default:
		return r.runSequential(ctx, spec, scope, workflowID)
	}
}

// runSequential feeds each stage's validated output into the next stage's
// previous_stage_output slot.
func (r *Runner) runSequential(ctx context.Context, spec *models.MultiLLMSpec, scope map[string]any, workflowID string) (*MultiResult, error) {
	result := &MultiResult{Stages: make([]StageResult, 0, len(spec.Stages))}

	var previous any
	for i := range spec.Stages {
		stage := &spec.Stages[i]
		slots := r.resolveStageSlots(stage, scope, previous)

		callResult, err := r.caller.Call(ctx, &stage.Context, slots, workflowID)
		if err != nil {
			strategy := stage.OnValidationFailure
			if strategy == "" {
				strategy = models.ValidationFailSafe
			}
			if strategy == models.ValidationAbort {
				return result, fmt.Errorf("%w: stage %s: %v", ErrStageValidation, stage.StageID, err)
			}
			// fail_safe: continue with a null output.
			slog.Warn("Multi-LLM stage failed, continuing with null output",
				"stage_id", stage.StageID, "workflow_id", workflowID, "error", err)
			result.Stages = append(result.Stages, StageResult{StageID: stage.StageID, Error: err.Error()})
			previous = nil
			continue
		}

		result.Stages = append(result.Stages, StageResult{
			StageID:    stage.StageID,
			Output:     callResult.Parsed,
			TokensUsed: callResult.TokensUsed,
			DurationMS: callResult.DurationMS,
		})
		previous = callResult.Parsed
	}

	result.FinalOutput = previous
	return result, nil
}

// runParallel runs all stages concurrently and merges their outputs into
// {stage_id → output}.
func (r *Runner) runParallel(ctx context.Context, spec *models.MultiLLMSpec, scope map[string]any, workflowID string) (*MultiResult, error) {
	results := make([]StageResult, len(spec.Stages))
	var wg sync.WaitGroup
	for i := range spec.Stages {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			stage := &spec.Stages[i]
			slots := r.resolveStageSlots(stage, scope, nil)

			callResult, err := r.caller.Call(ctx, &stage.Context, slots, workflowID)
			if err != nil {
				results[i] = StageResult{StageID: stage.StageID, Error: err.Error()}
				return
			}
			results[i] = StageResult{
				StageID:    stage.StageID,
				Output:     callResult.Parsed,
				TokensUsed: callResult.TokensUsed,
				DurationMS: callResult.DurationMS,
			}
		}(i)
	}
	wg.Wait()

	merged := make(map[string]any, len(results))
	for _, sr := range results {
		merged[sr.StageID] = sr.Output
	}
	return &MultiResult{Stages: results, FinalOutput: merged}, nil
}

// resolveStageSlots materializes a stage's dynamic slots from the runtime
// scope, the secret store, or the previous stage's output.
func (r *Runner) resolveStageSlots(stage *models.LLMStage, scope map[string]any, previous any) map[string]any {
	slots := make(map[string]any, len(stage.Context.DynamicSlots))
	for _, slot := range stage.Context.DynamicSlots {
		switch slot.SourceType {
		case models.SlotSourceVault:
			if r.secrets == nil {
				slots[slot.SlotID] = nil
				continue
			}
			value, err := r.secrets.Resolve(slot.SourceKey)
			if err != nil {
				slog.Warn("Vault slot resolution failed",
					"slot_id", slot.SlotID, "error", err)
				slots[slot.SlotID] = nil
				continue
			}
			slots[slot.SlotID] = value
		default:
			if slot.SourceKey == models.SlotSourcePreviousStage {
				slots[slot.SlotID] = previous
				continue
			}
			value, _ := sandbox.Resolve(scope, slot.SourceKey)
			slots[slot.SlotID] = value
		}
	}
	return slots
}
