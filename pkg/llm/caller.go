package llm

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/corrflow/corrflow/pkg/models"
)

// validationBackoffBase is multiplied by the attempt number between retries.
const validationBackoffBase = 500 * time.Millisecond

var (
	// ErrProviderNotConfigured is returned when no provider serves a model.
	ErrProviderNotConfigured = errors.New("llm provider not configured")
	// ErrOutputValidation is returned when the parsed output fails its
	// schema after all retries.
	ErrOutputValidation = errors.New("llm output validation failed")
)

// CallResult is the outcome of one LLM call.
type CallResult struct {
	InstructionID string `json:"instruction_id,omitempty"`
	Raw           string `json:"raw"`
	Parsed        any    `json:"parsed"`
	Model         string `json:"model"`
	TokensUsed    int    `json:"tokens_used"`
	DurationMS    int64  `json:"duration_ms"`
	Attempt       int    `json:"attempt"`
	Error         string `json:"error,omitempty"`
}

// CallInput pairs a descriptor with its resolved slots for fan-out calls.
type CallInput struct {
	Descriptor    *models.CompiledLLMContext
	ResolvedSlots map[string]any
	WorkflowID    string
}

// Caller executes compiled LLM contexts with schema validation and retry.
type Caller struct {
	providers map[string]Provider
}

// NewCaller creates a caller over the given provider set.
func NewCaller(providers map[string]Provider) *Caller {
	return &Caller{providers: providers}
}

// Call executes the descriptor: build the message set, invoke the provider,
// extract and validate the JSON output, retrying with linear backoff on
// validation or transport failures.
func (c *Caller) Call(ctx context.Context, desc *models.CompiledLLMContext, resolvedSlots map[string]any, workflowID string) (*CallResult, error) {
	provider, ok := c.providers[DetectProvider(desc.Model)]
	if !ok {
		return nil, fmt.Errorf("%w: model %s", ErrProviderNotConfigured, desc.Model)
	}

	maxAttempts := 1
	if desc.RetryOnInvalidOutput != nil && desc.RetryOnInvalidOutput.MaxAttempts > maxAttempts {
		maxAttempts = desc.RetryOnInvalidOutput.MaxAttempts
	}

	req := CompletionRequest{
		Model:        desc.Model,
		SystemPrompt: desc.SystemPrompt,
		FewShots:     desc.FewShots,
		UserMessage:  buildUserMessage(desc, resolvedSlots),
		Temperature:  desc.Temperature,
		MaxTokens:    desc.MaxTokens,
	}

	start := time.Now()
	var lastErr error
	var lastRaw string
	for attempt := 1; attempt <= maxAttempts; attempt++ {
		if attempt > 1 {
			backoff := validationBackoffBase * time.Duration(attempt)
			select {
			case <-ctx.Done():
				return nil, ctx.Err()
			case <-time.After(backoff):
			}
		}

		resp, err := completeWithTimeout(ctx, provider, req, desc.TimeoutMS)
		if err != nil {
			lastErr = err
			slog.Warn("LLM call failed",
				"model", desc.Model, "workflow_id", workflowID, "attempt", attempt, "error", err)
			continue
		}
		lastRaw = resp.Text

		parsed := ExtractJSON(resp.Text)
		if err := ValidateSchema(parsed, desc.OutputSchema); err != nil {
			lastErr = fmt.Errorf("%w: %v", ErrOutputValidation, err)
			slog.Warn("LLM output failed schema validation",
				"model", desc.Model, "workflow_id", workflowID, "attempt", attempt, "error", err)
			continue
		}

		return &CallResult{
			InstructionID: desc.InstructionID,
			Raw:           resp.Text,
			Parsed:        parsed,
			Model:         desc.Model,
			TokensUsed:    resp.TokensUsed,
			DurationMS:    time.Since(start).Milliseconds(),
			Attempt:       attempt,
		}, nil
	}

	// Exhausted: the descriptor decides whether the raw output is usable.
	if desc.OnExhausted == "use_raw" && lastRaw != "" {
		return &CallResult{
			InstructionID: desc.InstructionID,
			Raw:           lastRaw,
			Parsed:        map[string]any{"text": lastRaw},
			Model:         desc.Model,
			DurationMS:    time.Since(start).Milliseconds(),
			Attempt:       maxAttempts,
			Error:         lastErr.Error(),
		}, nil
	}
	return nil, fmt.Errorf("llm call exhausted %d attempts: %w", maxAttempts, lastErr)
}

func completeWithTimeout(ctx context.Context, provider Provider, req CompletionRequest, timeoutMS int64) (CompletionResponse, error) {
	if timeoutMS > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, time.Duration(timeoutMS)*time.Millisecond)
		defer cancel()
	}
	return provider.Complete(ctx, req)
}

// CallParallel fans out the inputs concurrently and returns results in input
// order. Per-call errors are materialized into result objects, never
// returned as an error.
func (c *Caller) CallParallel(ctx context.Context, inputs []CallInput) []*CallResult {
	results := make([]*CallResult, len(inputs))
	var wg sync.WaitGroup
	for i, input := range inputs {
		wg.Add(1)
		go func(i int, input CallInput) {
			defer wg.Done()
			result, err := c.Call(ctx, input.Descriptor, input.ResolvedSlots, input.WorkflowID)
			if err != nil {
				result = &CallResult{
					InstructionID: input.Descriptor.InstructionID,
					Model:         input.Descriptor.Model,
					Error:         err.Error(),
				}
			}
			results[i] = result
		}(i, input)
	}
	wg.Wait()
	return results
}

// buildUserMessage renders the user turn: either the prompt template with
// {{slot}} references replaced, or the slot values as "k: v" lines, plus a
// schema hint when an output schema is declared.
func buildUserMessage(desc *models.CompiledLLMContext, slots map[string]any) string {
	var b strings.Builder

	if desc.PromptTemplate != "" {
		rendered := desc.PromptTemplate
		for k, v := range slots {
			rendered = strings.ReplaceAll(rendered, "{{"+k+"}}", stringifySlot(v))
			rendered = strings.ReplaceAll(rendered, "{{ "+k+" }}", stringifySlot(v))
		}
		b.WriteString(rendered)
	} else {
		keys := make([]string, 0, len(slots))
		for k := range slots {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		for _, k := range keys {
			b.WriteString(k)
			b.WriteString(": ")
			b.WriteString(stringifySlot(slots[k]))
			b.WriteString("\n")
		}
	}

	if len(desc.OutputSchema) > 0 {
		hint, _ := json.Marshal(desc.OutputSchema)
		b.WriteString("\nRespond with a JSON object matching this schema: ")
		b.Write(hint)
	}
	return b.String()
}

func stringifySlot(v any) string {
	switch t := v.(type) {
	case string:
		return t
	case nil:
		return "null"
	default:
		raw, err := json.Marshal(t)
		if err != nil {
			return fmt.Sprintf("%v", t)
		}
		return string(raw)
	}
}

// ExtractJSON pulls the JSON object out of a completion: code fences are
// stripped, then everything from the first "{" to the final "}" is parsed.
// Unparseable output is wrapped as {"text": raw}.
func ExtractJSON(raw string) any {
	text := strings.TrimSpace(raw)
	if strings.HasPrefix(text, "```") {
		text = strings.TrimPrefix(text, "```json")
		text = strings.TrimPrefix(text, "```")
		if idx := strings.LastIndex(text, "```"); idx >= 0 {
			text = text[:idx]
		}
		text = strings.TrimSpace(text)
	}

	start := strings.Index(text, "{")
	end := strings.LastIndex(text, "}")
	if start >= 0 && end > start {
		var parsed any
		if err := json.Unmarshal([]byte(text[start:end+1]), &parsed); err == nil {
			return parsed
		}
	}
	return map[string]any{"text": raw}
}

// ValidateSchema checks the parsed output against a per-field type schema.
// Supported types: string, float, boolean, object, object|null. An empty
// schema accepts anything.
func ValidateSchema(parsed any, schema map[string]string) error {
	if len(schema) == 0 {
		return nil
	}
	obj, ok := parsed.(map[string]any)
	if !ok {
		return fmt.Errorf("output is not a JSON object")
	}

	for field, wantType := range schema {
		value, present := obj[field]
		switch wantType {
		case "string":
			if _, ok := value.(string); !ok {
				return fmt.Errorf("field %q: expected string", field)
			}
		case "float":
			if _, ok := value.(float64); !ok {
				return fmt.Errorf("field %q: expected float", field)
			}
		case "boolean":
			if _, ok := value.(bool); !ok {
				return fmt.Errorf("field %q: expected boolean", field)
			}
		case "object":
			if _, ok := value.(map[string]any); !ok {
				return fmt.Errorf("field %q: expected object", field)
			}
		case "object|null":
			if value != nil {
				if _, ok := value.(map[string]any); !ok {
					return fmt.Errorf("field %q: expected object or null", field)
				}
			}
		default:
			if !present {
				return fmt.Errorf("field %q: missing", field)
			}
		}
	}
	return nil
}
