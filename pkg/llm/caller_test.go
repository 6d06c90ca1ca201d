package llm

import (
	"context"
	"errors"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/corrflow/corrflow/pkg/models"
)

// fakeProvider replays canned responses in order and records requests.
type fakeProvider struct {
	mu        sync.Mutex
	responses []CompletionResponse
	errs      []error
	requests  []CompletionRequest
}

func (f *fakeProvider) Name() string { return "fake" }

func (f *fakeProvider) Complete(_ context.Context, req CompletionRequest) (CompletionResponse, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	i := len(f.requests)
	f.requests = append(f.requests, req)
	if i < len(f.errs) && f.errs[i] != nil {
		return CompletionResponse{}, f.errs[i]
	}
	if i < len(f.responses) {
		return f.responses[i], nil
	}
	return CompletionResponse{Text: "{}"}, nil
}

func newFakeCaller(f *fakeProvider) *Caller {
	return NewCaller(map[string]Provider{
		ProviderOpenAI:    f,
		ProviderAnthropic: f,
		ProviderAzure:     f,
		ProviderOllama:    f,
	})
}

func TestDetectProvider(t *testing.T) {
	tests := []struct {
		model string
		want  string
	}{
		{"gpt-4o", ProviderOpenAI},
		{"o3-mini", ProviderOpenAI},
		{"claude-sonnet-4-20250514", ProviderAnthropic},
		{"azure/gpt-4o", ProviderAzure},
		{"llama3.2", ProviderOllama},
		{"mistral", ProviderOllama},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, DetectProvider(tt.model), tt.model)
	}
}

func TestCallParsesAndValidates(t *testing.T) {
	f := &fakeProvider{responses: []CompletionResponse{
		{Text: "```json\n{\"verdict\": \"pass\", \"score\": 0.9}\n```", TokensUsed: 42},
	}}
	caller := newFakeCaller(f)

	result, err := caller.Call(context.Background(), &models.CompiledLLMContext{
		Model:        "gpt-4o",
		SystemPrompt: "You classify things.",
		OutputSchema: map[string]string{"verdict": "string", "score": "float"},
	}, map[string]any{"input": "hello"}, "wf-1")
	require.NoError(t, err)

	parsed := result.Parsed.(map[string]any)
	assert.Equal(t, "pass", parsed["verdict"])
	assert.Equal(t, 0.9, parsed["score"])
	assert.Equal(t, 42, result.TokensUsed)
	assert.Equal(t, 1, result.Attempt)

	// Slot values and the schema hint land in the user turn.
	require.Len(t, f.requests, 1)
	assert.Contains(t, f.requests[0].UserMessage, "input: hello")
	assert.Contains(t, f.requests[0].UserMessage, "JSON object matching this schema")
}

func TestCallRetriesOnInvalidOutput(t *testing.T) {
	f := &fakeProvider{responses: []CompletionResponse{
		{Text: `{"verdict": 12}`},
		{Text: `{"verdict": "ok"}`},
	}}
	caller := newFakeCaller(f)

	result, err := caller.Call(context.Background(), &models.CompiledLLMContext{
		Model:                "gpt-4o",
		OutputSchema:         map[string]string{"verdict": "string"},
		RetryOnInvalidOutput: &models.OutputRetrySpec{MaxAttempts: 3},
	}, nil, "wf-1")
	require.NoError(t, err)
	assert.Equal(t, 2, result.Attempt)
	assert.Len(t, f.requests, 2)
}

func TestCallExhaustedFails(t *testing.T) {
	f := &fakeProvider{responses: []CompletionResponse{
		{Text: `not json at all`},
		{Text: `still not json`},
	}}
	caller := newFakeCaller(f)

	_, err := caller.Call(context.Background(), &models.CompiledLLMContext{
		Model:                "gpt-4o",
		OutputSchema:         map[string]string{"verdict": "string"},
		RetryOnInvalidOutput: &models.OutputRetrySpec{MaxAttempts: 2},
	}, nil, "wf-1")
	assert.ErrorIs(t, err, ErrOutputValidation)
}

func TestCallExhaustedUseRaw(t *testing.T) {
	f := &fakeProvider{responses: []CompletionResponse{
		{Text: `plain prose answer`},
	}}
	caller := newFakeCaller(f)

	result, err := caller.Call(context.Background(), &models.CompiledLLMContext{
		Model:        "gpt-4o",
		OutputSchema: map[string]string{"verdict": "string"},
		OnExhausted:  "use_raw",
	}, nil, "wf-1")
	require.NoError(t, err)
	assert.Equal(t, "plain prose answer", result.Raw)
	assert.Equal(t, map[string]any{"text": "plain prose answer"}, result.Parsed)
	assert.NotEmpty(t, result.Error)
}

func TestCallUnknownProvider(t *testing.T) {
	caller := NewCaller(map[string]Provider{})
	_, err := caller.Call(context.Background(), &models.CompiledLLMContext{Model: "gpt-4o"}, nil, "")
	assert.ErrorIs(t, err, ErrProviderNotConfigured)
}

func TestCallPromptTemplate(t *testing.T) {
	f := &fakeProvider{responses: []CompletionResponse{{Text: `{}`}}}
	caller := newFakeCaller(f)

	_, err := caller.Call(context.Background(), &models.CompiledLLMContext{
		Model:          "gpt-4o",
		PromptTemplate: "Summarize {{ doc }} for {{audience}}.",
	}, map[string]any{"doc": "the report", "audience": "ops"}, "")
	require.NoError(t, err)
	assert.Equal(t, "Summarize the report for ops.", f.requests[0].UserMessage)
}

func TestCallParallelKeepsOrderAndMaterializesErrors(t *testing.T) {
	good := &fakeProvider{responses: []CompletionResponse{
		{Text: `{"a": 1}`}, {Text: `{"a": 1}`},
	}}
	caller := NewCaller(map[string]Provider{ProviderOpenAI: good})

	inputs := []CallInput{
		{Descriptor: &models.CompiledLLMContext{InstructionID: "i1", Model: "gpt-4o"}},
		{Descriptor: &models.CompiledLLMContext{InstructionID: "i2", Model: "claude-3"}},
	}
	results := caller.CallParallel(context.Background(), inputs)
	require.Len(t, results, 2)
	assert.Equal(t, "i1", results[0].InstructionID)
	assert.Empty(t, results[0].Error)
	assert.Equal(t, "i2", results[1].InstructionID)
	assert.NotEmpty(t, results[1].Error)
}

func TestExtractJSON(t *testing.T) {
	tests := []struct {
		name string
		raw  string
		want any
	}{
		{"bare object", `{"k": "v"}`, map[string]any{"k": "v"}},
		{"fenced", "```json\n{\"k\": \"v\"}\n```", map[string]any{"k": "v"}},
		{"surrounded by prose", `Here you go: {"k": "v"} hope it helps`, map[string]any{"k": "v"}},
		{"not json", `just words`, map[string]any{"text": "just words"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, ExtractJSON(tt.raw))
		})
	}
}

func TestValidateSchema(t *testing.T) {
	schema := map[string]string{
		"name":    "string",
		"score":   "float",
		"done":    "boolean",
		"details": "object|null",
	}

	ok := map[string]any{"name": "n", "score": 1.5, "done": true, "details": nil}
	assert.NoError(t, ValidateSchema(ok, schema))

	bad := map[string]any{"name": "n", "score": "high", "done": true, "details": nil}
	assert.Error(t, ValidateSchema(bad, schema))

	assert.Error(t, ValidateSchema("not an object", schema))
	assert.NoError(t, ValidateSchema("anything", nil))
}

var errDown = errors.New("provider down")

func TestCallRetriesOnTransportError(t *testing.T) {
	f := &fakeProvider{
		errs:      []error{errDown, nil},
		responses: []CompletionResponse{{}, {Text: `{"k": "v"}`}},
	}
	caller := newFakeCaller(f)

	result, err := caller.Call(context.Background(), &models.CompiledLLMContext{
		Model:                "gpt-4o",
		RetryOnInvalidOutput: &models.OutputRetrySpec{MaxAttempts: 2},
	}, nil, "")
	require.NoError(t, err)
	assert.Equal(t, 2, result.Attempt)
}
