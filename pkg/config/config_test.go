package config

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeConfig(t *testing.T, dir, name, content string) {
	t.Helper()
	require.NoError(t, os.WriteFile(filepath.Join(dir, name), []byte(content), 0o600))
}

const minimalCorrflow = `
system:
  node_id: hub-1
  http_port: "9090"
`

func TestInitializeMinimal(t *testing.T) {
	dir := t.TempDir()
	writeConfig(t, dir, "corrflow.yaml", minimalCorrflow)

	cfg, err := Initialize(context.Background(), dir)
	require.NoError(t, err)

	assert.Equal(t, "hub-1", cfg.System.NodeID)
	assert.Equal(t, "9090", cfg.System.HTTPPort)
	assert.Equal(t, DefaultRedisAddr, cfg.StateStore.Addr)
	// Built-in providers apply when llm-providers.yaml is absent.
	assert.Contains(t, cfg.LLMProviders, "openai")
	assert.Contains(t, cfg.LLMProviders, "ollama")
}

func TestInitializeAppliesDefaults(t *testing.T) {
	dir := t.TempDir()
	writeConfig(t, dir, "corrflow.yaml", "system: {}\n")

	cfg, err := Initialize(context.Background(), dir)
	require.NoError(t, err)
	assert.Equal(t, DefaultNodeID, cfg.System.NodeID)
	assert.Equal(t, DefaultHTTPPort, cfg.System.HTTPPort)
}

func TestInitializeMissingFile(t *testing.T) {
	_, err := Initialize(context.Background(), t.TempDir())
	assert.ErrorIs(t, err, ErrConfigNotFound)
}

func TestInitializeInvalidYAML(t *testing.T) {
	dir := t.TempDir()
	writeConfig(t, dir, "corrflow.yaml", "system: [not: a: mapping\n")

	_, err := Initialize(context.Background(), dir)
	assert.ErrorIs(t, err, ErrInvalidYAML)
}

func TestIntegrationsLoadAndValidate(t *testing.T) {
	dir := t.TempDir()
	writeConfig(t, dir, "corrflow.yaml", minimalCorrflow+`
integrations:
  crm:
    kind: generic_rest
    base_url: https://crm.example.com/api
    timeout_ms: 5000
`)

	cfg, err := Initialize(context.Background(), dir)
	require.NoError(t, err)

	integration, err := cfg.IntegrationRegistry().Get("crm")
	require.NoError(t, err)
	assert.Equal(t, "crm", integration.ID, "map key becomes the id when unset")
	assert.Equal(t, int64(5000), integration.TimeoutMS)
}

func TestIntegrationWithoutBaseURLRejected(t *testing.T) {
	dir := t.TempDir()
	writeConfig(t, dir, "corrflow.yaml", minimalCorrflow+`
integrations:
  crm:
    kind: generic_rest
`)

	_, err := Initialize(context.Background(), dir)
	assert.ErrorIs(t, err, ErrInvalidConfig)
}

func TestLLMProvidersUserOverridesBuiltin(t *testing.T) {
	dir := t.TempDir()
	writeConfig(t, dir, "corrflow.yaml", minimalCorrflow)
	writeConfig(t, dir, "llm-providers.yaml", `
llm_providers:
  openai:
    type: openai
    api_key_env: MY_OPENAI_KEY
  local:
    type: ollama
    base_url: http://gpu-box:11434/v1
`)

	cfg, err := Initialize(context.Background(), dir)
	require.NoError(t, err)
	assert.Equal(t, "MY_OPENAI_KEY", cfg.LLMProviders["openai"].APIKeyEnv)
	assert.Equal(t, "http://gpu-box:11434/v1", cfg.LLMProviders["local"].BaseURL)
	// Untouched built-ins survive the merge.
	assert.Contains(t, cfg.LLMProviders, "anthropic")
}

func TestLLMProviderValidation(t *testing.T) {
	dir := t.TempDir()
	writeConfig(t, dir, "corrflow.yaml", minimalCorrflow)
	writeConfig(t, dir, "llm-providers.yaml", `
llm_providers:
  weird:
    type: telepathy
`)

	_, err := Initialize(context.Background(), dir)
	assert.ErrorIs(t, err, ErrInvalidConfig)
}

func TestAzureProviderRequiresEndpoint(t *testing.T) {
	dir := t.TempDir()
	writeConfig(t, dir, "corrflow.yaml", minimalCorrflow)
	writeConfig(t, dir, "llm-providers.yaml", `
llm_providers:
  azure:
    type: azure
    api_key_env: AZ_KEY
`)

	_, err := Initialize(context.Background(), dir)
	assert.ErrorIs(t, err, ErrInvalidConfig)
}

func TestSlackEnabledRequiresChannel(t *testing.T) {
	dir := t.TempDir()
	writeConfig(t, dir, "corrflow.yaml", `
system:
  slack:
    enabled: true
`)

	_, err := Initialize(context.Background(), dir)
	assert.ErrorIs(t, err, ErrInvalidConfig)
}

func TestExpandEnv(t *testing.T) {
	t.Setenv("CRM_HOST", "crm.internal")

	out := ExpandEnv([]byte("base_url: https://{{.CRM_HOST}}/api\n"))
	assert.Equal(t, "base_url: https://crm.internal/api\n", string(out))

	// Unset variables expand to empty rather than erroring.
	out = ExpandEnv([]byte("token: {{.NOT_SET_ANYWHERE_12345}}\n"))
	assert.Equal(t, "token: \n", string(out))

	// Plain YAML without template syntax passes through.
	plain := []byte("password: p@ss$word\n")
	assert.Equal(t, plain, ExpandEnv(plain))
}

func TestEnvExpansionInsideLoad(t *testing.T) {
	t.Setenv("CRM_BASE", "https://crm.example.com")
	dir := t.TempDir()
	writeConfig(t, dir, "corrflow.yaml", minimalCorrflow+`
integrations:
  crm:
    kind: generic_rest
    base_url: "{{.CRM_BASE}}/api"
`)

	cfg, err := Initialize(context.Background(), dir)
	require.NoError(t, err)
	assert.Equal(t, "https://crm.example.com/api", cfg.Integrations["crm"].BaseURL)
}
