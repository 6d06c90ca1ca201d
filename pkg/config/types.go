// Package config loads and validates the engine configuration: corrflow.yaml
// (system, state store, integrations) and llm-providers.yaml.
package config

import (
	"os"

	"github.com/corrflow/corrflow/pkg/connector"
	"github.com/corrflow/corrflow/pkg/llm"
)

// LLMProviderType selects the provider constructor.
type LLMProviderType string

const (
	ProviderTypeOpenAI    LLMProviderType = "openai"
	ProviderTypeAnthropic LLMProviderType = "anthropic"
	ProviderTypeAzure     LLMProviderType = "azure"
	ProviderTypeOllama    LLMProviderType = "ollama"
)

// LLMProviderConfig is one entry of llm-providers.yaml.
type LLMProviderConfig struct {
	Type LLMProviderType `yaml:"type"`
	// APIKeyEnv names the environment variable holding the key. The key
	// itself never appears in YAML.
	APIKeyEnv string `yaml:"api_key_env,omitempty"`
	// Endpoint is the Azure resource endpoint.
	Endpoint string `yaml:"endpoint,omitempty"`
	// BaseURL points ollama at a non-default server.
	BaseURL string `yaml:"base_url,omitempty"`
}

// SlackConfig configures approval gate notifications.
type SlackConfig struct {
	Enabled  bool   `yaml:"enabled"`
	TokenEnv string `yaml:"token_env,omitempty"`
	Channel  string `yaml:"channel,omitempty"`
}

// Token reads the bot token from the configured environment variable.
func (s *SlackConfig) Token() string {
	return os.Getenv(s.TokenEnv)
}

// SystemConfig groups system-wide settings.
type SystemConfig struct {
	NodeID   string       `yaml:"node_id"`
	HTTPPort string       `yaml:"http_port"`
	Slack    *SlackConfig `yaml:"slack,omitempty"`
}

// StateStoreConfig configures the Redis snapshot store. Disabled or
// unreachable Redis degrades to the in-memory no-op store.
type StateStoreConfig struct {
	Disabled    bool   `yaml:"disabled,omitempty"`
	Addr        string `yaml:"addr"`
	PasswordEnv string `yaml:"password_env,omitempty"`
	DB          int    `yaml:"db,omitempty"`
}

// Password reads the Redis password from the configured environment variable.
func (s *StateStoreConfig) Password() string {
	if s.PasswordEnv == "" {
		return ""
	}
	return os.Getenv(s.PasswordEnv)
}

// Config is the validated, ready-to-use configuration.
type Config struct {
	configDir string

	System       *SystemConfig
	StateStore   *StateStoreConfig
	Integrations map[string]*connector.Integration
	LLMProviders map[string]LLMProviderConfig
}

// IntegrationRegistry builds the connector registry from the configured
// integrations.
func (c *Config) IntegrationRegistry() *connector.Registry {
	return connector.NewRegistry(c.Integrations)
}

// BuildProviders constructs the LLM provider set. Keys from the environment
// are read at construction time.
func (c *Config) BuildProviders() map[string]llm.Provider {
	providers := make(map[string]llm.Provider, len(c.LLMProviders))
	for name, pc := range c.LLMProviders {
		switch pc.Type {
		case ProviderTypeOpenAI:
			providers[name] = llm.NewOpenAIProvider(os.Getenv(pc.APIKeyEnv))
		case ProviderTypeAnthropic:
			providers[name] = llm.NewAnthropicProvider(os.Getenv(pc.APIKeyEnv))
		case ProviderTypeAzure:
			providers[name] = llm.NewAzureProvider(os.Getenv(pc.APIKeyEnv), pc.Endpoint)
		case ProviderTypeOllama:
			providers[name] = llm.NewOllamaProvider(pc.BaseURL)
		}
	}
	return providers
}

// Stats summarizes the loaded configuration for the startup log line.
type Stats struct {
	Integrations int
	LLMProviders int
}

// Stats returns counts of the loaded components.
func (c *Config) Stats() Stats {
	return Stats{
		Integrations: len(c.Integrations),
		LLMProviders: len(c.LLMProviders),
	}
}
