package config

// DefaultHTTPPort is used when system.http_port is unset.
const DefaultHTTPPort = "8080"

// DefaultNodeID is used when system.node_id is unset.
const DefaultNodeID = "corrflow-node"

// DefaultRedisAddr is used when state_store.addr is unset.
const DefaultRedisAddr = "localhost:6379"

// builtinLLMProviders are the provider entries shipped with the engine.
// User-defined entries in llm-providers.yaml override them by name. Azure is
// not built in since it always needs a resource endpoint.
func builtinLLMProviders() map[string]LLMProviderConfig {
	return map[string]LLMProviderConfig{
		"openai":    {Type: ProviderTypeOpenAI, APIKeyEnv: "OPENAI_API_KEY"},
		"anthropic": {Type: ProviderTypeAnthropic, APIKeyEnv: "ANTHROPIC_API_KEY"},
		"ollama":    {Type: ProviderTypeOllama},
	}
}

// defaultSystemConfig returns the built-in system settings.
func defaultSystemConfig() *SystemConfig {
	return &SystemConfig{
		NodeID:   DefaultNodeID,
		HTTPPort: DefaultHTTPPort,
		Slack:    &SlackConfig{Enabled: false, TokenEnv: "SLACK_BOT_TOKEN"},
	}
}

// defaultStateStoreConfig returns the built-in state store settings.
func defaultStateStoreConfig() *StateStoreConfig {
	return &StateStoreConfig{Addr: DefaultRedisAddr}
}
