package config

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"

	"dario.cat/mergo"
	"gopkg.in/yaml.v3"

	"github.com/corrflow/corrflow/pkg/connector"
)

// CorrflowYAMLConfig represents the complete corrflow.yaml file structure.
type CorrflowYAMLConfig struct {
	System       *SystemConfig                     `yaml:"system"`
	StateStore   *StateStoreConfig                 `yaml:"state_store"`
	Integrations map[string]*connector.Integration `yaml:"integrations"`
}

// LLMProvidersYAMLConfig represents the llm-providers.yaml file structure.
type LLMProvidersYAMLConfig struct {
	LLMProviders map[string]LLMProviderConfig `yaml:"llm_providers"`
}

// Initialize loads, validates, and returns ready-to-use configuration.
//
// Steps performed:
//  1. Load YAML files from configDir
//  2. Expand environment variables
//  3. Merge built-in + user-defined entries (user overrides built-in)
//  4. Apply defaults
//  5. Validate
func Initialize(ctx context.Context, configDir string) (*Config, error) {
	log := slog.With("config_dir", configDir)
	log.Info("Initializing configuration")

	cfg, err := load(ctx, configDir)
	if err != nil {
		return nil, fmt.Errorf("failed to load configuration: %w", err)
	}
	if err := validate(cfg); err != nil {
		return nil, fmt.Errorf("configuration validation failed: %w", err)
	}

	stats := cfg.Stats()
	log.Info("Configuration initialized successfully",
		"integrations", stats.Integrations,
		"llm_providers", stats.LLMProviders)
	return cfg, nil
}

func load(_ context.Context, configDir string) (*Config, error) {
	loader := &configLoader{configDir: configDir}

	corrflowConfig, err := loader.loadCorrflowYAML()
	if err != nil {
		return nil, NewLoadError("corrflow.yaml", err)
	}
	llmProviders, err := loader.loadLLMProvidersYAML()
	if err != nil {
		return nil, NewLoadError("llm-providers.yaml", err)
	}

	// User-defined providers override the built-ins by name.
	providers := builtinLLMProviders()
	for name, pc := range llmProviders {
		providers[name] = pc
	}

	system := defaultSystemConfig()
	if corrflowConfig.System != nil {
		if err := mergo.Merge(system, corrflowConfig.System, mergo.WithOverride); err != nil {
			return nil, fmt.Errorf("failed to merge system config: %w", err)
		}
	}
	stateStore := defaultStateStoreConfig()
	if corrflowConfig.StateStore != nil {
		if err := mergo.Merge(stateStore, corrflowConfig.StateStore, mergo.WithOverride); err != nil {
			return nil, fmt.Errorf("failed to merge state store config: %w", err)
		}
	}

	for id, integration := range corrflowConfig.Integrations {
		if integration.ID == "" {
			integration.ID = id
		}
	}

	return &Config{
		configDir:    configDir,
		System:       system,
		StateStore:   stateStore,
		Integrations: corrflowConfig.Integrations,
		LLMProviders: providers,
	}, nil
}

func validate(cfg *Config) error {
	if cfg.System.HTTPPort == "" {
		return fmt.Errorf("%w: system.http_port must not be empty", ErrInvalidConfig)
	}
	if cfg.System.NodeID == "" {
		return fmt.Errorf("%w: system.node_id must not be empty", ErrInvalidConfig)
	}
	if cfg.System.Slack != nil && cfg.System.Slack.Enabled && cfg.System.Slack.Channel == "" {
		return fmt.Errorf("%w: system.slack.channel is required when slack is enabled", ErrInvalidConfig)
	}
	if !cfg.StateStore.Disabled && cfg.StateStore.Addr == "" {
		return fmt.Errorf("%w: state_store.addr must not be empty", ErrInvalidConfig)
	}

	for id, integration := range cfg.Integrations {
		if integration.Kind == "" {
			return fmt.Errorf("%w: integration %q has no kind", ErrInvalidConfig, id)
		}
		if integration.BaseURL == "" {
			return fmt.Errorf("%w: integration %q has no base_url", ErrInvalidConfig, id)
		}
	}

	for name, pc := range cfg.LLMProviders {
		switch pc.Type {
		case ProviderTypeOpenAI, ProviderTypeAnthropic, ProviderTypeAzure, ProviderTypeOllama:
		default:
			return fmt.Errorf("%w: llm provider %q has unknown type %q", ErrInvalidConfig, name, pc.Type)
		}
		if pc.Type == ProviderTypeAzure && pc.Endpoint == "" {
			return fmt.Errorf("%w: llm provider %q requires an endpoint", ErrInvalidConfig, name)
		}
	}
	return nil
}

type configLoader struct {
	configDir string
}

func (l *configLoader) loadYAML(filename string, target any) error {
	path := filepath.Join(l.configDir, filename)

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return fmt.Errorf("%w: %s", ErrConfigNotFound, path)
		}
		return err
	}

	data = ExpandEnv(data)
	if err := yaml.Unmarshal(data, target); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidYAML, err)
	}
	return nil
}

func (l *configLoader) loadCorrflowYAML() (*CorrflowYAMLConfig, error) {
	config := CorrflowYAMLConfig{
		Integrations: make(map[string]*connector.Integration),
	}
	if err := l.loadYAML("corrflow.yaml", &config); err != nil {
		return nil, err
	}
	return &config, nil
}

// loadLLMProvidersYAML loads llm-providers.yaml. A missing file is fine, the
// built-in providers apply.
func (l *configLoader) loadLLMProvidersYAML() (map[string]LLMProviderConfig, error) {
	config := LLMProvidersYAMLConfig{
		LLMProviders: make(map[string]LLMProviderConfig),
	}
	if err := l.loadYAML("llm-providers.yaml", &config); err != nil {
		if errors.Is(err, ErrConfigNotFound) {
			return config.LLMProviders, nil
		}
		return nil, err
	}
	return config.LLMProviders, nil
}
