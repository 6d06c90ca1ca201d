// Package connector executes named actions against registered integrations.
// Action names follow <resource>.<verb>; the verb selects the HTTP method,
// the resource the path. Responses can be projected through dot-path output
// extraction.
package connector

import (
	"errors"
	"fmt"
	"sync"
)

// IntegrationKind routes an action to the appropriate call shape.
type IntegrationKind string

const (
	KindMessagePlatform IntegrationKind = "message_platform"
	KindEmailTransport  IntegrationKind = "email_transport"
	KindGenericREST     IntegrationKind = "generic_rest"
	KindGraphQL         IntegrationKind = "graphql"
	KindSpecializedSaaS IntegrationKind = "specialized_saas"
)

// DefaultTimeoutMS applies when an integration declares no timeout.
const DefaultTimeoutMS = 15_000

// Integration is a registered external system.
type Integration struct {
	ID      string          `yaml:"id" json:"id"`
	Kind    IntegrationKind `yaml:"kind" json:"kind"`
	BaseURL string          `yaml:"base_url" json:"base_url"`
	// TimeoutMS bounds each call against this integration.
	TimeoutMS int64 `yaml:"timeout_ms,omitempty" json:"timeout_ms,omitempty"`
	// AuthHeader names the header carrying the decrypted credential
	// (default "Authorization").
	AuthHeader string `yaml:"auth_header,omitempty" json:"auth_header,omitempty"`
	// EncryptedCredential is handed to the injected decrypter at call time.
	EncryptedCredential string `yaml:"encrypted_credential,omitempty" json:"encrypted_credential,omitempty"`
	// Headers are sent verbatim on every call.
	Headers map[string]string `yaml:"headers,omitempty" json:"headers,omitempty"`
}

var (
	// ErrIntegrationNotFound is returned for unknown connector ids.
	ErrIntegrationNotFound = errors.New("integration not found")
	// ErrUnsupportedAction is returned when the action verb has no mapping.
	ErrUnsupportedAction = errors.New("unsupported action")
)

// CredentialDecrypter resolves an integration's stored credential for a
// principal. Credential storage itself is an external collaborator.
type CredentialDecrypter interface {
	Decrypt(principalID, ciphertext string) (string, error)
}

// PlaintextCredentials treats the stored credential as plaintext. Used when
// no secret store is wired.
type PlaintextCredentials struct{}

// Decrypt returns the ciphertext unchanged.
func (PlaintextCredentials) Decrypt(_, ciphertext string) (string, error) {
	return ciphertext, nil
}

// Registry holds integrations keyed by id.
type Registry struct {
	mu           sync.RWMutex
	integrations map[string]*Integration
}

// NewRegistry creates a registry. The input map is copied; later mutation of
// the caller's map does not affect the registry.
func NewRegistry(integrations map[string]*Integration) *Registry {
	copied := make(map[string]*Integration, len(integrations))
	for k, v := range integrations {
		copied[k] = v
	}
	return &Registry{integrations: copied}
}

// Get looks up an integration.
func (r *Registry) Get(id string) (*Integration, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	integration, ok := r.integrations[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrIntegrationNotFound, id)
	}
	return integration, nil
}

// Register adds or replaces an integration.
func (r *Registry) Register(integration *Integration) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.integrations[integration.ID] = integration
}
