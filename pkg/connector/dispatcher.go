package connector

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/sony/gobreaker"

	"github.com/corrflow/corrflow/pkg/sandbox"
)

// Result is the outcome of one connector call.
type Result struct {
	Success     bool           `json:"success"`
	RawResponse any            `json:"raw_response,omitempty"`
	Extracted   map[string]any `json:"extracted,omitempty"`
	DurationMS  int64          `json:"duration_ms"`
}

// CallError is a typed failure from the remote system.
type CallError struct {
	IntegrationID string
	Action        string
	StatusCode    int
	Body          string
}

func (e *CallError) Error() string {
	return fmt.Sprintf("connector %s action %s failed with status %d", e.IntegrationID, e.Action, e.StatusCode)
}

// verbMethods maps action verbs to HTTP methods.
var verbMethods = map[string]string{
	"create": http.MethodPost, "send": http.MethodPost, "trigger": http.MethodPost, "post": http.MethodPost,
	"fetch": http.MethodGet, "get": http.MethodGet, "list": http.MethodGet, "read": http.MethodGet,
	"update": http.MethodPatch, "patch": http.MethodPatch,
	"replace": http.MethodPut,
	"delete":  http.MethodDelete, "remove": http.MethodDelete,
}

// Dispatcher executes actions against registered integrations. Each
// integration gets its own circuit breaker so a flapping remote system
// sheds load instead of tying up pipeline workers.
type Dispatcher struct {
	registry  *Registry
	decrypter CredentialDecrypter
	client    *http.Client

	mu       sync.Mutex
	breakers map[string]*gobreaker.CircuitBreaker
}

// NewDispatcher creates a dispatcher. decrypter may be nil (plaintext
// credentials).
func NewDispatcher(registry *Registry, decrypter CredentialDecrypter) *Dispatcher {
	if decrypter == nil {
		decrypter = PlaintextCredentials{}
	}
	return &Dispatcher{
		registry:  registry,
		decrypter: decrypter,
		client:    &http.Client{},
		breakers:  make(map[string]*gobreaker.CircuitBreaker),
	}
}

func (d *Dispatcher) breaker(integrationID string) *gobreaker.CircuitBreaker {
	d.mu.Lock()
	defer d.mu.Unlock()

	cb, ok := d.breakers[integrationID]
	if !ok {
		cb = gobreaker.NewCircuitBreaker(gobreaker.Settings{
			Name:        integrationID,
			MaxRequests: 1,
			Timeout:     30 * time.Second,
			ReadyToTrip: func(counts gobreaker.Counts) bool {
				return counts.ConsecutiveFailures >= 5
			},
			OnStateChange: func(name string, from, to gobreaker.State) {
				slog.Warn("Connector circuit breaker state change",
					"integration_id", name, "from", from.String(), "to", to.String())
			},
		})
		d.breakers[integrationID] = cb
	}
	return cb
}

// Execute runs a named action against an integration. slots carry the
// resolved call parameters; extractOutput (alias → dot path) projects the
// response.
func (d *Dispatcher) Execute(ctx context.Context, connectorID, principalID, action string, slots map[string]any, extractOutput map[string]string) (*Result, error) {
	integration, err := d.registry.Get(connectorID)
	if err != nil {
		return nil, err
	}

	resource, verb, err := splitAction(action)
	if err != nil {
		return nil, err
	}

	credential := ""
	if integration.EncryptedCredential != "" {
		credential, err = d.decrypter.Decrypt(principalID, integration.EncryptedCredential)
		if err != nil {
			return nil, fmt.Errorf("failed to decrypt credentials for %s: %w", connectorID, err)
		}
	}

	timeout := time.Duration(integration.TimeoutMS) * time.Millisecond
	if timeout <= 0 {
		timeout = DefaultTimeoutMS * time.Millisecond
	}
	callCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	start := time.Now()
	raw, err := d.breaker(connectorID).Execute(func() (any, error) {
		return d.call(callCtx, integration, credential, resource, verb, slots)
	})
	duration := time.Since(start).Milliseconds()
	if err != nil {
		return nil, err
	}

	result := &Result{
		Success:     true,
		RawResponse: raw,
		DurationMS:  duration,
	}
	if len(extractOutput) > 0 {
		result.Extracted = make(map[string]any, len(extractOutput))
		for alias, path := range extractOutput {
			if v, ok := sandbox.Resolve(raw, path); ok {
				result.Extracted[alias] = v
			}
		}
	}
	return result, nil
}

// splitAction parses "<resource>.<verb>" and maps the verb to a method.
func splitAction(action string) (resource, method string, err error) {
	idx := strings.LastIndex(action, ".")
	if idx <= 0 || idx == len(action)-1 {
		return "", "", fmt.Errorf("%w: %q is not <resource>.<verb>", ErrUnsupportedAction, action)
	}
	resource = action[:idx]
	verb := action[idx+1:]
	method, ok := verbMethods[verb]
	if !ok {
		return "", "", fmt.Errorf("%w: unknown verb %q", ErrUnsupportedAction, verb)
	}
	return resource, method, nil
}

// call shapes and performs the HTTP request for the integration kind.
func (d *Dispatcher) call(ctx context.Context, integration *Integration, credential, resource, method string, slots map[string]any) (any, error) {
	endpoint := strings.TrimRight(integration.BaseURL, "/")

	var body io.Reader
	switch integration.Kind {
	case KindGraphQL:
		// GraphQL always posts {query, variables} to the base endpoint.
		method = http.MethodPost
		payload := map[string]any{
			"query":     slots["query"],
			"variables": slots["variables"],
		}
		raw, err := json.Marshal(payload)
		if err != nil {
			return nil, fmt.Errorf("failed to encode graphql payload: %w", err)
		}
		body = bytes.NewReader(raw)

	case KindMessagePlatform, KindEmailTransport, KindGenericREST, KindSpecializedSaaS:
		endpoint += "/" + strings.ReplaceAll(resource, ".", "/")
		switch method {
		case http.MethodGet, http.MethodDelete:
			if len(slots) > 0 {
				q := url.Values{}
				for k, v := range slots {
					q.Set(k, fmt.Sprintf("%v", v))
				}
				endpoint += "?" + q.Encode()
			}
		default:
			raw, err := json.Marshal(slots)
			if err != nil {
				return nil, fmt.Errorf("failed to encode request body: %w", err)
			}
			body = bytes.NewReader(raw)
		}

	default:
		return nil, fmt.Errorf("%w: integration kind %q", ErrUnsupportedAction, integration.Kind)
	}

	req, err := http.NewRequestWithContext(ctx, method, endpoint, body)
	if err != nil {
		return nil, fmt.Errorf("failed to build request: %w", err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if credential != "" {
		header := integration.AuthHeader
		if header == "" {
			header = "Authorization"
		}
		req.Header.Set(header, credential)
	}
	for k, v := range integration.Headers {
		req.Header.Set(k, v)
	}

	resp, err := d.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("connector %s call failed: %w", integration.ID, err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("failed to read response: %w", err)
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, &CallError{
			IntegrationID: integration.ID,
			Action:        resource,
			StatusCode:    resp.StatusCode,
			Body:          string(respBody),
		}
	}

	if len(respBody) == 0 {
		return map[string]any{}, nil
	}
	var parsed any
	if err := json.Unmarshal(respBody, &parsed); err != nil {
		// Non-JSON responses are returned as text.
		return map[string]any{"text": string(respBody)}, nil
	}
	return parsed, nil
}
