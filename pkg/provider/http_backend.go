package provider

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/wheelhouse-io/wheelhouse/pkg/errkind"
)

// HTTPBackend calls an LLM-style completion endpoint over HTTP. Errors
// are classified from the response status so the breaker and retry
// policy see TRANSIENT/PERMANENT/TIMEOUT/RESOURCE rather than raw
// transport failures.
type HTTPBackend struct {
	id      string
	baseURL string
	apiKey  string
	model   string
	client  *http.Client
}

// HTTPBackendConfig configures an HTTPBackend.
type HTTPBackendConfig struct {
	ID      string
	BaseURL string
	APIKey  string
	Model   string
	Timeout time.Duration
}

// NewHTTPBackend creates a backend for a completion endpoint.
func NewHTTPBackend(cfg HTTPBackendConfig) *HTTPBackend {
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 60 * time.Second
	}
	return &HTTPBackend{
		id:      cfg.ID,
		baseURL: cfg.BaseURL,
		apiKey:  cfg.APIKey,
		model:   cfg.Model,
		client:  &http.Client{Timeout: timeout},
	}
}

func (b *HTTPBackend) ID() string { return b.id }

type completionRequest struct {
	Model string          `json:"model,omitempty"`
	Kind  string          `json:"kind"`
	Input json.RawMessage `json:"input,omitempty"`
}

type completionResponse struct {
	Output       json.RawMessage `json:"output"`
	Model        string          `json:"model,omitempty"`
	InputTokens  int             `json:"input_tokens,omitempty"`
	OutputTokens int             `json:"output_tokens,omitempty"`
}

// Execute posts the task to the completion endpoint.
func (b *HTTPBackend) Execute(ctx context.Context, task Task) (*Result, error) {
	body, err := json.Marshal(completionRequest{Model: b.model, Kind: task.Kind, Input: task.Input})
	if err != nil {
		return nil, errkind.New(errkind.Permanent, fmt.Errorf("encoding completion request: %w", err))
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, b.baseURL+"/v1/completions", bytes.NewReader(body))
	if err != nil {
		return nil, errkind.New(errkind.Permanent, err)
	}
	req.Header.Set("Content-Type", "application/json")
	if b.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+b.apiKey)
	}

	resp, err := b.client.Do(req)
	if err != nil {
		return nil, errkind.New(errkind.Classify(err), fmt.Errorf("calling provider %s: %w", b.id, err))
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode != http.StatusOK {
		payload, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return nil, errkind.New(errkind.FromHTTPStatus(resp.StatusCode),
			fmt.Errorf("provider %s returned %d: %s", b.id, resp.StatusCode, string(payload)))
	}

	var cr completionResponse
	if err := json.NewDecoder(resp.Body).Decode(&cr); err != nil {
		return nil, errkind.New(errkind.Transient, fmt.Errorf("decoding provider %s response: %w", b.id, err))
	}

	return &Result{
		Output:       cr.Output,
		Model:        cr.Model,
		InputTokens:  cr.InputTokens,
		OutputTokens: cr.OutputTokens,
	}, nil
}

// Healthy probes the provider's health endpoint.
func (b *HTTPBackend) Healthy(ctx context.Context) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, b.baseURL+"/healthz", nil)
	if err != nil {
		return err
	}
	resp, err := b.client.Do(req)
	if err != nil {
		return fmt.Errorf("probing provider %s: %w", b.id, err)
	}
	defer func() { _ = resp.Body.Close() }()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("provider %s health returned %d", b.id, resp.StatusCode)
	}
	return nil
}
