package agentexec

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/wheelhouse-io/wheelhouse/pkg/errkind"
	"github.com/wheelhouse-io/wheelhouse/pkg/provider"
)

// RouterExtractor adapts the provider registry to the memory pipeline's
// Extractor interface. Extraction calls route through the same failover
// and breaker machinery as chat calls.
type RouterExtractor struct {
	providers *provider.Registry
}

// NewRouterExtractor wires an extractor over the registry.
func NewRouterExtractor(providers *provider.Registry) *RouterExtractor {
	return &RouterExtractor{providers: providers}
}

// Extract implements memory.Extractor.
func (r *RouterExtractor) Extract(ctx context.Context, systemPrompt, userPrompt string) (string, error) {
	output, err := routeCall(ctx, r.providers, "extraction", mustJSON(map[string]string{
		"system": systemPrompt, "user": userPrompt,
	}))
	if err != nil {
		return "", err
	}
	return extractResponse(&provider.Result{Output: output}), nil
}

// RouterEmbedder adapts the provider registry to the memory pipeline's
// Embedder interface.
type RouterEmbedder struct {
	providers *provider.Registry
}

// NewRouterEmbedder wires an embedder over the registry.
func NewRouterEmbedder(providers *provider.Registry) *RouterEmbedder {
	return &RouterEmbedder{providers: providers}
}

// Embed implements memory.Embedder.
func (r *RouterEmbedder) Embed(ctx context.Context, texts []string) ([][]float64, error) {
	output, err := routeCall(ctx, r.providers, "embedding", mustJSON(map[string]any{"texts": texts}))
	if err != nil {
		return nil, err
	}
	var out struct {
		Vectors [][]float64 `json:"vectors"`
	}
	if err := json.Unmarshal(output, &out); err != nil {
		return nil, fmt.Errorf("parsing embedding response: %w", err)
	}
	if len(out.Vectors) != len(texts) {
		return nil, fmt.Errorf("embedding response has %d vectors for %d texts", len(out.Vectors), len(texts))
	}
	return out.Vectors, nil
}

// routeCall runs one task through the registry with failover, feeding
// the outcome to the leased provider's breaker.
func routeCall(ctx context.Context, providers *provider.Registry, kind string, input json.RawMessage) (json.RawMessage, error) {
	task := provider.Task{Kind: kind, Input: input}
	lease, err := providers.RouteWithFailover(ctx, task)
	if err != nil {
		return nil, fmt.Errorf("routing %s: %w", kind, err)
	}
	result, err := lease.Backend().Execute(ctx, task)
	if err != nil {
		lease.Finish(false, errkind.Classify(err))
		return nil, fmt.Errorf("%s on %s: %w", kind, lease.ProviderID(), err)
	}
	lease.Finish(true, "")
	return result.Output, nil
}
