package agentexec

import (
	"context"
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/wheelhouse-io/wheelhouse/pkg/provider"
)

func scriptedRegistry(fn func(call int, task provider.Task) (*provider.Result, error)) *provider.Registry {
	registry := provider.NewRegistry()
	registry.Register(&fakeBackend{id: "p1", fn: fn}, provider.EntryConfig{Priority: 1, MaxInFlight: 4})
	return registry
}

func TestRouterExtractor(t *testing.T) {
	registry := scriptedRegistry(func(_ int, task provider.Task) (*provider.Result, error) {
		assert.Equal(t, "extraction", task.Kind)
		var in struct {
			System string `json:"system"`
			User   string `json:"user"`
		}
		require.NoError(t, json.Unmarshal(task.Input, &in))
		assert.Contains(t, in.User, "transcript goes here")
		return &provider.Result{Output: json.RawMessage(`{"response":"[]"}`)}, nil
	})

	got, err := NewRouterExtractor(registry).Extract(context.Background(), "sys", "transcript goes here")
	require.NoError(t, err)
	assert.Equal(t, "[]", got)
}

func TestRouterEmbedder(t *testing.T) {
	registry := scriptedRegistry(func(_ int, task provider.Task) (*provider.Result, error) {
		assert.Equal(t, "embedding", task.Kind)
		return &provider.Result{Output: json.RawMessage(`{"vectors":[[0.1,0.2],[0.3,0.4]]}`)}, nil
	})

	vecs, err := NewRouterEmbedder(registry).Embed(context.Background(), []string{"a", "b"})
	require.NoError(t, err)
	require.Len(t, vecs, 2)
	assert.InDelta(t, 0.3, vecs[1][0], 1e-9)
}

func TestRouterEmbedderCountMismatch(t *testing.T) {
	registry := scriptedRegistry(func(_ int, task provider.Task) (*provider.Result, error) {
		return &provider.Result{Output: json.RawMessage(`{"vectors":[[0.1]]}`)}, nil
	})

	_, err := NewRouterEmbedder(registry).Embed(context.Background(), []string{"a", "b"})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "1 vectors for 2 texts")
}
