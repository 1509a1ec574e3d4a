package main

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/wheelhouse-io/wheelhouse/pkg/config"
	"github.com/wheelhouse-io/wheelhouse/pkg/provider"
)

func TestRegisterProvidersRejectsUnknownType(t *testing.T) {
	registry := provider.NewRegistry()
	err := registerProviders(registry, []config.ProviderSpec{
		{ID: "p1", Type: "carrier-pigeon"},
	})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "carrier-pigeon")
}

func TestRegisterProvidersBuildsHTTPBackend(t *testing.T) {
	registry := provider.NewRegistry()
	err := registerProviders(registry, []config.ProviderSpec{
		{ID: "p1", Type: "http", BaseURL: "http://localhost:9"},
	})
	require.NoError(t, err)
	assert.NotNil(t, registry.Breaker("p1"))
}
