package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "wheelhouse.yaml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
	return path
}

func TestLoadFile(t *testing.T) {
	t.Setenv("TEST_PROVIDER_KEY", "sk-test-123")

	path := writeConfig(t, `
providers:
  - id: primary
    type: http
    base_url: https://llm.internal:8443
    api_key: "{{.TEST_PROVIDER_KEY}}"
    model: large-v3
    priority: 0
    max_in_flight: 8
    breaker:
      failure_threshold: 3
      open_duration: 45s
  - id: browser
    type: sidecar
    exec_url: http://127.0.0.1:9301/execute
    grpc_addr: 127.0.0.1:9302
    priority: 10
cron:
  - spec: "*/10 * * * *"
    task: MEMORY_EXTRACT
    agent_id: ops-agent
retention:
  job_retention: 168h
  sweep_interval: 1h
`)

	cfg, err := LoadFile(path)
	require.NoError(t, err)

	require.Len(t, cfg.Providers, 2)
	assert.Equal(t, "sk-test-123", cfg.Providers[0].APIKey)
	assert.Equal(t, int64(8), cfg.Providers[0].MaxInFlight)
	require.NotNil(t, cfg.Providers[0].Breaker)
	assert.Equal(t, 3, cfg.Providers[0].Breaker.FailureThreshold)
	assert.Equal(t, 45*time.Second, cfg.Providers[0].Breaker.OpenDuration)
	assert.Equal(t, "127.0.0.1:9302", cfg.Providers[1].GRPCAddr)

	require.Len(t, cfg.Cron, 1)
	assert.Equal(t, "MEMORY_EXTRACT", cfg.Cron[0].Task)

	require.NotNil(t, cfg.Retention)
	assert.Equal(t, 168*time.Hour, cfg.Retention.JobRetention)
}

func TestLoadFileValidation(t *testing.T) {
	tests := []struct {
		name    string
		content string
		wantErr string
	}{
		{
			name: "duplicate provider id",
			content: `
providers:
  - {id: a, type: http, base_url: http://x}
  - {id: a, type: http, base_url: http://y}
`,
			wantErr: "duplicate id",
		},
		{
			name:    "missing base_url",
			content: "providers:\n  - {id: a, type: http}\n",
			wantErr: "base_url is required",
		},
		{
			name:    "sidecar without grpc addr",
			content: "providers:\n  - {id: b, type: sidecar, exec_url: http://x}\n",
			wantErr: "grpc_addr are required",
		},
		{
			name:    "unknown type",
			content: "providers:\n  - {id: c, type: carrier-pigeon}\n",
			wantErr: "unknown type",
		},
		{
			name:    "cron without task",
			content: "cron:\n  - {spec: '* * * * *'}\n",
			wantErr: "spec and task are required",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := LoadFile(writeConfig(t, tt.content))
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.wantErr)
		})
	}
}

func TestLoadFileMissing(t *testing.T) {
	_, err := LoadFile(filepath.Join(t.TempDir(), "nope.yaml"))
	assert.Error(t, err)
}

func TestExpandEnv(t *testing.T) {
	t.Setenv("EXPAND_A", "alpha")
	t.Setenv("EXPAND_B", "beta")

	tests := []struct {
		name  string
		input string
		want  string
	}{
		{"simple substitution", "key: {{.EXPAND_A}}", "key: alpha"},
		{"multiple variables", "{{.EXPAND_A}}:{{.EXPAND_B}}", "alpha:beta"},
		{"missing variable expands empty", "key: {{.EXPAND_MISSING}}", "key: "},
		{"dollar syntax untouched", "pattern: ^user_${ID}$", "pattern: ^user_${ID}$"},
		{"no templates passes through", "plain: value", "plain: value"},
		{"malformed template returned as-is", "key: {{.broken", "key: {{.broken"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, string(ExpandEnv([]byte(tt.input))))
		})
	}
}
