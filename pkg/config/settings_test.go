package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadSettings_Defaults(t *testing.T) {
	t.Setenv("POD_ID", "pod-1")

	s, err := LoadSettings()
	require.NoError(t, err)
	assert.Equal(t, "pod-1", s.PodID)
	assert.Equal(t, ":8080", s.ListenAddr)
	assert.Equal(t, 5, s.WorkerConcurrency)
	assert.Equal(t, 30*time.Second, s.ShutdownGrace)
	assert.Empty(t, s.TelegramAllowedUsers)
	assert.Empty(t, s.APITokens)
	assert.Equal(t, 30*time.Minute, s.SessionTTL)
}

func TestLoadSettings_Overrides(t *testing.T) {
	t.Setenv("WORKER_CONCURRENCY", "12")
	t.Setenv("SHUTDOWN_GRACE_MS", "5000")
	t.Setenv("TELEGRAM_ALLOWED_USERS", "100, 200,300")
	t.Setenv("API_TOKENS", "tok-a, tok-b,")
	t.Setenv("STREAM_TOKENS", "agent-1=str-a, agent-2=str-b")
	t.Setenv("SESSION_TTL_MINUTES", "90")

	s, err := LoadSettings()
	require.NoError(t, err)
	assert.Equal(t, 12, s.WorkerConcurrency)
	assert.Equal(t, 5*time.Second, s.ShutdownGrace)
	assert.Equal(t, []int64{100, 200, 300}, s.TelegramAllowedUsers)
	assert.Equal(t, []string{"tok-a", "tok-b"}, s.APITokens)
	assert.Equal(t, map[string]string{"str-a": "agent-1", "str-b": "agent-2"}, s.StreamTokens)
	assert.Equal(t, 90*time.Minute, s.SessionTTL)
}

func TestParseStreamTokens(t *testing.T) {
	tests := []struct {
		name    string
		raw     string
		want    map[string]string
		wantErr string
	}{
		{name: "empty", raw: "", want: nil},
		{name: "single", raw: "a1=tok", want: map[string]string{"tok": "a1"}},
		{name: "trims and skips empty segments", raw: " a1=t1 ,, a2=t2 ,",
			want: map[string]string{"t1": "a1", "t2": "a2"}},
		{name: "missing separator", raw: "a1tok", wantErr: "want agent-id=token"},
		{name: "empty token", raw: "a1=", wantErr: "want agent-id=token"},
		{name: "duplicate token", raw: "a1=tok,a2=tok", wantErr: "duplicate"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := ParseStreamTokens(tt.raw)
			if tt.wantErr != "" {
				assert.ErrorContains(t, err, tt.wantErr)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestLoadSettings_RejectsBadConcurrency(t *testing.T) {
	t.Setenv("WORKER_CONCURRENCY", "0")
	_, err := LoadSettings()
	assert.ErrorContains(t, err, "WORKER_CONCURRENCY")

	t.Setenv("WORKER_CONCURRENCY", "many")
	_, err = LoadSettings()
	assert.ErrorContains(t, err, "WORKER_CONCURRENCY")
}

func TestParseAllowedUsers(t *testing.T) {
	tests := []struct {
		name    string
		raw     string
		want    []int64
		wantErr string
	}{
		{name: "empty", raw: "", want: nil},
		{name: "whitespace only", raw: "  ", want: nil},
		{name: "single", raw: "42", want: []int64{42}},
		{name: "trims and skips empty segments", raw: " 1,, 2 ,", want: []int64{1, 2}},
		{name: "rejects words", raw: "1,bob", wantErr: `"bob"`},
		{name: "rejects negative", raw: "-5", wantErr: "must be positive"},
		{name: "rejects zero", raw: "0", wantErr: "must be positive"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := ParseAllowedUsers(tt.raw)
			if tt.wantErr != "" {
				assert.ErrorContains(t, err, tt.wantErr)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}
