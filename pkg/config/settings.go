package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

// Settings is the runtime configuration for the control plane, loaded
// from environment variables. Validation failures abort startup.
type Settings struct {
	// PodID identifies this replica for job claims and heartbeats.
	PodID string

	// ListenAddr is the HTTP listen address.
	ListenAddr string

	// WorkerConcurrency is the worker pool size.
	WorkerConcurrency int

	// ShutdownGrace bounds graceful shutdown.
	ShutdownGrace time.Duration

	// BufferDir is the root directory for per-job event logs.
	BufferDir string

	// SkillsDir is the SKILL.md library root. Empty disables the index.
	SkillsDir string

	// MemoryDir is the markdown memory directory watched by the sync
	// pipeline. Empty disables markdown sync.
	MemoryDir string

	// CredentialMasterKey encrypts stored channel credentials.
	CredentialMasterKey string

	// ApprovalSigningKey signs approval decision tokens.
	ApprovalSigningKey string

	// TelegramBotToken enables the Telegram adapter when set.
	TelegramBotToken string

	// TelegramAllowedUsers is the inbound allow-list. An empty list with
	// the adapter enabled drops every inbound message.
	TelegramAllowedUsers []int64

	// SlackToken enables the outbound Slack adapter when set.
	SlackToken string

	// APITokens is the accepted bearer token set for the HTTP API.
	// Empty disables authentication.
	APITokens []string

	// StreamTokens maps an agent-scoped bearer token to the agent whose
	// stream it may read.
	StreamTokens map[string]string

	// SessionTTL is the chat session idle expiry.
	SessionTTL time.Duration
}

// LoadSettings reads and validates the control plane settings.
func LoadSettings() (*Settings, error) {
	s := &Settings{
		PodID:               podID(),
		ListenAddr:          getEnv("LISTEN_ADDR", ":8080"),
		BufferDir:           getEnv("BUFFER_DIR", "data/buffers"),
		SkillsDir:           os.Getenv("SKILLS_DIR"),
		MemoryDir:           os.Getenv("MEMORY_DIR"),
		CredentialMasterKey: os.Getenv("CREDENTIAL_MASTER_KEY"),
		ApprovalSigningKey:  os.Getenv("APPROVAL_SIGNING_KEY"),
		TelegramBotToken:    os.Getenv("TELEGRAM_BOT_TOKEN"),
		SlackToken:          os.Getenv("SLACK_BOT_TOKEN"),
	}

	concurrency, err := intEnv("WORKER_CONCURRENCY", 5)
	if err != nil {
		return nil, err
	}
	if concurrency < 1 {
		return nil, fmt.Errorf("WORKER_CONCURRENCY must be positive, got %d", concurrency)
	}
	s.WorkerConcurrency = concurrency

	graceMS, err := intEnv("SHUTDOWN_GRACE_MS", 30_000)
	if err != nil {
		return nil, err
	}
	if graceMS < 0 {
		return nil, fmt.Errorf("SHUTDOWN_GRACE_MS must not be negative, got %d", graceMS)
	}
	s.ShutdownGrace = time.Duration(graceMS) * time.Millisecond

	users, err := ParseAllowedUsers(os.Getenv("TELEGRAM_ALLOWED_USERS"))
	if err != nil {
		return nil, err
	}
	s.TelegramAllowedUsers = users

	for _, token := range strings.Split(os.Getenv("API_TOKENS"), ",") {
		if token = strings.TrimSpace(token); token != "" {
			s.APITokens = append(s.APITokens, token)
		}
	}

	scopes, err := ParseStreamTokens(os.Getenv("STREAM_TOKENS"))
	if err != nil {
		return nil, err
	}
	s.StreamTokens = scopes

	ttlMin, err := intEnv("SESSION_TTL_MINUTES", 30)
	if err != nil {
		return nil, err
	}
	if ttlMin < 1 {
		return nil, fmt.Errorf("SESSION_TTL_MINUTES must be positive, got %d", ttlMin)
	}
	s.SessionTTL = time.Duration(ttlMin) * time.Minute

	return s, nil
}

// ParseAllowedUsers parses a comma-separated list of Telegram user ids.
// Whitespace around entries is trimmed and empty segments are skipped;
// any entry that is not a positive integer fails the whole parse.
func ParseAllowedUsers(raw string) ([]int64, error) {
	if strings.TrimSpace(raw) == "" {
		return nil, nil
	}
	var out []int64
	for _, part := range strings.Split(raw, ",") {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		id, err := strconv.ParseInt(part, 10, 64)
		if err != nil {
			return nil, fmt.Errorf("invalid TELEGRAM_ALLOWED_USERS entry %q: %w", part, err)
		}
		if id <= 0 {
			return nil, fmt.Errorf("invalid TELEGRAM_ALLOWED_USERS entry %q: must be positive", part)
		}
		out = append(out, id)
	}
	return out, nil
}

// ParseStreamTokens parses comma-separated "agent-id=token" pairs into a
// token → agent scope map. A token may appear once; duplicate tokens
// fail the parse.
func ParseStreamTokens(raw string) (map[string]string, error) {
	if strings.TrimSpace(raw) == "" {
		return nil, nil
	}
	out := make(map[string]string)
	for _, part := range strings.Split(raw, ",") {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		agentID, token, ok := strings.Cut(part, "=")
		agentID = strings.TrimSpace(agentID)
		token = strings.TrimSpace(token)
		if !ok || agentID == "" || token == "" {
			return nil, fmt.Errorf("invalid STREAM_TOKENS entry %q: want agent-id=token", part)
		}
		if _, dup := out[token]; dup {
			return nil, fmt.Errorf("duplicate STREAM_TOKENS token for agent %q", agentID)
		}
		out[token] = agentID
	}
	return out, nil
}

func podID() string {
	if id := os.Getenv("POD_ID"); id != "" {
		return id
	}
	if hostname, err := os.Hostname(); err == nil && hostname != "" {
		return hostname
	}
	return "pod-unknown"
}

func getEnv(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func intEnv(key string, fallback int) (int, error) {
	raw := os.Getenv(key)
	if raw == "" {
		return fallback, nil
	}
	v, err := strconv.Atoi(raw)
	if err != nil {
		return 0, fmt.Errorf("invalid %s %q: %w", key, raw, err)
	}
	return v, nil
}
