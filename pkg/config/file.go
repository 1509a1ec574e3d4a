package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// FileConfig is the wheelhouse.yaml structure: provider fleet, cron
// schedule and retention policy. Environment references use the
// {{.VAR}} template form and are expanded before parsing.
type FileConfig struct {
	Providers []ProviderSpec `yaml:"providers"`
	Cron      []CronSpec     `yaml:"cron"`
	Retention *RetentionSpec `yaml:"retention"`
}

// ProviderSpec describes one model provider or execution sidecar.
type ProviderSpec struct {
	ID   string `yaml:"id"`
	Type string `yaml:"type"` // "http" or "sidecar"

	// http providers
	BaseURL string `yaml:"base_url,omitempty"`
	APIKey  string `yaml:"api_key,omitempty"`
	Model   string `yaml:"model,omitempty"`

	// sidecar providers
	ExecURL  string `yaml:"exec_url,omitempty"`
	GRPCAddr string `yaml:"grpc_addr,omitempty"`

	Priority    int           `yaml:"priority"`
	MaxInFlight int64         `yaml:"max_in_flight,omitempty"`
	Timeout     time.Duration `yaml:"timeout,omitempty"`

	Breaker *BreakerSpec `yaml:"breaker,omitempty"`
}

// BreakerSpec tunes a provider's circuit breaker. Zero fields fall back
// to the breaker defaults.
type BreakerSpec struct {
	FailureThreshold int           `yaml:"failure_threshold,omitempty"`
	OpenDuration     time.Duration `yaml:"open_duration,omitempty"`
	HalfOpenMax      int           `yaml:"half_open_max,omitempty"`
}

// CronSpec schedules a recurring background task.
type CronSpec struct {
	Spec    string `yaml:"spec"`
	Task    string `yaml:"task"`
	AgentID string `yaml:"agent_id,omitempty"`
	Payload string `yaml:"payload,omitempty"`
}

// RetentionSpec bounds how long terminal jobs and event buffers are
// kept before the cleanup sweeper removes them.
type RetentionSpec struct {
	JobRetention    time.Duration `yaml:"job_retention,omitempty"`
	BufferRetention time.Duration `yaml:"buffer_retention,omitempty"`
	SweepInterval   time.Duration `yaml:"sweep_interval,omitempty"`
}

// LoadFile reads, env-expands and validates a wheelhouse.yaml.
func LoadFile(path string) (*FileConfig, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config file: %w", err)
	}

	var cfg FileConfig
	if err := yaml.Unmarshal(ExpandEnv(raw), &cfg); err != nil {
		return nil, fmt.Errorf("parsing config file %s: %w", path, err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("validating config file %s: %w", path, err)
	}
	return &cfg, nil
}

// Validate checks structural requirements: unique provider ids, known
// provider types and complete endpoint configuration per type.
func (c *FileConfig) Validate() error {
	seen := make(map[string]bool, len(c.Providers))
	for i, p := range c.Providers {
		if p.ID == "" {
			return fmt.Errorf("providers[%d]: id is required", i)
		}
		if seen[p.ID] {
			return fmt.Errorf("providers[%d]: duplicate id %q", i, p.ID)
		}
		seen[p.ID] = true

		switch p.Type {
		case "http":
			if p.BaseURL == "" {
				return fmt.Errorf("provider %s: base_url is required for http providers", p.ID)
			}
		case "sidecar":
			if p.ExecURL == "" || p.GRPCAddr == "" {
				return fmt.Errorf("provider %s: exec_url and grpc_addr are required for sidecar providers", p.ID)
			}
		default:
			return fmt.Errorf("provider %s: unknown type %q", p.ID, p.Type)
		}
	}

	for i, entry := range c.Cron {
		if entry.Spec == "" || entry.Task == "" {
			return fmt.Errorf("cron[%d]: spec and task are required", i)
		}
	}
	return nil
}
