// Package masking scrubs credentials from agent output before it is
// broadcast, relayed to channels or written to event buffers.
package masking

import (
	"fmt"
	"log/slog"
	"regexp"
)

// Pattern is one named redaction rule.
type Pattern struct {
	Name        string
	Pattern     string
	Replacement string
}

type compiledPattern struct {
	name        string
	regex       *regexp.Regexp
	replacement string
}

// Redactor applies a set of compiled redaction patterns to text. It is
// immutable after construction and safe for concurrent use.
type Redactor struct {
	patterns []compiledPattern
	logger   *slog.Logger
}

// builtinPatterns covers the credential shapes agents most often leak
// into responses: keys pasted from tool output, connection strings and
// PEM blocks quoted from config files.
func builtinPatterns() []Pattern {
	return []Pattern{
		{
			Name:        "api_key",
			Pattern:     `(?i)(?:api[_-]?key|apikey)["']?\s*[:=]\s*["']?([A-Za-z0-9_\-]{20,})["']?`,
			Replacement: `"api_key": "__REDACTED_API_KEY__"`,
		},
		{
			Name:        "password",
			Pattern:     `(?i)(?:password|passwd|pwd)["']?\s*[:=]\s*["']?([^"'\s\n]{6,})["']?`,
			Replacement: `"password": "__REDACTED_PASSWORD__"`,
		},
		{
			Name:        "bearer_token",
			Pattern:     `(?i)(?:token|bearer|jwt)["']?\s*[:=]\s*["']?([A-Za-z0-9_\-\.]{20,})["']?`,
			Replacement: `"token": "__REDACTED_TOKEN__"`,
		},
		{
			Name:        "secret_key",
			Pattern:     `(?i)(?:secret[_-]?key|private[_-]?key)["']?\s*[:=]\s*["']?([A-Za-z0-9_\-\.]{20,})["']?`,
			Replacement: `"secret_key": "__REDACTED_SECRET_KEY__"`,
		},
		{
			Name:        "pem_block",
			Pattern:     `(?s)-----BEGIN [A-Z ]+-----.*?-----END [A-Z ]+-----`,
			Replacement: `__REDACTED_PEM_BLOCK__`,
		},
		{
			Name:        "connection_string",
			Pattern:     `\b(?:postgres|postgresql|mysql|redis|amqps?|mongodb(?:\+srv)?)://[^\s"']+:[^\s"'@]+@[^\s"']+`,
			Replacement: `__REDACTED_CONNECTION_STRING__`,
		},
		{
			Name:        "github_token",
			Pattern:     `\bgh[ps]_[A-Za-z0-9_]{36,255}\b`,
			Replacement: `__REDACTED_GITHUB_TOKEN__`,
		},
		{
			Name:        "aws_access_key",
			Pattern:     `\bAKIA[A-Z0-9]{16}\b`,
			Replacement: `__REDACTED_AWS_KEY__`,
		},
		{
			Name:        "ssh_key",
			Pattern:     `ssh-(?:rsa|dss|ed25519|ecdsa)\s+[A-Za-z0-9+/=]+`,
			Replacement: `__REDACTED_SSH_KEY__`,
		},
	}
}

// NewRedactor compiles the builtin patterns plus any custom ones.
// Custom patterns that fail to compile are logged and skipped; the
// builtin set is expected to always compile.
func NewRedactor(custom []Pattern) *Redactor {
	r := &Redactor{logger: slog.Default().With("component", "masking")}
	for _, p := range append(builtinPatterns(), custom...) {
		compiled, err := regexp.Compile(p.Pattern)
		if err != nil {
			r.logger.Error("Skipping invalid redaction pattern", "pattern", p.Name, "error", err)
			continue
		}
		r.patterns = append(r.patterns, compiledPattern{
			name:        p.Name,
			regex:       compiled,
			replacement: p.Replacement,
		})
	}
	return r
}

// Redact applies every pattern in order and returns the scrubbed text.
func (r *Redactor) Redact(text string) string {
	for _, p := range r.patterns {
		text = p.regex.ReplaceAllString(text, p.replacement)
	}
	return text
}

// Names lists the active pattern names, for diagnostics.
func (r *Redactor) Names() []string {
	names := make([]string, len(r.patterns))
	for i, p := range r.patterns {
		names[i] = p.name
	}
	return names
}

// Validate compiles the given patterns without building a Redactor,
// for config-load-time checks.
func Validate(patterns []Pattern) error {
	for _, p := range patterns {
		if _, err := regexp.Compile(p.Pattern); err != nil {
			return fmt.Errorf("pattern %s: %w", p.Name, err)
		}
	}
	return nil
}
