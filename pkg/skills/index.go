// Package skills indexes SKILL.md definitions and resolves them into
// agent prompts under a token budget.
package skills

import (
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"gopkg.in/yaml.v3"
)

// ErrSkillNotFound is returned by Resolve for unknown skill names.
var ErrSkillNotFound = errors.New("skill not found")

// Constraints narrow what an agent may do while a skill is active.
type Constraints struct {
	AllowedTools  []string `yaml:"allowed-tools" json:"allowedTools,omitempty"`
	DeniedTools   []string `yaml:"denied-tools" json:"deniedTools,omitempty"`
	NetworkAccess bool     `yaml:"network" json:"networkAccess"`
	ShellAccess   bool     `yaml:"shell" json:"shellAccess"`
}

// Definition is one indexed skill.
type Definition struct {
	Name        string      `json:"name"`
	Title       string      `json:"title"`
	Tags        []string    `json:"tags,omitempty"`
	Summary     string      `json:"summary,omitempty"`
	Constraints Constraints `json:"constraints"`
	FilePath    string      `json:"filePath"`
	ContentHash string      `json:"contentHash"`
	ModTime     time.Time   `json:"modTime"`
}

// ResolvedSkill pairs a definition with its full markdown body.
type ResolvedSkill struct {
	Definition
	Content string `json:"content"`
}

// Index scans a skills directory: every subdirectory holding a SKILL.md
// contributes one definition keyed by the directory name.
type Index struct {
	root   string
	logger *slog.Logger

	mu   sync.RWMutex
	defs map[string]*Definition
}

// NewIndex creates an index over root and performs the initial scan.
func NewIndex(root string) (*Index, error) {
	idx := &Index{
		root:   root,
		logger: slog.Default().With("component", "skill-index"),
		defs:   make(map[string]*Definition),
	}
	if err := idx.Refresh(); err != nil {
		return nil, err
	}
	return idx, nil
}

// Refresh rescans the directory. Files whose mtime is unchanged keep
// their parsed definition; removed directories drop out.
func (x *Index) Refresh() error {
	entries, err := os.ReadDir(x.root)
	if err != nil {
		if os.IsNotExist(err) {
			x.mu.Lock()
			x.defs = make(map[string]*Definition)
			x.mu.Unlock()
			return nil
		}
		return fmt.Errorf("reading skills dir %s: %w", x.root, err)
	}

	next := make(map[string]*Definition, len(entries))
	for _, entry := range entries {
		if !entry.IsDir() {
			continue
		}
		name := entry.Name()
		path := filepath.Join(x.root, name, "SKILL.md")
		info, err := os.Stat(path)
		if err != nil {
			continue // directory without a SKILL.md
		}

		x.mu.RLock()
		existing := x.defs[name]
		x.mu.RUnlock()
		if existing != nil && existing.ModTime.Equal(info.ModTime()) {
			next[name] = existing
			continue
		}

		def, err := parseSkillFile(name, path, info.ModTime())
		if err != nil {
			x.logger.Warn("Skipping unparsable skill", "skill", name, "error", err)
			continue
		}
		next[name] = def
	}

	x.mu.Lock()
	x.defs = next
	x.mu.Unlock()
	return nil
}

// List returns all definitions sorted by name.
func (x *Index) List() []Definition {
	x.mu.RLock()
	defer x.mu.RUnlock()
	out := make([]Definition, 0, len(x.defs))
	for _, d := range x.defs {
		out = append(out, *d)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// Get returns one definition by name.
func (x *Index) Get(name string) (Definition, bool) {
	x.mu.RLock()
	defer x.mu.RUnlock()
	d, ok := x.defs[name]
	if !ok {
		return Definition{}, false
	}
	return *d, true
}

// Resolve loads the full content of the named skills, in input order.
func (x *Index) Resolve(names []string) ([]ResolvedSkill, error) {
	var out []ResolvedSkill
	for _, name := range names {
		def, ok := x.Get(name)
		if !ok {
			return nil, fmt.Errorf("%w: %s", ErrSkillNotFound, name)
		}
		content, err := os.ReadFile(def.FilePath)
		if err != nil {
			return nil, fmt.Errorf("reading skill %s: %w", name, err)
		}
		out = append(out, ResolvedSkill{Definition: def, Content: string(content)})
	}
	return out, nil
}

// EstimateTokens approximates the prompt cost of a skill body.
func EstimateTokens(content string) int {
	return len(content) / 4
}

// SelectWithinBudget keeps skills in input order while their estimated
// token cost fits the budget; the rest are dropped.
func SelectWithinBudget(defs []ResolvedSkill, tokenBudget int) []ResolvedSkill {
	var out []ResolvedSkill
	remaining := tokenBudget
	for _, def := range defs {
		cost := EstimateTokens(def.Content)
		if cost > remaining {
			continue
		}
		remaining -= cost
		out = append(out, def)
	}
	return out
}

// MergeConstraints folds the selected skills' constraints: allowed tools
// intersect (over non-empty lists), denied tools union, network and
// shell access AND together. Skills can only narrow what an agent may do.
func MergeConstraints(defs []Definition) Constraints {
	merged := Constraints{NetworkAccess: true, ShellAccess: true}
	if len(defs) == 0 {
		return merged
	}

	var allowed []string
	allowedSet := false
	deniedSet := make(map[string]struct{})

	for _, def := range defs {
		c := def.Constraints
		if len(c.AllowedTools) > 0 {
			if !allowedSet {
				allowed = append([]string(nil), c.AllowedTools...)
				allowedSet = true
			} else {
				allowed = intersectStrings(allowed, c.AllowedTools)
			}
		}
		for _, tool := range c.DeniedTools {
			deniedSet[tool] = struct{}{}
		}
		merged.NetworkAccess = merged.NetworkAccess && c.NetworkAccess
		merged.ShellAccess = merged.ShellAccess && c.ShellAccess
	}

	merged.AllowedTools = allowed
	for tool := range deniedSet {
		merged.DeniedTools = append(merged.DeniedTools, tool)
	}
	sort.Strings(merged.DeniedTools)
	return merged
}

type frontmatter struct {
	Title       string      `yaml:"title"`
	Tags        []string    `yaml:"tags"`
	Summary     string      `yaml:"summary"`
	Constraints Constraints `yaml:",inline"`
}

// parseSkillFile reads a SKILL.md: an optional YAML frontmatter block
// between "---" fences, then markdown. A missing title falls back to the
// first heading, then the directory name.
func parseSkillFile(name, path string, modTime time.Time) (*Definition, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}

	var fm frontmatter
	// Network and shell default open; constraints only narrow.
	fm.Constraints.NetworkAccess = true
	fm.Constraints.ShellAccess = true

	body := string(raw)
	if rest, block, ok := splitFrontmatter(body); ok {
		if err := yaml.Unmarshal([]byte(block), &fm); err != nil {
			return nil, fmt.Errorf("parsing frontmatter: %w", err)
		}
		body = rest
	}

	title := fm.Title
	if title == "" {
		title = firstHeading(body)
	}
	if title == "" {
		title = name
	}

	sum := sha256.Sum256(raw)
	return &Definition{
		Name:        name,
		Title:       title,
		Tags:        fm.Tags,
		Summary:     fm.Summary,
		Constraints: fm.Constraints,
		FilePath:    path,
		ContentHash: hex.EncodeToString(sum[:]),
		ModTime:     modTime,
	}, nil
}

// splitFrontmatter returns (body, frontmatter, true) when the file opens
// with a fenced YAML block.
func splitFrontmatter(content string) (string, string, bool) {
	if !strings.HasPrefix(content, "---\n") && !strings.HasPrefix(content, "---\r\n") {
		return content, "", false
	}
	rest := content[strings.Index(content, "\n")+1:]
	end := strings.Index(rest, "\n---")
	if end < 0 {
		return content, "", false
	}
	block := rest[:end]
	body := rest[end+len("\n---"):]
	if i := strings.Index(body, "\n"); i >= 0 {
		body = body[i+1:]
	} else {
		body = ""
	}
	return body, block, true
}

func firstHeading(body string) string {
	for _, line := range strings.Split(body, "\n") {
		line = strings.TrimSpace(line)
		if strings.HasPrefix(line, "#") {
			return strings.TrimSpace(strings.TrimLeft(line, "#"))
		}
	}
	return ""
}

func intersectStrings(a, b []string) []string {
	set := make(map[string]struct{}, len(b))
	for _, s := range b {
		set[s] = struct{}{}
	}
	var out []string
	for _, s := range a {
		if _, ok := set[s]; ok {
			out = append(out, s)
		}
	}
	return out
}

