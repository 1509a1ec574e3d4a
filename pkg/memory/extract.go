package memory

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"regexp"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/wheelhouse-io/wheelhouse/pkg/models"
)

// Thresholds for neighbor handling during extraction.
const (
	// DedupThreshold: a new fact at or above this similarity to an
	// existing record is dropped as a duplicate.
	DedupThreshold = 0.92

	// SupersedeThreshold: at or above this similarity (and below dedup)
	// a newer, at-least-as-confident fact supersedes the existing one.
	SupersedeThreshold = 0.75
)

// Extractor produces the raw extraction output for a message window.
// The prompt text is owned by the caller; the pipeline only parses the
// result.
type Extractor interface {
	Extract(ctx context.Context, systemPrompt, userPrompt string) (string, error)
}

// ExtractorFunc adapts a function to Extractor.
type ExtractorFunc func(ctx context.Context, systemPrompt, userPrompt string) (string, error)

// Extract implements Extractor.
func (f ExtractorFunc) Extract(ctx context.Context, systemPrompt, userPrompt string) (string, error) {
	return f(ctx, systemPrompt, userPrompt)
}

// Summary counts the outcome of one extraction run.
type Summary struct {
	Extracted  int `json:"extracted"`
	Deduped    int `json:"deduped"`
	Superseded int `json:"superseded"`
	Inserted   int `json:"inserted"`
	Failed     int `json:"failed"`
}

// Fact is one extracted candidate before persistence.
type Fact struct {
	Type       models.MemoryType `json:"type"`
	Content    string            `json:"content"`
	Tags       []string          `json:"tags,omitempty"`
	People     []string          `json:"people,omitempty"`
	Projects   []string          `json:"projects,omitempty"`
	Importance int               `json:"importance"`
	Confidence float64           `json:"confidence"`
}

type extractionOutput struct {
	Facts []Fact `json:"facts"`
}

// Pipeline is the extraction pipeline over a vector store.
type Pipeline struct {
	store     VectorStore
	embedder  Embedder
	extractor Extractor
	logger    *slog.Logger
	now       func() time.Time
}

// NewPipeline wires the extraction pipeline.
func NewPipeline(store VectorStore, embedder Embedder, extractor Extractor) *Pipeline {
	return &Pipeline{
		store:     store,
		embedder:  embedder,
		extractor: extractor,
		logger:    slog.Default().With("component", "memory-pipeline"),
		now:       time.Now,
	}
}

// Run extracts facts from one message window and persists the survivors.
func (p *Pipeline) Run(ctx context.Context, agentID, systemPrompt, userPrompt string) (*Summary, error) {
	raw, err := p.extractor.Extract(ctx, systemPrompt, userPrompt)
	if err != nil {
		return nil, fmt.Errorf("calling extractor: %w", err)
	}

	facts, err := ParseFacts(raw)
	if err != nil {
		return nil, err
	}

	summary := &Summary{}
	for _, fact := range facts {
		if err := ValidateFact(&fact); err != nil {
			p.logger.Warn("Dropping invalid extracted fact", "error", err)
			summary.Failed++
			continue
		}
		summary.Extracted++

		outcome, err := p.persistFact(ctx, agentID, fact)
		if err != nil {
			p.logger.Warn("Persisting extracted fact failed", "error", err)
			summary.Failed++
			continue
		}
		switch outcome {
		case "deduped":
			summary.Deduped++
		case "superseded":
			summary.Superseded++
		default:
			summary.Inserted++
		}
	}

	p.logger.Info("Memory extraction finished",
		"agent_id", agentID, "extracted", summary.Extracted,
		"deduped", summary.Deduped, "superseded", summary.Superseded,
		"failed", summary.Failed)
	return summary, nil
}

func (p *Pipeline) persistFact(ctx context.Context, agentID string, fact Fact) (string, error) {
	vectors, err := p.embedder.Embed(ctx, []string{fact.Content})
	if err != nil {
		return "", fmt.Errorf("embedding fact: %w", err)
	}
	vector := vectors[0]

	neighbors, err := p.store.Search(ctx, vector, Filter{AgentID: agentID}, 1)
	if err != nil {
		return "", fmt.Errorf("searching neighbors: %w", err)
	}

	record := models.MemoryRecord{
		ID:         uuid.New().String(),
		Type:       fact.Type,
		Content:    fact.Content,
		Tags:       fact.Tags,
		People:     fact.People,
		Projects:   fact.Projects,
		Importance: fact.Importance,
		Confidence: fact.Confidence,
		Source:     "extraction",
		CreatedAt:  p.now().UTC(),
	}

	if len(neighbors) > 0 {
		nearest := neighbors[0]
		switch {
		case nearest.Similarity >= DedupThreshold:
			return "deduped", nil
		case nearest.Similarity >= SupersedeThreshold &&
			record.CreatedAt.After(nearest.Record.CreatedAt) &&
			record.Confidence >= nearest.Record.Confidence:
			record.SupersedesID = nearest.Record.ID
			record.Tags = mergeLists(nearest.Record.Tags, record.Tags)
			record.People = mergeLists(nearest.Record.People, record.People)
			record.Projects = mergeLists(nearest.Record.Projects, record.Projects)
			if err := p.store.Upsert(ctx, agentID, []StoredRecord{{Record: record, Vector: vector}}); err != nil {
				return "", err
			}
			return "superseded", nil
		}
	}

	if err := p.store.Upsert(ctx, agentID, []StoredRecord{{Record: record, Vector: vector}}); err != nil {
		return "", err
	}
	return "inserted", nil
}

var fencedBlockRe = regexp.MustCompile("(?s)```(?:json)?\\s*(.*?)```")

// ParseFacts parses extractor output, tolerating a fenced code block
// around the JSON object.
func ParseFacts(raw string) ([]Fact, error) {
	text := strings.TrimSpace(raw)
	if m := fencedBlockRe.FindStringSubmatch(text); m != nil {
		text = strings.TrimSpace(m[1])
	}

	var out extractionOutput
	if err := json.Unmarshal([]byte(text), &out); err != nil {
		return nil, fmt.Errorf("parsing extraction output: %w", err)
	}
	return out.Facts, nil
}

// ValidateFact enforces the extraction schema, truncating over-long
// lists to the cap.
func ValidateFact(f *Fact) error {
	switch f.Type {
	case models.MemoryFact, models.MemoryPreference, models.MemoryEvent, models.MemorySystemRule:
	default:
		return fmt.Errorf("unknown memory type %q", f.Type)
	}
	if strings.TrimSpace(f.Content) == "" {
		return fmt.Errorf("fact content is empty")
	}
	if f.Importance < 1 || f.Importance > 5 {
		return fmt.Errorf("importance %d out of range 1..5", f.Importance)
	}
	if f.Confidence < 0 || f.Confidence > 1 {
		return fmt.Errorf("confidence %v out of range [0,1]", f.Confidence)
	}
	f.Tags = capList(f.Tags)
	f.People = capList(f.People)
	f.Projects = capList(f.Projects)
	return nil
}

func capList(list []string) []string {
	if len(list) > models.MaxMemoryListItems {
		return list[:models.MaxMemoryListItems]
	}
	return list
}

// mergeLists unions two lists preserving order of first occurrence,
// capped at the list limit.
func mergeLists(a, b []string) []string {
	seen := make(map[string]struct{}, len(a)+len(b))
	var out []string
	for _, list := range [][]string{a, b} {
		for _, item := range list {
			if _, ok := seen[item]; ok {
				continue
			}
			seen[item] = struct{}{}
			out = append(out, item)
			if len(out) == models.MaxMemoryListItems {
				return out
			}
		}
	}
	return out
}
