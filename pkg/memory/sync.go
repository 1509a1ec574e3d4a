package memory

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/google/renameio/v2"
	"github.com/google/uuid"

	"github.com/wheelhouse-io/wheelhouse/pkg/models"
)

// Chunking bounds for markdown sections.
const (
	maxChunkChars = 4096
	minChunkChars = 32
)

// chunkNamespace is the fixed UUIDv5 namespace for deterministic chunk
// ids derived from "{filePath}:{headingPath}".
var chunkNamespace = uuid.MustParse("5f9d04a1-44c5-4c3a-9f2e-7a1b6b6c0d42")

// stateFileName is the sync state persisted next to the watched files.
const stateFileName = ".memory-sync-state.json"

// Chunk is one normalized markdown section.
type Chunk struct {
	ID          string // deterministic UUIDv5
	FilePath    string
	Heading     string
	Text        string
	ContentHash string // SHA-256 of normalized text
}

// syncStateEntry mirrors the persisted state file schema, keyed by
// content hash.
type syncStateEntry struct {
	PointID      string    `json:"pointId"`
	FilePath     string    `json:"filePath"`
	Heading      string    `json:"heading"`
	ContentHash  string    `json:"contentHash"`
	LastSyncedAt time.Time `json:"lastSyncedAt"`
}

// SyncResult reports one sync pass.
type SyncResult struct {
	Unchanged int `json:"unchanged"`
	Created   int `json:"created"`
	Updated   int `json:"updated"`
	Deleted   int `json:"deleted"`
}

// Syncer keeps a directory of markdown files mirrored into the vector
// store. Re-running against identical files is a no-op.
type Syncer struct {
	watchDir string
	glob     string
	agentID  string
	store    VectorStore
	embedder Embedder
	persist  StatePersister
	logger   *slog.Logger
	now      func() time.Time
}

// StatePersister writes the sync state file atomically. Tests may
// substitute their own.
type StatePersister func(path string, data []byte) error

// AtomicPersister writes via a temp file and rename, so a crashed sync
// never leaves a torn state file.
func AtomicPersister(path string, data []byte) error {
	return renameio.WriteFile(path, data, 0o644)
}

// NewSyncer creates a markdown syncer for one agent's watch directory.
func NewSyncer(watchDir, glob, agentID string, store VectorStore, embedder Embedder, persist StatePersister) *Syncer {
	if glob == "" {
		glob = "*.md"
	}
	if persist == nil {
		persist = AtomicPersister
	}
	return &Syncer{
		watchDir: watchDir,
		glob:     glob,
		agentID:  agentID,
		store:    store,
		embedder: embedder,
		persist:  persist,
		logger:   slog.Default().With("component", "memory-sync", "agent_id", agentID),
		now:      time.Now,
	}
}

// Watch runs an initial sync, then re-syncs on file events until ctx is
// done. Events are debounced: bursts within the window collapse into
// one pass.
func (s *Syncer) Watch(ctx context.Context, debounce time.Duration) error {
	if debounce <= 0 {
		debounce = 500 * time.Millisecond
	}

	if _, err := s.Sync(ctx); err != nil {
		return fmt.Errorf("initial sync: %w", err)
	}

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("creating watcher: %w", err)
	}
	defer func() { _ = watcher.Close() }()

	if err := watcher.Add(s.watchDir); err != nil {
		return fmt.Errorf("watching %s: %w", s.watchDir, err)
	}

	var timer *time.Timer
	var timerC <-chan time.Time
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case ev, ok := <-watcher.Events:
			if !ok {
				return nil
			}
			if filepath.Base(ev.Name) == stateFileName {
				continue
			}
			if matched, _ := filepath.Match(s.glob, filepath.Base(ev.Name)); !matched {
				continue
			}
			if timer == nil {
				timer = time.NewTimer(debounce)
				timerC = timer.C
			} else {
				timer.Reset(debounce)
			}
		case err, ok := <-watcher.Errors:
			if !ok {
				return nil
			}
			s.logger.Warn("Watcher error", "error", err)
		case <-timerC:
			timer = nil
			timerC = nil
			if _, err := s.Sync(ctx); err != nil {
				s.logger.Error("Sync pass failed", "error", err)
			}
		}
	}
}

// Sync runs one full pass: chunk, diff against persisted state, embed
// the changes, upsert, delete orphans and persist the new state.
func (s *Syncer) Sync(ctx context.Context) (*SyncResult, error) {
	files, err := filepath.Glob(filepath.Join(s.watchDir, s.glob))
	if err != nil {
		return nil, fmt.Errorf("globbing %s: %w", s.glob, err)
	}

	var chunks []Chunk
	for _, file := range files {
		content, err := os.ReadFile(file)
		if err != nil {
			return nil, fmt.Errorf("reading %s: %w", file, err)
		}
		rel, err := filepath.Rel(s.watchDir, file)
		if err != nil {
			rel = file
		}
		chunks = append(chunks, ChunkMarkdown(rel, string(content))...)
	}

	prev, err := s.loadState()
	if err != nil {
		return nil, err
	}

	result := &SyncResult{}
	next := make(map[string]syncStateEntry, len(chunks))
	var toEmbed []Chunk
	now := s.now().UTC()

	for _, chunk := range chunks {
		entry := syncStateEntry{
			PointID:      chunk.ID,
			FilePath:     chunk.FilePath,
			Heading:      chunk.Heading,
			ContentHash:  chunk.ContentHash,
			LastSyncedAt: now,
		}
		if old, ok := prev[chunk.ContentHash]; ok {
			entry.LastSyncedAt = old.LastSyncedAt
			next[chunk.ContentHash] = entry
			result.Unchanged++
			continue
		}
		next[chunk.ContentHash] = entry
		toEmbed = append(toEmbed, chunk)
	}

	// State entries whose content hash vanished are orphans, unless the
	// same point id was re-created with new content (an update).
	livePoints := make(map[string]struct{}, len(chunks))
	for _, c := range chunks {
		livePoints[c.ID] = struct{}{}
	}
	var toDelete []string
	for hash, entry := range prev {
		if _, stillLive := next[hash]; stillLive {
			continue
		}
		if _, updated := livePoints[entry.PointID]; updated {
			result.Updated++
			continue
		}
		toDelete = append(toDelete, entry.PointID)
	}
	result.Created = len(toEmbed) - result.Updated
	result.Deleted = len(toDelete)

	if len(toEmbed) > 0 {
		texts := make([]string, len(toEmbed))
		for i, c := range toEmbed {
			texts[i] = c.Text
		}
		vectors, err := s.embedder.Embed(ctx, texts)
		if err != nil {
			return nil, fmt.Errorf("embedding %d chunks: %w", len(toEmbed), err)
		}
		records := make([]StoredRecord, len(toEmbed))
		for i, c := range toEmbed {
			records[i] = StoredRecord{
				Record: models.MemoryRecord{
					ID:         c.ID,
					Type:       models.MemoryFact,
					Content:    c.Text,
					Source:     "markdown:" + c.FilePath,
					Importance: 3,
					Confidence: 1,
					CreatedAt:  now,
				},
				Vector: vectors[i],
			}
		}
		if err := s.store.Upsert(ctx, s.agentID, records); err != nil {
			return nil, fmt.Errorf("upserting chunks: %w", err)
		}
	}

	if len(toDelete) > 0 {
		if err := s.store.Delete(ctx, toDelete); err != nil {
			return nil, fmt.Errorf("deleting orphan chunks: %w", err)
		}
	}

	if len(toEmbed) > 0 || len(toDelete) > 0 {
		if err := s.saveState(next); err != nil {
			return nil, err
		}
		s.logger.Info("Markdown sync applied",
			"created", result.Created, "updated", result.Updated,
			"deleted", result.Deleted, "unchanged", result.Unchanged)
	}
	return result, nil
}

func (s *Syncer) statePath() string {
	return filepath.Join(s.watchDir, stateFileName)
}

func (s *Syncer) loadState() (map[string]syncStateEntry, error) {
	data, err := os.ReadFile(s.statePath())
	if err != nil {
		if os.IsNotExist(err) {
			return map[string]syncStateEntry{}, nil
		}
		return nil, fmt.Errorf("reading sync state: %w", err)
	}
	var state map[string]syncStateEntry
	if err := json.Unmarshal(data, &state); err != nil {
		s.logger.Warn("Sync state unreadable, resyncing from scratch", "error", err)
		return map[string]syncStateEntry{}, nil
	}
	return state, nil
}

func (s *Syncer) saveState(state map[string]syncStateEntry) error {
	data, err := json.MarshalIndent(state, "", "  ")
	if err != nil {
		return fmt.Errorf("encoding sync state: %w", err)
	}
	if err := s.persist(s.statePath(), data); err != nil {
		return fmt.Errorf("writing sync state: %w", err)
	}
	return nil
}

// ChunkID returns the deterministic id for a (file, heading) pair.
func ChunkID(filePath, headingPath string) string {
	return uuid.NewSHA1(chunkNamespace, []byte(filePath+":"+headingPath)).String()
}

var blankRunRe = regexp.MustCompile(`\n{3,}`)

// NormalizeText applies the canonical form hashed for diffing: LF line
// endings, no trailing whitespace per line, at most two consecutive
// blank lines, trimmed.
func NormalizeText(text string) string {
	text = strings.ReplaceAll(text, "\r\n", "\n")
	lines := strings.Split(text, "\n")
	for i, line := range lines {
		lines[i] = strings.TrimRight(line, " \t")
	}
	text = strings.Join(lines, "\n")
	text = blankRunRe.ReplaceAllString(text, "\n\n")
	return strings.TrimSpace(text)
}

// ChunkMarkdown splits a markdown document on "##" headers, sub-splits
// oversized sections at paragraph boundaries and drops tiny fragments.
func ChunkMarkdown(filePath, content string) []Chunk {
	type section struct {
		heading string
		text    string
	}

	var sections []section
	current := section{heading: ""}
	for _, line := range strings.Split(strings.ReplaceAll(content, "\r\n", "\n"), "\n") {
		if strings.HasPrefix(line, "## ") {
			sections = append(sections, current)
			current = section{heading: strings.TrimSpace(strings.TrimPrefix(line, "## "))}
			continue
		}
		current.text += line + "\n"
	}
	sections = append(sections, current)

	var chunks []Chunk
	for _, sec := range sections {
		// Every part keeps its section header, so sub-splits stay
		// attributable when retrieved on their own.
		header := ""
		if sec.heading != "" {
			header = "## " + sec.heading + "\n\n"
		}
		for i, part := range splitOversized(NormalizeText(sec.text), maxChunkChars-len(header)) {
			if len(part) < minChunkChars {
				continue
			}
			headingPath := sec.heading
			if i > 0 {
				headingPath = fmt.Sprintf("%s#%d", sec.heading, i)
			}
			text := header + part
			sum := sha256.Sum256([]byte(text))
			chunks = append(chunks, Chunk{
				ID:          ChunkID(filePath, headingPath),
				FilePath:    filePath,
				Heading:     headingPath,
				Text:        text,
				ContentHash: hex.EncodeToString(sum[:]),
			})
		}
	}
	return chunks
}

// splitOversized splits text over the limit at paragraph boundaries,
// packing paragraphs greedily.
func splitOversized(text string, limit int) []string {
	if limit <= 0 {
		limit = maxChunkChars
	}
	if len(text) <= limit {
		return []string{text}
	}
	paragraphs := strings.Split(text, "\n\n")
	var parts []string
	var sb strings.Builder
	for _, para := range paragraphs {
		if sb.Len() > 0 && sb.Len()+len(para)+2 > limit {
			parts = append(parts, strings.TrimSpace(sb.String()))
			sb.Reset()
		}
		if sb.Len() > 0 {
			sb.WriteString("\n\n")
		}
		sb.WriteString(para)
	}
	if sb.Len() > 0 {
		parts = append(parts, strings.TrimSpace(sb.String()))
	}
	return parts
}
