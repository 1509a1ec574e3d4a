package buffer

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/google/renameio/v2"
)

// ErrClosed is returned by operations on a closed writer.
var ErrClosed = errors.New("buffer writer is closed")

// Metadata summarizes a job's buffer directory.
type Metadata struct {
	JobID        string    `json:"job_id"`
	AgentID      string    `json:"agent_id"`
	SessionCount int       `json:"session_count"`
	LastSequence int       `json:"last_sequence"`
	UpdatedAt    time.Time `json:"updated_at"`
}

// Writer appends events for one job. It owns the current session file
// exclusively; all methods are safe for concurrent use but calls are
// serialized internally so lines are whole or absent, never partial.
type Writer struct {
	dir     string
	jobID   string
	agentID string

	mu       sync.Mutex
	file     *os.File
	session  int
	sequence int
	closed   bool
}

// OpenWriter opens (or resumes) the buffer directory for a job. If session
// files exist, writing continues in a fresh session after the newest one.
func OpenWriter(baseDir, jobID, agentID string) (*Writer, error) {
	dir := filepath.Join(baseDir, jobID)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("creating buffer dir: %w", err)
	}

	last, err := lastSessionNumber(dir)
	if err != nil {
		return nil, err
	}

	w := &Writer{dir: dir, jobID: jobID, agentID: agentID, session: last}
	if err := w.rollLocked(); err != nil {
		return nil, err
	}
	return w, nil
}

// SessionFile returns the path of the current session file.
func (w *Writer) SessionFile() string {
	w.mu.Lock()
	defer w.mu.Unlock()
	return filepath.Join(w.dir, sessionFileName(w.session))
}

// Append assigns the next sequence, serializes the event to one line and
// appends it with an fsync. The returned event carries the assigned sequence.
func (w *Writer) Append(ev Event) (Event, error) {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.closed {
		return Event{}, ErrClosed
	}

	ev.Sequence = w.sequence
	ev.SessionID = sessionID(w.session)

	line, err := json.Marshal(ev)
	if err != nil {
		return Event{}, fmt.Errorf("serializing buffer event: %w", err)
	}
	line = append(line, '\n')

	if _, err := w.file.Write(line); err != nil {
		return Event{}, fmt.Errorf("appending buffer event: %w", err)
	}
	// Durability granularity is "before acknowledging a checkpoint":
	// checkpoints must never be acknowledged ahead of their bytes.
	if ev.Type == EventCheckpoint {
		if err := w.file.Sync(); err != nil {
			return Event{}, fmt.Errorf("syncing buffer file: %w", err)
		}
	}

	w.sequence++
	return ev, nil
}

// NewSession rolls to the next session file and resets the sequence to 0.
func (w *Writer) NewSession() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.closed {
		return ErrClosed
	}
	return w.rollLocked()
}

// WriteMetadata persists the session summary atomically next to the
// session files.
func (w *Writer) WriteMetadata() error {
	w.mu.Lock()
	meta := Metadata{
		JobID:        w.jobID,
		AgentID:      w.agentID,
		SessionCount: w.session,
		LastSequence: w.sequence - 1,
		UpdatedAt:    time.Now().UTC(),
	}
	dir := w.dir
	w.mu.Unlock()

	data, err := json.MarshalIndent(meta, "", "  ")
	if err != nil {
		return fmt.Errorf("serializing buffer metadata: %w", err)
	}
	if err := renameio.WriteFile(filepath.Join(dir, "metadata.json"), data, 0o644); err != nil {
		return fmt.Errorf("writing buffer metadata: %w", err)
	}
	return nil
}

// Close syncs and closes the current session file.
func (w *Writer) Close() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.closed {
		return nil
	}
	w.closed = true
	if err := w.file.Sync(); err != nil {
		slog.Warn("Buffer sync on close failed", "job_id", w.jobID, "error", err)
	}
	return w.file.Close()
}

// rollLocked opens the next session file. Caller holds w.mu.
func (w *Writer) rollLocked() error {
	if w.file != nil {
		if err := w.file.Sync(); err != nil {
			return fmt.Errorf("syncing buffer file before roll: %w", err)
		}
		if err := w.file.Close(); err != nil {
			return fmt.Errorf("closing buffer file before roll: %w", err)
		}
	}

	w.session++
	w.sequence = 0

	path := filepath.Join(w.dir, sessionFileName(w.session))
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return fmt.Errorf("opening buffer session file: %w", err)
	}
	w.file = f
	return nil
}

// sessionFileName formats the zero-padded session file name (001-based).
func sessionFileName(n int) string {
	return fmt.Sprintf("session-%03d.jsonl", n)
}

// sessionID formats the session identifier recorded inside events.
func sessionID(n int) string {
	return fmt.Sprintf("%03d", n)
}

// lastSessionNumber returns the highest existing session number in dir,
// or 0 when none exist.
func lastSessionNumber(dir string) (int, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return 0, fmt.Errorf("reading buffer dir: %w", err)
	}
	last := 0
	for _, entry := range entries {
		var n int
		if _, err := fmt.Sscanf(entry.Name(), "session-%03d.jsonl", &n); err == nil && n > last {
			last = n
		}
	}
	return last, nil
}
