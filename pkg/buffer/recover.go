package buffer

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
)

// ErrNoSessions indicates the job has no buffer session files to recover from.
var ErrNoSessions = errors.New("no buffer session files")

// RecoveryResult is the reconstruction of a job's most recent session.
type RecoveryResult struct {
	// LastCheckpoint is the newest CHECKPOINT event with a matching CRC,
	// or nil when none exists.
	LastCheckpoint *Event
	// EventsAfter are all events strictly after the checkpoint, in order.
	// When no checkpoint exists this is the full event list.
	EventsAfter []Event
	// SessionFile is the path of the scanned session file.
	SessionFile string
	// Scan carries corruption/truncation diagnostics for the scanned file.
	Scan ScanResult
}

// Recover walks a job's session files in sorted order, scans the most
// recent one, and locates the last valid checkpoint.
func Recover(baseDir, jobID string) (*RecoveryResult, error) {
	dir := filepath.Join(baseDir, jobID)

	files, err := sessionFiles(dir)
	if err != nil {
		return nil, err
	}
	if len(files) == 0 {
		return nil, ErrNoSessions
	}

	latest := files[len(files)-1]
	content, err := os.ReadFile(latest)
	if err != nil {
		return nil, fmt.Errorf("reading session file: %w", err)
	}

	scan := ScanFile(string(content))

	result := &RecoveryResult{SessionFile: latest, Scan: scan}
	checkpointIdx := -1
	for i := len(scan.Events) - 1; i >= 0; i-- {
		ev := scan.Events[i]
		if ev.Type == EventCheckpoint && ev.CRCValid() {
			checkpointIdx = i
			break
		}
	}

	if checkpointIdx >= 0 {
		cp := scan.Events[checkpointIdx]
		result.LastCheckpoint = &cp
		result.EventsAfter = scan.Events[checkpointIdx+1:]
	} else {
		result.EventsAfter = scan.Events
	}
	return result, nil
}

// sessionFiles lists session-NNN.jsonl paths under dir in sorted order.
// A missing directory is not an error: the job simply has no buffer yet.
func sessionFiles(dir string) ([]string, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, nil
		}
		return nil, fmt.Errorf("reading buffer dir: %w", err)
	}

	var files []string
	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		var n int
		if _, err := fmt.Sscanf(entry.Name(), "session-%03d.jsonl", &n); err == nil {
			files = append(files, filepath.Join(dir, entry.Name()))
		}
	}
	sort.Strings(files)
	return files, nil
}
