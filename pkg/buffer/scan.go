package buffer

import (
	"encoding/json"
	"strings"
)

// ScanResult is the outcome of scanning one session file's content.
type ScanResult struct {
	Events            []Event
	CorruptedLines    int
	LastLineTruncated bool
}

// ScanFile parses a session file's content line by line.
//
// Each non-empty line must parse as a JSON object carrying at least "type"
// and "timestamp"; anything else counts as corrupted. A parse failure on
// the last non-empty line, with no valid data after it, is a truncated
// tail from a crash mid-write — flagged, not counted as corruption.
func ScanFile(content string) ScanResult {
	lines := strings.Split(content, "\n")

	// Index of the last non-empty line; parse failures there are truncation.
	lastNonEmpty := -1
	for i := len(lines) - 1; i >= 0; i-- {
		if strings.TrimSpace(lines[i]) != "" {
			lastNonEmpty = i
			break
		}
	}

	var result ScanResult
	for i, line := range lines {
		if strings.TrimSpace(line) == "" {
			continue
		}

		ev, ok := parseEventLine(line)
		if !ok {
			if i == lastNonEmpty && !json.Valid([]byte(line)) {
				result.LastLineTruncated = true
			} else {
				result.CorruptedLines++
			}
			continue
		}
		result.Events = append(result.Events, ev)
	}
	return result
}

// parseEventLine parses one line as a buffer event. Arrays and type-less
// objects are rejected.
func parseEventLine(line string) (Event, bool) {
	// Reject arrays and scalars before decoding into the struct: the struct
	// decode of "[]" fails, but a bare "{}" would pass without required fields.
	var probe map[string]json.RawMessage
	if err := json.Unmarshal([]byte(line), &probe); err != nil {
		return Event{}, false
	}
	if _, ok := probe["type"]; !ok {
		return Event{}, false
	}
	if _, ok := probe["timestamp"]; !ok {
		return Event{}, false
	}

	var ev Event
	if err := json.Unmarshal([]byte(line), &ev); err != nil {
		return Event{}, false
	}
	if ev.Type == "" || ev.Timestamp == "" {
		return Event{}, false
	}
	return ev, true
}
