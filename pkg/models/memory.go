package models

import "time"

// MemoryType categorizes a long-term memory record.
type MemoryType string

const (
	MemoryFact       MemoryType = "fact"
	MemoryPreference MemoryType = "preference"
	MemoryEvent      MemoryType = "event"
	MemorySystemRule MemoryType = "system_rule"
)

// MaxMemoryListItems bounds tags, people and projects per record.
const MaxMemoryListItems = 10

// MemoryRecord is one long-term memory entry. A record that supersedes
// another never deletes it; the old record stays for audit.
type MemoryRecord struct {
	ID             string     `json:"id"`
	Type           MemoryType `json:"type"`
	Content        string     `json:"content"`
	Tags           []string   `json:"tags,omitempty"`
	People         []string   `json:"people,omitempty"`
	Projects       []string   `json:"projects,omitempty"`
	Importance     int        `json:"importance"` // 1..5
	Confidence     float64    `json:"confidence"` // [0,1]
	Source         string     `json:"source,omitempty"`
	SupersedesID   string     `json:"supersedesId,omitempty"`
	CreatedAt      time.Time  `json:"createdAt"`
	AccessCount    int        `json:"accessCount"`
	LastAccessedAt *time.Time `json:"lastAccessedAt,omitempty"`
}
