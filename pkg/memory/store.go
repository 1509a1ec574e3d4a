// Package memory implements the long-term memory pipeline: extraction
// with dedup and supersede, scored retrieval, markdown-to-vector sync,
// feedback clustering and cross-signal correlation.
package memory

import (
	"context"
	"errors"
	"math"

	"github.com/wheelhouse-io/wheelhouse/pkg/models"
)

// ErrRecordNotFound is returned by GetByID for unknown ids.
var ErrRecordNotFound = errors.New("memory record not found")

// StoredRecord pairs a memory record with its embedding.
type StoredRecord struct {
	Record models.MemoryRecord
	Vector []float64
}

// Scored is one search hit.
type Scored struct {
	Record     models.MemoryRecord
	Vector     []float64
	Similarity float64
}

// Filter narrows searches. Zero values match everything.
type Filter struct {
	AgentID string
	Type    models.MemoryType
}

// VectorStore is the shared persistence abstraction behind all memory
// sub-pipelines.
type VectorStore interface {
	Upsert(ctx context.Context, agentID string, records []StoredRecord) error
	Search(ctx context.Context, vector []float64, filter Filter, limit int) ([]Scored, error)
	List(ctx context.Context, filter Filter) ([]StoredRecord, error)
	GetByID(ctx context.Context, id string) (*StoredRecord, error)
	Delete(ctx context.Context, ids []string) error
}

// Embedder turns text into vectors. Implemented over a provider backend;
// tests inject deterministic fakes.
type Embedder interface {
	Embed(ctx context.Context, texts []string) ([][]float64, error)
}

// Cosine returns the cosine similarity of two vectors, 0 for mismatched
// or zero-length input.
func Cosine(a, b []float64) float64 {
	if len(a) == 0 || len(a) != len(b) {
		return 0
	}
	var dot, normA, normB float64
	for i := range a {
		dot += a[i] * b[i]
		normA += a[i] * a[i]
		normB += b[i] * b[i]
	}
	if normA == 0 || normB == 0 {
		return 0
	}
	return dot / (math.Sqrt(normA) * math.Sqrt(normB))
}
