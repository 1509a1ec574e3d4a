package memory

import (
	"context"
	"math"
	"sort"
	"time"

	"github.com/wheelhouse-io/wheelhouse/pkg/models"
)

// ScoreWeights are the retrieval blend: similarity, freshness decay and
// access utility.
type ScoreWeights struct {
	Alpha float64 // similarity
	Beta  float64 // decay
	Gamma float64 // utility
}

// DefaultScoreWeights returns the default retrieval blend.
func DefaultScoreWeights() ScoreWeights {
	return ScoreWeights{Alpha: 0.55, Beta: 0.25, Gamma: 0.20}
}

// Decay half-lives per memory type. System rules never decay.
var halfLives = map[models.MemoryType]time.Duration{
	models.MemoryFact:       365 * 24 * time.Hour,
	models.MemoryPreference: 180 * 24 * time.Hour,
	models.MemoryEvent:      14 * 24 * time.Hour,
}

// Decay returns the freshness factor for a record of the given type and
// age: 0.5 per half-life elapsed, 1 for system rules.
func Decay(t models.MemoryType, age time.Duration) float64 {
	half, ok := halfLives[t]
	if !ok {
		return 1
	}
	if age <= 0 {
		return 1
	}
	return math.Pow(0.5, float64(age)/float64(half))
}

// Utility maps access count to [0,1] on a log scale.
func Utility(accessCount int) float64 {
	if accessCount < 0 {
		accessCount = 0
	}
	return math.Min(1, math.Log10(float64(accessCount)+1)/3)
}

// Score blends similarity, decay and utility for one hit.
func Score(w ScoreWeights, similarity float64, rec models.MemoryRecord, now time.Time) float64 {
	return w.Alpha*similarity +
		w.Beta*Decay(rec.Type, now.Sub(rec.CreatedAt)) +
		w.Gamma*Utility(rec.AccessCount)
}

// RankedRecord is one retrieval result with its blended score.
type RankedRecord struct {
	Record     models.MemoryRecord `json:"record"`
	Similarity float64             `json:"similarity"`
	Score      float64             `json:"score"`
}

// Retrieve searches the store and re-ranks hits by blended score.
func (p *Pipeline) Retrieve(ctx context.Context, agentID, query string, limit int) ([]RankedRecord, error) {
	if limit < 1 {
		limit = 10
	}
	vectors, err := p.embedder.Embed(ctx, []string{query})
	if err != nil {
		return nil, err
	}

	// Over-fetch so the re-rank can promote older but well-used records.
	hits, err := p.store.Search(ctx, vectors[0], Filter{AgentID: agentID}, limit*3)
	if err != nil {
		return nil, err
	}

	now := p.now().UTC()
	weights := DefaultScoreWeights()
	ranked := make([]RankedRecord, 0, len(hits))
	for _, h := range hits {
		ranked = append(ranked, RankedRecord{
			Record:     h.Record,
			Similarity: h.Similarity,
			Score:      Score(weights, h.Similarity, h.Record, now),
		})
	}
	sort.Slice(ranked, func(i, j int) bool { return ranked[i].Score > ranked[j].Score })
	if len(ranked) > limit {
		ranked = ranked[:limit]
	}
	return ranked, nil
}
