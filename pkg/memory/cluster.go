package memory

import (
	"context"
	"fmt"
	"sort"

	"github.com/wheelhouse-io/wheelhouse/pkg/models"
)

// Clustering defaults.
const (
	DefaultSimilarityThreshold = 0.80
	DefaultMinClusterSize      = 3
	clusterConfidenceCap       = 0.99
)

// ClusterConfig tunes the consolidation sweep.
type ClusterConfig struct {
	SimilarityThreshold float64
	MinClusterSize      int
}

func (c ClusterConfig) withDefaults() ClusterConfig {
	if c.SimilarityThreshold <= 0 {
		c.SimilarityThreshold = DefaultSimilarityThreshold
	}
	if c.MinClusterSize < 2 {
		c.MinClusterSize = DefaultMinClusterSize
	}
	return c
}

// Cluster is one group of related records proposed for consolidation.
type Cluster struct {
	Records    []models.MemoryRecord `json:"records"`
	Confidence float64               `json:"confidence"`
	TargetFile string                `json:"targetFile"`
}

// Size returns the member count.
func (c Cluster) Size() int { return len(c.Records) }

// FindClusters groups an agent's records by transitive embedding
// similarity. Two records join the same cluster when any chain of
// pairwise similarities at or above the threshold connects them.
func (p *Pipeline) FindClusters(ctx context.Context, agentID string, cfg ClusterConfig) ([]Cluster, error) {
	cfg = cfg.withDefaults()

	stored, err := p.store.List(ctx, Filter{AgentID: agentID})
	if err != nil {
		return nil, fmt.Errorf("loading records for clustering: %w", err)
	}
	records := make([]Scored, len(stored))
	for i, s := range stored {
		records[i] = Scored{Record: s.Record, Vector: s.Vector}
	}
	return BuildClusters(records, cfg), nil
}

// BuildClusters runs the union-find pass over a loaded record set.
func BuildClusters(records []Scored, cfg ClusterConfig) []Cluster {
	cfg = cfg.withDefaults()
	n := len(records)
	if n < cfg.MinClusterSize {
		return nil
	}

	uf := newUnionFind(n)
	sims := make(map[[2]int]float64)
	for i := 0; i < n; i++ {
		for j := i + 1; j < n; j++ {
			sim := Cosine(records[i].Vector, records[j].Vector)
			sims[[2]int{i, j}] = sim
			if sim >= cfg.SimilarityThreshold {
				uf.union(i, j)
			}
		}
	}

	groups := make(map[int][]int)
	for i := 0; i < n; i++ {
		root := uf.find(i)
		groups[root] = append(groups[root], i)
	}

	var clusters []Cluster
	for _, members := range groups {
		if len(members) < cfg.MinClusterSize {
			continue
		}
		clusters = append(clusters, buildCluster(records, members, sims))
	}

	// Biggest clusters first; confidence breaks ties.
	sort.Slice(clusters, func(i, j int) bool {
		if clusters[i].Size() != clusters[j].Size() {
			return clusters[i].Size() > clusters[j].Size()
		}
		return clusters[i].Confidence > clusters[j].Confidence
	})
	return clusters
}

func buildCluster(records []Scored, members []int, sims map[[2]int]float64) Cluster {
	var recs []models.MemoryRecord
	fileVotes := make(map[string]int)
	for _, idx := range members {
		rec := records[idx].Record
		recs = append(recs, rec)
		if rec.Source != "" {
			fileVotes[rec.Source]++
		}
	}

	var simSum float64
	var pairs int
	for a := 0; a < len(members); a++ {
		for b := a + 1; b < len(members); b++ {
			i, j := members[a], members[b]
			if i > j {
				i, j = j, i
			}
			simSum += sims[[2]int{i, j}]
			pairs++
		}
	}
	avg := 0.0
	if pairs > 0 {
		avg = simSum / float64(pairs)
	}

	// Larger clusters earn a small confidence bonus, capped.
	bonus := 0.03 * float64(len(members))
	if bonus > 0.2 {
		bonus = 0.2
	}
	confidence := avg + bonus
	if confidence > clusterConfidenceCap {
		confidence = clusterConfidenceCap
	}

	return Cluster{
		Records:    recs,
		Confidence: confidence,
		TargetFile: majorityVote(fileVotes),
	}
}

// majorityVote picks the most common non-empty value, breaking ties
// lexicographically for determinism.
func majorityVote(votes map[string]int) string {
	var winner string
	var best int
	for file, count := range votes {
		if count > best || (count == best && (winner == "" || file < winner)) {
			winner, best = file, count
		}
	}
	return winner
}

type unionFind struct {
	parent []int
	rank   []int
}

func newUnionFind(n int) *unionFind {
	uf := &unionFind{parent: make([]int, n), rank: make([]int, n)}
	for i := range uf.parent {
		uf.parent[i] = i
	}
	return uf
}

func (uf *unionFind) find(x int) int {
	for uf.parent[x] != x {
		uf.parent[x] = uf.parent[uf.parent[x]]
		x = uf.parent[x]
	}
	return x
}

func (uf *unionFind) union(a, b int) {
	ra, rb := uf.find(a), uf.find(b)
	if ra == rb {
		return
	}
	if uf.rank[ra] < uf.rank[rb] {
		ra, rb = rb, ra
	}
	uf.parent[rb] = ra
	if uf.rank[ra] == uf.rank[rb] {
		uf.rank[ra]++
	}
}
