package memory

import (
	"context"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/wheelhouse-io/wheelhouse/pkg/models"
)

func scored(id, source string, vector []float64) Scored {
	return Scored{
		Record: models.MemoryRecord{ID: id, Type: models.MemoryFact, Content: id, Source: source},
		Vector: vector,
	}
}

func TestBuildClusters_TransitiveGrouping(t *testing.T) {
	// a~b and b~c are above threshold, a~c is not: union-find still puts
	// all three in one cluster.
	records := []Scored{
		scored("a", "notes.md", []float64{1, 0}),
		scored("b", "notes.md", []float64{0.92, 0.39}),
		scored("c", "other.md", []float64{0.7, 0.71}),
		scored("lone", "misc.md", []float64{-1, 0}),
	}
	clusters := BuildClusters(records, ClusterConfig{SimilarityThreshold: 0.9, MinClusterSize: 3})
	require.Len(t, clusters, 1)
	assert.Equal(t, 3, clusters[0].Size())
}

func TestBuildClusters_MinSizeFilters(t *testing.T) {
	records := []Scored{
		scored("a", "", []float64{1, 0}),
		scored("b", "", []float64{1, 0.01}),
		scored("c", "", []float64{0, 1}),
	}
	clusters := BuildClusters(records, ClusterConfig{SimilarityThreshold: 0.95, MinClusterSize: 3})
	assert.Empty(t, clusters)
}

func TestBuildClusters_ConfidenceBonusAndCap(t *testing.T) {
	// Identical vectors: avg pairwise similarity is 1.0, so the size
	// bonus pushes confidence to the cap.
	var records []Scored
	for i := 0; i < 4; i++ {
		records = append(records, scored(fmt.Sprintf("r%d", i), "", []float64{1, 0}))
	}
	clusters := BuildClusters(records, ClusterConfig{SimilarityThreshold: 0.9, MinClusterSize: 3})
	require.Len(t, clusters, 1)
	assert.Equal(t, clusterConfidenceCap, clusters[0].Confidence)
}

func TestBuildClusters_MajorityTargetFile(t *testing.T) {
	records := []Scored{
		scored("a", "notes.md", []float64{1, 0}),
		scored("b", "notes.md", []float64{1, 0.01}),
		scored("c", "other.md", []float64{1, 0.02}),
	}
	clusters := BuildClusters(records, ClusterConfig{SimilarityThreshold: 0.9, MinClusterSize: 3})
	require.Len(t, clusters, 1)
	assert.Equal(t, "notes.md", clusters[0].TargetFile)
}

func TestBuildClusters_NoTargetWhenAllEmpty(t *testing.T) {
	records := []Scored{
		scored("a", "", []float64{1, 0}),
		scored("b", "", []float64{1, 0.01}),
		scored("c", "", []float64{1, 0.02}),
	}
	clusters := BuildClusters(records, ClusterConfig{SimilarityThreshold: 0.9, MinClusterSize: 3})
	require.Len(t, clusters, 1)
	assert.Empty(t, clusters[0].TargetFile)
}

func TestBuildClusters_SortedBySizeThenConfidence(t *testing.T) {
	var records []Scored
	// Four-record cluster around {1,0}.
	for i := 0; i < 4; i++ {
		records = append(records, scored(fmt.Sprintf("big%d", i), "", []float64{1, float64(i) * 0.01}))
	}
	// Three-record cluster around {0,1}.
	for i := 0; i < 3; i++ {
		records = append(records, scored(fmt.Sprintf("small%d", i), "", []float64{float64(i) * 0.01, 1}))
	}
	clusters := BuildClusters(records, ClusterConfig{SimilarityThreshold: 0.95, MinClusterSize: 3})
	require.Len(t, clusters, 2)
	assert.Equal(t, 4, clusters[0].Size())
	assert.Equal(t, 3, clusters[1].Size())
}

func TestFindClusters_LoadsFromStore(t *testing.T) {
	store := NewMemStore()
	var records []StoredRecord
	for i := 0; i < 3; i++ {
		records = append(records, StoredRecord{
			Record: models.MemoryRecord{ID: fmt.Sprintf("r%d", i), Type: models.MemoryFact, Content: "x", Source: "notes.md"},
			Vector: []float64{1, float64(i) * 0.01},
		})
	}
	require.NoError(t, store.Upsert(context.Background(), "agent-1", records))

	p := NewPipeline(store, &fakeEmbedder{}, nil)
	clusters, err := p.FindClusters(context.Background(), "agent-1", ClusterConfig{})
	require.NoError(t, err)
	require.Len(t, clusters, 1)
	assert.Equal(t, 3, clusters[0].Size())
	assert.Equal(t, "notes.md", clusters[0].TargetFile)
}
