package clustering

import (
	"fmt"
	"math"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/paul-nallet/newsletter-mining/pkg/store"
)

func defaultConfig() Config {
	return Config{SimilarityThreshold: DefaultSimilarityThreshold, MinClusterSize: DefaultMinClusterSize}
}

func problem(id, summary string, day int, embedding ...float32) *store.Problem {
	return &store.Problem{
		ID:        id,
		Summary:   summary,
		CreatedAt: time.Date(2026, 3, day, 0, 0, 0, 0, time.UTC),
		Embedding: embedding,
	}
}

func TestCosineSimilarity(t *testing.T) {
	assert.InDelta(t, 1.0, CosineSimilarity([]float32{1, 0}, []float32{2, 0}), 1e-9)
	assert.InDelta(t, 0.0, CosineSimilarity([]float32{1, 0}, []float32{0, 1}), 1e-9)
	assert.InDelta(t, -1.0, CosineSimilarity([]float32{1, 0}, []float32{-1, 0}), 1e-9)

	assert.Zero(t, CosineSimilarity([]float32{1, 0}, []float32{1}))
	assert.Zero(t, CosineSimilarity([]float32{0, 0}, []float32{1, 0}))
	assert.Zero(t, CosineSimilarity(nil, nil))
}

func TestClusterGroupsSimilarProblems(t *testing.T) {
	problems := []*store.Problem{
		problem("p1", "Per-seat pricing punishes teams", 1, 1, 0.05, 0),
		problem("p2", "Pricing doubles after hiring", 2, 0.98, 0.1, 0),
		problem("p3", "No CSV export anywhere", 3, 0, 0.05, 1),
		problem("p4", "Cannot export data", 4, 0.1, 0, 0.99),
	}

	clusters, err := Cluster(problems, defaultConfig())
	require.NoError(t, err)
	require.Len(t, clusters, 2)

	byName := map[string]*store.Cluster{}
	for _, c := range clusters {
		byName[c.Name] = c
	}

	pricing := byName["Per-seat pricing punishes teams"]
	require.NotNil(t, pricing, "cluster named after its first problem")
	assert.Equal(t, []string{"p1", "p2"}, pricing.ProblemIDs)
	assert.Equal(t, 2, pricing.MentionCount)
	assert.Equal(t, 1, pricing.FirstSeen.Day())
	assert.Equal(t, 2, pricing.LastSeen.Day())

	export := byName["No CSV export anywhere"]
	require.NotNil(t, export)
	assert.Equal(t, []string{"p3", "p4"}, export.ProblemIDs)
}

func TestClusterDropsSmallGroups(t *testing.T) {
	problems := []*store.Problem{
		problem("p1", "a", 1, 1, 0, 0),
		problem("p2", "b", 2, 0, 1, 0),
		problem("p3", "c", 3, 0, 0, 1),
	}

	clusters, err := Cluster(problems, defaultConfig())
	require.NoError(t, err)
	assert.Empty(t, clusters, "three orthogonal singletons, none reach min size")

	cfg := defaultConfig()
	cfg.MinClusterSize = 1
	clusters, err = Cluster(problems, cfg)
	require.NoError(t, err)
	assert.Len(t, clusters, 3)
}

func TestClusterSkipsUnembeddedProblems(t *testing.T) {
	problems := []*store.Problem{
		problem("p1", "a", 1, 1, 0),
		problem("p2", "no embedding", 2),
		problem("p3", "b", 3, 1, 0.01),
	}

	cfg := defaultConfig()
	cfg.MinClusterSize = 1
	clusters, err := Cluster(problems, cfg)
	require.NoError(t, err)
	require.Len(t, clusters, 1)
	assert.Equal(t, []string{"p1", "p3"}, clusters[0].ProblemIDs)
}

func TestClusterThresholdBoundary(t *testing.T) {
	// Second vector sits at exactly cos(theta) against the first; a
	// threshold equal to the similarity admits it, above rejects it.
	a := []float32{1, 0}
	theta := math.Acos(0.8)
	b := []float32{float32(math.Cos(theta)), float32(math.Sin(theta))}

	problems := []*store.Problem{
		problem("p1", "first", 1, a...),
		problem("p2", "second", 2, b...),
	}

	cfg := Config{SimilarityThreshold: 0.79, MinClusterSize: 1}
	clusters, err := Cluster(problems, cfg)
	require.NoError(t, err)
	require.Len(t, clusters, 1, "similarity 0.8 joins at threshold 0.79")

	cfg.SimilarityThreshold = 0.81
	clusters, err = Cluster(problems, cfg)
	require.NoError(t, err)
	assert.Len(t, clusters, 2, "similarity 0.8 splits at threshold 0.81")
}

func TestClusterCentroidDrift(t *testing.T) {
	// Each problem is close to the previous one but the first and last are
	// not directly similar; the running centroid keeps the chain together.
	var problems []*store.Problem
	for i := 0; i < 5; i++ {
		theta := float64(i) * 0.12
		problems = append(problems, problem(
			fmt.Sprintf("p%d", i), fmt.Sprintf("s%d", i), i+1,
			float32(math.Cos(theta)), float32(math.Sin(theta))))
	}

	cfg := Config{SimilarityThreshold: 0.9, MinClusterSize: 1}
	clusters, err := Cluster(problems, cfg)
	require.NoError(t, err)
	require.Len(t, clusters, 1)
	assert.Equal(t, 5, clusters[0].MentionCount)
}

func TestClusterNameTruncated(t *testing.T) {
	long := strings.Repeat("x", 200)
	problems := []*store.Problem{
		problem("p1", long, 1, 1, 0),
		problem("p2", "short", 2, 1, 0.01),
	}

	clusters, err := Cluster(problems, defaultConfig())
	require.NoError(t, err)
	require.Len(t, clusters, 1)
	assert.Len(t, clusters[0].Name, 80)
}

func TestClusterMismatchedDimensions(t *testing.T) {
	problems := []*store.Problem{
		problem("p1", "two dims", 1, 1, 0),
		problem("p2", "three dims", 2, 1, 0, 0),
	}

	cfg := Config{SimilarityThreshold: 0.5, MinClusterSize: 1}
	clusters, err := Cluster(problems, cfg)
	require.NoError(t, err)
	assert.Len(t, clusters, 2, "mismatched dimensions never share a cluster")
}

func TestClusterConfigValidation(t *testing.T) {
	_, err := Cluster(nil, Config{SimilarityThreshold: 0, MinClusterSize: 1})
	assert.Error(t, err)

	_, err = Cluster(nil, Config{SimilarityThreshold: 1.5, MinClusterSize: 1})
	assert.Error(t, err)

	_, err = Cluster(nil, Config{SimilarityThreshold: 0.5, MinClusterSize: 0})
	assert.Error(t, err)
}
