// Package clustering groups embedded problems by cosine similarity using a
// greedy nearest-centroid pass. It is deterministic for a given input order;
// callers feed problems oldest first so cluster identity is stable across
// regenerations.
package clustering

import (
	"fmt"
	"math"

	"github.com/paul-nallet/newsletter-mining/pkg/store"
)

const (
	// DefaultSimilarityThreshold is the minimum cosine similarity for a
	// problem to join an existing cluster.
	DefaultSimilarityThreshold = 0.78

	// DefaultMinClusterSize drops singleton groups from the result.
	DefaultMinClusterSize = 2

	maxClusterNameLen = 80
)

// Config controls the clustering pass.
type Config struct {
	SimilarityThreshold float64
	MinClusterSize      int
}

// group is a cluster under construction. The centroid is kept as a running
// sum so joining is O(dimension).
type group struct {
	problems []*store.Problem
	sum      []float64
}

func (g *group) add(p *store.Problem) {
	g.problems = append(g.problems, p)
	for i, v := range p.Embedding {
		g.sum[i] += float64(v)
	}
}

func (g *group) centroid() []float64 {
	c := make([]float64, len(g.sum))
	n := float64(len(g.problems))
	for i, v := range g.sum {
		c[i] = v / n
	}
	return c
}

// Cluster groups embedded problems. Problems without an embedding are
// skipped. Groups smaller than MinClusterSize are discarded.
func Cluster(problems []*store.Problem, cfg Config) ([]*store.Cluster, error) {
	if cfg.SimilarityThreshold <= 0 || cfg.SimilarityThreshold > 1 {
		return nil, fmt.Errorf("similarity threshold must be in (0, 1], got %v", cfg.SimilarityThreshold)
	}
	if cfg.MinClusterSize < 1 {
		return nil, fmt.Errorf("minimum cluster size must be positive, got %d", cfg.MinClusterSize)
	}

	var groups []*group
	for _, p := range problems {
		if len(p.Embedding) == 0 {
			continue
		}

		bestSim := -1.0
		var best *group
		for _, g := range groups {
			if len(g.sum) != len(p.Embedding) {
				continue
			}
			sim := cosineToCentroid(p.Embedding, g.centroid())
			if sim > bestSim {
				bestSim = sim
				best = g
			}
		}

		if best != nil && bestSim >= cfg.SimilarityThreshold {
			best.add(p)
			continue
		}

		g := &group{sum: make([]float64, len(p.Embedding))}
		g.add(p)
		groups = append(groups, g)
	}

	var clusters []*store.Cluster
	for _, g := range groups {
		if len(g.problems) < cfg.MinClusterSize {
			continue
		}
		clusters = append(clusters, toCluster(g))
	}
	return clusters, nil
}

func toCluster(g *group) *store.Cluster {
	c := &store.Cluster{
		Name:         truncateName(g.problems[0].Summary),
		MentionCount: len(g.problems),
		FirstSeen:    g.problems[0].CreatedAt,
		LastSeen:     g.problems[0].CreatedAt,
	}
	for _, p := range g.problems {
		c.ProblemIDs = append(c.ProblemIDs, p.ID)
		if p.CreatedAt.Before(c.FirstSeen) {
			c.FirstSeen = p.CreatedAt
		}
		if p.CreatedAt.After(c.LastSeen) {
			c.LastSeen = p.CreatedAt
		}
	}
	return c
}

func truncateName(summary string) string {
	runes := []rune(summary)
	if len(runes) <= maxClusterNameLen {
		return summary
	}
	return string(runes[:maxClusterNameLen])
}

// CosineSimilarity computes the cosine of the angle between two vectors.
// Mismatched lengths and zero vectors yield 0.
func CosineSimilarity(a, b []float32) float64 {
	if len(a) != len(b) || len(a) == 0 {
		return 0
	}
	var dot, normA, normB float64
	for i := range a {
		dot += float64(a[i]) * float64(b[i])
		normA += float64(a[i]) * float64(a[i])
		normB += float64(b[i]) * float64(b[i])
	}
	if normA == 0 || normB == 0 {
		return 0
	}
	return dot / (math.Sqrt(normA) * math.Sqrt(normB))
}

func cosineToCentroid(a []float32, centroid []float64) float64 {
	var dot, normA, normC float64
	for i := range a {
		dot += float64(a[i]) * centroid[i]
		normA += float64(a[i]) * float64(a[i])
		normC += centroid[i] * centroid[i]
	}
	if normA == 0 || normC == 0 {
		return 0
	}
	return dot / (math.Sqrt(normA) * math.Sqrt(normC))
}
