package search

import (
	"context"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/paul-nallet/newsletter-mining/pkg/store"
)

// fakeEmbedder maps known texts to fixed vectors.
type fakeEmbedder struct {
	vectors map[string][]float32
}

func (f *fakeEmbedder) Embed(_ context.Context, text string) ([]float32, error) {
	v, ok := f.vectors[text]
	if !ok {
		return nil, fmt.Errorf("no vector for %q", text)
	}
	return v, nil
}

func (f *fakeEmbedder) EmbedBatch(ctx context.Context, texts []string) ([][]float32, error) {
	out := make([][]float32, 0, len(texts))
	for _, t := range texts {
		v, err := f.Embed(ctx, t)
		if err != nil {
			return nil, err
		}
		out = append(out, v)
	}
	return out, nil
}

func (f *fakeEmbedder) Dimension() int { return 3 }

func testProblems() []*store.Problem {
	return []*store.Problem{
		{ID: "p1", NewsletterID: "n1", Summary: "Per-seat pricing hurts", Detail: "d",
			Category: "pricing", Severity: "high", Embedding: []float32{1, 0, 0}},
		{ID: "p2", NewsletterID: "n1", Summary: "Pricing is opaque", Detail: "d",
			Category: "pricing", Severity: "medium", Embedding: []float32{0.95, 0.3, 0}},
		{ID: "p3", NewsletterID: "n2", Summary: "No CSV export", Detail: "d",
			Category: "feature-gap", Severity: "low", Embedding: []float32{0, 0, 1}},
	}
}

func newTestIndex(t *testing.T) *Index {
	t.Helper()
	idx, err := NewIndex(&fakeEmbedder{vectors: map[string][]float32{
		"pricing complaints": {1, 0.1, 0},
		"data export":        {0, 0.1, 1},
	}})
	require.NoError(t, err)
	require.NoError(t, idx.Rebuild(context.Background(), testProblems()))
	return idx
}

func TestSearchRanksBySimilarity(t *testing.T) {
	idx := newTestIndex(t)

	matches, err := idx.Search(context.Background(), "pricing complaints", 2)
	require.NoError(t, err)
	require.Len(t, matches, 2)

	assert.Equal(t, "p1", matches[0].ProblemID)
	assert.Equal(t, "Per-seat pricing hurts", matches[0].Summary)
	assert.Equal(t, "pricing", matches[0].Category)
	assert.Equal(t, "p2", matches[1].ProblemID)
	assert.Greater(t, matches[0].Similarity, matches[1].Similarity)
}

func TestSearchClampsLimitToIndexSize(t *testing.T) {
	idx := newTestIndex(t)

	matches, err := idx.Search(context.Background(), "data export", 50)
	require.NoError(t, err)
	assert.Len(t, matches, 3)
	assert.Equal(t, "p3", matches[0].ProblemID)
}

func TestSearchEmptyIndex(t *testing.T) {
	idx, err := NewIndex(&fakeEmbedder{vectors: map[string][]float32{"q": {1, 0, 0}}})
	require.NoError(t, err)

	matches, err := idx.Search(context.Background(), "q", 5)
	require.NoError(t, err)
	assert.Empty(t, matches)
}

func TestAddSkipsUnembedded(t *testing.T) {
	idx, err := NewIndex(&fakeEmbedder{})
	require.NoError(t, err)

	require.NoError(t, idx.Add(context.Background(), &store.Problem{ID: "bare"}))
	assert.Zero(t, idx.Count())
}

func TestRebuildReplacesContents(t *testing.T) {
	idx := newTestIndex(t)
	assert.Equal(t, 3, idx.Count())

	require.NoError(t, idx.Rebuild(context.Background(), testProblems()[:1]))
	assert.Equal(t, 1, idx.Count())
}

func TestSearchValidation(t *testing.T) {
	idx := newTestIndex(t)

	_, err := idx.Search(context.Background(), "", 5)
	assert.Error(t, err)

	_, err = idx.Search(context.Background(), "pricing complaints", 0)
	assert.Error(t, err)
}
