// Package search maintains an in-memory vector index over extracted problems
// for similarity queries.
package search

import (
	"context"
	"fmt"
	"sync"

	chromem "github.com/philippgille/chromem-go"

	"github.com/paul-nallet/newsletter-mining/pkg/embedder"
	"github.com/paul-nallet/newsletter-mining/pkg/store"
)

const collectionName = "problems"

// Match is one search hit.
type Match struct {
	ProblemID    string  `json:"problem_id"`
	NewsletterID string  `json:"newsletter_id"`
	Summary      string  `json:"summary"`
	Category     string  `json:"category"`
	Severity     string  `json:"severity"`
	Similarity   float32 `json:"similarity"`
}

// Index is a vector index over problems. It is rebuilt from the store on
// startup and kept current as analyses land.
type Index struct {
	mu       sync.RWMutex
	db       *chromem.DB
	coll     *chromem.Collection
	embedder embedder.Embedder
}

// NewIndex creates an empty index. Queries embed their text through emb.
func NewIndex(emb embedder.Embedder) (*Index, error) {
	if emb == nil {
		return nil, fmt.Errorf("embedder is required")
	}

	idx := &Index{db: chromem.NewDB(), embedder: emb}
	coll, err := idx.db.CreateCollection(collectionName, nil, idx.embedText)
	if err != nil {
		return nil, fmt.Errorf("failed to create collection: %w", err)
	}
	idx.coll = coll
	return idx, nil
}

func (idx *Index) embedText(ctx context.Context, text string) ([]float32, error) {
	return idx.embedder.Embed(ctx, text)
}

// Add indexes one problem. Problems without an embedding are ignored.
func (idx *Index) Add(ctx context.Context, p *store.Problem) error {
	if p == nil || len(p.Embedding) == 0 {
		return nil
	}

	idx.mu.Lock()
	defer idx.mu.Unlock()

	err := idx.coll.AddDocument(ctx, chromem.Document{
		ID:        p.ID,
		Content:   p.Summary + "\n" + p.Detail,
		Embedding: p.Embedding,
		Metadata: map[string]string{
			"newsletter_id": p.NewsletterID,
			"category":      p.Category,
			"severity":      p.Severity,
		},
	})
	if err != nil {
		return fmt.Errorf("failed to index problem %s: %w", p.ID, err)
	}
	return nil
}

// Rebuild replaces the index contents with the given problems.
func (idx *Index) Rebuild(ctx context.Context, problems []*store.Problem) error {
	idx.mu.Lock()

	if err := idx.db.DeleteCollection(collectionName); err != nil {
		idx.mu.Unlock()
		return fmt.Errorf("failed to reset collection: %w", err)
	}
	coll, err := idx.db.CreateCollection(collectionName, nil, idx.embedText)
	if err != nil {
		idx.mu.Unlock()
		return fmt.Errorf("failed to recreate collection: %w", err)
	}
	idx.coll = coll
	idx.mu.Unlock()

	for _, p := range problems {
		if err := idx.Add(ctx, p); err != nil {
			return err
		}
	}
	return nil
}

// Search embeds the query text and returns the closest problems.
func (idx *Index) Search(ctx context.Context, query string, limit int) ([]Match, error) {
	if query == "" {
		return nil, fmt.Errorf("query is required")
	}
	if limit < 1 {
		return nil, fmt.Errorf("limit must be positive")
	}

	idx.mu.RLock()
	defer idx.mu.RUnlock()

	// chromem rejects result counts larger than the collection.
	if count := idx.coll.Count(); count < limit {
		limit = count
	}
	if limit == 0 {
		return nil, nil
	}

	results, err := idx.coll.Query(ctx, query, limit, nil, nil)
	if err != nil {
		return nil, fmt.Errorf("search failed: %w", err)
	}

	matches := make([]Match, 0, len(results))
	for _, r := range results {
		matches = append(matches, Match{
			ProblemID:    r.ID,
			NewsletterID: r.Metadata["newsletter_id"],
			Summary:      firstLine(r.Content),
			Category:     r.Metadata["category"],
			Severity:     r.Metadata["severity"],
			Similarity:   r.Similarity,
		})
	}
	return matches, nil
}

// Count reports the number of indexed problems.
func (idx *Index) Count() int {
	idx.mu.RLock()
	defer idx.mu.RUnlock()
	return idx.coll.Count()
}

func firstLine(content string) string {
	for i := range len(content) {
		if content[i] == '\n' {
			return content[:i]
		}
	}
	return content
}
