// Package pipeline orchestrates newsletter analysis. Every analysis run is
// wrapped in a credit lease: a credit is reserved before the LLM call, then
// consumed on success or returned on failure.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"

	"golang.org/x/sync/errgroup"

	"github.com/paul-nallet/newsletter-mining/pkg/analyzer"
	"github.com/paul-nallet/newsletter-mining/pkg/clustering"
	"github.com/paul-nallet/newsletter-mining/pkg/credits"
	"github.com/paul-nallet/newsletter-mining/pkg/embedder"
	"github.com/paul-nallet/newsletter-mining/pkg/events"
	"github.com/paul-nallet/newsletter-mining/pkg/logger"
	"github.com/paul-nallet/newsletter-mining/pkg/search"
	"github.com/paul-nallet/newsletter-mining/pkg/store"
)

// ErrAlreadyAnalyzed is returned when the newsletter was analyzed before.
var ErrAlreadyAnalyzed = errors.New("newsletter already analyzed")

const defaultConcurrency = 3

// Analyzer is the extraction surface the pipeline depends on.
type Analyzer interface {
	Analyze(ctx context.Context, n *store.Newsletter) (*analyzer.Result, error)
	SummarizeCluster(ctx context.Context, problems []*store.Problem) (name, summary string, err error)
}

// Outcome is the result of analyzing one newsletter.
type Outcome struct {
	NewsletterID string          `json:"newsletter_id"`
	Problems     int             `json:"problems"`
	Credits      *credits.Status `json:"credits,omitempty"`
}

// BatchOutcome summarizes an analyze-all run.
type BatchOutcome struct {
	Analyzed  int  `json:"analyzed"`
	Failed    int  `json:"failed"`
	Remaining int  `json:"remaining"`
	Exhausted bool `json:"exhausted"`
}

// Pipeline wires the store, the credit ledger, the analyzer, and the vector
// index together.
type Pipeline struct {
	store       *store.Store
	credits     *credits.Service
	analyzer    Analyzer
	embedder    embedder.Embedder
	index       *search.Index
	bus         *events.Bus
	clusterCfg  clustering.Config
	enrich      bool
	concurrency int
	logger      *slog.Logger
}

// Option configures a Pipeline.
type Option func(*Pipeline)

// WithConcurrency bounds parallel analyses in AnalyzeAll.
func WithConcurrency(n int) Option {
	return func(p *Pipeline) {
		if n > 0 {
			p.concurrency = n
		}
	}
}

// WithClusterEnrichment toggles LLM naming of regenerated clusters.
func WithClusterEnrichment(enabled bool) Option {
	return func(p *Pipeline) { p.enrich = enabled }
}

// New creates a pipeline. The index and bus are optional; a nil index skips
// vector indexing and a nil bus skips event publishing.
func New(
	st *store.Store,
	creditSvc *credits.Service,
	an Analyzer,
	emb embedder.Embedder,
	idx *search.Index,
	bus *events.Bus,
	clusterCfg clustering.Config,
	opts ...Option,
) (*Pipeline, error) {
	if st == nil {
		return nil, fmt.Errorf("store is required")
	}
	if creditSvc == nil {
		return nil, fmt.Errorf("credit service is required")
	}
	if an == nil {
		return nil, fmt.Errorf("analyzer is required")
	}

	p := &Pipeline{
		store:       st,
		credits:     creditSvc,
		analyzer:    an,
		embedder:    emb,
		index:       idx,
		bus:         bus,
		clusterCfg:  clusterCfg,
		enrich:      true,
		concurrency: defaultConcurrency,
		logger:      logger.GetLogger(),
	}
	for _, opt := range opts {
		opt(p)
	}
	return p, nil
}

// Analyze runs one credit-gated analysis. The reservation is committed only
// after the analysis result is durably stored; any failure in between rolls
// the credit back.
func (p *Pipeline) Analyze(ctx context.Context, newsletterID, subject string, source credits.Source) (*Outcome, error) {
	n, err := p.store.GetNewsletter(ctx, newsletterID)
	if err != nil {
		return nil, err
	}
	if n.Analyzed {
		return nil, ErrAlreadyAnalyzed
	}

	lease, err := p.credits.Acquire(ctx, &credits.AcquireRequest{
		Subject:    subject,
		WorkItemID: newsletterID,
		Source:     source,
	})
	if err != nil {
		return nil, err
	}

	result, err := p.analyzer.Analyze(ctx, n)
	if err != nil {
		p.rollback(ctx, lease.ReservationID, credits.ReasonAnalysisFailed)
		return nil, fmt.Errorf("analysis failed: %w", err)
	}

	p.embedProblems(ctx, result.Problems)

	if err := p.store.SaveAnalysis(ctx, n.ID, result.OverallSentiment, result.KeyTopics, result.Problems); err != nil {
		p.rollback(ctx, lease.ReservationID, credits.ReasonAnalysisFailed)
		return nil, fmt.Errorf("failed to store analysis: %w", err)
	}

	status, err := p.credits.Commit(ctx, lease.ReservationID)
	if err != nil {
		// The analysis is stored; a finalize error only affects accounting.
		p.logger.Error("failed to commit credit reservation",
			"reservation_id", lease.ReservationID, "error", err)
	}

	if p.index != nil {
		for _, problem := range result.Problems {
			if err := p.index.Add(ctx, problem); err != nil {
				p.logger.Warn("failed to index problem", "problem_id", problem.ID, "error", err)
			}
		}
	}

	outcome := &Outcome{NewsletterID: n.ID, Problems: len(result.Problems), Credits: status}
	p.publish(events.TypeNewsletterAnalyzed, outcome)

	p.logger.Info("newsletter analyzed",
		"newsletter_id", n.ID, "problems", len(result.Problems), "subject", subject)
	return outcome, nil
}

// embedProblems vectorizes extracted problems. Embedding failures are
// tolerated; unembedded problems are stored and simply skip clustering.
func (p *Pipeline) embedProblems(ctx context.Context, problems []*store.Problem) {
	if p.embedder == nil || len(problems) == 0 {
		return
	}

	texts := make([]string, len(problems))
	for i, problem := range problems {
		texts[i] = problem.Summary + "\n" + problem.Detail
	}

	vectors, err := p.embedder.EmbedBatch(ctx, texts)
	if err != nil {
		p.logger.Warn("failed to embed problems, storing without vectors", "error", err)
		return
	}
	for i := range problems {
		problems[i].Embedding = vectors[i]
	}
}

// AnalyzeAll analyzes every pending newsletter with bounded concurrency.
// The run stops scheduling new work once the credit quota is exhausted;
// already-running analyses finish. Clusters are regenerated afterwards when
// anything new was analyzed.
func (p *Pipeline) AnalyzeAll(ctx context.Context, subject string, source credits.Source) (*BatchOutcome, error) {
	pending, err := p.store.ListNewsletters(ctx, true)
	if err != nil {
		return nil, err
	}

	var (
		analyzed  atomic.Int64
		failed    atomic.Int64
		exhausted atomic.Bool
		mu        sync.Mutex
		processed int
	)

	total := len(pending)
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(p.concurrency)

	for _, n := range pending {
		if exhausted.Load() {
			break
		}

		g.Go(func() error {
			if exhausted.Load() {
				return nil
			}

			_, err := p.Analyze(gctx, n.ID, subject, source)
			switch {
			case err == nil:
				analyzed.Add(1)
			case credits.IsQuotaExhausted(err):
				exhausted.Store(true)
			case errors.Is(err, ErrAlreadyAnalyzed):
				// Raced with a concurrent run; nothing to count.
			default:
				failed.Add(1)
				p.logger.Warn("newsletter analysis failed during batch",
					"newsletter_id", n.ID, "error", err)
			}

			mu.Lock()
			processed++
			done := processed
			mu.Unlock()
			p.publish(events.TypeAnalyzeAllProgress, map[string]any{
				"processed": done,
				"total":     total,
			})
			return nil
		})
	}

	if err := g.Wait(); err != nil {
		return nil, err
	}

	outcome := &BatchOutcome{
		Analyzed:  int(analyzed.Load()),
		Failed:    int(failed.Load()),
		Remaining: total - int(analyzed.Load()) - int(failed.Load()),
		Exhausted: exhausted.Load(),
	}

	if outcome.Analyzed > 0 {
		if _, err := p.RegenerateClusters(ctx); err != nil {
			p.logger.Warn("cluster regeneration after batch failed", "error", err)
		}
	}

	p.publish(events.TypeAnalyzeAllDone, outcome)

	p.logger.Info("batch analysis finished",
		"analyzed", outcome.Analyzed, "failed", outcome.Failed,
		"remaining", outcome.Remaining, "exhausted", outcome.Exhausted)
	return outcome, nil
}

// RegenerateClusters rebuilds the cluster set from all embedded problems and
// optionally asks the LLM for cluster names and summaries.
func (p *Pipeline) RegenerateClusters(ctx context.Context) ([]*store.Cluster, error) {
	problems, err := p.store.ListEmbeddedProblems(ctx)
	if err != nil {
		return nil, err
	}

	clusters, err := clustering.Cluster(problems, p.clusterCfg)
	if err != nil {
		return nil, err
	}

	if err := p.store.ReplaceClusters(ctx, clusters); err != nil {
		return nil, err
	}

	if p.enrich {
		byID := make(map[string]*store.Problem, len(problems))
		for _, problem := range problems {
			byID[problem.ID] = problem
		}

		for _, c := range clusters {
			members := make([]*store.Problem, 0, len(c.ProblemIDs))
			for _, id := range c.ProblemIDs {
				if problem, ok := byID[id]; ok {
					members = append(members, problem)
				}
			}

			name, summary, err := p.analyzer.SummarizeCluster(ctx, members)
			if err != nil {
				p.logger.Warn("cluster enrichment failed, keeping raw name",
					"cluster_id", c.ID, "error", err)
				continue
			}
			if err := p.store.UpdateClusterSummary(ctx, c.ID, name, summary); err != nil {
				p.logger.Warn("failed to store cluster summary", "cluster_id", c.ID, "error", err)
				continue
			}
			c.Name = name
			c.Summary = summary
		}
	}

	p.publish(events.TypeClustersUpdated, map[string]any{"clusters": len(clusters)})

	p.logger.Info("clusters regenerated", "clusters", len(clusters), "problems", len(problems))
	return clusters, nil
}

// RebuildIndex reloads the vector index from stored problems.
func (p *Pipeline) RebuildIndex(ctx context.Context) error {
	if p.index == nil {
		return nil
	}
	problems, err := p.store.ListEmbeddedProblems(ctx)
	if err != nil {
		return err
	}
	return p.index.Rebuild(ctx, problems)
}

func (p *Pipeline) rollback(ctx context.Context, reservationID, reason string) {
	if _, err := p.credits.Rollback(ctx, reservationID, reason); err != nil {
		p.logger.Error("failed to roll back credit reservation",
			"reservation_id", reservationID, "error", err)
	}
}

func (p *Pipeline) publish(eventType events.Type, payload any) {
	if p.bus == nil {
		return
	}
	p.bus.Publish(events.Event{Type: eventType, Payload: payload})
}
