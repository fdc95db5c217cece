// Package analyzer extracts business problems from newsletter text with an
// LLM. One Analyze call costs one credit; callers lease the credit before
// invoking it and settle the lease on the result.
package analyzer

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/pkoukk/tiktoken-go"

	"github.com/paul-nallet/newsletter-mining/pkg/config"
	"github.com/paul-nallet/newsletter-mining/pkg/llm"
	"github.com/paul-nallet/newsletter-mining/pkg/logger"
	"github.com/paul-nallet/newsletter-mining/pkg/store"
)

const systemPrompt = `You are an expert analyst specializing in identifying problems, pain points, and unmet needs from newsletter content. Your goal is to extract business opportunities by finding problems that people and companies face.

Extract problems that meet these criteria:
1. A real pain point, frustration, complaint, or unmet need
2. Specific enough that a product or service could address it
3. Experienced by an identifiable group of people or businesses
4. Not already perfectly solved by an existing well-known product

For each problem provide:
- problem_summary: one sentence describing the problem
- problem_detail: a fuller explanation with context
- category: one of pricing, feature-gap, ux, performance, integration, other
- severity: low, medium, or high based on how acute the pain seems
- original_quote: the exact text from the newsletter that evidences the problem
- context: surrounding context that helps understand the problem
- signals: phrases indicating demand (complaints, workarounds, wishes)
- mentioned_tools: products or tools mentioned in relation to the problem
- target_audience: who experiences this problem

Respond with a JSON object:
{"extracted_problems": [...], "overall_sentiment": "frustrated" | "neutral" | "optimistic", "key_topics": [...]}

If the newsletter contains no extractable problems, return an empty extracted_problems array.`

const clusterSummaryPrompt = `You are analyzing a cluster of similar problems extracted from newsletters. Write a concise name and summary that captures what unites them.

Return as JSON: {"cluster_name": "...", "cluster_summary": "..."}`

// Result is what one newsletter analysis yields.
type Result struct {
	Problems         []*store.Problem
	OverallSentiment string
	KeyTopics        []string
	PromptTokens     int
	CompletionTokens int
}

type extractionResponse struct {
	ExtractedProblems []extractedProblem `json:"extracted_problems"`
	OverallSentiment  string             `json:"overall_sentiment"`
	KeyTopics         []string           `json:"key_topics"`
}

type extractedProblem struct {
	ProblemSummary string   `json:"problem_summary"`
	ProblemDetail  string   `json:"problem_detail"`
	Category       string   `json:"category"`
	Severity       string   `json:"severity"`
	OriginalQuote  string   `json:"original_quote"`
	Context        string   `json:"context"`
	Signals        []string `json:"signals"`
	MentionedTools []string `json:"mentioned_tools"`
	TargetAudience string   `json:"target_audience"`
}

type clusterSummaryResponse struct {
	ClusterName    string `json:"cluster_name"`
	ClusterSummary string `json:"cluster_summary"`
}

// tokenizer is the subset of tiktoken the analyzer needs.
type tokenizer interface {
	Encode(text string, allowedSpecial, disallowedSpecial []string) []int
	Decode(tokens []int) string
}

// Analyzer runs extraction prompts against the configured LLM.
type Analyzer struct {
	client     llm.Client
	maxRetries int
	maxTokens  int
	encoding   tokenizer
	logger     *slog.Logger
	sleep      func(time.Duration)
}

// Option configures an Analyzer.
type Option func(*Analyzer)

// WithSleep overrides the retry backoff sleeper. Used in tests.
func WithSleep(fn func(time.Duration)) Option {
	return func(a *Analyzer) { a.sleep = fn }
}

// WithTokenizer overrides the token encoding. Used in tests.
func WithTokenizer(enc tokenizer) Option {
	return func(a *Analyzer) { a.encoding = enc }
}

// New creates an analyzer. The configured MaxInputTokens bounds the
// newsletter body; text beyond the budget is truncated at a token boundary.
func New(client llm.Client, cfg config.LLMConfig, opts ...Option) (*Analyzer, error) {
	if client == nil {
		return nil, fmt.Errorf("llm client is required")
	}

	a := &Analyzer{
		client:     client,
		maxRetries: cfg.MaxRetries,
		maxTokens:  cfg.MaxInputTokens,
		logger:     logger.GetLogger(),
		sleep:      time.Sleep,
	}
	for _, opt := range opts {
		opt(a)
	}

	if a.encoding == nil {
		encoding, err := tiktoken.EncodingForModel(cfg.Model)
		if err != nil {
			// Unknown model names fall back to the common encoding.
			encoding, err = tiktoken.GetEncoding("cl100k_base")
			if err != nil {
				return nil, fmt.Errorf("failed to load token encoding: %w", err)
			}
		}
		a.encoding = encoding
	}

	return a, nil
}

// Analyze extracts problems from one newsletter.
func (a *Analyzer) Analyze(ctx context.Context, n *store.Newsletter) (*Result, error) {
	if n == nil || n.TextBody == "" {
		return nil, fmt.Errorf("newsletter body is required")
	}

	body, truncated := a.truncate(n.TextBody)
	if truncated {
		a.logger.Debug("newsletter body truncated to token budget",
			"newsletter_id", n.ID, "budget", a.maxTokens)
	}

	user := fmt.Sprintf("# Newsletter Content\n\nNewsletter: %s\nAuthor: %s\nDate: %s\n\n%s",
		n.Subject, n.FromName, n.ReceivedAt.UTC().Format("2006-01-02"), body)

	var lastErr error
	for attempt := 0; attempt <= a.maxRetries; attempt++ {
		if attempt > 0 {
			a.sleep(time.Duration(attempt) * time.Second)
		}

		resp, err := a.client.Complete(ctx, &llm.CompletionRequest{
			System:     systemPrompt,
			User:       user,
			JSONOutput: true,
		})
		if err != nil {
			lastErr = err
			a.logger.Warn("analysis attempt failed",
				"newsletter_id", n.ID, "attempt", attempt+1, "error", err)
			continue
		}

		var parsed extractionResponse
		if err := json.Unmarshal([]byte(stripCodeFences(resp.Content)), &parsed); err != nil {
			lastErr = fmt.Errorf("failed to parse extraction response: %w", err)
			a.logger.Warn("analysis returned unparseable JSON",
				"newsletter_id", n.ID, "attempt", attempt+1, "error", err)
			continue
		}

		return &Result{
			Problems:         toProblems(parsed.ExtractedProblems),
			OverallSentiment: normalizeSentiment(parsed.OverallSentiment),
			KeyTopics:        parsed.KeyTopics,
			PromptTokens:     resp.PromptTokens,
			CompletionTokens: resp.CompletionTokens,
		}, nil
	}

	return nil, fmt.Errorf("analysis failed after %d attempts: %w", a.maxRetries+1, lastErr)
}

// SummarizeCluster names and summarizes a group of similar problems.
func (a *Analyzer) SummarizeCluster(ctx context.Context, problems []*store.Problem) (name, summary string, err error) {
	if len(problems) == 0 {
		return "", "", fmt.Errorf("cluster is empty")
	}

	var b strings.Builder
	b.WriteString("# Problems in this cluster\n")
	for _, p := range problems {
		fmt.Fprintf(&b, "- %s: %s\n", p.Summary, p.Detail)
	}

	resp, err := a.client.Complete(ctx, &llm.CompletionRequest{
		System:     clusterSummaryPrompt,
		User:       b.String(),
		JSONOutput: true,
	})
	if err != nil {
		return "", "", fmt.Errorf("cluster summary request failed: %w", err)
	}

	var parsed clusterSummaryResponse
	if err := json.Unmarshal([]byte(stripCodeFences(resp.Content)), &parsed); err != nil {
		return "", "", fmt.Errorf("failed to parse cluster summary: %w", err)
	}
	if parsed.ClusterName == "" {
		return "", "", fmt.Errorf("cluster summary response missing name")
	}

	return parsed.ClusterName, parsed.ClusterSummary, nil
}

// truncate cuts text to the configured token budget.
func (a *Analyzer) truncate(text string) (string, bool) {
	if a.maxTokens <= 0 {
		return text, false
	}
	tokens := a.encoding.Encode(text, nil, nil)
	if len(tokens) <= a.maxTokens {
		return text, false
	}
	return a.encoding.Decode(tokens[:a.maxTokens]), true
}

// stripCodeFences removes a surrounding markdown code block, which some
// models emit even in JSON mode.
func stripCodeFences(content string) string {
	trimmed := strings.TrimSpace(content)
	if !strings.HasPrefix(trimmed, "```") {
		return trimmed
	}
	trimmed = strings.TrimPrefix(trimmed, "```json")
	trimmed = strings.TrimPrefix(trimmed, "```")
	trimmed = strings.TrimSuffix(strings.TrimSpace(trimmed), "```")
	return strings.TrimSpace(trimmed)
}

func toProblems(extracted []extractedProblem) []*store.Problem {
	problems := make([]*store.Problem, 0, len(extracted))
	for _, e := range extracted {
		if e.ProblemSummary == "" {
			continue
		}
		problems = append(problems, &store.Problem{
			Summary:        e.ProblemSummary,
			Detail:         e.ProblemDetail,
			Category:       normalizeCategory(e.Category),
			Severity:       normalizeSeverity(e.Severity),
			OriginalQuote:  e.OriginalQuote,
			Context:        e.Context,
			Signals:        e.Signals,
			MentionedTools: e.MentionedTools,
			TargetAudience: e.TargetAudience,
		})
	}
	return problems
}

func normalizeCategory(category string) string {
	c := strings.ToLower(strings.TrimSpace(category))
	for _, known := range store.Categories {
		if c == known {
			return c
		}
	}
	return "other"
}

func normalizeSeverity(severity string) string {
	s := strings.ToLower(strings.TrimSpace(severity))
	for _, known := range store.Severities {
		if s == known {
			return s
		}
	}
	return "medium"
}

func normalizeSentiment(sentiment string) string {
	switch s := strings.ToLower(strings.TrimSpace(sentiment)); s {
	case "frustrated", "neutral", "optimistic":
		return s
	default:
		return "neutral"
	}
}
