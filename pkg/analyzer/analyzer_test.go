package analyzer

import (
	"context"
	"fmt"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/paul-nallet/newsletter-mining/pkg/config"
	"github.com/paul-nallet/newsletter-mining/pkg/llm"
	"github.com/paul-nallet/newsletter-mining/pkg/store"
)

// fakeLLM replays canned responses in order.
type fakeLLM struct {
	responses []fakeResponse
	requests  []*llm.CompletionRequest
}

type fakeResponse struct {
	content string
	err     error
}

func (f *fakeLLM) Complete(_ context.Context, req *llm.CompletionRequest) (*llm.CompletionResponse, error) {
	f.requests = append(f.requests, req)
	if len(f.responses) == 0 {
		return nil, fmt.Errorf("no responses left")
	}
	next := f.responses[0]
	f.responses = f.responses[1:]
	if next.err != nil {
		return nil, next.err
	}
	return &llm.CompletionResponse{Content: next.content, PromptTokens: 42}, nil
}

func (f *fakeLLM) ModelName() string { return "fake-model" }

// wordTokenizer treats whitespace-separated words as tokens.
type wordTokenizer struct {
	words []string
}

func (w *wordTokenizer) Encode(text string, _, _ []string) []int {
	w.words = strings.Fields(text)
	tokens := make([]int, len(w.words))
	for i := range tokens {
		tokens[i] = i
	}
	return tokens
}

func (w *wordTokenizer) Decode(tokens []int) string {
	return strings.Join(w.words[:len(tokens)], " ")
}

func newTestAnalyzer(t *testing.T, client llm.Client, maxInputTokens int) *Analyzer {
	t.Helper()
	a, err := New(client, config.LLMConfig{
		Model:          "gpt-4o",
		MaxRetries:     2,
		MaxInputTokens: maxInputTokens,
	}, WithTokenizer(&wordTokenizer{}), WithSleep(func(time.Duration) {}))
	require.NoError(t, err)
	return a
}

const validExtraction = `{
  "extracted_problems": [
    {
      "problem_summary": "Per-seat pricing punishes growing teams",
      "problem_detail": "Founders report bills doubling after hiring sprints.",
      "category": "pricing",
      "severity": "high",
      "original_quote": "our bill doubled overnight",
      "signals": ["repeated complaint"],
      "mentioned_tools": ["Notion"],
      "target_audience": "startup founders"
    }
  ],
  "overall_sentiment": "frustrated",
  "key_topics": ["pricing", "saas"]
}`

func sampleNewsletter(body string) *store.Newsletter {
	return &store.Newsletter{
		ID:         "nl-1",
		Subject:    "The State of SaaS",
		FromName:   "Ben",
		ReceivedAt: time.Date(2026, 3, 10, 8, 0, 0, 0, time.UTC),
		TextBody:   body,
	}
}

func TestAnalyzeExtractsProblems(t *testing.T) {
	client := &fakeLLM{responses: []fakeResponse{{content: validExtraction}}}
	a := newTestAnalyzer(t, client, 0)

	result, err := a.Analyze(context.Background(), sampleNewsletter("Everyone hates per-seat pricing."))
	require.NoError(t, err)

	require.Len(t, result.Problems, 1)
	p := result.Problems[0]
	assert.Equal(t, "Per-seat pricing punishes growing teams", p.Summary)
	assert.Equal(t, "pricing", p.Category)
	assert.Equal(t, "high", p.Severity)
	assert.Equal(t, []string{"Notion"}, p.MentionedTools)

	assert.Equal(t, "frustrated", result.OverallSentiment)
	assert.Equal(t, []string{"pricing", "saas"}, result.KeyTopics)
	assert.Equal(t, 42, result.PromptTokens)

	require.Len(t, client.requests, 1)
	req := client.requests[0]
	assert.True(t, req.JSONOutput)
	assert.Contains(t, req.User, "Newsletter: The State of SaaS")
	assert.Contains(t, req.User, "Author: Ben")
	assert.Contains(t, req.User, "Date: 2026-03-10")
}

func TestAnalyzeStripsCodeFences(t *testing.T) {
	fenced := "```json\n" + validExtraction + "\n```"
	client := &fakeLLM{responses: []fakeResponse{{content: fenced}}}
	a := newTestAnalyzer(t, client, 0)

	result, err := a.Analyze(context.Background(), sampleNewsletter("body"))
	require.NoError(t, err)
	assert.Len(t, result.Problems, 1)
}

func TestAnalyzeRetriesOnBadJSON(t *testing.T) {
	client := &fakeLLM{responses: []fakeResponse{
		{content: "not json at all"},
		{err: fmt.Errorf("transient upstream failure")},
		{content: validExtraction},
	}}
	a := newTestAnalyzer(t, client, 0)

	result, err := a.Analyze(context.Background(), sampleNewsletter("body"))
	require.NoError(t, err)
	assert.Len(t, result.Problems, 1)
	assert.Len(t, client.requests, 3)
}

func TestAnalyzeGivesUpAfterRetries(t *testing.T) {
	client := &fakeLLM{responses: []fakeResponse{
		{content: "garbage"},
		{content: "garbage"},
		{content: "garbage"},
	}}
	a := newTestAnalyzer(t, client, 0)

	_, err := a.Analyze(context.Background(), sampleNewsletter("body"))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "after 3 attempts")
}

func TestAnalyzeTruncatesLongBodies(t *testing.T) {
	client := &fakeLLM{responses: []fakeResponse{{content: validExtraction}}}
	a := newTestAnalyzer(t, client, 5)

	body := "one two three four five six seven eight nine ten"
	_, err := a.Analyze(context.Background(), sampleNewsletter(body))
	require.NoError(t, err)

	require.Len(t, client.requests, 1)
	assert.Contains(t, client.requests[0].User, "one two three four five")
	assert.NotContains(t, client.requests[0].User, "six")
}

func TestAnalyzeNormalizesUnknownEnums(t *testing.T) {
	content := `{
  "extracted_problems": [
    {"problem_summary": "s", "problem_detail": "d", "category": "Billing", "severity": "catastrophic"}
  ],
  "overall_sentiment": "angry",
  "key_topics": []
}`
	client := &fakeLLM{responses: []fakeResponse{{content: content}}}
	a := newTestAnalyzer(t, client, 0)

	result, err := a.Analyze(context.Background(), sampleNewsletter("body"))
	require.NoError(t, err)
	require.Len(t, result.Problems, 1)
	assert.Equal(t, "other", result.Problems[0].Category)
	assert.Equal(t, "medium", result.Problems[0].Severity)
	assert.Equal(t, "neutral", result.OverallSentiment)
}

func TestAnalyzeSkipsEmptySummaries(t *testing.T) {
	content := `{
  "extracted_problems": [
    {"problem_summary": "", "problem_detail": "orphan"},
    {"problem_summary": "kept", "problem_detail": "d", "category": "ux", "severity": "low"}
  ],
  "overall_sentiment": "neutral"
}`
	client := &fakeLLM{responses: []fakeResponse{{content: content}}}
	a := newTestAnalyzer(t, client, 0)

	result, err := a.Analyze(context.Background(), sampleNewsletter("body"))
	require.NoError(t, err)
	require.Len(t, result.Problems, 1)
	assert.Equal(t, "kept", result.Problems[0].Summary)
}

func TestAnalyzeRequiresBody(t *testing.T) {
	a := newTestAnalyzer(t, &fakeLLM{}, 0)

	_, err := a.Analyze(context.Background(), nil)
	assert.Error(t, err)

	_, err = a.Analyze(context.Background(), &store.Newsletter{})
	assert.Error(t, err)
}

func TestSummarizeCluster(t *testing.T) {
	client := &fakeLLM{responses: []fakeResponse{
		{content: `{"cluster_name": "Pricing frustration", "cluster_summary": "Teams resent per-seat billing."}`},
	}}
	a := newTestAnalyzer(t, client, 0)

	name, summary, err := a.SummarizeCluster(context.Background(), []*store.Problem{
		{Summary: "Per-seat pricing hurts", Detail: "Bills double after hiring."},
		{Summary: "Pricing is opaque", Detail: "No one can predict costs."},
	})
	require.NoError(t, err)
	assert.Equal(t, "Pricing frustration", name)
	assert.Equal(t, "Teams resent per-seat billing.", summary)

	require.Len(t, client.requests, 1)
	assert.Contains(t, client.requests[0].User, "# Problems in this cluster")
	assert.Contains(t, client.requests[0].User, "- Per-seat pricing hurts: Bills double after hiring.")
}

func TestSummarizeClusterEmptyInput(t *testing.T) {
	a := newTestAnalyzer(t, &fakeLLM{}, 0)

	_, _, err := a.SummarizeCluster(context.Background(), nil)
	assert.Error(t, err)
}
