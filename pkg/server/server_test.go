package server

import (
	"bytes"
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strconv"
	"strings"
	"testing"
	"time"

	_ "github.com/mattn/go-sqlite3"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/paul-nallet/newsletter-mining/pkg/analyzer"
	"github.com/paul-nallet/newsletter-mining/pkg/clustering"
	"github.com/paul-nallet/newsletter-mining/pkg/config"
	"github.com/paul-nallet/newsletter-mining/pkg/credits"
	"github.com/paul-nallet/newsletter-mining/pkg/events"
	"github.com/paul-nallet/newsletter-mining/pkg/ingest"
	"github.com/paul-nallet/newsletter-mining/pkg/pipeline"
	"github.com/paul-nallet/newsletter-mining/pkg/search"
	"github.com/paul-nallet/newsletter-mining/pkg/store"
)

const testSigningKey = "test-signing-key"

type fakeAnalyzer struct{}

func (fakeAnalyzer) Analyze(_ context.Context, n *store.Newsletter) (*analyzer.Result, error) {
	return &analyzer.Result{
		Problems: []*store.Problem{
			{Summary: "problem from " + n.Subject, Detail: "d", Category: "pricing", Severity: "high"},
		},
		OverallSentiment: "frustrated",
		KeyTopics:        []string{"pricing"},
	}, nil
}

func (fakeAnalyzer) SummarizeCluster(_ context.Context, problems []*store.Problem) (string, string, error) {
	return "cluster name", fmt.Sprintf("%d problems", len(problems)), nil
}

// flatEmbedder maps every text to the same vector, so everything is similar.
type flatEmbedder struct{}

func (flatEmbedder) Embed(_ context.Context, _ string) ([]float32, error) {
	return []float32{1, 0, 0}, nil
}

func (f flatEmbedder) EmbedBatch(_ context.Context, texts []string) ([][]float32, error) {
	out := make([][]float32, len(texts))
	for i := range texts {
		out[i] = []float32{1, 0, 0}
	}
	return out, nil
}

func (flatEmbedder) Dimension() int { return 3 }

type fixture struct {
	store  *store.Store
	server *httptest.Server
}

func newFixture(t *testing.T, limit int) *fixture {
	t.Helper()

	db, err := sql.Open("sqlite3", ":memory:")
	require.NoError(t, err)
	db.SetMaxOpenConns(1)
	t.Cleanup(func() { db.Close() })

	st, err := store.New(db, "sqlite")
	require.NoError(t, err)

	svc, err := credits.NewService(db, "sqlite", credits.FixedLimit(limit))
	require.NoError(t, err)

	bus := events.NewBus()
	t.Cleanup(bus.Close)

	idx, err := search.NewIndex(flatEmbedder{})
	require.NoError(t, err)

	pl, err := pipeline.New(st, svc, fakeAnalyzer{}, flatEmbedder{}, idx, bus,
		clustering.Config{SimilarityThreshold: 0.78, MinClusterSize: 1},
		pipeline.WithConcurrency(1), pipeline.WithClusterEnrichment(false))
	require.NoError(t, err)

	verifier, err := ingest.NewVerifier(config.IngestConfig{
		MailgunSigningKey: testSigningKey,
		WebhookMaxAge:     time.Hour,
		DedupeTTL:         time.Hour,
	})
	require.NoError(t, err)

	srv, err := New(config.ServerConfig{CORSOrigins: []string{"*"}}, st, svc, pl, bus,
		WithIndex(idx), WithVerifier(verifier, "inbound"))
	require.NoError(t, err)

	ts := httptest.NewServer(srv.Routes())
	t.Cleanup(ts.Close)

	return &fixture{store: st, server: ts}
}

func (f *fixture) postJSON(t *testing.T, path string, body any) *http.Response {
	t.Helper()
	data, err := json.Marshal(body)
	require.NoError(t, err)
	resp, err := http.Post(f.server.URL+path, "application/json", bytes.NewReader(data))
	require.NoError(t, err)
	return resp
}

func (f *fixture) get(t *testing.T, path string) *http.Response {
	t.Helper()
	resp, err := http.Get(f.server.URL + path)
	require.NoError(t, err)
	return resp
}

func decode[T any](t *testing.T, resp *http.Response) T {
	t.Helper()
	defer resp.Body.Close()
	var v T
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&v))
	return v
}

func (f *fixture) upload(t *testing.T, subject string) string {
	t.Helper()
	resp := f.postJSON(t, "/api/newsletters", map[string]string{
		"subject":   subject,
		"text_body": "body of " + subject,
	})
	require.Equal(t, http.StatusCreated, resp.StatusCode)
	return decode[store.Newsletter](t, resp).ID
}

func TestHealth(t *testing.T) {
	f := newFixture(t, 50)
	resp := f.get(t, "/health")
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "ok", decode[map[string]string](t, resp)["status"])
}

func TestUploadAndFetchNewsletter(t *testing.T) {
	f := newFixture(t, 50)

	id := f.upload(t, "issue 1")

	resp := f.get(t, "/api/newsletters/"+id)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	n := decode[store.Newsletter](t, resp)
	assert.Equal(t, "issue 1", n.Subject)
	assert.False(t, n.Analyzed)

	resp = f.get(t, "/api/newsletters/does-not-exist")
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
	resp.Body.Close()
}

func TestUploadExtractsHTML(t *testing.T) {
	f := newFixture(t, 50)

	resp := f.postJSON(t, "/api/newsletters", map[string]string{
		"subject":   "html only",
		"html_body": "<p>hello <b>world</b></p>",
	})
	require.Equal(t, http.StatusCreated, resp.StatusCode)
	n := decode[store.Newsletter](t, resp)
	assert.Equal(t, "hello world", n.TextBody)
}

func TestUploadRejectsEmptyBody(t *testing.T) {
	f := newFixture(t, 50)

	resp := f.postJSON(t, "/api/newsletters", map[string]string{"subject": "no body"})
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	resp.Body.Close()
}

func TestAnalyzeEndpoint(t *testing.T) {
	f := newFixture(t, 50)
	id := f.upload(t, "issue 1")

	resp := f.postJSON(t, "/api/newsletters/"+id+"/analyze?subject=tenant-a", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	outcome := decode[pipeline.Outcome](t, resp)
	assert.Equal(t, 1, outcome.Problems)
	require.NotNil(t, outcome.Credits)
	assert.Equal(t, 1, outcome.Credits.Consumed)

	// Second run conflicts.
	resp = f.postJSON(t, "/api/newsletters/"+id+"/analyze?subject=tenant-a", nil)
	assert.Equal(t, http.StatusConflict, resp.StatusCode)
	resp.Body.Close()
}

func TestAnalyzeQuotaExhaustedReturns429(t *testing.T) {
	f := newFixture(t, 1)

	first := f.upload(t, "issue 1")
	resp := f.postJSON(t, "/api/newsletters/"+first+"/analyze?subject=tenant-a", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	resp.Body.Close()

	second := f.upload(t, "issue 2")
	resp = f.postJSON(t, "/api/newsletters/"+second+"/analyze?subject=tenant-a", nil)
	require.Equal(t, http.StatusTooManyRequests, resp.StatusCode)

	body := decode[map[string]json.RawMessage](t, resp)
	require.Contains(t, body, "credits")
	var status credits.Status
	require.NoError(t, json.Unmarshal(body["credits"], &status))
	assert.Equal(t, 1, status.Limit)
	assert.Equal(t, 1, status.Consumed)
	assert.True(t, status.Exhausted)
}

func TestAnalyzeAllEndpoint(t *testing.T) {
	f := newFixture(t, 50)
	f.upload(t, "issue 1")
	f.upload(t, "issue 2")

	resp := f.postJSON(t, "/api/newsletters/analyze-all?subject=tenant-a", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	outcome := decode[pipeline.BatchOutcome](t, resp)
	assert.Equal(t, 2, outcome.Analyzed)
	assert.False(t, outcome.Exhausted)
}

func TestCreditStatusEndpoint(t *testing.T) {
	f := newFixture(t, 50)

	resp := f.get(t, "/api/credits/status?subject=tenant-a")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	status := decode[credits.Status](t, resp)
	assert.Equal(t, 50, status.Limit)
	assert.Equal(t, 50, status.Remaining)
	assert.Equal(t, "tenant-a", status.Subject)
}

func TestProblemsAndSimilar(t *testing.T) {
	f := newFixture(t, 50)

	for i := 0; i < 2; i++ {
		id := f.upload(t, fmt.Sprintf("issue %d", i))
		resp := f.postJSON(t, "/api/newsletters/"+id+"/analyze", nil)
		require.Equal(t, http.StatusOK, resp.StatusCode)
		resp.Body.Close()
	}

	resp := f.get(t, "/api/problems")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	problems := decode[[]store.Problem](t, resp)
	require.Len(t, problems, 2)

	resp = f.get(t, "/api/problems/"+problems[0].ID+"/similar")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	matches := decode[[]search.Match](t, resp)
	require.Len(t, matches, 1, "the problem itself is excluded")
	assert.Equal(t, problems[1].ID, matches[0].ProblemID)

	resp = f.get(t, "/api/problems/nope/similar")
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
	resp.Body.Close()
}

func TestClusterEndpoints(t *testing.T) {
	f := newFixture(t, 50)

	id := f.upload(t, "issue 1")
	resp := f.postJSON(t, "/api/newsletters/"+id+"/analyze", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	resp.Body.Close()

	resp = f.postJSON(t, "/api/clusters/generate", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	generated := decode[[]store.Cluster](t, resp)
	require.Len(t, generated, 1)

	resp = f.get(t, "/api/clusters")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	listed := decode[[]store.Cluster](t, resp)
	assert.Equal(t, generated[0].ID, listed[0].ID)
}

func TestStatsEndpoint(t *testing.T) {
	f := newFixture(t, 50)

	id := f.upload(t, "issue 1")
	resp := f.postJSON(t, "/api/newsletters/"+id+"/analyze", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	resp.Body.Close()

	resp = f.get(t, "/api/stats")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	stats := decode[store.Stats](t, resp)
	assert.Equal(t, 1, stats.Newsletters)
	assert.Equal(t, 1, stats.AnalyzedNewsletters)
	assert.Equal(t, 1, stats.Problems)
}

func TestDeleteNewsletter(t *testing.T) {
	f := newFixture(t, 50)
	id := f.upload(t, "issue 1")

	req, err := http.NewRequest(http.MethodDelete, f.server.URL+"/api/newsletters/"+id, nil)
	require.NoError(t, err)
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	assert.Equal(t, http.StatusNoContent, resp.StatusCode)
	resp.Body.Close()

	resp = f.get(t, "/api/newsletters/"+id)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
	resp.Body.Close()
}

func mailgunForm(timestamp, token string) url.Values {
	return url.Values{
		"timestamp":  {timestamp},
		"token":      {token},
		"signature":  {ingest.Sign(testSigningKey, timestamp, token)},
		"from":       {`"Ben" <ben@example.com>`},
		"subject":    {"inbound issue"},
		"body-plain": {"inbound body text"},
	}
}

func TestMailgunWebhook(t *testing.T) {
	f := newFixture(t, 50)

	timestamp := strconv.FormatInt(time.Now().Unix(), 10)
	form := mailgunForm(timestamp, "tok-1")

	resp, err := http.PostForm(f.server.URL+"/webhooks/mailgun", form)
	require.NoError(t, err)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	body := decode[map[string]string](t, resp)
	assert.Equal(t, "stored", body["status"])
	id := body["id"]
	require.NotEmpty(t, id)

	// The inbound analysis runs in the background.
	require.Eventually(t, func() bool {
		n, err := f.store.GetNewsletter(context.Background(), id)
		return err == nil && n.Analyzed
	}, 5*time.Second, 10*time.Millisecond)

	// Redelivery of the same token is acknowledged but not re-stored.
	resp, err = http.PostForm(f.server.URL+"/webhooks/mailgun", form)
	require.NoError(t, err)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "duplicate", decode[map[string]string](t, resp)["status"])

	all, err := f.store.ListNewsletters(context.Background(), false)
	require.NoError(t, err)
	assert.Len(t, all, 1)
}

func TestMailgunWebhookRejectsBadSignature(t *testing.T) {
	f := newFixture(t, 50)

	timestamp := strconv.FormatInt(time.Now().Unix(), 10)
	form := mailgunForm(timestamp, "tok-bad")
	form.Set("signature", strings.Repeat("0", 64))

	resp, err := http.PostForm(f.server.URL+"/webhooks/mailgun", form)
	require.NoError(t, err)
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
	resp.Body.Close()
}

func TestEventsStream(t *testing.T) {
	f := newFixture(t, 50)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, f.server.URL+"/api/events", nil)
	require.NoError(t, err)
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "text/event-stream", resp.Header.Get("Content-Type"))

	f.upload(t, "issue 1")

	buf := make([]byte, 4096)
	deadline := time.Now().Add(3 * time.Second)
	var received strings.Builder
	for time.Now().Before(deadline) {
		n, err := resp.Body.Read(buf)
		if n > 0 {
			received.Write(buf[:n])
			if strings.Contains(received.String(), "event: newsletter:uploaded") {
				return
			}
		}
		if err != nil {
			break
		}
	}
	t.Fatalf("never received upload event, got: %q", received.String())
}

func TestCORSPreflight(t *testing.T) {
	f := newFixture(t, 50)

	req, err := http.NewRequest(http.MethodOptions, f.server.URL+"/api/newsletters", nil)
	require.NoError(t, err)
	req.Header.Set("Origin", "http://localhost:5173")

	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusNoContent, resp.StatusCode)
	assert.Equal(t, "http://localhost:5173", resp.Header.Get("Access-Control-Allow-Origin"))
}

func TestMetricsEndpoint(t *testing.T) {
	f := newFixture(t, 50)

	resp := f.get(t, "/metrics")
	defer resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)
}
